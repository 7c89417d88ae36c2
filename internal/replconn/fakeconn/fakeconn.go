// Package fakeconn is an in-memory replconn.Connector double, letting
// every other package in this module exercise the replication protocol
// state machines without a live PostgreSQL server.
package fakeconn

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/jfoltran/pgrepl/internal/replconn"
)

// ExecResponse is a canned reply to a single Exec call, matched in order.
type ExecResponse struct {
	Rows []replconn.Row
	Err  error
}

// Conn is a scriptable fake: queue up ExecResponses and inbound backend
// messages, then drive the component under test against it.
type Conn struct {
	mu sync.Mutex

	execResponses []ExecResponse
	execCalls     []string
	queryCalls    []string

	inbound   []pgproto3.BackendMessage
	inboundCh chan pgproto3.BackendMessage
	closed    bool

	sent       [][]byte
	cancelled  bool
	paramStats map[string]string
}

// New creates an empty Conn. Use QueueExec and QueueMessage to script it.
func New() *Conn {
	return &Conn{
		inboundCh:  make(chan pgproto3.BackendMessage, 64),
		paramStats: map[string]string{},
	}
}

// WithParameterStatus sets a startup parameter the fake reports back, such
// as "server_version".
func (c *Conn) WithParameterStatus(name, value string) *Conn {
	c.paramStats[name] = value
	return c
}

// QueueExec appends a scripted response for the next Exec call.
func (c *Conn) QueueExec(rows []replconn.Row, err error) *Conn {
	c.execResponses = append(c.execResponses, ExecResponse{Rows: rows, Err: err})
	return c
}

// QueueMessage appends a scripted inbound backend message, delivered on the
// next ReceiveMessage call.
func (c *Conn) QueueMessage(msg pgproto3.BackendMessage) *Conn {
	c.inboundCh <- msg
	return c
}

// ExecCalls returns every SQL string passed to Exec, in call order.
func (c *Conn) ExecCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.execCalls))
	copy(out, c.execCalls)
	return out
}

// SentFrames returns every raw CopyData payload passed to SendBytes.
func (c *Conn) SentFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// Cancelled reports whether CancelRequest was called.
func (c *Conn) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Exec(ctx context.Context, sql string) ([]replconn.Row, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execCalls = append(c.execCalls, sql)
	if len(c.execResponses) == 0 {
		return nil, fmt.Errorf("fakeconn: no scripted response for Exec(%q)", sql)
	}
	resp := c.execResponses[0]
	c.execResponses = c.execResponses[1:]
	return resp.Rows, resp.Err
}

// QueryCalls returns every SQL string passed to SendQuery, in call order.
func (c *Conn) QueryCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.queryCalls))
	copy(out, c.queryCalls)
	return out
}

func (c *Conn) SendQuery(ctx context.Context, sql string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queryCalls = append(c.queryCalls, sql)
	return nil
}

func (c *Conn) ReceiveMessage(ctx context.Context) (pgproto3.BackendMessage, error) {
	select {
	case msg, ok := <-c.inboundCh:
		if !ok {
			return nil, fmt.Errorf("fakeconn: connection closed")
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) SendBytes(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.sent = append(c.sent, cp)
	return nil
}

func (c *Conn) CancelRequest(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = true
	return nil
}

func (c *Conn) ParameterStatus(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paramStats[name]
}

func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	close(c.inboundCh)
	return nil
}

var _ replconn.Connector = (*Conn)(nil)
