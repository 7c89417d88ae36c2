// Package walstream decodes the CopyBoth stream a PostgreSQL server opens
// in response to START_REPLICATION: XLogData ('w') and PrimaryKeepalive
// ('k') frames, tracking the highest LSN observed so far.
package walstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/jfoltran/pgrepl/internal/replconn"
	"github.com/jfoltran/pgrepl/internal/telemetry"
	"github.com/jfoltran/pgrepl/internal/wire"
	"github.com/jfoltran/pgrepl/pkg/lsn"
)

// pgEpoch is the PostgreSQL replication protocol's reference instant,
// 2000-01-01T00:00:00 UTC.
var pgEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// SQLStateQueryCanceled is the sqlstate the server reports when a
// replication stream is interrupted by a cancel request. It is not an
// error condition here: it is the normal way a streaming read ends.
const SQLStateQueryCanceled = "57014"

// ErrEndOfTimeline is returned by Open when the server answers
// START_REPLICATION with CommandComplete instead of CopyBothResponse,
// the documented end-of-timeline edge case. No decoder is created.
var ErrEndOfTimeline = errors.New("walstream: server ended the timeline instead of starting replication")

// ServerError wraps a server-reported ErrorResponse seen while streaming,
// for any sqlstate other than query_canceled.
type ServerError struct {
	SQLState string
	Severity string
	Message  string
	Detail   string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("walstream: server error %s: %s: %s", e.SQLState, e.Severity, e.Message)
}

// ProtocolError reports an unexpected or malformed message on the
// replication channel.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "walstream: protocol error: " + e.Msg }

// EventKind distinguishes the two CopyData frame types the stream can
// deliver.
type EventKind int

const (
	XLogDataEvent EventKind = iota
	KeepaliveEvent
)

// Event is one decoded CopyData frame.
type Event struct {
	Kind           EventKind
	WALStart       lsn.LSN
	WALEnd         lsn.LSN
	ServerClock    time.Time
	ReplyRequested bool // only meaningful for KeepaliveEvent

	payload []byte // only populated for XLogDataEvent
}

// Payload returns a bounded, non-seekable reader over an XLogData
// event's WAL bytes. Reading past the end returns io.EOF, never an
// error; it is always safe to call even on a KeepaliveEvent, which
// reports an immediately-exhausted stream.
func (e *Event) Payload() io.Reader {
	return &payloadReader{data: e.payload}
}

// PayloadBytes exposes the XLogData payload directly, for decoders (like
// pgoutput) that bypass the streaming-read contract and parse the whole
// message in one pass.
func (e *Event) PayloadBytes() []byte { return e.payload }

type payloadReader struct {
	data []byte
	off  int
}

func (r *payloadReader) Read(buf []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(buf, r.data[r.off:])
	r.off += n
	return n, nil
}

// Decoder reads CopyData frames off a replconn.Connector and decodes
// them into Events.
type Decoder struct {
	conn     replconn.Connector
	lastRecv lsn.LSN
	metrics  *telemetry.Registry
}

// SetMetrics attaches a telemetry registry the decoder updates as it
// observes XLogData and keepalive frames. Passing nil detaches metrics.
func (d *Decoder) SetMetrics(m *telemetry.Registry) { d.metrics = m }

// Open issues sql (normally built by replcommand.StartReplicationPhysical
// or StartReplicationLogical) and consumes the server's first reply. It
// returns ErrEndOfTimeline if the server answered with CommandComplete
// rather than starting the CopyBoth stream.
func Open(ctx context.Context, conn replconn.Connector, sql string) (*Decoder, error) {
	if err := conn.SendQuery(ctx, sql); err != nil {
		return nil, fmt.Errorf("walstream: start replication: %w", err)
	}

	for {
		msg, err := conn.ReceiveMessage(ctx)
		if err != nil {
			return nil, fmt.Errorf("walstream: awaiting replication start: %w", err)
		}
		switch m := msg.(type) {
		case *pgproto3.CopyBothResponse:
			return &Decoder{conn: conn}, nil
		case *pgproto3.CommandComplete:
			return nil, ErrEndOfTimeline
		case *pgproto3.ErrorResponse:
			return nil, serverErrorFrom(m)
		case *pgproto3.NoticeResponse, *pgproto3.ParameterStatus:
			continue
		case *pgproto3.ReadyForQuery:
			continue
		default:
			return nil, &ProtocolError{Msg: fmt.Sprintf("unexpected message %T while starting replication", msg)}
		}
	}
}

// LastReceived returns the highest LSN observed across start and end
// positions of every frame decoded so far.
func (d *Decoder) LastReceived() lsn.LSN { return d.lastRecv }

// Next reads and decodes the next CopyData frame. It returns (nil, nil)
// when the stream has ended normally: the server cancelled the query
// (sqlstate 57014) or sent CopyDone. Any other error breaks the
// connection and must be treated as fatal by the caller.
func (d *Decoder) Next(ctx context.Context) (*Event, error) {
	for {
		msg, err := d.conn.ReceiveMessage(ctx)
		if err != nil {
			return nil, fmt.Errorf("walstream: receive: %w", err)
		}
		switch m := msg.(type) {
		case *pgproto3.CopyData:
			ev, err := d.decodeFrame(m.Data)
			if err != nil {
				return nil, err
			}
			return ev, nil
		case *pgproto3.CopyDone:
			continue
		case *pgproto3.CommandComplete:
			continue
		case *pgproto3.ReadyForQuery:
			return nil, nil
		case *pgproto3.ErrorResponse:
			se := serverErrorFrom(m)
			if se.SQLState == SQLStateQueryCanceled {
				return nil, nil
			}
			return nil, se
		default:
			return nil, &ProtocolError{Msg: fmt.Sprintf("unexpected message %T during streaming", msg)}
		}
	}
}

func (d *Decoder) decodeFrame(data []byte) (*Event, error) {
	if len(data) < 1 {
		return nil, &ProtocolError{Msg: "empty CopyData frame"}
	}
	r := wire.NewReader(data[1:])
	switch data[0] {
	case 'w':
		if len(data) < 25 {
			return nil, &ProtocolError{Msg: fmt.Sprintf("XLogData frame too short: %d bytes", len(data))}
		}
		start, _ := r.Uint64()
		end, _ := r.Uint64()
		clockMicros, _ := r.Int64()
		startLSN := lsn.FromUint64(start)
		endLSN := lsn.FromUint64(end)
		d.raise(startLSN)
		d.raise(endLSN)
		payload := r.Bytes()
		d.metrics.AddXLogBytes(len(payload))
		return &Event{
			Kind:        XLogDataEvent,
			WALStart:    startLSN,
			WALEnd:      endLSN,
			ServerClock: pgEpoch.Add(time.Duration(clockMicros) * time.Microsecond),
			payload:     payload,
		}, nil
	case 'k':
		if len(data) != 18 {
			return nil, &ProtocolError{Msg: fmt.Sprintf("keepalive frame wrong size: %d bytes", len(data))}
		}
		end, _ := r.Uint64()
		clockMicros, _ := r.Int64()
		replyByte, _ := r.Byte()
		endLSN := lsn.FromUint64(end)
		d.raise(endLSN)
		return &Event{
			Kind:           KeepaliveEvent,
			WALEnd:         endLSN,
			ServerClock:    pgEpoch.Add(time.Duration(clockMicros) * time.Microsecond),
			ReplyRequested: replyByte != 0,
		}, nil
	default:
		return nil, &ProtocolError{Msg: fmt.Sprintf("unrecognized CopyData code %q", data[0])}
	}
}

func (d *Decoder) raise(v lsn.LSN) {
	if v.Compare(d.lastRecv) > 0 {
		d.lastRecv = v
		d.metrics.ObserveReceived(v)
	}
}

func serverErrorFrom(m *pgproto3.ErrorResponse) *ServerError {
	return &ServerError{
		SQLState: m.Code,
		Severity: m.Severity,
		Message:  m.Message,
		Detail:   m.Detail,
	}
}
