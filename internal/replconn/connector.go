// Package replconn wraps pgx's pgconn.PgConn behind a small interface so
// the rest of this module never depends on wire-level transport details
// directly. spec.md calls this boundary the Connector facade: it is
// explicitly out of scope to reimplement the PostgreSQL frontend/backend
// protocol itself, so we lean on pgx/v5's pgconn and pgproto3 packages the
// way the teacher's pgwire package already did for the plain-SQL case.
package replconn

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"
)

// Row is a single row of a simple-query result set, as returned by Exec.
type Row [][]byte

// Connector is the narrow surface the replication engine needs from a
// PostgreSQL connection: issuing replication-protocol commands, exchanging
// CopyBoth frames, and cancelling a blocked query.
type Connector interface {
	// Exec runs sql (a replication command or a simple SQL statement) and
	// returns the rows of every result set it produces, in order. It must not be used for
	// START_REPLICATION, whose response is a CopyBothResponse rather than
	// a normal result set; use SendQuery for that instead.
	Exec(ctx context.Context, sql string) ([]Row, error)

	// SendQuery writes a simple Query message and flushes, without
	// reading any response. The caller drives ReceiveMessage itself,
	// which is what START_REPLICATION requires since its first reply is
	// a CopyBothResponse (or, on the end-of-timeline edge case, a
	// CommandComplete) rather than a row set.
	SendQuery(ctx context.Context, sql string) error

	// ReceiveMessage blocks for the next backend message. During
	// streaming this is almost always a *pgproto3.CopyData frame.
	ReceiveMessage(ctx context.Context) (pgproto3.BackendMessage, error)

	// SendBytes writes a raw CopyData payload to the server, used for
	// Standby Status Update messages.
	SendBytes(ctx context.Context, data []byte) error

	// CancelRequest asks the server to cancel whatever the connection is
	// currently doing, the mechanism used to unblock a streaming COPY.
	CancelRequest(ctx context.Context) error

	// ParameterStatus returns a startup parameter reported by the server,
	// such as server_version.
	ParameterStatus(name string) string

	// Close tears down the underlying socket.
	Close(ctx context.Context) error
}

type pgconnConnector struct {
	conn   *pgconn.PgConn
	logger zerolog.Logger
}

// Wrap adapts an established pgconn.PgConn into a Connector.
func Wrap(conn *pgconn.PgConn, logger zerolog.Logger) Connector {
	return &pgconnConnector{
		conn:   conn,
		logger: logger.With().Str("component", "replconn").Logger(),
	}
}

func (c *pgconnConnector) Exec(ctx context.Context, sql string) ([]Row, error) {
	mrr := c.conn.Exec(ctx, sql)
	var rows []Row
	for mrr.NextResult() {
		rr := mrr.ResultReader()
		for rr.NextRow() {
			vals := rr.Values()
			row := make(Row, len(vals))
			for i, v := range vals {
				if v == nil {
					row[i] = nil
					continue
				}
				cp := make([]byte, len(v))
				copy(cp, v)
				row[i] = cp
			}
			rows = append(rows, row)
		}
		if _, err := rr.Close(); err != nil {
			mrr.Close()
			return nil, fmt.Errorf("replconn: exec %q: %w", sql, err)
		}
	}
	if err := mrr.Close(); err != nil {
		return nil, fmt.Errorf("replconn: exec %q: %w", sql, err)
	}
	return rows, nil
}

func (c *pgconnConnector) SendQuery(ctx context.Context, sql string) error {
	fe := c.conn.Frontend()
	if err := fe.Send(&pgproto3.Query{String: sql}); err != nil {
		return fmt.Errorf("replconn: send query %q: %w", sql, err)
	}
	return fe.Flush()
}

func (c *pgconnConnector) ReceiveMessage(ctx context.Context) (pgproto3.BackendMessage, error) {
	return c.conn.ReceiveMessage(ctx)
}

func (c *pgconnConnector) SendBytes(ctx context.Context, data []byte) error {
	fe := c.conn.Frontend()
	if err := fe.Send(&pgproto3.CopyData{Data: data}); err != nil {
		return fmt.Errorf("replconn: send copy data: %w", err)
	}
	return fe.Flush()
}

func (c *pgconnConnector) CancelRequest(ctx context.Context) error {
	return c.conn.CancelRequest(ctx)
}

func (c *pgconnConnector) ParameterStatus(name string) string {
	return c.conn.ParameterStatus(name)
}

func (c *pgconnConnector) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}
