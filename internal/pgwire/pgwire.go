package pgwire

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// Conn wraps a pgconn.PgConn with replication-specific helpers.
type Conn struct {
	conn   *pgconn.PgConn
	logger zerolog.Logger
}

// NewConn creates a Conn wrapper.
func NewConn(conn *pgconn.PgConn, logger zerolog.Logger) *Conn {
	return &Conn{
		conn:   conn,
		logger: logger.With().Str("component", "pgwire").Logger(),
	}
}

// Raw returns the underlying pgconn.PgConn.
func (c *Conn) Raw() *pgconn.PgConn {
	return c.conn
}

// SetReplicationOrigin configures a replication origin on the connection so
// that writes are tagged with the given origin name. This is used for
// bidirectional loop detection.
func (c *Conn) SetReplicationOrigin(ctx context.Context, originName string) error {
	// Create the origin if it doesn't exist.
	_, err := c.execParams(ctx,
		"SELECT pg_replication_origin_create($1) WHERE NOT EXISTS (SELECT 1 FROM pg_replication_origin WHERE roname = $1)",
		originName)
	if err != nil {
		return fmt.Errorf("create replication origin: %w", err)
	}

	// Set the session to use this origin.
	_, err = c.execParams(ctx, "SELECT pg_replication_origin_session_setup($1)", originName)
	if err != nil {
		return fmt.Errorf("setup replication origin session: %w", err)
	}

	c.logger.Info().Str("origin", originName).Msg("replication origin configured")
	return nil
}

func (c *Conn) execParams(ctx context.Context, sql string, args ...string) ([]byte, error) {
	params := make([][]byte, len(args))
	for i, a := range args {
		params[i] = []byte(a)
	}
	rr := c.conn.ExecParams(ctx, sql, params, nil, nil, nil)
	var result []byte
	for rr.NextRow() {
	}
	_, err := rr.Close()
	return result, err
}

// Close closes the underlying connection.
func (c *Conn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}
