package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jfoltran/pgrepl/internal/pgwire"
	"github.com/jfoltran/pgrepl/internal/replconn"
	"github.com/jfoltran/pgrepl/internal/session"
)

// openSession dials a replication connection for variant and advances a
// fresh session.Session to Idle, ready for commands.
func openSession(ctx context.Context, variant session.Variant) (*session.Session, error) {
	conn, err := dialConnector(ctx, variant)
	if err != nil {
		return nil, err
	}
	s := session.New(conn, logger)
	s.SetMetrics(metrics)

	if err := s.Open(ctx, variant); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("open session: %w", err)
	}
	return s, nil
}

// dialConnector opens a raw replication connection without advancing a
// session.Session, for components (like basebackup.Coordinator) that
// drive their own protocol sequence outside the session state machine.
func dialConnector(ctx context.Context, variant session.Variant) (replconn.Connector, error) {
	dsn := cfg.Connection.ReplicationDSN()
	if variant == session.VariantOff {
		dsn = cfg.Connection.DSN()
	}
	raw, err := pgconn.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return replconn.Wrap(raw, logger), nil
}

// configureReplicationOrigin tags this consumer's writes with
// cfg.Replication.OriginID so a bidirectional setup can filter out its own
// changes. It dials a plain (non-replication) connection because
// pg_replication_origin_session_setup runs over the extended query protocol,
// which a replication-mode connection does not support.
func configureReplicationOrigin(ctx context.Context, originID string) error {
	raw, err := pgconn.Connect(ctx, cfg.Connection.DSN())
	if err != nil {
		return fmt.Errorf("connect for replication origin: %w", err)
	}
	conn := pgwire.NewConn(raw, logger)
	defer conn.Close(ctx)

	return conn.SetReplicationOrigin(ctx, originID)
}
