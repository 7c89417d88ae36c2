// Package catalog provides pooled, ordinary-SQL lookups against a
// server's catalog tables: the auxiliary reads the CLI needs before
// issuing a replication command (what publications exist, what slots
// are already taken) that have no business going over the dedicated
// replication connection itself.
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Catalog wraps a pooled connection to the target server's ordinary
// (non-replication) endpoint.
type Catalog struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Open connects a pool to url, the same DSN shape config.DatabaseConfig.DSN
// produces, and verifies it with a ping.
func Open(ctx context.Context, url string, logger zerolog.Logger) (*Catalog, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("catalog: parse url: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("catalog: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("catalog: ping: %w", err)
	}
	return &Catalog{
		pool:   pool,
		logger: logger.With().Str("component", "catalog").Logger(),
	}, nil
}

// Close releases the pool.
func (c *Catalog) Close() {
	c.pool.Close()
}

// Publication is one row of pg_publication.
type Publication struct {
	Name      string
	AllTables bool
	Insert    bool
	Update    bool
	Delete    bool
	Truncate  bool
}

// Publications lists every publication defined on the server.
func (c *Catalog) Publications(ctx context.Context) ([]Publication, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT pubname, puballtables, pubinsert, pubupdate, pubdelete, pubtruncate
		FROM pg_publication
		ORDER BY pubname`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list publications: %w", err)
	}
	defer rows.Close()

	var out []Publication
	for rows.Next() {
		var p Publication
		if err := rows.Scan(&p.Name, &p.AllTables, &p.Insert, &p.Update, &p.Delete, &p.Truncate); err != nil {
			return nil, fmt.Errorf("catalog: scan publication: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ReplicationSlot is one row of pg_replication_slots.
type ReplicationSlot struct {
	Name     string
	Plugin   string
	SlotType string
	Database string
	Active   bool
}

// ReplicationSlots lists every replication slot on the server.
func (c *Catalog) ReplicationSlots(ctx context.Context) ([]ReplicationSlot, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT slot_name, COALESCE(plugin, ''), slot_type, COALESCE(database, ''), active
		FROM pg_replication_slots
		ORDER BY slot_name`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list replication slots: %w", err)
	}
	defer rows.Close()

	var out []ReplicationSlot
	for rows.Next() {
		var s ReplicationSlot
		if err := rows.Scan(&s.Name, &s.Plugin, &s.SlotType, &s.Database, &s.Active); err != nil {
			return nil, fmt.Errorf("catalog: scan replication slot: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SlotExists reports whether a replication slot with the given name
// already exists.
func (c *Catalog) SlotExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := c.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_replication_slots WHERE slot_name = $1)", name,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("catalog: check slot existence: %w", err)
	}
	return exists, nil
}

// PublicationExists reports whether a publication with the given name
// already exists.
func (c *Catalog) PublicationExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := c.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)", name,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("catalog: check publication existence: %w", err)
	}
	return exists, nil
}
