package livestream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Notification is one message received on a listened channel.
type Notification struct {
	Channel string
	Payload string
}

// Conn is a connection dedicated to one stream for its whole lifetime.
// It is never used from more than one goroutine at a time.
type Conn interface {
	// Snapshot runs query and returns one JSON value per row.
	Snapshot(ctx context.Context, query string, args ...any) ([]json.RawMessage, error)
	Listen(ctx context.Context, channel string) error
	Unlisten(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (Notification, error)
	// Release gives the connection up for good. Notifications still buffered on it die
	// with it.
	Release()
}

// Source hands out dedicated connections.
type Source interface {
	Acquire(ctx context.Context) (Conn, error)
}

// PGSource acquires listener connections from a pool kept apart from the one serving
// request/response queries, so long-lived streams cannot starve ordinary requests.
type PGSource struct {
	pool *pgxpool.Pool
}

func NewPGSource(ctx context.Context, databaseURL string, maxConns int32) (*PGSource, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse listener pool config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open listener pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping listener pool: %w", err)
	}
	return &PGSource{pool: pool}, nil
}

func (s *PGSource) Acquire(ctx context.Context) (Conn, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listener connection: %w", err)
	}
	return &pgConn{conn: conn}, nil
}

func (s *PGSource) Close() {
	s.pool.Close()
}

type pgConn struct {
	conn *pgxpool.Conn
}

func (c *pgConn) Snapshot(ctx context.Context, query string, args ...any) ([]json.RawMessage, error) {
	rows, err := c.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]json.RawMessage, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		items = append(items, json.RawMessage(append([]byte(nil), raw...)))
	}
	return items, rows.Err()
}

func (c *pgConn) Listen(ctx context.Context, channel string) error {
	_, err := c.conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	return err
}

func (c *pgConn) Unlisten(ctx context.Context, channel string) error {
	_, err := c.conn.Exec(ctx, "UNLISTEN "+pgx.Identifier{channel}.Sanitize())
	return err
}

func (c *pgConn) WaitForNotification(ctx context.Context) (Notification, error) {
	n, err := c.conn.Conn().WaitForNotification(ctx)
	if err != nil {
		return Notification{}, err
	}
	return Notification{Channel: n.Channel, Payload: n.Payload}, nil
}

// Release closes the connection instead of pooling it, so its notification buffer cannot
// leak into the next stream that acquires a connection.
func (c *pgConn) Release() {
	raw := c.conn.Hijack()
	ctx, cancel := context.WithTimeout(context.Background(), unlistenTimeout)
	defer cancel()
	if err := raw.Close(ctx); err != nil {
		log.Printf("livestream: close listener connection: %v", err)
	}
}
