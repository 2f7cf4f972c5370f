// Package sqlstore archives dead letters in a relational database.
// PostgreSQL (lib/pq) and SQLite (modernc.org/sqlite) are supported.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/bargom/resilience/internal/delivery"
)

//go:embed migrations/*/*.sql
var migrationsFS embed.FS

// Dialect selects placeholder and DDL syntax.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// ErrUnsupportedDialect is returned for drivers other than postgres and sqlite.
var ErrUnsupportedDialect = errors.New("unsupported sql dialect")

// Config holds archive connection settings.
type Config struct {
	Driver          string        `yaml:"driver" validate:"omitempty,oneof=postgres sqlite"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DefaultConfig returns pool defaults matching the rest of the service.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// Store implements delivery.Archive on database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to the database described by cfg.
func Open(cfg Config) (*Store, error) {
	dialect := Dialect(cfg.Driver)
	if dialect != DialectPostgres && dialect != DialectSQLite {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDialect, cfg.Driver)
	}

	db, err := sql.Open(string(dialect), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if dialect == DialectSQLite {
		// each :memory: connection is a separate database
		db.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return New(db, dialect), nil
}

// New wraps an existing connection pool.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// DB returns the underlying connection pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// Migrate applies the dialect's migrations in file order. Every statement
// is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	dir := "migrations/" + string(s.dialect)
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("reading migrations: %w", err)
	}

	for _, entry := range entries {
		ddl, err := fs.ReadFile(migrationsFS, path.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}
		for _, stmt := range strings.Split(string(ddl), ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("applying migration %s: %w", entry.Name(), err)
			}
		}
	}
	return nil
}

// rebind converts ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Save implements delivery.Archive.
func (s *Store) Save(ctx context.Context, item delivery.DeadLetterItem) error {
	payload := string(item.Payload)
	if payload == "" {
		payload = "null"
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO dead_letters
			(webhook_id, event_type, payload, attempts, first_queued_at, dead_lettered_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		item.WebhookID,
		item.EventType,
		payload,
		item.Attempts,
		item.FirstQueuedAt.UnixMilli(),
		item.DeadLetteredAt.UnixMilli(),
		item.LastError,
	)
	if err != nil {
		return fmt.Errorf("saving dead letter %s: %w", item.WebhookID, err)
	}
	return nil
}

// List returns archived dead letters, oldest first. A limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit, offset int) ([]delivery.DeadLetterItem, error) {
	query := `
		SELECT webhook_id, event_type, payload, attempts, first_queued_at, dead_lettered_at, last_error
		FROM dead_letters
		ORDER BY dead_lettered_at, id`
	var args []any
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	defer rows.Close()

	var items []delivery.DeadLetterItem
	for rows.Next() {
		var (
			item                  delivery.DeadLetterItem
			payload               string
			firstQueued, deadAtMs int64
		)
		if err := rows.Scan(&item.WebhookID, &item.EventType, &payload, &item.Attempts,
			&firstQueued, &deadAtMs, &item.LastError); err != nil {
			return nil, fmt.Errorf("scanning dead letter: %w", err)
		}
		item.Payload = json.RawMessage(payload)
		item.FirstQueuedAt = time.UnixMilli(firstQueued).UTC()
		item.DeadLetteredAt = time.UnixMilli(deadAtMs).UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating dead letters: %w", err)
	}
	return items, nil
}

// Count returns the number of archived dead letters.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dead_letters").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting dead letters: %w", err)
	}
	return n, nil
}

// Clear deletes every archived dead letter and returns how many were removed.
func (s *Store) Clear(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM dead_letters")
	if err != nil {
		return 0, fmt.Errorf("clearing dead letters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clearing dead letters: %w", err)
	}
	return int(n), nil
}
