package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/auth"
	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/refunds"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS refund_requests (
	id TEXT PRIMARY KEY,
	current_status TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_refund_requests_status ON refund_requests(current_status);

CREATE TABLE IF NOT EXISTS refund_status_events (
	refund_id TEXT NOT NULL REFERENCES refund_requests(id),
	seq INTEGER NOT NULL,
	from_status TEXT NOT NULL DEFAULT '',
	to_status TEXT NOT NULL,
	recorded_at TEXT NOT NULL,
	actor TEXT NOT NULL DEFAULT '',
	note TEXT NOT NULL DEFAULT '',
	real_amount REAL,
	PRIMARY KEY (refund_id, seq)
);

CREATE TRIGGER IF NOT EXISTS refund_status_events_no_update
BEFORE UPDATE ON refund_status_events
BEGIN
	SELECT RAISE(ABORT, 'refund_status_events is append-only');
END;

CREATE TRIGGER IF NOT EXISTS refund_status_events_no_delete
BEFORE DELETE ON refund_status_events
BEGIN
	SELECT RAISE(ABORT, 'refund_status_events is append-only');
END;

CREATE TABLE IF NOT EXISTS oauth_clients (
	client_id TEXT PRIMARY KEY,
	secret_hash TEXT NOT NULL,
	scopes TEXT NOT NULL DEFAULT '',
	actor TEXT NOT NULL DEFAULT ''
);
`

// SQLiteStore keeps refunds in a SQLite database. It backs local snapshots
// and the operator CLI.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// an in-memory database exists per connection
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) GetRefund(ctx context.Context, id string) (*refunds.Refund, error) {
	var r refunds.Refund
	err := s.db.QueryRowContext(ctx,
		`SELECT id, current_status, updated_at FROM refund_requests WHERE id = ?`, id,
	).Scan(&r.ID, &r.CurrentStatus, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, refunds.ErrRefundNotFound
		}
		return nil, fmt.Errorf("failed to get refund: %w", err)
	}

	if err := s.loadHistory(ctx, []*refunds.Refund{&r}); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLiteStore) ListRefunds(ctx context.Context, filter refunds.ListFilter) ([]*refunds.Refund, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, current_status, updated_at
		FROM refund_requests
		WHERE (? = '' OR current_status = ?)
		ORDER BY id
		LIMIT ? OFFSET ?
	`, string(filter.CurrentStatus), string(filter.CurrentStatus), listLimit(filter.Limit), filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list refunds: %w", err)
	}
	defer rows.Close()

	var out []*refunds.Refund
	for rows.Next() {
		var r refunds.Refund
		if err := rows.Scan(&r.ID, &r.CurrentStatus, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan refund: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list refunds: %w", err)
	}
	rows.Close()

	if err := s.loadHistory(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) loadHistory(ctx context.Context, list []*refunds.Refund) error {
	if len(list) == 0 {
		return nil
	}
	byID := make(map[string]*refunds.Refund, len(list))
	args := make([]any, 0, len(list))
	for _, r := range list {
		byID[r.ID] = r
		args = append(args, r.ID)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(list)), ",")

	rows, err := s.db.QueryContext(ctx, `
		SELECT refund_id, from_status, to_status, recorded_at, actor, note, real_amount
		FROM refund_status_events
		WHERE refund_id IN (`+placeholders+`)
		ORDER BY refund_id, seq
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to load status history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		row, err := scanEvent(rows)
		if err != nil {
			return fmt.Errorf("failed to scan status event: %w", err)
		}
		if r, ok := byID[row.refundID]; ok {
			r.History = append(r.History, row.event)
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) SaveRefund(ctx context.Context, refund *refunds.Refund) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	updatedAt := refund.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO refund_requests (id, current_status, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET current_status = excluded.current_status, updated_at = excluded.updated_at
	`, refund.ID, string(refund.CurrentStatus), updatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert refund: %w", err)
	}

	var stored int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM refund_status_events WHERE refund_id = ?`, refund.ID,
	).Scan(&stored); err != nil {
		return fmt.Errorf("failed to count status events: %w", err)
	}

	pending, err := newEvents(refund.ID, refund.History, stored)
	if err != nil {
		return err
	}
	for i, ev := range pending {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO refund_status_events (refund_id, seq, from_status, to_status, recorded_at, actor, note, real_amount)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, refund.ID, stored+i, ev.From, ev.To, ev.At, ev.By, ev.Note, nullAmount(ev.RealAmount))
		if err != nil {
			return fmt.Errorf("failed to append status event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetClient(ctx context.Context, clientID string) (*auth.Client, error) {
	var c auth.Client
	var scopes string
	err := s.db.QueryRowContext(ctx,
		`SELECT client_id, secret_hash, scopes, actor FROM oauth_clients WHERE client_id = ?`, clientID,
	).Scan(&c.ID, &c.SecretHash, &scopes, &c.Actor)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrClientNotFound
		}
		return nil, err
	}
	c.Scopes = splitScopes(scopes)
	return &c, nil
}

func (s *SQLiteStore) PutClient(ctx context.Context, c *auth.Client) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_clients (client_id, secret_hash, scopes, actor)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (client_id) DO UPDATE SET secret_hash = excluded.secret_hash, scopes = excluded.scopes, actor = excluded.actor
	`, c.ID, c.SecretHash, joinScopes(c.Scopes), c.Actor)
	if err != nil {
		return fmt.Errorf("failed to store client: %w", err)
	}
	return nil
}

var (
	_ refunds.Store    = (*SQLiteStore)(nil)
	_ auth.ClientStore = (*SQLiteStore)(nil)
)
