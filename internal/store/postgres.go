package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/auth"
	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/refunds"
)

const (
	queryTimeout = 5 * time.Second
	maxRetries   = 3
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS refund_requests (
		id TEXT PRIMARY KEY,
		current_status TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_refund_requests_status ON refund_requests(current_status)`,
	`CREATE TABLE IF NOT EXISTS refund_status_events (
		refund_id TEXT NOT NULL REFERENCES refund_requests(id),
		seq INTEGER NOT NULL,
		from_status TEXT NOT NULL DEFAULT '',
		to_status TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		real_amount DOUBLE PRECISION,
		PRIMARY KEY (refund_id, seq)
	)`,
	`CREATE OR REPLACE FUNCTION refund_status_events_immutable() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'refund_status_events is append-only';
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS refund_status_events_no_update ON refund_status_events`,
	`CREATE TRIGGER refund_status_events_no_update
		BEFORE UPDATE OR DELETE ON refund_status_events
		FOR EACH ROW EXECUTE FUNCTION refund_status_events_immutable()`,
	`CREATE TABLE IF NOT EXISTS oauth_clients (
		client_id TEXT PRIMARY KEY,
		secret_hash TEXT NOT NULL,
		scopes TEXT[] NOT NULL DEFAULT '{}',
		actor TEXT NOT NULL DEFAULT ''
	)`,
}

// PostgresStore keeps refunds in PostgreSQL.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply migration: %w", err)
		}
	}
	return nil
}

// GetRefund loads a refund with its history in stored order.
func (s *PostgresStore) GetRefund(ctx context.Context, id string) (*refunds.Refund, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var r refunds.Refund
	err := s.Pool.QueryRow(queryCtx,
		`SELECT id, current_status, updated_at FROM refund_requests WHERE id = $1`, id,
	).Scan(&r.ID, &r.CurrentStatus, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, refunds.ErrRefundNotFound
		}
		return nil, fmt.Errorf("failed to get refund: %w", err)
	}

	if err := s.loadHistory(queryCtx, []*refunds.Refund{&r}); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRefunds pages refunds ordered by ID.
func (s *PostgresStore) ListRefunds(ctx context.Context, filter refunds.ListFilter) ([]*refunds.Refund, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.Pool.Query(queryCtx, `
		SELECT id, current_status, updated_at
		FROM refund_requests
		WHERE ($1 = '' OR current_status = $1)
		ORDER BY id
		LIMIT $2 OFFSET $3
	`, string(filter.CurrentStatus), listLimit(filter.Limit), filter.Offset)
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

	if err := s.loadHistory(queryCtx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) loadHistory(ctx context.Context, list []*refunds.Refund) error {
	if len(list) == 0 {
		return nil
	}
	byID := make(map[string]*refunds.Refund, len(list))
	ids := make([]string, 0, len(list))
	for _, r := range list {
		byID[r.ID] = r
		ids = append(ids, r.ID)
	}

	rows, err := s.Pool.Query(ctx, `
		SELECT refund_id, from_status, to_status, recorded_at, actor, note, real_amount
		FROM refund_status_events
		WHERE refund_id = ANY($1)
		ORDER BY refund_id, seq
	`, ids)
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

// SaveRefund upserts the refund and appends the events not stored yet.
func (s *PostgresStore) SaveRefund(ctx context.Context, refund *refunds.Refund) error {
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := s.saveRefund(ctx, refund)
		if err == nil {
			return nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "40001" {
			if attempt == maxRetries-1 {
				return fmt.Errorf("failed to save refund after %d retries due to serialization failure: %w", maxRetries, err)
			}
			time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
			continue
		}
		return err
	}
	return nil
}

func (s *PostgresStore) saveRefund(ctx context.Context, refund *refunds.Refund) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := s.Pool.BeginTx(queryCtx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(queryCtx)

	updatedAt := refund.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err = tx.Exec(queryCtx, `
		INSERT INTO refund_requests (id, current_status, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET current_status = EXCLUDED.current_status, updated_at = EXCLUDED.updated_at
	`, refund.ID, string(refund.CurrentStatus), updatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert refund: %w", err)
	}

	var stored int
	if err := tx.QueryRow(queryCtx,
		`SELECT COUNT(*) FROM refund_status_events WHERE refund_id = $1`, refund.ID,
	).Scan(&stored); err != nil {
		return fmt.Errorf("failed to count status events: %w", err)
	}

	pending, err := newEvents(refund.ID, refund.History, stored)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		batch := &pgx.Batch{}
		for i, ev := range pending {
			batch.Queue(`
				INSERT INTO refund_status_events (refund_id, seq, from_status, to_status, recorded_at, actor, note, real_amount)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`, refund.ID, stored+i, ev.From, ev.To, ev.At, ev.By, ev.Note, nullAmount(ev.RealAmount))
		}
		if err := tx.SendBatch(queryCtx, batch).Close(); err != nil {
			return fmt.Errorf("failed to append status events: %w", err)
		}
	}

	if err := tx.Commit(queryCtx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetClient implements auth.ClientStore.
func (s *PostgresStore) GetClient(ctx context.Context, clientID string) (*auth.Client, error) {
	var c auth.Client
	var scopes []string
	err := s.Pool.QueryRow(ctx,
		`SELECT client_id, secret_hash, scopes, actor FROM oauth_clients WHERE client_id = $1`, clientID,
	).Scan(&c.ID, &c.SecretHash, &scopes, &c.Actor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auth.ErrClientNotFound
		}
		return nil, err
	}
	c.Scopes = scopes
	return &c, nil
}

// PutClient registers or replaces an operator client.
func (s *PostgresStore) PutClient(ctx context.Context, c *auth.Client) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO oauth_clients (client_id, secret_hash, scopes, actor)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (client_id) DO UPDATE SET secret_hash = EXCLUDED.secret_hash, scopes = EXCLUDED.scopes, actor = EXCLUDED.actor
	`, c.ID, c.SecretHash, c.Scopes, c.Actor)
	if err != nil {
		return fmt.Errorf("failed to store client: %w", err)
	}
	return nil
}

var (
	_ refunds.Store    = (*PostgresStore)(nil)
	_ auth.ClientStore = (*PostgresStore)(nil)
)
