// Package store persists refund requests and their raw status history.
//
// Status events are kept exactly as the transition authority reported them,
// timestamps included, so that records the ledger cannot evaluate are still
// available for display. History is append-only.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/refunds"
)

// ErrHistoryTruncated is returned when a refund is saved with fewer events
// than already stored for it.
var ErrHistoryTruncated = errors.New("status history shorter than stored history")

const defaultListLimit = 100

type scanner interface {
	Scan(dest ...any) error
}

type eventRow struct {
	refundID string
	event    refunds.RawEvent
}

func scanEvent(s scanner) (eventRow, error) {
	var (
		row    eventRow
		amount sql.NullFloat64
	)
	err := s.Scan(&row.refundID, &row.event.From, &row.event.To, &row.event.At, &row.event.By, &row.event.Note, &amount)
	if err != nil {
		return row, err
	}
	if amount.Valid {
		v := amount.Float64
		row.event.RealAmount = &v
	}
	return row, nil
}

func nullAmount(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// newEvents returns the part of history that is not stored yet.
func newEvents(refundID string, history []refunds.RawEvent, stored int) ([]refunds.RawEvent, error) {
	if len(history) < stored {
		return nil, fmt.Errorf("refund %s has %d stored events, got %d: %w", refundID, stored, len(history), ErrHistoryTruncated)
	}
	return history[stored:], nil
}

func listLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}

func splitScopes(raw string) []string {
	return strings.Fields(raw)
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}
