package refunds

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func amount(v float64) *float64 { return &v }

func TestParseTimestamp(t *testing.T) {
	clt := time.FixedZone("CLT", -3*3600)

	tests := []struct {
		name    string
		input   string
		want    time.Time
		wantErr bool
	}{
		{"rfc3339 utc", "2024-01-05T10:00:00Z", time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC), false},
		{"rfc3339 fractional offset", "2024-01-05T10:00:00.250-03:00", time.Date(2024, 1, 5, 13, 0, 0, 250_000_000, time.UTC), false},
		{"zoneless datetime", "2024-01-05T10:00:00", time.Date(2024, 1, 5, 10, 0, 0, 0, clt), false},
		{"date only", "2024-01-05", time.Date(2024, 1, 5, 0, 0, 0, 0, clt), false},
		{"garbage", "not-a-date", time.Time{}, true},
		{"empty", "   ", time.Time{}, true},
		{"impossible day", "2024-02-31", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimestamp(tt.input, clt)
			if tt.wantErr {
				var ute *UnparsableTimestampError
				require.True(t, errors.As(err, &ute))
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s want %s", got, tt.want)
		})
	}
}

func TestSorted_StableAndChronological(t *testing.T) {
	raw := []RawEvent{
		{To: "approved", At: "2024-01-10"},
		{To: "requested", At: "2024-01-01"},
		{To: "docs_pending", At: "2024-01-05T09:00:00Z"},
		{To: "docs_received", At: "2024-01-05T09:00:00Z"},
	}

	events, skipped := Sorted(raw, time.UTC)
	require.Empty(t, skipped)
	require.Len(t, events, 4)

	got := make([]Status, len(events))
	for i, e := range events {
		got[i] = e.To
	}
	assert.Equal(t, []Status{StatusRequested, StatusDocsPending, StatusDocsReceived, StatusApproved}, got)
	assert.Equal(t, 2, events[1].Index)
	assert.Equal(t, 3, events[2].Index)
}

func TestSorted_ExcludesUnevaluableRecords(t *testing.T) {
	raw := []RawEvent{
		{To: "requested", At: "yesterday-ish"},
		{From: "requested", To: "Qualifying", At: "2024-03-01T12:00:00Z", By: "ops@tedevuelvo.cl"},
		{To: "teleported", At: "2024-03-02"},
		{From: "bogus", To: "paid", At: "2024-03-03", RealAmount: amount(150000)},
	}

	events, skipped := Sorted(raw, time.UTC)
	require.Len(t, events, 2)
	require.Len(t, skipped, 2)

	assert.Equal(t, 0, skipped[0].Index)
	var ute *UnparsableTimestampError
	assert.True(t, errors.As(skipped[0].Err, &ute))
	assert.Equal(t, 2, skipped[1].Index)
	var use *UnknownStatusError
	assert.True(t, errors.As(skipped[1].Err, &use))

	assert.Equal(t, StatusRequested, events[0].From)
	assert.Equal(t, StatusQualifying, events[0].To)
	assert.Equal(t, "ops@tedevuelvo.cl", events[0].By)
	assert.Equal(t, StatusUnknown, events[1].From, "unknown from is treated as absent")
	require.NotNil(t, events[1].RealAmount)
	assert.Equal(t, 150000.0, *events[1].RealAmount)
}

func TestLedger_Accessors(t *testing.T) {
	l := NewLedger(StatusApproved, []RawEvent{
		{To: "requested", At: "2024-01-01"},
		{To: "approved", At: "2024-01-10"},
		{To: "paid", At: "??"},
	}, time.UTC)

	assert.Equal(t, StatusApproved, l.CurrentStatus())
	assert.Equal(t, 2, l.Len())
	assert.Len(t, l.Skipped(), 1)
	last, ok := l.Last()
	require.True(t, ok)
	assert.Equal(t, StatusApproved, last.To)
	assert.True(t, l.Consistent())

	events := l.Events()
	events[0].To = StatusPaid
	assert.Equal(t, StatusRequested, l.Events()[0].To, "ledger is read-only")

	diverged := NewLedger(StatusPaid, []RawEvent{{To: "approved", At: "2024-01-10"}}, time.UTC)
	assert.False(t, diverged.Consistent())

	empty := NewLedger(StatusPaid, nil, time.UTC)
	_, ok = empty.Last()
	assert.False(t, ok)
	assert.True(t, empty.Consistent())
}
