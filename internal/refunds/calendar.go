package refunds

import (
	"time"
	_ "time/tzdata"
)

// DefaultLocation is the reference zone of the refund ledgers.
const DefaultLocation = "America/Santiago"

// Reconciler answers historical questions about ledgers. A Reconciler holds
// no mutable state and is safe for concurrent use.
type Reconciler struct {
	loc *time.Location
	now func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLocation sets the reference zone used for day boundaries and for
// timestamps that carry no offset.
func WithLocation(loc *time.Location) Option {
	return func(r *Reconciler) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// WithClock overrides the source of "now" for open-ended intervals.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReconciler returns a Reconciler in DefaultLocation on the wall clock
// unless overridden by opts.
func NewReconciler(opts ...Option) *Reconciler {
	r := &Reconciler{loc: defaultLocation(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func defaultLocation() *time.Location {
	loc, err := time.LoadLocation(DefaultLocation)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Location returns the reference zone.
func (r *Reconciler) Location() *time.Location { return r.loc }

// Ledger builds the sorted ledger for a refund using the reference zone.
func (r *Reconciler) Ledger(refund *Refund) *Ledger {
	return NewLedger(refund.CurrentStatus, refund.History, r.loc)
}

// StartOfDay returns the first instant of t's calendar day in the reference
// zone. That is 00:00 except on days whose midnight a clock change skips.
func (r *Reconciler) StartOfDay(t time.Time) time.Time {
	y, m, d := t.In(r.loc).Date()
	return dayStart(y, m, d, r.loc)
}

// EndOfDay returns the last millisecond of t's calendar day in the reference
// zone, one millisecond before the next day starts.
func (r *Reconciler) EndOfDay(t time.Time) time.Time {
	y, m, d := t.In(r.loc).Date()
	ny, nm, nd := time.Date(y, m, d+1, 12, 0, 0, 0, time.UTC).Date()
	return dayStart(ny, nm, nd, r.loc).Add(-time.Millisecond)
}

// ParseDate reads a caller-supplied calendar date (or full timestamp) in the
// reference zone.
func (r *Reconciler) ParseDate(raw string) (time.Time, error) {
	return ParseTimestamp(raw, r.loc)
}

func dayStart(y int, m time.Month, d int, loc *time.Location) time.Time {
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)

	// midnight fell in a gap and was resolved onto the previous day: the day
	// begins when the next offset takes effect
	if !onDate(start, y, m, d) {
		if _, end := start.ZoneBounds(); !end.IsZero() {
			return end
		}
		return start
	}

	// midnight happened twice: keep the earlier occurrence
	if zoneStart, _ := start.ZoneBounds(); !zoneStart.IsZero() {
		before := zoneStart.Add(-time.Nanosecond)
		if onDate(before, y, m, d) {
			_, offset := before.Zone()
			early := time.Date(y, m, d, 0, 0, 0, 0, time.FixedZone("", offset)).In(loc)
			if early.Before(zoneStart) {
				return early
			}
		}
	}
	return start
}

func onDate(t time.Time, y int, m time.Month, d int) bool {
	ty, tm, td := t.Date()
	return ty == y && tm == m && td == d
}
