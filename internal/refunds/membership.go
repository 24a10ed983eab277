package refunds

import "time"

// Interval is the occupancy of one status: from the event that entered it
// until the next transition, or until now for the last event.
type Interval struct {
	Status Status
	Start  time.Time
	End    time.Time
	// Open marks the interval of the last event, bounded by the clock.
	Open bool
}

// Intervals partitions the ledger's evaluable history into occupancy
// intervals in chronological order.
func (r *Reconciler) Intervals(l *Ledger) []Interval {
	if l == nil || len(l.events) == 0 {
		return nil
	}

	now := r.now()
	out := make([]Interval, 0, len(l.events))
	for i, ev := range l.events {
		iv := Interval{Status: ev.To, Start: ev.At}
		if i+1 < len(l.events) {
			iv.End = l.events[i+1].At
		} else {
			iv.End = now
			iv.Open = true
			if iv.End.Before(iv.Start) {
				iv.End = iv.Start
			}
		}
		out = append(out, iv)
	}
	return out
}

// WasActiveDuring reports whether target was active at any point of the
// calendar range [start, end], both ends inclusive of their whole day.
// A zero start or end leaves that side of the range open.
//
// With no evaluable history the refund is assumed to have always held its
// current status.
func (r *Reconciler) WasActiveDuring(l *Ledger, target Status, start, end time.Time) bool {
	if l == nil {
		return false
	}
	if len(l.events) == 0 {
		return l.current == target
	}

	var from, to time.Time
	if !start.IsZero() {
		from = r.StartOfDay(start)
	}
	if !end.IsZero() {
		to = r.EndOfDay(end)
	}
	if !from.IsZero() && !to.IsZero() && from.After(to) {
		return false
	}

	for _, iv := range r.Intervals(l) {
		if iv.Status != target {
			continue
		}
		if overlaps(iv, from, to) {
			return true
		}
	}
	return false
}

// overlaps applies the closed-interval rule start <= to && end >= from,
// treating zero bounds as unbounded.
func overlaps(iv Interval, from, to time.Time) bool {
	if !to.IsZero() && iv.Start.After(to) {
		return false
	}
	if !from.IsZero() && iv.End.Before(from) {
		return false
	}
	return true
}
