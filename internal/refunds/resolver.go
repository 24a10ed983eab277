package refunds

import (
	"sort"
	"time"
)

// ResolveAt returns the status the ledger held as of the calendar day of
// instant, inclusive of the whole day. It returns StatusUnknown when no
// evaluable event happened on or before that day; choosing a fallback is
// left to the caller.
func (r *Reconciler) ResolveAt(l *Ledger, instant time.Time) Status {
	if l == nil || len(l.events) == 0 {
		return StatusUnknown
	}

	cutoff := r.EndOfDay(instant)
	// first event strictly after the cutoff
	n := sort.Search(len(l.events), func(i int) bool {
		return l.events[i].At.After(cutoff)
	})
	if n == 0 {
		return StatusUnknown
	}
	return l.events[n-1].To
}
