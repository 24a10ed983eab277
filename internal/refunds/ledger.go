package refunds

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// RawEvent is a status transition record as stored and exchanged with the
// transition authority. Values are kept verbatim so records that cannot be
// evaluated can still be displayed.
type RawEvent struct {
	From       string   `json:"from,omitempty"`
	To         string   `json:"to"`
	At         string   `json:"at"`
	By         string   `json:"by,omitempty"`
	Note       string   `json:"note,omitempty"`
	RealAmount *float64 `json:"realAmount,omitempty"`
}

// Refund is a refund request together with its raw status history.
// CurrentStatus is maintained by the transition authority and is not
// derived from History.
type Refund struct {
	ID            string     `json:"id"`
	CurrentStatus Status     `json:"status"`
	History       []RawEvent `json:"statusHistory"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Event is an evaluable ledger entry. From is StatusUnknown when the record
// carried no prior tracked state.
type Event struct {
	From       Status
	To         Status
	At         time.Time
	By         string
	Note       string
	RealAmount *float64
	// Index is the position of the record in the raw history.
	Index int
}

// SkippedEvent is a raw record excluded from evaluation.
type SkippedEvent struct {
	Index int
	Raw   RawEvent
	Err   error
}

// UnparsableTimestampError reports an event whose instant cannot be read.
type UnparsableTimestampError struct {
	Value string
}

func (e *UnparsableTimestampError) Error() string {
	return fmt.Sprintf("unparsable event timestamp %q", e.Value)
}

// zoneless layouts are interpreted in the reference location.
var zonelessLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp reads an ISO-8601 instant. Values without an offset are
// taken to be in loc.
func ParseTimestamp(raw string, loc *time.Location) (time.Time, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return time.Time{}, &UnparsableTimestampError{Value: raw}
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range zonelessLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &UnparsableTimestampError{Value: raw}
}

// Sorted returns the evaluable events ordered ascending by instant. Equal
// instants keep their original relative order. Records with an unparsable
// instant or an unknown target status are excluded and reported in skipped.
func Sorted(raw []RawEvent, loc *time.Location) (events []Event, skipped []SkippedEvent) {
	events = make([]Event, 0, len(raw))
	for i, r := range raw {
		at, err := ParseTimestamp(r.At, loc)
		if err != nil {
			skipped = append(skipped, SkippedEvent{Index: i, Raw: r, Err: err})
			continue
		}
		to, err := ParseStatus(r.To)
		if err != nil {
			skipped = append(skipped, SkippedEvent{Index: i, Raw: r, Err: err})
			continue
		}
		from := StatusUnknown
		if r.From != "" {
			if f, err := ParseStatus(r.From); err == nil {
				from = f
			}
		}
		events = append(events, Event{
			From:       from,
			To:         to,
			At:         at,
			By:         r.By,
			Note:       r.Note,
			RealAmount: r.RealAmount,
			Index:      i,
		})
	}

	sort.SliceStable(events, func(a, b int) bool {
		return events[a].At.Before(events[b].At)
	})
	return events, skipped
}

// Ledger is a read-only, chronologically sorted view of one refund's history.
type Ledger struct {
	current Status
	events  []Event
	skipped []SkippedEvent
}

// NewLedger builds a ledger from a raw history. The raw slice is not retained.
// current is canonicalised like event statuses.
func NewLedger(current Status, raw []RawEvent, loc *time.Location) *Ledger {
	events, skipped := Sorted(raw, loc)
	return &Ledger{current: current.canonical(), events: events, skipped: skipped}
}

// CurrentStatus is the authority-maintained status of the refund.
func (l *Ledger) CurrentStatus() Status { return l.current }

// Len is the number of evaluable events.
func (l *Ledger) Len() int { return len(l.events) }

// Events returns a copy of the evaluable events in chronological order.
func (l *Ledger) Events() []Event {
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Skipped returns the records excluded from evaluation.
func (l *Ledger) Skipped() []SkippedEvent {
	out := make([]SkippedEvent, len(l.skipped))
	copy(out, l.skipped)
	return out
}

// Last returns the chronologically last evaluable event.
func (l *Ledger) Last() (Event, bool) {
	if len(l.events) == 0 {
		return Event{}, false
	}
	return l.events[len(l.events)-1], true
}

// Consistent reports whether CurrentStatus matches the last evaluable event.
// Divergence is tolerated everywhere; this is for display and diagnostics.
func (l *Ledger) Consistent() bool {
	last, ok := l.Last()
	if !ok {
		return true
	}
	return last.To == l.current
}
