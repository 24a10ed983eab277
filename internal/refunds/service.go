package refunds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/pkg/audit"
)

// ErrRefundNotFound is returned by stores for unknown refund IDs.
var ErrRefundNotFound = errors.New("refund not found")

// Store persists refunds and their raw status history. History is
// append-only: SaveRefund never rewrites events already stored.
type Store interface {
	GetRefund(ctx context.Context, id string) (*Refund, error)
	ListRefunds(ctx context.Context, filter ListFilter) ([]*Refund, error)
	SaveRefund(ctx context.Context, refund *Refund) error
}

// ListFilter selects refunds by their authority-maintained status.
type ListFilter struct {
	CurrentStatus Status
	Limit         int
	Offset        int
}

// Authority is the external system of record for status transitions.
// Implementations return *TransitionRejectedError when the request is
// refused.
type Authority interface {
	Transition(ctx context.Context, refundID string, req *TransitionRequest) (*Refund, error)
}

// Auditor receives one entry per transition attempt.
type Auditor interface {
	Append(payload string) *audit.LogEntry
}

// Recorder receives operational counters.
type Recorder interface {
	ObserveResolution(known bool)
	ObserveSkipped(reason string, n int)
	ObserveTransition(outcome string, forced bool)
	ObserveFilter(scanned, matched int)
}

// Transition outcomes reported to the Recorder.
const (
	OutcomeAccepted          = "accepted"
	OutcomeValidationFailed  = "validation_failed"
	OutcomeInvalidTransition = "invalid_transition"
	OutcomeRejected          = "rejected"
	OutcomeError             = "error"
)

const filterBatchSize = 500

// ServiceDeps wires a Service.
type ServiceDeps struct {
	Store      Store
	Authority  Authority
	Reconciler *Reconciler
	Auditor    Auditor
	Recorder   Recorder
	Logger     *slog.Logger
}

// Service composes the ledger core with storage and the transition authority.
type Service struct {
	store      Store
	authority  Authority
	reconciler *Reconciler
	auditor    Auditor
	recorder   Recorder
	logger     *slog.Logger
}

// NewService wires a Service. A nil Reconciler, Logger or Recorder falls back
// to the defaults; a nil Auditor disables auditing.
func NewService(deps ServiceDeps) *Service {
	s := &Service{
		store:      deps.Store,
		authority:  deps.Authority,
		reconciler: deps.Reconciler,
		auditor:    deps.Auditor,
		recorder:   deps.Recorder,
		logger:     deps.Logger,
	}
	if s.reconciler == nil {
		s.reconciler = NewReconciler()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.recorder == nil {
		s.recorder = nopRecorder{}
	}
	return s
}

// Reconciler exposes the calendar used by the service.
func (s *Service) Reconciler() *Reconciler { return s.reconciler }

// Get loads one refund.
func (s *Service) Get(ctx context.Context, refundID string) (*Refund, error) {
	if refundID == "" {
		return nil, fmt.Errorf("refund ID is required")
	}
	return s.store.GetRefund(ctx, refundID)
}

// List loads refunds by current status.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Refund, error) {
	return s.store.ListRefunds(ctx, filter)
}

// StatusAtResult is a point-in-time resolution plus the display fallback.
type StatusAtResult struct {
	RefundID string
	// At is the normalised cutoff (end of the requested day).
	At     time.Time
	Status Status
	Known  bool
	// DisplayStatus is Status when known, otherwise CurrentStatus with Caveat set.
	DisplayStatus Status
	Caveat        bool
	CurrentStatus Status
	// Consistent is false when CurrentStatus differs from the last event.
	Consistent bool
	Skipped    int
}

// StatusAt resolves the status a refund held on the given date.
func (s *Service) StatusAt(ctx context.Context, refundID string, date time.Time) (*StatusAtResult, error) {
	refund, err := s.Get(ctx, refundID)
	if err != nil {
		return nil, err
	}

	ledger := s.ledger(refund)
	status := s.reconciler.ResolveAt(ledger, date)
	known := status != StatusUnknown
	s.recorder.ObserveResolution(known)

	res := &StatusAtResult{
		RefundID:      refund.ID,
		At:            s.reconciler.EndOfDay(date),
		Status:        status,
		Known:         known,
		DisplayStatus: status,
		CurrentStatus: refund.CurrentStatus,
		Consistent:    ledger.Consistent(),
		Skipped:       len(ledger.skipped),
	}
	if !known {
		res.DisplayStatus = refund.CurrentStatus
		res.Caveat = true
	}
	return res, nil
}

// HistoryFilter selects refunds that held Status at some point of [From, To].
// Zero From or To leave that side open.
type HistoryFilter struct {
	Status Status
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// FilterByHistoricalStatus returns the refunds whose ledger shows Status
// active during the range. Limit and Offset apply to the matches.
func (s *Service) FilterByHistoricalStatus(ctx context.Context, f HistoryFilter) ([]*Refund, error) {
	if !f.Status.Valid() {
		return nil, &ValidationError{
			Kind:    KindInvalidStatus,
			Field:   "status",
			Message: fmt.Sprintf("unknown refund status %q", f.Status),
		}
	}

	var (
		matched []*Refund
		scanned int
		skip    = f.Offset
	)
	for offset := 0; ; offset += filterBatchSize {
		batch, err := s.store.ListRefunds(ctx, ListFilter{Limit: filterBatchSize, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("failed to list refunds: %w", err)
		}
		for _, refund := range batch {
			scanned++
			if !s.reconciler.WasActiveDuring(s.ledger(refund), f.Status, f.From, f.To) {
				continue
			}
			if skip > 0 {
				skip--
				continue
			}
			matched = append(matched, refund)
			if f.Limit > 0 && len(matched) == f.Limit {
				s.recorder.ObserveFilter(scanned, len(matched))
				return matched, nil
			}
		}
		if len(batch) < filterBatchSize {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	s.recorder.ObserveFilter(scanned, len(matched))
	return matched, nil
}

// Transition validates the draft, submits it once to the authority and
// stores the entity the authority returns.
func (s *Service) Transition(ctx context.Context, refundID string, draft TransitionDraft) (*Refund, error) {
	req, err := BuildTransitionRequest(draft)
	if err != nil {
		s.recorder.ObserveTransition(OutcomeValidationFailed, draft.Force)
		return nil, err
	}

	if _, err := s.Get(ctx, refundID); err != nil {
		return nil, err
	}

	s.audit("transition_requested", refundID, req, "")

	updated, err := s.authority.Transition(ctx, refundID, req)
	if err != nil {
		var rejected *TransitionRejectedError
		if errors.As(err, &rejected) {
			outcome := OutcomeRejected
			if rejected.Kind == RejectionInvalidTransition {
				outcome = OutcomeInvalidTransition
			}
			s.recorder.ObserveTransition(outcome, req.Force)
			s.audit("transition_rejected", refundID, req, string(rejected.Kind))
			s.logger.WarnContext(ctx, "transition rejected",
				"refund_id", refundID,
				"status", req.TargetStatus,
				"force", req.Force,
				"kind", rejected.Kind,
			)
			return nil, err
		}
		s.recorder.ObserveTransition(OutcomeError, req.Force)
		s.audit("transition_failed", refundID, req, "authority_error")
		return nil, &AuthorityError{Err: err}
	}
	if updated == nil {
		s.recorder.ObserveTransition(OutcomeError, req.Force)
		s.audit("transition_failed", refundID, req, "empty_response")
		return nil, &AuthorityError{Err: fmt.Errorf("no refund returned for %s", refundID)}
	}
	if updated.ID == "" {
		updated.ID = refundID
	}

	if err := s.store.SaveRefund(ctx, updated); err != nil {
		// the authority has applied the change; only the local copy is stale
		s.recorder.ObserveTransition(OutcomeError, req.Force)
		s.audit("transition_applied", refundID, req, "store_failed")
		s.logger.ErrorContext(ctx, "transition applied but not stored",
			"refund_id", refundID,
			"status", updated.CurrentStatus,
			"error", err,
		)
		return nil, fmt.Errorf("failed to store refund %s: %w", refundID, err)
	}

	s.recorder.ObserveTransition(OutcomeAccepted, req.Force)
	s.audit("transition_applied", refundID, req, string(updated.CurrentStatus))
	s.logger.InfoContext(ctx, "transition applied",
		"refund_id", refundID,
		"status", updated.CurrentStatus,
		"force", req.Force,
		"by", req.Actor,
	)
	return updated, nil
}

func (s *Service) ledger(refund *Refund) *Ledger {
	ledger := s.reconciler.Ledger(refund)
	for _, sk := range ledger.skipped {
		s.recorder.ObserveSkipped(skipReason(sk.Err), 1)
		s.logger.Warn("ledger event excluded",
			"refund_id", refund.ID,
			"index", sk.Index,
			"at", sk.Raw.At,
			"to", sk.Raw.To,
			"error", sk.Err,
		)
	}
	return ledger
}

func skipReason(err error) string {
	var ts *UnparsableTimestampError
	if errors.As(err, &ts) {
		return "unparsable_timestamp"
	}
	return "unknown_status"
}

type auditRecord struct {
	Event      string   `json:"event"`
	RefundID   string   `json:"refund_id"`
	Status     Status   `json:"status"`
	By         string   `json:"by,omitempty"`
	Force      bool     `json:"force"`
	RealAmount *float64 `json:"real_amount,omitempty"`
	Detail     string   `json:"detail,omitempty"`
}

func (s *Service) audit(event, refundID string, req *TransitionRequest, detail string) {
	if s.auditor == nil {
		return
	}
	b, err := json.Marshal(auditRecord{
		Event:      event,
		RefundID:   refundID,
		Status:     req.TargetStatus,
		By:         req.Actor,
		Force:      req.Force,
		RealAmount: req.RealAmount,
		Detail:     detail,
	})
	if err != nil {
		s.logger.Error("failed to encode audit record", "error", err)
		return
	}
	s.auditor.Append(string(b))
}

type nopRecorder struct{}

func (nopRecorder) ObserveResolution(bool)         {}
func (nopRecorder) ObserveSkipped(string, int)     {}
func (nopRecorder) ObserveTransition(string, bool) {}
func (nopRecorder) ObserveFilter(int, int)         {}
