package refunds

import (
	"errors"
	"fmt"
	"math"
)

// ValidationKind classifies a locally rejected transition request.
type ValidationKind string

const (
	KindMissingRequiredAmount ValidationKind = "missing_required_amount"
	KindInvalidStatus         ValidationKind = "invalid_status"
)

// ValidationError is raised before any call to the transition authority.
type ValidationError struct {
	Kind    ValidationKind
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)
}

// Is matches another *ValidationError of the same kind.
func (e *ValidationError) Is(target error) bool {
	var t *ValidationError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// ErrMissingRequiredAmount matches any missing-amount ValidationError.
var ErrMissingRequiredAmount = &ValidationError{Kind: KindMissingRequiredAmount}

// TransitionDraft is caller intent before validation.
type TransitionDraft struct {
	TargetStatus string
	Note         string
	Actor        string
	Force        bool
	RealAmount   *float64
}

// TransitionRequest is a locally validated request for the transition
// authority. Force is carried through unmodified; legality of the
// transition is decided by the authority alone.
type TransitionRequest struct {
	TargetStatus Status
	Note         string
	Actor        string
	Force        bool
	RealAmount   *float64
}

// BuildTransitionRequest validates a draft. The only field rule is that
// payment_scheduled needs a confirmed amount strictly greater than zero.
func BuildTransitionRequest(d TransitionDraft) (*TransitionRequest, error) {
	target, err := ParseStatus(d.TargetStatus)
	if err != nil {
		return nil, &ValidationError{
			Kind:    KindInvalidStatus,
			Field:   "status",
			Message: err.Error(),
		}
	}

	if target == StatusPaymentScheduled && !positiveAmount(d.RealAmount) {
		return nil, &ValidationError{
			Kind:    KindMissingRequiredAmount,
			Field:   "realAmount",
			Message: "payment_scheduled requires a real amount greater than zero",
		}
	}

	req := &TransitionRequest{
		TargetStatus: target,
		Note:         d.Note,
		Actor:        d.Actor,
		Force:        d.Force,
	}
	if d.RealAmount != nil {
		amount := *d.RealAmount
		req.RealAmount = &amount
	}
	return req, nil
}

func positiveAmount(v *float64) bool {
	if v == nil {
		return false
	}
	f := *v
	return !math.IsNaN(f) && !math.IsInf(f, 0) && f > 0
}

// RejectionKind classifies a refusal by the transition authority.
type RejectionKind string

const (
	RejectionInvalidTransition RejectionKind = "invalid_transition"
	RejectionOther             RejectionKind = "other"
)

// TransitionRejectedError is returned when the authority refuses a request.
type TransitionRejectedError struct {
	Kind       RejectionKind
	Message    string
	StatusCode int
}

func (e *TransitionRejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("transition rejected: %s", e.Kind)
	}
	return fmt.Sprintf("transition rejected (%s): %s", e.Kind, e.Message)
}

// ForceAvailable reports whether resubmitting with Force may succeed.
func (e *TransitionRejectedError) ForceAvailable() bool {
	return e.Kind == RejectionInvalidTransition
}

// AuthorityError is a failure to reach the authority or to read its answer.
// It is never a decision about the transition itself.
type AuthorityError struct {
	Err error
}

func (e *AuthorityError) Error() string {
	return "transition authority: " + e.Err.Error()
}

func (e *AuthorityError) Unwrap() error { return e.Err }
