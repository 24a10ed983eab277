package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/refunds"
	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/security"
)

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	cid := security.CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(security.CorrelationIDHeader, cid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type eventResponse struct {
	From       string   `json:"from,omitempty"`
	To         string   `json:"to"`
	At         string   `json:"at"`
	By         string   `json:"by,omitempty"`
	Note       string   `json:"note,omitempty"`
	RealAmount *float64 `json:"real_amount,omitempty"`
}

type refundResponse struct {
	ID            string          `json:"id"`
	Status        refunds.Status  `json:"status"`
	StatusLabel   string          `json:"status_label"`
	StatusHistory []eventResponse `json:"status_history"`
	UpdatedAt     *time.Time      `json:"updated_at,omitempty"`
}

// newRefundResponse keeps the history in stored order with raw timestamps,
// unparsable ones included.
func newRefundResponse(r *refunds.Refund) refundResponse {
	out := refundResponse{
		ID:            r.ID,
		Status:        r.CurrentStatus,
		StatusLabel:   r.CurrentStatus.Label(),
		StatusHistory: make([]eventResponse, 0, len(r.History)),
	}
	if !r.UpdatedAt.IsZero() {
		t := r.UpdatedAt
		out.UpdatedAt = &t
	}
	for _, ev := range r.History {
		out.StatusHistory = append(out.StatusHistory, eventResponse{
			From:       ev.From,
			To:         ev.To,
			At:         ev.At,
			By:         ev.By,
			Note:       ev.Note,
			RealAmount: ev.RealAmount,
		})
	}
	return out
}

type listResponse struct {
	CorrelationID string           `json:"correlation_id"`
	Refunds       []refundResponse `json:"refunds"`
}

type statusAtResponse struct {
	RefundID      string         `json:"refund_id"`
	At            time.Time      `json:"at"`
	Status        refunds.Status `json:"status"`
	Known         bool           `json:"known"`
	DisplayStatus refunds.Status `json:"display_status"`
	DisplayLabel  string         `json:"display_label"`
	Caveat        bool           `json:"caveat"`
	CurrentStatus refunds.Status `json:"current_status"`
	Consistent    bool           `json:"consistent"`
	SkippedEvents int            `json:"skipped_events"`
}

// writeServiceError maps service errors onto the error envelope.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *refunds.ValidationError
		rejected   *refunds.TransitionRejectedError
	)
	switch {
	case errors.Is(err, refunds.ErrRefundNotFound):
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	case errors.As(err, &validation):
		security.WriteError(w, r, http.StatusBadRequest, security.ErrorResponse{
			Error:   "validation_error",
			Kind:    string(validation.Kind),
			Message: validation.Message,
		})
	case errors.As(err, &rejected):
		status, code := http.StatusUnprocessableEntity, "transition_rejected"
		switch {
		case rejected.Kind == refunds.RejectionInvalidTransition:
			status, code = http.StatusConflict, "invalid_transition"
		case rejected.StatusCode >= http.StatusInternalServerError:
			status, code = http.StatusBadGateway, "authority_error"
		}
		security.WriteError(w, r, status, security.ErrorResponse{
			Error:          code,
			Kind:           string(rejected.Kind),
			Message:        rejected.Message,
			ForceAvailable: rejected.ForceAvailable(),
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		security.WriteJSONError(w, r, http.StatusServiceUnavailable, "unavailable")
	default:
		security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func isAuthorityFailure(err error) bool {
	var ae *refunds.AuthorityError
	return errors.As(err, &ae)
}
