package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/auth"
	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/refunds"
	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/security"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

type handlers struct {
	svc    RefundService
	logger *slog.Logger
}

type transitionRequest struct {
	Status     string   `json:"status"`
	Note       string   `json:"note"`
	Force      bool     `json:"force"`
	RealAmount *float64 `json:"real_amount"`
}

func badRequest(w http.ResponseWriter, r *http.Request, kind, msg string) {
	security.WriteError(w, r, http.StatusBadRequest, security.ErrorResponse{
		Error:   "invalid_request",
		Kind:    kind,
		Message: msg,
	})
}

// invalidStatus answers a status query parameter outside the catalog the
// same way the service answers a bad transition target.
func invalidStatus(w http.ResponseWriter, r *http.Request, field string, err error) {
	writeServiceError(w, r, &refunds.ValidationError{
		Kind:    refunds.KindInvalidStatus,
		Field:   field,
		Message: err.Error(),
	})
}

func (h *handlers) available(w http.ResponseWriter, r *http.Request) bool {
	if h.svc == nil {
		security.WriteJSONError(w, r, http.StatusServiceUnavailable, "refunds_unavailable")
		return false
	}
	return true
}

func (h *handlers) getRefund(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	refund, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, newRefundResponse(refund))
}

func (h *handlers) statusAt(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	raw := r.URL.Query().Get("at")
	if raw == "" {
		badRequest(w, r, "invalid_date", "query parameter at is required")
		return
	}
	at, err := h.svc.Reconciler().ParseDate(raw)
	if err != nil {
		badRequest(w, r, "invalid_date", err.Error())
		return
	}

	res, err := h.svc.StatusAt(r.Context(), chi.URLParam(r, "id"), at)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, statusAtResponse{
		RefundID:      res.RefundID,
		At:            res.At,
		Status:        res.Status,
		Known:         res.Known,
		DisplayStatus: res.DisplayStatus,
		DisplayLabel:  res.DisplayStatus.Label(),
		Caveat:        res.Caveat,
		CurrentStatus: res.CurrentStatus,
		Consistent:    res.Consistent,
		SkippedEvents: res.Skipped,
	})
}

// listRefunds filters by historical status when status is given, otherwise
// lists by current status.
func (h *handlers) listRefunds(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	q := r.URL.Query()

	limit, offset, ok := pageParams(w, r)
	if !ok {
		return
	}

	var (
		list []*refunds.Refund
		err  error
	)
	if raw := q.Get("status"); raw != "" {
		f := refunds.HistoryFilter{Limit: limit, Offset: offset}
		f.Status, err = refunds.ParseStatus(raw)
		if err != nil {
			invalidStatus(w, r, "status", err)
			return
		}
		if f.From, ok = h.dateParam(w, r, "from"); !ok {
			return
		}
		if f.To, ok = h.dateParam(w, r, "to"); !ok {
			return
		}
		list, err = h.svc.FilterByHistoricalStatus(r.Context(), f)
	} else {
		f := refunds.ListFilter{Limit: limit, Offset: offset}
		if raw := q.Get("current_status"); raw != "" {
			f.CurrentStatus, err = refunds.ParseStatus(raw)
			if err != nil {
				invalidStatus(w, r, "current_status", err)
				return
			}
		}
		list, err = h.svc.List(r.Context(), f)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := listResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		Refunds:       make([]refundResponse, 0, len(list)),
	}
	for _, refund := range list {
		resp.Refunds = append(resp.Refunds, newRefundResponse(refund))
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (h *handlers) submitTransition(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	ai, ok := auth.AuthInfoFromContext(r.Context())
	if !ok {
		security.WriteJSONError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.Force && !ai.HasScope(auth.ScopeRefundsForce) {
		security.WriteError(w, r, http.StatusForbidden, security.ErrorResponse{
			Error:   "forbidden",
			Kind:    "force_not_permitted",
			Message: "forcing a transition requires scope " + auth.ScopeRefundsForce,
		})
		return
	}

	updated, err := h.svc.Transition(r.Context(), chi.URLParam(r, "id"), refunds.TransitionDraft{
		TargetStatus: req.Status,
		Note:         req.Note,
		Actor:        ai.Author(),
		Force:        req.Force,
		RealAmount:   req.RealAmount,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, newRefundResponse(updated))
}

// fail writes err, answering 502 for authority failures that are not
// rejections.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	if isAuthorityFailure(err) {
		h.logger.ErrorContext(r.Context(), "transition authority failed",
			"cid", security.CorrelationIDFromContext(r.Context()),
			"error", err,
		)
		security.WriteJSONError(w, r, http.StatusBadGateway, "authority_error")
		return
	}
	h.logger.DebugContext(r.Context(), "request failed", "error", err)
	writeServiceError(w, r, err)
}

func (h *handlers) dateParam(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := h.svc.Reconciler().ParseDate(raw)
	if err != nil {
		badRequest(w, r, "invalid_date", name+": "+err.Error())
		return time.Time{}, false
	}
	return t, true
}

func pageParams(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	limit = defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil || i <= 0 {
			badRequest(w, r, "invalid_page", "limit must be a positive integer")
			return 0, 0, false
		}
		limit = min(i, maxPageSize)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil || i < 0 {
			badRequest(w, r, "invalid_page", "offset must be a non-negative integer")
			return 0, 0, false
		}
		offset = i
	}
	return limit, offset, true
}
