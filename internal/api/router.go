// Package api is the HTTP surface of the refund ledger.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/auth"
	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/refunds"
	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/security"
	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/pkg/audit"
)

type Auditor interface {
	Append(payload string) *audit.LogEntry
}

// RefundService is the part of refunds.Service the handlers use.
type RefundService interface {
	Get(ctx context.Context, refundID string) (*refunds.Refund, error)
	List(ctx context.Context, filter refunds.ListFilter) ([]*refunds.Refund, error)
	StatusAt(ctx context.Context, refundID string, date time.Time) (*refunds.StatusAtResult, error)
	FilterByHistoricalStatus(ctx context.Context, f refunds.HistoryFilter) ([]*refunds.Refund, error)
	Transition(ctx context.Context, refundID string, draft refunds.TransitionDraft) (*refunds.Refund, error)
	Reconciler() *refunds.Reconciler
}

type Dependencies struct {
	Logger       *slog.Logger
	OAuth        *auth.OAuthServer
	JWTValidator *auth.JWTValidator
	Refunds      RefundService

	Auditor      Auditor
	RateLimiter  *security.RedisTokenBucket
	MaxBodyBytes int64

	// Instrument wraps every request, typically metrics.Metrics.Middleware.
	Instrument       func(http.Handler) http.Handler
	MetricsHandler   http.Handler
	MetricsAllowlist []*net.IPNet

	// Ready reports whether backing stores are reachable.
	Ready func(ctx context.Context) error
}

func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	transitionV, err := security.NewJSONSchemaValidator(transitionSchema)
	if err != nil {
		return nil, err
	}

	onAuthError := func(w http.ResponseWriter, r *http.Request, status int, code string) {
		security.WriteJSONError(w, r, status, code)
	}

	h := &handlers{svc: deps.Refunds, logger: deps.Logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	if deps.Instrument != nil {
		r.Use(deps.Instrument)
	}
	r.Use(security.BodySizeLimit(deps.MaxBodyBytes))
	if deps.RateLimiter != nil {
		r.Use(security.RateLimitMiddleware(deps.RateLimiter, rateLimitKeyByIP))
	}
	if deps.Auditor != nil {
		r.Use(AuditMiddleware(deps.Auditor))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := deps.Ready(ctx); err != nil {
				deps.Logger.WarnContext(r.Context(), "readiness check failed", "error", err)
				security.WriteJSONError(w, r, http.StatusServiceUnavailable, "not_ready")
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})

	if deps.MetricsHandler != nil {
		r.With(security.IPAllowlist(deps.MetricsAllowlist)).Handle("/metrics", deps.MetricsHandler)
	}

	if deps.OAuth != nil {
		r.Post("/oauth/token", deps.OAuth.TokenHandler)
		r.Get("/oauth/jwks.json", deps.OAuth.JWKSHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Authenticate(deps.JWTValidator, onAuthError))

		r.Route("/refunds", func(r chi.Router) {
			read := r.With(auth.RequireScopes(onAuthError, auth.ScopeRefundsRead))
			read.Get("/", h.listRefunds)
			read.Get("/{id}", h.getRefund)
			read.Get("/{id}/status", h.statusAt)

			r.With(auth.RequireScopes(onAuthError, auth.ScopeRefundsWrite), transitionV.Middleware).
				Post("/{id}/transitions", h.submitTransition)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r, nil
}

func rateLimitKeyByIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return ""
	}
	return "ip:" + host
}
