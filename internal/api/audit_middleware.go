package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/security"
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

type httpAuditRecord struct {
	Event      string `json:"event"`
	CID        string `json:"cid"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	Status     int    `json:"status"`
	DurationMS int64  `json:"duration_ms"`
}

// AuditMiddleware chains one entry per state-changing request. Reads are
// not audited.
func AuditMiddleware(a Auditor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)

			b, err := json.Marshal(httpAuditRecord{
				Event:      "http_request",
				CID:        security.CorrelationIDFromContext(r.Context()),
				Method:     r.Method,
				Path:       r.URL.Path,
				Status:     sw.status,
				DurationMS: time.Since(start).Milliseconds(),
			})
			if err != nil {
				return
			}
			a.Append(string(b))
		})
	}
}
