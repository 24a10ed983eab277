package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/auth"
	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/authority"
	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/metrics"
	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/refunds"
	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/security"
	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/store"
	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/pkg/audit"
)

// fakeAuthority plays the external system of record.
type fakeAuthority struct {
	mu       sync.Mutex
	calls    []map[string]any
	status   int
	body     string
	snapshot func(id string, req map[string]any) *refunds.Refund
}

func (f *fakeAuthority) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	_ = json.NewDecoder(r.Body).Decode(&req)
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/refunds/"), "/status")

	f.mu.Lock()
	f.calls = append(f.calls, req)
	status, body := f.status, f.body
	f.mu.Unlock()

	if status != 0 && status != http.StatusOK {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
		return
	}
	_ = json.NewEncoder(w).Encode(f.snapshot(id, req))
}

func (f *fakeAuthority) respond(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status, f.body = status, body
}

func (f *fakeAuthority) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAuthority) lastCall() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type auditSpy struct {
	mu       sync.Mutex
	payloads []string
}

func (a *auditSpy) Append(payload string) *audit.LogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.payloads = append(a.payloads, payload)
	return &audit.LogEntry{Seq: uint64(len(a.payloads)), Payload: payload}
}

func (a *auditSpy) events(t *testing.T) []string {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, p := range a.payloads {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(p), &rec))
		out = append(out, rec["event"].(string))
	}
	return out
}

type testEnv struct {
	server    *httptest.Server
	oauth     *auth.OAuthServer
	store     *store.SQLiteStore
	authority *fakeAuthority
	audit     *auditSpy
	redis     *miniredis.Miniredis
	degraded  atomic.Bool
}

func seedRefunds() []*refunds.Refund {
	return []*refunds.Refund{
		{ID: "r-1", CurrentStatus: refunds.StatusApproved, History: []refunds.RawEvent{
			{To: "requested", At: "2024-01-01"},
			{From: "requested", To: "docs_pending", At: "2024-01-05"},
			{From: "docs_pending", To: "approved", At: "2024-01-10"},
		}},
		{ID: "r-2", CurrentStatus: refunds.StatusPaid},
		{ID: "r-3", CurrentStatus: refunds.StatusDocsPending, History: []refunds.RawEvent{
			{To: "requested", At: "2024-02-01"},
			{To: "docs_pending", At: "ayer"},
			{From: "requested", To: "docs_pending", At: "2024-02-03"},
		}},
	}
}

func newTestEnv(t *testing.T, rateCapacity int) *testEnv {
	t.Helper()
	env := &testEnv{audit: &auditSpy{}}

	db, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	env.store = db

	ctx := context.Background()
	for _, r := range seedRefunds() {
		require.NoError(t, db.SaveRefund(ctx, r))
	}
	for _, c := range []struct {
		id, secret, actor string
		scopes            []string
	}{
		{"reader", "reader-secret", "", []string{auth.ScopeRefundsRead}},
		{"operator", "operator-secret", "ops@tedevuelvo.cl", []string{auth.ScopeRefundsRead, auth.ScopeRefundsWrite}},
		{"admin", "admin-secret", "admin@tedevuelvo.cl", []string{auth.ScopeRefundsRead, auth.ScopeRefundsWrite, auth.ScopeRefundsForce}},
	} {
		hash, err := auth.HashClientSecret(c.secret)
		require.NoError(t, err)
		require.NoError(t, db.PutClient(ctx, &auth.Client{ID: c.id, SecretHash: hash, Scopes: c.scopes, Actor: c.actor}))
	}

	env.authority = &fakeAuthority{snapshot: func(id string, req map[string]any) *refunds.Refund {
		current, err := db.GetRefund(context.Background(), id)
		if err != nil {
			return &refunds.Refund{ID: id}
		}
		ev := refunds.RawEvent{
			From: string(current.CurrentStatus),
			To:   req["status"].(string),
			At:   "2024-03-01T10:00:00Z",
		}
		ev.By, _ = req["by"].(string)
		if v, ok := req["realAmount"].(float64); ok {
			ev.RealAmount = &v
		}
		current.CurrentStatus = refunds.Status(ev.To)
		current.History = append(current.History, ev)
		return current
	}}
	authoritySrv := httptest.NewServer(env.authority)
	t.Cleanup(authoritySrv.Close)

	client, err := authority.New(authority.Config{BaseURL: authoritySrv.URL, Timeout: 2 * time.Second})
	require.NoError(t, err)

	keys, err := auth.NewKeySet()
	require.NoError(t, err)
	env.oauth = &auth.OAuthServer{Store: db, Keys: keys, Issuer: "refundsd-test", AccessTokenTTL: time.Minute}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	svc := refunds.NewService(refunds.ServiceDeps{
		Store:      db,
		Authority:  client,
		Reconciler: refunds.NewReconciler(refunds.WithLocation(time.UTC), refunds.WithClock(func() time.Time { return time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC) })),
		Auditor:    env.audit,
		Recorder:   m,
		Logger:     slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})

	env.redis = miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: env.redis.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	_, loopback, _ := net.ParseCIDR("127.0.0.0/8")
	h, err := NewRouter(Dependencies{
		Logger:       slog.New(slog.NewJSONHandler(io.Discard, nil)),
		OAuth:        env.oauth,
		JWTValidator: &auth.JWTValidator{KeySet: keys, Issuer: "refundsd-test"},
		Refunds:      svc,
		Auditor:      env.audit,
		RateLimiter: &security.RedisTokenBucket{
			Redis:      rdb,
			Prefix:     "refundsd_test",
			Capacity:   rateCapacity,
			RefillRate: 0.001,
		},
		MaxBodyBytes:     1 << 12,
		Instrument:       m.Middleware,
		MetricsHandler:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		MetricsAllowlist: []*net.IPNet{loopback},
		Ready: func(ctx context.Context) error {
			if env.degraded.Load() {
				return errors.New("db down")
			}
			return nil
		},
	})
	require.NoError(t, err)

	env.server = httptest.NewServer(h)
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) token(t *testing.T, clientID, secret string) string {
	t.Helper()
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/oauth/token", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(clientID, secret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tr auth.TokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tr))
	return tr.AccessToken
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.server.URL+path, rdr)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return resp, out
}

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t, 100)

	resp, _ := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(security.CorrelationIDHeader))

	resp, _ = env.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	env.degraded.Store(true)
	resp, body := env.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "not_ready", body["error"])

	resp, _ = env.do(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, 100)
	env.do(t, http.MethodGet, "/healthz", "", nil)

	resp, err := http.Get(env.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `refunds_http_requests_total{code="200",method="GET",route="/healthz"}`)
}

func TestAuthentication(t *testing.T) {
	env := newTestEnv(t, 100)

	resp, body := env.do(t, http.MethodGet, "/v1/refunds/r-1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", body["error"])

	reader := env.token(t, "reader", "reader-secret")
	resp, _ = env.do(t, http.MethodPost, "/v1/refunds/r-1/transitions", reader, map[string]any{"status": "paid"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Zero(t, env.authority.callCount())

	jwks, body := env.do(t, http.MethodGet, "/oauth/jwks.json", "", nil)
	assert.Equal(t, http.StatusOK, jwks.StatusCode)
	assert.Len(t, body["keys"], 1)
}

func TestGetRefund(t *testing.T) {
	env := newTestEnv(t, 100)
	tok := env.token(t, "reader", "reader-secret")

	resp, body := env.do(t, http.MethodGet, "/v1/refunds/r-3", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "docs_pending", body["status"])
	assert.Equal(t, "Documentos pendientes", body["status_label"])
	history := body["status_history"].([]any)
	require.Len(t, history, 3)
	assert.Equal(t, "ayer", history[1].(map[string]any)["at"], "unparsable records are still shown")

	resp, body = env.do(t, http.MethodGet, "/v1/refunds/missing", tok, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["error"])
	assert.NotEmpty(t, body["correlation_id"])
}

func TestStatusAt(t *testing.T) {
	env := newTestEnv(t, 100)
	tok := env.token(t, "reader", "reader-secret")

	tests := []struct {
		name    string
		path    string
		code    int
		status  string
		display string
		caveat  bool
	}{
		{"inside history", "/v1/refunds/r-1/status?at=2024-01-03", http.StatusOK, "requested", "requested", false},
		{"same day as event", "/v1/refunds/r-1/status?at=2024-01-05", http.StatusOK, "docs_pending", "docs_pending", false},
		{"after last event", "/v1/refunds/r-1/status?at=2024-02-01", http.StatusOK, "approved", "approved", false},
		{"before history", "/v1/refunds/r-1/status?at=2023-12-31", http.StatusOK, "unknown", "approved", true},
		{"empty history", "/v1/refunds/r-2/status?at=2024-01-01", http.StatusOK, "unknown", "paid", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodGet, tt.path, tok, nil)
			require.Equal(t, tt.code, resp.StatusCode)
			assert.Equal(t, tt.status, body["status"])
			assert.Equal(t, tt.display, body["display_status"])
			assert.Equal(t, tt.caveat, body["caveat"])
			assert.Equal(t, tt.status != "unknown", body["known"])
			assert.Equal(t, true, body["consistent"])
		})
	}

	resp, body := env.do(t, http.MethodGet, "/v1/refunds/r-3/status?at=2024-02-02", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "requested", body["status"])
	assert.Equal(t, 1.0, body["skipped_events"])
	assert.Equal(t, "2024-02-02T23:59:59.999Z", body["at"])

	resp, body = env.do(t, http.MethodGet, "/v1/refunds/r-1/status", tok, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_date", body["kind"])

	resp, _ = env.do(t, http.MethodGet, "/v1/refunds/r-1/status?at=tomorrow", tok, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/v1/refunds/missing/status?at=2024-01-01", tok, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func refundIDs(body map[string]any) []string {
	var ids []string
	for _, r := range body["refunds"].([]any) {
		ids = append(ids, r.(map[string]any)["id"].(string))
	}
	return ids
}

func TestListRefunds(t *testing.T) {
	env := newTestEnv(t, 100)
	tok := env.token(t, "reader", "reader-secret")

	resp, body := env.do(t, http.MethodGet, "/v1/refunds?status=docs_pending&from=2024-01-04&to=2024-01-06", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"r-1"}, refundIDs(body))

	resp, body = env.do(t, http.MethodGet, "/v1/refunds?status=docs_pending", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"r-1", "r-3"}, refundIDs(body))

	resp, body = env.do(t, http.MethodGet, "/v1/refunds?status=paid&from=2020-01-01&to=2020-01-02", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"r-2"}, refundIDs(body), "no history means always in the current status")

	resp, body = env.do(t, http.MethodGet, "/v1/refunds?current_status=paid", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"r-2"}, refundIDs(body))

	resp, body = env.do(t, http.MethodGet, "/v1/refunds?limit=2", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"r-1", "r-2"}, refundIDs(body))

	for _, query := range []string{"status=archived", "current_status=archived"} {
		resp, body = env.do(t, http.MethodGet, "/v1/refunds?"+query, tok, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, query)
		assert.Equal(t, "validation_error", body["error"], query)
		assert.Equal(t, "invalid_status", body["kind"], query)
		assert.Contains(t, body["message"], "archived", query)
	}

	resp, _ = env.do(t, http.MethodGet, "/v1/refunds?status=paid&from=someday", tok, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/v1/refunds?limit=-1", tok, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitTransition(t *testing.T) {
	env := newTestEnv(t, 100)
	tok := env.token(t, "operator", "operator-secret")

	resp, body := env.do(t, http.MethodPost, "/v1/refunds/r-1/transitions", tok, map[string]any{
		"status":      "payment_scheduled",
		"note":        "monto confirmado por la aseguradora",
		"real_amount": 150000,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "payment_scheduled", body["status"])

	require.Equal(t, 1, env.authority.callCount())
	call := env.authority.lastCall()
	assert.Equal(t, "ops@tedevuelvo.cl", call["by"], "actor comes from the token")
	assert.Equal(t, false, call["force"])
	assert.Equal(t, 150000.0, call["realAmount"])

	stored, err := env.store.GetRefund(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, refunds.StatusPaymentScheduled, stored.CurrentStatus)
	assert.Len(t, stored.History, 4)

	events := env.audit.events(t)
	assert.Equal(t, []string{"transition_requested", "transition_applied", "http_request"}, events[len(events)-3:])
}

func TestSubmitTransition_Failures(t *testing.T) {
	env := newTestEnv(t, 100)
	operator := env.token(t, "operator", "operator-secret")
	admin := env.token(t, "admin", "admin-secret")

	resp, body := env.do(t, http.MethodPost, "/v1/refunds/r-1/transitions", operator, map[string]any{"status": "payment_scheduled"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_error", body["error"])
	assert.Equal(t, "missing_required_amount", body["kind"])

	resp, body = env.do(t, http.MethodPost, "/v1/refunds/r-1/transitions", operator, map[string]any{"status": "payment_scheduled", "real_amount": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "missing_required_amount", body["kind"])

	resp, body = env.do(t, http.MethodPost, "/v1/refunds/r-1/transitions", operator, map[string]any{"status": "archived"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_status", body["kind"])

	resp, body = env.do(t, http.MethodPost, "/v1/refunds/r-1/transitions", operator, map[string]any{"status": "paid", "by": "someone-else"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "actor cannot be supplied in the body")
	assert.Equal(t, "schema", body["kind"])

	resp, _ = env.do(t, http.MethodPost, "/v1/refunds/r-1/transitions", operator, `{"status":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/v1/refunds/r-1/transitions", operator, map[string]any{"status": "paid", "note": strings.Repeat("x", 5000)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	resp, body = env.do(t, http.MethodPost, "/v1/refunds/r-1/transitions", operator, map[string]any{"status": "requested", "force": true})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "force_not_permitted", body["kind"])

	resp, _ = env.do(t, http.MethodPost, "/v1/refunds/missing/transitions", operator, map[string]any{"status": "paid"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	assert.Zero(t, env.authority.callCount(), "local failures never reach the authority")

	env.authority.respond(http.StatusConflict, `{"kind":"invalid_transition","message":"approved -> requested"}`)
	resp, body = env.do(t, http.MethodPost, "/v1/refunds/r-1/transitions", operator, map[string]any{"status": "requested"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "invalid_transition", body["error"])
	assert.Equal(t, true, body["force_available"])

	env.authority.respond(http.StatusForbidden, `{"message":"refund locked"}`)
	resp, body = env.do(t, http.MethodPost, "/v1/refunds/r-1/transitions", admin, map[string]any{"status": "requested", "force": true})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "transition_rejected", body["error"])
	assert.Nil(t, body["force_available"])
	assert.Equal(t, true, env.authority.lastCall()["force"])

	env.authority.respond(http.StatusServiceUnavailable, ``)
	resp, body = env.do(t, http.MethodPost, "/v1/refunds/r-1/transitions", operator, map[string]any{"status": "paid"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "authority_error", body["error"])

	stored, err := env.store.GetRefund(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, refunds.StatusApproved, stored.CurrentStatus, "rejections leave the refund untouched")
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, 2)

	resp, _ := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", body["error"])
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}
