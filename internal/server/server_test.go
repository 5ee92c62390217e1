package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mmr-tortoise/dil/internal/engine"
	"github.com/mmr-tortoise/dil/internal/gatekeeper"
	"github.com/mmr-tortoise/dil/internal/ledger"
	"github.com/mmr-tortoise/dil/internal/model"
)

type fixture struct {
	srv   *Server
	eng   *engine.Engine
	store *ledger.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := ledger.Open(ctx, ledger.MemoryPath, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	eng, err := engine.New(ctx, engine.WithStore(store))
	require.NoError(t, err)

	srv, err := New(Config{
		Host:       "127.0.0.1",
		Engine:     eng,
		Gatekeeper: gatekeeper.New(store),
		Store:      store,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	return &fixture{srv: srv, eng: eng, store: store}
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestPages(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.ProcessAudit(context.Background(), model.AuditRequest{UserID: "user-1", Amount: 5000, AIRiskScore: 0.85})
	require.NoError(t, err)

	tests := []struct {
		path     string
		contains []string
	}{
		{path: "/", contains: []string{"Deterministic Integrity Layer", `id="ledger-size">1<`, "verified", "APPROVED", "$5,000"}},
		{path: "/docs", contains: []string{"/audit", "/ledger/verify", "Audit a transaction", "openapi.yaml", "/redoc"}},
		{path: "/redoc", contains: []string{`<redoc spec-url="/openapi.json">`, redocScript, "ReDoc"}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := f.do(t, http.MethodGet, tt.path, "")
			require.Equal(t, http.StatusOK, w.Code)
			assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
			for _, s := range tt.contains {
				assert.Contains(t, w.Body.String(), s)
			}
		})
	}
}

func TestAudit(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/audit", `{"user_id":"user-001","amount":5000,"ai_risk_score":0.85}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	first := decode(t, w)
	assert.Equal(t, "APPROVED", first["decision"])
	assert.Equal(t, "APPROVED: All guardrails passed (Amount: $5,000.00, Risk: 0.85)", first["reason"])
	assert.Nil(t, first["previous_hash"])
	assert.EqualValues(t, 1, first["chain_depth"])
	assert.Regexp(t, `^REQ-[0-9A-F]{8}$`, first["request_id"])

	w = f.do(t, http.MethodPost, "/audit", `{"user_id":"user-002","amount":150000,"ai_risk_score":0.65}`)
	require.Equal(t, http.StatusOK, w.Code)
	second := decode(t, w)
	assert.Equal(t, "FLAGGED", second["decision"])
	assert.Equal(t, first["sha256_hash"], second["previous_hash"])
	assert.EqualValues(t, 2, second["chain_depth"])

	count, err := f.store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestAuditValidation(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		detail string
	}{
		{name: "not json", body: `{`, detail: "invalid JSON body"},
		{name: "missing user", body: `{"amount":1,"ai_risk_score":0.9}`, detail: "user_id is required"},
		{name: "missing amount", body: `{"user_id":"u","ai_risk_score":0.9}`, detail: "amount is required"},
		{name: "missing score", body: `{"user_id":"u","amount":1}`, detail: "ai_risk_score is required"},
		{name: "empty user", body: `{"user_id":"","amount":1,"ai_risk_score":0.9}`, detail: "user_id must not be empty"},
		{name: "user too long", body: `{"user_id":"` + strings.Repeat("x", 256) + `","amount":1,"ai_risk_score":0.9}`, detail: "at most 255"},
		{name: "negative amount", body: `{"user_id":"u","amount":-1,"ai_risk_score":0.9}`, detail: "amount must be between"},
		{name: "amount too large", body: `{"user_id":"u","amount":10000001,"ai_risk_score":0.9}`, detail: "amount must be between"},
		{name: "score above one", body: `{"user_id":"u","amount":1,"ai_risk_score":1.5}`, detail: "ai_risk_score must be between"},
	}

	f := newFixture(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/audit", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code)
			body := decode(t, w)
			assert.Equal(t, true, body["error"])
			assert.Contains(t, body["detail"], "Validation error: ")
			assert.Contains(t, body["detail"], tt.detail)
		})
	}
	assert.Equal(t, 0, f.eng.LedgerSize())
}

func TestLedger(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/ledger", "")
	require.Equal(t, http.StatusOK, w.Code)
	empty := decode(t, w)
	assert.Equal(t, []any{}, empty["records"])
	assert.Nil(t, empty["current_hash"])
	assert.Equal(t, true, empty["chain_integrity"])

	for _, user := range []string{"a", "b", "c"} {
		_, err := f.eng.ProcessAudit(context.Background(), model.AuditRequest{UserID: user, Amount: 10, AIRiskScore: 0.9})
		require.NoError(t, err)
	}

	tests := []struct {
		query string
		users []string
	}{
		{query: "", users: []string{"a", "b", "c"}},
		{query: "?limit=2", users: []string{"b", "c"}},
		{query: "?limit=10", users: []string{"a", "b", "c"}},
		{query: "?limit=0", users: []string{"a", "b", "c"}},
	}
	for _, tt := range tests {
		t.Run("limit"+tt.query, func(t *testing.T) {
			w := f.do(t, http.MethodGet, "/ledger"+tt.query, "")
			require.Equal(t, http.StatusOK, w.Code)
			body := decode(t, w)
			assert.EqualValues(t, 3, body["total_count"])
			assert.Equal(t, f.eng.CurrentHash(), body["current_hash"])

			records := body["records"].([]any)
			var users []string
			for _, r := range records {
				users = append(users, r.(map[string]any)["user_id"].(string))
			}
			assert.Equal(t, tt.users, users)
		})
	}

	w = f.do(t, http.MethodGet, "/ledger?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLedgerVerify(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.ProcessAudit(context.Background(), model.AuditRequest{UserID: "a", Amount: 10, AIRiskScore: 0.9})
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/ledger/verify", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["valid"])
	assert.EqualValues(t, -1, body["broken_index"])
	assert.EqualValues(t, 1, body["records"])
}

func TestEvaluate(t *testing.T) {
	f := newFixture(t)

	body := `{
		"prompt": "Transfer $100 to Alice.",
		"context": {"context_completeness": 0.95, "domain": "fintech", "transaction_value": 100},
		"agent_output": {
			"proposed_action": "Execute transfer of $100 to account_id: 12345",
			"confidence_score": 0.98,
			"metadata": {"request_id": "TX-1001"}
		}
	}`
	w := f.do(t, http.MethodPost, "/evaluate", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode(t, w)
	assert.Equal(t, gatekeeper.StatusCertified, got["status"])
	assert.Equal(t, true, got["is_certified"])
	assert.Equal(t, "TX-1001", got["decision_id"])
	assert.Equal(t, true, got["ledger_confirmed"])

	w = f.do(t, http.MethodPost, "/evaluate", `{"prompt":"x","agent_output":{}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	decisions, err := f.store.Decisions(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, decisions, 1)
}

func TestEvaluateWithoutGatekeeper(t *testing.T) {
	eng, err := engine.New(context.Background())
	require.NoError(t, err)
	srv, err := New(Config{Engine: eng, Logger: zerolog.Nop()})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/evaluate", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// brokenLedger fails either check GET /health makes.
type brokenLedger struct{ pingErr, versionErr error }

func (b brokenLedger) Ping(context.Context) error { return b.pingErr }
func (b brokenLedger) Version(context.Context) (int64, error) { return 0, b.versionErr }

func TestHealth(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{
		"status":          "healthy",
		"service":         "DIL API",
		"ledger_size":     float64(0),
		"chain_integrity": true,
		"schema_version":  float64(2),
	}, decode(t, w))

	f.srv.cfg.Store = brokenLedger{pingErr: errors.New("database is closed")}
	w = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, true, decode(t, w)["error"])

	f.srv.cfg.Store = brokenLedger{versionErr: errors.New("no version table")}
	w = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestOpenAPI(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/openapi.json", "")
	require.Equal(t, http.StatusOK, w.Code)
	doc := decode(t, w)
	assert.Equal(t, "3.0.3", doc["openapi"])
	paths := doc["paths"].(map[string]any)
	for _, p := range []string{"/", "/docs", "/redoc", "/audit", "/evaluate", "/ledger", "/ledger/verify", "/health"} {
		assert.Contains(t, paths, p)
	}

	w = f.do(t, http.MethodGet, "/openapi.yaml", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/yaml", w.Header().Get("Content-Type"))
	var fromYAML map[string]any
	require.NoError(t, yaml.Unmarshal(w.Body.Bytes(), &fromYAML))
	assert.Equal(t, "3.0.3", fromYAML["openapi"])
	assert.Len(t, fromYAML["paths"], len(paths))
}

func TestMiddleware(t *testing.T) {
	f := newFixture(t)

	t.Run("request id is echoed", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/health", nil)
		r.Header.Set(RequestIDHeader, "abc-123")
		w := httptest.NewRecorder()
		f.srv.Handler().ServeHTTP(w, r)
		assert.Equal(t, "abc-123", w.Header().Get(RequestIDHeader))
	})

	t.Run("request id is generated", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/health", "")
		assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
	})

	t.Run("cors preflight", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodOptions, "/audit", nil)
		r.Header.Set("Origin", "http://example.com")
		r.Header.Set("Access-Control-Request-Method", http.MethodPost)
		w := httptest.NewRecorder()
		f.srv.Handler().ServeHTTP(w, r)
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
	})

	t.Run("not found is json", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/nope", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, true, decode(t, w)["error"])
	})

	t.Run("method not allowed is json", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/audit", "")
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
		assert.Equal(t, true, decode(t, w)["error"])
	})
}

func TestRecoverJSON(t *testing.T) {
	h := recoverJSON(zerolog.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":true,"detail":"Internal server error"}`, w.Body.String())
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	h := accessLog(zerolog.New(&buf))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/tea", nil))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "GET", line["method"])
	assert.Equal(t, "/tea", line["path"])
	assert.EqualValues(t, http.StatusTeapot, line["status"])
}

// TestNew_LogsComponentOnce checks that the caller's component tag is
// the only one on access log lines.
func TestNew_LogsComponentOnce(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	srv, err := New(Config{
		Engine: f.eng,
		Store:  f.store,
		Logger: zerolog.New(&buf).With().Str("component", "server").Logger(),
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	for _, line := range lines {
		assert.Equal(t, 1, strings.Count(line, `"component"`), line)
	}
}

func TestListenAddressInUse(t *testing.T) {
	held, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = held.Close() }()
	p := held.Addr().(*net.TCPAddr).Port

	_, err = Listen("127.0.0.1", p)
	var inUse *model.AddressInUseError
	require.ErrorAs(t, err, &inUse)
	assert.Equal(t, p, inUse.Port)
}

func TestServeListener(t *testing.T) {
	f := newFixture(t)
	ln, err := Listen("127.0.0.1", 0)
	require.NoError(t, err)
	url := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.srv.ServeListener(ctx, ln) }()

	for _, path := range []string{"/", "/docs"} {
		require.Eventually(t, func() bool {
			resp, err := http.Get(url + path)
			if err != nil {
				return false
			}
			_ = resp.Body.Close()
			return resp.StatusCode == http.StatusOK
		}, 5*time.Second, 20*time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestNewRequiresEngine(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
