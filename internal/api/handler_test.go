package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"riskgate/internal/config"
	"riskgate/internal/engine"
	"riskgate/internal/intel"
	"riskgate/internal/profile"
	"riskgate/internal/replay"
	"riskgate/internal/rules"
	"riskgate/internal/schema"
	"riskgate/internal/scorer"
	"riskgate/internal/trust"
	"riskgate/internal/velocity"
)

func newTestHandler(t *testing.T, blocklist []string) *Handler {
	t.Helper()

	catalog, err := rules.NewBuiltinCatalog(rules.DefaultConfig())
	if err != nil {
		t.Fatalf("NewBuiltinCatalog: %v", err)
	}
	ledger, err := trust.NewLedger(trust.DefaultLedgerConfig(), nil)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	sc, err := scorer.New(scorer.DefaultConfig())
	if err != nil {
		t.Fatalf("scorer.New: %v", err)
	}
	intelStore, err := intel.NewStore(&intel.StaticSource{
		Blocklist:  blocklist,
		Categories: []string{"4829", "6051", "7995", "5967"},
	}, nil)
	if err != nil {
		t.Fatalf("intel.NewStore: %v", err)
	}

	eng, err := engine.New(engine.DefaultConfig(), engine.Deps{
		Catalog:  catalog,
		Velocity: velocity.NewTracker(nil),
		Profiles: profile.NewStore(nil),
		Trust:    ledger,
		Scorer:   sc,
		Intel:    intelStore,
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	return NewHandler(eng, replay.New(eng, slog.Default()), nil)
}

func decisionBody(t *testing.T, rec *httptest.ResponseRecorder) *schema.Decision {
	t.Helper()
	var d schema.Decision
	if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	return &d
}

func TestHandleDecision(t *testing.T) {
	h := newTestHandler(t, nil)
	mux := h.Routes()

	payload := fmt.Sprintf(`{
		"principal_id": "user-1",
		"event_type": "transaction",
		"timestamp": %q,
		"amount": 50,
		"merchant_category": "5411",
		"source_ip": "203.0.113.10",
		"geo_location": "US",
		"device_id": "dev-1",
		"channel": "web"
	}`, time.Now().Format(time.RFC3339))

	req := httptest.NewRequest(http.MethodPost, "/v1/decisions", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	d := decisionBody(t, rec)
	if d.Action != schema.ActionAllow {
		t.Errorf("Action = %s, want ALLOW", d.Action)
	}
	if d.PrincipalID != "user-1" {
		t.Errorf("PrincipalID = %q", d.PrincipalID)
	}
	if d.EventID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("expected generated event id")
	}
}

func TestHandleDecisionBlocklisted(t *testing.T) {
	h := newTestHandler(t, []string{"198.51.100.66"})
	mux := h.Routes()

	payload := fmt.Sprintf(`{
		"principal_id": "user-2",
		"event_type": "login",
		"timestamp": %q,
		"source_ip": "198.51.100.66"
	}`, time.Now().Format(time.RFC3339))

	req := httptest.NewRequest(http.MethodPost, "/v1/decisions", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	d := decisionBody(t, rec)
	if d.Action != schema.ActionBlock {
		t.Errorf("Action = %s, want BLOCK", d.Action)
	}
	if d.Score != 100 {
		t.Errorf("Score = %d, want 100", d.Score)
	}
}

func TestHandleDecisionValidation(t *testing.T) {
	h := newTestHandler(t, nil)
	mux := h.Routes()

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{
			name:       "invalid json",
			body:       "{not json",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing principal",
			body:       fmt.Sprintf(`{"event_type":"login","timestamp":%q}`, time.Now().Format(time.RFC3339)),
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "bad event type",
			body:       fmt.Sprintf(`{"principal_id":"u","event_type":"transfer","timestamp":%q}`, time.Now().Format(time.RFC3339)),
			wantStatus: http.StatusUnprocessableEntity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/decisions", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d; body = %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestHandleBatchCSV(t *testing.T) {
	h := newTestHandler(t, nil)
	mux := h.Routes()

	ts := time.Now().Format(time.RFC3339)
	csv := "principal_id,event_type,timestamp,amount,merchant_category\n" +
		fmt.Sprintf("user-a,transaction,%s,40,5411\n", ts) +
		fmt.Sprintf("user-b,transaction,%s,8000,5411\n", ts)

	req := httptest.NewRequest(http.MethodPost, "/v1/decisions/batch", strings.NewReader(csv))
	req.Header.Set("Content-Type", "text/csv")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var result replay.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Summary.Count != 2 {
		t.Errorf("Count = %d, want 2", result.Summary.Count)
	}
	if result.Summary.Rejected != 0 {
		t.Errorf("Rejected = %d, want 0", result.Summary.Rejected)
	}
}

func TestHandleBatchMultipart(t *testing.T) {
	h := newTestHandler(t, nil)
	mux := h.Routes()

	ts := time.Now().Format(time.RFC3339)
	csv := "txn_id,user_id,timestamp,amount,mcc,country,ip,device_id\n" +
		fmt.Sprintf("t1,legacy-user,%s,120,5411,US,203.0.113.50,dev-9\n", ts)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "events.csv")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write([]byte(csv))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/decisions/batch", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var result replay.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Summary.Count != 1 {
		t.Errorf("Count = %d, want 1", result.Summary.Count)
	}
}

func TestHandleBatchEmpty(t *testing.T) {
	h := newTestHandler(t, nil)
	mux := h.Routes()

	req := httptest.NewRequest(http.MethodPost, "/v1/decisions/batch", strings.NewReader(""))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleHistoryWithoutStorage(t *testing.T) {
	h := newTestHandler(t, nil)
	mux := h.Routes()

	req := httptest.NewRequest(http.MethodGet, "/v1/principals/user-1/decisions", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestHealthCheck(t *testing.T) {
	h := newTestHandler(t, nil)
	mux := h.Routes()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", resp["status"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestHandler(t, nil)
	mux := h.Routes()

	// Evaluate one event so counters move.
	payload := fmt.Sprintf(`{"principal_id":"m-user","event_type":"login","timestamp":%q}`,
		time.Now().Format(time.RFC3339))
	req := httptest.NewRequest(http.MethodPost, "/v1/decisions", strings.NewReader(payload))
	mux.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "riskgate_decisions_total 1") {
		t.Errorf("metrics missing evaluated counter:\n%s", body)
	}
	if !strings.Contains(body, "riskgate_principals") {
		t.Error("metrics missing principals gauge")
	}
}

func TestAuthMiddleware(t *testing.T) {
	h := newTestHandler(t, nil)

	cfg := config.DefaultConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.APIKeys = []string{"secret-key"}
	cfg.RateLimit.Enabled = false

	wrapped, stop := WithMiddleware(h.Routes(), cfg, slog.Default())
	defer stop()

	payload := fmt.Sprintf(`{"principal_id":"a-user","event_type":"login","timestamp":%q}`,
		time.Now().Format(time.RFC3339))

	t.Run("missing key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/decisions", strings.NewReader(payload))
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/decisions", strings.NewReader(payload))
		req.Header.Set("X-API-Key", "wrong")
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("valid key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/decisions", strings.NewReader(payload))
		req.Header.Set("X-API-Key", "secret-key")
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200; body = %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("health exempt", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimit.Enabled = false

	panicking := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	wrapped, stop := WithMiddleware(panicking, cfg, slog.Default())
	defer stop()

	req := httptest.NewRequest(http.MethodGet, "/v1/decisions", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newTestHandler(t, nil)
	mux := h.Routes()

	req := httptest.NewRequest(http.MethodGet, "/v1/decisions", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}
