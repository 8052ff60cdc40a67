package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/gitops-gate/gitopsgate/internal/adapter/outbound/memory"
	"github.com/gitops-gate/gitopsgate/internal/domain/audit"
	"github.com/gitops-gate/gitopsgate/internal/domain/auth"
	"github.com/gitops-gate/gitopsgate/internal/domain/ratelimit"
	"github.com/gitops-gate/gitopsgate/internal/domain/rbac"
	"github.com/gitops-gate/gitopsgate/internal/service"
)

const testPolicy = `p, role:developer, applications, sync, */staging, allow
p, role:developer, applications, sync, */prod, deny
p, role:developer, applications, get, */*, allow
g, eddie, role:developer
`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testServer builds a server over a temp policy file. Returns the server
// and its audit log so tests can inspect or break persistence.
func testServer(t *testing.T, opts ...Option) (*Server, *memory.AuditLog) {
	t.Helper()

	policyPath := filepath.Join(t.TempDir(), "policy.csv")
	if err := os.WriteFile(policyPath, []byte(testPolicy), 0o600); err != nil {
		t.Fatal(err)
	}

	compiler, err := service.NewPolicyCompiler(discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	store := service.NewPolicyStore(discardLogger())
	loader := service.NewPolicyLoader(compiler, store, discardLogger())
	if _, err := loader.LoadFile(policyPath); err != nil {
		t.Fatalf("load policy: %v", err)
	}

	auditLog := memory.NewAuditLog(0)
	authorizer := service.NewAuthorizer(store, auditLog, compiler, discardLogger())

	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	return NewServer(authorizer, store, loader, auditLog, policyPath, opts...), auditLog
}

func doRequest(t *testing.T, handler http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCheckEndpoint(t *testing.T) {
	t.Parallel()

	server, _ := testServer(t)
	handler := server.Handler(nil)

	tests := []struct {
		name        string
		body        string
		wantStatus  int
		wantOutcome rbac.Outcome
	}{
		{
			"allow staging sync",
			`{"subject":"eddie","action":"sync","resource_type":"applications","resource_id":"myapp/staging"}`,
			http.StatusOK, rbac.OutcomeAllow,
		},
		{
			"deny prod sync",
			`{"subject":"eddie","action":"sync","resource_type":"applications","resource_id":"myapp/prod"}`,
			http.StatusOK, rbac.OutcomeDeny,
		},
		{
			"deny unknown subject",
			`{"subject":"mallory","action":"sync","resource_type":"applications","resource_id":"myapp/staging"}`,
			http.StatusOK, rbac.OutcomeDeny,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, handler, http.MethodPost, "/v1/check", tt.body, nil)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			var decision rbac.Decision
			if err := json.Unmarshal(rec.Body.Bytes(), &decision); err != nil {
				t.Fatalf("decode decision: %v", err)
			}
			if decision.Outcome != tt.wantOutcome {
				t.Errorf("outcome = %s, want %s (reason %q)", decision.Outcome, tt.wantOutcome, decision.Reason)
			}
		})
	}
}

func TestCheckEndpoint_BadRequests(t *testing.T) {
	t.Parallel()

	server, _ := testServer(t)
	handler := server.Handler(nil)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"unknown field", `{"subject":"eddie","action":"sync","resource_type":"applications","resource_id":"a/b","extra":1}`},
		{"missing subject", `{"action":"sync","resource_type":"applications","resource_id":"a/b"}`},
		{"missing resource_id", `{"subject":"eddie","action":"sync","resource_type":"applications"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, handler, http.MethodPost, "/v1/check", tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCheckEndpoint_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	server, _ := testServer(t)
	rec := doRequest(t, server.Handler(nil), http.MethodGet, "/v1/check", "", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestCheckEndpoint_AuditFailureReturns503(t *testing.T) {
	t.Parallel()

	server, auditLog := testServer(t)
	handler := server.Handler(nil)
	auditLog.Close()

	body := `{"subject":"eddie","action":"sync","resource_type":"applications","resource_id":"myapp/staging"}`
	rec := doRequest(t, handler, http.MethodPost, "/v1/check", body, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503: %s", rec.Code, rec.Body.String())
	}

	var decision rbac.Decision
	if err := json.Unmarshal(rec.Body.Bytes(), &decision); err != nil {
		t.Fatal(err)
	}
	if decision.Allowed() {
		t.Error("decision allowed while audit log is unavailable")
	}
	if decision.Reason != "audit unavailable: fail closed" {
		t.Errorf("reason = %q, want fail-closed reason", decision.Reason)
	}
}

func TestCheckEndpoint_RequestIDEchoed(t *testing.T) {
	t.Parallel()

	server, auditLog := testServer(t)
	handler := server.Handler(nil)

	body := `{"subject":"eddie","action":"get","resource_type":"applications","resource_id":"myapp/prod"}`
	rec := doRequest(t, handler, http.MethodPost, "/v1/check", body, map[string]string{
		"X-Request-ID":    "req-abc",
		"X-Forwarded-For": "203.0.113.7, 10.0.0.1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-Request-ID"); got != "req-abc" {
		t.Errorf("X-Request-ID = %q, want %q", got, "req-abc")
	}

	var recorded []audit.Record
	for r := range auditLog.Query(context.Background(), audit.Filter{}) {
		recorded = append(recorded, r)
	}
	if len(recorded) != 1 {
		t.Fatalf("audit records = %d, want 1", len(recorded))
	}
	if recorded[0].RequestID != "req-abc" || recorded[0].SourceIP != "203.0.113.7" {
		t.Errorf("correlation not recorded: request_id=%q source_ip=%q, want req-abc and the first forwarded IP",
			recorded[0].RequestID, recorded[0].SourceIP)
	}
}

func TestAuditEndpoint(t *testing.T) {
	t.Parallel()

	server, _ := testServer(t)
	handler := server.Handler(nil)

	// Two checks produce two audit records.
	allow := `{"subject":"eddie","action":"sync","resource_type":"applications","resource_id":"myapp/staging"}`
	deny := `{"subject":"eddie","action":"sync","resource_type":"applications","resource_id":"myapp/prod"}`
	for _, body := range []string{allow, deny} {
		if rec := doRequest(t, handler, http.MethodPost, "/v1/check", body, nil); rec.Code != http.StatusOK {
			t.Fatalf("check status = %d", rec.Code)
		}
	}

	rec := doRequest(t, handler, http.MethodGet, "/v1/audit?subject=eddie&outcome=deny", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp auditResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 1 || len(resp.Records) != 1 {
		t.Fatalf("count = %d, records = %d, want 1 each", resp.Count, len(resp.Records))
	}
	if resp.Records[0].Outcome != rbac.OutcomeDeny || resp.Records[0].ResourceID != "myapp/prod" {
		t.Errorf("unexpected record: %+v", resp.Records[0])
	}
}

func TestAuditEndpoint_BadFilters(t *testing.T) {
	t.Parallel()

	server, _ := testServer(t)
	handler := server.Handler(nil)

	for _, target := range []string{
		"/v1/audit?outcome=maybe",
		"/v1/audit?since=not-a-time",
		"/v1/audit?limit=-1",
	} {
		if rec := doRequest(t, handler, http.MethodGet, target, "", nil); rec.Code != http.StatusBadRequest {
			t.Errorf("GET %s status = %d, want 400", target, rec.Code)
		}
	}
}

func TestStatsEndpoint(t *testing.T) {
	t.Parallel()

	server, _ := testServer(t)
	handler := server.Handler(nil)

	bodies := []string{
		`{"subject":"eddie","action":"sync","resource_type":"applications","resource_id":"myapp/prod"}`,
		`{"subject":"eddie","action":"get","resource_type":"applications","resource_id":"myapp/prod"}`,
		`{"subject":"eddie","action":"delete","resource_type":"applications","resource_id":"myapp/prod"}`,
	}
	for _, body := range bodies {
		if rec := doRequest(t, handler, http.MethodPost, "/v1/check", body, nil); rec.Code != http.StatusOK {
			t.Fatalf("check status = %d", rec.Code)
		}
	}

	rec := doRequest(t, handler, http.MethodGet, "/v1/audit/stats?subject=eddie", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	// sync on */prod and delete (no rule) are denials; get is allowed.
	if resp.Denials != 2 {
		t.Errorf("denials = %d, want 2", resp.Denials)
	}
	if len(resp.Actions) != 3 {
		t.Errorf("actions = %v, want 3 distinct", resp.Actions)
	}

	if rec := doRequest(t, handler, http.MethodGet, "/v1/audit/stats", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("missing subject status = %d, want 400", rec.Code)
	}
}

func TestStatsEndpoint_UnknownSubjectHasEmptyActions(t *testing.T) {
	t.Parallel()

	server, _ := testServer(t)
	rec := doRequest(t, server.Handler(nil), http.MethodGet, "/v1/audit/stats?subject=nobody", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"actions":[]`) {
		t.Errorf("body = %s, want empty actions array, not null", rec.Body.String())
	}
}

func TestReloadEndpoint(t *testing.T) {
	t.Parallel()

	server, _ := testServer(t)
	handler := server.Handler(nil)

	rec := doRequest(t, handler, http.MethodPost, "/v1/policy/reload", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp reloadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Generation != 2 {
		t.Errorf("generation = %d, want 2 after reload", resp.Generation)
	}
	if len(resp.Fingerprint) != 16 {
		t.Errorf("fingerprint = %q, want 16 hex digits", resp.Fingerprint)
	}
}

func TestReloadEndpoint_InvalidPolicyKeepsActiveGeneration(t *testing.T) {
	t.Parallel()

	server, _ := testServer(t)
	handler := server.Handler(nil)

	if err := os.WriteFile(server.policyPath, []byte("p, broken"), 0o600); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(t, handler, http.MethodPost, "/v1/policy/reload", "", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", rec.Code, rec.Body.String())
	}
	if server.store.Generation() != 1 {
		t.Errorf("generation = %d, want 1 (previous policy kept)", server.store.Generation())
	}

	// The old policy still serves checks.
	body := `{"subject":"eddie","action":"sync","resource_type":"applications","resource_id":"myapp/staging"}`
	checkRec := doRequest(t, handler, http.MethodPost, "/v1/check", body, nil)
	if checkRec.Code != http.StatusOK {
		t.Errorf("check after failed reload status = %d, want 200", checkRec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	t.Run("healthy with policy", func(t *testing.T) {
		t.Parallel()
		server, auditLog := testServer(t)
		server.health = NewHealthChecker(server.store, auditLog, nil, nil, "test")
		rec := doRequest(t, server.Handler(nil), http.MethodGet, "/healthz", "", nil)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("unhealthy without policy", func(t *testing.T) {
		t.Parallel()
		server, auditLog := testServer(t)
		emptyStore := service.NewPolicyStore(discardLogger())
		server.health = NewHealthChecker(emptyStore, auditLog, nil, nil, "test")
		rec := doRequest(t, server.Handler(nil), http.MethodGet, "/healthz", "", nil)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503: %s", rec.Code, rec.Body.String())
		}
		var resp HealthResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Status != "unhealthy" {
			t.Errorf("status = %q, want unhealthy", resp.Status)
		}
	})
}

func TestAPIKeyAuthentication(t *testing.T) {
	t.Parallel()

	hash, err := auth.HashKey("secret-key")
	if err != nil {
		t.Fatal(err)
	}
	keyring := auth.NewKeyring([]auth.KeyEntry{{Hash: hash, Name: "ci"}})

	server, _ := testServer(t, WithKeyring(keyring))
	handler := server.Handler(nil)
	body := `{"subject":"eddie","action":"get","resource_type":"applications","resource_id":"myapp/prod"}`

	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"no token", nil, http.StatusUnauthorized},
		{"wrong token", map[string]string{"Authorization": "Bearer wrong"}, http.StatusUnauthorized},
		{"malformed header", map[string]string{"Authorization": "Basic abc"}, http.StatusUnauthorized},
		{"valid token", map[string]string{"Authorization": "Bearer secret-key"}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, handler, http.MethodPost, "/v1/check", body, tt.header)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	// /healthz and /metrics stay open for probes and scrapers.
	server.health = NewHealthChecker(server.store, nil, nil, nil, "test")
	rec := doRequest(t, server.Handler(nil), http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("unauthenticated /metrics status = %d, want 200", rec.Code)
	}
}

func TestRateLimiting(t *testing.T) {
	t.Parallel()

	limiter := memory.NewRateLimiter()
	limit := ratelimit.Limit{Rate: 1, Period: time.Hour, Burst: 2}
	server, _ := testServer(t, WithRateLimit(limiter, limit))
	handler := server.Handler(nil)

	body := `{"subject":"eddie","action":"get","resource_type":"applications","resource_id":"myapp/prod"}`
	header := map[string]string{"X-Real-IP": "198.51.100.4"}

	for i := 0; i < 2; i++ {
		if rec := doRequest(t, handler, http.MethodPost, "/v1/check", body, header); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, rec.Code)
		}
	}

	rec := doRequest(t, handler, http.MethodPost, "/v1/check", body, header)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After header")
	}

	// A different client IP has its own budget.
	other := map[string]string{"X-Real-IP": "198.51.100.5"}
	if rec := doRequest(t, handler, http.MethodPost, "/v1/check", body, other); rec.Code != http.StatusOK {
		t.Errorf("other client status = %d, want 200", rec.Code)
	}
}

func TestRateLimiting_PerKeyBuckets(t *testing.T) {
	t.Parallel()

	ciHash, err := auth.HashKey("ci-key")
	if err != nil {
		t.Fatal(err)
	}
	deployHash, err := auth.HashKey("deploy-key")
	if err != nil {
		t.Fatal(err)
	}
	keyring := auth.NewKeyring([]auth.KeyEntry{
		{Hash: ciHash, Name: "ci"},
		{Hash: deployHash, Name: "deploy"},
	})

	limiter := memory.NewRateLimiter()
	limit := ratelimit.Limit{Rate: 1, Period: time.Hour, Burst: 1}
	server, _ := testServer(t, WithKeyring(keyring), WithRateLimit(limiter, limit))
	handler := server.Handler(nil)

	body := `{"subject":"eddie","action":"get","resource_type":"applications","resource_id":"myapp/prod"}`
	const sameIP = "198.51.100.9"

	// Two authenticated clients behind one gateway IP each get their own
	// budget keyed by key name, not a shared per-IP bucket.
	for _, key := range []string{"ci-key", "deploy-key"} {
		header := map[string]string{
			"Authorization": "Bearer " + key,
			"X-Real-IP":     sameIP,
		}
		if rec := doRequest(t, handler, http.MethodPost, "/v1/check", body, header); rec.Code != http.StatusOK {
			t.Fatalf("first request for key %q status = %d, want 200: %s", key, rec.Code, rec.Body.String())
		}
	}

	// The same key over its budget is limited.
	header := map[string]string{"Authorization": "Bearer ci-key", "X-Real-IP": sameIP}
	if rec := doRequest(t, handler, http.MethodPost, "/v1/check", body, header); rec.Code != http.StatusTooManyRequests {
		t.Errorf("over-budget key status = %d, want 429", rec.Code)
	}

	// An invalid key is rejected by authentication before the limiter runs.
	bad := map[string]string{"Authorization": "Bearer wrong", "X-Real-IP": sameIP}
	if rec := doRequest(t, handler, http.MethodPost, "/v1/check", body, bad); rec.Code != http.StatusUnauthorized {
		t.Errorf("invalid key status = %d, want 401", rec.Code)
	}
}

func TestAccessLogCarriesRequestContext(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	server, _ := testServer(t, WithLogger(logger))
	handler := server.Handler(nil)

	body := `{"subject":"eddie","action":"get","resource_type":"applications","resource_id":"myapp/prod"}`
	rec := doRequest(t, handler, http.MethodPost, "/v1/check", body, map[string]string{
		"X-Request-ID": "req-log-1",
		"X-Real-IP":    "203.0.113.9",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	logged := buf.String()
	if !strings.Contains(logged, "request_id=req-log-1") {
		t.Errorf("access log missing request id:\n%s", logged)
	}
	if !strings.Contains(logged, "source_ip=203.0.113.9") {
		t.Errorf("access log missing source ip:\n%s", logged)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	server, _ := testServer(t)
	reg := prometheus.NewRegistry()
	handler := server.Handler(reg)

	body := `{"subject":"eddie","action":"sync","resource_type":"applications","resource_id":"myapp/staging"}`
	if rec := doRequest(t, handler, http.MethodPost, "/v1/check", body, nil); rec.Code != http.StatusOK {
		t.Fatalf("check status = %d", rec.Code)
	}

	rec := doRequest(t, handler, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	metrics := rec.Body.String()
	for _, want := range []string{
		`gitopsgate_check_requests_total{outcome="allow"} 1`,
		"gitopsgate_policy_generation 1",
		"gitopsgate_audit_records 1",
	} {
		if !strings.Contains(metrics, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if got := counterValue(families, "gitopsgate_check_requests_total", "allow"); got != 1 {
		t.Errorf("check_requests_total{outcome=allow} = %v, want 1", got)
	}
}

// counterValue extracts a labelled counter from gathered metric families.
func counterValue(families []*dto.MetricFamily, name, outcome string) float64 {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "outcome" && l.GetValue() == outcome {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return -1
}
