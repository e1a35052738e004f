package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/edgefleet/edgefleet/internal/coredb"
	"github.com/edgefleet/edgefleet/internal/inventory"
	"github.com/edgefleet/edgefleet/internal/validate"
)

type validatorStub struct {
	report validate.Report
	calls  int
}

func (v *validatorStub) Run(ctx context.Context) validate.Report {
	v.calls++
	return v.report
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	t.Setenv(TokenEnv, "")
	ctx := context.Background()
	if cfg.Inventory == nil {
		inv := inventory.New()
		for _, n := range []inventory.Node{
			{ID: "edge-1", Role: inventory.RoleBandwidth, Host: "10.0.0.1", State: inventory.StateNetworked},
			{ID: "edge-2", Role: inventory.RoleMonitoring, Host: "10.0.0.2"},
		} {
			if err := inv.Register(n); err != nil {
				t.Fatalf("register: %v", err)
			}
		}
		cfg.Inventory = inv
	}
	if cfg.DB == nil {
		db, err := coredb.Open(ctx, coredb.Options{DataDir: t.TempDir()})
		if err != nil {
			t.Fatalf("open db: %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })
		cfg.DB = db
		cfg.Records = coredb.NewRecordStore(db)
	}
	cfg.Logger = discardLogger()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return s
}

func do(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, Config{})
	rec := do(t, s.Handler(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestNodesListAndFilter(t *testing.T) {
	s := newTestServer(t, Config{})
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/v1/nodes", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Nodes []inventory.Node `json:"nodes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Nodes) != 2 || body.Nodes[0].ID != "edge-1" {
		t.Fatalf("unexpected nodes: %+v", body.Nodes)
	}
	if body.Nodes[0].State != inventory.StateNetworked {
		t.Fatalf("expected networked state, got %s", body.Nodes[0].State)
	}

	rec = do(t, h, http.MethodGet, "/v1/nodes?role=monitoring", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Nodes) != 1 || body.Nodes[0].ID != "edge-2" {
		t.Fatalf("unexpected filtered nodes: %+v", body.Nodes)
	}

	rec = do(t, h, http.MethodGet, "/v1/nodes?role=miner", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown role, got %d", rec.Code)
	}
}

func TestNodeNotFoundIsProblem(t *testing.T) {
	s := newTestServer(t, Config{})
	rec := do(t, s.Handler(), http.MethodGet, "/v1/nodes/ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("expected problem content type, got %q", ct)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["type"] != problemBase+"unknown-node" {
		t.Fatalf("unexpected problem type %v", body["type"])
	}
}

func TestRecordsPaging(t *testing.T) {
	s := newTestServer(t, Config{})
	ctx := context.Background()
	for i, phase := range []string{"base", "secure", "container"} {
		_, err := s.cfg.Records.Append(ctx, coredb.ExecutionRecord{
			RunID: "run-1", NodeID: "edge-1", Phase: phase, PhaseSeq: i + 1,
			Attempt: 1, Outcome: "success", Output: []byte("ok"),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	rec := do(t, s.Handler(), http.MethodGet, "/v1/nodes/edge-1/records?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Records []recordView `json:"records"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Records) != 2 || body.Records[0].Phase != "base" || body.Records[1].Phase != "secure" {
		t.Fatalf("unexpected first page: %+v", body.Records)
	}

	rec = do(t, s.Handler(), http.MethodGet, "/v1/nodes/edge-1/records?after="+itoa(body.Records[1].Seq), "")
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Records) != 1 || body.Records[0].Phase != "container" || body.Records[0].Output != "ok" {
		t.Fatalf("unexpected second page: %+v", body.Records)
	}

	rec = do(t, s.Handler(), http.MethodGet, "/v1/nodes/edge-1/records?limit=0", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero limit, got %d", rec.Code)
	}
}

func itoa(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestReportPendingThenServed(t *testing.T) {
	stub := &validatorStub{report: validate.Aggregate([]validate.CheckResult{
		{Category: validate.CategoryConnectivity, Node: "edge-1", Verdict: validate.Pass, Message: "reachable"},
		{Category: validate.CategoryResourceLimits, Node: "edge-1", Verdict: validate.Warn, Message: "no memory limit"},
	})}
	s := newTestServer(t, Config{Validator: stub})
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/v1/report", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before first run, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	if _, err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	rec = do(t, h, http.MethodGet, "/v1/report", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var report validate.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Verdict != validate.Warn || report.Pass != 1 || report.Warn != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if stub.calls != 1 {
		t.Fatalf("expected one validator call, got %d", stub.calls)
	}
}

func TestRefreshWithoutValidator(t *testing.T) {
	s := newTestServer(t, Config{})
	if _, err := s.Refresh(context.Background()); err == nil {
		t.Fatal("expected error without validator")
	}
}

func TestStorageHealth(t *testing.T) {
	s := newTestServer(t, Config{})
	rec := do(t, s.Handler(), http.MethodGet, "/v1/health/storage", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var stats coredb.StorageStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !stats.OK || stats.Driver == "" {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestStorageHealthDegradedWithoutDB(t *testing.T) {
	s := newTestServer(t, Config{})
	s.cfg.DB = nil
	rec := do(t, s.Handler(), http.MethodGet, "/v1/health/storage", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "storage degraded") {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestTokenEnforcement(t *testing.T) {
	s := newTestServer(t, Config{Bind: "0.0.0.0:8080", Token: "s3cret"})
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/v1/nodes", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate header")
	}
	if rec := do(t, h, http.MethodGet, "/v1/nodes", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/nodes", "s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/metrics", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected metrics to require token off loopback, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected healthz to stay open, got %d", rec.Code)
	}
}

func TestMetricsOpenOnLoopback(t *testing.T) {
	s := newTestServer(t, Config{Bind: "127.0.0.1:9100", Token: "s3cret"})
	rec := do(t, s.Handler(), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "edgefleet_") {
		t.Fatalf("expected edgefleet collectors in metrics output")
	}
}

func TestNewRequiresTokenOffLoopback(t *testing.T) {
	t.Setenv(TokenEnv, "")
	_, err := New(Config{Bind: "0.0.0.0:8080", Inventory: inventory.New()})
	if !errors.Is(err, ErrTokenRequired) {
		t.Fatalf("expected ErrTokenRequired, got %v", err)
	}
	t.Setenv(TokenEnv, "from-env")
	s, err := New(Config{Bind: "0.0.0.0:8080", Inventory: inventory.New()})
	if err != nil {
		t.Fatalf("expected env token to satisfy check: %v", err)
	}
	if s.cfg.Token != "from-env" {
		t.Fatalf("expected env token, got %q", s.cfg.Token)
	}
}

func TestIsLoopbackAddress(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:80":   true,
		"[::1]:8080":     true,
		":8080":          false,
		"0.0.0.0:8080":   false,
		"100.64.0.7:80":  false,
	}
	for bind, want := range cases {
		if got := isLoopbackAddress(bind); got != want {
			t.Errorf("isLoopbackAddress(%q) = %v, want %v", bind, got, want)
		}
	}
}

func TestRunShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stub := &validatorStub{report: validate.Aggregate(nil)}
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Config{Bind: "127.0.0.1:0", Inventory: inventory.New(), Validator: stub, Logger: discardLogger()})
	}()
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
