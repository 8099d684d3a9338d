package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labsin-uncuyo/defender-core/internal/alert"
	"github.com/labsin-uncuyo/defender-core/internal/alertstore"
	"github.com/labsin-uncuyo/defender-core/internal/journal"
	"github.com/labsin-uncuyo/defender-core/internal/plan"
)

type fakePipeline struct {
	ingestErr error
	lastRaw   string
	plans     []plan.Plan
	planErr   error
}

func (f *fakePipeline) Ingest(ctx context.Context, raw string) error {
	f.lastRaw = raw
	return f.ingestErr
}

func (f *fakePipeline) GenerateFor(ctx context.Context, a alert.Alert, fingerprint string) ([]plan.Plan, error) {
	return f.plans, f.planErr
}

func newTestServer(t *testing.T, pipeline Pipeline, cfg Config) (*Server, *alertstore.Store) {
	t.Helper()
	store, err := alertstore.Open(t.TempDir() + "/alerts.ndjson")
	if err != nil {
		t.Fatalf("alertstore.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	j, err := journal.New(t.TempDir() + "/journal.ndjson")
	if err != nil {
		t.Fatalf("journal.New() error = %v", err)
	}
	t.Cleanup(j.Stop)

	return New(cfg, store, pipeline, j), store
}

func TestHandleAlert_ValidRequestReturnsAccepted(t *testing.T) {
	p := &fakePipeline{}
	s, store := newTestServer(t, p, Config{RunID: "run1"})

	body := `{"raw":"port scan from 10.0.0.9"}`
	req := httptest.NewRequest(http.MethodPost, "/alerts", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if p.lastRaw != "port scan from 10.0.0.9" {
		t.Fatalf("pipeline received %q", p.lastRaw)
	}
	if store.Len() != 1 {
		t.Fatalf("store.Len() = %d, want 1", store.Len())
	}

	var resp alertResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Accepted || resp.Offset != 0 {
		t.Fatalf("response = %+v, want accepted=true offset=0", resp)
	}
}

func TestHandleAlert_MalformedBodyReturnsBadRequest(t *testing.T) {
	s, _ := newTestServer(t, &fakePipeline{}, Config{RunID: "run1"})

	req := httptest.NewRequest(http.MethodPost, "/alerts", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleAlert_EmptyRawFieldReturnsBadRequest(t *testing.T) {
	s, _ := newTestServer(t, &fakePipeline{}, Config{RunID: "run1"})

	req := httptest.NewRequest(http.MethodPost, "/alerts", strings.NewReader(`{"raw":""}`))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleAlert_OversizedBodyReturnsRequestEntityTooLarge(t *testing.T) {
	s, _ := newTestServer(t, &fakePipeline{}, Config{RunID: "run1"})

	huge := bytes.Repeat([]byte("a"), maxBodyBytes+1)
	body, _ := json.Marshal(map[string]string{"raw": string(huge)})
	req := httptest.NewRequest(http.MethodPost, "/alerts", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", w.Code)
	}
}

func TestHandleHealth_ReportsStatusAndCounts(t *testing.T) {
	p := &fakePipeline{}
	s, store := newTestServer(t, p, Config{RunID: "run1"})
	store.Persist(alertstore.Envelope{Raw: "seed", RunID: "run1", TS: time.Now()})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ok" || resp.RunID != "run1" || resp.AlertCount != 1 {
		t.Fatalf("response = %+v", resp)
	}
}

func TestHandlePlan_ReturnsGeneratedPlans(t *testing.T) {
	p := &fakePipeline{plans: []plan.Plan{{ExecutorHostIP: "10.0.0.5", PlanText: "block"}}}
	s, _ := newTestServer(t, p, Config{RunID: "run1"})

	req := httptest.NewRequest(http.MethodPost, "/plan", strings.NewReader(`{"raw":"port scan"}`))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp planResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Plans) != 1 || resp.Plans[0].ExecutorHostIP != "10.0.0.5" {
		t.Fatalf("plans = %+v", resp.Plans)
	}
}

func TestHandlePlan_AllowlistRejectsUnlistedCaller(t *testing.T) {
	p := &fakePipeline{plans: []plan.Plan{{ExecutorHostIP: "10.0.0.5"}}}
	s, _ := newTestServer(t, p, Config{RunID: "run1", PlanAllowIPs: []string{"10.0.0.1"}})

	req := httptest.NewRequest(http.MethodPost, "/plan", strings.NewReader(`{"raw":"port scan"}`))
	req.RemoteAddr = "192.168.1.50:4444"
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestHandlePlan_AllowlistAcceptsMatchingCaller(t *testing.T) {
	p := &fakePipeline{plans: []plan.Plan{{ExecutorHostIP: "10.0.0.5"}}}
	s, _ := newTestServer(t, p, Config{RunID: "run1", PlanAllowIPs: []string{"10.0.0.*"}})

	req := httptest.NewRequest(http.MethodPost, "/plan", strings.NewReader(`{"raw":"port scan"}`))
	req.RemoteAddr = "10.0.0.1:4444"
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}
