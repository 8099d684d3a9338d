package executor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labsin-uncuyo/defender-core/internal/journal"
	"github.com/labsin-uncuyo/defender-core/internal/plan"
	"github.com/labsin-uncuyo/defender-core/internal/sessionclient"
)

func newTestJournal(t *testing.T) *journal.Writer {
	t.Helper()
	j, err := journal.New(t.TempDir() + "/journal.ndjson")
	if err != nil {
		t.Fatalf("journal.New() error = %v", err)
	}
	t.Cleanup(j.Stop)
	return j
}

// fakeAgent serves a minimal coder-agent surface: create session,
// accept a message, and emit one tool event followed by an idle event
// over SSE.
func fakeAgent(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"sess-abc"}`)
	})
	mux.HandleFunc("POST /session/{id}/message", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /session/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"tool\",\"tool\":\"block_ip\",\"state\":\"done\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"idle\"}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	})
	mux.HandleFunc("POST /session/{id}/abort", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return httptest.NewServer(mux)
}

func TestExecute_SinglePlanSucceeds(t *testing.T) {
	srv := fakeAgent(t)
	defer srv.Close()

	x := New(Config{MaxRetries: 3, AttemptTimeout: 2 * time.Second, GlobalConcurrency: 4}, newTestJournal(t),
		func(hostIP string) *sessionclient.Client { return sessionclient.New(srv.URL) })

	plans := []plan.Plan{{ExecutorHostIP: "10.0.0.5", PlanText: "block source ip"}}
	results := x.Execute(context.Background(), "fp1", plans)
	if len(results) != 1 {
		t.Fatalf("Execute() returned %d results, want 1", len(results))
	}
	if results[0].Status != plan.StatusSuccess {
		t.Fatalf("Execute() status = %v, want success", results[0].Status)
	}
	if results[0].ToolInvocations != 1 {
		t.Fatalf("Execute() tool invocations = %d, want 1", results[0].ToolInvocations)
	}
}

func TestExecute_FansOutMultiplePlansInParallel(t *testing.T) {
	srv := fakeAgent(t)
	defer srv.Close()

	x := New(Config{MaxRetries: 1, AttemptTimeout: 2 * time.Second, GlobalConcurrency: 8}, newTestJournal(t),
		func(hostIP string) *sessionclient.Client { return sessionclient.New(srv.URL) })

	plans := []plan.Plan{
		{ExecutorHostIP: "10.0.0.5", PlanText: "block source ip"},
		{ExecutorHostIP: "10.0.0.6", PlanText: "rate limit"},
		{ExecutorHostIP: "10.0.0.7", PlanText: "isolate host"},
	}
	results := x.Execute(context.Background(), "fp2", plans)
	if len(results) != 3 {
		t.Fatalf("Execute() returned %d results, want 3", len(results))
	}
	for i, r := range results {
		if r.Status != plan.StatusSuccess {
			t.Errorf("result[%d].Status = %v, want success", i, r.Status)
		}
		if r.ExecutorHostIP != plans[i].ExecutorHostIP {
			t.Errorf("result[%d].ExecutorHostIP = %q, want %q", i, r.ExecutorHostIP, plans[i].ExecutorHostIP)
		}
	}
}

func TestExecute_GlobalConcurrencyCapSerializesAcrossAlerts(t *testing.T) {
	var inFlight int32
	var maxObserved int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"sess-abc"}`)
	})
	mux.HandleFunc("POST /session/{id}/message", func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			old := atomic.LoadInt32(&maxObserved)
			if cur <= old || atomic.CompareAndSwapInt32(&maxObserved, old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /session/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"idle\"}\n\n")
	})
	mux.HandleFunc("POST /session/{id}/abort", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	x := New(Config{MaxRetries: 1, AttemptTimeout: 2 * time.Second, GlobalConcurrency: 1}, newTestJournal(t),
		func(hostIP string) *sessionclient.Client { return sessionclient.New(srv.URL) })

	plans := []plan.Plan{
		{ExecutorHostIP: "10.0.0.5", PlanText: "block"},
		{ExecutorHostIP: "10.0.0.6", PlanText: "block"},
		{ExecutorHostIP: "10.0.0.7", PlanText: "block"},
	}
	var wg sync.WaitGroup
	for i, p := range plans {
		wg.Add(1)
		go func(i int, p plan.Plan) {
			defer wg.Done()
			x.Execute(context.Background(), fmt.Sprintf("fp-cap-%d", i), []plan.Plan{p})
		}(i, p)
	}
	wg.Wait()

	if atomic.LoadInt32(&maxObserved) > 1 {
		t.Fatalf("max observed in-flight submits = %d, want 1 (global concurrency cap of 1 not honoured)", maxObserved)
	}
}

func TestExecute_RetriesOnFailureThenSucceeds(t *testing.T) {
	var attempts int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"sess-abc"}`)
	})
	mux.HandleFunc("POST /session/{id}/message", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable) // first attempt: retryable failure
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /session/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"idle\"}\n\n")
	})
	mux.HandleFunc("POST /session/{id}/abort", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	original := attemptDelays
	attemptDelays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	defer func() { attemptDelays = original }()

	x := New(Config{MaxRetries: 3, AttemptTimeout: 2 * time.Second, GlobalConcurrency: 4}, newTestJournal(t),
		func(hostIP string) *sessionclient.Client { return sessionclient.New(srv.URL) })

	plans := []plan.Plan{{ExecutorHostIP: "10.0.0.5", PlanText: "block"}}
	results := x.Execute(context.Background(), "fp-retry", plans)
	if results[0].Status != plan.StatusSuccess {
		t.Fatalf("Execute() status = %v, want success after retry", results[0].Status)
	}
	if atomic.LoadInt32(&attempts) < 2 {
		t.Fatalf("attempts = %d, want >= 2 (must have retried)", attempts)
	}
}

// TestExecute_ExhaustedRetriesPreservesTimeoutStatus exercises the
// path where every attempt times out waiting for completion: the
// final Execution must surface plan.StatusTimeout (what sessionclient
// classified), not the generic failure fallback.
func TestExecute_ExhaustedRetriesPreservesTimeoutStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"sess-abc"}`)
	})
	mux.HandleFunc("POST /session/{id}/message", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /session/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		<-r.Context().Done() // never emits idle/finish-stop; attempt must time out
	})
	mux.HandleFunc("POST /session/{id}/abort", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	original := attemptDelays
	attemptDelays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	defer func() { attemptDelays = original }()

	x := New(Config{MaxRetries: 2, AttemptTimeout: 20 * time.Millisecond, GlobalConcurrency: 4}, newTestJournal(t),
		func(hostIP string) *sessionclient.Client { return sessionclient.New(srv.URL) })

	plans := []plan.Plan{{ExecutorHostIP: "10.0.0.5", PlanText: "block"}}
	results := x.Execute(context.Background(), "fp-timeout", plans)
	if results[0].Status != plan.StatusTimeout {
		t.Fatalf("Execute() status = %v, want timeout preserved after exhausted retries", results[0].Status)
	}
}

// TestSetConfig_AppliesToSubsequentRunsAndResizesSemaphore exercises
// the live-reload path: a SetConfig call after construction must
// change the global concurrency cap observed by the next Execute call
// (the semaphore is rebuilt at the new size).
func TestSetConfig_AppliesToSubsequentRunsAndResizesSemaphore(t *testing.T) {
	var maxObserved int32
	var inFlight int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"sess-abc"}`)
	})
	mux.HandleFunc("POST /session/{id}/message", func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			old := atomic.LoadInt32(&maxObserved)
			if cur <= old || atomic.CompareAndSwapInt32(&maxObserved, old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /session/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"idle\"}\n\n")
	})
	mux.HandleFunc("POST /session/{id}/abort", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	x := New(Config{MaxRetries: 1, AttemptTimeout: 2 * time.Second, GlobalConcurrency: 1}, newTestJournal(t),
		func(hostIP string) *sessionclient.Client { return sessionclient.New(srv.URL) })

	x.SetConfig(Config{MaxRetries: 2, AttemptTimeout: 2 * time.Second, GlobalConcurrency: 3})

	plans := []plan.Plan{
		{ExecutorHostIP: "10.0.0.5", PlanText: "block"},
		{ExecutorHostIP: "10.0.0.6", PlanText: "block"},
		{ExecutorHostIP: "10.0.0.7", PlanText: "block"},
	}
	x.Execute(context.Background(), "fp-reload", plans)

	if atomic.LoadInt32(&maxObserved) < 2 {
		t.Fatalf("max observed in-flight submits = %d, want >= 2 after raising the cap via SetConfig", maxObserved)
	}
}
