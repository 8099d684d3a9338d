// Package ingest implements the Alert Ingestion Service and its
// companion HTTP surfaces (spec.md §4.1, §6): POST /alerts, GET
// /health, POST /plan, and the operational /metrics + live-tail
// endpoints. Router style grounded on the teacher's plain
// net/http.ServeMux usage (the teacher never pulls in chi/gorilla-mux
// for routing).
package ingest

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/labsin-uncuyo/defender-core/internal/alert"
	"github.com/labsin-uncuyo/defender-core/internal/alertstore"
	"github.com/labsin-uncuyo/defender-core/internal/fingerprint"
	"github.com/labsin-uncuyo/defender-core/internal/journal"
	"github.com/labsin-uncuyo/defender-core/internal/metrics"
	"github.com/labsin-uncuyo/defender-core/internal/plan"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/disk"
)

// maxBodyBytes bounds request bodies per spec.md §6 ("requests over
// 64 KiB are rejected with 413").
const maxBodyBytes = 64 * 1024

// Pipeline is the set of downstream collaborators one ingested alert
// flows through, injected so the HTTP layer stays a thin adapter.
type Pipeline interface {
	// Ingest runs one raw alert line through filter/dedup/plan/execute
	// and returns an error if the pipeline rejects it.
	Ingest(ctx context.Context, raw string) error
}

// PlanOnly is the narrower interface the debug /plan endpoint needs:
// direct access to plan generation without dedup or execution.
type PlanOnly interface {
	GenerateFor(ctx context.Context, a alert.Alert, fingerprint string) ([]plan.Plan, error)
}

// Server wires the ingest HTTP surface to the rest of the pipeline.
type Server struct {
	mux          *http.ServeMux
	store        *alertstore.Store
	pipeline     Pipeline
	j            *journal.Writer
	runID        string
	planAllowIPs []string // go-wildcard patterns; empty means unrestricted
	healthDisk   string   // path checked by /health's disk-space probe
}

// Config configures the ingest Server.
type Config struct {
	RunID        string
	PlanAllowIPs []string
	HealthDisk   string // defaults to "/" if empty
}

func New(cfg Config, store *alertstore.Store, pipeline Pipeline, j *journal.Writer) *Server {
	if cfg.HealthDisk == "" {
		cfg.HealthDisk = "/"
	}
	s := &Server{
		mux:          http.NewServeMux(),
		store:        store,
		pipeline:     pipeline,
		j:            j,
		runID:        cfg.RunID,
		planAllowIPs: cfg.PlanAllowIPs,
		healthDisk:   cfg.HealthDisk,
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /alerts", s.handleAlert)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /plan", s.handlePlan)
	s.mux.Handle("/metrics", metrics.Handler())
}

type alertRequest struct {
	Raw   string `json:"raw"`
	RunID string `json:"run_id,omitempty"`
}

type alertResponse struct {
	Accepted bool `json:"accepted"`
	Offset   int  `json:"offset"`
}

// handleAlert implements spec.md §4.1/§6's POST /alerts: accepts one
// raw alert, persists it to the Alert Store, then hands it to the
// pipeline. Persist failures return 503 (the caller should retry);
// malformed bodies return 400.
func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req alertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if isBodyTooLarge(err) {
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.Raw == "" {
		http.Error(w, "raw field required", http.StatusBadRequest)
		return
	}

	runID := s.runID
	if req.RunID != "" {
		runID = req.RunID
	}

	metrics.AlertsIngested.Inc()

	offset, err := s.store.Persist(alertstore.Envelope{Raw: req.Raw, RunID: runID, TS: time.Now()})
	if err != nil {
		log.Error().Err(err).Msg("ingest: failed to persist alert")
		http.Error(w, "failed to persist alert", http.StatusServiceUnavailable)
		return
	}

	fp := fingerprint.Compute(req.Raw, alert.Parse(req.Raw), "")
	s.j.Append(journal.Entry{
		TS: time.Now(), Level: journal.LevelAlert, Msg: "alert received",
		Alert: fp.Prefix(8), Data: map[string]interface{}{"offset": offset},
	})

	if err := s.pipeline.Ingest(r.Context(), req.Raw); err != nil {
		log.Error().Err(err).Msg("ingest: pipeline rejected alert")
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(alertResponse{Accepted: true, Offset: offset})
}

func isBodyTooLarge(err error) bool {
	return err != nil && err.Error() == "http: request body too large"
}

type healthResponse struct {
	Status        string `json:"status"`
	RunID         string `json:"run_id"`
	JournalDrops  uint64 `json:"journal_drops"`
	DiskFreeBytes uint64 `json:"disk_free_bytes,omitempty"`
	AlertCount    int    `json:"alert_count"`
}

// handleHealth implements spec.md §4.1/§6's GET /health. Disk-space
// probe grounded on shirou/gopsutil/v4's usage in the teacher's
// monitoring packages.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:       "ok",
		RunID:        s.runID,
		JournalDrops: s.j.Dropped(),
		AlertCount:   s.store.Len(),
	}
	if usage, err := disk.UsageWithContext(r.Context(), s.healthDisk); err == nil {
		resp.DiskFreeBytes = usage.Free
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

type planRequest struct {
	Raw string `json:"raw"`
}

type planResponse struct {
	Plans []plan.Plan `json:"plans"`
}

// handlePlan implements the debug /plan endpoint (spec.md §6): a thin
// adapter over the Plan Generator, bypassing dedup/execution, for
// operators to preview what the LLM would produce. Restricted to an
// optional caller allowlist via IGLOU-EU/go-wildcard's pattern match.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	if len(s.planAllowIPs) > 0 && !s.callerAllowed(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req planRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	planner, ok := s.pipeline.(PlanOnly)
	if !ok {
		http.Error(w, "plan preview not available", http.StatusNotImplemented)
		return
	}

	a := alert.New(req.Raw, s.runID, time.Now())
	fp := fingerprint.Compute(req.Raw, a.Facets, "")

	plans, err := planner.GenerateFor(r.Context(), a, fp.Digest)
	if err != nil {
		http.Error(w, "plan generation failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(planResponse{Plans: plans})
}

func (s *Server) callerAllowed(r *http.Request) bool {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	for _, pattern := range s.planAllowIPs {
		if wildcard.Match(pattern, host) {
			return true
		}
	}
	return false
}
