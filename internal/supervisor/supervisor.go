// Package supervisor wires every pipeline component together and
// owns the process lifecycle: startup order, signal handling, and
// graceful shutdown. Grounded directly on cmd/pulse/main.go's
// runServer (dual signal channels, for{select} dispatch, bounded
// shutdown deadline via context.WithTimeout).
package supervisor

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labsin-uncuyo/defender-core/internal/alert"
	"github.com/labsin-uncuyo/defender-core/internal/alertstore"
	"github.com/labsin-uncuyo/defender-core/internal/config"
	"github.com/labsin-uncuyo/defender-core/internal/executor"
	"github.com/labsin-uncuyo/defender-core/internal/filter"
	"github.com/labsin-uncuyo/defender-core/internal/fingerprint"
	"github.com/labsin-uncuyo/defender-core/internal/ingest"
	"github.com/labsin-uncuyo/defender-core/internal/journal"
	"github.com/labsin-uncuyo/defender-core/internal/metrics"
	"github.com/labsin-uncuyo/defender-core/internal/plan"
	"github.com/labsin-uncuyo/defender-core/internal/planner"
	"github.com/labsin-uncuyo/defender-core/internal/sessionclient"
	"github.com/labsin-uncuyo/defender-core/internal/statestore"
	"github.com/rs/zerolog/log"
)

const shutdownDeadline = 30 * time.Second

// Supervisor owns every long-lived component and the HTTP listener.
type Supervisor struct {
	cfg       config.Config
	journal   *journal.Writer
	alerts    *alertstore.Store
	state     *statestore.Store
	filter    *filter.Filter
	provider  planner.Provider
	generator *planner.Generator
	executor  *executor.Executor
	server    *http.Server
}

// New builds every component per spec.md §2's dependency order:
// Journal, then Alert Store / State Store / Filter / Plan Generator /
// Executor, then the Ingest API on top.
func New(cfg config.Config) (*Supervisor, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}

	j, err := journal.New(cfg.DataDir+"/journal.ndjson", journal.WithMirrorToLog(true))
	if err != nil {
		return nil, err
	}

	alerts, err := alertstore.Open(cfg.DataDir + "/alerts.ndjson")
	if err != nil {
		j.Stop()
		return nil, err
	}

	state, err := statestore.Open(cfg.DataDir + "/state.json")
	if err != nil {
		j.Stop()
		return nil, err
	}

	filterCfg := filter.DefaultConfig()
	filterCfg.MinConfidence = cfg.FilterMinConfidence
	filterCfg.AcceptMediumThreat = cfg.FilterAcceptMediumThreat
	f := filter.New(filterCfg)

	provider := planner.NewOpenAIProvider(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMTemp, 0)
	generator := planner.New(provider, planner.Config{
		Model:       cfg.LLMModel,
		Temperature: cfg.LLMTemp,
		Timeout:     cfg.LLMTimeout,
	}, j, 4)

	exec := executor.New(executor.Config{
		MaxRetries:        cfg.MaxRetries,
		AttemptTimeout:    time.Duration(cfg.ExecTimeout) * time.Second,
		GlobalConcurrency: cfg.GlobalExec,
	}, j, func(hostIP string) *sessionclient.Client {
		return sessionclient.New("http://" + hostIP + ":7000")
	})

	s := &Supervisor{
		cfg:       cfg,
		journal:   j,
		alerts:    alerts,
		state:     state,
		filter:    f,
		provider:  provider,
		generator: generator,
		executor:  exec,
	}

	srv := ingest.New(ingest.Config{RunID: cfg.RunID, HealthDisk: cfg.DataDir}, alerts, s, j)
	s.server = &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Port),
		Handler: srv,
	}

	return s, nil
}

// Ingest implements ingest.Pipeline: the full alert -> filter -> dedup
// -> plan -> execute flow (spec.md §2's pipeline order), run in its
// own goroutine so the HTTP handler returns as soon as the alert is
// persisted and journaled.
func (s *Supervisor) Ingest(ctx context.Context, raw string) error {
	go s.process(raw)
	return nil
}

func (s *Supervisor) process(raw string) {
	a := alert.New(raw, s.cfg.RunID, time.Now())
	result := s.filter.Classify(a)
	metrics.AlertsFiltered.WithLabelValues(string(result.Decision)).Inc()

	if result.Decision != filter.Process {
		s.journal.Append(journal.Entry{TS: time.Now(), Level: journal.LevelAlert,
			Msg: "alert not processed: " + string(result.Decision)})
		return
	}

	fp := fingerprint.Compute(a.RawText, a.Facets, result.AttackClass)
	if s.state.SeenBefore(fp.Digest) {
		metrics.AlertsDeduped.Inc()
		s.journal.Append(journal.Entry{TS: time.Now(), Level: journal.LevelAlert,
			Msg: "duplicate fingerprint, skipping", Alert: fp.Prefix(8)})
		return
	}

	s.state.MarkSeen(fp.Digest)
	plans, err := s.GenerateFor(context.Background(), a, fp.Digest)
	if err != nil || len(plans) == 0 {
		return
	}

	s.executor.Execute(context.Background(), fp.Digest, plans)
}

// GenerateFor implements ingest.PlanOnly, letting the debug /plan
// endpoint call the Plan Generator directly.
func (s *Supervisor) GenerateFor(ctx context.Context, a alert.Alert, fp string) ([]plan.Plan, error) {
	return s.generator.GenerateFor(ctx, a, fp)
}

// Run starts the HTTP listener and blocks until a shutdown signal
// arrives, then shuts the HTTP server down within shutdownDeadline and
// stops the state store, alert store and journal. Alert processing
// already in flight (planning or execution) is neither waited for nor
// cancelled.
func (s *Supervisor) Run() int {
	go func() {
		log.Info().Str("addr", s.server.Addr).Msg("defender-core: listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("defender-core: HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	signal.Notify(reloadChan, syscall.SIGHUP)

	for {
		select {
		case <-reloadChan:
			log.Info().Msg("defender-core: received SIGHUP, reloading")
			s.reload()
		case <-sigChan:
			log.Info().Msg("defender-core: shutting down")
			return s.shutdown()
		}
	}
}

// reload re-reads the environment and applies only the fields
// spec.md §7 marks as hot-reloadable (execution retries/timeout/
// concurrency, LLM parameters); everything else requires a restart.
func (s *Supervisor) reload() {
	newCfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("defender-core: reload failed, keeping current configuration")
		return
	}
	r := newCfg.Reloadable()
	s.cfg.MaxRetries = r.MaxRetries
	s.cfg.ExecTimeout = r.ExecTimeout
	s.cfg.GlobalExec = r.GlobalExec
	s.cfg.LLMModel = r.LLMModel
	s.cfg.LLMTemp = r.LLMTemp
	s.cfg.LLMTimeout = r.LLMTimeout

	s.executor.SetConfig(executor.Config{
		MaxRetries:        r.MaxRetries,
		AttemptTimeout:    time.Duration(r.ExecTimeout) * time.Second,
		GlobalConcurrency: r.GlobalExec,
	})
	s.generator.SetConfig(planner.Config{
		Model:       r.LLMModel,
		Temperature: r.LLMTemp,
		Timeout:     r.LLMTimeout,
	})
	if reconfigurable, ok := s.provider.(planner.Reconfigurable); ok {
		reconfigurable.SetModel(r.LLMModel, r.LLMTemp)
	}

	log.Info().Msg("defender-core: configuration reloaded")
}

func (s *Supervisor) shutdown() int {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()

	exitCode := 0
	if err := s.server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("defender-core: HTTP shutdown error")
	}

	s.state.Stop()
	if err := s.alerts.Close(); err != nil {
		log.Error().Err(err).Msg("defender-core: alert store close error")
		exitCode = 2
	}
	s.journal.Stop()

	log.Info().Msg("defender-core: stopped")
	return exitCode
}
