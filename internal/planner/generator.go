package planner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/labsin-uncuyo/defender-core/internal/alert"
	"github.com/labsin-uncuyo/defender-core/internal/journal"
	"github.com/labsin-uncuyo/defender-core/internal/metrics"
	"github.com/labsin-uncuyo/defender-core/internal/plan"
	"github.com/labsin-uncuyo/defender-core/internal/retry"
)

// retryDelays implements spec.md §4.6's "retry with exponential
// backoff up to 3 attempts (1 s, 4 s, 16 s)".
var retryDelays = []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second}

// Generator is the Plan Generator component (spec.md §4.6).
type Generator struct {
	provider Provider
	mu       sync.RWMutex
	cfg      Config
	j        *journal.Writer
	sem      chan struct{} // bounds in-flight Generate calls across alerts
}

// New builds a Generator. concurrencyCap bounds in-flight LLM calls
// across alerts (default 4, per spec.md §5).
func New(provider Provider, cfg Config, j *journal.Writer, concurrencyCap int) *Generator {
	if concurrencyCap <= 0 {
		concurrencyCap = 4
	}
	return &Generator{
		provider: provider,
		cfg:      cfg,
		j:        j,
		sem:      make(chan struct{}, concurrencyCap),
	}
}

// SetConfig swaps in a reloaded Config, taking effect for every
// GenerateFor call started after this returns. Safe for concurrent
// use; lets a SIGHUP reload change LLM_MODEL/LLM_TEMPERATURE/
// LLM_TIMEOUT_SECS without restarting in-flight generation.
func (g *Generator) SetConfig(cfg Config) {
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
}

func (g *Generator) config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// GenerateFor implements the Plan Generator contract: synchronous,
// typically 0.1-10s, hard ceiling from cfg.EffectiveTimeoutSeconds.
func (g *Generator) GenerateFor(ctx context.Context, a alert.Alert, fingerprint string) ([]plan.Plan, error) {
	select {
	case g.sem <- struct{}{}:
		defer func() { <-g.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	cfg := g.config()
	timeout := time.Duration(cfg.EffectiveTimeoutSeconds()) * time.Second
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body string
	policy := retry.Policy{
		MaxAttempts: 3,
		Delays:      retryDelays,
		IsRetryable: retry.IsRetryableHTTPLike,
	}

	err := retry.Do(callCtx, policy, func(attemptCtx context.Context, attempt int) error {
		var callErr error
		body, callErr = g.provider.Complete(attemptCtx, systemDirective, a.RawText)
		return callErr
	})
	if err != nil {
		g.j.Append(journal.Entry{
			Level: journal.LevelError,
			Msg:   "planner_transient: LLM call failed after retries",
			Alert: fingerprint,
			Data:  map[string]string{"error": err.Error()},
		})
		return nil, fmt.Errorf("planner: generate for %s: %w", fingerprint, err)
	}

	raw, extractErr := ExtractJSONArray(body)
	if extractErr != nil {
		g.j.Append(journal.Entry{
			Level: journal.LevelError,
			Msg:   "planner_malformed: LLM response was not a well-formed JSON array",
			Alert: fingerprint,
		})
		return nil, nil // empty, not fatal; caller marks seen per spec.md §4.6
	}

	plans, dropped := ValidatedPlans(raw, fingerprint, cfg.Model, time.Now())
	if dropped > 0 {
		metrics.PlansDropped.Add(float64(dropped))
		g.j.Append(journal.Entry{
			Level: journal.LevelPlan,
			Msg:   "planner: dropped invalid plan entries",
			Alert: fingerprint,
			Data:  map[string]int{"dropped": dropped},
		})
	}

	if len(plans) == 0 {
		g.j.Append(journal.Entry{
			Level: journal.LevelError,
			Msg:   "planner: no valid plans after validation",
			Alert: fingerprint,
		})
		return nil, nil
	}

	metrics.PlansGenerated.Add(float64(len(plans)))
	g.j.Append(journal.Entry{
		Level: journal.LevelPlan,
		Msg:   fmt.Sprintf("planner: generated %d plan(s)", len(plans)),
		Alert: fingerprint,
	})
	return plans, nil
}
