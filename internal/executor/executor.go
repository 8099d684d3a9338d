// Package executor implements the Parallel Remediation Executor
// (spec.md §4.8): per-plan retry/timeout/parallelism orchestration
// against the Session Client. Grounded on
// internal/ai/remediation/engine.go's attempt loop and
// internal/agentexec/server.go's request/response timeout shape.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labsin-uncuyo/defender-core/internal/journal"
	"github.com/labsin-uncuyo/defender-core/internal/metrics"
	"github.com/labsin-uncuyo/defender-core/internal/plan"
	"github.com/labsin-uncuyo/defender-core/internal/retry"
	"github.com/labsin-uncuyo/defender-core/internal/sessionclient"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
)

// Config holds the executor's tunables, per spec.md §6's env vars.
type Config struct {
	MaxRetries        int           // MAX_EXECUTION_RETRIES, default 3
	AttemptTimeout    time.Duration // EXEC_TIMEOUT_SECS, default 600s
	GlobalConcurrency int           // GLOBAL_EXEC_CONCURRENCY, default 8
}

func DefaultConfig() Config {
	return Config{MaxRetries: 3, AttemptTimeout: 600 * time.Second, GlobalConcurrency: 8}
}

// attemptDelays implements spec.md §4.8's "exponential backoff (10s,
// 20s, 30s)".
var attemptDelays = []time.Duration{10 * time.Second, 20 * time.Second, 30 * time.Second}

// ClientFactory returns a Session Client for a target host IP.
type ClientFactory func(hostIP string) *sessionclient.Client

// Executor runs plans for one alert's fan-out, bounded by a global
// concurrency cap shared across every alert in the process.
type Executor struct {
	mu      sync.RWMutex
	cfg     Config
	j       *journal.Writer
	clients ClientFactory
	global  chan struct{} // process-wide concurrency semaphore
}

func New(cfg Config, j *journal.Writer, clients ClientFactory) *Executor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 600 * time.Second
	}
	if cfg.GlobalConcurrency <= 0 {
		cfg.GlobalConcurrency = 8
	}
	return &Executor{
		cfg:     cfg,
		j:       j,
		clients: clients,
		global:  make(chan struct{}, cfg.GlobalConcurrency),
	}
}

// SetConfig swaps in a reloaded Config, taking effect for every
// runPlan call started after this returns. MaxRetries and
// AttemptTimeout apply immediately; a changed GlobalConcurrency
// rebuilds the semaphore channel so new acquisitions honour the new
// cap (permits already held against the old channel drain against it
// harmlessly, since only the capacity of a fresh channel matters to
// new callers).
func (x *Executor) SetConfig(cfg Config) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 600 * time.Second
	}
	if cfg.GlobalConcurrency <= 0 {
		cfg.GlobalConcurrency = 8
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if cfg.GlobalConcurrency != x.cfg.GlobalConcurrency {
		x.global = make(chan struct{}, cfg.GlobalConcurrency)
	}
	x.cfg = cfg
}

func (x *Executor) snapshot() (Config, chan struct{}) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.cfg, x.global
}

// Execute implements spec.md §4.8's Execute(alert, plans) -> list<ExecutionResult>.
// Plans within one alert run in parallel (bounded by the global cap);
// a supervisor-level ctx cancellation propagates to every in-flight
// task.
func (x *Executor) Execute(ctx context.Context, fingerprint string, plans []plan.Plan) []plan.Execution {
	results := make([]plan.Execution, len(plans))
	g, gctx := errgroup.WithContext(ctx)

	for i, p := range plans {
		i, p := i, p
		g.Go(func() error {
			results[i] = x.runPlan(gctx, fingerprint, p)
			return nil // individual plan failures never fail the group (spec.md §7)
		})
	}
	_ = g.Wait()
	return results
}

func executionID(fingerprint, hostIP string) string {
	id := ulid.Make()
	sum := sha256.Sum256([]byte(fingerprint + "|" + hostIP + "|" + id.String()))
	return hex.EncodeToString(sum[:])[:8]
}

// runPlan executes one plan with up to cfg.MaxRetries attempts,
// fresh session per attempt, honouring the global concurrency cap.
func (x *Executor) runPlan(ctx context.Context, fingerprint string, p plan.Plan) plan.Execution {
	cfg, global := x.snapshot()

	select {
	case global <- struct{}{}:
		defer func() { <-global }()
	case <-ctx.Done():
		return plan.Execution{
			Fingerprint: fingerprint, ExecutorHostIP: p.ExecutorHostIP,
			Status: plan.StatusFailure, FinishedAt: time.Now(),
		}
	}

	execID := executionID(fingerprint, p.ExecutorHostIP)
	client := x.clients(p.ExecutorHostIP)

	exec := plan.Execution{
		ExecutionID:    execID,
		Fingerprint:    fingerprint,
		ExecutorHostIP: p.ExecutorHostIP,
		StartedAt:      time.Now(),
	}

	policy := retry.Policy{
		MaxAttempts: cfg.MaxRetries,
		Delays:      attemptDelays,
		IsRetryable: isRetryableExecError,
	}

	err := retry.Do(ctx, policy, func(attemptCtx context.Context, attempt int) error {
		exec.Attempt = attempt
		x.j.Append(journal.Entry{
			Level: journal.LevelSSH,
			Msg:   fmt.Sprintf("starting attempt %d against %s", attempt, p.ExecutorHostIP),
			Alert: fingerprint,
			Exec:  execID,
			Data:  map[string]interface{}{"target": p.ExecutorHostIP, "attempt": attempt, "timeout_s": cfg.AttemptTimeout.Seconds()},
		})

		sessionID, cerr := client.CreateSession(attemptCtx)
		if cerr != nil {
			return cerr
		}
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		exec.SessionID = sessionID

		if serr := client.Submit(attemptCtx, sessionID, p.PlanText); serr != nil {
			return serr
		}

		result, werr := client.WaitForCompletion(attemptCtx, sessionID, cfg.AttemptTimeout, x.j, execID)
		exec.Status = result.Status
		exec.Digest = result.Digest
		exec.TokensIn = result.Digest.TokensIn
		exec.TokensOut = result.Digest.TokensOut
		exec.ToolInvocations = len(result.Digest.Tools)

		if werr != nil {
			return werr
		}
		if result.Status == plan.StatusSuccess {
			return nil
		}
		return fmt.Errorf("execution ended in status %s", result.Status)
	})

	exec.FinishedAt = time.Now()
	if err != nil && exec.Status == "" {
		exec.Status = plan.StatusFailure
	}

	metrics.ExecutionsByStatus.WithLabelValues(string(exec.Status)).Inc()
	metrics.ExecutionDuration.Observe(exec.FinishedAt.Sub(exec.StartedAt).Seconds())

	x.j.Append(journal.Entry{
		Level: journal.LevelDone,
		Msg:   fmt.Sprintf("execution finished: %s", exec.Status),
		Alert: fingerprint,
		Exec:  execID,
		Data: map[string]interface{}{
			"status":           exec.Status,
			"attempts_used":    exec.Attempt,
			"duration_ms":      exec.FinishedAt.Sub(exec.StartedAt).Milliseconds(),
			"tool_invocations": exec.ToolInvocations,
			"tokens_in":        exec.TokensIn,
			"tokens_out":       exec.TokensOut,
		},
	})
	return exec
}

func isRetryableExecError(err error) bool {
	var ce *sessionclient.ClientError
	if as(err, &ce) {
		return ce.Kind == sessionclient.ErrConnect || ce.Kind == sessionclient.ErrFailure || ce.Kind == sessionclient.ErrTimeout
	}
	return retry.IsRetryableHTTPLike(err)
}

func as(err error, target **sessionclient.ClientError) bool {
	for err != nil {
		if ce, ok := err.(*sessionclient.ClientError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
