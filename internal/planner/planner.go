// Package planner implements the Plan Generator (spec.md §4.6): a
// synchronous call to an LLM endpoint that turns one alert into zero
// or more remediation plans.
package planner

import (
	"context"
	"net"
	"time"

	"github.com/labsin-uncuyo/defender-core/internal/netutil"
	"github.com/labsin-uncuyo/defender-core/internal/plan"
)

// RawPlan is one element of the LLM's JSON array response, before
// validation, per spec.md §4.6.
type RawPlan struct {
	ExecutorHostIP string `json:"executor_host_ip"`
	Plan           string `json:"plan"`
}

// Provider is the interface both the OpenAI-compatible and the
// Anthropic-compatible clients implement, so the Generator can be
// wired to either without knowing which.
type Provider interface {
	// Complete sends systemPrompt + userPrompt to the LLM and returns
	// the raw assistant text (which Generator then parses as a JSON
	// array per spec.md §4.6).
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Reconfigurable is implemented by providers that support live
// LLM_MODEL/LLM_TEMPERATURE changes on SIGHUP reload. Both
// OpenAIProvider and AnthropicProvider implement it; callers type-
// assert since it's not part of the core Provider contract.
type Reconfigurable interface {
	SetModel(model string, temperature float64)
}

// Config holds the LLM call parameters from spec.md §6's environment
// variables.
type Config struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     int // seconds, hard ceiling enforced regardless of this value
}

const hardTimeoutSeconds = 60

// EffectiveTimeoutSeconds clamps cfg.Timeout to the spec's hard
// ceiling.
func (c Config) EffectiveTimeoutSeconds() int {
	if c.Timeout <= 0 || c.Timeout > hardTimeoutSeconds {
		return hardTimeoutSeconds
	}
	return c.Timeout
}

// DialContext is the shared dnscache-backed dialer from internal/netutil,
// reused here so both LLM providers and (via internal/sessionclient) the
// per-host coder-agent clients share one resolver cache.
var DialContext = netutil.DialContext

// systemDirective is the short system prompt prefix. Prompt content
// is not part of the spec; only the shape of the contract is —
// spec.md §4.6.
const systemDirective = "You are a security remediation planner. Given an intrusion detection alert, respond with a JSON array of objects, each with executor_host_ip and plan fields. Respond with only the JSON array."

// validRawPlan checks a RawPlan against spec.md §4.6's validation
// rules: executor_host_ip must be a syntactically valid IPv4; plan
// must be non-empty.
func validRawPlan(p RawPlan) bool {
	if p.Plan == "" {
		return false
	}
	ip := net.ParseIP(p.ExecutorHostIP)
	return ip != nil && ip.To4() != nil
}

// ValidatedPlans filters raw to only well-formed entries, converting
// to the domain Plan type. Invalid entries are dropped and counted
// via the returned int, not fatal (spec.md §4.6).
func ValidatedPlans(raw []RawPlan, fingerprint, model string, createdAt time.Time) ([]plan.Plan, int) {
	var out []plan.Plan
	dropped := 0
	for _, r := range raw {
		if !validRawPlan(r) {
			dropped++
			continue
		}
		out = append(out, plan.Plan{
			Fingerprint:    fingerprint,
			ExecutorHostIP: r.ExecutorHostIP,
			PlanText:       r.Plan,
			Model:          model,
			CreatedAt:      createdAt,
		})
	}
	return out, dropped
}
