package sessionclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labsin-uncuyo/defender-core/internal/journal"
	"github.com/labsin-uncuyo/defender-core/internal/plan"
	"github.com/rs/zerolog/log"
)

// Event is one line-delimited JSON event from the agent's SSE stream,
// per spec.md §6: an object with at least type and digest-relevant
// fields (tool, state, tokens, finish).
type Event struct {
	Type   string          `json:"type"`
	Tool   string          `json:"tool,omitempty"`
	State  string          `json:"state,omitempty"`
	Finish string          `json:"finish,omitempty"`
	Tokens *TokenUsage     `json:"tokens,omitempty"`
	Raw    json.RawMessage `json:"-"`
}

type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

const statusPollInterval = 5 * time.Second

// WaitForCompletion implements spec.md §4.7's contract: blocks until
// the agent reports idle/errored over the event stream or a status
// probe, or the timeout fires. Every event is journaled as a data
// payload under an EXEC entry; a digest of tool invocations and token
// usage is accumulated and returned.
//
// Grounded on internal/ai/opencode/client.go's PromptStream. The event
// stream is opened when this method is called, so events the agent
// emits before then (for example between Submit and this call) are not
// seen; a parallel status-probe ticker still detects an idle session in
// that case, or when the stream stalls. A timeout is returned as a
// *ClientError of kind ErrTimeout.
func (c *Client) WaitForCompletion(ctx context.Context, sessionID string, timeout time.Duration, j *journal.Writer, execPrefix string) (ExecutionResult, error) {
	streamCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	events, errs := c.subscribe(streamCtx, sessionID)

	digest := plan.Digest{}
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return ExecutionResult{Status: plan.StatusFailure, Digest: digest}, nil
			}
			j.Append(journal.Entry{
				Level: journal.LevelExec,
				Msg:   "session event",
				Exec:  execPrefix,
				Data:  ev,
			})
			applyEvent(&digest, ev)
			if isTerminalEvent(ev) {
				return ExecutionResult{Status: plan.StatusSuccess, Digest: digest}, nil
			}

		case err := <-errs:
			ce := classifyHTTPError(err)
			return ExecutionResult{Status: toStatus(ce.Kind), Digest: digest}, ce

		case <-ticker.C:
			busy, err := c.probeBusy(ctx, sessionID)
			if err == nil && !busy {
				return ExecutionResult{Status: plan.StatusSuccess, Digest: digest}, nil
			}

		case <-streamCtx.Done():
			c.Abort(context.Background(), sessionID)
			return ExecutionResult{Status: plan.StatusTimeout, Digest: digest}, &ClientError{Kind: ErrTimeout, Err: fmt.Errorf("sessionclient: %w", streamCtx.Err())}
		}
	}
}

func toStatus(k ErrKind) plan.Status {
	switch k {
	case ErrTimeout:
		return plan.StatusTimeout
	case ErrConnect:
		return plan.StatusConnectError
	default:
		return plan.StatusFailure
	}
}

func applyEvent(digest *plan.Digest, ev Event) {
	if ev.Tokens != nil {
		digest.TokensIn += ev.Tokens.Input
		digest.TokensOut += ev.Tokens.Output
	}
	if ev.Type == "tool" && ev.Tool != "" {
		digest.Tools = append(digest.Tools, plan.ToolInvocation{
			Name:   ev.Tool,
			Status: ev.State,
		})
	}
}

func isTerminalEvent(ev Event) bool {
	if ev.Type == "idle" || ev.Type == "session.idle" {
		return true
	}
	if ev.Type == "message" && ev.Finish == "stop" {
		return true
	}
	return false
}

// subscribe opens the agent's event stream and scans SSE lines,
// decoding "data: {...}" frames into Event values. Buffer sizes match
// internal/ai/opencode/client.go's enlarged scanner buffer, since
// agent event payloads (tool output) can be large.
func (c *Client) subscribe(ctx context.Context, sessionID string) (<-chan Event, <-chan error) {
	events := make(chan Event, 32)
	errs := make(chan error, 1)

	go func() {
		defer close(events)

		url := fmt.Sprintf("%s/session/%s/events", c.baseURL, sessionID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			errs <- err
			return
		}
		resp, err := c.client.Do(req)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		if ce := classifyStatus(resp.StatusCode); ce != nil {
			errs <- ce
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}
			var ev Event
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				log.Error().Err(err).Msg("sessionclient: malformed SSE event")
				continue
			}
			ev.Raw = json.RawMessage(payload)
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case errs <- err:
			default:
			}
		}
	}()

	return events, errs
}

// probeBusy implements spec.md §4.7's status-probe completion
// detection path: GET /session/status returns a map of
// session-id -> {type: "busy"|"idle", ...}.
func (c *Client) probeBusy(ctx context.Context, sessionID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/session/status", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, classifyHTTPError(err)
	}
	defer resp.Body.Close()

	if ce := classifyStatus(resp.StatusCode); ce != nil {
		return false, ce
	}

	var statuses map[string]struct {
		Type string `json:"type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		return false, err
	}
	s, ok := statuses[sessionID]
	if !ok {
		return false, nil
	}
	return s.Type == "busy", nil
}
