// Package sessionclient implements the Session Client described in
// spec.md §4.7: an HTTP/JSON + SSE client talking to a remote coder
// agent. Grounded directly on internal/ai/opencode/client.go (session
// lifecycle, SSE scanning, event dispatch, polling-fallback folded
// into the completion select).
package sessionclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/labsin-uncuyo/defender-core/internal/netutil"
	"github.com/labsin-uncuyo/defender-core/internal/plan"
)

// Client is a per-target-host Session Client.
type Client struct {
	baseURL string
	client  *http.Client
}

// New builds a Client for the coder agent at baseURL (e.g.
// http://10.0.0.5:7000). Dialing goes through the process-wide
// dnscache resolver shared with internal/planner's LLM transports.
func New(baseURL string) *Client {
	transport := &http.Transport{
		DialContext: netutil.DialContext(&net.Dialer{Timeout: 10 * time.Second}),
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Transport: transport},
	}
}

// ErrKind classifies a Session Client error per spec.md §4.7.
type ErrKind string

const (
	ErrConnect ErrKind = "connect_error"
	ErrFailure ErrKind = "failure"       // retryable (5xx)
	ErrClient  ErrKind = "failure_fatal" // not retryable (4xx)
	ErrTimeout ErrKind = "timeout"
)

// ClientError carries the classified error kind alongside the cause.
type ClientError struct {
	Kind ErrKind
	Err  error
}

func (e *ClientError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *ClientError) Unwrap() error { return e.Err }

func classifyHTTPError(err error) *ClientError {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if ok := asNetError(err, &netErr); ok && netErr.Timeout() {
		return &ClientError{Kind: ErrTimeout, Err: err}
	}
	return &ClientError{Kind: ErrConnect, Err: err}
}

func asNetError(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
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

// CreateSession implements spec.md §4.7's CreateSession() -> session_id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/session", bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", classifyHTTPError(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return "", err
	}

	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", &ClientError{Kind: ErrFailure, Err: err}
	}
	return body.ID, nil
}

func classifyStatus(code int) *ClientError {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code >= 400 && code < 500:
		return &ClientError{Kind: ErrClient, Err: fmt.Errorf("http %d", code)}
	default:
		return &ClientError{Kind: ErrFailure, Err: fmt.Errorf("http %d", code)}
	}
}

// Submit implements spec.md §4.7's Submit(session_id, plan_text).
func (c *Client) Submit(ctx context.Context, sessionID, planText string) error {
	body, err := json.Marshal(map[string]string{"text": planText})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/session/%s/message", c.baseURL, sessionID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyHTTPError(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return classifyStatus(resp.StatusCode)
}

// Abort implements spec.md §4.7's best-effort Abort(session_id).
func (c *Client) Abort(ctx context.Context, sessionID string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/session/%s/abort", c.baseURL, sessionID), nil)
	if err != nil {
		return
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}

// ExecutionResult is the outcome of WaitForCompletion.
type ExecutionResult struct {
	Status plan.Status
	Digest plan.Digest
}
