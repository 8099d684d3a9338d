package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// AnthropicProvider calls the Anthropic Messages API, grounded on
// internal/ai/providers/anthropic.go. Not required by spec.md (which
// specifies an OpenAI-compatible endpoint); it implements the same
// Provider interface as a pluggable alternative — see SPEC_FULL.md
// §4.6 and its supplemented-features list. The supervisor constructs
// only the OpenAI-compatible provider; nothing selects this one.
type AnthropicProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client

	mu          sync.RWMutex
	model       string
	temperature float64
	maxTokens   int
}

const (
	anthropicAPIVersion   = "2023-06-01"
	defaultAnthropicMaxTk = 4096
)

func NewAnthropicProvider(baseURL, apiKey, model string, temperature float64, maxTokens int) *AnthropicProvider {
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTk
	}
	transport := &http.Transport{
		DialContext: DialContext(&net.Dialer{Timeout: 10 * time.Second}),
	}
	return &AnthropicProvider{
		baseURL:     baseURL,
		apiKey:      apiKey,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		client:      &http.Client{Transport: transport},
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicResponse struct {
	Content []anthropicContentBlock `json:"content"`
}

type anthropicErrorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// SetModel implements Reconfigurable, letting a SIGHUP reload change
// LLM_MODEL/LLM_TEMPERATURE without rebuilding the provider.
func (p *AnthropicProvider) SetModel(model string, temperature float64) {
	p.mu.Lock()
	p.model = model
	p.temperature = temperature
	p.mu.Unlock()
}

// Complete implements Provider.
func (p *AnthropicProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	p.mu.RLock()
	model, temperature, maxTokens := p.model, p.temperature, p.maxTokens
	p.mu.RUnlock()

	reqBody := anthropicRequest{
		Model:       model,
		System:      systemPrompt,
		Messages:    []anthropicMessage{{Role: "user", Content: userPrompt}},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("planner: marshal anthropic request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("planner: build anthropic request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("planner: anthropic request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("planner: read anthropic response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb anthropicErrorBody
		_ = json.Unmarshal(data, &eb)
		return "", &statusError{code: resp.StatusCode, body: eb.Error.Message}
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("planner: parse anthropic response: %w", err)
	}
	if len(parsed.Content) == 0 {
		return "", fmt.Errorf("planner: empty content in anthropic response")
	}
	return parsed.Content[0].Text, nil
}
