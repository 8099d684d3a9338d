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

// OpenAIProvider calls the OpenAI-compatible chat-completions
// endpoint, grounded directly on internal/ai/providers/openai.go's
// Chat method: request/response shapes and base-URL normalisation.
type OpenAIProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client

	mu          sync.RWMutex
	model       string
	temperature float64
	maxTokens   int
}

// NewOpenAIProvider builds a provider for {llm_base_url}/chat/completions
// per spec.md §6.
func NewOpenAIProvider(baseURL, apiKey, model string, temperature float64, maxTokens int) *OpenAIProvider {
	transport := &http.Transport{
		DialContext: DialContext(&net.Dialer{Timeout: 10 * time.Second}),
	}
	return &OpenAIProvider{
		baseURL:     normalizeBaseURL(baseURL),
		apiKey:      apiKey,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		client:      &http.Client{Transport: transport},
	}
}

func normalizeBaseURL(base string) string {
	switch {
	case len(base) >= len("/chat/completions") && base[len(base)-len("/chat/completions"):] == "/chat/completions":
		return base
	default:
		return base + "/chat/completions"
	}
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openaiChoice struct {
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiResponse struct {
	Choices []openaiChoice `json:"choices"`
}

type openaiErrorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// statusError lets retry.IsRetryableHTTPLike inspect the HTTP status.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("llm endpoint returned status %d: %s", e.code, e.body)
}

func (e *statusError) StatusCode() int { return e.code }

// SetModel implements Reconfigurable, letting a SIGHUP reload change
// LLM_MODEL/LLM_TEMPERATURE without rebuilding the provider (and
// losing its dialer/connection pool).
func (p *OpenAIProvider) SetModel(model string, temperature float64) {
	p.mu.Lock()
	p.model = model
	p.temperature = temperature
	p.mu.Unlock()
}

// Complete implements Provider.
func (p *OpenAIProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	p.mu.RLock()
	model, temperature, maxTokens := p.model, p.temperature, p.maxTokens
	p.mu.RUnlock()

	reqBody := openaiRequest{
		Model: model,
		Messages: []openaiMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("planner: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("planner: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("planner: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("planner: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb openaiErrorBody
		_ = json.Unmarshal(data, &eb)
		return "", &statusError{code: resp.StatusCode, body: eb.Error.Message}
	}

	var parsed openaiResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("planner: parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("planner: empty choices in response")
	}
	return parsed.Choices[0].Message.Content, nil
}
