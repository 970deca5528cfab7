// Package gemini implements the text-generation port against the Gemini
// generateContent HTTP API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"log/slog"

	"github.com/fairyhunter13/ai-medical-chat/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/ai-medical-chat/internal/adapter/observability"
	"github.com/fairyhunter13/ai-medical-chat/internal/domain"
)

// Client calls the Gemini generateContent endpoint. The credential is taken
// from each request, not the client, so the caller can rotate keys per call.
type Client struct {
	baseURL string
	hc      *http.Client
	counter *tokencount.Counter
}

// New constructs a Gemini client against baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: 60 * time.Second},
		counter: tokencount.NewCounter(),
	}
}

type generateContentRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	ThinkingConfig *thinkingConfig `json:"thinkingConfig,omitempty"`
}

type thinkingConfig struct {
	ThinkingBudget int `json:"thinkingBudget"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// Generate performs one generateContent call. Provider error bodies are
// returned verbatim inside the error text so callers can classify them by
// status markers like 429 or RESOURCE_EXHAUSTED. An empty candidate text is
// returned as ("", nil); the caller decides how to degrade.
func (c *Client) Generate(ctx context.Context, req domain.GenerateRequest) (string, error) {
	body := generateContentRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: req.Prompt}}}},
	}
	if req.FastMode {
		// Zero thinking budget trades answer depth for latency.
		body.GenerationConfig = &generationConfig{ThinkingConfig: &thinkingConfig{ThinkingBudget: 0}}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("op=gemini.Generate: marshal: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("op=gemini.Generate: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", req.Credential)

	start := time.Now()
	resp, err := c.hc.Do(httpReq)
	if err != nil {
		observability.LLMRequestsTotal.WithLabelValues("gemini", "network_error").Inc()
		return "", fmt.Errorf("op=gemini.Generate: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	observability.LLMRequestDuration.WithLabelValues("gemini").Observe(time.Since(start).Seconds())

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("op=gemini.Generate: read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		observability.LLMRequestsTotal.WithLabelValues("gemini", "upstream_error").Inc()
		// Status code and raw body stay in the error text for classification.
		return "", fmt.Errorf("op=gemini.Generate: status %d: %s", resp.StatusCode, string(raw))
	}

	var out generateContentResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		observability.LLMRequestsTotal.WithLabelValues("gemini", "decode_error").Inc()
		return "", fmt.Errorf("op=gemini.Generate: decode: %w", err)
	}

	text := ""
	if len(out.Candidates) > 0 && len(out.Candidates[0].Content.Parts) > 0 {
		text = out.Candidates[0].Content.Parts[0].Text
	}
	if text == "" {
		// Soft failure: the model answered with no text (safety block or
		// empty candidate). Callers substitute a fallback message.
		observability.LLMRequestsTotal.WithLabelValues("gemini", "empty").Inc()
		slog.Warn("gemini returned empty text", slog.String("model", req.Model))
		return "", nil
	}

	observability.LLMRequestsTotal.WithLabelValues("gemini", "ok").Inc()
	usage := c.counter.CalculateUsage(req.Prompt, text, req.Model)
	slog.Debug("gemini generate ok",
		slog.String("model", req.Model),
		slog.Int("prompt_tokens", usage.PromptTokens),
		slog.Int("completion_tokens", usage.CompletionTokens))
	return text, nil
}
