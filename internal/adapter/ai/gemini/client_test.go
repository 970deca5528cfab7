package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-medical-chat/internal/domain"
)

func genReq(prompt string) domain.GenerateRequest {
	return domain.GenerateRequest{Model: "gemini-2.5-flash", Credential: "test-key", Prompt: prompt}
}

func TestGenerateSuccess(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-2.5-flash:generateContent", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))

		var body generateContentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Contents, 1)
		assert.Equal(t, "hello", body.Contents[0].Parts[0].Text)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"role": "model", "parts": []map[string]any{{"text": "hi there"}}}},
			},
		})
	}))
	defer ts.Close()

	c := New(ts.URL)
	text, err := c.Generate(context.Background(), genReq("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hi there", text)
}

func TestGenerateFastModeSetsThinkingBudget(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body generateContentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.NotNil(t, body.GenerationConfig)
		require.NotNil(t, body.GenerationConfig.ThinkingConfig)
		assert.Equal(t, 0, body.GenerationConfig.ThinkingConfig.ThinkingBudget)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]any{{"text": "fast"}}}},
			},
		})
	}))
	defer ts.Close()

	c := New(ts.URL)
	req := genReq("hello")
	req.FastMode = true
	text, err := c.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "fast", text)
}

func TestGenerateErrorCarriesStatusAndBody(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"status":"RESOURCE_EXHAUSTED","details":[{"retryDelay":"21s"}]}}`))
	}))
	defer ts.Close()

	c := New(ts.URL)
	_, err := c.Generate(context.Background(), genReq("hello"))
	require.Error(t, err)
	// The raw body must survive so callers can classify and scrape the
	// retry delay out of it.
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "RESOURCE_EXHAUSTED")
	assert.Contains(t, err.Error(), `"retryDelay":"21s"`)
}

func TestGenerateEmptyCandidatesIsSoftFailure(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"candidates": []map[string]any{}})
	}))
	defer ts.Close()

	c := New(ts.URL)
	text, err := c.Generate(context.Background(), genReq("hello"))
	require.NoError(t, err)
	assert.Empty(t, text)
}
