// Package qdrant provides a minimal Qdrant HTTP client used by the app.
//
// Each search partition maps to one Qdrant collection. Text queries use
// server-side inference (Document objects), so this client never handles
// raw vectors for queries.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/fairyhunter13/ai-medical-chat/internal/adapter/observability"
	"github.com/fairyhunter13/ai-medical-chat/internal/domain"
)

// Client is a minimal Qdrant HTTP client used by the app.
type Client struct {
	baseURL    string
	apiKey     string
	embedModel string
	httpClient *http.Client
}

// New constructs a Qdrant client with baseURL and optional apiKey.
// embedModel names the server-side inference model used for Document queries.
func New(baseURL, apiKey, embedModel string) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		embedModel: embedModel,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// EnsureCollection creates the collection if it does not exist.
func (c *Client) EnsureCollection(ctx context.Context, name string, vectorSize int, distance string) error {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/collections/%s", c.baseURL, name), nil)
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("op=qdrant.EnsureCollection: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	payload := map[string]any{
		"vectors": map[string]any{"size": vectorSize, "distance": distance},
	}
	b, _ := json.Marshal(payload)
	req, _ = http.NewRequestWithContext(ctx, http.MethodPut, fmt.Sprintf("%s/collections/%s", c.baseURL, name), bytes.NewReader(b))
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err = c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("op=qdrant.EnsureCollection: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("op=qdrant.EnsureCollection: create status %d", resp.StatusCode)
	}
	return nil
}

type queryRequest struct {
	Query       map[string]any `json:"query"`
	Limit       int            `json:"limit"`
	WithPayload bool           `json:"with_payload"`
	Filter      map[string]any `json:"filter,omitempty"`
}

type queryResponse struct {
	Result struct {
		Points []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"points"`
	} `json:"result"`
}

// Search runs a text similarity query against one partition. Short network
// blips are retried with exponential backoff; HTTP error statuses are not.
func (c *Client) Search(ctx context.Context, q domain.SearchQuery) ([]domain.SearchHit, error) {
	body := queryRequest{
		Query: map[string]any{
			"document": map[string]any{"text": q.Query, "model": c.embedModel},
		},
		Limit:       q.TopK,
		WithPayload: true,
	}
	if len(q.Filter) > 0 {
		must := make([]map[string]any, 0, len(q.Filter))
		for k, v := range q.Filter {
			must = append(must, map[string]any{
				"key":   k,
				"match": map[string]any{"value": v},
			})
		}
		body.Filter = map[string]any{"must": must}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("op=qdrant.Search: marshal: %w", err)
	}

	url := fmt.Sprintf("%s/collections/%s/points/query", c.baseURL, q.Partition)

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 200 * time.Millisecond
	expo.MaxElapsedTime = 5 * time.Second

	var out queryResponse
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if err != nil {
			return backoff.Permanent(err)
		}
		c.setHeaders(req)
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("status %d", resp.StatusCode))
		}
		out = queryResponse{}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		observability.RetrievalQueriesTotal.WithLabelValues("search", "error").Inc()
		return nil, fmt.Errorf("op=qdrant.Search: partition=%s: %w", q.Partition, err)
	}

	observability.RetrievalQueriesTotal.WithLabelValues("search", "ok").Inc()
	hits := make([]domain.SearchHit, 0, len(out.Result.Points))
	for _, p := range out.Result.Points {
		hits = append(hits, domain.SearchHit{
			ID:      fmt.Sprint(p.ID),
			Score:   p.Score,
			Payload: p.Payload,
		})
	}
	return hits, nil
}

// SaveMemory upserts one memory item for a user into the memory collection.
func (c *Client) SaveMemory(ctx context.Context, collection, userID, text string) error {
	point := map[string]any{
		"id":     uuid.NewString(),
		"vector": map[string]any{"document": map[string]any{"text": text, "model": c.embedModel}},
		"payload": map[string]any{
			"user_id":    userID,
			"text":       text,
			"created_at": time.Now().UTC().Format(time.RFC3339),
		},
	}
	body := map[string]any{"points": []map[string]any{point}}
	b, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, fmt.Sprintf("%s/collections/%s/points", c.baseURL, collection), bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("op=qdrant.SaveMemory: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("op=qdrant.SaveMemory: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("op=qdrant.SaveMemory: upsert status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}
}

// MemoryStore adapts Client to the domain.MemoryStore port for a fixed
// collection.
type MemoryStore struct {
	Client     *Client
	Collection string
}

// SaveMemory implements domain.MemoryStore.
func (m *MemoryStore) SaveMemory(ctx context.Context, userID, text string) error {
	return m.Client.SaveMemory(ctx, m.Collection, userID, text)
}
