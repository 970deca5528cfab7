package qdrant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-medical-chat/internal/domain"
)

func TestSearchSendsFilterAndParsesHits(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections/bnrhm/points/query", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("api-key"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotNil(t, body["filter"])
		assert.Equal(t, float64(5), body["limit"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{
				"points": []map[string]any{
					{"id": "p1", "score": 0.91, "payload": map[string]any{"text": "passage"}},
					{"id": 7, "score": 0.5, "payload": map[string]any{"text": "other"}},
				},
			},
		})
	}))
	defer ts.Close()

	c := New(ts.URL, "secret", "test-embed")
	hits, err := c.Search(context.Background(), domain.SearchQuery{
		Query:     "gum disease",
		Partition: "bnrhm",
		Filter:    map[string]string{"role": "patient_dental"},
		TopK:      5,
	})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "p1", hits[0].ID)
	assert.Equal(t, 0.91, hits[0].Score)
	assert.Equal(t, "passage", hits[0].Payload["text"])
	// Numeric point ids are stringified.
	assert.Equal(t, "7", hits[1].ID)
}

func TestSearchDoesNotRetryHTTPErrors(t *testing.T) {
	t.Parallel()
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	c := New(ts.URL, "", "test-embed")
	_, err := c.Search(context.Background(), domain.SearchQuery{Query: "q", Partition: "p", TopK: 3})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestEnsureCollectionCreatesWhenMissing(t *testing.T) {
	t.Parallel()
	var created int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPut:
			atomic.AddInt32(&created, 1)
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.NotNil(t, body["vectors"])
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer ts.Close()

	c := New(ts.URL, "", "test-embed")
	require.NoError(t, c.EnsureCollection(context.Background(), "user_memory", 384, "Cosine"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&created))
}

func TestEnsureCollectionNoopWhenPresent(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := New(ts.URL, "", "test-embed")
	require.NoError(t, c.EnsureCollection(context.Background(), "user_memory", 384, "Cosine"))
}

func TestSaveMemoryUpserts(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections/user_memory/points", r.URL.Path)
		assert.Equal(t, http.MethodPut, r.Method)

		var body struct {
			Points []map[string]any `json:"points"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Points, 1)
		payload := body.Points[0]["payload"].(map[string]any)
		assert.Equal(t, "u1", payload["user_id"])
		assert.Equal(t, "remember this", payload["text"])
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	store := &MemoryStore{Client: New(ts.URL, "", "test-embed"), Collection: "user_memory"}
	require.NoError(t, store.SaveMemory(context.Background(), "u1", "remember this"))
}
