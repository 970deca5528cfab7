package usecase

import (
	"context"
	"fmt"
	"sort"

	"log/slog"

	"github.com/fairyhunter13/ai-medical-chat/internal/domain"
	"github.com/fairyhunter13/ai-medical-chat/pkg/textx"
)

// Retriever aggregates similarity-search results across multiple queries and
// partitions. All aggregation is per turn; nothing is cached across calls.
type Retriever struct {
	backend domain.SearchBackend
	topK    int
}

// NewRetriever builds a Retriever with a per-search result cap.
func NewRetriever(backend domain.SearchBackend, topK int) *Retriever {
	if topK <= 0 {
		topK = 20
	}
	return &Retriever{backend: backend, topK: topK}
}

// candidateFromHit lifts a raw hit into a Candidate. The payload "text" field
// carries the passage body.
func candidateFromHit(partition string, h domain.SearchHit) domain.Candidate {
	text := ""
	if v, ok := h.Payload["text"].(string); ok {
		text = v
	}
	return domain.Candidate{
		ID:        h.ID,
		Partition: partition,
		Text:      text,
		Score:     h.Score,
	}
}

// AggregateQueries runs each query sequentially against one partition and
// merges the results. Hits whose normalized text is identical collapse into
// one candidate keeping the highest score; the merged list is sorted by score
// descending and capped at topK. The second return is the best score seen,
// zero when nothing matched. A failed sub-query is logged and skipped; the
// aggregate fails only when every sub-query fails.
func (r *Retriever) AggregateQueries(ctx context.Context, queries []string, partition string) ([]domain.Candidate, float64, error) {
	byKey := make(map[string]domain.Candidate)
	failures := 0

	for _, q := range queries {
		if q == "" {
			continue
		}
		hits, err := r.backend.Search(ctx, domain.SearchQuery{
			Query:     q,
			Partition: partition,
			TopK:      r.topK,
		})
		if err != nil {
			failures++
			slog.Warn("retrieval: sub-query failed",
				slog.String("partition", partition),
				slog.String("query", textx.Truncate(q, 120)),
				slog.Any("error", err))
			continue
		}
		for _, h := range hits {
			c := candidateFromHit(partition, h)
			key := textx.NormalizeKey(c.Text)
			if key == "" {
				key = c.Partition + "/" + c.ID
			}
			if prev, ok := byKey[key]; !ok || c.Score > prev.Score {
				byKey[key] = c
			}
		}
	}

	if failures > 0 && failures == len(queries) {
		return nil, 0, fmt.Errorf("op=usecase.AggregateQueries: all %d sub-queries failed", failures)
	}

	out := make([]domain.Candidate, 0, len(byKey))
	for _, c := range byKey {
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > r.topK {
		out = out[:r.topK]
	}
	best := 0.0
	if len(out) > 0 {
		best = out[0].Score
	}
	return out, best, nil
}

// HybridSearch runs a metadata-filtered search on the role's partition first,
// then an unfiltered pass across every configured partition, and merges by
// (partition, id) with the filtered results winning ties. The merged list is
// sorted by score descending and capped at topK.
func (r *Retriever) HybridSearch(ctx context.Context, query, partition string, filter map[string]string, allPartitions []string) ([]domain.Candidate, error) {
	seen := make(map[string]struct{})
	merged := make([]domain.Candidate, 0, r.topK*2)
	errs := 0
	searches := 0

	collect := func(part string, f map[string]string) {
		searches++
		hits, err := r.backend.Search(ctx, domain.SearchQuery{
			Query:     query,
			Partition: part,
			Filter:    f,
			TopK:      r.topK,
		})
		if err != nil {
			errs++
			slog.Warn("retrieval: hybrid pass failed",
				slog.String("partition", part),
				slog.Bool("filtered", len(f) > 0),
				slog.Any("error", err))
			return
		}
		for _, h := range hits {
			c := candidateFromHit(part, h)
			key := c.Partition + "/" + c.ID
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, c)
		}
	}

	if len(filter) > 0 {
		collect(partition, filter)
	}
	for _, part := range allPartitions {
		collect(part, nil)
	}

	if errs == searches {
		return nil, fmt.Errorf("op=usecase.HybridSearch: all %d searches failed", searches)
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > r.topK {
		merged = merged[:r.topK]
	}
	return merged, nil
}
