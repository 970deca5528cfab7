package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/fairyhunter13/ai-medical-chat/internal/adapter/observability"
	"github.com/fairyhunter13/ai-medical-chat/internal/domain"
)

// MemoryWriter fans one memory item out to every configured store
// concurrently. A write counts as successful when at least one sink accepts
// it; individual sink failures are logged, not propagated.
type MemoryWriter struct {
	stores  []domain.MemoryStore
	timeout time.Duration
}

// NewMemoryWriter builds a writer over stores. A nil or empty store list
// yields a writer whose Write always fails.
func NewMemoryWriter(stores []domain.MemoryStore, timeout time.Duration) *MemoryWriter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MemoryWriter{stores: stores, timeout: timeout}
}

// Write stores text for userID across all sinks.
func (w *MemoryWriter) Write(ctx context.Context, userID, text string) error {
	if len(w.stores) == 0 {
		return fmt.Errorf("op=memory.Write: no stores configured")
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i, s := range w.stores {
		wg.Add(1)
		go func(i int, s domain.MemoryStore) {
			defer wg.Done()
			if err := s.SaveMemory(ctx, userID, text); err != nil {
				slog.Warn("memory: sink write failed",
					slog.Int("sink", i),
					slog.Any("error", err))
				return
			}
			mu.Lock()
			ok++
			mu.Unlock()
		}(i, s)
	}
	wg.Wait()

	if ok == 0 {
		observability.MemoryWritesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("op=memory.Write: all %d sinks failed", len(w.stores))
	}
	observability.MemoryWritesTotal.WithLabelValues("ok").Inc()
	return nil
}
