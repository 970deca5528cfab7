package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-medical-chat/internal/domain"
)

type fakeThreads struct {
	mu       sync.Mutex
	window   []domain.ChatMessage
	reads    int
	appended int
	err      error
}

func (f *fakeThreads) RecentWindow(_ context.Context, _ string, _ int) ([]domain.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.window, f.err
}

func (f *fakeThreads) AppendTurn(_ context.Context, _, _ domain.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended++
	return f.err
}

func newCacheUnderTest(t *testing.T, inner domain.ThreadRepository) *SessionCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, inner, 6, time.Hour)
}

func msg(id, author, content string) domain.ChatMessage {
	return domain.ChatMessage{ID: id, SessionID: "s1", Author: author, Content: content, CreatedAt: time.Now().UTC().Truncate(time.Second)}
}

func TestRecentWindowMissFallsThroughAndFills(t *testing.T) {
	t.Parallel()
	inner := &fakeThreads{window: []domain.ChatMessage{msg("m1", "user", "hi"), msg("m2", "bot", "hello")}}
	c := newCacheUnderTest(t, inner)

	got, err := c.RecentWindow(context.Background(), "s1", 6)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, inner.reads)

	// Second read must come from the cache.
	got, err = c.RecentWindow(context.Background(), "s1", 6)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, 1, inner.reads)
}

func TestAppendTurnWritesThrough(t *testing.T) {
	t.Parallel()
	inner := &fakeThreads{}
	c := newCacheUnderTest(t, inner)

	require.NoError(t, c.AppendTurn(context.Background(), msg("u1", "user", "q"), msg("b1", "bot", "a")))
	assert.Equal(t, 1, inner.appended)

	got, err := c.RecentWindow(context.Background(), "s1", 6)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "u1", got[0].ID)
	assert.Equal(t, "b1", got[1].ID)
	// Cache was warm, so the store was never read.
	assert.Equal(t, 0, inner.reads)
}

func TestAppendTurnStoreFailureSkipsCache(t *testing.T) {
	t.Parallel()
	inner := &fakeThreads{err: errors.New("db down")}
	c := newCacheUnderTest(t, inner)

	err := c.AppendTurn(context.Background(), msg("u1", "user", "q"), msg("b1", "bot", "a"))
	require.Error(t, err)
}

func TestWindowIsBounded(t *testing.T) {
	t.Parallel()
	inner := &fakeThreads{}
	c := newCacheUnderTest(t, inner)

	for i := 0; i < 10; i++ {
		u := msg("u", "user", "q")
		b := msg("b", "bot", "a")
		require.NoError(t, c.AppendTurn(context.Background(), u, b))
	}
	got, err := c.RecentWindow(context.Background(), "s1", 20)
	require.NoError(t, err)
	// Six is the configured window, regardless of the requested size.
	assert.Len(t, got, 6)
}

func TestCorruptCacheEntryFallsBack(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	inner := &fakeThreads{window: []domain.ChatMessage{msg("m1", "user", "hi")}}
	c := New(client, inner, 6, time.Hour)

	require.NoError(t, client.RPush(context.Background(), "session:recent:s1", "not json").Err())

	got, err := c.RecentWindow(context.Background(), "s1", 6)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, inner.reads)
}
