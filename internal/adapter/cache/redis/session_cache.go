// Package redis caches the recent-message window per session in front of the
// durable thread store.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-medical-chat/internal/domain"
)

// SessionCache decorates a ThreadRepository with a Redis list per session.
// Reads hit Redis first and fall back to the inner repository; writes go
// through to both. Cache failures are logged and absorbed.
type SessionCache struct {
	client *goredis.Client
	inner  domain.ThreadRepository
	// window bounds the list length kept per session.
	window int
	ttl    time.Duration
}

// New builds a SessionCache around inner.
func New(client *goredis.Client, inner domain.ThreadRepository, window int, ttl time.Duration) *SessionCache {
	if window <= 0 {
		window = 6
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SessionCache{client: client, inner: inner, window: window, ttl: ttl}
}

// NewClient parses a Redis URL into a client.
func NewClient(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=redis.NewClient: %w", err)
	}
	return goredis.NewClient(opts), nil
}

func sessionKey(sessionID string) string { return "session:recent:" + sessionID }

// RecentWindow returns up to n recent messages, oldest first.
func (c *SessionCache) RecentWindow(ctx context.Context, sessionID string, n int) ([]domain.ChatMessage, error) {
	raw, err := c.client.LRange(ctx, sessionKey(sessionID), int64(-n), -1).Result()
	if err != nil && err != goredis.Nil {
		slog.Warn("session cache read failed, falling back",
			slog.String("session_id", sessionID),
			slog.Any("error", err))
	}
	if len(raw) > 0 {
		msgs := make([]domain.ChatMessage, 0, len(raw))
		ok := true
		for _, item := range raw {
			var m domain.ChatMessage
			if err := json.Unmarshal([]byte(item), &m); err != nil {
				ok = false
				break
			}
			msgs = append(msgs, m)
		}
		if ok {
			return msgs, nil
		}
		// Corrupt entries: drop the key and let the store repopulate it.
		_ = c.client.Del(ctx, sessionKey(sessionID)).Err()
	}

	msgs, err := c.inner.RecentWindow(ctx, sessionID, n)
	if err != nil {
		return nil, err
	}
	c.fill(ctx, sessionID, msgs)
	return msgs, nil
}

// AppendTurn writes through to the store and then to the cache.
func (c *SessionCache) AppendTurn(ctx context.Context, userMsg, botMsg domain.ChatMessage) error {
	if err := c.inner.AppendTurn(ctx, userMsg, botMsg); err != nil {
		return err
	}
	c.push(ctx, userMsg.SessionID, userMsg, botMsg)
	return nil
}

func (c *SessionCache) fill(ctx context.Context, sessionID string, msgs []domain.ChatMessage) {
	if len(msgs) == 0 {
		return
	}
	key := sessionKey(sessionID)
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return
		}
		pipe.RPush(ctx, key, b)
	}
	pipe.LTrim(ctx, key, int64(-c.window), -1)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("session cache fill failed", slog.Any("error", err))
	}
}

func (c *SessionCache) push(ctx context.Context, sessionID string, msgs ...domain.ChatMessage) {
	key := sessionKey(sessionID)
	pipe := c.client.TxPipeline()
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return
		}
		pipe.RPush(ctx, key, b)
	}
	pipe.LTrim(ctx, key, int64(-c.window), -1)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("session cache push failed", slog.Any("error", err))
	}
}
