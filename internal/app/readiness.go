package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-medical-chat/internal/config"
)

// Pinger is the subset of pgxpool.Pool the readiness check needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BuildReadinessChecks returns the dependency probes used by /readyz. Any of
// the inputs may be nil; the corresponding check is then nil and skipped.
func BuildReadinessChecks(cfg config.Config, pool Pinger, redisClient *goredis.Client) (dbCheck, redisCheck, qdrantCheck func(context.Context) error) {
	if pool != nil {
		dbCheck = func(ctx context.Context) error {
			return pool.Ping(ctx)
		}
	}
	if redisClient != nil {
		redisCheck = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}
	if cfg.QdrantURL != "" {
		hc := &http.Client{Timeout: 2 * time.Second}
		url := cfg.QdrantURL + "/readyz"
		qdrantCheck = func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := hc.Do(req)
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("qdrant readyz status %d", resp.StatusCode)
			}
			return nil
		}
	}
	return dbCheck, redisCheck, qdrantCheck
}
