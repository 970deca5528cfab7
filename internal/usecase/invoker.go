// Package usecase contains the orchestration core: resilient model
// invocation, retrieval aggregation, the decision loop, and the turn
// supervisor.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"log/slog"

	"github.com/fairyhunter13/ai-medical-chat/internal/adapter/observability"
	"github.com/fairyhunter13/ai-medical-chat/internal/domain"
	"github.com/fairyhunter13/ai-medical-chat/internal/service/keypool"
)

// ClassifyProviderError maps raw provider error text onto the domain error
// taxonomy by substring. Unrecognized errors count as transient so a single
// odd failure never burns a credential.
func ClassifyProviderError(err error) error {
	if err == nil {
		return nil
	}
	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "429"),
		strings.Contains(text, "quota"),
		strings.Contains(text, "rate limit"),
		strings.Contains(text, "resource_exhausted"),
		strings.Contains(text, "resource exhausted"):
		return domain.ErrQuotaExhausted
	case strings.Contains(text, "api key not valid"),
		strings.Contains(text, "invalid api key"),
		strings.Contains(text, "api_key_invalid"),
		strings.Contains(text, "401"),
		strings.Contains(text, "403"),
		strings.Contains(text, "permission"),
		strings.Contains(text, "not found"),
		strings.Contains(text, "not_found"):
		return domain.ErrPermanentCredential
	case strings.Contains(text, "500"),
		strings.Contains(text, "503"),
		strings.Contains(text, "overload"),
		strings.Contains(text, "unavailable"),
		strings.Contains(text, "internal"),
		strings.Contains(text, "deadline"),
		strings.Contains(text, "timeout"):
		return domain.ErrTransient
	default:
		return domain.ErrTransient
	}
}

// Invoker wraps the generation port with credential rotation and bounded
// retries. One Call makes at most pool.Size() generation attempts; when every
// usable credential is cooling down it waits out the shortest cooldown if the
// retry budget allows, and reports domain.ErrOverloaded otherwise. Spent
// attempts with a credential still usable degrade to the fallback string
// rather than an overload.
type Invoker struct {
	gen      domain.Generator
	pool     *keypool.Pool
	model    string
	fallback string
	// budget bounds the total wall-clock time of one Call including cooldown
	// waits.
	budget time.Duration

	sleep func(ctx context.Context, d time.Duration) error
	rand  *rand.Rand
}

// NewInvoker builds an Invoker. fallback is substituted when the model
// answers with empty text.
func NewInvoker(gen domain.Generator, pool *keypool.Pool, model, fallback string, budget time.Duration) *Invoker {
	if budget <= 0 {
		budget = 30 * time.Second
	}
	return &Invoker{
		gen:      gen,
		pool:     pool,
		model:    model,
		fallback: fallback,
		budget:   budget,
		sleep:    sleepCtx,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // retry jitter, not security
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Call generates text for prompt, rotating credentials across failures.
// Returned errors are always domain.ErrOverloaded or a context error; every
// provider failure is absorbed into the rotation.
func (iv *Invoker) Call(ctx context.Context, prompt string, fastMode bool) (string, error) {
	deadline := time.Now().Add(iv.budget)
	maxAttempts := iv.pool.Size()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		st := iv.pool.Status()
		observability.ObserveKeypool(st.Available, st.CoolingDown, st.Failed)
		if st.Exhausted() {
			slog.Error("invoker: every credential permanently failed")
			return "", domain.ErrOverloaded
		}
		if st.AllCoolingDown() {
			wait := st.MinCooldownRemaining
			if wait < time.Second {
				wait = time.Second
			}
			wait += time.Duration(iv.rand.Intn(500)) * time.Millisecond
			if time.Now().Add(wait).After(deadline) {
				slog.Warn("invoker: cooldown wait exceeds retry budget",
					slog.Duration("wait", wait),
					slog.Time("deadline", deadline))
				return "", domain.ErrOverloaded
			}
			slog.Info("invoker: all credentials cooling down, waiting",
				slog.Duration("wait", wait))
			if err := iv.sleep(ctx, wait); err != nil {
				return "", err
			}
		}

		secret, idx := iv.pool.Pick()
		text, err := iv.gen.Generate(ctx, domain.GenerateRequest{
			Model:      iv.model,
			Credential: secret,
			Prompt:     prompt,
			FastMode:   fastMode,
		})
		if err == nil {
			if text == "" {
				// Soft failure from the provider; degrade to the fixed message
				// rather than burning another attempt.
				return iv.fallback, nil
			}
			return text, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}

		class := ClassifyProviderError(err)
		slog.Warn("invoker: generation attempt failed",
			slog.Int("attempt", attempt+1),
			slog.Int("credential", idx),
			slog.String("class", class.Error()),
			slog.Any("error", err))
		switch {
		case errors.Is(class, domain.ErrQuotaExhausted):
			iv.pool.MarkQuotaExhausted(idx, err.Error())
		case errors.Is(class, domain.ErrPermanentCredential):
			iv.pool.MarkPermanentFailure(idx)
		default:
			iv.pool.MarkTransient(idx)
		}
	}

	// Attempts are spent. Overload is only the right signal when no credential
	// could serve another call right now; with a usable credential left the
	// turn keeps moving on the fixed fallback text.
	st := iv.pool.Status()
	if st.Exhausted() || st.AllCoolingDown() {
		slog.Error("invoker: retry attempts exhausted, pool unusable",
			slog.Int("attempts", maxAttempts))
		return "", fmt.Errorf("op=usecase.Call: %w", domain.ErrOverloaded)
	}
	slog.Warn("invoker: retry attempts exhausted, degrading to fallback",
		slog.Int("attempts", maxAttempts))
	return iv.fallback, nil
}
