// Package keypool manages a pool of provider API credentials with cooldowns,
// weighted selection and permanent-failure tracking. It acts as a per-credential
// circuit breaker for quota and overload errors.
package keypool

import (
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// retryDelayPatterns is the ordered grammar for scraping a retry delay out of
// free-form provider error text. First match wins.
var retryDelayPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)retryDelay['"]?\s*[:=]\s*['"]?(\d+)s`),
	regexp.MustCompile(`(?i)retry in ([0-9.]+)s`),
	regexp.MustCompile(`(?i)Retry-After:\s*([0-9]+)`),
}

type entry struct {
	secret            string
	weight            int
	cooldownUntil     time.Time
	permanentlyFailed bool
}

// Pool owns a set of credentials. All state is private; callers interact only
// through Pick, the marker methods and Status.
type Pool struct {
	mu                sync.Mutex
	entries           []entry
	defaultCooldown   time.Duration
	transientCooldown time.Duration

	now  func() time.Time
	rand *rand.Rand
}

// Options tunes pool construction. Zero values fall back to defaults.
type Options struct {
	// Weights is matched positionally to the secrets; shorter lists are padded
	// with 1, longer lists truncated. Weights below 1 are raised to 1.
	Weights           []int
	DefaultCooldown   time.Duration
	TransientCooldown time.Duration
	// Now overrides the clock, for tests driving simulated time.
	Now func() time.Time
}

// New validates the secrets and builds a pool. An empty secret list is a
// configuration error.
func New(secrets []string, opts Options) (*Pool, error) {
	if len(secrets) == 0 {
		return nil, fmt.Errorf("keypool: no credentials configured")
	}
	if opts.DefaultCooldown <= 0 {
		opts.DefaultCooldown = 60 * time.Second
	}
	if opts.TransientCooldown <= 0 {
		opts.TransientCooldown = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	entries := make([]entry, len(secrets))
	for i, s := range secrets {
		w := 1
		if i < len(opts.Weights) && opts.Weights[i] > 1 {
			w = opts.Weights[i]
		}
		entries[i] = entry{secret: s, weight: w}
	}
	return &Pool{
		entries:           entries,
		defaultCooldown:   opts.DefaultCooldown,
		transientCooldown: opts.TransientCooldown,
		now:               opts.Now,
		rand:              rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // selection bias, not security
	}, nil
}

// Size returns the number of credentials, including failed ones.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Pick returns a credential and its index. Among currently-available entries
// it selects with probability proportional to weight. If every entry is
// cooling down or failed it returns the entry whose cooldown expires soonest,
// so callers can still attempt rather than stall.
func (p *Pool) Pick() (secret string, index int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	available := make([]int, 0, len(p.entries))
	for i := range p.entries {
		if p.availableLocked(i, now) {
			available = append(available, i)
		}
	}
	if len(available) > 0 {
		idx := p.weightedChoiceLocked(available)
		return p.entries[idx].secret, idx
	}

	// Nothing available: pick the soonest-expiring cooldown, skipping entries
	// that failed permanently when any other option exists.
	best := -1
	for i := range p.entries {
		if p.entries[i].permanentlyFailed {
			continue
		}
		if best == -1 || p.entries[i].cooldownUntil.Before(p.entries[best].cooldownUntil) {
			best = i
		}
	}
	if best == -1 {
		best = 0
	}
	slog.Warn("keypool: no credential available, returning soonest-expiring",
		slog.Int("index", best),
		slog.Duration("remaining", p.entries[best].cooldownUntil.Sub(now)))
	return p.entries[best].secret, best
}

func (p *Pool) weightedChoiceLocked(candidates []int) int {
	total := 0
	for _, i := range candidates {
		total += p.entries[i].weight
	}
	n := p.rand.Intn(total)
	for _, i := range candidates {
		n -= p.entries[i].weight
		if n < 0 {
			return i
		}
	}
	return candidates[len(candidates)-1]
}

func (p *Pool) availableLocked(i int, now time.Time) bool {
	e := p.entries[i]
	return !e.permanentlyFailed && !now.Before(e.cooldownUntil)
}

// IsAvailable reports whether the credential at index may be selected now.
func (p *Pool) IsAvailable(index int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.entries) {
		return false
	}
	return p.availableLocked(index, p.now())
}

// MarkQuotaExhausted puts the credential on cooldown for the delay scraped
// from the provider error text, falling back to the configured default.
func (p *Pool) MarkQuotaExhausted(index int, rawErr string) {
	delay := p.ParseRetryDelay(rawErr)
	p.setCooldown(index, delay)
	slog.Warn("keypool: credential quota exhausted",
		slog.Int("index", index),
		slog.Duration("cooldown", delay))
}

// MarkTransient puts the credential on a short fixed cooldown for
// 5xx/overload-class errors.
func (p *Pool) MarkTransient(index int) {
	p.setCooldown(index, p.transientCooldown)
	slog.Warn("keypool: credential transient failure",
		slog.Int("index", index),
		slog.Duration("cooldown", p.transientCooldown))
}

// MarkPermanentFailure removes the credential from the available set forever.
func (p *Pool) MarkPermanentFailure(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.entries) {
		return
	}
	p.entries[index].permanentlyFailed = true
	p.entries[index].cooldownUntil = time.Time{}
	slog.Error("keypool: credential permanently failed", slog.Int("index", index))
}

func (p *Pool) setCooldown(index int, d time.Duration) {
	if d < time.Second {
		d = time.Second
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.entries) {
		return
	}
	p.entries[index].cooldownUntil = p.now().Add(d)
}

// ParseRetryDelay scrapes a retry delay from free-form error text using the
// ordered pattern list; unparseable text yields the default cooldown.
func (p *Pool) ParseRetryDelay(rawErr string) time.Duration {
	if rawErr == "" {
		return p.defaultCooldown
	}
	for _, pat := range retryDelayPatterns {
		m := pat.FindStringSubmatch(rawErr)
		if m == nil {
			continue
		}
		secs, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		if secs < 1 {
			// Sub-second provider hints clamp to the same floor setCooldown uses.
			return time.Second
		}
		return time.Duration(secs * float64(time.Second))
	}
	return p.defaultCooldown
}

// Status is a point-in-time snapshot of pool health.
type Status struct {
	Total       int
	Failed      int
	CoolingDown int
	Available   int
	// MinCooldownRemaining is the shortest remaining cooldown among usable
	// (non-permanently-failed) credentials; zero when any is available.
	MinCooldownRemaining time.Duration
}

// AllCoolingDown reports whether every usable credential is on cooldown.
func (s Status) AllCoolingDown() bool {
	usable := s.Total - s.Failed
	return usable > 0 && s.CoolingDown == usable
}

// Exhausted reports whether zero credentials remain usable.
func (s Status) Exhausted() bool { return s.Failed == s.Total }

// Status returns a snapshot of counts and the minimum remaining cooldown.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	st := Status{Total: len(p.entries)}
	var minRemaining time.Duration
	for i := range p.entries {
		e := p.entries[i]
		switch {
		case e.permanentlyFailed:
			st.Failed++
		case now.Before(e.cooldownUntil):
			st.CoolingDown++
			remaining := e.cooldownUntil.Sub(now)
			if minRemaining == 0 || remaining < minRemaining {
				minRemaining = remaining
			}
		default:
			st.Available++
		}
	}
	if st.Available == 0 {
		st.MinCooldownRemaining = minRemaining
	}
	return st
}
