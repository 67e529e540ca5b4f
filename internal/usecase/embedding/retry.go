// Package embedding decorates providers with retry, cool-down, and
// observability concerns.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/corpusdex/internal/domain"
	"github.com/kailas-cloud/corpusdex/internal/metrics"
)

// DefaultBaseDelay is the first retry delay; each attempt doubles it.
const DefaultBaseDelay = 500 * time.Millisecond

// failThreshold is how many consecutive failed calls trip the cool-down.
const failThreshold = 3

// RetryingEmbedder retries transient provider failures with exponential
// backoff, and short-circuits calls for a cool-down period after repeated
// failures instead of hammering a known-bad provider.
type RetryingEmbedder struct {
	inner       domain.Embedder
	provider    string
	model       string
	maxAttempts int
	baseDelay   time.Duration
	cooldown    time.Duration
	logger      *zap.Logger

	mu           sync.Mutex
	consecFails  int
	coolingUntil time.Time
}

// NewRetryingEmbedder wraps an embedder with retry and cool-down behavior.
func NewRetryingEmbedder(
	inner domain.Embedder, provider, model string,
	maxAttempts int, cooldown time.Duration, logger *zap.Logger,
) *RetryingEmbedder {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RetryingEmbedder{
		inner:       inner,
		provider:    provider,
		model:       model,
		maxAttempts: maxAttempts,
		baseDelay:   DefaultBaseDelay,
		cooldown:    cooldown,
		logger:      logger,
	}
}

// WithBaseDelay overrides the first retry delay.
func (r *RetryingEmbedder) WithBaseDelay(d time.Duration) *RetryingEmbedder {
	if d > 0 {
		r.baseDelay = d
	}
	return r
}

// Dimensions implements domain.Embedder.
func (r *RetryingEmbedder) Dimensions() int { return r.inner.Dimensions() }

// HealthCheck delegates to the inner provider when it supports health checks.
func (r *RetryingEmbedder) HealthCheck(ctx context.Context) error {
	if hc, ok := r.inner.(domain.HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// EmbedBatch delegates to the inner embedder, retrying rate-limit and timeout
// errors up to the attempt ceiling.
func (r *RetryingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := r.checkCooldown(); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			metrics.EmbeddingRetriesTotal.WithLabelValues(r.provider, r.model).Inc()
			if err := sleepCtx(ctx, r.backoff(attempt)); err != nil {
				return nil, err
			}
		}

		vectors, err := r.inner.EmbedBatch(ctx, texts)
		if err == nil {
			r.recordSuccess()
			return vectors, nil
		}
		lastErr = err

		if !isTransient(err) {
			r.recordFailure()
			return nil, err
		}
		r.logger.Warn("Transient embedding failure, will retry",
			zap.String("provider", r.provider),
			zap.String("model", r.model),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	r.recordFailure()
	return nil, fmt.Errorf("after %d attempts: %w", r.maxAttempts, lastErr)
}

func (r *RetryingEmbedder) backoff(attempt int) time.Duration {
	d := r.baseDelay << (attempt - 1)
	// Full jitter in [d/2, d].
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

func (r *RetryingEmbedder) checkCooldown() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Now().Before(r.coolingUntil) {
		return fmt.Errorf(
			"until %s: %w", r.coolingUntil.Format(time.RFC3339), domain.ErrProviderCoolingDown,
		)
	}
	return nil
}

func (r *RetryingEmbedder) recordSuccess() {
	r.mu.Lock()
	r.consecFails = 0
	r.mu.Unlock()
}

func (r *RetryingEmbedder) recordFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecFails++
	if r.consecFails >= failThreshold {
		r.coolingUntil = time.Now().Add(r.cooldown)
		r.consecFails = 0
		r.logger.Warn("Provider cool-down tripped",
			zap.String("provider", r.provider),
			zap.Time("until", r.coolingUntil),
		)
	}
}

func isTransient(err error) bool {
	return errors.Is(err, domain.ErrProviderRateLimited) || errors.Is(err, domain.ErrProviderTimeout)
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
