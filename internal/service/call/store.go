package call

import (
	"context"
	"errors"
	"time"

	"crewcall-backend/internal/domain"
	"crewcall-backend/pkg/resilience"
)

// storeContext bounds a store round trip. Once issued a write is not
// cancelled by the caller going away.
func (s *Service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StoreTimeout)
}

// write runs a single non-idempotent store statement
func (s *Service) write(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	s.metrics.RecordDBQuery(op, time.Since(start), storeFailure(err))
	return err
}

// idempotent runs a statement that is safe to repeat, retrying a store
// failure once after the configured backoff
func (s *Service) idempotent(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	policy := resilience.RetryPolicy{Attempts: 2, Backoff: s.cfg.StoreRetryBackoff}
	attempt := 0

	return resilience.Retry(context.WithoutCancel(ctx), policy, isRetryableStoreError, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			s.metrics.RecordDBRetry(op)
		}
		return s.write(ctx, op, fn)
	})
}

// isRetryableStoreError excludes the expected outcomes the store reports as errors
func isRetryableStoreError(err error) bool {
	return storeFailure(err) != nil
}

func storeFailure(err error) error {
	switch {
	case err == nil,
		errors.Is(err, domain.ErrCallNotFound),
		errors.Is(err, domain.ErrParticipantNotFound),
		errors.Is(err, domain.ErrActiveCallExists):
		return nil
	}
	return err
}
