package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

var errUpstream = errors.New("connection refused")

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("livekit", BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute}, prometheus.NewRegistry())
	fail := func(ctx context.Context) error { return errUpstream }

	assert.ErrorIs(t, cb.Execute(context.Background(), "create_room", fail), errUpstream)
	assert.Equal(t, CircuitBreakerClosed, cb.GetCircuitBreakerState())

	assert.ErrorIs(t, cb.Execute(context.Background(), "create_room", fail), errUpstream)
	assert.Equal(t, CircuitBreakerOpen, cb.GetCircuitBreakerState())

	called := false
	err := cb.Execute(context.Background(), "create_room", func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenTrial(t *testing.T) {
	cb := NewCircuitBreaker("livekit", BreakerConfig{FailureThreshold: 1, Cooldown: time.Second}, nil)
	now := time.Now()
	cb.now = func() time.Time { return now }

	_ = cb.Execute(context.Background(), "create_room", func(ctx context.Context) error { return errUpstream })
	assert.Equal(t, CircuitBreakerOpen, cb.GetCircuitBreakerState())

	now = now.Add(2 * time.Second)
	err := cb.Execute(context.Background(), "create_room", func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, CircuitBreakerClosed, cb.GetCircuitBreakerState())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("livekit", BreakerConfig{FailureThreshold: 3, Cooldown: time.Second}, nil)
	now := time.Now()
	cb.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), "create_room", func(ctx context.Context) error { return errUpstream })
	}
	now = now.Add(2 * time.Second)

	err := cb.Execute(context.Background(), "create_room", func(ctx context.Context) error { return errUpstream })
	assert.ErrorIs(t, err, errUpstream)
	assert.Equal(t, CircuitBreakerOpen, cb.GetCircuitBreakerState())
}

func TestRetry(t *testing.T) {
	policy := RetryPolicy{Attempts: 2, Backoff: time.Millisecond}

	t.Run("succeeds on second attempt", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), policy, nil, func(ctx context.Context) error {
			calls++
			if calls == 1 {
				return errUpstream
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("gives up after attempts", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), policy, nil, func(ctx context.Context) error {
			calls++
			return errUpstream
		})
		assert.ErrorIs(t, err, errUpstream)
		assert.Equal(t, 2, calls)
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		permanent := errors.New("forbidden")
		calls := 0
		err := Retry(context.Background(), policy, func(err error) bool { return err != permanent }, func(ctx context.Context) error {
			calls++
			return permanent
		})
		assert.ErrorIs(t, err, permanent)
		assert.Equal(t, 1, calls)
	})
}
