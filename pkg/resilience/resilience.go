package resilience

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"crewcall-backend/pkg/logger"
)

// ErrCircuitOpen is returned without calling the operation while the breaker is open
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

// BreakerConfig tunes a CircuitBreaker
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	Cooldown         time.Duration // time spent open before a half-open trial
}

// DefaultBreakerConfig opens after 3 consecutive failures and retries after 10s
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 3, Cooldown: 10 * time.Second}
}

// CircuitBreaker guards calls to an upstream dependency
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool

	requestsTotal *prometheus.CounterVec
	stateGauge    prometheus.Gauge
}

// NewCircuitBreaker creates a breaker. Metrics are registered on reg when it is non-nil.
func NewCircuitBreaker(name string, cfg BreakerConfig, reg prometheus.Registerer) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig().Cooldown
	}

	cb := &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		now:   time.Now,
		state: CircuitBreakerClosed,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "upstream_requests_total",
				Help:        "Total number of guarded upstream requests",
				ConstLabels: prometheus.Labels{"upstream": name},
			},
			[]string{"operation", "status"},
		),
		stateGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "upstream_circuit_breaker_state",
			Help:        "State of the upstream circuit breaker (0=closed, 1=half_open, 2=open)",
			ConstLabels: prometheus.Labels{"upstream": name},
		}),
	}
	if reg != nil {
		reg.MustRegister(cb.requestsTotal, cb.stateGauge)
	}
	return cb
}

// Execute runs fn unless the breaker is open
func (cb *CircuitBreaker) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if !cb.allow() {
		cb.requestsTotal.WithLabelValues(operation, "circuit_breaker_open").Inc()
		logger.Warn("Circuit breaker is OPEN - request blocked",
			zap.String("upstream", cb.name),
			zap.String("operation", operation))
		return ErrCircuitOpen
	}

	err := fn(ctx)
	cb.record(operation, err)
	return err
}

// GetCircuitBreakerState returns the current circuit breaker state
func (cb *CircuitBreaker) GetCircuitBreakerState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitBreakerOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.Cooldown {
			return false
		}
		cb.setState(CircuitBreakerHalfOpen)
		cb.trialInFlight = true
		return true
	case CircuitBreakerHalfOpen:
		// one trial request at a time
		if cb.trialInFlight {
			return false
		}
		cb.trialInFlight = true
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) record(operation string, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.trialInFlight = false

	if err == nil {
		cb.requestsTotal.WithLabelValues(operation, "success").Inc()
		if cb.state != CircuitBreakerClosed {
			logger.Info("Circuit breaker CLOSED - upstream recovered",
				zap.String("upstream", cb.name),
				zap.String("operation", operation))
		}
		cb.consecutiveFailures = 0
		cb.setState(CircuitBreakerClosed)
		return
	}

	cb.requestsTotal.WithLabelValues(operation, classifyError(err)).Inc()
	cb.consecutiveFailures++

	if cb.state == CircuitBreakerHalfOpen || cb.consecutiveFailures >= cb.cfg.FailureThreshold {
		if cb.state != CircuitBreakerOpen {
			logger.Error("Circuit breaker OPEN - too many consecutive failures",
				zap.String("upstream", cb.name),
				zap.String("operation", operation),
				zap.Int("consecutive_failures", cb.consecutiveFailures),
				zap.Error(err))
		}
		cb.openedAt = cb.now()
		cb.setState(CircuitBreakerOpen)
	}
}

func (cb *CircuitBreaker) setState(state CircuitBreakerState) {
	cb.state = state
	switch state {
	case CircuitBreakerClosed:
		cb.stateGauge.Set(0)
	case CircuitBreakerHalfOpen:
		cb.stateGauge.Set(1)
	case CircuitBreakerOpen:
		cb.stateGauge.Set(2)
	}
}

// RetryPolicy bounds Retry
type RetryPolicy struct {
	Attempts int           // total attempts, including the first
	Backoff  time.Duration // wait before the second attempt, doubled after each failure
}

// Retry runs fn until it succeeds, returns a non-retryable error, or attempts run out.
// A nil retryable treats every error as retryable.
func Retry(ctx context.Context, policy RetryPolicy, retryable func(error) bool, fn func(ctx context.Context) error) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := policy.Backoff

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts || (retryable != nil && !retryable(err)) {
			return err
		}

		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// classifyError classifies errors for better metrics
func classifyError(err error) string {
	if err == nil {
		return "none"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "permission denied") || strings.Contains(errMsg, "unauthorized"):
		return "permission"
	default:
		return "unknown"
	}
}
