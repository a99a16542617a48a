package presence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"crewcall-backend/internal/domain"
	"crewcall-backend/internal/service/call"
	"crewcall-backend/pkg/logger"
	"crewcall-backend/pkg/metrics"
)

// CallManager is the part of the call service the reaper drives
type CallManager interface {
	LiveParticipants(ctx context.Context) ([]*domain.Participant, error)
	LeaveCall(ctx context.Context, input *call.ParticipantInput) (*domain.Participant, error)
}

// HeartbeatChecker reports whether a participant's presence connection is alive
type HeartbeatChecker interface {
	IsAlive(ctx context.Context, callID, userID uuid.UUID) (bool, error)
}

// HealthReporter reports since when the heartbeat store has been reachable.
// ok is false while it is degraded.
type HealthReporter interface {
	HealthySince() (since time.Time, ok bool)
}

// Reaper marks participants as left once their presence connection has been
// silent for longer than the TTL. It leaves through the normal LeaveCall
// path, so subscribers see an ordinary leave.
type Reaper struct {
	calls      CallManager
	heartbeats HeartbeatChecker
	health     HealthReporter
	metrics    *metrics.Metrics
	ttl        time.Duration
	interval   time.Duration
	now        func() time.Time
}

// NewReaper creates a new Reaper. health may be nil.
func NewReaper(calls CallManager, heartbeats HeartbeatChecker, health HealthReporter, m *metrics.Metrics, ttl, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = ttl
	}
	return &Reaper{
		calls:      calls,
		heartbeats: heartbeats,
		health:     health,
		metrics:    m,
		ttl:        ttl,
		interval:   interval,
		now:        time.Now,
	}
}

// Run reaps every interval until ctx is done
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	logger.Info("Ghost participant reaper started",
		zap.Duration("ttl", r.ttl),
		zap.Duration("interval", r.interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ReapOnce(ctx); err != nil {
				logger.Warn("Ghost reap cycle failed", zap.Error(err))
			}
		}
	}
}

// ReapOnce runs a single pass and returns how many participants were marked left
func (r *Reaper) ReapOnce(ctx context.Context) (int, error) {
	// Heartbeats lapse while the store is down, so wait a full TTL of
	// healthy refreshes before judging anyone.
	if r.health != nil {
		since, ok := r.health.HealthySince()
		if !ok || r.now().Sub(since) < r.ttl {
			logger.Debug("Skipping ghost reap, heartbeat store recently unavailable")
			return 0, nil
		}
	}

	participants, err := r.calls.LiveParticipants(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := r.now().Add(-r.ttl)
	reaped := 0
	for _, p := range participants {
		// Give new joiners a full TTL to open their presence connection
		if p.JoinedAt.After(cutoff) {
			continue
		}

		alive, err := r.heartbeats.IsAlive(ctx, p.CallID, p.UserID)
		if err != nil {
			// Without heartbeat data nobody can be judged dead
			return reaped, err
		}
		if alive {
			continue
		}

		callID := p.CallID
		left, err := r.calls.LeaveCall(ctx, &call.ParticipantInput{Scope: p.Scope, UserID: p.UserID, CallID: &callID})
		if err != nil {
			logger.Warn("Failed to reap ghost participant",
				zap.String("call_id", p.CallID.String()),
				zap.String("user_id", p.UserID.String()),
				zap.Error(err))
			continue
		}
		if left != nil {
			reaped++
			r.metrics.RecordGhostReaped()
			logger.Info("Reaped ghost participant",
				zap.String("call_id", p.CallID.String()),
				zap.String("user_id", p.UserID.String()),
				zap.String("scope", p.Scope.Key()))
		}
	}
	return reaped, nil
}
