package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"crewcall-backend/internal/database"
	"crewcall-backend/internal/domain"
	"crewcall-backend/pkg/constants"
)

// PreferenceRepository remembers each user's last audio/video choice
type PreferenceRepository struct {
	client *database.RedisClient
}

// NewPreferenceRepository creates a new PreferenceRepository
func NewPreferenceRepository(client *database.RedisClient) *PreferenceRepository {
	return &PreferenceRepository{client: client}
}

func preferenceKey(userID uuid.UUID) string {
	return fmt.Sprintf("call:pref:%s", userID)
}

// Get returns the remembered preference, or nil when none is stored
func (r *PreferenceRepository) Get(ctx context.Context, userID uuid.UUID) (*domain.MediaPreference, error) {
	data, err := r.client.SafeGet(ctx, preferenceKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get media preference: %w", err)
	}

	var pref domain.MediaPreference
	if err := json.Unmarshal(data, &pref); err != nil {
		return nil, fmt.Errorf("failed to unmarshal media preference: %w", err)
	}
	return &pref, nil
}

// Set stores the preference
func (r *PreferenceRepository) Set(ctx context.Context, userID uuid.UUID, pref domain.MediaPreference) error {
	data, err := json.Marshal(pref)
	if err != nil {
		return fmt.Errorf("failed to marshal media preference: %w", err)
	}
	if err := r.client.SafeSet(ctx, preferenceKey(userID), data, constants.MediaPreferenceExpiry).Err(); err != nil {
		return fmt.Errorf("failed to set media preference: %w", err)
	}
	return nil
}

// HeartbeatRepository tracks liveness of participants' presence connections
type HeartbeatRepository struct {
	client *database.RedisClient
}

// NewHeartbeatRepository creates a new HeartbeatRepository
func NewHeartbeatRepository(client *database.RedisClient) *HeartbeatRepository {
	return &HeartbeatRepository{client: client}
}

func heartbeatKey(callID, userID uuid.UUID) string {
	return fmt.Sprintf("call:hb:%s:%s", callID, userID)
}

// Touch refreshes the heartbeat; it expires after ttl without another touch
func (r *HeartbeatRepository) Touch(ctx context.Context, callID, userID uuid.UUID, ttl time.Duration) error {
	if err := r.client.SafeSet(ctx, heartbeatKey(callID, userID), time.Now().Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("failed to touch heartbeat: %w", err)
	}
	return nil
}

// IsAlive reports whether the heartbeat has not expired
func (r *HeartbeatRepository) IsAlive(ctx context.Context, callID, userID uuid.UUID) (bool, error) {
	exists, err := r.client.SafeExists(ctx, heartbeatKey(callID, userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check heartbeat: %w", err)
	}
	return exists > 0, nil
}
