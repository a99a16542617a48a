package redis

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"crewcall-backend/internal/database"
	"crewcall-backend/internal/domain"
)

// RoomMemberRepository maps a room scope to its member user ids.
// Project and discussion services write the set; this service reads it to
// address call notifications and adds everyone who joins a call.
type RoomMemberRepository struct {
	client *database.RedisClient
}

// NewRoomMemberRepository creates a new RoomMemberRepository
func NewRoomMemberRepository(client *database.RedisClient) *RoomMemberRepository {
	return &RoomMemberRepository{client: client}
}

func membersKey(scope domain.RoomScope) string {
	return fmt.Sprintf("room:members:%s", scope.Key())
}

// AddMember adds a user to the room
func (r *RoomMemberRepository) AddMember(ctx context.Context, scope domain.RoomScope, userID uuid.UUID) error {
	if err := r.client.SafeSAdd(ctx, membersKey(scope), userID.String()).Err(); err != nil {
		return fmt.Errorf("failed to add room member: %w", err)
	}
	return nil
}

// ListMembers returns the room's member ids
func (r *RoomMemberRepository) ListMembers(ctx context.Context, scope domain.RoomScope) ([]uuid.UUID, error) {
	ids, err := r.client.SafeSMembers(ctx, membersKey(scope)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list room members: %w", err)
	}

	members := make([]uuid.UUID, 0, len(ids))
	for _, idStr := range ids {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue // Skip invalid UUIDs
		}
		members = append(members, id)
	}
	return members, nil
}
