// Package provisioner allocates media rooms on the room-hosting provider and
// issues the access tokens clients use to connect to them.
package provisioner

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"crewcall-backend/internal/domain"
)

// ErrNotConfigured is returned when a provisioner is used without credentials
var ErrNotConfigured = errors.New("media provider not configured")

// RoomHint describes the call a room is being allocated for
type RoomHint struct {
	Scope domain.RoomScope
	Kind  domain.CallKind
}

// AccessGrant lets one participant connect to a media room
type AccessGrant struct {
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	Room      string    `json:"room"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Provisioner is the room-hosting provider
type Provisioner interface {
	// Allocate creates a media room. The caller bounds it with a deadline.
	Allocate(ctx context.Context, hint RoomHint) (domain.MediaRoomRef, error)
	// Release frees a room that never became part of a call
	Release(ctx context.Context, room domain.MediaRoomRef) error
	// IssueToken grants userID access to the room for a call of the given kind
	IssueToken(ctx context.Context, room domain.MediaRoomRef, userID uuid.UUID, kind domain.CallKind) (*AccessGrant, error)
}

func roomName() string {
	return "call-" + uuid.NewString()
}
