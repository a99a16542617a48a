package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ScopeType identifies the kind of room a call belongs to
type ScopeType string

const (
	ScopeProject    ScopeType = "project"
	ScopeDiscussion ScopeType = "discussion"
)

// RoomScope is the (type, id) pair owning a call
type RoomScope struct {
	Type ScopeType `json:"scope_type"`
	ID   string    `json:"scope_id"`
}

// NewRoomScope validates and builds a RoomScope
func NewRoomScope(scopeType, scopeID string) (RoomScope, error) {
	scope := RoomScope{Type: ScopeType(strings.ToLower(scopeType)), ID: strings.TrimSpace(scopeID)}
	if err := scope.Validate(); err != nil {
		return RoomScope{}, err
	}
	return scope, nil
}

// Validate checks the scope type and id
func (s RoomScope) Validate() error {
	switch s.Type {
	case ScopeProject, ScopeDiscussion:
	default:
		return fmt.Errorf("invalid scope type %q", s.Type)
	}
	if s.ID == "" {
		return fmt.Errorf("scope id is required")
	}
	if len(s.ID) > 128 {
		return fmt.Errorf("scope id too long")
	}
	return nil
}

// Key returns a stable string form, used for channel names and map keys
func (s RoomScope) Key() string {
	return string(s.Type) + ":" + s.ID
}

func (s RoomScope) String() string {
	return s.Key()
}

// CallKind is audio or video
type CallKind string

const (
	CallKindAudio CallKind = "audio"
	CallKindVideo CallKind = "video"
)

// Valid reports whether k is a known call kind
func (k CallKind) Valid() bool {
	return k == CallKindAudio || k == CallKindVideo
}

// CallStatus is the session lifecycle state. active -> ended only.
type CallStatus string

const (
	CallStatusActive CallStatus = "active"
	CallStatusEnded  CallStatus = "ended"
)

// MediaRoomRef is the provider-assigned media room, immutable after creation
type MediaRoomRef struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// CallSession represents an audio/video call attached to a room scope
type CallSession struct {
	ID        uuid.UUID    `json:"id"`
	Scope     RoomScope    `json:"room_scope"`
	Kind      CallKind     `json:"call_kind"`
	MediaRoom MediaRoomRef `json:"media_room"`
	StartedBy uuid.UUID    `json:"started_by"`
	Status    CallStatus   `json:"status"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   *time.Time   `json:"ended_at,omitempty"`
	Revision  int64        `json:"revision"`
}

// IsActive reports whether the session has not ended
func (c *CallSession) IsActive() bool {
	return c != nil && c.Status == CallStatusActive
}

// Duration returns how long the call ran, or has been running
func (c *CallSession) Duration(now time.Time) time.Duration {
	if c.EndedAt != nil {
		return c.EndedAt.Sub(c.StartedAt)
	}
	return now.Sub(c.StartedAt)
}

// Participant represents one user's presence in a call.
// At most one row exists per (CallID, UserID).
type Participant struct {
	CallID         uuid.UUID  `json:"call_id"`
	UserID         uuid.UUID  `json:"user_id"`
	Scope          RoomScope  `json:"room_scope"`
	JoinedAt       time.Time  `json:"joined_at"`
	LeftAt         *time.Time `json:"left_at,omitempty"`
	IsAudioEnabled bool       `json:"is_audio_enabled"`
	IsVideoEnabled bool       `json:"is_video_enabled"`
	Revision       int64      `json:"revision"`
}

// IsLive returns true while the participant has not left
func (p *Participant) IsLive() bool {
	return p != nil && p.LeftAt == nil
}

// LiveParticipants filters out participants that have left
func LiveParticipants(participants []*Participant) []*Participant {
	live := make([]*Participant, 0, len(participants))
	for _, p := range participants {
		if p.IsLive() {
			live = append(live, p)
		}
	}
	return live
}

// MediaPreference is a user's last-known audio/video choice
type MediaPreference struct {
	AudioEnabled bool `json:"audio_enabled"`
	VideoEnabled bool `json:"video_enabled"`
}

// DefaultMediaPreference is used on a user's first ever join
func DefaultMediaPreference() MediaPreference {
	return MediaPreference{AudioEnabled: true, VideoEnabled: true}
}

// RoomSnapshot is the state of a scope's call at one instant.
// ActiveCall is nil when the scope has no active call.
type RoomSnapshot struct {
	Scope        RoomScope      `json:"room_scope"`
	ActiveCall   *CallSession   `json:"active_call"`
	Participants []*Participant `json:"live_participants"`
}
