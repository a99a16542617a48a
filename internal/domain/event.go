package domain

import (
	"time"

	"github.com/google/uuid"
)

// ChangeTable names the relation a change event refers to
type ChangeTable string

const (
	TableCallSessions     ChangeTable = "call_sessions"
	TableCallParticipants ChangeTable = "call_participants"
)

// ChangeOp is the kind of committed write
type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
)

// ChangeEvent describes one committed row write in the session store.
// Exactly one of Session or Participant is set.
type ChangeEvent struct {
	Table       ChangeTable  `json:"table"`
	Op          ChangeOp     `json:"op"`
	Scope       RoomScope    `json:"room_scope"`
	Session     *CallSession `json:"session,omitempty"`
	Participant *Participant `json:"participant,omitempty"`
	CommittedAt time.Time    `json:"committed_at"`
}

// SessionChanged builds a change event for a call session row
func SessionChanged(op ChangeOp, session *CallSession) *ChangeEvent {
	return &ChangeEvent{
		Table:       TableCallSessions,
		Op:          op,
		Scope:       session.Scope,
		Session:     session,
		CommittedAt: time.Now().UTC(),
	}
}

// ParticipantChanged builds a change event for a participant row
func ParticipantChanged(op ChangeOp, scope RoomScope, p *Participant) *ChangeEvent {
	return &ChangeEvent{
		Table:       TableCallParticipants,
		Op:          op,
		Scope:       scope,
		Participant: p,
		CommittedAt: time.Now().UTC(),
	}
}

// CallEventType enumerates call history entries
type CallEventType string

const (
	CallEventStarted     CallEventType = "call_started"
	CallEventEnded       CallEventType = "call_ended"
	CallEventJoined      CallEventType = "participant_joined"
	CallEventLeft        CallEventType = "participant_left"
	CallEventAudioToggle CallEventType = "audio_toggled"
	CallEventVideoToggle CallEventType = "video_toggled"
)

// CallEvent is an append-only history record kept for audit and analytics
type CallEvent struct {
	CallID    uuid.UUID         `json:"call_id"`
	EventID   uuid.UUID         `json:"event_id"`
	Type      CallEventType     `json:"type"`
	UserID    uuid.UUID         `json:"user_id"`
	Scope     RoomScope         `json:"room_scope"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// CallStartedEvent is emitted to the notification dispatcher after a successful start
type CallStartedEvent struct {
	Type      string    `json:"type"`
	Scope     RoomScope `json:"room_scope"`
	StartedBy uuid.UUID `json:"started_by"`
	CallID    uuid.UUID `json:"call_id"`
	Kind      CallKind  `json:"call_kind"`
	StartedAt time.Time `json:"started_at"`
}
