package presence

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"crewcall-backend/internal/domain"
)

type participantID struct {
	callID uuid.UUID
	userID uuid.UUID
}

// RoomState is a client's read model of one scope. Store updates always win
// over optimistic local edits.
type RoomState struct {
	mu           sync.RWMutex
	scope        domain.RoomScope
	call         *domain.CallSession
	participants map[participantID]*domain.Participant
	optimistic   map[participantID]*domain.Participant
}

// NewRoomState creates an empty RoomState
func NewRoomState(scope domain.RoomScope) *RoomState {
	return &RoomState{
		scope:        scope,
		participants: make(map[participantID]*domain.Participant),
		optimistic:   make(map[participantID]*domain.Participant),
	}
}

// Apply reconciles an update from the synchronizer. Returns false when the
// update was stale or for another scope.
func (r *RoomState) Apply(update Update) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch update.Kind {
	case UpdateSnapshot:
		if update.Snapshot == nil || update.Snapshot.Scope != r.scope {
			return false
		}
		r.call = update.Snapshot.ActiveCall
		r.participants = make(map[participantID]*domain.Participant, len(update.Snapshot.Participants))
		r.optimistic = make(map[participantID]*domain.Participant)
		for _, p := range update.Snapshot.Participants {
			r.participants[participantID{p.CallID, p.UserID}] = p
		}
		return true

	case UpdateChange:
		if update.Change == nil || update.Change.Scope != r.scope {
			return false
		}
		if update.Change.Session != nil {
			return r.applySession(update.Change.Session)
		}
		if update.Change.Participant != nil {
			return r.applyParticipant(update.Change.Participant)
		}
	}
	return false
}

func (r *RoomState) applySession(session *domain.CallSession) bool {
	if r.call != nil && r.call.ID == session.ID {
		if session.Revision <= r.call.Revision {
			return false
		}
		r.call = session
		return true
	}

	// A different call; an ended one only matters if it is ours
	if !session.IsActive() {
		return false
	}
	r.call = session
	for id := range r.participants {
		if id.callID != session.ID {
			delete(r.participants, id)
		}
	}
	for id := range r.optimistic {
		if id.callID != session.ID {
			delete(r.optimistic, id)
		}
	}
	return true
}

func (r *RoomState) applyParticipant(p *domain.Participant) bool {
	id := participantID{p.CallID, p.UserID}
	if current, ok := r.participants[id]; ok && p.Revision <= current.Revision {
		return false
	}
	r.participants[id] = p
	delete(r.optimistic, id)
	return true
}

// ApplyOptimistic records a local edit, shown until the store's next update
// for the same participant arrives
func (r *RoomState) ApplyOptimistic(p *domain.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.optimistic[participantID{p.CallID, p.UserID}] = p
}

// ActiveCall returns the scope's active call, or nil
func (r *RoomState) ActiveCall() *domain.CallSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.call.IsActive() {
		return nil
	}
	return r.call
}

// LiveParticipants returns the active call's participants that have not
// left, ordered by join time. Empty when there is no active call.
func (r *RoomState) LiveParticipants() []*domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	live := []*domain.Participant{}
	if !r.call.IsActive() {
		return live
	}

	merged := make(map[participantID]*domain.Participant, len(r.participants)+len(r.optimistic))
	for id, p := range r.participants {
		merged[id] = p
	}
	for id, p := range r.optimistic {
		merged[id] = p
	}
	for id, p := range merged {
		if id.callID == r.call.ID && p.IsLive() {
			live = append(live, p)
		}
	}

	sort.Slice(live, func(i, j int) bool {
		if live[i].JoinedAt.Equal(live[j].JoinedAt) {
			return live[i].UserID.String() < live[j].UserID.String()
		}
		return live[i].JoinedAt.Before(live[j].JoinedAt)
	})
	return live
}
