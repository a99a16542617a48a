// Package presence keeps every client watching a room scope in step with
// the session store: a snapshot on subscribe, then committed changes.
package presence

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"crewcall-backend/internal/changefeed"
	"crewcall-backend/internal/domain"
	"crewcall-backend/pkg/constants"
	"crewcall-backend/pkg/logger"
	"crewcall-backend/pkg/metrics"
)

// SnapshotReader reads a scope's current call state from the store
type SnapshotReader interface {
	RoomState(ctx context.Context, scope domain.RoomScope) (*domain.RoomSnapshot, error)
}

// UpdateKind distinguishes snapshots from incremental changes
type UpdateKind string

const (
	UpdateSnapshot UpdateKind = "snapshot"
	UpdateChange   UpdateKind = "change"
)

// Update is one delivery to a subscriber. The first update on every
// subscription is a snapshot.
type Update struct {
	Kind     UpdateKind           `json:"kind"`
	Snapshot *domain.RoomSnapshot `json:"snapshot,omitempty"`
	Change   *domain.ChangeEvent  `json:"change,omitempty"`
}

// Synchronizer fans change events out to subscribers. One feed stream is
// open per scope while that scope has subscribers.
type Synchronizer struct {
	feed       changefeed.Feed
	reader     SnapshotReader
	metrics    *metrics.Metrics
	bufferSize int

	mu     sync.Mutex
	scopes map[string]*scopeHub
}

// NewSynchronizer creates a new Synchronizer
func NewSynchronizer(feed changefeed.Feed, reader SnapshotReader, m *metrics.Metrics) *Synchronizer {
	return &Synchronizer{
		feed:       feed,
		reader:     reader,
		metrics:    m,
		bufferSize: constants.SubscriberBuffer,
		scopes:     make(map[string]*scopeHub),
	}
}

// Subscribe opens a subscription on the scope. The feed stream is attached
// before the snapshot is read, so no committed change falls between them.
func (s *Synchronizer) Subscribe(ctx context.Context, scope domain.RoomScope) (*Subscription, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	sub := &Subscription{
		owner:   s,
		scope:   scope,
		updates: make(chan Update, s.bufferSize),
		seen:    make(map[rowKey]int64),
		pending: true,
	}

	s.mu.Lock()
	hub, ok := s.scopes[scope.Key()]
	if !ok {
		hub = newScopeHub(scope)
		s.scopes[scope.Key()] = hub
		s.metrics.SetPresenceScopes(len(s.scopes))
		go s.open(ctx, hub)
	}
	sub.hub = hub
	hub.add(sub)
	s.mu.Unlock()
	s.metrics.IncPresenceSubscribers()

	select {
	case <-hub.ready:
	case <-ctx.Done():
		sub.Close()
		return nil, ctx.Err()
	}
	if hub.err != nil {
		sub.Close()
		return nil, hub.err
	}

	snapshot, err := s.reader.RoomState(ctx, scope)
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to read room state: %w", err)
	}

	hub.mu.Lock()
	sub.deliverSnapshot(snapshot)
	hub.mu.Unlock()

	return sub, nil
}

// open attaches the hub to the feed and starts its fan-out loop
func (s *Synchronizer) open(ctx context.Context, hub *scopeHub) {
	stream, err := s.feed.Subscribe(context.WithoutCancel(ctx), hub.scope)
	if err != nil {
		logger.Error("Failed to open change feed stream",
			zap.String("scope", hub.scope.Key()),
			zap.Error(err))
		hub.err = fmt.Errorf("failed to open change feed: %w", err)
		s.mu.Lock()
		s.removeHubLocked(hub)
		s.mu.Unlock()
		close(hub.ready)
		return
	}

	hub.stream = stream
	close(hub.ready)
	s.fanOut(hub)
}

func (s *Synchronizer) fanOut(hub *scopeHub) {
	for event := range hub.stream.Events() {
		s.metrics.RecordPresenceEvent(string(event.Table))

		hub.mu.Lock()
		dropped := hub.broadcast(event)
		hub.mu.Unlock()

		for range dropped {
			s.metrics.RecordSlowSubscriberDrop()
			s.metrics.DecPresenceSubscribers()
		}
		if len(dropped) > 0 {
			logger.Warn("Dropped slow presence subscribers",
				zap.String("scope", hub.scope.Key()),
				zap.Int("count", len(dropped)))
			s.releaseIfIdle(hub)
		}
	}

	// The stream ended without us closing it: everyone must resubscribe
	s.mu.Lock()
	s.removeHubLocked(hub)
	s.mu.Unlock()

	hub.mu.Lock()
	lost := hub.dropAll()
	hub.mu.Unlock()
	for range lost {
		s.metrics.DecPresenceSubscribers()
	}
	if len(lost) > 0 {
		logger.Warn("Change feed stream ended, presence subscribers must resync",
			zap.String("scope", hub.scope.Key()),
			zap.Int("count", len(lost)))
	}
}

func (s *Synchronizer) unsubscribe(sub *Subscription) {
	hub := sub.hub

	hub.mu.Lock()
	removed := hub.remove(sub, false)
	hub.mu.Unlock()

	if removed {
		s.metrics.DecPresenceSubscribers()
	}
	s.releaseIfIdle(hub)
}

// releaseIfIdle closes the hub's stream once its last subscriber is gone
func (s *Synchronizer) releaseIfIdle(hub *scopeHub) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hub.mu.Lock()
	idle := len(hub.subs) == 0
	hub.mu.Unlock()
	if !idle || s.scopes[hub.scope.Key()] != hub {
		return
	}
	s.removeHubLocked(hub)

	go func() {
		<-hub.ready
		if hub.stream != nil {
			hub.stream.Close()
		}
	}()
}

func (s *Synchronizer) removeHubLocked(hub *scopeHub) {
	if s.scopes[hub.scope.Key()] == hub {
		delete(s.scopes, hub.scope.Key())
		s.metrics.SetPresenceScopes(len(s.scopes))
	}
}

// ActiveScopes returns the number of scopes with an open stream
func (s *Synchronizer) ActiveScopes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scopes)
}

type scopeHub struct {
	scope  domain.RoomScope
	ready  chan struct{}
	err    error
	stream changefeed.Stream

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func newScopeHub(scope domain.RoomScope) *scopeHub {
	return &scopeHub{
		scope: scope,
		ready: make(chan struct{}),
		subs:  make(map[*Subscription]struct{}),
	}
}

func (h *scopeHub) add(sub *Subscription) {
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
}

// broadcast delivers to every subscriber and returns those dropped for being slow
func (h *scopeHub) broadcast(event *domain.ChangeEvent) []*Subscription {
	var dropped []*Subscription
	for sub := range h.subs {
		if !sub.deliverChange(event) {
			h.remove(sub, true)
			dropped = append(dropped, sub)
		}
	}
	return dropped
}

func (h *scopeHub) dropAll() []*Subscription {
	dropped := make([]*Subscription, 0, len(h.subs))
	for sub := range h.subs {
		h.remove(sub, true)
		dropped = append(dropped, sub)
	}
	return dropped
}

// remove detaches the subscriber and closes its channel. Caller holds h.mu.
func (h *scopeHub) remove(sub *Subscription, lost bool) bool {
	if _, ok := h.subs[sub]; !ok {
		return false
	}
	delete(h.subs, sub)
	if lost {
		sub.lost.Store(true)
	}
	close(sub.updates)
	return true
}

type rowKey struct {
	table  domain.ChangeTable
	callID string
	userID string
}

func sessionKey(session *domain.CallSession) rowKey {
	return rowKey{table: domain.TableCallSessions, callID: session.ID.String()}
}

func participantKey(p *domain.Participant) rowKey {
	return rowKey{table: domain.TableCallParticipants, callID: p.CallID.String(), userID: p.UserID.String()}
}

func changeKey(event *domain.ChangeEvent) (rowKey, int64) {
	if event.Session != nil {
		return sessionKey(event.Session), event.Session.Revision
	}
	return participantKey(event.Participant), event.Participant.Revision
}

// Subscription is one subscriber's handle. Updates() is closed by Close, or
// by the synchronizer when the subscriber falls behind or the feed fails;
// Lost() tells the two apart.
type Subscription struct {
	owner   *Synchronizer
	hub     *scopeHub
	scope   domain.RoomScope
	updates chan Update
	lost    atomic.Bool
	once    sync.Once

	// guarded by hub.mu
	seen     map[rowKey]int64
	pending  bool
	backlog  []*domain.ChangeEvent
	overflow bool
}

// Scope returns the subscribed scope
func (s *Subscription) Scope() domain.RoomScope {
	return s.scope
}

// Updates returns the delivery channel
func (s *Subscription) Updates() <-chan Update {
	return s.updates
}

// Lost reports whether the synchronizer dropped this subscription.
// A lost subscriber must subscribe again to get a fresh snapshot.
func (s *Subscription) Lost() bool {
	return s.lost.Load()
}

// Close ends the subscription
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.owner.unsubscribe(s)
	})
}

// deliverSnapshot sends the snapshot, then anything that arrived while it was
// being read and is newer than it. Caller holds hub.mu.
func (s *Subscription) deliverSnapshot(snapshot *domain.RoomSnapshot) {
	if _, ok := s.hub.subs[s]; !ok {
		return
	}
	if s.overflow {
		s.hub.remove(s, true)
		return
	}

	if snapshot.ActiveCall != nil {
		s.seen[sessionKey(snapshot.ActiveCall)] = snapshot.ActiveCall.Revision
	}
	for _, p := range snapshot.Participants {
		s.seen[participantKey(p)] = p.Revision
	}

	s.updates <- Update{Kind: UpdateSnapshot, Snapshot: snapshot}
	s.pending = false

	backlog := s.backlog
	s.backlog = nil
	for _, event := range backlog {
		if !s.deliverChange(event) {
			s.hub.remove(s, true)
			return
		}
	}
}

// deliverChange forwards an event unless it is stale. Returns false when the
// subscriber's buffer is full. Caller holds hub.mu.
func (s *Subscription) deliverChange(event *domain.ChangeEvent) bool {
	if s.pending {
		if len(s.backlog) >= cap(s.updates)-1 {
			s.overflow = true
			return true
		}
		s.backlog = append(s.backlog, event)
		return true
	}

	key, revision := changeKey(event)
	if revision <= s.seen[key] {
		return true
	}

	select {
	case s.updates <- Update{Kind: UpdateChange, Change: event}:
		s.seen[key] = revision
		return true
	default:
		return false
	}
}
