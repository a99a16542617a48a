package changefeed

import (
	"context"
	"sync"

	"crewcall-backend/internal/domain"
	"crewcall-backend/pkg/constants"
)

// LocalFeed is an in-process feed for single-node deployments and tests
type LocalFeed struct {
	mu      sync.Mutex
	streams map[string]map[*localStream]struct{}
	closed  bool
}

// NewLocalFeed creates a new LocalFeed
func NewLocalFeed() *LocalFeed {
	return &LocalFeed{streams: make(map[string]map[*localStream]struct{})}
}

// Publish delivers the event to every stream open on its scope. A stream
// whose buffer is full is closed.
func (f *LocalFeed) Publish(ctx context.Context, event *domain.ChangeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}

	for s := range f.streams[event.Scope.Key()] {
		select {
		case s.events <- event:
		default:
			f.removeLocked(s)
		}
	}
	return nil
}

// Subscribe opens a stream on the scope
func (f *LocalFeed) Subscribe(ctx context.Context, scope domain.RoomScope) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrClosed
	}

	s := &localStream{
		feed:   f,
		key:    scope.Key(),
		events: make(chan *domain.ChangeEvent, constants.SubscriberBuffer),
	}
	if f.streams[s.key] == nil {
		f.streams[s.key] = make(map[*localStream]struct{})
	}
	f.streams[s.key][s] = struct{}{}
	return s, nil
}

// Close ends every open stream
func (f *LocalFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	for _, set := range f.streams {
		for s := range set {
			f.removeLocked(s)
		}
	}
}

func (f *LocalFeed) removeLocked(s *localStream) {
	set, ok := f.streams[s.key]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(f.streams, s.key)
	}
	close(s.events)
}

type localStream struct {
	feed   *LocalFeed
	key    string
	events chan *domain.ChangeEvent
}

func (s *localStream) Events() <-chan *domain.ChangeEvent {
	return s.events
}

func (s *localStream) Close() error {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	s.feed.removeLocked(s)
	return nil
}
