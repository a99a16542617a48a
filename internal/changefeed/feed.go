// Package changefeed carries committed session store writes to interested
// processes, filtered by room scope.
package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"crewcall-backend/internal/domain"
)

// ErrClosed is returned when publishing to or subscribing on a closed feed
var ErrClosed = errors.New("change feed closed")

// Stream delivers change events for one scope. Events() is closed when the
// stream ends, either through Close or because the feed dropped it.
type Stream interface {
	Events() <-chan *domain.ChangeEvent
	Close() error
}

// Feed publishes change events and opens per-scope streams.
// Subscribe returns only once the stream is receiving, so anything published
// after it returns is delivered.
type Feed interface {
	Publish(ctx context.Context, event *domain.ChangeEvent) error
	Subscribe(ctx context.Context, scope domain.RoomScope) (Stream, error)
}

func channelName(scope domain.RoomScope) string {
	return fmt.Sprintf("call:feed:%s", scope.Key())
}

func encodeEvent(event *domain.ChangeEvent) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal change event: %w", err)
	}
	return data, nil
}

func decodeEvent(data []byte) (*domain.ChangeEvent, error) {
	var event domain.ChangeEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal change event: %w", err)
	}
	if event.Session == nil && event.Participant == nil {
		return nil, fmt.Errorf("change event without a row")
	}
	return &event, nil
}
