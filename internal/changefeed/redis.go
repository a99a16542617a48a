package changefeed

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"crewcall-backend/internal/database"
	"crewcall-backend/internal/domain"
	"crewcall-backend/pkg/constants"
	"crewcall-backend/pkg/logger"
)

// RedisFeed fans change events out across processes over Redis pub/sub
type RedisFeed struct {
	client *database.RedisClient
}

// NewRedisFeed creates a new RedisFeed
func NewRedisFeed(client *database.RedisClient) *RedisFeed {
	return &RedisFeed{client: client}
}

// Publish sends the event on the scope's channel
func (f *RedisFeed) Publish(ctx context.Context, event *domain.ChangeEvent) error {
	data, err := encodeEvent(event)
	if err != nil {
		return err
	}
	if err := f.client.SafePublish(ctx, channelName(event.Scope), data).Err(); err != nil {
		return fmt.Errorf("failed to publish change event: %w", err)
	}
	return nil
}

// Subscribe opens a stream on the scope's channel
func (f *RedisFeed) Subscribe(ctx context.Context, scope domain.RoomScope) (Stream, error) {
	pubsub := f.client.Subscribe(ctx, channelName(scope))

	// Wait for the subscription confirmation before returning
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to change feed: %w", err)
	}

	s := &redisStream{
		pubsub: pubsub,
		events: make(chan *domain.ChangeEvent, constants.SubscriberBuffer),
		done:   make(chan struct{}),
		scope:  scope,
	}
	go s.run()
	return s, nil
}

type redisStream struct {
	pubsub    *redis.PubSub
	events    chan *domain.ChangeEvent
	done      chan struct{}
	closeOnce sync.Once
	scope     domain.RoomScope
}

func (s *redisStream) Events() <-chan *domain.ChangeEvent {
	return s.events
}

func (s *redisStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

func (s *redisStream) run() {
	defer close(s.events)

	// The initial confirmation was consumed in Subscribe, so any further
	// subscription message means go-redis reconnected and may have missed events.
	for msg := range s.pubsub.ChannelWithSubscriptions() {
		var payload string
		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind != "subscribe" {
				continue
			}
			logger.Warn("Change feed resubscribed after reconnect, closing stream",
				zap.String("scope", s.scope.Key()))
			s.Close()
			return
		case *redis.Message:
			payload = m.Payload
		default:
			continue
		}

		event, err := decodeEvent([]byte(payload))
		if err != nil {
			logger.Warn("Dropping malformed change event",
				zap.String("scope", s.scope.Key()),
				zap.Error(err))
			continue
		}

		select {
		case s.events <- event:
		case <-s.done:
			return
		default:
			// Reader fell behind. End the stream so consumers resync.
			logger.Warn("Change feed reader too slow, closing stream",
				zap.String("scope", s.scope.Key()))
			s.Close()
			return
		}
	}
}
