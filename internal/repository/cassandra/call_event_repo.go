package cassandra

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"crewcall-backend/internal/domain"
)

// CallEventSchema creates the call history table. Partitioned by call so a
// call's timeline is one partition read.
const CallEventSchema = `
	CREATE TABLE IF NOT EXISTS call_events (
		call_id uuid,
		event_id timeuuid,
		event_type text,
		user_id uuid,
		scope_type text,
		scope_id text,
		metadata map<text, text>,
		created_at timestamp,
		PRIMARY KEY (call_id, event_id)
	) WITH CLUSTERING ORDER BY (event_id ASC)
`

// CallEventRepository stores append-only call history in Cassandra
type CallEventRepository struct {
	session *gocql.Session
}

// NewCallEventRepository creates a new CallEventRepository
func NewCallEventRepository(session *gocql.Session) *CallEventRepository {
	return &CallEventRepository{session: session}
}

// EnsureSchema creates the call_events table
func (r *CallEventRepository) EnsureSchema(ctx context.Context) error {
	if err := r.session.Query(CallEventSchema).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("failed to create call_events table: %w", err)
	}
	return nil
}

// Append inserts one history event
func (r *CallEventRepository) Append(ctx context.Context, event *domain.CallEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	eventID := gocql.UUIDFromTime(event.CreatedAt)
	event.EventID = uuid.UUID(eventID)

	query := `
		INSERT INTO call_events (
			call_id, event_id, event_type, user_id, scope_type, scope_id, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := r.session.Query(query,
		gocql.UUID(event.CallID),
		eventID,
		string(event.Type),
		gocql.UUID(event.UserID),
		string(event.Scope.Type),
		event.Scope.ID,
		event.Metadata,
		event.CreatedAt,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to append call event: %w", err)
	}
	return nil
}

// ListByCall returns a call's events in order
func (r *CallEventRepository) ListByCall(ctx context.Context, callID uuid.UUID, limit int) ([]*domain.CallEvent, error) {
	query := `
		SELECT call_id, event_id, event_type, user_id, scope_type, scope_id, metadata, created_at
		FROM call_events
		WHERE call_id = ?
		LIMIT ?
	`

	iter := r.session.Query(query, gocql.UUID(callID), limit).WithContext(ctx).Iter()

	var events []*domain.CallEvent
	for {
		var (
			cID, eID, uID        gocql.UUID
			eventType, scopeType string
			event                = &domain.CallEvent{}
		)
		if !iter.Scan(
			&cID,
			&eID,
			&eventType,
			&uID,
			&scopeType,
			&event.Scope.ID,
			&event.Metadata,
			&event.CreatedAt,
		) {
			break
		}
		event.CallID = uuid.UUID(cID)
		event.EventID = uuid.UUID(eID)
		event.UserID = uuid.UUID(uID)
		event.Type = domain.CallEventType(eventType)
		event.Scope.Type = domain.ScopeType(scopeType)
		events = append(events, event)
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list call events: %w", err)
	}
	return events, nil
}
