package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"crewcall-backend/internal/domain"
)

// uniqueViolation is the SQLSTATE for unique_violation
const uniqueViolation = "23505"

const sessionColumns = `id, scope_type, scope_id, call_kind, media_room_name, media_room_url,
	started_by, status, started_at, ended_at, revision`

const participantColumns = `call_id, user_id, scope_type, scope_id, joined_at, left_at,
	is_audio_enabled, is_video_enabled, revision`

// CallRepository is the session store backed by CockroachDB
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// CreateSession inserts a new active session.
// Returns domain.ErrActiveCallExists when the scope already has an active session.
func (r *CallRepository) CreateSession(ctx context.Context, session *domain.CallSession) error {
	query := `
		INSERT INTO call_sessions (
			id, scope_type, scope_id, call_kind, media_room_name, media_room_url,
			started_by, status, started_at, revision
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
	`

	_, err := r.pool.Exec(ctx, query,
		session.ID,
		string(session.Scope.Type),
		session.Scope.ID,
		string(session.Kind),
		session.MediaRoom.Name,
		session.MediaRoom.URL,
		session.StartedBy,
		string(domain.CallStatusActive),
		session.StartedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrActiveCallExists
		}
		return fmt.Errorf("failed to create call session: %w", err)
	}

	session.Status = domain.CallStatusActive
	session.Revision = 1
	return nil
}

// GetSession retrieves a session by id
func (r *CallRepository) GetSession(ctx context.Context, callID uuid.UUID) (*domain.CallSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM call_sessions WHERE id = $1`

	session, err := scanSession(r.pool.QueryRow(ctx, query, callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCallNotFound
		}
		return nil, fmt.Errorf("failed to get call session: %w", err)
	}
	return session, nil
}

// GetActiveSession retrieves the active session for a scope
func (r *CallRepository) GetActiveSession(ctx context.Context, scope domain.RoomScope) (*domain.CallSession, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM call_sessions
		WHERE scope_type = $1 AND scope_id = $2 AND status = 'active'
	`

	session, err := scanSession(r.pool.QueryRow(ctx, query, string(scope.Type), scope.ID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCallNotFound
		}
		return nil, fmt.Errorf("failed to get active call session: %w", err)
	}
	return session, nil
}

// EndSession moves an active session started by startedBy to ended.
// Returns domain.ErrCallNotFound when no active session matched.
func (r *CallRepository) EndSession(ctx context.Context, callID, startedBy uuid.UUID, endedAt time.Time) (*domain.CallSession, error) {
	query := `
		UPDATE call_sessions
		SET status = 'ended', ended_at = $3, revision = revision + 1
		WHERE id = $1 AND started_by = $2 AND status = 'active'
		RETURNING ` + sessionColumns

	session, err := scanSession(r.pool.QueryRow(ctx, query, callID, startedBy, endedAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCallNotFound
		}
		return nil, fmt.Errorf("failed to end call session: %w", err)
	}
	return session, nil
}

// UpsertParticipant inserts the participant or revives a left row, only while the
// session is active in p.Scope. The returned bool is false when the participant
// was already live and nothing changed. Returns domain.ErrCallNotFound when the
// session is not active in that scope.
func (r *CallRepository) UpsertParticipant(ctx context.Context, p *domain.Participant) (*domain.Participant, bool, error) {
	query := `
		INSERT INTO call_participants (` + participantColumns + `)
		SELECT s.id, $2, s.scope_type, s.scope_id, $5, NULL, $6, $7, 1
		FROM call_sessions s
		WHERE s.id = $1 AND s.scope_type = $3 AND s.scope_id = $4 AND s.status = 'active'
		ON CONFLICT (call_id, user_id) DO UPDATE SET
			joined_at = excluded.joined_at,
			left_at = NULL,
			is_audio_enabled = excluded.is_audio_enabled,
			is_video_enabled = excluded.is_video_enabled,
			revision = call_participants.revision + 1
		WHERE call_participants.left_at IS NOT NULL
		RETURNING ` + participantColumns

	row, err := scanParticipant(r.pool.QueryRow(ctx, query,
		p.CallID,
		p.UserID,
		string(p.Scope.Type),
		p.Scope.ID,
		p.JoinedAt,
		p.IsAudioEnabled,
		p.IsVideoEnabled,
	))
	if err == nil {
		return row, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to upsert participant: %w", err)
	}

	// Nothing written: either already live, or the session is not active.
	existing, err := r.GetParticipant(ctx, p.CallID, p.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrParticipantNotFound) {
			return nil, false, domain.ErrCallNotFound
		}
		return nil, false, err
	}
	if existing.IsLive() && existing.Scope == p.Scope {
		return existing, false, nil
	}
	return nil, false, domain.ErrCallNotFound
}

// GetParticipant retrieves one participant row
func (r *CallRepository) GetParticipant(ctx context.Context, callID, userID uuid.UUID) (*domain.Participant, error) {
	query := `SELECT ` + participantColumns + ` FROM call_participants WHERE call_id = $1 AND user_id = $2`

	p, err := scanParticipant(r.pool.QueryRow(ctx, query, callID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrParticipantNotFound
		}
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	return p, nil
}

// MarkLeft sets left_at on a live participant row.
// Returns domain.ErrParticipantNotFound when the participant is not live.
func (r *CallRepository) MarkLeft(ctx context.Context, scope domain.RoomScope, callID, userID uuid.UUID, leftAt time.Time) (*domain.Participant, error) {
	query := `
		UPDATE call_participants
		SET left_at = $5, revision = revision + 1
		WHERE call_id = $1 AND user_id = $2 AND scope_type = $3 AND scope_id = $4 AND left_at IS NULL
		RETURNING ` + participantColumns

	return r.updateLiveParticipant(ctx, "mark participant left", query, callID, userID, string(scope.Type), scope.ID, leftAt)
}

// ToggleAudio flips is_audio_enabled on a live participant row
func (r *CallRepository) ToggleAudio(ctx context.Context, scope domain.RoomScope, callID, userID uuid.UUID) (*domain.Participant, error) {
	query := `
		UPDATE call_participants
		SET is_audio_enabled = NOT is_audio_enabled, revision = revision + 1
		WHERE call_id = $1 AND user_id = $2 AND scope_type = $3 AND scope_id = $4 AND left_at IS NULL
		RETURNING ` + participantColumns

	return r.updateLiveParticipant(ctx, "toggle audio", query, callID, userID, string(scope.Type), scope.ID)
}

// ToggleVideo flips is_video_enabled on a live participant row
func (r *CallRepository) ToggleVideo(ctx context.Context, scope domain.RoomScope, callID, userID uuid.UUID) (*domain.Participant, error) {
	query := `
		UPDATE call_participants
		SET is_video_enabled = NOT is_video_enabled, revision = revision + 1
		WHERE call_id = $1 AND user_id = $2 AND scope_type = $3 AND scope_id = $4 AND left_at IS NULL
		RETURNING ` + participantColumns

	return r.updateLiveParticipant(ctx, "toggle video", query, callID, userID, string(scope.Type), scope.ID)
}

func (r *CallRepository) updateLiveParticipant(ctx context.Context, op, query string, args ...any) (*domain.Participant, error) {
	p, err := scanParticipant(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrParticipantNotFound
		}
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	return p, nil
}

// ListParticipants retrieves every participant row of a call, live or not
func (r *CallRepository) ListParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.Participant, error) {
	query := `
		SELECT ` + participantColumns + `
		FROM call_participants
		WHERE call_id = $1
		ORDER BY joined_at ASC
	`

	rows, err := r.pool.Query(ctx, query, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	return collectParticipants(rows)
}

// ListLiveParticipants retrieves live participants of all active sessions
func (r *CallRepository) ListLiveParticipants(ctx context.Context) ([]*domain.Participant, error) {
	query := `
		SELECT p.call_id, p.user_id, p.scope_type, p.scope_id, p.joined_at, p.left_at,
			p.is_audio_enabled, p.is_video_enabled, p.revision
		FROM call_participants p
		JOIN call_sessions s ON s.id = p.call_id
		WHERE s.status = 'active' AND p.left_at IS NULL
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list live participants: %w", err)
	}
	return collectParticipants(rows)
}

func collectParticipants(rows pgx.Rows) ([]*domain.Participant, error) {
	defer rows.Close()

	var participants []*domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate participants: %w", err)
	}
	return participants, nil
}

func scanSession(row pgx.Row) (*domain.CallSession, error) {
	s := &domain.CallSession{}
	var scopeType, kind, status string
	err := row.Scan(
		&s.ID,
		&scopeType,
		&s.Scope.ID,
		&kind,
		&s.MediaRoom.Name,
		&s.MediaRoom.URL,
		&s.StartedBy,
		&status,
		&s.StartedAt,
		&s.EndedAt,
		&s.Revision,
	)
	if err != nil {
		return nil, err
	}
	s.Scope.Type = domain.ScopeType(scopeType)
	s.Kind = domain.CallKind(kind)
	s.Status = domain.CallStatus(status)
	return s, nil
}

func scanParticipant(row pgx.Row) (*domain.Participant, error) {
	p := &domain.Participant{}
	var scopeType string
	err := row.Scan(
		&p.CallID,
		&p.UserID,
		&scopeType,
		&p.Scope.ID,
		&p.JoinedAt,
		&p.LeftAt,
		&p.IsAudioEnabled,
		&p.IsVideoEnabled,
		&p.Revision,
	)
	if err != nil {
		return nil, err
	}
	p.Scope.Type = domain.ScopeType(scopeType)
	return p, nil
}
