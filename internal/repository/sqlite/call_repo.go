// Package sqlite is the single-node session store. It mirrors the CockroachDB
// repository statement for statement so the same conditional writes hold.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"crewcall-backend/internal/domain"
)

const sessionColumns = `id, scope_type, scope_id, call_kind, media_room_name, media_room_url,
	started_by, status, started_at, ended_at, revision`

const participantColumns = `call_id, user_id, scope_type, scope_id, joined_at, left_at,
	is_audio_enabled, is_video_enabled, revision`

var schema = []string{
	`CREATE TABLE IF NOT EXISTS call_sessions (
		id TEXT PRIMARY KEY,
		scope_type TEXT NOT NULL,
		scope_id TEXT NOT NULL,
		call_kind TEXT NOT NULL CHECK (call_kind IN ('audio', 'video')),
		media_room_name TEXT NOT NULL,
		media_room_url TEXT NOT NULL,
		started_by TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'ended')),
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		revision INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS call_sessions_one_active
		ON call_sessions (scope_type, scope_id) WHERE status = 'active'`,
	`CREATE INDEX IF NOT EXISTS call_sessions_scope_status
		ON call_sessions (scope_type, scope_id, status)`,
	`CREATE TABLE IF NOT EXISTS call_participants (
		call_id TEXT NOT NULL REFERENCES call_sessions (id),
		user_id TEXT NOT NULL,
		scope_type TEXT NOT NULL,
		scope_id TEXT NOT NULL,
		joined_at INTEGER NOT NULL,
		left_at INTEGER,
		is_audio_enabled INTEGER NOT NULL DEFAULT 1,
		is_video_enabled INTEGER NOT NULL DEFAULT 1,
		revision INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (call_id, user_id)
	)`,
}

// EnsureSchema creates the call tables and indexes if they do not exist
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// CallRepository is the session store backed by SQLite
type CallRepository struct {
	db *sql.DB
}

// NewCallRepository creates a new call repository
func NewCallRepository(db *sql.DB) *CallRepository {
	return &CallRepository{db: db}
}

// CreateSession inserts a new active session.
// Returns domain.ErrActiveCallExists when the scope already has an active session.
func (r *CallRepository) CreateSession(ctx context.Context, session *domain.CallSession) error {
	query := `
		INSERT INTO call_sessions (
			id, scope_type, scope_id, call_kind, media_room_name, media_room_url,
			started_by, status, started_at, revision
		) VALUES (?, ?, ?, ?, ?, ?, ?, 'active', ?, 1)
	`

	_, err := r.db.ExecContext(ctx, query,
		session.ID.String(),
		string(session.Scope.Type),
		session.Scope.ID,
		string(session.Kind),
		session.MediaRoom.Name,
		session.MediaRoom.URL,
		session.StartedBy.String(),
		session.StartedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
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
	query := `SELECT ` + sessionColumns + ` FROM call_sessions WHERE id = ?`

	session, err := scanSession(r.db.QueryRowContext(ctx, query, callID.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
		WHERE scope_type = ? AND scope_id = ? AND status = 'active'
	`

	session, err := scanSession(r.db.QueryRowContext(ctx, query, string(scope.Type), scope.ID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
		SET status = 'ended', ended_at = ?, revision = revision + 1
		WHERE id = ? AND started_by = ? AND status = 'active'
		RETURNING ` + sessionColumns

	session, err := scanSession(r.db.QueryRowContext(ctx, query, endedAt.UnixNano(), callID.String(), startedBy.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrCallNotFound
		}
		return nil, fmt.Errorf("failed to end call session: %w", err)
	}
	return session, nil
}

// UpsertParticipant inserts the participant or revives a left row, only while the
// session is active in p.Scope. The returned bool is false when the participant
// was already live and nothing changed.
func (r *CallRepository) UpsertParticipant(ctx context.Context, p *domain.Participant) (*domain.Participant, bool, error) {
	query := `
		INSERT INTO call_participants (` + participantColumns + `)
		SELECT s.id, ?, s.scope_type, s.scope_id, ?, NULL, ?, ?, 1
		FROM call_sessions s
		WHERE s.id = ? AND s.scope_type = ? AND s.scope_id = ? AND s.status = 'active'
		ON CONFLICT (call_id, user_id) DO UPDATE SET
			joined_at = excluded.joined_at,
			left_at = NULL,
			is_audio_enabled = excluded.is_audio_enabled,
			is_video_enabled = excluded.is_video_enabled,
			revision = call_participants.revision + 1
		WHERE call_participants.left_at IS NOT NULL
		RETURNING ` + participantColumns

	row, err := scanParticipant(r.db.QueryRowContext(ctx, query,
		p.UserID.String(),
		p.JoinedAt.UnixNano(),
		p.IsAudioEnabled,
		p.IsVideoEnabled,
		p.CallID.String(),
		string(p.Scope.Type),
		p.Scope.ID,
	))
	if err == nil {
		return row, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to upsert participant: %w", err)
	}

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
	query := `SELECT ` + participantColumns + ` FROM call_participants WHERE call_id = ? AND user_id = ?`

	p, err := scanParticipant(r.db.QueryRowContext(ctx, query, callID.String(), userID.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrParticipantNotFound
		}
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	return p, nil
}

// MarkLeft sets left_at on a live participant row
func (r *CallRepository) MarkLeft(ctx context.Context, scope domain.RoomScope, callID, userID uuid.UUID, leftAt time.Time) (*domain.Participant, error) {
	query := `
		UPDATE call_participants
		SET left_at = ?, revision = revision + 1
		WHERE call_id = ? AND user_id = ? AND scope_type = ? AND scope_id = ? AND left_at IS NULL
		RETURNING ` + participantColumns

	return r.updateLiveParticipant(ctx, "mark participant left", query,
		leftAt.UnixNano(), callID.String(), userID.String(), string(scope.Type), scope.ID)
}

// ToggleAudio flips is_audio_enabled on a live participant row
func (r *CallRepository) ToggleAudio(ctx context.Context, scope domain.RoomScope, callID, userID uuid.UUID) (*domain.Participant, error) {
	query := `
		UPDATE call_participants
		SET is_audio_enabled = NOT is_audio_enabled, revision = revision + 1
		WHERE call_id = ? AND user_id = ? AND scope_type = ? AND scope_id = ? AND left_at IS NULL
		RETURNING ` + participantColumns

	return r.updateLiveParticipant(ctx, "toggle audio", query,
		callID.String(), userID.String(), string(scope.Type), scope.ID)
}

// ToggleVideo flips is_video_enabled on a live participant row
func (r *CallRepository) ToggleVideo(ctx context.Context, scope domain.RoomScope, callID, userID uuid.UUID) (*domain.Participant, error) {
	query := `
		UPDATE call_participants
		SET is_video_enabled = NOT is_video_enabled, revision = revision + 1
		WHERE call_id = ? AND user_id = ? AND scope_type = ? AND scope_id = ? AND left_at IS NULL
		RETURNING ` + participantColumns

	return r.updateLiveParticipant(ctx, "toggle video", query,
		callID.String(), userID.String(), string(scope.Type), scope.ID)
}

func (r *CallRepository) updateLiveParticipant(ctx context.Context, op, query string, args ...any) (*domain.Participant, error) {
	p, err := scanParticipant(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
		WHERE call_id = ?
		ORDER BY joined_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, callID.String())
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

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list live participants: %w", err)
	}
	return collectParticipants(rows)
}

func collectParticipants(rows *sql.Rows) ([]*domain.Participant, error) {
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

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*domain.CallSession, error) {
	s := &domain.CallSession{}
	var (
		scopeType, kind, status string
		startedAt               int64
		endedAt                 sql.NullInt64
	)
	err := row.Scan(
		&s.ID,
		&scopeType,
		&s.Scope.ID,
		&kind,
		&s.MediaRoom.Name,
		&s.MediaRoom.URL,
		&s.StartedBy,
		&status,
		&startedAt,
		&endedAt,
		&s.Revision,
	)
	if err != nil {
		return nil, err
	}
	s.Scope.Type = domain.ScopeType(scopeType)
	s.Kind = domain.CallKind(kind)
	s.Status = domain.CallStatus(status)
	s.StartedAt = time.Unix(0, startedAt).UTC()
	s.EndedAt = fromNullNanos(endedAt)
	return s, nil
}

func scanParticipant(row scanner) (*domain.Participant, error) {
	p := &domain.Participant{}
	var (
		scopeType string
		joinedAt  int64
		leftAt    sql.NullInt64
	)
	err := row.Scan(
		&p.CallID,
		&p.UserID,
		&scopeType,
		&p.Scope.ID,
		&joinedAt,
		&leftAt,
		&p.IsAudioEnabled,
		&p.IsVideoEnabled,
		&p.Revision,
	)
	if err != nil {
		return nil, err
	}
	p.Scope.Type = domain.ScopeType(scopeType)
	p.JoinedAt = time.Unix(0, joinedAt).UTC()
	p.LeftAt = fromNullNanos(leftAt)
	return p, nil
}

func fromNullNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

// isUniqueViolation checks for a SQLite UNIQUE constraint failure
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
