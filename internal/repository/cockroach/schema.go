package cockroach

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema creates the call relations. The partial unique index is what
// enforces one active session per scope.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS call_sessions (
		id UUID PRIMARY KEY,
		scope_type STRING NOT NULL,
		scope_id STRING NOT NULL,
		call_kind STRING NOT NULL,
		media_room_name STRING NOT NULL,
		media_room_url STRING NOT NULL,
		started_by UUID NOT NULL,
		status STRING NOT NULL DEFAULT 'active',
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		revision INT8 NOT NULL DEFAULT 1,
		CONSTRAINT call_sessions_status_check CHECK (status IN ('active', 'ended')),
		CONSTRAINT call_sessions_kind_check CHECK (call_kind IN ('audio', 'video'))
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS call_sessions_one_active
		ON call_sessions (scope_type, scope_id) WHERE status = 'active'`,
	`CREATE INDEX IF NOT EXISTS call_sessions_scope_status
		ON call_sessions (scope_type, scope_id, status)`,
	`CREATE TABLE IF NOT EXISTS call_participants (
		call_id UUID NOT NULL REFERENCES call_sessions (id),
		user_id UUID NOT NULL,
		scope_type STRING NOT NULL,
		scope_id STRING NOT NULL,
		joined_at TIMESTAMPTZ NOT NULL,
		left_at TIMESTAMPTZ,
		is_audio_enabled BOOL NOT NULL DEFAULT true,
		is_video_enabled BOOL NOT NULL DEFAULT true,
		revision INT8 NOT NULL DEFAULT 1,
		PRIMARY KEY (call_id, user_id)
	)`,
}

// EnsureSchema creates the call tables and indexes if they do not exist
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
