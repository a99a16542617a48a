package provisioner

import (
	"context"
	"time"

	"github.com/google/uuid"

	"crewcall-backend/internal/domain"
	"crewcall-backend/pkg/config"
)

const devAPISecret = "crewcall-local-development-secret"

// LocalProvisioner names rooms without contacting a media server. Tokens are
// still signed, so a LiveKit dev server started with the same key accepts them.
type LocalProvisioner struct {
	apiKey    string
	apiSecret string
	url       string
	tokenTTL  time.Duration
}

// NewLocalProvisioner creates a LocalProvisioner. Rooms are auto-created by
// the media server on first join.
func NewLocalProvisioner(cfg *config.LiveKitConfig) *LocalProvisioner {
	p := &LocalProvisioner{
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		url:       cfg.JoinURL,
		tokenTTL:  cfg.TokenTTL,
	}
	if p.apiKey == "" {
		p.apiKey = "devkey"
	}
	if p.apiSecret == "" {
		p.apiSecret = devAPISecret
	}
	if p.url == "" {
		p.url = "ws://localhost:7880"
	}
	if p.tokenTTL <= 0 {
		p.tokenTTL = 6 * time.Hour
	}
	return p
}

// Allocate returns a fresh room name
func (p *LocalProvisioner) Allocate(ctx context.Context, hint RoomHint) (domain.MediaRoomRef, error) {
	if err := ctx.Err(); err != nil {
		return domain.MediaRoomRef{}, err
	}
	return domain.MediaRoomRef{Name: roomName(), URL: p.url}, nil
}

// Release is a no-op
func (p *LocalProvisioner) Release(ctx context.Context, room domain.MediaRoomRef) error {
	return nil
}

// IssueToken signs an access token with the dev credentials
func (p *LocalProvisioner) IssueToken(ctx context.Context, room domain.MediaRoomRef, userID uuid.UUID, kind domain.CallKind) (*AccessGrant, error) {
	return signToken(p.apiKey, p.apiSecret, p.tokenTTL, room, userID, kind)
}
