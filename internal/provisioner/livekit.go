package provisioner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"crewcall-backend/internal/domain"
	"crewcall-backend/pkg/config"
	"crewcall-backend/pkg/logger"
	"crewcall-backend/pkg/resilience"
)

const (
	// Rooms nobody joins are closed by LiveKit after this many seconds
	roomEmptyTimeout = 300
	sourceMicrophone = "microphone"
	sourceCamera     = "camera"
)

// roomService is the part of the LiveKit room API the provisioner needs
type roomService interface {
	CreateRoom(ctx context.Context, req *livekit.CreateRoomRequest) (*livekit.Room, error)
	DeleteRoom(ctx context.Context, req *livekit.DeleteRoomRequest) (*livekit.DeleteRoomResponse, error)
}

// LiveKitProvisioner hosts call media on a LiveKit server
type LiveKitProvisioner struct {
	rooms     roomService
	apiKey    string
	apiSecret string
	joinURL   string
	tokenTTL  time.Duration
	breaker   *resilience.CircuitBreaker
}

// NewLiveKitProvisioner creates a provisioner backed by the LiveKit room service.
// Breaker metrics are registered on reg when non-nil.
func NewLiveKitProvisioner(cfg *config.LiveKitConfig, reg prometheus.Registerer) (*LiveKitProvisioner, error) {
	if cfg.URL == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, ErrNotConfigured
	}
	rooms := lksdk.NewRoomServiceClient(cfg.URL, cfg.APIKey, cfg.APISecret)
	return newLiveKitProvisioner(rooms, cfg, reg), nil
}

func newLiveKitProvisioner(rooms roomService, cfg *config.LiveKitConfig, reg prometheus.Registerer) *LiveKitProvisioner {
	joinURL := cfg.JoinURL
	if joinURL == "" {
		joinURL = cfg.URL
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &LiveKitProvisioner{
		rooms:     rooms,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		joinURL:   joinURL,
		tokenTTL:  ttl,
		breaker:   resilience.NewCircuitBreaker("livekit", resilience.DefaultBreakerConfig(), reg),
	}
}

// Allocate creates a LiveKit room
func (p *LiveKitProvisioner) Allocate(ctx context.Context, hint RoomHint) (domain.MediaRoomRef, error) {
	name := roomName()

	var room *livekit.Room
	err := p.breaker.Execute(ctx, "create_room", func(ctx context.Context) error {
		var err error
		room, err = p.rooms.CreateRoom(ctx, &livekit.CreateRoomRequest{
			Name:         name,
			EmptyTimeout: roomEmptyTimeout,
			Metadata:     hint.Scope.Key(),
		})
		return err
	})
	if err != nil {
		return domain.MediaRoomRef{}, fmt.Errorf("failed to create livekit room: %w", err)
	}

	logger.Debug("LiveKit room created",
		zap.String("room", room.GetName()),
		zap.String("scope", hint.Scope.Key()),
		zap.String("call_kind", string(hint.Kind)))

	return domain.MediaRoomRef{Name: room.GetName(), URL: p.joinURL}, nil
}

// Release deletes a LiveKit room
func (p *LiveKitProvisioner) Release(ctx context.Context, room domain.MediaRoomRef) error {
	err := p.breaker.Execute(ctx, "delete_room", func(ctx context.Context) error {
		_, err := p.rooms.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: room.Name})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete livekit room: %w", err)
	}
	return nil
}

// IssueToken signs a LiveKit access token for the room
func (p *LiveKitProvisioner) IssueToken(ctx context.Context, room domain.MediaRoomRef, userID uuid.UUID, kind domain.CallKind) (*AccessGrant, error) {
	return signToken(p.apiKey, p.apiSecret, p.tokenTTL, room, userID, kind)
}

func signToken(apiKey, apiSecret string, ttl time.Duration, room domain.MediaRoomRef, userID uuid.UUID, kind domain.CallKind) (*AccessGrant, error) {
	canPublish := true
	canSubscribe := true
	canPublishData := true

	// Audio calls never carry camera tracks
	sources := []string{sourceMicrophone}
	if kind == domain.CallKindVideo {
		sources = append(sources, sourceCamera)
	}

	grant := &auth.VideoGrant{
		RoomJoin:          true,
		Room:              room.Name,
		CanPublish:        &canPublish,
		CanSubscribe:      &canSubscribe,
		CanPublishData:    &canPublishData,
		CanPublishSources: sources,
	}

	at := auth.NewAccessToken(apiKey, apiSecret)
	at.AddGrant(grant).
		SetIdentity(userID.String()).
		SetValidFor(ttl)

	token, err := at.ToJWT()
	if err != nil {
		return nil, fmt.Errorf("failed to generate livekit token: %w", err)
	}

	return &AccessGrant{
		Token:     token,
		URL:       room.URL,
		Room:      room.Name,
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}
