package call

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"crewcall-backend/internal/domain"
	"crewcall-backend/internal/provisioner"
	"crewcall-backend/pkg/config"
	apperrors "crewcall-backend/pkg/errors"
	"crewcall-backend/pkg/logger"
	"crewcall-backend/pkg/metrics"
)

// SessionStore interface
type SessionStore interface {
	CreateSession(ctx context.Context, session *domain.CallSession) error
	GetSession(ctx context.Context, callID uuid.UUID) (*domain.CallSession, error)
	GetActiveSession(ctx context.Context, scope domain.RoomScope) (*domain.CallSession, error)
	EndSession(ctx context.Context, callID, startedBy uuid.UUID, endedAt time.Time) (*domain.CallSession, error)
	UpsertParticipant(ctx context.Context, p *domain.Participant) (*domain.Participant, bool, error)
	MarkLeft(ctx context.Context, scope domain.RoomScope, callID, userID uuid.UUID, leftAt time.Time) (*domain.Participant, error)
	ToggleAudio(ctx context.Context, scope domain.RoomScope, callID, userID uuid.UUID) (*domain.Participant, error)
	ToggleVideo(ctx context.Context, scope domain.RoomScope, callID, userID uuid.UUID) (*domain.Participant, error)
	ListParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.Participant, error)
	ListLiveParticipants(ctx context.Context) ([]*domain.Participant, error)
}

// ChangePublisher interface
type ChangePublisher interface {
	Publish(ctx context.Context, event *domain.ChangeEvent) error
}

// PreferenceRepository interface
type PreferenceRepository interface {
	Get(ctx context.Context, userID uuid.UUID) (*domain.MediaPreference, error)
	Set(ctx context.Context, userID uuid.UUID, pref domain.MediaPreference) error
}

// MemberRepository interface
type MemberRepository interface {
	AddMember(ctx context.Context, scope domain.RoomScope, userID uuid.UUID) error
}

// EventEmitter hands call_started events to the notification dispatcher
type EventEmitter interface {
	EmitCallStarted(ctx context.Context, event *domain.CallStartedEvent) error
}

// HistoryRepository interface
type HistoryRepository interface {
	Append(ctx context.Context, event *domain.CallEvent) error
	ListByCall(ctx context.Context, callID uuid.UUID, limit int) ([]*domain.CallEvent, error)
}

// Config tunes the service
type Config struct {
	ProvisionTimeout  time.Duration
	StoreTimeout      time.Duration
	StoreRetryBackoff time.Duration
}

// ConfigFrom builds a Config from the call section of the service configuration
func ConfigFrom(cfg config.CallConfig) Config {
	return Config{
		ProvisionTimeout:  cfg.ProvisionTimeout,
		StoreTimeout:      cfg.StoreTimeout,
		StoreRetryBackoff: cfg.StoreRetryBackoff,
	}
}

// Service is the call lifecycle manager. It holds no call state of its own;
// the session store is authoritative.
type Service struct {
	store       SessionStore
	provisioner provisioner.Provisioner
	feed        ChangePublisher
	prefs       PreferenceRepository
	members     MemberRepository
	emitter     EventEmitter
	history     HistoryRepository
	metrics     *metrics.Metrics
	cfg         Config
	now         func() time.Time
}

// Option configures optional collaborators
type Option func(*Service)

// WithMembers records joiners as room members
func WithMembers(members MemberRepository) Option {
	return func(s *Service) { s.members = members }
}

// WithEventEmitter enables call_started notifications
func WithEventEmitter(emitter EventEmitter) Option {
	return func(s *Service) { s.emitter = emitter }
}

// WithHistory enables the call event history
func WithHistory(history HistoryRepository) Option {
	return func(s *Service) { s.history = history }
}

// NewService creates a new call service
func NewService(
	store SessionStore,
	prov provisioner.Provisioner,
	feed ChangePublisher,
	prefs PreferenceRepository,
	m *metrics.Metrics,
	cfg Config,
	opts ...Option,
) *Service {
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = 10 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.StoreRetryBackoff <= 0 {
		cfg.StoreRetryBackoff = 200 * time.Millisecond
	}

	s := &Service{
		store:       store,
		provisioner: prov,
		feed:        feed,
		prefs:       prefs,
		metrics:     m,
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartInput contains call start data
type StartInput struct {
	Scope  domain.RoomScope
	UserID uuid.UUID
	Kind   domain.CallKind
	Audio  *bool // explicit media choice, overrides the remembered preference
	Video  *bool
}

// JoinInput contains call join data
type JoinInput struct {
	Scope  domain.RoomScope
	UserID uuid.UUID
	CallID *uuid.UUID // nil targets the scope's active call
	Audio  *bool
	Video  *bool
}

// ParticipantInput identifies the caller's participant row
type ParticipantInput struct {
	Scope  domain.RoomScope
	UserID uuid.UUID
	CallID *uuid.UUID // nil targets the scope's active call
}

// JoinOutput contains the joined call and media access
type JoinOutput struct {
	Session     *domain.CallSession      `json:"session"`
	Participant *domain.Participant      `json:"participant"`
	Media       *provisioner.AccessGrant `json:"media"`
	Created     bool                     `json:"created"` // this request started the call
	Applied     bool                     `json:"-"`       // false when the caller was already live
}

// StartCall allocates a media room, creates the scope's active session and
// joins the initiator. Returns an ErrCodeAlreadyActive error when the scope
// already has an active call, including when a concurrent start won the race.
func (s *Service) StartCall(ctx context.Context, input *StartInput) (*JoinOutput, error) {
	if err := input.Scope.Validate(); err != nil {
		return nil, apperrors.ValidationError(err.Error())
	}
	if !input.Kind.Valid() {
		return nil, apperrors.ValidationError("call_kind must be audio or video")
	}

	log := logger.FromContext(ctx).With(
		zap.String("scope", input.Scope.Key()),
		zap.String("user_id", input.UserID.String()))

	// Fast path; the unique index below is what actually decides the race
	active, err := s.findActive(ctx, input.Scope)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, apperrors.AlreadyActiveError()
	}

	room, err := s.allocate(ctx, input.Scope, input.Kind)
	if err != nil {
		log.Warn("Media room allocation failed", zap.Error(err))
		s.metrics.RecordCallFailure("start", "provision")
		return nil, apperrors.ProvisionError(err)
	}

	session := &domain.CallSession{
		ID:        uuid.New(),
		Scope:     input.Scope,
		Kind:      input.Kind,
		MediaRoom: room,
		StartedBy: input.UserID,
		StartedAt: s.now(),
	}

	err = s.write(ctx, "create_session", func(ctx context.Context) error {
		return s.store.CreateSession(ctx, session)
	})
	if err != nil {
		s.releaseRoom(ctx, room)
		if errors.Is(err, domain.ErrActiveCallExists) {
			log.Info("Lost call start race")
			s.metrics.RecordStartRaceLost()
			return nil, apperrors.AlreadyActiveError()
		}
		log.Error("Failed to create call session", zap.Error(err))
		s.metrics.RecordCallFailure("start", "store")
		return nil, apperrors.DatabaseError(err)
	}

	log.Info("Call started",
		zap.String("call_id", session.ID.String()),
		zap.String("call_kind", string(session.Kind)),
		zap.String("media_room", room.Name))

	s.metrics.RecordCallStarted(string(session.Kind))
	s.publish(ctx, domain.SessionChanged(domain.OpInsert, session))
	s.record(ctx, session.ID, domain.CallEventStarted, input.UserID, session.Scope, map[string]string{
		"call_kind":  string(session.Kind),
		"media_room": room.Name,
	})
	s.emitCallStarted(ctx, session)

	out, err := s.join(ctx, session, input.UserID, input.Audio, input.Video)
	if err != nil {
		return nil, err
	}
	out.Created = true
	return out, nil
}

// StartOrJoin starts a call, or joins the active one when the scope already
// has it. Callers never see ErrCodeAlreadyActive from here.
func (s *Service) StartOrJoin(ctx context.Context, input *StartInput) (*JoinOutput, error) {
	out, err := s.StartCall(ctx, input)
	if !apperrors.HasCode(err, apperrors.ErrCodeAlreadyActive) {
		return out, err
	}

	joinInput := &JoinInput{
		Scope:  input.Scope,
		UserID: input.UserID,
		Audio:  input.Audio,
		Video:  input.Video,
	}
	out, err = s.JoinCall(ctx, joinInput)
	if !apperrors.HasCode(err, apperrors.ErrCodeNoActiveCall) {
		return out, err
	}

	// The winning call ended before we could join it; start over once
	out, err = s.StartCall(ctx, input)
	if apperrors.HasCode(err, apperrors.ErrCodeAlreadyActive) {
		return s.JoinCall(ctx, joinInput)
	}
	return out, err
}

// JoinCall makes the caller a live participant of the scope's active call.
// Joining while already live is a no-op success.
func (s *Service) JoinCall(ctx context.Context, input *JoinInput) (*JoinOutput, error) {
	if err := input.Scope.Validate(); err != nil {
		return nil, apperrors.ValidationError(err.Error())
	}

	session, err := s.resolveSession(ctx, input.Scope, input.CallID)
	if err != nil {
		return nil, err
	}
	if !session.IsActive() {
		return nil, apperrors.NoActiveCallError()
	}

	return s.join(ctx, session, input.UserID, input.Audio, input.Video)
}

func (s *Service) join(ctx context.Context, session *domain.CallSession, userID uuid.UUID, audio, video *bool) (*JoinOutput, error) {
	log := logger.FromContext(ctx).With(
		zap.String("call_id", session.ID.String()),
		zap.String("user_id", userID.String()))

	// The grant depends only on the session, so a failure leaves no row behind
	grant, err := s.provisioner.IssueToken(ctx, session.MediaRoom, userID, session.Kind)
	if err != nil {
		log.Error("Failed to issue media token", zap.Error(err))
		s.metrics.RecordCallFailure("join", "token")
		return nil, apperrors.JoinError(err)
	}

	pref := s.mediaDefaults(ctx, userID, audio, video)

	candidate := &domain.Participant{
		CallID:         session.ID,
		UserID:         userID,
		Scope:          session.Scope,
		JoinedAt:       s.now(),
		IsAudioEnabled: pref.AudioEnabled,
		IsVideoEnabled: pref.VideoEnabled,
	}

	var (
		participant *domain.Participant
		applied     bool
	)
	err = s.idempotent(ctx, "upsert_participant", func(ctx context.Context) error {
		var err error
		participant, applied, err = s.store.UpsertParticipant(ctx, candidate)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrCallNotFound) {
			return nil, apperrors.NoActiveCallError()
		}
		log.Error("Failed to upsert participant", zap.Error(err))
		s.metrics.RecordCallFailure("join", "store")
		return nil, apperrors.DatabaseError(err)
	}

	if applied {
		s.metrics.RecordParticipantOp("join", "applied")
		s.publish(ctx, domain.ParticipantChanged(participantOp(participant), session.Scope, participant))
		s.record(ctx, session.ID, domain.CallEventJoined, userID, session.Scope, nil)
		log.Info("Participant joined call")
	} else {
		s.metrics.RecordParticipantOp("join", "noop")
	}

	if audio != nil || video != nil {
		s.rememberPreference(ctx, userID, domain.MediaPreference{
			AudioEnabled: participant.IsAudioEnabled,
			VideoEnabled: participant.IsVideoEnabled,
		})
	}
	if s.members != nil {
		if err := s.members.AddMember(ctx, session.Scope, userID); err != nil {
			log.Warn("Failed to record room member", zap.Error(err))
		}
	}

	return &JoinOutput{
		Session:     session,
		Participant: participant,
		Media:       grant,
		Applied:     applied,
	}, nil
}

// LeaveCall marks the caller's participant row as left. Returns nil without
// error when the caller was not live.
func (s *Service) LeaveCall(ctx context.Context, input *ParticipantInput) (*domain.Participant, error) {
	callID, ok, err := s.targetCall(ctx, input)
	if err != nil || !ok {
		return nil, err
	}

	var participant *domain.Participant
	err = s.idempotent(ctx, "mark_left", func(ctx context.Context) error {
		var err error
		participant, err = s.store.MarkLeft(ctx, input.Scope, callID, input.UserID, s.now())
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrParticipantNotFound) {
			s.metrics.RecordParticipantOp("leave", "noop")
			return nil, nil
		}
		logger.FromContext(ctx).Error("Failed to leave call",
			zap.String("call_id", callID.String()),
			zap.String("user_id", input.UserID.String()),
			zap.Error(err))
		s.metrics.RecordCallFailure("leave", "store")
		return nil, apperrors.DatabaseError(err)
	}

	s.metrics.RecordParticipantOp("leave", "applied")
	s.publish(ctx, domain.ParticipantChanged(domain.OpUpdate, input.Scope, participant))
	s.record(ctx, callID, domain.CallEventLeft, input.UserID, input.Scope, nil)

	logger.FromContext(ctx).Info("Participant left call",
		zap.String("call_id", callID.String()),
		zap.String("user_id", input.UserID.String()))

	return participant, nil
}

// EndCall ends the call. Only the initiator may end it; ending an already
// ended call returns it unchanged.
func (s *Service) EndCall(ctx context.Context, input *ParticipantInput) (*domain.CallSession, error) {
	if err := input.Scope.Validate(); err != nil {
		return nil, apperrors.ValidationError(err.Error())
	}

	session, err := s.resolveSession(ctx, input.Scope, input.CallID)
	if err != nil {
		return nil, err
	}
	if session.StartedBy != input.UserID {
		return nil, apperrors.ForbiddenError("Only the call initiator can end the call")
	}
	if !session.IsActive() {
		return session, nil
	}

	var ended *domain.CallSession
	err = s.idempotent(ctx, "end_session", func(ctx context.Context) error {
		var err error
		ended, err = s.store.EndSession(ctx, session.ID, input.UserID, s.now())
		return err
	})
	if errors.Is(err, domain.ErrCallNotFound) {
		// Ended concurrently by another request from the initiator
		return s.getSession(ctx, session.ID)
	}
	if err != nil {
		logger.FromContext(ctx).Error("Failed to end call",
			zap.String("call_id", session.ID.String()),
			zap.Error(err))
		s.metrics.RecordCallFailure("end", "store")
		return nil, apperrors.DatabaseError(err)
	}

	s.metrics.RecordCallEnded(string(ended.Kind), ended.Duration(s.now()))
	s.publish(ctx, domain.SessionChanged(domain.OpUpdate, ended))
	s.record(ctx, ended.ID, domain.CallEventEnded, input.UserID, ended.Scope, nil)

	logger.FromContext(ctx).Info("Call ended",
		zap.String("call_id", ended.ID.String()),
		zap.String("scope", ended.Scope.Key()),
		zap.Duration("duration", ended.Duration(s.now())))

	return ended, nil
}

// ToggleAudio flips the caller's microphone state. Returns nil without error
// when the caller is not live.
func (s *Service) ToggleAudio(ctx context.Context, input *ParticipantInput) (*domain.Participant, error) {
	return s.toggle(ctx, input, "toggle_audio", domain.CallEventAudioToggle, s.store.ToggleAudio)
}

// ToggleVideo flips the caller's camera state. Returns nil without error
// when the caller is not live.
func (s *Service) ToggleVideo(ctx context.Context, input *ParticipantInput) (*domain.Participant, error) {
	return s.toggle(ctx, input, "toggle_video", domain.CallEventVideoToggle, s.store.ToggleVideo)
}

type toggleFunc func(ctx context.Context, scope domain.RoomScope, callID, userID uuid.UUID) (*domain.Participant, error)

func (s *Service) toggle(ctx context.Context, input *ParticipantInput, op string, eventType domain.CallEventType, flip toggleFunc) (*domain.Participant, error) {
	callID, ok, err := s.targetCall(ctx, input)
	if err != nil || !ok {
		return nil, err
	}

	// Not retried: a repeated flip is not idempotent
	var participant *domain.Participant
	err = s.write(ctx, op, func(ctx context.Context) error {
		var err error
		participant, err = flip(ctx, input.Scope, callID, input.UserID)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrParticipantNotFound) {
			s.metrics.RecordParticipantOp(op, "noop")
			return nil, nil
		}
		logger.FromContext(ctx).Error("Failed to toggle media",
			zap.String("operation", op),
			zap.String("call_id", callID.String()),
			zap.String("user_id", input.UserID.String()),
			zap.Error(err))
		s.metrics.RecordCallFailure(op, "store")
		return nil, apperrors.DatabaseError(err)
	}

	s.metrics.RecordParticipantOp(op, "applied")
	s.publish(ctx, domain.ParticipantChanged(domain.OpUpdate, input.Scope, participant))
	s.rememberPreference(ctx, input.UserID, domain.MediaPreference{
		AudioEnabled: participant.IsAudioEnabled,
		VideoEnabled: participant.IsVideoEnabled,
	})
	s.record(ctx, callID, eventType, input.UserID, input.Scope, map[string]string{
		"audio": boolString(participant.IsAudioEnabled),
		"video": boolString(participant.IsVideoEnabled),
	})

	return participant, nil
}

// RoomState reads the scope's active call and its live participants
func (s *Service) RoomState(ctx context.Context, scope domain.RoomScope) (*domain.RoomSnapshot, error) {
	if err := scope.Validate(); err != nil {
		return nil, apperrors.ValidationError(err.Error())
	}

	snapshot := &domain.RoomSnapshot{Scope: scope, Participants: []*domain.Participant{}}

	active, err := s.findActive(ctx, scope)
	if err != nil || active == nil {
		return snapshot, err
	}

	var participants []*domain.Participant
	err = s.idempotent(ctx, "list_participants", func(ctx context.Context) error {
		var err error
		participants, err = s.store.ListParticipants(ctx, active.ID)
		return err
	})
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	snapshot.ActiveCall = active
	snapshot.Participants = domain.LiveParticipants(participants)
	return snapshot, nil
}

// LiveParticipants lists live participants of every active call
func (s *Service) LiveParticipants(ctx context.Context) ([]*domain.Participant, error) {
	var participants []*domain.Participant
	err := s.idempotent(ctx, "list_live_participants", func(ctx context.Context) error {
		var err error
		participants, err = s.store.ListLiveParticipants(ctx)
		return err
	})
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return participants, nil
}

// CallHistory returns up to limit recorded events of one of the scope's calls
func (s *Service) CallHistory(ctx context.Context, scope domain.RoomScope, callID uuid.UUID, limit int) ([]*domain.CallEvent, error) {
	if s.history == nil {
		return nil, apperrors.ServiceUnavailableError("Call history is not enabled")
	}
	if err := scope.Validate(); err != nil {
		return nil, apperrors.ValidationError(err.Error())
	}

	session, err := s.getSession(ctx, callID)
	if apperrors.HasCode(err, apperrors.ErrCodeNoActiveCall) || (err == nil && session.Scope != scope) {
		return nil, apperrors.CallNotFoundError()
	}
	if err != nil {
		return nil, err
	}

	events, err := s.history.ListByCall(ctx, callID, limit)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to read call history",
			zap.String("call_id", callID.String()),
			zap.Error(err))
		return nil, apperrors.ServiceUnavailableError("Call history is temporarily unavailable")
	}
	if events == nil {
		events = []*domain.CallEvent{}
	}
	return events, nil
}

// targetCall resolves the call a participant operation applies to.
// ok is false when callID was omitted and the scope has no active call.
func (s *Service) targetCall(ctx context.Context, input *ParticipantInput) (uuid.UUID, bool, error) {
	if err := input.Scope.Validate(); err != nil {
		return uuid.Nil, false, apperrors.ValidationError(err.Error())
	}
	if input.CallID != nil {
		return *input.CallID, true, nil
	}

	active, err := s.findActive(ctx, input.Scope)
	if err != nil || active == nil {
		return uuid.Nil, false, err
	}
	return active.ID, true, nil
}

// resolveSession returns the given call, or the scope's active call when callID is nil
func (s *Service) resolveSession(ctx context.Context, scope domain.RoomScope, callID *uuid.UUID) (*domain.CallSession, error) {
	if callID == nil {
		active, err := s.findActive(ctx, scope)
		if err != nil {
			return nil, err
		}
		if active == nil {
			return nil, apperrors.NoActiveCallError()
		}
		return active, nil
	}

	session, err := s.getSession(ctx, *callID)
	if err != nil {
		return nil, err
	}
	if session.Scope != scope {
		return nil, apperrors.NoActiveCallError()
	}
	return session, nil
}

func (s *Service) getSession(ctx context.Context, callID uuid.UUID) (*domain.CallSession, error) {
	var session *domain.CallSession
	err := s.idempotent(ctx, "get_session", func(ctx context.Context) error {
		var err error
		session, err = s.store.GetSession(ctx, callID)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrCallNotFound) {
			return nil, apperrors.NoActiveCallError()
		}
		return nil, apperrors.DatabaseError(err)
	}
	return session, nil
}

// findActive returns the scope's active session, or nil when there is none
func (s *Service) findActive(ctx context.Context, scope domain.RoomScope) (*domain.CallSession, error) {
	var session *domain.CallSession
	err := s.idempotent(ctx, "get_active_session", func(ctx context.Context) error {
		var err error
		session, err = s.store.GetActiveSession(ctx, scope)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrCallNotFound) {
			return nil, nil
		}
		return nil, apperrors.DatabaseError(err)
	}
	return session, nil
}

func (s *Service) allocate(ctx context.Context, scope domain.RoomScope, kind domain.CallKind) (domain.MediaRoomRef, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProvisionTimeout)
	defer cancel()

	start := time.Now()
	room, err := s.provisioner.Allocate(ctx, provisioner.RoomHint{Scope: scope, Kind: kind})
	s.metrics.ObserveProvision(time.Since(start))
	if err == nil && ctx.Err() != nil {
		// Finished after the deadline; treat as a timeout
		s.releaseRoom(ctx, room)
		return domain.MediaRoomRef{}, ctx.Err()
	}
	return room, err
}

func (s *Service) releaseRoom(ctx context.Context, room domain.MediaRoomRef) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ProvisionTimeout)
	defer cancel()

	if err := s.provisioner.Release(ctx, room); err != nil {
		logger.FromContext(ctx).Warn("Failed to release media room",
			zap.String("media_room", room.Name),
			zap.Error(err))
	}
}

func (s *Service) mediaDefaults(ctx context.Context, userID uuid.UUID, audio, video *bool) domain.MediaPreference {
	pref := domain.DefaultMediaPreference()
	if stored, err := s.prefs.Get(ctx, userID); err != nil {
		logger.FromContext(ctx).Warn("Failed to load media preference",
			zap.String("user_id", userID.String()),
			zap.Error(err))
	} else if stored != nil {
		pref = *stored
	}

	if audio != nil {
		pref.AudioEnabled = *audio
	}
	if video != nil {
		pref.VideoEnabled = *video
	}
	return pref
}

func (s *Service) rememberPreference(ctx context.Context, userID uuid.UUID, pref domain.MediaPreference) {
	if err := s.prefs.Set(ctx, userID, pref); err != nil {
		logger.FromContext(ctx).Warn("Failed to store media preference",
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, event *domain.ChangeEvent) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	if err := s.feed.Publish(ctx, event); err != nil {
		logger.FromContext(ctx).Warn("Failed to publish change event",
			zap.String("scope", event.Scope.Key()),
			zap.String("table", string(event.Table)),
			zap.Error(err))
	}
}

func (s *Service) emitCallStarted(ctx context.Context, session *domain.CallSession) {
	if s.emitter == nil {
		return
	}
	err := s.emitter.EmitCallStarted(ctx, &domain.CallStartedEvent{
		Type:      string(domain.CallEventStarted),
		Scope:     session.Scope,
		StartedBy: session.StartedBy,
		CallID:    session.ID,
		Kind:      session.Kind,
		StartedAt: session.StartedAt,
	})
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to emit call_started event",
			zap.String("call_id", session.ID.String()),
			zap.Error(err))
	}
}

func (s *Service) record(ctx context.Context, callID uuid.UUID, eventType domain.CallEventType, userID uuid.UUID, scope domain.RoomScope, metadata map[string]string) {
	if s.history == nil {
		return
	}
	err := s.history.Append(ctx, &domain.CallEvent{
		CallID:    callID,
		Type:      eventType,
		UserID:    userID,
		Scope:     scope,
		Metadata:  metadata,
		CreatedAt: s.now(),
	})
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to record call event",
			zap.String("call_id", callID.String()),
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
}

func participantOp(p *domain.Participant) domain.ChangeOp {
	if p.Revision == 1 {
		return domain.OpInsert
	}
	return domain.OpUpdate
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
