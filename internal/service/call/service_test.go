package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"crewcall-backend/internal/domain"
	"crewcall-backend/internal/provisioner"
	apperrors "crewcall-backend/pkg/errors"
	"crewcall-backend/pkg/metrics"
)

// MockSessionStore is a mock implementation of SessionStore
type MockSessionStore struct {
	mock.Mock
}

func (m *MockSessionStore) CreateSession(ctx context.Context, session *domain.CallSession) error {
	args := m.Called(ctx, session)
	if args.Error(0) == nil {
		session.Status = domain.CallStatusActive
		session.Revision = 1
	}
	return args.Error(0)
}

func (m *MockSessionStore) GetSession(ctx context.Context, callID uuid.UUID) (*domain.CallSession, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallSession), args.Error(1)
}

func (m *MockSessionStore) GetActiveSession(ctx context.Context, scope domain.RoomScope) (*domain.CallSession, error) {
	args := m.Called(ctx, scope)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallSession), args.Error(1)
}

func (m *MockSessionStore) EndSession(ctx context.Context, callID, startedBy uuid.UUID, endedAt time.Time) (*domain.CallSession, error) {
	args := m.Called(ctx, callID, startedBy, endedAt)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallSession), args.Error(1)
}

func (m *MockSessionStore) UpsertParticipant(ctx context.Context, p *domain.Participant) (*domain.Participant, bool, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*domain.Participant), args.Bool(1), args.Error(2)
}

func (m *MockSessionStore) MarkLeft(ctx context.Context, scope domain.RoomScope, callID, userID uuid.UUID, leftAt time.Time) (*domain.Participant, error) {
	args := m.Called(ctx, scope, callID, userID, leftAt)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Participant), args.Error(1)
}

func (m *MockSessionStore) ToggleAudio(ctx context.Context, scope domain.RoomScope, callID, userID uuid.UUID) (*domain.Participant, error) {
	args := m.Called(ctx, scope, callID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Participant), args.Error(1)
}

func (m *MockSessionStore) ToggleVideo(ctx context.Context, scope domain.RoomScope, callID, userID uuid.UUID) (*domain.Participant, error) {
	args := m.Called(ctx, scope, callID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Participant), args.Error(1)
}

func (m *MockSessionStore) ListParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.Participant, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Participant), args.Error(1)
}

func (m *MockSessionStore) ListLiveParticipants(ctx context.Context) ([]*domain.Participant, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Participant), args.Error(1)
}

// MockProvisioner is a mock implementation of provisioner.Provisioner
type MockProvisioner struct {
	mock.Mock
}

func (m *MockProvisioner) Allocate(ctx context.Context, hint provisioner.RoomHint) (domain.MediaRoomRef, error) {
	args := m.Called(ctx, hint)
	return args.Get(0).(domain.MediaRoomRef), args.Error(1)
}

func (m *MockProvisioner) Release(ctx context.Context, room domain.MediaRoomRef) error {
	args := m.Called(ctx, room)
	return args.Error(0)
}

func (m *MockProvisioner) IssueToken(ctx context.Context, room domain.MediaRoomRef, userID uuid.UUID, kind domain.CallKind) (*provisioner.AccessGrant, error) {
	args := m.Called(ctx, room, userID, kind)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provisioner.AccessGrant), args.Error(1)
}

// MockPublisher is a mock implementation of ChangePublisher
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, event *domain.ChangeEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// MockPreferenceRepository is a mock implementation of PreferenceRepository
type MockPreferenceRepository struct {
	mock.Mock
}

func (m *MockPreferenceRepository) Get(ctx context.Context, userID uuid.UUID) (*domain.MediaPreference, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.MediaPreference), args.Error(1)
}

func (m *MockPreferenceRepository) Set(ctx context.Context, userID uuid.UUID, pref domain.MediaPreference) error {
	args := m.Called(ctx, userID, pref)
	return args.Error(0)
}

// MockEventEmitter is a mock implementation of EventEmitter
type MockEventEmitter struct {
	mock.Mock
}

func (m *MockEventEmitter) EmitCallStarted(ctx context.Context, event *domain.CallStartedEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

type testService struct {
	svc     *Service
	store   *MockSessionStore
	prov    *MockProvisioner
	feed    *MockPublisher
	prefs   *MockPreferenceRepository
	emitter *MockEventEmitter
}

func newTestService(t *testing.T) *testService {
	t.Helper()
	ts := &testService{
		store:   new(MockSessionStore),
		prov:    new(MockProvisioner),
		feed:    new(MockPublisher),
		prefs:   new(MockPreferenceRepository),
		emitter: new(MockEventEmitter),
	}
	ts.svc = NewService(ts.store, ts.prov, ts.feed, ts.prefs, metrics.NewMetrics("test"), Config{
		ProvisionTimeout:  100 * time.Millisecond,
		StoreTimeout:      time.Second,
		StoreRetryBackoff: time.Millisecond,
	}, WithEventEmitter(ts.emitter))
	ts.feed.On("Publish", mock.Anything, mock.Anything).Return(nil).Maybe()
	return ts
}

var (
	projectScope = domain.RoomScope{Type: domain.ScopeProject, ID: "p1"}
	testRoom     = domain.MediaRoomRef{Name: "call-room", URL: "wss://media.example.com"}
	testGrant    = &provisioner.AccessGrant{Token: "jwt", URL: testRoom.URL, Room: testRoom.Name}
)

func activeSession(startedBy uuid.UUID) *domain.CallSession {
	return &domain.CallSession{
		ID:        uuid.New(),
		Scope:     projectScope,
		Kind:      domain.CallKindVideo,
		MediaRoom: testRoom,
		StartedBy: startedBy,
		Status:    domain.CallStatusActive,
		StartedAt: time.Now().UTC().Add(-time.Minute),
		Revision:  1,
	}
}

func liveParticipant(session *domain.CallSession, userID uuid.UUID, revision int64) *domain.Participant {
	return &domain.Participant{
		CallID:         session.ID,
		UserID:         userID,
		Scope:          session.Scope,
		JoinedAt:       time.Now().UTC(),
		IsAudioEnabled: true,
		IsVideoEnabled: true,
		Revision:       revision,
	}
}

func boolPtr(b bool) *bool { return &b }

func TestStartCall_Success(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	ts.store.On("GetActiveSession", mock.Anything, projectScope).Return(nil, domain.ErrCallNotFound).Once()
	ts.prov.On("Allocate", mock.Anything, provisioner.RoomHint{Scope: projectScope, Kind: domain.CallKindVideo}).Return(testRoom, nil)
	ts.store.On("CreateSession", mock.Anything, mock.AnythingOfType("*domain.CallSession")).Return(nil)
	ts.emitter.On("EmitCallStarted", mock.Anything, mock.MatchedBy(func(e *domain.CallStartedEvent) bool {
		return e.StartedBy == userID && e.Scope == projectScope && e.Type == "call_started"
	})).Return(nil)
	ts.prefs.On("Get", mock.Anything, userID).Return(nil, nil)
	ts.store.On("UpsertParticipant", mock.Anything, mock.MatchedBy(func(p *domain.Participant) bool {
		return p.UserID == userID && p.IsAudioEnabled && p.IsVideoEnabled
	})).Return(&domain.Participant{UserID: userID, Scope: projectScope, IsAudioEnabled: true, IsVideoEnabled: true, Revision: 1}, true, nil)
	ts.prov.On("IssueToken", mock.Anything, testRoom, userID, domain.CallKindVideo).Return(testGrant, nil)

	out, err := ts.svc.StartCall(ctx, &StartInput{Scope: projectScope, UserID: userID, Kind: domain.CallKindVideo})

	require.NoError(t, err)
	assert.True(t, out.Created)
	assert.True(t, out.Applied)
	assert.Equal(t, domain.CallStatusActive, out.Session.Status)
	assert.Equal(t, testRoom, out.Session.MediaRoom)
	assert.Equal(t, userID, out.Session.StartedBy)
	assert.Equal(t, testGrant, out.Media)
	ts.store.AssertExpectations(t)
	ts.prov.AssertExpectations(t)
	ts.emitter.AssertExpectations(t)
	ts.feed.AssertNumberOfCalls(t, "Publish", 2)
}

func TestStartCall_ValidationError(t *testing.T) {
	ts := newTestService(t)

	_, err := ts.svc.StartCall(context.Background(), &StartInput{Scope: domain.RoomScope{Type: "team", ID: "x"}, Kind: domain.CallKindAudio})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))

	_, err = ts.svc.StartCall(context.Background(), &StartInput{Scope: projectScope, Kind: "screen"})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))

	ts.store.AssertNotCalled(t, "GetActiveSession", mock.Anything, mock.Anything)
}

func TestStartCall_AlreadyActivePrecheck(t *testing.T) {
	ts := newTestService(t)

	ts.store.On("GetActiveSession", mock.Anything, projectScope).Return(activeSession(uuid.New()), nil)

	_, err := ts.svc.StartCall(context.Background(), &StartInput{Scope: projectScope, UserID: uuid.New(), Kind: domain.CallKindAudio})

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAlreadyActive))
	ts.prov.AssertNotCalled(t, "Allocate", mock.Anything, mock.Anything)
}

func TestStartCall_ProvisionFailure(t *testing.T) {
	ts := newTestService(t)

	ts.store.On("GetActiveSession", mock.Anything, projectScope).Return(nil, domain.ErrCallNotFound)
	ts.prov.On("Allocate", mock.Anything, mock.Anything).Return(domain.MediaRoomRef{}, errors.New("provider down"))

	_, err := ts.svc.StartCall(context.Background(), &StartInput{Scope: projectScope, UserID: uuid.New(), Kind: domain.CallKindVideo})

	require.Error(t, err)
	appErr := apperrors.GetAppError(err)
	assert.Equal(t, apperrors.ErrCodeProvision, appErr.Code)
	assert.True(t, appErr.Retryable)
	ts.store.AssertNotCalled(t, "CreateSession", mock.Anything, mock.Anything)
}

func TestStartCall_ProvisionTimeout(t *testing.T) {
	ts := newTestService(t)

	ts.store.On("GetActiveSession", mock.Anything, projectScope).Return(nil, domain.ErrCallNotFound)
	ts.prov.On("Allocate", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(domain.MediaRoomRef{}, context.DeadlineExceeded)

	_, err := ts.svc.StartCall(context.Background(), &StartInput{Scope: projectScope, UserID: uuid.New(), Kind: domain.CallKindVideo})

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeProvision))
	ts.store.AssertNotCalled(t, "CreateSession", mock.Anything, mock.Anything)
}

func TestStartCall_LostRaceReleasesRoom(t *testing.T) {
	ts := newTestService(t)

	ts.store.On("GetActiveSession", mock.Anything, projectScope).Return(nil, domain.ErrCallNotFound)
	ts.prov.On("Allocate", mock.Anything, mock.Anything).Return(testRoom, nil)
	ts.store.On("CreateSession", mock.Anything, mock.Anything).Return(domain.ErrActiveCallExists)
	ts.prov.On("Release", mock.Anything, testRoom).Return(nil)

	_, err := ts.svc.StartCall(context.Background(), &StartInput{Scope: projectScope, UserID: uuid.New(), Kind: domain.CallKindVideo})

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAlreadyActive))
	ts.prov.AssertExpectations(t)
	ts.store.AssertNumberOfCalls(t, "CreateSession", 1)
	ts.emitter.AssertNotCalled(t, "EmitCallStarted", mock.Anything, mock.Anything)
}

func TestStartCall_InsertNotRetried(t *testing.T) {
	ts := newTestService(t)

	ts.store.On("GetActiveSession", mock.Anything, projectScope).Return(nil, domain.ErrCallNotFound)
	ts.prov.On("Allocate", mock.Anything, mock.Anything).Return(testRoom, nil)
	ts.store.On("CreateSession", mock.Anything, mock.Anything).Return(errors.New("connection reset"))
	ts.prov.On("Release", mock.Anything, testRoom).Return(nil)

	_, err := ts.svc.StartCall(context.Background(), &StartInput{Scope: projectScope, UserID: uuid.New(), Kind: domain.CallKindVideo})

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDatabase))
	ts.store.AssertNumberOfCalls(t, "CreateSession", 1)
}

func TestStartOrJoin_JoinsWinner(t *testing.T) {
	ts := newTestService(t)
	winner := activeSession(uuid.New())
	userID := uuid.New()

	ts.store.On("GetActiveSession", mock.Anything, projectScope).Return(winner, nil)
	ts.prefs.On("Get", mock.Anything, userID).Return(nil, nil)
	ts.store.On("UpsertParticipant", mock.Anything, mock.Anything).Return(liveParticipant(winner, userID, 1), true, nil)
	ts.prov.On("IssueToken", mock.Anything, winner.MediaRoom, userID, winner.Kind).Return(testGrant, nil)

	out, err := ts.svc.StartOrJoin(context.Background(), &StartInput{Scope: projectScope, UserID: userID, Kind: domain.CallKindAudio})

	require.NoError(t, err)
	assert.False(t, out.Created)
	assert.Equal(t, winner.ID, out.Session.ID)
	ts.prov.AssertNotCalled(t, "Allocate", mock.Anything, mock.Anything)
}

func TestJoinCall_NoActiveCall(t *testing.T) {
	ts := newTestService(t)

	ts.store.On("GetActiveSession", mock.Anything, projectScope).Return(nil, domain.ErrCallNotFound)

	_, err := ts.svc.JoinCall(context.Background(), &JoinInput{Scope: projectScope, UserID: uuid.New()})

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNoActiveCall))
}

func TestJoinCall_EndedOrForeignCall(t *testing.T) {
	ts := newTestService(t)

	ended := activeSession(uuid.New())
	ended.Status = domain.CallStatusEnded
	foreign := activeSession(uuid.New())
	foreign.Scope = domain.RoomScope{Type: domain.ScopeDiscussion, ID: "d1"}

	ts.store.On("GetSession", mock.Anything, ended.ID).Return(ended, nil)
	ts.store.On("GetSession", mock.Anything, foreign.ID).Return(foreign, nil)

	_, err := ts.svc.JoinCall(context.Background(), &JoinInput{Scope: projectScope, UserID: uuid.New(), CallID: &ended.ID})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNoActiveCall))

	_, err = ts.svc.JoinCall(context.Background(), &JoinInput{Scope: projectScope, UserID: uuid.New(), CallID: &foreign.ID})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNoActiveCall))

	ts.store.AssertNotCalled(t, "UpsertParticipant", mock.Anything, mock.Anything)
}

func TestJoinCall_MediaDefaults(t *testing.T) {
	tests := []struct {
		name      string
		stored    *domain.MediaPreference
		audio     *bool
		video     *bool
		wantAudio bool
		wantVideo bool
	}{
		{"first join defaults to on", nil, nil, nil, true, true},
		{"remembered preference", &domain.MediaPreference{AudioEnabled: false, VideoEnabled: true}, nil, nil, false, true},
		{"explicit choice wins", &domain.MediaPreference{AudioEnabled: false, VideoEnabled: false}, boolPtr(true), nil, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestService(t)
			session := activeSession(uuid.New())
			userID := uuid.New()

			ts.store.On("GetActiveSession", mock.Anything, projectScope).Return(session, nil)
			ts.prefs.On("Get", mock.Anything, userID).Return(tt.stored, nil)
			ts.prefs.On("Set", mock.Anything, userID, mock.Anything).Return(nil).Maybe()
			ts.store.On("UpsertParticipant", mock.Anything, mock.MatchedBy(func(p *domain.Participant) bool {
				return p.IsAudioEnabled == tt.wantAudio && p.IsVideoEnabled == tt.wantVideo
			})).Return(liveParticipant(session, userID, 1), true, nil)
			ts.prov.On("IssueToken", mock.Anything, mock.Anything, userID, mock.Anything).Return(testGrant, nil)

			_, err := ts.svc.JoinCall(context.Background(), &JoinInput{Scope: projectScope, UserID: userID, Audio: tt.audio, Video: tt.video})

			require.NoError(t, err)
			ts.store.AssertExpectations(t)
		})
	}
}

func TestJoinCall_AlreadyLiveIsNoop(t *testing.T) {
	ts := newTestService(t)
	session := activeSession(uuid.New())
	userID := uuid.New()

	ts.store.On("GetActiveSession", mock.Anything, projectScope).Return(session, nil)
	ts.prefs.On("Get", mock.Anything, userID).Return(nil, nil)
	ts.store.On("UpsertParticipant", mock.Anything, mock.Anything).Return(liveParticipant(session, userID, 3), false, nil)
	ts.prov.On("IssueToken", mock.Anything, mock.Anything, userID, mock.Anything).Return(testGrant, nil)

	out, err := ts.svc.JoinCall(context.Background(), &JoinInput{Scope: projectScope, UserID: userID})

	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, int64(3), out.Participant.Revision)
	ts.feed.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestJoinCall_TokenFailure(t *testing.T) {
	ts := newTestService(t)
	session := activeSession(uuid.New())
	userID := uuid.New()

	ts.store.On("GetActiveSession", mock.Anything, projectScope).Return(session, nil)
	ts.prefs.On("Get", mock.Anything, userID).Return(nil, nil)
	ts.prov.On("IssueToken", mock.Anything, mock.Anything, userID, mock.Anything).Return(nil, errors.New("signing failed"))

	_, err := ts.svc.JoinCall(context.Background(), &JoinInput{Scope: projectScope, UserID: userID})

	appErr := apperrors.GetAppError(err)
	assert.Equal(t, apperrors.ErrCodeJoin, appErr.Code)
	assert.True(t, appErr.Retryable)
	ts.store.AssertNotCalled(t, "UpsertParticipant", mock.Anything, mock.Anything)
	ts.feed.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestJoinCall_StoreErrorRetriedOnce(t *testing.T) {
	ts := newTestService(t)
	session := activeSession(uuid.New())
	userID := uuid.New()

	ts.store.On("GetActiveSession", mock.Anything, projectScope).Return(session, nil)
	ts.prefs.On("Get", mock.Anything, userID).Return(nil, nil)
	ts.store.On("UpsertParticipant", mock.Anything, mock.Anything).Return(nil, false, errors.New("connection reset")).Once()
	ts.store.On("UpsertParticipant", mock.Anything, mock.Anything).Return(liveParticipant(session, userID, 1), true, nil).Once()
	ts.prov.On("IssueToken", mock.Anything, mock.Anything, userID, mock.Anything).Return(testGrant, nil)

	_, err := ts.svc.JoinCall(context.Background(), &JoinInput{Scope: projectScope, UserID: userID})

	require.NoError(t, err)
	ts.store.AssertNumberOfCalls(t, "UpsertParticipant", 2)
}

func TestJoinCall_StoreErrorSurfacesAfterRetry(t *testing.T) {
	ts := newTestService(t)
	session := activeSession(uuid.New())
	userID := uuid.New()

	ts.store.On("GetActiveSession", mock.Anything, projectScope).Return(session, nil)
	ts.prefs.On("Get", mock.Anything, userID).Return(nil, nil)
	ts.store.On("UpsertParticipant", mock.Anything, mock.Anything).Return(nil, false, errors.New("connection reset"))
	ts.prov.On("IssueToken", mock.Anything, mock.Anything, userID, mock.Anything).Return(testGrant, nil)

	_, err := ts.svc.JoinCall(context.Background(), &JoinInput{Scope: projectScope, UserID: userID})

	appErr := apperrors.GetAppError(err)
	assert.Equal(t, apperrors.ErrCodeDatabase, appErr.Code)
	assert.True(t, appErr.Retryable)
	ts.store.AssertNumberOfCalls(t, "UpsertParticipant", 2)
}

func TestLeaveCall_Noop(t *testing.T) {
	ts := newTestService(t)
	callID := uuid.New()
	userID := uuid.New()

	ts.store.On("MarkLeft", mock.Anything, projectScope, callID, userID, mock.Anything).Return(nil, domain.ErrParticipantNotFound)

	p, err := ts.svc.LeaveCall(context.Background(), &ParticipantInput{Scope: projectScope, UserID: userID, CallID: &callID})

	require.NoError(t, err)
	assert.Nil(t, p)
	ts.store.AssertNumberOfCalls(t, "MarkLeft", 1)
	ts.feed.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestLeaveCall_NoActiveCallIsNoop(t *testing.T) {
	ts := newTestService(t)

	ts.store.On("GetActiveSession", mock.Anything, projectScope).Return(nil, domain.ErrCallNotFound)

	p, err := ts.svc.LeaveCall(context.Background(), &ParticipantInput{Scope: projectScope, UserID: uuid.New()})

	require.NoError(t, err)
	assert.Nil(t, p)
	ts.store.AssertNotCalled(t, "MarkLeft", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEndCall_Forbidden(t *testing.T) {
	ts := newTestService(t)
	session := activeSession(uuid.New())

	ts.store.On("GetActiveSession", mock.Anything, projectScope).Return(session, nil)

	_, err := ts.svc.EndCall(context.Background(), &ParticipantInput{Scope: projectScope, UserID: uuid.New()})

	appErr := apperrors.GetAppError(err)
	assert.Equal(t, apperrors.ErrCodeForbidden, appErr.Code)
	assert.False(t, appErr.Retryable)
	ts.store.AssertNotCalled(t, "EndSession", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEndCall_Success(t *testing.T) {
	ts := newTestService(t)
	initiator := uuid.New()
	session := activeSession(initiator)
	ended := *session
	endedAt := time.Now().UTC()
	ended.Status = domain.CallStatusEnded
	ended.EndedAt = &endedAt
	ended.Revision = 2

	ts.store.On("GetActiveSession", mock.Anything, projectScope).Return(session, nil)
	ts.store.On("EndSession", mock.Anything, session.ID, initiator, mock.Anything).Return(&ended, nil)

	out, err := ts.svc.EndCall(context.Background(), &ParticipantInput{Scope: projectScope, UserID: initiator})

	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, out.Status)
	ts.feed.AssertCalled(t, "Publish", mock.Anything, mock.MatchedBy(func(e *domain.ChangeEvent) bool {
		return e.Table == domain.TableCallSessions && e.Session != nil && e.Session.Status == domain.CallStatusEnded
	}))
}

func TestEndCall_AlreadyEndedIsNoop(t *testing.T) {
	ts := newTestService(t)
	initiator := uuid.New()
	session := activeSession(initiator)
	session.Status = domain.CallStatusEnded

	ts.store.On("GetSession", mock.Anything, session.ID).Return(session, nil)

	out, err := ts.svc.EndCall(context.Background(), &ParticipantInput{Scope: projectScope, UserID: initiator, CallID: &session.ID})

	require.NoError(t, err)
	assert.Equal(t, session, out)
	ts.store.AssertNotCalled(t, "EndSession", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestToggleAudio_WithCallIDSkipsSessionRead(t *testing.T) {
	ts := newTestService(t)
	session := activeSession(uuid.New())
	userID := uuid.New()
	toggled := liveParticipant(session, userID, 2)
	toggled.IsAudioEnabled = false

	ts.store.On("ToggleAudio", mock.Anything, projectScope, session.ID, userID).Return(toggled, nil)
	ts.prefs.On("Set", mock.Anything, userID, domain.MediaPreference{AudioEnabled: false, VideoEnabled: true}).Return(nil)

	p, err := ts.svc.ToggleAudio(context.Background(), &ParticipantInput{Scope: projectScope, UserID: userID, CallID: &session.ID})

	require.NoError(t, err)
	assert.False(t, p.IsAudioEnabled)
	ts.store.AssertNotCalled(t, "GetActiveSession", mock.Anything, mock.Anything)
	ts.store.AssertNotCalled(t, "GetSession", mock.Anything, mock.Anything)
	ts.prefs.AssertExpectations(t)
}

func TestToggleVideo_NotLiveIsNoop(t *testing.T) {
	ts := newTestService(t)
	callID := uuid.New()
	userID := uuid.New()

	ts.store.On("ToggleVideo", mock.Anything, projectScope, callID, userID).Return(nil, domain.ErrParticipantNotFound)

	p, err := ts.svc.ToggleVideo(context.Background(), &ParticipantInput{Scope: projectScope, UserID: userID, CallID: &callID})

	require.NoError(t, err)
	assert.Nil(t, p)
	ts.prefs.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything)
}

func TestToggleAudio_StoreErrorNotRetried(t *testing.T) {
	ts := newTestService(t)
	callID := uuid.New()
	userID := uuid.New()

	ts.store.On("ToggleAudio", mock.Anything, projectScope, callID, userID).Return(nil, errors.New("connection reset"))

	_, err := ts.svc.ToggleAudio(context.Background(), &ParticipantInput{Scope: projectScope, UserID: userID, CallID: &callID})

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDatabase))
	ts.store.AssertNumberOfCalls(t, "ToggleAudio", 1)
}

func TestRoomState(t *testing.T) {
	ts := newTestService(t)
	session := activeSession(uuid.New())
	live := liveParticipant(session, uuid.New(), 1)
	left := liveParticipant(session, uuid.New(), 2)
	leftAt := time.Now().UTC()
	left.LeftAt = &leftAt

	ts.store.On("GetActiveSession", mock.Anything, projectScope).Return(session, nil)
	ts.store.On("ListParticipants", mock.Anything, session.ID).Return([]*domain.Participant{live, left}, nil)

	snapshot, err := ts.svc.RoomState(context.Background(), projectScope)

	require.NoError(t, err)
	assert.Equal(t, session, snapshot.ActiveCall)
	assert.Equal(t, []*domain.Participant{live}, snapshot.Participants)
}

func TestRoomState_NoCall(t *testing.T) {
	ts := newTestService(t)

	ts.store.On("GetActiveSession", mock.Anything, projectScope).Return(nil, domain.ErrCallNotFound)

	snapshot, err := ts.svc.RoomState(context.Background(), projectScope)

	require.NoError(t, err)
	assert.Nil(t, snapshot.ActiveCall)
	assert.Empty(t, snapshot.Participants)
}

// MockHistoryRepository is a mock implementation of HistoryRepository
type MockHistoryRepository struct {
	mock.Mock
}

func (m *MockHistoryRepository) Append(ctx context.Context, event *domain.CallEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockHistoryRepository) ListByCall(ctx context.Context, callID uuid.UUID, limit int) ([]*domain.CallEvent, error) {
	args := m.Called(ctx, callID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallEvent), args.Error(1)
}

func TestCallHistory(t *testing.T) {
	ts := newTestService(t)
	history := new(MockHistoryRepository)
	WithHistory(history)(ts.svc)

	session := activeSession(uuid.New())
	events := []*domain.CallEvent{{CallID: session.ID, Type: domain.CallEventStarted, Scope: projectScope}}
	ts.store.On("GetSession", mock.Anything, session.ID).Return(session, nil)
	history.On("ListByCall", mock.Anything, session.ID, 20).Return(events, nil)

	got, err := ts.svc.CallHistory(context.Background(), projectScope, session.ID, 20)

	require.NoError(t, err)
	assert.Equal(t, events, got)
}

func TestCallHistory_OtherScopeIsNotFound(t *testing.T) {
	ts := newTestService(t)
	history := new(MockHistoryRepository)
	WithHistory(history)(ts.svc)

	session := activeSession(uuid.New())
	ts.store.On("GetSession", mock.Anything, session.ID).Return(session, nil)

	_, err := ts.svc.CallHistory(context.Background(), domain.RoomScope{Type: domain.ScopeDiscussion, ID: "d1"}, session.ID, 20)

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallNotFound))
	history.AssertNotCalled(t, "ListByCall", mock.Anything, mock.Anything, mock.Anything)
}

func TestCallHistory_Disabled(t *testing.T) {
	ts := newTestService(t)

	_, err := ts.svc.CallHistory(context.Background(), projectScope, uuid.New(), 20)

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeServiceUnavail))
}
