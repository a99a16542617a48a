package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewcall-backend/internal/changefeed"
	"crewcall-backend/internal/database"
	"crewcall-backend/internal/domain"
	"crewcall-backend/internal/provisioner"
	redisRepo "crewcall-backend/internal/repository/redis"
	"crewcall-backend/internal/repository/sqlite"
	"crewcall-backend/pkg/config"
	pkgdb "crewcall-backend/pkg/database"
	apperrors "crewcall-backend/pkg/errors"
	"crewcall-backend/pkg/metrics"
)

type lifecycleEnv struct {
	svc   *Service
	store *sqlite.CallRepository
	feed  *changefeed.LocalFeed
}

// newLifecycleEnv wires the service to a real sqlite store, an in-process
// change feed and Redis-backed preferences
func newLifecycleEnv(t *testing.T) *lifecycleEnv {
	t.Helper()
	ctx := context.Background()

	db, err := pkgdb.NewSQLiteDB(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.EnsureSchema(ctx, db.Conn))

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	redisClient := database.WrapRedisClient(client, nil)

	store := sqlite.NewCallRepository(db.Conn)
	feed := changefeed.NewLocalFeed()
	t.Cleanup(feed.Close)

	svc := NewService(
		store,
		provisioner.NewLocalProvisioner(&config.LiveKitConfig{}),
		feed,
		redisRepo.NewPreferenceRepository(redisClient),
		metrics.NewMetrics("test"),
		Config{ProvisionTimeout: time.Second, StoreTimeout: 5 * time.Second, StoreRetryBackoff: time.Millisecond},
		WithMembers(redisRepo.NewRoomMemberRepository(redisClient)),
	)
	return &lifecycleEnv{svc: svc, store: store, feed: feed}
}

func (e *lifecycleEnv) participantRows(t *testing.T, callID uuid.UUID) []*domain.Participant {
	t.Helper()
	rows, err := e.store.ListParticipants(context.Background(), callID)
	require.NoError(t, err)
	return rows
}

func TestConcurrentStart_ExactlyOneActive(t *testing.T) {
	env := newLifecycleEnv(t)
	scope := domain.RoomScope{Type: domain.ScopeDiscussion, ID: "d1"}
	const starters = 10

	var (
		wg            sync.WaitGroup
		mu            sync.Mutex
		created       []*JoinOutput
		alreadyActive int
		otherErrs     []error
	)
	for i := 0; i < starters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := env.svc.StartCall(context.Background(), &StartInput{
				Scope:  scope,
				UserID: uuid.New(),
				Kind:   domain.CallKindAudio,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created = append(created, out)
			case apperrors.HasCode(err, apperrors.ErrCodeAlreadyActive):
				alreadyActive++
			default:
				otherErrs = append(otherErrs, err)
			}
		}()
	}
	wg.Wait()

	require.Empty(t, otherErrs)
	require.Len(t, created, 1)
	assert.Equal(t, starters-1, alreadyActive)

	active, err := env.store.GetActiveSession(context.Background(), scope)
	require.NoError(t, err)
	assert.Equal(t, created[0].Session.ID, active.ID)
}

func TestConcurrentStartOrJoin_AllEndUpInOneCall(t *testing.T) {
	env := newLifecycleEnv(t)
	scope := domain.RoomScope{Type: domain.ScopeProject, ID: "p9"}
	const users = 8

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		callIDs = map[uuid.UUID]int{}
		created int
		errs    []error
	)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := env.svc.StartOrJoin(context.Background(), &StartInput{
				Scope:  scope,
				UserID: uuid.New(),
				Kind:   domain.CallKindVideo,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			callIDs[out.Session.ID]++
			if out.Created {
				created++
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Len(t, callIDs, 1)
	assert.Equal(t, 1, created)
	for callID := range callIDs {
		assert.Len(t, domain.LiveParticipants(env.participantRows(t, callID)), users)
	}
}

func TestJoinCall_Idempotent(t *testing.T) {
	env := newLifecycleEnv(t)
	ctx := context.Background()
	scope := domain.RoomScope{Type: domain.ScopeProject, ID: "p1"}
	x, y := uuid.New(), uuid.New()

	started, err := env.svc.StartCall(ctx, &StartInput{Scope: scope, UserID: x, Kind: domain.CallKindVideo})
	require.NoError(t, err)

	first, err := env.svc.JoinCall(ctx, &JoinInput{Scope: scope, UserID: y})
	require.NoError(t, err)
	assert.True(t, first.Applied)

	second, err := env.svc.JoinCall(ctx, &JoinInput{Scope: scope, UserID: y})
	require.NoError(t, err)
	assert.False(t, second.Applied)
	assert.Equal(t, first.Participant.Revision, second.Participant.Revision)
	assert.NotNil(t, second.Media)

	rows := env.participantRows(t, started.Session.ID)
	assert.Len(t, rows, 2)
}

func TestLeaveThenRejoin(t *testing.T) {
	env := newLifecycleEnv(t)
	ctx := context.Background()
	scope := domain.RoomScope{Type: domain.ScopeProject, ID: "p1"}
	x, y := uuid.New(), uuid.New()

	started, err := env.svc.StartCall(ctx, &StartInput{Scope: scope, UserID: x, Kind: domain.CallKindVideo})
	require.NoError(t, err)
	joined, err := env.svc.JoinCall(ctx, &JoinInput{Scope: scope, UserID: y})
	require.NoError(t, err)

	left, err := env.svc.LeaveCall(ctx, &ParticipantInput{Scope: scope, UserID: y})
	require.NoError(t, err)
	require.NotNil(t, left.LeftAt)

	again, err := env.svc.LeaveCall(ctx, &ParticipantInput{Scope: scope, UserID: y})
	require.NoError(t, err)
	assert.Nil(t, again)

	time.Sleep(2 * time.Millisecond)
	rejoined, err := env.svc.JoinCall(ctx, &JoinInput{Scope: scope, UserID: y})
	require.NoError(t, err)
	assert.True(t, rejoined.Applied)
	assert.Nil(t, rejoined.Participant.LeftAt)
	assert.True(t, rejoined.Participant.JoinedAt.After(joined.Participant.JoinedAt))
	assert.Greater(t, rejoined.Participant.Revision, left.Revision)

	rows := env.participantRows(t, started.Session.ID)
	count := 0
	for _, p := range rows {
		if p.UserID == y {
			count++
		}
	}
	assert.Equal(t, 1, count)

	// Leaving never touches the session
	session, err := env.store.GetSession(ctx, started.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, session.Status)
}

func TestLastParticipantLeavingKeepsCallActive(t *testing.T) {
	env := newLifecycleEnv(t)
	ctx := context.Background()
	scope := domain.RoomScope{Type: domain.ScopeProject, ID: "p1"}
	x := uuid.New()

	started, err := env.svc.StartCall(ctx, &StartInput{Scope: scope, UserID: x, Kind: domain.CallKindAudio})
	require.NoError(t, err)
	_, err = env.svc.LeaveCall(ctx, &ParticipantInput{Scope: scope, UserID: x})
	require.NoError(t, err)

	snapshot, err := env.svc.RoomState(ctx, scope)
	require.NoError(t, err)
	require.NotNil(t, snapshot.ActiveCall)
	assert.Equal(t, started.Session.ID, snapshot.ActiveCall.ID)
	assert.Empty(t, snapshot.Participants)
}

func TestToggle_RememberedOnNextJoin(t *testing.T) {
	env := newLifecycleEnv(t)
	ctx := context.Background()
	scope := domain.RoomScope{Type: domain.ScopeProject, ID: "p1"}
	x := uuid.New()

	started, err := env.svc.StartCall(ctx, &StartInput{Scope: scope, UserID: x, Kind: domain.CallKindVideo})
	require.NoError(t, err)
	assert.True(t, started.Participant.IsAudioEnabled)

	muted, err := env.svc.ToggleAudio(ctx, &ParticipantInput{Scope: scope, UserID: x, CallID: &started.Session.ID})
	require.NoError(t, err)
	assert.False(t, muted.IsAudioEnabled)
	assert.True(t, muted.IsVideoEnabled)

	_, err = env.svc.EndCall(ctx, &ParticipantInput{Scope: scope, UserID: x})
	require.NoError(t, err)

	next, err := env.svc.StartCall(ctx, &StartInput{Scope: scope, UserID: x, Kind: domain.CallKindVideo})
	require.NoError(t, err)
	assert.False(t, next.Participant.IsAudioEnabled)
	assert.True(t, next.Participant.IsVideoEnabled)
}

func TestToggle_NotLiveIsNoop(t *testing.T) {
	env := newLifecycleEnv(t)
	ctx := context.Background()
	scope := domain.RoomScope{Type: domain.ScopeProject, ID: "p1"}

	started, err := env.svc.StartCall(ctx, &StartInput{Scope: scope, UserID: uuid.New(), Kind: domain.CallKindVideo})
	require.NoError(t, err)

	outsider := uuid.New()
	p, err := env.svc.ToggleVideo(ctx, &ParticipantInput{Scope: scope, UserID: outsider, CallID: &started.Session.ID})
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Len(t, env.participantRows(t, started.Session.ID), 1)
}

func TestRevisionsIncreasePerRow(t *testing.T) {
	env := newLifecycleEnv(t)
	ctx := context.Background()
	scope := domain.RoomScope{Type: domain.ScopeProject, ID: "p1"}
	x := uuid.New()

	stream, err := env.feed.Subscribe(ctx, scope)
	require.NoError(t, err)
	defer stream.Close()

	started, err := env.svc.StartCall(ctx, &StartInput{Scope: scope, UserID: x, Kind: domain.CallKindVideo})
	require.NoError(t, err)
	input := &ParticipantInput{Scope: scope, UserID: x, CallID: &started.Session.ID}
	_, err = env.svc.ToggleAudio(ctx, input)
	require.NoError(t, err)
	_, err = env.svc.ToggleVideo(ctx, input)
	require.NoError(t, err)
	_, err = env.svc.LeaveCall(ctx, input)
	require.NoError(t, err)
	_, err = env.svc.EndCall(ctx, input)
	require.NoError(t, err)

	var sessionRevs, participantRevs []int64
	for i := 0; i < 6; i++ {
		ev := <-stream.Events()
		if ev.Session != nil {
			sessionRevs = append(sessionRevs, ev.Session.Revision)
		} else {
			participantRevs = append(participantRevs, ev.Participant.Revision)
		}
	}
	assert.Equal(t, []int64{1, 2}, sessionRevs)
	assert.Equal(t, []int64{1, 2, 3, 4}, participantRevs)
}

func TestScenarioA_StartAutoJoinsInitiator(t *testing.T) {
	env := newLifecycleEnv(t)
	ctx := context.Background()
	scope := domain.RoomScope{Type: domain.ScopeProject, ID: "p1"}
	x := uuid.New()

	out, err := env.svc.StartCall(ctx, &StartInput{Scope: scope, UserID: x, Kind: domain.CallKindVideo})

	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, out.Session.Status)
	assert.Equal(t, x, out.Session.StartedBy)
	assert.True(t, out.Participant.IsLive())
	assert.Equal(t, x, out.Participant.UserID)
	assert.Equal(t, out.Session.MediaRoom.Name, out.Media.Room)
}

func TestScenarioB_SecondUserJoins(t *testing.T) {
	env := newLifecycleEnv(t)
	ctx := context.Background()
	scope := domain.RoomScope{Type: domain.ScopeProject, ID: "p1"}
	x, y := uuid.New(), uuid.New()

	started, err := env.svc.StartCall(ctx, &StartInput{Scope: scope, UserID: x, Kind: domain.CallKindVideo})
	require.NoError(t, err)

	_, err = env.svc.JoinCall(ctx, &JoinInput{Scope: scope, UserID: y})
	require.NoError(t, err)

	snapshot, err := env.svc.RoomState(ctx, scope)
	require.NoError(t, err)
	assert.Len(t, snapshot.Participants, 2)

	xRow, err := env.store.GetParticipant(ctx, started.Session.ID, x)
	require.NoError(t, err)
	assert.Equal(t, started.Participant.Revision, xRow.Revision)
	assert.Equal(t, started.Participant.JoinedAt, xRow.JoinedAt)
}

func TestScenarioC_LoserJoinsWinner(t *testing.T) {
	env := newLifecycleEnv(t)
	ctx := context.Background()
	scope := domain.RoomScope{Type: domain.ScopeDiscussion, ID: "d1"}
	x, y := uuid.New(), uuid.New()

	results := make([]error, 2)
	outs := make([]*JoinOutput, 2)
	var wg sync.WaitGroup
	for i, user := range []uuid.UUID{x, y} {
		wg.Add(1)
		go func(i int, user uuid.UUID) {
			defer wg.Done()
			outs[i], results[i] = env.svc.StartCall(ctx, &StartInput{Scope: scope, UserID: user, Kind: domain.CallKindAudio})
		}(i, user)
	}
	wg.Wait()

	winner, loser := 0, 1
	if results[0] != nil {
		winner, loser = 1, 0
	}
	require.NoError(t, results[winner])
	require.True(t, apperrors.HasCode(results[loser], apperrors.ErrCodeAlreadyActive))

	loserID := []uuid.UUID{x, y}[loser]
	joined, err := env.svc.JoinCall(ctx, &JoinInput{Scope: scope, UserID: loserID})
	require.NoError(t, err)
	assert.Equal(t, outs[winner].Session.ID, joined.Session.ID)
}

func TestScenarioE_OnlyInitiatorEnds(t *testing.T) {
	env := newLifecycleEnv(t)
	ctx := context.Background()
	scope := domain.RoomScope{Type: domain.ScopeProject, ID: "p1"}
	x, z := uuid.New(), uuid.New()

	started, err := env.svc.StartCall(ctx, &StartInput{Scope: scope, UserID: x, Kind: domain.CallKindVideo})
	require.NoError(t, err)
	_, err = env.svc.JoinCall(ctx, &JoinInput{Scope: scope, UserID: z})
	require.NoError(t, err)

	_, err = env.svc.EndCall(ctx, &ParticipantInput{Scope: scope, UserID: z})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))

	ended, err := env.svc.EndCall(ctx, &ParticipantInput{Scope: scope, UserID: x})
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, ended.Status)
	require.NotNil(t, ended.EndedAt)

	_, err = env.svc.EndCall(ctx, &ParticipantInput{Scope: scope, UserID: z, CallID: &started.Session.ID})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))

	again, err := env.svc.EndCall(ctx, &ParticipantInput{Scope: scope, UserID: x, CallID: &started.Session.ID})
	require.NoError(t, err)
	assert.Equal(t, ended.EndedAt.UnixNano(), again.EndedAt.UnixNano())
	assert.Equal(t, ended.Revision, again.Revision)

	// Participants are not force-left, but the ended call has no live view
	zRow, err := env.store.GetParticipant(ctx, started.Session.ID, z)
	require.NoError(t, err)
	assert.True(t, zRow.IsLive())

	snapshot, err := env.svc.RoomState(ctx, scope)
	require.NoError(t, err)
	assert.Nil(t, snapshot.ActiveCall)
	assert.Empty(t, snapshot.Participants)

	_, err = env.svc.JoinCall(ctx, &JoinInput{Scope: scope, UserID: uuid.New(), CallID: &started.Session.ID})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNoActiveCall))
}
