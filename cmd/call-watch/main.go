// Command call-watch follows a room scope's call from the terminal. It keeps
// a local view of the active call and its live participants and prints it
// after every update.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"crewcall-backend/internal/domain"
	"crewcall-backend/internal/presence"
	"crewcall-backend/pkg/jwt"
	"crewcall-backend/pkg/logger"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "call service base URL")
	scopeType := flag.String("scope-type", "project", "room scope type (project or discussion)")
	scopeID := flag.String("scope-id", "", "room scope ID")
	token := flag.String("token", "", "access token")
	devSecret := flag.String("dev-secret", "", "sign a throwaway token with this JWT secret instead of -token")
	flag.Parse()

	logger.InitDefault("call-watch")
	defer logger.Sync()

	scope, err := domain.NewRoomScope(*scopeType, *scopeID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "call-watch: %v\n", err)
		os.Exit(2)
	}

	accessToken := *token
	if accessToken == "" && *devSecret != "" {
		manager := jwt.NewJWTManager(*devSecret, time.Hour)
		accessToken, err = manager.GenerateAccessToken(uuid.New(), "call-watch", "user")
		if err != nil {
			fmt.Fprintf(os.Stderr, "call-watch: sign token: %v\n", err)
			os.Exit(1)
		}
	}
	if accessToken == "" {
		fmt.Fprintln(os.Stderr, "call-watch: -token or -dev-secret is required")
		os.Exit(2)
	}

	endpoint, err := presenceURL(*server, scope)
	if err != nil {
		fmt.Fprintf(os.Stderr, "call-watch: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	state := presence.NewRoomState(scope)
	delay := newRetryDelay(time.Second, 30*time.Second)
	for ctx.Err() == nil {
		synced, err := watch(ctx, endpoint, accessToken, state)
		if ctx.Err() != nil {
			return
		}
		if synced {
			delay.Reset()
		}
		wait := delay.Next()
		logger.Warn("Presence stream ended, reconnecting",
			zap.Duration("backoff", wait),
			zap.Error(err))

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// retryDelay doubles from base up to max until Reset
type retryDelay struct {
	base, max, next time.Duration
}

func newRetryDelay(base, max time.Duration) *retryDelay {
	return &retryDelay{base: base, max: max, next: base}
}

func (d *retryDelay) Next() time.Duration {
	cur := d.next
	d.next *= 2
	if d.next > d.max {
		d.next = d.max
	}
	return cur
}

func (d *retryDelay) Reset() {
	d.next = d.base
}

func presenceURL(base string, scope domain.RoomScope) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	prefix := strings.TrimSuffix(u.Path, "/")
	u.Path = prefix + fmt.Sprintf("/v1/rooms/%s/%s/call/ws", scope.Type, scope.ID)
	u.RawPath = prefix + fmt.Sprintf("/v1/rooms/%s/%s/call/ws", scope.Type, url.PathEscape(scope.ID))
	return u.String(), nil
}

// watch streams updates until the connection ends. A new connection always
// starts with a snapshot, so state is rebuilt without any gap. synced reports
// whether that snapshot arrived.
func watch(ctx context.Context, endpoint, accessToken string, state *presence.RoomState) (synced bool, err error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+accessToken)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		var update presence.Update
		if err := conn.ReadJSON(&update); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				return synced, nil
			}
			return synced, err
		}
		if update.Kind == presence.UpdateSnapshot {
			synced = true
		}
		if state.Apply(update) {
			render(state)
		}
	}
}

func render(state *presence.RoomState) {
	active := state.ActiveCall()
	if active == nil {
		fmt.Printf("[%s] no active call\n", time.Now().Format(time.TimeOnly))
		return
	}

	live := state.LiveParticipants()
	fmt.Printf("[%s] %s call %s, %d live\n",
		time.Now().Format(time.TimeOnly), active.Kind, active.ID, len(live))
	for _, p := range live {
		fmt.Printf("  %s  audio=%s video=%s  joined %s\n",
			p.UserID, onOff(p.IsAudioEnabled), onOff(p.IsVideoEnabled), p.JoinedAt.Local().Format(time.TimeOnly))
	}
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}
