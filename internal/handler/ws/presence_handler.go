package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"crewcall-backend/internal/domain"
	"crewcall-backend/internal/middleware"
	"crewcall-backend/internal/presence"
	"crewcall-backend/pkg/constants"
	apperrors "crewcall-backend/pkg/errors"
	"crewcall-backend/pkg/logger"
	"crewcall-backend/pkg/metrics"
	"crewcall-backend/pkg/response"
)

// Client message types
const (
	MessageTypeResync = "resync"
	MessageTypePing   = "ping"
)

// ClientMessage is a control message sent by the client
type ClientMessage struct {
	Type string `json:"type"`
}

// Subscriber opens presence subscriptions
type Subscriber interface {
	Subscribe(ctx context.Context, scope domain.RoomScope) (*presence.Subscription, error)
}

// HeartbeatToucher refreshes a participant's liveness key
type HeartbeatToucher interface {
	Touch(ctx context.Context, callID, userID uuid.UUID, ttl time.Duration) error
}

// PresenceConfig holds presence endpoint settings
type PresenceConfig struct {
	AllowedOrigins []string
	MaxConnections int
	HeartbeatTTL   time.Duration // 0 disables heartbeats
}

// PresenceHandler streams a room scope's call state over WebSocket: a
// snapshot first, then every committed change
type PresenceHandler struct {
	synchronizer Subscriber
	heartbeats   HeartbeatToucher
	heartbeatTTL time.Duration
	metrics      *metrics.Metrics
	upgrader     websocket.Upgrader

	maxConnections int
	semaphore      chan struct{}
}

// NewPresenceHandler creates a new presence handler. heartbeats may be nil.
func NewPresenceHandler(synchronizer Subscriber, heartbeats HeartbeatToucher, cfg PresenceConfig, m *metrics.Metrics) *PresenceHandler {
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 1000
	}

	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		allowed[origin] = true
	}

	return &PresenceHandler{
		synchronizer: synchronizer,
		heartbeats:   heartbeats,
		heartbeatTTL: cfg.HeartbeatTTL,
		metrics:      m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Non-browser clients send no Origin and authenticate with a bearer token
				return origin == "" || allowed[origin]
			},
		},
		maxConnections: maxConns,
		semaphore:      make(chan struct{}, maxConns),
	}
}

// ServeWS handles presence stream requests
// GET /v1/rooms/:scope_type/:scope_id/call/ws
func (h *PresenceHandler) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("Presence connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		response.FromError(c, apperrors.ServiceUnavailableError("Server at capacity, please try again later"))
		return
	}
	release := func() { <-h.semaphore }

	userID, ok := middleware.UserID(c)
	if !ok {
		release()
		response.Unauthorized(c, "Not authenticated")
		return
	}
	scope, err := domain.NewRoomScope(c.Param("scope_type"), c.Param("scope_id"))
	if err != nil {
		release()
		response.ValidationError(c, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))

	// Subscribe before upgrading so failures are still plain HTTP errors
	sub, err := h.synchronizer.Subscribe(ctx, scope)
	if err != nil {
		cancel()
		release()
		logger.FromContext(ctx).Warn("Presence subscribe failed",
			zap.String("scope", scope.Key()),
			zap.Error(err))
		response.FromError(c, apperrors.ServiceUnavailableError("Presence is temporarily unavailable"))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sub.Close()
		cancel()
		release()
		logger.Warn("WebSocket upgrade failed",
			zap.String("scope", scope.Key()),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	h.metrics.IncWebSocketConnections()
	client := &presenceClient{
		handler: h,
		conn:    conn,
		scope:   scope,
		userID:  userID,
		state:   presence.NewRoomState(scope),
		resync:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		cancel:  cancel,
		release: func() {
			release()
			h.metrics.DecWebSocketConnections()
		},
	}

	logger.Debug("Presence connection opened",
		zap.String("scope", scope.Key()),
		zap.String("user_id", userID.String()))

	go client.writePump(ctx, sub)
	go client.readPump()
}

type presenceClient struct {
	handler *PresenceHandler
	conn    *websocket.Conn
	scope   domain.RoomScope
	userID  uuid.UUID
	state   *presence.RoomState

	resync    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
	release   func()
}

func (c *presenceClient) stop() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump handles client control messages
func (c *presenceClient) readPump() {
	defer c.stop()

	c.conn.SetReadLimit(constants.WebSocketMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("Presence connection closed",
					zap.String("scope", c.scope.Key()),
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			logger.Debug("Invalid presence client message",
				zap.String("user_id", c.userID.String()),
				zap.Error(err))
			continue
		}
		c.handler.metrics.RecordWebSocketMessage(msg.Type, "inbound")

		switch msg.Type {
		case MessageTypeResync:
			select {
			case c.resync <- struct{}{}:
			default:
			}
		case MessageTypePing:
			c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
		}
	}
}

// writePump forwards updates and keeps the participant's heartbeat fresh.
// A subscription the synchronizer drops is replaced, so the client gets a
// fresh snapshot instead of a gap.
func (c *presenceClient) writePump(ctx context.Context, sub *presence.Subscription) {
	ping := time.NewTicker(constants.WebSocketPingInterval)
	heartbeat := time.NewTicker(constants.HeartbeatInterval)
	defer func() {
		ping.Stop()
		heartbeat.Stop()
		sub.Close()
		c.cancel()
		c.conn.Close()
		c.release()
	}()

	for {
		select {
		case <-c.done:
			c.writeClose(websocket.CloseNormalClosure, "")
			return

		case update, ok := <-sub.Updates():
			if !ok {
				logger.Debug("Presence subscription dropped, resubscribing",
					zap.String("scope", c.scope.Key()),
					zap.String("user_id", c.userID.String()),
					zap.Bool("lost", sub.Lost()))
				next, err := c.resubscribe(ctx, sub)
				if err != nil {
					c.writeClose(websocket.CloseTryAgainLater, "presence unavailable")
					return
				}
				sub = next
				continue
			}

			c.state.Apply(update)
			if err := c.write(update); err != nil {
				return
			}
			if update.Kind == presence.UpdateSnapshot {
				c.touch(ctx)
			}

		case <-c.resync:
			next, err := c.resubscribe(ctx, sub)
			if err != nil {
				c.writeClose(websocket.CloseTryAgainLater, "presence unavailable")
				return
			}
			sub = next

		case <-heartbeat.C:
			c.touch(ctx)

		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *presenceClient) resubscribe(ctx context.Context, old *presence.Subscription) (*presence.Subscription, error) {
	old.Close()
	sub, err := c.handler.synchronizer.Subscribe(ctx, c.scope)
	if err != nil {
		logger.Warn("Presence resubscribe failed",
			zap.String("scope", c.scope.Key()),
			zap.Error(err))
		return nil, err
	}
	return sub, nil
}

func (c *presenceClient) write(update presence.Update) error {
	c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
	if err := c.conn.WriteJSON(update); err != nil {
		return err
	}
	c.handler.metrics.RecordWebSocketMessage(string(update.Kind), "outbound")
	return nil
}

func (c *presenceClient) writeClose(code int, text string) {
	c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
}

// touch refreshes the heartbeat while the user is live in the active call
func (c *presenceClient) touch(ctx context.Context) {
	h := c.handler
	if h.heartbeats == nil || h.heartbeatTTL <= 0 {
		return
	}
	active := c.state.ActiveCall()
	if active == nil {
		return
	}
	for _, p := range c.state.LiveParticipants() {
		if p.UserID != c.userID {
			continue
		}
		touchCtx, cancel := context.WithTimeout(ctx, constants.WebSocketWriteWait)
		err := h.heartbeats.Touch(touchCtx, active.ID, c.userID, h.heartbeatTTL)
		cancel()
		if err != nil {
			logger.Debug("Heartbeat refresh failed",
				zap.String("call_id", active.ID.String()),
				zap.String("user_id", c.userID.String()),
				zap.Error(err))
		}
		return
	}
}
