// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second

	// RedisHealthCheckInterval is how often the Redis degraded-mode probe runs
	RedisHealthCheckInterval = 10 * time.Second
)

// WebSocket constants
const (
	// WebSocketWriteWait is the time allowed to write a message to the peer
	WebSocketWriteWait = 10 * time.Second

	// WebSocketPongWait is the time allowed to read the next pong message
	WebSocketPongWait = 60 * time.Second

	// WebSocketPingInterval must be shorter than WebSocketPongWait
	WebSocketPingInterval = (WebSocketPongWait * 9) / 10

	// WebSocketMaxMessageSize bounds client frames; clients only send small control messages
	WebSocketMaxMessageSize = 4096

	// WebSocketSendBuffer is the per-connection outbound queue length
	WebSocketSendBuffer = 64
)

// Presence constants
const (
	// SubscriberBuffer is the per-subscriber update queue. A subscriber whose
	// queue is full is dropped and must resubscribe.
	SubscriberBuffer = 128

	// HeartbeatInterval is how often a presence connection refreshes its heartbeat
	HeartbeatInterval = 15 * time.Second
)

// Redis key retention
const (
	// MediaPreferenceExpiry is how long a user's last audio/video choice is remembered
	MediaPreferenceExpiry = 90 * 24 * time.Hour // 90 days

	// PushTokenExpiry is the validity period for push notification tokens
	PushTokenExpiry = 30 * 24 * time.Hour // 30 days
)

// Notification queue constants
const (
	// TaskMaxRetry is how many times the worker retries a notification task
	TaskMaxRetry = 5

	// TaskTimeout bounds one notification task
	TaskTimeout = 30 * time.Second
)
