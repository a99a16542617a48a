package push

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"crewcall-backend/pkg/logger"
)

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
}

// Notification represents a push notification
type Notification struct {
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
	Priority    string            `json:"priority,omitempty"` // high, normal
	Sound       string            `json:"sound,omitempty"`
	Category    string            `json:"category,omitempty"`
	ClickAction string            `json:"click_action,omitempty"`
}

// CallStartedData describes a call that just started in a room
type CallStartedData struct {
	CallID    uuid.UUID
	ScopeType string
	ScopeID   string
	StartedBy uuid.UUID
	CallKind  string
	Timestamp int64
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM TokenType = "fcm" // Firebase Cloud Messaging
	TokenTypeWeb TokenType = "web" // Web Push via FCM
)

// Token represents a push notification token for a user
type Token struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	Platform  string    `json:"platform,omitempty"` // ios, android, web
	Active    bool      `json:"active"`
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
}

// TokenRepository defines interface for storing and retrieving push tokens
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error)
	GetByToken(ctx context.Context, token string) (*Token, error)
	MarkInactive(ctx context.Context, token *Token) error
}

// Service handles push notification operations
type Service struct {
	provider Provider
	repo     TokenRepository
}

// NewService creates a new push notification service
func NewService(provider Provider, repo TokenRepository) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
	}
}

// RegisterToken stores a token, reactivating it when it is already known
func (s *Service) RegisterToken(ctx context.Context, token *Token) error {
	token.Active = true
	existing, err := s.repo.GetByToken(ctx, token.Token)
	if err == nil && existing != nil {
		token.ID = existing.ID
		token.CreatedAt = existing.CreatedAt
	}
	return s.repo.Store(ctx, token)
}

// ErrTokenNotFound is returned when a token is unknown or owned by another user
var ErrTokenNotFound = errors.New("push token not found")

// UnregisterToken deactivates one of the user's tokens
func (s *Service) UnregisterToken(ctx context.Context, userID uuid.UUID, tokenValue string) error {
	token, err := s.repo.GetByToken(ctx, tokenValue)
	if err != nil {
		return err
	}
	if token == nil || token.UserID != userID {
		return ErrTokenNotFound
	}
	return s.repo.MarkInactive(ctx, token)
}

// SendCallStartedNotification tells room members that a call started.
// The initiator is never notified.
func (s *Service) SendCallStartedNotification(ctx context.Context, data *CallStartedData, recipients []uuid.UUID) (*SendResult, error) {
	notification := &Notification{
		Title:    "Call started",
		Body:     fmt.Sprintf("A %s call started in your %s", data.CallKind, data.ScopeType),
		Priority: "high",
		Sound:    "default",
		Category: "CALL_STARTED",
		Data: map[string]string{
			"type":       "call_started",
			"call_id":    data.CallID.String(),
			"scope_type": data.ScopeType,
			"scope_id":   data.ScopeID,
			"started_by": data.StartedBy.String(),
			"call_kind":  data.CallKind,
			"timestamp":  fmt.Sprintf("%d", data.Timestamp),
		},
	}

	var allTokens []string
	for _, userID := range recipients {
		if userID == data.StartedBy {
			continue
		}
		tokens, err := s.repo.GetByUserID(ctx, userID)
		if err != nil {
			logger.Warn("Failed to get push tokens for user",
				zap.String("user_id", userID.String()),
				zap.Error(err))
			continue
		}
		for _, token := range tokens {
			if token.Active {
				allTokens = append(allTokens, token.Token)
			}
		}
	}

	if len(allTokens) == 0 {
		logger.Debug("No active push tokens for call started notification",
			zap.String("call_id", data.CallID.String()),
			zap.Int("recipient_count", len(recipients)))
		return &SendResult{}, nil
	}

	result, err := s.provider.Send(ctx, notification, allTokens)
	if err != nil {
		logger.Error("Failed to send call started notification",
			zap.String("call_id", data.CallID.String()),
			zap.Int("token_count", len(allTokens)),
			zap.Error(err))
		return nil, fmt.Errorf("failed to send call started notification: %w", err)
	}

	logger.Info("Call started notification sent",
		zap.String("call_id", data.CallID.String()),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Int("invalid_tokens", len(result.InvalidTokens)))

	if len(result.InvalidTokens) > 0 {
		s.handleInvalidTokens(ctx, result.InvalidTokens)
	}

	return result, nil
}

// handleInvalidTokens marks invalid tokens as inactive
func (s *Service) handleInvalidTokens(ctx context.Context, invalidTokens []string) {
	for _, tokenStr := range invalidTokens {
		token, err := s.repo.GetByToken(ctx, tokenStr)
		if err != nil || token == nil {
			continue
		}
		if err := s.repo.MarkInactive(ctx, token); err != nil {
			logger.Warn("Failed to mark token as inactive",
				zap.String("token_id", token.ID.String()),
				zap.Error(err))
		}
	}
}

// MockProvider records notifications instead of sending them
type MockProvider struct {
	mu   sync.Mutex
	Sent []*Notification
	// Invalid tokens are reported back as InvalidTokens
	Invalid map[string]bool
}

// Send implements Provider interface
func (m *MockProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Sent = append(m.Sent, notification)

	logger.Debug("MockProvider: Sending notification",
		zap.String("title", notification.Title),
		zap.Int("token_count", len(tokens)))

	result := &SendResult{}
	for _, token := range tokens {
		if m.Invalid[token] {
			result.FailureCount++
			result.InvalidTokens = append(result.InvalidTokens, token)
			continue
		}
		result.SuccessCount++
	}
	return result, nil
}

// SentCount returns how many notifications were sent
func (m *MockProvider) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}
