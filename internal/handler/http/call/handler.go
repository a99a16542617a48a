package call

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"crewcall-backend/internal/domain"
	"crewcall-backend/internal/middleware"
	"crewcall-backend/internal/service/call"
	apperrors "crewcall-backend/pkg/errors"
	"crewcall-backend/pkg/pagination"
	"crewcall-backend/pkg/response"
)

// CallService is the lifecycle manager as seen by the HTTP layer
type CallService interface {
	StartOrJoin(ctx context.Context, input *call.StartInput) (*call.JoinOutput, error)
	JoinCall(ctx context.Context, input *call.JoinInput) (*call.JoinOutput, error)
	LeaveCall(ctx context.Context, input *call.ParticipantInput) (*domain.Participant, error)
	EndCall(ctx context.Context, input *call.ParticipantInput) (*domain.CallSession, error)
	ToggleAudio(ctx context.Context, input *call.ParticipantInput) (*domain.Participant, error)
	ToggleVideo(ctx context.Context, input *call.ParticipantInput) (*domain.Participant, error)
	RoomState(ctx context.Context, scope domain.RoomScope) (*domain.RoomSnapshot, error)
	CallHistory(ctx context.Context, scope domain.RoomScope, callID uuid.UUID, limit int) ([]*domain.CallEvent, error)
}

// Handler handles call commands for a room scope
type Handler struct {
	callService CallService
}

// NewHandler creates a new call handler
func NewHandler(callService CallService) *Handler {
	return &Handler{
		callService: callService,
	}
}

// RegisterRoutes mounts the call endpoints and returns the scope group so
// the presence stream can be mounted next to them
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) *gin.RouterGroup {
	group := rg.Group("/rooms/:scope_type/:scope_id/call")
	group.GET("", h.GetRoomState)
	group.POST("/start", h.StartCall)
	group.POST("/join", h.JoinCall)
	group.POST("/leave", h.LeaveCall)
	group.POST("/end", h.EndCall)
	group.POST("/audio/toggle", h.ToggleAudio)
	group.POST("/video/toggle", h.ToggleVideo)
	group.GET("/history/:call_id", h.GetCallHistory)
	return group
}

// StartCallRequest represents a start request. Audio and video are the
// initiator's initial media state; omitted values fall back to their last choice.
type StartCallRequest struct {
	CallKind string `json:"call_kind" binding:"required,oneof=audio video"`
	Audio    *bool  `json:"audio"`
	Video    *bool  `json:"video"`
}

// JoinCallRequest represents a join request
type JoinCallRequest struct {
	CallID string `json:"call_id" binding:"omitempty,uuid"`
	Audio  *bool  `json:"audio"`
	Video  *bool  `json:"video"`
}

// CallTargetRequest optionally pins a command to a specific call
type CallTargetRequest struct {
	CallID string `json:"call_id" binding:"omitempty,uuid"`
}

// ParticipantResponse reports a participant command. Participant is nil
// when the command was a no-op.
type ParticipantResponse struct {
	Changed     bool                `json:"changed"`
	Participant *domain.Participant `json:"participant,omitempty"`
}

// GetRoomState returns the scope's active call and live participants
// GET /v1/rooms/:scope_type/:scope_id/call
func (h *Handler) GetRoomState(c *gin.Context) {
	scope, ok := scopeParam(c)
	if !ok {
		return
	}

	snapshot, err := h.callService.RoomState(c.Request.Context(), scope)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, snapshot)
}

// GetCallHistory returns the recorded events of one of the scope's calls
// GET /v1/rooms/:scope_type/:scope_id/call/history/:call_id?limit=50
func (h *Handler) GetCallHistory(c *gin.Context) {
	scope, ok := scopeParam(c)
	if !ok {
		return
	}
	callID, err := uuid.Parse(c.Param("call_id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return
	}
	limit, err := pagination.ParseLimit(c.Query("limit"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	events, err := h.callService.CallHistory(c.Request.Context(), scope, callID, limit)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, pagination.ListResponse{
		Limit: limit,
		Count: len(events),
		Data:  events,
	})
}

// StartCall starts a call, or joins the one that is already running
// POST /v1/rooms/:scope_type/:scope_id/call/start
func (h *Handler) StartCall(c *gin.Context) {
	scope, userID, ok := commandContext(c)
	if !ok {
		return
	}

	var req StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	output, err := h.callService.StartOrJoin(c.Request.Context(), &call.StartInput{
		Scope:  scope,
		UserID: userID,
		Kind:   domain.CallKind(req.CallKind),
		Audio:  req.Audio,
		Video:  req.Video,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	status := http.StatusOK
	if output.Created {
		status = http.StatusCreated
	}
	response.Success(c, status, output)
}

// JoinCall joins the scope's active call
// POST /v1/rooms/:scope_type/:scope_id/call/join
func (h *Handler) JoinCall(c *gin.Context) {
	scope, userID, ok := commandContext(c)
	if !ok {
		return
	}

	var req JoinCallRequest
	if err := bindOptional(c, &req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	callID, ok := callIDParam(c, req.CallID)
	if !ok {
		return
	}

	output, err := h.callService.JoinCall(c.Request.Context(), &call.JoinInput{
		Scope:  scope,
		UserID: userID,
		CallID: callID,
		Audio:  req.Audio,
		Video:  req.Video,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, output)
}

// LeaveCall marks the caller as left
// POST /v1/rooms/:scope_type/:scope_id/call/leave
func (h *Handler) LeaveCall(c *gin.Context) {
	h.participantCommand(c, h.callService.LeaveCall)
}

// ToggleAudio flips the caller's microphone
// POST /v1/rooms/:scope_type/:scope_id/call/audio/toggle
func (h *Handler) ToggleAudio(c *gin.Context) {
	h.participantCommand(c, h.callService.ToggleAudio)
}

// ToggleVideo flips the caller's camera
// POST /v1/rooms/:scope_type/:scope_id/call/video/toggle
func (h *Handler) ToggleVideo(c *gin.Context) {
	h.participantCommand(c, h.callService.ToggleVideo)
}

// EndCall ends the call; only its initiator may do so
// POST /v1/rooms/:scope_type/:scope_id/call/end
func (h *Handler) EndCall(c *gin.Context) {
	input, ok := participantInput(c)
	if !ok {
		return
	}

	session, err := h.callService.EndCall(c.Request.Context(), input)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, session)
}

type participantFunc func(ctx context.Context, input *call.ParticipantInput) (*domain.Participant, error)

func (h *Handler) participantCommand(c *gin.Context, fn participantFunc) {
	input, ok := participantInput(c)
	if !ok {
		return
	}

	participant, err := fn(c.Request.Context(), input)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, ParticipantResponse{
		Changed:     participant != nil,
		Participant: participant,
	})
}

func participantInput(c *gin.Context) (*call.ParticipantInput, bool) {
	scope, userID, ok := commandContext(c)
	if !ok {
		return nil, false
	}

	var req CallTargetRequest
	if err := bindOptional(c, &req); err != nil {
		response.ValidationError(c, err.Error())
		return nil, false
	}
	callID, ok := callIDParam(c, req.CallID)
	if !ok {
		return nil, false
	}

	return &call.ParticipantInput{Scope: scope, UserID: userID, CallID: callID}, true
}

func commandContext(c *gin.Context) (domain.RoomScope, uuid.UUID, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return domain.RoomScope{}, uuid.Nil, false
	}
	scope, ok := scopeParam(c)
	if !ok {
		return domain.RoomScope{}, uuid.Nil, false
	}
	return scope, userID, true
}

func scopeParam(c *gin.Context) (domain.RoomScope, bool) {
	scope, err := domain.NewRoomScope(c.Param("scope_type"), c.Param("scope_id"))
	if err != nil {
		response.FromError(c, apperrors.ValidationError(err.Error()))
		return domain.RoomScope{}, false
	}
	return scope, true
}

func callIDParam(c *gin.Context, raw string) (*uuid.UUID, bool) {
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return nil, false
	}
	return &id, true
}

// bindOptional binds a JSON body when one was sent
func bindOptional(c *gin.Context, obj any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
