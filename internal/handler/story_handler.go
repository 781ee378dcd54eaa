package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"storyteller-server/internal/middleware"
	"storyteller-server/internal/models"
	"storyteller-server/internal/service"
	"storyteller-server/internal/ws"
)

// StoryService — операции игрового цикла, которые обслуживает HTTP слой.
type StoryService interface {
	StartStory(ctx context.Context, setting string, ownerID *uuid.UUID) (*service.TurnResult, error)
	SubmitAction(ctx context.Context, sessionID, action string, requesterID *uuid.UUID) (*service.TurnResult, error)
	LoadStory(ctx context.Context, sessionID string, requesterID *uuid.UUID) (*models.Session, error)
	ListStories(ctx context.Context, ownerID uuid.UUID) ([]*models.Session, error)
	DeleteStory(ctx context.Context, sessionID string, requesterID *uuid.UUID) error
	ClaimStory(ctx context.Context, sessionID string, ownerID uuid.UUID) error
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Браузерные клиенты ходят с других origin; доступ к сессии
	// контролируется ее неугадываемым идентификатором
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StoryHandler обслуживает HTTP API историй.
type StoryHandler struct {
	svc       StoryService
	auth      *middleware.Auth
	wsManager *ws.ConnectionManager
	logger    *zap.Logger
}

// NewStoryHandler создает новый StoryHandler.
func NewStoryHandler(svc StoryService, auth *middleware.Auth, wsManager *ws.ConnectionManager, logger *zap.Logger) *StoryHandler {
	return &StoryHandler{
		svc:       svc,
		auth:      auth,
		wsManager: wsManager,
		logger:    logger.Named("StoryHandler"),
	}
}

// RegisterRoutes вешает маршруты API на роутер.
func (h *StoryHandler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	{
		api.POST("/stories", h.auth.OptionalAuth(), h.StartStory)
		api.GET("/stories", h.auth.RequireAuth(), h.ListStories)
		api.GET("/stories/:id", h.auth.OptionalAuth(), h.GetStory)
		api.POST("/stories/:id/action", h.auth.OptionalAuth(), h.SubmitAction)
		api.POST("/stories/:id/claim", h.auth.RequireAuth(), h.ClaimStory)
		api.DELETE("/stories/:id", h.auth.OptionalAuth(), h.DeleteStory)
		api.GET("/stories/:id/ws", h.ServeWS)
	}
}

// StartStory начинает новую историю по сеттингу.
func (h *StoryHandler) StartStory(c *gin.Context) {
	var req StartStoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "setting is required"})
		return
	}
	if strings.TrimSpace(req.Setting) == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "setting must not be empty"})
		return
	}

	result, err := h.svc.StartStory(c.Request.Context(), req.Setting, middleware.UserIDFromContext(c))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newTurnResponse(result))
}

// SubmitAction выполняет ход пользователя.
func (h *StoryHandler) SubmitAction(c *gin.Context) {
	var req SubmitActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "action is required"})
		return
	}
	if strings.TrimSpace(req.Action) == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "action must not be empty"})
		return
	}

	result, err := h.svc.SubmitAction(c.Request.Context(), c.Param("id"), req.Action, middleware.UserIDFromContext(c))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, newTurnResponse(result))
}

// GetStory возвращает сохраненную историю и поднимает ее в активный оборот.
func (h *StoryHandler) GetStory(c *gin.Context) {
	sess, err := h.svc.LoadStory(c.Request.Context(), c.Param("id"), middleware.UserIDFromContext(c))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, newStoryDetailResponse(sess))
}

// ListStories возвращает истории текущего пользователя.
func (h *StoryHandler) ListStories(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	if userID == nil {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "authorization required"})
		return
	}

	sessions, err := h.svc.ListStories(c.Request.Context(), *userID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	summaries := make([]StorySummaryResponse, 0, len(sessions))
	for _, sess := range sessions {
		summaries = append(summaries, newStorySummaryResponse(sess))
	}
	c.JSON(http.StatusOK, summaries)
}

// DeleteStory удаляет историю.
func (h *StoryHandler) DeleteStory(c *gin.Context) {
	if err := h.svc.DeleteStory(c.Request.Context(), c.Param("id"), middleware.UserIDFromContext(c)); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ClaimStory присваивает анонимную историю текущему пользователю.
func (h *StoryHandler) ClaimStory(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	if userID == nil {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "authorization required"})
		return
	}

	if err := h.svc.ClaimStory(c.Request.Context(), c.Param("id"), *userID); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ServeWS подписывает клиента на обновления изображений истории.
func (h *StoryHandler) ServeWS(c *gin.Context) {
	sessionID := c.Param("id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrader уже записал ответ
		h.logger.Warn("Failed to upgrade connection",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}

	h.logger.Debug("WebSocket subscriber connected", zap.String("session_id", sessionID))
	client := ws.NewClient(sessionID, conn)
	h.wsManager.RegisterClient(client)
	client.Run(h.wsManager, h.logger)
}

// handleServiceError транслирует ошибки сервиса в HTTP статусы.
func (h *StoryHandler) handleServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "story not found"})
	case errors.Is(err, models.ErrSessionNotActive):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "story is not active, load it first"})
	case errors.Is(err, models.ErrSessionNotAnonymous):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "story already has an owner"})
	case errors.Is(err, models.ErrMalformedModelOutput):
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "model returned an unusable response, try again"})
	case errors.Is(err, models.ErrUpstreamUnavailable):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "narrative service is unavailable, try again"})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}
