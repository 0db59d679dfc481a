package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/entitysync/internal/auth"
	"github.com/MarcoPoloResearchLab/entitysync/internal/engine"
	"github.com/MarcoPoloResearchLab/entitysync/internal/entities"
	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
	"github.com/MarcoPoloResearchLab/entitysync/internal/notify"
	"github.com/MarcoPoloResearchLab/entitysync/internal/remote"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const claimsContextKey = "entitysync_claims"

var (
	errMissingEngine    = errors.New("engine dependency required")
	errMissingValidator = errors.New("session validator dependency required")
)

// Engine is the part of the cache engine the HTTP surface drives.
type Engine interface {
	GetUser(ctx context.Context, id ids.UserID, mode engine.Mode) (entities.User, error)
	GetChat(ctx context.Context, id ids.ChatID, mode engine.Mode) (entities.Chat, error)
	GetChannel(ctx context.Context, id ids.ChannelID, mode engine.Mode) (entities.Channel, error)
	GetSecretChat(ctx context.Context, id ids.SecretChatID, mode engine.Mode) (entities.SecretChat, error)
	GetUserFull(ctx context.Context, id ids.UserID, onlyLocal bool) (entities.UserFull, error)
	GetChatFull(ctx context.Context, id ids.ChatID, onlyLocal bool) (entities.ChatFull, error)
	GetChannelFull(ctx context.Context, id ids.ChannelID, onlyLocal bool) (entities.ChannelFull, error)

	SetChannelMemberStatus(ctx context.Context, channelID ids.ChannelID, userID ids.UserID, status entities.MemberStatus) error
	AddChannelMembers(ctx context.Context, channelID ids.ChannelID, userIDs []ids.UserID) error
	JoinChannel(ctx context.Context, channelID ids.ChannelID) error
	LeaveChannel(ctx context.Context, channelID ids.ChannelID) error
	EditChannelTitle(ctx context.Context, channelID ids.ChannelID, title string) error
	EditChatTitle(ctx context.Context, chatID ids.ChatID, title string) error

	InvalidateUserFull(ctx context.Context, id ids.UserID) error
	InvalidateChatFull(ctx context.Context, id ids.ChatID) error
	InvalidateChannelFull(ctx context.Context, id ids.ChannelID, dropDerived bool) error
	InvalidateKind(ctx context.Context, kind ids.Kind) (int, error)
	Stats(ctx context.Context) (engine.Stats, error)
	ContactsState(ctx context.Context) (engine.ContactsState, error)
	SetContactsState(ctx context.Context, state engine.ContactsState) error

	Subscribe(ctx context.Context, kinds ...ids.Kind) (<-chan notify.Event, func())
}

// SessionValidator authenticates API requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.Claims, error)
	ValidateToken(token string) (auth.Claims, error)
}

var _ Engine = (*engine.Engine)(nil)

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Engine            Engine
	Validator         SessionValidator
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Validator == nil {
		return nil, errMissingValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		engine:    deps.Engine,
		validator: deps.Validator,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	reads := router.Group("/api")
	reads.Use(handler.authorizeRequest(auth.ScopeRead))
	reads.GET("/users/:id", handler.handleGetUser)
	reads.GET("/users/:id/full", handler.handleGetUserFull)
	reads.GET("/chats/:id", handler.handleGetChat)
	reads.GET("/chats/:id/full", handler.handleGetChatFull)
	reads.GET("/channels/:id", handler.handleGetChannel)
	reads.GET("/channels/:id/full", handler.handleGetChannelFull)
	reads.GET("/secret-chats/:id", handler.handleGetSecretChat)
	reads.GET("/cache/stats", handler.handleStats)
	reads.GET("/contacts/state", handler.handleGetContactsState)
	reads.GET("/events", handler.handleEventStream)

	writes := router.Group("/api")
	writes.Use(handler.authorizeRequest(auth.ScopeWrite))
	writes.PUT("/channels/:id/members/:user_id", handler.handleSetMemberStatus)
	writes.POST("/channels/:id/members", handler.handleAddMembers)
	writes.POST("/channels/:id/join", handler.handleJoinChannel)
	writes.POST("/channels/:id/leave", handler.handleLeaveChannel)
	writes.PUT("/channels/:id/title", handler.handleEditChannelTitle)
	writes.PUT("/chats/:id/title", handler.handleEditChatTitle)
	writes.DELETE("/users/:id/full", handler.handleInvalidateUserFull)
	writes.DELETE("/chats/:id/full", handler.handleInvalidateChatFull)
	writes.DELETE("/channels/:id/full", handler.handleInvalidateChannelFull)
	writes.DELETE("/cache/:kind", handler.handleInvalidateKind)
	writes.PUT("/contacts/state", handler.handleSetContactsState)

	return router, nil
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	engine    Engine
	validator SessionValidator
	heartbeat time.Duration
	logger    *zap.Logger
}

// authorizeRequest accepts the bearer header, the session cookie, or an access_token query
// parameter for EventSource clients that cannot set headers.
func (h *httpHandler) authorizeRequest(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			claims auth.Claims
			err    error
		)
		if token := c.Query("access_token"); token != "" && c.GetHeader("Authorization") == "" {
			claims, err = h.validator.ValidateToken(token)
		} else {
			claims, err = h.validator.ValidateRequest(c.Request)
		}
		if err != nil {
			if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, auth.ErrMissingSessionToken) {
				h.logger.Info("token validation failed", zap.Error(err))
			} else {
				h.logger.Warn("token validation failed", zap.Error(err))
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if !claims.HasScope(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient_scope"})
			return
		}
		c.Set(claimsContextKey, claims)
		c.Next()
	}
}

type errorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// respondError maps engine and remote failures to HTTP statuses.
func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	status := http.StatusBadGateway
	label := "remote_failure"
	switch {
	case errors.Is(err, ids.ErrInvalidID), errors.Is(err, ids.ErrUnknownKind), errors.Is(err, engine.ErrInvalidArgument):
		status, label = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, engine.ErrNotCached), errors.Is(err, remote.ErrNotFound):
		status, label = http.StatusNotFound, "not_found"
	case errors.Is(err, remote.ErrAccessDenied):
		status, label = http.StatusForbidden, "access_denied"
	case errors.Is(err, remote.ErrUnavailable), errors.Is(err, engine.ErrStopped):
		status, label = http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status, label = http.StatusGatewayTimeout, "timeout"
	}
	payload := errorPayload{Error: label}
	var serviceErr *engine.ServiceError
	if errors.As(err, &serviceErr) {
		payload.Code = serviceErr.Code()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("operation", operation), zap.String("reason", label), zap.Error(err))
	} else {
		h.logger.Debug("request rejected", zap.String("operation", operation), zap.String("reason", label), zap.Error(err))
	}
	c.JSON(status, payload)
}
