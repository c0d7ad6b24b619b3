package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/auth"
	"github.com/MarcoPoloResearchLab/parley/internal/chat"
	"github.com/MarcoPoloResearchLab/parley/internal/dashboard"
	"github.com/MarcoPoloResearchLab/parley/internal/serviceerr"
	"github.com/MarcoPoloResearchLab/parley/internal/social"
	"github.com/MarcoPoloResearchLab/parley/internal/teams"
	"github.com/MarcoPoloResearchLab/parley/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	userIDContextKey       = "parley_user_id"
	sessionTokenContextKey = "parley_session_token"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUsersService     = errors.New("users service dependency required")
	errMissingChatService      = errors.New("chat service dependency required")
	errMissingPersonalSpaces   = errors.New("personal space resolver dependency required")
	errMissingTeamsService     = errors.New("teams service dependency required")
	errMissingSocialService    = errors.New("social service dependency required")
	errMissingDashboard        = errors.New("dashboard service dependency required")
	errMissingGateway          = errors.New("realtime gateway dependency required")
)

// SessionValidator reads and validates the session cookie.
type SessionValidator interface {
	TokenFromRequest(r *http.Request) (string, error)
	ValidateToken(token string) (auth.SessionClaims, error)
}

// UserResolver turns session claims into a persisted user.
type UserResolver interface {
	ResolveUser(ctx context.Context, claims auth.SessionClaims) (users.User, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	SessionValidator SessionValidator
	Users            *users.Service
	Chat             *chat.Service
	PersonalSpaces   *chat.PersonalSpaceResolver
	Teams            *teams.Service
	Social           *social.Service
	Dashboard        *dashboard.Service
	Gateway          http.Handler
	AllowedOrigins   []string
	Logger           *zap.Logger
}

// NewHTTPHandler builds the gin router serving REST endpoints and the
// websocket upgrade.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.SessionValidator == nil:
		return nil, errMissingSessionValidator
	case deps.Users == nil:
		return nil, errMissingUsersService
	case deps.Chat == nil:
		return nil, errMissingChatService
	case deps.PersonalSpaces == nil:
		return nil, errMissingPersonalSpaces
	case deps.Teams == nil:
		return nil, errMissingTeamsService
	case deps.Social == nil:
		return nil, errMissingSocialService
	case deps.Dashboard == nil:
		return nil, errMissingDashboard
	case deps.Gateway == nil:
		return nil, errMissingGateway
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:       deps.SessionValidator,
		resolver:       deps.Users,
		users:          deps.Users,
		chat:           deps.Chat,
		personalSpaces: deps.PersonalSpaces,
		teams:          deps.Teams,
		social:         deps.Social,
		dashboard:      deps.Dashboard,
		gateway:        deps.Gateway,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		logger:         logger,
	}

	// The gateway authenticates with its own handshake frame.
	router.GET("/ws", handler.handleWebsocket)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/token", handler.handleToken)
	handler.registerProfileRoutes(protected)
	handler.registerChatRoutes(protected)
	handler.registerTeamRoutes(protected)
	handler.registerSocialRoutes(protected)

	return router, nil
}

type httpHandler struct {
	sessions       SessionValidator
	resolver       UserResolver
	users          *users.Service
	chat           *chat.Service
	personalSpaces *chat.PersonalSpaceResolver
	teams          *teams.Service
	social         *social.Service
	dashboard      *dashboard.Service
	gateway        http.Handler
	validate       *validator.Validate
	logger         *zap.Logger
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	origins := make([]string, 0, len(allowedOrigins))
	allowAll := false
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimRight(strings.TrimSpace(origin), "/")
		switch trimmed {
		case "":
		case "*":
			allowAll = true
		default:
			origins = append(origins, trimmed)
		}
	}
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if allowAll || len(origins) == 0 {
		// Credentialed wildcard: echo the request origin.
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, err := h.sessions.TokenFromRequest(c.Request)
	if err == nil {
		var claims auth.SessionClaims
		claims, err = h.sessions.ValidateToken(token)
		if err == nil {
			user, resolveErr := h.resolver.ResolveUser(c.Request.Context(), claims)
			if resolveErr != nil {
				h.logger.Error("session user resolution failed", zap.Error(resolveErr))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "user_resolution_failed"})
				return
			}
			c.Set(userIDContextKey, user.ID)
			c.Set(sessionTokenContextKey, token)
			c.Next()
			return
		}
	}
	switch {
	case errors.Is(err, auth.ErrMissingSessionToken):
	case errors.Is(err, auth.ErrExpiredSessionToken):
		h.logger.Info("session validation failed", zap.Error(err))
	default:
		h.logger.Warn("session validation failed", zap.Error(err))
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
}

type tokenResponsePayload struct {
	Token string `json:"token"`
}

// handleToken hands the HTTP-only session cookie to the page so it can run
// the websocket authenticate handshake.
func (h *httpHandler) handleToken(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, tokenResponsePayload{Token: c.GetString(sessionTokenContextKey)})
}

func (h *httpHandler) handleWebsocket(c *gin.Context) {
	h.gateway.ServeHTTP(c.Writer, c.Request)
}

func currentUserID(c *gin.Context) (string, bool) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

// bindJSON decodes and validates a request body, answering 400 on failure.
func (h *httpHandler) bindJSON(c *gin.Context, target any) bool {
	if err := c.ShouldBindJSON(target); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return false
	}
	return true
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := statusForError(err)
	code := serviceerr.CodeOf(err)
	if code == "" {
		code = "internal_error"
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, chat.ErrInvalidMessage),
		errors.Is(err, chat.ErrInvalidRoom),
		errors.Is(err, teams.ErrInvalidTeam),
		errors.Is(err, social.ErrSelfFriendship),
		errors.Is(err, users.ErrInvalidIdentity),
		errors.Is(err, dashboard.ErrInvalidUser):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrNotAMember),
		errors.Is(err, chat.ErrNotAuthor),
		errors.Is(err, chat.ErrReadOnlyRoom),
		errors.Is(err, teams.ErrForbidden),
		errors.Is(err, social.ErrNotPermitted):
		return http.StatusForbidden
	case errors.Is(err, chat.ErrRoomNotFound),
		errors.Is(err, chat.ErrMessageNotFound),
		errors.Is(err, teams.ErrTeamNotFound),
		errors.Is(err, teams.ErrNotTeamMember),
		errors.Is(err, social.ErrFriendshipNotFound),
		errors.Is(err, social.ErrNotificationNotFound),
		errors.Is(err, users.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, teams.ErrAlreadyMember),
		errors.Is(err, social.ErrAlreadyFriends),
		errors.Is(err, social.ErrRequestPending),
		errors.Is(err, social.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
