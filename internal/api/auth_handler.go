package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"bishkek-meetup/internal/model"
	"bishkek-meetup/internal/service"
)

// Handshake is the website side of the login flow.
type Handshake interface {
	CreateSession(ctx context.Context) (*service.NewSession, error)
	CheckStatus(ctx context.Context, sessionID string) (*service.Result, error)
	ExchangeToken(ctx context.Context, sessionID, token string) (*service.Result, error)
	CurrentUser(ctx context.Context, bearer string) (*model.User, error)
}

// AuthHandler serves the /auth routes.
type AuthHandler struct {
	handshake Handshake
}

func NewAuthHandler(handshake Handshake) *AuthHandler {
	return &AuthHandler{handshake: handshake}
}

// RegisterRoutes registers the login routes.
func (h *AuthHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/auth")
	g.POST("/generate-session", h.GenerateSession)
	g.POST("/check-session", h.CheckSession)
	g.POST("/auth-telegram", h.AuthTelegram)
	g.GET("/me", h.Me)
}

type generateSessionResponse struct {
	SessionID string    `json:"sessionId"`
	BotLink   string    `json:"botLink"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type checkSessionRequest struct {
	SessionID string `json:"sessionId"`
}

type authTelegramRequest struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
}

type statusResponse struct {
	Status service.Status `json:"status"`
	Token  string         `json:"token,omitempty"`
	User   *model.User    `json:"user,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// GenerateSession starts a login and returns the bot deep link.
func (h *AuthHandler) GenerateSession(c echo.Context) error {
	created, err := h.handshake.CreateSession(c.Request().Context())
	if err != nil {
		return internalError(c, err, "create session")
	}
	return c.JSON(http.StatusOK, generateSessionResponse{
		SessionID: created.SessionID,
		BotLink:   created.BotLink,
		ExpiresAt: created.ExpiresAt,
	})
}

// CheckSession is polled by the website until the bot finishes the login.
func (h *AuthHandler) CheckSession(c echo.Context) error {
	var req checkSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		return badRequest(c, "sessionId is required")
	}

	res, err := h.handshake.CheckStatus(c.Request().Context(), req.SessionID)
	if err != nil {
		return internalError(c, err, "check session")
	}
	return c.JSON(http.StatusOK, toStatusResponse(res))
}

// AuthTelegram exchanges the token from the bot's return link.
func (h *AuthHandler) AuthTelegram(c echo.Context) error {
	var req authTelegramRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.Token = strings.TrimSpace(req.Token)
	if req.SessionID == "" || req.Token == "" {
		return badRequest(c, "sessionId and token are required")
	}

	res, err := h.handshake.ExchangeToken(c.Request().Context(), req.SessionID, req.Token)
	if err != nil {
		return internalError(c, err, "exchange token")
	}
	return c.JSON(http.StatusOK, toStatusResponse(res))
}

// Me returns the user behind the bearer token.
func (h *AuthHandler) Me(c echo.Context) error {
	bearer, ok := bearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
	if !ok {
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
	}

	user, err := h.handshake.CurrentUser(c.Request().Context(), bearer)
	if errors.Is(err, service.ErrUnauthorized) {
		log := requestLogger(c)
		log.Debug().Err(err).Msg("bearer rejected")
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
	}
	if err != nil {
		return internalError(c, err, "current user")
	}
	return c.JSON(http.StatusOK, user)
}

func toStatusResponse(res *service.Result) statusResponse {
	return statusResponse{Status: res.Status, Token: res.Token, User: res.User}
}

// bearerToken extracts the token from an "Authorization: Bearer <token>" header.
func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, errorResponse{Error: "bad_request", Message: message})
}

func internalError(c echo.Context, err error, op string) error {
	log := requestLogger(c)
	log.Error().Err(err).Str("op", op).Msg("request failed")
	return c.JSON(http.StatusInternalServerError, errorResponse{
		Error:   "internal_error",
		Message: "Что-то пошло не так, попробуйте позже",
	})
}
