package auth

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/eleven-am/voicelink/internal/shared"
	"github.com/labstack/echo/v4"
)

const defaultTokenTTL = time.Hour

type TokenRequest struct {
	UserID string `json:"userId"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Handler issues short-lived bearer tokens for clients provisioned with
// the shared issue key. Disabled when no issue key is configured.
type Handler struct {
	secret   []byte
	issueKey string
	ttl      time.Duration
	logger   *slog.Logger
}

func NewHandler(secret []byte, issueKey string, ttl time.Duration, logger *slog.Logger) *Handler {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &Handler{
		secret:   secret,
		issueKey: issueKey,
		ttl:      ttl,
		logger:   logger.With("component", "auth_handler"),
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/auth/token", h.IssueToken)
}

func (h *Handler) IssueToken(c echo.Context) error {
	if h.issueKey == "" {
		return shared.Forbidden("TOKEN_ISSUING_DISABLED", "token issuing is not enabled")
	}
	if c.Request().Header.Get("X-Issue-Key") != h.issueKey {
		return shared.Unauthorized("INVALID_ISSUE_KEY", "issue key mismatch")
	}

	var req TokenRequest
	if err := c.Bind(&req); err != nil {
		return shared.BadRequest("INVALID_REQUEST", "malformed request body")
	}
	if req.UserID == "" {
		return shared.BadRequest("MISSING_USER_ID", "userId is required")
	}

	token, err := Sign(h.secret, req.UserID, h.ttl)
	if err != nil {
		h.logger.Error("failed to sign token", "user_id", req.UserID, "error", err)
		return shared.InternalError("TOKEN_SIGNING_FAILED", "could not issue token")
	}

	h.logger.Info("issued token", "user_id", req.UserID)
	return c.JSON(http.StatusOK, TokenResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(h.ttl),
	})
}
