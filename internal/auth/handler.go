package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Handler struct {
	issuer    *TokenIssuer
	devTokens bool
	logger    *zap.Logger
}

// NewHandler creates the identity handler. devTokens enables the token
// minting endpoint for local development.
func NewHandler(issuer *TokenIssuer, devTokens bool, logger *zap.Logger) *Handler {
	return &Handler{issuer: issuer, devTokens: devTokens, logger: logger}
}

// Me returns the caller's resolved principal
func (h *Handler) Me(c *gin.Context) {
	p, ok := FromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	c.JSON(http.StatusOK, p)
}

type issueTokenRequest struct {
	ParticipantID string `json:"participant_id" binding:"required"`
	Role          Role   `json:"role" binding:"required"`
}

// IssueToken mints a bearer token when dev tokens are enabled
func (h *Handler) IssueToken(c *gin.Context) {
	if !h.devTokens {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	var req issueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := h.issuer.Issue(Principal{ParticipantID: req.ParticipantID, Role: req.Role})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.logger.Debug("issued development token", zap.String("participant_id", req.ParticipantID))
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// RegisterRoutes registers identity routes. protected must already carry Middleware.
func RegisterRoutes(public *gin.RouterGroup, protected *gin.RouterGroup, handler *Handler) {
	public.POST("/auth/token", handler.IssueToken)
	protected.GET("/me", handler.Me)
}
