package negotiation

import (
	"net/http"
	"strconv"

	"agrilink/contract-portal/contract-portal-backend/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Handler struct {
	hub      *Hub
	server   *Server
	classify ErrorClassifier
	logger   *zap.Logger
}

func NewHandler(hub *Hub, server *Server, classify ErrorClassifier, logger *zap.Logger) *Handler {
	return &Handler{hub: hub, server: server, classify: classify, logger: logger}
}

// RegisterRoutes registers negotiation routes on an authenticated group
func RegisterRoutes(r *gin.RouterGroup, h *Handler) {
	r.GET("/contracts/:id/session", h.Session)
	r.GET("/contracts/:id/messages", h.Messages)
}

// Session upgrades to the live negotiation socket
func (h *Handler) Session(c *gin.Context) {
	contractID, p, ok := h.requestContext(c)
	if !ok {
		return
	}
	h.server.ServeSession(c.Writer, c.Request, contractID, p)
}

// Messages returns the committed log, optionally after a given id
func (h *Handler) Messages(c *gin.Context) {
	contractID, p, ok := h.requestContext(c)
	if !ok {
		return
	}

	var after int64
	if raw := c.Query("after"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "after must be a non-negative integer", "code": "validation"})
			return
		}
		after = v
	}

	messages, err := h.hub.History(c.Request.Context(), contractID, p, after)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if messages == nil {
		messages = []Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *Handler) requestContext(c *gin.Context) (uuid.UUID, auth.Principal, bool) {
	p, ok := auth.FromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "code": "unauthenticated"})
		return uuid.Nil, auth.Principal{}, false
	}
	contractID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid contract id", "code": "validation"})
		return uuid.Nil, auth.Principal{}, false
	}
	return contractID, p, true
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status, code, message := h.classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("negotiation request failed", zap.Error(err))
	}
	c.JSON(status, gin.H{"error": message, "code": code})
}
