package settlement

import (
	"errors"
	"io"
	"net/http"

	"agrilink/contract-portal/contract-portal-backend/internal/auth"
	"agrilink/contract-portal/contract-portal-backend/internal/contracts"
	"agrilink/contract-portal/contract-portal-backend/internal/milestones"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Handler struct {
	coordinator *Coordinator
	machine     *contracts.StateMachine
	logger      *zap.Logger
}

func NewHandler(coordinator *Coordinator, machine *contracts.StateMachine, logger *zap.Logger) *Handler {
	return &Handler{coordinator: coordinator, machine: machine, logger: logger}
}

// RegisterRoutes registers contract routes on an authenticated group
func RegisterRoutes(r *gin.RouterGroup, h *Handler) {
	group := r.Group("/contracts")
	{
		group.POST("", h.Propose)
		group.GET("", h.List)
		group.GET("/:id", h.Get)
		group.PUT("/:id/milestones", h.ReviseMilestones)
		group.POST("/:id/negotiation", h.OpenNegotiation)
		group.POST("/:id/submit", h.SubmitForApproval)
		group.POST("/:id/accept", h.Accept)
		group.POST("/:id/reject", h.Reject)
		group.POST("/:id/milestones/:milestoneId/done", h.MarkMilestoneDone)
		group.POST("/:id/milestones/:milestoneId/release", h.ReleaseMilestone)
	}
}

type ReviseMilestonesRequest struct {
	Milestones []milestones.Draft `json:"milestones" binding:"required"`
}

type AcceptRequest struct {
	SignatureURL string `json:"signature_url"`
}

type MarkDoneRequest struct {
	EvidenceURL string `json:"evidence_url"`
}

// bindOptionalJSON binds the body when one is sent. Chunked bodies carry no
// Content-Length, so an empty body is only detected on read.
func bindOptionalJSON(c *gin.Context, obj interface{}) error {
	if c.Request.Body == nil || c.Request.Body == http.NoBody {
		return nil
	}
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// contractResponse adds the transitions the caller could still drive
type contractResponse struct {
	*contracts.Contract
	AllowedTransitions []contracts.Status `json:"allowed_transitions"`
}

func (h *Handler) respond(c *gin.Context, status int, contract *contracts.Contract) {
	c.JSON(status, contractResponse{
		Contract:           contract,
		AllowedTransitions: h.machine.AllowedTransitions(contract.Status),
	})
}

// Propose creates a contract from a buyer's offer
func (h *Handler) Propose(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}

	var req contracts.ProposeInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation"})
		return
	}

	contract, err := h.coordinator.Propose(c.Request.Context(), p, req)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	h.respond(c, http.StatusCreated, contract)
}

// List returns the caller's contracts, newest first
func (h *Handler) List(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}

	list, err := h.coordinator.List(c.Request.Context(), p)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	if list == nil {
		list = []contracts.Contract{}
	}
	c.JSON(http.StatusOK, gin.H{"contracts": list, "count": len(list)})
}

func (h *Handler) Get(c *gin.Context) {
	p, id, ok := contractRequest(c)
	if !ok {
		return
	}

	contract, err := h.coordinator.Get(c.Request.Context(), p, id)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	h.respond(c, http.StatusOK, contract)
}

func (h *Handler) ReviseMilestones(c *gin.Context) {
	p, id, ok := contractRequest(c)
	if !ok {
		return
	}

	var req ReviseMilestonesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation"})
		return
	}

	contract, err := h.coordinator.ReviseMilestones(c.Request.Context(), p, id, req.Milestones)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	h.respond(c, http.StatusOK, contract)
}

func (h *Handler) OpenNegotiation(c *gin.Context) {
	p, id, ok := contractRequest(c)
	if !ok {
		return
	}

	contract, err := h.coordinator.OpenNegotiation(c.Request.Context(), p, id)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	h.respond(c, http.StatusOK, contract)
}

func (h *Handler) SubmitForApproval(c *gin.Context) {
	p, id, ok := contractRequest(c)
	if !ok {
		return
	}

	contract, err := h.coordinator.SubmitForApproval(c.Request.Context(), p, id)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	h.respond(c, http.StatusOK, contract)
}

// Accept commits the current terms and reserves escrow
func (h *Handler) Accept(c *gin.Context) {
	p, id, ok := contractRequest(c)
	if !ok {
		return
	}

	var req AcceptRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation"})
		return
	}

	contract, err := h.coordinator.AcceptProposal(c.Request.Context(), p, id, req.SignatureURL)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	h.respond(c, http.StatusOK, contract)
}

func (h *Handler) Reject(c *gin.Context) {
	p, id, ok := contractRequest(c)
	if !ok {
		return
	}

	contract, err := h.coordinator.RejectProposal(c.Request.Context(), p, id)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	h.respond(c, http.StatusOK, contract)
}

func (h *Handler) MarkMilestoneDone(c *gin.Context) {
	p, id, ok := contractRequest(c)
	if !ok {
		return
	}
	milestoneID, err := uuid.Parse(c.Param("milestoneId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid milestone id", "code": "validation"})
		return
	}

	var req MarkDoneRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation"})
		return
	}

	m, err := h.coordinator.MarkMilestoneDone(c.Request.Context(), p, id, milestoneID, req.EvidenceURL)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestone": m})
}

// ReleaseMilestone pays a done milestone. A repeat answers 200 with
// already_released set.
func (h *Handler) ReleaseMilestone(c *gin.Context) {
	p, id, ok := contractRequest(c)
	if !ok {
		return
	}
	milestoneID, err := uuid.Parse(c.Param("milestoneId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid milestone id", "code": "validation"})
		return
	}

	result, err := h.coordinator.ReleaseMilestonePayment(c.Request.Context(), p, id, milestoneID)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func principal(c *gin.Context) (auth.Principal, bool) {
	p, ok := auth.FromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "code": "unauthenticated"})
		return auth.Principal{}, false
	}
	return p, true
}

func contractRequest(c *gin.Context) (auth.Principal, uuid.UUID, bool) {
	p, ok := principal(c)
	if !ok {
		return auth.Principal{}, uuid.Nil, false
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid contract id", "code": "validation"})
		return auth.Principal{}, uuid.Nil, false
	}
	return p, id, true
}
