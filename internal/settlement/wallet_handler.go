package settlement

import (
	"context"
	"net/http"

	"agrilink/contract-portal/contract-portal-backend/internal/ledger"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// WalletHandler exposes the caller's wallet. Funding is simulated; there is
// no payment gateway behind deposit and withdraw.
type WalletHandler struct {
	ledger *ledger.Ledger
	logger *zap.Logger
}

func NewWalletHandler(l *ledger.Ledger, logger *zap.Logger) *WalletHandler {
	return &WalletHandler{ledger: l, logger: logger}
}

func RegisterWalletRoutes(r *gin.RouterGroup, h *WalletHandler) {
	wallet := r.Group("/wallet")
	{
		wallet.GET("", h.Balance)
		wallet.GET("/entries", h.Entries)
		wallet.POST("/deposit", h.Deposit)
		wallet.POST("/withdraw", h.Withdraw)
	}
}

type FundsRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

func (h *WalletHandler) Balance(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}

	balance, err := h.ledger.Balance(c.Request.Context(), p.ParticipantID)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, ledger.Statement{WalletOwnerID: p.ParticipantID, Balance: balance})
}

func (h *WalletHandler) Entries(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}

	stmt, err := h.ledger.Statement(c.Request.Context(), p.ParticipantID)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	if stmt.Entries == nil {
		stmt.Entries = []ledger.Entry{}
	}
	c.JSON(http.StatusOK, stmt)
}

func (h *WalletHandler) Deposit(c *gin.Context) {
	h.fund(c, h.ledger.Deposit)
}

func (h *WalletHandler) Withdraw(c *gin.Context) {
	h.fund(c, h.ledger.Withdraw)
}

type fundFunc func(ctx context.Context, owner string, amount decimal.Decimal, reference string) (*ledger.Entry, error)

func (h *WalletHandler) fund(c *gin.Context, apply fundFunc) {
	p, ok := principal(c)
	if !ok {
		return
	}

	var req FundsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation"})
		return
	}

	entry, err := apply(c.Request.Context(), p.ParticipantID, req.Amount, req.Reference)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	balance, err := h.ledger.Balance(c.Request.Context(), p.ParticipantID)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": entry, "balance": balance})
}
