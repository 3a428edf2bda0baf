package settlement

import (
	"errors"
	"net/http"

	"agrilink/contract-portal/contract-portal-backend/internal/contracts"
	"agrilink/contract-portal/contract-portal-backend/internal/ledger"
	"agrilink/contract-portal/contract-portal-backend/internal/milestones"
	"agrilink/contract-portal/contract-portal-backend/internal/negotiation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// APIError is the boundary form of a core error
type APIError struct {
	Status  int
	Code    string
	Message string
	Details gin.H
}

// Translate maps core errors onto HTTP responses. It is the only place
// where typed errors become status codes.
func Translate(err error) APIError {
	var (
		invalid      *contracts.InvalidTransitionError
		unauthorized *contracts.UnauthorizedError
		mismatch     *milestones.PercentageMismatchError
		insufficient *ledger.InsufficientFundsError
	)

	switch {
	case errors.As(err, &invalid):
		return APIError{Status: http.StatusConflict, Code: "invalid_transition", Message: err.Error(),
			Details: gin.H{"current": invalid.Current, "requested": invalid.Requested}}
	case errors.Is(err, contracts.ErrStaleOffer):
		return APIError{Status: http.StatusConflict, Code: "stale_offer", Message: err.Error()}
	case errors.As(err, &mismatch):
		return APIError{Status: http.StatusUnprocessableEntity, Code: "percentage_mismatch", Message: err.Error(),
			Details: gin.H{"sum": mismatch.Sum}}
	case errors.As(err, &insufficient):
		return APIError{Status: http.StatusPaymentRequired, Code: "insufficient_funds", Message: err.Error(),
			Details: gin.H{"shortfall": insufficient.Shortfall, "available": insufficient.Available, "required": insufficient.Required}}
	case errors.As(err, &unauthorized):
		return APIError{Status: http.StatusForbidden, Code: "unauthorized", Message: err.Error(),
			Details: gin.H{"role_required": unauthorized.RoleRequired}}
	case errors.Is(err, contracts.ErrNotFound), errors.Is(err, contracts.ErrMilestoneNotFound):
		return APIError{Status: http.StatusNotFound, Code: "not_found", Message: err.Error()}
	case errors.Is(err, milestones.ErrNotDone):
		return APIError{Status: http.StatusConflict, Code: "milestone_not_done", Message: err.Error()}
	case errors.Is(err, milestones.ErrMilestoneImmutable):
		return APIError{Status: http.StatusConflict, Code: "milestone_paid", Message: err.Error()}
	case errors.Is(err, contracts.ErrConcurrentModification),
		errors.Is(err, contracts.ErrMilestonesUnpaid),
		errors.Is(err, ledger.ErrReservationMismatch):
		return APIError{Status: http.StatusConflict, Code: "conflict", Message: err.Error()}
	case errors.Is(err, contracts.ErrInvalidOffer),
		errors.Is(err, contracts.ErrInvalidProposal),
		errors.Is(err, milestones.ErrInvalidMilestone),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrMissingOwner),
		errors.Is(err, negotiation.ErrEmptyMessage),
		errors.Is(err, negotiation.ErrUnsupportedKind):
		return APIError{Status: http.StatusBadRequest, Code: "validation", Message: err.Error()}
	default:
		return APIError{Status: http.StatusInternalServerError, Code: "internal", Message: "internal server error"}
	}
}

// Classify adapts Translate for the negotiation socket
func Classify(err error) (int, string, string) {
	e := Translate(err)
	return e.Status, e.Code, e.Message
}

// RespondError writes err as JSON, logging server-side failures
func RespondError(c *gin.Context, logger *zap.Logger, err error) {
	e := Translate(err)
	if e.Status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}

	body := gin.H{"error": e.Message, "code": e.Code}
	for k, v := range e.Details {
		body[k] = v
	}
	c.JSON(e.Status, body)
}
