package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrMissingOwner  = errors.New("wallet owner is required")

	// ErrReservationMismatch means the contract already holds escrow for a different amount
	ErrReservationMismatch = errors.New("contract already holds a reservation for a different amount")
)

// InsufficientFundsError is returned when a guarded append would overdraw a wallet
type InsufficientFundsError struct {
	Owner     string
	Required  decimal.Decimal
	Available decimal.Decimal
	Shortfall decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: wallet %s needs %s more (available %s, required %s)",
		e.Owner, e.Shortfall.StringFixed(2), e.Available.StringFixed(2), e.Required.StringFixed(2))
}

// requireBalance returns a guard that refuses when balance < amount
func requireBalance(owner string, amount decimal.Decimal) Guard {
	return func(balance decimal.Decimal) error {
		if balance.LessThan(amount) {
			return &InsufficientFundsError{
				Owner:     owner,
				Required:  amount,
				Available: balance,
				Shortfall: amount.Sub(balance),
			}
		}
		return nil
	}
}
