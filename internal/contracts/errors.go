package contracts

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("contract not found")
	ErrMilestoneNotFound      = errors.New("milestone not found")
	ErrStaleOffer             = errors.New("contract terms are no longer open for amendment")
	ErrInvalidOffer           = errors.New("quantity and price per unit must be positive")
	ErrInvalidProposal        = errors.New("invalid proposal")
	ErrMilestonesUnpaid       = errors.New("contract still has unpaid milestones")
	ErrConcurrentModification = errors.New("contract was modified concurrently")
)

// InvalidTransitionError names the current status and the requested move
type InvalidTransitionError struct {
	Current   Status
	Requested string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s contract in status %s", e.Requested, e.Current)
}

// UnauthorizedError is returned when the caller lacks the role an action needs
type UnauthorizedError struct {
	RoleRequired string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("action requires the contract's %s", e.RoleRequired)
}
