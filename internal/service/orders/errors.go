package orders

import (
	"errors"
	"fmt"
)

var (
	ErrValidation           = errors.New("invalid order")
	ErrInsufficientCapacity = errors.New("not enough tickets left")
	ErrOrderNotFound        = errors.New("order not found")
)

// ValidationError rejects a request before anything is written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// CapacityError reports a tier whose remaining tickets, as last read, do not
// cover the request.
type CapacityError struct {
	TierID    int64
	Requested int
	Available int
}

func (e CapacityError) Error() string {
	return fmt.Sprintf("tier %d: requested %d, %d available", e.TierID, e.Requested, e.Available)
}

func (e CapacityError) Is(target error) bool {
	return target == ErrInsufficientCapacity
}
