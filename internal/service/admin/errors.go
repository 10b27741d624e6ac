package admin

import (
	"errors"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrForbidden       = errors.New("not allowed")
	ErrEventNotFound   = errors.New("event not found")
	ErrTierNotFound    = errors.New("tier not found")
	ErrOrderNotFound   = errors.New("order not found")
	ErrOrderNotPending = errors.New("order is no longer pending")

	ErrEventNotDeletable = errors.New("only rejected events can be deleted")
	ErrEventInUse        = errors.New("event has orders")
)
