package passes

import (
	"errors"
	"fmt"

	"github.com/kirinyoku/ticksy/internal/repository"
)

var (
	ErrAlreadyIssued      = errors.New("passes already issued for line item")
	ErrCodeSpaceExhausted = errors.New("could not generate a unique pass code")
	ErrEventNotFound      = errors.New("event not found")
	ErrPassNotFound       = errors.New("pass not found")
	ErrForbidden          = errors.New("not the organizer of this event")
)

// IdentityCountError means the staged identities do not cover the line item.
// It matches repository.ErrInvalidStagedData under errors.Is.
type IdentityCountError struct {
	LineItemID int64
	Quantity   int
	Identities int
}

func (e IdentityCountError) Error() string {
	return fmt.Sprintf("line item %d: %d identities for quantity %d", e.LineItemID, e.Identities, e.Quantity)
}

func (e IdentityCountError) Unwrap() error {
	return repository.ErrInvalidStagedData
}
