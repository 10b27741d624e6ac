package repository

import "errors"

var (
	ErrNotFound              = errors.New("not found")
	ErrConflict              = errors.New("conflict")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrInvalidStagedData     = errors.New("invalid staged attendee data")
)
