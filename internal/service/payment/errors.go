package payment

import (
	"errors"
	"fmt"

	"github.com/kirinyoku/ticksy/internal/gateway/mpesa"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderNotPending    = errors.New("order is no longer pending")
	ErrUnknownCorrelation = errors.New("no order for correlation key")
	ErrInvalidPhone       = errors.New("invalid phone number")

	ErrGatewayUnavailable = mpesa.ErrGatewayUnavailable
	ErrGatewayRejected    = mpesa.ErrGatewayRejected
)

// InsufficientInventoryError aborts a settlement whose payment went through
// but whose tier sold out after the order was placed.
type InsufficientInventoryError struct {
	TierID int64
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("insufficient inventory on tier %d", e.TierID)
}
