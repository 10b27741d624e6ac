package mpesa

import (
	"errors"
	"fmt"
)

var (
	// ErrGatewayUnavailable means the request may not have reached M-Pesa or
	// its answer was lost: network errors, timeouts, 5xx, token failures.
	// The payment may still be pending on the customer's phone.
	ErrGatewayUnavailable = errors.New("mpesa: gateway unavailable")
	// ErrGatewayRejected means M-Pesa answered and refused the request.
	ErrGatewayRejected = errors.New("mpesa: request rejected")

	ErrInvalidPhone      = errors.New("mpesa: invalid phone number")
	ErrMalformedCallback = errors.New("mpesa: malformed callback")
)

// RejectedError carries the code and message M-Pesa gave for a refusal.
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("mpesa: request rejected: %s %s", e.Code, e.Message)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrGatewayRejected
}
