package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthenticated  = errors.New("unauthenticated: no signing key configured")
	ErrMarketNotFound   = errors.New("market not found")
	ErrBelowMinimumSize = errors.New("below minimum size")
	ErrNoOrderID        = errors.New("no order id returned")
	ErrNotFound         = errors.New("not found")
	ErrLeverageRetained = errors.New("leverage update retained without order")
)

type RejectionReason string

const (
	RejectKillSwitch       RejectionReason = "KILL_SWITCH_ACTIVE"
	RejectAccountLeverage  RejectionReason = "ACCOUNT_LEVERAGE_EXCEEDED"
	RejectMarketLeverage   RejectionReason = "MARKET_LEVERAGE_EXCEEDED"
	RejectNotional         RejectionReason = "MAX_NOTIONAL_EXCEEDED"
	RejectMaxOpenPositions RejectionReason = "MAX_OPEN_POSITIONS"
	RejectBelowMinimumSize RejectionReason = "BELOW_MINIMUM_SIZE"
	RejectMarketNotFound   RejectionReason = "MARKET_NOT_FOUND"
	RejectInvalidRequest   RejectionReason = "INVALID_REQUEST"
)

// ConfigurationError is fatal at startup and never retried.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// ValidationError rejects an order before any network call.
type ValidationError struct {
	Reason  RejectionReason
	Details string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Reason, e.Details)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NetworkError covers timeouts and connection failures. Callers own retries.
type NetworkError struct {
	Op      string
	Err     error
	timeout bool
}

func NewNetworkError(op string, err error, timeout bool) *NetworkError {
	return &NetworkError{Op: op, Err: err, timeout: timeout}
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Timeout() bool { return e.timeout }

// VenueError is an explicit rejection from the venue.
type VenueError struct {
	Message string
	Code    string
	Err     error
}

func (e *VenueError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("venue rejected (%s): %s", e.Code, e.Message)
	}
	return "venue rejected: " + e.Message
}

func (e *VenueError) Unwrap() error { return e.Err }

// ProtocolError marks a payload that could not be decoded.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func IsRetryable(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
