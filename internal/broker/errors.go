package broker

import (
	"errors"
	"fmt"
)

var (
	ErrAuthenticationFailure = errors.New("broker: authentication failure")
	ErrACLDenied             = errors.New("broker: acl denied")
	ErrMalformedEvent        = errors.New("broker: malformed protocol event")
	ErrNotConnected          = errors.New("broker: client not connected")
	ErrDeliveryBackpressure  = errors.New("broker: delivery backpressure")
	ErrExpirySweep           = errors.New("broker: expiry sweep failure")
	ErrInvariantViolation    = errors.New("broker: invariant violation")
	ErrShuttingDown          = errors.New("broker: shutting down")
	ErrSessionTakenOver      = errors.New("broker: session taken over")
	ErrKeepAliveTimeout      = errors.New("broker: keep alive timeout")
)

// ConnectError 拒绝 CONNECT 的原因，Outcome 决定协议层回复的返回码
type ConnectError struct {
	Outcome ConnectOutcome
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("broker: connect rejected (%s): %v", e.Outcome, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

func rejectConnect(outcome ConnectOutcome, err error) *ConnectError {
	return &ConnectError{Outcome: outcome, Err: err}
}
