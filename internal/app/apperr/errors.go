// Package apperr defines the error taxonomy shared by the wallet engine's
// services. Use-case boundaries convert transport and chain failures into
// these types; HTTP handlers map them onto status codes.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers missing plans, users, wallets and delegations.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientFunds is a local pre-flight rejection: the sender's
	// balance does not cover the transfer amount.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDelegationNotStarted rejects redemption before the caveat window
	// opens.
	ErrDelegationNotStarted = errors.New("delegation not started")

	// ErrDelegationExpired rejects redemption after the caveat window
	// closes.
	ErrDelegationExpired = errors.New("delegation expired")

	// ErrMaxActivePlans rejects creating a plan beyond the per-user cap.
	ErrMaxActivePlans = errors.New("maximum number of active savings plans reached")

	// ErrInvalidStateTransition rejects acting on an execution whose state
	// machine forbids it (already succeeded, skipped, or retry budget
	// exhausted).
	ErrInvalidStateTransition = errors.New("invalid execution state transition")

	// ErrSubmissionTimeout is returned when the bundler never reports a
	// receipt within the bounded polling window.
	ErrSubmissionTimeout = errors.New("user operation receipt timed out")

	// ErrRiskRejected rejects a transfer under the fail-closed risk policy.
	ErrRiskRejected = errors.New("transfer rejected by risk policy")
)

// BlockchainError wraps a bundler, paymaster or contract failure, keeping
// the decoded revert reason when one was available.
type BlockchainError struct {
	Op     string
	Reason string
	Err    error
}

func (e *BlockchainError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("blockchain execution failure during %s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("blockchain execution failure during %s: %v", e.Op, e.Err)
}

func (e *BlockchainError) Unwrap() error { return e.Err }

// NewBlockchainError builds a BlockchainError for the named operation.
func NewBlockchainError(op string, reason string, err error) *BlockchainError {
	return &BlockchainError{Op: op, Reason: reason, Err: err}
}

// IsBlockchainError reports whether err is (or wraps) a BlockchainError.
func IsBlockchainError(err error) bool {
	var be *BlockchainError
	return errors.As(err, &be)
}

// NotFoundf wraps ErrNotFound with a formatted subject.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}
