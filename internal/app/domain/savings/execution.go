package savings

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oakvault/wallet-engine/internal/app/apperr"
)

// ExecutionStatus enumerates the execution state machine.
type ExecutionStatus string

const (
	ExecutionPending ExecutionStatus = "pending"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
	ExecutionSkipped ExecutionStatus = "skipped"
)

// DefaultMaxRetries bounds how often a failed execution may return to
// pending.
const DefaultMaxRetries = 3

// Execution is one concrete scheduled run of a plan.
//
// Lifecycle: pending -> success | failed | skipped; failed -> pending
// (retry) while RetryCount < MaxRetries.
type Execution struct {
	ID            string            `json:"id"`
	PlanID        string            `json:"planId"`
	ScheduledDate time.Time         `json:"scheduledDate"`
	ExecutedAt    *time.Time        `json:"executedAt"`
	Status        ExecutionStatus   `json:"status"`
	Amount        float64           `json:"amount"`
	TxHash        string            `json:"transactionHash,omitempty"`
	ErrorMessage  string            `json:"errorMessage,omitempty"`
	RetryCount    int               `json:"retryCount"`
	MaxRetries    int               `json:"maxRetries"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// NewPendingExecution creates a pending execution for a scheduled run.
func NewPendingExecution(planID string, scheduledDate time.Time, amount float64) (Execution, error) {
	if strings.TrimSpace(planID) == "" {
		return Execution{}, fmt.Errorf("plan id is required")
	}
	if amount <= 0 {
		return Execution{}, fmt.Errorf("execution amount must be positive")
	}
	return Execution{
		ID:            "se_" + uuid.NewString(),
		PlanID:        planID,
		ScheduledDate: scheduledDate.UTC(),
		Status:        ExecutionPending,
		Amount:        amount,
		MaxRetries:    DefaultMaxRetries,
		Metadata:      map[string]string{},
	}, nil
}

// MarkSuccess transitions the execution to success. The transaction hash
// must be a well-formed 0x-prefixed hex string and the execution time may
// not precede the scheduled date.
func (e *Execution) MarkSuccess(txHash string, executedAt time.Time) error {
	if err := e.ValidateForProcessing(); err != nil {
		return err
	}
	if !IsHexHash(txHash) {
		return fmt.Errorf("transaction hash %q is not 0x-prefixed hex", txHash)
	}
	executedAt = executedAt.UTC()
	if executedAt.Before(e.ScheduledDate) {
		return fmt.Errorf("executed at %s precedes scheduled date %s",
			executedAt.Format(time.RFC3339), e.ScheduledDate.Format(time.RFC3339))
	}
	e.Status = ExecutionSuccess
	e.TxHash = txHash
	e.ExecutedAt = &executedAt
	e.ErrorMessage = ""
	return nil
}

// MarkFailed transitions the execution to failed, spending one retry.
func (e *Execution) MarkFailed(message string, failedAt time.Time) error {
	if err := e.ValidateForProcessing(); err != nil {
		return err
	}
	failedAt = failedAt.UTC()
	e.Status = ExecutionFailed
	e.ErrorMessage = message
	e.ExecutedAt = &failedAt
	e.RetryCount++
	if e.Metadata == nil {
		e.Metadata = map[string]string{}
	}
	e.Metadata[fmt.Sprintf("failure_%d", e.RetryCount)] = message
	return nil
}

// MarkFailedTerminal records a failure that spends the whole retry
// budget. Used when the deposit settled on-chain but the outcome could
// not be recorded as a success; a requeue would deposit twice.
func (e *Execution) MarkFailedTerminal(message string, failedAt time.Time) error {
	if err := e.MarkFailed(message, failedAt); err != nil {
		return err
	}
	e.RetryCount = e.maxRetries()
	return nil
}

// MarkSkipped transitions a pending execution to skipped.
func (e *Execution) MarkSkipped(reason string) error {
	if e.Status != ExecutionPending {
		return fmt.Errorf("cannot skip %s execution %s: %w", e.Status, e.ID, apperr.ErrInvalidStateTransition)
	}
	e.Status = ExecutionSkipped
	e.ErrorMessage = reason
	return nil
}

// CanRetry reports whether a failed execution still has retry budget.
func (e *Execution) CanRetry() bool {
	return e.Status == ExecutionFailed && e.RetryCount < e.maxRetries()
}

// Retry returns a failed execution to pending with a future scheduled
// date. The retry count is preserved so the budget keeps shrinking.
func (e *Execution) Retry(nextDate time.Time, now time.Time) error {
	if !e.CanRetry() {
		return fmt.Errorf("execution %s has no retry budget left (%d/%d): %w",
			e.ID, e.RetryCount, e.maxRetries(), apperr.ErrInvalidStateTransition)
	}
	nextDate = nextDate.UTC()
	if !nextDate.After(now.UTC()) {
		return fmt.Errorf("retry date %s is not in the future", nextDate.Format(time.RFC3339))
	}
	e.Status = ExecutionPending
	e.ScheduledDate = nextDate
	e.ExecutedAt = nil
	return nil
}

// IsOverdue reports whether a pending execution slipped past its schedule.
func (e *Execution) IsOverdue(now time.Time) bool {
	return e.Status == ExecutionPending && e.ScheduledDate.Before(now.UTC())
}

// DaysOverdue reports how many whole days a pending execution is late.
func (e *Execution) DaysOverdue(now time.Time) int {
	if !e.IsOverdue(now) {
		return 0
	}
	return int(now.UTC().Sub(e.ScheduledDate).Hours() / 24)
}

// ValidateForProcessing enforces the guard rules applied before acting on
// an execution: terminal successes and skips are rejected, and a failed
// execution is only processable while it can still retry.
func (e *Execution) ValidateForProcessing() error {
	switch e.Status {
	case ExecutionSuccess:
		return fmt.Errorf("execution %s already succeeded: %w", e.ID, apperr.ErrInvalidStateTransition)
	case ExecutionSkipped:
		return fmt.Errorf("execution %s was skipped: %w", e.ID, apperr.ErrInvalidStateTransition)
	case ExecutionFailed:
		if !e.CanRetry() {
			return fmt.Errorf("execution %s exceeded maximum retry attempts: %w", e.ID, apperr.ErrInvalidStateTransition)
		}
	}
	return nil
}

func (e *Execution) maxRetries() int {
	if e.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return e.MaxRetries
}

// IsHexHash reports whether s looks like a 0x-prefixed hex hash.
func IsHexHash(s string) bool {
	if len(s) < 3 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, r := range s[2:] {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
