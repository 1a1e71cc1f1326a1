// Package event defines the immutable domain event value published on the
// in-process bus.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Event names consumed by notification handlers.
const (
	NameSavingExecution    = "SavingExecution"
	NameAllowanceWithdrawn = "AllowanceWithdrawn"
)

// Event is an immutable record of a domain occurrence. Construct through
// New; the payload is copied so later mutation by the producer cannot leak
// into subscribers.
type Event struct {
	EventID     string
	Name        string
	OccurredOn  time.Time
	AggregateID string
	Payload     map[string]any
}

// New creates an event stamped with a fresh id and the current time.
func New(name, aggregateID string, payload map[string]any) Event {
	copied := make(map[string]any, len(payload))
	for k, v := range payload {
		copied[k] = v
	}
	return Event{
		EventID:     uuid.NewString(),
		Name:        name,
		OccurredOn:  time.Now().UTC(),
		AggregateID: aggregateID,
		Payload:     copied,
	}
}

// SavingExecutionSucceeded builds the success outcome event for a plan run.
func SavingExecutionSucceeded(planID, executionID, userID, txHash string, amount float64) Event {
	return New(NameSavingExecution, planID, map[string]any{
		"status":      "success",
		"planId":      planID,
		"executionId": executionID,
		"userId":      userID,
		"txHash":      txHash,
		"amount":      amount,
	})
}

// SavingExecutionFailed builds the failure outcome event for a plan run.
func SavingExecutionFailed(planID, executionID, userID, reason string, amount float64, willRetry bool) Event {
	return New(NameSavingExecution, planID, map[string]any{
		"status":      "failed",
		"planId":      planID,
		"executionId": executionID,
		"userId":      userID,
		"reason":      reason,
		"amount":      amount,
		"willRetry":   willRetry,
	})
}

// AllowanceWithdrawn builds the event published when a grantee redeems a
// delegation.
func AllowanceWithdrawn(ownerUserID, delegationID, granteeAddress, txHash string, amount float64) Event {
	return New(NameAllowanceWithdrawn, ownerUserID, map[string]any{
		"ownerUserId":  ownerUserID,
		"delegationId": delegationID,
		"grantee":      granteeAddress,
		"txHash":       txHash,
		"amount":       amount,
	})
}
