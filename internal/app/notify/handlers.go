// Package notify turns domain events into persisted user notifications.
package notify

import (
	"context"
	"fmt"

	"github.com/oakvault/wallet-engine/internal/app/domain/event"
	"github.com/oakvault/wallet-engine/internal/app/domain/notification"
	"github.com/oakvault/wallet-engine/internal/app/eventbus"
	"github.com/oakvault/wallet-engine/internal/app/storage"
	"github.com/oakvault/wallet-engine/pkg/logger"
)

// Notifier subscribes to outcome events and writes notification records.
type Notifier struct {
	store storage.NotificationStore
	log   *logger.Logger

	subscriptions []eventbus.Subscription
}

// New creates a notifier.
func New(store storage.NotificationStore, log *logger.Logger) *Notifier {
	if log == nil {
		log = logger.NewDefault("notify")
	}
	return &Notifier{store: store, log: log}
}

// Register subscribes the notifier's handlers on the bus.
func (n *Notifier) Register(bus *eventbus.Bus) {
	n.subscriptions = append(n.subscriptions,
		bus.Subscribe(event.NameSavingExecution, n.onSavingExecution),
		bus.Subscribe(event.NameAllowanceWithdrawn, n.onAllowanceWithdrawn),
	)
}

// Unregister removes the notifier's handlers.
func (n *Notifier) Unregister() {
	for _, sub := range n.subscriptions {
		sub.Unsubscribe()
	}
	n.subscriptions = nil
}

func (n *Notifier) onSavingExecution(ctx context.Context, evt event.Event) error {
	userID, _ := evt.Payload["userId"].(string)
	if userID == "" {
		return fmt.Errorf("saving execution event %s has no user", evt.EventID)
	}
	amount, _ := evt.Payload["amount"].(float64)

	rec := notification.Record{
		UserID:    userID,
		EventName: evt.Name,
		EventID:   evt.EventID,
	}
	switch evt.Payload["status"] {
	case "success":
		rec.Title = "Savings deposit completed"
		rec.Body = fmt.Sprintf("%g was moved into your savings goal.", amount)
	default:
		rec.Title = "Savings deposit failed"
		if willRetry, _ := evt.Payload["willRetry"].(bool); willRetry {
			rec.Body = fmt.Sprintf("A deposit of %g did not go through. We will retry shortly.", amount)
		} else {
			rec.Body = fmt.Sprintf("A deposit of %g did not go through and will not be retried.", amount)
		}
	}

	_, err := n.store.CreateNotification(ctx, rec)
	return err
}

func (n *Notifier) onAllowanceWithdrawn(ctx context.Context, evt event.Event) error {
	userID, _ := evt.Payload["ownerUserId"].(string)
	if userID == "" {
		return fmt.Errorf("allowance event %s has no owner", evt.EventID)
	}
	amount, _ := evt.Payload["amount"].(float64)
	grantee, _ := evt.Payload["grantee"].(string)

	_, err := n.store.CreateNotification(ctx, notification.Record{
		UserID:    userID,
		Title:     "Allowance withdrawal",
		Body:      fmt.Sprintf("%s withdrew %g against your allowance.", grantee, amount),
		EventName: evt.Name,
		EventID:   evt.EventID,
	})
	return err
}
