// Package notification holds the persisted in-app notification record
// written by event-bus subscribers.
package notification

import "time"

// Record is one user-visible notification.
type Record struct {
	ID        string
	UserID    string
	Title     string
	Body      string
	EventName string
	EventID   string
	Read      bool
	CreatedAt time.Time
}
