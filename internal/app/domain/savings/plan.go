// Package savings holds the recurring savings data model: the plan entity
// with its progress aggregate and the per-run execution state machine.
package savings

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Frequency enumerates supported plan cadences.
type Frequency string

const (
	FrequencyDaily         Frequency = "daily"
	FrequencyWeekly        Frequency = "weekly"
	FrequencyMonthly       Frequency = "monthly"
	FrequencyYearly        Frequency = "yearly"
	FrequencyEveryNMinutes Frequency = "every_n_minutes"
)

// schedulableFrequencies can be expressed as a 5-field cron rule for the
// external scheduler. The remaining cadences are still modelled for
// progress computation but cannot be registered yet.
var schedulableFrequencies = map[Frequency]bool{
	FrequencyMonthly:       true,
	FrequencyEveryNMinutes: true,
}

// Progress aggregates a plan's execution history.
type Progress struct {
	TotalSaved           float64    `json:"totalSaved"`
	LastSavedAt          *time.Time `json:"lastSavedAt"`
	NextScheduledDate    time.Time  `json:"nextScheduledDate"`
	SuccessfulExecutions int        `json:"successfulExecutions"`
	FailedExecutions     int        `json:"failedExecutions"`
	ConsecutiveFailures  int        `json:"consecutiveFailures"`
	TotalExpected        float64    `json:"totalExpected"`
}

// Plan is a recurring instruction to move funds into the savings vault.
type Plan struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	Frequency Frequency `json:"frequency"`
	// DayOfMonth selects the day for monthly plans. For every_n_minutes
	// plans it carries the minute interval (1..60).
	DayOfMonth int `json:"dayOfMonth"`

	AmountToSave float64 `json:"amountToSave"`
	TokenToSave  string  `json:"tokenToSave"`
	UserID       string  `json:"userId"`
	IsActive     bool    `json:"isActive"`

	Progress Progress `json:"progress"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewPlan constructs a validated active plan with initialised progress.
func NewPlan(name string, frequency Frequency, dayOfMonth int, amount float64, token, userID string, now time.Time) (Plan, error) {
	p := Plan{
		ID:           uuid.NewString(),
		Name:         strings.TrimSpace(name),
		Frequency:    frequency,
		DayOfMonth:   dayOfMonth,
		AmountToSave: amount,
		TokenToSave:  strings.TrimSpace(token),
		UserID:       strings.TrimSpace(userID),
		IsActive:     true,
		CreatedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
	}
	p.Progress = Progress{
		NextScheduledDate: p.NextScheduledDate(now),
		TotalExpected:     amount,
	}
	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	return p, nil
}

// Validate checks the plan's local invariants.
func (p *Plan) Validate() error {
	switch p.Frequency {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyYearly, FrequencyEveryNMinutes:
	default:
		return fmt.Errorf("unsupported frequency %q", p.Frequency)
	}
	if p.Frequency == FrequencyMonthly && (p.DayOfMonth < 1 || p.DayOfMonth > 31) {
		return fmt.Errorf("day of month must be between 1 and 31, got %d", p.DayOfMonth)
	}
	if p.Frequency == FrequencyEveryNMinutes && (p.DayOfMonth < 1 || p.DayOfMonth > 60) {
		return fmt.Errorf("minute interval must be between 1 and 60, got %d", p.DayOfMonth)
	}
	if p.AmountToSave <= 0 {
		return fmt.Errorf("amount to save must be positive")
	}
	if p.TokenToSave == "" {
		return fmt.Errorf("token to save is required")
	}
	if p.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	return nil
}

// NextScheduledDate computes the next run relative to from.
func (p *Plan) NextScheduledDate(from time.Time) time.Time {
	from = from.UTC()
	switch p.Frequency {
	case FrequencyDaily:
		return from.AddDate(0, 0, 1)
	case FrequencyWeekly:
		return from.AddDate(0, 0, 7)
	case FrequencyMonthly:
		year, month, _ := from.Date()
		day := p.DayOfMonth
		if max := daysInMonth(year, month+1); day > max {
			day = max
		}
		return time.Date(year, month+1, day,
			from.Hour(), from.Minute(), from.Second(), 0, time.UTC)
	case FrequencyYearly:
		return from.AddDate(1, 0, 0)
	case FrequencyEveryNMinutes:
		return from.Add(time.Duration(p.DayOfMonth) * time.Minute)
	default:
		return from.AddDate(0, 0, 1)
	}
}

// daysInMonth returns the day count of the given month; month may be
// outside 1..12 and is normalised by time.Date.
func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// CronExpression renders the plan as a 5-field cron rule fixed at the
// configured hour and minute. Days beyond 28 use the last-day-of-month
// sentinel so February never drops a run. every_n_minutes intervals map
// onto the minute step field.
func (p *Plan) CronExpression(hour, minute int) (string, error) {
	switch p.Frequency {
	case FrequencyMonthly:
		day := fmt.Sprintf("%d", p.DayOfMonth)
		if p.DayOfMonth > 28 {
			day = "L"
		}
		return fmt.Sprintf("%d %d %s * *", minute, hour, day), nil
	case FrequencyEveryNMinutes:
		// The minute step only fires on exact schedule when the interval
		// divides 60; the plan service rejects the rest up front.
		return fmt.Sprintf("*/%d * * * *", p.DayOfMonth), nil
	default:
		return "", fmt.Errorf("%s frequency cannot be scheduled yet", p.Frequency)
	}
}

// Schedulable reports whether the frequency can be registered with the
// external scheduler.
func (p *Plan) Schedulable() bool {
	return schedulableFrequencies[p.Frequency]
}

// RecordSuccessfulSave folds a successful execution into the progress
// aggregate and advances the schedule.
func (p *Plan) RecordSuccessfulSave(amount float64, savedAt time.Time) {
	savedAt = savedAt.UTC()
	p.Progress.TotalSaved += amount
	p.Progress.LastSavedAt = &savedAt
	p.Progress.SuccessfulExecutions++
	p.Progress.ConsecutiveFailures = 0
	p.Progress.NextScheduledDate = p.NextScheduledDate(savedAt)
	p.UpdatedAt = savedAt
}

// RecordFailedSave folds an exhausted failure into the progress aggregate.
// The schedule still advances so a broken run cannot loop immediately;
// the orchestrator only calls this once the execution retry budget is
// spent.
func (p *Plan) RecordFailedSave(now time.Time) {
	now = now.UTC()
	p.Progress.FailedExecutions++
	p.Progress.ConsecutiveFailures++
	p.Progress.NextScheduledDate = p.NextScheduledDate(now)
	p.UpdatedAt = now
}

// CompletionPercent reports progress toward the expected total.
func (p *Plan) CompletionPercent() float64 {
	if p.Progress.TotalExpected <= 0 {
		return 0
	}
	return p.Progress.TotalSaved / p.Progress.TotalExpected * 100
}

// Deactivate marks the plan inactive.
func (p *Plan) Deactivate(now time.Time) {
	p.IsActive = false
	p.UpdatedAt = now.UTC()
}

// Activate marks the plan active.
func (p *Plan) Activate(now time.Time) {
	p.IsActive = true
	p.UpdatedAt = now.UTC()
}

// RuleID is the scheduler rule identifier for this plan.
func (p *Plan) RuleID() string {
	return "rule_" + p.ID
}
