package savings

import (
	"errors"
	"testing"
	"time"

	"github.com/oakvault/wallet-engine/internal/app/apperr"
)

func pendingExecution(t *testing.T) Execution {
	t.Helper()
	exec, err := NewPendingExecution("plan-1", time.Date(2025, time.May, 1, 12, 0, 0, 0, time.UTC), 25)
	if err != nil {
		t.Fatalf("new execution: %v", err)
	}
	return exec
}

func TestMarkSuccessRequiresHexHash(t *testing.T) {
	exec := pendingExecution(t)
	at := exec.ScheduledDate.Add(time.Minute)

	if err := exec.MarkSuccess("not-hex", at); err == nil {
		t.Fatalf("non-hex hash should be rejected")
	}
	if err := exec.MarkSuccess("0xzz", at); err == nil {
		t.Fatalf("invalid hex should be rejected")
	}
	if err := exec.MarkSuccess("0xabc123", at); err != nil {
		t.Fatalf("valid hash rejected: %v", err)
	}
	if exec.Status != ExecutionSuccess || exec.TxHash != "0xabc123" {
		t.Fatalf("success not recorded: %+v", exec)
	}
	if exec.ExecutedAt == nil || exec.ExecutedAt.Before(exec.ScheduledDate) {
		t.Fatalf("executed at invariant violated: %v", exec.ExecutedAt)
	}
}

func TestMarkSuccessRejectsEarlyExecution(t *testing.T) {
	exec := pendingExecution(t)
	if err := exec.MarkSuccess("0xabc", exec.ScheduledDate.Add(-time.Hour)); err == nil {
		t.Fatalf("executedAt before scheduledDate should be rejected")
	}
}

func TestMarkFailedSpendsRetryBudget(t *testing.T) {
	exec := pendingExecution(t)
	now := exec.ScheduledDate

	for i := 1; i <= DefaultMaxRetries; i++ {
		if err := exec.MarkFailed("bundler unavailable", now); err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
		if exec.RetryCount != i {
			t.Fatalf("retry count after failure %d: %d", i, exec.RetryCount)
		}
		if i < DefaultMaxRetries {
			if !exec.CanRetry() {
				t.Fatalf("should still be retryable at count %d", i)
			}
			if err := exec.Retry(now.Add(time.Hour), now); err != nil {
				t.Fatalf("retry %d: %v", i, err)
			}
			if exec.Status != ExecutionPending {
				t.Fatalf("retry should return to pending")
			}
		}
	}

	if exec.CanRetry() {
		t.Fatalf("retry budget should be exhausted at %d", exec.RetryCount)
	}
	if err := exec.Retry(now.Add(time.Hour), now); !errors.Is(err, apperr.ErrInvalidStateTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestMarkFailedTerminalSpendsWholeBudget(t *testing.T) {
	exec := pendingExecution(t)
	if err := exec.MarkFailedTerminal("receipt hash malformed", exec.ScheduledDate); err != nil {
		t.Fatalf("mark failed terminal: %v", err)
	}
	if exec.Status != ExecutionFailed {
		t.Fatalf("expected failed status, got %s", exec.Status)
	}
	if exec.CanRetry() {
		t.Fatalf("terminal failure must not be retryable: %+v", exec)
	}
	if err := exec.Retry(exec.ScheduledDate.Add(time.Hour), exec.ScheduledDate); !errors.Is(err, apperr.ErrInvalidStateTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestCanRetryBoundary(t *testing.T) {
	exec := pendingExecution(t)
	exec.Status = ExecutionFailed

	exec.RetryCount = 2
	if !exec.CanRetry() {
		t.Fatalf("retryCount=2 of 3 should be retryable")
	}
	exec.RetryCount = 3
	if exec.CanRetry() {
		t.Fatalf("retryCount=3 of 3 should not be retryable")
	}
}

func TestGuardsRejectTerminalStates(t *testing.T) {
	exec := pendingExecution(t)
	if err := exec.MarkSuccess("0xabc", exec.ScheduledDate); err != nil {
		t.Fatalf("mark success: %v", err)
	}
	if err := exec.ValidateForProcessing(); !errors.Is(err, apperr.ErrInvalidStateTransition) {
		t.Fatalf("succeeded execution should be guarded: %v", err)
	}

	skipped := pendingExecution(t)
	if err := skipped.MarkSkipped("plan deactivated"); err != nil {
		t.Fatalf("mark skipped: %v", err)
	}
	if err := skipped.ValidateForProcessing(); !errors.Is(err, apperr.ErrInvalidStateTransition) {
		t.Fatalf("skipped execution should be guarded: %v", err)
	}
	if err := skipped.MarkSkipped("again"); err == nil {
		t.Fatalf("double skip should fail")
	}
}

func TestIsOverdue(t *testing.T) {
	exec := pendingExecution(t)
	if exec.IsOverdue(exec.ScheduledDate.Add(-time.Minute)) {
		t.Fatalf("not overdue before schedule")
	}
	late := exec.ScheduledDate.Add(49 * time.Hour)
	if !exec.IsOverdue(late) {
		t.Fatalf("overdue after schedule")
	}
	if days := exec.DaysOverdue(late); days != 2 {
		t.Fatalf("days overdue: %d", days)
	}
}
