package savings

import (
	"context"
	"testing"
	"time"

	domain "github.com/oakvault/wallet-engine/internal/app/domain/savings"
	"github.com/oakvault/wallet-engine/internal/app/storage/memory"
)

type fakeRunner struct {
	ran []string
}

func (f *fakeRunner) RunPending(_ context.Context, executionID string) error {
	f.ran = append(f.ran, executionID)
	return nil
}

// failedExecution stores an execution that failed at the given time.
func failedExecution(t *testing.T, store *memory.Store, planID string, failedAt time.Time, retryCount int) domain.Execution {
	t.Helper()
	exec, err := domain.NewPendingExecution(planID, failedAt.Add(-time.Minute), 1)
	if err != nil {
		t.Fatalf("new execution: %v", err)
	}
	if err := exec.MarkFailed("bundler down", failedAt); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	exec.RetryCount = retryCount
	exec, err = store.CreateExecution(context.Background(), exec)
	if err != nil {
		t.Fatalf("store execution: %v", err)
	}
	return exec
}

func TestSweepRequeuesAfterBackoff(t *testing.T) {
	store := memory.New()
	run := &fakeRunner{}
	sweeper := NewSweeper(SweeperConfig{
		Interval:         time.Minute,
		RetryBackoffBase: time.Minute,
	}, store, run, nil)

	exec := failedExecution(t, store, "plan-1", time.Now().UTC().Add(-10*time.Minute), 1)

	sweeper.Sweep(context.Background())

	stored, err := store.GetExecution(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if stored.Status != domain.ExecutionPending {
		t.Fatalf("expected requeued execution, got %s", stored.Status)
	}
	if len(run.ran) != 1 || run.ran[0] != exec.ID {
		t.Fatalf("requeued execution not re-run: %+v", run.ran)
	}
}

func TestSweepHonoursBackoffDelay(t *testing.T) {
	store := memory.New()
	run := &fakeRunner{}
	sweeper := NewSweeper(SweeperConfig{
		Interval:         time.Minute,
		RetryBackoffBase: 10 * time.Minute,
	}, store, run, nil)

	exec := failedExecution(t, store, "plan-1", time.Now().UTC(), 1)

	sweeper.Sweep(context.Background())

	stored, _ := store.GetExecution(context.Background(), exec.ID)
	if stored.Status != domain.ExecutionFailed {
		t.Fatalf("execution requeued before its backoff elapsed: %s", stored.Status)
	}
	if len(run.ran) != 0 {
		t.Fatalf("nothing should run before the backoff elapses")
	}
}

func TestSweepDoublesBackoffPerAttempt(t *testing.T) {
	store := memory.New()
	run := &fakeRunner{}
	sweeper := NewSweeper(SweeperConfig{
		Interval:         time.Minute,
		RetryBackoffBase: 4 * time.Minute,
	}, store, run, nil)

	// Second attempt backoff is 8 minutes; 5 minutes have passed.
	exec := failedExecution(t, store, "plan-1", time.Now().UTC().Add(-5*time.Minute), 2)

	sweeper.Sweep(context.Background())

	stored, _ := store.GetExecution(context.Background(), exec.ID)
	if stored.Status != domain.ExecutionFailed {
		t.Fatalf("doubled backoff not honoured: %s", stored.Status)
	}
}

func TestSweepSkipsExhaustedBudget(t *testing.T) {
	store := memory.New()
	run := &fakeRunner{}
	sweeper := NewSweeper(SweeperConfig{
		Interval:         time.Minute,
		RetryBackoffBase: time.Minute,
	}, store, run, nil)

	exec := failedExecution(t, store, "plan-1", time.Now().UTC().Add(-time.Hour), domain.DefaultMaxRetries)

	sweeper.Sweep(context.Background())

	stored, _ := store.GetExecution(context.Background(), exec.ID)
	if stored.Status != domain.ExecutionFailed {
		t.Fatalf("exhausted execution must stay failed: %s", stored.Status)
	}
	if len(run.ran) != 0 {
		t.Fatalf("exhausted execution must not re-run")
	}
}

func TestSweepRunsOverduePending(t *testing.T) {
	store := memory.New()
	run := &fakeRunner{}
	sweeper := NewSweeper(SweeperConfig{
		Interval:         time.Minute,
		RetryBackoffBase: time.Minute,
	}, store, run, nil)

	exec, err := domain.NewPendingExecution("plan-1", time.Now().UTC().Add(-time.Hour), 1)
	if err != nil {
		t.Fatalf("new execution: %v", err)
	}
	if _, err := store.CreateExecution(context.Background(), exec); err != nil {
		t.Fatalf("store execution: %v", err)
	}

	sweeper.Sweep(context.Background())

	if len(run.ran) != 1 || run.ran[0] != exec.ID {
		t.Fatalf("overdue pending execution not run: %+v", run.ran)
	}
}
