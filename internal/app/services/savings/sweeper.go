package savings

import (
	"context"
	"sync"
	"time"

	domain "github.com/oakvault/wallet-engine/internal/app/domain/savings"
	"github.com/oakvault/wallet-engine/internal/app/metrics"
	"github.com/oakvault/wallet-engine/internal/app/storage"
	"github.com/oakvault/wallet-engine/pkg/logger"
)

// runner re-processes pending executions; satisfied by Orchestrator.
type runner interface {
	RunPending(ctx context.Context, executionID string) error
}

// SweeperConfig holds the retry sweeper settings.
type SweeperConfig struct {
	Interval time.Duration
	// RetryBackoffBase is the delay before the first retry; it doubles per
	// spent attempt.
	RetryBackoffBase time.Duration
}

// Sweeper is the single authority on retries: it periodically scans failed
// executions with remaining budget, requeues them once their backoff has
// elapsed and re-runs them, and drives overdue pending executions left
// behind by a crash.
type Sweeper struct {
	cfg        SweeperConfig
	executions storage.ExecutionStore
	orch       runner
	log        *logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a retry sweeper.
func NewSweeper(cfg SweeperConfig, executions storage.ExecutionStore, orch runner, log *logger.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = time.Minute
	}
	if log == nil {
		log = logger.NewDefault("savings-sweeper")
	}
	return &Sweeper{cfg: cfg, executions: executions, orch: orch, log: log}
}

// Name implements system.Service.
func (s *Sweeper) Name() string { return "savings-sweeper" }

// Start launches the sweep loop.
func (s *Sweeper) Start(context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()

	s.log.WithField("interval", s.cfg.Interval.String()).Info("retry sweeper started")
	return nil
}

// Stop halts the sweep loop and waits for an in-flight sweep.
func (s *Sweeper) Stop(context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.log.Info("retry sweeper stopped")
	return nil
}

// Sweep performs one pass: requeue eligible failed executions, then run
// every overdue pending one.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	failed, err := s.executions.ListExecutionsByStatus(ctx, domain.ExecutionFailed)
	if err != nil {
		s.log.WithError(err).Error("failed executions not listed")
	}
	for _, exec := range failed {
		if !exec.CanRetry() {
			continue
		}
		if now.Before(s.retryAt(exec)) {
			continue
		}
		if err := s.requeue(ctx, exec, now); err != nil {
			s.log.WithError(err).
				WithField("execution_id", exec.ID).
				Error("failed execution not requeued")
		}
	}

	pending, err := s.executions.ListExecutionsByStatus(ctx, domain.ExecutionPending)
	if err != nil {
		s.log.WithError(err).Error("pending executions not listed")
		return
	}
	for _, exec := range pending {
		if !exec.IsOverdue(now) {
			continue
		}
		if err := s.orch.RunPending(ctx, exec.ID); err != nil {
			s.log.WithError(err).
				WithField("execution_id", exec.ID).
				Warn("overdue execution run failed")
		}
	}
}

// retryAt is when the execution's backoff elapses: base doubled per spent
// attempt, counted from the recorded failure time.
func (s *Sweeper) retryAt(exec domain.Execution) time.Time {
	failedAt := exec.ScheduledDate
	if exec.ExecutedAt != nil {
		failedAt = *exec.ExecutedAt
	}
	attempts := exec.RetryCount
	if attempts < 1 {
		attempts = 1
	}
	backoff := s.cfg.RetryBackoffBase << uint(attempts-1)
	return failedAt.Add(backoff)
}

func (s *Sweeper) requeue(ctx context.Context, exec domain.Execution, now time.Time) error {
	if err := exec.Retry(now.Add(time.Second), now); err != nil {
		return err
	}
	if _, err := s.executions.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	metrics.RecordSavingRetry()
	s.log.WithField("execution_id", exec.ID).
		WithField("retry_count", exec.RetryCount).
		Info("failed execution requeued")

	return s.orch.RunPending(ctx, exec.ID)
}
