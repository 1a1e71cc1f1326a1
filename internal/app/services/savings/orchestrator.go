package savings

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/oakvault/wallet-engine/internal/app/apperr"
	domain "github.com/oakvault/wallet-engine/internal/app/domain/savings"
	"github.com/oakvault/wallet-engine/internal/app/domain/event"
	"github.com/oakvault/wallet-engine/internal/app/domain/transaction"
	"github.com/oakvault/wallet-engine/internal/app/metrics"
	"github.com/oakvault/wallet-engine/internal/app/services/transfer"
	"github.com/oakvault/wallet-engine/internal/app/storage"
	"github.com/oakvault/wallet-engine/internal/chain"
	"github.com/oakvault/wallet-engine/pkg/logger"
)

// scheduleTolerance is how far ahead of its scheduled date a trigger may
// arrive and still be processed.
const scheduleTolerance = time.Minute

// publisher fans domain events out to subscribers.
type publisher interface {
	Publish(ctx context.Context, evt event.Event) error
}

// Orchestrator runs scheduled plan executions. Runs for the same plan are
// serialized so a duplicated webhook delivery cannot double-spend.
type Orchestrator struct {
	vault      common.Address
	maxRetries int
	plans      storage.PlanStore
	executions storage.ExecutionStore
	wallets    storage.WalletStore
	txns       storage.TransactionStore
	executor   sender
	bus        publisher
	locks      planLocks
	log        *logger.Logger
}

// NewOrchestrator creates an execution orchestrator for the given vault.
// maxRetries bounds the retry budget of executions it creates; zero or
// negative selects the domain default.
func NewOrchestrator(
	vault string,
	maxRetries int,
	plans storage.PlanStore,
	executions storage.ExecutionStore,
	wallets storage.WalletStore,
	txns storage.TransactionStore,
	executor sender,
	bus publisher,
	log *logger.Logger,
) *Orchestrator {
	if maxRetries <= 0 {
		maxRetries = domain.DefaultMaxRetries
	}
	if log == nil {
		log = logger.NewDefault("savings-orchestrator")
	}
	return &Orchestrator{
		vault:      common.HexToAddress(vault),
		maxRetries: maxRetries,
		plans:      plans,
		executions: executions,
		wallets:    wallets,
		txns:       txns,
		executor:   executor,
		bus:        bus,
		log:        log,
	}
}

// ExecuteScheduled handles one scheduler trigger for a plan: it resolves
// or creates the pending execution for the plan's current scheduled date
// and processes it. Redelivered triggers for an already settled run are
// acknowledged without side effects.
func (o *Orchestrator) ExecuteScheduled(ctx context.Context, planID string) error {
	unlock := o.locks.lock(planID)
	defer unlock()

	plan, err := o.plans.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	if !plan.IsActive {
		o.log.WithField("plan_id", planID).Info("trigger for inactive plan ignored")
		return nil
	}

	scheduled := plan.Progress.NextScheduledDate
	// A redelivered trigger after a settled run sees the already advanced
	// schedule; running a future date now would deposit early.
	if scheduled.Sub(time.Now().UTC()) > scheduleTolerance {
		o.log.WithField("plan_id", planID).
			WithField("next_scheduled", scheduled.Format(time.RFC3339)).
			Info("trigger with no due run ignored")
		return nil
	}

	exec, err := o.executions.GetExecutionByPlanAndDate(ctx, planID, scheduled)
	switch {
	case err == nil:
		if exec.Status != domain.ExecutionPending {
			o.log.WithField("plan_id", planID).
				WithField("execution_id", exec.ID).
				WithField("status", string(exec.Status)).
				Info("trigger for settled execution ignored")
			return nil
		}
	case errors.Is(err, apperr.ErrNotFound):
		exec, err = domain.NewPendingExecution(planID, scheduled, plan.AmountToSave)
		if err != nil {
			return err
		}
		exec.MaxRetries = o.maxRetries
		exec, err = o.executions.CreateExecution(ctx, exec)
		if err != nil {
			return err
		}
	default:
		return err
	}

	return o.process(ctx, plan, exec)
}

// RunPending re-processes an already persisted pending execution; the
// retry sweeper drives requeued runs through here.
func (o *Orchestrator) RunPending(ctx context.Context, executionID string) error {
	exec, err := o.executions.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != domain.ExecutionPending {
		return nil
	}

	unlock := o.locks.lock(exec.PlanID)
	defer unlock()

	plan, err := o.plans.GetPlan(ctx, exec.PlanID)
	if err != nil {
		return err
	}
	if !plan.IsActive {
		if err := exec.MarkSkipped("plan deactivated"); err != nil {
			return err
		}
		metrics.RecordSavingExecution(string(domain.ExecutionSkipped))
		_, err = o.executions.UpdateExecution(ctx, exec)
		return err
	}
	return o.process(ctx, plan, exec)
}

// process runs the deposit and persists the outcome. Every failure path
// goes through fail so no error leaves the execution stuck in pending.
func (o *Orchestrator) process(ctx context.Context, plan domain.Plan, exec domain.Execution) error {
	if err := exec.ValidateForProcessing(); err != nil {
		return err
	}

	acct, err := o.wallets.GetWalletByUser(ctx, plan.UserID)
	if err != nil {
		return o.fail(ctx, plan, exec, err)
	}

	data, err := vaultABI.Pack("deposit", goalID(plan.ID))
	if err != nil {
		return o.fail(ctx, plan, exec, err)
	}

	result, err := o.executor.Send(ctx, transfer.SendRequest{
		Account: common.HexToAddress(acct.Address),
		Owner:   common.HexToAddress(acct.OwnerAddress),
		Target:  o.vault,
		Value:   chain.EtherToWei(exec.Amount),
		Data:    data,
		Kind:    string(transaction.KindSavingDeposit),
	})
	if err != nil {
		return o.fail(ctx, plan, exec, err)
	}

	now := time.Now().UTC()
	executedAt := now
	// The scheduler may deliver a trigger marginally early; success must
	// not be rejected for clock skew.
	if executedAt.Before(exec.ScheduledDate) {
		executedAt = exec.ScheduledDate
	}
	if err := exec.MarkSuccess(result.TxHash, executedAt); err != nil {
		return o.settleUnrecorded(ctx, plan, exec, result, executedAt, err)
	}
	plan.RecordSuccessfulSave(exec.Amount, executedAt)

	if err := o.executions.SaveExecutionResult(ctx, plan, exec); err != nil {
		// The deposit settled on-chain; surfacing the persistence error
		// would trigger a duplicate retry.
		o.log.WithError(err).
			WithField("execution_id", exec.ID).
			WithField("tx_hash", result.TxHash).
			Error("settled deposit could not be recorded")
	}
	if _, err := o.txns.CreateTransaction(ctx, transaction.Record{
		UserID:     plan.UserID,
		Kind:       transaction.KindSavingDeposit,
		From:       acct.Address,
		To:         o.vault.Hex(),
		Amount:     exec.Amount,
		Token:      plan.TokenToSave,
		TxHash:     result.TxHash,
		UserOpHash: result.UserOpHash,
	}); err != nil {
		o.log.WithError(err).WithField("tx_hash", result.TxHash).
			Error("deposit transaction record not written")
	}

	metrics.RecordSavingExecution(string(domain.ExecutionSuccess))
	o.publish(ctx, event.SavingExecutionSucceeded(plan.ID, exec.ID, plan.UserID, result.TxHash, exec.Amount))

	o.log.WithField("plan_id", plan.ID).
		WithField("execution_id", exec.ID).
		WithField("tx_hash", result.TxHash).
		Info("scheduled deposit settled")
	return nil
}

// settleUnrecorded closes out a run whose deposit settled on-chain but
// whose receipt could not be recorded as a success. The execution must
// not return to pending: the sweeper would re-run it and deposit twice.
// It is failed with the whole retry budget spent, the raw hashes are
// kept in metadata for reconciliation and the schedule advances.
func (o *Orchestrator) settleUnrecorded(ctx context.Context, plan domain.Plan, exec domain.Execution, result transfer.Result, settledAt time.Time, cause error) error {
	if exec.Metadata == nil {
		exec.Metadata = map[string]string{}
	}
	exec.Metadata["settled_tx_hash"] = result.TxHash
	exec.Metadata["settled_user_op_hash"] = result.UserOpHash

	if err := exec.MarkFailedTerminal(cause.Error(), settledAt); err != nil {
		return errors.Join(cause, err)
	}
	plan.RecordFailedSave(settledAt)

	if err := o.executions.SaveExecutionResult(ctx, plan, exec); err != nil {
		o.log.WithError(err).
			WithField("execution_id", exec.ID).
			WithField("tx_hash", result.TxHash).
			Error("unrecorded settled deposit could not be persisted")
	}

	metrics.RecordSavingExecution(string(domain.ExecutionFailed))
	o.publish(ctx, event.SavingExecutionFailed(plan.ID, exec.ID, plan.UserID,
		cause.Error(), exec.Amount, false))

	o.log.WithError(cause).
		WithField("plan_id", plan.ID).
		WithField("execution_id", exec.ID).
		WithField("tx_hash", result.TxHash).
		WithField("user_op_hash", result.UserOpHash).
		Error("settled deposit closed without a success record")
	return cause
}

// fail records the failed run. The plan's schedule only advances once the
// retry budget is spent; until then the sweeper will requeue the
// execution.
func (o *Orchestrator) fail(ctx context.Context, plan domain.Plan, exec domain.Execution, cause error) error {
	now := time.Now().UTC()
	if err := exec.MarkFailed(cause.Error(), now); err != nil {
		return errors.Join(cause, err)
	}
	if !exec.CanRetry() {
		plan.RecordFailedSave(now)
	}

	if err := o.executions.SaveExecutionResult(ctx, plan, exec); err != nil {
		o.log.WithError(err).
			WithField("execution_id", exec.ID).
			Error("failed execution could not be recorded")
	}

	metrics.RecordSavingExecution(string(domain.ExecutionFailed))
	o.publish(ctx, event.SavingExecutionFailed(plan.ID, exec.ID, plan.UserID,
		cause.Error(), exec.Amount, exec.CanRetry()))

	o.log.WithError(cause).
		WithField("plan_id", plan.ID).
		WithField("execution_id", exec.ID).
		WithField("retry_count", exec.RetryCount).
		Warn("scheduled deposit failed")
	return cause
}

func (o *Orchestrator) publish(ctx context.Context, evt event.Event) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, evt); err != nil {
		o.log.WithError(err).WithField("event", evt.Name).Error("event not published")
	}
}

// planLocks serializes work per plan id. The zero value is ready to use.
type planLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (p *planLocks) lock(planID string) func() {
	p.mu.Lock()
	if p.locks == nil {
		p.locks = make(map[string]*sync.Mutex)
	}
	l, ok := p.locks[planID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[planID] = l
	}
	p.mu.Unlock()

	l.Lock()
	return l.Unlock
}
