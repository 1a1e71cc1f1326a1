package savings

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/oakvault/wallet-engine/internal/app/domain/savings"
	"github.com/oakvault/wallet-engine/internal/app/domain/event"
	"github.com/oakvault/wallet-engine/internal/app/domain/transaction"
	"github.com/oakvault/wallet-engine/internal/app/domain/wallet"
	"github.com/oakvault/wallet-engine/internal/app/storage/memory"
	"github.com/oakvault/wallet-engine/internal/chain"
)

type capturingBus struct {
	mu     sync.Mutex
	events []event.Event
}

func (b *capturingBus) Publish(_ context.Context, evt event.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
	return nil
}

func (b *capturingBus) last(t *testing.T) event.Event {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == 0 {
		t.Fatalf("no events published")
	}
	return b.events[len(b.events)-1]
}

// duePlan stores a plan whose next run is already due.
func duePlan(t *testing.T, store *memory.Store, amount float64) domain.Plan {
	t.Helper()
	plan, err := domain.NewPlan("vacation", domain.FrequencyMonthly, 15, amount, "MON", "user-1", time.Now())
	if err != nil {
		t.Fatalf("new plan: %v", err)
	}
	plan.Progress.NextScheduledDate = time.Now().UTC().Add(-time.Second)
	plan, err = store.CreatePlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("store plan: %v", err)
	}
	return plan
}

func newOrchestratorFixture(t *testing.T) (*Orchestrator, *fakeSender, *capturingBus, *memory.Store) {
	t.Helper()
	store := memory.New()
	if _, err := store.CreateWallet(context.Background(), wallet.Account{
		UserID:       "user-1",
		OwnerAddress: "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Address:      "0x1111111111111111111111111111111111111111",
	}); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}

	executor := &fakeSender{}
	bus := &capturingBus{}
	orch := NewOrchestrator(testVault, 0, store, store, store, store, executor, bus, nil)
	return orch, executor, bus, store
}

func TestExecuteScheduledDepositsAndAdvancesSchedule(t *testing.T) {
	orch, executor, bus, store := newOrchestratorFixture(t)
	ctx := context.Background()
	plan := duePlan(t, store, 1.5)
	before := plan.Progress.NextScheduledDate

	if err := orch.ExecuteScheduled(ctx, plan.ID); err != nil {
		t.Fatalf("execute scheduled: %v", err)
	}

	if len(executor.requests) != 1 {
		t.Fatalf("expected one deposit, got %d", len(executor.requests))
	}
	req := executor.requests[0]
	if req.Target.Hex() != testVault {
		t.Fatalf("deposit must target the vault, got %s", req.Target.Hex())
	}
	if req.Value.Cmp(chain.EtherToWei(1.5)) != 0 {
		t.Fatalf("unexpected deposit value %s", req.Value)
	}
	if req.Kind != string(transaction.KindSavingDeposit) {
		t.Fatalf("unexpected submission kind %q", req.Kind)
	}

	execs, _ := store.ListExecutionsByPlan(ctx, plan.ID)
	if len(execs) != 1 || execs[0].Status != domain.ExecutionSuccess || execs[0].TxHash != "0xabc123" {
		t.Fatalf("execution not settled: %+v", execs)
	}

	updated, _ := store.GetPlan(ctx, plan.ID)
	if updated.Progress.TotalSaved != 1.5 || updated.Progress.SuccessfulExecutions != 1 {
		t.Fatalf("progress not folded in: %+v", updated.Progress)
	}
	if !updated.Progress.NextScheduledDate.After(before) {
		t.Fatalf("schedule must advance after success")
	}

	evt := bus.last(t)
	if evt.Name != event.NameSavingExecution || evt.Payload["status"] != "success" {
		t.Fatalf("success event not published: %+v", evt)
	}

	recs, _ := store.ListTransactionsByUser(ctx, "user-1")
	if len(recs) != 1 || recs[0].Kind != transaction.KindSavingDeposit {
		t.Fatalf("deposit transaction not recorded: %+v", recs)
	}
}

func TestExecuteScheduledIgnoresInactivePlan(t *testing.T) {
	orch, executor, _, store := newOrchestratorFixture(t)
	ctx := context.Background()
	plan := duePlan(t, store, 1)
	plan.Deactivate(time.Now())
	if _, err := store.UpdatePlan(ctx, plan); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	if err := orch.ExecuteScheduled(ctx, plan.ID); err != nil {
		t.Fatalf("inactive plan trigger must be acknowledged: %v", err)
	}
	if len(executor.requests) != 0 {
		t.Fatalf("inactive plan must not deposit")
	}
}

func TestExecuteScheduledIgnoresRedeliveredTrigger(t *testing.T) {
	orch, executor, _, store := newOrchestratorFixture(t)
	ctx := context.Background()
	plan := duePlan(t, store, 1)

	if err := orch.ExecuteScheduled(ctx, plan.ID); err != nil {
		t.Fatalf("execute scheduled: %v", err)
	}
	// After success the schedule advanced a month; a redelivered trigger
	// must not start the next run early.
	if err := orch.ExecuteScheduled(ctx, plan.ID); err != nil {
		t.Fatalf("redelivered trigger must be acknowledged: %v", err)
	}
	if len(executor.requests) != 1 {
		t.Fatalf("redelivery must not deposit again, got %d sends", len(executor.requests))
	}
}

func TestExecuteScheduledMalformedReceiptClosesRun(t *testing.T) {
	orch, executor, bus, store := newOrchestratorFixture(t)
	ctx := context.Background()
	plan := duePlan(t, store, 1)
	before := plan.Progress.NextScheduledDate
	executor.txHash = "0xnothex"

	if err := orch.ExecuteScheduled(ctx, plan.ID); err == nil {
		t.Fatalf("expected malformed receipt hash to surface")
	}

	// The deposit settled on-chain, so the run must close terminally; a
	// pending or retryable execution would deposit a second time.
	execs, _ := store.ListExecutionsByPlan(ctx, plan.ID)
	if len(execs) != 1 || execs[0].Status != domain.ExecutionFailed {
		t.Fatalf("execution not closed: %+v", execs)
	}
	if execs[0].CanRetry() {
		t.Fatalf("settled run must not be retryable: %+v", execs[0])
	}
	if execs[0].Metadata["settled_tx_hash"] != "0xnothex" {
		t.Fatalf("raw hash must be kept for reconciliation: %+v", execs[0].Metadata)
	}

	updated, _ := store.GetPlan(ctx, plan.ID)
	if !updated.Progress.NextScheduledDate.After(before) {
		t.Fatalf("closed run must advance the schedule")
	}
	if evt := bus.last(t); evt.Payload["willRetry"] != false {
		t.Fatalf("closed run must not promise a retry: %+v", evt.Payload)
	}

	if err := orch.ExecuteScheduled(ctx, plan.ID); err != nil {
		t.Fatalf("redelivered trigger must be acknowledged: %v", err)
	}
	if len(executor.requests) != 1 {
		t.Fatalf("closed run must not deposit again, got %d sends", len(executor.requests))
	}
}

func TestExecuteScheduledHonoursConfiguredRetryBudget(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	if _, err := store.CreateWallet(ctx, wallet.Account{
		UserID:       "user-1",
		OwnerAddress: "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Address:      "0x1111111111111111111111111111111111111111",
	}); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
	executor := &fakeSender{err: errors.New("bundler down")}
	bus := &capturingBus{}
	orch := NewOrchestrator(testVault, 1, store, store, store, store, executor, bus, nil)
	plan := duePlan(t, store, 1)
	before := plan.Progress.NextScheduledDate

	if err := orch.ExecuteScheduled(ctx, plan.ID); err == nil {
		t.Fatalf("expected deposit failure to surface")
	}

	execs, _ := store.ListExecutionsByPlan(ctx, plan.ID)
	if len(execs) != 1 || execs[0].MaxRetries != 1 || execs[0].CanRetry() {
		t.Fatalf("budget of one must be spent on the first failure: %+v", execs)
	}

	updated, _ := store.GetPlan(ctx, plan.ID)
	if !updated.Progress.NextScheduledDate.After(before) {
		t.Fatalf("spent budget must advance the schedule")
	}
	if evt := bus.last(t); evt.Payload["willRetry"] != false {
		t.Fatalf("spent budget must not promise a retry: %+v", evt.Payload)
	}
}

func TestExecuteScheduledFailureKeepsSchedule(t *testing.T) {
	orch, executor, bus, store := newOrchestratorFixture(t)
	ctx := context.Background()
	plan := duePlan(t, store, 1)
	before := plan.Progress.NextScheduledDate
	executor.err = errors.New("bundler down")

	if err := orch.ExecuteScheduled(ctx, plan.ID); err == nil {
		t.Fatalf("expected deposit failure to surface")
	}

	execs, _ := store.ListExecutionsByPlan(ctx, plan.ID)
	if len(execs) != 1 || execs[0].Status != domain.ExecutionFailed || execs[0].RetryCount != 1 {
		t.Fatalf("execution not marked failed: %+v", execs)
	}

	updated, _ := store.GetPlan(ctx, plan.ID)
	if !updated.Progress.NextScheduledDate.Equal(before) {
		t.Fatalf("schedule must not advance while retry budget remains")
	}

	evt := bus.last(t)
	if evt.Payload["status"] != "failed" || evt.Payload["willRetry"] != true {
		t.Fatalf("failure event must flag the pending retry: %+v", evt.Payload)
	}
}

func TestExecuteScheduledExhaustedBudgetAdvancesSchedule(t *testing.T) {
	orch, executor, bus, store := newOrchestratorFixture(t)
	ctx := context.Background()
	plan := duePlan(t, store, 1)
	before := plan.Progress.NextScheduledDate
	executor.err = errors.New("bundler down")

	exec, err := domain.NewPendingExecution(plan.ID, plan.Progress.NextScheduledDate, plan.AmountToSave)
	if err != nil {
		t.Fatalf("new execution: %v", err)
	}
	exec.RetryCount = domain.DefaultMaxRetries - 1
	if _, err := store.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("store execution: %v", err)
	}

	if err := orch.ExecuteScheduled(ctx, plan.ID); err == nil {
		t.Fatalf("expected deposit failure to surface")
	}

	stored, _ := store.GetExecution(ctx, exec.ID)
	if stored.CanRetry() {
		t.Fatalf("budget must be spent: %+v", stored)
	}

	updated, _ := store.GetPlan(ctx, plan.ID)
	if !updated.Progress.NextScheduledDate.After(before) {
		t.Fatalf("exhausted budget must advance the schedule")
	}
	if updated.Progress.FailedExecutions != 1 || updated.Progress.ConsecutiveFailures != 1 {
		t.Fatalf("failure not folded into progress: %+v", updated.Progress)
	}

	if evt := bus.last(t); evt.Payload["willRetry"] != false {
		t.Fatalf("exhausted failure must not promise a retry: %+v", evt.Payload)
	}
}

func TestRunPendingSkipsWhenPlanInactive(t *testing.T) {
	orch, executor, _, store := newOrchestratorFixture(t)
	ctx := context.Background()
	plan := duePlan(t, store, 1)

	exec, err := domain.NewPendingExecution(plan.ID, plan.Progress.NextScheduledDate, plan.AmountToSave)
	if err != nil {
		t.Fatalf("new execution: %v", err)
	}
	if _, err := store.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("store execution: %v", err)
	}

	plan.Deactivate(time.Now())
	if _, err := store.UpdatePlan(ctx, plan); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	if err := orch.RunPending(ctx, exec.ID); err != nil {
		t.Fatalf("run pending: %v", err)
	}
	stored, _ := store.GetExecution(ctx, exec.ID)
	if stored.Status != domain.ExecutionSkipped {
		t.Fatalf("expected skipped execution, got %s", stored.Status)
	}
	if len(executor.requests) != 0 {
		t.Fatalf("inactive plan must not deposit")
	}
}
