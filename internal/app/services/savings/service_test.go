package savings

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/oakvault/wallet-engine/internal/app/apperr"
	domain "github.com/oakvault/wallet-engine/internal/app/domain/savings"
	"github.com/oakvault/wallet-engine/internal/app/domain/wallet"
	"github.com/oakvault/wallet-engine/internal/app/services/transfer"
	"github.com/oakvault/wallet-engine/internal/app/storage/memory"
	"github.com/oakvault/wallet-engine/internal/worker"
)

const testVault = "0x7777777777777777777777777777777777777777"

type registeredRule struct {
	cron    string
	userID  string
	webhook worker.WebhookConfig
}

type fakeScheduler struct {
	registered   []registeredRule
	deregistered []string
	regErr       error
}

func (f *fakeScheduler) RegisterOperation(_ context.Context, cron, userID string, webhook worker.WebhookConfig) (string, error) {
	if f.regErr != nil {
		return "", f.regErr
	}
	f.registered = append(f.registered, registeredRule{cron: cron, userID: userID, webhook: webhook})
	return "job-" + webhook.ID, nil
}

func (f *fakeScheduler) DeregisterOperation(_ context.Context, ruleID string) error {
	f.deregistered = append(f.deregistered, ruleID)
	return nil
}

type fakeSender struct {
	requests []transfer.SendRequest
	txHash   string
	err      error
}

func (f *fakeSender) Send(_ context.Context, req transfer.SendRequest) (transfer.Result, error) {
	if f.err != nil {
		return transfer.Result{}, f.err
	}
	f.requests = append(f.requests, req)
	hash := f.txHash
	if hash == "" {
		hash = "0xabc123"
	}
	return transfer.Result{TxHash: hash, UserOpHash: "0xdef456"}, nil
}

func newServiceFixture(t *testing.T) (*Service, *fakeScheduler, *fakeSender, *memory.Store) {
	t.Helper()
	store := memory.New()
	if _, err := store.CreateWallet(context.Background(), wallet.Account{
		UserID:       "user-1",
		OwnerAddress: "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Address:      "0x1111111111111111111111111111111111111111",
	}); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}

	schedulerClient := &fakeScheduler{}
	executor := &fakeSender{}
	svc := NewService(Config{
		MaxActivePlans: 10,
		PublicURL:      "https://engine.example.com",
		WebhookAPIKey:  "secret",
		Vault:          testVault,
	}, store, store, schedulerClient, executor, nil)
	return svc, schedulerClient, executor, store
}

func TestCreatePlanRegistersScheduleAndGoal(t *testing.T) {
	svc, schedulerClient, executor, store := newServiceFixture(t)

	plan, err := svc.CreatePlan(context.Background(), CreatePlanInput{
		Name:       "rent",
		Frequency:  domain.FrequencyMonthly,
		DayOfMonth: 15,
		Amount:     2.5,
		Token:      "MON",
		UserID:     "user-1",
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}

	if len(schedulerClient.registered) != 1 {
		t.Fatalf("expected one registered rule, got %d", len(schedulerClient.registered))
	}
	rule := schedulerClient.registered[0]
	if rule.cron != "0 12 15 * *" {
		t.Fatalf("unexpected cron rule %q", rule.cron)
	}
	if rule.webhook.ID != plan.RuleID() {
		t.Fatalf("rule id %q does not match plan rule %q", rule.webhook.ID, plan.RuleID())
	}
	if rule.webhook.URL != "https://engine.example.com/v1/savings/autoflow/trigger" {
		t.Fatalf("unexpected webhook url %q", rule.webhook.URL)
	}
	if rule.webhook.Headers["X-Api-Key"] != "secret" {
		t.Fatalf("webhook must carry the callback api key")
	}
	body, ok := rule.webhook.Body.(map[string]string)
	if !ok || body["savingsId"] != plan.ID {
		t.Fatalf("webhook body must carry the savings id: %+v", rule.webhook.Body)
	}

	if len(executor.requests) != 1 {
		t.Fatalf("expected one goal submission, got %d", len(executor.requests))
	}
	goal := executor.requests[0]
	if goal.Kind != "saving_goal" {
		t.Fatalf("unexpected submission kind %q", goal.Kind)
	}
	if goal.Target.Hex() != testVault {
		t.Fatalf("goal must target the vault, got %s", goal.Target.Hex())
	}

	stored, err := store.GetPlan(context.Background(), plan.ID)
	if err != nil {
		t.Fatalf("plan not persisted: %v", err)
	}
	if !stored.IsActive {
		t.Fatalf("new plan must be active")
	}
}

func TestCreatePlanEnforcesActiveCap(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	_, _ = store.CreateWallet(ctx, wallet.Account{
		UserID:  "user-1",
		Address: "0x1111111111111111111111111111111111111111",
	})
	for i := 0; i < 2; i++ {
		plan, err := domain.NewPlan("seed", domain.FrequencyMonthly, 1, 1, "MON", "user-1", time.Now())
		if err != nil {
			t.Fatalf("seed plan: %v", err)
		}
		if _, err := store.CreatePlan(ctx, plan); err != nil {
			t.Fatalf("seed plan: %v", err)
		}
	}

	svc := NewService(Config{MaxActivePlans: 2, Vault: testVault},
		store, store, &fakeScheduler{}, &fakeSender{}, nil)
	_, err := svc.CreatePlan(ctx, CreatePlanInput{
		Name:       "one too many",
		Frequency:  domain.FrequencyMonthly,
		DayOfMonth: 1,
		Amount:     1,
		Token:      "MON",
		UserID:     "user-1",
	})
	if !errors.Is(err, apperr.ErrMaxActivePlans) {
		t.Fatalf("expected ErrMaxActivePlans, got %v", err)
	}
}

func TestCreatePlanRejectsNonDivisorInterval(t *testing.T) {
	svc, schedulerClient, _, _ := newServiceFixture(t)

	_, err := svc.CreatePlan(context.Background(), CreatePlanInput{
		Name:       "drifting",
		Frequency:  domain.FrequencyEveryNMinutes,
		DayOfMonth: 7,
		Amount:     1,
		Token:      "MON",
		UserID:     "user-1",
	})
	if err == nil || !strings.Contains(err.Error(), "divide 60") {
		t.Fatalf("expected interval rejection, got %v", err)
	}
	if len(schedulerClient.registered) != 0 {
		t.Fatalf("rejected plan must not register a rule")
	}
}

func TestCreatePlanLastDayOfMonth(t *testing.T) {
	svc, schedulerClient, _, _ := newServiceFixture(t)

	_, err := svc.CreatePlan(context.Background(), CreatePlanInput{
		Name:       "payday",
		Frequency:  domain.FrequencyMonthly,
		DayOfMonth: 31,
		Amount:     1,
		Token:      "MON",
		UserID:     "user-1",
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if got := schedulerClient.registered[0].cron; got != "0 12 L * *" {
		t.Fatalf("days past 28 must use the last-day sentinel, got %q", got)
	}
}

func TestCreatePlanRollsBackRuleWhenGoalFails(t *testing.T) {
	svc, schedulerClient, executor, store := newServiceFixture(t)
	executor.err = errors.New("bundler down")

	_, err := svc.CreatePlan(context.Background(), CreatePlanInput{
		Name:       "doomed",
		Frequency:  domain.FrequencyMonthly,
		DayOfMonth: 1,
		Amount:     1,
		Token:      "MON",
		UserID:     "user-1",
	})
	if err == nil {
		t.Fatalf("expected goal submission failure to surface")
	}
	if len(schedulerClient.deregistered) != 1 {
		t.Fatalf("orphaned rule must be deregistered")
	}
	plans, _ := store.ListPlansByUser(context.Background(), "user-1")
	if len(plans) != 0 {
		t.Fatalf("failed creation must not persist a plan: %+v", plans)
	}
}

func TestDeactivateRemovesRule(t *testing.T) {
	svc, schedulerClient, _, store := newServiceFixture(t)
	ctx := context.Background()

	plan, err := svc.CreatePlan(ctx, CreatePlanInput{
		Name:       "paused",
		Frequency:  domain.FrequencyMonthly,
		DayOfMonth: 1,
		Amount:     1,
		Token:      "MON",
		UserID:     "user-1",
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}

	updated, err := svc.Deactivate(ctx, plan.ID)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if updated.IsActive {
		t.Fatalf("plan must be inactive after deactivation")
	}
	if len(schedulerClient.deregistered) != 1 || schedulerClient.deregistered[0] != plan.RuleID() {
		t.Fatalf("scheduler rule not removed: %+v", schedulerClient.deregistered)
	}

	stored, _ := store.GetPlan(ctx, plan.ID)
	if stored.IsActive {
		t.Fatalf("deactivation not persisted")
	}
}

func TestDeleteDeregistersRule(t *testing.T) {
	svc, schedulerClient, _, _ := newServiceFixture(t)
	ctx := context.Background()

	plan, err := svc.CreatePlan(ctx, CreatePlanInput{
		Name:       "gone",
		Frequency:  domain.FrequencyMonthly,
		DayOfMonth: 1,
		Amount:     1,
		Token:      "MON",
		UserID:     "user-1",
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}

	if err := svc.Delete(ctx, plan.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(schedulerClient.deregistered) != 1 {
		t.Fatalf("scheduler rule not removed")
	}
	if _, err := svc.Get(ctx, plan.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("deleted plan still readable: %v", err)
	}
}
