// Package savings implements the recurring savings engine: plan lifecycle
// management, scheduled execution and failed-run retries.
package savings

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/robfig/cron/v3"

	"github.com/oakvault/wallet-engine/internal/app/apperr"
	domain "github.com/oakvault/wallet-engine/internal/app/domain/savings"
	"github.com/oakvault/wallet-engine/internal/app/services/transfer"
	"github.com/oakvault/wallet-engine/internal/app/storage"
	"github.com/oakvault/wallet-engine/internal/chain"
	"github.com/oakvault/wallet-engine/internal/worker"
	"github.com/oakvault/wallet-engine/pkg/logger"
)

// vaultABI covers the savings vault calls: declaring a goal and paying
// into it.
const vaultABIJSON = `[
	{"type":"function","name":"setSavingsGoal","stateMutability":"nonpayable","inputs":[{"name":"goalAmount","type":"uint256"},{"name":"goalId","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"deposit","stateMutability":"payable","inputs":[{"name":"goalId","type":"bytes32"}],"outputs":[]}
]`

var vaultABI abi.ABI

func init() {
	var err error
	vaultABI, err = abi.JSON(strings.NewReader(vaultABIJSON))
	if err != nil {
		panic(fmt.Sprintf("vault abi: %v", err))
	}
}

// goalID derives the vault goal identifier from a plan id.
func goalID(planID string) [32]byte {
	return crypto.Keccak256Hash([]byte(planID))
}

// scheduler is the slice of the worker client the service needs.
type scheduler interface {
	RegisterOperation(ctx context.Context, cronExpression, userID string, webhook worker.WebhookConfig) (string, error)
	DeregisterOperation(ctx context.Context, ruleID string) error
}

// sender submits sponsored calls; satisfied by transfer.Executor.
type sender interface {
	Send(ctx context.Context, req transfer.SendRequest) (transfer.Result, error)
}

// Config holds the plan service settings.
type Config struct {
	// TriggerHour/TriggerMinute fix the time of day monthly rules fire.
	TriggerHour   int
	TriggerMinute int

	MaxActivePlans int

	// PublicURL is this engine's externally reachable base URL; the
	// scheduler calls back into it.
	PublicURL      string
	WebhookAPIKey  string
	WebhookTimeout time.Duration

	// Vault is the savings vault contract address.
	Vault string
}

// Service manages recurring savings plans.
type Service struct {
	cfg       Config
	plans     storage.PlanStore
	wallets   storage.WalletStore
	worker    scheduler
	executor  sender
	log       *logger.Logger
	cronCheck cron.Parser
}

// NewService creates a plan service.
func NewService(cfg Config, plans storage.PlanStore, wallets storage.WalletStore, schedulerClient scheduler, executor sender, log *logger.Logger) *Service {
	if cfg.MaxActivePlans <= 0 {
		cfg.MaxActivePlans = 10
	}
	if cfg.TriggerHour == 0 && cfg.TriggerMinute == 0 {
		cfg.TriggerHour = 12
	}
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = 30 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("savings-service")
	}
	return &Service{
		cfg:       cfg,
		plans:     plans,
		wallets:   wallets,
		worker:    schedulerClient,
		executor:  executor,
		log:       log,
		cronCheck: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// CreatePlanInput carries the fields for a new plan.
type CreatePlanInput struct {
	Name       string
	Frequency  domain.Frequency
	DayOfMonth int
	Amount     float64
	Token      string
	UserID     string
}

// CreatePlan validates, registers and persists a new active plan: the
// per-user cap is enforced, the cron rule is registered with the external
// scheduler and the goal is declared on-chain before the plan is stored.
func (s *Service) CreatePlan(ctx context.Context, input CreatePlanInput) (domain.Plan, error) {
	active, err := s.plans.ListActivePlansByUser(ctx, input.UserID)
	if err != nil {
		return domain.Plan{}, err
	}
	if len(active) >= s.cfg.MaxActivePlans {
		return domain.Plan{}, fmt.Errorf("user %s has %d active plans: %w",
			input.UserID, len(active), apperr.ErrMaxActivePlans)
	}

	acct, err := s.wallets.GetWalletByUser(ctx, input.UserID)
	if err != nil {
		return domain.Plan{}, fmt.Errorf("saver wallet: %w", err)
	}

	plan, err := domain.NewPlan(input.Name, input.Frequency, input.DayOfMonth,
		input.Amount, input.Token, input.UserID, time.Now())
	if err != nil {
		return domain.Plan{}, err
	}
	if !plan.Schedulable() {
		return domain.Plan{}, fmt.Errorf("%s plans cannot be scheduled yet", plan.Frequency)
	}
	if plan.Frequency == domain.FrequencyEveryNMinutes && 60%plan.DayOfMonth != 0 {
		// The scheduler's minute step drifts for non-divisor intervals.
		return domain.Plan{}, fmt.Errorf("minute interval %d must divide 60", plan.DayOfMonth)
	}

	expr, err := plan.CronExpression(s.cfg.TriggerHour, s.cfg.TriggerMinute)
	if err != nil {
		return domain.Plan{}, err
	}
	// The last-day sentinel is scheduler-specific syntax standard cron
	// parsers reject.
	if !strings.Contains(expr, "L") {
		if _, err := s.cronCheck.Parse(expr); err != nil {
			return domain.Plan{}, fmt.Errorf("cron rule %q: %w", expr, err)
		}
	}

	if _, err := s.worker.RegisterOperation(ctx, expr, input.UserID, worker.WebhookConfig{
		ID:      plan.RuleID(),
		Method:  http.MethodPost,
		URL:     s.cfg.PublicURL + "/v1/savings/autoflow/trigger",
		Headers: map[string]string{"X-Api-Key": s.cfg.WebhookAPIKey},
		Body:    map[string]string{"savingsId": plan.ID},
		Timeout: s.cfg.WebhookTimeout,
	}); err != nil {
		return domain.Plan{}, fmt.Errorf("register schedule: %w", err)
	}

	if err := s.setGoalOnChain(ctx, acct.Address, acct.OwnerAddress, plan); err != nil {
		s.deregisterQuietly(ctx, plan.RuleID())
		return domain.Plan{}, err
	}

	created, err := s.plans.CreatePlan(ctx, plan)
	if err != nil {
		s.deregisterQuietly(ctx, plan.RuleID())
		return domain.Plan{}, err
	}

	s.log.WithField("plan_id", created.ID).
		WithField("user_id", created.UserID).
		WithField("cron", expr).
		Info("savings plan created")
	return created, nil
}

// Get returns a plan by id.
func (s *Service) Get(ctx context.Context, id string) (domain.Plan, error) {
	return s.plans.GetPlan(ctx, id)
}

// ListByUser returns the user's plans.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]domain.Plan, error) {
	return s.plans.ListPlansByUser(ctx, userID)
}

// Deactivate pauses a plan and removes its scheduler rule.
func (s *Service) Deactivate(ctx context.Context, id string) (domain.Plan, error) {
	plan, err := s.plans.GetPlan(ctx, id)
	if err != nil {
		return domain.Plan{}, err
	}
	if !plan.IsActive {
		return plan, nil
	}

	if err := s.worker.DeregisterOperation(ctx, plan.RuleID()); err != nil {
		return domain.Plan{}, fmt.Errorf("deregister schedule: %w", err)
	}
	plan.Deactivate(time.Now())
	return s.plans.UpdatePlan(ctx, plan)
}

// Delete removes a plan and its scheduler rule.
func (s *Service) Delete(ctx context.Context, id string) error {
	plan, err := s.plans.GetPlan(ctx, id)
	if err != nil {
		return err
	}
	if err := s.worker.DeregisterOperation(ctx, plan.RuleID()); err != nil {
		return fmt.Errorf("deregister schedule: %w", err)
	}
	if err := s.plans.DeletePlan(ctx, id); err != nil {
		return err
	}
	s.log.WithField("plan_id", id).Info("savings plan deleted")
	return nil
}

func (s *Service) setGoalOnChain(ctx context.Context, account, owner string, plan domain.Plan) error {
	data, err := vaultABI.Pack("setSavingsGoal", chain.EtherToWei(plan.Progress.TotalExpected), goalID(plan.ID))
	if err != nil {
		return err
	}
	_, err = s.executor.Send(ctx, transfer.SendRequest{
		Account:          common.HexToAddress(account),
		Owner:            common.HexToAddress(owner),
		Target:           common.HexToAddress(s.cfg.Vault),
		Value:            new(big.Int),
		Data:             data,
		SkipBalanceCheck: true,
		Kind:             "saving_goal",
	})
	if err != nil {
		return fmt.Errorf("set savings goal: %w", err)
	}
	return nil
}

func (s *Service) deregisterQuietly(ctx context.Context, ruleID string) {
	if err := s.worker.DeregisterOperation(ctx, ruleID); err != nil {
		s.log.WithError(err).WithField("rule_id", ruleID).Warn("orphaned scheduler rule")
	}
}
