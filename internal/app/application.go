// Package app wires the engine together: stores, chain clients, services,
// the event bus and the HTTP surface, with one lifecycle for the whole
// assembly.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/oakvault/wallet-engine/internal/app/eventbus"
	"github.com/oakvault/wallet-engine/internal/app/httpapi"
	"github.com/oakvault/wallet-engine/internal/app/notify"
	delegationsvc "github.com/oakvault/wallet-engine/internal/app/services/delegation"
	"github.com/oakvault/wallet-engine/internal/app/services/savings"
	"github.com/oakvault/wallet-engine/internal/app/services/transfer"
	"github.com/oakvault/wallet-engine/internal/app/storage"
	"github.com/oakvault/wallet-engine/internal/app/storage/memory"
	"github.com/oakvault/wallet-engine/internal/app/storage/postgres"
	"github.com/oakvault/wallet-engine/internal/app/system"
	"github.com/oakvault/wallet-engine/internal/chain"
	"github.com/oakvault/wallet-engine/internal/config"
	"github.com/oakvault/wallet-engine/internal/worker"
	"github.com/oakvault/wallet-engine/pkg/logger"
)

// Stores groups the persistence dependencies. A zero value selects the
// in-memory backend.
type Stores struct {
	Wallets       storage.WalletStore
	Plans         storage.PlanStore
	Executions    storage.ExecutionStore
	Delegations   storage.DelegationStore
	Transactions  storage.TransactionStore
	Notifications storage.NotificationStore
}

// MemoryStores backs every store with one shared in-memory instance.
func MemoryStores() Stores {
	store := memory.New()
	return Stores{
		Wallets:       store,
		Plans:         store,
		Executions:    store,
		Delegations:   store,
		Transactions:  store,
		Notifications: store,
	}
}

// PostgresStores backs every store with the given database connection and
// ensures the schema exists.
func PostgresStores(ctx context.Context, db *sql.DB) (Stores, error) {
	store := postgres.New(db)
	if err := store.EnsureSchema(ctx); err != nil {
		return Stores{}, fmt.Errorf("ensure schema: %w", err)
	}
	return Stores{
		Wallets:       store,
		Plans:         store,
		Executions:    store,
		Delegations:   store,
		Transactions:  store,
		Notifications: store,
	}, nil
}

func (s *Stores) complete() bool {
	return s.Wallets != nil && s.Plans != nil && s.Executions != nil &&
		s.Delegations != nil && s.Transactions != nil && s.Notifications != nil
}

// Application is the assembled engine.
type Application struct {
	cfg      *config.Config
	log      *logger.Logger
	manager  *system.Manager
	bus      *eventbus.Bus
	notifier *notify.Notifier
	handler  http.Handler
}

// New assembles the engine from configuration and stores.
func New(cfg *config.Config, stores Stores, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("wallet-engine")
	}
	if !stores.complete() {
		stores = MemoryStores()
	}

	client, err := chain.NewClient(chain.Config{
		RPCURL:              cfg.Chain.RPCURL,
		BundlerURL:          cfg.Chain.BundlerURL,
		PaymasterURL:        cfg.Chain.PaymasterURL,
		EntryPoint:          cfg.Chain.EntryPoint,
		Timeout:             cfg.Chain.RequestTimeout,
		SubmitRatePerSec:    cfg.Chain.SubmitRatePerSec,
		ReceiptPollAttempts: cfg.Chain.ReceiptPollAttempts,
		ReceiptPollInterval: cfg.Chain.ReceiptPollInterval,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("chain client: %w", err)
	}
	oracle := chain.NewGasPriceOracle(client, cfg.Chain.GasFeeTimeout, log)
	gateway := chain.NewSmartAccountGateway(client, oracle, cfg.Chain.AccountFactory, log)

	workerClient, err := worker.NewClient(worker.Config{
		BaseURL:  cfg.Worker.BaseURL,
		APIKey:   cfg.Worker.APIKey,
		Timezone: cfg.Worker.Timezone,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("worker client: %w", err)
	}

	bus := eventbus.New(log)
	executor := transfer.NewExecutor(client, gateway, oracle, log)
	redeemer := delegationsvc.NewRedeemer(cfg.Chain.DelegationManager)

	var risk *transfer.RiskPolicy
	if cfg.Risk.Enabled {
		scorer := transfer.NewHTTPScorer(cfg.Risk.URL, 0)
		risk = transfer.NewRiskPolicy(scorer, true, cfg.Risk.FailOpen, log)
	}

	transferSvc := transfer.NewService(executor, client, redeemer, risk,
		stores.Wallets, stores.Delegations, stores.Transactions, bus, log)
	delegationSvc := delegationsvc.NewService(stores.Delegations, stores.Wallets, log)
	planSvc := savings.NewService(savings.Config{
		TriggerHour:    cfg.Savings.TriggerHour,
		TriggerMinute:  cfg.Savings.TriggerMinute,
		MaxActivePlans: cfg.Savings.MaxActivePlans,
		PublicURL:      cfg.Server.PublicURL,
		WebhookAPIKey:  cfg.Server.APIKey,
		WebhookTimeout: cfg.Worker.WebhookTimeout,
		Vault:          cfg.Chain.SavingsVault,
	}, stores.Plans, stores.Wallets, workerClient, executor, log)
	orchestrator := savings.NewOrchestrator(cfg.Chain.SavingsVault,
		cfg.Savings.MaxRetries,
		stores.Plans, stores.Executions, stores.Wallets, stores.Transactions,
		executor, bus, log)
	sweeper := savings.NewSweeper(savings.SweeperConfig{
		Interval:         cfg.Savings.SweepInterval,
		RetryBackoffBase: cfg.Savings.RetryBackoffBase,
	}, stores.Executions, orchestrator, log)

	notifier := notify.New(stores.Notifications, log)
	notifier.Register(bus)

	handler := httpapi.New(cfg.Server.APIKey, transferSvc, planSvc, delegationSvc,
		orchestrator, gateway, stores.Wallets, stores.Notifications, log)

	manager := system.NewManager()
	if err := manager.Register(bus); err != nil {
		return nil, err
	}
	if err := manager.Register(sweeper); err != nil {
		return nil, err
	}

	return &Application{
		cfg:      cfg,
		log:      log,
		manager:  manager,
		bus:      bus,
		notifier: notifier,
		handler:  handler.Routes(),
	}, nil
}

// Handler returns the root HTTP handler.
func (a *Application) Handler() http.Handler { return a.handler }

// Start starts the background services.
func (a *Application) Start(ctx context.Context) error {
	if err := a.manager.Start(ctx); err != nil {
		return err
	}
	a.log.Info("wallet engine started")
	return nil
}

// Stop stops the background services in reverse order.
func (a *Application) Stop(ctx context.Context) error {
	a.notifier.Unregister()
	if err := a.manager.Stop(ctx); err != nil {
		return err
	}
	a.log.Info("wallet engine stopped")
	return nil
}
