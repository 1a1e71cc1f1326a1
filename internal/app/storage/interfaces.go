package storage

import (
	"context"
	"time"

	"github.com/oakvault/wallet-engine/internal/app/domain/delegation"
	"github.com/oakvault/wallet-engine/internal/app/domain/notification"
	"github.com/oakvault/wallet-engine/internal/app/domain/savings"
	"github.com/oakvault/wallet-engine/internal/app/domain/transaction"
	"github.com/oakvault/wallet-engine/internal/app/domain/wallet"
)

// WalletStore persists smart-account records.
type WalletStore interface {
	CreateWallet(ctx context.Context, acct wallet.Account) (wallet.Account, error)
	UpdateWallet(ctx context.Context, acct wallet.Account) (wallet.Account, error)
	GetWallet(ctx context.Context, id string) (wallet.Account, error)
	GetWalletByUser(ctx context.Context, userID string) (wallet.Account, error)
}

// PlanStore persists recurring savings plans.
type PlanStore interface {
	CreatePlan(ctx context.Context, plan savings.Plan) (savings.Plan, error)
	UpdatePlan(ctx context.Context, plan savings.Plan) (savings.Plan, error)
	GetPlan(ctx context.Context, id string) (savings.Plan, error)
	ListPlansByUser(ctx context.Context, userID string) ([]savings.Plan, error)
	ListActivePlansByUser(ctx context.Context, userID string) ([]savings.Plan, error)
	DeletePlan(ctx context.Context, id string) error
}

// ExecutionStore persists scheduled plan runs. Executions are looked up by
// (planID, scheduledDate) for idempotent webhook handling and by status
// for the retry sweeper. CreateExecution rejects a second in-flight
// pending execution for the same plan.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec savings.Execution) (savings.Execution, error)
	UpdateExecution(ctx context.Context, exec savings.Execution) (savings.Execution, error)
	GetExecution(ctx context.Context, id string) (savings.Execution, error)
	GetExecutionByPlanAndDate(ctx context.Context, planID string, scheduledDate time.Time) (savings.Execution, error)
	ListExecutionsByPlan(ctx context.Context, planID string) ([]savings.Execution, error)
	ListExecutionsByStatus(ctx context.Context, status savings.ExecutionStatus) ([]savings.Execution, error)

	// SaveExecutionResult persists a plan and one of its executions
	// together so a run outcome is never half-recorded.
	SaveExecutionResult(ctx context.Context, plan savings.Plan, exec savings.Execution) error
}

// DelegationStore persists spending grants.
type DelegationStore interface {
	CreateDelegation(ctx context.Context, del delegation.Delegation) (delegation.Delegation, error)
	UpdateDelegation(ctx context.Context, del delegation.Delegation) (delegation.Delegation, error)
	GetDelegation(ctx context.Context, id string) (delegation.Delegation, error)
	ListDelegationsByUser(ctx context.Context, userID string) ([]delegation.Delegation, error)
}

// TransactionStore persists settled transfer records.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, rec transaction.Record) (transaction.Record, error)
	ListTransactionsByUser(ctx context.Context, userID string) ([]transaction.Record, error)
}

// NotificationStore persists in-app notification records.
type NotificationStore interface {
	CreateNotification(ctx context.Context, rec notification.Record) (notification.Record, error)
	ListNotificationsByUser(ctx context.Context, userID string) ([]notification.Record, error)
}
