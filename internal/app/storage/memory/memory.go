// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and local development.
package memory

import (
	"context"
	"fmt"
	"time"

	"sync"

	"github.com/google/uuid"

	"github.com/oakvault/wallet-engine/internal/app/apperr"
	"github.com/oakvault/wallet-engine/internal/app/domain/delegation"
	"github.com/oakvault/wallet-engine/internal/app/domain/notification"
	"github.com/oakvault/wallet-engine/internal/app/domain/savings"
	"github.com/oakvault/wallet-engine/internal/app/domain/transaction"
	"github.com/oakvault/wallet-engine/internal/app/domain/wallet"
	"github.com/oakvault/wallet-engine/internal/app/storage"
)

// Store is the in-memory backend for every store interface.
type Store struct {
	mu            sync.RWMutex
	wallets       map[string]wallet.Account
	walletsByUser map[string]string
	plans         map[string]savings.Plan
	executions    map[string]savings.Execution
	delegations   map[string]delegation.Delegation
	transactions  map[string]transaction.Record
	notifications map[string][]notification.Record
}

var _ storage.WalletStore = (*Store)(nil)
var _ storage.PlanStore = (*Store)(nil)
var _ storage.ExecutionStore = (*Store)(nil)
var _ storage.DelegationStore = (*Store)(nil)
var _ storage.TransactionStore = (*Store)(nil)
var _ storage.NotificationStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		wallets:       make(map[string]wallet.Account),
		walletsByUser: make(map[string]string),
		plans:         make(map[string]savings.Plan),
		executions:    make(map[string]savings.Execution),
		delegations:   make(map[string]delegation.Delegation),
		transactions:  make(map[string]transaction.Record),
		notifications: make(map[string][]notification.Record),
	}
}

// WalletStore implementation --------------------------------------------------

func (s *Store) CreateWallet(_ context.Context, acct wallet.Account) (wallet.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct.ID == "" {
		acct.ID = uuid.NewString()
	} else if _, exists := s.wallets[acct.ID]; exists {
		return wallet.Account{}, fmt.Errorf("wallet %s already exists", acct.ID)
	}
	if _, exists := s.walletsByUser[acct.UserID]; exists {
		return wallet.Account{}, fmt.Errorf("user %s already has a wallet", acct.UserID)
	}

	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now

	s.wallets[acct.ID] = acct
	s.walletsByUser[acct.UserID] = acct.ID
	return acct, nil
}

func (s *Store) UpdateWallet(_ context.Context, acct wallet.Account) (wallet.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.wallets[acct.ID]
	if !ok {
		return wallet.Account{}, apperr.NotFoundf("wallet %s", acct.ID)
	}
	acct.CreatedAt = original.CreatedAt
	acct.UpdatedAt = time.Now().UTC()
	s.wallets[acct.ID] = acct
	return acct, nil
}

func (s *Store) GetWallet(_ context.Context, id string) (wallet.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.wallets[id]
	if !ok {
		return wallet.Account{}, apperr.NotFoundf("wallet %s", id)
	}
	return acct, nil
}

func (s *Store) GetWalletByUser(_ context.Context, userID string) (wallet.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.walletsByUser[userID]
	if !ok {
		return wallet.Account{}, apperr.NotFoundf("wallet for user %s", userID)
	}
	return s.wallets[id], nil
}

// PlanStore implementation ----------------------------------------------------

func (s *Store) CreatePlan(_ context.Context, plan savings.Plan) (savings.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if plan.ID == "" {
		plan.ID = uuid.NewString()
	} else if _, exists := s.plans[plan.ID]; exists {
		return savings.Plan{}, fmt.Errorf("plan %s already exists", plan.ID)
	}

	s.plans[plan.ID] = clonePlan(plan)
	return plan, nil
}

func (s *Store) UpdatePlan(_ context.Context, plan savings.Plan) (savings.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.plans[plan.ID]; !ok {
		return savings.Plan{}, apperr.NotFoundf("plan %s", plan.ID)
	}
	s.plans[plan.ID] = clonePlan(plan)
	return plan, nil
}

func (s *Store) GetPlan(_ context.Context, id string) (savings.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plan, ok := s.plans[id]
	if !ok {
		return savings.Plan{}, apperr.NotFoundf("plan %s", id)
	}
	return clonePlan(plan), nil
}

func (s *Store) ListPlansByUser(_ context.Context, userID string) ([]savings.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]savings.Plan, 0)
	for _, plan := range s.plans {
		if plan.UserID == userID {
			result = append(result, clonePlan(plan))
		}
	}
	return result, nil
}

func (s *Store) ListActivePlansByUser(_ context.Context, userID string) ([]savings.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]savings.Plan, 0)
	for _, plan := range s.plans {
		if plan.UserID == userID && plan.IsActive {
			result = append(result, clonePlan(plan))
		}
	}
	return result, nil
}

func (s *Store) DeletePlan(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.plans[id]; !ok {
		return apperr.NotFoundf("plan %s", id)
	}
	delete(s.plans, id)
	return nil
}

// ExecutionStore implementation -----------------------------------------------

func (s *Store) CreateExecution(_ context.Context, exec savings.Execution) (savings.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exec.ID == "" {
		exec.ID = "se_" + uuid.NewString()
	} else if _, exists := s.executions[exec.ID]; exists {
		return savings.Execution{}, fmt.Errorf("execution %s already exists", exec.ID)
	}
	if exec.Status == savings.ExecutionPending {
		for _, other := range s.executions {
			if other.PlanID == exec.PlanID && other.Status == savings.ExecutionPending {
				return savings.Execution{}, fmt.Errorf("plan %s already has pending execution %s", exec.PlanID, other.ID)
			}
		}
	}

	s.executions[exec.ID] = cloneExecution(exec)
	return exec, nil
}

func (s *Store) UpdateExecution(_ context.Context, exec savings.Execution) (savings.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[exec.ID]; !ok {
		return savings.Execution{}, apperr.NotFoundf("execution %s", exec.ID)
	}
	s.executions[exec.ID] = cloneExecution(exec)
	return exec, nil
}

func (s *Store) GetExecution(_ context.Context, id string) (savings.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return savings.Execution{}, apperr.NotFoundf("execution %s", id)
	}
	return cloneExecution(exec), nil
}

func (s *Store) GetExecutionByPlanAndDate(_ context.Context, planID string, scheduledDate time.Time) (savings.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, exec := range s.executions {
		if exec.PlanID == planID && exec.ScheduledDate.Equal(scheduledDate.UTC()) {
			return cloneExecution(exec), nil
		}
	}
	return savings.Execution{}, apperr.NotFoundf("execution for plan %s at %s", planID, scheduledDate.UTC().Format(time.RFC3339))
}

func (s *Store) ListExecutionsByPlan(_ context.Context, planID string) ([]savings.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]savings.Execution, 0)
	for _, exec := range s.executions {
		if exec.PlanID == planID {
			result = append(result, cloneExecution(exec))
		}
	}
	return result, nil
}

func (s *Store) ListExecutionsByStatus(_ context.Context, status savings.ExecutionStatus) ([]savings.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]savings.Execution, 0)
	for _, exec := range s.executions {
		if exec.Status == status {
			result = append(result, cloneExecution(exec))
		}
	}
	return result, nil
}

func (s *Store) SaveExecutionResult(_ context.Context, plan savings.Plan, exec savings.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.plans[plan.ID]; !ok {
		return apperr.NotFoundf("plan %s", plan.ID)
	}
	if _, ok := s.executions[exec.ID]; !ok {
		return apperr.NotFoundf("execution %s", exec.ID)
	}
	s.plans[plan.ID] = clonePlan(plan)
	s.executions[exec.ID] = cloneExecution(exec)
	return nil
}

// DelegationStore implementation ----------------------------------------------

func (s *Store) CreateDelegation(_ context.Context, del delegation.Delegation) (delegation.Delegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if del.ID == "" {
		del.ID = "del_" + uuid.NewString()
	} else if _, exists := s.delegations[del.ID]; exists {
		return delegation.Delegation{}, fmt.Errorf("delegation %s already exists", del.ID)
	}
	s.delegations[del.ID] = cloneDelegation(del)
	return del, nil
}

func (s *Store) UpdateDelegation(_ context.Context, del delegation.Delegation) (delegation.Delegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.delegations[del.ID]; !ok {
		return delegation.Delegation{}, apperr.NotFoundf("delegation %s", del.ID)
	}
	s.delegations[del.ID] = cloneDelegation(del)
	return del, nil
}

func (s *Store) GetDelegation(_ context.Context, id string) (delegation.Delegation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	del, ok := s.delegations[id]
	if !ok {
		return delegation.Delegation{}, apperr.NotFoundf("delegation %s", id)
	}
	return cloneDelegation(del), nil
}

func (s *Store) ListDelegationsByUser(_ context.Context, userID string) ([]delegation.Delegation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]delegation.Delegation, 0)
	for _, del := range s.delegations {
		if del.UserID == userID {
			result = append(result, cloneDelegation(del))
		}
	}
	return result, nil
}

// TransactionStore implementation ---------------------------------------------

func (s *Store) CreateTransaction(_ context.Context, rec transaction.Record) (transaction.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	} else if _, exists := s.transactions[rec.ID]; exists {
		return transaction.Record{}, fmt.Errorf("transaction %s already exists", rec.ID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.transactions[rec.ID] = rec
	return rec, nil
}

func (s *Store) ListTransactionsByUser(_ context.Context, userID string) ([]transaction.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]transaction.Record, 0)
	for _, rec := range s.transactions {
		if rec.UserID == userID {
			result = append(result, rec)
		}
	}
	return result, nil
}

// NotificationStore implementation --------------------------------------------

func (s *Store) CreateNotification(_ context.Context, rec notification.Record) (notification.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.notifications[rec.UserID] = append(s.notifications[rec.UserID], rec)
	return rec, nil
}

func (s *Store) ListNotificationsByUser(_ context.Context, userID string) ([]notification.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]notification.Record, len(s.notifications[userID]))
	copy(result, s.notifications[userID])
	return result, nil
}

// Clone helpers ---------------------------------------------------------------

func clonePlan(p savings.Plan) savings.Plan {
	if p.Progress.LastSavedAt != nil {
		at := *p.Progress.LastSavedAt
		p.Progress.LastSavedAt = &at
	}
	return p
}

func cloneExecution(e savings.Execution) savings.Execution {
	if e.ExecutedAt != nil {
		at := *e.ExecutedAt
		e.ExecutedAt = &at
	}
	if e.Metadata != nil {
		meta := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			meta[k] = v
		}
		e.Metadata = meta
	}
	return e
}

func cloneDelegation(d delegation.Delegation) delegation.Delegation {
	if d.Signed != nil {
		signed := *d.Signed
		signed.Caveats = append([]delegation.Caveat(nil), d.Signed.Caveats...)
		d.Signed = &signed
	}
	return d
}
