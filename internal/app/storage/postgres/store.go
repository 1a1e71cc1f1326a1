// Package postgres implements the storage interfaces backed by PostgreSQL
// via database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/oakvault/wallet-engine/internal/app/apperr"
	"github.com/oakvault/wallet-engine/internal/app/domain/delegation"
	"github.com/oakvault/wallet-engine/internal/app/domain/notification"
	"github.com/oakvault/wallet-engine/internal/app/domain/savings"
	"github.com/oakvault/wallet-engine/internal/app/domain/transaction"
	"github.com/oakvault/wallet-engine/internal/app/domain/wallet"
	"github.com/oakvault/wallet-engine/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.WalletStore = (*Store)(nil)
var _ storage.PlanStore = (*Store)(nil)
var _ storage.ExecutionStore = (*Store)(nil)
var _ storage.DelegationStore = (*Store)(nil)
var _ storage.TransactionStore = (*Store)(nil)
var _ storage.NotificationStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// schema is applied by EnsureSchema. The partial unique index on
// savings_executions backs the one-pending-execution-per-plan rule at the
// database level; CreateExecution still checks it so the error is
// readable.
const schema = `
CREATE TABLE IF NOT EXISTS wallet_accounts (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL UNIQUE,
	owner_key      TEXT NOT NULL,
	owner_address  TEXT NOT NULL,
	address        TEXT NOT NULL,
	implementation TEXT NOT NULL,
	deployed       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS savings_plans (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	frequency    TEXT NOT NULL,
	day_of_month INTEGER NOT NULL,
	amount       DOUBLE PRECISION NOT NULL,
	token        TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	is_active    BOOLEAN NOT NULL,
	progress     JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_savings_plans_user ON savings_plans (user_id);

CREATE TABLE IF NOT EXISTS savings_executions (
	id             TEXT PRIMARY KEY,
	plan_id        TEXT NOT NULL REFERENCES savings_plans (id) ON DELETE CASCADE,
	scheduled_date TIMESTAMPTZ NOT NULL,
	executed_at    TIMESTAMPTZ,
	status         TEXT NOT NULL,
	amount         DOUBLE PRECISION NOT NULL,
	tx_hash        TEXT NOT NULL DEFAULT '',
	error_message  TEXT NOT NULL DEFAULT '',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL,
	metadata       JSONB
);
CREATE INDEX IF NOT EXISTS idx_savings_executions_plan_date ON savings_executions (plan_id, scheduled_date);
CREATE INDEX IF NOT EXISTS idx_savings_executions_status ON savings_executions (status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_savings_executions_one_pending
	ON savings_executions (plan_id) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS delegations (
	id             TEXT PRIMARY KEY,
	kind           TEXT NOT NULL,
	name           TEXT NOT NULL,
	user_id        TEXT NOT NULL,
	amount_limit   DOUBLE PRECISION NOT NULL,
	wallet_address TEXT NOT NULL,
	frequency      TEXT NOT NULL,
	start_date     TIMESTAMPTZ NOT NULL,
	signed_payload JSONB,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_delegations_user ON delegations (user_id);

CREATE TABLE IF NOT EXISTS wallet_transactions (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	kind          TEXT NOT NULL,
	from_address  TEXT NOT NULL,
	to_address    TEXT NOT NULL,
	amount        DOUBLE PRECISION NOT NULL,
	token         TEXT NOT NULL,
	tx_hash       TEXT NOT NULL DEFAULT '',
	user_op_hash  TEXT NOT NULL DEFAULT '',
	delegation_id TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_wallet_transactions_user ON wallet_transactions (user_id);

CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	title      TEXT NOT NULL,
	body       TEXT NOT NULL,
	event_name TEXT NOT NULL,
	event_id   TEXT NOT NULL,
	read       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications (user_id);
`

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// --- WalletStore ------------------------------------------------------------

func (s *Store) CreateWallet(ctx context.Context, acct wallet.Account) (wallet.Account, error) {
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallet_accounts (id, user_id, owner_key, owner_address, address, implementation, deployed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, acct.ID, acct.UserID, acct.OwnerKey, acct.OwnerAddress, acct.Address, acct.Implementation, acct.Deployed, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		return wallet.Account{}, err
	}
	return acct, nil
}

func (s *Store) UpdateWallet(ctx context.Context, acct wallet.Account) (wallet.Account, error) {
	existing, err := s.GetWallet(ctx, acct.ID)
	if err != nil {
		return wallet.Account{}, err
	}
	acct.CreatedAt = existing.CreatedAt
	acct.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE wallet_accounts
		SET owner_key = $2, owner_address = $3, address = $4, implementation = $5, deployed = $6, updated_at = $7
		WHERE id = $1
	`, acct.ID, acct.OwnerKey, acct.OwnerAddress, acct.Address, acct.Implementation, acct.Deployed, acct.UpdatedAt)
	if err != nil {
		return wallet.Account{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return wallet.Account{}, apperr.NotFoundf("wallet %s", acct.ID)
	}
	return acct, nil
}

func (s *Store) GetWallet(ctx context.Context, id string) (wallet.Account, error) {
	return s.scanWallet(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, owner_key, owner_address, address, implementation, deployed, created_at, updated_at
		FROM wallet_accounts
		WHERE id = $1
	`, id), "wallet "+id)
}

func (s *Store) GetWalletByUser(ctx context.Context, userID string) (wallet.Account, error) {
	return s.scanWallet(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, owner_key, owner_address, address, implementation, deployed, created_at, updated_at
		FROM wallet_accounts
		WHERE user_id = $1
	`, userID), "wallet for user "+userID)
}

func (s *Store) scanWallet(row *sql.Row, what string) (wallet.Account, error) {
	var acct wallet.Account
	err := row.Scan(&acct.ID, &acct.UserID, &acct.OwnerKey, &acct.OwnerAddress, &acct.Address, &acct.Implementation, &acct.Deployed, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return wallet.Account{}, apperr.NotFoundf("%s", what)
	}
	if err != nil {
		return wallet.Account{}, err
	}
	return acct, nil
}

// --- PlanStore --------------------------------------------------------------

func (s *Store) CreatePlan(ctx context.Context, plan savings.Plan) (savings.Plan, error) {
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}

	progressJSON, err := json.Marshal(plan.Progress)
	if err != nil {
		return savings.Plan{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO savings_plans (id, name, frequency, day_of_month, amount, token, user_id, is_active, progress, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, plan.ID, plan.Name, plan.Frequency, plan.DayOfMonth, plan.AmountToSave, plan.TokenToSave, plan.UserID, plan.IsActive, progressJSON, plan.CreatedAt, plan.UpdatedAt)
	if err != nil {
		return savings.Plan{}, err
	}
	return plan, nil
}

func (s *Store) UpdatePlan(ctx context.Context, plan savings.Plan) (savings.Plan, error) {
	progressJSON, err := json.Marshal(plan.Progress)
	if err != nil {
		return savings.Plan{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE savings_plans
		SET name = $2, frequency = $3, day_of_month = $4, amount = $5, token = $6, is_active = $7, progress = $8, updated_at = $9
		WHERE id = $1
	`, plan.ID, plan.Name, plan.Frequency, plan.DayOfMonth, plan.AmountToSave, plan.TokenToSave, plan.IsActive, progressJSON, plan.UpdatedAt)
	if err != nil {
		return savings.Plan{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return savings.Plan{}, apperr.NotFoundf("plan %s", plan.ID)
	}
	return plan, nil
}

func (s *Store) GetPlan(ctx context.Context, id string) (savings.Plan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, frequency, day_of_month, amount, token, user_id, is_active, progress, created_at, updated_at
		FROM savings_plans
		WHERE id = $1
	`, id)

	plan, err := scanPlan(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return savings.Plan{}, apperr.NotFoundf("plan %s", id)
	}
	return plan, err
}

func (s *Store) ListPlansByUser(ctx context.Context, userID string) ([]savings.Plan, error) {
	return s.listPlans(ctx, `
		SELECT id, name, frequency, day_of_month, amount, token, user_id, is_active, progress, created_at, updated_at
		FROM savings_plans
		WHERE user_id = $1
		ORDER BY created_at
	`, userID)
}

func (s *Store) ListActivePlansByUser(ctx context.Context, userID string) ([]savings.Plan, error) {
	return s.listPlans(ctx, `
		SELECT id, name, frequency, day_of_month, amount, token, user_id, is_active, progress, created_at, updated_at
		FROM savings_plans
		WHERE user_id = $1 AND is_active
		ORDER BY created_at
	`, userID)
}

func (s *Store) listPlans(ctx context.Context, query string, args ...any) ([]savings.Plan, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]savings.Plan, 0)
	for rows.Next() {
		plan, err := scanPlan(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, plan)
	}
	return result, rows.Err()
}

func scanPlan(scan func(...any) error) (savings.Plan, error) {
	var (
		plan        savings.Plan
		progressRaw []byte
	)
	if err := scan(&plan.ID, &plan.Name, &plan.Frequency, &plan.DayOfMonth, &plan.AmountToSave, &plan.TokenToSave, &plan.UserID, &plan.IsActive, &progressRaw, &plan.CreatedAt, &plan.UpdatedAt); err != nil {
		return savings.Plan{}, err
	}
	if len(progressRaw) > 0 {
		if err := json.Unmarshal(progressRaw, &plan.Progress); err != nil {
			return savings.Plan{}, err
		}
	}
	return plan, nil
}

func (s *Store) DeletePlan(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM savings_plans WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperr.NotFoundf("plan %s", id)
	}
	return nil
}

// --- ExecutionStore ---------------------------------------------------------

func (s *Store) CreateExecution(ctx context.Context, exec savings.Execution) (savings.Execution, error) {
	if exec.ID == "" {
		exec.ID = "se_" + uuid.NewString()
	}

	if exec.Status == savings.ExecutionPending {
		var pendingID string
		err := s.db.QueryRowContext(ctx, `
			SELECT id FROM savings_executions WHERE plan_id = $1 AND status = 'pending'
		`, exec.PlanID).Scan(&pendingID)
		if err == nil {
			return savings.Execution{}, errors.New("plan " + exec.PlanID + " already has pending execution " + pendingID)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return savings.Execution{}, err
		}
	}

	metadataJSON, err := json.Marshal(exec.Metadata)
	if err != nil {
		return savings.Execution{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO savings_executions (id, plan_id, scheduled_date, executed_at, status, amount, tx_hash, error_message, retry_count, max_retries, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, exec.ID, exec.PlanID, exec.ScheduledDate, toNullTime(exec.ExecutedAt), exec.Status, exec.Amount, exec.TxHash, exec.ErrorMessage, exec.RetryCount, exec.MaxRetries, metadataJSON)
	if err != nil {
		return savings.Execution{}, err
	}
	return exec, nil
}

func (s *Store) UpdateExecution(ctx context.Context, exec savings.Execution) (savings.Execution, error) {
	metadataJSON, err := json.Marshal(exec.Metadata)
	if err != nil {
		return savings.Execution{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE savings_executions
		SET scheduled_date = $2, executed_at = $3, status = $4, amount = $5, tx_hash = $6, error_message = $7, retry_count = $8, metadata = $9
		WHERE id = $1
	`, exec.ID, exec.ScheduledDate, toNullTime(exec.ExecutedAt), exec.Status, exec.Amount, exec.TxHash, exec.ErrorMessage, exec.RetryCount, metadataJSON)
	if err != nil {
		return savings.Execution{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return savings.Execution{}, apperr.NotFoundf("execution %s", exec.ID)
	}
	return exec, nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (savings.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, plan_id, scheduled_date, executed_at, status, amount, tx_hash, error_message, retry_count, max_retries, metadata
		FROM savings_executions
		WHERE id = $1
	`, id)

	exec, err := scanExecution(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return savings.Execution{}, apperr.NotFoundf("execution %s", id)
	}
	return exec, err
}

func (s *Store) GetExecutionByPlanAndDate(ctx context.Context, planID string, scheduledDate time.Time) (savings.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, plan_id, scheduled_date, executed_at, status, amount, tx_hash, error_message, retry_count, max_retries, metadata
		FROM savings_executions
		WHERE plan_id = $1 AND scheduled_date = $2
	`, planID, scheduledDate.UTC())

	exec, err := scanExecution(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return savings.Execution{}, apperr.NotFoundf("execution for plan %s at %s", planID, scheduledDate.UTC().Format(time.RFC3339))
	}
	return exec, err
}

func (s *Store) ListExecutionsByPlan(ctx context.Context, planID string) ([]savings.Execution, error) {
	return s.listExecutions(ctx, `
		SELECT id, plan_id, scheduled_date, executed_at, status, amount, tx_hash, error_message, retry_count, max_retries, metadata
		FROM savings_executions
		WHERE plan_id = $1
		ORDER BY scheduled_date
	`, planID)
}

func (s *Store) ListExecutionsByStatus(ctx context.Context, status savings.ExecutionStatus) ([]savings.Execution, error) {
	return s.listExecutions(ctx, `
		SELECT id, plan_id, scheduled_date, executed_at, status, amount, tx_hash, error_message, retry_count, max_retries, metadata
		FROM savings_executions
		WHERE status = $1
		ORDER BY scheduled_date
	`, string(status))
}

func (s *Store) listExecutions(ctx context.Context, query string, args ...any) ([]savings.Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]savings.Execution, 0)
	for rows.Next() {
		exec, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, exec)
	}
	return result, rows.Err()
}

func scanExecution(scan func(...any) error) (savings.Execution, error) {
	var (
		exec        savings.Execution
		executedAt  sql.NullTime
		metadataRaw []byte
	)
	if err := scan(&exec.ID, &exec.PlanID, &exec.ScheduledDate, &executedAt, &exec.Status, &exec.Amount, &exec.TxHash, &exec.ErrorMessage, &exec.RetryCount, &exec.MaxRetries, &metadataRaw); err != nil {
		return savings.Execution{}, err
	}
	if executedAt.Valid {
		at := executedAt.Time.UTC()
		exec.ExecutedAt = &at
	}
	if len(metadataRaw) > 0 {
		_ = json.Unmarshal(metadataRaw, &exec.Metadata)
	}
	exec.ScheduledDate = exec.ScheduledDate.UTC()
	return exec, nil
}

// SaveExecutionResult writes the plan and its execution in one transaction
// so a run outcome is never half-recorded.
func (s *Store) SaveExecutionResult(ctx context.Context, plan savings.Plan, exec savings.Execution) error {
	progressJSON, err := json.Marshal(plan.Progress)
	if err != nil {
		return err
	}
	metadataJSON, err := json.Marshal(exec.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE savings_plans
		SET is_active = $2, progress = $3, updated_at = $4
		WHERE id = $1
	`, plan.ID, plan.IsActive, progressJSON, plan.UpdatedAt)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperr.NotFoundf("plan %s", plan.ID)
	}

	result, err = tx.ExecContext(ctx, `
		UPDATE savings_executions
		SET scheduled_date = $2, executed_at = $3, status = $4, tx_hash = $5, error_message = $6, retry_count = $7, metadata = $8
		WHERE id = $1
	`, exec.ID, exec.ScheduledDate, toNullTime(exec.ExecutedAt), exec.Status, exec.TxHash, exec.ErrorMessage, exec.RetryCount, metadataJSON)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperr.NotFoundf("execution %s", exec.ID)
	}

	return tx.Commit()
}

// --- DelegationStore --------------------------------------------------------

func (s *Store) CreateDelegation(ctx context.Context, del delegation.Delegation) (delegation.Delegation, error) {
	if del.ID == "" {
		del.ID = "del_" + uuid.NewString()
	}

	signedJSON, err := marshalSigned(del.Signed)
	if err != nil {
		return delegation.Delegation{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO delegations (id, kind, name, user_id, amount_limit, wallet_address, frequency, start_date, signed_payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, del.ID, del.Kind, del.Name, del.UserID, del.AmountLimit, del.WalletAddress, del.Frequency, del.StartDate, signedJSON, del.CreatedAt, del.UpdatedAt)
	if err != nil {
		return delegation.Delegation{}, err
	}
	return del, nil
}

func (s *Store) UpdateDelegation(ctx context.Context, del delegation.Delegation) (delegation.Delegation, error) {
	signedJSON, err := marshalSigned(del.Signed)
	if err != nil {
		return delegation.Delegation{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE delegations
		SET name = $2, amount_limit = $3, wallet_address = $4, frequency = $5, start_date = $6, signed_payload = $7, updated_at = $8
		WHERE id = $1
	`, del.ID, del.Name, del.AmountLimit, del.WalletAddress, del.Frequency, del.StartDate, signedJSON, del.UpdatedAt)
	if err != nil {
		return delegation.Delegation{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return delegation.Delegation{}, apperr.NotFoundf("delegation %s", del.ID)
	}
	return del, nil
}

func (s *Store) GetDelegation(ctx context.Context, id string) (delegation.Delegation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, name, user_id, amount_limit, wallet_address, frequency, start_date, signed_payload, created_at, updated_at
		FROM delegations
		WHERE id = $1
	`, id)

	del, err := scanDelegation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return delegation.Delegation{}, apperr.NotFoundf("delegation %s", id)
	}
	return del, err
}

func (s *Store) ListDelegationsByUser(ctx context.Context, userID string) ([]delegation.Delegation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, name, user_id, amount_limit, wallet_address, frequency, start_date, signed_payload, created_at, updated_at
		FROM delegations
		WHERE user_id = $1
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]delegation.Delegation, 0)
	for rows.Next() {
		del, err := scanDelegation(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, del)
	}
	return result, rows.Err()
}

func scanDelegation(scan func(...any) error) (delegation.Delegation, error) {
	var (
		del       delegation.Delegation
		signedRaw []byte
	)
	if err := scan(&del.ID, &del.Kind, &del.Name, &del.UserID, &del.AmountLimit, &del.WalletAddress, &del.Frequency, &del.StartDate, &signedRaw, &del.CreatedAt, &del.UpdatedAt); err != nil {
		return delegation.Delegation{}, err
	}
	if len(signedRaw) > 0 {
		var signed delegation.SignedPayload
		if err := json.Unmarshal(signedRaw, &signed); err != nil {
			return delegation.Delegation{}, err
		}
		del.Signed = &signed
	}
	del.StartDate = del.StartDate.UTC()
	return del, nil
}

func marshalSigned(signed *delegation.SignedPayload) ([]byte, error) {
	if signed == nil {
		return nil, nil
	}
	return json.Marshal(signed)
}

// --- TransactionStore -------------------------------------------------------

func (s *Store) CreateTransaction(ctx context.Context, rec transaction.Record) (transaction.Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallet_transactions (id, user_id, kind, from_address, to_address, amount, token, tx_hash, user_op_hash, delegation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rec.ID, rec.UserID, rec.Kind, rec.From, rec.To, rec.Amount, rec.Token, rec.TxHash, rec.UserOpHash, rec.DelegationID, rec.CreatedAt)
	if err != nil {
		return transaction.Record{}, err
	}
	return rec, nil
}

func (s *Store) ListTransactionsByUser(ctx context.Context, userID string) ([]transaction.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, kind, from_address, to_address, amount, token, tx_hash, user_op_hash, delegation_id, created_at
		FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]transaction.Record, 0)
	for rows.Next() {
		var rec transaction.Record
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Kind, &rec.From, &rec.To, &rec.Amount, &rec.Token, &rec.TxHash, &rec.UserOpHash, &rec.DelegationID, &rec.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// --- NotificationStore ------------------------------------------------------

func (s *Store) CreateNotification(ctx context.Context, rec notification.Record) (notification.Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, title, body, event_name, event_id, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.UserID, rec.Title, rec.Body, rec.EventName, rec.EventID, rec.Read, rec.CreatedAt)
	if err != nil {
		return notification.Record{}, err
	}
	return rec, nil
}

func (s *Store) ListNotificationsByUser(ctx context.Context, userID string) ([]notification.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, body, event_name, event_id, read, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]notification.Record, 0)
	for rows.Next() {
		var rec notification.Record
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Title, &rec.Body, &rec.EventName, &rec.EventID, &rec.Read, &rec.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
