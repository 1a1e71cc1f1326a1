// Package transaction holds the persisted transfer record written after a
// sponsored user operation is included.
package transaction

import "time"

// Kind classifies what produced the transaction.
type Kind string

const (
	KindTransfer            Kind = "transfer"
	KindSavingDeposit       Kind = "saving_deposit"
	KindAllowanceWithdrawal Kind = "allowance_withdrawal"
)

// Record is one settled sponsored transfer.
type Record struct {
	ID           string
	UserID       string
	Kind         Kind
	From         string
	To           string
	Amount       float64
	Token        string
	TxHash       string
	UserOpHash   string
	DelegationID string
	CreatedAt    time.Time
}
