// Package transfer implements sponsored execution: assembling, sponsoring
// and submitting user operations for direct and delegated transfers.
package transfer

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/oakvault/wallet-engine/internal/app/apperr"
	"github.com/oakvault/wallet-engine/internal/app/metrics"
	"github.com/oakvault/wallet-engine/internal/chain"
	"github.com/oakvault/wallet-engine/pkg/logger"
)

// chainClient is the slice of the chain client the executor needs.
type chainClient interface {
	GetBalance(ctx context.Context, address string) (*big.Int, error)
	CallContract(ctx context.Context, to string, data []byte) ([]byte, error)
	GetUserOpNonce(ctx context.Context, sender common.Address) (*big.Int, error)
	SponsorUserOperation(ctx context.Context, op chain.UserOperation) (chain.UserOperation, error)
	SubmitUserOperation(ctx context.Context, op chain.UserOperation) (string, error)
	WaitForUserOperationReceipt(ctx context.Context, userOpHash string) (*chain.UserOperationReceipt, error)
}

// accountGateway deploys counterfactual accounts on demand.
type accountGateway interface {
	EnsureDeployed(ctx context.Context, account, owner common.Address) error
}

// feeOracle provides EIP-1559 fee pairs.
type feeOracle interface {
	Fees(ctx context.Context) chain.GasFees
}

// SendRequest is one sponsored call from a smart account.
type SendRequest struct {
	Account common.Address
	Owner   common.Address

	Target common.Address
	Value  *big.Int
	Data   []byte

	// SkipBalanceCheck is set for delegated sends: the spend comes out of
	// the delegator's funds, not the sender's.
	SkipBalanceCheck bool

	// Kind labels the submission for metrics.
	Kind string
}

// Result carries the confirmed submission identifiers.
type Result struct {
	TxHash     string
	UserOpHash string
}

// Executor drives a sponsored user operation from assembly to confirmed
// receipt.
type Executor struct {
	client   chainClient
	accounts accountGateway
	oracle   feeOracle
	log      *logger.Logger
}

// NewExecutor creates an executor.
func NewExecutor(client chainClient, accounts accountGateway, oracle feeOracle, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.NewDefault("transfer-executor")
	}
	return &Executor{client: client, accounts: accounts, oracle: oracle, log: log}
}

// Send submits the sponsored call and waits for its receipt.
func (e *Executor) Send(ctx context.Context, req SendRequest) (Result, error) {
	start := time.Now()
	kind := req.Kind
	if kind == "" {
		kind = "transfer"
	}

	result, err := e.send(ctx, req)
	metrics.RecordTransfer(kind, time.Since(start), err == nil)
	return result, err
}

func (e *Executor) send(ctx context.Context, req SendRequest) (Result, error) {
	if req.Value == nil {
		req.Value = new(big.Int)
	}

	if !req.SkipBalanceCheck && req.Value.Sign() > 0 {
		balance, err := e.client.GetBalance(ctx, req.Account.Hex())
		if err != nil {
			return Result{}, fmt.Errorf("balance pre-flight for %s: %w", req.Account.Hex(), err)
		}
		if balance.Cmp(req.Value) < 0 {
			return Result{}, fmt.Errorf("balance %s below transfer amount %s: %w",
				balance, req.Value, apperr.ErrInsufficientFunds)
		}
	}

	if err := e.accounts.EnsureDeployed(ctx, req.Account, req.Owner); err != nil {
		return Result{}, err
	}

	nonce, err := e.client.GetUserOpNonce(ctx, req.Account)
	if err != nil {
		return Result{}, err
	}
	callData, err := chain.EncodeExecute(req.Target, req.Value, req.Data)
	if err != nil {
		return Result{}, err
	}
	fees := e.oracle.Fees(ctx)

	op := chain.UserOperation{
		Sender:               req.Account,
		Nonce:                chain.HexBig(nonce),
		InitCode:             "0x",
		CallData:             "0x" + hex.EncodeToString(callData),
		MaxFeePerGas:         chain.HexBig(fees.MaxFeePerGas),
		MaxPriorityFeePerGas: chain.HexBig(fees.MaxPriorityFeePerGas),
	}

	op, err = e.client.SponsorUserOperation(ctx, op)
	if err != nil {
		return Result{}, err
	}

	userOpHash, err := e.client.SubmitUserOperation(ctx, op)
	if err != nil {
		return Result{}, err
	}
	e.log.WithField("account", req.Account.Hex()).
		WithField("user_op_hash", userOpHash).
		Info("sponsored operation submitted")

	receipt, err := e.client.WaitForUserOperationReceipt(ctx, userOpHash)
	if err != nil {
		return Result{}, err
	}

	return Result{
		TxHash:     receipt.Receipt.TransactionHash,
		UserOpHash: userOpHash,
	}, nil
}
