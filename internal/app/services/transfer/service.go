package transfer

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/oakvault/wallet-engine/internal/app/apperr"
	"github.com/oakvault/wallet-engine/internal/app/domain/delegation"
	"github.com/oakvault/wallet-engine/internal/app/domain/event"
	"github.com/oakvault/wallet-engine/internal/app/domain/transaction"
	delegationsvc "github.com/oakvault/wallet-engine/internal/app/services/delegation"
	"github.com/oakvault/wallet-engine/internal/app/storage"
	"github.com/oakvault/wallet-engine/internal/chain"
	"github.com/oakvault/wallet-engine/pkg/logger"
)

const erc20ABIJSON = `[
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var erc20ABI abi.ABI

func init() {
	var err error
	erc20ABI, err = abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(fmt.Sprintf("erc20 abi: %v", err))
	}
}

// sender submits sponsored calls; satisfied by Executor.
type sender interface {
	Send(ctx context.Context, req SendRequest) (Result, error)
}

// contractCaller reads contract state; satisfied by chain.Client.
type contractCaller interface {
	CallContract(ctx context.Context, to string, data []byte) ([]byte, error)
}

// redeemer validates and encodes delegated spends.
type redeemer interface {
	Manager() common.Address
	ValidateWindow(del *delegation.Delegation, now time.Time) error
	EncodeRedeem(del *delegation.Delegation, target common.Address, value *big.Int, data []byte) ([]byte, error)
}

// publisher fans domain events out to subscribers.
type publisher interface {
	Publish(ctx context.Context, evt event.Event) error
}

// Intent is one user-initiated transfer request.
type Intent struct {
	UserID string
	To     string
	Amount float64

	// TokenAddress selects an ERC-20 transfer; empty means native.
	TokenAddress string
	TokenSymbol  string
	Decimals     int

	// DelegationID redeems a spending grant instead of the user's own
	// funds.
	DelegationID string
}

// Service is the transfer intake: risk gating, call assembly, submission
// and persistence.
type Service struct {
	executor    sender
	caller      contractCaller
	redeem      redeemer
	risk        *RiskPolicy
	wallets     storage.WalletStore
	delegations storage.DelegationStore
	txns        storage.TransactionStore
	bus         publisher
	log         *logger.Logger
}

// NewService creates a transfer service.
func NewService(
	executor sender,
	caller contractCaller,
	redeem *delegationsvc.Redeemer,
	risk *RiskPolicy,
	wallets storage.WalletStore,
	delegations storage.DelegationStore,
	txns storage.TransactionStore,
	bus publisher,
	log *logger.Logger,
) *Service {
	if log == nil {
		log = logger.NewDefault("transfer-service")
	}
	return &Service{
		executor:    executor,
		caller:      caller,
		redeem:      redeem,
		risk:        risk,
		wallets:     wallets,
		delegations: delegations,
		txns:        txns,
		bus:         bus,
		log:         log,
	}
}

// Transfer executes the intent and persists the settled record.
func (s *Service) Transfer(ctx context.Context, intent Intent) (Result, error) {
	if intent.Amount <= 0 {
		return Result{}, fmt.Errorf("transfer amount must be positive")
	}
	if !strings.HasPrefix(intent.To, "0x") {
		return Result{}, fmt.Errorf("recipient %q is not a 0x address", intent.To)
	}

	acct, err := s.wallets.GetWalletByUser(ctx, intent.UserID)
	if err != nil {
		return Result{}, err
	}

	if s.risk != nil {
		if err := s.risk.Check(ctx, acct.Address, intent.To, intent.Amount); err != nil {
			return Result{}, err
		}
	}

	target, value, data, err := s.assembleCall(ctx, acct.Address, intent)
	if err != nil {
		return Result{}, err
	}

	req := SendRequest{
		Account: common.HexToAddress(acct.Address),
		Owner:   common.HexToAddress(acct.OwnerAddress),
		Target:  target,
		Value:   value,
		Data:    data,
		Kind:    string(transaction.KindTransfer),
	}

	var del *delegation.Delegation
	if intent.DelegationID != "" {
		del, err = s.loadDelegation(ctx, intent.DelegationID)
		if err != nil {
			return Result{}, err
		}
		if err := s.redeem.ValidateWindow(del, time.Now()); err != nil {
			return Result{}, err
		}
		redeemData, err := s.redeem.EncodeRedeem(del, target, value, data)
		if err != nil {
			return Result{}, err
		}
		req.Target = s.redeem.Manager()
		req.Value = new(big.Int)
		req.Data = redeemData
		req.SkipBalanceCheck = true
		req.Kind = string(transaction.KindAllowanceWithdrawal)
	}

	result, err := s.executor.Send(ctx, req)
	if err != nil {
		return Result{}, err
	}

	record := transaction.Record{
		UserID:       intent.UserID,
		Kind:         transaction.Kind(req.Kind),
		From:         acct.Address,
		To:           intent.To,
		Amount:       intent.Amount,
		Token:        intent.TokenSymbol,
		TxHash:       result.TxHash,
		UserOpHash:   result.UserOpHash,
		DelegationID: intent.DelegationID,
	}
	if _, err := s.txns.CreateTransaction(ctx, record); err != nil {
		// The transfer settled on-chain; a persistence failure must not
		// report it as unsent.
		s.log.WithError(err).
			WithField("tx_hash", result.TxHash).
			Error("settled transfer could not be recorded")
	}

	if del != nil && s.bus != nil {
		evt := event.AllowanceWithdrawn(del.UserID, del.ID, acct.Address, result.TxHash, intent.Amount)
		if err := s.bus.Publish(ctx, evt); err != nil {
			s.log.WithError(err).Error("allowance withdrawn event not published")
		}
	}

	return result, nil
}

// ListByUser returns the user's settled transactions.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]transaction.Record, error) {
	return s.txns.ListTransactionsByUser(ctx, userID)
}

// assembleCall maps the intent onto (target, value, data): a plain value
// send for native transfers, a token transfer call for ERC-20. ERC-20
// sends get a local balance pre-flight because the executor only checks
// native value.
func (s *Service) assembleCall(ctx context.Context, from string, intent Intent) (common.Address, *big.Int, []byte, error) {
	if intent.TokenAddress == "" {
		return common.HexToAddress(intent.To), chain.EtherToWei(intent.Amount), nil, nil
	}

	decimals := intent.Decimals
	if decimals <= 0 {
		decimals = 18
	}
	units := tokenUnits(intent.Amount, decimals)

	if intent.DelegationID == "" {
		balance, err := s.tokenBalance(ctx, intent.TokenAddress, from)
		if err != nil {
			return common.Address{}, nil, nil, fmt.Errorf("token balance pre-flight: %w", err)
		}
		if balance.Cmp(units) < 0 {
			return common.Address{}, nil, nil, fmt.Errorf("token balance %s below transfer amount %s: %w",
				balance, units, apperr.ErrInsufficientFunds)
		}
	}

	data, err := erc20ABI.Pack("transfer", common.HexToAddress(intent.To), units)
	if err != nil {
		return common.Address{}, nil, nil, err
	}
	return common.HexToAddress(intent.TokenAddress), new(big.Int), data, nil
}

func (s *Service) loadDelegation(ctx context.Context, id string) (*delegation.Delegation, error) {
	del, err := s.delegations.GetDelegation(ctx, id)
	if err != nil {
		return nil, err
	}
	if del.Signed == nil {
		return nil, apperr.NotFoundf("signed payload for delegation %s", id)
	}
	return &del, nil
}

func (s *Service) tokenBalance(ctx context.Context, token, owner string) (*big.Int, error) {
	input, err := erc20ABI.Pack("balanceOf", common.HexToAddress(owner))
	if err != nil {
		return nil, err
	}
	output, err := s.caller.CallContract(ctx, token, input)
	if err != nil {
		return nil, err
	}
	results, err := erc20ABI.Unpack("balanceOf", output)
	if err != nil || len(results) != 1 {
		return nil, fmt.Errorf("bad balanceOf response from %s", token)
	}
	balance, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("bad balanceOf response from %s", token)
	}
	return balance, nil
}

// tokenUnits converts a user-readable amount into token base units.
func tokenUnits(amount float64, decimals int) *big.Int {
	scaled := new(big.Float).Mul(new(big.Float).SetFloat64(amount),
		new(big.Float).SetFloat64(math.Pow10(decimals)))
	out, _ := scaled.Int(nil)
	return out
}
