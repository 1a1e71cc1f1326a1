package transfer

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/oakvault/wallet-engine/internal/app/apperr"
	"github.com/oakvault/wallet-engine/internal/chain"
)

type fakeChain struct {
	balance   *big.Int
	nonce     *big.Int
	submitted []chain.UserOperation
	sponsored bool

	sponsorErr error
	submitErr  error
	receiptErr error
}

func (f *fakeChain) GetBalance(context.Context, string) (*big.Int, error) {
	if f.balance == nil {
		return new(big.Int), nil
	}
	return f.balance, nil
}

func (f *fakeChain) CallContract(context.Context, string, []byte) ([]byte, error) {
	return common.LeftPadBytes(big.NewInt(0).Bytes(), 32), nil
}

func (f *fakeChain) GetUserOpNonce(context.Context, common.Address) (*big.Int, error) {
	if f.nonce == nil {
		return new(big.Int), nil
	}
	return f.nonce, nil
}

func (f *fakeChain) SponsorUserOperation(_ context.Context, op chain.UserOperation) (chain.UserOperation, error) {
	if f.sponsorErr != nil {
		return chain.UserOperation{}, f.sponsorErr
	}
	f.sponsored = true
	op.PaymasterAndData = "0xpaymaster"
	return op, nil
}

func (f *fakeChain) SubmitUserOperation(_ context.Context, op chain.UserOperation) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, op)
	return "0xuserop", nil
}

func (f *fakeChain) WaitForUserOperationReceipt(context.Context, string) (*chain.UserOperationReceipt, error) {
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	receipt := &chain.UserOperationReceipt{Success: true}
	receipt.Receipt.TransactionHash = "0xtxhash"
	return receipt, nil
}

type fakeAccounts struct {
	deployed []common.Address
	err      error
}

func (f *fakeAccounts) EnsureDeployed(_ context.Context, account, _ common.Address) error {
	if f.err != nil {
		return f.err
	}
	f.deployed = append(f.deployed, account)
	return nil
}

type fixedOracle struct{}

func (fixedOracle) Fees(context.Context) chain.GasFees {
	return chain.GasFees{
		MaxFeePerGas:         big.NewInt(152_500_000_000),
		MaxPriorityFeePerGas: big.NewInt(2_500_000_000),
	}
}

func TestSendHappyPath(t *testing.T) {
	client := &fakeChain{balance: chain.EtherToWei(2), nonce: big.NewInt(7)}
	accounts := &fakeAccounts{}
	executor := NewExecutor(client, accounts, fixedOracle{}, nil)

	account := common.HexToAddress("0x1111111111111111111111111111111111111111")
	result, err := executor.Send(context.Background(), SendRequest{
		Account: account,
		Owner:   common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		Target:  common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Value:   chain.EtherToWei(1),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.TxHash != "0xtxhash" || result.UserOpHash != "0xuserop" {
		t.Fatalf("unexpected result %+v", result)
	}

	if len(accounts.deployed) != 1 || accounts.deployed[0] != account {
		t.Fatalf("deployment was not ensured for sender")
	}
	if !client.sponsored {
		t.Fatalf("operation was not sponsored")
	}
	if len(client.submitted) != 1 {
		t.Fatalf("expected one submission, got %d", len(client.submitted))
	}

	op := client.submitted[0]
	if op.Nonce != "0x7" {
		t.Fatalf("nonce not threaded through: %s", op.Nonce)
	}
	if op.PaymasterAndData != "0xpaymaster" {
		t.Fatalf("sponsorship not folded into submitted op")
	}
}

func TestSendRejectsInsufficientBalance(t *testing.T) {
	client := &fakeChain{balance: chain.EtherToWei(0.5)}
	executor := NewExecutor(client, &fakeAccounts{}, fixedOracle{}, nil)

	_, err := executor.Send(context.Background(), SendRequest{
		Account: common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Target:  common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Value:   chain.EtherToWei(1),
	})
	if !errors.Is(err, apperr.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if len(client.submitted) != 0 {
		t.Fatalf("nothing should be submitted after pre-flight failure")
	}
}

func TestSendSkipsBalanceCheckForDelegatedSpend(t *testing.T) {
	client := &fakeChain{balance: new(big.Int)}
	executor := NewExecutor(client, &fakeAccounts{}, fixedOracle{}, nil)

	_, err := executor.Send(context.Background(), SendRequest{
		Account:          common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Target:           common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Value:            chain.EtherToWei(1),
		SkipBalanceCheck: true,
	})
	if err != nil {
		t.Fatalf("delegated spend should not check sender balance: %v", err)
	}
}

func TestSendSurfacesReceiptTimeout(t *testing.T) {
	client := &fakeChain{
		balance:    chain.EtherToWei(2),
		receiptErr: apperr.ErrSubmissionTimeout,
	}
	executor := NewExecutor(client, &fakeAccounts{}, fixedOracle{}, nil)

	_, err := executor.Send(context.Background(), SendRequest{
		Account: common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Target:  common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Value:   chain.EtherToWei(1),
	})
	if !errors.Is(err, apperr.ErrSubmissionTimeout) {
		t.Fatalf("expected ErrSubmissionTimeout, got %v", err)
	}
}
