package delegation

import (
	"bytes"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/oakvault/wallet-engine/internal/app/apperr"
	domain "github.com/oakvault/wallet-engine/internal/app/domain/delegation"
)

func signedAllowance(t *testing.T, start, end time.Time) *domain.Delegation {
	t.Helper()
	del, err := domain.NewAllowance("groceries", "user-1",
		"0x2222222222222222222222222222222222222222", 50, domain.FrequencyDaily, start, start)
	if err != nil {
		t.Fatalf("new allowance: %v", err)
	}
	del.AttachSigned(domain.SignedPayload{
		Delegate:  "0x2222222222222222222222222222222222222222",
		Delegator: "0x1111111111111111111111111111111111111111",
		Authority: "0x0000000000000000000000000000000000000000000000000000000000000000",
		Salt:      "0x0",
		Signature: "0xdeadbeef",
		Caveats: []domain.Caveat{{
			Enforcer: "0x3333333333333333333333333333333333333333",
			Terms:    domain.PackWindowTerms(start, end),
		}},
	}, start)
	return &del
}

func TestValidateWindowInsideWindow(t *testing.T) {
	now := time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)
	del := signedAllowance(t, now.Add(-time.Hour), now.Add(time.Hour))

	redeemer := NewRedeemer("0x4444444444444444444444444444444444444444")
	if err := redeemer.ValidateWindow(del, now); err != nil {
		t.Fatalf("window should be open: %v", err)
	}
}

func TestValidateWindowBeforeStart(t *testing.T) {
	now := time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)
	del := signedAllowance(t, now.Add(30*time.Second), now.Add(time.Hour))

	redeemer := NewRedeemer("0x4444444444444444444444444444444444444444")
	err := redeemer.ValidateWindow(del, now)
	if !errors.Is(err, apperr.ErrDelegationNotStarted) {
		t.Fatalf("expected ErrDelegationNotStarted, got %v", err)
	}
	if want := "starts in 30s"; err != nil && !contains(err.Error(), want) {
		t.Fatalf("error should carry remaining time %q: %v", want, err)
	}
}

func TestValidateWindowAfterEnd(t *testing.T) {
	now := time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)
	del := signedAllowance(t, now.Add(-2*time.Hour), now.Add(-time.Minute))

	redeemer := NewRedeemer("0x4444444444444444444444444444444444444444")
	err := redeemer.ValidateWindow(del, now)
	if !errors.Is(err, apperr.ErrDelegationExpired) {
		t.Fatalf("expected ErrDelegationExpired, got %v", err)
	}
}

func TestValidateWindowFallsBackToStartDate(t *testing.T) {
	now := time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)
	del, err := domain.NewAllowance("groceries", "user-1",
		"0x2222222222222222222222222222222222222222", 50, domain.FrequencyDaily, now.Add(time.Hour), now)
	if err != nil {
		t.Fatalf("new allowance: %v", err)
	}

	redeemer := NewRedeemer("0x4444444444444444444444444444444444444444")
	if err := redeemer.ValidateWindow(&del, now); !errors.Is(err, apperr.ErrDelegationNotStarted) {
		t.Fatalf("expected ErrDelegationNotStarted from start-date fallback, got %v", err)
	}
	if err := redeemer.ValidateWindow(&del, now.Add(2*time.Hour)); err != nil {
		t.Fatalf("delegation past start date should validate: %v", err)
	}
}

func TestEncodeRedeemBuildsManagerCalldata(t *testing.T) {
	now := time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)
	del := signedAllowance(t, now.Add(-time.Hour), now.Add(time.Hour))

	redeemer := NewRedeemer("0x4444444444444444444444444444444444444444")
	data, err := redeemer.EncodeRedeem(del,
		common.HexToAddress("0x5555555555555555555555555555555555555555"),
		big.NewInt(1_000_000_000_000_000_000), nil)
	if err != nil {
		t.Fatalf("encode redeem: %v", err)
	}

	selector := managerABI.Methods["redeemDelegations"].ID
	if !bytes.HasPrefix(data, selector) {
		t.Fatalf("calldata should start with redeemDelegations selector")
	}
	if len(data) < 4+3*32 {
		t.Fatalf("calldata too short: %d bytes", len(data))
	}
}

func TestEncodeRedeemRequiresSignedPayload(t *testing.T) {
	now := time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)
	del, _ := domain.NewAllowance("groceries", "user-1",
		"0x2222222222222222222222222222222222222222", 50, domain.FrequencyDaily, now, now)

	redeemer := NewRedeemer("0x4444444444444444444444444444444444444444")
	if _, err := redeemer.EncodeRedeem(&del, common.Address{}, nil, nil); err == nil {
		t.Fatalf("expected error without signed payload")
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && bytes.Contains([]byte(haystack), []byte(needle))
}
