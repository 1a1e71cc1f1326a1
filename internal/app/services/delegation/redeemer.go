// Package delegation implements spending-grant management and on-chain
// redemption encoding for the delegation manager contract.
package delegation

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/oakvault/wallet-engine/internal/app/apperr"
	domain "github.com/oakvault/wallet-engine/internal/app/domain/delegation"
)

const managerABIJSON = `[
	{"type":"function","name":"redeemDelegations","stateMutability":"nonpayable","inputs":[
		{"name":"permissionContexts","type":"bytes[]"},
		{"name":"modes","type":"bytes32[]"},
		{"name":"executionCallDatas","type":"bytes[]"}
	],"outputs":[]}
]`

var (
	managerABI abi.ABI

	// permissionContextArgs encodes a delegation chain: for allowance
	// grants the chain is a single root-authority delegation.
	permissionContextArgs abi.Arguments

	// singleDefaultMode is the ERC-7579 single-call execution mode.
	singleDefaultMode [32]byte
)

func init() {
	var err error
	managerABI, err = abi.JSON(strings.NewReader(managerABIJSON))
	if err != nil {
		panic(fmt.Sprintf("delegation manager abi: %v", err))
	}

	delegationType, err := abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
		{Name: "delegate", Type: "address"},
		{Name: "delegator", Type: "address"},
		{Name: "authority", Type: "bytes32"},
		{Name: "caveats", Type: "tuple[]", Components: []abi.ArgumentMarshaling{
			{Name: "enforcer", Type: "address"},
			{Name: "terms", Type: "bytes"},
			{Name: "args", Type: "bytes"},
		}},
		{Name: "salt", Type: "uint256"},
		{Name: "signature", Type: "bytes"},
	})
	if err != nil {
		panic(fmt.Sprintf("delegation tuple type: %v", err))
	}
	permissionContextArgs = abi.Arguments{{Type: delegationType}}
}

type abiCaveat struct {
	Enforcer common.Address
	Terms    []byte
	Args     []byte
}

type abiDelegation struct {
	Delegate  common.Address
	Delegator common.Address
	Authority [32]byte
	Caveats   []abiCaveat
	Salt      *big.Int
	Signature []byte
}

// Redeemer encodes delegation redemptions against the manager contract.
type Redeemer struct {
	manager common.Address
}

// NewRedeemer creates a redeemer for the given delegation manager address.
func NewRedeemer(manager string) *Redeemer {
	return &Redeemer{manager: common.HexToAddress(manager)}
}

// Manager returns the delegation manager contract address.
func (r *Redeemer) Manager() common.Address { return r.manager }

// ValidateWindow checks the caveat redemption window against now. A
// delegation without a window caveat falls back to the start-date check.
func (r *Redeemer) ValidateWindow(del *domain.Delegation, now time.Time) error {
	now = now.UTC()

	start, end, err := del.Window()
	if err != nil {
		active, activeErr := del.Active(now)
		if activeErr != nil {
			return activeErr
		}
		if !active {
			return fmt.Errorf("delegation %s starts in %s: %w",
				del.ID, del.StartDate.Sub(now).Round(time.Second), apperr.ErrDelegationNotStarted)
		}
		return nil
	}

	if now.Before(start) {
		return fmt.Errorf("delegation %s starts in %s: %w",
			del.ID, start.Sub(now).Round(time.Second), apperr.ErrDelegationNotStarted)
	}
	if now.After(end) {
		return fmt.Errorf("delegation %s expired %s ago: %w",
			del.ID, now.Sub(end).Round(time.Second), apperr.ErrDelegationExpired)
	}
	return nil
}

// EncodeRedeem builds redeemDelegations calldata that executes one call
// (target, value, data) under the signed grant. The caller wraps the
// result in the delegate account's execute entry point addressed at
// Manager().
func (r *Redeemer) EncodeRedeem(del *domain.Delegation, target common.Address, value *big.Int, data []byte) ([]byte, error) {
	if del.Signed == nil {
		return nil, fmt.Errorf("delegation %s has no signed payload", del.ID)
	}

	context, err := encodePermissionContext(del.Signed)
	if err != nil {
		return nil, fmt.Errorf("encode delegation %s: %w", del.ID, err)
	}
	if value == nil {
		value = new(big.Int)
	}

	// Single-mode execution calldata: target ++ value ++ data, packed.
	execution := make([]byte, 0, 20+32+len(data))
	execution = append(execution, target.Bytes()...)
	execution = append(execution, common.LeftPadBytes(value.Bytes(), 32)...)
	execution = append(execution, data...)

	return managerABI.Pack("redeemDelegations",
		[][]byte{context},
		[][32]byte{singleDefaultMode},
		[][]byte{execution},
	)
}

func encodePermissionContext(signed *domain.SignedPayload) ([]byte, error) {
	caveats := make([]abiCaveat, 0, len(signed.Caveats))
	for _, caveat := range signed.Caveats {
		terms, err := hexBytes(caveat.Terms)
		if err != nil {
			return nil, fmt.Errorf("caveat terms: %w", err)
		}
		caveats = append(caveats, abiCaveat{
			Enforcer: common.HexToAddress(caveat.Enforcer),
			Terms:    terms,
			Args:     []byte{},
		})
	}

	signature, err := hexBytes(signed.Signature)
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}
	salt, err := hexQuantity(signed.Salt)
	if err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}

	var authority [32]byte
	copy(authority[:], common.FromHex(signed.Authority))

	return permissionContextArgs.Pack([]abiDelegation{{
		Delegate:  common.HexToAddress(signed.Delegate),
		Delegator: common.HexToAddress(signed.Delegator),
		Authority: authority,
		Caveats:   caveats,
		Salt:      salt,
		Signature: signature,
	}})
}

func hexBytes(s string) ([]byte, error) {
	if s == "" || s == "0x" {
		return []byte{}, nil
	}
	if !strings.HasPrefix(s, "0x") {
		return nil, fmt.Errorf("%q is not 0x-prefixed", s)
	}
	raw, err := hex.DecodeString(s[2:])
	if err != nil {
		return nil, fmt.Errorf("%q is not valid hex", s)
	}
	return raw, nil
}

func hexQuantity(s string) (*big.Int, error) {
	if s == "" || s == "0x" {
		return new(big.Int), nil
	}
	if strings.HasPrefix(s, "0x") {
		v, ok := new(big.Int).SetString(s[2:], 16)
		if !ok {
			return nil, fmt.Errorf("%q is not a hex quantity", s)
		}
		return v, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%q is not a quantity", s)
	}
	return v, nil
}
