// Package delegation models signed spending grants. A delegation is a
// tagged variant: the allowance kind is fully supported, the group-wallet
// kind is represented but reports unsupported everywhere rather than being
// partially modelled.
package delegation

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind tags the delegation variant.
type Kind string

const (
	KindAllowance   Kind = "allowance"
	KindGroupWallet Kind = "group_wallet"
)

// Frequency enumerates allowance refresh cadences.
type Frequency string

const FrequencyDaily Frequency = "Daily"

// ErrGroupUnsupported is returned by every operation on the group-wallet
// variant until it is implemented.
var ErrGroupUnsupported = errors.New("group wallet delegations are not supported")

// Caveat is one encoded restriction inside the signed payload. Terms is a
// 0x-prefixed hex blob whose layout is owned by the enforcer contract.
type Caveat struct {
	Enforcer string `json:"enforcer"`
	Terms    string `json:"terms"`
}

// SignedPayload is the opaque on-chain delegation the grantor signed.
type SignedPayload struct {
	Delegate  string   `json:"delegate"`
	Delegator string   `json:"delegator"`
	Authority string   `json:"authority"`
	Salt      string   `json:"salt"`
	Signature string   `json:"signature"`
	Caveats   []Caveat `json:"caveats"`
}

// Delegation is a spending grant from a user to a grantee wallet.
type Delegation struct {
	ID     string `json:"id"`
	Kind   Kind   `json:"type"`
	Name   string `json:"name"`
	UserID string `json:"userId"`

	AmountLimit   float64        `json:"amountLimit"`
	WalletAddress string         `json:"walletAddress"`
	Frequency     Frequency      `json:"frequency"`
	StartDate     time.Time      `json:"startDate"`
	Signed        *SignedPayload `json:"signedBlockchainDelegation,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewAllowance constructs a validated allowance delegation.
func NewAllowance(name, userID, walletAddress string, amountLimit float64, frequency Frequency, startDate, now time.Time) (Delegation, error) {
	d := Delegation{
		ID:            "del_" + uuid.NewString(),
		Kind:          KindAllowance,
		Name:          strings.TrimSpace(name),
		UserID:        strings.TrimSpace(userID),
		AmountLimit:   amountLimit,
		WalletAddress: strings.TrimSpace(walletAddress),
		Frequency:     frequency,
		StartDate:     startDate.UTC(),
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}
	if err := d.Validate(); err != nil {
		return Delegation{}, err
	}
	return d, nil
}

// Validate checks the variant's local invariants.
func (d *Delegation) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("delegation name is required")
	}
	if d.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	if d.AmountLimit <= 0 {
		return fmt.Errorf("amount limit must be positive")
	}
	switch d.Kind {
	case KindAllowance:
		if d.WalletAddress == "" {
			return fmt.Errorf("wallet address is required for allowance delegations")
		}
		if !strings.HasPrefix(d.WalletAddress, "0x") {
			return fmt.Errorf("wallet address must start with 0x")
		}
		return nil
	case KindGroupWallet:
		return ErrGroupUnsupported
	default:
		return fmt.Errorf("unknown delegation kind %q", d.Kind)
	}
}

// Active reports whether the grant may currently be spent against. This is
// the startDate check; the caveat window is validated separately at
// redemption time.
func (d *Delegation) Active(now time.Time) (bool, error) {
	switch d.Kind {
	case KindAllowance:
		return !now.UTC().Before(d.StartDate), nil
	case KindGroupWallet:
		return false, ErrGroupUnsupported
	default:
		return false, fmt.Errorf("unknown delegation kind %q", d.Kind)
	}
}

// AttachSigned stores the signed on-chain payload.
func (d *Delegation) AttachSigned(payload SignedPayload, now time.Time) {
	d.Signed = &payload
	d.UpdatedAt = now.UTC()
}

// windowTermsLen is two packed uint256 values: start and end epoch.
const windowTermsLen = 64

// PackWindowTerms encodes a redemption window as two big-endian uint256
// epoch-second values, the layout the timestamp enforcer expects.
func PackWindowTerms(start, end time.Time) string {
	buf := make([]byte, windowTermsLen)
	big.NewInt(start.UTC().Unix()).FillBytes(buf[:32])
	big.NewInt(end.UTC().Unix()).FillBytes(buf[32:])
	return "0x" + hex.EncodeToString(buf)
}

// ParseWindowTerms decodes a packed [start,end] window from caveat terms.
func ParseWindowTerms(terms string) (start, end time.Time, err error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(terms, "0x"))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("decode caveat terms: %w", err)
	}
	if len(raw) != windowTermsLen {
		return time.Time{}, time.Time{}, fmt.Errorf("caveat terms must be %d bytes, got %d", windowTermsLen, len(raw))
	}
	startEpoch := new(big.Int).SetBytes(raw[:32])
	endEpoch := new(big.Int).SetBytes(raw[32:])
	if !startEpoch.IsInt64() || !endEpoch.IsInt64() {
		return time.Time{}, time.Time{}, fmt.Errorf("caveat window epoch out of range")
	}
	return time.Unix(startEpoch.Int64(), 0).UTC(), time.Unix(endEpoch.Int64(), 0).UTC(), nil
}

// Window extracts the redemption window from the signed payload's caveats.
func (d *Delegation) Window() (start, end time.Time, err error) {
	if d.Signed == nil {
		return time.Time{}, time.Time{}, fmt.Errorf("delegation %s has no signed payload", d.ID)
	}
	for _, caveat := range d.Signed.Caveats {
		start, end, err = ParseWindowTerms(caveat.Terms)
		if err == nil {
			return start, end, nil
		}
	}
	return time.Time{}, time.Time{}, fmt.Errorf("delegation %s has no window caveat", d.ID)
}
