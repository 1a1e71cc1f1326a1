// Package wallet holds the smart-account record tied to a user.
package wallet

import "time"

// Implementation identifies the smart-account contract variant.
type Implementation string

const (
	// ImplementationHybrid is the default EOA-owned account variant.
	ImplementationHybrid Implementation = "hybrid"
)

// Account is the persisted smart-account record. Deployed is a cached
// observation only: the execution path re-checks bytecode on-chain before
// every sponsored send because deployment can happen out-of-band.
type Account struct {
	ID             string
	UserID         string
	OwnerKey       string // encrypted signer key material
	OwnerAddress   string
	Address        string
	Implementation Implementation
	Deployed       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
