package delegation

import (
	"context"
	"fmt"
	"time"

	domain "github.com/oakvault/wallet-engine/internal/app/domain/delegation"
	"github.com/oakvault/wallet-engine/internal/app/storage"
	"github.com/oakvault/wallet-engine/pkg/logger"
)

// Service manages spending grants: creation, signed payload attachment
// and lookup. Only the allowance variant is supported.
type Service struct {
	delegations storage.DelegationStore
	wallets     storage.WalletStore
	log         *logger.Logger
}

// NewService creates a delegation service.
func NewService(delegations storage.DelegationStore, wallets storage.WalletStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("delegation-service")
	}
	return &Service{delegations: delegations, wallets: wallets, log: log}
}

// CreateAllowanceInput carries the fields for a new allowance grant.
type CreateAllowanceInput struct {
	Name          string
	UserID        string
	WalletAddress string
	AmountLimit   float64
	StartDate     time.Time
}

// CreateAllowance creates and persists an allowance delegation. The
// grantor's wallet must exist; the caller signs the on-chain payload
// separately and attaches it via AttachSigned.
func (s *Service) CreateAllowance(ctx context.Context, input CreateAllowanceInput) (domain.Delegation, error) {
	if _, err := s.wallets.GetWalletByUser(ctx, input.UserID); err != nil {
		return domain.Delegation{}, fmt.Errorf("grantor wallet: %w", err)
	}

	del, err := domain.NewAllowance(input.Name, input.UserID, input.WalletAddress,
		input.AmountLimit, domain.FrequencyDaily, input.StartDate, time.Now())
	if err != nil {
		return domain.Delegation{}, err
	}

	created, err := s.delegations.CreateDelegation(ctx, del)
	if err != nil {
		return domain.Delegation{}, err
	}

	s.log.WithField("delegation_id", created.ID).
		WithField("user_id", created.UserID).
		WithField("amount_limit", created.AmountLimit).
		Info("allowance delegation created")
	return created, nil
}

// CreateGroupWallet is not implemented; the variant is modelled but every
// operation on it reports unsupported.
func (s *Service) CreateGroupWallet(context.Context) (domain.Delegation, error) {
	return domain.Delegation{}, domain.ErrGroupUnsupported
}

// AttachSigned stores the signed on-chain payload on an existing
// delegation. Caveat terms must be valid hex so redemption-time encoding
// cannot fail on garbage input.
func (s *Service) AttachSigned(ctx context.Context, id string, payload domain.SignedPayload) (domain.Delegation, error) {
	del, err := s.delegations.GetDelegation(ctx, id)
	if err != nil {
		return domain.Delegation{}, err
	}

	if payload.Signature == "" {
		return domain.Delegation{}, fmt.Errorf("signed payload for %s has no signature", id)
	}
	for i, caveat := range payload.Caveats {
		if _, err := hexBytes(caveat.Terms); err != nil {
			return domain.Delegation{}, fmt.Errorf("caveat %d of %s: %w", i, id, err)
		}
	}

	del.AttachSigned(payload, time.Now())
	updated, err := s.delegations.UpdateDelegation(ctx, del)
	if err != nil {
		return domain.Delegation{}, err
	}

	s.log.WithField("delegation_id", id).Info("signed delegation payload attached")
	return updated, nil
}

// Get returns a delegation by id.
func (s *Service) Get(ctx context.Context, id string) (domain.Delegation, error) {
	return s.delegations.GetDelegation(ctx, id)
}

// ListByUser returns the user's delegations.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]domain.Delegation, error) {
	return s.delegations.ListDelegationsByUser(ctx, userID)
}
