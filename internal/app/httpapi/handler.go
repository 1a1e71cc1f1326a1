// Package httpapi exposes the engine over HTTP: REST resources for
// wallets, transfers, plans and delegations, plus the scheduler webhook
// trigger.
package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	delegationdomain "github.com/oakvault/wallet-engine/internal/app/domain/delegation"
	savingsdomain "github.com/oakvault/wallet-engine/internal/app/domain/savings"
	"github.com/oakvault/wallet-engine/internal/app/domain/transaction"
	"github.com/oakvault/wallet-engine/internal/app/domain/wallet"
	"github.com/oakvault/wallet-engine/internal/app/metrics"
	delegationsvc "github.com/oakvault/wallet-engine/internal/app/services/delegation"
	"github.com/oakvault/wallet-engine/internal/app/services/savings"
	"github.com/oakvault/wallet-engine/internal/app/services/transfer"
	"github.com/oakvault/wallet-engine/internal/app/storage"
	"github.com/oakvault/wallet-engine/pkg/logger"
)

type transferService interface {
	Transfer(ctx context.Context, intent transfer.Intent) (transfer.Result, error)
	ListByUser(ctx context.Context, userID string) ([]transaction.Record, error)
}

type planService interface {
	CreatePlan(ctx context.Context, input savings.CreatePlanInput) (savingsdomain.Plan, error)
	Get(ctx context.Context, id string) (savingsdomain.Plan, error)
	ListByUser(ctx context.Context, userID string) ([]savingsdomain.Plan, error)
	Deactivate(ctx context.Context, id string) (savingsdomain.Plan, error)
	Delete(ctx context.Context, id string) error
}

type delegationService interface {
	CreateAllowance(ctx context.Context, input delegationsvc.CreateAllowanceInput) (delegationdomain.Delegation, error)
	AttachSigned(ctx context.Context, id string, payload delegationdomain.SignedPayload) (delegationdomain.Delegation, error)
	Get(ctx context.Context, id string) (delegationdomain.Delegation, error)
	ListByUser(ctx context.Context, userID string) ([]delegationdomain.Delegation, error)
}

// trigger runs a scheduled plan execution; satisfied by
// savings.Orchestrator.
type trigger interface {
	ExecuteScheduled(ctx context.Context, planID string) error
}

// accountResolver derives the counterfactual smart-account address for an
// owner; satisfied by chain.SmartAccountGateway.
type accountResolver interface {
	Resolve(ctx context.Context, owner common.Address) (common.Address, error)
}

// Handler serves the engine's HTTP surface.
type Handler struct {
	webhookKey string

	transfers     transferService
	plans         planService
	delegations   delegationService
	orchestrator  trigger
	resolver      accountResolver
	wallets       storage.WalletStore
	notifications storage.NotificationStore
	log           *logger.Logger
}

// New creates a handler. webhookKey guards the scheduler trigger endpoint.
func New(
	webhookKey string,
	transfers transferService,
	plans planService,
	delegations delegationService,
	orchestrator trigger,
	resolver accountResolver,
	wallets storage.WalletStore,
	notifications storage.NotificationStore,
	log *logger.Logger,
) *Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	return &Handler{
		webhookKey:    webhookKey,
		transfers:     transfers,
		plans:         plans,
		delegations:   delegations,
		orchestrator:  orchestrator,
		resolver:      resolver,
		wallets:       wallets,
		notifications: notifications,
		log:           log,
	}
}

// Routes builds the instrumented root handler.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/v1/", h.route)
	return metrics.InstrumentHandler(mux)
}

// route dispatches /v1/ requests by path segments, the same shape the rest
// of the codebase uses for nested resources.
func (h *Handler) route(w http.ResponseWriter, r *http.Request) {
	segments := splitPath(strings.TrimPrefix(r.URL.Path, "/v1/"))
	if len(segments) == 0 {
		http.NotFound(w, r)
		return
	}

	switch segments[0] {
	case "wallets":
		h.routeWallets(w, r, segments[1:])
	case "users":
		h.routeUsers(w, r, segments[1:])
	case "transfers":
		h.routeTransfers(w, r, segments[1:])
	case "plans":
		h.routePlans(w, r, segments[1:])
	case "delegations":
		h.routeDelegations(w, r, segments[1:])
	case "savings":
		h.routeSavings(w, r, segments[1:])
	default:
		http.NotFound(w, r)
	}
}

// --- Wallets ---

func (h *Handler) routeWallets(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) != 0 {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	var payload struct {
		UserID       string `json:"userId"`
		OwnerAddress string `json:"ownerAddress"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.UserID == "" || !strings.HasPrefix(payload.OwnerAddress, "0x") {
		writeError(w, http.StatusBadRequest, errBadRequest("userId and a 0x ownerAddress are required"))
		return
	}

	address, err := h.resolver.Resolve(r.Context(), common.HexToAddress(payload.OwnerAddress))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	created, err := h.wallets.CreateWallet(r.Context(), wallet.Account{
		UserID:         payload.UserID,
		OwnerAddress:   common.HexToAddress(payload.OwnerAddress).Hex(),
		Address:        address.Hex(),
		Implementation: wallet.ImplementationHybrid,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, walletResponse(created))
}

// --- Users ---

func (h *Handler) routeUsers(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) != 2 {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	userID := rest[0]

	switch rest[1] {
	case "wallet":
		acct, err := h.wallets.GetWalletByUser(r.Context(), userID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, walletResponse(acct))
	case "transactions":
		recs, err := h.transfers.ListByUser(r.Context(), userID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, transactionsResponse(recs))
	case "plans":
		plans, err := h.plans.ListByUser(r.Context(), userID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, plans)
	case "delegations":
		dels, err := h.delegations.ListByUser(r.Context(), userID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, dels)
	case "notifications":
		recs, err := h.notifications.ListNotificationsByUser(r.Context(), userID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, notificationsResponse(recs))
	default:
		http.NotFound(w, r)
	}
}

// --- Transfers ---

func (h *Handler) routeTransfers(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) != 0 {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	var payload struct {
		UserID       string  `json:"userId"`
		To           string  `json:"to"`
		Amount       float64 `json:"amount"`
		TokenAddress string  `json:"tokenAddress"`
		TokenSymbol  string  `json:"tokenSymbol"`
		Decimals     int     `json:"decimals"`
		DelegationID string  `json:"delegationId"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.transfers.Transfer(r.Context(), transfer.Intent{
		UserID:       payload.UserID,
		To:           payload.To,
		Amount:       payload.Amount,
		TokenAddress: payload.TokenAddress,
		TokenSymbol:  payload.TokenSymbol,
		Decimals:     payload.Decimals,
		DelegationID: payload.DelegationID,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"transactionHash": result.TxHash,
		"userOpHash":      result.UserOpHash,
	})
}

// --- Plans ---

func (h *Handler) routePlans(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) == 0 {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		var payload struct {
			Name       string  `json:"name"`
			Frequency  string  `json:"frequency"`
			DayOfMonth int     `json:"dayOfMonth"`
			Amount     float64 `json:"amount"`
			Token      string  `json:"token"`
			UserID     string  `json:"userId"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		plan, err := h.plans.CreatePlan(r.Context(), savings.CreatePlanInput{
			Name:       payload.Name,
			Frequency:  savingsdomain.Frequency(payload.Frequency),
			DayOfMonth: payload.DayOfMonth,
			Amount:     payload.Amount,
			Token:      payload.Token,
			UserID:     payload.UserID,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, plan)
		return
	}

	planID := rest[0]
	if len(rest) == 1 {
		switch r.Method {
		case http.MethodGet:
			plan, err := h.plans.Get(r.Context(), planID)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, plan)
		case http.MethodDelete:
			if err := h.plans.Delete(r.Context(), planID); err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
		default:
			methodNotAllowed(w, http.MethodGet, http.MethodDelete)
		}
		return
	}

	if len(rest) == 2 && rest[1] == "deactivate" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		plan, err := h.plans.Deactivate(r.Context(), planID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, plan)
		return
	}
	http.NotFound(w, r)
}

// --- Delegations ---

func (h *Handler) routeDelegations(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) == 0 {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		var payload struct {
			Name          string    `json:"name"`
			UserID        string    `json:"userId"`
			WalletAddress string    `json:"walletAddress"`
			AmountLimit   float64   `json:"amountLimit"`
			StartDate     time.Time `json:"startDate"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		del, err := h.delegations.CreateAllowance(r.Context(), delegationsvc.CreateAllowanceInput{
			Name:          payload.Name,
			UserID:        payload.UserID,
			WalletAddress: payload.WalletAddress,
			AmountLimit:   payload.AmountLimit,
			StartDate:     payload.StartDate,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, del)
		return
	}

	delegationID := rest[0]
	if len(rest) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		del, err := h.delegations.Get(r.Context(), delegationID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, del)
		return
	}

	if len(rest) == 2 && rest[1] == "signed" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		var payload delegationdomain.SignedPayload
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		del, err := h.delegations.AttachSigned(r.Context(), delegationID, payload)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, del)
		return
	}
	http.NotFound(w, r)
}

// --- Savings trigger webhook ---

func (h *Handler) routeSavings(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) != 2 || rest[0] != "autoflow" || rest[1] != "trigger" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, errBadRequest("invalid api key"))
		return
	}

	var payload struct {
		SavingsID string `json:"savingsId"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.SavingsID == "" {
		writeError(w, http.StatusBadRequest, errBadRequest("savingsId is required"))
		return
	}

	if err := h.orchestrator.ExecuteScheduled(r.Context(), payload.SavingsID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authorized checks the scheduler's static key in constant time.
func (h *Handler) authorized(r *http.Request) bool {
	if h.webhookKey == "" {
		return true
	}
	got := r.Header.Get("X-Api-Key")
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.webhookKey)) == 1
}

func splitPath(p string) []string {
	var segments []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}
