package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oakvault/wallet-engine/internal/app/apperr"
	"github.com/oakvault/wallet-engine/internal/app/domain/notification"
	"github.com/oakvault/wallet-engine/internal/app/domain/transaction"
	"github.com/oakvault/wallet-engine/internal/app/domain/wallet"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeServiceError maps the error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, apperr.ErrRiskRejected):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, apperr.ErrSubmissionTimeout):
		writeError(w, http.StatusGatewayTimeout, err)
	case apperr.IsBlockchainError(err):
		writeError(w, http.StatusBadGateway, err)
	case errors.Is(err, apperr.ErrInsufficientFunds),
		errors.Is(err, apperr.ErrMaxActivePlans),
		errors.Is(err, apperr.ErrInvalidStateTransition),
		errors.Is(err, apperr.ErrDelegationNotStarted),
		errors.Is(err, apperr.ErrDelegationExpired):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusBadRequest, err)
	}
}

func decodeJSON(body io.Reader, target any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	for _, m := range allowed {
		w.Header().Add("Allow", m)
	}
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func errBadRequest(msg string) error { return errors.New(msg) }

type walletDTO struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	OwnerAddress   string    `json:"ownerAddress"`
	Address        string    `json:"address"`
	Implementation string    `json:"implementation"`
	Deployed       bool      `json:"deployed"`
	CreatedAt      time.Time `json:"createdAt"`
}

func walletResponse(acct wallet.Account) walletDTO {
	return walletDTO{
		ID:             acct.ID,
		UserID:         acct.UserID,
		OwnerAddress:   acct.OwnerAddress,
		Address:        acct.Address,
		Implementation: string(acct.Implementation),
		Deployed:       acct.Deployed,
		CreatedAt:      acct.CreatedAt,
	}
}

type transactionDTO struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Amount       float64   `json:"amount"`
	Token        string    `json:"token,omitempty"`
	TxHash       string    `json:"transactionHash"`
	UserOpHash   string    `json:"userOpHash"`
	DelegationID string    `json:"delegationId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

func transactionsResponse(recs []transaction.Record) []transactionDTO {
	out := make([]transactionDTO, 0, len(recs))
	for _, rec := range recs {
		out = append(out, transactionDTO{
			ID:           rec.ID,
			Kind:         string(rec.Kind),
			From:         rec.From,
			To:           rec.To,
			Amount:       rec.Amount,
			Token:        rec.Token,
			TxHash:       rec.TxHash,
			UserOpHash:   rec.UserOpHash,
			DelegationID: rec.DelegationID,
			CreatedAt:    rec.CreatedAt,
		})
	}
	return out
}

type notificationDTO struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	EventName string    `json:"eventName"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

func notificationsResponse(recs []notification.Record) []notificationDTO {
	out := make([]notificationDTO, 0, len(recs))
	for _, rec := range recs {
		out = append(out, notificationDTO{
			ID:        rec.ID,
			Title:     rec.Title,
			Body:      rec.Body,
			EventName: rec.EventName,
			Read:      rec.Read,
			CreatedAt: rec.CreatedAt,
		})
	}
	return out
}
