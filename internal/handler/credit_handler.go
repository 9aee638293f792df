package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/riteshkumar/credit-ledger/internal/errors"
	"github.com/riteshkumar/credit-ledger/internal/models"
	"github.com/riteshkumar/credit-ledger/internal/service"
	u "github.com/riteshkumar/credit-ledger/internal/utils"
)

type CreditHandler struct {
	creditService service.CreditService
	logger        *slog.Logger
}

func NewCreditHandler(creditService service.CreditService, logger *slog.Logger) *CreditHandler {
	return &CreditHandler{
		creditService: creditService,
		logger:        logger,
	}
}

func (h *CreditHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/accounts/{id}/debit", h.Debit).Methods(http.MethodPost)
	router.HandleFunc("/accounts/{id}/credit", h.Credit).Methods(http.MethodPost)
	router.HandleFunc("/accounts/{id}/ledger", h.ListEntries).Methods(http.MethodGet)
	router.HandleFunc("/accounts/{id}/reconcile", h.Reconcile).Methods(http.MethodGet)
}

// Debit answers 402 with the current balance when credits are insufficient.
func (h *CreditHandler) Debit(w http.ResponseWriter, r *http.Request) {
	var req models.DebitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("invalid debit request", "error", err.Error())
		u.WriteError(w, http.StatusBadRequest, "invalid request payload", err.Error())
		return
	}
	req.AccountID = mux.Vars(r)["id"]
	if err := u.ValidateStruct(&req); err != nil {
		u.WriteError(w, http.StatusBadRequest, "validation error", err.Error())
		return
	}

	result, err := h.creditService.Debit(r.Context(), &req)
	if err != nil {
		h.handleServiceError(w, err, "debit")
		return
	}

	if !result.Success {
		u.WriteJSON(w, http.StatusPaymentRequired, result)
		return
	}
	u.WriteJSON(w, http.StatusOK, result)
}

func (h *CreditHandler) Credit(w http.ResponseWriter, r *http.Request) {
	var req models.CreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("invalid credit request", "error", err.Error())
		u.WriteError(w, http.StatusBadRequest, "invalid request payload", err.Error())
		return
	}
	req.AccountID = mux.Vars(r)["id"]
	if err := u.ValidateStruct(&req); err != nil {
		u.WriteError(w, http.StatusBadRequest, "validation error", err.Error())
		return
	}

	result, err := h.creditService.Credit(r.Context(), &req)
	if err != nil {
		h.handleServiceError(w, err, "credit")
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	u.WriteJSON(w, status, result)
}

func (h *CreditHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.creditService.ListEntries(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.handleServiceError(w, err, "list ledger entries")
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	u.WriteJSON(w, http.StatusOK, entries)
}

func (h *CreditHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.creditService.Reconcile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.handleServiceError(w, err, "reconcile")
		return
	}
	u.WriteJSON(w, http.StatusOK, report)
}

func (h *CreditHandler) handleServiceError(w http.ResponseWriter, err error, operation string) {
	switch {
	case errors.IsNotFound(err):
		u.WriteError(w, http.StatusNotFound, "account not found", "")
	case errors.IsArchived(err):
		u.WriteError(w, http.StatusConflict, "account is archived", "")
	case errors.IsIdempotencyConflict(err):
		u.WriteError(w, http.StatusConflict, "idempotency key conflict", err.Error())
	case errors.IsValidationError(err):
		u.WriteError(w, http.StatusBadRequest, "validation error", err.Error())
	case err == errors.ErrInvalidAccountID:
		u.WriteError(w, http.StatusBadRequest, "invalid account ID", "")
	case err == errors.ErrInvalidAmount:
		u.WriteError(w, http.StatusBadRequest, "amount must be a positive integer", "")
	case err == errors.ErrIdempotencyKeyRequired:
		u.WriteError(w, http.StatusBadRequest, "idempotency key is required", "")
	case err == errors.ErrInvalidSource:
		u.WriteError(w, http.StatusBadRequest, "invalid ledger source", "")
	case errors.IsRetryable(err):
		h.logger.Error("transaction failed during "+operation, "error", err.Error())
		u.WriteError(w, http.StatusServiceUnavailable, "transaction failed, retry with the same idempotency key", "")
	default:
		h.logger.Error("internal server error during "+operation, "error", err.Error())
		u.WriteError(w, http.StatusInternalServerError, "internal server error", "")
	}
}
