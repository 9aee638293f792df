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

type AccountHandler struct {
	accountService service.AccountService
	logger         *slog.Logger
}

func NewAccountHandler(accountService service.AccountService, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{
		accountService: accountService,
		logger:         logger,
	}
}

func (h *AccountHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/accounts", h.CreateAccount).Methods(http.MethodPost)
	router.HandleFunc("/accounts/{id}", h.GetAccount).Methods(http.MethodGet)
	router.HandleFunc("/accounts/{id}", h.ArchiveAccount).Methods(http.MethodDelete)
}

func (h *AccountHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req models.CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("invalid create account request", "error", err.Error())
		u.WriteError(w, http.StatusBadRequest, "invalid request payload", err.Error())
		return
	}
	if err := u.ValidateStruct(&req); err != nil {
		u.WriteError(w, http.StatusBadRequest, "validation error", err.Error())
		return
	}

	account, err := h.accountService.CreateAccount(r.Context(), &req)
	if err != nil {
		h.handleServiceError(w, err, "create account")
		return
	}

	u.WriteJSON(w, http.StatusCreated, toAccountResponse(account))
}

func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]
	if accountID == "" {
		u.WriteError(w, http.StatusBadRequest, "id is required", "")
		return
	}

	account, err := h.accountService.GetAccount(r.Context(), accountID)
	if err != nil {
		h.handleServiceError(w, err, "get account")
		return
	}

	u.WriteJSON(w, http.StatusOK, toAccountResponse(account))
}

func (h *AccountHandler) ArchiveAccount(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]
	if accountID == "" {
		u.WriteError(w, http.StatusBadRequest, "id is required", "")
		return
	}

	if err := h.accountService.ArchiveAccount(r.Context(), accountID); err != nil {
		h.handleServiceError(w, err, "archive account")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *AccountHandler) handleServiceError(w http.ResponseWriter, err error, operation string) {
	switch {
	case errors.IsNotFound(err):
		u.WriteError(w, http.StatusNotFound, "account not found", "")
	case errors.IsAlreadyExists(err):
		u.WriteError(w, http.StatusConflict, "account already exists", "")
	case errors.IsValidationError(err):
		u.WriteError(w, http.StatusBadRequest, "validation error", err.Error())
	case err == errors.ErrInvalidAccountID:
		u.WriteError(w, http.StatusBadRequest, "invalid account ID", "")
	case err == errors.ErrInvalidTier:
		u.WriteError(w, http.StatusBadRequest, "invalid tier", "")
	case err == errors.ErrNegativeBalance:
		u.WriteError(w, http.StatusBadRequest, "negative balance not allowed", "")
	default:
		h.logger.Error("internal server error during "+operation, "error", err.Error())
		u.WriteError(w, http.StatusInternalServerError, "internal server error", "")
	}
}

func toAccountResponse(account *models.AccountBalance) models.AccountResponse {
	return models.AccountResponse{
		AccountID:        account.AccountID,
		CreditsRemaining: account.CreditsRemaining,
		Tier:             account.Tier,
		ArchivedAt:       account.ArchivedAt,
	}
}
