package handler

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/riteshkumar/credit-ledger/internal/errors"
	u "github.com/riteshkumar/credit-ledger/internal/utils"
	"github.com/riteshkumar/credit-ledger/internal/webhook"
)

const defaultMaxBodyBytes = 1 << 20

// WebhookProcessor is the part of webhook.Processor the handler needs.
type WebhookProcessor interface {
	Handle(ctx context.Context, payload []byte, signatureHeader string) (*webhook.Result, error)
}

type WebhookHandler struct {
	processor       WebhookProcessor
	signatureHeader string
	maxBodyBytes    int64
	logger          *slog.Logger
}

func NewWebhookHandler(processor WebhookProcessor, signatureHeader string, maxBodyBytes int64, logger *slog.Logger) *WebhookHandler {
	if signatureHeader == "" {
		signatureHeader = "Stripe-Signature"
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return &WebhookHandler{
		processor:       processor,
		signatureHeader: signatureHeader,
		maxBodyBytes:    maxBodyBytes,
		logger:          logger,
	}
}

func (h *WebhookHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/webhooks/payments", h.ReceivePayment).Methods(http.MethodPost)
}

// ReceivePayment reads the raw body before any parsing; the signature covers
// the exact bytes. Everything after a successful claim answers 200 so the
// provider stops redelivering.
func (h *WebhookHandler) ReceivePayment(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if stderrors.As(err, &maxErr) {
			u.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large", "")
			return
		}
		u.WriteError(w, http.StatusBadRequest, "failed to read request body", err.Error())
		return
	}

	result, err := h.processor.Handle(r.Context(), payload, r.Header.Get(h.signatureHeader))
	if err != nil {
		switch {
		case errors.IsAuthenticationError(err):
			u.WriteError(w, http.StatusUnauthorized, "invalid signature", "")
		case errors.IsMalformedPayload(err):
			u.WriteError(w, http.StatusBadRequest, "malformed payload", err.Error())
		default:
			h.logger.Error("failed to accept webhook", "error", err.Error())
			u.WriteError(w, http.StatusInternalServerError, "internal server error", "")
		}
		return
	}

	u.WriteJSON(w, http.StatusOK, result)
}
