package handler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/riteshkumar/credit-ledger/internal/models"
	"github.com/riteshkumar/credit-ledger/internal/service"
	"github.com/riteshkumar/credit-ledger/internal/testutil"
	"github.com/riteshkumar/credit-ledger/internal/webhook"
)

func TestWebhookFlow_PurchaseThenRedelivery(t *testing.T) {
	const secret = "whsec_flow"
	logger := discardLogger()
	store := testutil.NewMemoryLedgerStore()
	store.SeedAccount("acct_1", models.TierFree, 3)
	credits := service.NewCreditService(store, logger)

	processor := webhook.NewProcessor(webhook.ProcessorConfig{
		Verifier: webhook.NewVerifier(secret, 5*time.Minute),
		Events:   testutil.NewMemoryEventRepository(),
		Credits:  credits,
		Logger:   logger,
	})

	router := mux.NewRouter()
	NewWebhookHandler(processor, "Stripe-Signature", 0, logger).RegisterRoutes(router)
	NewCreditHandler(credits, logger).RegisterRoutes(router)

	body := []byte(`{"id":"evt_1","type":"payment.succeeded","data":{"account_id":"acct_1","credits":50}}`)
	send := func(header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(body))
		req.Header.Set("Stripe-Signature", header)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	forged := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{Payload: body, Secret: "whsec_forged"})
	assert.Equal(t, http.StatusUnauthorized, send(forged.Header).Code)

	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{Payload: body, Secret: secret})
	w := send(signed.Header)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"outcome":"applied"`)

	w = send(signed.Header)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"outcome":"duplicate"`)

	balance, err := credits.GetBalance(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, int64(53), balance)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/accounts/acct_1/reconcile", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"consistent":true`)
}
