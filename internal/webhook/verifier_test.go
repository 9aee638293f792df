package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/riteshkumar/credit-ledger/internal/errors"
)

const testSecret = "whsec_test_secret"

func signHeader(payload []byte, secret string, at time.Time) string {
	return stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: at,
	}).Header
}

func TestVerifier_AcceptsValidSignature(t *testing.T) {
	v := NewVerifier(testSecret, 5*time.Minute)
	payload := []byte(`{"id":"evt_1","type":"payment.succeeded","created":1700000000,"data":{"account_id":"acct_1","credits":50}}`)

	event, err := v.Verify(payload, signHeader(payload, testSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, EventPaymentSucceeded, event.Type)
	assert.Equal(t, int64(1700000000), event.Created)
}

func TestVerifier_Rejections(t *testing.T) {
	v := NewVerifier(testSecret, 5*time.Minute)
	payload := []byte(`{"id":"evt_1","type":"payment.succeeded","data":{"account_id":"acct_1","credits":50}}`)

	tests := []struct {
		name   string
		body   []byte
		header string
		want   error
	}{
		{
			name:   "missing header",
			body:   payload,
			header: "",
			want:   errors.ErrInvalidSignature,
		},
		{
			name:   "garbage header",
			body:   payload,
			header: "not-a-signature",
			want:   errors.ErrInvalidSignature,
		},
		{
			name:   "wrong secret",
			body:   payload,
			header: signHeader(payload, "whsec_other", time.Now()),
			want:   errors.ErrInvalidSignature,
		},
		{
			name:   "body altered after signing",
			body:   []byte(`{"id":"evt_1","type":"payment.succeeded","data":{"account_id":"acct_1","credits":5000}}`),
			header: signHeader(payload, testSecret, time.Now()),
			want:   errors.ErrInvalidSignature,
		},
		{
			name:   "outside tolerance",
			body:   payload,
			header: signHeader(payload, testSecret, time.Now().Add(-10*time.Minute)),
			want:   errors.ErrStaleTimestamp,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := v.Verify(tt.body, tt.header)
			assert.Nil(t, event)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, errors.IsAuthenticationError(err))
		})
	}
}

func TestVerifier_NoSecretRejectsEverything(t *testing.T) {
	v := NewVerifier("", 5*time.Minute)
	payload := []byte(`{"id":"evt_1","type":"payment.succeeded"}`)

	_, err := v.Verify(payload, signHeader(payload, "", time.Now()))
	assert.ErrorIs(t, err, errors.ErrInvalidSignature)
}

func TestVerifier_SignedButMalformed(t *testing.T) {
	v := NewVerifier(testSecret, 5*time.Minute)

	for _, body := range []string{`not json`, `{"type":"payment.succeeded"}`, `{"id":"evt_1"}`} {
		payload := []byte(body)
		_, err := v.Verify(payload, signHeader(payload, testSecret, time.Now()))
		assert.True(t, errors.IsMalformedPayload(err), "body %q: %v", body, err)
		assert.False(t, errors.IsAuthenticationError(err))
	}
}
