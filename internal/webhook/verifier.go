package webhook

import (
	stderrors "errors"
	"fmt"
	"time"

	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/riteshkumar/credit-ledger/internal/errors"
)

// Verifier authenticates inbound payloads. Signatures use the
// "t=<unix>,v1=<hex hmac-sha256>" header scheme over "<t>.<raw body>".
type Verifier struct {
	secret    string
	tolerance time.Duration
}

func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	return &Verifier{
		secret:    secret,
		tolerance: tolerance,
	}
}

// Verify checks the signature over the raw bytes and the timestamp window,
// and only then parses the payload.
func (v *Verifier) Verify(payload []byte, signatureHeader string) (*Event, error) {
	if v.secret == "" {
		return nil, fmt.Errorf("%w: signing secret not configured", errors.ErrInvalidSignature)
	}
	if signatureHeader == "" {
		return nil, fmt.Errorf("%w: missing signature header", errors.ErrInvalidSignature)
	}

	if err := stripewebhook.ValidatePayloadWithTolerance(payload, signatureHeader, v.secret, v.tolerance); err != nil {
		if stderrors.Is(err, stripewebhook.ErrTooOld) {
			return nil, fmt.Errorf("%w: %v", errors.ErrStaleTimestamp, err)
		}
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidSignature, err)
	}

	return ParseEvent(payload)
}
