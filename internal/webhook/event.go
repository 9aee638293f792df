package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/riteshkumar/credit-ledger/internal/errors"
)

const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
	EventPaymentRefunded  = "payment.refunded"
)

// Event is the provider envelope. Data is decoded per event type.
type Event struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    json.RawMessage `json:"data"`
}

func (e *Event) CreatedAt() time.Time {
	return time.Unix(e.Created, 0).UTC()
}

// PaymentData is the data object of payment.* events. PaymentEventID is set
// on refunds and names the payment.succeeded event being refunded.
type PaymentData struct {
	AccountID      string `json:"account_id"`
	Credits        int64  `json:"credits"`
	PaymentEventID string `json:"payment_event_id,omitempty"`
}

// ParseEvent decodes the envelope of an already verified payload.
func ParseEvent(raw []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrMalformedPayload, err)
	}
	event.ID = strings.TrimSpace(event.ID)
	event.Type = strings.TrimSpace(event.Type)
	if event.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", errors.ErrMalformedPayload)
	}
	if event.Type == "" {
		return nil, fmt.Errorf("%w: missing event type", errors.ErrMalformedPayload)
	}
	return &event, nil
}

func (e *Event) paymentData() (*PaymentData, error) {
	if len(e.Data) == 0 {
		return nil, errors.NewValidationError("data", "missing")
	}
	var data PaymentData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, errors.NewValidationError("data", err.Error())
	}
	data.AccountID = strings.TrimSpace(data.AccountID)
	data.PaymentEventID = strings.TrimSpace(data.PaymentEventID)
	return &data, nil
}
