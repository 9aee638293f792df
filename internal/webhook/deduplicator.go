package webhook

import (
	"context"
	stderrors "errors"

	"github.com/riteshkumar/credit-ledger/internal/errors"
	"github.com/riteshkumar/credit-ledger/internal/models"
	"github.com/riteshkumar/credit-ledger/internal/repository"
)

type ClaimResult struct {
	IsNew  bool
	Record *models.WebhookEvent
}

// Deduplicator records provider event ids before any side effect runs.
type Deduplicator struct {
	events repository.WebhookEventRepository
}

func NewDeduplicator(events repository.WebhookEventRepository) *Deduplicator {
	return &Deduplicator{events: events}
}

// Claim inserts the event record. Losing the insert to the unique key means
// another delivery already owns the event; the prior record is returned.
func (d *Deduplicator) Claim(ctx context.Context, eventID, eventType string, payload []byte) (*ClaimResult, error) {
	record := &models.WebhookEvent{
		EventID:   eventID,
		EventType: eventType,
		Payload:   payload,
		Status:    models.EventStatusPending,
	}

	err := d.events.Insert(ctx, record)
	if err == nil {
		return &ClaimResult{IsNew: true, Record: record}, nil
	}
	if !stderrors.Is(err, errors.ErrDuplicateEvent) {
		return nil, errors.NewKeyedTransactionError("claim event", eventID, err)
	}

	prior, err := d.events.GetByEventID(ctx, eventID)
	if err != nil {
		return nil, errors.NewKeyedTransactionError("load claimed event", eventID, err)
	}
	return &ClaimResult{IsNew: false, Record: prior}, nil
}
