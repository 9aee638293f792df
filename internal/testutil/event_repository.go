package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/riteshkumar/credit-ledger/internal/errors"
	"github.com/riteshkumar/credit-ledger/internal/models"
	"github.com/riteshkumar/credit-ledger/internal/repository"
)

// MemoryEventRepository implements repository.WebhookEventRepository. Insert
// is an atomic insert-if-absent, like the primary key on webhook_events.
type MemoryEventRepository struct {
	mu        sync.Mutex
	events    map[string]*models.WebhookEvent
	insertErr error
}

var _ repository.WebhookEventRepository = (*MemoryEventRepository)(nil)

func NewMemoryEventRepository() *MemoryEventRepository {
	return &MemoryEventRepository{events: make(map[string]*models.WebhookEvent)}
}

// FailInserts makes Insert return err until called again with nil.
func (r *MemoryEventRepository) FailInserts(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insertErr = err
}

func (r *MemoryEventRepository) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Backdate moves an event's receive time into the past.
func (r *MemoryEventRepository) Backdate(eventID string, age time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if event, ok := r.events[eventID]; ok {
		event.ReceivedAt = event.ReceivedAt.Add(-age)
	}
}

func (r *MemoryEventRepository) Insert(ctx context.Context, event *models.WebhookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.insertErr != nil {
		return r.insertErr
	}
	if _, exists := r.events[event.EventID]; exists {
		return errors.ErrDuplicateEvent
	}
	if event.Status == "" {
		event.Status = models.EventStatusPending
	}
	now := time.Now().UTC()
	event.ReceivedAt = now
	event.UpdatedAt = now
	stored := *event
	r.events[event.EventID] = &stored
	return nil
}

func (r *MemoryEventRepository) GetByEventID(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[eventID]
	if !ok {
		return nil, errors.ErrEventNotFound
	}
	copied := *event
	return &copied, nil
}

func (r *MemoryEventRepository) MarkProcessed(ctx context.Context, eventID string, accountID *string, status models.EventStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[eventID]
	if !ok || event.Processed {
		return nil
	}
	now := time.Now().UTC()
	event.Processed = true
	event.ProcessedAt = &now
	event.Status = status
	event.ErrorMessage = nil
	event.UpdatedAt = now
	if accountID != nil {
		event.AccountID = accountID
	}
	return nil
}

func (r *MemoryEventRepository) MarkFailed(ctx context.Context, eventID string, accountID *string, message string, terminal bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[eventID]
	if !ok || event.Processed {
		return nil
	}
	event.Status = models.EventStatusPending
	if terminal {
		event.Status = models.EventStatusFailed
	}
	event.ErrorMessage = &message
	event.Attempts++
	event.UpdatedAt = time.Now().UTC()
	if accountID != nil {
		event.AccountID = accountID
	}
	return nil
}

func (r *MemoryEventRepository) ResetFailed(ctx context.Context, eventID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[eventID]
	if !ok || event.Processed || event.Status != models.EventStatusFailed {
		return false, nil
	}
	event.Status = models.EventStatusPending
	event.Attempts = 0
	event.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *MemoryEventRepository) ListPending(ctx context.Context, receivedBefore time.Time, limit int) ([]*models.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pending []*models.WebhookEvent
	for _, event := range r.events {
		if event.Status == models.EventStatusPending && event.ReceivedAt.Before(receivedBefore) {
			copied := *event
			pending = append(pending, &copied)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].ReceivedAt.Before(pending[j].ReceivedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}
