package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/riteshkumar/credit-ledger/internal/models"
	"github.com/riteshkumar/credit-ledger/internal/repository"
)

type RetrierConfig struct {
	Workers       int
	MaxAttempts   int
	SweepInterval time.Duration
	// StaleAfter is the minimum age of a pending event before a sweep picks
	// it up. Negative disables the age check.
	StaleAfter    time.Duration
	SweepBatch    int
	DequeueWait   time.Duration
}

func (c RetrierConfig) withDefaults() RetrierConfig {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 2 * time.Minute
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 100
	}
	if c.DequeueWait <= 0 {
		c.DequeueWait = 5 * time.Second
	}
	return c
}

// Retrier re-applies deferred events. Queue workers handle fresh deferrals;
// the sweeper picks up pending events the queue lost or never saw.
type Retrier struct {
	processor *Processor
	events    repository.WebhookEventRepository
	queue     RetryQueue
	cfg       RetrierConfig
	logger    *slog.Logger
	now       func() time.Time
}

func NewRetrier(processor *Processor, events repository.WebhookEventRepository, queue RetryQueue, cfg RetrierConfig, logger *slog.Logger) *Retrier {
	return &Retrier{
		processor: processor,
		events:    events,
		queue:     queue,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		now:       time.Now,
	}
}

// Run blocks until ctx is cancelled and all workers have stopped.
func (r *Retrier) Run(ctx context.Context) {
	var wg sync.WaitGroup

	if r.queue != nil {
		for i := 0; i < r.cfg.Workers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				r.work(ctx, id)
			}(i)
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.sweepLoop(ctx)
	}()

	r.logger.Info("webhook retrier started",
		"workers", r.cfg.Workers,
		"queue", r.queue != nil,
		"sweep_interval", r.cfg.SweepInterval.String(),
	)
	wg.Wait()
	r.logger.Info("webhook retrier stopped")
}

func (r *Retrier) work(ctx context.Context, id int) {
	for ctx.Err() == nil {
		eventID, err := r.queue.Dequeue(ctx, r.cfg.DequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("retry worker dequeue failed",
				"worker", id,
				"error", err.Error(),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if eventID == "" {
			continue
		}
		if _, err := r.RetryEvent(ctx, eventID); err != nil {
			r.logger.Error("retry failed",
				"worker", id,
				"event_id", eventID,
				"error", err.Error(),
			)
		}
	}
}

func (r *Retrier) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("webhook sweep failed", "error", err.Error())
			}
		}
	}
}

// Sweep retries one batch of pending events older than StaleAfter.
func (r *Retrier) Sweep(ctx context.Context) ([]*Result, error) {
	pending, err := r.events.ListPending(ctx, r.now().Add(-r.cfg.StaleAfter), r.cfg.SweepBatch)
	if err != nil {
		return nil, err
	}

	results := make([]*Result, 0, len(pending))
	for _, record := range pending {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		result, err := r.retryRecord(ctx, record)
		if err != nil {
			r.logger.Error("sweep retry failed",
				"event_id", record.EventID,
				"error", err.Error(),
			)
			continue
		}
		results = append(results, result)
	}

	if len(pending) > 0 {
		r.logger.Info("webhook sweep completed",
			"pending", len(pending),
			"retried", len(results),
		)
	}
	return results, nil
}

func (r *Retrier) RetryEvent(ctx context.Context, eventID string) (*Result, error) {
	record, err := r.events.GetByEventID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return r.retryRecord(ctx, record)
}

// ForceRetryEvent re-applies one event even if it failed terminally, for use
// once an operator has fixed the cause. Processed events are left unchanged.
func (r *Retrier) ForceRetryEvent(ctx context.Context, eventID string) (*Result, error) {
	record, err := r.events.GetByEventID(ctx, eventID)
	if err != nil {
		return nil, err
	}

	if !record.Processed && record.Status == models.EventStatusFailed {
		reset, err := r.events.ResetFailed(ctx, eventID)
		if err != nil {
			return nil, err
		}
		if reset {
			r.logger.Info("failed webhook event reset for retry",
				"event_id", eventID,
				"attempts", record.Attempts,
			)
		}
		if record, err = r.events.GetByEventID(ctx, eventID); err != nil {
			return nil, err
		}
	}
	return r.retryRecord(ctx, record)
}

func (r *Retrier) retryRecord(ctx context.Context, record *models.WebhookEvent) (*Result, error) {
	if record.Processed || record.Status != models.EventStatusPending {
		return &Result{
			EventID:   record.EventID,
			EventType: record.EventType,
			Outcome:   outcomeForStatus(record.Status),
		}, nil
	}

	if record.Attempts >= r.cfg.MaxAttempts {
		message := fmt.Sprintf("gave up after %d attempts", record.Attempts)
		if record.ErrorMessage != nil {
			message += ": " + *record.ErrorMessage
		}
		if err := r.events.MarkFailed(ctx, record.EventID, record.AccountID, message, true); err != nil {
			return nil, err
		}
		r.logger.Error("webhook event exhausted retries",
			"event_id", record.EventID,
			"attempts", record.Attempts,
		)
		return &Result{
			EventID:   record.EventID,
			EventType: record.EventType,
			Outcome:   OutcomeFailed,
			Message:   message,
		}, nil
	}

	return r.processor.Apply(ctx, record)
}
