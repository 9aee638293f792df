package webhook

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/riteshkumar/credit-ledger/internal/errors"
	"github.com/riteshkumar/credit-ledger/internal/models"
	"github.com/riteshkumar/credit-ledger/internal/repository"
	"github.com/riteshkumar/credit-ledger/internal/service"
)

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeFailed    Outcome = "failed"
)

type Result struct {
	EventID   string  `json:"event_id"`
	EventType string  `json:"event_type"`
	Outcome   Outcome `json:"outcome"`
	Message   string  `json:"message,omitempty"`
}

var (
	errRefundExceedsBalance   = stderrors.New("refund exceeds remaining credits")
	errRefundedPaymentPending = stderrors.New("refunded payment not applied yet")
)

type ProcessorConfig struct {
	Verifier     *Verifier
	Events       repository.WebhookEventRepository
	Credits      service.CreditService
	Queue        RetryQueue
	ApplyTimeout time.Duration
	Logger       *slog.Logger
}

// Processor runs verify, claim and apply for one delivery. Queue is optional;
// without it deferred events are only picked up by the sweeper.
type Processor struct {
	verifier     *Verifier
	dedup        *Deduplicator
	events       repository.WebhookEventRepository
	credits      service.CreditService
	queue        RetryQueue
	applyTimeout time.Duration
	logger       *slog.Logger
}

func NewProcessor(cfg ProcessorConfig) *Processor {
	timeout := cfg.ApplyTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Processor{
		verifier:     cfg.Verifier,
		dedup:        NewDeduplicator(cfg.Events),
		events:       cfg.Events,
		credits:      cfg.Credits,
		queue:        cfg.Queue,
		applyTimeout: timeout,
		logger:       cfg.Logger,
	}
}

// Handle processes one inbound delivery. An error means the delivery was not
// accepted: authentication failure, malformed payload, or a failed claim.
// Once the event is claimed the result carries the outcome and err is nil.
func (p *Processor) Handle(ctx context.Context, payload []byte, signatureHeader string) (*Result, error) {
	event, err := p.verifier.Verify(payload, signatureHeader)
	if err != nil {
		p.logger.Warn("webhook rejected",
			"error", err.Error(),
		)
		return nil, err
	}

	claim, err := p.dedup.Claim(ctx, event.ID, event.Type, payload)
	if err != nil {
		p.logger.Error("failed to claim webhook event",
			"event_id", event.ID,
			"event_type", event.Type,
			"error", err.Error(),
		)
		return nil, err
	}

	if !claim.IsNew {
		p.logger.Info("duplicate webhook event",
			"event_id", event.ID,
			"event_type", event.Type,
			"status", claim.Record.Status,
		)
		return &Result{
			EventID:   event.ID,
			EventType: event.Type,
			Outcome:   OutcomeDuplicate,
		}, nil
	}

	applyCtx, cancel := context.WithTimeout(ctx, p.applyTimeout)
	defer cancel()
	return p.apply(applyCtx, ctx, claim.Record, event, true), nil
}

// Apply re-runs the side effect of a claimed, still pending event. It is
// used by the retry worker and never re-enqueues.
func (p *Processor) Apply(ctx context.Context, record *models.WebhookEvent) (*Result, error) {
	if record.Processed || record.Status != models.EventStatusPending {
		return &Result{
			EventID:   record.EventID,
			EventType: record.EventType,
			Outcome:   outcomeForStatus(record.Status),
		}, nil
	}

	event, err := ParseEvent(record.Payload)
	if err != nil {
		if markErr := p.events.MarkFailed(ctx, record.EventID, nil, err.Error(), true); markErr != nil {
			return nil, markErr
		}
		return &Result{
			EventID:   record.EventID,
			EventType: record.EventType,
			Outcome:   OutcomeFailed,
			Message:   err.Error(),
		}, nil
	}

	applyCtx, cancel := context.WithTimeout(ctx, p.applyTimeout)
	defer cancel()
	return p.apply(applyCtx, ctx, record, event, false), nil
}

// apply runs the side effect under ctx and records the outcome under markCtx,
// so an expired apply deadline still gets the event marked.
func (p *Processor) apply(ctx, markCtx context.Context, record *models.WebhookEvent, event *Event, requeue bool) *Result {
	result := &Result{
		EventID:   event.ID,
		EventType: event.Type,
	}

	status, accountID, err := p.dispatch(ctx, event)
	if err == nil {
		if markErr := p.events.MarkProcessed(markCtx, event.ID, accountID, status); markErr != nil {
			// The side effect is committed and keyed by the event id, so a
			// later retry replays it without a second mutation.
			p.logger.Error("failed to mark webhook event processed",
				"event_id", event.ID,
				"error", markErr.Error(),
			)
		}
		result.Outcome = outcomeForStatus(status)
		p.logger.Info("webhook event processed",
			"event_id", event.ID,
			"event_type", event.Type,
			"outcome", result.Outcome,
			"attempt", record.Attempts+1,
		)
		return result
	}

	result.Message = err.Error()

	if isTerminal(err) {
		result.Outcome = OutcomeFailed
		p.logger.Error("webhook event failed, flagged for manual reconciliation",
			"event_id", event.ID,
			"event_type", event.Type,
			"error", err.Error(),
		)
		if markErr := p.events.MarkFailed(markCtx, event.ID, accountID, err.Error(), true); markErr != nil {
			p.logger.Error("failed to mark webhook event failed",
				"event_id", event.ID,
				"error", markErr.Error(),
			)
		}
		return result
	}

	result.Outcome = OutcomeDeferred
	p.logger.Warn("webhook event deferred for retry",
		"event_id", event.ID,
		"event_type", event.Type,
		"error", err.Error(),
	)
	if markErr := p.events.MarkFailed(markCtx, event.ID, accountID, err.Error(), false); markErr != nil {
		p.logger.Error("failed to record webhook event attempt",
			"event_id", event.ID,
			"error", markErr.Error(),
		)
	}
	if requeue && p.queue != nil {
		if qErr := p.queue.Enqueue(markCtx, event.ID); qErr != nil {
			p.logger.Error("failed to enqueue webhook event retry",
				"event_id", event.ID,
				"error", qErr.Error(),
			)
		}
	}
	return result
}

func (p *Processor) dispatch(ctx context.Context, event *Event) (models.EventStatus, *string, error) {
	switch event.Type {
	case EventPaymentSucceeded:
		return p.applyPayment(ctx, event)
	case EventPaymentRefunded:
		return p.applyRefund(ctx, event)
	case EventPaymentFailed:
		var accountID *string
		if data, err := event.paymentData(); err == nil {
			accountID = models.StringPtr(data.AccountID)
		}
		return models.EventStatusIgnored, accountID, nil
	default:
		return models.EventStatusIgnored, nil, nil
	}
}

func (p *Processor) applyPayment(ctx context.Context, event *Event) (models.EventStatus, *string, error) {
	data, err := event.paymentData()
	if err != nil {
		return "", nil, err
	}
	if data.AccountID == "" {
		return "", nil, errors.NewValidationError("account_id", "required")
	}
	accountID := models.StringPtr(data.AccountID)
	if data.Credits <= 0 {
		return "", accountID, errors.ErrInvalidAmount
	}

	_, err = p.credits.Credit(ctx, &models.CreditRequest{
		AccountID:          data.AccountID,
		Amount:             data.Credits,
		Source:             models.SourcePurchase,
		ExternalPaymentRef: event.ID,
	})
	if err != nil {
		return "", accountID, err
	}
	return models.EventStatusApplied, accountID, nil
}

// applyRefund debits what the referenced payment originally credited.
func (p *Processor) applyRefund(ctx context.Context, event *Event) (models.EventStatus, *string, error) {
	data, err := event.paymentData()
	if err != nil {
		return "", nil, err
	}
	if data.PaymentEventID == "" {
		return "", models.StringPtr(data.AccountID), errors.NewValidationError("payment_event_id", "required")
	}

	original, err := p.credits.EntryByExternalRef(ctx, data.PaymentEventID)
	if err != nil {
		if stderrors.Is(err, errors.ErrEntryNotFound) {
			err = p.refundedPaymentState(ctx, data.PaymentEventID, err)
		}
		return "", models.StringPtr(data.AccountID), err
	}
	accountID := models.StringPtr(original.AccountID)
	if data.AccountID != "" && data.AccountID != original.AccountID {
		return "", accountID, errors.NewValidationError("account_id", "does not match refunded payment")
	}

	result, err := p.credits.Debit(ctx, &models.DebitRequest{
		AccountID:          original.AccountID,
		Amount:             original.Amount,
		IdempotencyKey:     "refund:" + event.ID,
		Source:             models.SourceRefund,
		ExternalPaymentRef: data.PaymentEventID,
	})
	if err != nil {
		return "", accountID, err
	}
	if !result.Success {
		return "", accountID, fmt.Errorf("%w: %d requested, %d available",
			errRefundExceedsBalance, original.Amount, result.CurrentBalance)
	}
	return models.EventStatusApplied, accountID, nil
}

// refundedPaymentState decides whether a refund whose payment has no ledger
// entry yet can wait for it. A payment still pending may apply later, so
// the refund is deferred; anything else keeps notFound.
func (p *Processor) refundedPaymentState(ctx context.Context, paymentEventID string, notFound error) error {
	payment, err := p.events.GetByEventID(ctx, paymentEventID)
	switch {
	case stderrors.Is(err, errors.ErrEventNotFound):
		return notFound
	case err != nil:
		return errors.NewKeyedTransactionError("load refunded payment", paymentEventID, err)
	case !payment.Processed && payment.Status == models.EventStatusPending:
		return errors.NewKeyedTransactionError("refund", paymentEventID, errRefundedPaymentPending)
	}
	return notFound
}

// isTerminal reports errors that no retry can fix. Anything else, including
// unclassified infrastructure errors, is retried.
func isTerminal(err error) bool {
	switch {
	case errors.IsNotFound(err),
		errors.IsArchived(err),
		errors.IsValidationError(err),
		errors.IsIdempotencyConflict(err),
		errors.IsMalformedPayload(err),
		stderrors.Is(err, errors.ErrEntryNotFound),
		stderrors.Is(err, errors.ErrInvalidAmount),
		stderrors.Is(err, errors.ErrInvalidSource),
		stderrors.Is(err, errors.ErrInvalidAccountID),
		stderrors.Is(err, errors.ErrNegativeBalance),
		stderrors.Is(err, errRefundExceedsBalance):
		return true
	}
	return false
}

func outcomeForStatus(status models.EventStatus) Outcome {
	switch status {
	case models.EventStatusApplied:
		return OutcomeApplied
	case models.EventStatusIgnored:
		return OutcomeIgnored
	case models.EventStatusFailed:
		return OutcomeFailed
	default:
		return OutcomeDeferred
	}
}
