package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/riteshkumar/credit-ledger/internal/errors"
	"github.com/riteshkumar/credit-ledger/internal/models"
)

type WebhookEventRepository interface {
	// Insert returns errors.ErrDuplicateEvent when the event id is already recorded.
	Insert(ctx context.Context, event *models.WebhookEvent) error
	GetByEventID(ctx context.Context, eventID string) (*models.WebhookEvent, error)
	MarkProcessed(ctx context.Context, eventID string, accountID *string, status models.EventStatus) error
	MarkFailed(ctx context.Context, eventID string, accountID *string, message string, terminal bool) error
	ListPending(ctx context.Context, receivedBefore time.Time, limit int) ([]*models.WebhookEvent, error)
	// ResetFailed moves a failed, unprocessed event back to pending with its
	// attempt count cleared. It reports false when the event was not failed.
	ResetFailed(ctx context.Context, eventID string) (bool, error)
}

type PostgresWebhookEventRepository struct {
	db *sql.DB
}

func NewWebhookEventRepository(db *sql.DB) *PostgresWebhookEventRepository {
	return &PostgresWebhookEventRepository{db: db}
}

const eventColumns = `event_id, event_type, account_id, payload, status, processed, processed_at,
	error_message, attempts, received_at, updated_at`

func scanEvent(row interface{ Scan(...any) error }) (*models.WebhookEvent, error) {
	event := &models.WebhookEvent{}
	var accountID, errorMessage sql.NullString
	var processedAt sql.NullTime
	err := row.Scan(&event.EventID, &event.EventType, &accountID, &event.Payload, &event.Status,
		&event.Processed, &processedAt, &errorMessage, &event.Attempts, &event.ReceivedAt, &event.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if accountID.Valid {
		event.AccountID = &accountID.String
	}
	if processedAt.Valid {
		event.ProcessedAt = &processedAt.Time
	}
	if errorMessage.Valid {
		event.ErrorMessage = &errorMessage.String
	}
	return event, nil
}

// Insert claims the event id. The primary key rejects a second insert, so a
// duplicate is detected by the constraint rather than a prior read.
func (r *PostgresWebhookEventRepository) Insert(ctx context.Context, event *models.WebhookEvent) error {
	query := `INSERT INTO webhook_events (event_id, event_type, account_id, payload, status, received_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		RETURNING received_at, updated_at`

	if event.Status == "" {
		event.Status = models.EventStatusPending
	}

	err := r.db.QueryRowContext(ctx, query,
		event.EventID,
		event.EventType,
		event.AccountID,
		event.Payload,
		event.Status,
	).Scan(&event.ReceivedAt, &event.UpdatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return errors.ErrDuplicateEvent
		}
		return fmt.Errorf("failed to insert webhook event: %w", err)
	}
	return nil
}

func (r *PostgresWebhookEventRepository) GetByEventID(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM webhook_events WHERE event_id = $1`

	event, err := scanEvent(r.db.QueryRowContext(ctx, query, eventID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	return event, nil
}

// MarkProcessed flips processed once. Later calls for the same event are no-ops.
func (r *PostgresWebhookEventRepository) MarkProcessed(ctx context.Context, eventID string, accountID *string, status models.EventStatus) error {
	query := `UPDATE webhook_events
		SET processed = TRUE, processed_at = CURRENT_TIMESTAMP, status = $2,
			account_id = COALESCE($3, account_id), error_message = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE event_id = $1 AND processed = FALSE`

	if _, err := r.db.ExecContext(ctx, query, eventID, status, accountID); err != nil {
		return fmt.Errorf("failed to mark webhook event processed: %w", err)
	}
	return nil
}

// MarkFailed records an apply error. A terminal failure moves the event out
// of the retry set; a transient one leaves it pending.
func (r *PostgresWebhookEventRepository) MarkFailed(ctx context.Context, eventID string, accountID *string, message string, terminal bool) error {
	status := models.EventStatusPending
	if terminal {
		status = models.EventStatusFailed
	}

	query := `UPDATE webhook_events
		SET status = $2, error_message = $3, attempts = attempts + 1,
			account_id = COALESCE($4, account_id), updated_at = CURRENT_TIMESTAMP
		WHERE event_id = $1 AND processed = FALSE`

	if _, err := r.db.ExecContext(ctx, query, eventID, status, message, accountID); err != nil {
		return fmt.Errorf("failed to mark webhook event failed: %w", err)
	}
	return nil
}

func (r *PostgresWebhookEventRepository) ResetFailed(ctx context.Context, eventID string) (bool, error) {
	query := `UPDATE webhook_events
		SET status = 'pending', attempts = 0, updated_at = CURRENT_TIMESTAMP
		WHERE event_id = $1 AND processed = FALSE AND status = 'failed'`

	res, err := r.db.ExecContext(ctx, query, eventID)
	if err != nil {
		return false, fmt.Errorf("failed to reset webhook event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to reset webhook event: %w", err)
	}
	return n == 1, nil
}

func (r *PostgresWebhookEventRepository) ListPending(ctx context.Context, receivedBefore time.Time, limit int) ([]*models.WebhookEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM webhook_events
		WHERE status = 'pending' AND received_at < $1
		ORDER BY received_at ASC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, receivedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending webhook events: %w", err)
	}
	defer rows.Close()

	var events []*models.WebhookEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		events = append(events, event)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over webhook events: %w", err)
	}
	return events, nil
}
