package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/riteshkumar/credit-ledger/internal/errors"
	"github.com/riteshkumar/credit-ledger/internal/models"
)

type LedgerRepository interface {
	Create(ctx context.Context, tx *sql.Tx, entry *models.LedgerEntry) error
	GetByIdempotencyKey(ctx context.Context, tx *sql.Tx, key string) (*models.LedgerEntry, error)
	GetByExternalRef(ctx context.Context, ref string) (*models.LedgerEntry, error)
	ListByAccountID(ctx context.Context, accountID string) ([]*models.LedgerEntry, error)
	ListByAccountIDTx(ctx context.Context, tx *sql.Tx, accountID string) ([]*models.LedgerEntry, error)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type PostgresLedgerRepository struct {
	db *sql.DB
}

func NewLedgerRepository(db *sql.DB) *PostgresLedgerRepository {
	return &PostgresLedgerRepository{db: db}
}

const entryColumns = `entry_id, seq, account_id, amount, direction, source, balance_after,
	idempotency_key, external_payment_ref, created_at`

func scanEntry(row interface{ Scan(...any) error }) (*models.LedgerEntry, error) {
	entry := &models.LedgerEntry{}
	var key, ref sql.NullString
	err := row.Scan(&entry.EntryID, &entry.Sequence, &entry.AccountID, &entry.Amount, &entry.Direction,
		&entry.Source, &entry.BalanceAfter, &key, &ref, &entry.CreatedAt)
	if err != nil {
		return nil, err
	}
	if key.Valid {
		entry.IdempotencyKey = &key.String
	}
	if ref.Valid {
		entry.ExternalPaymentRef = &ref.String
	}
	return entry, nil
}

// Create appends an entry inside tx. Entries are never updated afterwards.
func (r *PostgresLedgerRepository) Create(ctx context.Context, tx *sql.Tx, entry *models.LedgerEntry) error {
	// Generate UUID if not set
	if entry.EntryID == "" {
		entry.EntryID = uuid.New().String()
	}

	query := `INSERT INTO ledger_entries (entry_id, account_id, amount, direction, source, balance_after,
			idempotency_key, external_payment_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq, created_at`

	err := tx.QueryRowContext(ctx, query,
		entry.EntryID,
		entry.AccountID,
		entry.Amount,
		entry.Direction,
		entry.Source,
		entry.BalanceAfter,
		entry.IdempotencyKey,
		entry.ExternalPaymentRef,
	).Scan(&entry.Sequence, &entry.CreatedAt)

	if err != nil {
		switch pqCode(err) {
		case pqUniqueViolation:
			if pqConstraint(err) == "ledger_entries_idempotency_key_key" {
				return errors.ErrIdempotencyConflict
			}
		case pqCheckViolation:
			if pqConstraint(err) == "ledger_entries_balance_non_negative" {
				return errors.ErrNegativeBalance
			}
			return errors.ErrInvalidAmount
		case pqForeignKeyViolation:
			return errors.ErrAccountNotFound
		}
		return fmt.Errorf("failed to create ledger entry: %w", err)
	}
	return nil
}

// GetByIdempotencyKey looks the key up inside tx so the caller sees entries
// committed by whoever held the account lock before it.
func (r *PostgresLedgerRepository) GetByIdempotencyKey(ctx context.Context, tx *sql.Tx, key string) (*models.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE idempotency_key = $1`

	entry, err := scanEntry(tx.QueryRowContext(ctx, query, key))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrEntryNotFound
		}
		return nil, fmt.Errorf("failed to get ledger entry by idempotency key: %w", err)
	}
	return entry, nil
}

// GetByExternalRef returns the earliest entry carrying the payment reference.
func (r *PostgresLedgerRepository) GetByExternalRef(ctx context.Context, ref string) (*models.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries
		WHERE external_payment_ref = $1 AND direction = 'credit'
		ORDER BY seq ASC LIMIT 1`

	entry, err := scanEntry(r.db.QueryRowContext(ctx, query, ref))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrEntryNotFound
		}
		return nil, fmt.Errorf("failed to get ledger entry by external ref: %w", err)
	}
	return entry, nil
}

func (r *PostgresLedgerRepository) ListByAccountID(ctx context.Context, accountID string) ([]*models.LedgerEntry, error) {
	return listEntries(ctx, r.db, accountID)
}

// ListByAccountIDTx reads the entries inside tx, consistent with a balance
// row locked in the same tx.
func (r *PostgresLedgerRepository) ListByAccountIDTx(ctx context.Context, tx *sql.Tx, accountID string) ([]*models.LedgerEntry, error) {
	return listEntries(ctx, tx, accountID)
}

func listEntries(ctx context.Context, q queryer, accountID string) ([]*models.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries
		WHERE account_id = $1
		ORDER BY seq ASC`
	rows, err := q.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entries by account ID: %w", err)
	}
	defer rows.Close()
	var entries []*models.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over ledger entries: %w", err)
	}
	return entries, nil
}
