package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/riteshkumar/credit-ledger/internal/errors"
	"github.com/riteshkumar/credit-ledger/internal/models"
)

type AccountRepository interface {
	CreateAccount(ctx context.Context, tx *sql.Tx, account *models.AccountBalance) error
	GetAccountByID(ctx context.Context, id string) (*models.AccountBalance, error)
	GetAccountByIDForUpdate(ctx context.Context, tx *sql.Tx, id string) (*models.AccountBalance, error)
	UpdateAccountBalance(ctx context.Context, tx *sql.Tx, id string, newBalance int64) error
	ArchiveAccount(ctx context.Context, id string) error
	ListAccountIDs(ctx context.Context) ([]string, error)
}

type PostgresAccountRepository struct {
	db *sql.DB
}

func NewAccountRepository(db *sql.DB) *PostgresAccountRepository {
	return &PostgresAccountRepository{db: db}
}

const accountColumns = `account_id, credits_remaining, tier, archived_at, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*models.AccountBalance, error) {
	account := &models.AccountBalance{}
	var archivedAt sql.NullTime
	err := row.Scan(&account.AccountID, &account.CreditsRemaining, &account.Tier, &archivedAt, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if archivedAt.Valid {
		account.ArchivedAt = &archivedAt.Time
	}
	return account, nil
}

func (r *PostgresAccountRepository) CreateAccount(ctx context.Context, tx *sql.Tx, account *models.AccountBalance) error {
	query := `INSERT INTO account_balances (account_id, credits_remaining, tier, created_at, updated_at)
		VALUES ($1, $2, $3, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		RETURNING created_at, updated_at`

	err := tx.QueryRowContext(ctx, query, account.AccountID, account.CreditsRemaining, account.Tier).
		Scan(&account.CreatedAt, &account.UpdatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return errors.ErrAccountAlreadyExists
		}
		if isCheckViolation(err) {
			return errors.ErrNegativeBalance
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (r *PostgresAccountRepository) GetAccountByID(ctx context.Context, id string) (*models.AccountBalance, error) {
	query := `SELECT ` + accountColumns + ` FROM account_balances WHERE account_id = $1`

	account, err := scanAccount(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account by ID: %w", err)
	}
	return account, nil
}

func (r *PostgresAccountRepository) GetAccountByIDForUpdate(ctx context.Context, tx *sql.Tx, id string) (*models.AccountBalance, error) {
	query := `SELECT ` + accountColumns + ` FROM account_balances WHERE account_id = $1 FOR UPDATE`

	account, err := scanAccount(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account by ID for update: %w", err)
	}

	return account, nil
}

func (r *PostgresAccountRepository) UpdateAccountBalance(ctx context.Context, tx *sql.Tx, id string, newBalance int64) error {
	query := `UPDATE account_balances SET credits_remaining = $1, updated_at = CURRENT_TIMESTAMP WHERE account_id = $2`

	result, err := tx.ExecContext(ctx, query, newBalance, id)
	if err != nil {
		if isCheckViolation(err) {
			return errors.ErrNegativeBalance
		}
		return fmt.Errorf("failed to update account balance: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected after updating account balance: %w", err)
	}

	if rowsAffected == 0 {
		return errors.ErrAccountNotFound
	}

	return nil
}

// ArchiveAccount soft-archives the balance row. Archiving twice is a no-op.
func (r *PostgresAccountRepository) ArchiveAccount(ctx context.Context, id string) error {
	query := `UPDATE account_balances
		SET archived_at = COALESCE(archived_at, CURRENT_TIMESTAMP), updated_at = CURRENT_TIMESTAMP
		WHERE account_id = $1`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to archive account: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected after archiving account: %w", err)
	}
	if rowsAffected == 0 {
		return errors.ErrAccountNotFound
	}
	return nil
}

func (r *PostgresAccountRepository) ListAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT account_id FROM account_balances ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan account ID: %w", err)
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over accounts: %w", err)
	}
	return ids, nil
}
