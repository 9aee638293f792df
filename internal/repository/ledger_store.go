package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	"github.com/riteshkumar/credit-ledger/internal/errors"
	"github.com/riteshkumar/credit-ledger/internal/models"
)

// AccountTx is the view of one locked account handed to WithAccountLock.
// It is only valid until the callback returns.
type AccountTx interface {
	Account() *models.AccountBalance
	// EntryByIdempotencyKey returns errors.ErrEntryNotFound when the key is unused.
	EntryByIdempotencyKey(ctx context.Context, key string) (*models.LedgerEntry, error)
	// AppendEntry sets the balance to entry.BalanceAfter and inserts entry.
	AppendEntry(ctx context.Context, entry *models.LedgerEntry) error
	// Entries lists the account's entries as of the lock, in sequence order.
	Entries(ctx context.Context) ([]*models.LedgerEntry, error)
}

// LedgerStore is the persistence boundary for balances and ledger entries.
type LedgerStore interface {
	WithAccountLock(ctx context.Context, accountID string, fn func(ctx context.Context, atx AccountTx) error) error
	CreateAccount(ctx context.Context, account *models.AccountBalance, opening *models.LedgerEntry) error
	GetAccount(ctx context.Context, accountID string) (*models.AccountBalance, error)
	ArchiveAccount(ctx context.Context, accountID string) error
	ListAccountIDs(ctx context.Context) ([]string, error)
	ListEntries(ctx context.Context, accountID string) ([]*models.LedgerEntry, error)
	FindEntryByExternalRef(ctx context.Context, ref string) (*models.LedgerEntry, error)
}

type PostgresLedgerStore struct {
	db          *sql.DB
	accountRepo AccountRepository
	ledgerRepo  LedgerRepository
}

func NewLedgerStore(db *sql.DB, accountRepo AccountRepository, ledgerRepo LedgerRepository) *PostgresLedgerStore {
	return &PostgresLedgerStore{
		db:          db,
		accountRepo: accountRepo,
		ledgerRepo:  ledgerRepo,
	}
}

type postgresAccountTx struct {
	tx          *sql.Tx
	account     *models.AccountBalance
	accountRepo AccountRepository
	ledgerRepo  LedgerRepository
}

func (a *postgresAccountTx) Account() *models.AccountBalance {
	return a.account
}

func (a *postgresAccountTx) EntryByIdempotencyKey(ctx context.Context, key string) (*models.LedgerEntry, error) {
	return a.ledgerRepo.GetByIdempotencyKey(ctx, a.tx, key)
}

func (a *postgresAccountTx) AppendEntry(ctx context.Context, entry *models.LedgerEntry) error {
	if entry.AccountID != a.account.AccountID {
		return fmt.Errorf("entry for account %s appended under lock of %s", entry.AccountID, a.account.AccountID)
	}
	if err := a.accountRepo.UpdateAccountBalance(ctx, a.tx, a.account.AccountID, entry.BalanceAfter); err != nil {
		return err
	}
	if err := a.ledgerRepo.Create(ctx, a.tx, entry); err != nil {
		return err
	}
	a.account.CreditsRemaining = entry.BalanceAfter
	return nil
}

func (a *postgresAccountTx) Entries(ctx context.Context) ([]*models.LedgerEntry, error) {
	return a.ledgerRepo.ListByAccountIDTx(ctx, a.tx, a.account.AccountID)
}

// WithAccountLock runs fn while holding a row lock on the account's balance.
// Read committed is enough here: the FOR UPDATE lock serializes writers and
// every statement after it sees rows committed by the previous holder.
func (s *PostgresLedgerStore) WithAccountLock(ctx context.Context, accountID string, fn func(ctx context.Context, atx AccountTx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return errors.NewKeyedTransactionError("begin", accountID, err)
	}

	// Ensure rollback on error
	defer func() {
		if tx != nil {
			tx.Rollback()
		}
	}()

	account, err := s.accountRepo.GetAccountByIDForUpdate(ctx, tx, accountID)
	if err != nil {
		if errors.IsNotFound(err) {
			return err
		}
		return errors.NewKeyedTransactionError("lock account", accountID, err)
	}

	if err := fn(ctx, &postgresAccountTx{
		tx:          tx,
		account:     account,
		accountRepo: s.accountRepo,
		ledgerRepo:  s.ledgerRepo,
	}); err != nil {
		return classifyStoreError("apply", accountID, err)
	}

	if err := tx.Commit(); err != nil {
		return classifyStoreError("commit", accountID, err)
	}

	// Nullify tx to avoid rollback in defer
	tx = nil
	return nil
}

// CreateAccount inserts the balance row and, when present, the opening entry
// that explains its starting balance.
func (s *PostgresLedgerStore) CreateAccount(ctx context.Context, account *models.AccountBalance, opening *models.LedgerEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewKeyedTransactionError("begin", account.AccountID, err)
	}
	defer func() {
		if tx != nil {
			tx.Rollback()
		}
	}()

	if err := s.accountRepo.CreateAccount(ctx, tx, account); err != nil {
		return classifyStoreError("create account", account.AccountID, err)
	}
	if opening != nil {
		if err := s.ledgerRepo.Create(ctx, tx, opening); err != nil {
			return classifyStoreError("create opening entry", account.AccountID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.NewKeyedTransactionError("commit", account.AccountID, err)
	}
	tx = nil
	return nil
}

func (s *PostgresLedgerStore) GetAccount(ctx context.Context, accountID string) (*models.AccountBalance, error) {
	return s.accountRepo.GetAccountByID(ctx, accountID)
}

func (s *PostgresLedgerStore) ArchiveAccount(ctx context.Context, accountID string) error {
	return s.accountRepo.ArchiveAccount(ctx, accountID)
}

func (s *PostgresLedgerStore) ListAccountIDs(ctx context.Context) ([]string, error) {
	return s.accountRepo.ListAccountIDs(ctx)
}

func (s *PostgresLedgerStore) ListEntries(ctx context.Context, accountID string) ([]*models.LedgerEntry, error) {
	return s.ledgerRepo.ListByAccountID(ctx, accountID)
}

func (s *PostgresLedgerStore) FindEntryByExternalRef(ctx context.Context, ref string) (*models.LedgerEntry, error) {
	return s.ledgerRepo.GetByExternalRef(ctx, ref)
}

// classifyStoreError keeps domain errors as they are and wraps everything
// else as a retryable transaction error.
func classifyStoreError(operation, key string, err error) error {
	switch {
	case stderrors.Is(err, errors.ErrAccountNotFound),
		stderrors.Is(err, errors.ErrAccountAlreadyExists),
		stderrors.Is(err, errors.ErrAccountArchived),
		stderrors.Is(err, errors.ErrNegativeBalance),
		stderrors.Is(err, errors.ErrInvalidAmount),
		stderrors.Is(err, errors.ErrIdempotencyConflict),
		errors.IsValidationError(err),
		errors.IsRetryable(err):
		return err
	}
	return errors.NewKeyedTransactionError(operation, key, err)
}
