// Package testutil provides in-memory stores for unit tests.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/riteshkumar/credit-ledger/internal/errors"
	"github.com/riteshkumar/credit-ledger/internal/models"
	"github.com/riteshkumar/credit-ledger/internal/repository"
)

// MemoryLedgerStore implements repository.LedgerStore with the same locking
// and uniqueness rules as the Postgres store: one writer per account, and
// idempotency keys unique across all accounts.
type MemoryLedgerStore struct {
	mu       sync.Mutex
	accounts map[string]*models.AccountBalance
	entries  []*models.LedgerEntry
	byKey    map[string]*models.LedgerEntry
	locks    map[string]*sync.Mutex
	seq      int64
	lockErr  error
}

var _ repository.LedgerStore = (*MemoryLedgerStore)(nil)

func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{
		accounts: make(map[string]*models.AccountBalance),
		byKey:    make(map[string]*models.LedgerEntry),
		locks:    make(map[string]*sync.Mutex),
	}
}

// FailLocks makes every WithAccountLock call fail with a retryable error
// wrapping err until called again with nil.
func (s *MemoryLedgerStore) FailLocks(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockErr = err
}

// SeedAccount stores an account with the given balance and no entries.
func (s *MemoryLedgerStore) SeedAccount(accountID string, tier models.Tier, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.accounts[accountID] = &models.AccountBalance{
		AccountID:        accountID,
		CreditsRemaining: balance,
		Tier:             tier,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// SetBalance overwrites a balance without writing an entry.
func (s *MemoryLedgerStore) SetBalance(accountID string, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if account, ok := s.accounts[accountID]; ok {
		account.CreditsRemaining = balance
	}
}

func (s *MemoryLedgerStore) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryLedgerStore) accountLock(accountID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[accountID] = lock
	}
	return lock
}

type memoryAccountTx struct {
	store   *MemoryLedgerStore
	account *models.AccountBalance
	staged  []*models.LedgerEntry
}

func (a *memoryAccountTx) Account() *models.AccountBalance {
	return a.account
}

func (a *memoryAccountTx) EntryByIdempotencyKey(ctx context.Context, key string) (*models.LedgerEntry, error) {
	for _, entry := range a.staged {
		if entry.IdempotencyKey != nil && *entry.IdempotencyKey == key {
			return copyEntry(entry), nil
		}
	}
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	if entry, ok := a.store.byKey[key]; ok {
		return copyEntry(entry), nil
	}
	return nil, errors.ErrEntryNotFound
}

func (a *memoryAccountTx) AppendEntry(ctx context.Context, entry *models.LedgerEntry) error {
	if entry.AccountID != a.account.AccountID {
		return fmt.Errorf("entry for account %s appended under lock of %s", entry.AccountID, a.account.AccountID)
	}
	if entry.Amount <= 0 {
		return errors.ErrInvalidAmount
	}
	if entry.BalanceAfter < 0 {
		return errors.ErrNegativeBalance
	}
	if entry.EntryID == "" {
		entry.EntryID = uuid.New().String()
	}
	entry.CreatedAt = time.Now().UTC()
	a.staged = append(a.staged, entry)
	a.account.CreditsRemaining = entry.BalanceAfter
	return nil
}

func (a *memoryAccountTx) Entries(ctx context.Context) ([]*models.LedgerEntry, error) {
	entries, err := a.store.ListEntries(ctx, a.account.AccountID)
	if err != nil {
		return nil, err
	}
	for _, entry := range a.staged {
		entries = append(entries, copyEntry(entry))
	}
	return entries, nil
}

func (s *MemoryLedgerStore) WithAccountLock(ctx context.Context, accountID string, fn func(ctx context.Context, atx repository.AccountTx) error) error {
	if err := ctx.Err(); err != nil {
		return errors.NewKeyedTransactionError("begin", accountID, err)
	}

	s.mu.Lock()
	lockErr := s.lockErr
	s.mu.Unlock()
	if lockErr != nil {
		return errors.NewKeyedTransactionError("begin", accountID, lockErr)
	}

	lock := s.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	stored, ok := s.accounts[accountID]
	var snapshot models.AccountBalance
	if ok {
		snapshot = *stored
	}
	s.mu.Unlock()
	if !ok {
		return errors.ErrAccountNotFound
	}

	atx := &memoryAccountTx{store: s, account: &snapshot}
	if err := fn(ctx, atx); err != nil {
		return err
	}
	return s.commit(accountID, atx.staged)
}

// commit applies staged entries atomically, rejecting any idempotency key
// another account committed in the meantime.
func (s *MemoryLedgerStore) commit(accountID string, staged []*models.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range staged {
		if entry.IdempotencyKey != nil {
			if _, taken := s.byKey[*entry.IdempotencyKey]; taken {
				return errors.ErrIdempotencyConflict
			}
		}
	}

	account := s.accounts[accountID]
	for _, entry := range staged {
		s.seq++
		entry.Sequence = s.seq
		stored := copyEntry(entry)
		s.entries = append(s.entries, stored)
		if stored.IdempotencyKey != nil {
			s.byKey[*stored.IdempotencyKey] = stored
		}
		account.CreditsRemaining = entry.BalanceAfter
		account.UpdatedAt = entry.CreatedAt
	}
	return nil
}

func (s *MemoryLedgerStore) CreateAccount(ctx context.Context, account *models.AccountBalance, opening *models.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[account.AccountID]; exists {
		return errors.ErrAccountAlreadyExists
	}
	if account.CreditsRemaining < 0 {
		return errors.ErrNegativeBalance
	}

	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now
	stored := *account
	s.accounts[account.AccountID] = &stored

	if opening != nil {
		s.seq++
		opening.EntryID = uuid.New().String()
		opening.Sequence = s.seq
		opening.CreatedAt = now
		entry := copyEntry(opening)
		s.entries = append(s.entries, entry)
		if entry.IdempotencyKey != nil {
			s.byKey[*entry.IdempotencyKey] = entry
		}
	}
	return nil
}

func (s *MemoryLedgerStore) GetAccount(ctx context.Context, accountID string) (*models.AccountBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[accountID]
	if !ok {
		return nil, errors.ErrAccountNotFound
	}
	copied := *account
	return &copied, nil
}

func (s *MemoryLedgerStore) ArchiveAccount(ctx context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[accountID]
	if !ok {
		return errors.ErrAccountNotFound
	}
	if account.ArchivedAt == nil {
		now := time.Now().UTC()
		account.ArchivedAt = &now
	}
	return nil
}

func (s *MemoryLedgerStore) ListAccountIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryLedgerStore) ListEntries(ctx context.Context, accountID string) ([]*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []*models.LedgerEntry
	for _, entry := range s.entries {
		if entry.AccountID == accountID {
			entries = append(entries, copyEntry(entry))
		}
	}
	return entries, nil
}

func (s *MemoryLedgerStore) FindEntryByExternalRef(ctx context.Context, ref string) (*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.entries {
		if entry.Direction == models.DirectionCredit && entry.ExternalPaymentRef != nil && *entry.ExternalPaymentRef == ref {
			return copyEntry(entry), nil
		}
	}
	return nil, errors.ErrEntryNotFound
}

func copyEntry(entry *models.LedgerEntry) *models.LedgerEntry {
	copied := *entry
	return &copied
}
