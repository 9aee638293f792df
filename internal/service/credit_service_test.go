package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riteshkumar/credit-ledger/internal/errors"
	"github.com/riteshkumar/credit-ledger/internal/models"
	"github.com/riteshkumar/credit-ledger/internal/repository"
	"github.com/riteshkumar/credit-ledger/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCreditService(t *testing.T) (*CreditServiceImpl, *testutil.MemoryLedgerStore) {
	t.Helper()
	store := testutil.NewMemoryLedgerStore()
	return NewCreditService(store, discardLogger()), store
}

func TestDebit_SpendUnderContention(t *testing.T) {
	svc, store := newCreditService(t)
	store.SeedAccount("acct_1", models.TierFree, 1)

	var wg sync.WaitGroup
	results := make([]*models.DebitResult, 2)
	errs := make([]error, 2)
	for i, key := range []string{"op_a", "op_b"} {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			results[i], errs[i] = svc.Debit(context.Background(), &models.DebitRequest{
				AccountID:      "acct_1",
				Amount:         1,
				IdempotencyKey: key,
			})
		}(i, key)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
			assert.Equal(t, int64(0), r.BalanceAfter)
		} else {
			assert.Equal(t, models.ReasonInsufficientCredits, r.Reason)
			assert.Equal(t, int64(0), r.CurrentBalance)
		}
	}
	assert.Equal(t, 1, succeeded)

	balance, err := svc.GetBalance(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
	assert.Equal(t, 1, store.EntryCount())
}

func TestDebit_RetriedSpend(t *testing.T) {
	svc, store := newCreditService(t)
	store.SeedAccount("acct_1", models.TierBasic, 5)

	req := &models.DebitRequest{AccountID: "acct_1", Amount: 2, IdempotencyKey: "op_x"}

	first, err := svc.Debit(context.Background(), req)
	require.NoError(t, err)
	require.True(t, first.Success)
	assert.Equal(t, int64(3), first.BalanceAfter)
	assert.False(t, first.Replayed)

	second, err := svc.Debit(context.Background(), &models.DebitRequest{AccountID: "acct_1", Amount: 2, IdempotencyKey: "op_x"})
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.BalanceAfter, second.BalanceAfter)
	assert.Equal(t, first.Entry.EntryID, second.Entry.EntryID)

	balance, err := svc.GetBalance(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), balance)
	assert.Equal(t, 1, store.EntryCount())
}

func TestDebit_NeverGoesNegative(t *testing.T) {
	svc, store := newCreditService(t)
	store.SeedAccount("acct_1", models.TierPro, 25)

	const workers = 40
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Debit(context.Background(), &models.DebitRequest{
				AccountID:      "acct_1",
				Amount:         int64(1 + i%3),
				IdempotencyKey: fmt.Sprintf("op_%d", i),
			})
			if !assert.NoError(t, err) {
				return
			}
			if res.Success {
				assert.GreaterOrEqual(t, res.BalanceAfter, int64(0))
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	balance, err := svc.GetBalance(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, balance, int64(0))
	assert.Equal(t, succeeded, store.EntryCount())

	entries, err := svc.ListEntries(context.Background(), "acct_1")
	require.NoError(t, err)
	var spent int64
	for _, e := range entries {
		spent += e.Amount
	}
	assert.Equal(t, int64(25)-spent, balance)
}

func TestDebit_InsufficientCreditsLeavesStateUnchanged(t *testing.T) {
	svc, store := newCreditService(t)
	store.SeedAccount("acct_1", models.TierFree, 3)

	res, err := svc.Debit(context.Background(), &models.DebitRequest{AccountID: "acct_1", Amount: 4, IdempotencyKey: "op_big"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, models.ReasonInsufficientCredits, res.Reason)
	assert.Equal(t, int64(3), res.CurrentBalance)
	assert.Nil(t, res.Entry)
	assert.Equal(t, 0, store.EntryCount())

	// The key was not consumed, so a smaller retry under it succeeds.
	res, err = svc.Debit(context.Background(), &models.DebitRequest{AccountID: "acct_1", Amount: 3, IdempotencyKey: "op_big"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(0), res.BalanceAfter)
}

func TestDebit_KeyReuseWithDifferentAmount(t *testing.T) {
	svc, store := newCreditService(t)
	store.SeedAccount("acct_1", models.TierBasic, 10)

	_, err := svc.Debit(context.Background(), &models.DebitRequest{AccountID: "acct_1", Amount: 2, IdempotencyKey: "op_1"})
	require.NoError(t, err)

	_, err = svc.Debit(context.Background(), &models.DebitRequest{AccountID: "acct_1", Amount: 5, IdempotencyKey: "op_1"})
	assert.True(t, errors.IsIdempotencyConflict(err))

	balance, err := svc.GetBalance(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, int64(8), balance)
}

func TestDebit_KeyReuseAcrossAccounts(t *testing.T) {
	svc, store := newCreditService(t)
	store.SeedAccount("acct_1", models.TierBasic, 10)
	store.SeedAccount("acct_2", models.TierBasic, 10)

	_, err := svc.Debit(context.Background(), &models.DebitRequest{AccountID: "acct_1", Amount: 2, IdempotencyKey: "shared"})
	require.NoError(t, err)

	_, err = svc.Debit(context.Background(), &models.DebitRequest{AccountID: "acct_2", Amount: 2, IdempotencyKey: "shared"})
	assert.True(t, errors.IsIdempotencyConflict(err))
}

func TestDebit_Validation(t *testing.T) {
	svc, store := newCreditService(t)
	store.SeedAccount("acct_1", models.TierFree, 3)

	tests := []struct {
		name string
		req  *models.DebitRequest
		want error
	}{
		{"missing account", &models.DebitRequest{Amount: 1, IdempotencyKey: "k"}, errors.ErrInvalidAccountID},
		{"zero amount", &models.DebitRequest{AccountID: "acct_1", IdempotencyKey: "k"}, errors.ErrInvalidAmount},
		{"negative amount", &models.DebitRequest{AccountID: "acct_1", Amount: -1, IdempotencyKey: "k"}, errors.ErrInvalidAmount},
		{"missing key", &models.DebitRequest{AccountID: "acct_1", Amount: 1}, errors.ErrIdempotencyKeyRequired},
		{"purchase source", &models.DebitRequest{AccountID: "acct_1", Amount: 1, IdempotencyKey: "k", Source: models.SourcePurchase}, errors.ErrInvalidSource},
		{"unknown account", &models.DebitRequest{AccountID: "acct_missing", Amount: 1, IdempotencyKey: "k"}, errors.ErrAccountNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Debit(context.Background(), tt.req)
			assert.True(t, stderrors.Is(err, tt.want), "got %v", err)
		})
	}
	assert.Equal(t, 0, store.EntryCount())
}

func TestDebit_ArchivedAccount(t *testing.T) {
	svc, store := newCreditService(t)
	store.SeedAccount("acct_1", models.TierFree, 3)
	require.NoError(t, store.ArchiveAccount(context.Background(), "acct_1"))

	_, err := svc.Debit(context.Background(), &models.DebitRequest{AccountID: "acct_1", Amount: 1, IdempotencyKey: "k"})
	assert.True(t, errors.IsArchived(err))
}

func TestDebit_StoreFailureIsRetryable(t *testing.T) {
	svc, store := newCreditService(t)
	store.SeedAccount("acct_1", models.TierFree, 3)
	store.FailLocks(stderrors.New("connection reset"))

	_, err := svc.Debit(context.Background(), &models.DebitRequest{AccountID: "acct_1", Amount: 1, IdempotencyKey: "op_1"})
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))

	var txErr *errors.TransactionError
	require.True(t, stderrors.As(err, &txErr))
	assert.Equal(t, "op_1", txErr.Key)

	store.FailLocks(nil)
	res, err := svc.Debit(context.Background(), &models.DebitRequest{AccountID: "acct_1", Amount: 1, IdempotencyKey: "op_1"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(2), res.BalanceAfter)
}

func TestCredit_PaymentRefIsIdempotent(t *testing.T) {
	svc, store := newCreditService(t)
	store.SeedAccount("acct_1", models.TierFree, 3)

	req := func() *models.CreditRequest {
		return &models.CreditRequest{
			AccountID:          "acct_1",
			Amount:             50,
			Source:             models.SourcePurchase,
			ExternalPaymentRef: "evt_1",
		}
	}

	first, err := svc.Credit(context.Background(), req())
	require.NoError(t, err)
	assert.Equal(t, int64(53), first.BalanceAfter)
	assert.Equal(t, "payment:evt_1", *first.Entry.IdempotencyKey)

	second, err := svc.Credit(context.Background(), req())
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, int64(53), second.BalanceAfter)

	balance, err := svc.GetBalance(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, int64(53), balance)
	assert.Equal(t, 1, store.EntryCount())
}

func TestCredit_WithoutKeyOrRefAlwaysApplies(t *testing.T) {
	svc, store := newCreditService(t)
	store.SeedAccount("acct_1", models.TierFree, 0)

	for i := 0; i < 2; i++ {
		_, err := svc.Credit(context.Background(), &models.CreditRequest{AccountID: "acct_1", Amount: 5, Source: models.SourceBonus})
		require.NoError(t, err)
	}

	balance, err := svc.GetBalance(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)
}

func TestCredit_Validation(t *testing.T) {
	svc, store := newCreditService(t)
	store.SeedAccount("acct_1", models.TierFree, 0)

	_, err := svc.Credit(context.Background(), &models.CreditRequest{AccountID: "acct_1", Amount: 0, Source: models.SourceBonus})
	assert.ErrorIs(t, err, errors.ErrInvalidAmount)

	_, err = svc.Credit(context.Background(), &models.CreditRequest{AccountID: "acct_1", Amount: 1, Source: models.SourceUsage})
	assert.ErrorIs(t, err, errors.ErrInvalidSource)

	_, err = svc.Credit(context.Background(), &models.CreditRequest{AccountID: "nope", Amount: 1, Source: models.SourceBonus})
	assert.True(t, errors.IsNotFound(err))
}

func TestCredit_RejectsBalanceOverflow(t *testing.T) {
	svc, store := newCreditService(t)
	store.SeedAccount("acct_1", models.TierFree, math.MaxInt64-1)

	_, err := svc.Credit(context.Background(), &models.CreditRequest{AccountID: "acct_1", Amount: 5, Source: models.SourceBonus})
	assert.ErrorIs(t, err, errors.ErrInvalidAmount)

	balance, err := svc.GetBalance(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64-1), balance)
	assert.Zero(t, store.EntryCount())

	res, err := svc.Credit(context.Background(), &models.CreditRequest{AccountID: "acct_1", Amount: 1, Source: models.SourceBonus})
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), res.BalanceAfter)
}

// writeDuringReconcileStore starts a debit on the same account while
// Reconcile is reading the ledger.
type writeDuringReconcileStore struct {
	*testutil.MemoryLedgerStore
	onEntries func()
}

func (s *writeDuringReconcileStore) WithAccountLock(ctx context.Context, accountID string, fn func(ctx context.Context, atx repository.AccountTx) error) error {
	return s.MemoryLedgerStore.WithAccountLock(ctx, accountID, func(ctx context.Context, atx repository.AccountTx) error {
		return fn(ctx, &writeDuringReconcileTx{AccountTx: atx, onEntries: s.onEntries})
	})
}

func (s *writeDuringReconcileStore) ListEntries(ctx context.Context, accountID string) ([]*models.LedgerEntry, error) {
	if s.onEntries != nil {
		s.onEntries()
	}
	return s.MemoryLedgerStore.ListEntries(ctx, accountID)
}

type writeDuringReconcileTx struct {
	repository.AccountTx
	onEntries func()
}

func (a *writeDuringReconcileTx) Entries(ctx context.Context) ([]*models.LedgerEntry, error) {
	if a.onEntries != nil {
		a.onEntries()
	}
	return a.AccountTx.Entries(ctx)
}

func TestReconcile_ConcurrentWriteIsNotDrift(t *testing.T) {
	memory := testutil.NewMemoryLedgerStore()
	store := &writeDuringReconcileStore{MemoryLedgerStore: memory}
	svc := NewCreditService(store, discardLogger())
	ctx := context.Background()

	memory.SeedAccount("acct_1", models.TierFree, 0)
	_, err := svc.Credit(ctx, &models.CreditRequest{AccountID: "acct_1", Amount: 3, Source: models.SourceBonus})
	require.NoError(t, err)

	var once sync.Once
	var wg sync.WaitGroup
	var debitErr error
	store.onEntries = func() {
		once.Do(func() {
			wg.Add(1)
			started := make(chan struct{})
			go func() {
				defer wg.Done()
				close(started)
				_, debitErr = svc.Debit(ctx, &models.DebitRequest{AccountID: "acct_1", Amount: 1, IdempotencyKey: "op_1"})
			}()
			<-started
			time.Sleep(20 * time.Millisecond)
		})
	}

	report, err := svc.Reconcile(ctx, "acct_1")
	require.NoError(t, err)
	wg.Wait()
	require.NoError(t, debitErr)

	assert.True(t, report.Consistent)
	assert.Equal(t, report.CreditsRemaining, report.LedgerSum)
	assert.Equal(t, int64(3), report.CreditsRemaining)

	store.onEntries = nil
	report, err = svc.Reconcile(ctx, "acct_1")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, int64(2), report.CreditsRemaining)
	assert.Equal(t, 2, report.EntryCount)
}

func TestReconcile(t *testing.T) {
	svc, store := newCreditService(t)
	store.SeedAccount("acct_1", models.TierFree, 0)
	ctx := context.Background()

	_, err := svc.Credit(ctx, &models.CreditRequest{AccountID: "acct_1", Amount: 10, Source: models.SourcePurchase, ExternalPaymentRef: "evt_1"})
	require.NoError(t, err)
	_, err = svc.Debit(ctx, &models.DebitRequest{AccountID: "acct_1", Amount: 4, IdempotencyKey: "op_1"})
	require.NoError(t, err)

	report, err := svc.Reconcile(ctx, "acct_1")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, int64(6), report.LedgerSum)
	assert.Equal(t, 2, report.EntryCount)
	assert.Zero(t, report.FirstDriftSequence)

	store.SetBalance("acct_1", 99)

	report, err = svc.Reconcile(ctx, "acct_1")
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	assert.Equal(t, int64(99), report.CreditsRemaining)
	assert.Equal(t, int64(6), report.LedgerSum)
}

func TestEntryByExternalRef(t *testing.T) {
	svc, store := newCreditService(t)
	store.SeedAccount("acct_1", models.TierFree, 0)
	ctx := context.Background()

	_, err := svc.EntryByExternalRef(ctx, "evt_1")
	assert.ErrorIs(t, err, errors.ErrEntryNotFound)

	_, err = svc.Credit(ctx, &models.CreditRequest{AccountID: "acct_1", Amount: 10, Source: models.SourcePurchase, ExternalPaymentRef: "evt_1"})
	require.NoError(t, err)

	entry, err := svc.EntryByExternalRef(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, "acct_1", entry.AccountID)
	assert.Equal(t, int64(10), entry.Amount)
}
