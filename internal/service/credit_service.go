package service

import (
	"context"
	stderrors "errors"
	"log/slog"
	"math"

	"github.com/google/uuid"

	"github.com/riteshkumar/credit-ledger/internal/errors"
	"github.com/riteshkumar/credit-ledger/internal/models"
	"github.com/riteshkumar/credit-ledger/internal/repository"
)

// CreditService is the only code path allowed to change a balance.
type CreditService interface {
	Debit(ctx context.Context, req *models.DebitRequest) (*models.DebitResult, error)
	Credit(ctx context.Context, req *models.CreditRequest) (*models.CreditResult, error)
	GetBalance(ctx context.Context, accountID string) (int64, error)
	ListEntries(ctx context.Context, accountID string) ([]*models.LedgerEntry, error)
	EntryByExternalRef(ctx context.Context, ref string) (*models.LedgerEntry, error)
	Reconcile(ctx context.Context, accountID string) (*models.ReconciliationReport, error)
}

type CreditServiceImpl struct {
	store  repository.LedgerStore
	logger *slog.Logger
}

func NewCreditService(store repository.LedgerStore, logger *slog.Logger) *CreditServiceImpl {
	return &CreditServiceImpl{
		store:  store,
		logger: logger,
	}
}

// Debit spends credits. A repeated idempotency key returns the first result
// instead of debiting again. Insufficient credits is reported through the
// result, not as an error.
func (s *CreditServiceImpl) Debit(ctx context.Context, req *models.DebitRequest) (*models.DebitResult, error) {
	if err := s.validateDebitRequest(req); err != nil {
		s.logger.Warn("invalid debit request",
			"account_id", req.AccountID,
			"amount", req.Amount,
			"idempotency_key", req.IdempotencyKey,
			"error", err.Error(),
		)
		return nil, err
	}

	source := req.Source
	if source == "" {
		source = models.SourceUsage
	}

	var result *models.DebitResult
	err := s.store.WithAccountLock(ctx, req.AccountID, func(ctx context.Context, atx repository.AccountTx) error {
		account := atx.Account()

		prior, err := atx.EntryByIdempotencyKey(ctx, req.IdempotencyKey)
		switch {
		case err == nil:
			if prior.AccountID != req.AccountID || prior.Direction != models.DirectionDebit || prior.Amount != req.Amount {
				return errors.ErrIdempotencyConflict
			}
			result = &models.DebitResult{
				Success:        true,
				BalanceAfter:   prior.BalanceAfter,
				CurrentBalance: account.CreditsRemaining,
				Replayed:       true,
				Entry:          prior,
			}
			return nil
		case !stderrors.Is(err, errors.ErrEntryNotFound):
			return err
		}

		if account.Archived() {
			return errors.ErrAccountArchived
		}

		// Check for sufficient credits
		if account.CreditsRemaining < req.Amount {
			result = &models.DebitResult{
				Success:        false,
				Reason:         models.ReasonInsufficientCredits,
				CurrentBalance: account.CreditsRemaining,
			}
			return nil
		}

		entry := &models.LedgerEntry{
			AccountID:          req.AccountID,
			Amount:             req.Amount,
			Direction:          models.DirectionDebit,
			Source:             source,
			BalanceAfter:       account.CreditsRemaining - req.Amount,
			IdempotencyKey:     models.StringPtr(req.IdempotencyKey),
			ExternalPaymentRef: models.StringPtr(req.ExternalPaymentRef),
		}
		if err := atx.AppendEntry(ctx, entry); err != nil {
			return err
		}

		result = &models.DebitResult{
			Success:        true,
			BalanceAfter:   entry.BalanceAfter,
			CurrentBalance: entry.BalanceAfter,
			Entry:          entry,
		}
		return nil
	})
	if err != nil {
		return nil, s.mutationError("debit", req.AccountID, req.IdempotencyKey, err)
	}

	switch {
	case !result.Success:
		s.logger.Info("debit rejected: insufficient credits",
			"account_id", req.AccountID,
			"requested_amount", req.Amount,
			"available_balance", result.CurrentBalance,
			"idempotency_key", req.IdempotencyKey,
		)
	case result.Replayed:
		s.logger.Info("debit replayed from idempotency key",
			"account_id", req.AccountID,
			"idempotency_key", req.IdempotencyKey,
			"entry_id", result.Entry.EntryID,
		)
	default:
		s.logger.Info("debit applied",
			"account_id", req.AccountID,
			"amount", req.Amount,
			"balance_after", result.BalanceAfter,
			"idempotency_key", req.IdempotencyKey,
		)
	}
	return result, nil
}

// Credit adds credits. Without an explicit idempotency key, a payment
// reference doubles as one so provider replays credit once.
func (s *CreditServiceImpl) Credit(ctx context.Context, req *models.CreditRequest) (*models.CreditResult, error) {
	if err := s.validateCreditRequest(req); err != nil {
		s.logger.Warn("invalid credit request",
			"account_id", req.AccountID,
			"amount", req.Amount,
			"source", req.Source,
			"error", err.Error(),
		)
		return nil, err
	}

	key := creditIdempotencyKey(req)

	var result *models.CreditResult
	err := s.store.WithAccountLock(ctx, req.AccountID, func(ctx context.Context, atx repository.AccountTx) error {
		account := atx.Account()

		prior, err := atx.EntryByIdempotencyKey(ctx, key)
		switch {
		case err == nil:
			if prior.AccountID != req.AccountID || prior.Direction != models.DirectionCredit || prior.Amount != req.Amount {
				return errors.ErrIdempotencyConflict
			}
			result = &models.CreditResult{
				BalanceAfter: prior.BalanceAfter,
				Replayed:     true,
				Entry:        prior,
			}
			return nil
		case !stderrors.Is(err, errors.ErrEntryNotFound):
			return err
		}

		if account.Archived() {
			return errors.ErrAccountArchived
		}
		if req.Amount > math.MaxInt64-account.CreditsRemaining {
			return errors.ErrInvalidAmount
		}

		entry := &models.LedgerEntry{
			AccountID:          req.AccountID,
			Amount:             req.Amount,
			Direction:          models.DirectionCredit,
			Source:             req.Source,
			BalanceAfter:       account.CreditsRemaining + req.Amount,
			IdempotencyKey:     models.StringPtr(key),
			ExternalPaymentRef: models.StringPtr(req.ExternalPaymentRef),
		}
		if err := atx.AppendEntry(ctx, entry); err != nil {
			return err
		}

		result = &models.CreditResult{
			BalanceAfter: entry.BalanceAfter,
			Entry:        entry,
		}
		return nil
	})
	if err != nil {
		return nil, s.mutationError("credit", req.AccountID, key, err)
	}

	s.logger.Info("credit applied",
		"account_id", req.AccountID,
		"amount", req.Amount,
		"source", req.Source,
		"balance_after", result.BalanceAfter,
		"idempotency_key", key,
		"replayed", result.Replayed,
	)
	return result, nil
}

func (s *CreditServiceImpl) GetBalance(ctx context.Context, accountID string) (int64, error) {
	if accountID == "" {
		return 0, errors.ErrInvalidAccountID
	}

	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		if !errors.IsNotFound(err) {
			s.logger.Error("failed to get balance",
				"account_id", accountID,
				"error", err.Error(),
			)
		}
		return 0, err
	}
	return account.CreditsRemaining, nil
}

func (s *CreditServiceImpl) ListEntries(ctx context.Context, accountID string) ([]*models.LedgerEntry, error) {
	if accountID == "" {
		return nil, errors.ErrInvalidAccountID
	}
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.ListEntries(ctx, accountID)
}

func (s *CreditServiceImpl) EntryByExternalRef(ctx context.Context, ref string) (*models.LedgerEntry, error) {
	if ref == "" {
		return nil, errors.ErrEntryNotFound
	}
	return s.store.FindEntryByExternalRef(ctx, ref)
}

// Reconcile replays the account's entries in order and compares every
// balance snapshot and the final sum with the stored balance. Both are read
// under the account lock so a concurrent write cannot show up as drift.
func (s *CreditServiceImpl) Reconcile(ctx context.Context, accountID string) (*models.ReconciliationReport, error) {
	if accountID == "" {
		return nil, errors.ErrInvalidAccountID
	}

	var account models.AccountBalance
	var entries []*models.LedgerEntry
	err := s.store.WithAccountLock(ctx, accountID, func(ctx context.Context, atx repository.AccountTx) error {
		account = *atx.Account()
		var err error
		entries, err = atx.Entries(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	report := &models.ReconciliationReport{
		AccountID:        accountID,
		CreditsRemaining: account.CreditsRemaining,
		EntryCount:       len(entries),
	}
	for _, entry := range entries {
		report.LedgerSum += entry.SignedAmount()
		if report.FirstDriftSequence == 0 && entry.BalanceAfter != report.LedgerSum {
			report.FirstDriftSequence = entry.Sequence
		}
	}
	report.Consistent = report.FirstDriftSequence == 0 && report.LedgerSum == account.CreditsRemaining

	if !report.Consistent {
		s.logger.Error("ledger drift detected",
			"account_id", accountID,
			"credits_remaining", report.CreditsRemaining,
			"ledger_sum", report.LedgerSum,
			"first_drift_sequence", report.FirstDriftSequence,
		)
	}
	return report, nil
}

func (s *CreditServiceImpl) validateDebitRequest(req *models.DebitRequest) error {
	if req.AccountID == "" {
		return errors.ErrInvalidAccountID
	}
	if req.Amount <= 0 {
		return errors.ErrInvalidAmount
	}
	if req.IdempotencyKey == "" {
		return errors.ErrIdempotencyKeyRequired
	}
	if req.Source != "" && req.Source != models.SourceUsage && req.Source != models.SourceRefund {
		return errors.ErrInvalidSource
	}
	return nil
}

func (s *CreditServiceImpl) validateCreditRequest(req *models.CreditRequest) error {
	if req.AccountID == "" {
		return errors.ErrInvalidAccountID
	}
	if req.Amount <= 0 {
		return errors.ErrInvalidAmount
	}
	if req.Source == models.SourceUsage || !req.Source.Valid() {
		return errors.ErrInvalidSource
	}
	return nil
}

func (s *CreditServiceImpl) mutationError(operation, accountID, key string, err error) error {
	switch {
	case errors.IsNotFound(err), errors.IsArchived(err):
		s.logger.Warn(operation+" rejected",
			"account_id", accountID,
			"idempotency_key", key,
			"error", err.Error(),
		)
		return err
	case errors.IsIdempotencyConflict(err):
		s.logger.Warn("idempotency key reused with different parameters",
			"account_id", accountID,
			"idempotency_key", key,
		)
		return err
	case errors.IsRetryable(err):
		s.logger.Error(operation+" failed",
			"account_id", accountID,
			"idempotency_key", key,
			"error", err.Error(),
		)
		return errors.NewKeyedTransactionError(operation, key, err)
	default:
		s.logger.Error(operation+" failed",
			"account_id", accountID,
			"idempotency_key", key,
			"error", err.Error(),
		)
		return err
	}
}

func creditIdempotencyKey(req *models.CreditRequest) string {
	switch {
	case req.IdempotencyKey != "":
		return req.IdempotencyKey
	case req.ExternalPaymentRef != "":
		return "payment:" + req.ExternalPaymentRef
	default:
		return "credit:" + uuid.New().String()
	}
}
