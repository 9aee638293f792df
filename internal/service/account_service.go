package service

import (
	"context"
	"log/slog"

	"github.com/riteshkumar/credit-ledger/internal/errors"
	"github.com/riteshkumar/credit-ledger/internal/models"
	"github.com/riteshkumar/credit-ledger/internal/repository"
)

type AccountService interface {
	CreateAccount(ctx context.Context, req *models.CreateAccountRequest) (*models.AccountBalance, error)
	GetAccount(ctx context.Context, id string) (*models.AccountBalance, error)
	ArchiveAccount(ctx context.Context, id string) error
}

type AccountServiceImpl struct {
	store        repository.LedgerStore
	tierDefaults map[models.Tier]int64
	logger       *slog.Logger
}

func NewAccountService(store repository.LedgerStore, tierDefaults map[models.Tier]int64, logger *slog.Logger) *AccountServiceImpl {
	return &AccountServiceImpl{
		store:        store,
		tierDefaults: tierDefaults,
		logger:       logger,
	}
}

// CreateAccount opens a balance at the tier default. A non-zero default is
// recorded as a bonus entry so the ledger sums to the balance from row one.
func (s *AccountServiceImpl) CreateAccount(ctx context.Context, req *models.CreateAccountRequest) (*models.AccountBalance, error) {
	if req.Tier == "" {
		req.Tier = models.TierFree
	}
	if err := s.validateCreateRequest(req); err != nil {
		s.logger.Warn("invalid create account request",
			"account_id", req.AccountID,
			"tier", req.Tier,
			"error", err.Error(),
		)
		return nil, err
	}

	starting := s.tierDefaults[req.Tier]
	account := &models.AccountBalance{
		AccountID:        req.AccountID,
		CreditsRemaining: starting,
		Tier:             req.Tier,
	}

	var opening *models.LedgerEntry
	if starting > 0 {
		opening = &models.LedgerEntry{
			AccountID:      req.AccountID,
			Amount:         starting,
			Direction:      models.DirectionCredit,
			Source:         models.SourceBonus,
			BalanceAfter:   starting,
			IdempotencyKey: models.StringPtr("opening:" + req.AccountID),
		}
	}

	if err := s.store.CreateAccount(ctx, account, opening); err != nil {
		if errors.IsAlreadyExists(err) {
			s.logger.Warn("account already exists",
				"account_id", req.AccountID,
			)
			return nil, err
		}

		s.logger.Error("failed to create account",
			"account_id", req.AccountID,
			"error", err.Error(),
		)
		return nil, err
	}

	s.logger.Info("account created successfully",
		"account_id", req.AccountID,
		"tier", req.Tier,
		"credits_remaining", starting,
	)
	return account, nil
}

func (s *AccountServiceImpl) GetAccount(ctx context.Context, id string) (*models.AccountBalance, error) {
	if id == "" {
		return nil, errors.ErrInvalidAccountID
	}

	account, err := s.store.GetAccount(ctx, id)
	if err != nil {
		if errors.IsNotFound(err) {
			s.logger.Warn("account not found",
				"account_id", id,
			)
			return nil, err
		}
		s.logger.Error("failed to get account",
			"account_id", id,
			"error", err.Error(),
		)
		return nil, err
	}

	return account, nil
}

// ArchiveAccount soft-archives the account. Its balance and ledger are kept.
func (s *AccountServiceImpl) ArchiveAccount(ctx context.Context, id string) error {
	if id == "" {
		return errors.ErrInvalidAccountID
	}
	if err := s.store.ArchiveAccount(ctx, id); err != nil {
		if !errors.IsNotFound(err) {
			s.logger.Error("failed to archive account",
				"account_id", id,
				"error", err.Error(),
			)
		}
		return err
	}
	s.logger.Info("account archived", "account_id", id)
	return nil
}

func (s *AccountServiceImpl) validateCreateRequest(req *models.CreateAccountRequest) error {
	if req.AccountID == "" {
		return errors.ErrInvalidAccountID
	}
	if !req.Tier.Valid() {
		return errors.ErrInvalidTier
	}
	if s.tierDefaults[req.Tier] < 0 {
		return errors.ErrNegativeBalance
	}
	return nil
}
