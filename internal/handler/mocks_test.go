package handler

import (
	"context"
	"io"
	"log/slog"

	"github.com/stretchr/testify/mock"

	"github.com/riteshkumar/credit-ledger/internal/models"
	"github.com/riteshkumar/credit-ledger/internal/webhook"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MockAccountService is a mock implementation of service.AccountService
type MockAccountService struct {
	mock.Mock
}

func (m *MockAccountService) CreateAccount(ctx context.Context, req *models.CreateAccountRequest) (*models.AccountBalance, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.AccountBalance), args.Error(1)
}

func (m *MockAccountService) GetAccount(ctx context.Context, id string) (*models.AccountBalance, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.AccountBalance), args.Error(1)
}

func (m *MockAccountService) ArchiveAccount(ctx context.Context, id string) error {
	args := m.Called(id)
	return args.Error(0)
}

// MockCreditService is a mock implementation of service.CreditService
type MockCreditService struct {
	mock.Mock
}

func (m *MockCreditService) Debit(ctx context.Context, req *models.DebitRequest) (*models.DebitResult, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.DebitResult), args.Error(1)
}

func (m *MockCreditService) Credit(ctx context.Context, req *models.CreditRequest) (*models.CreditResult, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CreditResult), args.Error(1)
}

func (m *MockCreditService) GetBalance(ctx context.Context, accountID string) (int64, error) {
	args := m.Called(accountID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCreditService) ListEntries(ctx context.Context, accountID string) ([]*models.LedgerEntry, error) {
	args := m.Called(accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.LedgerEntry), args.Error(1)
}

func (m *MockCreditService) EntryByExternalRef(ctx context.Context, ref string) (*models.LedgerEntry, error) {
	args := m.Called(ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.LedgerEntry), args.Error(1)
}

func (m *MockCreditService) Reconcile(ctx context.Context, accountID string) (*models.ReconciliationReport, error) {
	args := m.Called(accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ReconciliationReport), args.Error(1)
}

// MockWebhookProcessor is a mock implementation of WebhookProcessor
type MockWebhookProcessor struct {
	mock.Mock
}

func (m *MockWebhookProcessor) Handle(ctx context.Context, payload []byte, signatureHeader string) (*webhook.Result, error) {
	args := m.Called(string(payload), signatureHeader)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*webhook.Result), args.Error(1)
}
