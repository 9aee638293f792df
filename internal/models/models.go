package models

import (
	"time"
)

type Tier string

const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierBasic, TierPro, TierEnterprise:
		return true
	}
	return false
}

type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

type Source string

const (
	SourcePurchase Source = "purchase"
	SourceUsage    Source = "usage"
	SourceRefund   Source = "refund"
	SourceBonus    Source = "bonus"
)

func (s Source) Valid() bool {
	switch s {
	case SourcePurchase, SourceUsage, SourceRefund, SourceBonus:
		return true
	}
	return false
}

type AccountBalance struct {
	AccountID        string     `json:"account_id"`
	CreditsRemaining int64      `json:"credits_remaining"`
	Tier             Tier       `json:"tier"`
	ArchivedAt       *time.Time `json:"archived_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (a *AccountBalance) Archived() bool {
	return a.ArchivedAt != nil
}

// LedgerEntry is immutable once written. Sequence gives the replay order.
type LedgerEntry struct {
	EntryID            string    `json:"entry_id"`
	Sequence           int64     `json:"sequence"`
	AccountID          string    `json:"account_id"`
	Amount             int64     `json:"amount"`
	Direction          Direction `json:"direction"`
	Source             Source    `json:"source"`
	BalanceAfter       int64     `json:"balance_after"`
	IdempotencyKey     *string   `json:"idempotency_key,omitempty"`
	ExternalPaymentRef *string   `json:"external_payment_ref,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

func (e *LedgerEntry) SignedAmount() int64 {
	if e.Direction == DirectionDebit {
		return -e.Amount
	}
	return e.Amount
}

type EventStatus string

const (
	EventStatusPending EventStatus = "pending"
	EventStatusApplied EventStatus = "applied"
	EventStatusIgnored EventStatus = "ignored"
	EventStatusFailed  EventStatus = "failed"
)

type WebhookEvent struct {
	EventID      string      `json:"event_id"`
	EventType    string      `json:"event_type"`
	AccountID    *string     `json:"account_id,omitempty"`
	Payload      []byte      `json:"-"`
	Status       EventStatus `json:"status"`
	Processed    bool        `json:"processed"`
	ProcessedAt  *time.Time  `json:"processed_at,omitempty"`
	ErrorMessage *string     `json:"error_message,omitempty"`
	Attempts     int         `json:"attempts"`
	ReceivedAt   time.Time   `json:"received_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

const ReasonInsufficientCredits = "insufficient_credits"

type CreateAccountRequest struct {
	AccountID string `json:"account_id" validate:"required,max=128"`
	Tier      Tier   `json:"tier" validate:"omitempty,oneof=free basic pro enterprise"`
}

type DebitRequest struct {
	AccountID          string `json:"-"`
	Amount             int64  `json:"amount" validate:"required,gt=0"`
	IdempotencyKey     string `json:"idempotency_key" validate:"required,max=255"`
	Source             Source `json:"source,omitempty" validate:"omitempty,oneof=usage refund"`
	ExternalPaymentRef string `json:"external_payment_ref,omitempty" validate:"max=255"`
}

type DebitResult struct {
	Success        bool         `json:"success"`
	BalanceAfter   int64        `json:"balance_after"`
	CurrentBalance int64        `json:"current_balance"`
	Reason         string       `json:"reason,omitempty"`
	Replayed       bool         `json:"replayed"`
	Entry          *LedgerEntry `json:"entry,omitempty"`
}

type CreditRequest struct {
	AccountID          string `json:"-"`
	Amount             int64  `json:"amount" validate:"required,gt=0"`
	Source             Source `json:"source" validate:"required,oneof=purchase refund bonus"`
	ExternalPaymentRef string `json:"external_payment_ref,omitempty" validate:"max=255"`
	IdempotencyKey     string `json:"idempotency_key,omitempty" validate:"max=255"`
}

type CreditResult struct {
	BalanceAfter int64        `json:"balance_after"`
	Replayed     bool         `json:"replayed"`
	Entry        *LedgerEntry `json:"entry"`
}

type AccountResponse struct {
	AccountID        string     `json:"account_id"`
	CreditsRemaining int64      `json:"credits_remaining"`
	Tier             Tier       `json:"tier"`
	ArchivedAt       *time.Time `json:"archived_at,omitempty"`
}

// ReconciliationReport compares a replay of the ledger with the stored balance.
type ReconciliationReport struct {
	AccountID        string `json:"account_id"`
	CreditsRemaining int64  `json:"credits_remaining"`
	LedgerSum        int64  `json:"ledger_sum"`
	EntryCount       int    `json:"entry_count"`
	Consistent       bool   `json:"consistent"`
	// FirstDriftSequence is the first entry whose balance_after disagrees
	// with the running sum, zero when none.
	FirstDriftSequence int64 `json:"first_drift_sequence,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
