package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TransactionKind labels ledger entries.
type TransactionKind string

const (
	TransactionKindCallCharge TransactionKind = "call_charge"
	TransactionKindTopUp      TransactionKind = "top_up"
	TransactionKindAdjustment TransactionKind = "adjustment"
)

// Balance is the materialized sum of an account's ledger.
type Balance struct {
	AccountID     uuid.UUID
	BalanceCents  int64
	ReservedCents int64
	CreditBlocked bool
	UpdatedAt     time.Time
}

// Available is the most a single debit may take: the balance plus the overdraft reservation.
func (b Balance) Available() int64 {
	return b.BalanceCents + b.ReservedCents
}

// CanCover reports whether a debit of amount leaves the account within its reservation.
func (b Balance) CanCover(amount int64) bool {
	return amount <= b.Available()
}

// Transaction is an append-only ledger entry. AmountCents is signed.
type Transaction struct {
	ID                uuid.UUID
	AccountID         uuid.UUID
	AmountCents       int64
	BalanceAfterCents int64
	Kind              TransactionKind
	Description       string
	Metadata          json.RawMessage
	CorrelationKey    string
	CreatedAt         time.Time
}

// BillingException records a deduction refused for lack of credit.
type BillingException struct {
	ID             uuid.UUID
	AccountID      uuid.UUID
	CorrelationKey string
	RequestedCents int64
	AvailableCents int64
	Reason         string
	CreatedAt      time.Time
}
