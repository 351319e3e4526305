package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/voice-campaign-orchestrator/internal/domain"
	"github.com/acme/voice-campaign-orchestrator/internal/repository"
	apperrors "github.com/acme/voice-campaign-orchestrator/pkg/errors"
)

// LedgerRepository implements repository.LedgerRepository. Each movement runs in one
// transaction holding the balance row lock, so the log and the balance never diverge.
type LedgerRepository struct {
	db *sqlx.DB
}

// NewLedgerRepository builds the repository.
func NewLedgerRepository(db *sqlx.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Debit subtracts entry.AmountCents. A replay of the same correlation key returns the
// original transaction. ErrInsufficientCredit leaves everything untouched.
func (r *LedgerRepository) Debit(ctx context.Context, entry repository.LedgerEntry) (repository.LedgerResult, error) {
	return r.apply(ctx, entry, -1)
}

// Credit adds entry.AmountCents, deduplicated by correlation key like Debit.
func (r *LedgerRepository) Credit(ctx context.Context, entry repository.LedgerEntry) (repository.LedgerResult, error) {
	return r.apply(ctx, entry, 1)
}

func (r *LedgerRepository) apply(ctx context.Context, entry repository.LedgerEntry, sign int64) (repository.LedgerResult, error) {
	if entry.AmountCents <= 0 {
		return repository.LedgerResult{}, fmt.Errorf("%w: ledger amount must be positive", apperrors.ErrValidation)
	}
	if entry.CorrelationKey == "" {
		return repository.LedgerResult{}, fmt.Errorf("%w: ledger correlation key is required", apperrors.ErrValidation)
	}

	var result repository.LedgerResult
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		balance, err := lockBalance(ctx, tx, entry.AccountID)
		if err != nil {
			return err
		}

		existing, found, err := findByCorrelation(ctx, tx, entry.CorrelationKey)
		if err != nil {
			return err
		}
		if found {
			result = repository.LedgerResult{
				PreviousBalance: existing.BalanceAfter - existing.Amount,
				NewBalance:      existing.BalanceAfter,
				Available:       balance.Available(),
				TransactionID:   existing.ID,
				Duplicate:       true,
			}
			return nil
		}

		result.PreviousBalance = balance.BalanceCents
		result.Available = balance.Available()
		if sign < 0 && !balance.CanCover(entry.AmountCents) {
			return apperrors.ErrInsufficientCredit
		}

		amount := sign * entry.AmountCents
		newBalance := balance.BalanceCents + amount
		txID := uuid.New()
		at := entry.At
		if at.IsZero() {
			at = time.Now().UTC()
		}
		metadata := entry.Metadata
		if len(metadata) == 0 {
			metadata = json.RawMessage(`{}`)
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO ledger_transactions (
				id, account_id, amount_cents, balance_after_cents, kind, description, metadata, correlation_key, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			txID, entry.AccountID, amount, newBalance, entry.Kind, entry.Description, []byte(metadata), entry.CorrelationKey, at,
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("ledger: correlation key %q raced: %w", entry.CorrelationKey, repository.ErrConflict)
			}
			return fmt.Errorf("ledger: insert transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE account_balances SET balance_cents = $2, updated_at = $3 WHERE account_id = $1`,
			entry.AccountID, newBalance, at); err != nil {
			return fmt.Errorf("ledger: update balance: %w", err)
		}

		result.NewBalance = newBalance
		result.Available = newBalance + balance.ReservedCents
		result.TransactionID = txID
		return nil
	})
	return result, err
}

func lockBalance(ctx context.Context, tx *sqlx.Tx, accountID uuid.UUID) (domain.Balance, error) {
	if _, err := tx.ExecContext(ctx, `INSERT INTO account_balances (account_id) VALUES ($1)
		ON CONFLICT (account_id) DO NOTHING`, accountID); err != nil {
		return domain.Balance{}, fmt.Errorf("ledger: ensure balance: %w", err)
	}

	var rec balanceRecord
	if err := tx.GetContext(ctx, &rec, `SELECT account_id, balance_cents, reserved_cents, credit_blocked, updated_at
		FROM account_balances WHERE account_id = $1 FOR UPDATE`, accountID); err != nil {
		return domain.Balance{}, fmt.Errorf("ledger: lock balance: %w", err)
	}
	return rec.toDomain(), nil
}

type correlatedTx struct {
	ID           uuid.UUID `db:"id"`
	Amount       int64     `db:"amount_cents"`
	BalanceAfter int64     `db:"balance_after_cents"`
}

func findByCorrelation(ctx context.Context, tx *sqlx.Tx, key string) (correlatedTx, bool, error) {
	var rec correlatedTx
	err := tx.GetContext(ctx, &rec, `SELECT id, amount_cents, balance_after_cents FROM ledger_transactions WHERE correlation_key = $1`, key)
	if err != nil {
		if isNoRows(err) {
			return correlatedTx{}, false, nil
		}
		return correlatedTx{}, false, fmt.Errorf("ledger: find by correlation: %w", err)
	}
	return rec, true, nil
}

// GetBalance returns the balance row, or a zero balance for an account never credited.
func (r *LedgerRepository) GetBalance(ctx context.Context, accountID uuid.UUID) (*domain.Balance, error) {
	var rec balanceRecord
	err := r.db.GetContext(ctx, &rec, `SELECT account_id, balance_cents, reserved_cents, credit_blocked, updated_at
		FROM account_balances WHERE account_id = $1`, accountID)
	if err != nil {
		if isNoRows(err) {
			return &domain.Balance{AccountID: accountID}, nil
		}
		return nil, fmt.Errorf("ledger: get balance: %w", err)
	}
	balance := rec.toDomain()
	return &balance, nil
}

// ListTransactions returns the newest transactions first.
func (r *LedgerRepository) ListTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []transactionRecord
	err := r.db.SelectContext(ctx, &recs, `SELECT id, account_id, amount_cents, balance_after_cents, kind, description,
			metadata, correlation_key, created_at
		FROM ledger_transactions WHERE account_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list transactions: %w", err)
	}
	out := make([]domain.Transaction, 0, len(recs))
	for _, rec := range recs {
		out = append(out, domain.Transaction{
			ID:                rec.ID,
			AccountID:         rec.AccountID,
			AmountCents:       rec.AmountCents,
			BalanceAfterCents: rec.BalanceAfterCents,
			Kind:              domain.TransactionKind(rec.Kind),
			Description:       rec.Description,
			Metadata:          json.RawMessage(rec.Metadata),
			CorrelationKey:    rec.CorrelationKey,
			CreatedAt:         rec.CreatedAt,
		})
	}
	return out, nil
}

// RecordException stores a refused deduction once per correlation key.
func (r *LedgerRepository) RecordException(ctx context.Context, exception domain.BillingException) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO billing_exceptions (
			id, account_id, correlation_key, requested_cents, available_cents, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (correlation_key) DO NOTHING`,
		exception.ID, exception.AccountID, exception.CorrelationKey, exception.RequestedCents,
		exception.AvailableCents, exception.Reason, exception.CreatedAt)
	if err != nil {
		return fmt.Errorf("ledger: record exception: %w", err)
	}
	return nil
}

// SetCreditBlocked flips the account-level dispatch block.
func (r *LedgerRepository) SetCreditBlocked(ctx context.Context, accountID uuid.UUID, blocked bool) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO account_balances (account_id, credit_blocked) VALUES ($1, $2)
		ON CONFLICT (account_id) DO UPDATE SET credit_blocked = EXCLUDED.credit_blocked, updated_at = NOW()`, accountID, blocked)
	if err != nil {
		return fmt.Errorf("ledger: set credit blocked: %w", err)
	}
	return nil
}

type balanceRecord struct {
	AccountID     uuid.UUID `db:"account_id"`
	BalanceCents  int64     `db:"balance_cents"`
	ReservedCents int64     `db:"reserved_cents"`
	CreditBlocked bool      `db:"credit_blocked"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (r balanceRecord) toDomain() domain.Balance {
	return domain.Balance{
		AccountID:     r.AccountID,
		BalanceCents:  r.BalanceCents,
		ReservedCents: r.ReservedCents,
		CreditBlocked: r.CreditBlocked,
		UpdatedAt:     r.UpdatedAt,
	}
}

type transactionRecord struct {
	ID                uuid.UUID `db:"id"`
	AccountID         uuid.UUID `db:"account_id"`
	AmountCents       int64     `db:"amount_cents"`
	BalanceAfterCents int64     `db:"balance_after_cents"`
	Kind              string    `db:"kind"`
	Description       string    `db:"description"`
	Metadata          []byte    `db:"metadata"`
	CorrelationKey    string    `db:"correlation_key"`
	CreatedAt         time.Time `db:"created_at"`
}
