package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/voice-campaign-orchestrator/internal/config"
	"github.com/acme/voice-campaign-orchestrator/internal/domain"
	"github.com/acme/voice-campaign-orchestrator/internal/repository"
	apperrors "github.com/acme/voice-campaign-orchestrator/pkg/errors"
	"github.com/acme/voice-campaign-orchestrator/pkg/logger"
)

// Service charges calls against account balances and manages top-ups.
type Service struct {
	repo                repository.LedgerRepository
	markup              *big.Rat
	lowBalanceThreshold int64
	logger              *logger.Logger
	now                 func() time.Time
}

// NewService parses the configured markup and builds the service.
func NewService(repo repository.LedgerRepository, cfg config.BillingConfig, lg *logger.Logger) (*Service, error) {
	markup, err := ParseMarkup(cfg.Markup)
	if err != nil {
		return nil, err
	}
	if lg == nil {
		lg = logger.Nop()
	}
	return &Service{
		repo:                repo,
		markup:              markup,
		lowBalanceThreshold: cfg.LowBalanceThresholdCents,
		logger:              lg,
		now:                 func() time.Time { return time.Now().UTC() },
	}, nil
}

// ParseMarkup accepts a fraction ("5/3") or a decimal ("1.5"). The markup must be at least 1.
func ParseMarkup(value string) (*big.Rat, error) {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(value))
	if !ok {
		return nil, fmt.Errorf("%w: invalid billing markup %q", apperrors.ErrValidation, value)
	}
	if r.Cmp(big.NewRat(1, 1)) < 0 {
		return nil, fmt.Errorf("%w: billing markup %q is below 1", apperrors.ErrValidation, value)
	}
	return r, nil
}

// Charge returns ceil(providerCost * markup) in cents, computed exactly.
func Charge(providerCostCents int64, markup *big.Rat) int64 {
	if providerCostCents <= 0 {
		return 0
	}
	product := new(big.Rat).Mul(new(big.Rat).SetInt64(providerCostCents), markup)
	q, m := new(big.Int).QuoRem(product.Num(), product.Denom(), new(big.Int))
	if m.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q.Int64()
}

// DeductRequest describes the billing of one finished call.
type DeductRequest struct {
	AccountID         uuid.UUID
	CorrelationKey    string
	ProviderCostCents int64
	Description       string
	Metadata          map[string]any
}

// DeductResult reports what the deduction did.
type DeductResult struct {
	ChargeCents     int64
	PreviousBalance int64
	NewBalance      int64
	TransactionID   uuid.UUID
	Duplicate       bool
	// Skipped is true for zero-cost calls; no transaction is written.
	Skipped bool
	// Rejected is true when the account could not cover the charge. A billing
	// exception was recorded and the account blocked; the balance is unchanged.
	Rejected bool
}

// DeductForCall bills a call exactly once per correlation key.
func (s *Service) DeductForCall(ctx context.Context, req DeductRequest) (DeductResult, error) {
	if req.AccountID == uuid.Nil {
		return DeductResult{}, fmt.Errorf("%w: account id is required", apperrors.ErrValidation)
	}
	if req.CorrelationKey == "" {
		return DeductResult{}, fmt.Errorf("%w: correlation key is required", apperrors.ErrValidation)
	}
	if req.ProviderCostCents < 0 {
		return DeductResult{}, fmt.Errorf("%w: negative provider cost", apperrors.ErrValidation)
	}

	charge := Charge(req.ProviderCostCents, s.markup)
	if charge == 0 {
		return DeductResult{Skipped: true}, nil
	}

	metadata := map[string]any{
		"provider_cost_cents": req.ProviderCostCents,
		"markup":              s.markup.RatString(),
	}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return DeductResult{}, fmt.Errorf("ledger service: marshal metadata: %w", err)
	}

	now := s.now()
	res, err := s.repo.Debit(ctx, repository.LedgerEntry{
		AccountID:      req.AccountID,
		AmountCents:    charge,
		Kind:           domain.TransactionKindCallCharge,
		Description:    req.Description,
		Metadata:       raw,
		CorrelationKey: req.CorrelationKey,
		At:             now,
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrInsufficientCredit) {
			return s.reject(ctx, req, charge, res, now)
		}
		return DeductResult{}, fmt.Errorf("ledger service: debit: %w", err)
	}

	if !res.Duplicate && res.NewBalance < s.lowBalanceThreshold {
		s.logger.Warn("account balance low",
			zap.String("account_id", req.AccountID.String()),
			zap.Int64("balance_cents", res.NewBalance),
			zap.Int64("threshold_cents", s.lowBalanceThreshold),
		)
	}

	return DeductResult{
		ChargeCents:     charge,
		PreviousBalance: res.PreviousBalance,
		NewBalance:      res.NewBalance,
		TransactionID:   res.TransactionID,
		Duplicate:       res.Duplicate,
	}, nil
}

func (s *Service) reject(ctx context.Context, req DeductRequest, charge int64, res repository.LedgerResult, now time.Time) (DeductResult, error) {
	exception := domain.BillingException{
		ID:             uuid.New(),
		AccountID:      req.AccountID,
		CorrelationKey: req.CorrelationKey,
		RequestedCents: charge,
		AvailableCents: res.Available,
		Reason:         "insufficient_credit",
		CreatedAt:      now,
	}
	if err := s.repo.RecordException(ctx, exception); err != nil {
		return DeductResult{}, fmt.Errorf("ledger service: record exception: %w", err)
	}
	if err := s.repo.SetCreditBlocked(ctx, req.AccountID, true); err != nil {
		return DeductResult{}, fmt.Errorf("ledger service: block account: %w", err)
	}

	s.logger.Warn("call charge rejected, account blocked",
		zap.String("account_id", req.AccountID.String()),
		zap.String("correlation_key", req.CorrelationKey),
		zap.Int64("charge_cents", charge),
		zap.Int64("available_cents", res.Available),
	)
	return DeductResult{
		ChargeCents:     charge,
		PreviousBalance: res.PreviousBalance,
		NewBalance:      res.PreviousBalance,
		Rejected:        true,
	}, nil
}

// CreditRequest is a top-up or manual adjustment.
type CreditRequest struct {
	AccountID      uuid.UUID
	AmountCents    int64
	CorrelationKey string
	Description    string
}

// Credit adds funds once per correlation key and lifts the dispatch block when the
// balance is back at or above the low-balance threshold.
func (s *Service) Credit(ctx context.Context, req CreditRequest) (repository.LedgerResult, error) {
	if req.AccountID == uuid.Nil {
		return repository.LedgerResult{}, fmt.Errorf("%w: account id is required", apperrors.ErrValidation)
	}
	if req.AmountCents <= 0 {
		return repository.LedgerResult{}, fmt.Errorf("%w: credit amount must be positive", apperrors.ErrValidation)
	}
	key := req.CorrelationKey
	if key == "" {
		key = "topup:" + uuid.NewString()
	}

	res, err := s.repo.Credit(ctx, repository.LedgerEntry{
		AccountID:      req.AccountID,
		AmountCents:    req.AmountCents,
		Kind:           domain.TransactionKindTopUp,
		Description:    req.Description,
		CorrelationKey: key,
		At:             s.now(),
	})
	if err != nil {
		return repository.LedgerResult{}, fmt.Errorf("ledger service: credit: %w", err)
	}

	if res.NewBalance >= s.lowBalanceThreshold {
		if err := s.repo.SetCreditBlocked(ctx, req.AccountID, false); err != nil {
			return res, fmt.Errorf("ledger service: unblock account: %w", err)
		}
	}
	return res, nil
}

// BalanceView is the account balance as exposed to callers.
type BalanceView struct {
	domain.Balance
	LowBalance bool
}

// Balance returns the account balance with the low-balance flag.
func (s *Service) Balance(ctx context.Context, accountID uuid.UUID) (BalanceView, error) {
	b, err := s.repo.GetBalance(ctx, accountID)
	if err != nil {
		return BalanceView{}, err
	}
	return BalanceView{Balance: *b, LowBalance: b.BalanceCents < s.lowBalanceThreshold}, nil
}

// ListTransactions returns the newest transactions first.
func (s *Service) ListTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.Transaction, error) {
	return s.repo.ListTransactions(ctx, accountID, limit)
}

// CanDispatch reports whether the account may start new calls.
func (s *Service) CanDispatch(ctx context.Context, accountID uuid.UUID, minBalanceCents int64) (bool, error) {
	b, err := s.repo.GetBalance(ctx, accountID)
	if err != nil {
		return false, err
	}
	if b.CreditBlocked {
		return false, nil
	}
	return b.Available() >= minBalanceCents, nil
}
