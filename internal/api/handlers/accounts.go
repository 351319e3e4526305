package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/voice-campaign-orchestrator/internal/domain"
	"github.com/acme/voice-campaign-orchestrator/internal/service/ledger"
)

type balanceResponse struct {
	AccountID      uuid.UUID `json:"account_id"`
	BalanceCents   int64     `json:"balance_cents"`
	ReservedCents  int64     `json:"reserved_cents"`
	AvailableCents int64     `json:"available_cents"`
	CreditBlocked  bool      `json:"credit_blocked"`
	LowBalance     bool      `json:"low_balance"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type creditRequest struct {
	AmountCents    int64  `json:"amount_cents"`
	CorrelationKey string `json:"idempotency_key"`
	Description    string `json:"description"`
}

type creditResponse struct {
	TransactionID   uuid.UUID `json:"transaction_id"`
	PreviousBalance int64     `json:"previous_balance_cents"`
	NewBalance      int64     `json:"new_balance_cents"`
	Duplicate       bool      `json:"duplicate"`
}

type transactionResponse struct {
	ID                uuid.UUID              `json:"id"`
	AmountCents       int64                  `json:"amount_cents"`
	BalanceAfterCents int64                  `json:"balance_after_cents"`
	Kind              domain.TransactionKind `json:"kind"`
	Description       string                 `json:"description,omitempty"`
	Metadata          json.RawMessage        `json:"metadata,omitempty"`
	CorrelationKey    string                 `json:"correlation_key"`
	CreatedAt         time.Time              `json:"created_at"`
}

func (h *HandlerSet) getBalance(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "id")
	if err != nil {
		return err
	}

	view, err := h.ledger.Balance(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.JSON(balanceResponse{
		AccountID:      view.AccountID,
		BalanceCents:   view.BalanceCents,
		ReservedCents:  view.ReservedCents,
		AvailableCents: view.Available(),
		CreditBlocked:  view.CreditBlocked,
		LowBalance:     view.LowBalance,
		UpdatedAt:      view.UpdatedAt,
	})
}

func (h *HandlerSet) creditAccount(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "id")
	if err != nil {
		return err
	}

	var req creditRequest
	if err := parseBody(ctx, &req); err != nil {
		return err
	}

	res, err := h.ledger.Credit(ctx.UserContext(), ledger.CreditRequest{
		AccountID:      id,
		AmountCents:    req.AmountCents,
		CorrelationKey: req.CorrelationKey,
		Description:    req.Description,
	})
	if err != nil {
		return translateError(err)
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	return ctx.Status(status).JSON(creditResponse{
		TransactionID:   res.TransactionID,
		PreviousBalance: res.PreviousBalance,
		NewBalance:      res.NewBalance,
		Duplicate:       res.Duplicate,
	})
}

func (h *HandlerSet) listTransactions(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "id")
	if err != nil {
		return err
	}

	txs, err := h.ledger.ListTransactions(ctx.UserContext(), id, queryLimit(ctx, 50, 500))
	if err != nil {
		return translateError(err)
	}

	out := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, transactionResponse{
			ID:                tx.ID,
			AmountCents:       tx.AmountCents,
			BalanceAfterCents: tx.BalanceAfterCents,
			Kind:              tx.Kind,
			Description:       tx.Description,
			Metadata:          tx.Metadata,
			CorrelationKey:    tx.CorrelationKey,
			CreatedAt:         tx.CreatedAt,
		})
	}

	return ctx.JSON(fiber.Map{"transactions": out})
}
