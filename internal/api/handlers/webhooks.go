package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/voice-campaign-orchestrator/internal/domain"
	"github.com/acme/voice-campaign-orchestrator/internal/webhook"
)

type webhookErrorResponse struct {
	ID             uuid.UUID  `json:"id"`
	IdempotencyKey string     `json:"idempotency_key"`
	WebhookType    string     `json:"webhook_type"`
	EventType      string     `json:"event_type"`
	EventID        string     `json:"event_id"`
	ErrorMessage   string     `json:"error_message"`
	Retryable      bool       `json:"retryable"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	Exhausted      bool       `json:"exhausted"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// receiveWebhook answers with the intake's status so the provider retries only when the
// failure could not be recorded.
func (h *HandlerSet) receiveWebhook(ctx *fiber.Ctx) error {
	body := append([]byte(nil), ctx.Body()...)
	receipt := h.intake.Receive(ctx.UserContext(), webhook.HeaderFunc(func(key string) string {
		return ctx.Get(key)
	}), body, h.now())

	resp := fiber.Map{"status": receipt.Message}
	if receipt.RecordID != "" {
		resp["error_record_id"] = receipt.RecordID
	}
	return ctx.Status(receipt.Status).JSON(resp)
}

func (h *HandlerSet) listWebhookErrors(ctx *fiber.Ctx) error {
	records, err := h.webhookErrors.List(ctx.UserContext(), ctx.QueryBool("unresolved", false), queryLimit(ctx, 100, 500))
	if err != nil {
		return translateError(err)
	}

	out := make([]webhookErrorResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toWebhookErrorResponse(rec))
	}
	return ctx.JSON(fiber.Map{"records": out})
}

func (h *HandlerSet) retryWebhookError(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "id")
	if err != nil {
		return err
	}

	rec, err := h.webhookErrors.RetryNow(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(fiber.StatusAccepted).JSON(toWebhookErrorResponse(rec))
}

func toWebhookErrorResponse(r *domain.WebhookErrorRecord) webhookErrorResponse {
	return webhookErrorResponse{
		ID:             r.ID,
		IdempotencyKey: r.IdempotencyKey,
		WebhookType:    r.WebhookType,
		EventType:      r.EventType,
		EventID:        r.EventID,
		ErrorMessage:   r.ErrorMessage,
		Retryable:      r.Retryable,
		RetryCount:     r.RetryCount,
		MaxRetries:     r.MaxRetries,
		Exhausted:      r.Exhausted(),
		NextRetryAt:    r.NextRetryAt,
		LastAttemptAt:  r.LastAttemptAt,
		ResolvedAt:     r.ResolvedAt,
		CreatedAt:      r.CreatedAt,
	}
}
