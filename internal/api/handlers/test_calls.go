package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/voice-campaign-orchestrator/internal/domain"
	callsvc "github.com/acme/voice-campaign-orchestrator/internal/service/call"
)

type triggerTestCallRequest struct {
	AccountID   uuid.UUID         `json:"account_id"`
	AgentID     uuid.UUID         `json:"agent_id"`
	PhoneNumber string            `json:"phone_number"`
	Metadata    map[string]string `json:"metadata"`
}

type testCallResponse struct {
	ID                uuid.UUID           `json:"id"`
	AccountID         uuid.UUID           `json:"account_id"`
	AgentID           uuid.UUID           `json:"agent_id"`
	PhoneNumber       string              `json:"phone_number"`
	Status            domain.CallStatus   `json:"call_status"`
	ExternalCallID    *string             `json:"external_call_id,omitempty"`
	DurationMs        int64               `json:"duration_ms"`
	ProviderCostCents int64               `json:"provider_cost_cents"`
	ChargedCents      int64               `json:"charged_cents"`
	CallSummary       *string             `json:"call_summary,omitempty"`
	Appointment       *domain.Appointment `json:"appointment,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

type callEventResponse struct {
	EventType  string          `json:"event_type"`
	ReceivedAt time.Time       `json:"received_at"`
	AttemptID  *uuid.UUID      `json:"attempt_id,omitempty"`
	SessionID  *uuid.UUID      `json:"session_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

func (h *HandlerSet) triggerTestCall(ctx *fiber.Ctx) error {
	var req triggerTestCallRequest
	if err := parseBody(ctx, &req); err != nil {
		return err
	}

	session, err := h.testCalls.TriggerTestCall(ctx.UserContext(), callsvc.TriggerTestCallInput(req))
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusAccepted).JSON(toTestCallResponse(session))
}

func (h *HandlerSet) getTestCall(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "id")
	if err != nil {
		return err
	}

	session, err := h.testCalls.GetSession(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.JSON(toTestCallResponse(session))
}

func (h *HandlerSet) listCallEvents(ctx *fiber.Ctx) error {
	events, err := h.testCalls.CallEvents(ctx.UserContext(), ctx.Params("callID"), queryLimit(ctx, 100, 500))
	if err != nil {
		return translateError(err)
	}

	out := make([]callEventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, callEventResponse{
			EventType:  ev.EventType,
			ReceivedAt: ev.ReceivedAt,
			AttemptID:  ev.AttemptID,
			SessionID:  ev.SessionID,
			Payload:    json.RawMessage(ev.Payload),
		})
	}

	return ctx.JSON(fiber.Map{"call_id": ctx.Params("callID"), "events": out})
}

func toTestCallResponse(s *domain.TestCallSession) testCallResponse {
	return testCallResponse{
		ID:                s.ID,
		AccountID:         s.AccountID,
		AgentID:           s.AgentID,
		PhoneNumber:       s.PhoneNumber,
		Status:            s.Status,
		ExternalCallID:    s.ExternalCallID,
		DurationMs:        s.DurationMs,
		ProviderCostCents: s.ProviderCostCents,
		ChargedCents:      s.ChargedCents,
		CallSummary:       s.CallSummary,
		Appointment:       s.AppointmentData,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
}
