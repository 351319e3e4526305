package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/voice-campaign-orchestrator/internal/domain"
	"github.com/acme/voice-campaign-orchestrator/internal/service/directory"
)

type createAgentRequest struct {
	AccountID       uuid.UUID `json:"account_id"`
	Name            string    `json:"name"`
	ProviderAgentID string    `json:"provider_agent_id"`
}

type agentResponse struct {
	ID              uuid.UUID `json:"id"`
	AccountID       uuid.UUID `json:"account_id"`
	Name            string    `json:"name"`
	ProviderAgentID string    `json:"provider_agent_id"`
	CreatedAt       time.Time `json:"created_at"`
}

type createGroupRequest struct {
	AccountID uuid.UUID `json:"account_id"`
	Name      string    `json:"name"`
}

type groupResponse struct {
	ID           uuid.UUID `json:"id"`
	AccountID    uuid.UUID `json:"account_id"`
	Name         string    `json:"name"`
	ContactCount int       `json:"contact_count"`
	CreatedAt    time.Time `json:"created_at"`
}

type contactRequest struct {
	Name     string         `json:"name"`
	Email    string         `json:"email"`
	Phones   []string       `json:"phones"`
	Metadata map[string]any `json:"metadata"`
}

type addContactsRequest struct {
	Contacts []contactRequest `json:"contacts"`
}

func (h *HandlerSet) createAgent(ctx *fiber.Ctx) error {
	var req createAgentRequest
	if err := parseBody(ctx, &req); err != nil {
		return err
	}

	agent, err := h.directory.CreateAgent(ctx.UserContext(), directory.CreateAgentInput(req))
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusCreated).JSON(toAgentResponse(agent))
}

func (h *HandlerSet) getAgent(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "id")
	if err != nil {
		return err
	}

	agent, err := h.directory.GetAgent(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.JSON(toAgentResponse(agent))
}

func (h *HandlerSet) createGroup(ctx *fiber.Ctx) error {
	var req createGroupRequest
	if err := parseBody(ctx, &req); err != nil {
		return err
	}

	group, err := h.directory.CreateGroup(ctx.UserContext(), directory.CreateGroupInput(req))
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusCreated).JSON(toGroupResponse(group))
}

func (h *HandlerSet) getGroup(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "id")
	if err != nil {
		return err
	}

	group, err := h.directory.GetGroup(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.JSON(toGroupResponse(group))
}

func (h *HandlerSet) addContacts(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "id")
	if err != nil {
		return err
	}

	var req addContactsRequest
	if err := parseBody(ctx, &req); err != nil {
		return err
	}

	in := make([]directory.ContactInput, 0, len(req.Contacts))
	for _, c := range req.Contacts {
		in = append(in, directory.ContactInput(c))
	}

	total, err := h.directory.AddContacts(ctx.UserContext(), id, in)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusCreated).JSON(fiber.Map{
		"added":         len(in),
		"contact_count": total,
	})
}

func toAgentResponse(a *domain.Agent) agentResponse {
	return agentResponse{
		ID:              a.ID,
		AccountID:       a.AccountID,
		Name:            a.Name,
		ProviderAgentID: a.ProviderAgentID,
		CreatedAt:       a.CreatedAt,
	}
}

func toGroupResponse(g *domain.ContactGroup) groupResponse {
	return groupResponse{
		ID:           g.ID,
		AccountID:    g.AccountID,
		Name:         g.Name,
		ContactCount: g.ContactCount,
		CreatedAt:    g.CreatedAt,
	}
}
