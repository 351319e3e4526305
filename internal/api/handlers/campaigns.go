package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/voice-campaign-orchestrator/internal/domain"
	campaignsvc "github.com/acme/voice-campaign-orchestrator/internal/service/campaign"
	"github.com/acme/voice-campaign-orchestrator/internal/service/common"
)

type windowRequest struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Weekdays []int  `json:"weekdays"`
}

type createCampaignRequest struct {
	AccountID       uuid.UUID      `json:"account_id"`
	Name            string         `json:"name"`
	AgentID         *uuid.UUID     `json:"agent_id"`
	ContactGroupID  *uuid.UUID     `json:"contact_group_id"`
	ConcurrentCalls int            `json:"concurrent_calls"`
	MaxRetryDays    int            `json:"max_retry_days"`
	Window          *windowRequest `json:"calling_window"`
	TimeZone        string         `json:"time_zone"`
}

type updateCampaignRequest struct {
	Name            *string        `json:"name"`
	AgentID         *uuid.UUID     `json:"agent_id"`
	ContactGroupID  *uuid.UUID     `json:"contact_group_id"`
	ConcurrentCalls *int           `json:"concurrent_calls"`
	MaxRetryDays    *int           `json:"max_retry_days"`
	Window          *windowRequest `json:"calling_window"`
	TimeZone        *string        `json:"time_zone"`
}

type windowResponse struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Weekdays []int  `json:"weekdays"`
}

type campaignResponse struct {
	ID               uuid.UUID             `json:"id"`
	AccountID        uuid.UUID             `json:"account_id"`
	Name             string                `json:"name"`
	Status           domain.CampaignStatus `json:"status"`
	AgentID          *uuid.UUID            `json:"agent_id,omitempty"`
	ContactGroupID   *uuid.UUID            `json:"contact_group_id,omitempty"`
	ContactCount     int                   `json:"contact_count"`
	ConcurrentCalls  int                   `json:"concurrent_calls"`
	ActiveCallsCount int                   `json:"active_calls_count"`
	MaxRetryDays     int                   `json:"max_retry_days"`
	Window           windowResponse        `json:"calling_window"`
	TimeZone         string                `json:"time_zone"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
	StartedAt        *time.Time            `json:"started_at,omitempty"`
	CompletedAt      *time.Time            `json:"completed_at,omitempty"`
}

type listCampaignsResponse struct {
	Campaigns []campaignResponse `json:"campaigns"`
	NextPage  string             `json:"next_page_token,omitempty"`
}

type campaignStatsResponse struct {
	TotalAttempts      int64 `json:"total_attempts"`
	PendingAttempts    int64 `json:"pending_attempts"`
	InProgressAttempts int64 `json:"in_progress_attempts"`
	CompletedAttempts  int64 `json:"completed_attempts"`
	FailedAttempts     int64 `json:"failed_attempts"`
	NoAnswerAttempts   int64 `json:"no_answer_attempts"`
	VoicemailAttempts  int64 `json:"voicemail_attempts"`
	CancelledAttempts  int64 `json:"cancelled_attempts"`
	Appointments       int64 `json:"appointments"`
	ChargedCents       int64 `json:"charged_cents"`
}

type attemptResponse struct {
	ID                uuid.UUID           `json:"id"`
	CampaignID        uuid.UUID           `json:"campaign_id"`
	ContactID         uuid.UUID           `json:"contact_id"`
	PhoneNumber       string              `json:"phone_number"`
	PhoneIndex        int                 `json:"phone_index"`
	TotalPhones       int                 `json:"total_phones"`
	AttemptDay        int                 `json:"attempt_day"`
	AttemptNumber     int                 `json:"attempt_number"`
	Status            domain.CallStatus   `json:"call_status"`
	ScheduledAt       time.Time           `json:"scheduled_at"`
	StartedAt         *time.Time          `json:"started_at,omitempty"`
	EndedAt           *time.Time          `json:"ended_at,omitempty"`
	ExternalCallID    *string             `json:"external_call_id,omitempty"`
	DisconnectReason  *string             `json:"disconnect_reason,omitempty"`
	DurationMs        int64               `json:"duration_ms"`
	ProviderCostCents int64               `json:"provider_cost_cents"`
	ChargedCents      int64               `json:"charged_cents"`
	CallSummary       *string             `json:"call_summary,omitempty"`
	CallSuccessful    *bool               `json:"call_successful,omitempty"`
	Appointment       *domain.Appointment `json:"appointment,omitempty"`
}

type listAttemptsResponse struct {
	Attempts []attemptResponse `json:"attempts"`
	NextPage string            `json:"next_page_token,omitempty"`
}

func (h *HandlerSet) createCampaign(ctx *fiber.Ctx) error {
	var req createCampaignRequest
	if err := parseBody(ctx, &req); err != nil {
		return err
	}

	input := campaignsvc.CreateCampaignInput{
		AccountID:       req.AccountID,
		Name:            req.Name,
		AgentID:         req.AgentID,
		ContactGroupID:  req.ContactGroupID,
		ConcurrentCalls: req.ConcurrentCalls,
		MaxRetryDays:    req.MaxRetryDays,
		TimeZone:        req.TimeZone,
	}
	if req.Window != nil {
		window, err := toCallingWindow(*req.Window)
		if err != nil {
			return translateError(err)
		}
		input.Window = window
	}

	campaign, err := h.campaigns.Create(ctx.UserContext(), input)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusCreated).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) listCampaigns(ctx *fiber.Ctx) error {
	limit := queryLimit(ctx, 50, 200)

	var campaigns []*domain.Campaign
	var err error
	if status := ctx.Query("status"); status != "" {
		campaigns, err = h.campaigns.ListByStatus(ctx.UserContext(), domain.CampaignStatus(status), limit)
	} else {
		afterID, cerr := common.DecodeCursor(ctx.Query("page_token"))
		if cerr != nil {
			return translateError(cerr)
		}
		campaigns, err = h.campaigns.List(ctx.UserContext(), afterID, limit)
	}
	if err != nil {
		return translateError(err)
	}

	resp := listCampaignsResponse{Campaigns: make([]campaignResponse, 0, len(campaigns))}
	for _, c := range campaigns {
		resp.Campaigns = append(resp.Campaigns, toCampaignResponse(c))
	}
	if len(campaigns) == limit && ctx.Query("status") == "" {
		resp.NextPage = common.EncodeCursor(campaigns[len(campaigns)-1].ID)
	}

	return ctx.JSON(resp)
}

func (h *HandlerSet) getCampaign(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "id")
	if err != nil {
		return err
	}

	campaign, err := h.campaigns.Get(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) updateCampaign(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "id")
	if err != nil {
		return err
	}

	var req updateCampaignRequest
	if err := parseBody(ctx, &req); err != nil {
		return err
	}

	input := campaignsvc.UpdateCampaignInput{
		ID:              id,
		Name:            req.Name,
		AgentID:         req.AgentID,
		ContactGroupID:  req.ContactGroupID,
		ConcurrentCalls: req.ConcurrentCalls,
		MaxRetryDays:    req.MaxRetryDays,
		TimeZone:        req.TimeZone,
	}
	if req.Window != nil {
		window, err := toCallingWindow(*req.Window)
		if err != nil {
			return translateError(err)
		}
		input.Window = &window
	}

	campaign, err := h.campaigns.Update(ctx.UserContext(), input)
	if err != nil {
		return translateError(err)
	}

	return ctx.JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) deleteCampaign(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "id")
	if err != nil {
		return err
	}

	if err := h.campaigns.Delete(ctx.UserContext(), id); err != nil {
		return translateError(err)
	}

	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) transitionCampaign(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "id")
	if err != nil {
		return err
	}

	var apply func(context.Context, uuid.UUID) (*domain.Campaign, error)
	switch ctx.Params("action") {
	case "schedule":
		apply = h.campaigns.Schedule
	case "start":
		apply = h.campaigns.Start
	case "pause":
		apply = h.campaigns.Pause
	case "resume":
		apply = h.campaigns.Resume
	case "complete":
		apply = h.campaigns.Complete
	case "fail":
		apply = h.campaigns.Fail
	case "reset":
		apply = h.campaigns.ResetToDraft
	default:
		return fiber.NewError(http.StatusNotFound, "unknown campaign action")
	}

	campaign, err := apply(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) campaignStats(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "id")
	if err != nil {
		return err
	}

	stats, err := h.campaigns.Stats(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.JSON(campaignStatsResponse(*stats))
}

func (h *HandlerSet) listCampaignAttempts(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "id")
	if err != nil {
		return err
	}

	afterID, err := common.DecodeCursor(ctx.Query("page_token"))
	if err != nil {
		return translateError(err)
	}
	limit := queryLimit(ctx, 100, 500)

	attempts, err := h.campaigns.Attempts(ctx.UserContext(), id, afterID, limit)
	if err != nil {
		return translateError(err)
	}

	resp := listAttemptsResponse{Attempts: make([]attemptResponse, 0, len(attempts))}
	for _, a := range attempts {
		resp.Attempts = append(resp.Attempts, toAttemptResponse(a))
	}
	if len(attempts) == limit {
		resp.NextPage = common.EncodeCursor(attempts[len(attempts)-1].ID)
	}

	return ctx.JSON(resp)
}

func queryLimit(ctx *fiber.Ctx, def, ceiling int) int {
	limit, err := strconv.Atoi(ctx.Query("limit"))
	if err != nil || limit <= 0 {
		return def
	}
	if limit > ceiling {
		return ceiling
	}
	return limit
}

func toCallingWindow(req windowRequest) (domain.CallingWindow, error) {
	start, err := campaignsvc.ParseClock(req.Start)
	if err != nil {
		return domain.CallingWindow{}, err
	}
	end, err := campaignsvc.ParseClock(req.End)
	if err != nil {
		return domain.CallingWindow{}, err
	}
	days := make([]time.Weekday, 0, len(req.Weekdays))
	for _, d := range req.Weekdays {
		days = append(days, time.Weekday(d))
	}
	return domain.CallingWindow{StartMinute: start, EndMinute: end, Weekdays: days}, nil
}

func toCampaignResponse(c *domain.Campaign) campaignResponse {
	days := make([]int, 0, len(c.Window.Weekdays))
	for _, d := range c.Window.Weekdays {
		days = append(days, int(d))
	}
	return campaignResponse{
		ID:               c.ID,
		AccountID:        c.AccountID,
		Name:             c.Name,
		Status:           c.Status,
		AgentID:          c.AgentID,
		ContactGroupID:   c.ContactGroupID,
		ContactCount:     c.ContactCount,
		ConcurrentCalls:  c.ConcurrentCalls,
		ActiveCallsCount: c.ActiveCallsCount,
		MaxRetryDays:     c.MaxRetryDays,
		Window: windowResponse{
			Start:    campaignsvc.FormatClock(c.Window.StartMinute),
			End:      campaignsvc.FormatClock(c.Window.EndMinute),
			Weekdays: days,
		},
		TimeZone:    c.TimeZone,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
		StartedAt:   c.StartedAt,
		CompletedAt: c.CompletedAt,
	}
}

func toAttemptResponse(a *domain.Attempt) attemptResponse {
	return attemptResponse{
		ID:                a.ID,
		CampaignID:        a.CampaignID,
		ContactID:         a.ContactID,
		PhoneNumber:       a.PhoneNumber,
		PhoneIndex:        a.PhoneIndex,
		TotalPhones:       a.TotalPhones,
		AttemptDay:        a.AttemptDay,
		AttemptNumber:     a.AttemptNumber,
		Status:            a.Status,
		ScheduledAt:       a.ScheduledAt,
		StartedAt:         a.StartedAt,
		EndedAt:           a.EndedAt,
		ExternalCallID:    a.ExternalCallID,
		DisconnectReason:  a.DisconnectReason,
		DurationMs:        a.DurationMs,
		ProviderCostCents: a.ProviderCostCents,
		ChargedCents:      a.ChargedCents,
		CallSummary:       a.CallSummary,
		CallSuccessful:    a.CallSuccessful,
		Appointment:       a.AppointmentData,
	}
}
