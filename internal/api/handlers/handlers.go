package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/voice-campaign-orchestrator/internal/domain"
	"github.com/acme/voice-campaign-orchestrator/internal/repository"
	callsvc "github.com/acme/voice-campaign-orchestrator/internal/service/call"
	campaignsvc "github.com/acme/voice-campaign-orchestrator/internal/service/campaign"
	"github.com/acme/voice-campaign-orchestrator/internal/service/directory"
	"github.com/acme/voice-campaign-orchestrator/internal/service/ledger"
	"github.com/acme/voice-campaign-orchestrator/internal/webhook"
	"github.com/acme/voice-campaign-orchestrator/pkg/logger"
)

// CampaignService is the campaign surface used by the HTTP layer.
type CampaignService interface {
	Create(ctx context.Context, input campaignsvc.CreateCampaignInput) (*domain.Campaign, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error)
	ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error)
	Update(ctx context.Context, input campaignsvc.UpdateCampaignInput) (*domain.Campaign, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Schedule(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	Start(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	Pause(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	Resume(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	Complete(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	Fail(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	ResetToDraft(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	Stats(ctx context.Context, id uuid.UUID) (*domain.CampaignStats, error)
	Attempts(ctx context.Context, id uuid.UUID, afterID *uuid.UUID, limit int) ([]*domain.Attempt, error)
}

// DirectoryService manages agents and contact groups.
type DirectoryService interface {
	CreateAgent(ctx context.Context, in directory.CreateAgentInput) (*domain.Agent, error)
	GetAgent(ctx context.Context, id uuid.UUID) (*domain.Agent, error)
	CreateGroup(ctx context.Context, in directory.CreateGroupInput) (*domain.ContactGroup, error)
	GetGroup(ctx context.Context, id uuid.UUID) (*domain.ContactGroup, error)
	AddContacts(ctx context.Context, groupID uuid.UUID, in []directory.ContactInput) (int, error)
}

// LedgerService exposes account balances.
type LedgerService interface {
	Balance(ctx context.Context, accountID uuid.UUID) (ledger.BalanceView, error)
	Credit(ctx context.Context, req ledger.CreditRequest) (repository.LedgerResult, error)
	ListTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.Transaction, error)
}

// TestCallService places standalone agent test calls.
type TestCallService interface {
	TriggerTestCall(ctx context.Context, input callsvc.TriggerTestCallInput) (*domain.TestCallSession, error)
	GetSession(ctx context.Context, id uuid.UUID) (*domain.TestCallSession, error)
	CallEvents(ctx context.Context, externalCallID string, limit int) ([]repository.CallEvent, error)
}

// WebhookErrorService lists and redrives failed webhook deliveries.
type WebhookErrorService interface {
	List(ctx context.Context, unresolvedOnly bool, limit int) ([]*domain.WebhookErrorRecord, error)
	RetryNow(ctx context.Context, id uuid.UUID) (*domain.WebhookErrorRecord, error)
}

// WebhookIntake handles one signed provider delivery.
type WebhookIntake interface {
	Receive(ctx context.Context, headers webhook.Headers, body []byte, now time.Time) webhook.Receipt
}

// HealthCheck probes one backing dependency.
type HealthCheck func(ctx context.Context) error

// Deps groups everything the handlers need. Checks may be empty.
type Deps struct {
	Campaigns     CampaignService
	Directory     DirectoryService
	Ledger        LedgerService
	TestCalls     TestCallService
	WebhookErrors WebhookErrorService
	Intake        WebhookIntake
	Checks        map[string]HealthCheck
	Logger        *logger.Logger
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	campaigns     CampaignService
	directory     DirectoryService
	ledger        LedgerService
	testCalls     TestCallService
	webhookErrors WebhookErrorService
	intake        WebhookIntake
	checks        map[string]HealthCheck
	logger        *logger.Logger
	now           func() time.Time
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(deps Deps) *HandlerSet {
	lg := deps.Logger
	if lg == nil {
		lg = logger.Nop()
	}
	return &HandlerSet{
		campaigns:     deps.Campaigns,
		directory:     deps.Directory,
		ledger:        deps.Ledger,
		testCalls:     deps.TestCalls,
		webhookErrors: deps.WebhookErrors,
		intake:        deps.Intake,
		checks:        deps.Checks,
		logger:        lg,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)
	app.Post("/webhooks/voice", h.receiveWebhook)

	v1 := app.Group("/api").Group("/v1")

	errs := v1.Group("/webhook-errors")
	errs.Get("/", h.listWebhookErrors)
	errs.Post("/:id/retry", h.retryWebhookError)

	campaigns := v1.Group("/campaigns")
	campaigns.Post("/", h.createCampaign)
	campaigns.Get("/", h.listCampaigns)
	campaigns.Get("/:id", h.getCampaign)
	campaigns.Patch("/:id", h.updateCampaign)
	campaigns.Delete("/:id", h.deleteCampaign)
	campaigns.Post("/:id/:action", h.transitionCampaign)
	campaigns.Get("/:id/stats", h.campaignStats)
	campaigns.Get("/:id/attempts", h.listCampaignAttempts)

	agents := v1.Group("/agents")
	agents.Post("/", h.createAgent)
	agents.Get("/:id", h.getAgent)

	groups := v1.Group("/contact-groups")
	groups.Post("/", h.createGroup)
	groups.Get("/:id", h.getGroup)
	groups.Post("/:id/contacts", h.addContacts)

	accounts := v1.Group("/accounts")
	accounts.Get("/:id/balance", h.getBalance)
	accounts.Post("/:id/credits", h.creditAccount)
	accounts.Get("/:id/transactions", h.listTransactions)

	tests := v1.Group("/test-calls")
	tests.Post("/", h.triggerTestCall)
	tests.Get("/:id", h.getTestCall)

	v1.Get("/calls/:callID/events", h.listCallEvents)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "internal error"

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.logger.WithContext(ctx.UserContext()).Error("request failed",
			zap.String("method", ctx.Method()),
			zap.String("path", ctx.Path()),
			zap.Error(err),
		)
	}

	return ctx.Status(code).JSON(fiber.Map{"error": message})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for name, check := range h.checks {
		if err := check(healthCtx); err != nil {
			errs[name] = err.Error()
		}
	}

	status := fiber.StatusOK
	state := "ok"
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
		state = "degraded"
	}

	return ctx.Status(status).JSON(fiber.Map{"status": state, "errors": errs})
}

func parseID(ctx *fiber.Ctx, param string) (uuid.UUID, error) {
	id, err := uuid.Parse(ctx.Params(param))
	if err != nil {
		return uuid.Nil, fiber.NewError(fiber.StatusBadRequest, "invalid "+param)
	}
	return id, nil
}

func parseBody(ctx *fiber.Ctx, out any) error {
	if err := json.Unmarshal(ctx.Body(), out); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	return nil
}
