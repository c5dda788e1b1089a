package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/call-orchestrator/internal/app"
	"github.com/acme/call-orchestrator/internal/dispatcher"
	"github.com/acme/call-orchestrator/internal/progress"
	"github.com/acme/call-orchestrator/internal/provider"
	"github.com/acme/call-orchestrator/internal/reconciler"
	"github.com/acme/call-orchestrator/internal/repository"
	campaignsvc "github.com/acme/call-orchestrator/internal/service/campaign"
)

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	container  *app.Container
	campaigns  *campaignsvc.Service
	reconciler *reconciler.Reconciler
	dispatcher *dispatcher.Dispatcher
	reporter   *progress.Reporter
	calls      repository.CallRepository
	voice      provider.Client
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(container *app.Container) *HandlerSet {
	engine := container.Engine()
	return &HandlerSet{
		container:  container,
		campaigns:  container.Services().Campaign,
		reconciler: engine.Reconciler,
		dispatcher: engine.Dispatcher,
		reporter:   engine.Reporter,
		calls:      container.Repositories().Calls,
		voice:      container.Providers().Voice,
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	api := app.Group("/api")
	v1 := api.Group("/v1")

	v1.Post("/webhooks/call-status", h.callStatusWebhook)

	campaigns := v1.Group("/campaigns")
	campaigns.Post("/", h.createCampaign)
	campaigns.Get("/:id", h.getCampaign)
	campaigns.Post("/:id/start", h.startCampaign)
	campaigns.Post("/:id/pause", h.pauseCampaign)
	campaigns.Post("/:id/leads", h.enqueueLeads)
	campaigns.Post("/:id/dispatch", h.dispatchCampaign)
	campaigns.Get("/:id/progress", h.campaignProgress)

	calls := v1.Group("/calls")
	calls.Get("/by-external/:external_id", h.getCallByExternalID)
	calls.Get("/:id", h.getCall)
	calls.Post("/:id/stop", h.stopCall)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.container.Logger.Error("request failed", zap.Error(err))
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.Context(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)

	if err := h.container.Postgres.DB().PingContext(healthCtx); err != nil {
		errs["postgres"] = err.Error()
	}

	if err := h.container.Redis.Inner().Ping(healthCtx).Err(); err != nil {
		errs["redis"] = err.Error()
	}

	if err := h.container.Scylla.Session().Query("SELECT now() FROM system.local").WithContext(healthCtx).Exec(); err != nil {
		errs["scylla"] = err.Error()
	}

	status := fiber.StatusOK
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
	}

	return ctx.Status(status).JSON(fiber.Map{"status": "ok", "errors": errs})
}
