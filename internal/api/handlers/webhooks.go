package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/call-orchestrator/internal/reconciler"
	apperrors "github.com/acme/call-orchestrator/pkg/errors"
)

// callStatusWebhook ingests provider call-status deliveries. Discarded events
// (unknown execution, stale or duplicate transitions) are acknowledged with
// 200 so the provider does not redeliver them; only genuine processing
// failures return an error status.
func (h *HandlerSet) callStatusWebhook(ctx *fiber.Ctx) error {
	raw := ctx.Body()

	var payload reconciler.WebhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fiber.NewError(http.StatusBadRequest, "malformed webhook payload")
	}

	err := h.reconciler.Apply(ctx.Context(), payload, raw, time.Now().UTC())
	if err != nil {
		if errors.Is(err, apperrors.ErrStale) || errors.Is(err, apperrors.ErrUnmatched) {
			h.container.Logger.Info("webhook discarded",
				zap.String("external_call_id", payload.ExternalCallID()),
				zap.String("status", payload.Status),
				zap.String("reason", err.Error()))
			return ctx.Status(fiber.StatusOK).JSON(fiber.Map{"status": "discarded"})
		}
		return err
	}

	return ctx.Status(fiber.StatusOK).JSON(fiber.Map{"status": "accepted"})
}
