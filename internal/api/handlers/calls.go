package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/call-orchestrator/internal/domain"
)

type callResponse struct {
	ID              uuid.UUID         `json:"id"`
	CampaignID      uuid.UUID         `json:"campaign_id"`
	LeadID          uuid.UUID         `json:"lead_id"`
	ClientID        uuid.UUID         `json:"client_id"`
	ExternalCallID  string            `json:"external_call_id"`
	Status          domain.CallStatus `json:"status"`
	Connected       bool              `json:"connected"`
	DurationSeconds int               `json:"duration_seconds"`
	StartedAt       time.Time         `json:"started_at"`
	EndedAt         *time.Time        `json:"ended_at,omitempty"`
	RecordingURL    string            `json:"recording_url,omitempty"`
	Transcript      string            `json:"transcript,omitempty"`
	ErrorMessage    *string           `json:"error_message,omitempty"`
	StopRequestedAt *time.Time        `json:"stop_requested_at,omitempty"`
}

func (h *HandlerSet) getCall(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid call id")
	}

	call, err := h.calls.Get(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(toCallResponse(call))
}

func (h *HandlerSet) getCallByExternalID(ctx *fiber.Ctx) error {
	externalID := ctx.Params("external_id")
	if externalID == "" {
		return fiber.NewError(http.StatusBadRequest, "missing external call id")
	}

	call, err := h.calls.FindByExternalCallID(ctx.Context(), externalID)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(toCallResponse(call))
}

// stopCall asks the provider to hang up. The call record stays in-flight
// until the provider confirms termination through a webhook; the stop request
// is only stamped for traceability.
func (h *HandlerSet) stopCall(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid call id")
	}

	call, err := h.calls.Get(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}
	if call.Status.IsTerminal() {
		return fiber.NewError(http.StatusConflict, "call already terminal")
	}

	if err := h.voice.StopCall(ctx.Context(), call.ExternalCallID); err != nil {
		h.container.Logger.Warn("provider stop call",
			zap.Error(err), zap.String("external_call_id", call.ExternalCallID))
		return fiber.NewError(http.StatusBadGateway, "provider rejected stop request")
	}

	if err := h.calls.MarkStopRequested(ctx.Context(), id, time.Now().UTC()); err != nil {
		return translateError(err)
	}
	return ctx.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "stop_requested"})
}

func toCallResponse(c *domain.Call) callResponse {
	return callResponse{
		ID:              c.ID,
		CampaignID:      c.CampaignID,
		LeadID:          c.LeadID,
		ClientID:        c.ClientID,
		ExternalCallID:  c.ExternalCallID,
		Status:          c.Status,
		Connected:       c.Connected,
		DurationSeconds: c.DurationSeconds,
		StartedAt:       c.StartedAt,
		EndedAt:         c.EndedAt,
		RecordingURL:    c.RecordingURL,
		Transcript:      c.Transcript,
		ErrorMessage:    c.ErrorMessage,
		StopRequestedAt: c.StopRequestedAt,
	}
}
