package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/call-orchestrator/internal/domain"
	campaignsvc "github.com/acme/call-orchestrator/internal/service/campaign"
)

type createCampaignRequest struct {
	ClientID         uuid.UUID           `json:"client_id"`
	Name             string              `json:"name"`
	AgentID          string              `json:"agent_id"`
	ConcurrencyLimit int                 `json:"concurrency_limit"`
	RetryPolicy      *retryPolicyRequest `json:"retry_policy"`
	LeadIDs          []uuid.UUID         `json:"lead_ids"`
}

type retryPolicyRequest struct {
	MaxDailyRetries int    `json:"max_daily_retries"`
	Mode            string `json:"mode"`
	BaseDelay       string `json:"base_delay"`
	MaxDelay        string `json:"max_delay"`
}

type campaignResponse struct {
	ID               uuid.UUID             `json:"id"`
	ClientID         uuid.UUID             `json:"client_id"`
	Name             string                `json:"name"`
	AgentID          string                `json:"agent_id"`
	Status           domain.CampaignStatus `json:"status"`
	ConcurrencyLimit int                   `json:"concurrency_limit"`
	RetryPolicy      retryPolicyResponse   `json:"retry_policy"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
	StartedAt        *time.Time            `json:"started_at,omitempty"`
	CompletedAt      *time.Time            `json:"completed_at,omitempty"`
}

type retryPolicyResponse struct {
	MaxDailyRetries int    `json:"max_daily_retries"`
	Mode            string `json:"mode"`
	BaseDelay       string `json:"base_delay"`
	MaxDelay        string `json:"max_delay"`
}

type enqueueLeadsRequest struct {
	LeadIDs []uuid.UUID `json:"lead_ids"`
}

type enqueueResultResponse struct {
	Enqueued  int         `json:"enqueued"`
	Duplicate int         `json:"duplicate"`
	Rejected  []uuid.UUID `json:"rejected,omitempty"`
}

type progressResponse struct {
	Pending                int64   `json:"pending"`
	InProgress             int64   `json:"in_progress"`
	Completed              int64   `json:"completed"`
	Failed                 int64   `json:"failed"`
	RetryScheduled         int64   `json:"retry_scheduled"`
	MaxRetriesReached      int64   `json:"max_retries_reached"`
	Total                  int64   `json:"total"`
	PercentComplete        float64 `json:"percent_complete"`
	EstimatedTimeRemaining string  `json:"estimated_time_remaining,omitempty"`
}

func (h *HandlerSet) createCampaign(ctx *fiber.Ctx) error {
	var req createCampaignRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	input := campaignsvc.CreateCampaignInput{
		ClientID:         req.ClientID,
		Name:             req.Name,
		AgentID:          req.AgentID,
		ConcurrencyLimit: req.ConcurrencyLimit,
		LeadIDs:          req.LeadIDs,
	}
	if req.RetryPolicy != nil {
		policy, err := parseRetryPolicy(*req.RetryPolicy)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		input.RetryPolicy = policy
	}

	campaign, enq, err := h.campaigns.Create(ctx.Context(), input)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(fiber.StatusCreated).JSON(fiber.Map{
		"campaign": toCampaignResponse(campaign),
		"leads":    toEnqueueResponse(enq),
	})
}

func (h *HandlerSet) getCampaign(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	campaign, err := h.campaigns.Get(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) startCampaign(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	if err := h.campaigns.Start(ctx.Context(), id); err != nil {
		return translateError(err)
	}
	return ctx.JSON(fiber.Map{"status": "started"})
}

func (h *HandlerSet) pauseCampaign(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	if err := h.campaigns.Pause(ctx.Context(), id); err != nil {
		return translateError(err)
	}
	return ctx.JSON(fiber.Map{"status": "paused"})
}

func (h *HandlerSet) enqueueLeads(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	var req enqueueLeadsRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	result, err := h.campaigns.EnqueueLeads(ctx.Context(), id, req.LeadIDs)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(fiber.StatusAccepted).JSON(toEnqueueResponse(result))
}

// dispatchCampaign triggers one dispatch pass immediately instead of waiting
// for the next scheduled tick.
func (h *HandlerSet) dispatchCampaign(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	campaign, err := h.campaigns.Get(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	stats, err := h.dispatcher.Tick(ctx.Context(), campaign)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(fiber.Map{
		"in_flight":          stats.InFlight,
		"eligible":           stats.Eligible,
		"dispatched":         stats.Dispatched,
		"transient_failures": stats.TransientFailures,
		"permanent_failures": stats.PermanentFailures,
	})
}

func (h *HandlerSet) campaignProgress(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	if _, err := h.campaigns.Get(ctx.Context(), id); err != nil {
		return translateError(err)
	}

	snapshot, err := h.reporter.Snapshot(ctx.Context(), id, time.Now().UTC())
	if err != nil {
		return translateError(err)
	}

	resp := progressResponse{
		Pending:           snapshot.Pending,
		InProgress:        snapshot.InProgress,
		Completed:         snapshot.Completed,
		Failed:            snapshot.Failed,
		RetryScheduled:    snapshot.RetryScheduled,
		MaxRetriesReached: snapshot.MaxRetries,
		Total:             snapshot.Total,
		PercentComplete:   snapshot.PercentComplete,
	}
	if snapshot.EstimatedTimeRemaining > 0 {
		resp.EstimatedTimeRemaining = snapshot.EstimatedTimeRemaining.Round(time.Second).String()
	}
	return ctx.JSON(resp)
}

func parseRetryPolicy(req retryPolicyRequest) (domain.RetryPolicy, error) {
	policy := domain.RetryPolicy{
		MaxDailyRetries: req.MaxDailyRetries,
		Mode:            req.Mode,
	}
	if req.BaseDelay != "" {
		d, err := time.ParseDuration(req.BaseDelay)
		if err != nil {
			return policy, err
		}
		policy.BaseDelay = d
	}
	if req.MaxDelay != "" {
		d, err := time.ParseDuration(req.MaxDelay)
		if err != nil {
			return policy, err
		}
		policy.MaxDelay = d
	}
	return policy, nil
}

func toCampaignResponse(c *domain.Campaign) campaignResponse {
	return campaignResponse{
		ID:               c.ID,
		ClientID:         c.ClientID,
		Name:             c.Name,
		AgentID:          c.AgentID,
		Status:           c.Status,
		ConcurrencyLimit: c.ConcurrencyLimit,
		RetryPolicy: retryPolicyResponse{
			MaxDailyRetries: c.RetryPolicy.MaxDailyRetries,
			Mode:            c.RetryPolicy.Mode,
			BaseDelay:       c.RetryPolicy.BaseDelay.String(),
			MaxDelay:        c.RetryPolicy.MaxDelay.String(),
		},
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
		StartedAt:   c.StartedAt,
		CompletedAt: c.CompletedAt,
	}
}

func toEnqueueResponse(r *campaignsvc.EnqueueResult) enqueueResultResponse {
	if r == nil {
		return enqueueResultResponse{}
	}
	return enqueueResultResponse{
		Enqueued:  r.Enqueued,
		Duplicate: r.Duplicate,
		Rejected:  r.Rejected,
	}
}
