package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/repository"
	apperrors "github.com/acme/call-orchestrator/pkg/errors"
)

type fakeCallRepo struct {
	calls       map[uuid.UUID]*domain.Call
	billingSeen map[uuid.UUID]bool
	lastApplied *repository.TerminalApplication
}

func newFakeCallRepo() *fakeCallRepo {
	return &fakeCallRepo{
		calls:       make(map[uuid.UUID]*domain.Call),
		billingSeen: make(map[uuid.UUID]bool),
	}
}

func (f *fakeCallRepo) Create(ctx context.Context, call *domain.Call) error {
	f.calls[call.ID] = call
	return nil
}

func (f *fakeCallRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Call, error) {
	call, ok := f.calls[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *call
	return &cp, nil
}

func (f *fakeCallRepo) FindByExternalCallID(ctx context.Context, externalCallID string) (*domain.Call, error) {
	for _, call := range f.calls {
		if call.ExternalCallID == externalCallID {
			cp := *call
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeCallRepo) CountInFlight(ctx context.Context, campaignID uuid.UUID) (int, error) {
	n := 0
	for _, call := range f.calls {
		if call.CampaignID == campaignID && !call.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

func (f *fakeCallRepo) ApplyProgress(ctx context.Context, callID uuid.UUID, status domain.CallStatus) (bool, error) {
	call, ok := f.calls[callID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if status.Rank() <= call.Status.Rank() {
		return false, nil
	}
	call.Status = status
	return true, nil
}

func (f *fakeCallRepo) ApplyTerminal(ctx context.Context, app repository.TerminalApplication) (*repository.TerminalResult, error) {
	call, ok := f.calls[app.Call.CallID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if call.Status.IsTerminal() {
		return &repository.TerminalResult{}, nil
	}

	call.Status = app.Call.Status
	call.Connected = app.Call.Connected
	call.DurationSeconds = app.Call.DurationSeconds
	f.lastApplied = &app

	result := &repository.TerminalResult{Applied: true}
	if app.Billing != nil && !f.billingSeen[app.Billing.CallID] {
		f.billingSeen[app.Billing.CallID] = true
		result.BillingRecorded = true
	}
	return result, nil
}

func (f *fakeCallRepo) MarkStopRequested(ctx context.Context, callID uuid.UUID, at time.Time) error {
	return nil
}

func (f *fakeCallRepo) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]domain.Call, error) {
	return nil, nil
}

type fakeQueueRepo struct {
	entries map[uuid.UUID]*domain.QueueEntry
}

func (f *fakeQueueRepo) Enqueue(ctx context.Context, campaignID, leadID uuid.UUID) (*domain.QueueEntry, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeQueueRepo) Get(ctx context.Context, id uuid.UUID) (*domain.QueueEntry, error) {
	entry, ok := f.entries[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *entry
	return &cp, nil
}

func (f *fakeQueueRepo) FetchEligible(ctx context.Context, campaignID uuid.UUID, now time.Time, limit int) ([]domain.QueueEntry, error) {
	return nil, nil
}

func (f *fakeQueueRepo) MarkInProgress(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return false, nil
}

func (f *fakeQueueRepo) RevertToPending(ctx context.Context, id uuid.UUID, dispatchAttempts int, errorMessage *string) error {
	return nil
}

func (f *fakeQueueRepo) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) error {
	return nil
}

type fakeCampaignRepo struct {
	campaigns map[uuid.UUID]*domain.Campaign
}

func (f *fakeCampaignRepo) Create(ctx context.Context, campaign *domain.Campaign) error { return nil }

func (f *fakeCampaignRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	campaign, ok := f.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *campaign
	return &cp, nil
}

func (f *fakeCampaignRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.CampaignStatus, at time.Time) error {
	return nil
}

func (f *fakeCampaignRepo) ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	return nil, nil
}

type fakeArchive struct {
	events []repository.WebhookEventRecord
}

func (f *fakeArchive) AppendWebhookEvent(ctx context.Context, rec repository.WebhookEventRecord) error {
	f.events = append(f.events, rec)
	return nil
}

func (f *fakeArchive) AppendDispatchAttempt(ctx context.Context, rec repository.DispatchAttemptRecord) error {
	return nil
}

type fakeEventPublisher struct {
	published []domain.Call
}

func (f *fakeEventPublisher) PublishCallEvent(ctx context.Context, call *domain.Call) error {
	f.published = append(f.published, *call)
	return nil
}

type fakeBillingPublisher struct {
	published []domain.Call
}

func (f *fakeBillingPublisher) PublishBillingSignal(ctx context.Context, call *domain.Call) error {
	f.published = append(f.published, *call)
	return nil
}

type fakeDedupe struct {
	seen   map[string]bool
	marked []string
}

func (f *fakeDedupe) SeenTerminal(ctx context.Context, externalCallID string) (bool, error) {
	return f.seen[externalCallID], nil
}

func (f *fakeDedupe) MarkTerminal(ctx context.Context, externalCallID string) error {
	f.marked = append(f.marked, externalCallID)
	return nil
}

type fixture struct {
	rec      *Reconciler
	calls    *fakeCallRepo
	queue    *fakeQueueRepo
	archive  *fakeArchive
	events   *fakeEventPublisher
	billing  *fakeBillingPublisher
	call     *domain.Call
	entry    *domain.QueueEntry
	campaign *domain.Campaign
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	campaign := &domain.Campaign{
		ID:       uuid.New(),
		ClientID: uuid.New(),
		Status:   domain.CampaignStatusInProgress,
		RetryPolicy: domain.RetryPolicy{
			MaxDailyRetries: 3,
			Mode:            "fixed",
			BaseDelay:       10 * time.Minute,
		},
	}

	entryID := uuid.New()
	entry := &domain.QueueEntry{
		ID:         entryID,
		CampaignID: campaign.ID,
		LeadID:     uuid.New(),
		Status:     domain.QueueStatusInProgress,
	}

	call := &domain.Call{
		ID:             uuid.New(),
		QueueEntryID:   &entryID,
		CampaignID:     campaign.ID,
		LeadID:         entry.LeadID,
		ClientID:       campaign.ClientID,
		ExternalCallID: "exec-1",
		Status:         domain.CallStatusInProgress,
	}

	calls := newFakeCallRepo()
	calls.calls[call.ID] = call

	queue := &fakeQueueRepo{entries: map[uuid.UUID]*domain.QueueEntry{entry.ID: entry}}
	campaigns := &fakeCampaignRepo{campaigns: map[uuid.UUID]*domain.Campaign{campaign.ID: campaign}}
	archive := &fakeArchive{}
	events := &fakeEventPublisher{}
	billing := &fakeBillingPublisher{}

	rec := New(calls, queue, campaigns, nil, archive, events, billing, zap.NewNop())
	return &fixture{
		rec: rec, calls: calls, queue: queue, archive: archive,
		events: events, billing: billing,
		call: call, entry: entry, campaign: campaign,
	}
}

func terminalPayload(externalID, status string, duration int) WebhookPayload {
	p := WebhookPayload{ID: externalID, Status: status}
	p.TelephonyData.Duration = duration
	return p
}

func TestApplyConnectedTerminal(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()

	err := f.rec.Apply(context.Background(), terminalPayload("exec-1", "completed", 120), nil, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if f.call.Status != domain.CallStatusCompleted || !f.call.Connected {
		t.Fatalf("call must be completed and connected, got %s connected=%v", f.call.Status, f.call.Connected)
	}

	app := f.calls.lastApplied
	if app == nil {
		t.Fatalf("terminal application not recorded")
	}
	if app.Queue == nil || app.Queue.Status != domain.QueueStatusCompleted {
		t.Fatalf("queue entry must complete on a connected call")
	}
	if app.LeadStatus != domain.LeadStatusConnected {
		t.Fatalf("lead status must be connected, got %s", app.LeadStatus)
	}
	if app.Billing == nil || app.Billing.DurationSeconds != 120 {
		t.Fatalf("billing signal must be present with the call duration")
	}
	if len(f.billing.published) != 1 {
		t.Fatalf("exactly one billing message expected, got %d", len(f.billing.published))
	}
	if len(f.events.published) != 1 {
		t.Fatalf("exactly one call event expected, got %d", len(f.events.published))
	}
}

func TestApplyTerminalReplayIsNoOp(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	payload := terminalPayload("exec-1", "completed", 120)

	if err := f.rec.Apply(context.Background(), payload, nil, now); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := f.rec.Apply(context.Background(), payload, nil, now.Add(time.Second)); err != nil {
		t.Fatalf("replay must be acknowledged cleanly, got %v", err)
	}

	if len(f.billing.published) != 1 {
		t.Fatalf("billing must fire at most once, got %d", len(f.billing.published))
	}
	if len(f.events.published) != 1 {
		t.Fatalf("replay must not publish another call event, got %d", len(f.events.published))
	}
}

func TestApplyShortCallIsNotBilled(t *testing.T) {
	f := newFixture(t)

	err := f.rec.Apply(context.Background(), terminalPayload("exec-1", "completed", 30), nil, time.Now().UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if f.call.Connected {
		t.Fatalf("a 30s call must not count as connected")
	}
	if f.calls.lastApplied.Billing != nil {
		t.Fatalf("no billing signal for a short call")
	}
	if len(f.billing.published) != 0 {
		t.Fatalf("no billing message for a short call")
	}
	// Short but completed conversations do not retry.
	if f.calls.lastApplied.Queue.Status != domain.QueueStatusCompleted {
		t.Fatalf("completed call must close the queue entry, got %s", f.calls.lastApplied.Queue.Status)
	}
}

func TestApplyNoAnswerSchedulesRetry(t *testing.T) {
	f := newFixture(t)

	err := f.rec.Apply(context.Background(), terminalPayload("exec-1", "no-answer", 0), nil, time.Now().UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	app := f.calls.lastApplied
	if app.Queue.Status != domain.QueueStatusRetryPending {
		t.Fatalf("no-answer must schedule a retry, got %s", app.Queue.Status)
	}
	if app.Queue.RetryCount != 1 {
		t.Fatalf("retry count must be 1, got %d", app.Queue.RetryCount)
	}
	if app.Queue.NextRetryAt == nil {
		t.Fatalf("retry must carry a next attempt time")
	}
	if app.LeadStatus != domain.LeadStatusNoAnswer {
		t.Fatalf("lead status must be no_answer, got %s", app.LeadStatus)
	}
	if app.Billing != nil {
		t.Fatalf("no billing for a no-answer call")
	}
}

func TestApplyStaleProgressIsDiscarded(t *testing.T) {
	f := newFixture(t)
	f.call.Status = domain.CallStatusInProgress

	err := f.rec.Apply(context.Background(), WebhookPayload{ID: "exec-1", Status: "ringing"}, nil, time.Now().UTC())
	if !errors.Is(err, apperrors.ErrStale) {
		t.Fatalf("late ringing after in_progress must be stale, got %v", err)
	}
	if f.call.Status != domain.CallStatusInProgress {
		t.Fatalf("stale event must not move the call, got %s", f.call.Status)
	}
	if len(f.events.published) != 0 {
		t.Fatalf("stale event must not publish")
	}
}

func TestApplyProgressAdvances(t *testing.T) {
	f := newFixture(t)
	f.call.Status = domain.CallStatusInitiated

	err := f.rec.Apply(context.Background(), WebhookPayload{ID: "exec-1", Status: "ringing"}, nil, time.Now().UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.call.Status != domain.CallStatusRinging {
		t.Fatalf("call must advance to ringing, got %s", f.call.Status)
	}
	if len(f.events.published) != 1 {
		t.Fatalf("progress must publish one call event")
	}
}

func TestApplyUnmatchedExecution(t *testing.T) {
	f := newFixture(t)

	err := f.rec.Apply(context.Background(), terminalPayload("exec-unknown", "completed", 90), nil, time.Now().UTC())
	if !errors.Is(err, apperrors.ErrUnmatched) {
		t.Fatalf("unknown execution must be unmatched, got %v", err)
	}
}

func TestApplyUnknownVocabulary(t *testing.T) {
	f := newFixture(t)

	err := f.rec.Apply(context.Background(), WebhookPayload{ID: "exec-1", Status: "voicemail"}, nil, time.Now().UTC())
	if !errors.Is(err, apperrors.ErrUnmatched) {
		t.Fatalf("unknown vocabulary must be unmatched, got %v", err)
	}
	if f.call.Status != domain.CallStatusInProgress {
		t.Fatalf("unknown vocabulary must not change state")
	}
}

func TestApplySecondaryIDFallback(t *testing.T) {
	f := newFixture(t)

	payload := WebhookPayload{CallID: "exec-1", Status: "completed"}
	payload.TelephonyData.Duration = 100

	if err := f.rec.Apply(context.Background(), payload, nil, time.Now().UTC()); err != nil {
		t.Fatalf("secondary id must resolve the call, got %v", err)
	}
	if f.call.Status != domain.CallStatusCompleted {
		t.Fatalf("call must complete via secondary id")
	}
}

func TestApplyPrimaryIDMissRetriesSecondary(t *testing.T) {
	f := newFixture(t)

	// Primary id resolves to no call; the call row is stored under the
	// secondary id. The terminal outcome must not be discarded.
	payload := WebhookPayload{ID: "exec-other", CallID: "exec-1", Status: "completed"}
	payload.TelephonyData.Duration = 120

	if err := f.rec.Apply(context.Background(), payload, nil, time.Now().UTC()); err != nil {
		t.Fatalf("secondary id must be retried on a primary miss, got %v", err)
	}
	if f.call.Status != domain.CallStatusCompleted || !f.call.Connected {
		t.Fatalf("call must complete via secondary id, got %s connected=%v", f.call.Status, f.call.Connected)
	}
	if len(f.billing.published) != 1 {
		t.Fatalf("billing must fire for the matched call, got %d", len(f.billing.published))
	}
}

func TestApplyBothIDsUnknownIsUnmatched(t *testing.T) {
	f := newFixture(t)

	payload := WebhookPayload{ID: "exec-x", CallID: "exec-y", Status: "completed"}
	payload.TelephonyData.Duration = 90

	err := f.rec.Apply(context.Background(), payload, nil, time.Now().UTC())
	if !errors.Is(err, apperrors.ErrUnmatched) {
		t.Fatalf("miss on both ids must be unmatched, got %v", err)
	}
}

func TestApplyDuplicateBackfillsDedupeMarker(t *testing.T) {
	f := newFixture(t)
	dedupe := &fakeDedupe{seen: map[string]bool{}}
	rec := New(f.calls, f.queue, &fakeCampaignRepo{campaigns: map[uuid.UUID]*domain.Campaign{f.campaign.ID: f.campaign}}, dedupe, f.archive, f.events, f.billing, zap.NewNop())

	now := time.Now().UTC()
	payload := terminalPayload("exec-1", "completed", 120)

	if err := rec.Apply(context.Background(), payload, nil, now); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if len(dedupe.marked) != 1 {
		t.Fatalf("applied terminal must set the marker, got %v", dedupe.marked)
	}

	// Marker lost (e.g. Redis was down when it was written): a replay going
	// through the transactional duplicate path must write it back.
	dedupe.marked = nil
	if err := rec.Apply(context.Background(), payload, nil, now.Add(time.Second)); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(dedupe.marked) != 1 || dedupe.marked[0] != "exec-1" {
		t.Fatalf("duplicate path must backfill the marker, got %v", dedupe.marked)
	}
	if len(f.billing.published) != 1 {
		t.Fatalf("billing must still fire at most once, got %d", len(f.billing.published))
	}
}

func TestApplyArchivesEveryDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_ = f.rec.Apply(ctx, WebhookPayload{ID: "exec-1", Status: "voicemail"}, nil, now)
	_ = f.rec.Apply(ctx, terminalPayload("exec-1", "completed", 120), nil, now)
	_ = f.rec.Apply(ctx, terminalPayload("exec-1", "completed", 120), nil, now)

	if len(f.archive.events) != 3 {
		t.Fatalf("every delivery must be archived, got %d", len(f.archive.events))
	}

	outcomes := map[string]int{}
	for _, e := range f.archive.events {
		outcomes[e.Outcome]++
	}
	if outcomes[outcomeUnmapped] != 1 || outcomes[outcomeApplied] != 1 || outcomes[outcomeDuplicate] != 1 {
		t.Fatalf("unexpected outcomes: %v", outcomes)
	}
}
