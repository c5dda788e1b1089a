package dispatcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/call-orchestrator/internal/config"
	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/provider"
	"github.com/acme/call-orchestrator/internal/reconciler"
	"github.com/acme/call-orchestrator/internal/repository"
)

type fakeQueueRepo struct {
	eligible    []domain.QueueEntry
	claimDenied map[uuid.UUID]bool
	claimed     []uuid.UUID
	reverted    map[uuid.UUID]int
	failed      map[uuid.UUID]string
}

func newFakeQueueRepo(eligible ...domain.QueueEntry) *fakeQueueRepo {
	return &fakeQueueRepo{
		eligible:    eligible,
		claimDenied: make(map[uuid.UUID]bool),
		reverted:    make(map[uuid.UUID]int),
		failed:      make(map[uuid.UUID]string),
	}
}

func (f *fakeQueueRepo) Enqueue(ctx context.Context, campaignID, leadID uuid.UUID) (*domain.QueueEntry, error) {
	return nil, nil
}

func (f *fakeQueueRepo) Get(ctx context.Context, id uuid.UUID) (*domain.QueueEntry, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeQueueRepo) FetchEligible(ctx context.Context, campaignID uuid.UUID, now time.Time, limit int) ([]domain.QueueEntry, error) {
	if limit < len(f.eligible) {
		return f.eligible[:limit], nil
	}
	return f.eligible, nil
}

func (f *fakeQueueRepo) MarkInProgress(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	if f.claimDenied[id] {
		return false, nil
	}
	f.claimed = append(f.claimed, id)
	return true, nil
}

func (f *fakeQueueRepo) RevertToPending(ctx context.Context, id uuid.UUID, dispatchAttempts int, errorMessage *string) error {
	f.reverted[id] = dispatchAttempts
	return nil
}

func (f *fakeQueueRepo) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) error {
	f.failed[id] = errorMessage
	return nil
}

type fakeCallRepo struct {
	inFlight  int
	created   []*domain.Call
	stale     []domain.Call
	findCalls int
}

func (f *fakeCallRepo) Create(ctx context.Context, call *domain.Call) error {
	f.created = append(f.created, call)
	return nil
}

func (f *fakeCallRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Call, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeCallRepo) FindByExternalCallID(ctx context.Context, externalCallID string) (*domain.Call, error) {
	f.findCalls++
	return nil, repository.ErrNotFound
}

func (f *fakeCallRepo) CountInFlight(ctx context.Context, campaignID uuid.UUID) (int, error) {
	return f.inFlight, nil
}

func (f *fakeCallRepo) ApplyProgress(ctx context.Context, callID uuid.UUID, status domain.CallStatus) (bool, error) {
	return false, nil
}

func (f *fakeCallRepo) ApplyTerminal(ctx context.Context, app repository.TerminalApplication) (*repository.TerminalResult, error) {
	return &repository.TerminalResult{}, nil
}

func (f *fakeCallRepo) MarkStopRequested(ctx context.Context, callID uuid.UUID, at time.Time) error {
	return nil
}

func (f *fakeCallRepo) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]domain.Call, error) {
	return f.stale, nil
}

type fakeCampaignRepo struct {
	statusUpdates map[uuid.UUID]domain.CampaignStatus
}

func (f *fakeCampaignRepo) Create(ctx context.Context, campaign *domain.Campaign) error { return nil }

func (f *fakeCampaignRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeCampaignRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.CampaignStatus, at time.Time) error {
	if f.statusUpdates == nil {
		f.statusUpdates = make(map[uuid.UUID]domain.CampaignStatus)
	}
	f.statusUpdates[id] = status
	return nil
}

func (f *fakeCampaignRepo) ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	return nil, nil
}

type fakeLeadRepo struct {
	leads map[uuid.UUID]*domain.Lead
}

func (f *fakeLeadRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Lead, error) {
	lead, ok := f.leads[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return lead, nil
}

type fakeProgressRepo struct {
	counts map[domain.QueueEntryStatus]int64
}

func (f *fakeProgressRepo) CountByStatus(ctx context.Context, campaignID uuid.UUID) (map[domain.QueueEntryStatus]int64, error) {
	return f.counts, nil
}

func (f *fakeProgressRepo) CompletionsSince(ctx context.Context, campaignID uuid.UUID, since time.Time) (int64, error) {
	return 0, nil
}

type fakeProvider struct {
	startErr error
	execErr  error
	started  []provider.StartCallRequest
	nextID   int
}

func (f *fakeProvider) StartCall(ctx context.Context, req provider.StartCallRequest) (provider.StartCallResult, error) {
	if f.startErr != nil {
		return provider.StartCallResult{}, f.startErr
	}
	f.started = append(f.started, req)
	f.nextID++
	return provider.StartCallResult{ExternalCallID: fmt.Sprintf("exec-%d", f.nextID)}, nil
}

func (f *fakeProvider) StopCall(ctx context.Context, externalCallID string) error { return nil }

func (f *fakeProvider) GetExecution(ctx context.Context, externalCallID string) (provider.Execution, error) {
	if f.execErr != nil {
		return provider.Execution{}, f.execErr
	}
	return provider.Execution{}, &provider.Error{StatusCode: 404, Message: "gone", Permanent: true}
}

type nopEventPublisher struct{}

func (nopEventPublisher) PublishCallEvent(ctx context.Context, call *domain.Call) error { return nil }

type nopBillingPublisher struct{}

func (nopBillingPublisher) PublishBillingSignal(ctx context.Context, call *domain.Call) error {
	return nil
}

func testConfig() config.DispatcherConfig {
	return config.DispatcherConfig{
		TickInterval:        time.Second,
		MaxBatchSize:        10,
		MaxDispatchAttempts: 3,
		StaleCallGrace:      30 * time.Minute,
		CampaignLimit:       10,
		DefaultCapacity:     5,
	}
}

func testCampaign(limit int) *domain.Campaign {
	return &domain.Campaign{
		ID:               uuid.New(),
		ClientID:         uuid.New(),
		AgentID:          "agent-1",
		Status:           domain.CampaignStatusInProgress,
		ConcurrencyLimit: limit,
	}
}

func testEntry(campaignID, leadID uuid.UUID) domain.QueueEntry {
	return domain.QueueEntry{
		ID:         uuid.New(),
		CampaignID: campaignID,
		LeadID:     leadID,
		Status:     domain.QueueStatusPending,
		QueuedAt:   time.Now().UTC(),
	}
}

func TestTickDispatchesUpToCapacity(t *testing.T) {
	campaign := testCampaign(2)
	leadID := uuid.New()
	entry := testEntry(campaign.ID, leadID)

	queue := newFakeQueueRepo(entry)
	calls := &fakeCallRepo{inFlight: 1}
	leads := &fakeLeadRepo{leads: map[uuid.UUID]*domain.Lead{
		leadID: {ID: leadID, ClientID: campaign.ClientID, PhoneNumber: "+15550100"},
	}}
	voice := &fakeProvider{}

	d := New(queue, calls, &fakeCampaignRepo{}, leads, &fakeProgressRepo{}, voice, nil, nil, testConfig(), zap.NewNop())

	stats, err := d.Tick(context.Background(), campaign)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats.Dispatched != 1 {
		t.Fatalf("expected 1 dispatch, got %d", stats.Dispatched)
	}
	if len(voice.started) != 1 {
		t.Fatalf("provider must receive exactly one start, got %d", len(voice.started))
	}
	if voice.started[0].PhoneNumber != "+15550100" {
		t.Fatalf("wrong phone dialed: %s", voice.started[0].PhoneNumber)
	}
	if len(calls.created) != 1 {
		t.Fatalf("expected one call record, got %d", len(calls.created))
	}

	call := calls.created[0]
	if call.Status != domain.CallStatusQueued {
		t.Fatalf("new call must start queued, got %s", call.Status)
	}
	if call.QueueEntryID == nil || *call.QueueEntryID != entry.ID {
		t.Fatalf("call must reference its queue entry")
	}
	if call.ExternalCallID == "" {
		t.Fatalf("call must carry the provider execution id")
	}
}

func TestTickAtCapacityDialsNothing(t *testing.T) {
	campaign := testCampaign(3)
	queue := newFakeQueueRepo(testEntry(campaign.ID, uuid.New()))
	calls := &fakeCallRepo{inFlight: 3}
	voice := &fakeProvider{}

	d := New(queue, calls, &fakeCampaignRepo{}, &fakeLeadRepo{}, &fakeProgressRepo{}, voice, nil, nil, testConfig(), zap.NewNop())

	stats, err := d.Tick(context.Background(), campaign)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Dispatched != 0 || len(voice.started) != 0 {
		t.Fatalf("a full campaign must not dial")
	}
	if len(queue.claimed) != 0 {
		t.Fatalf("a full campaign must not claim entries")
	}
}

func TestTickLostClaimIsSkipped(t *testing.T) {
	campaign := testCampaign(5)
	entry := testEntry(campaign.ID, uuid.New())

	queue := newFakeQueueRepo(entry)
	queue.claimDenied[entry.ID] = true
	voice := &fakeProvider{}

	d := New(queue, &fakeCallRepo{}, &fakeCampaignRepo{}, &fakeLeadRepo{}, &fakeProgressRepo{}, voice, nil, nil, testConfig(), zap.NewNop())

	stats, err := d.Tick(context.Background(), campaign)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Dispatched != 0 || len(voice.started) != 0 {
		t.Fatalf("a lost claim must not dial")
	}
}

func TestTickTransientFailureRevertsEntry(t *testing.T) {
	campaign := testCampaign(5)
	leadID := uuid.New()
	entry := testEntry(campaign.ID, leadID)
	entry.DispatchAttempts = 1

	queue := newFakeQueueRepo(entry)
	leads := &fakeLeadRepo{leads: map[uuid.UUID]*domain.Lead{
		leadID: {ID: leadID, ClientID: campaign.ClientID, PhoneNumber: "+15550100"},
	}}
	voice := &fakeProvider{startErr: &provider.Error{StatusCode: 503, Message: "overloaded", Permanent: false}}

	d := New(queue, &fakeCallRepo{}, &fakeCampaignRepo{}, leads, &fakeProgressRepo{}, voice, nil, nil, testConfig(), zap.NewNop())

	stats, err := d.Tick(context.Background(), campaign)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.TransientFailures != 1 {
		t.Fatalf("expected one transient failure, got %+v", stats)
	}
	if attempts, ok := queue.reverted[entry.ID]; !ok || attempts != 2 {
		t.Fatalf("entry must be reverted with incremented attempts, got %v", queue.reverted)
	}
	if len(queue.failed) != 0 {
		t.Fatalf("transient failure must not end the entry")
	}
}

func TestTickTransientFailureExhaustsAttemptBudget(t *testing.T) {
	campaign := testCampaign(5)
	leadID := uuid.New()
	entry := testEntry(campaign.ID, leadID)
	entry.DispatchAttempts = 2 // budget is 3

	queue := newFakeQueueRepo(entry)
	leads := &fakeLeadRepo{leads: map[uuid.UUID]*domain.Lead{
		leadID: {ID: leadID, ClientID: campaign.ClientID, PhoneNumber: "+15550100"},
	}}
	voice := &fakeProvider{startErr: &provider.Error{StatusCode: 503, Message: "overloaded", Permanent: false}}

	d := New(queue, &fakeCallRepo{}, &fakeCampaignRepo{}, leads, &fakeProgressRepo{}, voice, nil, nil, testConfig(), zap.NewNop())

	stats, err := d.Tick(context.Background(), campaign)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.PermanentFailures != 1 {
		t.Fatalf("exhausted budget must count as permanent, got %+v", stats)
	}
	if _, ok := queue.failed[entry.ID]; !ok {
		t.Fatalf("entry must be failed after the attempt budget runs out")
	}
}

func TestTickPermanentFailureEndsEntry(t *testing.T) {
	campaign := testCampaign(5)
	leadID := uuid.New()
	entry := testEntry(campaign.ID, leadID)

	queue := newFakeQueueRepo(entry)
	leads := &fakeLeadRepo{leads: map[uuid.UUID]*domain.Lead{
		leadID: {ID: leadID, ClientID: campaign.ClientID, PhoneNumber: "+15550100"},
	}}
	voice := &fakeProvider{startErr: &provider.Error{StatusCode: 422, Message: "invalid number", Permanent: true}}

	d := New(queue, &fakeCallRepo{}, &fakeCampaignRepo{}, leads, &fakeProgressRepo{}, voice, nil, nil, testConfig(), zap.NewNop())

	stats, err := d.Tick(context.Background(), campaign)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.PermanentFailures != 1 {
		t.Fatalf("expected one permanent failure, got %+v", stats)
	}
	if len(queue.reverted) != 0 {
		t.Fatalf("permanent failure must not revert the entry")
	}
}

func TestTickCompletesDrainedCampaign(t *testing.T) {
	campaign := testCampaign(5)

	queue := newFakeQueueRepo() // nothing eligible
	campaigns := &fakeCampaignRepo{}
	prog := &fakeProgressRepo{counts: map[domain.QueueEntryStatus]int64{
		domain.QueueStatusCompleted:         7,
		domain.QueueStatusFailed:            2,
		domain.QueueStatusMaxRetriesReached: 1,
	}}

	d := New(queue, &fakeCallRepo{}, campaigns, &fakeLeadRepo{}, prog, &fakeProvider{}, nil, nil, testConfig(), zap.NewNop())

	if _, err := d.Tick(context.Background(), campaign); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if campaigns.statusUpdates[campaign.ID] != domain.CampaignStatusCompleted {
		t.Fatalf("drained campaign must complete, got %v", campaigns.statusUpdates)
	}
}

func TestReapStaleSkipsTransientProbeFailures(t *testing.T) {
	staleCall := domain.Call{
		ID:             uuid.New(),
		CampaignID:     uuid.New(),
		ExternalCallID: "exec-stale",
		Status:         domain.CallStatusInProgress,
	}
	calls := &fakeCallRepo{stale: []domain.Call{staleCall}}
	queue := newFakeQueueRepo()
	campaigns := &fakeCampaignRepo{}
	rec := reconciler.New(calls, queue, campaigns, nil, nil, nopEventPublisher{}, nopBillingPublisher{}, zap.NewNop())

	voice := &fakeProvider{execErr: &provider.Error{StatusCode: 503, Message: "upstream flake", Permanent: false}}
	d := New(queue, calls, campaigns, &fakeLeadRepo{}, &fakeProgressRepo{}, voice, nil, rec, testConfig(), zap.NewNop())

	d.reapStale(context.Background())
	if calls.findCalls != 0 {
		t.Fatalf("transient probe failure must leave the call alone, lookups=%d", calls.findCalls)
	}

	// A permanent probe failure means the provider no longer knows the call;
	// only then is a cancellation synthesized through the reconciler.
	voice.execErr = &provider.Error{StatusCode: 404, Message: "gone", Permanent: true}
	d.reapStale(context.Background())
	if calls.findCalls == 0 {
		t.Fatalf("permanent probe failure must synthesize a cancellation")
	}
}

func TestTickDoesNotCompleteWithRetryPending(t *testing.T) {
	campaign := testCampaign(5)

	queue := newFakeQueueRepo()
	campaigns := &fakeCampaignRepo{}
	prog := &fakeProgressRepo{counts: map[domain.QueueEntryStatus]int64{
		domain.QueueStatusCompleted:    7,
		domain.QueueStatusRetryPending: 1,
	}}

	d := New(queue, &fakeCallRepo{}, campaigns, &fakeLeadRepo{}, prog, &fakeProvider{}, nil, nil, testConfig(), zap.NewNop())

	if _, err := d.Tick(context.Background(), campaign); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(campaigns.statusUpdates) != 0 {
		t.Fatalf("campaign with scheduled retries must stay open")
	}
}
