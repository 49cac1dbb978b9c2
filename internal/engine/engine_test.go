package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/election-sync/internal/dto"
	"github.com/noah-isme/election-sync/internal/models"
	"github.com/noah-isme/election-sync/internal/repository"
	"github.com/noah-isme/election-sync/internal/service"
	"github.com/noah-isme/election-sync/pkg/backoff"
	"github.com/noah-isme/election-sync/pkg/database"
	appErrors "github.com/noah-isme/election-sync/pkg/errors"
)

type fakeClient struct {
	mu     sync.Mutex
	pushes [][]models.EntityChange
	pulls  []dto.PullQuery
	pushFn func(req dto.PushRequest) (*dto.PushResponse, error)
	pullFn func(q dto.PullQuery) (*dto.PullResponse, error)
}

func (f *fakeClient) Push(_ context.Context, req dto.PushRequest) (*dto.PushResponse, error) {
	f.mu.Lock()
	f.pushes = append(f.pushes, req.Changes)
	fn := f.pushFn
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return &dto.PushResponse{ProcessedCount: len(req.Changes), ServerTimestamp: time.Now().UTC()}, nil
}

func (f *fakeClient) Pull(_ context.Context, q dto.PullQuery) (*dto.PullResponse, error) {
	f.mu.Lock()
	f.pulls = append(f.pulls, q)
	fn := f.pullFn
	f.mu.Unlock()
	if fn != nil {
		return fn(q)
	}
	return &dto.PullResponse{ServerTimestamp: time.Now().UTC()}, nil
}

func (f *fakeClient) pushed() [][]models.EntityChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]models.EntityChange(nil), f.pushes...)
}

func (f *fakeClient) pullCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pulls)
}

type harness struct {
	engine *Engine
	queue  *service.ChangeQueue
	store  *service.LocalStore
	client *fakeClient
}

func defaultConfig() Config {
	return Config{
		Enabled:        true,
		FastEnabled:    true,
		StationID:      "station-1",
		MaxPayloadSize: 1 << 20,
		FastBatchSize:  5,
		PullPageSize:   10,
		MaxPullPages:   10,
		RequestTimeout: time.Second,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	db, err := database.NewSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	queue := service.NewChangeQueue(repository.NewQueueRepository(db), service.ChangeQueueConfig{
		MaxRetries: 3,
		Backoff:    backoff.New(2, 300*time.Second),
	}, nil)
	store := service.NewLocalStore(repository.NewLocalEntityRepository(db), nil)
	client := &fakeClient{}
	return &harness{
		engine: New(cfg, queue, store, client, nil, nil, nil),
		queue:  queue,
		store:  store,
		client: client,
	}
}

func (h *harness) enqueue(t *testing.T, typ models.EntityType) *models.EntityChange {
	t.Helper()
	id := uuid.NewString()
	change, err := h.queue.Enqueue(context.Background(), typ, id, models.OperationCreate, models.Data{"id": id})
	require.NoError(t, err)
	return change
}

func (h *harness) status(t *testing.T, id string) models.QueueStatus {
	t.Helper()
	entry, err := h.queue.Get(context.Background(), id)
	if appErrors.Is(err, appErrors.ErrNotFound) {
		return "synced"
	}
	require.NoError(t, err)
	return entry.Status
}

func containsType(batch []models.EntityChange, typ models.EntityType) bool {
	for _, c := range batch {
		if c.EntityType == typ {
			return true
		}
	}
	return false
}

func TestRunCyclePushesParentsFirstAndPulls(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()
	for _, typ := range []models.EntityType{
		models.EntityAuditLog, models.EntityTallyLine, models.EntityVoter, models.EntityTallySession,
		models.EntityPen, models.EntityParty, models.EntityUser,
	} {
		h.enqueue(t, typ)
	}

	report, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.True(t, report.Successful())
	assert.Equal(t, 7, report.Push.Synced)
	require.NotNil(t, report.Pull)
	assert.Equal(t, 1, h.client.pullCount())

	pushes := h.client.pushed()
	require.Len(t, pushes, 1)
	got := make([]models.EntityType, len(pushes[0]))
	for i, c := range pushes[0] {
		got[i] = c.EntityType
	}
	assert.Equal(t, []models.EntityType{
		models.EntityUser, models.EntityParty, models.EntityPen, models.EntityTallySession,
		models.EntityVoter, models.EntityTallyLine, models.EntityAuditLog,
	}, got)

	size, err := h.queue.QueueSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
	assert.Equal(t, models.EngineIdle, h.engine.State())
	require.NotNil(t, h.engine.LastReport())
}

func TestDependencyConflictOnlyAffectsItsBatch(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxPayloadSize = 1 // every change travels alone
	h := newHarness(t, cfg)
	ctx := context.Background()

	pen := h.enqueue(t, models.EntityPen)
	line := h.enqueue(t, models.EntityTallyLine)
	voter := h.enqueue(t, models.EntityVoter)

	h.client.pushFn = func(req dto.PushRequest) (*dto.PushResponse, error) {
		if containsType(req.Changes, models.EntityTallyLine) {
			return nil, appErrors.Wrap(errors.New("409"), appErrors.ErrDependencyConflict.Code, 409, "session missing")
		}
		return &dto.PushResponse{ProcessedCount: len(req.Changes)}, nil
	}

	report, err := h.engine.push(ctx, pushScope{kind: models.CycleFull, retryReady: true})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Batches)
	assert.Equal(t, 1, report.DependencyConflicts)
	assert.Equal(t, 2, report.Synced)

	assert.Equal(t, models.QueueStatus("synced"), h.status(t, pen.ID))
	assert.Equal(t, models.QueueStatus("synced"), h.status(t, voter.ID))
	assert.Equal(t, models.QueueStatusDependencyConflict, h.status(t, line.ID))
}

func TestCycleRequeuesDependencyConflictsAfterProgress(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	line := h.enqueue(t, models.EntityTallyLine)
	require.NoError(t, h.queue.HandleDependencyConflict(ctx, line.ID, "session missing"))
	h.enqueue(t, models.EntityTallySession)

	report, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Push.Synced)
	assert.Equal(t, 1, report.Requeued)
	assert.Equal(t, models.QueueStatusPending, h.status(t, line.ID))

	report, err = h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Push.Synced)
	assert.Equal(t, models.QueueStatus("synced"), h.status(t, line.ID))
}

func TestTransportFailureSchedulesRetry(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()
	change := h.enqueue(t, models.EntityVoter)

	h.client.pushFn = func(dto.PushRequest) (*dto.PushResponse, error) {
		return nil, appErrors.Clone(appErrors.ErrTransport, "connection refused")
	}

	report, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.False(t, report.Successful())
	assert.Equal(t, 1, report.Push.TransportErrors)
	assert.Equal(t, 1, report.Push.RetryScheduled)

	entry, err := h.queue.Get(ctx, change.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusRetryScheduled, entry.Status)
	assert.Equal(t, 1, entry.RetryCount)
	require.NotNil(t, entry.NextRetryAt)
	assert.True(t, entry.NextRetryAt.After(time.Now().UTC()))

	// not yet due: the next cycle leaves it alone
	_, err = h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Len(t, h.client.pushed(), 1)
}

func TestPerChangeFailuresAreClassified(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	denied := h.enqueue(t, models.EntityParty)
	missing := h.enqueue(t, models.EntityTallyLine)
	broken := h.enqueue(t, models.EntityVoter)
	ok := h.enqueue(t, models.EntityPen)

	h.client.pushFn = func(req dto.PushRequest) (*dto.PushResponse, error) {
		byID := map[string]models.EntityChange{}
		for _, c := range req.Changes {
			byID[c.ID] = c
		}
		return &dto.PushResponse{
			ProcessedCount: 1,
			FailedChanges: []dto.FailedChange{
				{EntityChange: byID[denied.ID], Code: appErrors.ErrPermissionDenied.Code, Error: "operator may not write Party"},
				{EntityChange: byID[missing.ID], Code: appErrors.ErrDependencyMissing.Code, Error: "TallySession missing"},
				{EntityChange: byID[broken.ID], Code: appErrors.ErrInternal.Code, Error: "apply failed"},
			},
		}, nil
	}

	report, err := h.engine.push(ctx, pushScope{kind: models.CycleFull, retryReady: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, 1, report.DependencyConflicts)
	assert.Equal(t, 1, report.RetryScheduled)

	assert.Equal(t, models.QueueStatusFailed, h.status(t, denied.ID))
	assert.Equal(t, models.QueueStatusDependencyConflict, h.status(t, missing.ID))
	assert.Equal(t, models.QueueStatusRetryScheduled, h.status(t, broken.ID))
	assert.Equal(t, models.QueueStatus("synced"), h.status(t, ok.ID))
}

func TestConflictResolvedByPullThenDropped(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()
	change := h.enqueue(t, models.EntityVoter)
	serverTS := change.Timestamp.Add(time.Minute)

	h.client.pushFn = func(req dto.PushRequest) (*dto.PushResponse, error) {
		return &dto.PushResponse{Conflicts: req.Changes}, nil
	}
	h.client.pullFn = func(q dto.PullQuery) (*dto.PullResponse, error) {
		return &dto.PullResponse{
			Changes: []models.EntityChange{{
				ID: uuid.NewString(), EntityType: models.EntityVoter, EntityID: change.EntityID,
				Operation: models.OperationUpdate, Timestamp: serverTS,
				Data: models.Data{"full_name": "server copy"},
			}},
			ServerTimestamp: serverTS,
		}, nil
	}

	report, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Push.Conflicts)
	assert.Equal(t, 1, report.Pull.Created)

	entry, err := h.queue.Get(ctx, change.ID)
	require.NoError(t, err)
	assert.True(t, entry.Conflicted)
	assert.Equal(t, models.QueueStatusPending, entry.Status)

	h.client.pullFn = nil
	report, err = h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Push.Dropped)
	assert.Len(t, h.client.pushed(), 1, "superseded change is not sent again")
	assert.Equal(t, models.QueueStatus("synced"), h.status(t, change.ID))

	local, err := h.store.Get(ctx, models.EntityVoter, change.EntityID)
	require.NoError(t, err)
	assert.Equal(t, "server copy", local.Data["full_name"])
}

func TestSecondConflictDropsChange(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()
	change := h.enqueue(t, models.EntityVoter)

	h.client.pushFn = func(req dto.PushRequest) (*dto.PushResponse, error) {
		return &dto.PushResponse{Conflicts: req.Changes}, nil
	}

	first, err := h.engine.push(ctx, pushScope{kind: models.CycleFull})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Conflicts)
	assert.True(t, h.engine.PullRequested())

	second, err := h.engine.push(ctx, pushScope{kind: models.CycleFull})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Dropped)
	assert.Equal(t, models.QueueStatus("synced"), h.status(t, change.ID))
}

func TestFastPathOnlySendsTallyLinesInSmallBatches(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	var lines []*models.EntityChange
	for i := 0; i < 23; i++ {
		lines = append(lines, h.enqueue(t, models.EntityTallyLine))
	}
	voter := h.enqueue(t, models.EntityVoter)
	session := h.enqueue(t, models.EntityTallySession)

	backedOff := h.enqueue(t, models.EntityTallyLine)
	_, err := h.queue.MarkFailed(ctx, backedOff.ID, "earlier failure", 1)
	require.NoError(t, err)

	h.engine.TriggerFastSync()
	h.engine.TriggerFastSync()
	assert.Len(t, h.engine.FastRequests(), 1, "triggers coalesce into one pending request")

	report, err := h.engine.RunFastCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.CycleFast, report.Kind)
	assert.Nil(t, report.Pull)
	assert.Equal(t, 23, report.Push.Synced)
	assert.Zero(t, h.client.pullCount())

	pushes := h.client.pushed()
	require.Len(t, pushes, 5)
	for _, batch := range pushes {
		assert.LessOrEqual(t, len(batch), 5)
		for _, c := range batch {
			assert.Equal(t, models.EntityTallyLine, c.EntityType)
			assert.NotEqual(t, backedOff.ID, c.ID)
		}
	}
	for _, l := range lines {
		assert.Equal(t, models.QueueStatus("synced"), h.status(t, l.ID))
	}
	assert.Equal(t, models.QueueStatusPending, h.status(t, voter.ID))
	assert.Equal(t, models.QueueStatusPending, h.status(t, session.ID))
	assert.Equal(t, models.QueueStatusRetryScheduled, h.status(t, backedOff.ID))
}

func TestFastTriggerIsNoopWhenDisabledOrStopped(t *testing.T) {
	cfg := defaultConfig()
	cfg.FastEnabled = false
	h := newHarness(t, cfg)
	h.engine.TriggerFastSync()
	assert.Len(t, h.engine.FastRequests(), 0)
	_, err := h.engine.RunFastCycle(context.Background())
	assert.True(t, appErrors.Is(err, appErrors.ErrSyncDisabled))

	h = newHarness(t, defaultConfig())
	h.engine.Shutdown()
	h.engine.TriggerFastSync()
	assert.Len(t, h.engine.FastRequests(), 0)
	assert.Equal(t, models.EngineStopped, h.engine.State())

	_, err = h.engine.RunCycle(context.Background())
	assert.True(t, appErrors.Is(err, appErrors.ErrEngineStopped))
}

func TestDisabledEngineDoesNotSync(t *testing.T) {
	cfg := defaultConfig()
	cfg.Enabled = false
	h := newHarness(t, cfg)
	h.enqueue(t, models.EntityVoter)

	_, err := h.engine.RunCycle(context.Background())
	assert.True(t, appErrors.Is(err, appErrors.ErrSyncDisabled))
	assert.Empty(t, h.client.pushed())
}

func TestShutdownStopsBeforeNextBatch(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxPayloadSize = 1
	h := newHarness(t, cfg)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		h.enqueue(t, models.EntityVoter)
	}

	h.client.pushFn = func(req dto.PushRequest) (*dto.PushResponse, error) {
		h.engine.Shutdown()
		return &dto.PushResponse{ProcessedCount: len(req.Changes)}, nil
	}

	report, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Push.Batches)
	assert.Equal(t, 1, report.Push.Synced)
	assert.Nil(t, report.Pull)

	pending, err := h.queue.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, pending)
}

func TestPullIsBoundedAndAdvancesCursor(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxPullPages = 3
	h := newHarness(t, cfg)
	ctx := context.Background()
	base := time.Date(2024, 2, 14, 8, 0, 0, 0, time.UTC)

	h.client.pullFn = func(q dto.PullQuery) (*dto.PullResponse, error) {
		page := q.Offset / q.Limit
		ts := base.Add(time.Duration(page+1) * time.Minute)
		return &dto.PullResponse{
			Changes: []models.EntityChange{{
				ID: uuid.NewString(), EntityType: models.EntityParty, EntityID: uuid.NewString(),
				Operation: models.OperationCreate, Timestamp: ts, Data: models.Data{"name": fmt.Sprintf("P%d", page)},
			}},
			ServerTimestamp: ts,
			HasMore:         true,
		}, nil
	}

	report, err := h.engine.RunPull(ctx)
	require.NoError(t, err)
	require.NotNil(t, report.Pull)
	assert.Equal(t, 3, report.Pull.Pages)
	assert.Equal(t, 3, report.Pull.Created)
	assert.True(t, report.Pull.Truncated)

	h.client.mu.Lock()
	offsets := []int{h.client.pulls[0].Offset, h.client.pulls[1].Offset, h.client.pulls[2].Offset}
	assert.Nil(t, h.client.pulls[0].LastSync)
	h.client.mu.Unlock()
	assert.Equal(t, []int{0, 10, 20}, offsets)

	cursor, err := h.store.Cursor(ctx)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.True(t, cursor.Equal(base.Add(3*time.Minute)))
}

func TestPullRecordsUnknownChangeAndMovesOn(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxPullPages = 1
	h := newHarness(t, cfg)
	ctx := context.Background()
	t1 := time.Date(2024, 2, 14, 8, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	laterID := uuid.NewString()

	h.client.pullFn = func(q dto.PullQuery) (*dto.PullResponse, error) {
		if q.LastSync == nil {
			return &dto.PullResponse{
				Changes: []models.EntityChange{
					{ID: "bad", EntityType: models.EntityType("Ballot"), EntityID: "x", Timestamp: t1},
					{ID: uuid.NewString(), EntityType: models.EntityParty, EntityID: uuid.NewString(),
						Operation: models.OperationCreate, Timestamp: t1, Data: models.Data{"name": "Blue"}},
				},
				ServerTimestamp: t1,
				HasMore:         true,
			}, nil
		}
		return &dto.PullResponse{
			Changes: []models.EntityChange{{ID: uuid.NewString(), EntityType: models.EntityParty, EntityID: laterID,
				Operation: models.OperationCreate, Timestamp: t2, Data: models.Data{"name": "Red"}}},
			ServerTimestamp: t2,
		}, nil
	}

	report, err := h.engine.RunPull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pull.Rejected)
	assert.Equal(t, 1, report.Pull.Created)
	assert.Zero(t, report.Pull.Errors)
	require.NotNil(t, report.Pull.Cursor)
	assert.True(t, report.Pull.Cursor.Equal(t1))

	_, err = h.engine.RunPull(ctx)
	require.NoError(t, err)

	h.client.mu.Lock()
	require.Len(t, h.client.pulls, 2)
	second := h.client.pulls[1]
	h.client.mu.Unlock()
	require.NotNil(t, second.LastSync)
	assert.True(t, second.LastSync.Equal(t1))
	assert.Zero(t, second.Offset)

	later, err := h.store.Get(ctx, models.EntityParty, laterID)
	require.NoError(t, err)
	require.NotNil(t, later, "changes after the unusable one still arrive")

	trail, err := h.store.AuditTrail(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, models.AuditActionRemoteReject, trail[0].Action)
}

func TestPullApplyFailureHoldsCursorAtLastCleanPage(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxPullPages = 3
	h := newHarness(t, cfg)
	ctx := context.Background()
	base := time.Date(2024, 2, 14, 8, 0, 0, 0, time.UTC)

	h.client.pullFn = func(q dto.PullQuery) (*dto.PullResponse, error) {
		page := q.Offset / q.Limit
		ts := base.Add(time.Duration(page+1) * time.Minute)
		data := models.Data{"name": fmt.Sprintf("P%d", page)}
		if page == 1 {
			// cannot be stored locally
			data["logo"] = func() {}
		}
		return &dto.PullResponse{
			Changes: []models.EntityChange{{ID: uuid.NewString(), EntityType: models.EntityParty, EntityID: uuid.NewString(),
				Operation: models.OperationCreate, Timestamp: ts, Data: data}},
			ServerTimestamp: ts,
			HasMore:         page < 2,
		}, nil
	}

	report, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Pull.Pages)
	assert.Equal(t, 1, report.Pull.Errors)
	assert.Equal(t, 2, report.Pull.Created)
	assert.False(t, report.Successful())

	cursor, err := h.store.Cursor(ctx)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.True(t, cursor.Equal(base.Add(time.Minute)), "the failed page is fetched again next cycle")
}

func TestPushReportsRemainingCountPerBatch(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxPayloadSize = 1
	h := newHarness(t, cfg)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		h.enqueue(t, models.EntityParty)
	}

	var counts []int
	h.client.pushFn = func(req dto.PushRequest) (*dto.PushResponse, error) {
		require.NotNil(t, req.PendingCount)
		counts = append(counts, *req.PendingCount)
		return &dto.PushResponse{ProcessedCount: len(req.Changes), ServerTimestamp: time.Now().UTC()}, nil
	}

	report, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Push.Batches)
	assert.Equal(t, []int{3, 2, 1}, counts)

	counters, err := h.queue.Counters(ctx)
	require.NoError(t, err)
	assert.Zero(t, counters.Size)
}

func TestAuthFailureLeavesChangesPending(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxPayloadSize = 1
	h := newHarness(t, cfg)
	ctx := context.Background()
	first := h.enqueue(t, models.EntityParty)
	second := h.enqueue(t, models.EntityParty)

	h.client.pushFn = func(dto.PushRequest) (*dto.PushResponse, error) {
		return nil, appErrors.Wrap(errors.New("token is expired"), appErrors.ErrUnauthorized.Code, 401, "Unauthorized")
	}

	report, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.False(t, report.Successful())
	assert.Equal(t, 1, report.Push.AuthErrors)
	assert.Zero(t, report.Push.RetryScheduled)
	assert.Zero(t, report.Push.Failed)
	assert.Len(t, h.client.pushed(), 1, "remaining batches are not sent with rejected credentials")

	for _, id := range []string{first.ID, second.ID} {
		entry, err := h.queue.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.QueueStatusPending, entry.Status)
		assert.Zero(t, entry.RetryCount)
	}

	h.client.pushFn = nil
	report, err = h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Push.Synced)
	assert.Equal(t, models.QueueStatus("synced"), h.status(t, first.ID))
}

func TestEventsAreNonBlocking(t *testing.T) {
	h := newHarness(t, defaultConfig())
	for i := 0; i < eventBuffer*2; i++ {
		_, err := h.engine.RunCycle(context.Background())
		require.NoError(t, err)
	}
	assert.Len(t, h.engine.Events(), eventBuffer)
}

func TestWorkerRunsFastPathOnTrigger(t *testing.T) {
	h := newHarness(t, defaultConfig())
	worker := NewWorker(h.engine, time.Hour, nil)
	worker.Start(context.Background())
	defer worker.Stop()

	// the initial interval cycle runs on start
	require.Eventually(t, func() bool { return h.client.pullCount() >= 1 }, 2*time.Second, 10*time.Millisecond)

	line := h.enqueue(t, models.EntityTallyLine)
	h.engine.TriggerFastSync()

	require.Eventually(t, func() bool {
		for _, batch := range h.client.pushed() {
			for _, c := range batch {
				if c.ID == line.ID {
					return true
				}
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}
