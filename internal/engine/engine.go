// Package engine runs the station's push/pull sync cycles.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/noah-isme/election-sync/internal/models"
	"github.com/noah-isme/election-sync/internal/ordering"
	"github.com/noah-isme/election-sync/internal/service"
	"github.com/noah-isme/election-sync/internal/transport"
	appErrors "github.com/noah-isme/election-sync/pkg/errors"
)

// Queue is the part of the durable change queue the engine drives.
type Queue interface {
	PendingOrdered(ctx context.Context, filter service.PendingFilter) ([]models.QueueEntry, error)
	RetryReady(ctx context.Context) ([]models.QueueEntry, error)
	MarkSynced(ctx context.Context, ids []string) error
	MarkFailed(ctx context.Context, id, msg string, attempt int) (models.QueueStatus, error)
	HandleDependencyConflict(ctx context.Context, id, description string) error
	MarkConflicted(ctx context.Context, id, description string) (bool, error)
	MarkRejected(ctx context.Context, id, msg string) error
	Drop(ctx context.Context, id, reason string) error
	RequeueDependencyConflicts(ctx context.Context) (int, error)
	Counters(ctx context.Context) (models.QueueCounters, error)
}

// Store is the local business store pulls are applied to.
type Store interface {
	Get(ctx context.Context, entityType models.EntityType, id string) (*models.LocalRecord, error)
	ApplyRemote(ctx context.Context, change models.EntityChange) (models.ApplyOutcome, error)
	RecordRejected(ctx context.Context, change models.EntityChange, reason string) error
	Cursor(ctx context.Context) (*time.Time, error)
	SetCursor(ctx context.Context, ts time.Time) error
	SetLastSuccessfulSync(ctx context.Context, ts time.Time) error
}

// Config tunes the engine.
type Config struct {
	Enabled        bool
	FastEnabled    bool
	StationID      string
	MaxPayloadSize int
	FastBatchSize  int
	PullPageSize   int
	MaxPullPages   int
	RequestTimeout time.Duration
}

func (c *Config) normalise() {
	if c.MaxPayloadSize <= 0 {
		c.MaxPayloadSize = 1 << 20
	}
	if c.FastBatchSize <= 0 {
		c.FastBatchSize = 5
	}
	if c.PullPageSize <= 0 {
		c.PullPageSize = 100
	}
	if c.MaxPullPages <= 0 {
		c.MaxPullPages = 10
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
}

const eventBuffer = 32

// Engine owns the push/pull state machine. Network transmission is
// serialised by transmitMu; entries claimed by one push are skipped by any
// concurrent push until released.
type Engine struct {
	cfg     Config
	queue   Queue
	store   Store
	client  transport.Client
	orderer *ordering.Orderer
	metrics *service.MetricsService
	logger  *zap.Logger
	now     func() time.Time

	cycles     singleflight.Group
	transmitMu sync.Mutex
	pullMu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	fastCh        chan struct{}
	events        chan models.SyncEvent
	stopped       atomic.Bool
	pullRequested atomic.Bool

	stateMu    sync.RWMutex
	state      models.EngineState
	lastReport *models.SyncReport
}

// New constructs an engine.
func New(cfg Config, queue Queue, store Store, client transport.Client, orderer *ordering.Orderer, metrics *service.MetricsService, logger *zap.Logger) *Engine {
	cfg.normalise()
	if orderer == nil {
		orderer = ordering.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		queue:    queue,
		store:    store,
		client:   client,
		orderer:  orderer,
		metrics:  metrics,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
		fastCh:   make(chan struct{}, 1),
		events:   make(chan models.SyncEvent, eventBuffer),
		state:    models.EngineIdle,
	}
}

// Enabled reports whether sync is switched on.
func (e *Engine) Enabled() bool { return e.cfg.Enabled }

// Events delivers state changes and cycle reports. Slow readers miss events.
func (e *Engine) Events() <-chan models.SyncEvent { return e.events }

// State returns the current state.
func (e *Engine) State() models.EngineState {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

// LastReport returns the most recent cycle report, if any.
func (e *Engine) LastReport() *models.SyncReport {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	if e.lastReport == nil {
		return nil
	}
	r := *e.lastReport
	return &r
}

// Shutdown stops the engine. A push in progress finishes its current batch
// and stops before the next one.
func (e *Engine) Shutdown() {
	if e.stopped.Swap(true) {
		return
	}
	e.setState(models.EngineStopped)
	e.logger.Sugar().Infow("sync engine stopped")
}

// Stopped reports whether Shutdown was called.
func (e *Engine) Stopped() bool { return e.stopped.Load() }

// TriggerFastSync asks the worker for a tally fast-path cycle. It never
// blocks; while one request is pending further ones are dropped.
func (e *Engine) TriggerFastSync() {
	if e.stopped.Load() || !e.cfg.Enabled || !e.cfg.FastEnabled {
		return
	}
	select {
	case e.fastCh <- struct{}{}:
	default:
	}
}

// FastRequests is read by the worker.
func (e *Engine) FastRequests() <-chan struct{} { return e.fastCh }

// PullRequested reports and clears the pending pull request raised by a push conflict.
func (e *Engine) PullRequested() bool { return e.pullRequested.Swap(false) }

func (e *Engine) guard() error {
	if e.stopped.Load() {
		return appErrors.ErrEngineStopped
	}
	if !e.cfg.Enabled {
		return appErrors.ErrSyncDisabled
	}
	return nil
}

// RunCycle runs a full push-then-pull cycle. Concurrent callers share the
// cycle already in progress.
func (e *Engine) RunCycle(ctx context.Context) (models.SyncReport, error) {
	if err := e.guard(); err != nil {
		return models.SyncReport{}, err
	}
	v, _, _ := e.cycles.Do(string(models.CycleFull), func() (interface{}, error) {
		return e.runFull(ctx), nil
	})
	return v.(models.SyncReport), nil
}

// RunFastCycle pushes pending TallyLine changes in small batches.
// Retry-scheduled entries are left to the regular cycle.
func (e *Engine) RunFastCycle(ctx context.Context) (models.SyncReport, error) {
	if err := e.guard(); err != nil {
		return models.SyncReport{}, err
	}
	if !e.cfg.FastEnabled {
		return models.SyncReport{}, appErrors.Clone(appErrors.ErrSyncDisabled, "fast tally sync is disabled")
	}
	v, _, _ := e.cycles.Do(string(models.CycleFast), func() (interface{}, error) {
		report := models.SyncReport{Kind: models.CycleFast, StartedAt: e.now()}
		push, err := e.push(ctx, pushScope{
			kind:       models.CycleFast,
			types:      []models.EntityType{models.EntityTallyLine},
			maxItems:   e.cfg.FastBatchSize,
			retryReady: false,
		})
		report.Push = push
		if err != nil {
			report.Err = err.Error()
		}
		e.finish(ctx, &report)
		return report, nil
	})
	return v.(models.SyncReport), nil
}

// RunPull runs a pull-only cycle.
func (e *Engine) RunPull(ctx context.Context) (models.SyncReport, error) {
	if err := e.guard(); err != nil {
		return models.SyncReport{}, err
	}
	v, _, _ := e.cycles.Do(string(models.CyclePull), func() (interface{}, error) {
		report := models.SyncReport{Kind: models.CyclePull, StartedAt: e.now()}
		pull := e.pull(ctx)
		report.Pull = &pull
		e.finish(ctx, &report)
		return report, nil
	})
	return v.(models.SyncReport), nil
}

func (e *Engine) runFull(ctx context.Context) models.SyncReport {
	report := models.SyncReport{Kind: models.CycleFull, StartedAt: e.now()}

	e.setState(models.EnginePushing)
	push, err := e.push(ctx, pushScope{kind: models.CycleFull, retryReady: true})
	report.Push = push
	if err != nil {
		report.Err = err.Error()
	}

	if !e.stopped.Load() {
		e.setState(models.EnginePulling)
		pull := e.pull(ctx)
		report.Pull = &pull
		e.pullRequested.Store(false)

		if push.Synced > 0 || pull.Created+pull.Updated > 0 {
			n, err := e.queue.RequeueDependencyConflicts(ctx)
			if err != nil {
				e.logger.Error("requeue dependency conflicts", zap.Error(err))
			}
			report.Requeued = n
		}
		e.setState(models.EngineIdle)
	}

	e.finish(ctx, &report)
	return report
}

func (e *Engine) finish(ctx context.Context, report *models.SyncReport) {
	report.FinishedAt = e.now()
	success := report.Successful()
	if success && report.Kind == models.CycleFull {
		if err := e.store.SetLastSuccessfulSync(ctx, report.FinishedAt); err != nil {
			e.logger.Warn("record last successful sync", zap.Error(err))
		}
	}
	if counters, err := e.queue.Counters(ctx); err == nil {
		e.metrics.SetQueueCounters(counters)
	}
	e.metrics.ObserveSyncCycle(report.Kind, report.FinishedAt.Sub(report.StartedAt), success)

	e.stateMu.Lock()
	r := *report
	e.lastReport = &r
	e.stateMu.Unlock()

	e.logger.Sugar().Infow("sync cycle finished",
		"kind", report.Kind,
		"synced", report.Push.Synced,
		"batches", report.Push.Batches,
		"conflicts", report.Push.Conflicts,
		"dependency_conflicts", report.Push.DependencyConflicts,
		"transport_errors", report.Push.TransportErrors,
		"success", success)
	e.publish(models.SyncEvent{State: e.State(), Report: &r, At: report.FinishedAt})
}

func (e *Engine) setState(state models.EngineState) {
	e.stateMu.Lock()
	if e.state == models.EngineStopped && state != models.EngineStopped {
		e.stateMu.Unlock()
		return
	}
	changed := e.state != state
	e.state = state
	e.stateMu.Unlock()
	if changed {
		e.publish(models.SyncEvent{State: state, At: e.now()})
	}
}

func (e *Engine) publish(ev models.SyncEvent) {
	select {
	case e.events <- ev:
	default:
	}
}

// claim marks entries as owned by the caller and returns those not already
// owned by a concurrent push.
func (e *Engine) claim(entries []models.QueueEntry) []models.QueueEntry {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	out := entries[:0:0]
	for _, entry := range entries {
		if _, busy := e.inflight[entry.ID]; busy {
			continue
		}
		e.inflight[entry.ID] = struct{}{}
		out = append(out, entry)
	}
	return out
}

func (e *Engine) release(entries []models.QueueEntry) {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	for _, entry := range entries {
		delete(e.inflight, entry.ID)
	}
}
