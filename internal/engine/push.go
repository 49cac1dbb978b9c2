package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/election-sync/internal/batching"
	"github.com/noah-isme/election-sync/internal/dto"
	"github.com/noah-isme/election-sync/internal/models"
	"github.com/noah-isme/election-sync/internal/service"
	appErrors "github.com/noah-isme/election-sync/pkg/errors"
)

type pushScope struct {
	kind       models.CycleKind
	types      []models.EntityType
	maxItems   int
	retryReady bool
}

// push transmits the scope's entries batch by batch. A failed batch never
// stops the remaining ones; only a queue read failure aborts the phase.
func (e *Engine) push(ctx context.Context, scope pushScope) (models.PushReport, error) {
	var report models.PushReport

	entries, err := e.queue.PendingOrdered(ctx, service.PendingFilter{Types: scope.types})
	if err != nil {
		return report, fmt.Errorf("load pending changes: %w", err)
	}
	if scope.retryReady {
		ready, err := e.queue.RetryReady(ctx)
		if err != nil {
			return report, fmt.Errorf("load retry-ready changes: %w", err)
		}
		entries = append(entries, ready...)
		e.orderer.SortEntries(entries)
	}

	entries = e.claim(entries)
	defer e.release(entries)

	entries = e.dropSuperseded(ctx, entries, &report)
	if len(entries) == 0 {
		return report, nil
	}

	changes := make([]models.EntityChange, len(entries))
	for i, entry := range entries {
		changes[i] = entry.EntityChange
	}
	batcher := batching.Batcher{MaxBytes: e.cfg.MaxPayloadSize, MaxItems: scope.maxItems}

	for _, batch := range batcher.Split(changes) {
		if e.stopped.Load() {
			e.logger.Info("push interrupted by shutdown", zap.Int("sent_batches", report.Batches))
			break
		}
		report.Batches++
		resp, err := e.transmit(ctx, batch, e.pendingCount(ctx))
		if err != nil {
			if stop := e.handleBatchError(ctx, scope.kind, batch, err, &report); stop {
				break
			}
			continue
		}
		e.metrics.ObservePushBatch(scope.kind, "ok")
		e.handleBatchResponse(ctx, batch, resp, &report)
	}

	e.metrics.AddSyncChanges("push", "synced", report.Synced)
	e.metrics.AddSyncChanges("push", "conflict", report.Conflicts)
	e.metrics.AddSyncChanges("push", "dependency_conflict", report.DependencyConflicts)
	e.metrics.AddSyncChanges("push", "rejected", report.Rejected)
	e.metrics.AddSyncChanges("push", "retry_scheduled", report.RetryScheduled)
	e.metrics.AddSyncChanges("push", "failed", report.Failed)
	e.metrics.AddSyncChanges("push", "dropped", report.Dropped)
	return report, nil
}

// dropSuperseded resolves entries the server previously rejected as stale.
// When the pull has since brought a local copy newer than the change, the
// server value won and the change is discarded.
func (e *Engine) dropSuperseded(ctx context.Context, entries []models.QueueEntry, report *models.PushReport) []models.QueueEntry {
	out := entries[:0:0]
	for _, entry := range entries {
		if !entry.Conflicted {
			out = append(out, entry)
			continue
		}
		local, err := e.store.Get(ctx, entry.EntityType, entry.EntityID)
		if err != nil {
			e.logger.Warn("load local copy for conflicted change", zap.String("change_id", entry.ID), zap.Error(err))
			out = append(out, entry)
			continue
		}
		if local != nil && local.UpdatedAt.After(entry.Timestamp) {
			if err := e.queue.Drop(ctx, entry.ID, "superseded by newer server value"); err != nil {
				e.logger.Error("drop superseded change", zap.String("change_id", entry.ID), zap.Error(err))
				out = append(out, entry)
				continue
			}
			report.Dropped++
			continue
		}
		out = append(out, entry)
	}
	return out
}

// pendingCount is what the station still has to deliver, counted before each
// batch so the server's subtraction of the batch leaves the true remainder.
func (e *Engine) pendingCount(ctx context.Context) *int {
	counters, err := e.queue.Counters(ctx)
	if err != nil {
		e.logger.Warn("count pending changes", zap.Error(err))
		return nil
	}
	n := counters.Pending + counters.RetryScheduled
	return &n
}

func (e *Engine) transmit(ctx context.Context, batch []models.EntityChange, pendingCount *int) (*dto.PushResponse, error) {
	e.transmitMu.Lock()
	defer e.transmitMu.Unlock()

	// The batch outlives shutdown cancellation; only the timeout bounds it.
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RequestTimeout)
	defer cancel()

	return e.client.Push(reqCtx, dto.PushRequest{
		Changes:         batch,
		ClientTimestamp: e.now(),
		StationID:       e.cfg.StationID,
		PendingCount:    pendingCount,
	})
}

// handleBatchError records a whole-batch failure and reports whether the rest
// of the push should be abandoned.
func (e *Engine) handleBatchError(ctx context.Context, kind models.CycleKind, batch []models.EntityChange, err error, report *models.PushReport) bool {
	if appErrors.Is(err, appErrors.ErrUnauthorized) || appErrors.Is(err, appErrors.ErrForbidden) {
		// credentials need fixing; the changes stay pending and keep their retry budget
		e.metrics.ObservePushBatch(kind, "auth_error")
		report.TransportErrors++
		report.AuthErrors++
		e.logger.Error("push credentials rejected", zap.Int("changes", len(batch)), zap.Error(err))
		return true
	}
	if appErrors.Is(err, appErrors.ErrDependencyConflict) {
		e.metrics.ObservePushBatch(kind, "dependency_conflict")
		for _, change := range batch {
			if qerr := e.queue.HandleDependencyConflict(ctx, change.ID, err.Error()); qerr != nil {
				e.logger.Error("mark dependency conflict", zap.String("change_id", change.ID), zap.Error(qerr))
				continue
			}
			report.DependencyConflicts++
		}
		return false
	}

	e.metrics.ObservePushBatch(kind, "transport_error")
	report.TransportErrors++
	e.logger.Warn("push batch failed", zap.Int("changes", len(batch)), zap.Error(err))
	for _, change := range batch {
		status, qerr := e.queue.MarkFailed(ctx, change.ID, err.Error(), change.RetryCount+1)
		if qerr != nil {
			e.logger.Error("mark change failed", zap.String("change_id", change.ID), zap.Error(qerr))
			continue
		}
		if status == models.QueueStatusFailed {
			report.Failed++
		} else {
			report.RetryScheduled++
		}
	}
	return false
}

func (e *Engine) handleBatchResponse(ctx context.Context, batch []models.EntityChange, resp *dto.PushResponse, report *models.PushReport) {
	handled := make(map[string]struct{}, len(resp.FailedChanges)+len(resp.Conflicts))
	attempts := make(map[string]int, len(batch))
	for _, change := range batch {
		attempts[change.ID] = change.RetryCount
	}

	for _, failed := range resp.FailedChanges {
		handled[failed.ID] = struct{}{}
		var err error
		switch failed.Code {
		case appErrors.ErrDependencyMissing.Code, appErrors.ErrDependencyConflict.Code:
			err = e.queue.HandleDependencyConflict(ctx, failed.ID, failed.Error)
			if err == nil {
				report.DependencyConflicts++
			}
		case appErrors.ErrPermissionDenied.Code, appErrors.ErrValidation.Code:
			err = e.queue.MarkRejected(ctx, failed.ID, failed.Error)
			if err == nil {
				report.Rejected++
			}
		default:
			var status models.QueueStatus
			status, err = e.queue.MarkFailed(ctx, failed.ID, failed.Error, attempts[failed.ID]+1)
			if err == nil {
				if status == models.QueueStatusFailed {
					report.Failed++
				} else {
					report.RetryScheduled++
				}
			}
		}
		if err != nil {
			e.logger.Error("record failed change", zap.String("change_id", failed.ID), zap.Error(err))
		}
	}

	for _, conflict := range resp.Conflicts {
		handled[conflict.ID] = struct{}{}
		already, err := e.queue.MarkConflicted(ctx, conflict.ID, "server holds a newer version")
		if err != nil {
			e.logger.Error("mark conflict", zap.String("change_id", conflict.ID), zap.Error(err))
			continue
		}
		if already {
			if err := e.queue.Drop(ctx, conflict.ID, "conflicted twice"); err != nil {
				e.logger.Error("drop conflicted change", zap.String("change_id", conflict.ID), zap.Error(err))
				continue
			}
			report.Dropped++
			continue
		}
		report.Conflicts++
		e.pullRequested.Store(true)
	}

	synced := make([]string, 0, len(batch))
	for _, change := range batch {
		if _, ok := handled[change.ID]; !ok {
			synced = append(synced, change.ID)
		}
	}
	if err := e.queue.MarkSynced(ctx, synced); err != nil {
		e.logger.Error("mark changes synced", zap.Int("changes", len(synced)), zap.Error(err))
		return
	}
	report.Synced += len(synced)
}
