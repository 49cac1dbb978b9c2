package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/election-sync/internal/dto"
	"github.com/noah-isme/election-sync/internal/models"
	appErrors "github.com/noah-isme/election-sync/pkg/errors"
)

// pull fetches pages newer than the stored cursor and applies them. A change
// the station can never apply is recorded and passed over. A failure that may
// clear on retry pins the cursor to the last page before it, so the page is
// fetched again next cycle while everything before it stays behind the cursor.
func (e *Engine) pull(ctx context.Context) models.PullReport {
	e.pullMu.Lock()
	defer e.pullMu.Unlock()

	var report models.PullReport
	cursor, err := e.store.Cursor(ctx)
	if err != nil {
		e.logger.Error("read pull cursor", zap.Error(err))
		report.FailedPage = true
		return report
	}

	// clean is the newest page timestamp with every change up to it settled
	var clean *time.Time
	blocked := false

	for page := 0; page < e.cfg.MaxPullPages; page++ {
		if e.stopped.Load() {
			break
		}
		resp, err := e.fetch(ctx, dto.PullQuery{LastSync: cursor, Limit: e.cfg.PullPageSize, Offset: page * e.cfg.PullPageSize})
		if err != nil {
			e.logger.Warn("pull page failed", zap.Int("page", page), zap.Error(err))
			report.FailedPage = true
			break
		}
		report.Pages++
		report.Received += len(resp.Changes)

		for _, change := range resp.Changes {
			if !e.applyPulled(ctx, change, &report) {
				blocked = true
			}
		}

		if !blocked && len(resp.Changes) > 0 && !resp.ServerTimestamp.IsZero() {
			ts := resp.ServerTimestamp.UTC()
			if clean == nil || ts.After(*clean) {
				clean = &ts
			}
		}
		if !resp.HasMore || len(resp.Changes) == 0 {
			break
		}
		if page == e.cfg.MaxPullPages-1 {
			report.Truncated = true
		}
	}

	e.metrics.AddSyncChanges("pull", "created", report.Created)
	e.metrics.AddSyncChanges("pull", "updated", report.Updated)
	e.metrics.AddSyncChanges("pull", "skipped", report.Skipped)
	e.metrics.AddSyncChanges("pull", "rejected", report.Rejected)
	e.metrics.AddSyncChanges("pull", "error", report.Errors)

	if clean == nil || (cursor != nil && !clean.After(*cursor)) {
		report.Cursor = cursor
		return report
	}
	if err := e.store.SetCursor(ctx, *clean); err != nil {
		e.logger.Error("advance pull cursor", zap.Error(err))
		report.Errors++
		report.Cursor = cursor
		return report
	}
	report.Cursor = clean
	return report
}

// applyPulled applies one change and reports whether the cursor may move past it.
func (e *Engine) applyPulled(ctx context.Context, change models.EntityChange, report *models.PullReport) bool {
	outcome, err := e.store.ApplyRemote(ctx, change)
	if err == nil {
		switch outcome {
		case models.ApplyCreated:
			report.Created++
		case models.ApplyUpdated:
			report.Updated++
		case models.ApplySkipped:
			report.Skipped++
		}
		return true
	}

	fields := []zap.Field{
		zap.String("change_id", change.ID),
		zap.String("entity_type", string(change.EntityType)),
		zap.String("entity_id", change.EntityID),
		zap.Error(err),
	}
	if !appErrors.Is(err, appErrors.ErrValidation) {
		report.Errors++
		e.logger.Error("apply remote change", fields...)
		return false
	}
	if rerr := e.store.RecordRejected(ctx, change, err.Error()); rerr != nil {
		report.Errors++
		e.logger.Error("record rejected remote change", append(fields, zap.NamedError("record_error", rerr))...)
		return false
	}
	report.Rejected++
	e.logger.Warn("remote change rejected", fields...)
	return true
}

func (e *Engine) fetch(ctx context.Context, query dto.PullQuery) (*dto.PullResponse, error) {
	e.transmitMu.Lock()
	defer e.transmitMu.Unlock()

	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RequestTimeout)
	defer cancel()
	return e.client.Pull(reqCtx, query)
}
