package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Worker drives an Engine from the interval ticker and the fast-path channel.
type Worker struct {
	engine   *Engine
	interval time.Duration
	logger   *zap.Logger

	group   *errgroup.Group
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
}

// NewWorker constructs a worker for engine.
func NewWorker(engine *Engine, interval time.Duration, logger *zap.Logger) *Worker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{engine: engine, interval: interval, logger: logger}
}

// Start launches the loops. Safe to call once.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.group, ctx = errgroup.WithContext(ctx)
	w.group.Go(func() error { return w.intervalLoop(ctx) })
	w.group.Go(func() error { return w.fastLoop(ctx) })
	w.started = true
	w.logger.Sugar().Infow("sync worker started", "interval", w.interval.String(), "enabled", w.engine.Enabled())
}

// Stop shuts the engine down and waits for both loops to exit. The batch in
// flight, if any, is allowed to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.engine.Shutdown()
	w.cancel()
	group := w.group
	w.started = false
	w.mu.Unlock()

	if err := group.Wait(); err != nil && err != context.Canceled {
		w.logger.Warn("sync worker exited with error", zap.Error(err))
	}
	w.logger.Sugar().Infow("sync worker stopped")
}

func (w *Worker) intervalLoop(ctx context.Context) error {
	if !w.engine.Enabled() {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.runCycle(ctx)
		}
	}
}

func (w *Worker) fastLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.engine.FastRequests():
			if _, err := w.engine.RunFastCycle(ctx); err != nil {
				w.logger.Debug("fast cycle skipped", zap.Error(err))
				continue
			}
			if w.engine.PullRequested() {
				if _, err := w.engine.RunPull(ctx); err != nil {
					w.logger.Debug("follow-up pull skipped", zap.Error(err))
				}
			}
		}
	}
}

func (w *Worker) runCycle(ctx context.Context) {
	if _, err := w.engine.RunCycle(ctx); err != nil {
		w.logger.Debug("sync cycle skipped", zap.Error(err))
	}
}
