package purge

import (
	"context"
	"time"

	"github.com/migadu/quail/logger"
)

// Worker runs the purge engine on a fixed interval until stopped.
type Worker struct {
	engine   *Engine
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWorker wraps an engine in a ticker loop.
func NewWorker(engine *Engine, interval time.Duration) *Worker {
	return &Worker{
		engine:   engine,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the worker goroutine. The first run happens after one full
// interval, not at startup, so a crash-looping process cannot hammer the
// store.
func (w *Worker) Start(ctx context.Context) {
	logger.Info("[PURGE] worker starting", "interval", w.interval)
	go w.run(ctx)
}

// Stop signals the worker and waits for the in-flight run to finish.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
	logger.Info("[PURGE] worker stopped")
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if _, err := w.engine.RunOnce(ctx, time.Now()); err != nil {
				logger.Error("[PURGE] run failed", "error", err)
			}
		}
	}
}
