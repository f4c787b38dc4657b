// Package worker owns the runtime lifecycle: connect, subscribe, seed state,
// drive the evaluator and reconciler loops, and unwind everything on
// shutdown.
package worker

import (
	"context"
	"fmt"
	"time"

	"fundarb/internal/config"
	"fundarb/internal/core"
	"fundarb/internal/evaluator"
	"fundarb/internal/health"
	"fundarb/internal/queue"
	"fundarb/internal/reconciler"
	"fundarb/internal/store"
	"fundarb/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

// Worker ties the long-running loops together
type Worker struct {
	cfg     *config.Config
	venue   core.IVenue
	store   *store.StateStore
	monitor *health.Monitor
	queue   *queue.SerialQueue
	rec     *reconciler.Reconciler
	eval    *evaluator.Evaluator
	logger  core.ILogger
}

// New creates a worker over already-constructed components
func New(cfg *config.Config, venue core.IVenue, st *store.StateStore,
	monitor *health.Monitor, q *queue.SerialQueue, rec *reconciler.Reconciler,
	eval *evaluator.Evaluator, logger core.ILogger) *Worker {
	return &Worker{
		cfg:     cfg,
		venue:   venue,
		store:   st,
		monitor: monitor,
		queue:   q,
		rec:     rec,
		eval:    eval,
		logger:  logger.WithField("component", "worker"),
	}
}

// Run starts the runtime and blocks until ctx is cancelled or startup fails.
// A cancelled context is a clean shutdown, not an error.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.evaluatorLoop(gctx)
		return nil
	})
	g.Go(func() error {
		w.reconcilerLoop(gctx)
		return nil
	})
	err := g.Wait()

	w.shutdown()
	return err
}

// start connects the venue, subscribes the ticker stream, and runs one
// synchronous reconcile so the first tick sees seeded state.
func (w *Worker) start(ctx context.Context) error {
	w.logger.Info("starting",
		"perpSymbol", w.cfg.Asset.PerpSymbol,
		"spotSymbol", w.cfg.Asset.SpotSymbol)

	if err := w.venue.Connect(ctx); err != nil {
		return fmt.Errorf("venue connect: %w", err)
	}

	w.monitor.RegisterStream(health.StreamTicker, w.cfg.Freshness.MaxTickerAge())
	err := w.venue.SubscribeTicker(w.cfg.Asset.PerpSymbol, func(t core.Ticker) {
		w.store.SetTicker(t)
		w.monitor.RecordMessage(health.StreamTicker)
	})
	if err != nil {
		return fmt.Errorf("ticker subscribe: %w", err)
	}

	w.reconcileOnce(ctx)
	w.logger.Info("startup complete")
	return nil
}

// reconcileOnce runs one sweep and feeds the fresh funding observation into
// the evaluator's history window.
func (w *Worker) reconcileOnce(ctx context.Context) {
	w.rec.Run(ctx)
	if funding, ok := w.store.Funding(); ok {
		w.eval.RecordFunding(funding)
	}
}

// evaluatorLoop drives ticks with single-timer recursion: the next timer is
// armed only after the current tick finishes, so ticks never overlap.
func (w *Worker) evaluatorLoop(ctx context.Context) {
	interval := w.cfg.Timing.EvaluatorInterval()
	warn := w.cfg.Timing.EvaluatorWarn()
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		start := time.Now()
		w.eval.Tick(ctx)
		elapsed := time.Since(start)

		telemetry.GetGlobalMetrics().RecordTickLatency(ctx, float64(elapsed.Milliseconds()))
		if elapsed > warn {
			w.logger.Warn("slow evaluator tick",
				"elapsedMs", elapsed.Milliseconds(),
				"warnMs", warn.Milliseconds())
		}
		timer.Reset(interval)
	}
}

// reconcilerLoop runs periodic sweeps with the same single-timer recursion
func (w *Worker) reconcilerLoop(ctx context.Context) {
	interval := w.cfg.Reconciler.Interval()
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		w.reconcileOnce(ctx)
		timer.Reset(interval)
	}
}

// shutdown unwinds in reverse order: stop new work, drain the queue within
// the configured bound, then tear down the stream and the connection.
func (w *Worker) shutdown() {
	w.logger.Info("shutting down")

	w.queue.CancelAll()
	waitCtx, cancel := context.WithTimeout(context.Background(), w.cfg.Timing.ShutdownWait())
	if err := w.queue.WaitForIdle(waitCtx); err != nil {
		w.logger.Warn("queue did not drain before shutdown deadline", "error", err.Error())
	}
	cancel()
	w.queue.Close()

	if err := w.venue.UnsubscribeTicker(w.cfg.Asset.PerpSymbol); err != nil {
		w.logger.Warn("ticker unsubscribe failed", "error", err.Error())
	}

	disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.venue.Disconnect(disconnectCtx); err != nil {
		w.logger.Warn("venue disconnect failed", "error", err.Error())
	}
	w.logger.Info("shutdown complete")
}
