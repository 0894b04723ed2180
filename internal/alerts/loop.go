package alerts

import (
	"context"
	"log/slog"
	"time"
)

// DefaultEvaluationInterval is used when StartEvaluation gets a
// non-positive interval.
const DefaultEvaluationInterval = time.Minute

// StartEvaluation evaluates due rules immediately and then every interval
// until StopEvaluation is called or ctx is cancelled. Calling it while the
// loop is running is a no-op.
func (e *Engine) StartEvaluation(ctx context.Context, interval time.Duration) {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()

	if e.liveLocked() {
		slog.Info("alerts: evaluation already running")
		return
	}
	if interval <= 0 {
		interval = DefaultEvaluationInterval
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.cancel, e.done = cancel, done
	go e.run(loopCtx, interval, done)
	slog.Info("alerts: evaluation started", "interval", interval)
}

// StopEvaluation stops the loop and waits for an evaluation in progress to
// finish.
func (e *Engine) StopEvaluation() {
	e.loopMu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	slog.Info("alerts: evaluation stopped")
}

// Running reports whether the evaluation loop is active.
func (e *Engine) Running() bool {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	return e.liveLocked()
}

// liveLocked reports whether the loop is running, clearing the state of a
// loop that exited because the context given to StartEvaluation ended. The
// caller must hold e.loopMu.
func (e *Engine) liveLocked() bool {
	if e.done == nil {
		return false
	}
	select {
	case <-e.done:
		e.cancel()
		e.cancel, e.done = nil, nil
		return false
	default:
		return true
	}
}

func (e *Engine) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	e.evaluateAll(ctx, true)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n := e.evaluateAll(ctx, true)
			slog.Debug("alerts: evaluation pass complete", "rules", n)
		}
	}
}
