package collector

import (
	"context"
	"log/slog"
	"time"

	"github.com/obsidianstack/alertpipe/internal/apperr"
	"github.com/obsidianstack/alertpipe/internal/metrics"
	"github.com/obsidianstack/alertpipe/internal/telemetry"
)

// StartCollection schedules every enabled collector and runs one collection
// of each right away. The schedules live until StopCollection is called or
// ctx is cancelled. Calling it while already running is a no-op.
func (s *Service) StartCollection(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.liveLocked() {
		slog.Info("collector: collection already running")
		return
	}
	s.running = true
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	n := 0
	for id, e := range s.entries {
		e.mu.Lock()
		enabled := e.c.Enabled
		e.mu.Unlock()
		if !enabled {
			continue
		}
		taskCtx := s.startTask(id, e)
		s.tick(taskCtx, e)
		n++
	}
	slog.Info("collector: collection started", "collectors", n)
}

// StopCollection cancels every schedule and waits for the ticker loops to
// exit. Collections already in flight see their context cancelled.
func (s *Service) StopCollection() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.runCancel()
	done := make([]chan struct{}, 0, len(s.tasks))
	for id, t := range s.tasks {
		done = append(done, t.done)
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	for _, d := range done {
		<-d
	}
	slog.Info("collector: collection stopped")
}

// liveLocked reports whether collection is running. When the context given
// to StartCollection has ended, the leftover schedule state is cleared first.
// The caller must hold s.mu.
func (s *Service) liveLocked() bool {
	if s.running && s.runCtx.Err() != nil {
		s.running = false
		s.runCancel()
		for id := range s.tasks {
			s.stopTask(id)
		}
		slog.Info("collector: collection ended with its context")
	}
	return s.running
}

// startTask replaces collector id's schedule with a new one and returns the
// task's context. The caller must hold s.mu and s.running must be true.
func (s *Service) startTask(id string, e *entry) context.Context {
	s.stopTask(id)

	e.mu.Lock()
	interval := e.c.Interval
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(s.runCtx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	s.tasks[id] = t
	go s.loop(ctx, id, e, interval, t.done)
	return ctx
}

// stopTask cancels collector id's schedule, if any. The caller must hold s.mu.
func (s *Service) stopTask(id string) {
	if t, ok := s.tasks[id]; ok {
		t.cancel()
		delete(s.tasks, id)
	}
}

func (s *Service) loop(ctx context.Context, id string, e *entry, interval time.Duration, done chan struct{}) {
	defer close(done)

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if ctx.Err() != nil {
				return
			}
			if !s.tick(ctx, e) {
				slog.Warn("collector: previous collection still running, skipping tick", "collector", id)
			}
		}
	}
}

// tick starts one background collection unless the previous one for the
// same collector is still running. It reports whether a collection started.
func (s *Service) tick(ctx context.Context, e *entry) bool {
	if !e.inflight.CompareAndSwap(false, true) {
		return false
	}
	go func() {
		defer e.inflight.Store(false)
		_, _ = s.collect(ctx, e)
	}()
	return true
}

// CollectFromSource runs one collection of collector id now and returns the
// number of metrics stored. A failure is recorded on the collector and
// returned as a *apperr.CollectionError.
func (s *Service) CollectFromSource(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return 0, &apperr.NotFoundError{Kind: "collector", ID: id}
	}
	return s.collect(ctx, e)
}

func (s *Service) collect(ctx context.Context, e *entry) (int, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	c, strategy := e.snapshot()
	runCtx, cancel := context.WithTimeout(ctx, c.Source.deadline())
	defer cancel()

	batch, err := strategy.Collect(runCtx)
	if err == nil && len(batch) > 0 {
		normalize(c, batch, s.now())
		err = s.sink.StoreBulk(batch)
	}
	if err != nil && ctx.Err() != nil {
		// Stopped or rescheduled mid-run; not a source failure.
		return 0, ctx.Err()
	}

	status := e.record(s.now(), err)
	telemetry.Collections.WithLabelValues(c.Type, string(status)).Inc()

	if err != nil {
		slog.Warn("collector: collection failed",
			"collector", c.ID, "name", c.Name, "type", c.Type, "err", err)
		return 0, &apperr.CollectionError{CollectorID: c.ID, Err: err}
	}
	slog.Debug("collector: collected", "collector", c.ID, "name", c.Name, "metrics", len(batch))
	return len(batch), nil
}

// normalize tags every metric with the collector's name as source, fills a
// missing timestamp and kind, and applies the collector's static labels,
// which take precedence over labels of the same name.
func normalize(c Collector, batch []metrics.Metric, now time.Time) {
	for i := range batch {
		m := &batch[i]
		m.Source = c.Name
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		if m.Kind == "" {
			m.Kind = metrics.KindGauge
		}
		if len(c.Labels) == 0 {
			continue
		}
		merged := make(map[string]string, len(m.Labels)+len(c.Labels))
		for k, v := range m.Labels {
			merged[k] = v
		}
		for k, v := range c.Labels {
			merged[k] = v
		}
		m.Labels = merged
	}
}
