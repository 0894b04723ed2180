package collector

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obsidianstack/alertpipe/internal/apperr"
	"github.com/obsidianstack/alertpipe/internal/metrics"
)

// Sink receives collected batches. *metrics.Store satisfies it.
type Sink interface {
	StoreBulk(batch []metrics.Metric) error
	Stats() metrics.Stats
}

// task is one collector's running schedule.
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Service is the collector registry and scheduler.
//
// All exported methods are safe for concurrent use.
type Service struct {
	sink Sink
	now  func() time.Time

	mu        sync.Mutex // guards everything below; taken before any entry.mu
	types     map[string]typeSpec
	entries   map[string]*entry
	tasks     map[string]*task
	running   bool
	runCtx    context.Context
	runCancel context.CancelFunc
}

// New returns a Service writing to sink, with the built-in collector types.
func New(sink Sink) *Service {
	return &Service{
		sink:    sink,
		now:     time.Now,
		types:   builtinTypes(),
		entries: make(map[string]*entry),
		tasks:   make(map[string]*task),
	}
}

// RegisterType adds or replaces a collector type.
func (s *Service) RegisterType(name string, mode Mode, build Factory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types[name] = typeSpec{mode: mode, build: build}
}

// Register validates c and adds it to the registry. An empty ID is filled
// with a random one. When collection is running and c is enabled, its
// schedule starts immediately.
func (s *Service) Register(c Collector) (Collector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, exists := s.entries[c.ID]; exists {
		return Collector{}, &apperr.ValidationError{
			Entity:   "collector",
			Problems: []string{fmt.Sprintf("id %q is already registered", c.ID)},
		}
	}
	c = c.clone()
	if err := c.validate(s.types); err != nil {
		return Collector{}, err
	}
	strategy, err := s.build(c)
	if err != nil {
		return Collector{}, err
	}

	now := s.now()
	c.CreatedAt, c.UpdatedAt = now, now
	c.LastCollection, c.LastError = time.Time{}, ""
	c.UptimePct = uptimePct(nil)
	c.Status = idleStatus(c.Enabled)

	e := &entry{c: c, strategy: strategy}
	s.entries[c.ID] = e
	if s.liveLocked() && c.Enabled {
		s.startTask(c.ID, e)
	}

	slog.Info("collector: registered", "collector", c.ID, "name", c.Name, "type", c.Type, "interval", c.Interval)
	return c.clone(), nil
}

func (s *Service) build(c Collector) (Strategy, error) {
	strategy, err := s.types[c.Type].build(c)
	if err != nil {
		return nil, &apperr.ValidationError{
			Entity:   "collector",
			Problems: []string{fmt.Sprintf("source: %v", err)},
		}
	}
	return strategy, nil
}

func idleStatus(enabled bool) Status {
	if enabled {
		return StatusUnknown
	}
	return StatusInactive
}

// Get returns the collector with the given id.
func (s *Service) Get(id string) (Collector, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return Collector{}, &apperr.NotFoundError{Kind: "collector", ID: id}
	}
	c, _ := e.snapshot()
	return c, nil
}

// List returns every collector ordered by name, then id.
func (s *Service) List() []Collector {
	s.mu.Lock()
	all := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, e)
	}
	s.mu.Unlock()

	out := make([]Collector, 0, len(all))
	for _, e := range all {
		c, _ := e.snapshot()
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Update replaces the configurable fields of collector id with those of
// next. A change of interval, type, source, config or enabled flag replaces
// the collector's schedule; nothing changes when validation fails.
func (s *Service) Update(id string, next Collector) (Collector, error) {
	next = next.clone()
	return s.update(id, func(c *Collector) {
		c.Name = next.Name
		c.Type = next.Type
		c.Source = next.Source
		c.Config = next.Config
		c.Interval = next.Interval
		c.Enabled = next.Enabled
		c.Labels = next.Labels
		c.Metrics = next.Metrics
	})
}

// SetEnabled turns collector id on or off.
func (s *Service) SetEnabled(id string, enabled bool) (Collector, error) {
	return s.update(id, func(c *Collector) { c.Enabled = enabled })
}

func (s *Service) update(id string, mutate func(c *Collector)) (Collector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Collector{}, &apperr.NotFoundError{Kind: "collector", ID: id}
	}

	old, oldStrategy := e.snapshot()
	c := old.clone()
	mutate(&c)
	c.ID = id
	if c.Source.Mode == old.Source.Mode && c.Type != old.Type {
		c.Source.Mode = "" // let validation infer the new type's mode
	}
	if err := c.validate(s.types); err != nil {
		return Collector{}, err
	}

	sourceChanged := c.Type != old.Type ||
		!reflect.DeepEqual(c.Source, old.Source) ||
		!reflect.DeepEqual(c.Config, old.Config) ||
		!slices.Equal(c.Metrics, old.Metrics)
	restart := sourceChanged || c.Interval != old.Interval || c.Enabled != old.Enabled

	strategy := oldStrategy
	if sourceChanged {
		built, err := s.build(c)
		if err != nil {
			return Collector{}, err
		}
		strategy = built
	}

	if c.Enabled != old.Enabled {
		c.Status = idleStatus(c.Enabled)
	}
	c.UpdatedAt = s.now()

	e.mu.Lock()
	e.c = c
	e.strategy = strategy
	e.mu.Unlock()

	if strategy != oldStrategy {
		retire(e, oldStrategy)
	}
	if restart {
		s.stopTask(id)
		if s.liveLocked() && c.Enabled {
			s.startTask(id, e)
		}
	}

	slog.Info("collector: updated", "collector", id, "name", c.Name, "rescheduled", restart)
	return c.clone(), nil
}

// retire closes a replaced strategy once any collection still using it
// has finished.
func retire(e *entry, old Strategy) {
	go func() {
		e.runMu.Lock()
		defer e.runMu.Unlock()
		closeStrategy(old)
	}()
}

// Deregister stops collector id's schedule and removes it.
func (s *Service) Deregister(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return &apperr.NotFoundError{Kind: "collector", ID: id}
	}
	s.stopTask(id)
	delete(s.entries, id)

	_, strategy := e.snapshot()
	retire(e, strategy)

	slog.Info("collector: deregistered", "collector", id)
	return nil
}

// Push queues a batch for push collector id. Metrics are validated up
// front; the whole batch is rejected if any metric is invalid. The queued
// batch is stored on the collector's next collection.
func (s *Service) Push(id string, batch []metrics.Metric) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return &apperr.NotFoundError{Kind: "collector", ID: id}
	}

	c, strategy := e.snapshot()
	ps, ok := strategy.(*pushStrategy)
	if !ok {
		return &apperr.ValidationError{
			Entity:   "push batch",
			Problems: []string{fmt.Sprintf("collector %q is a %s collector, not push", id, c.Type)},
		}
	}
	if !c.Enabled {
		return &apperr.ValidationError{
			Entity:   "push batch",
			Problems: []string{fmt.Sprintf("collector %q is disabled", id)},
		}
	}

	batch = slices.Clone(batch)
	normalize(c, batch, s.now())
	v := apperr.NewValidator("push batch")
	for i, m := range batch {
		if err := m.Validate(); err != nil {
			v.Addf("[%d] %v", i, err)
		}
	}
	if err := v.Err(); err != nil {
		return err
	}
	if err := ps.enqueue(batch); err != nil {
		return &apperr.CollectionError{CollectorID: id, Err: err}
	}
	return nil
}

// Statistics counts collectors by state and reports the store's data volume.
func (s *Service) Statistics() Statistics {
	s.mu.Lock()
	st := Statistics{Running: s.liveLocked(), Total: len(s.entries)}
	all := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, e)
	}
	s.mu.Unlock()

	for _, e := range all {
		c, _ := e.snapshot()
		if c.Enabled {
			st.Enabled++
		}
		switch c.Status {
		case StatusActive:
			st.Active++
		case StatusError:
			st.Errored++
		}
	}
	st.Store = s.sink.Stats()
	return st
}
