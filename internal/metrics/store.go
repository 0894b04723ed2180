package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/obsidianstack/alertpipe/internal/apperr"
	"github.com/obsidianstack/alertpipe/internal/telemetry"
)

// Default values applied to zero Options fields.
const (
	DefaultMaxPointsPerSeries = 10000
	DefaultRetention          = 30 * 24 * time.Hour
	DefaultCacheTTL           = 60 * time.Second
	DefaultCacheSize          = 1000
	DefaultCompactionInterval = time.Hour
	DefaultResolution         = time.Minute
)

const healthMetricPrefix = "__alertpipe_healthcheck_"

// Options configures a Store.
type Options struct {
	MaxPointsPerSeries int
	DefaultRetention   time.Duration
	DefaultResolution  time.Duration
	CacheTTL           time.Duration
	CacheSize          int
	CompactionInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxPointsPerSeries <= 0 {
		o.MaxPointsPerSeries = DefaultMaxPointsPerSeries
	}
	if o.DefaultRetention <= 0 {
		o.DefaultRetention = DefaultRetention
	}
	if o.DefaultResolution <= 0 {
		o.DefaultResolution = DefaultResolution
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = DefaultCacheTTL
	}
	if o.CacheSize <= 0 {
		o.CacheSize = DefaultCacheSize
	}
	if o.CompactionInterval <= 0 {
		o.CompactionInterval = DefaultCompactionInterval
	}
}

// series is the time-ordered history of one metric name.
type series struct {
	mu     sync.RWMutex
	points []Metric

	// gen changes on every mutation and is part of the cache key, so a
	// write makes earlier cached results for this metric unreachable.
	gen uint64
}

// Store is a thread-safe in-memory metric store.
type Store struct {
	opts Options

	mu     sync.RWMutex // guards the series map only
	series map[string]*series

	defMu sync.RWMutex
	defs  map[string]*Definition

	overrideMu sync.RWMutex
	overrides  []RetentionOverride

	cache  *queryCache
	genSeq atomic.Uint64
	now    func() time.Time // injectable for deterministic tests
}

// New creates a Store. Zero option fields take the package defaults.
func New(opts Options) *Store {
	opts.applyDefaults()
	return &Store{
		opts:   opts,
		series: make(map[string]*series),
		defs:   make(map[string]*Definition),
		cache:  newQueryCache(opts.CacheSize, opts.CacheTTL),
		now:    time.Now,
	}
}

// Store validates m and appends it to its series.
func (s *Store) Store(m Metric) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.insert(m)
	return nil
}

// StoreBulk validates the whole batch before writing any of it: a single
// invalid metric rejects the batch and nothing is stored.
func (s *Store) StoreBulk(batch []Metric) error {
	v := apperr.NewValidator("metric batch")
	for i, m := range batch {
		for _, p := range m.problems() {
			v.Addf("[%d] %s", i, p)
		}
	}
	if err := v.Err(); err != nil {
		return err
	}
	for _, m := range batch {
		s.insert(m)
	}
	return nil
}

func (s *Store) insert(m Metric) {
	m.Labels = copyLabels(m.Labels)
	s.ensureDefinition(m)

	sr := s.seriesFor(m.Name, true)
	sr.mu.Lock()
	i := sort.Search(len(sr.points), func(i int) bool {
		return sr.points[i].Timestamp.After(m.Timestamp)
	})
	sr.points = append(sr.points, Metric{})
	copy(sr.points[i+1:], sr.points[i:])
	sr.points[i] = m
	if over := len(sr.points) - s.opts.MaxPointsPerSeries; over > 0 {
		sr.points = sr.points[over:]
	}
	sr.gen = s.genSeq.Add(1)
	sr.mu.Unlock()

	telemetry.MetricsIngested.Inc()
}

// ensureDefinition creates the catalog entry on first sight of a name.
// Later writes never change it.
func (s *Store) ensureDefinition(m Metric) {
	s.defMu.RLock()
	_, ok := s.defs[m.Name]
	s.defMu.RUnlock()
	if ok {
		return
	}

	retention := s.opts.DefaultRetention
	if o, ok := s.override(m.Name); ok && o.Retention > 0 {
		retention = o.Retention
	}

	s.defMu.Lock()
	defer s.defMu.Unlock()
	if _, ok := s.defs[m.Name]; ok {
		return
	}
	s.defs[m.Name] = &Definition{
		Name:        m.Name,
		Kind:        m.Kind,
		Unit:        m.Unit,
		Description: m.Description,
		Labels:      copyLabels(m.Labels),
		Retention:   retention,
		CreatedAt:   s.now(),
	}
}

func (s *Store) seriesFor(name string, create bool) *series {
	s.mu.RLock()
	sr, ok := s.series[name]
	s.mu.RUnlock()
	if ok || !create {
		return sr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok = s.series[name]; ok {
		return sr
	}
	sr = &series{}
	s.series[name] = sr
	return sr
}

// Query runs q, serving it from the cache when an identical query was
// answered within the cache TTL and the metric has not been written since.
// A query that matches nothing returns an empty result with a warning.
func (s *Store) Query(q Query) (*Result, error) {
	cq, err := compile(q)
	if err != nil {
		return nil, err
	}

	sr := s.seriesFor(q.MetricName, false)
	var gen uint64
	if sr != nil {
		sr.mu.RLock()
		gen = sr.gen
		sr.mu.RUnlock()
	}

	if cached, ok := s.cache.get(cacheKey(cq.key, gen)); ok {
		telemetry.QueryCacheHits.Inc()
		out := cached.clone()
		out.Cached = true
		return out, nil
	}

	res, gen := s.execute(cq, sr)
	s.cache.put(cacheKey(cq.key, gen), res.clone())
	return res, nil
}

func cacheKey(key string, gen uint64) string {
	return fmt.Sprintf("%s\x00%d", key, gen)
}

func (s *Store) execute(cq *compiledQuery, sr *series) (*Result, uint64) {
	name := cq.q.MetricName
	res := &Result{MetricName: name}
	if def, ok := s.Definition(name); ok {
		res.Definition = &def
	}

	var (
		gen    uint64
		points []DataPoint
	)
	if sr != nil {
		cutoff := cq.cutoff(s.now())
		sr.mu.RLock()
		gen = sr.gen
		for i := range sr.points {
			m := &sr.points[i]
			if !cutoff.IsZero() && m.Timestamp.Before(cutoff) {
				continue
			}
			if !cq.matches(m) {
				continue
			}
			points = append(points, DataPoint{
				Timestamp: m.Timestamp,
				Value:     m.Value,
				Labels:    copyLabels(m.Labels),
			})
		}
		sr.mu.RUnlock()
	}

	if a := cq.q.Aggregation; a != nil {
		resolution := a.Resolution
		if resolution <= 0 {
			resolution = s.resolutionFor(name)
		}
		points = aggregate(points, a.Function, resolution)
	}
	if n := cq.q.Limit; n > 0 && len(points) > n {
		points = points[len(points)-n:]
	}
	if len(points) == 0 {
		res.Warnings = append(res.Warnings, WarningNoData)
		points = []DataPoint{}
	}
	res.Data = points
	return res, gen
}

// Definition returns the catalog entry for name.
func (s *Store) Definition(name string) (Definition, bool) {
	s.defMu.RLock()
	defer s.defMu.RUnlock()
	d, ok := s.defs[name]
	if !ok {
		return Definition{}, false
	}
	out := *d
	out.Labels = copyLabels(d.Labels)
	return out, true
}

// Definitions returns the whole catalog sorted by name.
func (s *Store) Definitions() []Definition {
	s.defMu.RLock()
	out := make([]Definition, 0, len(s.defs))
	for _, d := range s.defs {
		cp := *d
		cp.Labels = copyLabels(d.Labels)
		out = append(out, cp)
	}
	s.defMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Compact drops points older than each metric's retention and returns the
// number of points removed. Definitions are never removed.
func (s *Store) Compact() int {
	now := s.now()

	s.mu.RLock()
	snapshot := make(map[string]*series, len(s.series))
	for name, sr := range s.series {
		snapshot[name] = sr
	}
	s.mu.RUnlock()

	removed := 0
	for name, sr := range snapshot {
		cutoff := now.Add(-s.retentionFor(name))
		sr.mu.Lock()
		i := sort.Search(len(sr.points), func(i int) bool {
			return !sr.points[i].Timestamp.Before(cutoff)
		})
		if i > 0 {
			sr.points = append([]Metric(nil), sr.points[i:]...)
			sr.gen = s.genSeq.Add(1)
			removed += i
		}
		sr.mu.Unlock()
	}
	return removed
}

// Run starts the background compaction loop. Run blocks until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	t := time.NewTicker(s.opts.CompactionInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.Compact(); n > 0 {
				slog.Debug("metrics: compacted expired points", "count", n)
			}
		}
	}
}

// HealthCheck performs a write, query and delete round trip on a throwaway
// metric. It leaves no data behind whatever the outcome.
func (s *Store) HealthCheck() error {
	name := healthMetricPrefix + uuid.NewString()
	defer s.remove(name)

	if err := s.Store(Metric{
		Name:      name,
		Kind:      KindGauge,
		Value:     1,
		Timestamp: s.now(),
		Source:    "healthcheck",
	}); err != nil {
		return fmt.Errorf("metrics: health check write: %w", err)
	}

	res, err := s.Query(Query{MetricName: name})
	if err != nil {
		return fmt.Errorf("metrics: health check query: %w", err)
	}
	if len(res.Data) != 1 || res.Data[0].Value != 1 {
		return errors.New("metrics: health check read back unexpected data")
	}
	return nil
}

// remove deletes a metric's series, definition and cached results.
func (s *Store) remove(name string) {
	s.mu.Lock()
	delete(s.series, name)
	s.mu.Unlock()

	s.defMu.Lock()
	delete(s.defs, name)
	s.defMu.Unlock()

	s.cache.dropMetric(name)
}

// Stats reports the data volume currently held.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	all := make([]*series, 0, len(s.series))
	for _, sr := range s.series {
		all = append(all, sr)
	}
	s.mu.RUnlock()

	st := Stats{Series: len(all), CacheEntries: s.cache.len()}
	for _, sr := range all {
		sr.mu.RLock()
		if n := len(sr.points); n > 0 {
			st.Points += n
			first, last := sr.points[0].Timestamp, sr.points[n-1].Timestamp
			if st.Oldest.IsZero() || first.Before(st.Oldest) {
				st.Oldest = first
			}
			if last.After(st.Newest) {
				st.Newest = last
			}
		}
		sr.mu.RUnlock()
	}

	s.defMu.RLock()
	st.Definitions = len(s.defs)
	s.defMu.RUnlock()
	return st
}
