package metrics

import (
	"reflect"
	"testing"
	"time"

	"github.com/obsidianstack/alertpipe/internal/apperr"
)

func TestQuery_UnknownMetricWarns(t *testing.T) {
	st := New(Options{})
	res, err := st.Query(Query{MetricName: "does_not_exist", TimeRange: "1h"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if res.Data == nil || len(res.Data) != 0 {
		t.Errorf("Data: got %v, want empty non-nil slice", res.Data)
	}
	if len(res.Warnings) != 1 || res.Warnings[0] != WarningNoData {
		t.Errorf("Warnings: got %v, want [%q]", res.Warnings, WarningNoData)
	}
	if res.Definition != nil {
		t.Errorf("Definition: got %+v, want nil", res.Definition)
	}
}

func TestQuery_CachedFlag(t *testing.T) {
	st := New(Options{})
	now := time.Now()
	_ = st.Store(gauge("load", 1.5, now.Add(-time.Minute), map[string]string{"host": "a"}))

	q := Query{MetricName: "load", Labels: map[string]string{"host": "a"}, TimeRange: "1h"}
	first, err := st.Query(q)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	second, err := st.Query(q)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}

	if first.Cached {
		t.Error("first query: Cached = true, want false")
	}
	if !second.Cached {
		t.Error("second query: Cached = false, want true")
	}
	if !reflect.DeepEqual(first.Data, second.Data) {
		t.Errorf("cached data differs:\nfirst  %+v\nsecond %+v", first.Data, second.Data)
	}
}

func TestQuery_WriteInvalidatesCache(t *testing.T) {
	st := New(Options{})
	now := time.Now()
	q := Query{MetricName: "temp", TimeRange: "1h"}

	_ = st.Store(gauge("temp", 20, now.Add(-2*time.Minute), nil))
	if _, err := st.Query(q); err != nil {
		t.Fatalf("Query() error = %v", err)
	}

	_ = st.Store(gauge("temp", 21, now.Add(-time.Minute), nil))
	res, err := st.Query(q)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if res.Cached {
		t.Error("query after write was served from cache")
	}
	if len(res.Data) != 2 {
		t.Errorf("Data: got %d points, want 2", len(res.Data))
	}
}

func TestQuery_CacheEvictsOldestWhenFull(t *testing.T) {
	st := New(Options{CacheSize: 2})
	_ = st.Store(gauge("load", 1, time.Now().Add(-time.Minute), nil))

	queries := []Query{
		{MetricName: "load", TimeRange: "1h"},
		{MetricName: "load", TimeRange: "6h"},
		{MetricName: "load", TimeRange: "24h"},
	}
	for _, q := range queries {
		if _, err := st.Query(q); err != nil {
			t.Fatalf("Query(%s) error = %v", q.TimeRange, err)
		}
	}

	// Newest first: a miss on the oldest re-inserts it and evicts the next.
	for _, tc := range []struct {
		q      Query
		cached bool
	}{
		{queries[2], true},
		{queries[1], true},
		{queries[0], false},
	} {
		res, err := st.Query(tc.q)
		if err != nil {
			t.Fatalf("Query(%s) error = %v", tc.q.TimeRange, err)
		}
		if res.Cached != tc.cached {
			t.Errorf("Query(%s): Cached = %v, want %v", tc.q.TimeRange, res.Cached, tc.cached)
		}
	}
	if n := st.cache.len(); n != 2 {
		t.Errorf("cache entries: got %d, want 2", n)
	}
}

func TestQuery_CallerCannotMutateCache(t *testing.T) {
	st := New(Options{})
	_ = st.Store(gauge("m", 1, time.Now(), map[string]string{"k": "v"}))

	q := Query{MetricName: "m"}
	res, _ := st.Query(q)
	res.Data[0].Value = 999
	res.Data[0].Labels["k"] = "mutated"

	again, _ := st.Query(q)
	if again.Data[0].Value != 1 || again.Data[0].Labels["k"] != "v" {
		t.Errorf("cached result was mutated through a returned copy: %+v", again.Data[0])
	}
}

func TestQuery_TimeRange(t *testing.T) {
	base := time.Now()
	st := New(Options{})
	st.now = fixedClock(base)

	_ = st.Store(gauge("rt", 1, base.Add(-2*time.Hour), nil))
	_ = st.Store(gauge("rt", 2, base.Add(-10*time.Minute), nil))
	_ = st.Store(gauge("rt", 3, base.Add(-time.Minute), nil))

	cases := []struct {
		name string
		q    Query
		want int
	}{
		{"all data", Query{MetricName: "rt"}, 3},
		{"5m", Query{MetricName: "rt", TimeRange: "5m"}, 1},
		{"1h", Query{MetricName: "rt", TimeRange: "1h"}, 2},
		{"since overrides range", Query{MetricName: "rt", TimeRange: "5m", Since: 3 * time.Hour}, 3},
		{"limit keeps newest", Query{MetricName: "rt", Limit: 1}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := st.Query(tc.q)
			if err != nil {
				t.Fatalf("Query() error = %v", err)
			}
			if len(res.Data) != tc.want {
				t.Errorf("got %d points, want %d", len(res.Data), tc.want)
			}
		})
	}

	res, _ := st.Query(Query{MetricName: "rt", Limit: 1})
	if res.Data[0].Value != 3 {
		t.Errorf("Limit: got value %v, want newest (3)", res.Data[0].Value)
	}
}

func TestQuery_Filters(t *testing.T) {
	st := New(Options{})
	now := time.Now()
	_ = st.Store(Metric{Name: "req", Kind: KindCounter, Value: 10, Timestamp: now.Add(-3 * time.Second), Source: "api", Labels: map[string]string{"env": "prod", "code": "200"}})
	_ = st.Store(Metric{Name: "req", Kind: KindCounter, Value: 20, Timestamp: now.Add(-2 * time.Second), Source: "api", Labels: map[string]string{"env": "dev", "code": "500"}})
	_ = st.Store(Metric{Name: "req", Kind: KindCounter, Value: 30, Timestamp: now.Add(-1 * time.Second), Source: "worker", Labels: map[string]string{"env": "prod"}})

	cases := []struct {
		name   string
		labels map[string]string
		filter []Filter
		want   []float64
	}{
		{"label equality", map[string]string{"env": "prod"}, nil, []float64{10, 30}},
		{"value gt", nil, []Filter{{Field: FieldValue, Op: OpGt, Value: 15.0}}, []float64{20, 30}},
		{"value lte", nil, []Filter{{Field: FieldValue, Op: OpLte, Value: 20}}, []float64{10, 20}},
		{"source eq", nil, []Filter{{Field: FieldSource, Op: OpEq, Value: "worker"}}, []float64{30}},
		{"label ne includes missing", nil, []Filter{{Field: "code", Op: OpNe, Value: "500"}}, []float64{10, 30}},
		{"label numeric compare", nil, []Filter{{Field: "code", Op: OpGte, Value: 300}}, []float64{20}},
		{"in", nil, []Filter{{Field: "env", Op: OpIn, Value: []any{"dev", "staging"}}}, []float64{20}},
		{"nin", nil, []Filter{{Field: "env", Op: OpNin, Value: []string{"dev"}}}, []float64{10, 30}},
		{"regex", nil, []Filter{{Field: "code", Op: OpRegex, Value: "^2"}}, []float64{10}},
		{"labels then filters", map[string]string{"env": "prod"}, []Filter{{Field: FieldValue, Op: OpLt, Value: 20}}, []float64{10}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := st.Query(Query{MetricName: "req", Labels: tc.labels, Filters: tc.filter})
			if err != nil {
				t.Fatalf("Query() error = %v", err)
			}
			var got []float64
			for _, p := range res.Data {
				got = append(got, p.Value)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestQuery_Invalid(t *testing.T) {
	st := New(Options{})
	cases := []struct {
		name string
		q    Query
	}{
		{"missing name", Query{}},
		{"unknown range", Query{MetricName: "m", TimeRange: "2w"}},
		{"unknown op", Query{MetricName: "m", Filters: []Filter{{Field: "a", Op: "like"}}}},
		{"in without list", Query{MetricName: "m", Filters: []Filter{{Field: "a", Op: OpIn, Value: "x"}}}},
		{"bad regex", Query{MetricName: "m", Filters: []Filter{{Field: "a", Op: OpRegex, Value: "("}}}},
		{"bad aggregation", Query{MetricName: "m", Aggregation: &Aggregation{Function: "median"}}},
		{"negative limit", Query{MetricName: "m", Limit: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := st.Query(tc.q)
			if !apperr.IsValidation(err) {
				t.Errorf("Query() error = %v, want validation error", err)
			}
		})
	}
}
