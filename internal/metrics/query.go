package metrics

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/obsidianstack/alertpipe/internal/apperr"
)

// Op is a structured filter operator.
type Op string

const (
	OpEq    Op = "eq"
	OpNe    Op = "ne"
	OpGt    Op = "gt"
	OpGte   Op = "gte"
	OpLt    Op = "lt"
	OpLte   Op = "lte"
	OpIn    Op = "in"
	OpNin   Op = "nin"
	OpRegex Op = "regex"
)

// Filter fields that do not refer to a label.
const (
	FieldValue  = "value"
	FieldSource = "source"
)

// Filter is a structured predicate. Field is "value", "source" or a label key.
// For in/nin, Value must be a slice.
type Filter struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value"`
}

// Func is an aggregation function.
type Func string

const (
	FuncSum        Func = "sum"
	FuncAvg        Func = "avg"
	FuncMin        Func = "min"
	FuncMax        Func = "max"
	FuncCount      Func = "count"
	FuncRate       Func = "rate"
	FuncPercentile Func = "percentile"
)

// Valid reports whether f is a known aggregation function.
func (f Func) Valid() bool {
	switch f {
	case FuncSum, FuncAvg, FuncMin, FuncMax, FuncCount, FuncRate, FuncPercentile:
		return true
	}
	return false
}

// Aggregation buckets points into Resolution-wide windows and reduces each
// bucket with Function. A zero Resolution uses the metric's configured
// resolution, or the store default.
type Aggregation struct {
	Function   Func          `json:"function"`
	Resolution time.Duration `json:"resolution,omitempty"`
}

// Query selects points of one metric.
type Query struct {
	MetricName string            `json:"metric_name"`
	Labels     map[string]string `json:"labels,omitempty"`
	Filters    []Filter          `json:"filters,omitempty"`

	// TimeRange is a named lookback relative to now ("5m", "1h", "7d", ...).
	// Empty means all retained data.
	TimeRange string `json:"time_range,omitempty"`

	// Since, when positive, overrides TimeRange with an explicit lookback.
	Since time.Duration `json:"since,omitempty"`

	Aggregation *Aggregation `json:"aggregation,omitempty"`

	// Limit keeps only the most recent Limit points when positive.
	Limit int `json:"limit,omitempty"`
}

// Result is the outcome of a Query. Data is time-ordered.
type Result struct {
	MetricName string      `json:"metric_name"`
	Data       []DataPoint `json:"data"`
	Cached     bool        `json:"cached"`
	Warnings   []string    `json:"warnings,omitempty"`
	Definition *Definition `json:"definition,omitempty"`
}

// WarningNoData is reported when a query matches nothing.
const WarningNoData = "no data found"

// timeRanges lists the accepted named lookbacks.
var timeRanges = map[string]time.Duration{
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"3h":  3 * time.Hour,
	"6h":  6 * time.Hour,
	"12h": 12 * time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// compiledQuery is a validated Query with regexes compiled and its
// canonical cache key computed.
type compiledQuery struct {
	q        Query
	filters  []compiledFilter
	lookback time.Duration
	key      string
}

type compiledFilter struct {
	Filter
	re *regexp.Regexp
}

// Validate reports every problem with q as a *apperr.ValidationError.
func (q Query) Validate() error {
	_, err := compile(q)
	return err
}

func compile(q Query) (*compiledQuery, error) {
	v := apperr.NewValidator("query")
	v.Check(q.MetricName != "", "metric_name is required")

	cq := &compiledQuery{q: q}

	switch {
	case q.Since > 0:
		cq.lookback = q.Since
	case q.TimeRange != "":
		d, ok := timeRanges[q.TimeRange]
		v.Check(ok, "time_range %q is not a known range", q.TimeRange)
		cq.lookback = d
	}
	v.Check(q.Since >= 0, "since must not be negative")
	v.Check(q.Limit >= 0, "limit must not be negative")

	for i, f := range q.Filters {
		cf := compiledFilter{Filter: f}
		if f.Field == "" {
			v.Addf("filters[%d]: field is required", i)
		}
		switch f.Op {
		case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte:
		case OpIn, OpNin:
			if _, ok := toSlice(f.Value); !ok {
				v.Addf("filters[%d]: %s needs a list value", i, f.Op)
			}
		case OpRegex:
			re, err := regexp.Compile(toString(f.Value))
			if err != nil {
				v.Addf("filters[%d]: bad regex: %v", i, err)
			}
			cf.re = re
		default:
			v.Addf("filters[%d]: unknown operator %q", i, f.Op)
		}
		cq.filters = append(cq.filters, cf)
	}

	if a := q.Aggregation; a != nil {
		v.Check(a.Function.Valid(), "aggregation function %q is not one of sum|avg|min|max|count|rate|percentile", a.Function)
		v.Check(a.Resolution >= 0, "aggregation resolution must not be negative")
	}

	if err := v.Err(); err != nil {
		return nil, err
	}

	key, err := canonicalKey(q)
	if err != nil {
		return nil, fmt.Errorf("metrics: encode query key: %w", err)
	}
	cq.key = key
	return cq, nil
}

// canonicalKey serializes the query deterministically. encoding/json sorts
// map keys, so equal queries always produce the same key.
func canonicalKey(q Query) (string, error) {
	b, err := json.Marshal(q)
	if err != nil {
		return "", err
	}
	return q.MetricName + "\x00" + string(b), nil
}

func (cq *compiledQuery) cutoff(now time.Time) time.Time {
	if cq.lookback <= 0 {
		return time.Time{}
	}
	return now.Add(-cq.lookback)
}

// matches applies label equality filters first, then structured filters.
func (cq *compiledQuery) matches(m *Metric) bool {
	for k, want := range cq.q.Labels {
		if got, ok := m.Labels[k]; !ok || got != want {
			return false
		}
	}
	for _, f := range cq.filters {
		if !f.match(m) {
			return false
		}
	}
	return true
}

func (f compiledFilter) match(m *Metric) bool {
	var field any
	present := true
	switch f.Field {
	case FieldValue:
		field = m.Value
	case FieldSource:
		field = m.Source
	default:
		var s string
		s, present = m.Labels[f.Field]
		field = s
	}

	switch f.Op {
	case OpEq:
		return present && equalValues(field, f.Value)
	case OpNe:
		return !present || !equalValues(field, f.Value)
	case OpGt, OpGte, OpLt, OpLte:
		return present && orderValues(field, f.Op, f.Value)
	case OpIn, OpNin:
		list, _ := toSlice(f.Value)
		found := false
		if present {
			for _, item := range list {
				if equalValues(field, item) {
					found = true
					break
				}
			}
		}
		if f.Op == OpIn {
			return found
		}
		return !found
	case OpRegex:
		return present && f.re != nil && f.re.MatchString(toString(field))
	}
	return false
}

// equalValues compares numerically when both sides parse as numbers,
// otherwise as strings.
func equalValues(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return toString(a) == toString(b)
}

func orderValues(a any, op Op, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	var c int
	if aok && bok {
		switch {
		case af < bf:
			c = -1
		case af > bf:
			c = 1
		}
	} else {
		as, bs := toString(a), toString(b)
		switch {
		case as < bs:
			c = -1
		case as > bs:
			c = 1
		}
	}
	switch op {
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

func toSlice(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, true
	case []float64:
		out := make([]any, len(x))
		for i, f := range x {
			out[i] = f
		}
		return out, true
	case []int:
		out := make([]any, len(x))
		for i, n := range x {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}

func (r *Result) clone() *Result {
	out := *r
	out.Data = make([]DataPoint, len(r.Data))
	for i, p := range r.Data {
		p.Labels = copyLabels(p.Labels)
		out.Data[i] = p
	}
	out.Warnings = append([]string(nil), r.Warnings...)
	if r.Definition != nil {
		d := *r.Definition
		d.Labels = copyLabels(d.Labels)
		out.Definition = &d
	}
	return &out
}
