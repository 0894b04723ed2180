package metrics

import (
	"fmt"
	"math"
	"time"

	"github.com/obsidianstack/alertpipe/internal/apperr"
)

// Kind is the metric type.
type Kind string

const (
	KindCounter   Kind = "counter"
	KindGauge     Kind = "gauge"
	KindHistogram Kind = "histogram"
	KindSummary   Kind = "summary"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCounter, KindGauge, KindHistogram, KindSummary:
		return true
	}
	return false
}

// Metric is one timestamped observation. A stored Metric is never modified.
type Metric struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
	Unit string `json:"unit,omitempty"`

	// Description is only used when the metric's definition is created.
	Description string `json:"description,omitempty"`

	Labels    map[string]string `json:"labels,omitempty"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
}

// Validate returns a *apperr.ValidationError listing every violation.
func (m Metric) Validate() error {
	p := m.problems()
	if len(p) == 0 {
		return nil
	}
	return &apperr.ValidationError{Entity: "metric", Problems: p}
}

func (m Metric) problems() []string {
	var out []string
	if m.Name == "" {
		out = append(out, "name is required")
	}
	if !m.Kind.Valid() {
		out = append(out, fmt.Sprintf("kind %q is not one of counter|gauge|histogram|summary", m.Kind))
	}
	if math.IsNaN(m.Value) {
		out = append(out, "value must be a number, got NaN")
	}
	if m.Timestamp.IsZero() {
		out = append(out, "timestamp is required")
	}
	if m.Source == "" {
		out = append(out, "source is required")
	}
	return out
}

// Definition is the catalog entry for a metric name. It is created from the
// first metric stored under that name and never overwritten afterwards.
type Definition struct {
	Name        string            `json:"name"`
	Kind        Kind              `json:"kind"`
	Unit        string            `json:"unit,omitempty"`
	Description string            `json:"description,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Retention   time.Duration     `json:"retention"`
	CreatedAt   time.Time         `json:"created_at"`
}

// DataPoint is one resolved point of a query result.
type DataPoint struct {
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// Stats describes the data volume held by the store.
type Stats struct {
	Series       int       `json:"series"`
	Points       int       `json:"points"`
	Definitions  int       `json:"definitions"`
	CacheEntries int       `json:"cache_entries"`
	Oldest       time.Time `json:"oldest,omitempty"`
	Newest       time.Time `json:"newest,omitempty"`
}

func copyLabels(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// commonLabels returns the label pairs shared by every point.
func commonLabels(points []DataPoint) map[string]string {
	if len(points) == 0 {
		return nil
	}
	out := copyLabels(points[0].Labels)
	for _, p := range points[1:] {
		for k, v := range out {
			if p.Labels[k] != v {
				delete(out, k)
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
