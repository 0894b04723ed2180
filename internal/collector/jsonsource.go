package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/obsidianstack/alertpipe/internal/metrics"
)

// jsonStrategy turns every numeric leaf of a JSON document into a gauge
// named by its dotted path. Booleans map to 1 and 0.
// Settings: prefix (string) is prepended to every name.
type jsonStrategy struct {
	*httpSource
	prefix string
	only   map[string]bool
}

func newJSONStrategy(c Collector) (Strategy, error) {
	h, err := newHTTPSource(c.Source)
	if err != nil {
		return nil, err
	}
	return &jsonStrategy{httpSource: h, prefix: configString(c.Config, "prefix"), only: declared(c)}, nil
}

func (s *jsonStrategy) Collect(ctx context.Context) ([]metrics.Metric, error) {
	doc, err := s.fetchJSON(ctx)
	if err != nil {
		return nil, err
	}
	leaves := make(map[string]float64)
	flatten("", doc, leaves)

	paths := make([]string, 0, len(leaves))
	for p := range leaves {
		if s.only == nil || s.only[p] {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	now := time.Now()
	out := make([]metrics.Metric, 0, len(paths))
	for _, p := range paths {
		out = append(out, gaugeAt(s.prefix+p, leaves[p], now))
	}
	return out, nil
}

func (h *httpSource) fetchJSON(ctx context.Context) (any, error) {
	body, err := h.get(ctx, "application/json")
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return doc, nil
}

// flatten walks v and records every numeric or boolean leaf under its
// dotted path. Array elements use their index as the path segment.
func flatten(prefix string, v any, out map[string]float64) {
	switch x := v.(type) {
	case map[string]any:
		for k, child := range x {
			flatten(join(prefix, k), child, out)
		}
	case []any:
		for i, child := range x {
			flatten(join(prefix, strconv.Itoa(i)), child, out)
		}
	default:
		if f, ok := leafValue(x); ok && prefix != "" {
			out[prefix] = f
		}
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func leafValue(v any) (float64, bool) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case float64:
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// customStrategy extracts only the declared dotted paths from a JSON document.
// Settings: prefix (string) is prepended to every name.
type customStrategy struct {
	*httpSource
	name   string
	prefix string
	paths  []string
}

func validateCustom(c *Collector) []string {
	if len(c.Metrics) == 0 {
		return []string{"custom collectors must declare at least one metric"}
	}
	var out []string
	for i, m := range c.Metrics {
		if strings.TrimSpace(m) == "" {
			out = append(out, fmt.Sprintf("metrics[%d] is empty", i))
		}
	}
	return out
}

func newCustomStrategy(c Collector) (Strategy, error) {
	h, err := newHTTPSource(c.Source)
	if err != nil {
		return nil, err
	}
	return &customStrategy{
		httpSource: h,
		name:       c.Name,
		prefix:     configString(c.Config, "prefix"),
		paths:      append([]string(nil), c.Metrics...),
	}, nil
}

func (s *customStrategy) Collect(ctx context.Context) ([]metrics.Metric, error) {
	doc, err := s.fetchJSON(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var (
		out     []metrics.Metric
		missing []string
	)
	for _, p := range s.paths {
		v, ok := lookup(doc, p)
		if !ok {
			missing = append(missing, p)
			continue
		}
		out = append(out, gaugeAt(s.prefix+p, v, now))
	}
	if len(out) == 0 {
		return nil, errors.New("none of the declared metrics were found in the response")
	}
	if len(missing) > 0 {
		slog.Warn("collector: declared metrics missing from response",
			"collector", s.name, "missing", missing)
	}
	return out, nil
}

// lookup resolves a dotted path inside a decoded JSON document.
func lookup(doc any, path string) (float64, bool) {
	cur := doc
	for _, seg := range strings.Split(path, ".") {
		switch x := cur.(type) {
		case map[string]any:
			next, ok := x[seg]
			if !ok {
				return 0, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(x) {
				return 0, false
			}
			cur = x[i]
		default:
			return 0, false
		}
	}
	return leafValue(cur)
}

func gaugeAt(name string, v float64, ts time.Time) metrics.Metric {
	return metrics.Metric{Name: name, Kind: metrics.KindGauge, Value: v, Timestamp: ts}
}
