package collector

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/obsidianstack/alertpipe/internal/metrics"
)

// promStrategy scrapes a Prometheus text exposition endpoint.
// Settings: prefix (string) is prepended to every metric name.
type promStrategy struct {
	*httpSource
	prefix string
	only   map[string]bool
}

func newPrometheusStrategy(c Collector) (Strategy, error) {
	h, err := newHTTPSource(c.Source)
	if err != nil {
		return nil, err
	}
	return &promStrategy{
		httpSource: h,
		prefix:     configString(c.Config, "prefix"),
		only:       declared(c),
	}, nil
}

func (s *promStrategy) Collect(ctx context.Context) ([]metrics.Metric, error) {
	body, err := s.get(ctx, string(expfmt.NewFormat(expfmt.TypeTextPlain)))
	if err != nil {
		return nil, err
	}
	mfs, err := parseExposition(body)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(mfs))
	for name := range mfs {
		if s.only == nil || s.only[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	now := time.Now()
	var out []metrics.Metric
	for _, name := range names {
		out = append(out, familyMetrics(mfs[name], s.prefix, now)...)
	}
	return out, nil
}

// parseExposition decodes a Prometheus text exposition into metric families.
// A partial result with a non-fatal parse warning is still returned.
func parseExposition(body []byte) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(bytes.NewReader(body))
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("parse prometheus text: %w", err)
	}
	return mfs, nil
}

// familyMetrics flattens one family into store metrics. Summaries and
// histograms expand into their _sum, _count and quantile/bucket series the
// way the text format writes them. NaN samples are dropped.
func familyMetrics(mf *dto.MetricFamily, prefix string, now time.Time) []metrics.Metric {
	name := prefix + mf.GetName()
	help := mf.GetHelp()

	var out []metrics.Metric
	add := func(n string, kind metrics.Kind, v float64, ts time.Time, labels map[string]string) {
		if math.IsNaN(v) {
			return
		}
		out = append(out, metrics.Metric{
			Name:        n,
			Kind:        kind,
			Description: help,
			Labels:      labels,
			Value:       v,
			Timestamp:   ts,
		})
	}

	for _, m := range mf.GetMetric() {
		ts := now
		if m.TimestampMs != nil {
			ts = time.UnixMilli(m.GetTimestampMs())
		}
		labels := labelPairs(m.GetLabel())

		switch mf.GetType() {
		case dto.MetricType_COUNTER:
			add(name, metrics.KindCounter, m.GetCounter().GetValue(), ts, labels)
		case dto.MetricType_GAUGE:
			add(name, metrics.KindGauge, m.GetGauge().GetValue(), ts, labels)
		case dto.MetricType_UNTYPED:
			add(name, metrics.KindGauge, m.GetUntyped().GetValue(), ts, labels)
		case dto.MetricType_SUMMARY:
			sm := m.GetSummary()
			add(name+"_sum", metrics.KindSummary, sm.GetSampleSum(), ts, labels)
			add(name+"_count", metrics.KindSummary, float64(sm.GetSampleCount()), ts, labels)
			for _, q := range sm.GetQuantile() {
				add(name, metrics.KindSummary, q.GetValue(), ts,
					withLabel(labels, "quantile", strconv.FormatFloat(q.GetQuantile(), 'g', -1, 64)))
			}
		case dto.MetricType_HISTOGRAM, dto.MetricType_GAUGE_HISTOGRAM:
			h := m.GetHistogram()
			add(name+"_sum", metrics.KindHistogram, h.GetSampleSum(), ts, labels)
			add(name+"_count", metrics.KindHistogram, float64(h.GetSampleCount()), ts, labels)
			hasInf := false
			for _, b := range h.GetBucket() {
				hasInf = hasInf || math.IsInf(b.GetUpperBound(), 1)
				add(name+"_bucket", metrics.KindHistogram, float64(b.GetCumulativeCount()), ts,
					withLabel(labels, "le", strconv.FormatFloat(b.GetUpperBound(), 'g', -1, 64)))
			}
			if !hasInf {
				add(name+"_bucket", metrics.KindHistogram, float64(h.GetSampleCount()), ts,
					withLabel(labels, "le", "+Inf"))
			}
		}
	}
	return out
}

func labelPairs(pairs []*dto.LabelPair) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		out[p.GetName()] = p.GetValue()
	}
	return out
}

func withLabel(labels map[string]string, k, v string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for lk, lv := range labels {
		out[lk] = lv
	}
	out[k] = v
	return out
}
