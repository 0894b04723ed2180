package collector

import (
	"context"
	"io"
	"sort"

	"github.com/obsidianstack/alertpipe/internal/metrics"
)

// Strategy produces one batch of metrics per call. The scheduler fills in
// Source, missing timestamps and the collector's static labels.
type Strategy interface {
	Collect(ctx context.Context) ([]metrics.Metric, error)
}

// Factory builds the Strategy for one collector. It is called on
// registration and whenever the collector is updated.
type Factory func(c Collector) (Strategy, error)

// typeSpec is one entry of the closed type registry.
type typeSpec struct {
	mode     Mode
	build    Factory
	validate func(c *Collector) []string
}

// builtinTypes returns the collector types available to every Service.
func builtinTypes() map[string]typeSpec {
	return map[string]typeSpec{
		"prometheus": {mode: ModePull, build: newPrometheusStrategy},
		"json":       {mode: ModePull, build: newJSONStrategy},
		"custom":     {mode: ModePull, build: newCustomStrategy, validate: validateCustom},
		"redis":      {mode: ModePull, build: newRedisStrategy},
		"tls":        {mode: ModePull, build: newTLSStrategy, validate: validateTLS},
		"system":     {mode: ModeLocal, build: newSystemStrategy},
		"push":       {mode: ModePush, build: newPushStrategy},
	}
}

func typeNames(types map[string]typeSpec) []string {
	out := make([]string, 0, len(types))
	for name := range types {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// closeStrategy releases resources held by s, if any.
func closeStrategy(s Strategy) {
	if c, ok := s.(io.Closer); ok {
		_ = c.Close()
	}
}

// declared returns a membership set for c.Metrics, or nil when c declares
// no metrics and everything should pass.
func declared(c Collector) map[string]bool {
	if len(c.Metrics) == 0 {
		return nil
	}
	out := make(map[string]bool, len(c.Metrics))
	for _, m := range c.Metrics {
		out[m] = true
	}
	return out
}

func configString(cfg map[string]any, key string) string {
	if s, ok := cfg[key].(string); ok {
		return s
	}
	return ""
}

func configInt(cfg map[string]any, key string) int {
	switch n := cfg[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func configStrings(cfg map[string]any, key string) []string {
	switch v := cfg[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
