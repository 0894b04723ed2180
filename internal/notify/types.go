package notify

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Status is whether an alert is firing or has resolved.
type Status string

const (
	StatusFiring   Status = "firing"
	StatusResolved Status = "resolved"
)

// Alert is the payload handed to every channel.
type Alert struct {
	ID           string            `json:"id"`
	RuleID       string            `json:"rule_id"`
	RuleName     string            `json:"rule"`
	Severity     string            `json:"severity"`
	Status       Status            `json:"status"`
	Value        float64           `json:"value"`
	Threshold    float64           `json:"threshold"`
	Labels       map[string]string `json:"labels,omitempty"`
	Annotations  map[string]string `json:"annotations,omitempty"`
	StartsAt     time.Time         `json:"startsAt"`
	EndsAt       *time.Time        `json:"endsAt,omitempty"`
	GeneratorURL string            `json:"generatorURL,omitempty"`
}

// Summary is a one-line description used by every text format.
func (a Alert) Summary() string {
	if a.Status == StatusResolved {
		return fmt.Sprintf("[RESOLVED] %s", a.RuleName)
	}
	return fmt.Sprintf("[%s] %s: value %s, threshold %s",
		strings.ToUpper(a.Severity), a.RuleName, formatValue(a.Value), formatValue(a.Threshold))
}

// Channel is a configured notification destination.
type Channel struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Type    string         `json:"type"`
	Config  map[string]any `json:"-"`
	Enabled bool           `json:"enabled"`
}

// Handler formats and sends alerts for one channel type.
type Handler interface {
	// Validate lists the problems with a channel's configuration.
	Validate(cfg map[string]any) []string
	Send(ctx context.Context, ch Channel, a Alert) error
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cfgString(cfg map[string]any, key string) string {
	switch v := cfg[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func cfgInt(cfg map[string]any, key string, def int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// cfgStrings accepts a list or a comma separated string.
func cfgStrings(cfg map[string]any, key string) []string {
	var out []string
	switch v := cfg[key].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
	case string:
		out = strings.Split(v, ",")
	}
	kept := out[:0]
	for _, s := range out {
		if s = strings.TrimSpace(s); s != "" {
			kept = append(kept, s)
		}
	}
	return kept
}

func cfgStringMap(cfg map[string]any, key string) map[string]string {
	out := make(map[string]string)
	switch v := cfg[key].(type) {
	case map[string]string:
		for k, s := range v {
			out[k] = s
		}
	case map[string]any:
		for k, s := range v {
			out[k] = fmt.Sprint(s)
		}
	}
	return out
}

func required(cfg map[string]any, keys ...string) []string {
	var out []string
	for _, k := range keys {
		if cfgString(cfg, k) == "" {
			out = append(out, fmt.Sprintf("config.%s is required", k))
		}
	}
	return out
}
