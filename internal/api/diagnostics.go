package api

import (
	"fmt"
	"sort"

	"github.com/obsidianstack/alertpipe/internal/alerts"
	"github.com/obsidianstack/alertpipe/internal/collector"
)

// DiagnosticHint is one human-readable insight about a collector or rule.
type DiagnosticHint struct {
	// Key is a stable machine-readable identifier.
	Key string `json:"key"`
	// Subject is "collector" or "rule".
	Subject string `json:"subject"`
	// SubjectID is the collector or rule id; empty for the all-clear hint.
	SubjectID string `json:"subject_id,omitempty"`
	// Level is "ok" | "info" | "warning" | "critical"
	Level  string   `json:"level"`
	Title  string   `json:"title"`
	Detail string   `json:"detail"`
	Value  *float64 `json:"value,omitempty"`
}

var levelRank = map[string]int{"critical": 0, "warning": 1, "info": 2, "ok": 3}

// computeDiagnostics derives hints from collector and rule state, critical
// first.
func computeDiagnostics(cs []collector.Collector, rules []alerts.Rule) []DiagnosticHint {
	var hints []DiagnosticHint
	for _, c := range cs {
		hints = append(hints, collectorHints(c)...)
	}
	for _, r := range rules {
		hints = append(hints, ruleHints(r)...)
	}

	if len(hints) == 0 {
		hints = append(hints, DiagnosticHint{
			Key:     "healthy",
			Subject: "system",
			Level:   "ok",
			Title:   "All clear",
			Detail: fmt.Sprintf("%d collectors and %d rules report no problems. "+
				"Every enabled collector completed its last run and every rule evaluated cleanly.",
				len(cs), len(rules)),
		})
	}

	sort.SliceStable(hints, func(i, j int) bool {
		return levelRank[hints[i].Level] < levelRank[hints[j].Level]
	})
	return hints
}

func collectorHints(c collector.Collector) []DiagnosticHint {
	if !c.Enabled {
		return nil
	}
	hint := func(key, level, title, detail string, v *float64) DiagnosticHint {
		return DiagnosticHint{Key: key, Subject: "collector", SubjectID: c.ID, Level: level, Title: title, Detail: detail, Value: v}
	}

	var hints []DiagnosticHint
	switch {
	case c.Status == collector.StatusError:
		hints = append(hints, hint("collection_failed", "critical", "Can't reach source", fmt.Sprintf(
			"Collector %q failed its last run with: %q. "+
				"Check that %s is reachable and the credentials are correct. "+
				"Rules reading its metrics will report no data until it recovers.",
			c.Name, c.LastError, describeSource(c)), nil))
		hints = append(hints, typeHints(c)...)
		return hints

	case c.LastCollection.IsZero():
		return []DiagnosticHint{hint("warming_up", "info", "Warming up", fmt.Sprintf(
			"Collector %q has not completed a run yet. Its first run happens when collection "+
				"starts and then every %s. No action needed.", c.Name, c.Interval), nil)}
	}

	if c.UptimePct < 100 {
		v := c.UptimePct
		level := "info"
		switch {
		case v < 70:
			level = "critical"
		case v < 90:
			level = "warning"
		}
		hints = append(hints, hint("uptime", level, fmt.Sprintf("%.0f%% uptime", v), fmt.Sprintf(
			"Collector %q succeeded in %.0f%% of its recent runs. "+
				"A brief dip is often a restart of the source; a sustained dip points at instability "+
				"or an interval shorter than the source can serve.", c.Name, v), &v))
	}
	return hints
}

// typeHints adds type-specific guidance for a failing collector.
func typeHints(c collector.Collector) []DiagnosticHint {
	var detail string
	switch c.Type {
	case "prometheus":
		detail = "Fetch the endpoint with curl and confirm it serves the text exposition format. " +
			"A 401 or 403 usually means the bearer token or API key env var is unset."
	case "redis":
		detail = "Confirm the server answers PING and that the password env var matches requirepass. " +
			"INFO must be allowed for the configured user."
	case "tls":
		detail = "The handshake failed. Check the host and port and whether the certificate chain " +
			"is trusted; insecure_skip_verify only helps for self-signed certificates."
	case "json", "custom":
		detail = "The endpoint must return a JSON object. For custom collectors every declared " +
			"metric path has to resolve to a number or a boolean."
	default:
		return nil
	}
	return []DiagnosticHint{{
		Key:       c.Type + "_tip",
		Subject:   "collector",
		SubjectID: c.ID,
		Level:     "info",
		Title:     "Troubleshooting tip",
		Detail:    detail,
	}}
}

func ruleHints(r alerts.Rule) []DiagnosticHint {
	if !r.Enabled {
		return nil
	}
	hint := func(key, level, title, detail string) DiagnosticHint {
		h := DiagnosticHint{Key: key, Subject: "rule", SubjectID: r.ID, Level: level, Title: title, Detail: detail}
		if r.LastValue != nil {
			v := *r.LastValue
			h.Value = &v
		}
		return h
	}

	switch r.State {
	case alerts.StateError:
		return []DiagnosticHint{hint("evaluation_failed", "critical", "Evaluation failing", fmt.Sprintf(
			"Rule %q could not be evaluated: %s. It will not fire or resolve until the query succeeds.",
			r.Name, r.LastError))}
	case alerts.StateNoData:
		return []DiagnosticHint{hint("no_data", "warning", "No data", fmt.Sprintf(
			"Rule %q found no points for %s in its window. Check that a collector produces this "+
				"metric and that the label selectors match.", r.Name, r.Query.Metric))}
	case alerts.StateAlerting:
		level := "warning"
		if r.Severity == alerts.SeverityCritical {
			level = "critical"
		}
		return []DiagnosticHint{hint("firing", level, "Rule firing", fmt.Sprintf(
			"Rule %q is firing: %s %s %g.", r.Name, r.Query.Metric, r.Condition.Operator, r.Condition.Threshold))}
	case alerts.StatePending:
		return []DiagnosticHint{hint("pending", "info", "Rule pending", fmt.Sprintf(
			"Rule %q breaches its threshold and fires once the breach has lasted %s.", r.Name, r.For))}
	}
	return nil
}

func describeSource(c collector.Collector) string {
	if c.Source.Endpoint == "" {
		return "the source"
	}
	return c.Source.Endpoint
}
