package alerts

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/prometheus/common/model"

	"github.com/obsidianstack/alertpipe/internal/apperr"
	"github.com/obsidianstack/alertpipe/internal/metrics"
)

// DefaultTimeWindow is the query lookback of a rule that sets none.
const DefaultTimeWindow = 5 * time.Minute

// State is a rule's evaluation state.
type State string

const (
	StateOK       State = "ok"
	StatePending  State = "pending"
	StateAlerting State = "alerting"
	StateNoData   State = "no_data"
	StateError    State = "error"
)

// InstanceState is the lifecycle state of an alert instance.
type InstanceState string

const (
	InstancePending  InstanceState = "pending"
	InstanceAlerting InstanceState = "alerting"
	InstanceResolved InstanceState = "resolved"
)

// Severity ranks a rule.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

func (s Severity) valid() bool {
	switch s {
	case SeverityCritical, SeverityWarning, SeverityInfo:
		return true
	}
	return false
}

// Operator compares an observed value with a threshold.
type Operator string

const (
	OpGt  Operator = "gt"
	OpGte Operator = "gte"
	OpLt  Operator = "lt"
	OpLte Operator = "lte"
	OpEq  Operator = "eq"
	OpNe  Operator = "ne"
)

// Compare reports whether v op threshold holds. An unknown operator never holds.
func (op Operator) Compare(v, threshold float64) bool {
	switch op {
	case OpGt:
		return v > threshold
	case OpGte:
		return v >= threshold
	case OpLt:
		return v < threshold
	case OpLte:
		return v <= threshold
	case OpEq:
		return v == threshold
	case OpNe:
		return v != threshold
	}
	return false
}

func (op Operator) valid() bool {
	switch op {
	case OpGt, OpGte, OpLt, OpLte, OpEq, OpNe:
		return true
	}
	return false
}

// Condition decides whether a rule breaches.
type Condition struct {
	// Aggregation reduces each EvaluationWindow bucket; empty compares the
	// latest raw point.
	Aggregation metrics.Func `json:"aggregation,omitempty"`
	Operator    Operator     `json:"operator"`
	Threshold   float64      `json:"threshold"`
	// TimeWindow is the query lookback. Zero means DefaultTimeWindow.
	TimeWindow time.Duration `json:"time_window"`
	// EvaluationWindow is the aggregation bucket width. Zero means the
	// whole TimeWindow.
	EvaluationWindow time.Duration `json:"evaluation_window"`
}

func (c Condition) lookback() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return DefaultTimeWindow
}

// RuleQuery selects the series a rule watches.
type RuleQuery struct {
	Metric  string            `json:"metric"`
	Labels  map[string]string `json:"labels,omitempty"`
	Filters []metrics.Filter  `json:"filters,omitempty"`
}

// Rule is a standing query plus condition.
type Rule struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OrgID     string    `json:"org_id,omitempty"`
	ProjectID string    `json:"project_id,omitempty"`
	Query     RuleQuery `json:"query"`
	Condition Condition `json:"condition"`

	// Frequency is the minimum time between scheduled evaluations of this
	// rule. Zero evaluates on every engine tick.
	Frequency time.Duration `json:"frequency"`
	// For is how long a breach must last before the rule fires. Until then
	// the rule and its instance are pending.
	For time.Duration `json:"for"`

	Severity    Severity          `json:"severity"`
	Channels    []string          `json:"channels,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
	Enabled     bool              `json:"enabled"`

	State           State     `json:"state"`
	LastEvaluation  time.Time `json:"last_evaluation,omitempty"`
	LastStateChange time.Time `json:"last_state_change,omitempty"`
	LastValue       *float64  `json:"last_value,omitempty"`
	LastError       string    `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r *Rule) clone() *Rule {
	out := *r
	out.Query.Labels = copyMap(r.Query.Labels)
	out.Query.Filters = append([]metrics.Filter(nil), r.Query.Filters...)
	out.Channels = append([]string(nil), r.Channels...)
	out.Labels = copyMap(r.Labels)
	out.Annotations = copyMap(r.Annotations)
	if r.LastValue != nil {
		v := *r.LastValue
		out.LastValue = &v
	}
	return &out
}

// metricsQuery is the store query one evaluation of r runs.
func (r *Rule) metricsQuery() metrics.Query {
	q := metrics.Query{
		MetricName: r.Query.Metric,
		Labels:     r.Query.Labels,
		Filters:    r.Query.Filters,
		Since:      r.Condition.lookback(),
	}
	if r.Condition.Aggregation != "" {
		res := r.Condition.EvaluationWindow
		if res <= 0 {
			res = r.Condition.lookback()
		}
		q.Aggregation = &metrics.Aggregation{Function: r.Condition.Aggregation, Resolution: res}
	}
	return q
}

// validate lists every problem with r.
func (r *Rule) validate() error {
	v := apperr.NewValidator("alert rule")
	v.Check(strings.TrimSpace(r.Name) != "", "name is required")
	v.Check(r.Query.Metric != "", "query.metric is required")
	v.Check(r.Condition.Operator.valid(), "condition.operator %q is not one of gt|gte|lt|lte|eq|ne", r.Condition.Operator)
	v.Check(!math.IsNaN(r.Condition.Threshold) && !math.IsInf(r.Condition.Threshold, 0),
		"condition.threshold must be a finite number")
	v.Check(r.Severity.valid(), "severity %q is not one of critical|warning|info", r.Severity)
	v.Check(r.Condition.TimeWindow >= 0, "condition.time_window must not be negative")
	v.Check(r.Condition.EvaluationWindow >= 0, "condition.evaluation_window must not be negative")
	v.Check(r.Condition.EvaluationWindow <= r.Condition.lookback(),
		"condition.evaluation_window %s exceeds time_window %s", r.Condition.EvaluationWindow, r.Condition.lookback())
	v.Check(r.Frequency >= 0, "frequency must not be negative")
	v.Check(r.For >= 0, "for must not be negative")
	for i, ch := range r.Channels {
		v.Check(ch != "", "channels[%d] is empty", i)
	}
	for k := range r.Labels {
		v.Check(model.LabelName(k).IsValid(), "label name %q is invalid", k)
		v.Check(!strings.HasPrefix(k, model.ReservedLabelPrefix), "label name %q is reserved", k)
	}

	if r.Query.Metric != "" {
		var ve *apperr.ValidationError
		if err := r.metricsQuery().Validate(); err != nil {
			if errors.As(err, &ve) {
				for _, p := range ve.Problems {
					v.Addf("query: %s", p)
				}
			} else {
				v.Addf("query: %v", err)
			}
		}
	}
	return v.Err()
}

// Instance is one concrete occurrence of a rule firing for a label set.
type Instance struct {
	ID           string            `json:"id"`
	RuleID       string            `json:"rule_id"`
	RuleName     string            `json:"rule_name"`
	Severity     Severity          `json:"severity"`
	State        InstanceState     `json:"state"`
	Value        float64           `json:"value"`
	Threshold    float64           `json:"threshold"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     time.Time         `json:"starts_at"`
	EndsAt       *time.Time        `json:"ends_at,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Fingerprint  string            `json:"fingerprint"`
	GeneratorURL string            `json:"generator_url,omitempty"`
}

func (in *Instance) clone() Instance {
	out := *in
	out.Labels = copyMap(in.Labels)
	out.Annotations = copyMap(in.Annotations)
	if in.EndsAt != nil {
		t := *in.EndsAt
		out.EndsAt = &t
	}
	return out
}

// Annotation keys written by AcknowledgeAlert and SilenceAlert.
const (
	AnnotationAcknowledged   = "acknowledged"
	AnnotationAcknowledgedBy = "acknowledgedBy"
	AnnotationAcknowledgedAt = "acknowledgedAt"
	AnnotationSilenced       = "silenced"
	AnnotationSilencedBy     = "silencedBy"
	AnnotationSilencedUntil  = "silencedUntil"
	AnnotationSilenceReason  = "silenceReason"
)

// silenced reports whether the instance carries a silence that has not
// expired at now.
func (in *Instance) silenced(now time.Time) bool {
	if in.Annotations[AnnotationSilenced] != "true" {
		return false
	}
	until, err := time.Parse(time.RFC3339, in.Annotations[AnnotationSilencedUntil])
	if err != nil {
		return false
	}
	return now.Before(until)
}

// ruleIDLabel carries the rule id into the fingerprint. Rule labels may not
// use the reserved "__" prefix, so it cannot collide.
const ruleIDLabel = model.LabelName(model.ReservedLabelPrefix + "rule_id__")

// Fingerprint returns the deduplication key for an instance of rule ruleID
// with the given labels. Label order does not matter.
func Fingerprint(ruleID string, labels map[string]string) string {
	ls := make(model.LabelSet, len(labels)+1)
	for k, v := range labels {
		ls[model.LabelName(k)] = model.LabelValue(v)
	}
	ls[ruleIDLabel] = model.LabelValue(ruleID)
	return ls.Fingerprint().String()
}

// Route sends instances whose labels match every Match pair to Channels.
// The pseudo labels "severity" and "alertname" match the rule's severity
// and name unless the instance has labels of those names.
type Route struct {
	Match    map[string]string `json:"match"`
	Channels []string          `json:"channels"`
}

func (rt Route) matches(in *Instance) bool {
	for k, want := range rt.Match {
		got, ok := in.Labels[k]
		if !ok {
			switch k {
			case "severity":
				got = string(in.Severity)
			case "alertname":
				got = in.RuleName
			}
		}
		if got != want {
			return false
		}
	}
	return true
}

// TestResult is the outcome of a dry-run evaluation.
type TestResult struct {
	Triggered bool     `json:"triggered"`
	Value     *float64 `json:"value,omitempty"`
	State     State    `json:"state"`
	Points    int      `json:"points"`
	Message   string   `json:"message"`
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func describe(r *Rule, v float64) string {
	return fmt.Sprintf("%s %s %s", formatFloat(v), r.Condition.Operator, formatFloat(r.Condition.Threshold))
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%g", v)
}
