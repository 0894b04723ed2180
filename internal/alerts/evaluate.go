package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/obsidianstack/alertpipe/internal/apperr"
	"github.com/obsidianstack/alertpipe/internal/telemetry"
)

// frequencySlack absorbs ticker drift when deciding whether a rule is due.
const frequencySlack = time.Second

// outcome is the result of checking one rule against the store.
type outcome struct {
	state  State // ok, alerting, no_data or error
	value  *float64
	labels map[string]string
	points int
	err    error
}

// check queries the store for r and applies its condition. It never
// mutates engine state.
func (e *Engine) check(r *Rule) outcome {
	res, err := e.store.Query(r.metricsQuery())
	if err != nil {
		return outcome{state: StateError, err: &apperr.EvaluationError{RuleID: r.ID, Err: fmt.Errorf("query: %w", err)}}
	}
	if len(res.Data) == 0 {
		return outcome{state: StateNoData}
	}

	last := res.Data[len(res.Data)-1]
	v := last.Value
	o := outcome{value: &v, points: len(res.Data)}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		o.state = StateError
		o.err = &apperr.EvaluationError{RuleID: r.ID, Err: errors.New("observed value is not a finite number")}
		return o
	}

	o.state = StateOK
	if r.Condition.Operator.Compare(v, r.Condition.Threshold) {
		o.state = StateAlerting
	}
	o.labels = copyMap(last.Labels)
	if o.labels == nil {
		o.labels = make(map[string]string, len(r.Labels))
	}
	for k, val := range r.Labels {
		o.labels[k] = val
	}
	return o
}

// EvaluateAlertRules evaluates every enabled rule once. A rule that fails
// moves to the error state; the others are still evaluated.
func (e *Engine) EvaluateAlertRules(ctx context.Context) int {
	return e.evaluateAll(ctx, false)
}

// evaluateAll returns the number of rules evaluated. With dueOnly, rules
// whose Frequency has not elapsed since their last evaluation are skipped.
func (e *Engine) evaluateAll(ctx context.Context, dueOnly bool) int {
	e.evalMu.Lock()
	defer e.evalMu.Unlock()

	now := e.now()
	e.mu.RLock()
	rules := make([]*Rule, 0, len(e.rules))
	for _, r := range e.rules {
		if !r.Enabled {
			continue
		}
		if dueOnly && r.Frequency > 0 && !r.LastEvaluation.IsZero() &&
			now.Sub(r.LastEvaluation)+frequencySlack < r.Frequency {
			continue
		}
		rules = append(rules, r)
	}
	e.mu.RUnlock()
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

	n := 0
	for _, r := range rules {
		if ctx.Err() != nil {
			break
		}
		e.evaluate(ctx, r)
		n++
	}

	e.mu.RLock()
	telemetry.ActiveAlerts.Set(float64(len(e.active)))
	e.mu.RUnlock()
	return n
}

// EvaluateRule evaluates enabled rule id once and returns its updated
// state. Disabled rules are rejected; TestAlertRule can check them.
func (e *Engine) EvaluateRule(ctx context.Context, id string) (Rule, error) {
	e.mu.RLock()
	r, ok := e.rules[id]
	e.mu.RUnlock()
	if !ok {
		return Rule{}, &apperr.NotFoundError{Kind: "alert rule", ID: id}
	}
	if !r.Enabled {
		return Rule{}, &apperr.ValidationError{Entity: "alert rule", Problems: []string{fmt.Sprintf("rule %q is disabled", id)}}
	}

	e.evalMu.Lock()
	e.evaluate(ctx, r)
	e.evalMu.Unlock()
	return e.GetAlertRule(id)
}

// evaluate checks r and applies the outcome to the rule and its instances.
// The outcome is dropped if r was deleted, disabled or replaced while its
// query ran.
func (e *Engine) evaluate(ctx context.Context, r *Rule) {
	o := e.check(r)
	now := e.now()

	e.mu.Lock()
	cur, ok := e.rules[r.ID]
	if !ok || cur != r || !cur.Enabled {
		e.mu.Unlock()
		slog.Debug("alerts: rule changed during evaluation, result dropped", "rule", r.ID)
		return
	}
	next := cur.clone()
	next.LastEvaluation = now
	next.LastValue = o.value

	var (
		events   []Event
		newState = o.state
	)
	switch o.state {
	case StateError:
		next.LastError = o.err.Error()
	case StateNoData:
		next.LastError = ""
	case StateOK:
		next.LastError = ""
		events = e.resolveRuleLocked(r.ID, now)
	case StateAlerting:
		next.LastError = ""
		events = e.breachLocked(next, *o.value, o.labels, now)
		if !e.firingLocked(r.ID) {
			newState = StatePending
		}
	}

	prev := next.State
	if newState != prev {
		next.State = newState
		next.LastStateChange = now
	}
	e.rules[r.ID] = next
	e.mu.Unlock()

	telemetry.Evaluations.WithLabelValues(string(newState)).Inc()
	if newState != prev {
		attrs := []any{"rule", next.ID, "name", next.Name, "from", prev, "to", newState}
		if o.value != nil {
			attrs = append(attrs, "value", *o.value)
		}
		switch newState {
		case StateError:
			slog.Error("alerts: rule evaluation failed", append(attrs, "err", o.err)...)
		case StateAlerting:
			slog.Warn("alerts: rule firing", append(attrs, "severity", next.Severity)...)
		default:
			slog.Info("alerts: rule state changed", attrs...)
		}
	}
	e.publish(ctx, next, events)
}

// breachLocked records a breach of r with the given value and labels. The
// instance with the matching fingerprint is updated in place or created.
// Other active instances of r stay active until the rule returns to ok.
// The caller must hold e.mu.
func (e *Engine) breachLocked(r *Rule, value float64, labels map[string]string, now time.Time) []Event {
	var events []Event
	fp := Fingerprint(r.ID, labels)
	in, ok := e.active[fp]
	if !ok {
		in = &Instance{
			ID:           uuid.NewString(),
			RuleID:       r.ID,
			RuleName:     r.Name,
			Severity:     r.Severity,
			State:        InstancePending,
			Threshold:    r.Condition.Threshold,
			Labels:       labels,
			Annotations:  copyMap(r.Annotations),
			StartsAt:     now,
			Fingerprint:  fp,
			GeneratorURL: e.generatorURL(r.ID),
		}
		if in.Annotations == nil {
			in.Annotations = make(map[string]string)
		}
		e.active[fp] = in
	}
	in.Value = value
	in.Threshold = r.Condition.Threshold
	in.UpdatedAt = now

	if in.State == InstancePending {
		if now.Sub(in.StartsAt) >= r.For {
			in.State = InstanceAlerting
			events = append(events, Event{Type: EventFiring, Instance: in.clone()})
		} else if !ok {
			events = append(events, Event{Type: EventPending, Instance: in.clone()})
		}
	}
	return events
}

// firingLocked reports whether rule ruleID has an alerting instance. The
// caller must hold e.mu.
func (e *Engine) firingLocked(ruleID string) bool {
	for _, in := range e.active {
		if in.RuleID == ruleID && in.State == InstanceAlerting {
			return true
		}
	}
	return false
}

// resolveRuleLocked resolves the active instances of rule ruleID and moves
// them to history. Only instances that had fired produce a resolved event.
// The caller must hold e.mu.
func (e *Engine) resolveRuleLocked(ruleID string, now time.Time) []Event {
	var events []Event
	for fp, in := range e.active {
		if in.RuleID != ruleID {
			continue
		}
		fired := in.State == InstanceAlerting
		end := now
		in.State = InstanceResolved
		in.EndsAt = &end
		in.UpdatedAt = now
		delete(e.active, fp)

		e.history = append(e.history, in.clone())
		if len(e.history) > e.historySize {
			e.history = e.history[len(e.history)-e.historySize:]
		}
		if fired {
			events = append(events, Event{Type: EventResolved, Instance: in.clone()})
			slog.Info("alerts: alert resolved", "rule", ruleID, "instance", in.ID)
		}
	}
	return events
}

func (e *Engine) generatorURL(ruleID string) string {
	if e.externalURL == "" {
		return ""
	}
	return strings.TrimRight(e.externalURL, "/") + "/alerts/rules/" + url.PathEscape(ruleID)
}

// TestAlertRule runs r's query and condition once without touching any
// engine state. Only validation problems are returned as errors; query
// failures are reported in the result.
func (e *Engine) TestAlertRule(r Rule) (TestResult, error) {
	if r.ID == "" {
		r.ID = "test"
	}
	if err := r.validate(); err != nil {
		return TestResult{}, err
	}

	o := e.check(&r)
	res := TestResult{Value: o.value, State: o.state, Points: o.points}
	switch o.state {
	case StateError:
		res.Message = fmt.Sprintf("evaluation failed: %v", o.err)
	case StateNoData:
		res.Message = fmt.Sprintf("no data points for %s in the last %s", r.Query.Metric, r.Condition.lookback())
	case StateAlerting:
		res.Triggered = true
		res.Message = "condition met: " + describe(&r, *o.value)
	default:
		res.Message = "condition not met: " + describe(&r, *o.value)
	}
	return res, nil
}
