package alerts

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/obsidianstack/alertpipe/internal/apperr"
)

// ActiveAlerts returns every pending or alerting instance, newest first.
func (e *Engine) ActiveAlerts() []Instance {
	e.mu.RLock()
	out := make([]Instance, 0, len(e.active))
	for _, in := range e.active {
		out = append(out, in.clone())
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartsAt.Equal(out[j].StartsAt) {
			return out[i].StartsAt.After(out[j].StartsAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// AlertHistory returns up to limit resolved instances, most recently
// resolved first. limit <= 0 returns all of them.
func (e *Engine) AlertHistory(limit int) []Instance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := len(e.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Instance, 0, n)
	for i := len(e.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, e.history[i].clone())
	}
	return out
}

// GetAlert returns instance id, active or resolved.
func (e *Engine) GetAlert(id string) (Instance, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if in := e.findActiveLocked(id); in != nil {
		return in.clone(), nil
	}
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].ID == id {
			return e.history[i].clone(), nil
		}
	}
	return Instance{}, &apperr.NotFoundError{Kind: "alert", ID: id}
}

func (e *Engine) findActiveLocked(id string) *Instance {
	for _, in := range e.active {
		if in.ID == id {
			return in
		}
	}
	return nil
}

// AcknowledgeAlert marks active instance id as acknowledged by user. Only
// annotations change; the instance keeps its state.
func (e *Engine) AcknowledgeAlert(ctx context.Context, id, user string) (Instance, error) {
	if strings.TrimSpace(user) == "" {
		return Instance{}, &apperr.ValidationError{Entity: "acknowledgement", Problems: []string{"user is required"}}
	}
	return e.annotate(ctx, id, EventAcknowledged, map[string]string{
		AnnotationAcknowledged:   "true",
		AnnotationAcknowledgedBy: user,
		AnnotationAcknowledgedAt: e.now().UTC().Format(time.RFC3339),
	})
}

// SilenceAlert suppresses notifications for active instance id until d
// from now. Only annotations change; the instance keeps its state.
func (e *Engine) SilenceAlert(ctx context.Context, id, user string, d time.Duration, reason string) (Instance, error) {
	v := apperr.NewValidator("silence")
	v.Check(strings.TrimSpace(user) != "", "user is required")
	v.Check(d > 0, "duration must be positive, got %s", d)
	if err := v.Err(); err != nil {
		return Instance{}, err
	}
	ann := map[string]string{
		AnnotationSilenced:      "true",
		AnnotationSilencedBy:    user,
		AnnotationSilencedUntil: e.now().Add(d).UTC().Format(time.RFC3339),
	}
	if reason != "" {
		ann[AnnotationSilenceReason] = reason
	}
	return e.annotate(ctx, id, EventSilenced, ann)
}

func (e *Engine) annotate(ctx context.Context, id string, typ EventType, ann map[string]string) (Instance, error) {
	e.mu.Lock()
	in := e.findActiveLocked(id)
	if in == nil {
		e.mu.Unlock()
		return Instance{}, &apperr.NotFoundError{Kind: "active alert", ID: id}
	}
	for k, v := range ann {
		in.Annotations[k] = v
	}
	in.UpdatedAt = e.now()
	out := in.clone()
	r := e.rules[in.RuleID]
	e.mu.Unlock()

	if r != nil {
		e.publish(ctx, r, []Event{{Type: typ, Instance: out}})
	}
	return out, nil
}
