package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obsidianstack/alertpipe/internal/apperr"
	"github.com/obsidianstack/alertpipe/internal/metrics"
	"github.com/obsidianstack/alertpipe/internal/notify"
)

// DefaultHistorySize is the number of resolved instances kept.
const DefaultHistorySize = 1000

// Querier runs metric queries. *metrics.Store satisfies it.
type Querier interface {
	Query(q metrics.Query) (*metrics.Result, error)
}

// Notifier delivers an alert to channels by id. *notify.Dispatcher
// satisfies it.
type Notifier interface {
	NotifyChannels(ctx context.Context, ids []string, a notify.Alert)
}

// EventType names what happened to an instance.
type EventType string

const (
	EventPending      EventType = "pending"
	EventFiring       EventType = "firing"
	EventResolved     EventType = "resolved"
	EventAcknowledged EventType = "acknowledged"
	EventSilenced     EventType = "silenced"
)

// Event is delivered to subscribers after every instance change.
type Event struct {
	Type     EventType `json:"type"`
	Instance Instance  `json:"instance"`
}

// Options configures an Engine.
type Options struct {
	// Notifier may be nil, in which case nothing is sent.
	Notifier    Notifier
	ExternalURL string
	HistorySize int
	Routes      []Route
}

// Engine owns alert rules and their instances.
//
// Rules are held as immutable values and replaced wholesale on every
// change, so an evaluation always works on a consistent rule.
// Engine is safe for concurrent use.
type Engine struct {
	store       Querier
	notifier    Notifier
	externalURL string
	historySize int
	now         func() time.Time

	mu      sync.RWMutex
	rules   map[string]*Rule
	routes  []Route
	active  map[string]*Instance // by fingerprint
	history []Instance           // oldest first
	subs    map[int]func(Event)
	nextSub int

	evalMu sync.Mutex // one evaluation pass at a time

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	sends sync.WaitGroup
}

// New returns an Engine reading from store.
func New(store Querier, opts Options) *Engine {
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	return &Engine{
		store:       store,
		notifier:    opts.Notifier,
		externalURL: opts.ExternalURL,
		historySize: opts.HistorySize,
		now:         time.Now,
		rules:       make(map[string]*Rule),
		routes:      append([]Route(nil), opts.Routes...),
		active:      make(map[string]*Instance),
		subs:        make(map[int]func(Event)),
	}
}

// SetRoutes replaces the routing table.
func (e *Engine) SetRoutes(routes []Route) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.routes = append([]Route(nil), routes...)
}

// CreateAlertRule validates r and adds it. An empty ID is filled with a
// random one. Runtime fields in r are ignored.
func (e *Engine) CreateAlertRule(r Rule) (Rule, error) {
	nr := r.clone()
	if nr.ID == "" {
		nr.ID = uuid.NewString()
	}
	if err := nr.validate(); err != nil {
		return Rule{}, err
	}

	now := e.now()
	nr.State = StateOK
	nr.LastEvaluation, nr.LastStateChange = time.Time{}, now
	nr.LastValue, nr.LastError = nil, ""
	nr.CreatedAt, nr.UpdatedAt = now, now

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[nr.ID]; exists {
		return Rule{}, &apperr.ValidationError{
			Entity:   "alert rule",
			Problems: []string{fmt.Sprintf("id %q already exists", nr.ID)},
		}
	}
	e.rules[nr.ID] = nr

	slog.Info("alerts: rule created", "rule", nr.ID, "name", nr.Name, "metric", nr.Query.Metric)
	return *nr.clone(), nil
}

// UpdateAlertRule replaces the definition of rule id with that of r,
// keeping its evaluation state. Nothing changes when validation fails.
// Disabling a rule resolves its instances.
func (e *Engine) UpdateAlertRule(ctx context.Context, id string, r Rule) (Rule, error) {
	e.mu.Lock()
	cur, ok := e.rules[id]
	if !ok {
		e.mu.Unlock()
		return Rule{}, &apperr.NotFoundError{Kind: "alert rule", ID: id}
	}

	next := r.clone()
	next.ID = id
	next.State = cur.State
	next.LastEvaluation, next.LastStateChange = cur.LastEvaluation, cur.LastStateChange
	next.LastValue, next.LastError = cur.LastValue, cur.LastError
	next.CreatedAt = cur.CreatedAt
	if err := next.validate(); err != nil {
		e.mu.Unlock()
		return Rule{}, err
	}

	now := e.now()
	next.UpdatedAt = now
	var events []Event
	if !next.Enabled && cur.Enabled {
		events = e.resolveRuleLocked(id, now)
		if next.State != StateOK {
			next.State, next.LastStateChange = StateOK, now
		}
	}
	e.rules[id] = next
	out := *next.clone()
	e.mu.Unlock()

	e.publish(ctx, next, events)
	slog.Info("alerts: rule updated", "rule", id, "name", next.Name, "enabled", next.Enabled)
	return out, nil
}

// DeleteAlertRule removes rule id and resolves its instances.
func (e *Engine) DeleteAlertRule(ctx context.Context, id string) error {
	e.mu.Lock()
	cur, ok := e.rules[id]
	if !ok {
		e.mu.Unlock()
		return &apperr.NotFoundError{Kind: "alert rule", ID: id}
	}
	delete(e.rules, id)
	events := e.resolveRuleLocked(id, e.now())
	e.mu.Unlock()

	e.publish(ctx, cur, events)
	slog.Info("alerts: rule deleted", "rule", id, "name", cur.Name)
	return nil
}

// GetAlertRule returns rule id.
func (e *Engine) GetAlertRule(id string) (Rule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[id]
	if !ok {
		return Rule{}, &apperr.NotFoundError{Kind: "alert rule", ID: id}
	}
	return *r.clone(), nil
}

// ListAlertRules returns every rule ordered by name, then id.
func (e *Engine) ListAlertRules() []Rule {
	e.mu.RLock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, *r.clone())
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Subscribe registers fn to receive every instance event. fn runs on the
// goroutine that caused the event and must not block. The returned func
// removes the subscription.
func (e *Engine) Subscribe(fn func(Event)) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// Wait blocks until notifications already handed to the Notifier return.
func (e *Engine) Wait() {
	e.sends.Wait()
}

// publish delivers events to subscribers and, for firing and resolved
// events of instances that are not silenced, to the notifier. The caller
// must not hold e.mu.
func (e *Engine) publish(ctx context.Context, r *Rule, events []Event) {
	if len(events) == 0 {
		return
	}

	e.mu.RLock()
	subs := make([]func(Event), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	routes := e.routes
	e.mu.RUnlock()

	now := e.now()
	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}

		if ev.Type != EventFiring && ev.Type != EventResolved {
			continue
		}
		in := ev.Instance
		if in.silenced(now) {
			slog.Debug("alerts: instance silenced, not notifying", "instance", in.ID, "rule", in.RuleID)
			continue
		}
		ids := append([]string(nil), r.Channels...)
		for _, rt := range routes {
			if rt.matches(&in) {
				ids = append(ids, rt.Channels...)
			}
		}
		if e.notifier == nil || len(ids) == 0 {
			continue
		}

		payload := toNotification(in, ev.Type)
		e.sends.Add(1)
		go func() {
			defer e.sends.Done()
			e.notifier.NotifyChannels(context.WithoutCancel(ctx), ids, payload)
		}()
	}
}

func toNotification(in Instance, typ EventType) notify.Alert {
	status := notify.StatusFiring
	if typ == EventResolved {
		status = notify.StatusResolved
	}
	return notify.Alert{
		ID:           in.ID,
		RuleID:       in.RuleID,
		RuleName:     in.RuleName,
		Severity:     string(in.Severity),
		Status:       status,
		Value:        in.Value,
		Threshold:    in.Threshold,
		Labels:       in.Labels,
		Annotations:  in.Annotations,
		StartsAt:     in.StartsAt,
		EndsAt:       in.EndsAt,
		GeneratorURL: in.GeneratorURL,
	}
}
