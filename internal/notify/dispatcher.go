package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/smtp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/obsidianstack/alertpipe/internal/apperr"
	"github.com/obsidianstack/alertpipe/internal/telemetry"
)

const (
	// DefaultTimeout bounds one channel send, retries included.
	DefaultTimeout = 10 * time.Second
	// DefaultRetries is how often a failed HTTP post is retried.
	DefaultRetries = 3
)

// Options configures a Dispatcher. Zero values select the defaults.
type Options struct {
	Timeout time.Duration
	// Retries < 0 disables retrying.
	Retries    int
	HTTPClient *http.Client
	SendMail   SendMailFunc
	OpenWriter WriterFunc
}

// Delivery is the outcome of one channel in a fan-out.
type Delivery struct {
	ChannelID string
	Err       error
}

// Dispatcher routes alerts to channel handlers by channel type.
//
// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	timeout time.Duration
	now     func() time.Time
	poster  *poster
	kafka   *kafkaHandler

	mu       sync.RWMutex
	handlers map[string]Handler
	channels map[string]Channel
}

// New returns a Dispatcher with every built-in channel type registered.
func New(opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	switch {
	case opts.Retries == 0:
		opts.Retries = DefaultRetries
	case opts.Retries < 0:
		opts.Retries = 0
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.SendMail == nil {
		opts.SendMail = smtp.SendMail
	}
	if opts.OpenWriter == nil {
		opts.OpenWriter = newKafkaWriter
	}

	d := &Dispatcher{
		timeout:  opts.Timeout,
		now:      time.Now,
		poster:   &poster{client: opts.HTTPClient, retries: opts.Retries, initial: backoffInitial},
		handlers: make(map[string]Handler),
		channels: make(map[string]Channel),
	}
	d.kafka = &kafkaHandler{open: opts.OpenWriter, now: d.clock, writers: make(map[string]MessageWriter)}

	d.handlers["email"] = &emailHandler{send: opts.SendMail}
	d.handlers["slack"] = &slackHandler{p: d.poster}
	d.handlers["teams"] = &teamsHandler{p: d.poster}
	d.handlers["webhook"] = &webhookHandler{p: d.poster, now: d.clock}
	d.handlers["pagerduty"] = &pagerDutyHandler{p: d.poster}
	d.handlers["opsgenie"] = &opsgenieHandler{p: d.poster}
	d.handlers["kafka"] = d.kafka
	return d
}

func (d *Dispatcher) clock() time.Time { return d.now() }

// Register adds or replaces the handler for a channel type.
func (d *Dispatcher) Register(typ string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[typ] = h
}

// Types lists the registered channel types.
func (d *Dispatcher) Types() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (d *Dispatcher) handler(typ string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[typ]
	return h, ok
}

// AddChannel validates ch and adds it to the catalog, replacing any channel
// with the same id. An empty ID is filled with a random one.
func (d *Dispatcher) AddChannel(ch Channel) (Channel, error) {
	v := apperr.NewValidator("channel")
	v.Check(strings.TrimSpace(ch.Name) != "", "name is required")
	h, ok := d.handler(ch.Type)
	if !ok {
		v.Addf("type %q is not one of %s", ch.Type, strings.Join(d.Types(), "|"))
	} else {
		for _, p := range h.Validate(ch.Config) {
			v.Addf("%s", p)
		}
	}
	if err := v.Err(); err != nil {
		return Channel{}, err
	}

	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	d.mu.Lock()
	_, replaced := d.channels[ch.ID]
	d.channels[ch.ID] = ch
	d.mu.Unlock()

	if replaced {
		_ = d.kafka.release(ch.ID)
	}
	slog.Info("notify: channel added", "channel", ch.ID, "name", ch.Name, "type", ch.Type, "enabled", ch.Enabled)
	return ch, nil
}

// Channel returns the channel with the given id.
func (d *Dispatcher) Channel(id string) (Channel, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ch, ok := d.channels[id]
	if !ok {
		return Channel{}, &apperr.NotFoundError{Kind: "channel", ID: id}
	}
	return ch, nil
}

// Channels lists the catalog ordered by name, then id.
func (d *Dispatcher) Channels() []Channel {
	d.mu.RLock()
	out := make([]Channel, 0, len(d.channels))
	for _, ch := range d.channels {
		out = append(out, ch)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RemoveChannel deletes channel id from the catalog.
func (d *Dispatcher) RemoveChannel(id string) error {
	d.mu.Lock()
	_, ok := d.channels[id]
	delete(d.channels, id)
	d.mu.Unlock()
	if !ok {
		return &apperr.NotFoundError{Kind: "channel", ID: id}
	}
	return d.kafka.release(id)
}

// SendNotification delivers a to ch. A disabled channel is skipped without
// error. An unknown channel type yields *apperr.UnsupportedTypeError; a
// failed send yields *apperr.NotificationError.
func (d *Dispatcher) SendNotification(ctx context.Context, ch Channel, a Alert) error {
	if !ch.Enabled {
		slog.Debug("notify: channel disabled, skipping", "channel", ch.ID)
		return nil
	}
	h, ok := d.handler(ch.Type)
	if !ok {
		return &apperr.UnsupportedTypeError{Kind: "channel", Type: ch.Type}
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := h.Send(sendCtx, ch, a); err != nil {
		telemetry.Notifications.WithLabelValues(ch.Type, "failure").Inc()
		return &apperr.NotificationError{ChannelID: ch.ID, ChannelType: ch.Type, Err: err}
	}
	telemetry.Notifications.WithLabelValues(ch.Type, "success").Inc()
	slog.Debug("notify: delivered", "channel", ch.ID, "type", ch.Type, "alert", a.ID, "status", a.Status)
	return nil
}

// SendToMultipleChannels delivers a to every channel concurrently and waits
// for all of them. A failing channel does not stop the others; failures are
// logged and reported per channel in the result, in input order.
func (d *Dispatcher) SendToMultipleChannels(ctx context.Context, channels []Channel, a Alert) []Delivery {
	out := make([]Delivery, len(channels))
	var g errgroup.Group
	for i, ch := range channels {
		out[i].ChannelID = ch.ID
		g.Go(func() error {
			out[i].Err = d.SendNotification(ctx, ch, a)
			return nil
		})
	}
	_ = g.Wait()

	var failed []error
	for _, r := range out {
		if r.Err != nil {
			failed = append(failed, r.Err)
		}
	}
	if len(failed) > 0 {
		slog.Error("notify: delivery failed on some channels",
			"alert", a.ID, "rule", a.RuleName, "failed", len(failed), "total", len(channels),
			"err", errors.Join(failed...))
	}
	return out
}

// NotifyChannels resolves ids against the catalog and fans a out to them.
// Unknown ids are logged and skipped; duplicates are sent once.
func (d *Dispatcher) NotifyChannels(ctx context.Context, ids []string, a Alert) {
	seen := make(map[string]bool, len(ids))
	var targets []Channel
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		ch, err := d.Channel(id)
		if err != nil {
			slog.Warn("notify: unknown channel referenced", "channel", id, "alert", a.ID)
			continue
		}
		targets = append(targets, ch)
	}
	if len(targets) == 0 {
		return
	}
	d.SendToMultipleChannels(ctx, targets, a)
}

// TestChannel sends a synthetic alert to ch, enabled or not, and reports
// whether it was delivered. Errors are logged, not returned.
func (d *Dispatcher) TestChannel(ctx context.Context, ch Channel) bool {
	ch.Enabled = true
	now := d.now()
	a := Alert{
		ID:          "test-" + uuid.NewString(),
		RuleID:      "test",
		RuleName:    "Test notification",
		Severity:    "info",
		Status:      StatusFiring,
		Value:       1,
		Threshold:   0,
		Labels:      map[string]string{"channel": ch.Name},
		Annotations: map[string]string{"description": fmt.Sprintf("Test notification for channel %q", ch.Name)},
		StartsAt:    now,
	}
	if err := d.SendNotification(ctx, ch, a); err != nil {
		slog.Warn("notify: channel test failed", "channel", ch.ID, "type", ch.Type, "err", err)
		return false
	}
	slog.Info("notify: channel test succeeded", "channel", ch.ID, "type", ch.Type)
	return true
}

// Close releases open kafka writers.
func (d *Dispatcher) Close() error {
	return d.kafka.close()
}
