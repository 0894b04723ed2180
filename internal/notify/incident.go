package notify

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	pagerDutyEventsURL = "https://events.pagerduty.com/v2/enqueue"
	opsgenieAlertsURL  = "https://api.opsgenie.com/v2/alerts"
)

// pagerDutyHandler sends Events API v2 events. The alert id is the dedup
// key, so a resolve closes the incident its trigger opened.
// Config: routing_key (required), url, source.
type pagerDutyHandler struct{ p *poster }

func (h *pagerDutyHandler) Validate(cfg map[string]any) []string {
	return required(cfg, "routing_key")
}

type pagerDutyEvent struct {
	RoutingKey  string            `json:"routing_key"`
	EventAction string            `json:"event_action"`
	DedupKey    string            `json:"dedup_key"`
	Payload     *pagerDutyPayload `json:"payload,omitempty"`
	Links       []pagerDutyLink   `json:"links,omitempty"`
}

type pagerDutyPayload struct {
	Summary       string         `json:"summary"`
	Source        string         `json:"source"`
	Severity      string         `json:"severity"`
	Timestamp     string         `json:"timestamp"`
	CustomDetails map[string]any `json:"custom_details"`
}

type pagerDutyLink struct {
	Href string `json:"href"`
	Text string `json:"text"`
}

func (h *pagerDutyHandler) Send(ctx context.Context, ch Channel, a Alert) error {
	target := cfgString(ch.Config, "url")
	if target == "" {
		target = pagerDutyEventsURL
	}
	return h.p.postJSON(ctx, target, nil, pagerDutyPayloadFor(ch, a))
}

func pagerDutyPayloadFor(ch Channel, a Alert) pagerDutyEvent {
	ev := pagerDutyEvent{
		RoutingKey:  cfgString(ch.Config, "routing_key"),
		EventAction: "trigger",
		DedupKey:    a.ID,
	}
	if a.Status == StatusResolved {
		ev.EventAction = "resolve"
		return ev
	}

	source := cfgString(ch.Config, "source")
	if source == "" {
		source = "alertpipe"
	}
	ev.Payload = &pagerDutyPayload{
		Summary:   a.Summary(),
		Source:    source,
		Severity:  pagerDutySeverity(a.Severity),
		Timestamp: a.StartsAt.UTC().Format(time.RFC3339),
		CustomDetails: map[string]any{
			"rule":      a.RuleName,
			"value":     a.Value,
			"threshold": a.Threshold,
			"labels":    a.Labels,
		},
	}
	if a.GeneratorURL != "" {
		ev.Links = []pagerDutyLink{{Href: a.GeneratorURL, Text: "View alert"}}
	}
	return ev
}

func pagerDutySeverity(s string) string {
	switch s {
	case "critical", "warning", "info":
		return s
	}
	return "error"
}

// opsgenieHandler creates and closes alerts through the Opsgenie Alerts API,
// using the alert id as the alias.
// Config: api_key (required), url, responders (team names).
type opsgenieHandler struct{ p *poster }

func (h *opsgenieHandler) Validate(cfg map[string]any) []string {
	return required(cfg, "api_key")
}

type opsgenieAlert struct {
	Message     string              `json:"message"`
	Alias       string              `json:"alias"`
	Description string              `json:"description"`
	Priority    string              `json:"priority"`
	Source      string              `json:"source"`
	Tags        []string            `json:"tags,omitempty"`
	Details     map[string]string   `json:"details"`
	Responders  []map[string]string `json:"responders,omitempty"`
}

type opsgenieClose struct {
	Source string `json:"source"`
	Note   string `json:"note"`
}

func (h *opsgenieHandler) Send(ctx context.Context, ch Channel, a Alert) error {
	base := cfgString(ch.Config, "url")
	if base == "" {
		base = opsgenieAlertsURL
	}
	headers := map[string]string{"Authorization": "GenieKey " + cfgString(ch.Config, "api_key")}

	if a.Status == StatusResolved {
		target := fmt.Sprintf("%s/%s/close?identifierType=alias", strings.TrimRight(base, "/"), url.PathEscape(a.ID))
		return h.p.postJSON(ctx, target, headers, opsgenieClose{Source: "alertpipe", Note: "resolved"})
	}
	return h.p.postJSON(ctx, base, headers, opsgeniePayload(ch, a))
}

func opsgeniePayload(ch Channel, a Alert) opsgenieAlert {
	details := map[string]string{
		"rule":      a.RuleName,
		"value":     formatValue(a.Value),
		"threshold": formatValue(a.Threshold),
	}
	tags := make([]string, 0, len(a.Labels))
	for _, k := range sortedKeys(a.Labels) {
		details[k] = a.Labels[k]
		tags = append(tags, k+":"+a.Labels[k])
	}
	var responders []map[string]string
	for _, team := range cfgStrings(ch.Config, "responders") {
		responders = append(responders, map[string]string{"name": team, "type": "team"})
	}
	msg := a.Summary()
	if len(msg) > 130 {
		msg = msg[:130]
	}
	return opsgenieAlert{
		Message:     msg,
		Alias:       a.ID,
		Description: a.Annotations["description"],
		Priority:    opsgeniePriority(a.Severity),
		Source:      "alertpipe",
		Tags:        tags,
		Details:     details,
		Responders:  responders,
	}
}

func opsgeniePriority(s string) string {
	switch s {
	case "critical":
		return "P1"
	case "warning":
		return "P3"
	default:
		return "P5"
	}
}
