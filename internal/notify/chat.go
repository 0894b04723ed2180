package notify

import (
	"context"
	"fmt"
	"time"
)

// slackHandler posts to a Slack incoming webhook.
// Config: url (required), channel, username.
type slackHandler struct{ p *poster }

func (h *slackHandler) Validate(cfg map[string]any) []string { return required(cfg, "url") }

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color     string       `json:"color"`
	Title     string       `json:"title"`
	TitleLink string       `json:"title_link,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []slackField `json:"fields"`
	Footer    string       `json:"footer"`
	Ts        int64        `json:"ts"`
}

type slackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

func (h *slackHandler) Send(ctx context.Context, ch Channel, a Alert) error {
	return h.p.postJSON(ctx, cfgString(ch.Config, "url"), nil, slackPayload(ch, a))
}

func slackPayload(ch Channel, a Alert) slackMessage {
	fields := make([]slackField, 0, len(a.Labels)+3)
	for _, k := range sortedKeys(a.Labels) {
		fields = append(fields, slackField{Title: k, Value: a.Labels[k], Short: true})
	}
	fields = append(fields,
		slackField{Title: "Value", Value: formatValue(a.Value), Short: true},
		slackField{Title: "Threshold", Value: formatValue(a.Threshold), Short: true},
		slackField{Title: "Started", Value: a.StartsAt.UTC().Format(time.RFC3339), Short: true},
	)
	return slackMessage{
		Channel:  cfgString(ch.Config, "channel"),
		Username: cfgString(ch.Config, "username"),
		Text:     a.Summary(),
		Attachments: []slackAttachment{{
			Color:     chatColor(a),
			Title:     fmt.Sprintf("%s %s", severityGlyph(a), a.RuleName),
			TitleLink: a.GeneratorURL,
			Text:      a.Annotations["description"],
			Fields:    fields,
			Footer:    "alertpipe",
			Ts:        a.StartsAt.Unix(),
		}},
	}
}

// teamsHandler posts a MessageCard to a Microsoft Teams webhook.
// Config: url (required).
type teamsHandler struct{ p *poster }

func (h *teamsHandler) Validate(cfg map[string]any) []string { return required(cfg, "url") }

func (h *teamsHandler) Send(ctx context.Context, ch Channel, a Alert) error {
	return h.p.postJSON(ctx, cfgString(ch.Config, "url"), nil, teamsPayload(a))
}

func teamsPayload(a Alert) map[string]any {
	facts := make([]map[string]string, 0, len(a.Labels)+3)
	facts = append(facts,
		map[string]string{"name": "Value", "value": formatValue(a.Value)},
		map[string]string{"name": "Threshold", "value": formatValue(a.Threshold)},
		map[string]string{"name": "Started", "value": a.StartsAt.UTC().Format(time.RFC3339)},
	)
	for _, k := range sortedKeys(a.Labels) {
		facts = append(facts, map[string]string{"name": k, "value": a.Labels[k]})
	}
	card := map[string]any{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": teamsColor(a),
		"summary":    a.RuleName,
		"title":      fmt.Sprintf("%s Alert: %s", severityGlyph(a), a.RuleName),
		"text":       a.Summary(),
		"sections":   []map[string]any{{"facts": facts}},
	}
	if a.GeneratorURL != "" {
		card["potentialAction"] = []map[string]any{{
			"@type":   "OpenUri",
			"name":    "View alert",
			"targets": []map[string]string{{"os": "default", "uri": a.GeneratorURL}},
		}}
	}
	return card
}

func severityGlyph(a Alert) string {
	if a.Status == StatusResolved {
		return "✅"
	}
	switch a.Severity {
	case "critical":
		return "🔴"
	case "warning":
		return "🟡"
	default:
		return "🟢"
	}
}

// chatColor maps severity to red, yellow or green.
func chatColor(a Alert) string {
	if a.Status == StatusResolved {
		return "good"
	}
	switch a.Severity {
	case "critical":
		return "danger"
	case "warning":
		return "warning"
	default:
		return "good"
	}
}

func teamsColor(a Alert) string {
	if a.Status == StatusResolved {
		return "2EB67D"
	}
	switch a.Severity {
	case "critical":
		return "FF4F6A"
	case "warning":
		return "FFAB40"
	default:
		return "2EB67D"
	}
}
