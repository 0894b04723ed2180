package notify

import (
	"context"
	"time"
)

// EnvelopeVersion is the version field of the generic envelope.
const EnvelopeVersion = "1"

// Envelope is the generic JSON document sent by the webhook and kafka
// channels.
type Envelope struct {
	Alert     EnvelopeAlert `json:"alert"`
	Timestamp time.Time     `json:"timestamp"`
	Version   string        `json:"version"`
}

// EnvelopeAlert is the alert part of an Envelope.
type EnvelopeAlert struct {
	ID           string            `json:"id"`
	Rule         string            `json:"rule"`
	Severity     string            `json:"severity"`
	Status       Status            `json:"status"`
	Value        float64           `json:"value"`
	Threshold    float64           `json:"threshold"`
	StartsAt     time.Time         `json:"startsAt"`
	EndsAt       *time.Time        `json:"endsAt,omitempty"`
	GeneratorURL string            `json:"generatorURL"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
}

// NewEnvelope wraps a for delivery at now.
func NewEnvelope(a Alert, now time.Time) Envelope {
	labels, annotations := a.Labels, a.Annotations
	if labels == nil {
		labels = map[string]string{}
	}
	if annotations == nil {
		annotations = map[string]string{}
	}
	return Envelope{
		Alert: EnvelopeAlert{
			ID:           a.ID,
			Rule:         a.RuleName,
			Severity:     a.Severity,
			Status:       a.Status,
			Value:        a.Value,
			Threshold:    a.Threshold,
			StartsAt:     a.StartsAt,
			EndsAt:       a.EndsAt,
			GeneratorURL: a.GeneratorURL,
			Labels:       labels,
			Annotations:  annotations,
		},
		Timestamp: now.UTC(),
		Version:   EnvelopeVersion,
	}
}

// webhookHandler posts the generic envelope.
// Config: url (required), headers (map of extra request headers).
type webhookHandler struct {
	p   *poster
	now func() time.Time
}

func (h *webhookHandler) Validate(cfg map[string]any) []string { return required(cfg, "url") }

func (h *webhookHandler) Send(ctx context.Context, ch Channel, a Alert) error {
	return h.p.postJSON(ctx, cfgString(ch.Config, "url"), cfgStringMap(ch.Config, "headers"), NewEnvelope(a, h.now()))
}
