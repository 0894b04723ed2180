package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// SendMailFunc has the signature of smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// emailHandler sends a plain-text message over SMTP.
// Config: smtp_host, from and to (required), smtp_port (default 587),
// username, password.
type emailHandler struct {
	send SendMailFunc
}

func (h *emailHandler) Validate(cfg map[string]any) []string {
	out := required(cfg, "smtp_host", "from")
	if len(cfgStrings(cfg, "to")) == 0 {
		out = append(out, "config.to needs at least one recipient")
	}
	return out
}

func (h *emailHandler) Send(ctx context.Context, ch Channel, a Alert) error {
	host := cfgString(ch.Config, "smtp_host")
	addr := net.JoinHostPort(host, strconv.Itoa(cfgInt(ch.Config, "smtp_port", 587)))
	from := cfgString(ch.Config, "from")
	to := cfgStrings(ch.Config, "to")

	var auth smtp.Auth
	if user := cfgString(ch.Config, "username"); user != "" {
		auth = smtp.PlainAuth("", user, cfgString(ch.Config, "password"), host)
	}
	msg := emailMessage(from, to, a)

	// net/smtp has no context support; give up waiting when ctx ends.
	done := make(chan error, 1)
	go func() { done <- h.send(addr, auth, from, to, msg) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// emailSubject carries the severity glyph and the rule name.
func emailSubject(a Alert) string {
	state := strings.ToUpper(a.Severity)
	if a.Status == StatusResolved {
		state = "RESOLVED"
	}
	return fmt.Sprintf("%s [%s] %s", severityGlyph(a), state, a.RuleName)
}

func emailBody(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rule:      %s\n", a.RuleName)
	fmt.Fprintf(&b, "Severity:  %s\n", a.Severity)
	fmt.Fprintf(&b, "Status:    %s\n", a.Status)
	fmt.Fprintf(&b, "Value:     %s\n", formatValue(a.Value))
	fmt.Fprintf(&b, "Threshold: %s\n", formatValue(a.Threshold))
	fmt.Fprintf(&b, "Started:   %s\n", a.StartsAt.UTC().Format(time.RFC1123))
	if a.EndsAt != nil {
		fmt.Fprintf(&b, "Ended:     %s\n", a.EndsAt.UTC().Format(time.RFC1123))
	}
	if len(a.Labels) > 0 {
		b.WriteString("\nLabels:\n")
		for _, k := range sortedKeys(a.Labels) {
			fmt.Fprintf(&b, "  %s = %s\n", k, a.Labels[k])
		}
	}
	if len(a.Annotations) > 0 {
		b.WriteString("\nAnnotations:\n")
		for _, k := range sortedKeys(a.Annotations) {
			fmt.Fprintf(&b, "  %s = %s\n", k, a.Annotations[k])
		}
	}
	if a.GeneratorURL != "" {
		fmt.Fprintf(&b, "\nView alert: %s\n", a.GeneratorURL)
	}
	return b.String()
}

func emailMessage(from string, to []string, a Alert) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", emailSubject(a))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(emailBody(a), "\n", "\r\n"))
	return []byte(b.String())
}
