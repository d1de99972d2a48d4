// Package notify delivers alerts over email, SMS and chat channels through a
// bounded queue and a single drain worker.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/agroclima/quillota/internal/config"
	"github.com/agroclima/quillota/internal/models"
)

// Outcome of one delivery attempt.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeTransient Outcome = "transient"
	OutcomePermanent Outcome = "permanent"
)

const (
	smsMaxLen  = 160
	chatMaxLen = 1000

	sendTimeout = 5 * time.Second
)

// Message is the rendered payload for one recipient.
type Message struct {
	Recipient string
	Subject   string
	Body      string
}

// Channel delivers a rendered message. Implementations classify failures as
// transient (worth retrying) or permanent.
type Channel interface {
	Name() string
	Recipients() []string
	Render(a models.Alert) (subject, body string, err error)
	Send(ctx context.Context, msg Message) (Outcome, error)
}

func renderTemplate(name, text string, a models.Alert) (string, error) {
	if strings.TrimSpace(text) == "" {
		return fmt.Sprintf("[%s] %s: %s", strings.ToUpper(a.Severity.String()), a.Kind, a.Message), nil
	}
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return "", fmt.Errorf("notify: bad %s template: %w", name, err)
	}
	var buf bytes.Buffer
	err = tmpl.Execute(&buf, map[string]any{
		"Station":   a.StationID,
		"Kind":      string(a.Kind),
		"Severity":  a.Severity.String(),
		"Message":   a.Message,
		"Timestamp": a.Timestamp.Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("notify: render %s template: %w", name, err)
	}
	return buf.String(), nil
}

// truncate cuts s to max runes, appending an ellipsis when anything was lost.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}

// EmailChannel sends over SMTP.
type EmailChannel struct {
	cfg    config.EmailChannelConfig
	dialer *gomail.Dialer
}

func NewEmailChannel(cfg config.EmailChannelConfig) *EmailChannel {
	return &EmailChannel{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}
}

func (c *EmailChannel) Name() string         { return "email" }
func (c *EmailChannel) Recipients() []string { return c.cfg.Recipients }

func (c *EmailChannel) Render(a models.Alert) (string, string, error) {
	subject, err := renderTemplate("email-subject", c.cfg.Subject, a)
	if err != nil {
		return "", "", err
	}
	body, err := renderTemplate("email-body", c.cfg.Body, a)
	if err != nil {
		return "", "", err
	}
	return subject, body, nil
}

func (c *EmailChannel) Send(ctx context.Context, msg Message) (Outcome, error) {
	m := gomail.NewMessage()
	from := c.cfg.From
	if from == "" {
		from = c.cfg.Username
	}
	m.SetHeader("From", from)
	m.SetHeader("To", msg.Recipient)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)

	done := make(chan error, 1)
	go func() { done <- c.dialer.DialAndSend(m) }()
	select {
	case err := <-done:
		if err != nil {
			// SMTP failures here are overwhelmingly connectivity.
			return OutcomeTransient, err
		}
		return OutcomeOK, nil
	case <-ctx.Done():
		return OutcomeTransient, ctx.Err()
	}
}

// WebhookChannel posts plain text to an HTTP endpoint. It backs both the SMS
// gateway and the chat channel, differing only in name and length limit.
type WebhookChannel struct {
	name   string
	cfg    config.HTTPChannelConfig
	maxLen int
	client *http.Client
}

func NewSMSChannel(cfg config.HTTPChannelConfig, client *http.Client) *WebhookChannel {
	return &WebhookChannel{name: "sms", cfg: cfg, maxLen: smsMaxLen, client: client}
}

func NewChatChannel(cfg config.HTTPChannelConfig, client *http.Client) *WebhookChannel {
	return &WebhookChannel{name: "chat", cfg: cfg, maxLen: chatMaxLen, client: client}
}

func (c *WebhookChannel) Name() string         { return c.name }
func (c *WebhookChannel) Recipients() []string { return c.cfg.Recipients }

func (c *WebhookChannel) Render(a models.Alert) (string, string, error) {
	body, err := renderTemplate(c.name, c.cfg.Template, a)
	if err != nil {
		return "", "", err
	}
	return "", truncate(body, c.maxLen), nil
}

func (c *WebhookChannel) Send(ctx context.Context, msg Message) (Outcome, error) {
	payload := fmt.Sprintf(`{"to":%q,"text":%q}`, msg.Recipient, msg.Body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.WebhookURL, strings.NewReader(payload))
	if err != nil {
		return OutcomePermanent, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return OutcomeTransient, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return OutcomeOK, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return OutcomeTransient, fmt.Errorf("notify: %s webhook returned %d", c.name, resp.StatusCode)
	default:
		return OutcomePermanent, fmt.Errorf("notify: %s webhook returned %d", c.name, resp.StatusCode)
	}
}
