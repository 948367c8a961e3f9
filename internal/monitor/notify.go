package monitor

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	mail "github.com/go-mail/mail"
	"go.uber.org/zap"

	"mawney.org/sentinel/internal/fieldcrypt"
	"mawney.org/sentinel/internal/obs"
)

// Notifier delivers an alert to one external sink. Returning a
// backoff.Permanent error stops retries.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, a Alert) error
}

// LogNotifier writes alerts to the process log.
type LogNotifier struct {
	Logger *zap.Logger
}

func (LogNotifier) Name() string { return "log" }

func (n LogNotifier) Notify(_ context.Context, a Alert) error {
	l := n.Logger
	if l == nil {
		l = obs.Named("monitor")
	}
	fields := []zap.Field{
		zap.String("alert_id", a.ID),
		zap.String("rule", a.RuleID),
		zap.String("severity", string(a.Severity)),
		obs.Subject(a.SubjectID),
		obs.ClientIP(a.IP),
		zap.Int("events", len(a.EventIDs)),
	}
	switch a.Severity {
	case SeverityCritical, SeverityHigh:
		l.Warn("security alert: "+a.Message, fields...)
	default:
		l.Info("security alert: "+a.Message, fields...)
	}
	return nil
}

// WebhookNotifier POSTs the alert as JSON.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

func (WebhookNotifier) Name() string { return "webhook" }

func (n WebhookNotifier) Notify(ctx context.Context, a Alert) error {
	return postJSON(ctx, n.Client, n.URL, "webhook", a)
}

// postJSON posts v to url. Client errors other than 429 are permanent.
func postJSON(ctx context.Context, client *http.Client, url, sink string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return backoff.Permanent(fmt.Errorf("%s rejected alert: %s", sink, resp.Status))
	default:
		return fmt.Errorf("%s status %s", sink, resp.Status)
	}
}

// EmailNotifier sends alerts over SMTP.
type EmailNotifier struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	// SSL dials implicit TLS; otherwise STARTTLS is negotiated when offered.
	SSL bool
}

func (EmailNotifier) Name() string { return "email" }

func (n EmailNotifier) Notify(_ context.Context, a Alert) error {
	if len(n.To) == 0 {
		return nil
	}
	m := mail.NewMessage()
	m.SetHeader("From", n.From)
	m.SetHeader("To", n.To...)
	m.SetHeader("Subject", fmt.Sprintf("[%s] security alert: %s", strings.ToUpper(string(a.Severity)), a.RuleID))
	m.SetBody("text/plain", alertText(a))

	d := mail.NewDialer(n.Host, n.Port, n.Username, n.Password)
	d.TLSConfig = &tls.Config{ServerName: n.Host, MinVersion: tls.VersionTLS12}
	d.SSL = n.SSL
	d.Timeout = 10 * time.Second
	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func alertText(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SECURITY ALERT [%s]\n\n%s\n\n", strings.ToUpper(string(a.Severity)), a.Message)
	fmt.Fprintf(&b, "Rule:     %s\n", a.RuleID)
	fmt.Fprintf(&b, "Alert ID: %s\n", a.ID)
	fmt.Fprintf(&b, "Time:     %s\n", a.CreatedAt.UTC().Format(time.RFC3339))
	if a.SubjectID != "" {
		fmt.Fprintf(&b, "Subject:  %s\n", a.SubjectID)
	}
	if a.IP != "" {
		fmt.Fprintf(&b, "IP:       %s\n", a.IP)
	}
	for _, act := range a.Actions {
		fmt.Fprintf(&b, "Action:   %s %s until %s\n", act.Kind, act.Key, act.Until.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "Events:   %s\n", strings.Join(a.EventIDs, ", "))
	return b.String()
}

// DeviceRegistry lists push device tokens of the operators to page. Tokens
// are stored as device_tokens.device_token blobs.
type DeviceRegistry interface {
	OperatorDevices(ctx context.Context) ([]string, error)
}

// PushSender is the external push transport.
type PushSender interface {
	Send(ctx context.Context, deviceToken, title, body string) error
}

// PushNotifier pages operator devices for high and critical alerts.
type PushNotifier struct {
	Devices DeviceRegistry
	Sender  PushSender
	// Codec decrypts device token blobs. Nil means tokens are plaintext.
	Codec *fieldcrypt.Codec
}

func (PushNotifier) Name() string { return "push" }

func (n PushNotifier) Notify(ctx context.Context, a Alert) error {
	if a.Severity != SeverityCritical && a.Severity != SeverityHigh {
		return nil
	}
	devices, err := n.Devices.OperatorDevices(ctx)
	if err != nil {
		return err
	}
	title := fmt.Sprintf("Security alert: %s", a.RuleID)
	var failed error
	for _, dev := range devices {
		token := dev
		if n.Codec != nil && fieldcrypt.IsBlob(dev) {
			if token, err = n.Codec.Decrypt(fieldcrypt.DeviceToken, dev); err != nil {
				return backoff.Permanent(err)
			}
		}
		if err := n.Sender.Send(ctx, token, title, a.Message); err != nil {
			failed = err
		}
	}
	return failed
}

// StaticDevices is a DeviceRegistry over a fixed list of device token blobs.
type StaticDevices []string

func (d StaticDevices) OperatorDevices(context.Context) ([]string, error) { return d, nil }

// GatewaySender posts each page to a push gateway as
// {"device_token","title","body"}.
type GatewaySender struct {
	URL    string
	Client *http.Client
}

func (g GatewaySender) Send(ctx context.Context, deviceToken, title, body string) error {
	return postJSON(ctx, g.Client, g.URL, "push gateway", map[string]string{
		"device_token": deviceToken,
		"title":        title,
		"body":         body,
	})
}
