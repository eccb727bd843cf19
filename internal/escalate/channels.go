package escalate

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// Sink persists notifications; implemented by the storage layer.
type Sink interface {
	InsertEscalation(ctx context.Context, n Notification) error
}

// StoreChannel writes every notification to the local store so operators can
// query escalation history even when push channels are down.
type StoreChannel struct {
	sink Sink
}

func NewStoreChannel(sink Sink) *StoreChannel {
	return &StoreChannel{sink: sink}
}

func (c *StoreChannel) Name() string { return "store" }

func (c *StoreChannel) Deliver(ctx context.Context, n Notification) error {
	return c.sink.InsertEscalation(ctx, n)
}

// EmailChannel sends plain-text alerts via unauthenticated SMTP
// (Mailpit-compatible).
type EmailChannel struct {
	addr string
	from string
	to   string
}

func NewEmailChannel(host, port, from, to string) *EmailChannel {
	from = strings.TrimSpace(from)
	if from == "" {
		from = "alerts@paysync.local"
	}
	return &EmailChannel{
		addr: fmt.Sprintf("%s:%s", strings.TrimSpace(host), strings.TrimSpace(port)),
		from: from,
		to:   strings.TrimSpace(to),
	}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Deliver(_ context.Context, n Notification) error {
	subject := fmt.Sprintf("[paysync][%s] %s failed (%s)", n.Severity, n.Operation, n.ErrorType)
	detail, _ := json.MarshalIndent(n.Payload, "", "  ")
	body := fmt.Sprintf(
		"Operation: %s\nError type: %s\nSeverity: %s\nAt: %s\n\n%s\n",
		n.Operation, n.ErrorType, n.Severity, n.CreatedAt.Format(time.RFC3339), detail,
	)
	msg := buildMessage(c.from, c.to, subject, body)
	return smtp.SendMail(c.addr, nil, c.from, []string{c.to}, []byte(msg))
}

func buildMessage(from, to, subject, body string) string {
	// Minimal RFC 5322 message; enough for Mailpit and most SMTP relays.
	return fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
		from,
		to,
		subject,
		body,
	)
}

// WebhookChannel posts the notification as JSON to an operator-configured
// endpoint, signed with HMAC-SHA256 over "timestamp.body".
type WebhookChannel struct {
	url    string
	secret string
	client *http.Client
}

const (
	signatureHeader = "X-Paysync-Signature"
	timestampHeader = "X-Paysync-Timestamp"
)

func NewWebhookChannel(url, secret string) *WebhookChannel {
	return &WebhookChannel{
		url:    strings.TrimSpace(url),
		secret: strings.TrimSpace(secret),
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Deliver(ctx context.Context, n Notification) error {
	body, err := json.Marshal(map[string]any{
		"id":         n.ID,
		"severity":   n.Severity.String(),
		"operation":  n.Operation,
		"error_type": n.ErrorType,
		"payload":    n.Payload,
		"created_at": n.CreatedAt.Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		ts := strconv.FormatInt(n.CreatedAt.Unix(), 10)
		req.Header.Set(timestampHeader, ts)
		req.Header.Set(signatureHeader, sign(c.secret, ts, body))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
