// Package email sends transactional account emails.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultPostmarkEndpoint = "https://api.postmarkapp.com/email"

// Sender sends transactional emails.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Message represents an email to send.
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
	Text    string
	// Tag groups messages in the provider's reporting.
	Tag string
}

// PostmarkSender sends emails via the Postmark HTTP API.
type PostmarkSender struct {
	serverToken string
	endpoint    string
	httpClient  *http.Client
}

// PostmarkOption customises a PostmarkSender.
type PostmarkOption func(*PostmarkSender)

// WithEndpoint overrides the API endpoint.
func WithEndpoint(endpoint string) PostmarkOption {
	return func(p *PostmarkSender) { p.endpoint = endpoint }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) PostmarkOption {
	return func(p *PostmarkSender) { p.httpClient = c }
}

// NewPostmarkSender creates a Postmark email sender.
func NewPostmarkSender(serverToken string, opts ...PostmarkOption) *PostmarkSender {
	p := &PostmarkSender{
		serverToken: serverToken,
		endpoint:    defaultPostmarkEndpoint,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type postmarkRequest struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody,omitempty"`
	TextBody string `json:"TextBody,omitempty"`
	Tag      string `json:"Tag,omitempty"`
}

type postmarkResponse struct {
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
	MessageID string `json:"MessageID"`
}

// Send sends an email via the Postmark API.
func (p *PostmarkSender) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return fmt.Errorf("email recipient is required")
	}
	body, err := json.Marshal(postmarkRequest{
		From:     msg.From,
		To:       msg.To,
		Subject:  msg.Subject,
		HtmlBody: msg.HTML,
		TextBody: msg.Text,
		Tag:      msg.Tag,
	})
	if err != nil {
		return fmt.Errorf("marshal postmark request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create postmark request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", p.serverToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("postmark request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var pmResp postmarkResponse
	_ = json.Unmarshal(respBody, &pmResp)

	if resp.StatusCode != http.StatusOK || pmResp.ErrorCode != 0 {
		return fmt.Errorf("postmark error (HTTP %d): code=%d message=%s", resp.StatusCode, pmResp.ErrorCode, pmResp.Message)
	}
	log.Debug().Str("message_id", pmResp.MessageID).Str("tag", msg.Tag).Msg("Email sent")
	return nil
}

// LogSender logs emails instead of sending them. Used when no email provider
// is configured.
type LogSender struct{}

// NewLogSender creates a sender that logs emails.
func NewLogSender() *LogSender {
	return &LogSender{}
}

// Send logs the email instead of sending it.
func (LogSender) Send(_ context.Context, msg Message) error {
	log.Info().
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Str("tag", msg.Tag).
		Msg("Email not sent (no provider configured)")
	return nil
}
