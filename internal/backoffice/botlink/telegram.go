package botlink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultTelegramBaseURL = "https://api.telegram.org"

	// Telegram allows roughly 30 messages per second per bot.
	sendRatePerSecond = 25
	sendBurst         = 5
	maxMessageLength  = 4096
)

// Messenger sends a text message to a bot chat.
type Messenger interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

// TelegramClient is a minimal Telegram Bot API client.
type TelegramClient struct {
	token   string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewTelegramClient creates a client for the given bot token. baseURL may be
// empty to use the public API.
func NewTelegramClient(token, baseURL string) *TelegramClient {
	if baseURL == "" {
		baseURL = defaultTelegramBaseURL
	}
	return &TelegramClient{
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 3 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(sendRatePerSecond), sendBurst),
	}
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

// truncateMessage cuts text to at most limit characters without splitting a
// rune.
func truncateMessage(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	n := 0
	for i := range text {
		if n == limit {
			return text[:i]
		}
		n++
	}
	return text
}

// SendMessage sends a plain-text message. Sends are paced to stay under the
// platform's per-bot limit.
func (c *TelegramClient) SendMessage(ctx context.Context, chatID, text string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for send slot: %w", err)
	}
	text = truncateMessage(text, maxMessageLength)

	payload, err := json.Marshal(sendMessageRequest{
		ChatID:                chatID,
		Text:                  text,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("marshal sendMessage: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create sendMessage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		// The URL carries the bot token; keep it out of logs.
		return fmt.Errorf("sendMessage request failed: %w", redactToken(err, c.token))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("read sendMessage response: %w", err)
	}
	var apiResp apiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return fmt.Errorf("parse sendMessage response (HTTP %d): %w", resp.StatusCode, err)
	}
	if !apiResp.OK {
		if apiResp.Parameters != nil && apiResp.Parameters.RetryAfter > 0 {
			return fmt.Errorf("sendMessage rate limited, retry after %ds: %s", apiResp.Parameters.RetryAfter, apiResp.Description)
		}
		return fmt.Errorf("sendMessage failed: code=%d description=%s", apiResp.ErrorCode, apiResp.Description)
	}
	return nil
}

func redactToken(err error, token string) error {
	if token == "" {
		return err
	}
	msg := err.Error()
	if !strings.Contains(msg, token) {
		return err
	}
	return errors.New(strings.ReplaceAll(msg, token, "<redacted>"))
}
