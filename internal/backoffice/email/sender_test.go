package email

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPostmarkSender_Send(t *testing.T) {
	var got postmarkRequest
	var token string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token = r.Header.Get("X-Postmark-Server-Token")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ErrorCode":0,"Message":"OK","MessageID":"m-1"}`))
	}))
	defer srv.Close()

	sender := NewPostmarkSender("test-token", WithEndpoint(srv.URL))
	err := sender.Send(context.Background(), Message{
		From:    "billing@example.com",
		To:      "ada@example.com",
		Subject: "Payment failed",
		Text:    "Hello",
		Tag:     "payment-failed",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if token != "test-token" {
		t.Errorf("token = %q", token)
	}
	if got.To != "ada@example.com" || got.Tag != "payment-failed" || got.TextBody != "Hello" {
		t.Errorf("unexpected request: %+v", got)
	}
}

func TestPostmarkSender_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"ErrorCode":300,"Message":"Invalid email request"}`))
	}))
	defer srv.Close()

	sender := NewPostmarkSender("test-token", WithEndpoint(srv.URL))
	err := sender.Send(context.Background(), Message{To: "ada@example.com"})
	if err == nil || !strings.Contains(err.Error(), "code=300") {
		t.Fatalf("err = %v, want postmark error code 300", err)
	}

	if err := sender.Send(context.Background(), Message{}); err == nil {
		t.Fatal("expected error for missing recipient")
	}
}

func TestLogSender_Send(t *testing.T) {
	if err := NewLogSender().Send(context.Background(), Message{To: "ada@example.com"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRenderPaymentFailedEmail(t *testing.T) {
	html, text, err := RenderPaymentFailedEmail(PaymentFailedData{
		Plan:       "PRO",
		Amount:     FormatAmount(1900, "usd"),
		InvoiceURL: "https://invoice.example.com/i/1?a=<b>",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(html, "19.00 USD") || !strings.Contains(html, "Hi there") {
		t.Errorf("html missing fields: %s", html)
	}
	if strings.Contains(html, "<b>") {
		t.Error("invoice URL must be escaped")
	}
	if !strings.Contains(text, "https://invoice.example.com/i/1") {
		t.Errorf("text missing invoice url: %s", text)
	}
}

func TestFormatAmount(t *testing.T) {
	tests := map[string]struct {
		minor    int64
		currency string
	}{
		"19.00 USD": {1900, "usd"},
		"0.05 EUR":  {5, "eur"},
		"12.30":     {1230, ""},
	}
	for want, tt := range tests {
		if got := FormatAmount(tt.minor, tt.currency); got != want {
			t.Errorf("FormatAmount(%d, %q) = %q, want %q", tt.minor, tt.currency, got, want)
		}
	}
}
