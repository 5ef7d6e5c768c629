package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rcourtman/postforge/internal/backoffice"
	"github.com/rcourtman/postforge/internal/backoffice/linktoken"
	"github.com/rcourtman/postforge/internal/backoffice/rategate"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	if err := executeContext(context.Background(), &out, "version"); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out.String(), "Postforge "+Version) {
		t.Fatalf("output = %q", out.String())
	}
}

func TestLinkTokenCommand(t *testing.T) {
	t.Setenv("PF_SECRET", testSecret)
	t.Setenv("TELEGRAM_BOT_USERNAME", "")

	var out bytes.Buffer
	if err := executeContext(context.Background(), &out, "link-token", "user_cli", "--bot", "PostforgeBot"); err != nil {
		t.Fatalf("link-token: %v", err)
	}

	var token string
	for _, line := range strings.Split(out.String(), "\n") {
		if rest, ok := strings.CutPrefix(line, "Token:"); ok {
			token = strings.TrimSpace(rest)
		}
	}
	if token == "" {
		t.Fatalf("no token in output %q", out.String())
	}
	if !strings.Contains(out.String(), "https://t.me/PostforgeBot?start="+token) {
		t.Fatalf("missing deep link in %q", out.String())
	}

	keys, err := backoffice.DeriveKeys(testSecret)
	if err != nil {
		t.Fatalf("DeriveKeys: %v", err)
	}
	codec, err := linktoken.NewCodec(keys.LinkToken)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	claims, err := codec.Decode(token)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if claims.ExternalIdentityID != "user_cli" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestLinkTokenRequiresSecret(t *testing.T) {
	t.Setenv("PF_SECRET", "")
	var out bytes.Buffer
	err := executeContext(context.Background(), &out, "link-token", "user_cli")
	if err == nil || !strings.Contains(err.Error(), "PF_SECRET") {
		t.Fatalf("err = %v", err)
	}
}

func TestClientHashCommand(t *testing.T) {
	var out bytes.Buffer
	if err := executeContext(context.Background(), &out, "client-hash", "203.0.113.9", "--secret", testSecret); err != nil {
		t.Fatalf("client-hash: %v", err)
	}
	keys, _ := backoffice.DeriveKeys(testSecret)
	if got, want := strings.TrimSpace(out.String()), rategate.ClientHash(keys.ClientSalt, "203.0.113.9"); got != want {
		t.Fatalf("hash = %q, want %q", got, want)
	}

	if err := executeContext(context.Background(), &out, "client-hash", "not-an-ip", "--secret", testSecret); err == nil {
		t.Fatal("expected error for invalid IP")
	}
}
