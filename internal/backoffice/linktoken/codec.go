// Package linktoken encodes the short-lived capability that binds an external
// identity to a pending bot-link action.
//
// A token is base64url(payload || mac) where payload is
// "<externalIdentityID>:<issuedAtMillis>" and mac is the first 16 bytes of
// HMAC-SHA256(key, payload). The alphabet is limited to [A-Za-z0-9_-] so a
// token can travel as a bot deep-link start parameter.
package linktoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrTokenInvalid = errors.New("link token is invalid")
	ErrTokenExpired = errors.New("link token is expired")
)

const (
	// DefaultTTL is how long a token is accepted after issuance.
	DefaultTTL = 24 * time.Hour

	macSize      = 16
	maxClockSkew = 5 * time.Minute
)

// Claims is the decoded token payload.
type Claims struct {
	ExternalIdentityID string
	IssuedAt           time.Time
}

// Codec signs and verifies link tokens with a server-held key.
type Codec struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewCodec returns a codec using key for the MAC and DefaultTTL.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("link token key is empty")
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Codec{key: k, ttl: DefaultTTL, now: time.Now}, nil
}

// TTL returns the validity window.
func (c *Codec) TTL() time.Duration {
	return c.ttl
}

// Issue encodes a token for identityID issued now and returns its expiry.
func (c *Codec) Issue(identityID string) (string, time.Time, error) {
	issuedAt := c.now()
	token, err := c.Encode(identityID, issuedAt)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, issuedAt.Add(c.ttl), nil
}

// Encode encodes a token with an explicit issue time.
func (c *Codec) Encode(identityID string, issuedAt time.Time) (string, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return "", fmt.Errorf("external identity id is required")
	}
	payload := []byte(identityID + ":" + strconv.FormatInt(issuedAt.UnixMilli(), 10))
	raw := append(payload, c.mac(payload)...)
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode verifies a token against the current time.
func (c *Codec) Decode(token string) (Claims, error) {
	return c.DecodeAt(token, c.now())
}

// DecodeAt verifies a token as of now. A token is accepted iff its MAC
// verifies and now - issuedAt <= TTL.
func (c *Codec) DecodeAt(token string, now time.Time) (Claims, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil || len(raw) <= macSize {
		return Claims{}, ErrTokenInvalid
	}

	payload, sig := raw[:len(raw)-macSize], raw[len(raw)-macSize:]
	if !hmac.Equal(sig, c.mac(payload)) {
		return Claims{}, ErrTokenInvalid
	}

	sep := strings.LastIndexByte(string(payload), ':')
	if sep < 1 || sep == len(payload)-1 {
		return Claims{}, ErrTokenInvalid
	}
	issuedMillis, err := strconv.ParseInt(string(payload[sep+1:]), 10, 64)
	if err != nil {
		return Claims{}, ErrTokenInvalid
	}

	age := now.UnixMilli() - issuedMillis
	if age < -maxClockSkew.Milliseconds() {
		return Claims{}, ErrTokenInvalid
	}
	if age > c.ttl.Milliseconds() {
		return Claims{}, ErrTokenExpired
	}

	return Claims{
		ExternalIdentityID: string(payload[:sep]),
		IssuedAt:           time.UnixMilli(issuedMillis).UTC(),
	}, nil
}

func (c *Codec) mac(payload []byte) []byte {
	m := hmac.New(sha256.New, c.key)
	m.Write(payload)
	return m.Sum(nil)[:macSize]
}
