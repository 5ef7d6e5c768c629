package backoffice

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const derivedKeySize = 32

// Keys are the per-purpose secrets derived from the master secret.
type Keys struct {
	LinkToken  []byte
	ClientSalt []byte
}

// DeriveKeys expands the master secret into independent keys so that a
// leaked client hash salt never weakens link-token MACs.
func DeriveKeys(secret string) (Keys, error) {
	if secret == "" {
		return Keys{}, fmt.Errorf("master secret is empty")
	}
	linkKey, err := derive(secret, "postforge link token v1")
	if err != nil {
		return Keys{}, err
	}
	salt, err := derive(secret, "postforge client hash v1")
	if err != nil {
		return Keys{}, err
	}
	return Keys{LinkToken: linkKey, ClientSalt: salt}, nil
}

func derive(secret, info string) ([]byte, error) {
	out := make([]byte, derivedKeySize)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("derive %q: %w", info, err)
	}
	return out, nil
}
