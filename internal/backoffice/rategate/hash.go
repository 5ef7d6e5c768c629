package rategate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
)

// ClientHash derives the opaque client key from a caller IP. The raw IP is
// never stored; without the salt the hash cannot be reversed by enumerating
// the address space.
func ClientHash(salt []byte, ip string) string {
	ip = strings.TrimSpace(ip)
	if parsed := net.ParseIP(ip); parsed != nil {
		ip = parsed.String()
	}
	m := hmac.New(sha256.New, salt)
	m.Write([]byte(ip))
	return hex.EncodeToString(m.Sum(nil))
}
