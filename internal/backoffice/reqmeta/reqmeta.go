// Package reqmeta holds the small request/response helpers shared by the
// back office HTTP handlers.
package reqmeta

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/rs/zerolog/log"
)

// ErrorResponse is the JSON body of every non-2xx handler response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ReceivedResponse acknowledges a webhook delivery.
type ReceivedResponse struct {
	Received bool `json:"received"`
}

// IPResolver derives the client IP of a request. Forwarding headers are only
// honoured when the connecting peer is a trusted proxy; with no trusted
// proxies configured the peer address is always used.
type IPResolver struct {
	trusted []netip.Prefix
}

// NewIPResolver parses trusted proxy entries. Each entry is an IP or a CIDR.
func NewIPResolver(trusted []string) (*IPResolver, error) {
	res := &IPResolver{}
	for _, raw := range trusted {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
			}
			res.trusted = append(res.trusted, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		res.trusted = append(res.trusted, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return res, nil
}

// ClientIP returns the client address for r.
//
// Behind trusted proxies X-Forwarded-For is walked from the right and the
// first hop that is not itself a trusted proxy wins. Entries to the left of
// that hop were supplied by the client and are ignored.
func (p *IPResolver) ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	peer := RemoteIP(r)
	if p == nil || !p.isTrusted(peer) {
		return peer
	}

	if hops := forwardedHops(r.Header.Values("X-Forwarded-For")); len(hops) > 0 {
		for i := len(hops) - 1; i >= 0; i-- {
			addr, err := netip.ParseAddr(hops[i])
			if err != nil {
				return peer
			}
			if !p.isTrusted(addr.Unmap().String()) {
				return addr.Unmap().String()
			}
		}
		return hops[0]
	}

	if rip := strings.Trim(strings.TrimSpace(r.Header.Get("X-Real-IP")), "[]"); rip != "" {
		if addr, err := netip.ParseAddr(rip); err == nil {
			return addr.Unmap().String()
		}
	}
	return peer
}

func (p *IPResolver) isTrusted(ip string) bool {
	if len(p.trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range p.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func forwardedHops(values []string) []string {
	var hops []string
	for _, v := range values {
		for _, hop := range strings.Split(v, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	return hops
}

// RemoteIP returns the connecting peer address without the port.
func RemoteIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		return ap.Addr().Unmap().String()
	}
	if addr, err := netip.ParseAddr(strings.Trim(remote, "[]")); err == nil {
		return addr.Unmap().String()
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

// WriteJSON writes v as the JSON response body with the given status.
func WriteJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("Failed to encode JSON response")
	}
}

// WriteError writes an ErrorResponse.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: msg})
}
