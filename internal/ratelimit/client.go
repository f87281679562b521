package ratelimit

import (
	"net/http"
	"net/netip"
	"strings"
)

// UnknownClient is the shared bucket for requests that carry none of the
// identifying headers.
const UnknownClient = "unknown"

// DefaultClientHeaders lists the headers consulted by ClientIdentifier when
// none are given.
var DefaultClientHeaders = []string{"X-Forwarded-For", "X-Real-IP"}

// ClientIdentifier picks the limiter key for r from the first header in
// headers that carries a value. Only the first entry of a comma separated
// list is used. IP literals are canonicalized so "::ffff:10.0.0.1" and
// "10.0.0.1" share a window. The socket address is deliberately ignored.
func ClientIdentifier(r *http.Request, headers ...string) string {
	if len(headers) == 0 {
		headers = DefaultClientHeaders
	}
	for _, header := range headers {
		raw := r.Header.Get(header)
		if raw == "" {
			continue
		}
		first, _, _ := strings.Cut(raw, ",")
		first = strings.TrimSpace(first)
		if first == "" {
			continue
		}
		return canonicalClient(first)
	}
	return UnknownClient
}

func canonicalClient(value string) string {
	if addr, err := netip.ParseAddr(value); err == nil {
		return addr.Unmap().WithZone("").String()
	}
	if addrPort, err := netip.ParseAddrPort(value); err == nil {
		return addrPort.Addr().Unmap().WithZone("").String()
	}
	return strings.ToLower(value)
}
