package extract

import (
	"fmt"
	"net/netip"
	"strings"

	whatwg "github.com/nlnwa/whatwg-url/url"
)

// MaxURLLength caps accepted input URLs.
const MaxURLLength = 2048

// ValidationResult reports whether a raw URL may be extracted and, when it
// may, its normalized form.
type ValidationResult struct {
	Valid bool   `json:"valid"`
	URL   string `json:"url,omitempty"`
	Error string `json:"error,omitempty"`
}

// Validator normalizes user supplied URLs with WHATWG parsing rules.
type Validator struct {
	// AllowPrivateHosts admits localhost and private or loopback IP literals.
	AllowPrivateHosts bool
}

// Validate trims raw, parses it, and rejects anything that is not an absolute
// http(s) URL pointing at a public host. The fragment is dropped.
func (v Validator) Validate(raw string) ValidationResult {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return invalid("URL is required")
	}
	if len(trimmed) > MaxURLLength {
		return invalid(fmt.Sprintf("URL exceeds %d characters", MaxURLLength))
	}
	parsed, err := whatwg.Parse(trimmed)
	if err != nil {
		return invalid("Invalid URL format")
	}
	switch parsed.Scheme() {
	case "http", "https":
	default:
		return invalid("Only HTTP and HTTPS URLs are supported")
	}
	host := parsed.Hostname()
	if host == "" {
		return invalid("URL must include a host")
	}
	if !v.AllowPrivateHosts && isPrivateHost(host) {
		return invalid("URL host is not publicly routable")
	}
	return ValidationResult{Valid: true, URL: parsed.Href(true)}
}

// Check is Validate returning an *Error wrapping ErrInvalidURL on failure.
func (v Validator) Check(raw string) (string, error) {
	res := v.Validate(raw)
	if !res.Valid {
		return "", &Error{Code: CodeInvalidURL, Message: res.Error, Err: ErrInvalidURL}
	}
	return res.URL, nil
}

func invalid(reason string) ValidationResult {
	return ValidationResult{Error: reason}
}

func isPrivateHost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	addr, err := netip.ParseAddr(strings.Trim(host, "[]"))
	if err != nil {
		return false
	}
	return isPrivateAddr(addr)
}

func isPrivateAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsUnspecified()
}
