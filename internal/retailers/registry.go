// Package retailers maps page hostnames to the merchant that serves them.
package retailers

import (
	"log/slog"
	"net/netip"
	"sort"
	"strings"
	"sync/atomic"

	"golang.org/x/net/publicsuffix"

	"github.com/l0p7/wishmeta/internal/config"
	"github.com/l0p7/wishmeta/internal/logging"
)

// Retailer is the merchant attached to extracted metadata when callers ask
// for retailer data.
type Retailer struct {
	Name     string `json:"name"`
	Domain   string `json:"domain"`
	Currency string `json:"currency,omitempty"`
	Known    bool   `json:"known"`
}

type catalog struct {
	byDomain map[string]Retailer
	names    []string
	source   string
}

// Registry holds the active catalog. Reload swaps the catalog atomically so
// lookups never observe a half-built table.
type Registry struct {
	current atomic.Pointer[catalog]
	logger  *slog.Logger
}

// Builtin is the catalog used when no retailers file is configured. File
// entries are layered on top of it.
func Builtin() map[string]config.RetailerDefinition {
	return map[string]config.RetailerDefinition{
		"amazon":    {Name: "Amazon", Domains: []string{"amazon.com", "amzn.to"}, Currency: "USD"},
		"amazon-uk": {Name: "Amazon UK", Domains: []string{"amazon.co.uk"}, Currency: "GBP"},
		"bestbuy":   {Name: "Best Buy", Domains: []string{"bestbuy.com"}, Currency: "USD"},
		"ebay":      {Name: "eBay", Domains: []string{"ebay.com"}, Currency: "USD"},
		"etsy":      {Name: "Etsy", Domains: []string{"etsy.com"}, Currency: "USD"},
		"target":    {Name: "Target", Domains: []string{"target.com"}, Currency: "USD"},
		"walmart":   {Name: "Walmart", Domains: []string{"walmart.com"}, Currency: "USD"},
	}
}

// NewRegistry returns a registry seeded with the builtin catalog.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = logging.Discard()
	}
	r := &Registry{logger: logger.With(slog.String("agent", "retailers"))}
	r.current.Store(buildCatalog(Builtin(), nil, "builtin"))
	return r
}

// Reload installs bundle over the builtin catalog. A file entry claiming a
// builtin domain takes that domain over.
func (r *Registry) Reload(bundle config.RetailerBundle) {
	source := bundle.Source
	if source == "" {
		source = "builtin"
	}
	next := buildCatalog(Builtin(), bundle.Retailers, source)
	r.current.Store(next)
	r.logger.Info("retailer catalog loaded",
		slog.String("source", source),
		slog.Int("retailers", len(next.names)),
		slog.Int("domains", len(next.byDomain)),
		slog.Int("skipped", len(bundle.Skipped)),
	)
	for _, skip := range bundle.Skipped {
		r.logger.Warn("retailer entry skipped", slog.String("name", skip.Name), slog.String("reason", skip.Reason))
	}
}

func buildCatalog(base, overlay map[string]config.RetailerDefinition, source string) *catalog {
	c := &catalog{byDomain: make(map[string]Retailer), source: source}
	add := func(defs map[string]config.RetailerDefinition) {
		keys := make([]string, 0, len(defs))
		for key := range defs {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			def := defs[key]
			name := strings.TrimSpace(def.Name)
			if name == "" {
				name = key
			}
			for _, domain := range def.Domains {
				domain = normalizeHost(domain)
				if domain == "" {
					continue
				}
				c.byDomain[domain] = Retailer{
					Name:     name,
					Domain:   domain,
					Currency: strings.ToUpper(strings.TrimSpace(def.Currency)),
					Known:    true,
				}
			}
		}
	}
	add(base)
	add(overlay)
	// A retailer whose every domain was claimed by the overlay no longer resolves.
	seen := make(map[string]struct{}, len(c.byDomain))
	for _, retailer := range c.byDomain {
		if _, ok := seen[retailer.Name]; ok {
			continue
		}
		seen[retailer.Name] = struct{}{}
		c.names = append(c.names, retailer.Name)
	}
	sort.Strings(c.names)
	return c
}

// Lookup resolves host, or the closest parent domain in the catalog. Unknown
// hosts get a retailer named after their registrable label.
func (r *Registry) Lookup(host string) Retailer {
	host = normalizeHost(host)
	if host == "" {
		return Retailer{}
	}
	c := r.current.Load()
	for candidate := host; strings.Contains(candidate, "."); {
		if retailer, ok := c.byDomain[candidate]; ok {
			return retailer
		}
		_, rest, _ := strings.Cut(candidate, ".")
		candidate = rest
	}
	return Retailer{Name: displayName(host), Domain: host}
}

// Count reports the number of named retailers in the active catalog.
func (r *Registry) Count() int {
	return len(r.current.Load().names)
}

// Source names where the active catalog came from.
func (r *Registry) Source() string {
	return r.current.Load().source
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	host = strings.TrimSuffix(host, ".")
	return strings.TrimPrefix(host, "www.")
}

// displayName titles the registrable label of host, as in "Example" for
// shop.example.co.uk. IP literals and single-label hosts are used as is.
func displayName(host string) string {
	if _, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return host
	}
	label := host
	if registrable, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		label = registrable
	}
	label, _, _ = strings.Cut(label, ".")
	if label == "" {
		return host
	}
	return strings.ToUpper(label[:1]) + label[1:]
}
