package extract

import (
	"context"
	"time"

	"github.com/l0p7/wishmeta/internal/retailers"
)

// Source names the strongest signal a Metadata record was built from.
type Source string

const (
	SourceJSONLD    Source = "jsonld"
	SourceOpenGraph Source = "opengraph"
	SourceHTML      Source = "html"
)

// Metadata is the product summary extracted from a retailer page.
type Metadata struct {
	URL          string              `json:"url"`
	CanonicalURL string              `json:"canonicalUrl,omitempty"`
	Title        string              `json:"title"`
	Description  string              `json:"description,omitempty"`
	Image        string              `json:"image,omitempty"`
	Price        *float64            `json:"price,omitempty"`
	Currency     string              `json:"currency,omitempty"`
	SiteName     string              `json:"siteName,omitempty"`
	Brand        string              `json:"brand,omitempty"`
	Availability string              `json:"availability,omitempty"`
	Retailer     *retailers.Retailer `json:"retailer,omitempty"`
	ExtractedAt  time.Time           `json:"extractedAt"`
	Source       Source              `json:"source"`
}

// WithoutRetailer returns a copy of m with retailer data removed.
func (m Metadata) WithoutRetailer() Metadata {
	m.Retailer = nil
	return m
}

// Options tunes a single extraction.
type Options struct {
	IncludeRetailerData bool
	UseFallback         bool
	Timeout             time.Duration
}

// Extractor fetches and parses a normalized URL. Failures are reported as
// *Error values.
type Extractor interface {
	Extract(ctx context.Context, url string, opts Options) (Metadata, error)
}

// RetailerLookup resolves the merchant for a hostname.
type RetailerLookup interface {
	Lookup(host string) retailers.Retailer
}
