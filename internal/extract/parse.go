package extract

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// pageSignals is everything read off one document before it is folded into a
// Metadata record.
type pageSignals struct {
	meta    map[string]string
	product *ldProduct
}

type ldProduct struct {
	Name         string
	Description  string
	Image        string
	Brand        string
	Price        *float64
	Currency     string
	Availability string
}

func collectSignals(doc *goquery.Document) pageSignals {
	signals := pageSignals{meta: make(map[string]string)}
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		content, ok := s.Attr("content")
		if !ok {
			return
		}
		content = strings.TrimSpace(content)
		if content == "" {
			return
		}
		for _, attr := range []string{"property", "name", "itemprop"} {
			key, ok := s.Attr(attr)
			if !ok {
				continue
			}
			key = strings.ToLower(strings.TrimSpace(key))
			if _, seen := signals.meta[key]; key != "" && !seen {
				signals.meta[key] = content
			}
		}
	})
	// Microdata price often sits on visible elements rather than meta tags.
	for _, prop := range []string{"price", "pricecurrency", "availability", "brand"} {
		if _, ok := signals.meta[prop]; ok {
			continue
		}
		sel := doc.Find("[itemprop='" + prop + "']").First()
		if sel.Length() == 0 {
			continue
		}
		value := sel.AttrOr("content", "")
		if value == "" {
			value = sel.AttrOr("href", "")
		}
		if value == "" {
			value = sel.Text()
		}
		if value = strings.TrimSpace(value); value != "" {
			signals.meta[prop] = value
		}
	}
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var payload any
		if err := json.Unmarshal([]byte(s.Text()), &payload); err != nil {
			return true
		}
		if product := findProduct(payload); product != nil {
			signals.product = product
			return false
		}
		return true
	})
	return signals
}

func (p pageSignals) first(keys ...string) string {
	for _, key := range keys {
		if v := p.meta[key]; v != "" {
			return v
		}
	}
	return ""
}

// buildMetadata folds signals into a record. Structured data wins over
// OpenGraph, which wins over plain HTML; the plain HTML pass only runs when
// fallback is enabled.
func buildMetadata(doc *goquery.Document, pageURL *url.URL, fallback bool) Metadata {
	signals := collectSignals(doc)
	md := Metadata{Source: SourceHTML}
	if og := signals.first("og:title"); og != "" {
		md.Source = SourceOpenGraph
	}

	md.Title = signals.first("og:title", "twitter:title")
	md.Description = signals.first("og:description", "twitter:description")
	md.Image = signals.first("og:image:secure_url", "og:image", "twitter:image", "twitter:image:src")
	md.SiteName = signals.first("og:site_name")
	md.Brand = signals.first("product:brand", "og:brand", "brand")
	md.Availability = normalizeAvailability(signals.first("product:availability", "og:availability", "availability"))
	md.Price = parsePrice(signals.first("product:price:amount", "og:price:amount", "price"))
	md.Currency = strings.ToUpper(signals.first("product:price:currency", "og:price:currency", "pricecurrency"))
	md.CanonicalURL = signals.first("og:url")

	if p := signals.product; p != nil {
		md.Source = SourceJSONLD
		md.Title = firstNonEmpty(p.Name, md.Title)
		md.Description = firstNonEmpty(md.Description, p.Description)
		md.Image = firstNonEmpty(md.Image, p.Image)
		md.Brand = firstNonEmpty(p.Brand, md.Brand)
		md.Availability = firstNonEmpty(normalizeAvailability(p.Availability), md.Availability)
		if p.Price != nil {
			md.Price = p.Price
			md.Currency = firstNonEmpty(strings.ToUpper(p.Currency), md.Currency)
		}
	}

	if fallback {
		if md.Title == "" {
			md.Title = strings.TrimSpace(doc.Find("title").First().Text())
		}
		if md.Title == "" {
			md.Title = strings.TrimSpace(doc.Find("h1").First().Text())
		}
		if md.Description == "" {
			md.Description = signals.first("description")
		}
		if md.Image == "" {
			md.Image = firstImage(doc)
		}
		if md.CanonicalURL == "" {
			md.CanonicalURL = strings.TrimSpace(doc.Find(`link[rel="canonical"]`).First().AttrOr("href", ""))
		}
	}

	md.Title = collapseSpace(md.Title)
	md.Description = collapseSpace(md.Description)
	md.Image = resolve(pageURL, md.Image)
	md.CanonicalURL = resolve(pageURL, md.CanonicalURL)
	return md
}

func firstImage(doc *goquery.Document) string {
	var found string
	doc.Find("img").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src := strings.TrimSpace(firstNonEmpty(s.AttrOr("src", ""), s.AttrOr("data-src", "")))
		if src == "" || strings.HasPrefix(src, "data:") {
			return true
		}
		if w, err := strconv.Atoi(s.AttrOr("width", "")); err == nil && w < 50 {
			return true
		}
		found = src
		return false
	})
	return found
}

func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || base == nil {
		return ref
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(parsed).String()
}

func findProduct(node any) *ldProduct {
	switch v := node.(type) {
	case []any:
		for _, item := range v {
			if p := findProduct(item); p != nil {
				return p
			}
		}
	case map[string]any:
		if isType(v["@type"], "Product") {
			return productFrom(v)
		}
		if graph, ok := v["@graph"]; ok {
			return findProduct(graph)
		}
	}
	return nil
}

func isType(value any, want string) bool {
	switch t := value.(type) {
	case string:
		return strings.EqualFold(t, want)
	case []any:
		for _, item := range t {
			if isType(item, want) {
				return true
			}
		}
	}
	return false
}

func productFrom(v map[string]any) *ldProduct {
	p := &ldProduct{
		Name:        stringField(v["name"]),
		Description: stringField(v["description"]),
		Image:       stringField(v["image"]),
		Brand:       stringField(v["brand"]),
	}
	offers := v["offers"]
	if list, ok := offers.([]any); ok && len(list) > 0 {
		offers = list[0]
	}
	if offer, ok := offers.(map[string]any); ok {
		price := offer["price"]
		if price == nil {
			price = offer["lowPrice"]
		}
		if price == nil {
			if spec, ok := offer["priceSpecification"].(map[string]any); ok {
				price = spec["price"]
				if p.Currency == "" {
					p.Currency = stringField(spec["priceCurrency"])
				}
			}
		}
		p.Price = numberField(price)
		p.Currency = firstNonEmpty(stringField(offer["priceCurrency"]), p.Currency)
		p.Availability = stringField(offer["availability"])
	}
	return p
}

// stringField flattens the shapes schema.org allows for text-ish properties:
// a string, an object with a name or url, or a list of either.
func stringField(value any) string {
	switch t := value.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		for _, item := range t {
			if s := stringField(item); s != "" {
				return s
			}
		}
	case map[string]any:
		return firstNonEmpty(stringField(t["name"]), stringField(t["url"]), stringField(t["contentUrl"]))
	}
	return ""
}

func numberField(value any) *float64 {
	switch t := value.(type) {
	case float64:
		return &t
	case string:
		return parsePrice(t)
	}
	return nil
}

// parsePrice reads amounts like "1,299.99", "1.299,99", "$25" or "19,90 €".
func parsePrice(raw string) *float64 {
	var b strings.Builder
	for _, r := range raw {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' {
			b.WriteRune(r)
		}
	}
	s := strings.Trim(b.String(), ".,")
	if s == "" {
		return nil
	}
	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if len(s)-lastComma-1 == 2 && strings.Count(s, ",") == 1 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case strings.Count(s, ".") > 1:
		s = strings.ReplaceAll(s, ".", "")
	}
	value, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &value
}

func normalizeAvailability(raw string) string {
	raw = strings.TrimSpace(raw)
	if i := strings.LastIndex(raw, "/"); i >= 0 {
		raw = raw[i+1:]
	}
	switch strings.ToLower(strings.ReplaceAll(strings.ReplaceAll(raw, " ", ""), "_", "")) {
	case "":
		return ""
	case "instock", "in-stock", "available":
		return "InStock"
	case "outofstock", "out-of-stock", "oos", "soldout":
		return "OutOfStock"
	case "preorder", "pre-order":
		return "PreOrder"
	}
	return raw
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
