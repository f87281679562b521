package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// RetailerDefinition describes one merchant the catalog recognizes by domain.
type RetailerDefinition struct {
	Name     string   `koanf:"name"`
	Domains  []string `koanf:"domains"`
	Currency string   `koanf:"currency"`
}

// DefinitionSkip describes a catalog entry the loader intentionally ignored
// because it violated invariants (for example a domain claimed twice). The
// health endpoint surfaces these so operators know which entries were
// quarantined.
type DefinitionSkip struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// RetailerBundle captures the catalog after loading the configured file.
type RetailerBundle struct {
	Retailers map[string]RetailerDefinition
	Source    string
	Skipped   []DefinitionSkip
}

type retailerDocument struct {
	Retailers map[string]RetailerDefinition `koanf:"retailers"`
}

// LoadRetailers reads the catalog file named in cfg. An empty path yields an
// empty bundle so callers fall back to built-in retailers.
func LoadRetailers(ctx context.Context, cfg RetailersConfig) (RetailerBundle, error) {
	path := strings.TrimSpace(cfg.File)
	if path == "" {
		return RetailerBundle{Retailers: map[string]RetailerDefinition{}}, nil
	}
	select {
	case <-ctx.Done():
		return RetailerBundle{}, ctx.Err()
	default:
	}
	if err := ensureFileExists(path); err != nil {
		return RetailerBundle{}, err
	}
	doc, err := loadRetailerDocument(path)
	if err != nil {
		return RetailerBundle{}, err
	}
	return buildRetailerBundle(doc, path), nil
}

func buildRetailerBundle(doc retailerDocument, source string) RetailerBundle {
	bundle := RetailerBundle{
		Retailers: make(map[string]RetailerDefinition, len(doc.Retailers)),
		Source:    source,
	}
	names := make([]string, 0, len(doc.Retailers))
	for name := range doc.Retailers {
		names = append(names, name)
	}
	sort.Strings(names)

	claimed := make(map[string]string)
	for _, name := range names {
		def := doc.Retailers[name]
		def.Name = strings.TrimSpace(def.Name)
		if def.Name == "" {
			def.Name = name
		}
		domains := make([]string, 0, len(def.Domains))
		for _, domain := range def.Domains {
			normalized := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(domain)), "www.")
			if normalized != "" {
				domains = append(domains, normalized)
			}
		}
		if len(domains) == 0 {
			bundle.Skipped = append(bundle.Skipped, DefinitionSkip{
				Kind:    "retailer",
				Name:    name,
				Reason:  "no domains configured",
				Sources: []string{source},
			})
			continue
		}
		conflict := ""
		for _, domain := range domains {
			if owner, ok := claimed[domain]; ok {
				conflict = fmt.Sprintf("domain %s already claimed by %s", domain, owner)
				break
			}
		}
		if conflict != "" {
			bundle.Skipped = append(bundle.Skipped, DefinitionSkip{
				Kind:    "retailer",
				Name:    name,
				Reason:  conflict,
				Sources: []string{source},
			})
			continue
		}
		for _, domain := range domains {
			claimed[domain] = name
		}
		def.Domains = domains
		def.Currency = strings.ToUpper(strings.TrimSpace(def.Currency))
		bundle.Retailers[name] = def
	}
	return bundle
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: retailers file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: retailers file %s: expected a file, found directory", path)
	}
	return nil
}

func loadRetailerDocument(path string) (retailerDocument, error) {
	parser, err := parserFor(path)
	if err != nil {
		return retailerDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return retailerDocument{}, fmt.Errorf("config: load retailers from %s: %w", path, err)
	}
	var doc retailerDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return retailerDocument{}, fmt.Errorf("config: decode retailers from %s: %w", path, err)
	}
	return doc, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported retailers file extension %s", ext)
	}
}

func isSupportedCatalogFile(path string) bool {
	_, err := parserFor(path)
	return err == nil
}
