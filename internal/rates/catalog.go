package rates

import (
	"context"
	"fmt"

	"github.com/BurntSushi/toml"

	"session_billing/internal/models"
)

// Catalog is a static rate table, usually loaded from a TOML file:
//
//	[default]
//	chat = 199
//
//	[providers.reader-42]
//	chat = 399
//	video = 599
type Catalog struct {
	Default   map[string]int64            `toml:"default"`
	Providers map[string]map[string]int64 `toml:"providers"`
}

// LoadCatalog reads a TOML rate file
func LoadCatalog(path string) (*Catalog, error) {
	var c Catalog
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("failed to load rate catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ParseCatalog decodes a TOML rate table from a string
func ParseCatalog(data string) (*Catalog, error) {
	var c Catalog
	if _, err := toml.Decode(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse rate catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects unknown session types
func (c *Catalog) Validate() error {
	check := func(where string, table map[string]int64) error {
		for st := range table {
			if !models.SessionType(st).Valid() {
				return fmt.Errorf("rate catalog %s: unknown session type %q", where, st)
			}
		}
		return nil
	}
	if err := check("default", c.Default); err != nil {
		return err
	}
	for provider, table := range c.Providers {
		if err := check("provider "+provider, table); err != nil {
			return err
		}
	}
	return nil
}

// Resolve prefers the provider's own rate and falls back to the default table
func (c *Catalog) Resolve(ctx context.Context, sessionType models.SessionType, providerID string) (int64, error) {
	if table, ok := c.Providers[providerID]; ok {
		if rate, ok := table[string(sessionType)]; ok {
			if rate <= 0 {
				return 0, unavailable(sessionType, providerID)
			}
			return rate, nil
		}
	}
	if rate, ok := c.Default[string(sessionType)]; ok && rate > 0 {
		return rate, nil
	}
	return 0, unavailable(sessionType, providerID)
}
