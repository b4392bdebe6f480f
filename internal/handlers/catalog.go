package handlers

import (
	"context"
)

// Integration is one provider config together with the scripts deployed
// for it.
type Integration struct {
	ProviderConfig
	Scripts []Definition
}

type configKey struct {
	key           string
	environmentID int64
}

type definitionKey struct {
	configID int64
	name     string
	isAction bool
}

// Catalog serves config and definition lookups from a fixed set of
// integrations, usually loaded from the worker config file.
type Catalog struct {
	configs     map[configKey]ProviderConfig
	definitions map[definitionKey]Definition
}

func NewCatalog(integrations []Integration) *Catalog {
	c := &Catalog{
		configs:     map[configKey]ProviderConfig{},
		definitions: map[definitionKey]Definition{},
	}
	for _, in := range integrations {
		c.configs[configKey{in.Key, in.EnvironmentID}] = in.ProviderConfig
		for _, d := range in.Scripts {
			d.ConfigID = in.ID
			c.definitions[definitionKey{in.ID, d.Name, d.IsAction}] = d
		}
	}
	return c
}

func (c *Catalog) ProviderConfig(_ context.Context, key string, environmentID int64) (*ProviderConfig, error) {
	cfg, ok := c.configs[configKey{key, environmentID}]
	if !ok {
		return nil, nil
	}
	return &cfg, nil
}

func (c *Catalog) Definition(_ context.Context, configID int64, name string, isAction bool) (*Definition, error) {
	d, ok := c.definitions[definitionKey{configID, name, isAction}]
	if !ok {
		return nil, nil
	}
	return &d, nil
}
