package models

import (
	"errors"
	"fmt"
)

// Entry is one catalog model.
type Entry struct {
	ID      string `yaml:"id"`
	OwnedBy string `yaml:"owned_by"`
	Created int64  `yaml:"created"`
	Preview bool   `yaml:"preview"`
}

// Catalog is the YAML document listing the advertised models. OwnedBy and
// Created apply to entries that leave them unset.
type Catalog struct {
	OwnedBy string  `yaml:"owned_by"`
	Created int64   `yaml:"created"`
	Models  []Entry `yaml:"models"`
}

func (c *Catalog) Validate() error {
	if len(c.Models) == 0 {
		return errors.New("catalog lists no models")
	}
	seen := make(map[string]struct{}, len(c.Models))
	for i, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("model %d: id is required", i)
		}
		if _, ok := seen[m.ID]; ok {
			return fmt.Errorf("model %s: duplicate id", m.ID)
		}
		seen[m.ID] = struct{}{}
	}
	return nil
}
