// Package models serves the static list of models the bridge advertises.
package models

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/memohai/clibridge/internal/chat"
	"github.com/memohai/clibridge/internal/config"
)

//go:embed catalog.yaml
var defaultCatalog []byte

type Service struct {
	catalog      Catalog
	preview      bool
	settingsPath string
	logger       *slog.Logger
}

// NewService loads the catalog from cfg.CatalogPath, or the built-in one.
// settingsPath is the external program's settings file; its
// general.previewFeatures flag also enables preview models.
func NewService(log *slog.Logger, cfg config.ModelsConfig, settingsPath string) (*Service, error) {
	data := defaultCatalog
	if cfg.CatalogPath != "" {
		raw, err := os.ReadFile(cfg.CatalogPath)
		if err != nil {
			return nil, fmt.Errorf("read model catalog: %w", err)
		}
		data = raw
	}
	catalog, err := ParseCatalog(data)
	if err != nil {
		return nil, err
	}
	return &Service{
		catalog:      catalog,
		preview:      cfg.Preview,
		settingsPath: settingsPath,
		logger:       log.With(slog.String("service", "models")),
	}, nil
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("decode model catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

// List returns the models in catalog order.
func (s *Service) List(_ context.Context) chat.ModelList {
	preview := s.previewEnabled()
	list := chat.ModelList{Object: chat.ObjectList, Data: make([]chat.Model, 0, len(s.catalog.Models))}
	for _, m := range s.catalog.Models {
		if m.Preview && !preview {
			continue
		}
		owner, created := m.OwnedBy, m.Created
		if owner == "" {
			owner = s.catalog.OwnedBy
		}
		if created == 0 {
			created = s.catalog.Created
		}
		list.Data = append(list.Data, chat.Model{ID: m.ID, Object: chat.ObjectModel, Created: created, OwnedBy: owner})
	}
	return list
}

// previewEnabled re-reads the settings file so a flag flip needs no restart.
func (s *Service) previewEnabled() bool {
	if s.preview {
		return true
	}
	if s.settingsPath == "" {
		return false
	}
	data, err := os.ReadFile(s.settingsPath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("read settings failed", slog.Any("error", err))
		}
		return false
	}
	return gjson.GetBytes(data, "general.previewFeatures").Bool()
}
