package presets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// PresetDocument is the JSON interchange format for preset import.
type PresetDocument struct {
	Name        string           `json:"name"`
	Description *string          `json:"description,omitempty"`
	Compatible  *bool            `json:"compatible,omitempty"`
	IsDefault   bool             `json:"is_default,omitempty"`
	Modules     []ModuleDocument `json:"modules"`
}

// ModuleDocument describes one module inside a preset document.
type ModuleDocument struct {
	Slug            string   `json:"slug"`
	Name            string   `json:"name"`
	Category        string   `json:"category,omitempty"`
	Content         string   `json:"content"`
	Enabled         *bool    `json:"enabled,omitempty"`
	Role            string   `json:"role,omitempty"`
	Position        string   `json:"position"`
	Depth           int      `json:"depth"`
	Order           int      `json:"order"`
	ForbidOverrides bool     `json:"forbid_overrides,omitempty"`
	Services        []string `json:"services"`
	IsCore          bool     `json:"is_core,omitempty"`
	ServicePriority int      `json:"service_priority,omitempty"`
}

// ImportDocument validates a preset document and creates the preset with all
// of its modules in one transaction.
func (l *Library) ImportDocument(ctx context.Context, doc PresetDocument) (*Preset, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("presets: database connection is not configured")
	}

	name := strings.TrimSpace(doc.Name)
	if name == "" {
		return nil, errors.New("presets: preset name is required")
	}

	modules := make([]PromptModule, 0, len(doc.Modules))
	seen := make(map[string]struct{}, len(doc.Modules))
	for i, md := range doc.Modules {
		module, err := buildModule(md)
		if err != nil {
			return nil, fmt.Errorf("presets: module %d: %w", i, err)
		}
		if _, dup := seen[module.Slug]; dup {
			return nil, fmt.Errorf("presets: duplicate module slug %q", module.Slug)
		}
		seen[module.Slug] = struct{}{}
		modules = append(modules, module)
	}

	preset := Preset{
		Name:       name,
		Compatible: true,
	}
	if doc.Description != nil {
		if description := strings.TrimSpace(*doc.Description); description != "" {
			preset.Description = &description
		}
	}
	if doc.Compatible != nil {
		preset.Compatible = *doc.Compatible
	}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&preset).Error; err != nil {
			return err
		}
		for i := range modules {
			modules[i].PresetID = preset.ID
		}
		if len(modules) > 0 {
			if err := tx.Create(&modules).Error; err != nil {
				return err
			}
		}
		if doc.IsDefault {
			if err := tx.Model(&Preset{}).Where("is_default = ?", true).Update("is_default", false).Error; err != nil {
				return err
			}
			if err := tx.Model(&Preset{}).Where("id = ?", preset.ID).Update("is_default", true).Error; err != nil {
				return err
			}
			preset.IsDefault = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	preset.Modules = modules
	return &preset, nil
}

func buildModule(md ModuleDocument) (PromptModule, error) {
	slug := strings.TrimSpace(md.Slug)
	if slug == "" {
		slug = slugify(md.Name)
	}
	if slug == "" {
		return PromptModule{}, errors.New("slug or name is required")
	}

	position, err := ParsePosition(md.Position)
	if err != nil {
		return PromptModule{}, err
	}

	services, err := ParseServiceSet(md.Services)
	if err != nil {
		return PromptModule{}, err
	}
	if len(services) == 0 {
		return PromptModule{}, errors.New("at least one applicable service is required")
	}

	name := strings.TrimSpace(md.Name)
	if name == "" {
		name = slug
	}
	role := strings.ToLower(strings.TrimSpace(md.Role))
	if role == "" {
		role = "system"
	}

	module := PromptModule{
		Slug:            slug,
		Name:            name,
		Category:        strings.TrimSpace(md.Category),
		Content:         md.Content,
		Enabled:         true,
		Role:            role,
		Position:        position,
		Depth:           md.Depth,
		Order:           md.Order,
		ForbidOverrides: md.ForbidOverrides,
		Services:        services,
		IsCore:          md.IsCore,
		ServicePriority: md.ServicePriority,
	}
	if md.Enabled != nil {
		module.Enabled = *md.Enabled
	}
	return module, nil
}

func slugify(value string) string {
	lower := strings.ToLower(strings.TrimSpace(value))
	var builder strings.Builder
	lastDash := true
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			builder.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				builder.WriteRune('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(builder.String(), "-")
}
