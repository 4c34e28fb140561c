package presets

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Library owns preset and module records. Pure data access; the only business
// rule it enforces is slug uniqueness within a preset and the single default
// preset.
type Library struct {
	db *gorm.DB
}

// NewLibrary wraps a database handle.
func NewLibrary(db *gorm.DB) *Library {
	if db == nil {
		return nil
	}
	return &Library{db: db}
}

// CreatePreset inserts a preset together with any attached modules.
func (l *Library) CreatePreset(ctx context.Context, preset *Preset) error {
	if l == nil || l.db == nil {
		return errors.New("presets: database connection is not configured")
	}
	if preset == nil {
		return errors.New("presets: preset is required")
	}
	preset.Name = strings.TrimSpace(preset.Name)
	if preset.Name == "" {
		return errors.New("presets: preset name is required")
	}
	return l.db.WithContext(ctx).Create(preset).Error
}

// GetPreset loads a preset with its modules in declared order.
func (l *Library) GetPreset(ctx context.Context, id uint64) (*Preset, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("presets: database connection is not configured")
	}
	var preset Preset
	err := l.db.WithContext(ctx).
		Preload("Modules", func(db *gorm.DB) *gorm.DB {
			return db.Order("id ASC")
		}).
		Take(&preset, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &preset, nil
}

// ListPresets returns all presets without their modules.
func (l *Library) ListPresets(ctx context.Context) ([]Preset, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("presets: database connection is not configured")
	}
	var list []Preset
	if err := l.db.WithContext(ctx).Order("id ASC").Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

// DeletePreset removes a preset and its modules in one transaction.
func (l *Library) DeletePreset(ctx context.Context, id uint64) error {
	if l == nil || l.db == nil {
		return errors.New("presets: database connection is not configured")
	}
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var preset Preset
		if err := tx.Take(&preset, "id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Where("preset_id = ?", id).Delete(&PromptModule{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Preset{}, id).Error
	})
}

// DefaultPreset returns the preset flagged as the system default.
func (l *Library) DefaultPreset(ctx context.Context) (*Preset, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("presets: database connection is not configured")
	}
	var preset Preset
	err := l.db.WithContext(ctx).
		Preload("Modules", func(db *gorm.DB) *gorm.DB {
			return db.Order("id ASC")
		}).
		Where("is_default = ?", true).
		Take(&preset).Error
	if err != nil {
		return nil, err
	}
	return &preset, nil
}

// SetDefaultPreset atomically moves the default flag onto the given preset.
func (l *Library) SetDefaultPreset(ctx context.Context, id uint64) error {
	if l == nil || l.db == nil {
		return errors.New("presets: database connection is not configured")
	}
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var preset Preset
		if err := tx.Take(&preset, "id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Model(&Preset{}).Where("is_default = ?", true).Update("is_default", false).Error; err != nil {
			return err
		}
		return tx.Model(&Preset{}).Where("id = ?", id).Update("is_default", true).Error
	})
}

// UpsertModule inserts or updates a module keyed by (preset_id, slug).
func (l *Library) UpsertModule(ctx context.Context, presetID uint64, module *PromptModule) error {
	if l == nil || l.db == nil {
		return errors.New("presets: database connection is not configured")
	}
	if module == nil {
		return errors.New("presets: module is required")
	}
	module.PresetID = presetID
	module.Slug = strings.TrimSpace(module.Slug)
	if module.Slug == "" {
		return errors.New("presets: module slug is required")
	}
	if _, err := ParsePosition(string(module.Position)); err != nil {
		return err
	}
	if len(module.Services) == 0 {
		return errors.New("presets: module must apply to at least one service")
	}

	var preset Preset
	if err := l.db.WithContext(ctx).Take(&preset, "id = ?", presetID).Error; err != nil {
		return err
	}

	return l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "preset_id"}, {Name: "slug"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "category", "content", "enabled", "role", "position",
			"depth", "sort_order", "forbid_overrides", "services", "is_core",
			"service_priority", "updated_at",
		}),
	}).Create(module).Error
}

// AssemblePreset loads a preset and assembles it for the given service.
func (l *Library) AssemblePreset(ctx context.Context, presetID uint64, service Service, overrides map[string]bool) (*AssembledPrompt, error) {
	if _, err := ParseService(string(service)); err != nil {
		return nil, err
	}
	preset, err := l.GetPreset(ctx, presetID)
	if err != nil {
		return nil, err
	}
	return Assemble(preset, service, overrides)
}
