package presets

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Service identifies one of the four independently configurable LLM call
// purposes.
type Service string

const (
	ServiceGeneration  Service = "generation"
	ServiceAnalysis    Service = "analysis"
	ServiceMaintenance Service = "maintenance"
	ServiceEmbedding   Service = "embedding"
)

var (
	ErrUnknownService  = errors.New("presets: unknown service")
	ErrUnknownPosition = errors.New("presets: unknown injection position")
)

// AllServices lists every recognised service in canonical order.
func AllServices() []Service {
	return []Service{ServiceGeneration, ServiceAnalysis, ServiceMaintenance, ServiceEmbedding}
}

// ParseService normalises and validates a service name.
func ParseService(value string) (Service, error) {
	switch svc := Service(strings.ToLower(strings.TrimSpace(value))); svc {
	case ServiceGeneration, ServiceAnalysis, ServiceMaintenance, ServiceEmbedding:
		return svc, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownService, value)
	}
}

// ServiceSet is the set of services a module applies to. It is persisted as a
// JSON array so the column stays readable, but callers only ever see typed
// Service values.
type ServiceSet []Service

// NewServiceSet builds a deduplicated set preserving first-seen order.
func NewServiceSet(services ...Service) ServiceSet {
	seen := make(map[Service]struct{}, len(services))
	set := make(ServiceSet, 0, len(services))
	for _, svc := range services {
		if _, ok := seen[svc]; ok {
			continue
		}
		seen[svc] = struct{}{}
		set = append(set, svc)
	}
	return set
}

// ParseServiceSet validates raw service names into a ServiceSet.
func ParseServiceSet(values []string) (ServiceSet, error) {
	set := make([]Service, 0, len(values))
	for _, value := range values {
		svc, err := ParseService(value)
		if err != nil {
			return nil, err
		}
		set = append(set, svc)
	}
	return NewServiceSet(set...), nil
}

// Has reports whether svc is a member of the set.
func (s ServiceSet) Has(svc Service) bool {
	for _, member := range s {
		if member == svc {
			return true
		}
	}
	return false
}

// Value implements driver.Valuer.
func (s ServiceSet) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("presets: marshal service set: %w", err)
	}
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (s *ServiceSet) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	var raw []byte
	switch typed := value.(type) {
	case []byte:
		raw = typed
	case string:
		raw = []byte(typed)
	default:
		return fmt.Errorf("presets: cannot scan %T into ServiceSet", value)
	}
	if len(raw) == 0 {
		*s = nil
		return nil
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return fmt.Errorf("presets: unmarshal service set: %w", err)
	}
	parsed, err := ParseServiceSet(names)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// InjectionPosition is one of the four fixed prompt slots a module can land
// in.
type InjectionPosition string

const (
	PositionSystemPrefix InjectionPosition = "system-prefix"
	PositionSystemSuffix InjectionPosition = "system-suffix"
	PositionChatPrefix   InjectionPosition = "chat-prefix"
	PositionChatSuffix   InjectionPosition = "chat-suffix"
)

// AllPositions lists the four slots in assembly order.
func AllPositions() []InjectionPosition {
	return []InjectionPosition{PositionSystemPrefix, PositionSystemSuffix, PositionChatPrefix, PositionChatSuffix}
}

// ParsePosition normalises and validates an injection position.
func ParsePosition(value string) (InjectionPosition, error) {
	switch pos := InjectionPosition(strings.ToLower(strings.TrimSpace(value))); pos {
	case PositionSystemPrefix, PositionSystemSuffix, PositionChatPrefix, PositionChatSuffix:
		return pos, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownPosition, value)
	}
}

// Preset is a named, reusable collection of prompt modules.
type Preset struct {
	ID          uint64         `gorm:"primaryKey" json:"id"`
	Name        string         `gorm:"size:120;not null" json:"name"`
	Description *string        `gorm:"type:text" json:"description,omitempty"`
	Compatible  bool           `gorm:"not null;default:true" json:"compatible"`
	IsDefault   bool           `gorm:"not null;default:false" json:"is_default"`
	Modules     []PromptModule `gorm:"foreignKey:PresetID" json:"modules,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// TableName maps Preset onto the presets table.
func (Preset) TableName() string {
	return "presets"
}

// PromptModule is one unit of prompt content with placement coordinates,
// service applicability and enable/core flags. Slug is stable and unique
// within its preset.
type PromptModule struct {
	ID              uint64            `gorm:"primaryKey" json:"id"`
	PresetID        uint64            `gorm:"not null;index:idx_preset_module_slug,unique" json:"preset_id"`
	Slug            string            `gorm:"size:100;not null;index:idx_preset_module_slug,unique" json:"slug"`
	Name            string            `gorm:"size:120;not null" json:"name"`
	Category        string            `gorm:"size:50" json:"category"`
	Content         string            `gorm:"type:text" json:"content"`
	Enabled         bool              `gorm:"not null;default:true" json:"enabled"`
	Role            string            `gorm:"size:16;not null;default:'system'" json:"role"`
	Position        InjectionPosition `gorm:"size:20;not null;default:'system-prefix'" json:"position"`
	Depth           int               `gorm:"not null;default:0" json:"depth"`
	Order           int               `gorm:"column:sort_order;not null;default:0" json:"order"`
	ForbidOverrides bool              `gorm:"not null;default:false" json:"forbid_overrides"`
	Services        ServiceSet        `gorm:"type:text;not null" json:"services"`
	IsCore          bool              `gorm:"not null;default:false" json:"is_core"`
	ServicePriority int               `gorm:"not null;default:0" json:"service_priority"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// TableName maps PromptModule onto the prompt_modules table.
func (PromptModule) TableName() string {
	return "prompt_modules"
}
