package presets

import (
	"sort"
	"strings"
)

// Segment is one module's contribution to an assembled prompt slot.
type Segment struct {
	Slug            string `json:"slug"`
	Role            string `json:"role"`
	Content         string `json:"content"`
	ForbidOverrides bool   `json:"forbid_overrides"`
}

// AssembledPrompt holds the four fixed slots of a preset assembled for one
// service. Every slot is always present; an empty slot is an empty slice,
// never nil, so callers can address all four without checking.
type AssembledPrompt struct {
	SystemPrefix []Segment `json:"system_prefix"`
	SystemSuffix []Segment `json:"system_suffix"`
	ChatPrefix   []Segment `json:"chat_prefix"`
	ChatSuffix   []Segment `json:"chat_suffix"`
}

// Segments returns the slot for the given position.
func (p *AssembledPrompt) Segments(position InjectionPosition) []Segment {
	switch position {
	case PositionSystemPrefix:
		return p.SystemPrefix
	case PositionSystemSuffix:
		return p.SystemSuffix
	case PositionChatPrefix:
		return p.ChatPrefix
	case PositionChatSuffix:
		return p.ChatSuffix
	default:
		return nil
	}
}

// Text joins the non-empty contents of a slot in assembly order.
func (p *AssembledPrompt) Text(position InjectionPosition) string {
	segments := p.Segments(position)
	parts := make([]string, 0, len(segments))
	for _, segment := range segments {
		if content := strings.TrimSpace(segment.Content); content != "" {
			parts = append(parts, content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// SpliceLimit returns the highest index at which session-specific text may be
// inserted into the slot. A module with the forbid-overrides flag pins the
// limit to its own index: nothing dynamic may follow its content.
func SpliceLimit(segments []Segment) int {
	limit := len(segments)
	for i, segment := range segments {
		if segment.ForbidOverrides && i < limit {
			limit = i
		}
	}
	return limit
}

// Assemble turns a preset into ordered, role-tagged prompt segments for one
// service.
//
// Selection: a module is included iff the service is in its applicable set
// and it is enabled or core. Per-call overrides (keyed by module slug) can
// only disable non-core modules for this call; a stored-disabled module stays
// excluded even when an override names it, and core modules ignore overrides
// entirely. Ordering within each position is ascending by (depth, order) with
// the preset-declared order preserved for equal keys.
//
// A nil preset or a preset without matching modules assembles to four empty
// slots; the only failure mode is an unrecognised service.
func Assemble(preset *Preset, service Service, overrides map[string]bool) (*AssembledPrompt, error) {
	svc, err := ParseService(string(service))
	if err != nil {
		return nil, err
	}

	assembled := &AssembledPrompt{
		SystemPrefix: make([]Segment, 0),
		SystemSuffix: make([]Segment, 0),
		ChatPrefix:   make([]Segment, 0),
		ChatSuffix:   make([]Segment, 0),
	}
	if preset == nil {
		return assembled, nil
	}

	buckets := make(map[InjectionPosition][]PromptModule, 4)
	for _, module := range preset.Modules {
		if !module.Services.Has(svc) {
			continue
		}
		enabled := module.Enabled
		if value, ok := overrides[module.Slug]; ok && !value && !module.IsCore {
			enabled = false
		}
		if !enabled && !module.IsCore {
			continue
		}
		position := module.Position
		if _, err := ParsePosition(string(position)); err != nil {
			position = PositionSystemPrefix
		}
		buckets[position] = append(buckets[position], module)
	}

	for _, position := range AllPositions() {
		selected := buckets[position]
		sort.SliceStable(selected, func(i, j int) bool {
			if selected[i].Depth != selected[j].Depth {
				return selected[i].Depth < selected[j].Depth
			}
			return selected[i].Order < selected[j].Order
		})

		segments := make([]Segment, 0, len(selected))
		for _, module := range selected {
			role := strings.TrimSpace(module.Role)
			if role == "" {
				role = "system"
			}
			segments = append(segments, Segment{
				Slug:            module.Slug,
				Role:            role,
				Content:         module.Content,
				ForbidOverrides: module.ForbidOverrides,
			})
		}

		switch position {
		case PositionSystemPrefix:
			assembled.SystemPrefix = segments
		case PositionSystemSuffix:
			assembled.SystemSuffix = segments
		case PositionChatPrefix:
			assembled.ChatPrefix = segments
		case PositionChatSuffix:
			assembled.ChatSuffix = segments
		}
	}

	return assembled, nil
}
