package presets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func modulesOf(segments []Segment) []string {
	slugs := make([]string, 0, len(segments))
	for _, segment := range segments {
		slugs = append(slugs, segment.Slug)
	}
	return slugs
}

func TestAssembleSelectsByServiceAndEnabledFlag(t *testing.T) {
	preset := &Preset{
		Modules: []PromptModule{
			{Slug: "a", Position: PositionSystemPrefix, Depth: 0, Order: 0, Enabled: true, Services: NewServiceSet(ServiceGeneration)},
			{Slug: "b", Position: PositionSystemPrefix, Depth: 0, Order: 1, Enabled: true, Services: NewServiceSet(ServiceGeneration, ServiceAnalysis)},
		},
	}

	analysis, err := Assemble(preset, ServiceAnalysis, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, modulesOf(analysis.SystemPrefix))

	generation, err := Assemble(preset, ServiceGeneration, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, modulesOf(generation.SystemPrefix))
}

func TestAssembleDisabledNonCoreExcludedCoreAlwaysIncluded(t *testing.T) {
	preset := &Preset{
		Modules: []PromptModule{
			{Slug: "off", Position: PositionSystemPrefix, Enabled: false, Services: NewServiceSet(ServiceGeneration)},
			{Slug: "core-off", Position: PositionSystemPrefix, Enabled: false, IsCore: true, Services: NewServiceSet(ServiceGeneration)},
			{Slug: "on", Position: PositionSystemPrefix, Enabled: true, Services: NewServiceSet(ServiceGeneration)},
		},
	}

	assembled, err := Assemble(preset, ServiceGeneration, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"core-off", "on"}, modulesOf(assembled.SystemPrefix))
}

func TestAssembleOverridesCannotDisableCoreModules(t *testing.T) {
	preset := &Preset{
		Modules: []PromptModule{
			{Slug: "core", Position: PositionSystemPrefix, Enabled: true, IsCore: true, Services: NewServiceSet(ServiceGeneration)},
			{Slug: "plain", Position: PositionSystemPrefix, Enabled: true, Services: NewServiceSet(ServiceGeneration)},
		},
	}

	assembled, err := Assemble(preset, ServiceGeneration, map[string]bool{
		"core":  false,
		"plain": false,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"core"}, modulesOf(assembled.SystemPrefix))
}

func TestAssembleOverridesCannotEnableDisabledModules(t *testing.T) {
	preset := &Preset{
		Modules: []PromptModule{
			{Slug: "dormant", Position: PositionSystemPrefix, Enabled: false, Services: NewServiceSet(ServiceGeneration)},
		},
	}

	assembled, err := Assemble(preset, ServiceGeneration, map[string]bool{"dormant": true})
	require.NoError(t, err)
	assert.Empty(t, assembled.SystemPrefix)
}

func TestAssembleOrdersByDepthThenOrderStable(t *testing.T) {
	preset := &Preset{
		Modules: []PromptModule{
			{Slug: "deep", Position: PositionChatPrefix, Depth: 5, Order: 0, Enabled: true, Services: NewServiceSet(ServiceGeneration)},
			{Slug: "tie-first", Position: PositionChatPrefix, Depth: 1, Order: 2, Enabled: true, Services: NewServiceSet(ServiceGeneration)},
			{Slug: "tie-second", Position: PositionChatPrefix, Depth: 1, Order: 2, Enabled: true, Services: NewServiceSet(ServiceGeneration)},
			{Slug: "early", Position: PositionChatPrefix, Depth: 1, Order: 1, Enabled: true, Services: NewServiceSet(ServiceGeneration)},
			{Slug: "first", Position: PositionChatPrefix, Depth: 0, Order: 9, Enabled: true, Services: NewServiceSet(ServiceGeneration)},
		},
	}

	assembled, err := Assemble(preset, ServiceGeneration, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "early", "tie-first", "tie-second", "deep"}, modulesOf(assembled.ChatPrefix))
}

func TestAssembleAlwaysAddressesAllFourPositions(t *testing.T) {
	preset := &Preset{
		Modules: []PromptModule{
			{Slug: "only", Position: PositionSystemSuffix, Enabled: true, Services: NewServiceSet(ServiceMaintenance)},
		},
	}

	assembled, err := Assemble(preset, ServiceMaintenance, nil)
	require.NoError(t, err)
	assert.NotNil(t, assembled.SystemPrefix)
	assert.Empty(t, assembled.SystemPrefix)
	assert.Len(t, assembled.SystemSuffix, 1)
	assert.NotNil(t, assembled.ChatPrefix)
	assert.Empty(t, assembled.ChatPrefix)
	assert.NotNil(t, assembled.ChatSuffix)
	assert.Empty(t, assembled.ChatSuffix)
}

func TestAssembleNilPresetDegradesToEmptyOutput(t *testing.T) {
	assembled, err := Assemble(nil, ServiceEmbedding, nil)
	require.NoError(t, err)
	assert.Empty(t, assembled.SystemPrefix)
	assert.Empty(t, assembled.SystemSuffix)
	assert.Empty(t, assembled.ChatPrefix)
	assert.Empty(t, assembled.ChatSuffix)
}

func TestAssembleRejectsUnknownService(t *testing.T) {
	_, err := Assemble(&Preset{}, Service("speculation"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestAssembleDefaultsRoleToSystem(t *testing.T) {
	preset := &Preset{
		Modules: []PromptModule{
			{Slug: "untagged", Position: PositionSystemPrefix, Enabled: true, Services: NewServiceSet(ServiceGeneration)},
			{Slug: "tagged", Position: PositionSystemPrefix, Enabled: true, Role: "assistant", Services: NewServiceSet(ServiceGeneration)},
		},
	}

	assembled, err := Assemble(preset, ServiceGeneration, nil)
	require.NoError(t, err)
	require.Len(t, assembled.SystemPrefix, 2)
	assert.Equal(t, "system", assembled.SystemPrefix[0].Role)
	assert.Equal(t, "assistant", assembled.SystemPrefix[1].Role)
}

func TestSpliceLimitStopsAtForbidOverridesModule(t *testing.T) {
	segments := []Segment{
		{Slug: "intro"},
		{Slug: "rules", ForbidOverrides: true},
		{Slug: "outro"},
	}
	assert.Equal(t, 1, SpliceLimit(segments))

	open := []Segment{{Slug: "a"}, {Slug: "b"}}
	assert.Equal(t, 2, SpliceLimit(open))

	assert.Equal(t, 0, SpliceLimit(nil))
}

func TestTextJoinsSegmentContents(t *testing.T) {
	prompt := &AssembledPrompt{
		SystemPrefix: []Segment{
			{Content: "You are Mira."},
			{Content: "  "},
			{Content: "Stay in character."},
		},
	}
	assert.Equal(t, "You are Mira.\n\nStay in character.", prompt.Text(PositionSystemPrefix))
	assert.Equal(t, "", prompt.Text(PositionChatSuffix))
}
