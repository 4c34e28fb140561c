package presets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestLibrary(t *testing.T) *Library {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Preset{}, &PromptModule{}))
	return NewLibrary(db)
}

func sampleDocument() PresetDocument {
	return PresetDocument{
		Name: "Forest Tavern",
		Modules: []ModuleDocument{
			{
				Slug:     "main-system",
				Name:     "Main System",
				Content:  "You are the narrator.",
				Position: "system-prefix",
				Services: []string{"generation", "analysis"},
				IsCore:   true,
			},
			{
				Slug:     "style",
				Name:     "Style Guide",
				Content:  "Write in second person.",
				Position: "system-suffix",
				Depth:    2,
				Services: []string{"generation"},
			},
		},
	}
}

func TestImportDocumentCreatesPresetWithModules(t *testing.T) {
	library := newTestLibrary(t)
	ctx := context.Background()

	preset, err := library.ImportDocument(ctx, sampleDocument())
	require.NoError(t, err)
	require.NotZero(t, preset.ID)
	require.Len(t, preset.Modules, 2)

	loaded, err := library.GetPreset(ctx, preset.ID)
	require.NoError(t, err)
	assert.Equal(t, "Forest Tavern", loaded.Name)
	require.Len(t, loaded.Modules, 2)
	assert.Equal(t, "main-system", loaded.Modules[0].Slug)
	assert.True(t, loaded.Modules[0].IsCore)
	assert.True(t, loaded.Modules[0].Services.Has(ServiceAnalysis))
	assert.False(t, loaded.Modules[1].Services.Has(ServiceAnalysis))
}

func TestImportDocumentRejectsUnknownServiceAndPosition(t *testing.T) {
	library := newTestLibrary(t)
	ctx := context.Background()

	doc := sampleDocument()
	doc.Modules[0].Services = []string{"generation", "telepathy"}
	_, err := library.ImportDocument(ctx, doc)
	assert.ErrorIs(t, err, ErrUnknownService)

	doc = sampleDocument()
	doc.Modules[1].Position = "sideways"
	_, err = library.ImportDocument(ctx, doc)
	assert.ErrorIs(t, err, ErrUnknownPosition)

	var count int64
	require.NoError(t, library.db.Model(&Preset{}).Count(&count).Error)
	assert.Zero(t, count, "failed imports must not leave partial presets")
}

func TestImportDocumentRejectsDuplicateSlugs(t *testing.T) {
	library := newTestLibrary(t)

	doc := sampleDocument()
	doc.Modules[1].Slug = doc.Modules[0].Slug
	_, err := library.ImportDocument(context.Background(), doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate module slug")
}

func TestSetDefaultPresetSwapsAtomically(t *testing.T) {
	library := newTestLibrary(t)
	ctx := context.Background()

	first, err := library.ImportDocument(ctx, sampleDocument())
	require.NoError(t, err)
	second, err := library.ImportDocument(ctx, PresetDocument{Name: "Minimal"})
	require.NoError(t, err)

	require.NoError(t, library.SetDefaultPreset(ctx, first.ID))
	def, err := library.DefaultPreset(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, def.ID)

	require.NoError(t, library.SetDefaultPreset(ctx, second.ID))
	def, err = library.DefaultPreset(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, def.ID)

	var defaults int64
	require.NoError(t, library.db.Model(&Preset{}).Where("is_default = ?", true).Count(&defaults).Error)
	assert.EqualValues(t, 1, defaults)
}

func TestUpsertModuleUpdatesOnSlugConflict(t *testing.T) {
	library := newTestLibrary(t)
	ctx := context.Background()

	preset, err := library.ImportDocument(ctx, sampleDocument())
	require.NoError(t, err)

	update := PromptModule{
		Slug:     "style",
		Name:     "Style Guide v2",
		Content:  "Write in first person.",
		Enabled:  false,
		Position: PositionSystemSuffix,
		Depth:    3,
		Services: NewServiceSet(ServiceGeneration, ServiceMaintenance),
	}
	require.NoError(t, library.UpsertModule(ctx, preset.ID, &update))

	loaded, err := library.GetPreset(ctx, preset.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Modules, 2, "upsert must not add a second row for the same slug")

	var style *PromptModule
	for i := range loaded.Modules {
		if loaded.Modules[i].Slug == "style" {
			style = &loaded.Modules[i]
		}
	}
	require.NotNil(t, style)
	assert.Equal(t, "Style Guide v2", style.Name)
	assert.Equal(t, 3, style.Depth)
	assert.False(t, style.Enabled)
	assert.True(t, style.Services.Has(ServiceMaintenance))
}

func TestUpsertModuleRequiresServicesAndKnownPosition(t *testing.T) {
	library := newTestLibrary(t)
	ctx := context.Background()

	preset, err := library.ImportDocument(ctx, PresetDocument{Name: "Empty"})
	require.NoError(t, err)

	err = library.UpsertModule(ctx, preset.ID, &PromptModule{Slug: "x", Position: PositionChatPrefix})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one service")

	err = library.UpsertModule(ctx, preset.ID, &PromptModule{
		Slug: "x", Position: InjectionPosition("nowhere"), Services: NewServiceSet(ServiceGeneration),
	})
	assert.ErrorIs(t, err, ErrUnknownPosition)
}

func TestAssemblePresetEndToEnd(t *testing.T) {
	library := newTestLibrary(t)
	ctx := context.Background()

	preset, err := library.ImportDocument(ctx, sampleDocument())
	require.NoError(t, err)

	assembled, err := library.AssemblePreset(ctx, preset.ID, ServiceGeneration, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"main-system"}, modulesOf(assembled.SystemPrefix))
	assert.Equal(t, []string{"style"}, modulesOf(assembled.SystemSuffix))

	_, err = library.AssemblePreset(ctx, preset.ID, Service("nope"), nil)
	assert.ErrorIs(t, err, ErrUnknownService)

	_, err = library.AssemblePreset(ctx, preset.ID+99, ServiceGeneration, nil)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestServiceSetRoundTripsThroughStore(t *testing.T) {
	library := newTestLibrary(t)
	ctx := context.Background()

	preset, err := library.ImportDocument(ctx, sampleDocument())
	require.NoError(t, err)

	var raw string
	require.NoError(t, library.db.Model(&PromptModule{}).
		Where("preset_id = ? AND slug = ?", preset.ID, "main-system").
		Pluck("services", &raw).Error)
	assert.JSONEq(t, `["generation","analysis"]`, raw)

	loaded, err := library.GetPreset(ctx, preset.ID)
	require.NoError(t, err)
	assert.Equal(t, NewServiceSet(ServiceGeneration, ServiceAnalysis), loaded.Modules[0].Services)
}
