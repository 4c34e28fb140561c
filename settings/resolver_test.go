package settings

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"fabula_back/presets"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&UserSettings{}, &UserPromptConfig{}))

	return NewResolver(db, nil)
}

func seedUser(t *testing.T, resolver *Resolver, userID uint64) {
	t.Helper()
	_, err := resolver.CreateUser(context.Background(), userID, "Test User", "")
	require.NoError(t, err)
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	resolver := newTestResolver(t)
	ctx := context.Background()

	first, err := resolver.GetOrCreate(ctx, 7)
	require.NoError(t, err)
	second, err := resolver.GetOrCreate(ctx, 7)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, resolver.db.Model(&UserPromptConfig{}).Where("user_id = ?", 7).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestGetOrCreateConcurrentFirstCalls(t *testing.T) {
	// Shared in-memory sqlite serialises connections; a file-backed database
	// lets the goroutines actually race through the on-conflict insert.
	dsn := filepath.Join(t.TempDir(), "settings.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&UserSettings{}, &UserPromptConfig{}))
	resolver := NewResolver(db, nil)

	const workers = 8
	ids := make(chan uint64, workers)
	errs := make(chan error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			config, err := resolver.GetOrCreate(context.Background(), 99)
			if err != nil {
				errs <- err
				return
			}
			ids <- config.ID
		}()
	}
	wg.Wait()
	close(ids)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	var first uint64
	for id := range ids {
		if first == 0 {
			first = id
		}
		assert.Equal(t, first, id)
	}

	var count int64
	require.NoError(t, db.Model(&UserPromptConfig{}).Where("user_id = ?", 99).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestResolveUnknownUser(t *testing.T) {
	resolver := newTestResolver(t)

	_, err := resolver.Resolve(context.Background(), 42, presets.ServiceGeneration, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestResolveUnknownService(t *testing.T) {
	resolver := newTestResolver(t)
	seedUser(t, resolver, 1)

	_, err := resolver.Resolve(context.Background(), 1, presets.Service("translation"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, presets.ErrUnknownService)
}

func TestResolveBuiltinDefaults(t *testing.T) {
	resolver := newTestResolver(t)
	ctx := context.Background()
	seedUser(t, resolver, 1)

	params, err := resolver.Resolve(ctx, 1, presets.ServiceGeneration, nil)
	require.NoError(t, err)

	assert.Equal(t, presets.ServiceGeneration, params.Service)
	assert.NotEmpty(t, params.Provider)
	assert.NotEmpty(t, params.Model)
	assert.InDelta(t, 0.85, params.Temperature, 1e-9)
	assert.Equal(t, 1024, params.MaxTokens)
}

func TestResolvePrecedence(t *testing.T) {
	resolver := newTestResolver(t)
	ctx := context.Background()
	seedUser(t, resolver, 1)

	storedTemp := 0.4
	storedTokens := 2000
	_, err := resolver.UpdateConfig(ctx, 1, ConfigUpdate{
		Temperature: &storedTemp,
		MaxTokens:   &storedTokens,
	})
	require.NoError(t, err)

	// Stored config beats the built-in block.
	params, err := resolver.Resolve(ctx, 1, presets.ServiceGeneration, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, params.Temperature, 1e-9)
	assert.Equal(t, 2000, params.MaxTokens)
	assert.InDelta(t, 0.95, params.TopP, 1e-9)

	// Caller overrides beat the stored config, field by field.
	overrideTemp := 1.1
	params, err = resolver.Resolve(ctx, 1, presets.ServiceGeneration, &CallOverrides{Temperature: &overrideTemp})
	require.NoError(t, err)
	assert.InDelta(t, 1.1, params.Temperature, 1e-9)
	assert.Equal(t, 2000, params.MaxTokens)
}

func TestResolveServicesAreIndependent(t *testing.T) {
	resolver := newTestResolver(t)
	ctx := context.Background()
	seedUser(t, resolver, 1)

	generation, err := resolver.Resolve(ctx, 1, presets.ServiceGeneration, nil)
	require.NoError(t, err)
	analysis, err := resolver.Resolve(ctx, 1, presets.ServiceAnalysis, nil)
	require.NoError(t, err)
	maintenance, err := resolver.Resolve(ctx, 1, presets.ServiceMaintenance, nil)
	require.NoError(t, err)

	assert.NotEqual(t, generation.Model, analysis.Model)
	assert.NotEqual(t, analysis.Model, maintenance.Model)
	assert.InDelta(t, 0.2, analysis.Temperature, 1e-9)
	assert.InDelta(t, 0.3, maintenance.Temperature, 1e-9)
}

func TestResolveEmbeddingIgnoresSamplingConfig(t *testing.T) {
	resolver := newTestResolver(t)
	ctx := context.Background()
	seedUser(t, resolver, 1)

	storedTemp := 1.5
	storedCtx := 4096
	_, err := resolver.UpdateConfig(ctx, 1, ConfigUpdate{
		Temperature: &storedTemp,
		ContextSize: &storedCtx,
	})
	require.NoError(t, err)

	params, err := resolver.Resolve(ctx, 1, presets.ServiceEmbedding, nil)
	require.NoError(t, err)

	assert.Zero(t, params.Temperature)
	assert.Equal(t, 4096, params.ContextSize)
}

func TestUpdateConfigClearActivePreset(t *testing.T) {
	resolver := newTestResolver(t)
	ctx := context.Background()
	seedUser(t, resolver, 1)

	presetID := uint64(12)
	config, err := resolver.UpdateConfig(ctx, 1, ConfigUpdate{ActivePresetID: &presetID})
	require.NoError(t, err)
	require.NotNil(t, config.ActivePresetID)
	assert.EqualValues(t, 12, *config.ActivePresetID)

	config, err = resolver.UpdateConfig(ctx, 1, ConfigUpdate{ClearActivePreset: true})
	require.NoError(t, err)
	assert.Nil(t, config.ActivePresetID)
}
