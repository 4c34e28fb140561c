package settings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fabula_back/presets"
)

// Resolver merges built-in defaults, a user's stored prompt configuration and
// explicit per-call overrides into a complete parameter set per service.
type Resolver struct {
	db    *gorm.DB
	cache *resolvedCache
}

// NewResolver wraps a database handle. A nil redis client disables the
// resolved-parameter cache.
func NewResolver(db *gorm.DB, redisClient *redis.Client) *Resolver {
	if db == nil {
		return nil
	}
	return &Resolver{db: db, cache: newResolvedCache(redisClient)}
}

// CreateUser provisions the account-level settings row for a user.
func (r *Resolver) CreateUser(ctx context.Context, userID uint64, displayName, locale string) (*UserSettings, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("settings: database connection is not configured")
	}
	if userID == 0 {
		return nil, errors.New("settings: user id is required")
	}

	account := UserSettings{UserID: userID, DisplayName: displayName, Locale: locale}
	if account.Locale == "" {
		account.Locale = "en-US"
	}
	if err := r.db.WithContext(ctx).Create(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// GetOrCreate returns the user's prompt configuration, creating an empty row
// with schema defaults on first read. The insert races through the unique
// user index with an on-conflict-do-nothing clause, so concurrent first calls
// for the same user resolve to a single row.
func (r *Resolver) GetOrCreate(ctx context.Context, userID uint64) (*UserPromptConfig, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("settings: database connection is not configured")
	}
	if userID == 0 {
		return nil, errors.New("settings: user id is required")
	}

	seed := UserPromptConfig{UserID: userID}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&seed).Error; err != nil {
		return nil, fmt.Errorf("settings: create prompt config: %w", err)
	}

	var config UserPromptConfig
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Take(&config).Error; err != nil {
		return nil, err
	}
	return &config, nil
}

// Resolve produces the complete parameter set for one service. Precedence,
// highest first: caller overrides, the user's stored configuration, the
// built-in default block for that service. The four services resolve
// independently; an unknown user fails with the underlying not-found error.
func (r *Resolver) Resolve(ctx context.Context, userID uint64, service presets.Service, overrides *CallOverrides) (*CallParameters, error) {
	svc, err := presets.ParseService(string(service))
	if err != nil {
		return nil, err
	}
	if r == nil || r.db == nil {
		return nil, errors.New("settings: database connection is not configured")
	}

	var account UserSettings
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Take(&account).Error; err != nil {
		return nil, fmt.Errorf("settings: user %d: %w", userID, err)
	}

	if overrides == nil {
		if cached := r.cache.get(ctx, userID, svc); cached != nil {
			return cached, nil
		}
	}

	config, err := r.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	params := builtinDefaults(svc)
	applyStoredConfig(&params, config, svc)
	applyOverrides(&params, overrides)

	if overrides == nil {
		r.cache.store(ctx, userID, svc, &params)
	}
	return &params, nil
}

// ActivePresetID returns the user's chosen preset, nil meaning "use the
// system default preset".
func (r *Resolver) ActivePresetID(ctx context.Context, userID uint64) (*uint64, error) {
	config, err := r.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	return config.ActivePresetID, nil
}

// ConfigUpdate carries a partial update of a user's prompt configuration.
// Nil fields are untouched; ClearActivePreset resets the preset reference to
// the system default.
type ConfigUpdate struct {
	ActivePresetID    *uint64  `json:"active_preset_id,omitempty"`
	ClearActivePreset bool     `json:"clear_active_preset,omitempty"`
	Temperature       *float64 `json:"temperature,omitempty"`
	TopP              *float64 `json:"top_p,omitempty"`
	TopK              *int     `json:"top_k,omitempty"`
	TopA              *float64 `json:"top_a,omitempty"`
	MinP              *float64 `json:"min_p,omitempty"`
	MaxTokens         *int     `json:"max_tokens,omitempty"`
	FrequencyPenalty  *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty   *float64 `json:"presence_penalty,omitempty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty"`
	ReasoningEffort   *string  `json:"reasoning_effort,omitempty"`
	ContextSize       *int     `json:"context_size,omitempty"`
}

// UpdateConfig applies a partial update and invalidates the cached resolution
// for every service.
func (r *Resolver) UpdateConfig(ctx context.Context, userID uint64, update ConfigUpdate) (*UserPromptConfig, error) {
	config, err := r.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	changes := map[string]any{"updated_at": time.Now().UTC()}
	if update.ClearActivePreset {
		changes["active_preset_id"] = gorm.Expr("NULL")
	} else if update.ActivePresetID != nil {
		changes["active_preset_id"] = *update.ActivePresetID
	}
	if update.Temperature != nil {
		changes["temperature"] = *update.Temperature
	}
	if update.TopP != nil {
		changes["top_p"] = *update.TopP
	}
	if update.TopK != nil {
		changes["top_k"] = *update.TopK
	}
	if update.TopA != nil {
		changes["top_a"] = *update.TopA
	}
	if update.MinP != nil {
		changes["min_p"] = *update.MinP
	}
	if update.MaxTokens != nil {
		changes["max_tokens"] = *update.MaxTokens
	}
	if update.FrequencyPenalty != nil {
		changes["frequency_penalty"] = *update.FrequencyPenalty
	}
	if update.PresencePenalty != nil {
		changes["presence_penalty"] = *update.PresencePenalty
	}
	if update.RepetitionPenalty != nil {
		changes["repetition_penalty"] = *update.RepetitionPenalty
	}
	if update.ReasoningEffort != nil {
		changes["reasoning_effort"] = *update.ReasoningEffort
	}
	if update.ContextSize != nil {
		changes["context_size"] = *update.ContextSize
	}

	if err := r.db.WithContext(ctx).Model(&UserPromptConfig{}).
		Where("id = ?", config.ID).
		Updates(changes).Error; err != nil {
		return nil, err
	}

	r.cache.invalidate(ctx, userID)

	var updated UserPromptConfig
	if err := r.db.WithContext(ctx).Take(&updated, "id = ?", config.ID).Error; err != nil {
		return nil, err
	}
	return &updated, nil
}

// applyStoredConfig copies the user's stored defaults over the built-in
// block. Sampling fields do not apply to the embedding service; it has no
// sampling surface.
func applyStoredConfig(params *CallParameters, config *UserPromptConfig, service presets.Service) {
	if params == nil || config == nil {
		return
	}
	if config.ContextSize != nil {
		params.ContextSize = *config.ContextSize
	}
	if service == presets.ServiceEmbedding {
		return
	}
	if config.Temperature != nil {
		params.Temperature = *config.Temperature
	}
	if config.TopP != nil {
		params.TopP = *config.TopP
	}
	if config.TopK != nil {
		params.TopK = *config.TopK
	}
	if config.TopA != nil {
		params.TopA = *config.TopA
	}
	if config.MinP != nil {
		params.MinP = *config.MinP
	}
	if config.MaxTokens != nil {
		params.MaxTokens = *config.MaxTokens
	}
	if config.FrequencyPenalty != nil {
		params.FrequencyPenalty = *config.FrequencyPenalty
	}
	if config.PresencePenalty != nil {
		params.PresencePenalty = *config.PresencePenalty
	}
	if config.RepetitionPenalty != nil {
		params.RepetitionPenalty = *config.RepetitionPenalty
	}
	if config.ReasoningEffort != nil {
		params.ReasoningEffort = *config.ReasoningEffort
	}
}

func applyOverrides(params *CallParameters, overrides *CallOverrides) {
	if params == nil || overrides == nil {
		return
	}
	if overrides.Provider != nil {
		params.Provider = *overrides.Provider
	}
	if overrides.Model != nil {
		params.Model = *overrides.Model
	}
	if overrides.Temperature != nil {
		params.Temperature = *overrides.Temperature
	}
	if overrides.TopP != nil {
		params.TopP = *overrides.TopP
	}
	if overrides.TopK != nil {
		params.TopK = *overrides.TopK
	}
	if overrides.TopA != nil {
		params.TopA = *overrides.TopA
	}
	if overrides.MinP != nil {
		params.MinP = *overrides.MinP
	}
	if overrides.MaxTokens != nil {
		params.MaxTokens = *overrides.MaxTokens
	}
	if overrides.FrequencyPenalty != nil {
		params.FrequencyPenalty = *overrides.FrequencyPenalty
	}
	if overrides.PresencePenalty != nil {
		params.PresencePenalty = *overrides.PresencePenalty
	}
	if overrides.RepetitionPenalty != nil {
		params.RepetitionPenalty = *overrides.RepetitionPenalty
	}
	if overrides.ReasoningEffort != nil {
		params.ReasoningEffort = *overrides.ReasoningEffort
	}
	if overrides.ContextSize != nil {
		params.ContextSize = *overrides.ContextSize
	}
}
