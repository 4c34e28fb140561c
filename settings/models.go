package settings

import "time"

// UserSettings is the account-level row for a user. It is provisioned
// administratively; resolving parameters for a user without one fails with
// not-found rather than auto-creating.
type UserSettings struct {
	ID          uint64    `gorm:"primaryKey" json:"id"`
	UserID      uint64    `gorm:"not null;uniqueIndex" json:"user_id"`
	DisplayName string    `gorm:"size:100;not null" json:"display_name"`
	Locale      string    `gorm:"size:10;not null;default:'en-US'" json:"locale"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName maps UserSettings onto the user_settings table.
func (UserSettings) TableName() string {
	return "user_settings"
}

// UserPromptConfig holds one user's prompt configuration: the active preset
// and their default sampling parameters. Nil fields mean "use the built-in
// default for the resolved service". The row is created lazily on first read.
type UserPromptConfig struct {
	ID                uint64    `gorm:"primaryKey" json:"id"`
	UserID            uint64    `gorm:"not null;uniqueIndex" json:"user_id"`
	ActivePresetID    *uint64   `json:"active_preset_id,omitempty"`
	Temperature       *float64  `json:"temperature,omitempty"`
	TopP              *float64  `json:"top_p,omitempty"`
	TopK              *int      `json:"top_k,omitempty"`
	TopA              *float64  `json:"top_a,omitempty"`
	MinP              *float64  `json:"min_p,omitempty"`
	MaxTokens         *int      `json:"max_tokens,omitempty"`
	FrequencyPenalty  *float64  `json:"frequency_penalty,omitempty"`
	PresencePenalty   *float64  `json:"presence_penalty,omitempty"`
	RepetitionPenalty *float64  `json:"repetition_penalty,omitempty"`
	ReasoningEffort   *string   `gorm:"size:16" json:"reasoning_effort,omitempty"`
	ContextSize       *int      `json:"context_size,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TableName maps UserPromptConfig onto the user_prompt_configs table.
func (UserPromptConfig) TableName() string {
	return "user_prompt_configs"
}
