package settings

import (
	"os"
	"strings"

	"fabula_back/presets"
)

// CallParameters is the complete parameter set for one LLM invocation,
// resolved for a specific service. Credentials stay in the environment and
// are attached by the llm client, never stored here.
type CallParameters struct {
	Service           presets.Service `json:"service"`
	Provider          string          `json:"provider"`
	Model             string          `json:"model"`
	Temperature       float64         `json:"temperature"`
	TopP              float64         `json:"top_p"`
	TopK              int             `json:"top_k"`
	TopA              float64         `json:"top_a"`
	MinP              float64         `json:"min_p"`
	MaxTokens         int             `json:"max_tokens"`
	FrequencyPenalty  float64         `json:"frequency_penalty"`
	PresencePenalty   float64         `json:"presence_penalty"`
	RepetitionPenalty float64         `json:"repetition_penalty"`
	ReasoningEffort   string          `json:"reasoning_effort"`
	ContextSize       int             `json:"context_size"`
}

// CallOverrides are explicit per-call values supplied by the caller. They
// take precedence over both the stored configuration and the built-in
// defaults.
type CallOverrides struct {
	Provider          *string  `json:"provider,omitempty"`
	Model             *string  `json:"model,omitempty"`
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

const (
	defaultProvider = "qiniu"

	defaultGenerationModel  = "gpt-oss-120b"
	defaultAnalysisModel    = "deepseek/deepseek-v3.1-terminus"
	defaultMaintenanceModel = "x-ai/grok-4-fast"
	defaultEmbeddingModel   = "text-embedding-v4"
)

// builtinDefaults returns the complete built-in parameter block for one
// service. Each of the four services carries its own block; a missing stored
// value never falls back to another service's resolution.
func builtinDefaults(service presets.Service) CallParameters {
	base := CallParameters{
		Service:     service,
		Provider:    envDefault("LLM_PROVIDER", defaultProvider),
		ContextSize: 16384,
	}

	switch service {
	case presets.ServiceGeneration:
		base.Model = envDefault("LLM_GENERATION_MODEL", defaultGenerationModel)
		base.Temperature = 0.85
		base.TopP = 0.95
		base.TopK = 40
		base.MinP = 0.05
		base.MaxTokens = 1024
		base.RepetitionPenalty = 1.05
		base.ReasoningEffort = "low"
	case presets.ServiceAnalysis:
		base.Model = envDefault("LLM_ANALYSIS_MODEL", defaultAnalysisModel)
		base.Temperature = 0.2
		base.TopP = 0.9
		base.MaxTokens = 2048
		base.RepetitionPenalty = 1.0
		base.ReasoningEffort = "high"
	case presets.ServiceMaintenance:
		base.Model = envDefault("LLM_MAINTENANCE_MODEL", defaultMaintenanceModel)
		base.Temperature = 0.3
		base.TopP = 0.9
		base.MaxTokens = 512
		base.RepetitionPenalty = 1.0
		base.ReasoningEffort = "low"
	case presets.ServiceEmbedding:
		base.Model = envDefault("EMBEDDING_MODEL_ID", defaultEmbeddingModel)
		base.MaxTokens = 0
		base.ContextSize = 8192
	}

	return base
}

func envDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
