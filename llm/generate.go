package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"fabula_back/presets"
	"fabula_back/sessions"
	"fabula_back/settings"
)

const (
	defaultHistoryWindow = 40
	historyTokensPerTurn = 256
	minHistoryWindow     = 8
	maxHistoryWindow     = 200
)

// historyWindow sizes the history tail from the resolved context size,
// budgeting roughly historyTokensPerTurn tokens per turn.
func historyWindow(contextSize int) int {
	if contextSize <= 0 {
		return defaultHistoryWindow
	}
	window := contextSize / historyTokensPerTurn
	if window < minHistoryWindow {
		return minHistoryWindow
	}
	if window > maxHistoryWindow {
		return maxHistoryWindow
	}
	return window
}

// promptPlan is the fully composed message list for one generation call,
// together with the parameters it resolves to.
type promptPlan struct {
	params   *settings.CallParameters
	messages []ChatMessage
}

// spliceSegments joins a position's segment contents with dynamic text
// inserted at the splice limit, so content behind a forbid-overrides module
// stays last.
func spliceSegments(segments []presets.Segment, dynamic string) string {
	limit := presets.SpliceLimit(segments)

	parts := make([]string, 0, len(segments)+1)
	for _, segment := range segments[:limit] {
		if trimmed := strings.TrimSpace(segment.Content); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	if trimmed := strings.TrimSpace(dynamic); trimmed != "" {
		parts = append(parts, trimmed)
	}
	for _, segment := range segments[limit:] {
		if trimmed := strings.TrimSpace(segment.Content); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return strings.Join(parts, "\n\n")
}

// activePrompt assembles the user's active preset, falling back to the system
// default preset, for the given service.
func (m *Module) activePrompt(ctx context.Context, userID uint64, service presets.Service, overrides map[string]bool) (*presets.AssembledPrompt, error) {
	presetID, err := m.deps.Settings.ActivePresetID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if presetID != nil {
		return m.deps.Presets.AssemblePreset(ctx, *presetID, service, overrides)
	}

	preset, err := m.deps.Presets.DefaultPreset(ctx)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return presets.Assemble(nil, service, overrides)
		}
		return nil, err
	}
	return presets.Assemble(preset, service, overrides)
}

// scenePrompt renders the session's card, persona and world into one system
// block.
func (m *Module) scenePrompt(ctx context.Context, session *sessions.ChatSession) string {
	var sections []string

	if card, err := m.deps.Cards.GetCard(ctx, session.CardID); err == nil {
		var block strings.Builder
		fmt.Fprintf(&block, "You are %s.", card.Name)
		if card.Description != nil && strings.TrimSpace(*card.Description) != "" {
			block.WriteString("\n" + strings.TrimSpace(*card.Description))
		}
		sections = append(sections, block.String())
	}

	if session.PersonaID != nil {
		if persona, err := m.deps.Cards.GetPersona(ctx, *session.PersonaID); err == nil {
			block := "The user plays " + persona.Name + "."
			if persona.Description != nil && strings.TrimSpace(*persona.Description) != "" {
				block += "\n" + strings.TrimSpace(*persona.Description)
			}
			sections = append(sections, block)
		}
	}

	if session.WorldID != nil {
		if world, err := m.deps.Cards.GetWorld(ctx, *session.WorldID); err == nil {
			if world.Description != nil && strings.TrimSpace(*world.Description) != "" {
				sections = append(sections, "Setting: "+world.Name+"\n"+strings.TrimSpace(*world.Description))
			}
		}
	}

	return strings.Join(sections, "\n\n")
}

// statePrompt renders the session's derived state so the model keeps tracked
// facts in view.
func (m *Module) statePrompt(ctx context.Context, sessionID uint64) string {
	state, err := m.deps.Sessions.GetState(ctx, sessionID)
	if err != nil {
		return ""
	}

	var sections []string
	if len(state.CachedFacts) > 0 && string(state.CachedFacts) != "null" {
		sections = append(sections, "Established facts: "+string(state.CachedFacts))
	}
	if len(state.Relationships) > 0 && string(state.Relationships) != "null" {
		sections = append(sections, "Relationships: "+string(state.Relationships))
	}
	if len(state.ActiveEvents) > 0 && string(state.ActiveEvents) != "null" {
		sections = append(sections, "Active events: "+string(state.ActiveEvents))
	}
	return strings.Join(sections, "\n")
}

// buildGenerationPlan resolves parameters, assembles the prompt and splices
// session context and history into the final message list. A non-zero
// upToSeq cuts the history after that sequence number, for regeneration.
func (m *Module) buildGenerationPlan(ctx context.Context, userID uint64, session *sessions.ChatSession, userMessage string, upToSeq int, overrides *settings.CallOverrides, moduleOverrides map[string]bool) (*promptPlan, error) {
	params, err := m.deps.Settings.Resolve(ctx, userID, presets.ServiceGeneration, overrides)
	if err != nil {
		return nil, err
	}

	prompt, err := m.activePrompt(ctx, userID, presets.ServiceGeneration, moduleOverrides)
	if err != nil {
		return nil, err
	}

	scene := m.scenePrompt(ctx, session)
	state := m.statePrompt(ctx, session.ID)
	dynamic := strings.TrimSpace(strings.Join([]string{scene, state}, "\n\n"))

	window := historyWindow(params.ContextSize)
	messages := make([]ChatMessage, 0, window+8)

	if text := spliceSegments(prompt.Segments(presets.PositionSystemPrefix), dynamic); text != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: text})
	}

	for _, segment := range prompt.Segments(presets.PositionChatPrefix) {
		if strings.TrimSpace(segment.Content) == "" {
			continue
		}
		messages = append(messages, ChatMessage{Role: segment.Role, Content: segment.Content})
	}

	history, err := m.deps.Sessions.ListMessages(ctx, session.ID, 0)
	if err != nil {
		return nil, err
	}
	if upToSeq > 0 {
		cut := len(history)
		for i, msg := range history {
			if msg.Seq > upToSeq {
				cut = i
				break
			}
		}
		history = history[:cut]
	}
	if len(history) > window {
		history = history[len(history)-window:]
	}
	for _, msg := range history {
		messages = append(messages, ChatMessage{Role: msg.Role, Content: msg.Content})
	}

	if trimmed := strings.TrimSpace(userMessage); trimmed != "" {
		messages = append(messages, ChatMessage{Role: "user", Content: trimmed})
	}

	for _, segment := range prompt.Segments(presets.PositionChatSuffix) {
		if strings.TrimSpace(segment.Content) == "" {
			continue
		}
		messages = append(messages, ChatMessage{Role: segment.Role, Content: segment.Content})
	}

	if text := prompt.Text(presets.PositionSystemSuffix); text != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: text})
	}

	return &promptPlan{params: params, messages: messages}, nil
}
