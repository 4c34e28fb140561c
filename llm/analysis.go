package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"fabula_back/presets"
	"fabula_back/sessions"
)

const analysisInstruction = `Review the conversation and report the derived state as JSON with exactly these keys:
"cached_facts" (array of established facts), "relationships" (object mapping names to standing),
"lore_modifications" (array of changes to the setting), "active_events" (array of ongoing events).
Respond with the JSON object only.`

// RunAnalysis performs a full analysis of the session as of one message,
// stores the immutable snapshot and refreshes the session's derived state.
// Call duration is recorded whether the provider call succeeds or fails.
func (m *Module) RunAnalysis(ctx context.Context, userID, sessionID, messageID uint64) (*sessions.FullAnalysisResult, error) {
	if m == nil || m.client == nil {
		return nil, errors.New("llm: client is not configured")
	}

	message, err := m.deps.Sessions.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if message.SessionID != sessionID {
		return nil, fmt.Errorf("llm: message %d does not belong to session %d", messageID, sessionID)
	}

	params, err := m.deps.Settings.Resolve(ctx, userID, presets.ServiceAnalysis, nil)
	if err != nil {
		return nil, err
	}

	prompt, err := m.activePrompt(ctx, userID, presets.ServiceAnalysis, nil)
	if err != nil {
		return nil, err
	}

	system := prompt.Text(presets.PositionSystemPrefix)
	if system == "" {
		system = "You are a conversation analyst."
	}
	system += "\n\n" + analysisInstruction

	history, err := m.deps.Sessions.ListMessages(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}

	messages := make([]ChatMessage, 0, len(history)+2)
	messages = append(messages, ChatMessage{Role: "system", Content: system})
	for _, msg := range history {
		if msg.Seq > message.Seq {
			break
		}
		messages = append(messages, ChatMessage{Role: msg.Role, Content: msg.Content})
	}

	stop := m.durations.startTimer("analysis")
	result, err := m.client.Chat(ctx, params, messages)
	stop()
	if err != nil {
		return nil, err
	}

	payload, err := parseAnalysisPayload(result.Content)
	if err != nil {
		return nil, err
	}

	snapshot, err := m.deps.Sessions.SaveAnalysisSnapshot(ctx, messageID, sessionID, payload)
	if err != nil {
		return nil, err
	}
	if err := m.deps.Sessions.UpdateState(ctx, sessionID, payload); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// parseAnalysisPayload extracts the JSON document from the model output,
// tolerating surrounding prose and code fences.
func parseAnalysisPayload(raw string) (sessions.AnalysisPayload, error) {
	var payload sessions.AnalysisPayload

	trimmed := strings.TrimSpace(raw)
	if start := strings.Index(trimmed, "{"); start >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			trimmed = trimmed[start : end+1]
		}
	}
	if trimmed == "" {
		return payload, errors.New("llm: analysis response is empty")
	}

	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return payload, fmt.Errorf("llm: parse analysis response: %w", err)
	}
	return payload, nil
}
