package sessions

import (
	"time"

	"gorm.io/datatypes"
)

// ChatSession is one conversation between a user and a card, anchored to a
// persona and world.
type ChatSession struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	UserID    uint64    `gorm:"column:user_id;index:idx_chat_sessions_user" json:"user_id"`
	CardID    uint64    `gorm:"column:card_id" json:"card_id"`
	PersonaID *uint64   `gorm:"column:persona_id" json:"persona_id,omitempty"`
	WorldID   *uint64   `gorm:"column:world_id" json:"world_id,omitempty"`
	Title     string    `gorm:"size:255" json:"title"`
	LastMsgAt time.Time `gorm:"column:last_msg_at" json:"last_msg_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ChatSession) TableName() string {
	return "chat_sessions"
}

// ChatMessage is one entry in a session's chronological log. Extras carries
// provider metadata (latency, token counts) as an opaque JSON document.
type ChatMessage struct {
	ID        uint64         `gorm:"primaryKey" json:"id"`
	SessionID uint64         `gorm:"column:session_id;index:idx_chat_messages_session" json:"session_id"`
	Seq       int            `gorm:"column:seq" json:"seq"`
	Role      string         `gorm:"size:32" json:"role"`
	Content   string         `gorm:"type:text" json:"content"`
	Extras    datatypes.JSON `gorm:"type:json" json:"extras,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func (ChatMessage) TableName() string {
	return "chat_messages"
}

// FullAnalysisResult is an immutable snapshot of derived conversational state
// as of one message. Exactly one snapshot may exist per message; it is written
// once and never updated.
type FullAnalysisResult struct {
	ID        uint64         `gorm:"primaryKey" json:"id"`
	MessageID uint64         `gorm:"column:message_id;uniqueIndex:idx_analysis_message" json:"message_id"`
	SessionID uint64         `gorm:"column:session_id;index:idx_analysis_session" json:"session_id"`
	Payload   datatypes.JSON `gorm:"type:json" json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

func (FullAnalysisResult) TableName() string {
	return "full_analysis_results"
}

// SessionState is the mutable derived state of one session, maintained by the
// analysis pipeline and rehydrated wholesale when a session is branched.
type SessionState struct {
	ID                uint64         `gorm:"primaryKey" json:"id"`
	SessionID         uint64         `gorm:"column:session_id;uniqueIndex:idx_session_state_session" json:"session_id"`
	CachedFacts       datatypes.JSON `gorm:"type:json" json:"cached_facts,omitempty"`
	Relationships     datatypes.JSON `gorm:"type:json" json:"relationships,omitempty"`
	LoreModifications datatypes.JSON `gorm:"type:json" json:"lore_modifications,omitempty"`
	ActiveEvents      datatypes.JSON `gorm:"type:json" json:"active_events,omitempty"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

func (SessionState) TableName() string {
	return "session_states"
}

// AnalysisPayload is the structured body of a FullAnalysisResult. The four
// documents mirror the SessionState columns so a snapshot can rehydrate a
// branched session directly.
type AnalysisPayload struct {
	CachedFacts       datatypes.JSON `json:"cached_facts,omitempty"`
	Relationships     datatypes.JSON `json:"relationships,omitempty"`
	LoreModifications datatypes.JSON `json:"lore_modifications,omitempty"`
	ActiveEvents      datatypes.JSON `json:"active_events,omitempty"`
}
