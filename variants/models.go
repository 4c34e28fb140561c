package variants

import (
	"time"

	"gorm.io/datatypes"
)

// TempMessageVariant is an alternate, not-yet-committed response generated
// during regeneration. It exclusively owns its memory and analysis rows;
// discarding the variant removes all of them together.
type TempMessageVariant struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	SessionID uint64    `gorm:"column:session_id;index:idx_variants_session" json:"session_id"`
	MessageID uint64    `gorm:"column:message_id;index:idx_variants_message" json:"message_id"`
	Content   string    `gorm:"type:text" json:"content"`
	CreatedAt time.Time `json:"created_at"`

	Memories []TempVariantMemory  `gorm:"foreignKey:VariantID;constraint:OnDelete:CASCADE" json:"memories,omitempty"`
	Analysis *TempVariantAnalysis `gorm:"foreignKey:VariantID;constraint:OnDelete:CASCADE" json:"analysis,omitempty"`
}

func (TempMessageVariant) TableName() string {
	return "temp_message_variants"
}

// TempVariantMemory is one retrieved content entry used to ground a variant.
type TempVariantMemory struct {
	ID        uint64         `gorm:"primaryKey" json:"id"`
	VariantID uint64         `gorm:"column:variant_id;index:idx_variant_memories_variant" json:"variant_id"`
	SessionID uint64         `gorm:"column:session_id" json:"session_id"`
	VectorRef string         `gorm:"column:vector_ref;size:64" json:"vector_ref"`
	Content   string         `gorm:"type:text" json:"content"`
	Metadata  datatypes.JSON `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func (TempVariantMemory) TableName() string {
	return "temp_variant_memories"
}

// TempVariantAnalysis is the analysis run for one variant, at most one per
// variant.
type TempVariantAnalysis struct {
	ID          uint64         `gorm:"primaryKey" json:"id"`
	VariantID   uint64         `gorm:"column:variant_id;uniqueIndex:idx_variant_analysis_variant" json:"variant_id"`
	SessionID   uint64         `gorm:"column:session_id" json:"session_id"`
	Payload     datatypes.JSON `gorm:"type:json" json:"payload"`
	UserMessage string         `gorm:"type:text" json:"user_message"`
	AIResponse  string         `gorm:"column:ai_response;type:text" json:"ai_response"`
	RAGResults  datatypes.JSON `gorm:"column:rag_results;type:json" json:"rag_results,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

func (TempVariantAnalysis) TableName() string {
	return "temp_variant_analyses"
}
