package variants

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"fabula_back/retrieval"
	"fabula_back/sessions"
)

// Ledger manages variant-scoped memory and analysis rows. Their lifecycle is
// bound to the owning variant; nothing reads them after the variant is gone.
type Ledger struct {
	db       *gorm.DB
	sessions *sessions.Store
	searcher *retrieval.Searcher
}

// NewLedger wraps a database handle. The session store is required for
// commit; the searcher is optional and disables grounding when nil.
func NewLedger(db *gorm.DB, sessionStore *sessions.Store, searcher *retrieval.Searcher) *Ledger {
	if db == nil {
		return nil
	}
	return &Ledger{db: db, sessions: sessionStore, searcher: searcher}
}

func (l *Ledger) CreateVariant(ctx context.Context, sessionID, messageID uint64, content string) (*TempMessageVariant, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("variants: database connection is not configured")
	}
	if sessionID == 0 || messageID == 0 {
		return nil, errors.New("variants: session id and message id are required")
	}

	variant := TempMessageVariant{SessionID: sessionID, MessageID: messageID, Content: content}
	if err := l.db.WithContext(ctx).Create(&variant).Error; err != nil {
		return nil, fmt.Errorf("variants: create variant: %w", err)
	}
	return &variant, nil
}

// GetVariant loads a variant with its memory and analysis children.
func (l *Ledger) GetVariant(ctx context.Context, variantID uint64) (*TempMessageVariant, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("variants: database connection is not configured")
	}

	var variant TempMessageVariant
	if err := l.db.WithContext(ctx).
		Preload("Memories").
		Preload("Analysis").
		Take(&variant, "id = ?", variantID).Error; err != nil {
		return nil, err
	}
	return &variant, nil
}

// AttachMemory records one retrieved content entry for a variant. A memory
// without a vector reference is written into the index first so later
// grounding queries can find it.
func (l *Ledger) AttachMemory(ctx context.Context, variantID, sessionID uint64, vectorRef, content string, metadata datatypes.JSON) (*TempVariantMemory, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("variants: database connection is not configured")
	}

	if err := l.requireVariant(ctx, variantID); err != nil {
		return nil, err
	}

	if vectorRef == "" && l.searcher != nil {
		var meta map[string]any
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &meta)
		}
		ref, err := l.searcher.Index(ctx, sessionID, content, meta)
		if err != nil {
			log.Printf("variants: index memory for variant %d: %v", variantID, err)
		} else {
			vectorRef = ref
		}
	}

	memory := TempVariantMemory{
		VariantID: variantID,
		SessionID: sessionID,
		VectorRef: vectorRef,
		Content:   content,
		Metadata:  metadata,
	}
	if err := l.db.WithContext(ctx).Create(&memory).Error; err != nil {
		return nil, fmt.Errorf("variants: attach memory: %w", err)
	}
	return &memory, nil
}

// AttachAnalysis records the analysis run for a variant. A variant holds at
// most one analysis; a second attach replaces the first.
func (l *Ledger) AttachAnalysis(ctx context.Context, variantID, sessionID uint64, payload datatypes.JSON, userMessage, aiResponse string, ragResults datatypes.JSON) (*TempVariantAnalysis, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("variants: database connection is not configured")
	}

	if err := l.requireVariant(ctx, variantID); err != nil {
		return nil, err
	}

	analysis := TempVariantAnalysis{
		VariantID:   variantID,
		SessionID:   sessionID,
		Payload:     payload,
		UserMessage: userMessage,
		AIResponse:  aiResponse,
		RAGResults:  ragResults,
	}
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("variant_id = ?", variantID).Delete(&TempVariantAnalysis{}).Error; err != nil {
			return err
		}
		return tx.Create(&analysis).Error
	})
	if err != nil {
		return nil, fmt.Errorf("variants: attach analysis: %w", err)
	}
	return &analysis, nil
}

// SetContent replaces the variant's candidate response text.
func (l *Ledger) SetContent(ctx context.Context, variantID uint64, content string) error {
	if l == nil || l.db == nil {
		return errors.New("variants: database connection is not configured")
	}

	result := l.db.WithContext(ctx).Model(&TempMessageVariant{}).
		Where("id = ?", variantID).
		Update("content", content)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Ground queries the vector index for content related to the query and
// attaches every match as a memory row. Returns the attached memories.
func (l *Ledger) Ground(ctx context.Context, variantID uint64, query string, limit int) ([]TempVariantMemory, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("variants: database connection is not configured")
	}
	if l.searcher == nil {
		return nil, nil
	}

	var variant TempMessageVariant
	if err := l.db.WithContext(ctx).Take(&variant, "id = ?", variantID).Error; err != nil {
		return nil, err
	}

	matches, err := l.searcher.Search(ctx, variant.SessionID, query, limit)
	if err != nil {
		return nil, err
	}

	attached := make([]TempVariantMemory, 0, len(matches))
	for _, match := range matches {
		metadata, err := json.Marshal(match.Metadata)
		if err != nil {
			return nil, fmt.Errorf("variants: encode match metadata: %w", err)
		}
		memory, err := l.AttachMemory(ctx, variantID, variant.SessionID, match.Ref, match.Content, datatypes.JSON(metadata))
		if err != nil {
			return nil, err
		}
		attached = append(attached, *memory)
	}
	return attached, nil
}

// Commit promotes the variant's content into the session log and removes the
// variant with its children. The promoted reply is written into the vector
// index so it is searchable by later grounding runs.
func (l *Ledger) Commit(ctx context.Context, variantID uint64) (*sessions.ChatMessage, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("variants: database connection is not configured")
	}
	if l.sessions == nil {
		return nil, errors.New("variants: session store is not configured")
	}

	variant, err := l.GetVariant(ctx, variantID)
	if err != nil {
		return nil, err
	}

	message, err := l.sessions.AppendMessage(ctx, variant.SessionID, "assistant", variant.Content, nil)
	if err != nil {
		return nil, err
	}

	if l.searcher != nil {
		if _, err := l.searcher.Index(ctx, variant.SessionID, variant.Content, map[string]any{
			"role":       "assistant",
			"message_id": message.ID,
		}); err != nil {
			log.Printf("variants: index committed message %d: %v", message.ID, err)
		}
	}

	if err := l.Discard(ctx, variantID); err != nil {
		return nil, err
	}
	return message, nil
}

// Discard deletes the variant and, in the same transaction, every memory and
// analysis row it owns. A missing variant is a no-op.
func (l *Ledger) Discard(ctx context.Context, variantID uint64) error {
	if l == nil || l.db == nil {
		return errors.New("variants: database connection is not configured")
	}

	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("variant_id = ?", variantID).Delete(&TempVariantMemory{}).Error; err != nil {
			return err
		}
		if err := tx.Where("variant_id = ?", variantID).Delete(&TempVariantAnalysis{}).Error; err != nil {
			return err
		}
		return tx.Delete(&TempMessageVariant{}, "id = ?", variantID).Error
	})
}

func (l *Ledger) requireVariant(ctx context.Context, variantID uint64) error {
	var count int64
	if err := l.db.WithContext(ctx).Model(&TempMessageVariant{}).
		Where("id = ?", variantID).
		Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("variants: variant %d: %w", variantID, gorm.ErrRecordNotFound)
	}
	return nil
}
