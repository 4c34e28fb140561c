package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrSessionIntegrity reports a message whose owning session row is gone.
// This cannot happen through the public API and is surfaced, not repaired.
var ErrSessionIntegrity = errors.New("sessions: message references a missing session")

const branchTitleSuffix = " (branch)"

// CreateBranch forks a session at one of its historical messages. The new
// session carries the original's card, persona and world references, a copy
// of every message up to and including the branch point, and derived state
// rehydrated from the branch-point message's analysis snapshot. The whole
// operation is one transaction; a missing snapshot rolls everything back.
func (s *Store) CreateBranch(ctx context.Context, messageID uint64) (*ChatSession, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sessions: database connection is not configured")
	}

	var message ChatMessage
	if err := s.db.WithContext(ctx).Take(&message, "id = ?", messageID).Error; err != nil {
		return nil, fmt.Errorf("sessions: branch point message %d: %w", messageID, err)
	}

	var origin ChatSession
	if err := s.db.WithContext(ctx).Take(&origin, "id = ?", message.SessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: message %d, session %d", ErrSessionIntegrity, messageID, message.SessionID)
		}
		return nil, err
	}

	var branch ChatSession
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		branch = ChatSession{
			UserID:    origin.UserID,
			CardID:    origin.CardID,
			PersonaID: origin.PersonaID,
			WorldID:   origin.WorldID,
			Title:     origin.Title + branchTitleSuffix,
			LastMsgAt: message.CreatedAt,
		}
		if err := tx.Create(&branch).Error; err != nil {
			return err
		}

		var prefix []ChatMessage
		if err := tx.Where("session_id = ? AND created_at <= ?", origin.ID, message.CreatedAt).
			Order("seq ASC").
			Find(&prefix).Error; err != nil {
			return err
		}

		for _, original := range prefix {
			copied := ChatMessage{
				SessionID: branch.ID,
				Seq:       original.Seq,
				Role:      original.Role,
				Content:   original.Content,
				Extras:    original.Extras,
				CreatedAt: original.CreatedAt,
			}
			if err := tx.Create(&copied).Error; err != nil {
				return err
			}
		}

		var snapshot FullAnalysisResult
		if err := tx.Take(&snapshot, "message_id = ?", messageID).Error; err != nil {
			return fmt.Errorf("sessions: analysis snapshot for message %d: %w", messageID, err)
		}

		payload, err := decodeAnalysisPayload(snapshot.Payload)
		if err != nil {
			return err
		}

		state := SessionState{
			SessionID:         branch.ID,
			CachedFacts:       payload.CachedFacts,
			Relationships:     payload.Relationships,
			LoreModifications: payload.LoreModifications,
			ActiveEvents:      payload.ActiveEvents,
			UpdatedAt:         time.Now().UTC(),
		}
		return tx.Create(&state).Error
	})
	if err != nil {
		return nil, err
	}
	return &branch, nil
}

func encodeAnalysisPayload(payload AnalysisPayload) (datatypes.JSON, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("sessions: encode analysis payload: %w", err)
	}
	return datatypes.JSON(body), nil
}

func decodeAnalysisPayload(raw []byte) (AnalysisPayload, error) {
	var payload AnalysisPayload
	if len(raw) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("sessions: decode analysis payload: %w", err)
	}
	return payload, nil
}
