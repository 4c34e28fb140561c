package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store owns the session, message and analysis tables.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db}
}

// NewSessionInput carries the references a fresh session is created with.
type NewSessionInput struct {
	UserID    uint64
	CardID    uint64
	PersonaID *uint64
	WorldID   *uint64
	Title     string
}

func (s *Store) CreateSession(ctx context.Context, input NewSessionInput) (*ChatSession, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sessions: database connection is not configured")
	}
	if input.UserID == 0 || input.CardID == 0 {
		return nil, errors.New("sessions: user id and card id are required")
	}

	now := time.Now().UTC()
	session := ChatSession{
		UserID:    input.UserID,
		CardID:    input.CardID,
		PersonaID: input.PersonaID,
		WorldID:   input.WorldID,
		Title:     input.Title,
		LastMsgAt: now,
	}
	if session.Title == "" {
		session.Title = "New session"
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&session).Error; err != nil {
			return err
		}
		return tx.Create(&SessionState{SessionID: session.ID}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("sessions: create session: %w", err)
	}
	return &session, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID uint64) (*ChatSession, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sessions: database connection is not configured")
	}

	var session ChatSession
	if err := s.db.WithContext(ctx).Take(&session, "id = ?", sessionID).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Store) ListSessions(ctx context.Context, userID uint64) ([]ChatSession, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sessions: database connection is not configured")
	}

	var list []ChatSession
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_msg_at DESC").
		Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

// AppendMessage stores one message at the tail of the session log and bumps
// the session's last-activity timestamp. Seq is assigned from the current tail
// inside the same transaction.
func (s *Store) AppendMessage(ctx context.Context, sessionID uint64, role, content string, extras datatypes.JSON) (*ChatMessage, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sessions: database connection is not configured")
	}
	if role == "" || content == "" {
		return nil, errors.New("sessions: message role and content are required")
	}

	var message ChatMessage
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session ChatSession
		if err := tx.Take(&session, "id = ?", sessionID).Error; err != nil {
			return err
		}

		var lastSeq int
		row := tx.Model(&ChatMessage{}).
			Where("session_id = ?", sessionID).
			Select("COALESCE(MAX(seq), 0)").
			Row()
		if err := row.Scan(&lastSeq); err != nil {
			return err
		}

		message = ChatMessage{
			SessionID: sessionID,
			Seq:       lastSeq + 1,
			Role:      role,
			Content:   content,
			Extras:    extras,
		}
		if err := tx.Create(&message).Error; err != nil {
			return err
		}

		return tx.Model(&ChatSession{}).
			Where("id = ?", sessionID).
			Update("last_msg_at", message.CreatedAt).Error
	})
	if err != nil {
		return nil, err
	}
	return &message, nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID uint64, limit int) ([]ChatMessage, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sessions: database connection is not configured")
	}

	query := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var list []ChatMessage
	if err := query.Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (s *Store) GetMessage(ctx context.Context, messageID uint64) (*ChatMessage, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sessions: database connection is not configured")
	}

	var message ChatMessage
	if err := s.db.WithContext(ctx).Take(&message, "id = ?", messageID).Error; err != nil {
		return nil, err
	}
	return &message, nil
}

// SaveAnalysisSnapshot records the full analysis for one message. Snapshots
// are immutable, so a second write for the same message keeps the first.
func (s *Store) SaveAnalysisSnapshot(ctx context.Context, messageID, sessionID uint64, payload AnalysisPayload) (*FullAnalysisResult, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sessions: database connection is not configured")
	}

	body, err := encodeAnalysisPayload(payload)
	if err != nil {
		return nil, err
	}

	snapshot := FullAnalysisResult{MessageID: messageID, SessionID: sessionID, Payload: body}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}},
		DoNothing: true,
	}).Create(&snapshot).Error; err != nil {
		return nil, fmt.Errorf("sessions: save analysis snapshot: %w", err)
	}

	var stored FullAnalysisResult
	if err := s.db.WithContext(ctx).Take(&stored, "message_id = ?", messageID).Error; err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *Store) GetAnalysisSnapshot(ctx context.Context, messageID uint64) (*FullAnalysisResult, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sessions: database connection is not configured")
	}

	var snapshot FullAnalysisResult
	if err := s.db.WithContext(ctx).Take(&snapshot, "message_id = ?", messageID).Error; err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (s *Store) GetState(ctx context.Context, sessionID uint64) (*SessionState, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sessions: database connection is not configured")
	}

	var state SessionState
	if err := s.db.WithContext(ctx).Take(&state, "session_id = ?", sessionID).Error; err != nil {
		return nil, err
	}
	return &state, nil
}

// UpdateState replaces the session's derived state documents.
func (s *Store) UpdateState(ctx context.Context, sessionID uint64, payload AnalysisPayload) error {
	if s == nil || s.db == nil {
		return errors.New("sessions: database connection is not configured")
	}

	return s.db.WithContext(ctx).Model(&SessionState{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]any{
			"cached_facts":       payload.CachedFacts,
			"relationships":      payload.Relationships,
			"lore_modifications": payload.LoreModifications,
			"active_events":      payload.ActiveEvents,
			"updated_at":         time.Now().UTC(),
		}).Error
}
