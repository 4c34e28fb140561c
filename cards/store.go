package cards

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Store owns the card, persona and world tables.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db}
}

// NewCardInput carries the fields a card is created with.
type NewCardInput struct {
	Name        string
	Tagline     *string
	Description *string
	OpeningLine *string
	Tags        datatypes.JSON
	CreatedBy   uint64
}

func (s *Store) CreateCard(ctx context.Context, input NewCardInput) (*Card, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("cards: database connection is not configured")
	}
	if input.Name == "" || input.CreatedBy == 0 {
		return nil, errors.New("cards: name and creator are required")
	}

	card := Card{
		Name:        input.Name,
		Tagline:     input.Tagline,
		Description: input.Description,
		OpeningLine: input.OpeningLine,
		Tags:        input.Tags,
		CreatedBy:   input.CreatedBy,
	}
	if err := s.db.WithContext(ctx).Create(&card).Error; err != nil {
		return nil, fmt.Errorf("cards: create card: %w", err)
	}
	return &card, nil
}

func (s *Store) GetCard(ctx context.Context, cardID uint64) (*Card, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("cards: database connection is not configured")
	}

	var card Card
	if err := s.db.WithContext(ctx).Take(&card, "id = ?", cardID).Error; err != nil {
		return nil, err
	}
	return &card, nil
}

func (s *Store) ListCards(ctx context.Context, limit int) ([]Card, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("cards: database connection is not configured")
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var list []Card
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (s *Store) SetCardPortrait(ctx context.Context, cardID uint64, portraitURL string) error {
	if s == nil || s.db == nil {
		return errors.New("cards: database connection is not configured")
	}

	result := s.db.WithContext(ctx).Model(&Card{}).
		Where("id = ?", cardID).
		Update("portrait_url", portraitURL)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// NewPersonaInput carries the fields a persona is created with.
type NewPersonaInput struct {
	UserID      uint64
	Name        string
	Description *string
}

func (s *Store) CreatePersona(ctx context.Context, input NewPersonaInput) (*Persona, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("cards: database connection is not configured")
	}
	if input.Name == "" || input.UserID == 0 {
		return nil, errors.New("cards: persona name and user are required")
	}

	persona := Persona{UserID: input.UserID, Name: input.Name, Description: input.Description}
	if err := s.db.WithContext(ctx).Create(&persona).Error; err != nil {
		return nil, fmt.Errorf("cards: create persona: %w", err)
	}
	return &persona, nil
}

func (s *Store) GetPersona(ctx context.Context, personaID uint64) (*Persona, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("cards: database connection is not configured")
	}

	var persona Persona
	if err := s.db.WithContext(ctx).Take(&persona, "id = ?", personaID).Error; err != nil {
		return nil, err
	}
	return &persona, nil
}

func (s *Store) ListPersonas(ctx context.Context, userID uint64) ([]Persona, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("cards: database connection is not configured")
	}

	var list []Persona
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("id ASC").Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

// NewWorldInput carries the fields a world is created with.
type NewWorldInput struct {
	Name        string
	Description *string
	LoreEntries datatypes.JSON
	CreatedBy   uint64
}

func (s *Store) CreateWorld(ctx context.Context, input NewWorldInput) (*World, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("cards: database connection is not configured")
	}
	if input.Name == "" || input.CreatedBy == 0 {
		return nil, errors.New("cards: world name and creator are required")
	}

	world := World{
		Name:        input.Name,
		Description: input.Description,
		LoreEntries: input.LoreEntries,
		CreatedBy:   input.CreatedBy,
	}
	if err := s.db.WithContext(ctx).Create(&world).Error; err != nil {
		return nil, fmt.Errorf("cards: create world: %w", err)
	}
	return &world, nil
}

func (s *Store) GetWorld(ctx context.Context, worldID uint64) (*World, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("cards: database connection is not configured")
	}

	var world World
	if err := s.db.WithContext(ctx).Take(&world, "id = ?", worldID).Error; err != nil {
		return nil, err
	}
	return &world, nil
}
