package cards

import (
	"time"

	"gorm.io/datatypes"
)

// Card is a character/scenario definition a session is anchored to.
type Card struct {
	ID          uint64         `gorm:"primaryKey" json:"id"`
	Name        string         `gorm:"size:100;not null" json:"name"`
	Tagline     *string        `gorm:"size:255" json:"tagline,omitempty"`
	Description *string        `gorm:"type:text" json:"description,omitempty"`
	OpeningLine *string        `gorm:"type:text" json:"opening_line,omitempty"`
	PortraitURL *string        `gorm:"size:255" json:"portrait_url,omitempty"`
	Tags        datatypes.JSON `gorm:"type:json" json:"tags,omitempty"`
	CreatedBy   uint64         `gorm:"not null;index" json:"created_by"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (Card) TableName() string {
	return "cards"
}

// Persona is the user-side identity a session speaks as.
type Persona struct {
	ID          uint64    `gorm:"primaryKey" json:"id"`
	UserID      uint64    `gorm:"not null;index" json:"user_id"`
	Name        string    `gorm:"size:100;not null" json:"name"`
	Description *string   `gorm:"type:text" json:"description,omitempty"`
	PortraitURL *string   `gorm:"size:255" json:"portrait_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Persona) TableName() string {
	return "personas"
}

// World is a shared setting with lore entries cards can play in.
type World struct {
	ID          uint64         `gorm:"primaryKey" json:"id"`
	Name        string         `gorm:"size:100;not null" json:"name"`
	Description *string        `gorm:"type:text" json:"description,omitempty"`
	LoreEntries datatypes.JSON `gorm:"type:json" json:"lore_entries,omitempty"`
	CreatedBy   uint64         `gorm:"not null;index" json:"created_by"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (World) TableName() string {
	return "worlds"
}
