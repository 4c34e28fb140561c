package cards

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	filestore "fabula_back/storage"
)

const portraitURLExpiry = 15 * time.Minute

// Module wires the card store, portrait storage and HTTP surface together.
type Module struct {
	db        *gorm.DB
	store     *Store
	portraits *filestore.AssetStore
}

// RegisterRoutes initialises the cards module and mounts its routes under
// /cards, /personas and /worlds.
func RegisterRoutes(router *gin.Engine) (*Module, error) {
	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&Card{}, &Persona{}, &World{}); err != nil {
		return nil, err
	}

	portraits, err := filestore.NewAssetStoreFromEnv()
	if err != nil {
		return nil, err
	}

	module := &Module{db: db, store: NewStore(db), portraits: portraits}

	group := router.Group("/cards")
	group.GET("", module.handleListCards)
	group.POST("", module.handleCreateCard)
	group.GET("/:id", module.handleGetCard)
	group.POST("/:id/portrait", module.handleUploadPortrait)

	personas := router.Group("/personas")
	personas.GET("", module.handleListPersonas)
	personas.POST("", module.handleCreatePersona)

	worlds := router.Group("/worlds")
	worlds.POST("", module.handleCreateWorld)
	worlds.GET("/:id", module.handleGetWorld)

	return module, nil
}

// Store exposes the card store to sibling modules.
func (m *Module) Store() *Store {
	if m == nil {
		return nil
	}
	return m.store
}

// applyPortraitURL swaps a stored object reference for a short-lived signed
// URL when object storage is configured.
func (m *Module) applyPortraitURL(ctx context.Context, url **string) {
	if m == nil || url == nil || *url == nil {
		return
	}

	trimmed := strings.TrimSpace(**url)
	if trimmed == "" {
		*url = nil
		return
	}
	**url = trimmed

	if m.portraits == nil || !m.portraits.Enabled() {
		return
	}

	signed, err := m.portraits.PresignedURL(ctx, trimmed, portraitURLExpiry)
	if err != nil {
		log.Printf("cards: presign portrait url failed: %v", err)
		return
	}
	**url = signed
}

type createCardRequest struct {
	Name        string         `json:"name" binding:"required"`
	Tagline     *string        `json:"tagline"`
	Description *string        `json:"description"`
	OpeningLine *string        `json:"opening_line"`
	Tags        datatypes.JSON `json:"tags"`
	CreatedBy   uint64         `json:"created_by" binding:"required"`
}

func (m *Module) handleCreateCard(c *gin.Context) {
	var req createCardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and created_by are required"})
		return
	}

	card, err := m.store.CreateCard(c.Request.Context(), NewCardInput{
		Name:        req.Name,
		Tagline:     req.Tagline,
		Description: req.Description,
		OpeningLine: req.OpeningLine,
		Tags:        req.Tags,
		CreatedBy:   req.CreatedBy,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create card", "details": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, card)
}

func (m *Module) handleListCards(c *gin.Context) {
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}

	list, err := m.store.ListCards(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list cards", "details": err.Error()})
		return
	}
	for i := range list {
		m.applyPortraitURL(c.Request.Context(), &list[i].PortraitURL)
	}
	c.JSON(http.StatusOK, gin.H{"cards": list})
}

func (m *Module) handleGetCard(c *gin.Context) {
	cardID, ok := parseCardID(c)
	if !ok {
		return
	}

	card, err := m.store.GetCard(c.Request.Context(), cardID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "card not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load card", "details": err.Error()})
		return
	}
	m.applyPortraitURL(c.Request.Context(), &card.PortraitURL)
	c.JSON(http.StatusOK, card)
}

func (m *Module) handleUploadPortrait(c *gin.Context) {
	cardID, ok := parseCardID(c)
	if !ok {
		return
	}

	if m.portraits == nil || !m.portraits.Enabled() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "object storage is not configured"})
		return
	}

	file, err := c.FormFile("portrait")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "portrait file is required"})
		return
	}

	objectURL, err := m.portraits.SavePortrait(c.Request.Context(), file, "cards", strconv.FormatUint(cardID, 10))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to store portrait", "details": err.Error()})
		return
	}

	if err := m.store.SetCardPortrait(c.Request.Context(), cardID, objectURL); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "card not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save portrait", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"portrait_url": objectURL})
}

type createPersonaRequest struct {
	UserID      uint64  `json:"user_id" binding:"required"`
	Name        string  `json:"name" binding:"required"`
	Description *string `json:"description"`
}

func (m *Module) handleCreatePersona(c *gin.Context) {
	var req createPersonaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and name are required"})
		return
	}

	persona, err := m.store.CreatePersona(c.Request.Context(), NewPersonaInput{
		UserID:      req.UserID,
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create persona", "details": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, persona)
}

func (m *Module) handleListPersonas(c *gin.Context) {
	userID, err := strconv.ParseUint(strings.TrimSpace(c.Query("user_id")), 10, 64)
	if err != nil || userID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id query parameter is required"})
		return
	}

	list, err := m.store.ListPersonas(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list personas", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"personas": list})
}

type createWorldRequest struct {
	Name        string         `json:"name" binding:"required"`
	Description *string        `json:"description"`
	LoreEntries datatypes.JSON `json:"lore_entries"`
	CreatedBy   uint64         `json:"created_by" binding:"required"`
}

func (m *Module) handleCreateWorld(c *gin.Context) {
	var req createWorldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and created_by are required"})
		return
	}

	world, err := m.store.CreateWorld(c.Request.Context(), NewWorldInput{
		Name:        req.Name,
		Description: req.Description,
		LoreEntries: req.LoreEntries,
		CreatedBy:   req.CreatedBy,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create world", "details": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, world)
}

func (m *Module) handleGetWorld(c *gin.Context) {
	raw := strings.TrimSpace(c.Param("id"))
	worldID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || worldID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
		return
	}

	world, err := m.store.GetWorld(c.Request.Context(), worldID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "world not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load world", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, world)
}

func parseCardID(c *gin.Context) (uint64, bool) {
	raw := strings.TrimSpace(c.Param("id"))
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
		return 0, false
	}
	return id, true
}
