package variants

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

	"fabula_back/retrieval"
	"fabula_back/sessions"
)

// Module wires the variant ledger and its HTTP surface together.
type Module struct {
	db     *gorm.DB
	ledger *Ledger
}

// RegisterRoutes initialises the variants module and mounts its routes under
// /variants. The session store comes from the sessions module so commits land
// in the shared message log.
func RegisterRoutes(router *gin.Engine, sessionStore *sessions.Store) (*Module, error) {
	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&TempMessageVariant{}, &TempVariantMemory{}, &TempVariantAnalysis{}); err != nil {
		return nil, err
	}

	searcher, err := retrieval.NewSearcherFromEnv()
	if err != nil {
		log.Printf("variants: retrieval unavailable, grounding disabled: %v", err)
		searcher = nil
	}
	if searcher != nil {
		prepareCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := searcher.Prepare(prepareCtx); err != nil {
			log.Printf("variants: prepare vector collection failed, grounding disabled: %v", err)
			searcher = nil
		}
		cancel()
	}

	module := &Module{db: db, ledger: NewLedger(db, sessionStore, searcher)}

	group := router.Group("/variants")
	group.POST("", module.handleCreateVariant)
	group.GET("/:id", module.handleGetVariant)
	group.POST("/:id/memories", module.handleAttachMemory)
	group.POST("/:id/analysis", module.handleAttachAnalysis)
	group.POST("/:id/ground", module.handleGround)
	group.POST("/:id/commit", module.handleCommit)
	group.DELETE("/:id", module.handleDiscard)

	return module, nil
}

// Ledger exposes the variant ledger to sibling modules.
func (m *Module) Ledger() *Ledger {
	if m == nil {
		return nil
	}
	return m.ledger
}

type createVariantRequest struct {
	SessionID uint64 `json:"session_id" binding:"required"`
	MessageID uint64 `json:"message_id" binding:"required"`
	Content   string `json:"content"`
}

func (m *Module) handleCreateVariant(c *gin.Context) {
	var req createVariantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id and message_id are required"})
		return
	}

	variant, err := m.ledger.CreateVariant(c.Request.Context(), req.SessionID, req.MessageID, req.Content)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create variant", "details": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, variant)
}

func (m *Module) handleGetVariant(c *gin.Context) {
	variantID, ok := parseVariantID(c)
	if !ok {
		return
	}

	variant, err := m.ledger.GetVariant(c.Request.Context(), variantID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "variant not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load variant", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, variant)
}

type attachMemoryRequest struct {
	SessionID uint64         `json:"session_id" binding:"required"`
	VectorRef string         `json:"vector_ref"`
	Content   string         `json:"content" binding:"required"`
	Metadata  datatypes.JSON `json:"metadata"`
}

func (m *Module) handleAttachMemory(c *gin.Context) {
	variantID, ok := parseVariantID(c)
	if !ok {
		return
	}

	var req attachMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id and content are required"})
		return
	}

	memory, err := m.ledger.AttachMemory(c.Request.Context(), variantID, req.SessionID, req.VectorRef, req.Content, req.Metadata)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "variant not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to attach memory", "details": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, memory)
}

type attachAnalysisRequest struct {
	SessionID   uint64         `json:"session_id" binding:"required"`
	Payload     datatypes.JSON `json:"payload" binding:"required"`
	UserMessage string         `json:"user_message"`
	AIResponse  string         `json:"ai_response"`
	RAGResults  datatypes.JSON `json:"rag_results"`
}

func (m *Module) handleAttachAnalysis(c *gin.Context) {
	variantID, ok := parseVariantID(c)
	if !ok {
		return
	}

	var req attachAnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id and payload are required"})
		return
	}

	analysis, err := m.ledger.AttachAnalysis(c.Request.Context(), variantID, req.SessionID, req.Payload, req.UserMessage, req.AIResponse, req.RAGResults)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "variant not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to attach analysis", "details": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, analysis)
}

type groundRequest struct {
	Query string `json:"query" binding:"required"`
	Limit int    `json:"limit"`
}

func (m *Module) handleGround(c *gin.Context) {
	variantID, ok := parseVariantID(c)
	if !ok {
		return
	}

	var req groundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}

	memories, err := m.ledger.Ground(c.Request.Context(), variantID, req.Query, req.Limit)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "variant not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to ground variant", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"memories": memories})
}

func (m *Module) handleCommit(c *gin.Context) {
	variantID, ok := parseVariantID(c)
	if !ok {
		return
	}

	message, err := m.ledger.Commit(c.Request.Context(), variantID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "variant not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to commit variant", "details": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, message)
}

func (m *Module) handleDiscard(c *gin.Context) {
	variantID, ok := parseVariantID(c)
	if !ok {
		return
	}

	if err := m.ledger.Discard(c.Request.Context(), variantID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to discard variant", "details": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func parseVariantID(c *gin.Context) (uint64, bool) {
	raw := strings.TrimSpace(c.Param("id"))
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
		return 0, false
	}
	return id, true
}
