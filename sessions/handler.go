package sessions

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Module wires the session store and its HTTP surface together.
type Module struct {
	db    *gorm.DB
	store *Store
}

// RegisterRoutes initialises the sessions module and mounts its routes under
// /sessions and /messages.
func RegisterRoutes(router *gin.Engine) (*Module, error) {
	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&ChatSession{}, &ChatMessage{}, &FullAnalysisResult{}, &SessionState{}); err != nil {
		return nil, err
	}

	module := &Module{db: db, store: NewStore(db)}

	group := router.Group("/sessions")
	group.POST("", module.handleCreateSession)
	group.GET("", module.handleListSessions)
	group.GET("/:id", module.handleGetSession)
	group.GET("/:id/messages", module.handleListMessages)
	group.POST("/:id/messages", module.handleAppendMessage)
	group.GET("/:id/state", module.handleGetState)

	messages := router.Group("/messages")
	messages.POST("/:messageID/branch", module.handleCreateBranch)
	messages.POST("/:messageID/analysis", module.handleSaveSnapshot)
	messages.GET("/:messageID/analysis", module.handleGetSnapshot)

	return module, nil
}

// Store exposes the session store to sibling modules.
func (m *Module) Store() *Store {
	if m == nil {
		return nil
	}
	return m.store
}

type createSessionRequest struct {
	UserID    uint64  `json:"user_id" binding:"required"`
	CardID    uint64  `json:"card_id" binding:"required"`
	PersonaID *uint64 `json:"persona_id"`
	WorldID   *uint64 `json:"world_id"`
	Title     string  `json:"title"`
}

func (m *Module) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and card_id are required"})
		return
	}

	session, err := m.store.CreateSession(c.Request.Context(), NewSessionInput{
		UserID:    req.UserID,
		CardID:    req.CardID,
		PersonaID: req.PersonaID,
		WorldID:   req.WorldID,
		Title:     req.Title,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session", "details": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (m *Module) handleListSessions(c *gin.Context) {
	userID, err := strconv.ParseUint(strings.TrimSpace(c.Query("user_id")), 10, 64)
	if err != nil || userID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id query parameter is required"})
		return
	}

	list, err := m.store.ListSessions(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list})
}

func (m *Module) handleGetSession(c *gin.Context) {
	sessionID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	session, err := m.store.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, session)
}

func (m *Module) handleListMessages(c *gin.Context) {
	sessionID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}

	messages, err := m.store.ListMessages(c.Request.Context(), sessionID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

type appendMessageRequest struct {
	Role    string         `json:"role" binding:"required"`
	Content string         `json:"content" binding:"required"`
	Extras  datatypes.JSON `json:"extras"`
}

func (m *Module) handleAppendMessage(c *gin.Context) {
	sessionID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var req appendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role and content are required"})
		return
	}

	message, err := m.store.AppendMessage(c.Request.Context(), sessionID, req.Role, req.Content, req.Extras)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to append message", "details": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, message)
}

func (m *Module) handleGetState(c *gin.Context) {
	sessionID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	state, err := m.store.GetState(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session state not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session state", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, state)
}

func (m *Module) handleCreateBranch(c *gin.Context) {
	messageID, ok := parseIDParam(c, "messageID")
	if !ok {
		return
	}

	branch, err := m.store.CreateBranch(c.Request.Context(), messageID)
	if err != nil {
		switch {
		case errors.Is(err, ErrSessionIntegrity):
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create branch", "details": err.Error()})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_id": branch.ID, "session": branch})
}

func (m *Module) handleSaveSnapshot(c *gin.Context) {
	messageID, ok := parseIDParam(c, "messageID")
	if !ok {
		return
	}

	var payload AnalysisPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid analysis payload"})
		return
	}

	message, err := m.store.GetMessage(c.Request.Context(), messageID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load message", "details": err.Error()})
		return
	}

	snapshot, err := m.store.SaveAnalysisSnapshot(c.Request.Context(), messageID, message.SessionID, payload)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save analysis snapshot", "details": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, snapshot)
}

func (m *Module) handleGetSnapshot(c *gin.Context) {
	messageID, ok := parseIDParam(c, "messageID")
	if !ok {
		return
	}

	snapshot, err := m.store.GetAnalysisSnapshot(c.Request.Context(), messageID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "analysis snapshot not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load analysis snapshot", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func parseIDParam(c *gin.Context, name string) (uint64, bool) {
	raw := strings.TrimSpace(c.Param(name))
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a positive integer"})
		return 0, false
	}
	return id, true
}
