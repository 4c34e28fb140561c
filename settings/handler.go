package settings

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"fabula_back/cache"
	"fabula_back/presets"
)

// Module wires the config resolver and its HTTP surface together.
type Module struct {
	db       *gorm.DB
	resolver *Resolver
}

// RegisterRoutes initialises the settings module and mounts its routes under
// /settings.
func RegisterRoutes(router *gin.Engine) (*Module, error) {
	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&UserSettings{}, &UserPromptConfig{}); err != nil {
		return nil, err
	}

	redisClient, err := cache.GetRedisClient()
	if err != nil {
		log.Printf("settings: redis unavailable, resolved-parameter cache disabled: %v", err)
		redisClient = nil
	}

	module := &Module{db: db, resolver: NewResolver(db, redisClient)}

	group := router.Group("/settings")
	group.POST("/users", module.handleCreateUser)
	group.GET("/users/:userID/prompt-config", module.handleGetPromptConfig)
	group.PUT("/users/:userID/prompt-config", module.handleUpdatePromptConfig)
	group.GET("/users/:userID/llm/:service", module.handleResolve)

	return module, nil
}

// Resolver exposes the config resolver to sibling modules.
func (m *Module) Resolver() *Resolver {
	if m == nil {
		return nil
	}
	return m.resolver
}

type createUserRequest struct {
	UserID      uint64 `json:"user_id" binding:"required"`
	DisplayName string `json:"display_name" binding:"required"`
	Locale      string `json:"locale"`
}

func (m *Module) handleCreateUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and display_name are required"})
		return
	}

	account, err := m.resolver.CreateUser(c.Request.Context(), req.UserID, req.DisplayName, req.Locale)
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			c.JSON(http.StatusConflict, gin.H{"error": "user already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user", "details": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, account)
}

func (m *Module) handleGetPromptConfig(c *gin.Context) {
	userID, ok := parseUserIDParam(c)
	if !ok {
		return
	}

	config, err := m.resolver.GetOrCreate(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load prompt config", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, config)
}

func (m *Module) handleUpdatePromptConfig(c *gin.Context) {
	userID, ok := parseUserIDParam(c)
	if !ok {
		return
	}

	var update ConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid prompt config payload"})
		return
	}

	config, err := m.resolver.UpdateConfig(c.Request.Context(), userID, update)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update prompt config", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, config)
}

func (m *Module) handleResolve(c *gin.Context) {
	userID, ok := parseUserIDParam(c)
	if !ok {
		return
	}

	params, err := m.resolver.Resolve(c.Request.Context(), userID, presets.Service(c.Param("service")), nil)
	if err != nil {
		switch {
		case errors.Is(err, presets.ErrUnknownService):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "user settings not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve parameters", "details": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, params)
}

func parseUserIDParam(c *gin.Context) (uint64, bool) {
	raw := strings.TrimSpace(c.Param("userID"))
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userID must be a positive integer"})
		return 0, false
	}
	return id, true
}
