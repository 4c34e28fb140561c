package presets

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"fabula_back/storage"
)

// Module wires the preset library and its HTTP surface together.
type Module struct {
	db      *gorm.DB
	library *Library
	assets  *storage.AssetStore
}

// RegisterRoutes initialises the preset module and mounts its routes under
// /presets.
func RegisterRoutes(router *gin.Engine) (*Module, error) {
	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&Preset{}, &PromptModule{}); err != nil {
		return nil, err
	}

	assets, err := storage.NewAssetStoreFromEnv()
	if err != nil {
		return nil, err
	}

	module := &Module{db: db, library: NewLibrary(db), assets: assets}

	group := router.Group("/presets")
	group.GET("", module.handleList)
	group.POST("", module.handleCreate)
	group.POST("/import", module.handleImportBundle)
	group.GET("/:id", module.handleGet)
	group.DELETE("/:id", module.handleDelete)
	group.POST("/:id/default", module.handleSetDefault)
	group.PUT("/:id/modules", module.handleUpsertModule)
	group.POST("/:id/assemble", module.handleAssemble)

	return module, nil
}

// Library exposes the preset store to sibling modules.
func (m *Module) Library() *Library {
	if m == nil {
		return nil
	}
	return m.library
}

func (m *Module) handleList(c *gin.Context) {
	list, err := m.library.ListPresets(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list presets", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"presets": list})
}

func (m *Module) handleCreate(c *gin.Context) {
	var doc PresetDocument
	if err := c.ShouldBindJSON(&doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid preset document"})
		return
	}

	preset, err := m.library.ImportDocument(c.Request.Context(), doc)
	if err != nil {
		status := http.StatusBadRequest
		if !isValidationError(err) {
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, preset)
}

func (m *Module) handleImportBundle(c *gin.Context) {
	fileHeader, err := c.FormFile("bundle")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bundle file is required"})
		return
	}

	preset, err := m.library.ImportBundle(c.Request.Context(), fileHeader, m.assets)
	if err != nil {
		status := http.StatusBadRequest
		if !isValidationError(err) {
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, preset)
}

func (m *Module) handleGet(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	preset, err := m.library.GetPreset(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "preset not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load preset", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, preset)
}

func (m *Module) handleDelete(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	if err := m.library.DeletePreset(c.Request.Context(), id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "preset not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete preset", "details": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (m *Module) handleSetDefault(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	if err := m.library.SetDefaultPreset(c.Request.Context(), id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "preset not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to set default preset", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "is_default": true})
}

func (m *Module) handleUpsertModule(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	var doc ModuleDocument
	if err := c.ShouldBindJSON(&doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid module document"})
		return
	}

	module, err := buildModule(doc)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := m.library.UpsertModule(c.Request.Context(), id, &module); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "preset not found"})
			return
		}
		if isValidationError(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to upsert module", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, module)
}

type assembleRequest struct {
	Service   string          `json:"service" binding:"required"`
	Overrides map[string]bool `json:"overrides"`
}

func (m *Module) handleAssemble(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	var req assembleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "service is required"})
		return
	}

	assembled, err := m.library.AssemblePreset(c.Request.Context(), id, Service(req.Service), req.Overrides)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownService):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "preset not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to assemble preset", "details": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, assembled)
}

func parseIDParam(c *gin.Context) (uint64, bool) {
	raw := strings.TrimSpace(c.Param("id"))
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
		return 0, false
	}
	return id, true
}

func isValidationError(err error) bool {
	if errors.Is(err, ErrUnknownService) || errors.Is(err, ErrUnknownPosition) {
		return true
	}
	// Import validation errors carry the package prefix; database failures are
	// wrapped gorm errors.
	return err != nil && strings.HasPrefix(err.Error(), "presets:")
}
