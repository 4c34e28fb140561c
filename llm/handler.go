package llm

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"fabula_back/cache"
	"fabula_back/cards"
	"fabula_back/presets"
	"fabula_back/sessions"
	"fabula_back/settings"
	"fabula_back/variants"
)

// Collaborators are the sibling modules generation and analysis draw on.
type Collaborators struct {
	Presets  *presets.Library
	Settings *settings.Resolver
	Sessions *sessions.Store
	Cards    *cards.Store
	Variants *variants.Ledger
}

// Module drives generation and analysis calls against the LLM provider.
type Module struct {
	deps      Collaborators
	client    *ChatClient
	durations *durationRecorder
}

// RegisterRoutes initialises the llm module and mounts its routes under /llm.
func RegisterRoutes(router *gin.Engine, deps Collaborators) (*Module, error) {
	if deps.Presets == nil || deps.Settings == nil || deps.Sessions == nil || deps.Cards == nil {
		return nil, errors.New("llm: presets, settings, sessions and cards collaborators are required")
	}

	client, err := NewChatClientFromEnv()
	if err != nil {
		return nil, err
	}

	redisClient, err := cache.GetRedisClient()
	if err != nil {
		log.Printf("llm: redis unavailable, duration stats disabled: %v", err)
		redisClient = nil
	}

	module := &Module{
		deps:      deps,
		client:    client,
		durations: newDurationRecorder(redisClient),
	}

	group := router.Group("/llm")
	group.POST("/sessions/:id/messages", module.handleGenerate)
	group.POST("/sessions/:id/regenerate", module.handleRegenerate)
	group.POST("/sessions/:id/analysis", module.handleAnalysis)
	group.GET("/sessions/:id/ws", module.handleWebsocket)
	group.GET("/durations/:service", module.handleDurations)

	return module, nil
}

type generateRequest struct {
	UserID          uint64                 `json:"user_id" binding:"required"`
	Content         string                 `json:"content" binding:"required"`
	Overrides       *settings.CallOverrides `json:"overrides"`
	ModuleOverrides map[string]bool        `json:"module_overrides"`
}

func (m *Module) handleGenerate(c *gin.Context) {
	sessionID, ok := parseSessionID(c)
	if !ok {
		return
	}

	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and content are required"})
		return
	}

	ctx := c.Request.Context()
	session, err := m.deps.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		respondStoreError(c, err, "session not found")
		return
	}

	plan, err := m.buildGenerationPlan(ctx, req.UserID, session, req.Content, 0, req.Overrides, req.ModuleOverrides)
	if err != nil {
		respondPlanError(c, err)
		return
	}

	userMsg, err := m.deps.Sessions.AppendMessage(ctx, sessionID, "user", req.Content, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store message", "details": err.Error()})
		return
	}

	if wantsEventStream(c) {
		m.streamReply(c, session, userMsg, plan)
		return
	}

	stop := m.durations.startTimer("generation")
	result, err := m.client.Chat(ctx, plan.params, plan.messages)
	stop()
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "generation failed", "details": err.Error()})
		return
	}

	assistantMsg, err := m.deps.Sessions.AppendMessage(ctx, sessionID, "assistant", result.Content, usageExtras(result.Usage))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store reply", "details": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"user_message":      userMsg,
		"assistant_message": assistantMsg,
		"usage":             result.Usage,
	})
}

// streamReply relays provider deltas as Server-Sent Events and persists the
// final reply once the stream completes.
func (m *Module) streamReply(c *gin.Context, session *sessions.ChatSession, userMsg *sessions.ChatMessage, plan *promptPlan) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	writer := newSafeSSEWriter(c.Writer, flusher)
	_ = writer.Send("message", gin.H{"user_message": userMsg})

	ctx := c.Request.Context()
	stop := m.durations.startTimer("generation")
	result, err := m.client.ChatStream(ctx, plan.params, plan.messages, func(delta ChatStreamDelta) error {
		if delta.Done {
			return nil
		}
		if delta.Content == "" {
			return nil
		}
		return writer.Send("delta", gin.H{"content": delta.Content})
	})
	stop()
	if err != nil {
		_ = writer.Send("error", gin.H{"error": err.Error()})
		return
	}

	assistantMsg, err := m.deps.Sessions.AppendMessage(ctx, session.ID, "assistant", result.Content, usageExtras(result.Usage))
	if err != nil {
		_ = writer.Send("error", gin.H{"error": err.Error()})
		return
	}

	_ = writer.Send("done", gin.H{"assistant_message": assistantMsg, "usage": result.Usage})
}

type regenerateRequest struct {
	UserID    uint64                  `json:"user_id" binding:"required"`
	MessageID uint64                  `json:"message_id" binding:"required"`
	Overrides *settings.CallOverrides `json:"overrides"`
}

// handleRegenerate produces an alternate reply to a historical user message
// as a discardable variant, grounded against the vector index when available.
func (m *Module) handleRegenerate(c *gin.Context) {
	sessionID, ok := parseSessionID(c)
	if !ok {
		return
	}
	if m.deps.Variants == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "variant ledger is not configured"})
		return
	}

	var req regenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and message_id are required"})
		return
	}

	ctx := c.Request.Context()
	session, err := m.deps.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		respondStoreError(c, err, "session not found")
		return
	}

	message, err := m.deps.Sessions.GetMessage(ctx, req.MessageID)
	if err != nil {
		respondStoreError(c, err, "message not found")
		return
	}
	if message.SessionID != sessionID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message does not belong to session"})
		return
	}

	variant, err := m.deps.Variants.CreateVariant(ctx, sessionID, message.ID, "")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create variant", "details": err.Error()})
		return
	}

	memories, err := m.deps.Variants.Ground(ctx, variant.ID, message.Content, 5)
	if err != nil {
		log.Printf("llm: ground variant %d failed: %v", variant.ID, err)
	}

	plan, err := m.buildGenerationPlan(ctx, req.UserID, session, "", message.Seq, req.Overrides, nil)
	if err != nil {
		respondPlanError(c, err)
		return
	}
	if len(memories) > 0 {
		plan.messages = append(plan.messages, ChatMessage{Role: "system", Content: memoriesPrompt(memories)})
	}

	stop := m.durations.startTimer("generation")
	result, err := m.client.Chat(ctx, plan.params, plan.messages)
	stop()
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "generation failed", "details": err.Error()})
		return
	}

	if err := m.deps.Variants.SetContent(ctx, variant.ID, result.Content); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store variant", "details": err.Error()})
		return
	}

	full, err := m.deps.Variants.GetVariant(ctx, variant.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load variant", "details": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"variant": full, "usage": result.Usage})
}

type analysisRequest struct {
	UserID    uint64 `json:"user_id" binding:"required"`
	MessageID uint64 `json:"message_id" binding:"required"`
}

func (m *Module) handleAnalysis(c *gin.Context) {
	sessionID, ok := parseSessionID(c)
	if !ok {
		return
	}

	var req analysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and message_id are required"})
		return
	}

	snapshot, err := m.RunAnalysis(c.Request.Context(), req.UserID, sessionID, req.MessageID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "analysis failed", "details": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, snapshot)
}

func (m *Module) handleDurations(c *gin.Context) {
	service := strings.TrimSpace(c.Param("service"))
	if _, err := presets.ParseService(service); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	values, err := m.durations.recentDurations(c.Request.Context(), service, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read durations", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"service": service, "durations_ms": values})
}

func memoriesPrompt(memories []variants.TempVariantMemory) string {
	var builder strings.Builder
	builder.WriteString("Relevant memories:")
	for _, memory := range memories {
		if strings.TrimSpace(memory.Content) == "" {
			continue
		}
		builder.WriteString("\n- " + strings.TrimSpace(memory.Content))
	}
	return builder.String()
}

func usageExtras(usage *ChatUsage) datatypes.JSON {
	if usage == nil {
		return nil
	}
	payload, err := json.Marshal(map[string]any{"usage": usage})
	if err != nil {
		return nil
	}
	return datatypes.JSON(payload)
}

func respondStoreError(c *gin.Context, err error, notFound string) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": notFound})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure", "details": err.Error()})
}

func respondPlanError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, presets.ErrUnknownService):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build prompt", "details": err.Error()})
	}
}

func parseSessionID(c *gin.Context) (uint64, bool) {
	raw := strings.TrimSpace(c.Param("id"))
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
		return 0, false
	}
	return id, true
}
