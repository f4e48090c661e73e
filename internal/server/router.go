package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pimsync/internal/auth"
	"github.com/MarcoPoloResearchLab/pimsync/internal/events"
	"github.com/MarcoPoloResearchLab/pimsync/internal/mapping"
	"github.com/MarcoPoloResearchLab/pimsync/internal/scheduler"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	operatorContextKey       = "pimsync_operator"
	defaultHeartbeatInterval = 15 * time.Second
	defaultEventListLimit    = 100
	maxEventListLimit        = 1000
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingQueue          = errors.New("event queue dependency required")
	errMissingRegistry       = errors.New("mapping registry dependency required")
	errMissingPassRunner     = errors.New("pass runner dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator validates admin bearer tokens.
type TokenValidator interface {
	ValidateToken(token string) (auth.AdminClaims, error)
}

// PassRunner runs one sync pass.
type PassRunner interface {
	RunPass(ctx context.Context, opts scheduler.PassOptions) (scheduler.PassReport, error)
}

// Dependencies wires the admin API.
type Dependencies struct {
	Tokens            TokenValidator
	Queue             *events.Service
	Registry          *mapping.Registry
	Passes            PassRunner
	Progress          *ProgressDispatcher
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
}

// NewHTTPHandler builds the gin admin API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Queue == nil {
		return nil, errMissingQueue
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Passes == nil {
		return nil, errMissingPassRunner
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	progress := deps.Progress
	if progress == nil {
		progress = NewProgressDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:    deps.Tokens,
		queue:     deps.Queue,
		registry:  deps.Registry,
		passes:    deps.Passes,
		progress:  progress,
		logger:    logger,
		heartbeat: heartbeat,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync", handler.handleSync)
	protected.GET("/events", handler.handleListEvents)
	protected.GET("/events/stream", handler.handleProgressStream)
	protected.POST("/events/:id/requeue", handler.handleRequeue)
	protected.GET("/modules", handler.handleListModules)
	protected.GET("/modules/:id/check", handler.handleCheckModule)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	tokens    TokenValidator
	queue     *events.Service
	registry  *mapping.Registry
	passes    PassRunner
	progress  *ProgressDispatcher
	logger    *zap.Logger
	heartbeat time.Duration
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type syncRequestPayload struct {
	BatchSize int `json:"batch_size"`
}

func (h *httpHandler) handleSync(c *gin.Context) {
	var request syncRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	report, err := h.passes.RunPass(c.Request.Context(), scheduler.PassOptions{BatchSize: request.BatchSize})
	if err != nil {
		h.logger.Error("sync pass failed", zap.String("operator", c.GetString(operatorContextKey)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed", "report": report})
		return
	}
	c.JSON(http.StatusOK, report)
}

type eventPayload struct {
	ID        uint   `json:"id"`
	ModuleID  uint   `json:"module_id"`
	EventID   int64  `json:"event_id"`
	EventType string `json:"event_type"`
	ObjectID  string `json:"object_id"`
	Status    string `json:"status"`
	SkipUntil int64  `json:"skip_until"`
	Attempts  int    `json:"attempts"`
	PassID    string `json:"pass_id"`
	URL       string `json:"url,omitempty"`
	Message   string `json:"message,omitempty"`
	CreatedAt int64  `json:"created_at_s"`
	UpdatedAt int64  `json:"updated_at_s"`
}

func newEventPayload(event events.Event) eventPayload {
	return eventPayload{
		ID:        event.ID,
		ModuleID:  event.ModuleID,
		EventID:   event.EventID,
		EventType: string(event.EventType),
		ObjectID:  event.ObjectID,
		Status:    string(event.Status),
		SkipUntil: event.SkipUntil,
		Attempts:  event.Attempts,
		PassID:    event.PassID,
		URL:       event.URL,
		Message:   event.Message,
		CreatedAt: event.CreatedAt.Unix(),
		UpdatedAt: event.UpdatedAt.Unix(),
	}
}

func (h *httpHandler) handleListEvents(c *gin.Context) {
	filter := events.ListFilter{Limit: defaultEventListLimit}
	switch status := events.EventStatus(strings.ToLower(strings.TrimSpace(c.Query("status")))); status {
	case "":
	case events.StatusPending, events.StatusClaimed, events.StatusFailed:
		filter.Status = status
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
		return
	}
	if raw := c.Query("module_id"); raw != "" {
		moduleID, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_module_id"})
			return
		}
		filter.ModuleID = uint(moduleID)
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		filter.Limit = min(limit, maxEventListLimit)
	}

	found, err := h.queue.ListEvents(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	payload := make([]eventPayload, 0, len(found))
	for _, event := range found {
		payload = append(payload, newEventPayload(event))
	}
	c.JSON(http.StatusOK, gin.H{"events": payload})
}

func (h *httpHandler) handleRequeue(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	event, err := h.queue.Requeue(c.Request.Context(), id)
	switch {
	case errors.Is(err, events.ErrEventNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "event_not_found"})
	case errors.Is(err, events.ErrEventNotFailed):
		c.JSON(http.StatusConflict, gin.H{"error": "event_not_failed"})
	case errors.Is(err, events.ErrUnknownEventType):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unknown_event_type"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "requeue_failed"})
	default:
		h.logger.Info("event requeued",
			zap.String("operator", c.GetString(operatorContextKey)),
			zap.Uint("event_row_id", event.ID))
		c.JSON(http.StatusOK, newEventPayload(*event))
	}
}

type modulePayload struct {
	ID                 uint   `json:"id"`
	ServerID           uint   `json:"server_id"`
	ServerName         string `json:"server_name,omitempty"`
	ConnectorName      string `json:"connector"`
	EntityType         string `json:"entity_type,omitempty"`
	StoragePID         int64  `json:"storage_pid"`
	LastEventID        int64  `json:"last_event_id"`
	FieldConfiguration bool   `json:"field_configuration"`
}

func (h *httpHandler) handleListModules(c *gin.Context) {
	modules, err := h.queue.ListModules(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	payload := make([]modulePayload, 0, len(modules))
	for _, module := range modules {
		entry := modulePayload{
			ID:                 module.ID,
			ServerID:           module.ServerID,
			ConnectorName:      module.ConnectorName,
			EntityType:         module.EntityType,
			StoragePID:         module.StoragePID,
			LastEventID:        module.LastEventID,
			FieldConfiguration: module.HasFieldConfiguration(),
		}
		if module.Server != nil {
			entry.ServerName = module.Server.Name
		}
		payload = append(payload, entry)
	}
	c.JSON(http.StatusOK, gin.H{"modules": payload})
}

func (h *httpHandler) handleCheckModule(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	module, err := h.queue.LoadModule(c.Request.Context(), id)
	if errors.Is(err, events.ErrModuleNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "module_not_found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load_failed"})
		return
	}
	mapper, err := h.registry.MapperFor(module)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unknown_entity_type", "detail": err.Error()})
		return
	}
	report, err := mapper.Check(module)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "check_failed", "detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) handleProgressStream(c *gin.Context) {
	stream, cleanup := h.progress.Subscribe(c.Request.Context())
	defer cleanup()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(progressEventHeartbeat, gin.H{"source": progressSourceBackend})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case progress := <-stream:
			c.SSEvent(progressEventProcessed, progress)
			return true
		case <-ticker.C:
			c.SSEvent(progressEventHeartbeat, gin.H{"source": progressSourceBackend})
			return true
		}
	})
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return 0, false
	}
	return uint(id), true
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(operatorContextKey, claims.Subject)
	c.Next()
}
