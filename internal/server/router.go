package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agrolert/backend/internal/alerts"
	"github.com/agrolert/backend/internal/farms"
	"github.com/agrolert/backend/internal/monitor"
	"github.com/agrolert/backend/internal/realtime"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const ownerIDContextKey = "agrolert_owner_id"

const defaultRetentionRequestAge = 30 * 24 * time.Hour

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingHistory        = errors.New("history service dependency required")
	errMissingBroadcaster    = errors.New("broadcaster dependency required")
	errMissingPipeline       = errors.New("pipeline dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator checks bearer tokens and yields the owner they belong to.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// TestDeliverer forces a synthetic push for operational verification.
type TestDeliverer interface {
	TestDeliver(ctx context.Context, ownerID farms.OwnerID) (string, error)
}

// StateReporter exposes the monitor phase for the health endpoint.
type StateReporter interface {
	State() monitor.State
}

// Dependencies wires the HTTP layer to the alert core.
type Dependencies struct {
	TokenValidator TokenValidator
	History        *alerts.HistoryService
	Broadcaster    *realtime.Broadcaster
	Pipeline       TestDeliverer
	Monitor        StateReporter
	Logger         *zap.Logger
}

// NewHTTPHandler builds the router: public health and metrics endpoints,
// plus the owner-scoped notification API behind bearer auth.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.History == nil {
		return nil, errMissingHistory
	}
	if deps.Broadcaster == nil {
		return nil, errMissingBroadcaster
	}
	if deps.Pipeline == nil {
		return nil, errMissingPipeline
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:      deps.TokenValidator,
		history:     deps.History,
		broadcaster: deps.Broadcaster,
		pipeline:    deps.Pipeline,
		monitor:     deps.Monitor,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.Use(handler.authorizeRequest)
	api.GET("/notifications", handler.handleListNotifications)
	api.GET("/notifications/unread-count", handler.handleUnreadCount)
	api.PATCH("/notifications/:id/read", handler.handleMarkRead)
	api.POST("/notifications/read-all", handler.handleMarkAllRead)
	api.DELETE("/notifications", handler.handleDeleteOlderThan)
	api.GET("/alerts/stream", handler.handleAlertStream)
	api.POST("/push/test", handler.handleTestDeliver)

	return router, nil
}

type httpHandler struct {
	tokens      TokenValidator
	history     *alerts.HistoryService
	broadcaster *realtime.Broadcaster
	pipeline    TestDeliverer
	monitor     StateReporter
	logger      *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	response := gin.H{"status": "ok"}
	if h.monitor != nil {
		response["monitor"] = string(h.monitor.State())
	}
	c.JSON(http.StatusOK, response)
}

type notificationPayload struct {
	ID                 string `json:"id"`
	FarmID             string `json:"farm_id"`
	Severity           string `json:"severity"`
	Category           string `json:"category"`
	Message            string `json:"message"`
	Advice             string `json:"advice"`
	IsRead             bool   `json:"is_read"`
	ExternalDeliveryID string `json:"external_delivery_id,omitempty"`
	CreatedAtSeconds   int64  `json:"created_at_s"`
}

type listResponsePayload struct {
	Notifications []notificationPayload `json:"notifications"`
	TotalCount    int64                 `json:"total_count"`
	UnreadCount   int64                 `json:"unread_count"`
	Page          int                   `json:"page"`
	PageSize      int                   `json:"page_size"`
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	ownerID := h.requestOwner(c)
	if ownerID == "" {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	result, err := h.history.List(c.Request.Context(), ownerID, page, pageSize)
	if err != nil {
		h.logger.Error("notification listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing_failed"})
		return
	}

	response := listResponsePayload{
		Notifications: make([]notificationPayload, 0, len(result.Records)),
		TotalCount:    result.TotalCount,
		UnreadCount:   result.UnreadCount,
		Page:          result.Page,
		PageSize:      result.PageSize,
	}
	for _, record := range result.Records {
		response.Notifications = append(response.Notifications, notificationPayload{
			ID:                 record.ID,
			FarmID:             record.FarmID,
			Severity:           record.Severity,
			Category:           record.Category,
			Message:            record.Message,
			Advice:             record.Advice,
			IsRead:             record.IsRead,
			ExternalDeliveryID: record.ExternalDeliveryID,
			CreatedAtSeconds:   record.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleUnreadCount(c *gin.Context) {
	ownerID := h.requestOwner(c)
	if ownerID == "" {
		return
	}
	count, err := h.history.UnreadCount(c.Request.Context(), ownerID)
	if err != nil {
		h.logger.Error("unread count failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "count_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread_count": count})
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	ownerID := h.requestOwner(c)
	if ownerID == "" {
		return
	}
	recordID := strings.TrimSpace(c.Param("id"))
	if recordID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	err := h.history.MarkRead(c.Request.Context(), ownerID, recordID)
	if errors.Is(err, alerts.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("mark read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleMarkAllRead(c *gin.Context) {
	ownerID := h.requestOwner(c)
	if ownerID == "" {
		return
	}
	changed, err := h.history.MarkAllRead(c.Request.Context(), ownerID)
	if err != nil {
		h.logger.Error("mark all read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": changed})
}

func (h *httpHandler) handleDeleteOlderThan(c *gin.Context) {
	ownerID := h.requestOwner(c)
	if ownerID == "" {
		return
	}
	age := defaultRetentionRequestAge
	if raw := c.Query("older_than_days"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		age = time.Duration(days) * 24 * time.Hour
	}
	deleted, err := h.history.DeleteOlderThan(c.Request.Context(), ownerID, age)
	if err != nil {
		h.logger.Error("notification cleanup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (h *httpHandler) handleTestDeliver(c *gin.Context) {
	ownerID := h.requestOwner(c)
	if ownerID == "" {
		return
	}
	externalID, err := h.pipeline.TestDeliver(c.Request.Context(), ownerID)
	if errors.Is(err, farms.ErrNoDeviceToken) {
		c.JSON(http.StatusConflict, gin.H{"error": "no_device_token"})
		return
	}
	if err != nil {
		h.logger.Warn("test push failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "delivery_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"external_id": externalID})
}

// requestOwner returns the authenticated owner or writes the error response.
func (h *httpHandler) requestOwner(c *gin.Context) farms.OwnerID {
	raw := c.GetString(ownerIDContextKey)
	if raw == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return ""
	}
	ownerID, err := farms.NewOwnerID(raw)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return ""
	}
	return ownerID
}

// authorizeRequest accepts the token from the Authorization header or, for
// EventSource clients that cannot set headers, the access_token query
// parameter.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(ownerIDContextKey, subject)
	c.Next()
}
