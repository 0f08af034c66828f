// Package httpx is the thin operational HTTP surface. Handlers only shape
// requests and responses; all behavior lives in the core services.
package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/drluca/orderstream/internal/apperr"
	"github.com/drluca/orderstream/internal/database"
	"github.com/drluca/orderstream/internal/models"
	"github.com/drluca/orderstream/internal/order"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// OrderService is the core surface the handlers call into.
type OrderService interface {
	CreateOrder(ctx context.Context, req order.CreateOrderRequest) (*order.CreateOrderResult, error)
	GetOrder(ctx context.Context, orderID string) (models.Order, error)
	ValidateOrder(ctx context.Context, orderID string) (models.Order, error)
}

// AlertReader serves the alert listing and statistics endpoints.
type AlertReader interface {
	ListAlerts(ctx context.Context, filter database.AlertFilter) ([]models.StockAlert, error)
	AlertStatistics(ctx context.Context) ([]models.AlertStat, error)
}

// NotificationSource exposes the in-process recent-notification ring.
type NotificationSource interface {
	RecentNotifications() []models.StockAlertNotification
}

// NotificationStore serves the durable notification rows.
type NotificationStore interface {
	ListNotifications(ctx context.Context, unreadOnly bool, limit int) ([]models.StockAlertNotification, error)
	MarkNotificationRead(ctx context.Context, notificationID string) error
}

// HealthChecker reports transport readiness.
type HealthChecker interface {
	IsReady() bool
}

type Handler struct {
	orders        OrderService
	alerts        AlertReader
	notifications NotificationSource
	store         NotificationStore
	health        HealthChecker
}

func NewHandler(orders OrderService, alerts AlertReader, notifications NotificationSource, store NotificationStore, health HealthChecker) *Handler {
	return &Handler{
		orders:        orders,
		alerts:        alerts,
		notifications: notifications,
		store:         store,
		health:        health,
	}
}

// CreateOrder admits a new order.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req order.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	result, err := h.orders.CreateOrder(r.Context(), req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// GetOrder returns a single order by id.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "order_id_required", "")
		return
	}
	o, err := h.orders.GetOrder(r.Context(), orderID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ValidateOrder triggers manual validation of a pending queuable order.
func (h *Handler) ValidateOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "order_id_required", "")
		return
	}
	o, err := h.orders.ValidateOrder(r.Context(), orderID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Order validated successfully",
		"order":   o,
	})
}

// ListAlerts returns stock alerts, optionally filtered by product and type.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	filter := database.AlertFilter{
		ProductID: r.URL.Query().Get("productId"),
		Type:      models.AlertType(r.URL.Query().Get("type")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	alerts, err := h.alerts.ListAlerts(r.Context(), filter)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

// AlertStatistics returns grouped alert counts.
func (h *Handler) AlertStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.alerts.AlertStatistics(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"statistics": stats})
}

// ListNotifications returns persisted notifications newest-first, optionally
// unread-only.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	unreadOnly := r.URL.Query().Get("unread") == "true"
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	notifications, err := h.store.ListNotifications(r.Context(), unreadOnly, limit)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": notifications})
}

// MarkNotificationRead flips a notification's read flag.
func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	notificationID := chi.URLParam(r, "id")
	if notificationID == "" {
		writeError(w, http.StatusBadRequest, "notification_id_required", "")
		return
	}
	if err := h.store.MarkNotificationRead(r.Context(), notificationID); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Notification marked as read"})
}

// RecentNotifications returns the bounded in-process notification ring.
func (h *Handler) RecentNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"notifications": h.notifications.RecentNotifications()})
}

// Health reports process and transport readiness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{"status": "ok", "queue": h.health.IsReady()}
	if !h.health.IsReady() {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeError(w, status, http.StatusText(status), apperr.UserMessage(err))
}
