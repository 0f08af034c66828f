package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/orders", handler.CreateOrder)
	r.Get("/orders/{id}", handler.GetOrder)
	r.Post("/orders/{id}/validate", handler.ValidateOrder)

	r.Get("/alerts", handler.ListAlerts)
	r.Get("/alerts/statistics", handler.AlertStatistics)
	r.Get("/notifications", handler.ListNotifications)
	r.Post("/notifications/{id}/read", handler.MarkNotificationRead)
	r.Get("/notifications/recent", handler.RecentNotifications)

	r.Get("/health", handler.Health)
	return r
}
