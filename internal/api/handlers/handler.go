// handler.go — APIHandler реализует openapi.ServerInterface, делегируя
// запросы доменным handlers.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apierrors "github.com/dahovitech/file-manager-bundle/internal/api/errors"
	"github.com/dahovitech/file-manager-bundle/internal/api/openapi"
)

// APIHandler — набор handlers служебного API.
type APIHandler struct {
	health      *HealthHandler
	stats       *StatsHandler
	maintenance *MaintenanceHandler
	metrics     http.Handler
}

var _ openapi.ServerInterface = (*APIHandler)(nil)

// NewAPIHandler создаёт единый handler для всех endpoints.
func NewAPIHandler(health *HealthHandler, stats *StatsHandler, maintenance *MaintenanceHandler) *APIHandler {
	return &APIHandler{
		health:      health,
		stats:       stats,
		maintenance: maintenance,
		metrics:     promhttp.Handler(),
	}
}

// Mount регистрирует маршруты контракта в роутере. Ошибки привязки
// параметров отдаются как 400 VALIDATION_FAILED.
func (h *APIHandler) Mount(r chi.Router) {
	openapi.HandlerWithOptions(h, openapi.ChiServerOptions{
		BaseRouter: r,
		ErrorHandlerFunc: func(w http.ResponseWriter, _ *http.Request, err error) {
			apierrors.ValidationError(w, err.Error())
		},
	})
}

// HealthLive — проверка живости (делегируется в HealthHandler).
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — проверка готовности (делегируется в HealthHandler).
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — метрики Prometheus.
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.metrics.ServeHTTP(w, r)
}

func (h *APIHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	h.stats.GetStats(w, r)
}

func (h *APIHandler) GetFolderTree(w http.ResponseWriter, r *http.Request) {
	h.stats.GetFolderTree(w, r)
}

func (h *APIHandler) RunCleanup(w http.ResponseWriter, r *http.Request, params openapi.RunCleanupParams) {
	h.maintenance.Cleanup(w, r, params)
}

func (h *APIHandler) RunSync(w http.ResponseWriter, r *http.Request, params openapi.RunSyncParams) {
	h.maintenance.Sync(w, r, params)
}
