// health.go — обработчики health endpoints для Kubernetes (liveness/readiness).
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dahovitech/file-manager-bundle/internal/config"
	"github.com/dahovitech/file-manager-bundle/internal/storage/blob"
)

const (
	statusOK       = "ok"
	statusFail     = "fail"
	statusDegraded = "degraded"
)

// healthCheckPath — путь, существование которого проверяется в хранилищах.
// Сам объект не нужен: важно, что хранилище ответило без ошибки.
const healthCheckPath = ".health_check"

// Pinger — проверка доступности хранилища метаданных.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DependencyHealth — состояние зависимостей по данным dephealth.
type DependencyHealth interface {
	Health() map[string]bool
}

// HealthHandler реализует /health/live и /health/ready.
type HealthHandler struct {
	version        string
	store          Pinger
	backends       *blob.Registry
	defaultStorage string
	deps           DependencyHealth
	timeout        time.Duration
}

// NewHealthHandler создаёт обработчик health endpoints.
// deps может быть nil, если мониторинг зависимостей не настроен.
func NewHealthHandler(store Pinger, backends *blob.Registry, defaultStorage string, deps DependencyHealth) *HealthHandler {
	return &HealthHandler{
		version:        config.Version,
		store:          store,
		backends:       backends,
		defaultStorage: defaultStorage,
		deps:           deps,
		timeout:        3 * time.Second,
	}
}

// HealthLive обрабатывает GET /health/live. Зависимости не проверяются.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    statusOK,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "file-manager",
	})
}

// HealthReady обрабатывает GET /health/ready.
// Недоступность метаданных или хранилища по умолчанию — fail (503),
// остальных хранилищ — degraded (200).
func (h *HealthHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	overall := statusOK
	httpStatus := http.StatusOK
	checks := map[string]any{}

	if err := h.store.Ping(ctx); err != nil {
		overall = statusFail
		httpStatus = http.StatusServiceUnavailable
		checks["metadata"] = map[string]any{
			"status":  statusFail,
			"message": "Хранилище метаданных недоступно: " + err.Error(),
		}
	} else {
		checks["metadata"] = map[string]any{"status": statusOK}
	}

	storages := map[string]any{}
	for _, key := range h.backends.Keys() {
		b, _ := h.backends.Get(key)
		if _, err := b.Exists(ctx, healthCheckPath); err != nil {
			storages[key] = map[string]any{
				"status":  statusFail,
				"message": err.Error(),
			}
			if key == h.defaultStorage {
				overall = statusFail
				httpStatus = http.StatusServiceUnavailable
			} else if overall != statusFail {
				overall = statusDegraded
			}
			continue
		}
		storages[key] = map[string]any{"status": statusOK}
	}
	checks["storages"] = storages

	if h.deps != nil {
		checks["dependencies"] = h.deps.Health()
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    overall,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "file-manager",
		"checks":    checks,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
