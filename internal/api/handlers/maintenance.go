// maintenance.go — обработчики POST /api/v1/maintenance/{cleanup,sync}.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	apierrors "github.com/dahovitech/file-manager-bundle/internal/api/errors"
	"github.com/dahovitech/file-manager-bundle/internal/api/openapi"
	"github.com/dahovitech/file-manager-bundle/internal/service"
)

// CleanupRunner — запуск очистки. Позволяет тестировать handler без CleanupService.
type CleanupRunner interface {
	RunOnce(ctx context.Context, opts service.CleanupOptions) (*service.CleanupReport, error)
}

// SyncRunner — запуск сверки.
type SyncRunner interface {
	RunOnce(ctx context.Context, opts service.SyncOptions) (*service.SyncReport, error)
}

// MaintenanceHandler — обработчик endpoints обслуживания.
type MaintenanceHandler struct {
	cleanup CleanupRunner
	sync    SyncRunner
	logger  *slog.Logger
}

// NewMaintenanceHandler создаёт обработчик maintenance endpoints.
func NewMaintenanceHandler(cleanup CleanupRunner, sync SyncRunner, logger *slog.Logger) *MaintenanceHandler {
	return &MaintenanceHandler{
		cleanup: cleanup,
		sync:    sync,
		logger:  logger.With(slog.String("component", "maintenance_handler")),
	}
}

// Cleanup обрабатывает POST /api/v1/maintenance/cleanup.
// Параметры: dry_run, sweeps (через запятую), older_than (duration).
// Если очистка уже выполняется — 409 IN_PROGRESS.
func (h *MaintenanceHandler) Cleanup(w http.ResponseWriter, r *http.Request, params openapi.RunCleanupParams) {
	sweeps, err := service.ParseSweeps(deref(params.Sweeps))
	if err != nil {
		apierrors.FromError(w, err)
		return
	}
	var olderThan time.Duration
	if raw := deref(params.OlderThan); raw != "" {
		olderThan, err = time.ParseDuration(raw)
		if err != nil || olderThan <= 0 {
			apierrors.ValidationError(w, fmt.Sprintf("Некорректный параметр older_than %q: ожидается положительная длительность, например 720h", raw))
			return
		}
	}

	report, err := h.cleanup.RunOnce(r.Context(), service.CleanupOptions{
		Sweeps:    sweeps,
		DryRun:    deref(params.DryRun),
		OlderThan: olderThan,
	})
	if err != nil {
		h.writeRunError(w, err, service.ErrCleanupInProgress, "Очистка уже выполняется")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Sync обрабатывает POST /api/v1/maintenance/sync.
func (h *MaintenanceHandler) Sync(w http.ResponseWriter, r *http.Request, params openapi.RunSyncParams) {
	report, err := h.sync.RunOnce(r.Context(), service.SyncOptions{
		StorageKey:           deref(params.StorageKey),
		DryRun:               deref(params.DryRun),
		FixMissing:           deref(params.FixMissing),
		FixSize:              deref(params.FixSize),
		VerifyChecksum:       deref(params.VerifyChecksum),
		RegenerateThumbnails: deref(params.RegenerateThumbnails),
		UpdateMetadata:       deref(params.UpdateMetadata),
	})
	if err != nil {
		h.writeRunError(w, err, service.ErrSyncInProgress, "Сверка уже выполняется")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *MaintenanceHandler) writeRunError(w http.ResponseWriter, err, inProgress error, inProgressMsg string) {
	if errors.Is(err, inProgress) {
		apierrors.InProgress(w, inProgressMsg)
		return
	}
	h.logger.Error("Ошибка обслуживания", slog.String("error", err.Error()))
	apierrors.FromError(w, err)
}

// deref возвращает значение необязательного параметра или нулевое значение.
func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
