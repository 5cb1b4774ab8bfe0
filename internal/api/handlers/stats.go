package handlers

import (
	"context"
	"log/slog"
	"net/http"

	apierrors "github.com/dahovitech/file-manager-bundle/internal/api/errors"
	"github.com/dahovitech/file-manager-bundle/internal/repository"
	"github.com/dahovitech/file-manager-bundle/internal/service"
)

// StatsProvider — источник статистики хранилища.
type StatsProvider interface {
	Stats(ctx context.Context) (*repository.Stats, error)
}

// TreeProvider — источник снимка дерева папок.
type TreeProvider interface {
	Tree(ctx context.Context) (*service.TreeSnapshot, error)
}

// StatsHandler обрабатывает GET /api/v1/stats и GET /api/v1/folders/tree.
type StatsHandler struct {
	stats  StatsProvider
	tree   TreeProvider
	logger *slog.Logger
}

// NewStatsHandler создаёт обработчик статистики.
func NewStatsHandler(stats StatsProvider, tree TreeProvider, logger *slog.Logger) *StatsHandler {
	return &StatsHandler{
		stats:  stats,
		tree:   tree,
		logger: logger.With(slog.String("component", "stats_handler")),
	}
}

// GetStats возвращает количество и объём активных и удалённых файлов
// с разбивкой по хранилищам и MIME-типам.
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.Stats(r.Context())
	if err != nil {
		h.logger.Error("Ошибка получения статистики", slog.String("error", err.Error()))
		apierrors.FromError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetFolderTree возвращает активное дерево папок с количеством
// и объёмом файлов по каждому поддереву и лимит глубины.
func (h *StatsHandler) GetFolderTree(w http.ResponseWriter, r *http.Request) {
	snap, err := h.tree.Tree(r.Context())
	if err != nil {
		h.logger.Error("Ошибка построения дерева папок", slog.String("error", err.Error()))
		apierrors.FromError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
