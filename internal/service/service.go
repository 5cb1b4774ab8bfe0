// Пакет service — бизнес-логика файлового менеджера: загрузка,
// удаление и восстановление файлов, операции с деревом папок,
// очистка и сверка метаданных с blob-хранилищами.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dahovitech/file-manager-bundle/internal/apperrors"
	"github.com/dahovitech/file-manager-bundle/internal/config"
	"github.com/dahovitech/file-manager-bundle/internal/domain/model"
	"github.com/dahovitech/file-manager-bundle/internal/domain/tree"
	"github.com/dahovitech/file-manager-bundle/internal/events"
	"github.com/dahovitech/file-manager-bundle/internal/repository"
	"github.com/dahovitech/file-manager-bundle/internal/storage/blob"
	"github.com/dahovitech/file-manager-bundle/internal/storage/journal"
	"github.com/dahovitech/file-manager-bundle/internal/validation"
)

// ThumbnailGenerator — генерация и удаление миниатюр (см. media.Thumbnailer).
type ThumbnailGenerator interface {
	// Generate возвращает путь основного варианта и все записанные пути.
	Generate(ctx context.Context, f *model.FileRecord, backend blob.Backend) (string, []string, error)
	// Delete удаляет все варианты, отсутствующие пропускаются.
	Delete(ctx context.Context, f *model.FileRecord, backend blob.Backend) error
	// Paths — пути всех вариантов миниатюр файла.
	Paths(f *model.FileRecord) []string
}

// MetadataExtractor — извлечение метаданных (см. media.Extractor).
// При ошибке может вернуть частичную карту.
type MetadataExtractor interface {
	Extract(ctx context.Context, f *model.FileRecord, backend blob.Backend) (map[string]any, error)
}

// Deps — общие зависимости сервисов.
type Deps struct {
	Store      repository.Store
	Backends   *blob.Registry
	Checker    *validation.Checker
	Structs    *validation.StructValidator
	Thumbnails ThumbnailGenerator
	Metadata   MetadataExtractor
	Events     *events.Bus
	// Cache — nil отключает кэш
	Cache *CacheService
	// Journal — nil отключает журнал загрузок
	Journal *journal.Journal
}

// Options — параметры поведения сервисов.
type Options struct {
	DefaultStorage      string
	TempDir             string
	ThumbnailsEnabled   bool
	MetadataEnabled     bool
	RecursiveFileDelete string
}

// OptionsFromConfig собирает Options из конфигурации.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		DefaultStorage:      cfg.DefaultStorage,
		TempDir:             cfg.TempDir,
		ThumbnailsEnabled:   cfg.ThumbnailsEnabled,
		MetadataEnabled:     cfg.MetadataEnabled,
		RecursiveFileDelete: cfg.RecursiveFileDelete,
	}
}

func utcNow() time.Time {
	return time.Now().UTC()
}

func newID() string {
	return uuid.New().String()
}

// backend возвращает хранилище по ключу или STORAGE_NOT_FOUND.
func backend(reg *blob.Registry, key string) (blob.Backend, error) {
	b, ok := reg.Get(key)
	if !ok {
		return nil, storageNotFound(key)
	}
	return b, nil
}

// activeFolder возвращает активную папку или NOT_FOUND.
func activeFolder(ctx context.Context, store repository.Store, id string) (*model.FolderRecord, error) {
	f, err := store.Folders().GetByID(ctx, id)
	if err != nil {
		return nil, mapFolderError(err, id, "")
	}
	if f.IsDeleted {
		return nil, apperrors.New(apperrors.CodeNotFound, "папка %s удалена", id)
	}
	return f, nil
}

// lockActiveFolder читает папку с блокировкой внутри транзакции tx
// и возвращает NOT_FOUND, если папка удалена. Изменения содержимого
// папки берут ту же блокировку, поэтому проверка остаётся верной до коммита.
func lockActiveFolder(ctx context.Context, tx repository.Store, id string) (*model.FolderRecord, error) {
	f, err := tx.Folders().GetForUpdate(ctx, id)
	if err != nil {
		return nil, mapFolderError(err, id, "")
	}
	if f.IsDeleted {
		return nil, apperrors.New(apperrors.CodeNotFound, "папка %s удалена", id)
	}
	return f, nil
}

// folderIsEmpty проверяет внутри tx, что у папки нет активных файлов
// и дочерних папок.
func folderIsEmpty(ctx context.Context, tx repository.Store, id string) (bool, error) {
	children, err := tx.Folders().Count(ctx, repository.FolderFilter{ParentID: &id})
	if err != nil {
		return false, fmt.Errorf("ошибка подсчёта дочерних папок: %w", err)
	}
	if children > 0 {
		return false, nil
	}
	active := false
	files, err := tx.Files().Count(ctx, repository.FileFilter{FolderID: &id, Deleted: &active})
	if err != nil {
		return false, fmt.Errorf("ошибка подсчёта файлов папки: %w", err)
	}
	return files == 0, nil
}

// activeTree строит индекс дерева из активных папок и, при withFiles,
// активных файлов. Активные записи под удалённым родителем в индекс
// не попадают: для дерева они недостижимы.
func activeTree(ctx context.Context, store repository.Store, withFiles bool) (*tree.Index, error) {
	folders, err := store.Folders().List(ctx, repository.FolderFilter{})
	if err != nil {
		return nil, err
	}

	present := make(map[string]bool, len(folders))
	for _, f := range folders {
		present[f.ID] = true
	}
	for changed := true; changed; {
		changed = false
		for _, f := range folders {
			if present[f.ID] && f.ParentID != nil && !present[*f.ParentID] {
				present[f.ID] = false
				changed = true
			}
		}
	}
	reachable := folders[:0:0]
	for _, f := range folders {
		if present[f.ID] {
			reachable = append(reachable, f)
		}
	}

	var files []*model.FileRecord
	if withFiles {
		active := false
		all, err := store.Files().List(ctx, repository.FileFilter{Deleted: &active})
		if err != nil {
			return nil, err
		}
		for _, f := range all {
			if f.FolderID == nil || present[*f.FolderID] {
				files = append(files, f)
			}
		}
	}
	return tree.Build(reachable, files)
}

// deleteBlobs удаляет blob и миниатюры файла. Отсутствующие объекты
// пропускаются. Ошибка удаления blob возвращается, ошибки миниатюр
// только логируются: оставшиеся миниатюры подберёт очистка сирот.
func deleteBlobs(ctx context.Context, b blob.Backend, thumbs ThumbnailGenerator, f *model.FileRecord, logger *slog.Logger) error {
	if err := b.Delete(ctx, f.Path); err != nil && !errors.Is(err, blob.ErrNotFound) {
		return apperrors.IO(err, "ошибка удаления файла %s из хранилища %s", f.Path, f.StorageKey)
	}
	if thumbs != nil {
		if err := thumbs.Delete(ctx, f, b); err != nil {
			logger.Warn("Не все миниатюры удалены",
				slog.String("file_id", f.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// logCleanupError логирует ошибку компенсирующей очистки.
func logCleanupError(logger *slog.Logger, msg string, err error, attrs ...slog.Attr) {
	args := make([]any, 0, len(attrs)+1)
	for _, a := range attrs {
		args = append(args, a)
	}
	args = append(args, slog.String("error", err.Error()))
	logger.Error(msg, args...)
}
