// file.go — операции над файлами: чтение, список, обновление,
// перемещение, мягкое и физическое удаление, восстановление.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dahovitech/file-manager-bundle/internal/apperrors"
	"github.com/dahovitech/file-manager-bundle/internal/domain/model"
	"github.com/dahovitech/file-manager-bundle/internal/events"
	"github.com/dahovitech/file-manager-bundle/internal/repository"
	"github.com/dahovitech/file-manager-bundle/internal/storage/blob"
	"github.com/dahovitech/file-manager-bundle/internal/storage/journal"
	"github.com/dahovitech/file-manager-bundle/internal/validation"
)

var deletesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fm_file_deletes_total",
	Help: "Количество удалений файлов по режиму (soft, hard)",
}, []string{"mode"})

// FileState — фильтр по состоянию удаления.
type FileState string

const (
	StateActive  FileState = "active"
	StateDeleted FileState = "deleted"
	StateAll     FileState = "all"
)

// FileQuery — параметры списка файлов.
type FileQuery struct {
	// FolderID — только файлы папки; при nil и RootOnly — только корень
	FolderID   *string
	RootOnly   bool
	StorageKey string
	// MimeType — точный тип или префикс вида image/*
	MimeType string
	// State — пусто = active
	State FileState
	// Query — поиск по имени, описанию и тегам
	Query  string
	Limit  int
	Offset int
}

// FilePage — страница списка файлов.
type FilePage struct {
	Items  []*model.FileRecord `json:"items"`
	Total  int                 `json:"total"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// FileUpdate — изменяемые поля файла. nil — поле не меняется.
type FileUpdate struct {
	Description *string
	Tags        *[]string
	IsPublic    *bool
}

// FileService — операции над файлами.
type FileService struct {
	store     repository.Store
	backends  *blob.Registry
	checker   *validation.Checker
	structs   *validation.StructValidator
	thumbs    ThumbnailGenerator
	extractor MetadataExtractor
	bus       *events.Bus
	cache     *CacheService
	journal   *journal.Journal
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

// NewFileService создаёт сервис файлов.
func NewFileService(deps Deps, opts Options, logger *slog.Logger) *FileService {
	structs := deps.Structs
	if structs == nil {
		structs = validation.NewStructValidator()
	}
	bus := deps.Events
	if bus == nil {
		bus = events.NewBus(logger)
	}
	return &FileService{
		store:     deps.Store,
		backends:  deps.Backends,
		checker:   deps.Checker,
		structs:   structs,
		thumbs:    deps.Thumbnails,
		extractor: deps.Metadata,
		bus:       bus,
		cache:     deps.Cache,
		journal:   deps.Journal,
		opts:      opts,
		logger:    logger.With(slog.String("component", "file_service")),
		now:       utcNow,
	}
}

// Get возвращает запись файла (в том числе удалённую) через кэш.
func (s *FileService) Get(ctx context.Context, id string) (*model.FileRecord, error) {
	if f, ok := s.cache.Get(id); ok {
		return f, nil
	}
	f, err := s.store.Files().GetByID(ctx, id)
	if err != nil {
		return nil, mapFileError(err, id)
	}
	s.cache.Set(f)
	return f, nil
}

// Open открывает содержимое активного файла. Вызывающий закрывает reader.
func (s *FileService) Open(ctx context.Context, id string) (io.ReadCloser, *model.FileRecord, error) {
	f, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if f.IsDeleted {
		return nil, nil, apperrors.New(apperrors.CodeNotFound, "файл %s удалён", id)
	}
	b, err := backend(s.backends, f.StorageKey)
	if err != nil {
		return nil, nil, err
	}
	rc, err := b.Read(ctx, f.Path)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, nil, apperrors.Wrap(apperrors.CodeNotFound, err,
				"содержимое файла %s отсутствует в хранилище %s", id, f.StorageKey)
		}
		return nil, nil, apperrors.IO(err, "ошибка чтения файла %s", id)
	}
	return rc, f, nil
}

// List возвращает страницу файлов по фильтру.
func (s *FileService) List(ctx context.Context, q FileQuery) (*FilePage, error) {
	if q.Limit < 0 || q.Offset < 0 {
		return nil, apperrors.New(apperrors.CodeValidationFailed, "limit и offset не могут быть отрицательными")
	}
	if q.Limit == 0 {
		q.Limit = repository.DefaultListLimit
	}
	if q.Limit > repository.MaxListLimit {
		q.Limit = repository.MaxListLimit
	}

	filter := repository.FileFilter{
		FolderID:   q.FolderID,
		RootOnly:   q.RootOnly,
		StorageKey: q.StorageKey,
		MimeType:   q.MimeType,
		Query:      q.Query,
	}
	switch q.State {
	case "", StateActive:
		v := false
		filter.Deleted = &v
	case StateDeleted:
		v := true
		filter.Deleted = &v
	case StateAll:
	default:
		return nil, apperrors.New(apperrors.CodeValidationFailed,
			"недопустимое состояние %q, допустимые: active, deleted, all", q.State)
	}

	total, err := s.store.Files().Count(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("ошибка подсчёта файлов: %w", err)
	}
	filter.Limit, filter.Offset = q.Limit, q.Offset
	items, err := s.store.Files().List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка файлов: %w", err)
	}
	if items == nil {
		items = []*model.FileRecord{}
	}
	return &FilePage{Items: items, Total: total, Limit: q.Limit, Offset: q.Offset}, nil
}

// Stats возвращает статистику по файлам и папкам.
func (s *FileService) Stats(ctx context.Context) (*repository.Stats, error) {
	stats, err := s.store.Files().Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения статистики: %w", err)
	}
	return stats, nil
}

// requireActive загружает активную запись для изменения.
func (s *FileService) requireActive(ctx context.Context, tx repository.Store, id string) (*model.FileRecord, error) {
	f, err := tx.Files().GetForUpdate(ctx, id)
	if err != nil {
		return nil, mapFileError(err, id)
	}
	if f.IsDeleted {
		return nil, apperrors.New(apperrors.CodeValidationFailed,
			"файл %s удалён, сначала восстановите его", id)
	}
	return f, nil
}

// Update меняет описание, теги и флаг публичности. Версия увеличивается.
func (s *FileService) Update(ctx context.Context, id string, upd FileUpdate) (*model.FileRecord, error) {
	var result *model.FileRecord
	err := s.store.RunInTx(ctx, func(tx repository.Store) error {
		f, err := s.requireActive(ctx, tx, id)
		if err != nil {
			return err
		}
		if upd.Description != nil {
			f.Description = *upd.Description
		}
		if upd.Tags != nil {
			f.Tags = append([]string(nil), (*upd.Tags)...)
		}
		if upd.IsPublic != nil {
			f.IsPublic = *upd.IsPublic
		}
		if err := s.structs.Struct(f); err != nil {
			return err
		}
		f.Version++
		f.UpdatedAt = s.now()
		if err := tx.Files().Update(ctx, f); err != nil {
			return mapFileError(err, id)
		}
		result = f
		return nil
	})
	s.cache.Delete(id)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Move перемещает файл в папку folderID (nil = корень).
// Путь blob не меняется: он фиксируется при загрузке.
func (s *FileService) Move(ctx context.Context, id string, folderID *string) (*model.FileRecord, error) {
	var result *model.FileRecord
	err := s.store.RunInTx(ctx, func(tx repository.Store) error {
		f, err := s.requireActive(ctx, tx, id)
		if err != nil {
			return err
		}
		if folderID != nil {
			if _, err := lockActiveFolder(ctx, tx, *folderID); err != nil {
				return err
			}
			target := *folderID
			f.FolderID = &target
		} else {
			f.FolderID = nil
		}
		f.UpdatedAt = s.now()
		if err := tx.Files().Update(ctx, f); err != nil {
			return mapFileError(err, id)
		}
		result = f
		return nil
	})
	s.cache.Delete(id)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SoftDelete помечает файл удалённым. Blob не трогается.
// Повторное удаление уже удалённого файла ничего не меняет.
func (s *FileService) SoftDelete(ctx context.Context, id string) (*model.FileRecord, error) {
	f, err := s.store.Files().GetByID(ctx, id)
	if err != nil {
		return nil, mapFileError(err, id)
	}
	if f.IsDeleted {
		return f, nil
	}
	return s.softDelete(ctx, f)
}

// softDelete помечает файл удалённым. Запись перечитывается под блокировкой,
// поэтому изменения, сделанные после чтения f, не теряются.
func (s *FileService) softDelete(ctx context.Context, f *model.FileRecord) (*model.FileRecord, error) {
	if err := s.bus.Before(ctx, events.Event{Type: events.PreDelete, File: f.Clone(), StorageKey: f.StorageKey}); err != nil {
		return nil, err
	}

	var (
		result  *model.FileRecord
		already bool
	)
	err := s.store.RunInTx(ctx, func(tx repository.Store) error {
		cur, err := tx.Files().GetForUpdate(ctx, f.ID)
		if err != nil {
			return mapFileError(err, f.ID)
		}
		result = cur
		if cur.IsDeleted {
			already = true
			return nil
		}
		cur.MarkDeleted(s.now())
		return mapFileError(tx.Files().Update(ctx, cur), f.ID)
	})
	s.cache.Delete(f.ID)
	if err != nil {
		return nil, err
	}
	if already {
		return result, nil
	}
	f = result

	deletesTotal.WithLabelValues("soft").Inc()
	s.logger.Info("Файл помечен удалённым",
		slog.String("file_id", f.ID),
		slog.String("filename", f.Filename),
	)
	s.bus.After(ctx, events.Event{Type: events.PostDelete, File: f.Clone(), StorageKey: f.StorageKey})
	return f, nil
}

// HardDelete удаляет blob, все варианты миниатюр и запись.
// Отсутствующий blob ошибкой не считается. Необратимо.
func (s *FileService) HardDelete(ctx context.Context, id string) error {
	f, err := s.store.Files().GetByID(ctx, id)
	if err != nil {
		return mapFileError(err, id)
	}
	return s.hardDelete(ctx, f)
}

func (s *FileService) hardDelete(ctx context.Context, f *model.FileRecord) error {
	b, err := backend(s.backends, f.StorageKey)
	if err != nil {
		return err
	}
	if err := s.bus.Before(ctx, events.Event{Type: events.PreDelete, File: f.Clone(), StorageKey: f.StorageKey, Hard: true}); err != nil {
		return err
	}

	if err := s.removeBlobs(ctx, b, f); err != nil {
		return err
	}

	err = s.store.RunInTx(ctx, func(tx repository.Store) error {
		return tx.Files().Delete(ctx, f.ID)
	})
	s.cache.Delete(f.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("ошибка удаления записи файла %s: %w", f.ID, err)
	}

	deletesTotal.WithLabelValues("hard").Inc()
	s.logger.Info("Файл удалён физически",
		slog.String("file_id", f.ID),
		slog.String("filename", f.Filename),
		slog.String("path", f.Path),
	)
	s.bus.After(ctx, events.Event{Type: events.PostDelete, File: f.Clone(), StorageKey: f.StorageKey, Hard: true})
	return nil
}

func (s *FileService) removeBlobs(ctx context.Context, b blob.Backend, f *model.FileRecord) error {
	return deleteBlobs(ctx, b, s.thumbs, f, s.logger)
}

// Restore снимает пометку удаления. Если папка файла удалена,
// файл восстанавливается в корень.
func (s *FileService) Restore(ctx context.Context, id string) (*model.FileRecord, error) {
	var result *model.FileRecord
	err := s.store.RunInTx(ctx, func(tx repository.Store) error {
		f, err := tx.Files().GetForUpdate(ctx, id)
		if err != nil {
			return mapFileError(err, id)
		}
		if !f.IsDeleted {
			return apperrors.New(apperrors.CodeNotDeleted, "файл %s не удалён, восстанавливать нечего", id)
		}

		if f.FolderID != nil {
			if _, err := lockActiveFolder(ctx, tx, *f.FolderID); err != nil {
				if apperrors.CodeOf(err) != apperrors.CodeNotFound {
					return err
				}
				s.logger.Info("Папка файла удалена, файл восстанавливается в корень",
					slog.String("file_id", id),
					slog.String("folder_id", *f.FolderID),
				)
				f.FolderID = nil
			}
		}

		f.Restore(s.now())
		if err := tx.Files().Update(ctx, f); err != nil {
			if errors.Is(err, repository.ErrDuplicateHash) {
				return apperrors.Wrap(apperrors.CodeDuplicateContent, err,
					"нельзя восстановить файл %s: активный файл с таким же содержимым уже существует", id)
			}
			return mapFileError(err, id)
		}
		result = f
		return nil
	})
	s.cache.Delete(id)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Файл восстановлен", slog.String("file_id", id))
	return result, nil
}
