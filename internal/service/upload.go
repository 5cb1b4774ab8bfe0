// upload.go — конвейер загрузки файла.
//
// Поток:
//  1. Валидация запроса, хранилища и папки
//  2. Буферизация потока во временный файл + SHA-256, проверка дубликата
//  3. pre-upload обработчики, запись в журнал, запись blob
//  4. Извлечение метаданных (best-effort)
//  5. Миниатюры для изображений (best-effort)
//  6. Коммит записи в хранилище метаданных
//
// При ошибке после записи blob удаляются blob и миниатюры,
// запись журнала откатывается, вызывающему возвращается исходная ошибка.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dahovitech/file-manager-bundle/internal/apperrors"
	"github.com/dahovitech/file-manager-bundle/internal/domain/model"
	"github.com/dahovitech/file-manager-bundle/internal/domain/pipeline"
	"github.com/dahovitech/file-manager-bundle/internal/events"
	"github.com/dahovitech/file-manager-bundle/internal/repository"
	"github.com/dahovitech/file-manager-bundle/internal/storage/blob"
	"github.com/dahovitech/file-manager-bundle/internal/storage/journal"
	"github.com/dahovitech/file-manager-bundle/internal/validation"
)

var (
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fm_uploads_total",
		Help: "Количество загрузок по результату (ok или код ошибки)",
	}, []string{"result"})

	uploadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fm_upload_bytes_total",
		Help: "Суммарный объём успешно загруженных файлов в байтах",
	})

	uploadDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fm_upload_duration_seconds",
		Help:    "Длительность загрузки файла в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})

	degradedUploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fm_upload_degraded_total",
		Help: "Загрузки, завершённые без метаданных или миниатюр",
	}, []string{"stage"})
)

// UploadRequest — параметры загрузки файла.
type UploadRequest struct {
	// Reader — поток содержимого файла
	Reader io.Reader `validate:"required"`
	// OriginalFilename — имя файла у клиента, становится FileRecord.Filename
	OriginalFilename string `validate:"required"`
	// MimeType — заявленный MIME-тип
	MimeType string `validate:"required,max=100"`
	// Size — заявленный размер. Фактический размер потока важнее.
	Size int64
	// FolderID — целевая папка, nil = корень
	FolderID *string `validate:"omitempty,uuid"`
	// StorageKey — ключ хранилища, пусто = хранилище по умолчанию
	StorageKey  string   `validate:"max=50"`
	Description string   `validate:"max=500"`
	Tags        []string `validate:"max=50,dive,max=100"`
	IsPublic    bool
}

// upload — состояние одной загрузки.
type upload struct {
	tracker    *pipeline.Tracker
	backend    blob.Backend
	record     *model.FileRecord
	entry      *journal.Entry
	thumbnails []string
}

// Upload загружает файл. Запись метаданных существует тогда и только
// тогда, когда blob успешно записан и запись закоммичена.
func (s *FileService) Upload(ctx context.Context, req UploadRequest) (*model.FileRecord, error) {
	start := time.Now()
	up := &upload{tracker: pipeline.NewTracker()}

	rec, err := s.runUpload(ctx, req, up)
	uploadDurationSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		result := string(apperrors.CodeOf(err))
		if result == "" {
			result = "internal"
		}
		uploadsTotal.WithLabelValues(result).Inc()

		if up.tracker.Abort() {
			s.compensate(ctx, up)
		}
		if ferr := up.tracker.Fail(); ferr != nil {
			s.logger.Error("Некорректный переход стадии загрузки", slog.String("error", ferr.Error()))
		}

		level := slog.LevelError
		if apperrors.IsPrecondition(err) {
			level = slog.LevelInfo
		}
		s.logger.Log(ctx, level, "Загрузка отклонена",
			slog.String("filename", req.OriginalFilename),
			slog.String("stage", string(lastStage(up.tracker))),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	uploadsTotal.WithLabelValues("ok").Inc()
	uploadBytesTotal.Add(float64(rec.Size))
	s.logger.Info("Файл загружен",
		slog.String("file_id", rec.ID),
		slog.String("filename", rec.Filename),
		slog.String("storage_key", rec.StorageKey),
		slog.String("path", rec.Path),
		slog.Int64("size", rec.Size),
		slog.Duration("duration", up.tracker.Elapsed()),
	)
	return rec, nil
}

// lastStage — стадия, на которой загрузка прервалась.
func lastStage(t *pipeline.Tracker) pipeline.Stage {
	h := t.History()
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].To != pipeline.StageAborting && h[i].To != pipeline.StageFailed {
			return h[i].To
		}
	}
	return pipeline.StageValidating
}

func (s *FileService) runUpload(ctx context.Context, req UploadRequest, up *upload) (*model.FileRecord, error) {
	// 1. Валидация
	if err := s.structs.Struct(req); err != nil {
		return nil, err
	}
	if err := s.checker.ValidateUploadCandidate(req.MimeType, req.Size, req.OriginalFilename); err != nil {
		return nil, err
	}

	storageKey := req.StorageKey
	if storageKey == "" {
		storageKey = s.opts.DefaultStorage
	}
	b, err := backend(s.backends, storageKey)
	if err != nil {
		return nil, err
	}
	up.backend = b

	folderPath := ""
	if req.FolderID != nil {
		if _, err := activeFolder(ctx, s.store, *req.FolderID); err != nil {
			return nil, err
		}
		idx, err := activeTree(ctx, s.store, false)
		if err != nil {
			return nil, fmt.Errorf("ошибка построения дерева папок: %w", err)
		}
		if folderPath, err = idx.FullPath(*req.FolderID); err != nil {
			return nil, err
		}
	}

	// 2. Буферизация, хеш, дедупликация
	if err := up.tracker.Advance(pipeline.StageDeduplicating); err != nil {
		return nil, err
	}
	spool, size, hash, err := s.spool(ctx, req.Reader)
	if err != nil {
		return nil, err
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	existing, err := s.store.Files().FindActiveByHash(ctx, hash)
	switch {
	case err == nil:
		return nil, apperrors.New(apperrors.CodeDuplicateContent,
			"файл с таким содержимым уже загружен (id %s, %q)", existing.ID, existing.Filename)
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("ошибка проверки дубликата: %w", err)
	}

	rec, err := s.newRecord(req, storageKey, folderPath, size, hash)
	if err != nil {
		return nil, err
	}

	// 3. pre-upload обработчики до любых побочных эффектов
	if err := s.bus.Before(ctx, events.Event{Type: events.PreUpload, File: rec.Clone(), StorageKey: storageKey}); err != nil {
		return nil, err
	}

	if err := up.tracker.Advance(pipeline.StageWriting); err != nil {
		return nil, err
	}
	if s.journal != nil {
		entry, err := s.journal.Start(journal.OpUpload, storageKey, rec.Path)
		if err != nil {
			return nil, apperrors.IO(err, "не удалось записать журнал загрузки")
		}
		up.entry = entry
	}
	up.record = rec

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return nil, apperrors.IO(err, "ошибка чтения временного файла")
	}
	if err := b.Write(ctx, rec.Path, spool, size); err != nil {
		return nil, apperrors.IO(err, "ошибка записи файла в хранилище %s", storageKey)
	}

	// 4. Метаданные
	if err := up.tracker.Advance(pipeline.StageExtractingMetadata); err != nil {
		return nil, err
	}
	if s.opts.MetadataEnabled && s.extractor != nil {
		meta, err := s.extractor.Extract(ctx, rec, b)
		if err != nil {
			degradedUploadsTotal.WithLabelValues("metadata").Inc()
			s.logger.Warn("Ошибка извлечения метаданных",
				slog.String("file_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
		rec.Metadata = meta
	}

	// 5. Миниатюры
	if err := up.tracker.Advance(pipeline.StageGeneratingThumbnails); err != nil {
		return nil, err
	}
	if s.opts.ThumbnailsEnabled && s.thumbs != nil && rec.IsImage() {
		primary, written, err := s.thumbs.Generate(ctx, rec, b)
		up.thumbnails = written
		if s.journal != nil && up.entry != nil {
			if jerr := s.journal.AddThumbnails(up.entry.TransactionID, written); jerr != nil {
				s.logger.Warn("Не удалось записать миниатюры в журнал",
					slog.String("tx_id", up.entry.TransactionID),
					slog.String("error", jerr.Error()),
				)
			}
		}
		if err != nil {
			degradedUploadsTotal.WithLabelValues("thumbnails").Inc()
			s.logger.Warn("Ошибка генерации миниатюр",
				slog.String("file_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
		rec.ThumbnailPath = primary
	}

	// 6. Коммит
	if err := up.tracker.Advance(pipeline.StageCommitting); err != nil {
		return nil, err
	}
	// Папка могла быть удалена, пока шла запись blob
	err = s.store.RunInTx(ctx, func(tx repository.Store) error {
		if rec.FolderID != nil {
			if _, err := lockActiveFolder(ctx, tx, *rec.FolderID); err != nil {
				return err
			}
		}
		return mapFileError(tx.Files().Create(ctx, rec), rec.ID)
	})
	if err != nil {
		return nil, err
	}
	if err := up.tracker.Advance(pipeline.StageDone); err != nil {
		return nil, err
	}

	if s.journal != nil && up.entry != nil {
		if err := s.journal.Commit(up.entry.TransactionID); err != nil {
			s.logger.Warn("Не удалось закрыть запись журнала",
				slog.String("tx_id", up.entry.TransactionID),
				slog.String("error", err.Error()),
			)
		}
	}
	s.cache.Delete(rec.ID)
	s.bus.After(ctx, events.Event{Type: events.PostUpload, File: rec.Clone(), StorageKey: storageKey})

	return rec, nil
}

// spool копирует поток во временный файл, вычисляя SHA-256.
// Фактический размер проверяется на > 0 и на лимит.
func (s *FileService) spool(ctx context.Context, r io.Reader) (*os.File, int64, string, error) {
	tmp, err := os.CreateTemp(s.opts.TempDir, "fm-upload-*")
	if err != nil {
		return nil, 0, "", apperrors.IO(err, "не удалось создать временный файл")
	}
	fail := func(err error) (*os.File, int64, string, error) {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, 0, "", err
	}

	hasher := sha256.New()
	limit := s.checker.MaxFileSize()
	n, err := io.Copy(io.MultiWriter(tmp, hasher), io.LimitReader(ctxReader{ctx: ctx, r: r}, limit+1))
	if err != nil {
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}
		return fail(apperrors.IO(err, "ошибка чтения потока загрузки"))
	}
	if n == 0 {
		return fail(apperrors.New(apperrors.CodeValidationFailed, "файл пуст"))
	}
	if n > limit {
		return fail(apperrors.New(apperrors.CodeTooLarge,
			"размер файла превышает лимит %d байт", limit))
	}

	return tmp, n, hex.EncodeToString(hasher.Sum(nil)), nil
}

// newRecord формирует запись-кандидат с безопасным путём хранения.
func (s *FileService) newRecord(req UploadRequest, storageKey, folderPath string, size int64, hash string) (*model.FileRecord, error) {
	name, err := s.checker.GenerateSecureFilename(s.checker.ResolveExtension(req.MimeType, req.OriginalFilename))
	if err != nil {
		return nil, err
	}
	storagePath, err := validation.GenerateStoragePath(folderPath, name)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var folderID *string
	if req.FolderID != nil {
		id := *req.FolderID
		folderID = &id
	}
	return &model.FileRecord{
		ID:          newID(),
		Filename:    req.OriginalFilename,
		StorageKey:  storageKey,
		Path:        storagePath,
		MimeType:    req.MimeType,
		Size:        size,
		Hash:        hash,
		FolderID:    folderID,
		Description: req.Description,
		Tags:        append([]string(nil), req.Tags...),
		IsPublic:    req.IsPublic,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// compensate удаляет blob и миниатюры неудачной загрузки.
// Если blob удалить не удалось, запись журнала остаётся pending,
// и её разберёт восстановление при следующем старте.
func (s *FileService) compensate(ctx context.Context, up *upload) {
	if up.record == nil || up.backend == nil {
		return
	}
	cleanupCtx := context.WithoutCancel(ctx)
	rec := up.record
	attrs := []slog.Attr{slog.String("file_id", rec.ID), slog.String("path", rec.Path)}

	blobErr := up.backend.Delete(cleanupCtx, rec.Path)
	if blobErr != nil && !errors.Is(blobErr, blob.ErrNotFound) {
		logCleanupError(s.logger, "Не удалось удалить blob после отмены загрузки", blobErr, attrs...)
	} else {
		blobErr = nil
	}
	for _, p := range up.thumbnails {
		if err := up.backend.Delete(cleanupCtx, p); err != nil && !errors.Is(err, blob.ErrNotFound) {
			logCleanupError(s.logger, "Не удалось удалить миниатюру после отмены загрузки", err,
				slog.String("file_id", rec.ID), slog.String("path", p))
		}
	}

	if s.journal != nil && up.entry != nil && blobErr == nil {
		if err := s.journal.Rollback(up.entry.TransactionID); err != nil {
			logCleanupError(s.logger, "Не удалось откатить запись журнала", err,
				slog.String("tx_id", up.entry.TransactionID))
		}
	}
}

// ctxReader прерывает чтение при отмене контекста.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
