package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dahovitech/file-manager-bundle/internal/repository"
	"github.com/dahovitech/file-manager-bundle/internal/storage/blob"
)

// RecoveryReport — результат разбора незавершённых загрузок.
type RecoveryReport struct {
	Pending    int `json:"pending"`
	Committed  int `json:"committed"`
	RolledBack int `json:"rolled_back"`
	Failed     int `json:"failed"`
}

// RecoverJournal разбирает незавершённые записи журнала после падения.
// Если запись с путём из журнала есть в метаданных, загрузка считается
// состоявшейся. Иначе blob и записанные в журнал миниатюры удаляются,
// запись журнала откатывается. Миниатюры, не попавшие в журнал,
// подберёт очистка сирот.
// Вызывается при старте, до приёма загрузок.
func (s *FileService) RecoverJournal(ctx context.Context) (*RecoveryReport, error) {
	report := &RecoveryReport{}
	if s.journal == nil {
		return report, nil
	}

	pending, err := s.journal.RecoverPending()
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения журнала: %w", err)
	}
	report.Pending = len(pending)

	for _, entry := range pending {
		log := s.logger.With(
			slog.String("tx_id", entry.TransactionID),
			slog.String("storage_key", entry.StorageKey),
			slog.String("path", entry.Path),
		)

		_, err := s.store.Files().FindByPath(ctx, entry.StorageKey, entry.Path)
		switch {
		case err == nil:
			if err := s.journal.Commit(entry.TransactionID); err != nil {
				report.Failed++
				log.Error("Не удалось закрыть запись журнала", slog.String("error", err.Error()))
				continue
			}
			report.Committed++
			log.Info("Загрузка подтверждена по метаданным")
			continue
		case !errors.Is(err, repository.ErrNotFound):
			report.Failed++
			log.Error("Ошибка поиска записи файла", slog.String("error", err.Error()))
			continue
		}

		b, ok := s.backends.Get(entry.StorageKey)
		if !ok {
			report.Failed++
			log.Error("Хранилище незавершённой загрузки не зарегистрировано")
			continue
		}

		if err := b.Delete(ctx, entry.Path); err != nil && !errors.Is(err, blob.ErrNotFound) {
			report.Failed++
			log.Error("Не удалось удалить blob незавершённой загрузки", slog.String("error", err.Error()))
			continue
		}
		for _, p := range entry.Thumbnails {
			if err := b.Delete(ctx, p); err != nil && !errors.Is(err, blob.ErrNotFound) {
				log.Warn("Не удалось удалить миниатюру незавершённой загрузки",
					slog.String("thumbnail", p),
					slog.String("error", err.Error()),
				)
			}
		}

		if err := s.journal.Rollback(entry.TransactionID); err != nil {
			report.Failed++
			log.Error("Не удалось откатить запись журнала", slog.String("error", err.Error()))
			continue
		}
		report.RolledBack++
		log.Warn("Незавершённая загрузка откачена")
	}

	if report.Pending > 0 {
		s.logger.Info("Восстановление журнала завершено",
			slog.Int("pending", report.Pending),
			slog.Int("committed", report.Committed),
			slog.Int("rolled_back", report.RolledBack),
			slog.Int("failed", report.Failed),
		)
	}
	return report, nil
}
