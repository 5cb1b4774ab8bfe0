// Пакет events — синхронные обработчики событий жизненного цикла файла.
//
// Pre-обработчики вызываются до побочных эффектов и могут отклонить
// операцию, вернув ошибку. Post-обработчики вызываются после успешного
// коммита; их ошибки только логируются. Порядок внутри одного типа
// события совпадает с порядком подписки, других гарантий нет.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dahovitech/file-manager-bundle/internal/apperrors"
	"github.com/dahovitech/file-manager-bundle/internal/domain/model"
)

// Type — тип события.
type Type string

const (
	PreUpload  Type = "file_manager.file.pre_upload"
	PostUpload Type = "file_manager.file.post_upload"
	PreDelete  Type = "file_manager.file.pre_delete"
	PostDelete Type = "file_manager.file.post_delete"
)

// IsPre сообщает, что событие вызывается до побочных эффектов.
func (t Type) IsPre() bool {
	return t == PreUpload || t == PreDelete
}

// Event — событие над файлом.
type Event struct {
	Type Type
	// File — запись-кандидат (pre) или итоговая запись (post)
	File       *model.FileRecord
	StorageKey string
	// Hard — физическое удаление (только для событий удаления)
	Hard       bool
	OccurredAt time.Time
}

// Hook — обработчик события.
type Hook func(ctx context.Context, ev Event) error

// Bus — список обработчиков по типам событий.
type Bus struct {
	mu     sync.RWMutex
	hooks  map[Type][]Hook
	logger *slog.Logger
}

// NewBus создаёт пустую шину.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		hooks:  make(map[Type][]Hook),
		logger: logger.With(slog.String("component", "events")),
	}
}

// Subscribe добавляет обработчик события t.
func (b *Bus) Subscribe(t Type, h Hook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks[t] = append(b.hooks[t], h)
}

func (b *Bus) handlers(t Type) []Hook {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Hook(nil), b.hooks[t]...)
}

// Before вызывает pre-обработчики. Первая ошибка прерывает цепочку
// и отклоняет операцию. Ошибка без кода сводится к VALIDATION_FAILED.
func (b *Bus) Before(ctx context.Context, ev Event) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	for _, h := range b.handlers(ev.Type) {
		if err := h(ctx, ev); err != nil {
			b.logger.Info("Операция отклонена обработчиком",
				slog.String("event", string(ev.Type)),
				slog.String("file_id", ev.File.ID),
				slog.String("error", err.Error()),
			)
			if apperrors.CodeOf(err) != "" {
				return err
			}
			return apperrors.Wrap(apperrors.CodeValidationFailed, err,
				"операция отклонена обработчиком события %s", ev.Type)
		}
	}
	return nil
}

// After вызывает все post-обработчики. Ошибки логируются.
func (b *Bus) After(ctx context.Context, ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	for _, h := range b.handlers(ev.Type) {
		if err := h(ctx, ev); err != nil {
			b.logger.Warn("Ошибка обработчика события",
				slog.String("event", string(ev.Type)),
				slog.String("file_id", ev.File.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}
