// Пакет journal — файловый журнал загрузок.
// Фиксирует каждую запись blob до коммита метаданных, чтобы после падения
// процесса можно было найти blob без записи и удалить его.
// Каждая транзакция — отдельный файл {tx_id}.journal.json.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const fileSuffix = ".journal.json"

// Operation — тип операции в журнале.
type Operation string

// OpUpload — запись нового blob при загрузке файла.
const OpUpload Operation = "upload"

// Status — статус транзакции журнала.
type Status string

const (
	StatusPending    Status = "pending"
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolled_back"
)

// ErrNotPending — транзакция уже завершена.
var ErrNotPending = errors.New("транзакция журнала уже завершена")

// Entry — запись журнала.
type Entry struct {
	TransactionID string    `json:"transaction_id"`
	Operation     Operation `json:"operation"`
	Status        Status    `json:"status"`
	// StorageKey и Path указывают blob, записываемый операцией
	StorageKey string `json:"storage_key"`
	Path       string `json:"path"`
	// Thumbnails — пути миниатюр, созданных в рамках операции
	Thumbnails  []string   `json:"thumbnails,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Journal — каталог с записями журнала.
type Journal struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
	now    func() time.Time
}

// New создаёт журнал в директории dir и проверяет, что она доступна на запись.
func New(dir string, logger *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию журнала %s: %w", dir, err)
	}

	testPath := filepath.Join(dir, ".journal_write_test")
	if err := os.WriteFile(testPath, []byte("ok"), 0o640); err != nil {
		return nil, fmt.Errorf("директория журнала %s недоступна для записи: %w", dir, err)
	}
	os.Remove(testPath)

	return &Journal{
		dir:    dir,
		logger: logger.With(slog.String("component", "journal")),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Dir возвращает путь к директории журнала.
func (j *Journal) Dir() string {
	return j.dir
}

// Start создаёт pending-запись для blob storageKey/path.
func (j *Journal) Start(op Operation, storageKey, path string) (*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry := &Entry{
		TransactionID: uuid.New().String(),
		Operation:     op,
		Status:        StatusPending,
		StorageKey:    storageKey,
		Path:          path,
		StartedAt:     j.now(),
	}
	if err := j.write(entry); err != nil {
		return nil, fmt.Errorf("не удалось создать запись журнала: %w", err)
	}

	j.logger.Debug("Транзакция журнала начата",
		slog.String("tx_id", entry.TransactionID),
		slog.String("storage_key", storageKey),
		slog.String("path", path),
	)
	return entry, nil
}

// AddThumbnails дописывает пути миниатюр в pending-запись.
func (j *Journal) AddThumbnails(txID string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	return j.update(txID, func(e *Entry) {
		e.Thumbnails = append(e.Thumbnails, paths...)
	})
}

// Commit помечает транзакцию успешной.
func (j *Journal) Commit(txID string) error {
	return j.finish(txID, StatusCommitted)
}

// Rollback помечает транзакцию отменённой.
func (j *Journal) Rollback(txID string) error {
	return j.finish(txID, StatusRolledBack)
}

func (j *Journal) finish(txID string, status Status) error {
	now := j.now()
	err := j.update(txID, func(e *Entry) {
		e.Status = status
		e.CompletedAt = &now
	})
	if err != nil {
		return err
	}
	j.logger.Debug("Транзакция журнала завершена",
		slog.String("tx_id", txID),
		slog.String("status", string(status)),
	)
	return nil
}

func (j *Journal) update(txID string, mutate func(*Entry)) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, err := j.read(txID)
	if err != nil {
		return fmt.Errorf("не удалось прочитать запись журнала %s: %w", txID, err)
	}
	if entry.Status != StatusPending {
		return fmt.Errorf("%w: %s (%s)", ErrNotPending, txID, entry.Status)
	}

	mutate(entry)
	if err := j.write(entry); err != nil {
		return fmt.Errorf("не удалось обновить запись журнала %s: %w", txID, err)
	}
	return nil
}

// Get читает запись по идентификатору транзакции.
func (j *Journal) Get(txID string) (*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.read(txID)
}

// RecoverPending возвращает все незавершённые записи.
// Повреждённые файлы пропускаются с предупреждением.
func (j *Journal) RecoverPending() ([]*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := j.scan()
	if err != nil {
		return nil, err
	}

	var pending []*Entry
	for _, entry := range entries {
		if entry.Status != StatusPending {
			continue
		}
		pending = append(pending, entry)
		j.logger.Warn("Обнаружена незавершённая транзакция журнала",
			slog.String("tx_id", entry.TransactionID),
			slog.String("storage_key", entry.StorageKey),
			slog.String("path", entry.Path),
			slog.Time("started_at", entry.StartedAt),
		)
	}
	return pending, nil
}

// CleanFinished удаляет завершённые записи, закрытые раньше чем olderThan назад.
// Возвращает количество удалённых записей.
func (j *Journal) CleanFinished(olderThan time.Duration) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := j.scan()
	if err != nil {
		return 0, err
	}

	cutoff := j.now().Add(-olderThan)
	cleaned := 0
	for _, entry := range entries {
		if entry.Status == StatusPending || entry.CompletedAt == nil || entry.CompletedAt.After(cutoff) {
			continue
		}
		err := os.Remove(filepath.Join(j.dir, entry.TransactionID+fileSuffix))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			j.logger.Warn("Не удалось удалить запись журнала",
				slog.String("tx_id", entry.TransactionID),
				slog.String("error", err.Error()),
			)
			continue
		}
		cleaned++
	}

	if cleaned > 0 {
		j.logger.Info("Журнал очищен", slog.Int("cleaned", cleaned))
	}
	return cleaned, nil
}

func (j *Journal) scan() ([]*Entry, error) {
	paths, err := filepath.Glob(filepath.Join(j.dir, "*"+fileSuffix))
	if err != nil {
		return nil, fmt.Errorf("не удалось сканировать директорию журнала: %w", err)
	}

	result := make([]*Entry, 0, len(paths))
	for _, p := range paths {
		txID := strings.TrimSuffix(filepath.Base(p), fileSuffix)
		entry, err := j.read(txID)
		if err != nil {
			j.logger.Warn("Не удалось прочитать запись журнала",
				slog.String("path", p),
				slog.String("error", err.Error()),
			)
			continue
		}
		result = append(result, entry)
	}
	return result, nil
}

// write сохраняет запись атомарно: temp файл → fsync → rename.
func (j *Journal) write(entry *Entry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации: %w", err)
	}

	target := filepath.Join(j.dir, entry.TransactionID+fileSuffix)
	tmp := target + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("ошибка записи: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return nil
}

func (j *Journal) read(txID string) (*Entry, error) {
	data, err := os.ReadFile(filepath.Join(j.dir, txID+fileSuffix))
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("ошибка десериализации: %w", err)
	}
	return &entry, nil
}
