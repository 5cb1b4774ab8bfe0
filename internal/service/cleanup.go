// cleanup.go — сервис очистки: сверка метаданных с blob-хранилищами.
//
// Три независимых прохода, каждый безопасен при повторном запуске:
//  1. orphans — удаление blob без активной записи (и без миниатюры активной записи)
//  2. purge — физическое удаление записей, удалённых раньше окна хранения
//  3. empty_folders — мягкое удаление пустых папок (без подъёма вверх)
//
// Все проходы поддерживают dry-run: действия вычисляются и попадают
// в отчёт, состояние не меняется.
//
// Фоновый запуск — горутина с тикером (FM_CLEANUP_INTERVAL).
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dahovitech/file-manager-bundle/internal/apperrors"
	"github.com/dahovitech/file-manager-bundle/internal/config"
	"github.com/dahovitech/file-manager-bundle/internal/domain/model"
	"github.com/dahovitech/file-manager-bundle/internal/repository"
	"github.com/dahovitech/file-manager-bundle/internal/storage/blob"
	"github.com/dahovitech/file-manager-bundle/internal/storage/journal"
)

var (
	cleanupRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fm_cleanup_runs_total",
		Help: "Количество запусков очистки по результату",
	}, []string{"result"})

	cleanupAffectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fm_cleanup_affected_total",
		Help: "Количество обработанных очисткой объектов по проходу (без dry-run)",
	}, []string{"sweep"})

	cleanupBytesReclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fm_cleanup_bytes_reclaimed_total",
		Help: "Общий объём освобождённого места в байтах",
	})

	cleanupDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fm_cleanup_duration_seconds",
		Help:    "Длительность выполнения очистки в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	})
)

// Sweep — имя прохода очистки.
type Sweep string

const (
	SweepOrphans      Sweep = "orphans"
	SweepPurge        Sweep = "purge"
	SweepEmptyFolders Sweep = "empty_folders"
)

// AllSweeps — проходы в порядке выполнения.
var AllSweeps = []Sweep{SweepOrphans, SweepPurge, SweepEmptyFolders}

// ParseSweeps разбирает список проходов через запятую. Пустая строка — все.
func ParseSweeps(s string) ([]Sweep, error) {
	if strings.TrimSpace(s) == "" {
		return AllSweeps, nil
	}
	var result []Sweep
	seen := make(map[Sweep]bool)
	for _, part := range strings.Split(s, ",") {
		sw := Sweep(strings.ToLower(strings.TrimSpace(part)))
		switch sw {
		case SweepOrphans, SweepPurge, SweepEmptyFolders:
		default:
			return nil, apperrors.New(apperrors.CodeValidationFailed,
				"неизвестный проход очистки %q, допустимые: orphans, purge, empty_folders", part)
		}
		if !seen[sw] {
			seen[sw] = true
			result = append(result, sw)
		}
	}
	return result, nil
}

// CleanupOptions — параметры одного запуска.
type CleanupOptions struct {
	// Sweeps — пусто = все проходы
	Sweeps []Sweep
	DryRun bool
	// OlderThan — окно хранения для purge, 0 = из конфигурации
	OlderThan time.Duration
}

// SweepItem — объект, затронутый проходом.
type SweepItem struct {
	ID         string `json:"id,omitempty"`
	StorageKey string `json:"storage_key,omitempty"`
	Path       string `json:"path,omitempty"`
	Size       int64  `json:"size,omitempty"`
}

// ItemError — ошибка обработки отдельного объекта.
type ItemError struct {
	Target string `json:"target"`
	Error  string `json:"error"`
}

// SweepReport — результат одного прохода.
type SweepReport struct {
	Sweep  Sweep `json:"sweep"`
	DryRun bool  `json:"dry_run"`
	// Scanned — сколько объектов просмотрено
	Scanned int `json:"scanned"`
	// Affected — сколько объектов удалено (в dry-run — было бы удалено)
	Affected        int         `json:"affected"`
	BytesReclaimed  int64       `json:"bytes_reclaimed"`
	Items           []SweepItem `json:"items"`
	SkippedBackends []string    `json:"skipped_backends,omitempty"`
	Errors          []ItemError `json:"errors,omitempty"`
}

func (r *SweepReport) addError(target string, err error) {
	r.Errors = append(r.Errors, ItemError{Target: target, Error: err.Error()})
}

// CleanupReport — результат запуска очистки.
type CleanupReport struct {
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
	DryRun    bool           `json:"dry_run"`
	Sweeps    []*SweepReport `json:"sweeps"`
	// JournalCleaned — удалённые завершённые записи журнала
	JournalCleaned int `json:"journal_cleaned"`
}

// ErrorCount — суммарное число ошибок по всем проходам.
func (r *CleanupReport) ErrorCount() int {
	n := 0
	for _, s := range r.Sweeps {
		n += len(s.Errors)
	}
	return n
}

// CleanupConfig — параметры сервиса очистки.
type CleanupConfig struct {
	// Interval — 0 отключает фоновый запуск
	Interval         time.Duration
	DryRun           bool
	Retention        time.Duration
	OrphanMinAge     time.Duration
	JournalRetention time.Duration
}

// CleanupConfigFromConfig собирает CleanupConfig из конфигурации.
func CleanupConfigFromConfig(cfg *config.Config) CleanupConfig {
	return CleanupConfig{
		Interval:         cfg.CleanupInterval,
		DryRun:           cfg.CleanupDryRun,
		Retention:        cfg.RetentionPeriod,
		OrphanMinAge:     cfg.OrphanMinAge,
		JournalRetention: cfg.JournalRetention,
	}
}

// CleanupService — сервис очистки.
type CleanupService struct {
	store    repository.Store
	backends *blob.Registry
	thumbs   ThumbnailGenerator
	cache    *CacheService
	journal  *journal.Journal
	cfg      CleanupConfig
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCleanupService создаёт сервис очистки.
func NewCleanupService(deps Deps, cfg CleanupConfig, logger *slog.Logger) *CleanupService {
	return &CleanupService{
		store:    deps.Store,
		backends: deps.Backends,
		thumbs:   deps.Thumbnails,
		cache:    deps.Cache,
		journal:  deps.Journal,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "cleanup")),
		now:      utcNow,
	}
}

// Start запускает фоновую очистку. При нулевом интервале ничего не делает.
func (c *CleanupService) Start(ctx context.Context) {
	if c.cfg.Interval <= 0 {
		c.logger.Info("Фоновая очистка отключена")
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(runCtx)

	c.logger.Info("Фоновая очистка запущена",
		slog.String("interval", c.cfg.Interval.String()),
		slog.Bool("dry_run", c.cfg.DryRun),
	)
}

// Stop останавливает фоновую очистку и дожидается текущего прохода.
func (c *CleanupService) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.logger.Info("Фоновая очистка остановлена")
}

func (c *CleanupService) run(ctx context.Context) {
	defer close(c.done)

	// Первый запуск — сразу после старта
	c.runScheduled(ctx)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runScheduled(ctx)
		}
	}
}

func (c *CleanupService) runScheduled(ctx context.Context) {
	_, err := c.RunOnce(ctx, CleanupOptions{DryRun: c.cfg.DryRun})
	switch {
	case err == nil:
	case errors.Is(err, ErrCleanupInProgress):
		c.logger.Debug("Очистка пропущена: предыдущий запуск ещё выполняется")
	case ctx.Err() != nil:
	default:
		c.logger.Error("Ошибка фоновой очистки", slog.String("error", err.Error()))
	}
}

// RunOnce выполняет выбранные проходы. Параллельный вызов
// возвращает ErrCleanupInProgress. Ошибки отдельных объектов
// не прерывают проход и попадают в отчёт.
func (c *CleanupService) RunOnce(ctx context.Context, opts CleanupOptions) (*CleanupReport, error) {
	if !c.mu.TryLock() {
		return nil, ErrCleanupInProgress
	}
	defer c.mu.Unlock()

	sweeps := opts.Sweeps
	if len(sweeps) == 0 {
		sweeps = AllSweeps
	}
	retention := opts.OlderThan
	if retention <= 0 {
		retention = c.cfg.Retention
	}

	start := time.Now()
	report := &CleanupReport{StartedAt: c.now(), DryRun: opts.DryRun}
	c.logger.Debug("Очистка начата", slog.Bool("dry_run", opts.DryRun))

	for _, sw := range sweeps {
		if err := ctx.Err(); err != nil {
			cleanupRunsTotal.WithLabelValues("cancelled").Inc()
			return report, err
		}
		var (
			sr  *SweepReport
			err error
		)
		switch sw {
		case SweepOrphans:
			sr, err = c.sweepOrphans(ctx, opts.DryRun)
		case SweepPurge:
			sr, err = c.sweepPurge(ctx, opts.DryRun, retention)
		case SweepEmptyFolders:
			sr, err = c.sweepEmptyFolders(ctx, opts.DryRun)
		default:
			err = apperrors.New(apperrors.CodeValidationFailed, "неизвестный проход очистки %q", sw)
		}
		if err != nil {
			cleanupRunsTotal.WithLabelValues("error").Inc()
			return report, fmt.Errorf("проход %s: %w", sw, err)
		}
		if !opts.DryRun {
			cleanupAffectedTotal.WithLabelValues(string(sw)).Add(float64(sr.Affected))
			cleanupBytesReclaimedTotal.Add(float64(sr.BytesReclaimed))
		}
		report.Sweeps = append(report.Sweeps, sr)
	}

	if c.journal != nil && !opts.DryRun && c.cfg.JournalRetention > 0 {
		n, err := c.journal.CleanFinished(c.cfg.JournalRetention)
		if err != nil {
			c.logger.Warn("Ошибка очистки журнала", slog.String("error", err.Error()))
		}
		report.JournalCleaned = n
	}

	report.Duration = time.Since(start)
	cleanupDurationSeconds.Observe(report.Duration.Seconds())
	cleanupRunsTotal.WithLabelValues("success").Inc()

	attrs := []any{
		slog.Bool("dry_run", opts.DryRun),
		slog.Int("errors", report.ErrorCount()),
		slog.Duration("duration", report.Duration),
	}
	for _, sr := range report.Sweeps {
		attrs = append(attrs, slog.Int(string(sr.Sweep), sr.Affected))
	}
	c.logger.Info("Очистка завершена", attrs...)
	return report, nil
}

// sweepOrphans удаляет blob, на которые не ссылается ни одна активная
// запись. Объекты моложе OrphanMinAge не трогаются: их запись может
// ещё не быть закоммичена.
func (c *CleanupService) sweepOrphans(ctx context.Context, dryRun bool) (*SweepReport, error) {
	sr := &SweepReport{Sweep: SweepOrphans, DryRun: dryRun, Items: []SweepItem{}}
	cutoff := c.now().Add(-c.cfg.OrphanMinAge)

	for _, key := range c.backends.Keys() {
		b, _ := c.backends.Get(key)

		// Листинг до выборки записей: запись, закоммиченная между ними,
		// попадёт в множество ссылок.
		objects, err := b.List(ctx, "", true)
		if err != nil {
			if errors.Is(err, blob.ErrListUnsupported) {
				sr.SkippedBackends = append(sr.SkippedBackends, key)
				c.logger.Info("Хранилище не поддерживает листинг, пропущено",
					slog.String("storage_key", key))
				continue
			}
			sr.addError(key, err)
			c.logger.Warn("Ошибка листинга хранилища",
				slog.String("storage_key", key),
				slog.String("error", err.Error()),
			)
			continue
		}

		referenced, err := c.referencedPaths(ctx, key)
		if err != nil {
			return nil, err
		}

		for _, obj := range objects {
			sr.Scanned++
			if referenced[obj.Path] {
				continue
			}
			if !obj.ModTime.IsZero() && obj.ModTime.After(cutoff) {
				continue
			}
			item := SweepItem{StorageKey: key, Path: obj.Path, Size: obj.Size}
			if dryRun {
				sr.Affected++
				sr.Items = append(sr.Items, item)
				continue
			}
			if err := b.Delete(ctx, obj.Path); err != nil && !errors.Is(err, blob.ErrNotFound) {
				sr.addError(key+":"+obj.Path, err)
				continue
			}
			sr.Affected++
			sr.BytesReclaimed += obj.Size
			sr.Items = append(sr.Items, item)
		}
	}
	return sr, nil
}

// referencedPaths — пути blob и миниатюр активных записей хранилища.
func (c *CleanupService) referencedPaths(ctx context.Context, storageKey string) (map[string]bool, error) {
	active := false
	files, err := c.store.Files().List(ctx, repository.FileFilter{StorageKey: storageKey, Deleted: &active})
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки активных файлов: %w", err)
	}
	refs := make(map[string]bool, len(files)*2)
	for _, f := range files {
		refs[f.Path] = true
		if f.ThumbnailPath != "" {
			refs[f.ThumbnailPath] = true
		}
		if c.thumbs != nil {
			for _, p := range c.thumbs.Paths(f) {
				refs[p] = true
			}
		}
	}
	return refs, nil
}

// sweepPurge физически удаляет записи, удалённые раньше окна хранения.
// Записи, чьи blob удалить не удалось, остаются. Успешные удаляются
// из метаданных одним пакетом.
func (c *CleanupService) sweepPurge(ctx context.Context, dryRun bool, retention time.Duration) (*SweepReport, error) {
	sr := &SweepReport{Sweep: SweepPurge, DryRun: dryRun, Items: []SweepItem{}}
	cutoff := c.now().Add(-retention)

	deleted := true
	files, err := c.store.Files().List(ctx, repository.FileFilter{Deleted: &deleted, DeletedBefore: &cutoff})
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки удалённых файлов: %w", err)
	}

	var (
		ids   []string
		items []SweepItem
		bytes int64
	)
	for _, f := range files {
		sr.Scanned++
		item := SweepItem{ID: f.ID, StorageKey: f.StorageKey, Path: f.Path, Size: f.Size}

		b, ok := c.backends.Get(f.StorageKey)
		if !ok {
			c.logger.Warn("Хранилище записи не зарегистрировано, удаляются только метаданные",
				slog.String("file_id", f.ID),
				slog.String("storage_key", f.StorageKey),
			)
			ids = append(ids, f.ID)
			items = append(items, item)
			continue
		}
		if dryRun {
			ids = append(ids, f.ID)
			items = append(items, item)
			bytes += f.Size
			continue
		}
		if err := deleteBlobs(ctx, b, c.thumbs, f, c.logger); err != nil {
			sr.addError(f.ID, err)
			continue
		}
		ids = append(ids, f.ID)
		items = append(items, item)
		bytes += f.Size
	}

	if dryRun {
		sr.Affected = len(ids)
		sr.Items = append(sr.Items, items...)
		return sr, nil
	}
	if len(ids) == 0 {
		return sr, nil
	}

	var n int
	err = c.store.RunInTx(ctx, func(tx repository.Store) error {
		var err error
		n, err = tx.Files().DeleteMany(ctx, ids)
		return err
	})
	if err != nil {
		// blob уже удалены; записи будут удалены следующим запуском
		sr.addError("batch", err)
		c.logger.Error("Ошибка пакетного удаления записей",
			slog.Int("count", len(ids)),
			slog.String("error", err.Error()),
		)
		return sr, nil
	}
	for _, id := range ids {
		c.cache.Delete(id)
	}
	sr.Affected = n
	sr.BytesReclaimed = bytes
	sr.Items = append(sr.Items, items...)
	return sr, nil
}

// sweepEmptyFolders мягко удаляет активные папки без активных файлов
// и дочерних папок. Папки, опустевшие в этом проходе, не пересматриваются.
func (c *CleanupService) sweepEmptyFolders(ctx context.Context, dryRun bool) (*SweepReport, error) {
	sr := &SweepReport{Sweep: SweepEmptyFolders, DryRun: dryRun, Items: []SweepItem{}}

	idx, err := activeTree(ctx, c.store, true)
	if err != nil {
		return nil, fmt.Errorf("ошибка построения дерева папок: %w", err)
	}

	var empty []*model.FolderRecord
	for _, f := range idx.Folders() {
		sr.Scanned++
		if idx.IsEmpty(f.ID) {
			empty = append(empty, f)
		}
	}

	for _, f := range empty {
		item := SweepItem{ID: f.ID, Path: f.Name}
		if path, err := idx.FullPath(f.ID); err == nil {
			item.Path = path
		}
		if dryRun {
			sr.Affected++
			sr.Items = append(sr.Items, item)
			continue
		}
		var skipped bool
		err := c.store.RunInTx(ctx, func(tx repository.Store) error {
			cur, err := lockActiveFolder(ctx, tx, f.ID)
			if err != nil {
				return err
			}
			// Снимок мог устареть: в папку успели что-то добавить
			empty, err := folderIsEmpty(ctx, tx, f.ID)
			if err != nil {
				return err
			}
			if !empty {
				skipped = true
				return nil
			}
			cur.MarkDeleted(c.now())
			return tx.Folders().Update(ctx, cur)
		})
		if err != nil {
			sr.addError(f.ID, err)
			continue
		}
		if skipped {
			c.logger.Debug("Папка больше не пуста, пропуск", slog.String("folder_id", f.ID))
			continue
		}
		sr.Affected++
		sr.Items = append(sr.Items, item)
	}
	return sr, nil
}
