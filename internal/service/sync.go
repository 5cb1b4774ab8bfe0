// sync.go — сверка активных записей с содержимым хранилищ.
// Находит отсутствующие blob, расхождения размера и контрольной суммы;
// по флагам исправляет записи, перегенерирует миниатюры и метаданные.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dahovitech/file-manager-bundle/internal/domain/model"
	"github.com/dahovitech/file-manager-bundle/internal/repository"
	"github.com/dahovitech/file-manager-bundle/internal/storage/blob"
)

var (
	syncRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fm_sync_runs_total",
		Help: "Количество запусков сверки",
	})

	syncIssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fm_sync_issues_total",
		Help: "Количество найденных расхождений по типу",
	}, []string{"type"})
)

// Типы расхождений.
const (
	IssueMissing          = "missing"
	IssueSizeMismatch     = "size_mismatch"
	IssueChecksumMismatch = "checksum_mismatch"
	IssueStorageNotFound  = "storage_not_found"
	IssueThumbnailFailed  = "thumbnail_failed"
	IssueMetadataFailed   = "metadata_failed"
)

// SyncOptions — параметры сверки.
type SyncOptions struct {
	// StorageKey — только одно хранилище; пусто = все
	StorageKey string
	DryRun     bool
	// FixMissing — записи без blob помечаются удалёнными
	FixMissing bool
	// FixSize — размер записи исправляется по фактическому
	FixSize              bool
	VerifyChecksum       bool
	RegenerateThumbnails bool
	UpdateMetadata       bool
}

// SyncIssue — расхождение по одной записи.
type SyncIssue struct {
	FileID     string `json:"file_id"`
	StorageKey string `json:"storage_key"`
	Path       string `json:"path"`
	Type       string `json:"type"`
	Detail     string `json:"detail,omitempty"`
	Fixed      bool   `json:"fixed"`
}

// SyncReport — результат сверки.
type SyncReport struct {
	DryRun                bool           `json:"dry_run"`
	Checked               int            `json:"checked"`
	Issues                []SyncIssue    `json:"issues"`
	IssuesByType          map[string]int `json:"issues_by_type"`
	Fixed                 int            `json:"fixed"`
	ThumbnailsRegenerated int            `json:"thumbnails_regenerated"`
	MetadataUpdated       int            `json:"metadata_updated"`
	Errors                []ItemError    `json:"errors,omitempty"`
	Duration              time.Duration  `json:"duration"`
}

func (r *SyncReport) addIssue(f *model.FileRecord, typ, detail string, fixed bool) {
	r.Issues = append(r.Issues, SyncIssue{
		FileID:     f.ID,
		StorageKey: f.StorageKey,
		Path:       f.Path,
		Type:       typ,
		Detail:     detail,
		Fixed:      fixed,
	})
	r.IssuesByType[typ]++
	if fixed {
		r.Fixed++
	}
	syncIssuesTotal.WithLabelValues(typ).Inc()
}

// SyncService — сверка метаданных с хранилищами.
type SyncService struct {
	store     repository.Store
	backends  *blob.Registry
	thumbs    ThumbnailGenerator
	extractor MetadataExtractor
	cache     *CacheService
	logger    *slog.Logger
	now       func() time.Time

	mu sync.Mutex
}

// NewSyncService создаёт сервис сверки.
func NewSyncService(deps Deps, logger *slog.Logger) *SyncService {
	return &SyncService{
		store:     deps.Store,
		backends:  deps.Backends,
		thumbs:    deps.Thumbnails,
		extractor: deps.Metadata,
		cache:     deps.Cache,
		logger:    logger.With(slog.String("component", "sync")),
		now:       utcNow,
	}
}

// RunOnce сверяет активные записи. Параллельный вызов возвращает
// ErrSyncInProgress. В dry-run ничего не меняется, в отчёт попадают
// только найденные расхождения.
func (s *SyncService) RunOnce(ctx context.Context, opts SyncOptions) (*SyncReport, error) {
	if !s.mu.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer s.mu.Unlock()

	if opts.StorageKey != "" {
		if _, err := backend(s.backends, opts.StorageKey); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	syncRunsTotal.Inc()

	active := false
	files, err := s.store.Files().List(ctx, repository.FileFilter{StorageKey: opts.StorageKey, Deleted: &active})
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки файлов: %w", err)
	}

	report := &SyncReport{DryRun: opts.DryRun, Issues: []SyncIssue{}, IssuesByType: make(map[string]int)}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		if err := s.checkFile(ctx, f, opts, report); err != nil {
			report.Errors = append(report.Errors, ItemError{Target: f.ID, Error: err.Error()})
			s.logger.Warn("Ошибка сверки файла",
				slog.String("file_id", f.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	report.Duration = time.Since(start)
	s.logger.Info("Сверка завершена",
		slog.Bool("dry_run", opts.DryRun),
		slog.Int("checked", report.Checked),
		slog.Int("issues", len(report.Issues)),
		slog.Int("fixed", report.Fixed),
		slog.Int("errors", len(report.Errors)),
		slog.Duration("duration", report.Duration),
	)
	return report, nil
}

// checkFile сверяет одну запись и при необходимости сохраняет исправления.
func (s *SyncService) checkFile(ctx context.Context, f *model.FileRecord, opts SyncOptions, report *SyncReport) error {
	b, ok := s.backends.Get(f.StorageKey)
	if !ok {
		report.addIssue(f, IssueStorageNotFound,
			fmt.Sprintf("хранилище %q не зарегистрировано", f.StorageKey), false)
		return nil
	}

	size, err := b.Size(ctx, f.Path)
	if errors.Is(err, blob.ErrNotFound) {
		fixed := false
		if opts.FixMissing && !opts.DryRun {
			if err := s.save(ctx, f.ID, func(cur *model.FileRecord) { cur.MarkDeleted(s.now()) }); err != nil {
				return err
			}
			fixed = true
		}
		report.addIssue(f, IssueMissing, "blob отсутствует в хранилище", fixed)
		return nil
	}
	if err != nil {
		return fmt.Errorf("ошибка получения размера: %w", err)
	}

	changed := false
	if size != f.Size {
		fixed := false
		detail := fmt.Sprintf("в записи %d байт, в хранилище %d", f.Size, size)
		if opts.FixSize && !opts.DryRun && size > 0 {
			f.Size = size
			changed, fixed = true, true
		}
		report.addIssue(f, IssueSizeMismatch, detail, fixed)
	}

	if opts.VerifyChecksum {
		sum, err := blob.Checksum(ctx, b, f.Path)
		if err != nil {
			return err
		}
		if sum != f.Hash {
			report.addIssue(f, IssueChecksumMismatch,
				fmt.Sprintf("ожидался %s, получен %s", f.Hash, sum), false)
		}
	}

	if opts.RegenerateThumbnails && !opts.DryRun && s.thumbs != nil && f.IsImage() {
		primary, _, err := s.thumbs.Generate(ctx, f, b)
		if err != nil {
			report.addIssue(f, IssueThumbnailFailed, err.Error(), false)
		} else {
			report.ThumbnailsRegenerated++
		}
		if primary != "" && primary != f.ThumbnailPath {
			f.ThumbnailPath = primary
			changed = true
		}
	}

	if opts.UpdateMetadata && !opts.DryRun && s.extractor != nil {
		meta, err := s.extractor.Extract(ctx, f, b)
		if err != nil {
			report.addIssue(f, IssueMetadataFailed, err.Error(), false)
		}
		if meta != nil {
			f.Metadata = meta
			changed = true
			report.MetadataUpdated++
		}
	}

	if !changed {
		return nil
	}
	return s.save(ctx, f.ID, func(cur *model.FileRecord) {
		cur.Size = f.Size
		cur.ThumbnailPath = f.ThumbnailPath
		cur.Metadata = f.Metadata
	})
}

// save перечитывает запись в транзакции, применяет mutate и сохраняет.
// Запись, удалённая за время сверки, не трогается.
func (s *SyncService) save(ctx context.Context, id string, mutate func(*model.FileRecord)) error {
	err := s.store.RunInTx(ctx, func(tx repository.Store) error {
		cur, err := tx.Files().GetByID(ctx, id)
		if err != nil {
			return mapFileError(err, id)
		}
		if cur.IsDeleted {
			return nil
		}
		mutate(cur)
		cur.UpdatedAt = s.now()
		return tx.Files().Update(ctx, cur)
	})
	s.cache.Delete(id)
	return err
}
