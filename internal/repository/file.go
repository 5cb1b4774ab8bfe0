package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/dahovitech/file-manager-bundle/internal/domain/model"
)

const fileColumns = `id, filename, storage_key, path, mime_type, size, hash,
	thumbnail_path, folder_id, description, tags, is_public, version,
	is_deleted, deleted_at, metadata, uploaded_at, updated_at`

// fileRepo — реализация FileRepository для PostgreSQL.
type fileRepo struct {
	db DBTX
}

// NewFileRepository создаёт репозиторий файлов.
func NewFileRepository(db DBTX) FileRepository {
	return &fileRepo{db: db}
}

func (r *fileRepo) Create(ctx context.Context, f *model.FileRecord) error {
	query := `
		INSERT INTO files (id, filename, storage_key, path, mime_type, size, hash,
			thumbnail_path, folder_id, description, tags, is_public, version,
			is_deleted, deleted_at, metadata, uploaded_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err := r.db.Exec(ctx, query,
		f.ID, f.Filename, f.StorageKey, f.Path, f.MimeType, f.Size, f.Hash,
		nullString(f.ThumbnailPath), f.FolderID, f.Description, tagsOrEmpty(f.Tags), f.IsPublic, f.Version,
		f.IsDeleted, f.DeletedAt, metadataOrEmpty(f.Metadata), f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		return mapWriteError(err, "ошибка создания записи файла")
	}
	return nil
}

func (r *fileRepo) GetByID(ctx context.Context, id string) (*model.FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE id = $1`
	return r.getOne(ctx, query, id)
}

func (r *fileRepo) GetForUpdate(ctx context.Context, id string) (*model.FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE id = $1 FOR UPDATE`
	return r.getOne(ctx, query, id)
}

func (r *fileRepo) FindActiveByHash(ctx context.Context, hash string) (*model.FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE hash = $1 AND NOT is_deleted`
	return r.getOne(ctx, query, hash)
}

func (r *fileRepo) FindByPath(ctx context.Context, storageKey, path string) (*model.FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM files
		WHERE storage_key = $1 AND path = $2
		ORDER BY is_deleted, uploaded_at DESC
		LIMIT 1`
	return r.getOne(ctx, query, storageKey, path)
}

func (r *fileRepo) getOne(ctx context.Context, query string, args ...any) (*model.FileRecord, error) {
	f, err := scanFile(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения файла: %w", err)
	}
	return f, nil
}

func (r *fileRepo) Update(ctx context.Context, f *model.FileRecord) error {
	query := `
		UPDATE files
		SET filename = $2, path = $3, size = $4, hash = $5, thumbnail_path = $6,
			folder_id = $7, description = $8, tags = $9, is_public = $10,
			version = $11, is_deleted = $12, deleted_at = $13, metadata = $14,
			updated_at = $15
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query,
		f.ID, f.Filename, f.Path, f.Size, f.Hash, nullString(f.ThumbnailPath),
		f.FolderID, f.Description, tagsOrEmpty(f.Tags), f.IsPublic,
		f.Version, f.IsDeleted, f.DeletedAt, metadataOrEmpty(f.Metadata),
		f.UpdatedAt,
	)
	if err != nil {
		return mapWriteError(err, "ошибка обновления файла")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *fileRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM files WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления файла: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *fileRepo) DeleteMany(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM files WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("ошибка пакетного удаления файлов: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// buildFileWhere строит WHERE-условие и аргументы для фильтрации файлов.
func buildFileWhere(filter FileFilter, startArg int) (string, []any) {
	var conditions []string
	var args []any
	argNum := startArg

	if filter.FolderID != nil {
		conditions = append(conditions, fmt.Sprintf("folder_id = $%d", argNum))
		args = append(args, *filter.FolderID)
		argNum++
	} else if filter.RootOnly {
		conditions = append(conditions, "folder_id IS NULL")
	}
	if filter.StorageKey != "" {
		conditions = append(conditions, fmt.Sprintf("storage_key = $%d", argNum))
		args = append(args, filter.StorageKey)
		argNum++
	}
	if filter.MimeType != "" {
		if prefix, ok := strings.CutSuffix(filter.MimeType, "/*"); ok {
			conditions = append(conditions, fmt.Sprintf("mime_type LIKE $%d", argNum))
			args = append(args, prefix+"/%")
		} else {
			conditions = append(conditions, fmt.Sprintf("mime_type = $%d", argNum))
			args = append(args, filter.MimeType)
		}
		argNum++
	}
	if filter.Deleted != nil {
		if *filter.Deleted {
			conditions = append(conditions, "is_deleted")
		} else {
			conditions = append(conditions, "NOT is_deleted")
		}
	}
	if filter.DeletedBefore != nil {
		conditions = append(conditions, fmt.Sprintf("deleted_at < $%d", argNum))
		args = append(args, *filter.DeletedBefore)
		argNum++
	}
	if filter.Query != "" {
		conditions = append(conditions, fmt.Sprintf(
			"(filename ILIKE $%[1]d OR description ILIKE $%[1]d OR array_to_string(tags, ' ') ILIKE $%[1]d)", argNum))
		args = append(args, likePattern(filter.Query))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	return where, args
}

func (r *fileRepo) List(ctx context.Context, filter FileFilter) ([]*model.FileRecord, error) {
	where, args := buildFileWhere(filter, 1)
	query := `SELECT ` + fileColumns + ` FROM files ` + where + ` ORDER BY uploaded_at DESC, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка файлов: %w", err)
	}
	defer rows.Close()

	var result []*model.FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования файла: %w", err)
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

func (r *fileRepo) Count(ctx context.Context, filter FileFilter) (int, error) {
	where, args := buildFileWhere(filter, 1)

	var count int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM files `+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта файлов: %w", err)
	}
	return count, nil
}

func (r *fileRepo) Stats(ctx context.Context) (*Stats, error) {
	rows, err := r.db.Query(ctx, `
		SELECT storage_key, mime_type, is_deleted, COUNT(*), COALESCE(SUM(size), 0)
		FROM files
		GROUP BY storage_key, mime_type, is_deleted`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения статистики файлов: %w", err)
	}
	defer rows.Close()

	stats := NewStats()
	for rows.Next() {
		var (
			storageKey, mimeType string
			deleted              bool
			count, bytes         int64
		)
		if err := rows.Scan(&storageKey, &mimeType, &deleted, &count, &bytes); err != nil {
			return nil, fmt.Errorf("ошибка сканирования статистики: %w", err)
		}
		stats.Add(storageKey, mimeType, deleted, count, bytes)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM folders WHERE NOT is_deleted`).Scan(&stats.Folders); err != nil {
		return nil, fmt.Errorf("ошибка подсчёта папок: %w", err)
	}
	return stats, nil
}

// scanFile читает строку в порядке fileColumns.
func scanFile(row pgx.Row) (*model.FileRecord, error) {
	f := &model.FileRecord{}
	var thumbnail *string
	err := row.Scan(
		&f.ID, &f.Filename, &f.StorageKey, &f.Path, &f.MimeType, &f.Size, &f.Hash,
		&thumbnail, &f.FolderID, &f.Description, &f.Tags, &f.IsPublic, &f.Version,
		&f.IsDeleted, &f.DeletedAt, &f.Metadata, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if thumbnail != nil {
		f.ThumbnailPath = *thumbnail
	}
	return f, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func metadataOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
