package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/dahovitech/file-manager-bundle/internal/domain/model"
)

const folderColumns = `id, name, parent_id, description, tags, is_public,
	is_deleted, deleted_at, created_at, updated_at`

// folderRepo — реализация FolderRepository для PostgreSQL.
type folderRepo struct {
	db DBTX
}

// NewFolderRepository создаёт репозиторий папок.
func NewFolderRepository(db DBTX) FolderRepository {
	return &folderRepo{db: db}
}

func (r *folderRepo) Create(ctx context.Context, f *model.FolderRecord) error {
	query := `
		INSERT INTO folders (id, name, parent_id, description, tags, is_public,
			is_deleted, deleted_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.db.Exec(ctx, query,
		f.ID, f.Name, f.ParentID, f.Description, tagsOrEmpty(f.Tags), f.IsPublic,
		f.IsDeleted, f.DeletedAt, f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		return mapWriteError(err, "ошибка создания папки")
	}
	return nil
}

func (r *folderRepo) GetByID(ctx context.Context, id string) (*model.FolderRecord, error) {
	f, err := scanFolder(r.db.QueryRow(ctx, `SELECT `+folderColumns+` FROM folders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения папки: %w", err)
	}
	return f, nil
}

func (r *folderRepo) GetForUpdate(ctx context.Context, id string) (*model.FolderRecord, error) {
	f, err := scanFolder(r.db.QueryRow(ctx, `SELECT `+folderColumns+` FROM folders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка блокировки папки: %w", err)
	}
	return f, nil
}

func (r *folderRepo) Update(ctx context.Context, f *model.FolderRecord) error {
	query := `
		UPDATE folders
		SET name = $2, parent_id = $3, description = $4, tags = $5, is_public = $6,
			is_deleted = $7, deleted_at = $8, updated_at = $9
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query,
		f.ID, f.Name, f.ParentID, f.Description, tagsOrEmpty(f.Tags), f.IsPublic,
		f.IsDeleted, f.DeletedAt, f.UpdatedAt,
	)
	if err != nil {
		return mapWriteError(err, "ошибка обновления папки")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func buildFolderWhere(filter FolderFilter) (string, []any) {
	var conditions []string
	var args []any

	if filter.ParentID != nil {
		conditions = append(conditions, "parent_id = $1")
		args = append(args, *filter.ParentID)
	} else if filter.RootOnly {
		conditions = append(conditions, "parent_id IS NULL")
	}
	if !filter.IncludeDeleted {
		conditions = append(conditions, "NOT is_deleted")
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	return where, args
}

func (r *folderRepo) List(ctx context.Context, filter FolderFilter) ([]*model.FolderRecord, error) {
	where, args := buildFolderWhere(filter)

	rows, err := r.db.Query(ctx, `SELECT `+folderColumns+` FROM folders `+where+` ORDER BY name, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка папок: %w", err)
	}
	defer rows.Close()

	var result []*model.FolderRecord
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования папки: %w", err)
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

func (r *folderRepo) Count(ctx context.Context, filter FolderFilter) (int, error) {
	where, args := buildFolderWhere(filter)

	var count int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM folders `+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта папок: %w", err)
	}
	return count, nil
}

func scanFolder(row pgx.Row) (*model.FolderRecord, error) {
	f := &model.FolderRecord{}
	err := row.Scan(
		&f.ID, &f.Name, &f.ParentID, &f.Description, &f.Tags, &f.IsPublic,
		&f.IsDeleted, &f.DeletedAt, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return f, nil
}
