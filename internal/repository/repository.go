// Пакет repository — слой доступа к метаданным файлов и папок.
// Реализация для PostgreSQL — чистый SQL через pgx, без ORM.
// In-memory реализация с теми же гарантиями уникальности — в memrepo.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dahovitech/file-manager-bundle/internal/domain/model"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — конфликт уникальности (имя папки среди соседей, ID).
	ErrConflict = errors.New("конфликт — запись уже существует")
	// ErrDuplicateHash — активная запись с таким хешем уже существует.
	ErrDuplicateHash = errors.New("активный файл с таким содержимым уже существует")
)

// Имена ограничений уникальности из миграций.
const (
	constraintActiveHash  = "uq_files_active_hash"
	constraintSiblingName = "uq_folders_sibling_name"
)

// DefaultListLimit и MaxListLimit — границы постраничной выборки.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// FileFilter — фильтры выборки файлов. Нулевое значение поля — без фильтра.
type FileFilter struct {
	// FolderID — файлы папки; RootOnly — только файлы без папки
	FolderID *string
	RootOnly bool

	StorageKey string
	// MimeType — точное значение или префикс вида "image/*"
	MimeType string

	// Deleted — nil: любые, true: только удалённые, false: только активные
	Deleted       *bool
	DeletedBefore *time.Time

	// Query — подстрока в имени, описании или тегах (без учёта регистра)
	Query string

	// Limit <= 0 — без ограничения
	Limit  int
	Offset int
}

// FolderFilter — фильтры выборки папок.
type FolderFilter struct {
	ParentID       *string
	RootOnly       bool
	IncludeDeleted bool
}

// Bucket — количество и объём группы файлов.
type Bucket struct {
	Count int64 `json:"count"`
	Bytes int64 `json:"bytes"`
}

// Stats — агрегированная статистика хранилища.
type Stats struct {
	Active     Bucket            `json:"active"`
	Deleted    Bucket            `json:"deleted"`
	Folders    int64             `json:"folders"`
	ByStorage  map[string]Bucket `json:"by_storage"`
	ByMimeType map[string]Bucket `json:"by_mime_type"`
}

// NewStats создаёт пустую статистику.
func NewStats() *Stats {
	return &Stats{
		ByStorage:  make(map[string]Bucket),
		ByMimeType: make(map[string]Bucket),
	}
}

// Add учитывает группу файлов. Разбивки по хранилищу и типу
// строятся только по активным файлам.
func (s *Stats) Add(storageKey, mimeType string, deleted bool, count, bytes int64) {
	if deleted {
		s.Deleted.Count += count
		s.Deleted.Bytes += bytes
		return
	}
	s.Active.Count += count
	s.Active.Bytes += bytes

	b := s.ByStorage[storageKey]
	b.Count += count
	b.Bytes += bytes
	s.ByStorage[storageKey] = b

	m := s.ByMimeType[mimeType]
	m.Count += count
	m.Bytes += bytes
	s.ByMimeType[mimeType] = m
}

// FileRepository — операции над таблицей files.
type FileRepository interface {
	// Create вставляет запись. ErrDuplicateHash — хеш занят активной записью.
	Create(ctx context.Context, f *model.FileRecord) error
	GetByID(ctx context.Context, id string) (*model.FileRecord, error)
	// GetForUpdate читает запись с блокировкой строки до конца транзакции.
	GetForUpdate(ctx context.Context, id string) (*model.FileRecord, error)
	// FindActiveByHash возвращает активную запись с хешем или ErrNotFound.
	FindActiveByHash(ctx context.Context, hash string) (*model.FileRecord, error)
	// FindByPath возвращает запись (в любом состоянии) по хранилищу и пути.
	FindByPath(ctx context.Context, storageKey, path string) (*model.FileRecord, error)
	// Update сохраняет изменяемые поля. ErrDuplicateHash — при восстановлении
	// записи, чей хеш уже занят.
	Update(ctx context.Context, f *model.FileRecord) error
	Delete(ctx context.Context, id string) error
	// DeleteMany удаляет записи пакетом, возвращает число удалённых.
	DeleteMany(ctx context.Context, ids []string) (int, error)
	List(ctx context.Context, filter FileFilter) ([]*model.FileRecord, error)
	Count(ctx context.Context, filter FileFilter) (int, error)
	Stats(ctx context.Context) (*Stats, error)
}

// FolderRepository — операции над таблицей folders.
type FolderRepository interface {
	// Create вставляет папку. ErrConflict — имя занято среди активных соседей.
	Create(ctx context.Context, f *model.FolderRecord) error
	GetByID(ctx context.Context, id string) (*model.FolderRecord, error)
	// GetForUpdate читает папку с блокировкой строки до конца транзакции:
	// параллельные изменения папки и её содержимого ждут коммита.
	GetForUpdate(ctx context.Context, id string) (*model.FolderRecord, error)
	// Update сохраняет изменяемые поля. ErrConflict — имя занято.
	Update(ctx context.Context, f *model.FolderRecord) error
	List(ctx context.Context, filter FolderFilter) ([]*model.FolderRecord, error)
	Count(ctx context.Context, filter FolderFilter) (int, error)
}

// Store — точка доступа к репозиториям и транзакциям.
type Store interface {
	Files() FileRepository
	Folders() FolderRepository
	// RunInTx выполняет fn в транзакции. Внутри fn используется переданный Store.
	RunInTx(ctx context.Context, fn func(tx Store) error) error
	Ping(ctx context.Context) error
}

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore — Store поверх пула pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore создаёт Store для PostgreSQL.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Files() FileRepository {
	return NewFileRepository(s.pool)
}

func (s *PostgresStore) Folders() FolderRepository {
	return NewFolderRepository(s.pool)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RunInTx выполняет fn внутри транзакции.
// При ошибке fn — транзакция откатывается, при успехе — коммитится.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(tx Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита — no-op

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapWriteError(err, "ошибка коммита транзакции")
	}
	return nil
}

// txStore — Store внутри открытой транзакции. Вложенный RunInTx
// выполняется в той же транзакции.
type txStore struct {
	tx pgx.Tx
}

func (s *txStore) Files() FileRepository     { return NewFileRepository(s.tx) }
func (s *txStore) Folders() FolderRepository { return NewFolderRepository(s.tx) }

func (s *txStore) Ping(ctx context.Context) error {
	_, err := s.tx.Exec(ctx, "SELECT 1")
	return err
}

func (s *txStore) RunInTx(_ context.Context, fn func(tx Store) error) error {
	return fn(s)
}

// mapWriteError переводит нарушения уникальности в ошибки репозитория.
func mapWriteError(err error, msg string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
		switch pgErr.ConstraintName {
		case constraintActiveHash:
			return fmt.Errorf("%w: %s", ErrDuplicateHash, pgErr.Detail)
		case constraintSiblingName:
			return fmt.Errorf("%w: папка с таким именем уже существует", ErrConflict)
		default:
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
		}
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// likePattern экранирует спецсимволы LIKE и оборачивает строку в %...%.
func likePattern(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(q) + "%"
}
