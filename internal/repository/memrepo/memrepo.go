// Пакет memrepo — хранилище метаданных в памяти.
// Соблюдает те же ограничения уникальности, что и схема PostgreSQL:
// хеш уникален среди активных файлов, имя уникально среди активных соседей.
// Используется в тестах сервисов и в режиме FM_METADATA_STORE=memory.
package memrepo

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/dahovitech/file-manager-bundle/internal/domain/model"
	"github.com/dahovitech/file-manager-bundle/internal/repository"
)

// Store — in-memory реализация repository.Store.
// Транзакции сериализуются: RunInTx работает с копией данных
// и подменяет ею оригинал при успехе.
type Store struct {
	mu      sync.RWMutex
	files   map[string]*model.FileRecord
	folders map[string]*model.FolderRecord

	// writeMu сериализует запись; общий для корня и копий транзакций
	writeMu *sync.Mutex
	inTx    bool

	// failCreate — ошибка для следующих Create файлов (тестовый сбой)
	failCreate error
}

var _ repository.Store = (*Store)(nil)

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{
		files:   make(map[string]*model.FileRecord),
		folders: make(map[string]*model.FolderRecord),
		writeMu: &sync.Mutex{},
	}
}

// FailFileCreates заставляет Files().Create возвращать err. nil отключает сбой.
func (s *Store) FailFileCreates(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCreate = err
}

func (s *Store) Files() repository.FileRepository     { return &fileRepo{s: s} }
func (s *Store) Folders() repository.FolderRepository { return &folderRepo{s: s} }

func (s *Store) Ping(context.Context) error { return nil }

// RunInTx выполняет fn над копией данных. Ошибка fn отбрасывает копию.
func (s *Store) RunInTx(ctx context.Context, fn func(tx repository.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	tx := &Store{
		files:      make(map[string]*model.FileRecord, len(s.files)),
		folders:    make(map[string]*model.FolderRecord, len(s.folders)),
		writeMu:    s.writeMu,
		inTx:       true,
		failCreate: s.failCreate,
	}
	for id, f := range s.files {
		tx.files[id] = f
	}
	for id, f := range s.folders {
		tx.folders[id] = f
	}
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	s.files = tx.files
	s.folders = tx.folders
	s.mu.Unlock()
	return nil
}

// write выполняет изменение под блокировками записи.
// Записи в map хранятся неизменяемыми: любое изменение подменяет указатель.
func (s *Store) write(fn func() error) error {
	if !s.inTx {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

// --- Файлы ---

type fileRepo struct {
	s *Store
}

func (r *fileRepo) Create(_ context.Context, f *model.FileRecord) error {
	return r.s.write(func() error {
		if r.s.failCreate != nil {
			return r.s.failCreate
		}
		if _, ok := r.s.files[f.ID]; ok {
			return repository.ErrConflict
		}
		if err := r.checkHash(f); err != nil {
			return err
		}
		r.s.files[f.ID] = f.Clone()
		return nil
	})
}

// checkHash проверяет уникальность хеша среди активных записей.
func (r *fileRepo) checkHash(f *model.FileRecord) error {
	if f.IsDeleted {
		return nil
	}
	for _, other := range r.s.files {
		if other.ID != f.ID && !other.IsDeleted && other.Hash == f.Hash {
			return repository.ErrDuplicateHash
		}
	}
	return nil
}

func (r *fileRepo) GetByID(_ context.Context, id string) (*model.FileRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	f, ok := r.s.files[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return f.Clone(), nil
}

// GetForUpdate совпадает с GetByID: транзакции memrepo и так сериализованы.
func (r *fileRepo) GetForUpdate(ctx context.Context, id string) (*model.FileRecord, error) {
	return r.GetByID(ctx, id)
}

func (r *fileRepo) FindActiveByHash(_ context.Context, hash string) (*model.FileRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, f := range r.s.files {
		if !f.IsDeleted && f.Hash == hash {
			return f.Clone(), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fileRepo) FindByPath(_ context.Context, storageKey, path string) (*model.FileRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var found *model.FileRecord
	for _, f := range r.s.files {
		if f.StorageKey != storageKey || f.Path != path {
			continue
		}
		if found == nil || (found.IsDeleted && !f.IsDeleted) {
			found = f
		}
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	return found.Clone(), nil
}

func (r *fileRepo) Update(_ context.Context, f *model.FileRecord) error {
	return r.s.write(func() error {
		existing, ok := r.s.files[f.ID]
		if !ok {
			return repository.ErrNotFound
		}
		if err := r.checkHash(f); err != nil {
			return err
		}
		updated := f.Clone()
		updated.StorageKey = existing.StorageKey
		updated.CreatedAt = existing.CreatedAt
		r.s.files[f.ID] = updated
		return nil
	})
}

func (r *fileRepo) Delete(_ context.Context, id string) error {
	return r.s.write(func() error {
		if _, ok := r.s.files[id]; !ok {
			return repository.ErrNotFound
		}
		delete(r.s.files, id)
		return nil
	})
}

func (r *fileRepo) DeleteMany(_ context.Context, ids []string) (int, error) {
	deleted := 0
	err := r.s.write(func() error {
		for _, id := range ids {
			if _, ok := r.s.files[id]; ok {
				delete(r.s.files, id)
				deleted++
			}
		}
		return nil
	})
	return deleted, err
}

func (r *fileRepo) List(_ context.Context, filter repository.FileFilter) ([]*model.FileRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var result []*model.FileRecord
	for _, f := range r.s.files {
		if matchFile(filter, f) {
			result = append(result, f.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (r *fileRepo) Count(_ context.Context, filter repository.FileFilter) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	count := 0
	for _, f := range r.s.files {
		if matchFile(filter, f) {
			count++
		}
	}
	return count, nil
}

func (r *fileRepo) Stats(_ context.Context) (*repository.Stats, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	stats := repository.NewStats()
	for _, f := range r.s.files {
		stats.Add(f.StorageKey, f.MimeType, f.IsDeleted, 1, f.Size)
	}
	for _, f := range r.s.folders {
		if !f.IsDeleted {
			stats.Folders++
		}
	}
	return stats, nil
}

func matchFile(filter repository.FileFilter, f *model.FileRecord) bool {
	if filter.FolderID != nil {
		if f.FolderID == nil || *f.FolderID != *filter.FolderID {
			return false
		}
	} else if filter.RootOnly && f.FolderID != nil {
		return false
	}
	if filter.StorageKey != "" && f.StorageKey != filter.StorageKey {
		return false
	}
	if filter.MimeType != "" {
		if prefix, ok := strings.CutSuffix(filter.MimeType, "/*"); ok {
			if !strings.HasPrefix(f.MimeType, prefix+"/") {
				return false
			}
		} else if f.MimeType != filter.MimeType {
			return false
		}
	}
	if filter.Deleted != nil && f.IsDeleted != *filter.Deleted {
		return false
	}
	if filter.DeletedBefore != nil && (f.DeletedAt == nil || !f.DeletedAt.Before(*filter.DeletedBefore)) {
		return false
	}
	if filter.Query != "" {
		q := strings.ToLower(filter.Query)
		haystack := strings.ToLower(f.Filename + " " + f.Description + " " + strings.Join(f.Tags, " "))
		if !strings.Contains(haystack, q) {
			return false
		}
	}
	return true
}

// --- Папки ---

type folderRepo struct {
	s *Store
}

// checkSiblings проверяет уникальность имени среди активных соседей.
func (r *folderRepo) checkSiblings(f *model.FolderRecord) error {
	if f.IsDeleted {
		return nil
	}
	for _, other := range r.s.folders {
		if other.ID == f.ID || other.IsDeleted || other.Name != f.Name {
			continue
		}
		if other.HasParent(f.ParentID) {
			return repository.ErrConflict
		}
	}
	return nil
}

func (r *folderRepo) Create(_ context.Context, f *model.FolderRecord) error {
	return r.s.write(func() error {
		if _, ok := r.s.folders[f.ID]; ok {
			return repository.ErrConflict
		}
		if f.ParentID != nil {
			if _, ok := r.s.folders[*f.ParentID]; !ok {
				return repository.ErrNotFound
			}
		}
		if err := r.checkSiblings(f); err != nil {
			return err
		}
		r.s.folders[f.ID] = f.Clone()
		return nil
	})
}

func (r *folderRepo) GetByID(_ context.Context, id string) (*model.FolderRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	f, ok := r.s.folders[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return f.Clone(), nil
}

func (r *folderRepo) GetForUpdate(ctx context.Context, id string) (*model.FolderRecord, error) {
	return r.GetByID(ctx, id)
}

func (r *folderRepo) Update(_ context.Context, f *model.FolderRecord) error {
	return r.s.write(func() error {
		existing, ok := r.s.folders[f.ID]
		if !ok {
			return repository.ErrNotFound
		}
		if err := r.checkSiblings(f); err != nil {
			return err
		}
		updated := f.Clone()
		updated.CreatedAt = existing.CreatedAt
		r.s.folders[f.ID] = updated
		return nil
	})
}

func (r *folderRepo) List(_ context.Context, filter repository.FolderFilter) ([]*model.FolderRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var result []*model.FolderRecord
	for _, f := range r.s.folders {
		if matchFolder(filter, f) {
			result = append(result, f.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (r *folderRepo) Count(_ context.Context, filter repository.FolderFilter) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	count := 0
	for _, f := range r.s.folders {
		if matchFolder(filter, f) {
			count++
		}
	}
	return count, nil
}

func matchFolder(filter repository.FolderFilter, f *model.FolderRecord) bool {
	if filter.ParentID != nil {
		if f.ParentID == nil || *f.ParentID != *filter.ParentID {
			return false
		}
	} else if filter.RootOnly && f.ParentID != nil {
		return false
	}
	return filter.IncludeDeleted || !f.IsDeleted
}
