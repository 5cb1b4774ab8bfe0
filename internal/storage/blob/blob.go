// Пакет blob — контракт blob-хранилища и реестр хранилищ по ключу.
//
// Ядро работает с хранилищами только через интерфейс Backend.
// Реализации: filestore (локальный диск), s3store (S3/MinIO),
// memstore (память, для тестов и разработки).
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound — объект отсутствует в хранилище.
	ErrNotFound = errors.New("объект не найден в хранилище")
	// ErrListUnsupported — хранилище не поддерживает листинг.
	ErrListUnsupported = errors.New("листинг не поддерживается хранилищем")
	// ErrInvalidPath — путь объекта не в нормализованной форме.
	ErrInvalidPath = errors.New("некорректный путь объекта")
)

// ValidatePath принимает только относительный путь в нормализованной
// форме: без "." и ".." сегментов, повторных и крайних "/", обратных слешей.
// Листинг возвращает пути в той же форме, поэтому путь записи и путь
// объекта в хранилище совпадают побайтно.
func ValidatePath(p string) error {
	if p == "" || p == "." || p == ".." || strings.HasPrefix(p, "../") ||
		strings.HasPrefix(p, "/") || strings.Contains(p, "\\") || path.Clean(p) != p {
		return fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return nil
}

// ObjectInfo — описание объекта, возвращаемое листингом.
type ObjectInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Backend — операции blob-хранилища. Все операции могут быть медленными
// и завершаться временными ошибками.
type Backend interface {
	// Exists проверяет наличие объекта.
	Exists(ctx context.Context, path string) (bool, error)
	// Read открывает объект для чтения. Вызывающий обязан закрыть reader.
	// Для отсутствующего объекта возвращает ErrNotFound.
	Read(ctx context.Context, path string) (io.ReadCloser, error)
	// Write записывает объект целиком, перезаписывая существующий.
	Write(ctx context.Context, path string, r io.Reader, size int64) error
	// Delete удаляет объект. Отсутствующий объект не считается ошибкой.
	Delete(ctx context.Context, path string) error
	// List возвращает объекты с префиксом prefix. recursive=false —
	// только верхний уровень. Может вернуть ErrListUnsupported.
	List(ctx context.Context, prefix string, recursive bool) ([]ObjectInfo, error)
	// Size возвращает размер объекта или ErrNotFound.
	Size(ctx context.Context, path string) (int64, error)
}

// Registry — именованный набор хранилищ.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register добавляет хранилище под ключом key.
func (r *Registry) Register(key string, b Backend) error {
	if key == "" {
		return fmt.Errorf("ключ хранилища не может быть пустым")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.backends[key]; ok {
		return fmt.Errorf("хранилище %q уже зарегистрировано", key)
	}
	r.backends[key] = b
	return nil
}

// Get возвращает хранилище по ключу.
func (r *Registry) Get(key string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[key]
	return b, ok
}

// Keys возвращает отсортированный список ключей.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.backends))
	for k := range r.backends {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Checksum вычисляет SHA-256 объекта (hex). Используется при сверке.
func Checksum(ctx context.Context, b Backend, path string) (string, error) {
	rc, err := b.Read(ctx, path)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, rc); err != nil {
		return "", fmt.Errorf("ошибка вычисления checksum %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
