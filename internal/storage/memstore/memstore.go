// Пакет memstore — blob-хранилище в памяти.
// Используется в тестах и в режиме разработки (FM_METADATA_STORE=memory).
// Поддерживает внедрение сбоев для проверки компенсирующих действий.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dahovitech/file-manager-bundle/internal/storage/blob"
)

type object struct {
	data    []byte
	modTime time.Time
}

// Store — потокобезопасное хранилище объектов в памяти.
type Store struct {
	mu      sync.RWMutex
	objects map[string]object
	now     func() time.Time

	// failWrite — ошибка, возвращаемая Write для путей с префиксом failPrefix
	failWrite  error
	failPrefix string
	// listDisabled — List возвращает ErrListUnsupported
	listDisabled bool
}

var _ blob.Backend = (*Store)(nil)

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{
		objects: make(map[string]object),
		now:     time.Now,
	}
}

// FailWrites заставляет Write возвращать err для путей с префиксом prefix.
// nil отключает сбой.
func (s *Store) FailWrites(prefix string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPrefix = prefix
	s.failWrite = err
}

// DisableList переключает поддержку листинга.
func (s *Store) DisableList(disabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listDisabled = disabled
}

// Put кладёт объект напрямую с заданным временем изменения.
func (s *Store) Put(path string, data []byte, modTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = object{data: append([]byte(nil), data...), modTime: modTime}
}

// Paths возвращает отсортированный список путей всех объектов.
func (s *Store) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]string, 0, len(s.objects))
	for p := range s.objects {
		result = append(result, p)
	}
	sort.Strings(result)
	return result
}

func (s *Store) Exists(_ context.Context, path string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[path]
	return ok, nil
}

func (s *Store) Read(_ context.Context, path string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", blob.ErrNotFound, path)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *Store) Write(ctx context.Context, path string, r io.Reader, _ int64) error {
	if err := blob.ValidatePath(path); err != nil {
		return err
	}
	s.mu.RLock()
	failErr, failPrefix := s.failWrite, s.failPrefix
	s.mu.RUnlock()
	if failErr != nil && strings.HasPrefix(path, failPrefix) {
		return failErr
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("ошибка чтения данных: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = object{data: data, modTime: s.now()}
	return nil
}

func (s *Store) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, path)
	return nil
}

func (s *Store) Size(_ context.Context, path string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[path]
	if !ok {
		return 0, fmt.Errorf("%w: %s", blob.ErrNotFound, path)
	}
	return int64(len(obj.data)), nil
}

func (s *Store) List(_ context.Context, prefix string, recursive bool) ([]blob.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listDisabled {
		return nil, blob.ErrListUnsupported
	}

	var result []blob.ObjectInfo
	for p, obj := range s.objects {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		if !recursive {
			dir := prefix[:strings.LastIndex(prefix, "/")+1]
			if strings.Contains(strings.TrimPrefix(p, dir), "/") {
				continue
			}
		}
		result = append(result, blob.ObjectInfo{Path: p, Size: int64(len(obj.data)), ModTime: obj.modTime})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Path < result[j].Path })
	return result, nil
}
