// Пакет filestore — blob-хранилище на локальном диске.
// Запись: temp файл → fsync → atomic rename, с созданием
// промежуточных директорий по пути объекта.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dahovitech/file-manager-bundle/internal/storage/blob"
)

// tmpSuffix — суффикс временных файлов, не попадают в листинг.
const tmpSuffix = ".tmp"

// FileStore — хранилище объектов в директории dataDir.
type FileStore struct {
	// dataDir — корневая директория хранения (FM_LOCAL_STORAGE_DIR)
	dataDir string
}

var _ blob.Backend = (*FileStore)(nil)

// New создаёт FileStore. Создаёт директорию, если её нет.
func New(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", dataDir, err)
	}
	return &FileStore{dataDir: dataDir}, nil
}

// DataDir возвращает путь к директории данных.
func (s *FileStore) DataDir() string {
	return s.dataDir
}

// fullPath переводит путь объекта в путь на диске. Ненормализованные
// пути отклоняются: иначе запись и листинг разошлись бы в написании пути.
func (s *FileStore) fullPath(p string) (string, error) {
	if err := blob.ValidatePath(p); err != nil {
		return "", err
	}
	return filepath.Join(s.dataDir, filepath.FromSlash(p)), nil
}

// Exists проверяет наличие объекта на диске.
func (s *FileStore) Exists(_ context.Context, p string) (bool, error) {
	full, err := s.fullPath(p)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("ошибка проверки файла %s: %w", p, err)
	}
	return !info.IsDir(), nil
}

// Read открывает файл для чтения.
func (s *FileStore) Read(_ context.Context, p string) (io.ReadCloser, error) {
	full, err := s.fullPath(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", blob.ErrNotFound, p)
		}
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", p, err)
	}
	return f, nil
}

// Write записывает объект атомарно. При ошибке temp файл удаляется.
func (s *FileStore) Write(ctx context.Context, p string, r io.Reader, _ int64) error {
	full, err := s.fullPath(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return fmt.Errorf("ошибка создания директории для %s: %w", p, err)
	}

	tmpPath := full + tmpSuffix
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	if _, err := io.Copy(f, contextReader{ctx: ctx, r: r}); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи данных: %w", err)
	}

	// fsync для гарантии записи на диск
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, full); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return nil
}

// Delete удаляет файл. Отсутствующий файл не считается ошибкой.
func (s *FileStore) Delete(_ context.Context, p string) error {
	full, err := s.fullPath(p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("ошибка удаления файла %s: %w", p, err)
	}
	return nil
}

// Size возвращает размер файла.
func (s *FileStore) Size(_ context.Context, p string) (int64, error) {
	full, err := s.fullPath(p)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", blob.ErrNotFound, p)
		}
		return 0, fmt.Errorf("ошибка получения информации о файле %s: %w", p, err)
	}
	return info.Size(), nil
}

// List возвращает файлы, путь которых начинается с prefix (через "/").
// recursive=false — только файлы в директории префикса, без вложенных.
// Временные файлы пропускаются.
func (s *FileStore) List(ctx context.Context, prefix string, recursive bool) ([]blob.ObjectInfo, error) {
	prefix = strings.TrimPrefix(prefix, "/")
	if !recursive {
		return s.listDir(prefix)
	}

	var result []blob.ObjectInfo
	err := filepath.WalkDir(s.dataDir, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}

		rel, relErr := filepath.Rel(s.dataDir, full)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if strings.HasSuffix(rel, tmpSuffix) || !strings.HasPrefix(rel, prefix) {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			// Файл удалён во время обхода
			if errors.Is(infoErr, fs.ErrNotExist) {
				return nil
			}
			return infoErr
		}
		result = append(result, blob.ObjectInfo{Path: rel, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка обхода директории %s: %w", s.dataDir, err)
	}
	return result, nil
}

// listDir возвращает файлы одной директории, имя которых начинается
// с последнего сегмента префикса.
func (s *FileStore) listDir(prefix string) ([]blob.ObjectInfo, error) {
	dir := dirOf(prefix)
	namePrefix := strings.TrimPrefix(prefix, dir)

	entries, err := os.ReadDir(filepath.Join(s.dataDir, filepath.FromSlash(dir)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка чтения директории %s: %w", dir, err)
	}

	var result []blob.ObjectInfo
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), tmpSuffix) || !strings.HasPrefix(e.Name(), namePrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		result = append(result, blob.ObjectInfo{Path: dir + e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	return result, nil
}

// dirOf возвращает директорийную часть префикса с завершающим "/".
func dirOf(prefix string) string {
	i := strings.LastIndex(prefix, "/")
	if i < 0 {
		return ""
	}
	return prefix[:i+1]
}

// contextReader прерывает копирование при отмене контекста.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
