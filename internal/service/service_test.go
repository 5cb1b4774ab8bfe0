package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/dahovitech/file-manager-bundle/internal/apperrors"
	"github.com/dahovitech/file-manager-bundle/internal/config"
	"github.com/dahovitech/file-manager-bundle/internal/domain/model"
	"github.com/dahovitech/file-manager-bundle/internal/events"
	"github.com/dahovitech/file-manager-bundle/internal/media"
	"github.com/dahovitech/file-manager-bundle/internal/repository"
	"github.com/dahovitech/file-manager-bundle/internal/repository/memrepo"
	"github.com/dahovitech/file-manager-bundle/internal/storage/blob"
	"github.com/dahovitech/file-manager-bundle/internal/storage/journal"
	"github.com/dahovitech/file-manager-bundle/internal/storage/memstore"
	"github.com/dahovitech/file-manager-bundle/internal/validation"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const testStorage = "local.storage"

// envConfig — настраиваемые параметры тестового окружения.
type envConfig struct {
	rules     validation.Rules
	opts      Options
	cleanup   CleanupConfig
	extractor MetadataExtractor
	noJournal bool
	// backends — дополнительные хранилища помимо testStorage
	backends map[string]blob.Backend
	// wrapStore подменяет Store, который видят сервисы
	wrapStore func(repository.Store) repository.Store
}

// hookStore вызывает before перед ближайшей транзакцией. Так тест
// вклинивается между чтением снимка и коммитом операции.
type hookStore struct {
	repository.Store
	before func()
}

func (s *hookStore) RunInTx(ctx context.Context, fn func(tx repository.Store) error) error {
	if before := s.before; before != nil {
		s.before = nil
		before()
	}
	return s.Store.RunInTx(ctx, fn)
}

// testEnv — сервисы поверх memrepo и memstore.
type testEnv struct {
	store   *memrepo.Store
	blobs   *memstore.Store
	journal *journal.Journal
	bus     *events.Bus
	cache   *CacheService

	files   *FileService
	folders *FolderService
	cleanup *CleanupService
	sync    *SyncService
}

func newTestEnv(t *testing.T, mutate ...func(*envConfig)) *testEnv {
	t.Helper()
	logger := testLogger()

	cfg := &envConfig{
		rules: validation.Rules{
			MaxFileSize:         1024,
			MaxDepth:            3,
			AllowedMimeTypes:    []string{"text/plain", "image/png", "application/pdf"},
			ForbiddenExtensions: []string{"exe"},
			MimeExtensions:      map[string]string{"text/plain": "txt", "image/png": "png", "application/pdf": "pdf"},
		},
		opts: Options{
			DefaultStorage:      testStorage,
			TempDir:             t.TempDir(),
			ThumbnailsEnabled:   true,
			MetadataEnabled:     true,
			RecursiveFileDelete: config.FileDeleteHard,
		},
		cleanup: CleanupConfig{
			Retention:        30 * 24 * time.Hour,
			OrphanMinAge:     time.Hour,
			JournalRetention: time.Hour,
		},
		extractor: media.NewExtractor(logger),
	}
	for _, m := range mutate {
		m(cfg)
	}

	env := &testEnv{
		store: memrepo.New(),
		blobs: memstore.New(),
		bus:   events.NewBus(logger),
		cache: NewCacheService(100, time.Minute),
	}
	reg := blob.NewRegistry()
	if err := reg.Register(testStorage, env.blobs); err != nil {
		t.Fatalf("Ошибка регистрации хранилища: %v", err)
	}
	for key, b := range cfg.backends {
		if err := reg.Register(key, b); err != nil {
			t.Fatalf("Ошибка регистрации хранилища %s: %v", key, err)
		}
	}
	var store repository.Store = env.store
	if cfg.wrapStore != nil {
		store = cfg.wrapStore(store)
	}
	if !cfg.noJournal {
		j, err := journal.New(t.TempDir(), logger)
		if err != nil {
			t.Fatalf("Ошибка создания журнала: %v", err)
		}
		env.journal = j
	}

	deps := Deps{
		Store:    store,
		Backends: reg,
		Checker:  validation.NewChecker(cfg.rules),
		Structs:  validation.NewStructValidator(),
		Thumbnails: media.NewThumbnailer([]config.ThumbnailSize{
			{Name: "small", Width: 16, Height: 16},
			{Name: "medium", Width: 32, Height: 32},
		}, 80, logger),
		Metadata: cfg.extractor,
		Events:   env.bus,
		Cache:    env.cache,
		Journal:  env.journal,
	}
	env.files = NewFileService(deps, cfg.opts, logger)
	env.folders = NewFolderService(deps, env.files, cfg.opts, logger)
	env.cleanup = NewCleanupService(deps, cfg.cleanup, logger)
	env.sync = NewSyncService(deps, logger)
	return env
}

// upload загружает текстовый файл и падает при ошибке.
func (e *testEnv) upload(t *testing.T, name, content string, folderID *string) *model.FileRecord {
	t.Helper()
	f, err := e.files.Upload(context.Background(), UploadRequest{
		Reader:           strings.NewReader(content),
		OriginalFilename: name,
		MimeType:         "text/plain",
		Size:             int64(len(content)),
		FolderID:         folderID,
	})
	if err != nil {
		t.Fatalf("Ошибка загрузки %s: %v", name, err)
	}
	return f
}

// mkdir создаёт папку и падает при ошибке.
func (e *testEnv) mkdir(t *testing.T, name string, parentID *string) *model.FolderRecord {
	t.Helper()
	f, err := e.folders.Create(context.Background(), FolderCreate{Name: name, ParentID: parentID})
	if err != nil {
		t.Fatalf("Ошибка создания папки %s: %v", name, err)
	}
	return f
}

// seedFile кладёт blob и запись напрямую, минуя конвейер загрузки.
func (e *testEnv) seedFile(t *testing.T, path string, data []byte, modTime time.Time, deletedAt *time.Time) *model.FileRecord {
	t.Helper()
	sum := sha256.Sum256(data)
	now := time.Now().UTC()
	f := &model.FileRecord{
		ID:         newID(),
		Filename:   path,
		StorageKey: testStorage,
		Path:       path,
		MimeType:   "text/plain",
		Size:       int64(len(data)),
		Hash:       hex.EncodeToString(sum[:]),
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if deletedAt != nil {
		f.MarkDeleted(*deletedAt)
	}
	if err := e.store.Files().Create(context.Background(), f); err != nil {
		t.Fatalf("Ошибка создания записи %s: %v", path, err)
	}
	e.blobs.Put(path, data, modTime)
	return f
}

// seedFileIn кладёт файл в папку напрямую, минуя сервисы.
func (e *testEnv) seedFileIn(t *testing.T, path string, folderID string) *model.FileRecord {
	t.Helper()
	f := e.seedFile(t, path, []byte(path), time.Now(), nil)
	f.FolderID = &folderID
	if err := e.store.Files().Update(context.Background(), f); err != nil {
		t.Fatalf("Ошибка переноса записи %s: %v", path, err)
	}
	return f
}

func (e *testEnv) hasBlob(path string) bool {
	ok, _ := e.blobs.Exists(context.Background(), path)
	return ok
}

// pngBytes создаёт PNG w×h.
func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Ошибка кодирования PNG: %v", err)
	}
	return buf.Bytes()
}

func ptr[T any](v T) *T {
	return &v
}

// assertCode проверяет код ошибки apperrors.
func assertCode(t *testing.T, err error, want apperrors.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("Ожидалась ошибка %s, получен nil", want)
	}
	if got := apperrors.CodeOf(err); got != want {
		t.Fatalf("Код ошибки: %q, ожидалось %q (%v)", got, want, err)
	}
}

func TestCacheService_NilSafe(t *testing.T) {
	var c *CacheService
	c.Set(&model.FileRecord{ID: "x"})
	if _, ok := c.Get("x"); ok {
		t.Error("Отключённый кэш не должен возвращать записи")
	}
	c.Delete("x")
	if c.Len() != 0 {
		t.Errorf("Len = %d, ожидалось 0", c.Len())
	}
}

func TestCacheService_ReturnsCopies(t *testing.T) {
	c := NewCacheService(10, time.Minute)
	f := &model.FileRecord{ID: "a", Tags: []string{"x"}}
	c.Set(f)
	f.Tags[0] = "changed"

	got, ok := c.Get("a")
	if !ok {
		t.Fatal("Запись должна быть в кэше")
	}
	if got.Tags[0] != "x" {
		t.Errorf("Кэш хранит ссылку на исходную запись: %v", got.Tags)
	}
	got.Tags[0] = "y"
	again, _ := c.Get("a")
	if again.Tags[0] != "x" {
		t.Errorf("Get вернул не копию: %v", again.Tags)
	}
}

func TestMapErrors(t *testing.T) {
	other := errors.New("connection reset")
	if err := mapFileError(other, "id"); apperrors.CodeOf(err) != "" || !errors.Is(err, other) {
		t.Errorf("Неизвестная ошибка должна оборачиваться без кода: %v", err)
	}
	if err := mapFileError(nil, "id"); err != nil {
		t.Errorf("mapFileError(nil) = %v", err)
	}
}
