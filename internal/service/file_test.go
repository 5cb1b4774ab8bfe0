package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/dahovitech/file-manager-bundle/internal/apperrors"
	"github.com/dahovitech/file-manager-bundle/internal/config"
	"github.com/dahovitech/file-manager-bundle/internal/domain/model"
	"github.com/dahovitech/file-manager-bundle/internal/events"
)

// sameExceptTimestamps сравнивает записи без учёта времени изменения и удаления.
func sameExceptTimestamps(a, b *model.FileRecord) bool {
	x, y := a.Clone(), b.Clone()
	x.UpdatedAt, y.UpdatedAt = time.Time{}, time.Time{}
	x.Metadata, y.Metadata = nil, nil
	return x.ID == y.ID && x.Filename == y.Filename && x.Path == y.Path &&
		x.StorageKey == y.StorageKey && x.Hash == y.Hash && x.Size == y.Size &&
		x.Version == y.Version && x.IsDeleted == y.IsDeleted &&
		(x.DeletedAt == nil) == (y.DeletedAt == nil) && x.InFolder(y.FolderID) &&
		x.CreatedAt.Equal(y.CreatedAt)
}

func TestSoftDeleteRestore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	orig := env.upload(t, "a.txt", "content", nil)

	deleted, err := env.files.SoftDelete(ctx, orig.ID)
	if err != nil {
		t.Fatalf("Ошибка SoftDelete: %v", err)
	}
	if !deleted.IsDeleted || deleted.DeletedAt == nil {
		t.Fatalf("Флаг и время удаления должны выставляться вместе: %+v", deleted)
	}
	if !env.hasBlob(orig.Path) {
		t.Error("Мягкое удаление не должно трогать blob")
	}

	// Повторное удаление ничего не меняет
	again, err := env.files.SoftDelete(ctx, orig.ID)
	if err != nil || !again.DeletedAt.Equal(*deleted.DeletedAt) {
		t.Errorf("Повторный SoftDelete: %v, deleted_at %v", err, again.DeletedAt)
	}

	restored, err := env.files.Restore(ctx, orig.ID)
	if err != nil {
		t.Fatalf("Ошибка Restore: %v", err)
	}
	if !sameExceptTimestamps(orig, restored) {
		t.Errorf("Restore(SoftDelete(f)) != f:\n%+v\n%+v", orig, restored)
	}

	_, err = env.files.Restore(ctx, orig.ID)
	assertCode(t, err, apperrors.CodeNotDeleted)
}

func TestSoftDelete_Hooks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	f := env.upload(t, "a.txt", "content", nil)

	var post []events.Event
	env.bus.Subscribe(events.PostDelete, func(_ context.Context, ev events.Event) error {
		post = append(post, ev)
		return nil
	})
	env.bus.Subscribe(events.PreDelete, func(_ context.Context, ev events.Event) error {
		if ev.Hard {
			return apperrors.New(apperrors.CodeValidationFailed, "физическое удаление запрещено политикой")
		}
		return nil
	})

	assertCode(t, env.files.HardDelete(ctx, f.ID), apperrors.CodeValidationFailed)
	if !env.hasBlob(f.Path) {
		t.Fatal("Отклонённое удаление удалило blob")
	}

	if _, err := env.files.SoftDelete(ctx, f.ID); err != nil {
		t.Fatalf("Ошибка SoftDelete: %v", err)
	}
	if len(post) != 1 || post[0].Hard || !post[0].File.IsDeleted {
		t.Errorf("post-delete: %+v", post)
	}
}

func TestRestore_DuplicateContent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.upload(t, "a.txt", "shared", nil)
	if _, err := env.files.SoftDelete(ctx, a.ID); err != nil {
		t.Fatalf("Ошибка SoftDelete: %v", err)
	}
	env.upload(t, "b.txt", "shared", nil)

	_, err := env.files.Restore(ctx, a.ID)
	assertCode(t, err, apperrors.CodeDuplicateContent)

	got, _ := env.files.Get(ctx, a.ID)
	if !got.IsDeleted {
		t.Error("Запись не должна восстановиться при конфликте хеша")
	}
}

func TestRestore_FolderDeletedGoesToRoot(t *testing.T) {
	env := newTestEnv(t, func(c *envConfig) { c.opts.RecursiveFileDelete = config.FileDeleteSoft })
	ctx := context.Background()
	docs := env.mkdir(t, "docs", nil)
	f := env.upload(t, "a.txt", "content", &docs.ID)

	if err := env.folders.Delete(ctx, docs.ID, true); err != nil {
		t.Fatalf("Ошибка удаления папки: %v", err)
	}

	restored, err := env.files.Restore(ctx, f.ID)
	if err != nil {
		t.Fatalf("Ошибка Restore: %v", err)
	}
	if restored.FolderID != nil {
		t.Errorf("Файл удалённой папки должен восстановиться в корень, folder_id = %v", *restored.FolderID)
	}
	if restored.Path != f.Path {
		t.Errorf("Путь blob не должен меняться: %q != %q", restored.Path, f.Path)
	}
}

func TestHardDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	data := pngBytes(t, 40, 40)
	f, err := env.files.Upload(ctx, UploadRequest{
		Reader: bytes.NewReader(data), OriginalFilename: "p.png", MimeType: "image/png", Size: int64(len(data)),
	})
	if err != nil {
		t.Fatalf("Ошибка загрузки: %v", err)
	}

	if err := env.files.HardDelete(ctx, f.ID); err != nil {
		t.Fatalf("Ошибка HardDelete: %v", err)
	}
	if paths := env.blobs.Paths(); len(paths) != 0 {
		t.Errorf("После HardDelete остались объекты: %v", paths)
	}
	_, err = env.files.Get(ctx, f.ID)
	assertCode(t, err, apperrors.CodeNotFound)

	assertCode(t, env.files.HardDelete(ctx, f.ID), apperrors.CodeNotFound)
}

func TestHardDelete_MissingBlobTolerated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	f := env.upload(t, "a.txt", "content", nil)
	if err := env.blobs.Delete(ctx, f.Path); err != nil {
		t.Fatal(err)
	}

	if err := env.files.HardDelete(ctx, f.ID); err != nil {
		t.Fatalf("Отсутствующий blob не должен мешать HardDelete: %v", err)
	}
}

func TestHardDelete_SoftDeletedRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	f := env.upload(t, "a.txt", "content", nil)
	if _, err := env.files.SoftDelete(ctx, f.ID); err != nil {
		t.Fatal(err)
	}
	if err := env.files.HardDelete(ctx, f.ID); err != nil {
		t.Fatalf("Ошибка HardDelete удалённой записи: %v", err)
	}
	if env.hasBlob(f.Path) {
		t.Error("Blob должен быть удалён")
	}
}

func TestUpdate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	f := env.upload(t, "a.txt", "content", nil)

	updated, err := env.files.Update(ctx, f.ID, FileUpdate{
		Description: ptr("новое описание"),
		Tags:        &[]string{"x", "y"},
		IsPublic:    ptr(true),
	})
	if err != nil {
		t.Fatalf("Ошибка Update: %v", err)
	}
	if updated.Version != 2 || updated.Description != "новое описание" || !updated.IsPublic || len(updated.Tags) != 2 {
		t.Errorf("Update: %+v", updated)
	}

	// nil-поля не меняются
	again, err := env.files.Update(ctx, f.ID, FileUpdate{})
	if err != nil {
		t.Fatalf("Ошибка пустого Update: %v", err)
	}
	if again.Description != "новое описание" || again.Version != 3 {
		t.Errorf("Пустой Update изменил поля: %+v", again)
	}

	long := make([]byte, 501)
	for i := range long {
		long[i] = 'a'
	}
	_, err = env.files.Update(ctx, f.ID, FileUpdate{Description: ptr(string(long))})
	assertCode(t, err, apperrors.CodeValidationFailed)

	if _, err := env.files.SoftDelete(ctx, f.ID); err != nil {
		t.Fatal(err)
	}
	_, err = env.files.Update(ctx, f.ID, FileUpdate{IsPublic: ptr(false)})
	assertCode(t, err, apperrors.CodeValidationFailed)
}

func TestUpdate_InvalidatesCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	f := env.upload(t, "a.txt", "content", nil)

	if _, err := env.files.Get(ctx, f.ID); err != nil {
		t.Fatal(err)
	}
	if env.cache.Len() != 1 {
		t.Fatalf("Get должен заполнить кэш, Len = %d", env.cache.Len())
	}
	if _, err := env.files.Update(ctx, f.ID, FileUpdate{Description: ptr("d")}); err != nil {
		t.Fatal(err)
	}
	got, _ := env.files.Get(ctx, f.ID)
	if got.Description != "d" {
		t.Errorf("Get вернул устаревшую запись из кэша: %q", got.Description)
	}
}

func TestMove(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	docs := env.mkdir(t, "docs", nil)
	f := env.upload(t, "a.txt", "content", nil)

	moved, err := env.files.Move(ctx, f.ID, &docs.ID)
	if err != nil {
		t.Fatalf("Ошибка Move: %v", err)
	}
	if !moved.InFolder(&docs.ID) || moved.Version != 1 || moved.Path != f.Path {
		t.Errorf("Move: %+v", moved)
	}

	back, err := env.files.Move(ctx, f.ID, nil)
	if err != nil || back.FolderID != nil {
		t.Fatalf("Move в корень: %v, %+v", err, back)
	}

	_, err = env.files.Move(ctx, f.ID, ptr(newID()))
	assertCode(t, err, apperrors.CodeNotFound)
}

func TestOpen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	f := env.upload(t, "a.txt", "payload", nil)

	rc, rec, err := env.files.Open(ctx, f.ID)
	if err != nil {
		t.Fatalf("Ошибка Open: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "payload" || rec.ID != f.ID {
		t.Errorf("Open вернул %q", data)
	}

	if err := env.blobs.Delete(ctx, f.Path); err != nil {
		t.Fatal(err)
	}
	_, _, err = env.files.Open(ctx, f.ID)
	assertCode(t, err, apperrors.CodeNotFound)
}

func TestList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	docs := env.mkdir(t, "docs", nil)

	a := env.upload(t, "alpha.txt", "1", nil)
	env.upload(t, "beta.txt", "2", &docs.ID)
	env.upload(t, "gamma.txt", "3", &docs.ID)
	if _, err := env.files.SoftDelete(ctx, a.ID); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		q     FileQuery
		total int
		items int
	}{
		{"по умолчанию активные", FileQuery{}, 2, 2},
		{"удалённые", FileQuery{State: StateDeleted}, 1, 1},
		{"все", FileQuery{State: StateAll}, 3, 3},
		{"папка", FileQuery{FolderID: &docs.ID}, 2, 2},
		{"корень", FileQuery{RootOnly: true, State: StateAll}, 1, 1},
		{"поиск", FileQuery{Query: "GAMMA"}, 1, 1},
		{"тип-префикс", FileQuery{MimeType: "text/*"}, 2, 2},
		{"страница", FileQuery{Limit: 1, Offset: 1}, 2, 1},
		{"за пределами", FileQuery{Offset: 10}, 2, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := env.files.List(ctx, tt.q)
			if err != nil {
				t.Fatalf("Ошибка List: %v", err)
			}
			if page.Total != tt.total || len(page.Items) != tt.items {
				t.Errorf("Total = %d, Items = %d, ожидалось %d и %d", page.Total, len(page.Items), tt.total, tt.items)
			}
		})
	}

	page, _ := env.files.List(ctx, FileQuery{Limit: 1000})
	if page.Limit != 100 {
		t.Errorf("Limit = %d, ожидалось ограничение 100", page.Limit)
	}
	page, _ = env.files.List(ctx, FileQuery{})
	if page.Limit != 20 {
		t.Errorf("Limit по умолчанию = %d, ожидалось 20", page.Limit)
	}

	_, err := env.files.List(ctx, FileQuery{State: "archived"})
	assertCode(t, err, apperrors.CodeValidationFailed)
	_, err = env.files.List(ctx, FileQuery{Offset: -1})
	assertCode(t, err, apperrors.CodeValidationFailed)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.mkdir(t, "docs", nil)
	a := env.upload(t, "a.txt", "12345", nil)
	env.upload(t, "b.txt", "123", nil)
	if _, err := env.files.SoftDelete(ctx, a.ID); err != nil {
		t.Fatal(err)
	}

	stats, err := env.files.Stats(ctx)
	if err != nil {
		t.Fatalf("Ошибка Stats: %v", err)
	}
	if stats.Active.Count != 1 || stats.Active.Bytes != 3 {
		t.Errorf("Active = %+v", stats.Active)
	}
	if stats.Deleted.Count != 1 || stats.Deleted.Bytes != 5 {
		t.Errorf("Deleted = %+v", stats.Deleted)
	}
	if stats.Folders != 1 {
		t.Errorf("Folders = %d", stats.Folders)
	}
	if stats.ByStorage[testStorage].Count != 1 {
		t.Errorf("ByStorage = %+v", stats.ByStorage)
	}
}

func TestGet_NotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.files.Get(context.Background(), newID())
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("Ожидалась NOT_FOUND, получено %v", err)
	}
}

func TestSoftDelete_KeepsConcurrentUpdate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	f := env.upload(t, "a.txt", "content", nil)

	// Обновление успевает пройти между чтением записи и пометкой удаления
	env.bus.Subscribe(events.PreDelete, func(ctx context.Context, _ events.Event) error {
		_, err := env.files.Update(ctx, f.ID, FileUpdate{Description: ptr("обновлено")})
		return err
	})

	got, err := env.files.SoftDelete(ctx, f.ID)
	if err != nil {
		t.Fatalf("Ошибка SoftDelete: %v", err)
	}
	if !got.IsDeleted || got.Description != "обновлено" || got.Version != 2 {
		t.Errorf("Возвращённая запись: %+v", got)
	}

	stored, err := env.store.Files().GetByID(ctx, f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.IsDeleted || stored.Description != "обновлено" || stored.Version != 2 {
		t.Errorf("Удаление перезаписало параллельное обновление: %+v", stored)
	}
}
