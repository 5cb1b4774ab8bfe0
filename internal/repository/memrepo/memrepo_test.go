package memrepo

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dahovitech/file-manager-bundle/internal/domain/model"
	"github.com/dahovitech/file-manager-bundle/internal/repository"
)

func file(id, hash string) *model.FileRecord {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &model.FileRecord{
		ID:         id,
		Filename:   id + ".txt",
		StorageKey: "local.storage",
		Path:       id + ".txt",
		MimeType:   "text/plain",
		Size:       10,
		Hash:       hash,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestFiles_HashUniqueness(t *testing.T) {
	s := New()
	ctx := context.Background()
	h := strings.Repeat("a", 64)

	if err := s.Files().Create(ctx, file("1", h)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Files().Create(ctx, file("2", h)); !errors.Is(err, repository.ErrDuplicateHash) {
		t.Fatalf("ожидалась ErrDuplicateHash, получено %v", err)
	}
	if err := s.Files().Create(ctx, file("1", strings.Repeat("b", 64))); !errors.Is(err, repository.ErrConflict) {
		t.Errorf("повтор ID: ожидалась ErrConflict, получено %v", err)
	}

	f, _ := s.Files().GetByID(ctx, "1")
	f.MarkDeleted(time.Now())
	if err := s.Files().Update(ctx, f); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := s.Files().Create(ctx, file("2", h)); err != nil {
		t.Fatalf("после удаления хеш свободен: %v", err)
	}

	f.Restore(time.Now())
	if err := s.Files().Update(ctx, f); !errors.Is(err, repository.ErrDuplicateHash) {
		t.Errorf("восстановление при занятом хеше: получено %v", err)
	}
}

func TestFiles_ReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.Files().Create(ctx, file("1", strings.Repeat("a", 64)))

	f, _ := s.Files().GetByID(ctx, "1")
	f.Filename = "changed"
	again, _ := s.Files().GetByID(ctx, "1")
	if again.Filename != "1.txt" {
		t.Error("изменение возвращённой записи не должно влиять на хранилище")
	}
}

func TestFiles_ListFilters(t *testing.T) {
	s := New()
	ctx := context.Background()
	folder := "f1"

	a := file("a", strings.Repeat("1", 64))
	a.FolderID = &folder
	a.Tags = []string{"Invoice"}
	b := file("b", strings.Repeat("2", 64))
	b.MimeType = "image/png"
	b.CreatedAt = a.CreatedAt.Add(time.Hour)
	c := file("c", strings.Repeat("3", 64))
	c.MarkDeleted(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	for _, f := range []*model.FileRecord{a, b, c} {
		if err := s.Files().Create(ctx, f); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	active := false
	cutoff := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	deleted := true
	tests := []struct {
		name   string
		filter repository.FileFilter
		want   []string
	}{
		{"все по убыванию даты", repository.FileFilter{}, []string{"b", "a", "c"}},
		{"активные", repository.FileFilter{Deleted: &active}, []string{"b", "a"}},
		{"папка", repository.FileFilter{FolderID: &folder}, []string{"a"}},
		{"корень", repository.FileFilter{RootOnly: true, Deleted: &active}, []string{"b"}},
		{"префикс MIME", repository.FileFilter{MimeType: "image/*"}, []string{"b"}},
		{"поиск по тегу", repository.FileFilter{Query: "invoice"}, []string{"a"}},
		{"просроченные", repository.FileFilter{Deleted: &deleted, DeletedBefore: &cutoff}, []string{"c"}},
		{"страница", repository.FileFilter{Limit: 1, Offset: 1}, []string{"a"}},
		{"за пределами", repository.FileFilter{Offset: 5}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, _ := s.Files().List(ctx, tt.filter)
			var ids []string
			for _, f := range list {
				ids = append(ids, f.ID)
			}
			if strings.Join(ids, ",") != strings.Join(tt.want, ",") {
				t.Errorf("получено %v, ожидалось %v", ids, tt.want)
			}
		})
	}

	if n, _ := s.Files().Count(ctx, repository.FileFilter{Deleted: &active}); n != 2 {
		t.Errorf("Count: ожидалось 2, получено %d", n)
	}
	if n, _ := s.Files().DeleteMany(ctx, []string{"a", "x"}); n != 1 {
		t.Errorf("DeleteMany: ожидалось 1, получено %d", n)
	}
}

func TestFolders_SiblingUniqueness(t *testing.T) {
	s := New()
	ctx := context.Background()
	root := &model.FolderRecord{ID: "r", Name: "docs"}
	if err := s.Folders().Create(ctx, root); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Folders().Create(ctx, &model.FolderRecord{ID: "r2", Name: "docs"}); !errors.Is(err, repository.ErrConflict) {
		t.Errorf("дубликат в корне: получено %v", err)
	}
	parent := "r"
	if err := s.Folders().Create(ctx, &model.FolderRecord{ID: "c", Name: "docs", ParentID: &parent}); err != nil {
		t.Errorf("то же имя под другим родителем: %v", err)
	}
	missing := "zzz"
	if err := s.Folders().Create(ctx, &model.FolderRecord{ID: "o", Name: "x", ParentID: &missing}); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("несуществующий родитель: получено %v", err)
	}

	root.MarkDeleted(time.Now())
	if err := s.Folders().Update(ctx, root); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := s.Folders().Create(ctx, &model.FolderRecord{ID: "r2", Name: "docs"}); err != nil {
		t.Errorf("имя удалённой папки свободно: %v", err)
	}
	if n, _ := s.Folders().Count(ctx, repository.FolderFilter{RootOnly: true}); n != 1 {
		t.Errorf("Count корневых активных: %d", n)
	}
}

func TestRunInTx(t *testing.T) {
	s := New()
	ctx := context.Background()
	boom := errors.New("сбой")

	err := s.RunInTx(ctx, func(tx repository.Store) error {
		if err := tx.Files().Create(ctx, file("1", strings.Repeat("a", 64))); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("ожидалась исходная ошибка, получено %v", err)
	}
	if _, err := s.Files().GetByID(ctx, "1"); !errors.Is(err, repository.ErrNotFound) {
		t.Error("после отката записи быть не должно")
	}

	err = s.RunInTx(ctx, func(tx repository.Store) error {
		return tx.RunInTx(ctx, func(inner repository.Store) error {
			return inner.Files().Create(ctx, file("1", strings.Repeat("a", 64)))
		})
	})
	if err != nil {
		t.Fatalf("вложенная транзакция: %v", err)
	}
	if _, err := s.Files().GetByID(ctx, "1"); err != nil {
		t.Errorf("после коммита запись должна существовать: %v", err)
	}
}

func TestConcurrentCreatesSameHash(t *testing.T) {
	s := New()
	ctx := context.Background()
	h := strings.Repeat("c", 64)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('A'+i%26)) + strings.Repeat("x", i)
			if err := s.Files().Create(ctx, file(id, h)); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if succeeded != 1 {
		t.Errorf("ровно одна загрузка с одинаковым хешем должна пройти, прошло %d", succeeded)
	}
}

func TestFailFileCreates(t *testing.T) {
	s := New()
	boom := errors.New("БД недоступна")
	s.FailFileCreates(boom)
	if err := s.Files().Create(context.Background(), file("1", strings.Repeat("a", 64))); !errors.Is(err, boom) {
		t.Errorf("ожидалась внедрённая ошибка, получено %v", err)
	}
}
