package journal

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := New(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("ошибка создания журнала: %v", err)
	}
	return j
}

func TestNew_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")
	j, err := New(dir, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if j.Dir() != dir {
		t.Errorf("ожидался путь %s, получен %s", dir, j.Dir())
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("директория журнала не создана: %v", err)
	}
}

func TestStartCommit(t *testing.T) {
	j := newTestJournal(t)

	entry, err := j.Start(OpUpload, "local.storage", "docs/a.txt")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if entry.TransactionID == "" || entry.Status != StatusPending {
		t.Fatalf("неверная запись: %+v", entry)
	}

	if err := j.AddThumbnails(entry.TransactionID, []string{"docs/thumbnails/small/a_1.jpg"}); err != nil {
		t.Fatalf("AddThumbnails: %v", err)
	}
	if err := j.Commit(entry.TransactionID); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := j.Get(entry.TransactionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCommitted || got.CompletedAt == nil {
		t.Errorf("ожидался committed с CompletedAt, получено %+v", got)
	}
	if len(got.Thumbnails) != 1 {
		t.Errorf("ожидалась 1 миниатюра, получено %v", got.Thumbnails)
	}

	if err := j.Rollback(entry.TransactionID); !errors.Is(err, ErrNotPending) {
		t.Errorf("повторное завершение: ожидалась ErrNotPending, получено %v", err)
	}
}

func TestRecoverPending(t *testing.T) {
	j := newTestJournal(t)

	done, _ := j.Start(OpUpload, "local.storage", "a.txt")
	pending, _ := j.Start(OpUpload, "local.storage", "b.txt")
	if err := j.Rollback(done.TransactionID); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	// Повреждённый файл не должен ломать восстановление
	if err := os.WriteFile(filepath.Join(j.Dir(), "broken"+fileSuffix), []byte("{"), 0o640); err != nil {
		t.Fatal(err)
	}

	entries, err := j.RecoverPending()
	if err != nil {
		t.Fatalf("RecoverPending: %v", err)
	}
	if len(entries) != 1 || entries[0].TransactionID != pending.TransactionID {
		t.Fatalf("ожидалась одна pending-запись %s, получено %v", pending.TransactionID, entries)
	}
	if entries[0].Path != "b.txt" {
		t.Errorf("неверный путь: %s", entries[0].Path)
	}
}

func TestCleanFinished(t *testing.T) {
	j := newTestJournal(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return base }

	old, _ := j.Start(OpUpload, "local.storage", "old.txt")
	_ = j.Commit(old.TransactionID)
	open, _ := j.Start(OpUpload, "local.storage", "open.txt")

	j.now = func() time.Time { return base.Add(2 * time.Hour) }
	recent, _ := j.Start(OpUpload, "local.storage", "recent.txt")
	_ = j.Commit(recent.TransactionID)

	cleaned, err := j.CleanFinished(time.Hour)
	if err != nil {
		t.Fatalf("CleanFinished: %v", err)
	}
	if cleaned != 1 {
		t.Errorf("ожидалась очистка 1 записи, очищено %d", cleaned)
	}
	if _, err := j.Get(old.TransactionID); err == nil {
		t.Error("старая завершённая запись должна быть удалена")
	}
	if _, err := j.Get(open.TransactionID); err != nil {
		t.Error("pending-запись не должна удаляться")
	}
	if _, err := j.Get(recent.TransactionID); err != nil {
		t.Error("свежая запись не должна удаляться")
	}
}

func TestConcurrentStart(t *testing.T) {
	j := newTestJournal(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := j.Start(OpUpload, "local.storage", "x")
			if err != nil {
				t.Errorf("Start: %v", err)
				return
			}
			if err := j.Commit(e.TransactionID); err != nil {
				t.Errorf("Commit: %v", err)
			}
		}()
	}
	wg.Wait()

	pending, err := j.RecoverPending()
	if err != nil {
		t.Fatalf("RecoverPending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("не должно остаться pending-записей, осталось %d", len(pending))
	}
}
