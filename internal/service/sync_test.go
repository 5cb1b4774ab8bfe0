package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dahovitech/file-manager-bundle/internal/apperrors"
	"github.com/dahovitech/file-manager-bundle/internal/media"
)

func TestSync_Missing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)

	f := env.seedFile(t, "lost.txt", []byte("lost"), old, nil)
	env.seedFile(t, "ok.txt", []byte("ok"), old, nil)
	if err := env.blobs.Delete(ctx, "lost.txt"); err != nil {
		t.Fatal(err)
	}

	report, err := env.sync.RunOnce(ctx, SyncOptions{DryRun: true, FixMissing: true})
	if err != nil {
		t.Fatal(err)
	}
	if report.Checked != 2 || report.IssuesByType[IssueMissing] != 1 || report.Fixed != 0 {
		t.Errorf("dry-run: %+v", report)
	}
	got, _ := env.files.Get(ctx, f.ID)
	if got.IsDeleted {
		t.Fatal("dry-run не должен менять записи")
	}

	report, err = env.sync.RunOnce(ctx, SyncOptions{FixMissing: true})
	if err != nil {
		t.Fatal(err)
	}
	if report.Fixed != 1 || !report.Issues[0].Fixed || report.Issues[0].FileID != f.ID {
		t.Errorf("исправление: %+v", report)
	}
	got, _ = env.files.Get(ctx, f.ID)
	if !got.IsDeleted {
		t.Error("Запись без blob должна быть помечена удалённой")
	}
}

func TestSync_SizeAndChecksum(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)

	f := env.seedFile(t, "drift.txt", []byte("abc"), old, nil)
	env.blobs.Put("drift.txt", []byte("abcdef"), old)
	empty := env.seedFile(t, "empty.txt", []byte("xyz"), old, nil)
	env.blobs.Put("empty.txt", nil, old)

	report, err := env.sync.RunOnce(ctx, SyncOptions{FixSize: true, VerifyChecksum: true})
	if err != nil {
		t.Fatal(err)
	}
	if report.IssuesByType[IssueSizeMismatch] != 2 || report.IssuesByType[IssueChecksumMismatch] != 2 {
		t.Errorf("Расхождения: %v", report.IssuesByType)
	}
	if report.Fixed != 1 {
		t.Errorf("Fixed = %d, ожидалось 1", report.Fixed)
	}

	got, _ := env.files.Get(ctx, f.ID)
	if got.Size != 6 || got.Version != f.Version {
		t.Errorf("drift.txt: size %d, version %d", got.Size, got.Version)
	}
	// Нулевой фактический размер не переносится в запись
	got, _ = env.files.Get(ctx, empty.ID)
	if got.Size != 3 {
		t.Errorf("empty.txt: size %d, ожидалось 3", got.Size)
	}
}

func TestSync_UpdateMetadata(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	f := env.seedFile(t, "m.txt", []byte("meta"), time.Now(), nil)

	report, err := env.sync.RunOnce(ctx, SyncOptions{UpdateMetadata: true})
	if err != nil {
		t.Fatal(err)
	}
	if report.MetadataUpdated != 1 {
		t.Errorf("MetadataUpdated = %d", report.MetadataUpdated)
	}
	got, _ := env.files.Get(ctx, f.ID)
	if got.Metadata[media.KeyFileType] != "document" {
		t.Errorf("Metadata = %v", got.Metadata)
	}
}

func TestSync_StorageNotRegistered(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	f := env.seedFile(t, "x.txt", []byte("x"), time.Now(), nil)
	f.StorageKey = "archive.storage"
	if err := env.store.Files().Update(ctx, f); err != nil {
		t.Fatal(err)
	}

	report, err := env.sync.RunOnce(ctx, SyncOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if report.IssuesByType[IssueStorageNotFound] != 1 {
		t.Errorf("Расхождения: %v", report.IssuesByType)
	}

	_, err = env.sync.RunOnce(ctx, SyncOptions{StorageKey: "archive.storage"})
	assertCode(t, err, apperrors.CodeStorageNotFound)
}

func TestSync_InProgress(t *testing.T) {
	env := newTestEnv(t)
	env.sync.mu.Lock()
	defer env.sync.mu.Unlock()

	_, err := env.sync.RunOnce(context.Background(), SyncOptions{})
	if !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("Ожидалась ErrSyncInProgress, получено %v", err)
	}
}
