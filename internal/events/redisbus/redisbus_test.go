package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dahovitech/file-manager-bundle/internal/domain/model"
	"github.com/dahovitech/file-manager-bundle/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type published struct {
	channel string
	payload []byte
}

// fakeClient запоминает опубликованные сообщения.
type fakeClient struct {
	sent []published
	err  error
}

func (f *fakeClient) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	f.sent = append(f.sent, published{channel: channel, payload: message.([]byte)})
	cmd.SetVal(1)
	return cmd
}

func TestAttachPublishesPostEvents(t *testing.T) {
	client := &fakeClient{}
	bus := events.NewBus(testLogger())
	New(client, "fm.events", testLogger()).Attach(bus)

	folder := "folder-1"
	file := &model.FileRecord{
		ID: "f1", Filename: "a.png", Path: "docs/x.png", MimeType: "image/png",
		Size: 42, Hash: "abc", FolderID: &folder,
	}
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()

	if err := bus.Before(ctx, events.Event{Type: events.PreUpload, File: file}); err != nil {
		t.Fatalf("Before: %v", err)
	}
	bus.After(ctx, events.Event{Type: events.PostUpload, File: file, StorageKey: "local.storage", OccurredAt: at})
	bus.After(ctx, events.Event{Type: events.PostDelete, File: file, StorageKey: "local.storage", Hard: true, OccurredAt: at})

	if len(client.sent) != 2 {
		t.Fatalf("ожидалось 2 сообщения (только post-события), получено %d", len(client.sent))
	}

	var msg Message
	if err := json.Unmarshal(client.sent[1].payload, &msg); err != nil {
		t.Fatalf("сообщение не JSON: %v", err)
	}
	if client.sent[1].channel != "fm.events" {
		t.Errorf("канал = %q", client.sent[1].channel)
	}
	if msg.Type != events.PostDelete || !msg.Hard || msg.FileID != "f1" || msg.Size != 42 ||
		msg.FolderID == nil || *msg.FolderID != folder || !msg.OccurredAt.Equal(at) {
		t.Errorf("неожиданное сообщение: %+v", msg)
	}
}

func TestPublishError(t *testing.T) {
	client := &fakeClient{err: errors.New("connection refused")}
	p := New(client, "fm.events", testLogger())

	err := p.Publish(context.Background(), events.Event{Type: events.PostUpload, File: &model.FileRecord{ID: "1"}})
	if err == nil {
		t.Fatal("ожидалась ошибка публикации")
	}
}

func TestConnect_InvalidURL(t *testing.T) {
	if _, err := Connect(context.Background(), "http://not-redis"); err == nil {
		t.Error("ожидалась ошибка разбора URL")
	}
}
