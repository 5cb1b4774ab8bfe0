package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/dahovitech/file-manager-bundle/internal/api/handlers"
	"github.com/dahovitech/file-manager-bundle/internal/config"
	"github.com/dahovitech/file-manager-bundle/internal/repository"
	"github.com/dahovitech/file-manager-bundle/internal/service"
	"github.com/dahovitech/file-manager-bundle/internal/storage/blob"
	"github.com/dahovitech/file-manager-bundle/internal/storage/memstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

type emptyStats struct{}

func (emptyStats) Stats(context.Context) (*repository.Stats, error) {
	return repository.NewStats(), nil
}

func (emptyStats) Tree(context.Context) (*service.TreeSnapshot, error) {
	return &service.TreeSnapshot{Folders: []*service.TreeNode{}}, nil
}

type noopCleanup struct{}

func (noopCleanup) RunOnce(context.Context, service.CleanupOptions) (*service.CleanupReport, error) {
	return &service.CleanupReport{}, nil
}

type noopSync struct{}

func (noopSync) RunOnce(context.Context, service.SyncOptions) (*service.SyncReport, error) {
	return &service.SyncReport{}, nil
}

func newTestServer(t *testing.T, middlewares ...func(http.Handler) http.Handler) *Server {
	t.Helper()
	reg := blob.NewRegistry()
	if err := reg.Register("local.storage", memstore.New()); err != nil {
		t.Fatal(err)
	}
	h := handlers.NewAPIHandler(
		handlers.NewHealthHandler(okPinger{}, reg, "local.storage", nil),
		handlers.NewStatsHandler(emptyStats{}, emptyStats{}, testLogger()),
		handlers.NewMaintenanceHandler(noopCleanup{}, noopSync{}, testLogger()),
	)
	cfg := &config.Config{Port: 0, ShutdownTimeout: time.Second}
	return New(cfg, testLogger(), h, middlewares...)
}

func TestServer_RoutesAndMiddlewares(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	srv := newTestServer(t, mw("first"), mw("second"))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Статус %d, ожидался 200", rec.Code)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("Порядок middleware: %v", order)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Неизвестный маршрут: статус %d", rec.Code)
	}
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	srv := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run вернул ошибку: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Сервер не остановился после отмены контекста")
	}
}
