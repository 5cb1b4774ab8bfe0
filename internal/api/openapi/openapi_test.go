package openapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

// recorder запоминает вызванную операцию и привязанные параметры.
type recorder struct {
	called  string
	cleanup RunCleanupParams
	sync    RunSyncParams
}

func (rec *recorder) HealthLive(http.ResponseWriter, *http.Request)    { rec.called = "HealthLive" }
func (rec *recorder) HealthReady(http.ResponseWriter, *http.Request)   { rec.called = "HealthReady" }
func (rec *recorder) GetMetrics(http.ResponseWriter, *http.Request)    { rec.called = "GetMetrics" }
func (rec *recorder) GetStats(http.ResponseWriter, *http.Request)      { rec.called = "GetStats" }
func (rec *recorder) GetFolderTree(http.ResponseWriter, *http.Request) { rec.called = "GetFolderTree" }

func (rec *recorder) RunCleanup(_ http.ResponseWriter, _ *http.Request, params RunCleanupParams) {
	rec.called = "RunCleanup"
	rec.cleanup = params
}

func (rec *recorder) RunSync(_ http.ResponseWriter, _ *http.Request, params RunSyncParams) {
	rec.called = "RunSync"
	rec.sync = params
}

func TestGetSwagger(t *testing.T) {
	doc, err := GetSwagger()
	if err != nil {
		t.Fatalf("Ошибка загрузки контракта: %v", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		t.Fatalf("Контракт невалиден: %v", err)
	}
	if len(SpecYAML()) == 0 {
		t.Error("Исходный текст контракта пуст")
	}
}

// Каждая операция контракта смонтирована и попадает в метод с тем же operationId.
func TestHandlerFromMux_CoversContract(t *testing.T) {
	doc, err := GetSwagger()
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	router := chi.NewRouter()
	HandlerFromMux(rec, router)

	count := 0
	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			count++
			rec.called = ""
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(method, path, nil))
			if rec.called != op.OperationID {
				t.Errorf("%s %s: вызвано %q, ожидалось %q (статус %d)", method, path, rec.called, op.OperationID, w.Code)
			}
		}
	}
	if count != 7 {
		t.Errorf("Операций в контракте %d, ожидалось 7", count)
	}
}

func TestRunCleanup_BindsQuery(t *testing.T) {
	rec := &recorder{}
	router := chi.NewRouter()
	HandlerFromMux(rec, router)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost,
		"/api/v1/maintenance/cleanup?dry_run=true&sweeps=purge,orphans&older_than=48h", nil))

	p := rec.cleanup
	if p.DryRun == nil || !*p.DryRun {
		t.Errorf("dry_run: %v", p.DryRun)
	}
	if p.Sweeps == nil || *p.Sweeps != "purge,orphans" {
		t.Errorf("sweeps: %v", p.Sweeps)
	}
	if p.OlderThan == nil || *p.OlderThan != "48h" {
		t.Errorf("older_than: %v", p.OlderThan)
	}

	rec.cleanup = RunCleanupParams{}
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/maintenance/cleanup", nil))
	if rec.cleanup.DryRun != nil || rec.cleanup.Sweeps != nil || rec.cleanup.OlderThan != nil {
		t.Errorf("Отсутствующие параметры должны остаться nil: %+v", rec.cleanup)
	}
}

func TestRunSync_InvalidBool(t *testing.T) {
	rec := &recorder{}
	var gotErr error
	router := chi.NewRouter()
	HandlerWithOptions(rec, ChiServerOptions{
		BaseRouter: router,
		ErrorHandlerFunc: func(w http.ResponseWriter, _ *http.Request, err error) {
			gotErr = err
			w.WriteHeader(http.StatusBadRequest)
		},
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/maintenance/sync?storage_key=s3&fix_size=yes", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Статус %d, ожидался 400", w.Code)
	}
	if rec.called != "" {
		t.Errorf("Handler не должен вызываться, вызван %s", rec.called)
	}
	var paramErr *InvalidParamFormatError
	if !errors.As(gotErr, &paramErr) || paramErr.ParamName != "fix_size" {
		t.Errorf("Ожидалась ошибка параметра fix_size, получено %v", gotErr)
	}
}
