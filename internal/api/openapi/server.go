package openapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
)

// RunCleanupParams — query-параметры POST /api/v1/maintenance/cleanup.
type RunCleanupParams struct {
	// DryRun — только отчёт, без изменений
	DryRun *bool `form:"dry_run,omitempty" json:"dry_run,omitempty"`
	// Sweeps — проходы через запятую, пусто = все
	Sweeps *string `form:"sweeps,omitempty" json:"sweeps,omitempty"`
	// OlderThan — окно хранения для purge, например 720h
	OlderThan *string `form:"older_than,omitempty" json:"older_than,omitempty"`
}

// RunSyncParams — query-параметры POST /api/v1/maintenance/sync.
type RunSyncParams struct {
	StorageKey           *string `form:"storage_key,omitempty" json:"storage_key,omitempty"`
	DryRun               *bool   `form:"dry_run,omitempty" json:"dry_run,omitempty"`
	FixMissing           *bool   `form:"fix_missing,omitempty" json:"fix_missing,omitempty"`
	FixSize              *bool   `form:"fix_size,omitempty" json:"fix_size,omitempty"`
	VerifyChecksum       *bool   `form:"verify_checksum,omitempty" json:"verify_checksum,omitempty"`
	RegenerateThumbnails *bool   `form:"regenerate_thumbnails,omitempty" json:"regenerate_thumbnails,omitempty"`
	UpdateMetadata       *bool   `form:"update_metadata,omitempty" json:"update_metadata,omitempty"`
}

// ServerInterface — операции контракта. Имена совпадают с operationId.
type ServerInterface interface {
	// (GET /health/live)
	HealthLive(w http.ResponseWriter, r *http.Request)
	// (GET /health/ready)
	HealthReady(w http.ResponseWriter, r *http.Request)
	// (GET /metrics)
	GetMetrics(w http.ResponseWriter, r *http.Request)
	// (GET /api/v1/stats)
	GetStats(w http.ResponseWriter, r *http.Request)
	// (GET /api/v1/folders/tree)
	GetFolderTree(w http.ResponseWriter, r *http.Request)
	// (POST /api/v1/maintenance/cleanup)
	RunCleanup(w http.ResponseWriter, r *http.Request, params RunCleanupParams)
	// (POST /api/v1/maintenance/sync)
	RunSync(w http.ResponseWriter, r *http.Request, params RunSyncParams)
}

// MiddlewareFunc — middleware отдельной операции.
type MiddlewareFunc func(http.Handler) http.Handler

// InvalidParamFormatError — параметр не соответствует схеме контракта.
type InvalidParamFormatError struct {
	ParamName string
	Err       error
}

func (e *InvalidParamFormatError) Error() string {
	return fmt.Sprintf("некорректный параметр %s: %s", e.ParamName, e.Err.Error())
}

func (e *InvalidParamFormatError) Unwrap() error {
	return e.Err
}

// ServerInterfaceWrapper разбирает параметры запроса и вызывает Handler.
type ServerInterfaceWrapper struct {
	Handler            ServerInterface
	HandlerMiddlewares []MiddlewareFunc
	ErrorHandlerFunc   func(w http.ResponseWriter, r *http.Request, err error)
}

func (siw *ServerInterfaceWrapper) serve(w http.ResponseWriter, r *http.Request, fn http.HandlerFunc) {
	handler := http.Handler(fn)
	for _, middleware := range siw.HandlerMiddlewares {
		handler = middleware(handler)
	}
	handler.ServeHTTP(w, r)
}

// bindQuery привязывает необязательный query-параметр стиля form.
// false — ошибка уже записана в ответ.
func (siw *ServerInterfaceWrapper) bindQuery(w http.ResponseWriter, r *http.Request, name string, dest any) bool {
	if err := runtime.BindQueryParameter("form", true, false, name, r.URL.Query(), dest); err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: name, Err: err})
		return false
	}
	return true
}

func (siw *ServerInterfaceWrapper) HealthLive(w http.ResponseWriter, r *http.Request) {
	siw.serve(w, r, siw.Handler.HealthLive)
}

func (siw *ServerInterfaceWrapper) HealthReady(w http.ResponseWriter, r *http.Request) {
	siw.serve(w, r, siw.Handler.HealthReady)
}

func (siw *ServerInterfaceWrapper) GetMetrics(w http.ResponseWriter, r *http.Request) {
	siw.serve(w, r, siw.Handler.GetMetrics)
}

func (siw *ServerInterfaceWrapper) GetStats(w http.ResponseWriter, r *http.Request) {
	siw.serve(w, r, siw.Handler.GetStats)
}

func (siw *ServerInterfaceWrapper) GetFolderTree(w http.ResponseWriter, r *http.Request) {
	siw.serve(w, r, siw.Handler.GetFolderTree)
}

func (siw *ServerInterfaceWrapper) RunCleanup(w http.ResponseWriter, r *http.Request) {
	var params RunCleanupParams
	if !siw.bindQuery(w, r, "dry_run", &params.DryRun) ||
		!siw.bindQuery(w, r, "sweeps", &params.Sweeps) ||
		!siw.bindQuery(w, r, "older_than", &params.OlderThan) {
		return
	}
	siw.serve(w, r, func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.RunCleanup(w, r, params)
	})
}

func (siw *ServerInterfaceWrapper) RunSync(w http.ResponseWriter, r *http.Request) {
	var params RunSyncParams
	bindings := []struct {
		name string
		dest any
	}{
		{"storage_key", &params.StorageKey},
		{"dry_run", &params.DryRun},
		{"fix_missing", &params.FixMissing},
		{"fix_size", &params.FixSize},
		{"verify_checksum", &params.VerifyChecksum},
		{"regenerate_thumbnails", &params.RegenerateThumbnails},
		{"update_metadata", &params.UpdateMetadata},
	}
	for _, b := range bindings {
		if !siw.bindQuery(w, r, b.name, b.dest) {
			return
		}
	}
	siw.serve(w, r, func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.RunSync(w, r, params)
	})
}

// ChiServerOptions — настройки монтирования контракта в chi.
type ChiServerOptions struct {
	BaseURL          string
	BaseRouter       chi.Router
	Middlewares      []MiddlewareFunc
	ErrorHandlerFunc func(w http.ResponseWriter, r *http.Request, err error)
}

// HandlerFromMux монтирует все операции в существующий роутер.
func HandlerFromMux(si ServerInterface, r chi.Router) http.Handler {
	return HandlerWithOptions(si, ChiServerOptions{BaseRouter: r})
}

// HandlerWithOptions монтирует операции с заданными настройками.
// Без ErrorHandlerFunc ошибки параметров отдаются как 400 text/plain.
func HandlerWithOptions(si ServerInterface, options ChiServerOptions) http.Handler {
	r := options.BaseRouter
	if r == nil {
		r = chi.NewRouter()
	}
	if options.ErrorHandlerFunc == nil {
		options.ErrorHandlerFunc = func(w http.ResponseWriter, _ *http.Request, err error) {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	}
	wrapper := ServerInterfaceWrapper{
		Handler:            si,
		HandlerMiddlewares: options.Middlewares,
		ErrorHandlerFunc:   options.ErrorHandlerFunc,
	}

	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/health/live", wrapper.HealthLive)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/health/ready", wrapper.HealthReady)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/metrics", wrapper.GetMetrics)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/api/v1/stats", wrapper.GetStats)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/api/v1/folders/tree", wrapper.GetFolderTree)
	})
	r.Group(func(r chi.Router) {
		r.Post(options.BaseURL+"/api/v1/maintenance/cleanup", wrapper.RunCleanup)
	})
	r.Group(func(r chi.Router) {
		r.Post(options.BaseURL+"/api/v1/maintenance/sync", wrapper.RunSync)
	})

	return r
}
