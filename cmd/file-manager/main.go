// Точка входа File Manager — ядра управления файлами и папками.
// Загружает конфигурацию, поднимает хранилище метаданных (PostgreSQL
// или память), регистрирует blob-хранилища, разбирает журнал загрузок,
// запускает фоновую очистку, мониторинг зависимостей и служебный
// HTTP-сервер с graceful shutdown.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/dahovitech/file-manager-bundle/internal/api/handlers"
	"github.com/dahovitech/file-manager-bundle/internal/api/middleware"
	"github.com/dahovitech/file-manager-bundle/internal/config"
	"github.com/dahovitech/file-manager-bundle/internal/database"
	"github.com/dahovitech/file-manager-bundle/internal/events"
	"github.com/dahovitech/file-manager-bundle/internal/events/redisbus"
	"github.com/dahovitech/file-manager-bundle/internal/media"
	"github.com/dahovitech/file-manager-bundle/internal/repository"
	"github.com/dahovitech/file-manager-bundle/internal/repository/memrepo"
	"github.com/dahovitech/file-manager-bundle/internal/server"
	"github.com/dahovitech/file-manager-bundle/internal/service"
	"github.com/dahovitech/file-manager-bundle/internal/storage/blob"
	"github.com/dahovitech/file-manager-bundle/internal/storage/filestore"
	"github.com/dahovitech/file-manager-bundle/internal/storage/journal"
	"github.com/dahovitech/file-manager-bundle/internal/storage/s3store"
	"github.com/dahovitech/file-manager-bundle/internal/validation"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	logger := config.SetupLogger(cfg)
	logger.Info("File Manager запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("metadata_store", cfg.MetadataStore),
		slog.String("default_storage", cfg.DefaultStorage),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("File Manager завершился с ошибкой", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("File Manager остановлен")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Хранилище метаданных
	store, pgDB, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// 3. Blob-хранилища
	backends, err := buildBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// 4. Журнал загрузок
	jrnl, err := journal.New(cfg.JournalDir, logger)
	if err != nil {
		return fmt.Errorf("ошибка инициализации журнала: %w", err)
	}

	// 5. Шина событий и публикация в Redis
	bus := events.NewBus(logger)
	closeRedis := attachRedis(ctx, cfg, bus, logger)
	defer closeRedis()

	// 6. Сервисы
	var cache *service.CacheService
	if cfg.CacheEnabled {
		cache = service.NewCacheService(cfg.CacheSize, cfg.CacheTTL)
	}
	deps := service.Deps{
		Store:      store,
		Backends:   backends,
		Checker:    validation.NewChecker(rulesFromConfig(cfg)),
		Structs:    validation.NewStructValidator(),
		Thumbnails: media.NewThumbnailer(cfg.ThumbnailSizes, cfg.ThumbnailQuality, logger),
		Metadata:   media.NewExtractor(logger),
		Events:     bus,
		Cache:      cache,
		Journal:    jrnl,
	}
	opts := service.OptionsFromConfig(cfg)
	files := service.NewFileService(deps, opts, logger)
	folders := service.NewFolderService(deps, files, opts, logger)
	cleanup := service.NewCleanupService(deps, service.CleanupConfigFromConfig(cfg), logger)
	syncSvc := service.NewSyncService(deps, logger)

	// 7. Разбор незавершённых загрузок до приёма новых
	if _, err := files.RecoverJournal(ctx); err != nil {
		return fmt.Errorf("ошибка восстановления журнала: %w", err)
	}

	// 8. Фоновые процессы
	cleanup.Start(ctx)
	defer cleanup.Stop()

	var depHealth handlers.DependencyHealth
	dephealthSvc, err := service.NewDephealthService(
		"file-manager",
		cfg.DephealthGroup,
		service.DephealthTargets{
			DB:          pgDB,
			PostgresURL: cfg.DatabaseURL(),
			S3Endpoint:  cfg.S3Endpoint,
		},
		cfg.DephealthCheckInterval,
		logger,
	)
	switch {
	case err != nil:
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
	default:
		if err := dephealthSvc.Start(ctx); err != nil {
			logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
		} else {
			depHealth = dephealthSvc
			defer dephealthSvc.Stop()
		}
	}

	// 9. HTTP-сервер
	apiHandler := handlers.NewAPIHandler(
		handlers.NewHealthHandler(store, backends, cfg.DefaultStorage, depHealth),
		handlers.NewStatsHandler(files, folders, logger),
		handlers.NewMaintenanceHandler(cleanup, syncSvc, logger),
	)
	srv := server.New(cfg, logger, apiHandler,
		middleware.RequestLogger(logger),
		middleware.MetricsMiddleware(),
	)
	return srv.Run(ctx)
}

// openStore подключает хранилище метаданных. Для PostgreSQL применяет
// миграции и возвращает *sql.DB поверх пула для мониторинга зависимостей.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repository.Store, *sql.DB, func(), error) {
	if cfg.MetadataStore == config.MetadataStoreMemory {
		logger.Warn("Метаданные хранятся в памяти и будут потеряны при остановке")
		return memrepo.New(), nil, func() {}, nil
	}

	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		return nil, nil, nil, fmt.Errorf("ошибка миграций БД: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	pool, err := database.Connect(connectCtx, cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	// Проверка PostgreSQL в topologymetrics идёт через тот же пул
	pgDB := stdlib.OpenDBFromPool(pool)
	closeFn := func() {
		_ = pgDB.Close()
		pool.Close()
	}
	return repository.NewPostgresStore(pool), pgDB, closeFn, nil
}

// buildBackends регистрирует локальное хранилище и, если задан бакет, S3.
func buildBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*blob.Registry, error) {
	reg := blob.NewRegistry()

	local, err := filestore.New(cfg.LocalStorageDir)
	if err != nil {
		return nil, fmt.Errorf("ошибка инициализации локального хранилища: %w", err)
	}
	if err := reg.Register(config.LocalStorageKey, local); err != nil {
		return nil, err
	}

	if cfg.S3Bucket != "" {
		s3, err := s3store.New(ctx, s3store.Config{
			Endpoint:     cfg.S3Endpoint,
			Region:       cfg.S3Region,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			Bucket:       cfg.S3Bucket,
			Prefix:       cfg.S3Prefix,
			UsePathStyle: cfg.S3Endpoint != "",
		})
		if err != nil {
			return nil, fmt.Errorf("ошибка инициализации S3: %w", err)
		}
		if err := reg.Register(config.S3StorageKey, s3); err != nil {
			return nil, err
		}
	}

	if _, ok := reg.Get(cfg.DefaultStorage); !ok {
		return nil, fmt.Errorf("хранилище по умолчанию %q не зарегистрировано, доступны: %v",
			cfg.DefaultStorage, reg.Keys())
	}
	logger.Info("Blob-хранилища зарегистрированы", slog.Any("storages", reg.Keys()))
	return reg, nil
}

// attachRedis подключает публикацию post-событий в Redis.
// Недоступность Redis не мешает запуску: события просто не публикуются.
func attachRedis(ctx context.Context, cfg *config.Config, bus *events.Bus, logger *slog.Logger) func() {
	if cfg.RedisURL == "" {
		return func() {}
	}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := redisbus.Connect(connectCtx, cfg.RedisURL)
	if err != nil {
		logger.Warn("Публикация событий в Redis отключена", slog.String("error", err.Error()))
		return func() {}
	}

	redisbus.New(client, cfg.RedisChannel, logger).Attach(bus)
	logger.Info("Публикация событий в Redis включена", slog.String("channel", cfg.RedisChannel))
	return func() { _ = client.Close() }
}

func rulesFromConfig(cfg *config.Config) validation.Rules {
	return validation.Rules{
		MaxFileSize:         cfg.MaxFileSize,
		MaxDepth:            cfg.MaxFolderDepth,
		AllowedMimeTypes:    cfg.AllowedMimeTypes,
		ForbiddenExtensions: cfg.ForbiddenExtensions,
		MimeExtensions:      cfg.MimeExtensions,
	}
}
