// Пакет config — загрузка и валидация конфигурации File Manager
// из переменных окружения с префиксом FM_.
// Перед чтением переменных подгружается необязательный .env файл.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Хранилища метаданных.
const (
	MetadataStorePostgres = "postgres"
	MetadataStoreMemory   = "memory"
)

// Политики удаления файлов при рекурсивном удалении папки.
const (
	FileDeleteHard = "hard"
	FileDeleteSoft = "soft"
)

// Ключи встроенных хранилищ.
const (
	LocalStorageKey = "local.storage"
	S3StorageKey    = "s3.storage"
)

// DefaultAllowedMimeTypes — типы, разрешённые к загрузке по умолчанию.
var DefaultAllowedMimeTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"application/pdf",
	"text/plain",
	"text/csv",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.ms-excel",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.ms-powerpoint",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"video/mp4",
	"video/avi",
	"video/quicktime",
	"audio/mpeg",
	"audio/wav",
	"audio/ogg",
}

// DefaultMimeExtensions — расширения сгенерированных имён по MIME-типу.
var DefaultMimeExtensions = map[string]string{
	"image/jpeg":      "jpg",
	"image/png":       "png",
	"image/gif":       "gif",
	"image/webp":      "webp",
	"application/pdf": "pdf",
	"text/plain":      "txt",
	"text/csv":        "csv",
	"video/mp4":       "mp4",
	"audio/mpeg":      "mp3",
}

// ThumbnailSize — вариант миниатюры.
type ThumbnailSize struct {
	Name   string
	Width  int
	Height int
}

// Config содержит все параметры конфигурации File Manager.
type Config struct {
	// --- Сервер ---

	// Порт служебного HTTP-сервера (health, metrics, maintenance)
	Port      int
	LogLevel  slog.Level
	LogFormat string

	// --- Хранилище метаданных ---

	// MetadataStore — postgres или memory
	MetadataStore string
	DBHost        string
	DBPort        int
	DBName        string
	DBUser        string
	DBPassword    string
	DBSSLMode     string
	// DBLockTimeout — предел ожидания блокировки строки (SELECT ... FOR UPDATE)
	DBLockTimeout time.Duration
	DBMaxConns    int

	// --- Blob-хранилища ---

	DefaultStorage  string
	LocalStorageDir string
	// S3 регистрируется, только если задан S3Bucket
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Prefix    string

	// --- Валидация ---

	MaxFileSize         int64
	MaxFolderDepth      int
	AllowedMimeTypes    []string
	ForbiddenExtensions []string
	MimeExtensions      map[string]string

	// --- Миниатюры и метаданные ---

	ThumbnailsEnabled bool
	ThumbnailQuality  int
	ThumbnailSizes    []ThumbnailSize
	MetadataEnabled   bool

	// --- Кэш записей ---

	CacheEnabled bool
	CacheSize    int
	CacheTTL     time.Duration

	// --- Временные файлы и журнал ---

	TempDir    string
	JournalDir string

	// --- Очистка ---

	// CleanupInterval — 0 отключает фоновую очистку
	CleanupInterval     time.Duration
	CleanupDryRun       bool
	RetentionPeriod     time.Duration
	OrphanMinAge        time.Duration
	RecursiveFileDelete string
	JournalRetention    time.Duration

	// --- События ---

	// RedisURL — пустое значение отключает публикацию событий
	RedisURL     string
	RedisChannel string

	// --- Мониторинг зависимостей ---

	DephealthCheckInterval time.Duration
	DephealthGroup         string

	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения.
// Если существует файл FM_ENV_FILE (по умолчанию .env), его значения
// подставляются только для ещё не заданных переменных.
func Load() (*Config, error) {
	if err := loadEnvFile(getEnvDefault("FM_ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	cfg := &Config{}
	var err error

	// --- Сервер ---

	cfg.Port, err = getEnvInt("FM_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("FM_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("FM_PORT: значение %d вне диапазона 1-65535", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("FM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("FM_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("FM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("FM_LOG_FORMAT: недопустимый формат %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- Хранилище метаданных ---

	cfg.MetadataStore = getEnvDefault("FM_METADATA_STORE", MetadataStorePostgres)
	switch cfg.MetadataStore {
	case MetadataStorePostgres:
		cfg.DBHost = getEnvDefault("FM_DB_HOST", "localhost")
		cfg.DBPort, err = getEnvInt("FM_DB_PORT", 5432)
		if err != nil {
			return nil, fmt.Errorf("FM_DB_PORT: %w", err)
		}
		cfg.DBName = getEnvDefault("FM_DB_NAME", "filemanager")
		cfg.DBUser = getEnvDefault("FM_DB_USER", "filemanager")
		cfg.DBPassword, err = getEnvRequired("FM_DB_PASSWORD")
		if err != nil {
			return nil, err
		}
		cfg.DBSSLMode = getEnvDefault("FM_DB_SSL_MODE", "disable")
		cfg.DBLockTimeout, err = getEnvDuration("FM_DB_LOCK_TIMEOUT", 10*time.Second)
		if err != nil {
			return nil, fmt.Errorf("FM_DB_LOCK_TIMEOUT: %w", err)
		}
		cfg.DBMaxConns, err = getEnvInt("FM_DB_MAX_CONNS", 10)
		if err != nil {
			return nil, fmt.Errorf("FM_DB_MAX_CONNS: %w", err)
		}
		if cfg.DBMaxConns < 1 {
			return nil, fmt.Errorf("FM_DB_MAX_CONNS: должно быть не меньше 1, получено %d", cfg.DBMaxConns)
		}
	case MetadataStoreMemory:
	default:
		return nil, fmt.Errorf("FM_METADATA_STORE: недопустимое значение %q, допустимые: postgres, memory", cfg.MetadataStore)
	}

	// --- Blob-хранилища ---

	cfg.LocalStorageDir = getEnvDefault("FM_LOCAL_STORAGE_DIR", "./var/uploads")
	cfg.S3Bucket = os.Getenv("FM_S3_BUCKET")
	cfg.S3Region = getEnvDefault("FM_S3_REGION", "us-east-1")
	cfg.S3Endpoint = os.Getenv("FM_S3_ENDPOINT")
	cfg.S3AccessKey = os.Getenv("FM_S3_ACCESS_KEY")
	cfg.S3SecretKey = os.Getenv("FM_S3_SECRET_KEY")
	cfg.S3Prefix = os.Getenv("FM_S3_PREFIX")
	if cfg.S3Bucket != "" && (cfg.S3AccessKey == "" || cfg.S3SecretKey == "") {
		return nil, fmt.Errorf("FM_S3_ACCESS_KEY и FM_S3_SECRET_KEY обязательны при заданном FM_S3_BUCKET")
	}

	cfg.DefaultStorage = getEnvDefault("FM_DEFAULT_STORAGE", LocalStorageKey)
	if cfg.DefaultStorage == S3StorageKey && cfg.S3Bucket == "" {
		return nil, fmt.Errorf("FM_DEFAULT_STORAGE: хранилище %s требует FM_S3_BUCKET", S3StorageKey)
	}
	if cfg.DefaultStorage != LocalStorageKey && cfg.DefaultStorage != S3StorageKey {
		return nil, fmt.Errorf("FM_DEFAULT_STORAGE: неизвестное хранилище %q", cfg.DefaultStorage)
	}

	// --- Валидация ---

	cfg.MaxFileSize, err = getEnvInt64("FM_MAX_FILE_SIZE", 50*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("FM_MAX_FILE_SIZE: %w", err)
	}
	if cfg.MaxFileSize <= 0 {
		return nil, fmt.Errorf("FM_MAX_FILE_SIZE: значение должно быть > 0")
	}

	cfg.MaxFolderDepth, err = getEnvInt("FM_MAX_FOLDER_DEPTH", 10)
	if err != nil {
		return nil, fmt.Errorf("FM_MAX_FOLDER_DEPTH: %w", err)
	}
	if cfg.MaxFolderDepth < 0 {
		return nil, fmt.Errorf("FM_MAX_FOLDER_DEPTH: значение должно быть >= 0")
	}

	cfg.AllowedMimeTypes = getEnvList("FM_ALLOWED_MIME_TYPES", DefaultAllowedMimeTypes)
	cfg.ForbiddenExtensions = getEnvList("FM_FORBIDDEN_EXTENSIONS",
		[]string{"exe", "bat", "cmd", "com", "pif", "scr", "vbs", "js", "jar", "ws", "wsf"})
	cfg.MimeExtensions = DefaultMimeExtensions

	// --- Миниатюры и метаданные ---

	cfg.ThumbnailsEnabled, err = getEnvBool("FM_THUMBNAILS_ENABLED", true)
	if err != nil {
		return nil, fmt.Errorf("FM_THUMBNAILS_ENABLED: %w", err)
	}
	cfg.ThumbnailQuality, err = getEnvInt("FM_THUMBNAIL_QUALITY", 85)
	if err != nil {
		return nil, fmt.Errorf("FM_THUMBNAIL_QUALITY: %w", err)
	}
	if cfg.ThumbnailQuality < 1 || cfg.ThumbnailQuality > 100 {
		return nil, fmt.Errorf("FM_THUMBNAIL_QUALITY: значение %d вне диапазона 1-100", cfg.ThumbnailQuality)
	}
	cfg.ThumbnailSizes, err = parseThumbnailSizes(getEnvDefault("FM_THUMBNAIL_SIZES", "small=150x150,medium=300x300,large=600x600"))
	if err != nil {
		return nil, fmt.Errorf("FM_THUMBNAIL_SIZES: %w", err)
	}
	cfg.MetadataEnabled, err = getEnvBool("FM_METADATA_ENABLED", true)
	if err != nil {
		return nil, fmt.Errorf("FM_METADATA_ENABLED: %w", err)
	}

	// --- Кэш ---

	cfg.CacheEnabled, err = getEnvBool("FM_CACHE_ENABLED", true)
	if err != nil {
		return nil, fmt.Errorf("FM_CACHE_ENABLED: %w", err)
	}
	cfg.CacheSize, err = getEnvInt("FM_CACHE_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("FM_CACHE_SIZE: %w", err)
	}
	if cfg.CacheEnabled && cfg.CacheSize <= 0 {
		return nil, fmt.Errorf("FM_CACHE_SIZE: значение должно быть > 0")
	}
	cfg.CacheTTL, err = getEnvDuration("FM_CACHE_TTL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("FM_CACHE_TTL: %w", err)
	}

	// --- Временные файлы и журнал ---

	cfg.TempDir = getEnvDefault("FM_TEMP_DIR", os.TempDir())
	cfg.JournalDir = getEnvDefault("FM_JOURNAL_DIR", filepath.Join("var", "journal"))

	// --- Очистка ---

	cfg.CleanupInterval, err = getEnvDuration("FM_CLEANUP_INTERVAL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("FM_CLEANUP_INTERVAL: %w", err)
	}
	if cfg.CleanupInterval < 0 {
		return nil, fmt.Errorf("FM_CLEANUP_INTERVAL: значение должно быть >= 0")
	}
	cfg.CleanupDryRun, err = getEnvBool("FM_CLEANUP_DRY_RUN", false)
	if err != nil {
		return nil, fmt.Errorf("FM_CLEANUP_DRY_RUN: %w", err)
	}
	cfg.RetentionPeriod, err = getEnvDuration("FM_RETENTION_PERIOD", 30*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("FM_RETENTION_PERIOD: %w", err)
	}
	cfg.OrphanMinAge, err = getEnvDuration("FM_ORPHAN_MIN_AGE", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("FM_ORPHAN_MIN_AGE: %w", err)
	}
	cfg.JournalRetention, err = getEnvDuration("FM_JOURNAL_RETENTION", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("FM_JOURNAL_RETENTION: %w", err)
	}

	cfg.RecursiveFileDelete = strings.ToLower(getEnvDefault("FM_RECURSIVE_FILE_DELETE", FileDeleteHard))
	if cfg.RecursiveFileDelete != FileDeleteHard && cfg.RecursiveFileDelete != FileDeleteSoft {
		return nil, fmt.Errorf("FM_RECURSIVE_FILE_DELETE: недопустимое значение %q, допустимые: hard, soft", cfg.RecursiveFileDelete)
	}

	// --- События ---

	cfg.RedisURL = os.Getenv("FM_REDIS_URL")
	cfg.RedisChannel = getEnvDefault("FM_REDIS_CHANNEL", "file-manager.events")

	// --- Мониторинг зависимостей ---

	cfg.DephealthCheckInterval, err = getEnvDuration("FM_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FM_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthGroup = getEnvDefault("FM_DEPHEALTH_GROUP", "file-manager")

	cfg.ShutdownTimeout, err = getEnvDuration("FM_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FM_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения к PostgreSQL (для dephealth).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%d/%s", c.DBHost, c.DBPort, c.DBName)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// loadEnvFile подгружает .env файл. Отсутствие файла не ошибка.
func loadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("ошибка чтения %s: %w", path, err)
	}
	return nil
}

func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q (допустимые: true, false, 1, 0)", val)
	}
	return b, nil
}

// getEnvList возвращает список из переменной, разделённой запятыми.
func getEnvList(key string, defaultVal []string) []string {
	items := parseCSV(os.Getenv(key))
	if len(items) == 0 {
		return defaultVal
	}
	return items
}

func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// parseThumbnailSizes разбирает "small=150x150,medium=300x300".
func parseThumbnailSizes(s string) ([]ThumbnailSize, error) {
	items := parseCSV(s)
	if len(items) == 0 {
		return nil, fmt.Errorf("список размеров пуст")
	}

	seen := make(map[string]bool, len(items))
	result := make([]ThumbnailSize, 0, len(items))
	for _, item := range items {
		name, dims, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("некорректный размер %q, ожидается name=WxH", item)
		}
		name = strings.TrimSpace(name)
		w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(dims)), "x")
		if !ok || name == "" {
			return nil, fmt.Errorf("некорректный размер %q, ожидается name=WxH", item)
		}
		width, errW := strconv.Atoi(w)
		height, errH := strconv.Atoi(h)
		if errW != nil || errH != nil || width <= 0 || height <= 0 {
			return nil, fmt.Errorf("некорректные размеры %q", dims)
		}
		if seen[name] {
			return nil, fmt.Errorf("размер %q указан дважды", name)
		}
		seen[name] = true
		result = append(result, ThumbnailSize{Name: name, Width: width, Height: height})
	}
	return result, nil
}
