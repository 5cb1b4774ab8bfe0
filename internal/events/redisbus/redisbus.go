// Пакет redisbus — публикация post-событий файлового менеджера в Redis Pub/Sub.
// Внешние подписчики получают JSON-сообщение на каждый успешный
// upload и delete.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dahovitech/file-manager-bundle/internal/events"
)

// Client — часть redis.Client, нужная публикатору.
type Client interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Message — сообщение, публикуемое в канал.
type Message struct {
	Type       events.Type `json:"type"`
	FileID     string      `json:"file_id"`
	Filename   string      `json:"filename"`
	StorageKey string      `json:"storage_key"`
	Path       string      `json:"path"`
	MimeType   string      `json:"mime_type"`
	Size       int64       `json:"size"`
	Hash       string      `json:"hash"`
	FolderID   *string     `json:"folder_id,omitempty"`
	Hard       bool        `json:"hard,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// Publisher публикует события в канал Redis.
type Publisher struct {
	client  Client
	channel string
	timeout time.Duration
	logger  *slog.Logger
}

// New создаёт публикатора.
func New(client Client, channel string, logger *slog.Logger) *Publisher {
	return &Publisher{
		client:  client,
		channel: channel,
		timeout: 2 * time.Second,
		logger:  logger.With(slog.String("component", "redis_publisher")),
	}
}

// Connect создаёт клиента Redis по URL (redis://[:password@]host:port/db)
// и проверяет соединение.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("некорректный FM_REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Redis недоступен: %w", err)
	}
	return client, nil
}

// Attach подписывает публикатора на post-события шины.
func (p *Publisher) Attach(bus *events.Bus) {
	bus.Subscribe(events.PostUpload, p.Publish)
	bus.Subscribe(events.PostDelete, p.Publish)
}

// Publish отправляет событие в канал. Используется как events.Hook.
func (p *Publisher) Publish(ctx context.Context, ev events.Event) error {
	msg := Message{
		Type:       ev.Type,
		FileID:     ev.File.ID,
		Filename:   ev.File.Filename,
		StorageKey: ev.StorageKey,
		Path:       ev.File.Path,
		MimeType:   ev.File.MimeType,
		Size:       ev.File.Size,
		Hash:       ev.File.Hash,
		FolderID:   ev.File.FolderID,
		Hard:       ev.Hard,
		OccurredAt: ev.OccurredAt,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("ошибка сериализации события: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.client.Publish(pubCtx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("ошибка публикации в канал %s: %w", p.channel, err)
	}

	p.logger.Debug("Событие опубликовано",
		slog.String("event", string(ev.Type)),
		slog.String("file_id", ev.File.ID),
	)
	return nil
}
