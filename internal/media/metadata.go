package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/dahovitech/file-manager-bundle/internal/domain/model"
	"github.com/dahovitech/file-manager-bundle/internal/storage/blob"
)

// Ключи карты метаданных.
const (
	KeyExtractedAt  = "extracted_at"
	KeyFileType     = "file_type"
	KeyDetectedMime = "detected_mime_type"
	KeyMimeMismatch = "mime_mismatch"
	KeyWidth        = "width"
	KeyHeight       = "height"
	KeyFormat       = "format"
)

// sniffLimit — сколько байт заголовка читается для определения типа.
const sniffLimit = 3072

// Extractor извлекает метаданные файла из его содержимого.
type Extractor struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewExtractor создаёт экстрактор метаданных.
func NewExtractor(logger *slog.Logger) *Extractor {
	return &Extractor{
		logger: logger.With(slog.String("component", "metadata_extractor")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Extract возвращает карту метаданных. Базовые ключи (extracted_at,
// file_type) присутствуют всегда, даже при ошибке чтения содержимого:
// в этом случае возвращается частичная карта вместе с ошибкой.
func (e *Extractor) Extract(ctx context.Context, f *model.FileRecord, backend blob.Backend) (map[string]any, error) {
	meta := map[string]any{
		KeyExtractedAt: e.now().Format(time.RFC3339),
		KeyFileType:    f.Kind(),
	}

	rc, err := backend.Read(ctx, f.Path)
	if err != nil {
		return meta, fmt.Errorf("ошибка чтения %s: %w", f.Path, err)
	}
	defer rc.Close()

	head, err := io.ReadAll(io.LimitReader(rc, sniffLimit))
	if err != nil {
		return meta, fmt.Errorf("ошибка чтения заголовка %s: %w", f.Path, err)
	}

	detected := mimetype.Detect(head)
	meta[KeyDetectedMime] = detected.String()
	if !detected.Is(f.MimeType) {
		meta[KeyMimeMismatch] = true
		e.logger.Debug("Объявленный MIME-тип не совпадает с содержимым",
			slog.String("file_id", f.ID),
			slog.String("declared", f.MimeType),
			slog.String("detected", detected.String()),
		)
	}

	if f.IsImage() {
		// Заголовок может не уместиться в sniffLimit (например, JPEG с большим EXIF),
		// поэтому декодер дочитывает остаток потока.
		cfg, format, err := image.DecodeConfig(io.MultiReader(bytes.NewReader(head), rc))
		if err != nil {
			return meta, fmt.Errorf("не удалось прочитать размеры изображения %s: %w", f.Path, err)
		}
		meta[KeyWidth] = cfg.Width
		meta[KeyHeight] = cfg.Height
		meta[KeyFormat] = format
	}

	return meta, nil
}
