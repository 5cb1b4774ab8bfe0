// Пакет media — производные данные файлов: миниатюры изображений
// и извлечение метаданных. Обе операции best-effort: вызывающий
// логирует ошибку и продолжает работу.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif" // регистрация декодера GIF
	"image/jpeg"
	_ "image/png" // регистрация декодера PNG
	"log/slog"
	"path"
	"strings"

	"github.com/dahovitech/file-manager-bundle/internal/config"
	"github.com/dahovitech/file-manager-bundle/internal/domain/model"
	"github.com/dahovitech/file-manager-bundle/internal/storage/blob"
)

// PrimarySize — вариант, путь которого сохраняется в FileRecord.ThumbnailPath.
const PrimarySize = "medium"

// thumbnailsDir — поддиректория миниатюр рядом с оригиналом.
const thumbnailsDir = "thumbnails"

// Thumbnailer генерирует JPEG-миниатюры изображений во все настроенные размеры.
type Thumbnailer struct {
	sizes   []config.ThumbnailSize
	quality int
	logger  *slog.Logger
}

// NewThumbnailer создаёт генератор миниатюр.
func NewThumbnailer(sizes []config.ThumbnailSize, quality int, logger *slog.Logger) *Thumbnailer {
	return &Thumbnailer{
		sizes:   sizes,
		quality: quality,
		logger:  logger.With(slog.String("component", "thumbnailer")),
	}
}

// ThumbnailPath возвращает путь варианта size:
// {dir}/thumbnails/{size}/{basename}_{id}.jpg, для корня — thumbnails/{size}/...
func ThumbnailPath(f *model.FileRecord, size string) string {
	dir := path.Dir(f.Path)
	base := strings.TrimSuffix(path.Base(f.Path), path.Ext(f.Path))
	name := fmt.Sprintf("%s_%s.jpg", base, f.ID)
	if dir == "." || dir == "/" {
		return path.Join(thumbnailsDir, size, name)
	}
	return path.Join(dir, thumbnailsDir, size, name)
}

// Paths возвращает пути всех вариантов миниатюр файла.
// Для не-изображений — nil.
func (t *Thumbnailer) Paths(f *model.FileRecord) []string {
	if !f.IsImage() {
		return nil
	}
	paths := make([]string, 0, len(t.sizes))
	for _, s := range t.sizes {
		paths = append(paths, ThumbnailPath(f, s.Name))
	}
	return paths
}

// primaryName — имя основного варианта: medium, если он настроен, иначе первый.
func (t *Thumbnailer) primaryName() string {
	for _, s := range t.sizes {
		if s.Name == PrimarySize {
			return s.Name
		}
	}
	if len(t.sizes) > 0 {
		return t.sizes[0].Name
	}
	return ""
}

// Generate читает оригинал из хранилища и записывает миниатюры.
// Возвращает путь основного варианта и все записанные пути. Для
// не-изображений ничего не делает. При ошибке на одном из вариантов
// уже записанные пути всё равно возвращаются, чтобы их можно было удалить.
func (t *Thumbnailer) Generate(ctx context.Context, f *model.FileRecord, backend blob.Backend) (string, []string, error) {
	if !f.IsImage() || len(t.sizes) == 0 {
		return "", nil, nil
	}

	rc, err := backend.Read(ctx, f.Path)
	if err != nil {
		return "", nil, fmt.Errorf("ошибка чтения оригинала %s: %w", f.Path, err)
	}
	src, _, err := image.Decode(rc)
	rc.Close()
	if err != nil {
		return "", nil, fmt.Errorf("не удалось декодировать изображение %s: %w", f.Path, err)
	}

	primary := ""
	primaryName := t.primaryName()
	var written []string
	for _, s := range t.sizes {
		var buf bytes.Buffer
		thumb := fitWithin(src, s.Width, s.Height)
		if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: t.quality}); err != nil {
			return primary, written, fmt.Errorf("ошибка кодирования миниатюры %s: %w", s.Name, err)
		}

		p := ThumbnailPath(f, s.Name)
		if err := backend.Write(ctx, p, &buf, int64(buf.Len())); err != nil {
			return primary, written, fmt.Errorf("ошибка записи миниатюры %s: %w", p, err)
		}
		written = append(written, p)
		if s.Name == primaryName {
			primary = p
		}

		t.logger.Debug("Миниатюра создана",
			slog.String("file_id", f.ID),
			slog.String("size", s.Name),
			slog.Int("width", thumb.Bounds().Dx()),
			slog.Int("height", thumb.Bounds().Dy()),
		)
	}
	return primary, written, nil
}

// Delete удаляет все варианты миниатюр файла. Отсутствующие варианты
// не считаются ошибкой. Возвращает объединённую ошибку по вариантам,
// которые удалить не удалось.
func (t *Thumbnailer) Delete(ctx context.Context, f *model.FileRecord, backend blob.Backend) error {
	var errs []error
	for _, p := range t.Paths(f) {
		if err := backend.Delete(ctx, p); err != nil && !errors.Is(err, blob.ErrNotFound) {
			t.logger.Warn("Ошибка удаления миниатюры",
				slog.String("file_id", f.ID),
				slog.String("path", p),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// fitWithin вписывает изображение в прямоугольник maxW×maxH с сохранением
// пропорций. Маленькие изображения не увеличиваются. Прозрачность
// заменяется белым фоном (JPEG без альфа-канала).
func fitWithin(src image.Image, maxW, maxH int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return image.NewRGBA(image.Rect(0, 0, 1, 1))
	}

	newW, newH := w, h
	if w > maxW || h > maxH {
		// Масштаб = min(maxW/w, maxH/h) в целочисленной арифметике
		if w*maxH > h*maxW {
			newW = maxW
			newH = h * maxW / w
		} else {
			newH = maxH
			newW = w * maxH / h
		}
	}
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}

	scaled := image.NewRGBA(image.Rect(0, 0, newW, newH))
	for y := 0; y < newH; y++ {
		for x := 0; x < newW; x++ {
			scaled.Set(x, y, src.At(b.Min.X+x*w/newW, b.Min.Y+y*h/newH))
		}
	}

	out := image.NewRGBA(scaled.Bounds())
	draw.Draw(out, out.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(out, out.Bounds(), scaled, image.Point{}, draw.Over)
	return out
}
