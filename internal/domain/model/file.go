// Пакет model — доменные модели файлового менеджера.
// FileRecord и FolderRecord — долговременные метаданные файлов и дерева папок.
// Связи между ними хранятся через идентификаторы (FolderID, ParentID),
// навигация по дереву — в пакете tree.
package model

import (
	"path"
	"strings"
	"time"
)

// FileRecord — метаданные одного загруженного файла.
type FileRecord struct {
	// ID — уникальный идентификатор (UUID v4), назначается при создании
	ID string `json:"id"`

	// Filename — отображаемое имя файла (исходное имя при загрузке)
	Filename string `json:"filename" validate:"required,max=255"`

	// StorageKey — ключ blob-хранилища, в котором лежит файл
	StorageKey string `json:"storage_key" validate:"required,max=50"`

	// Path — путь blob внутри хранилища
	Path string `json:"path" validate:"required,max=500"`

	MimeType string `json:"mime_type" validate:"required,max=100"`

	// Size — размер в байтах, > 0 для активных записей
	Size int64 `json:"size" validate:"gte=0"`

	// Hash — SHA-256 содержимого (hex), уникален среди активных записей
	Hash string `json:"hash" validate:"required,len=64,hexadecimal"`

	// ThumbnailPath — путь основной миниатюры (вариант medium), если есть
	ThumbnailPath string `json:"thumbnail_path,omitempty" validate:"max=500"`

	// FolderID — папка-владелец, nil = корень
	FolderID *string `json:"folder_id,omitempty"`

	Description string   `json:"description,omitempty" validate:"max=500"`
	Tags        []string `json:"tags,omitempty" validate:"dive,max=100"`
	IsPublic    bool     `json:"is_public"`

	// Version — номер версии, начинается с 1
	Version int `json:"version" validate:"min=1"`

	IsDeleted bool       `json:"is_deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	// Metadata — извлечённые атрибуты (непрозрачная карта)
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsActive возвращает true, если запись не удалена.
func (f *FileRecord) IsActive() bool {
	return !f.IsDeleted
}

// MarkDeleted выполняет мягкое удаление: флаг и время выставляются вместе.
func (f *FileRecord) MarkDeleted(now time.Time) {
	t := now.UTC()
	f.IsDeleted = true
	f.DeletedAt = &t
	f.UpdatedAt = t
}

// Restore снимает пометку удаления: флаг и время сбрасываются вместе.
func (f *FileRecord) Restore(now time.Time) {
	f.IsDeleted = false
	f.DeletedAt = nil
	f.UpdatedAt = now.UTC()
}

// DeletedBefore сообщает, что запись удалена раньше момента t.
func (f *FileRecord) DeletedBefore(t time.Time) bool {
	return f.IsDeleted && f.DeletedAt != nil && f.DeletedAt.Before(t)
}

// IsImage возвращает true для MIME-типов image/*.
func (f *FileRecord) IsImage() bool {
	return strings.HasPrefix(f.MimeType, "image/")
}

func (f *FileRecord) IsVideo() bool {
	return strings.HasPrefix(f.MimeType, "video/")
}

func (f *FileRecord) IsAudio() bool {
	return strings.HasPrefix(f.MimeType, "audio/")
}

func (f *FileRecord) IsPDF() bool {
	return f.MimeType == "application/pdf"
}

// IsDocument возвращает true для документов (PDF, офисные форматы, текст).
func (f *FileRecord) IsDocument() bool {
	switch f.MimeType {
	case "application/pdf",
		"application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.ms-excel",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.ms-powerpoint",
		"application/vnd.openxmlformats-officedocument.presentationml.presentation",
		"text/plain",
		"text/csv":
		return true
	}
	return false
}

// Kind возвращает категорию файла: image, video, audio, pdf, document или other.
func (f *FileRecord) Kind() string {
	switch {
	case f.IsImage():
		return "image"
	case f.IsVideo():
		return "video"
	case f.IsAudio():
		return "audio"
	case f.IsPDF():
		return "pdf"
	case f.IsDocument():
		return "document"
	}
	return "other"
}

// Extension возвращает расширение хранимого файла без точки, в нижнем регистре.
func (f *FileRecord) Extension() string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(f.Path), "."))
}

// InFolder сообщает, лежит ли файл в папке folderID (nil = корень).
func (f *FileRecord) InFolder(folderID *string) bool {
	if f.FolderID == nil || folderID == nil {
		return f.FolderID == nil && folderID == nil
	}
	return *f.FolderID == *folderID
}

// Clone возвращает глубокую копию записи.
func (f *FileRecord) Clone() *FileRecord {
	if f == nil {
		return nil
	}
	cp := *f
	if f.FolderID != nil {
		id := *f.FolderID
		cp.FolderID = &id
	}
	if f.DeletedAt != nil {
		t := *f.DeletedAt
		cp.DeletedAt = &t
	}
	if f.Tags != nil {
		cp.Tags = append([]string(nil), f.Tags...)
	}
	if f.Metadata != nil {
		cp.Metadata = make(map[string]any, len(f.Metadata))
		for k, v := range f.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
