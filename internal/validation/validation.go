// Пакет validation — проверка загружаемых файлов и имён папок,
// генерация безопасных имён и путей хранения.
package validation

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dahovitech/file-manager-bundle/internal/apperrors"
	"github.com/dahovitech/file-manager-bundle/internal/storage/blob"
)

// MaxNameLength — максимальная длина имени файла или папки (в символах).
const MaxNameLength = 255

// fallbackExtension — расширение, если определить его не удалось.
const fallbackExtension = "bin"

// Запрещённые последовательности в исходном имени файла.
var forbiddenFilenameParts = []string{"/", "\\", "..", "<", ">", ":", "\"", "|", "?", "*"}

// Запрещённые символы в имени папки.
const forbiddenFolderChars = "/\\:*?\"<>|"

// Rules — параметры проверки, задаются из конфигурации.
type Rules struct {
	// MaxFileSize — максимальный размер файла в байтах
	MaxFileSize int64
	// MaxDepth — максимальная глубина вложенности папок
	MaxDepth int
	// AllowedMimeTypes — разрешённые MIME-типы
	AllowedMimeTypes []string
	// ForbiddenExtensions — запрещённые расширения (без точки)
	ForbiddenExtensions []string
	// MimeExtensions — соответствие MIME-типа расширению хранимого файла
	MimeExtensions map[string]string
}

// Checker применяет Rules. Безопасен для конкурентного использования.
type Checker struct {
	maxFileSize int64
	maxDepth    int
	allowed     map[string]bool
	forbidden   map[string]bool
	extensions  map[string]string
	now         func() time.Time
}

// NewChecker создаёт Checker из правил.
func NewChecker(rules Rules) *Checker {
	c := &Checker{
		maxFileSize: rules.MaxFileSize,
		maxDepth:    rules.MaxDepth,
		allowed:     make(map[string]bool, len(rules.AllowedMimeTypes)),
		forbidden:   make(map[string]bool, len(rules.ForbiddenExtensions)),
		extensions:  make(map[string]string, len(rules.MimeExtensions)),
		now:         time.Now,
	}
	for _, m := range rules.AllowedMimeTypes {
		c.allowed[strings.ToLower(strings.TrimSpace(m))] = true
	}
	for _, e := range rules.ForbiddenExtensions {
		c.forbidden[strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))] = true
	}
	for m, e := range rules.MimeExtensions {
		c.extensions[strings.ToLower(m)] = strings.ToLower(e)
	}
	return c
}

// MaxFileSize возвращает лимит размера файла.
func (c *Checker) MaxFileSize() int64 {
	return c.maxFileSize
}

// MaxDepth возвращает лимит глубины папок.
func (c *Checker) MaxDepth() int {
	return c.maxDepth
}

// ValidateUploadCandidate проверяет тип, размер и исходное имя файла.
// Ошибки: INVALID_TYPE, TOO_LARGE, INVALID_NAME, VALIDATION_FAILED.
func (c *Checker) ValidateUploadCandidate(mimeType string, size int64, originalFilename string) error {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if !c.allowed[mt] {
		return apperrors.New(apperrors.CodeInvalidType,
			"MIME-тип %q не входит в список разрешённых", mimeType)
	}

	if size <= 0 {
		return apperrors.New(apperrors.CodeValidationFailed,
			"размер файла должен быть положительным, получено %d", size)
	}
	if size > c.maxFileSize {
		return apperrors.New(apperrors.CodeTooLarge,
			"размер файла %d байт превышает лимит %d байт", size, c.maxFileSize)
	}

	return c.ValidateFilename(originalFilename)
}

// ValidateFilename проверяет исходное имя файла: запрещённые символы,
// длину и запрещённые расширения.
func (c *Checker) ValidateFilename(name string) error {
	if strings.TrimSpace(name) == "" {
		return apperrors.New(apperrors.CodeInvalidName, "имя файла не может быть пустым")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return apperrors.New(apperrors.CodeInvalidName,
			"имя файла длиннее %d символов", MaxNameLength)
	}
	for _, part := range forbiddenFilenameParts {
		if strings.Contains(name, part) {
			return apperrors.New(apperrors.CodeInvalidName,
				"имя файла %q содержит недопустимую последовательность %q", name, part)
		}
	}
	if ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), ".")); ext != "" && c.forbidden[ext] {
		return apperrors.New(apperrors.CodeInvalidName,
			"расширение .%s запрещено к загрузке", ext)
	}
	return nil
}

// ValidateFolderName проверяет имя папки.
func ValidateFolderName(name string) error {
	if strings.TrimSpace(name) == "" {
		return apperrors.New(apperrors.CodeInvalidName, "имя папки не может быть пустым")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return apperrors.New(apperrors.CodeInvalidName,
			"имя папки длиннее %d символов", MaxNameLength)
	}
	if i := strings.IndexAny(name, forbiddenFolderChars); i >= 0 {
		return apperrors.New(apperrors.CodeInvalidName,
			"имя папки %q содержит недопустимый символ %q", name, name[i])
	}
	// Сегменты "." и ".." схлопываются при нормализации пути хранения
	if name == "." || name == ".." {
		return apperrors.New(apperrors.CodeInvalidName, "имя папки %q зарезервировано", name)
	}
	return nil
}

// ValidateFolderDepth проверяет, что новая папка под родителем с глубиной
// parentDepth не превысит лимит. Для корневой папки parentDepth = -1.
func (c *Checker) ValidateFolderDepth(parentDepth int) error {
	if parentDepth+1 > c.maxDepth {
		return apperrors.New(apperrors.CodeDepthExceeded,
			"глубина %d превышает максимальную %d", parentDepth+1, c.maxDepth)
	}
	return nil
}

// ValidateSubtreeDepth проверяет, что поддерево высотой height,
// перемещённое под родителя с глубиной parentDepth, не выйдет за лимит.
func (c *Checker) ValidateSubtreeDepth(parentDepth, height int) error {
	if parentDepth+1+height > c.maxDepth {
		return apperrors.New(apperrors.CodeDepthExceeded,
			"после перемещения глубина достигнет %d при максимальной %d",
			parentDepth+1+height, c.maxDepth)
	}
	return nil
}

// ResolveExtension определяет расширение хранимого файла: по MIME-типу,
// затем по исходному имени, иначе "bin".
func (c *Checker) ResolveExtension(mimeType, originalFilename string) string {
	if ext, ok := c.extensions[strings.ToLower(mimeType)]; ok && ext != "" {
		return ext
	}
	if ext := sanitizeExtension(path.Ext(originalFilename)); ext != "" {
		return ext
	}
	return fallbackExtension
}

// GenerateSecureFilename генерирует имя без пользовательского ввода:
// {YYYY-MM-DD_HH-MM-SS}_{16 hex}.{ext}. Случайная часть — 8 байт crypto/rand.
func (c *Checker) GenerateSecureFilename(ext string) (string, error) {
	ext = sanitizeExtension(ext)
	if ext == "" {
		ext = fallbackExtension
	}

	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("ошибка генерации случайной части имени: %w", err)
	}

	ts := c.now().UTC().Format("2006-01-02_15-04-05")
	return fmt.Sprintf("%s_%s.%s", ts, hex.EncodeToString(buf), ext), nil
}

// GenerateStoragePath склеивает полный путь папки и имя файла.
// Пустой folderFullPath означает корень. Результат должен быть
// нормализованным путём, иначе INVALID_NAME.
func GenerateStoragePath(folderFullPath, filename string) (string, error) {
	folderFullPath = strings.Trim(folderFullPath, "/")
	p := filename
	if folderFullPath != "" {
		p = folderFullPath + "/" + filename
	}
	if err := blob.ValidatePath(p); err != nil {
		return "", apperrors.Wrap(apperrors.CodeInvalidName, err,
			"путь хранения %q недопустим", p)
	}
	return p, nil
}

// sanitizeExtension оставляет в расширении только [a-z0-9], не более 10 символов.
func sanitizeExtension(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	var b strings.Builder
	for _, r := range ext {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if len(s) > 10 {
		s = s[:10]
	}
	return s
}
