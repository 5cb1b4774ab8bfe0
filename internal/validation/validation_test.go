package validation

import (
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/dahovitech/file-manager-bundle/internal/apperrors"
	"github.com/dahovitech/file-manager-bundle/internal/domain/model"
)

func testChecker() *Checker {
	return NewChecker(Rules{
		MaxFileSize:         1024,
		MaxDepth:            3,
		AllowedMimeTypes:    []string{"image/png", "text/plain", "application/octet-stream"},
		ForbiddenExtensions: []string{"exe", ".bat"},
		MimeExtensions:      map[string]string{"image/png": "png", "text/plain": "txt"},
	})
}

func TestValidateUploadCandidate(t *testing.T) {
	c := testChecker()

	tests := []struct {
		name     string
		mime     string
		size     int64
		filename string
		want     *apperrors.Error
	}{
		{"корректный файл", "image/png", 100, "photo.png", nil},
		{"регистр MIME не важен", "Image/PNG", 100, "photo.png", nil},
		{"ровно лимит", "text/plain", 1024, "notes.txt", nil},
		{"тип не разрешён", "video/mp4", 100, "a.mp4", apperrors.ErrInvalidType},
		{"слишком большой", "text/plain", 1025, "a.txt", apperrors.ErrTooLarge},
		{"нулевой размер", "text/plain", 0, "a.txt", apperrors.ErrValidationFailed},
		{"слэш в имени", "text/plain", 10, "a/b.txt", apperrors.ErrInvalidName},
		{"обратный слэш", "text/plain", 10, "a\\b.txt", apperrors.ErrInvalidName},
		{"две точки", "text/plain", 10, "..secret.txt", apperrors.ErrInvalidName},
		{"звёздочка", "text/plain", 10, "a*.txt", apperrors.ErrInvalidName},
		{"длинное имя", "text/plain", 10, strings.Repeat("a", 256), apperrors.ErrInvalidName},
		{"запрещённое расширение", "application/octet-stream", 10, "setup.EXE", apperrors.ErrInvalidName},
		{"запрещённое расширение с точкой в конфиге", "application/octet-stream", 10, "run.bat", apperrors.ErrInvalidName},
		{"пустое имя", "text/plain", 10, "  ", apperrors.ErrInvalidName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.ValidateUploadCandidate(tt.mime, tt.size, tt.filename)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("ожидалось успешное прохождение, получили %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("хотели %s, получили %v", tt.want.Code, err)
			}
		})
	}
}

func TestValidateFolderName(t *testing.T) {
	valid := []string{"docs", "Отчёты 2026", "a.b", "...", ".hidden", strings.Repeat("x", 255)}
	for _, name := range valid {
		if err := ValidateFolderName(name); err != nil {
			t.Errorf("ValidateFolderName(%q): неожиданная ошибка %v", name, err)
		}
	}

	invalid := []string{"", "   ", ".", "..", "a/b", "a\\b", "a:b", "a*b", "a?b", "a\"b", "a<b", "a>b", "a|b", strings.Repeat("x", 256)}
	for _, name := range invalid {
		if err := ValidateFolderName(name); !errors.Is(err, apperrors.ErrInvalidName) {
			t.Errorf("ValidateFolderName(%q): ожидалась INVALID_NAME, получили %v", name, err)
		}
	}
}

func TestValidateFolderDepth(t *testing.T) {
	c := testChecker() // MaxDepth = 3

	if err := c.ValidateFolderDepth(-1); err != nil {
		t.Errorf("корневая папка: неожиданная ошибка %v", err)
	}
	if err := c.ValidateFolderDepth(2); err != nil {
		t.Errorf("папка на глубине 3 (ровно лимит): неожиданная ошибка %v", err)
	}
	if err := c.ValidateFolderDepth(3); !errors.Is(err, apperrors.ErrDepthExceeded) {
		t.Errorf("папка на глубине 4: ожидалась DEPTH_EXCEEDED, получили %v", err)
	}
	if err := c.ValidateSubtreeDepth(0, 2); err != nil {
		t.Errorf("поддерево высотой 2 под глубиной 0: неожиданная ошибка %v", err)
	}
	if err := c.ValidateSubtreeDepth(1, 2); !errors.Is(err, apperrors.ErrDepthExceeded) {
		t.Errorf("поддерево высотой 2 под глубиной 1: ожидалась DEPTH_EXCEEDED, получили %v", err)
	}
}

func TestGenerateSecureFilename(t *testing.T) {
	c := testChecker()
	c.now = func() time.Time { return time.Date(2026, 2, 21, 15, 4, 5, 0, time.UTC) }

	pattern := regexp.MustCompile(`^2026-02-21_15-04-05_[0-9a-f]{16}\.png$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		name, err := c.GenerateSecureFilename("PNG")
		if err != nil {
			t.Fatalf("GenerateSecureFilename: %v", err)
		}
		if !pattern.MatchString(name) {
			t.Fatalf("имя %q не соответствует формату", name)
		}
		if seen[name] {
			t.Fatalf("повтор имени %q", name)
		}
		seen[name] = true
	}

	name, err := c.GenerateSecureFilename("../../")
	if err != nil {
		t.Fatalf("GenerateSecureFilename: %v", err)
	}
	if !strings.HasSuffix(name, ".bin") {
		t.Errorf("пустое после очистки расширение должно стать bin: %q", name)
	}
}

func TestResolveExtension(t *testing.T) {
	c := testChecker()

	tests := []struct {
		mime, filename, want string
	}{
		{"image/png", "photo.jpeg", "png"},
		{"application/octet-stream", "archive.TAR", "tar"},
		{"application/octet-stream", "noext", "bin"},
		{"application/octet-stream", "weird.$$$", "bin"},
	}
	for _, tt := range tests {
		if got := c.ResolveExtension(tt.mime, tt.filename); got != tt.want {
			t.Errorf("ResolveExtension(%s, %s): хотели %s, получили %s", tt.mime, tt.filename, tt.want, got)
		}
	}
}

func TestGenerateStoragePath(t *testing.T) {
	tests := []struct {
		folder string
		want   string
	}{
		{"", "a.txt"},
		{"docs/reports", "docs/reports/a.txt"},
		{"/docs/", "docs/a.txt"},
		{"...", ".../a.txt"},
	}
	for _, tt := range tests {
		got, err := GenerateStoragePath(tt.folder, "a.txt")
		if err != nil || got != tt.want {
			t.Errorf("GenerateStoragePath(%q) = %q, %v; хотели %q", tt.folder, got, err, tt.want)
		}
	}

	// Такие пути схлопнулись бы при нормализации и разошлись с листингом
	for _, folder := range []string{"..", "a/..", ".", "a/./b", "a//b", "../x", "a\\b"} {
		if _, err := GenerateStoragePath(folder, "a.txt"); !errors.Is(err, apperrors.ErrInvalidName) {
			t.Errorf("GenerateStoragePath(%q): ожидалась INVALID_NAME, получили %v", folder, err)
		}
	}
}

func TestStructValidator(t *testing.T) {
	v := NewStructValidator()

	ok := &model.FileRecord{
		Filename:   "a.txt",
		StorageKey: "local.storage",
		Path:       "a.txt",
		MimeType:   "text/plain",
		Size:       1,
		Hash:       strings.Repeat("ab", 32),
		Version:    1,
	}
	if err := v.Struct(ok); err != nil {
		t.Fatalf("корректная запись: неожиданная ошибка %v", err)
	}

	bad := *ok
	bad.Hash = "xyz"
	bad.Version = 0
	err := v.Struct(&bad)
	if !errors.Is(err, apperrors.ErrValidationFailed) {
		t.Fatalf("ожидалась VALIDATION_FAILED, получили %v", err)
	}
	if !strings.Contains(err.Error(), "Hash") || !strings.Contains(err.Error(), "Version") {
		t.Errorf("сообщение должно перечислять поля: %v", err)
	}
}
