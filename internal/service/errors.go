// errors.go — перевод ошибок репозитория и хранилищ в коды apperrors.
package service

import (
	"errors"
	"fmt"

	"github.com/dahovitech/file-manager-bundle/internal/apperrors"
	"github.com/dahovitech/file-manager-bundle/internal/repository"
)

// ErrCleanupInProgress — очистка уже выполняется.
var ErrCleanupInProgress = errors.New("очистка уже выполняется")

// ErrSyncInProgress — сверка уже выполняется.
var ErrSyncInProgress = errors.New("сверка уже выполняется")

func fileNotFound(id string) error {
	return apperrors.New(apperrors.CodeNotFound, "файл %s не найден", id)
}

func folderNotFound(id string) error {
	return apperrors.New(apperrors.CodeNotFound, "папка %s не найдена", id)
}

func storageNotFound(key string) error {
	return apperrors.New(apperrors.CodeStorageNotFound,
		"хранилище %q не зарегистрировано", key)
}

// mapFileError переводит ошибку репозитория файлов.
func mapFileError(err error, id string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return fileNotFound(id)
	case errors.Is(err, repository.ErrDuplicateHash):
		return apperrors.Wrap(apperrors.CodeDuplicateContent, err,
			"активный файл с таким же содержимым уже существует")
	}
	return fmt.Errorf("ошибка хранилища метаданных: %w", err)
}

// mapFolderError переводит ошибку репозитория папок.
func mapFolderError(err error, id, name string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return folderNotFound(id)
	case errors.Is(err, repository.ErrConflict):
		return apperrors.Wrap(apperrors.CodeFolderExists, err,
			"папка %q уже существует на этом уровне", name)
	}
	return fmt.Errorf("ошибка хранилища метаданных: %w", err)
}
