// Пакет apperrors — таксономия ошибок ядра файлового менеджера.
// Каждая ошибка несёт машиночитаемый код и понятное сообщение о том,
// какое предусловие нарушено. Сравнение через errors.Is идёт по коду.
package apperrors

import (
	"errors"
	"fmt"
)

// Code — машиночитаемый код ошибки.
type Code string

const (
	CodeInvalidType      Code = "INVALID_TYPE"
	CodeTooLarge         Code = "TOO_LARGE"
	CodeInvalidName      Code = "INVALID_NAME"
	CodeStorageNotFound  Code = "STORAGE_NOT_FOUND"
	CodeDuplicateContent Code = "DUPLICATE_CONTENT"
	CodeValidationFailed Code = "VALIDATION_FAILED"
	CodeNotEmpty         Code = "NOT_EMPTY"
	CodeNotDeleted       Code = "NOT_DELETED"
	CodeNotFound         Code = "NOT_FOUND"
	CodeIOFailure        Code = "IO_FAILURE"
	CodeDepthExceeded    Code = "DEPTH_EXCEEDED"
	CodeFolderExists     Code = "FOLDER_EXISTS"
	CodeCycle            Code = "CYCLE"
)

// Error — ошибка бизнес-логики с кодом.
type Error struct {
	Code    Code
	Message string
	// Err — исходная причина (опционально)
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is сравнивает ошибки по коду, поэтому errors.Is(err, ErrNotFound)
// срабатывает для любой ошибки с кодом NOT_FOUND.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Сентинелы для errors.Is.
var (
	ErrInvalidType      = &Error{Code: CodeInvalidType, Message: "недопустимый MIME-тип"}
	ErrTooLarge         = &Error{Code: CodeTooLarge, Message: "файл превышает допустимый размер"}
	ErrInvalidName      = &Error{Code: CodeInvalidName, Message: "недопустимое имя"}
	ErrStorageNotFound  = &Error{Code: CodeStorageNotFound, Message: "хранилище не зарегистрировано"}
	ErrDuplicateContent = &Error{Code: CodeDuplicateContent, Message: "файл с таким содержимым уже существует"}
	ErrValidationFailed = &Error{Code: CodeValidationFailed, Message: "ошибка валидации"}
	ErrNotEmpty         = &Error{Code: CodeNotEmpty, Message: "папка не пуста"}
	ErrNotDeleted       = &Error{Code: CodeNotDeleted, Message: "запись не удалена"}
	ErrNotFound         = &Error{Code: CodeNotFound, Message: "запись не найдена"}
	ErrIOFailure        = &Error{Code: CodeIOFailure, Message: "ошибка хранилища"}
	ErrDepthExceeded    = &Error{Code: CodeDepthExceeded, Message: "превышена максимальная глубина папок"}
	ErrFolderExists     = &Error{Code: CodeFolderExists, Message: "папка с таким именем уже существует"}
	ErrCycle            = &Error{Code: CodeCycle, Message: "перемещение создаёт цикл"}
)

// New создаёт ошибку с кодом и сообщением.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap создаёт ошибку с кодом, сообщением и причиной.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// IO оборачивает ошибку blob-хранилища в IO_FAILURE.
func IO(err error, format string, args ...any) *Error {
	return Wrap(CodeIOFailure, err, format, args...)
}

// CodeOf возвращает код ошибки или пустую строку, если err не *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsPrecondition сообщает, что ошибка возникла до побочных эффектов
// и безопасна для повтора после исправления входных данных.
func IsPrecondition(err error) bool {
	switch CodeOf(err) {
	case CodeInvalidType, CodeTooLarge, CodeInvalidName, CodeDuplicateContent,
		CodeNotEmpty, CodeNotDeleted, CodeValidationFailed, CodeDepthExceeded,
		CodeFolderExists, CodeCycle, CodeStorageNotFound:
		return true
	}
	return false
}
