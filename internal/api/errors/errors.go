// Пакет errors — ответы с ошибками служебного API.
// Единый формат: {"error": {"code": "...", "message": "..."}}.
package errors //nolint:revive // имя пакета повторяет stdlib, импортируется как apierrors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/dahovitech/file-manager-bundle/internal/apperrors"
)

// Коды ошибок, не связанные с доменными apperrors.
const (
	CodeInProgress    = "IN_PROGRESS"
	CodeInternalError = "INTERNAL_ERROR"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError записывает ответ ошибки в стандартном формате.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// statusByCode — HTTP-статус для каждого доменного кода.
var statusByCode = map[apperrors.Code]int{
	apperrors.CodeInvalidType:      http.StatusUnsupportedMediaType,
	apperrors.CodeTooLarge:         http.StatusRequestEntityTooLarge,
	apperrors.CodeInvalidName:      http.StatusBadRequest,
	apperrors.CodeStorageNotFound:  http.StatusBadRequest,
	apperrors.CodeDuplicateContent: http.StatusConflict,
	apperrors.CodeValidationFailed: http.StatusBadRequest,
	apperrors.CodeNotEmpty:         http.StatusConflict,
	apperrors.CodeNotDeleted:       http.StatusConflict,
	apperrors.CodeNotFound:         http.StatusNotFound,
	apperrors.CodeIOFailure:        http.StatusBadGateway,
	apperrors.CodeDepthExceeded:    http.StatusUnprocessableEntity,
	apperrors.CodeFolderExists:     http.StatusConflict,
	apperrors.CodeCycle:            http.StatusConflict,
}

// StatusOf возвращает HTTP-статус для доменного кода (500 для неизвестных).
func StatusOf(code apperrors.Code) int {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// FromError пишет ответ для ошибки сервисного слоя. Ошибки без кода
// отдаются как INTERNAL_ERROR без подробностей.
func FromError(w http.ResponseWriter, err error) {
	var appErr *apperrors.Error
	if stderrors.As(err, &appErr) {
		WriteError(w, StatusOf(appErr.Code), string(appErr.Code), appErr.Message)
		return
	}
	InternalError(w, "Внутренняя ошибка сервера")
}

// ValidationError — 400 некорректные параметры запроса.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, string(apperrors.CodeValidationFailed), message)
}

// InProgress — 409 операция уже выполняется.
func InProgress(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeInProgress, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
