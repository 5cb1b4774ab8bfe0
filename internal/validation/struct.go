package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/dahovitech/file-manager-bundle/internal/apperrors"
)

// StructValidator — проверка структур по тегам validate
// (go-playground/validator). Ошибки сводятся к VALIDATION_FAILED.
type StructValidator struct {
	validate *validator.Validate
}

// NewStructValidator создаёт валидатор структур.
func NewStructValidator() *StructValidator {
	return &StructValidator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Struct проверяет структуру и возвращает VALIDATION_FAILED с перечнем полей.
func (v *StructValidator) Struct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperrors.Wrap(apperrors.CodeValidationFailed, err, "некорректные данные")
	}

	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, describe(e))
	}
	return apperrors.New(apperrors.CodeValidationFailed, "%s", strings.Join(msgs, "; "))
}

// describe формирует понятное сообщение для одного поля.
func describe(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("поле %s обязательно", e.Field())
	case "max":
		return fmt.Sprintf("поле %s длиннее %s", e.Field(), e.Param())
	case "min", "gte":
		return fmt.Sprintf("поле %s меньше %s", e.Field(), e.Param())
	case "len":
		return fmt.Sprintf("поле %s должно иметь длину %s", e.Field(), e.Param())
	case "uuid4", "uuid":
		return fmt.Sprintf("поле %s должно быть UUID", e.Field())
	default:
		return fmt.Sprintf("поле %s не прошло проверку %q", e.Field(), e.Tag())
	}
}
