package apperrors

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestIs_ComparesByCode(t *testing.T) {
	err := New(CodeDuplicateContent, "хэш %s уже занят", "abc")

	if !errors.Is(err, ErrDuplicateContent) {
		t.Error("ошибка с кодом DUPLICATE_CONTENT должна совпадать с ErrDuplicateContent")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("ошибка с кодом DUPLICATE_CONTENT не должна совпадать с ErrNotFound")
	}

	wrapped := fmt.Errorf("загрузка: %w", err)
	if !errors.Is(wrapped, ErrDuplicateContent) {
		t.Error("обёрнутая ошибка должна совпадать по коду")
	}
}

func TestIO_UnwrapsCause(t *testing.T) {
	err := IO(io.ErrUnexpectedEOF, "запись %s", "a.txt")

	if !errors.Is(err, ErrIOFailure) {
		t.Error("ожидался код IO_FAILURE")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("исходная причина должна быть доступна через errors.Is")
	}
	if CodeOf(err) != CodeIOFailure {
		t.Errorf("CodeOf: хотели %s, получили %s", CodeIOFailure, CodeOf(err))
	}
}

func TestIsPrecondition(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrInvalidType, true},
		{ErrTooLarge, true},
		{ErrNotEmpty, true},
		{ErrNotDeleted, true},
		{ErrIOFailure, false},
		{ErrNotFound, false},
		{errors.New("прочее"), false},
	}
	for _, tt := range tests {
		if got := IsPrecondition(tt.err); got != tt.want {
			t.Errorf("IsPrecondition(%v): хотели %v, получили %v", tt.err, tt.want, got)
		}
	}
}
