package events

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/dahovitech/file-manager-bundle/internal/apperrors"
	"github.com/dahovitech/file-manager-bundle/internal/domain/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBefore_Veto(t *testing.T) {
	bus := NewBus(testLogger())
	var calls []string
	bus.Subscribe(PreUpload, func(_ context.Context, ev Event) error {
		calls = append(calls, "first")
		if ev.OccurredAt.IsZero() {
			t.Error("OccurredAt должен быть заполнен")
		}
		return nil
	})
	bus.Subscribe(PreUpload, func(context.Context, Event) error {
		calls = append(calls, "second")
		return errors.New("квота исчерпана")
	})
	bus.Subscribe(PreUpload, func(context.Context, Event) error {
		calls = append(calls, "third")
		return nil
	})

	err := bus.Before(context.Background(), Event{Type: PreUpload, File: &model.FileRecord{ID: "1"}})
	if !errors.Is(err, apperrors.ErrValidationFailed) {
		t.Fatalf("ожидалась VALIDATION_FAILED, получено %v", err)
	}
	if len(calls) != 2 {
		t.Errorf("после отказа цепочка должна прерваться: %v", calls)
	}
}

func TestBefore_KeepsCode(t *testing.T) {
	bus := NewBus(testLogger())
	bus.Subscribe(PreDelete, func(context.Context, Event) error {
		return apperrors.New(apperrors.CodeNotEmpty, "занято")
	})
	err := bus.Before(context.Background(), Event{Type: PreDelete, File: &model.FileRecord{ID: "1"}})
	if !errors.Is(err, apperrors.ErrNotEmpty) {
		t.Errorf("код ошибки обработчика должен сохраниться, получено %v", err)
	}
}

func TestAfter_ErrorsIgnored(t *testing.T) {
	bus := NewBus(testLogger())
	called := 0
	for i := 0; i < 3; i++ {
		bus.Subscribe(PostDelete, func(context.Context, Event) error {
			called++
			return errors.New("сбой подписчика")
		})
	}
	bus.Subscribe(PostUpload, func(context.Context, Event) error {
		t.Error("обработчик другого типа не должен вызываться")
		return nil
	})

	bus.After(context.Background(), Event{Type: PostDelete, File: &model.FileRecord{ID: "1"}, Hard: true})
	if called != 3 {
		t.Errorf("все post-обработчики должны быть вызваны, вызвано %d", called)
	}
}

func TestTypeIsPre(t *testing.T) {
	for typ, want := range map[Type]bool{PreUpload: true, PreDelete: true, PostUpload: false, PostDelete: false} {
		if typ.IsPre() != want {
			t.Errorf("%s.IsPre() = %v", typ, !want)
		}
	}
}
