package pipeline

import (
	"errors"
	"testing"
	"time"
)

func fixedClock() func() time.Time {
	t := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Millisecond)
		return t
	}
}

func TestTracker_HappyPath(t *testing.T) {
	tr := newTracker(fixedClock())

	path := []Stage{
		StageDeduplicating,
		StageWriting,
		StageExtractingMetadata,
		StageGeneratingThumbnails,
		StageCommitting,
		StageDone,
	}
	for _, s := range path {
		if err := tr.Advance(s); err != nil {
			t.Fatalf("переход в %s: %v", s, err)
		}
	}

	if !tr.IsTerminal() {
		t.Error("done должна быть конечной стадией")
	}
	if !tr.WriteStarted() {
		t.Error("WriteStarted должен быть true после writing")
	}
	if got := len(tr.History()); got != len(path) {
		t.Errorf("ожидалось %d переходов, получено %d", len(path), got)
	}
	if tr.Elapsed() != time.Duration(len(path))*time.Millisecond {
		t.Errorf("неверная длительность: %v", tr.Elapsed())
	}
}

func TestTracker_InvalidTransitions(t *testing.T) {
	tests := []struct {
		name  string
		setup []Stage
		to    Stage
	}{
		{"пропуск дедупликации", nil, StageWriting},
		{"aborting до записи", []Stage{StageDeduplicating}, StageAborting},
		{"failed после записи без aborting", []Stage{StageDeduplicating, StageWriting}, StageFailed},
		{"выход из done", []Stage{StageDeduplicating, StageWriting, StageExtractingMetadata, StageGeneratingThumbnails, StageCommitting, StageDone}, StageAborting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker()
			for _, s := range tt.setup {
				if err := tr.Advance(s); err != nil {
					t.Fatalf("подготовка: %v", err)
				}
			}
			err := tr.Advance(tt.to)
			var te *TransitionError
			if !errors.As(err, &te) {
				t.Fatalf("ожидалась TransitionError, получено %v", err)
			}
			if te.To != tt.to {
				t.Errorf("неверная целевая стадия в ошибке: %s", te.To)
			}
		})
	}
}

func TestTracker_Abort(t *testing.T) {
	early := NewTracker()
	_ = early.Advance(StageDeduplicating)
	if early.Abort() {
		t.Error("до записи очистка не требуется")
	}
	if early.Stage() != StageFailed {
		t.Errorf("ожидалась стадия failed, получена %s", early.Stage())
	}

	late := NewTracker()
	for _, s := range []Stage{StageDeduplicating, StageWriting, StageExtractingMetadata} {
		_ = late.Advance(s)
	}
	if !late.Abort() {
		t.Error("после записи требуется очистка")
	}
	if late.Stage() != StageAborting {
		t.Errorf("ожидалась стадия aborting, получена %s", late.Stage())
	}
	if err := late.Fail(); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if late.Stage() != StageFailed {
		t.Errorf("ожидалась стадия failed, получена %s", late.Stage())
	}
	if err := late.Fail(); err != nil {
		t.Errorf("повторный Fail должен быть no-op: %v", err)
	}
}
