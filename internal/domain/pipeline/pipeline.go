// Пакет pipeline — конечный автомат стадий загрузки файла.
//
// Основной путь:
//
//	validating → deduplicating → writing → extracting_metadata →
//	generating_thumbnails → committing → done
//
// До записи blob ошибка сразу переводит загрузку в failed (побочных
// эффектов ещё нет). Начиная с writing ошибка проходит через aborting,
// где выполняется компенсирующая очистка.
package pipeline

import (
	"fmt"
	"time"
)

// Stage — стадия загрузки.
type Stage string

const (
	StageValidating           Stage = "validating"
	StageDeduplicating        Stage = "deduplicating"
	StageWriting              Stage = "writing"
	StageExtractingMetadata   Stage = "extracting_metadata"
	StageGeneratingThumbnails Stage = "generating_thumbnails"
	StageCommitting           Stage = "committing"
	StageDone                 Stage = "done"
	StageAborting             Stage = "aborting"
	StageFailed               Stage = "failed"
)

// validTransitions — матрица допустимых переходов.
var validTransitions = map[Stage]map[Stage]bool{
	StageValidating:           {StageDeduplicating: true, StageFailed: true},
	StageDeduplicating:        {StageWriting: true, StageFailed: true},
	StageWriting:              {StageExtractingMetadata: true, StageAborting: true},
	StageExtractingMetadata:   {StageGeneratingThumbnails: true, StageAborting: true},
	StageGeneratingThumbnails: {StageCommitting: true, StageAborting: true},
	StageCommitting:           {StageDone: true, StageAborting: true},
	StageAborting:             {StageFailed: true},
	StageDone:                 {},
	StageFailed:               {},
}

// TransitionError — недопустимый переход.
type TransitionError struct {
	From Stage
	To   Stage
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("переход стадии загрузки %s → %s недопустим", e.From, e.To)
}

// Transition — запись о переходе.
type Transition struct {
	From      Stage     `json:"from"`
	To        Stage     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// Tracker отслеживает стадии одной загрузки. Не предназначен для
// использования из нескольких горутин.
type Tracker struct {
	current Stage
	started time.Time
	history []Transition
	now     func() time.Time
}

// NewTracker создаёт трекер в стадии validating.
func NewTracker() *Tracker {
	return newTracker(func() time.Time { return time.Now().UTC() })
}

func newTracker(now func() time.Time) *Tracker {
	return &Tracker{
		current: StageValidating,
		started: now(),
		now:     now,
	}
}

// Stage возвращает текущую стадию.
func (t *Tracker) Stage() Stage {
	return t.current
}

// Advance переводит загрузку в стадию target.
func (t *Tracker) Advance(target Stage) error {
	if !validTransitions[t.current][target] {
		return &TransitionError{From: t.current, To: target}
	}
	t.history = append(t.history, Transition{From: t.current, To: target, Timestamp: t.now()})
	t.current = target
	return nil
}

// Abort переводит загрузку в failed по кратчайшему допустимому пути:
// через aborting, если blob уже мог быть записан. Возвращает true,
// если требуется компенсирующая очистка. Для завершённой загрузки ничего не делает.
func (t *Tracker) Abort() bool {
	if t.IsTerminal() || t.current == StageAborting {
		return t.current == StageAborting
	}
	if validTransitions[t.current][StageFailed] {
		_ = t.Advance(StageFailed)
		return false
	}
	_ = t.Advance(StageAborting)
	return true
}

// Fail завершает aborting переходом в failed.
func (t *Tracker) Fail() error {
	if t.current == StageFailed {
		return nil
	}
	if t.current != StageAborting {
		t.Abort()
		if t.current == StageFailed {
			return nil
		}
	}
	return t.Advance(StageFailed)
}

// IsTerminal — загрузка завершена (done или failed).
func (t *Tracker) IsTerminal() bool {
	return t.current == StageDone || t.current == StageFailed
}

// WriteStarted — стадия записи blob уже достигнута.
func (t *Tracker) WriteStarted() bool {
	for _, tr := range t.history {
		if tr.To == StageWriting {
			return true
		}
	}
	return false
}

// History возвращает копию истории переходов.
func (t *Tracker) History() []Transition {
	result := make([]Transition, len(t.history))
	copy(result, t.history)
	return result
}

// Elapsed — время с момента создания трекера до последнего перехода.
func (t *Tracker) Elapsed() time.Duration {
	if len(t.history) == 0 {
		return 0
	}
	return t.history[len(t.history)-1].Timestamp.Sub(t.started)
}
