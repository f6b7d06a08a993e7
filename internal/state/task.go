package state

import (
	"fmt"
	"time"
)

// Stage identifies one pipeline stage.
type Stage string

const (
	StageStructure Stage = "structure"
	StageClassify  Stage = "classify"
	StageCompose   Stage = "compose"
)

var stageOrder = []Stage{StageStructure, StageClassify, StageCompose}

// Stages returns the fixed execution order.
func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// Ordinal returns the 1-based position of s, or 0 for an unknown stage.
func (s Stage) Ordinal() int {
	for i, st := range stageOrder {
		if st == s {
			return i + 1
		}
	}
	return 0
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool { return s.Ordinal() > 0 }

// Previous returns the stage that must complete before s.
func (s Stage) Previous() (Stage, bool) {
	n := s.Ordinal()
	if n <= 1 {
		return "", false
	}
	return stageOrder[n-2], true
}

// ParseStage accepts a stage name or its ordinal ("1", "2", "3").
func ParseStage(v string) (Stage, error) {
	switch v {
	case "1":
		return StageStructure, nil
	case "2":
		return StageClassify, nil
	case "3":
		return StageCompose, nil
	}
	s := Stage(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown stage %q", v)
	}
	return s, nil
}

// TaskStatus is the lifecycle state of one stage.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TaskError records why a stage failed.
type TaskError struct {
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	Strategy string `json:"strategy,omitempty"`
}

// TaskResult tracks one stage's execution.
type TaskResult struct {
	Stage     Stage      `json:"stage"`
	Status    TaskStatus `json:"status"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Attempts  int        `json:"attempts"`
	Strategy  string     `json:"strategy,omitempty"`
	Error     *TaskError `json:"error,omitempty"`
}

func newTask(stage Stage) *TaskResult {
	return &TaskResult{Stage: stage, Status: StatusPending}
}

// Start moves pending → in_progress.
func (t *TaskResult) Start(now time.Time) error {
	if t.Status != StatusPending {
		return fmt.Errorf("stage %s: cannot start from %s", t.Stage, t.Status)
	}
	t.Status = StatusInProgress
	t.StartedAt = &now
	t.EndedAt = nil
	t.Error = nil
	return nil
}

// Complete moves in_progress → completed.
func (t *TaskResult) Complete(now time.Time) error {
	if t.Status != StatusInProgress {
		return fmt.Errorf("stage %s: cannot complete from %s", t.Stage, t.Status)
	}
	t.Status = StatusCompleted
	t.EndedAt = &now
	return nil
}

// Fail moves in_progress → failed.
func (t *TaskResult) Fail(now time.Time, taskErr TaskError) error {
	if t.Status != StatusInProgress {
		return fmt.Errorf("stage %s: cannot fail from %s", t.Stage, t.Status)
	}
	t.Status = StatusFailed
	t.EndedAt = &now
	t.Error = &taskErr
	return nil
}

// Cancel moves any non-terminal status to cancelled.
func (t *TaskResult) Cancel(now time.Time) error {
	if t.Status.Terminal() {
		return fmt.Errorf("stage %s: cannot cancel from %s", t.Stage, t.Status)
	}
	t.Status = StatusCancelled
	t.EndedAt = &now
	return nil
}

// Duration is derived from the start and end times; zero until both exist.
func (t *TaskResult) Duration() time.Duration {
	if t.StartedAt == nil || t.EndedAt == nil {
		return 0
	}
	return t.EndedAt.Sub(*t.StartedAt)
}

func (t *TaskResult) clone() *TaskResult {
	c := *t
	if t.StartedAt != nil {
		s := *t.StartedAt
		c.StartedAt = &s
	}
	if t.EndedAt != nil {
		e := *t.EndedAt
		c.EndedAt = &e
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	return &c
}
