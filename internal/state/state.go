// Package state holds the persisted state of one pipeline run and the pure
// validators that decide whether a stage's output may be committed.
package state

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dgallion1/docsum/internal/doctree"
)

// PipelineState is the complete, serialisable state of a run. SessionID and
// DocumentRef never change after New.
type PipelineState struct {
	SessionID   string                      `json:"session_id"`
	DocumentRef string                      `json:"document_ref"`
	Kind        doctree.DocumentKind        `json:"document_kind"`
	CreatedAt   time.Time                   `json:"created_at"`
	UpdatedAt   time.Time                   `json:"updated_at"`
	Tasks       map[Stage]*TaskResult       `json:"tasks"`
	Units       *doctree.UnitCollection     `json:"units,omitempty"`
	Classified  *doctree.ClassifiedDocument `json:"classified,omitempty"`
	Artifacts   map[string]string           `json:"artifacts,omitempty"`
	IndexPath   string                      `json:"index_path,omitempty"`
	OutputDir   string                      `json:"output_dir,omitempty"`
	Current     Stage                       `json:"current_stage,omitempty"`
	Metadata    map[string]string           `json:"metadata,omitempty"`
}

// New returns a state with every stage pending.
func New(sessionID, documentRef string, kind doctree.DocumentKind, now time.Time) *PipelineState {
	if kind == "" {
		kind = doctree.KindAuto
	}
	st := &PipelineState{
		SessionID:   sessionID,
		DocumentRef: documentRef,
		Kind:        kind,
		CreatedAt:   now,
		UpdatedAt:   now,
		Tasks:       make(map[Stage]*TaskResult, len(stageOrder)),
	}
	for _, s := range stageOrder {
		st.Tasks[s] = newTask(s)
	}
	return st
}

// NewSessionID returns a sortable, human-readable session identifier.
func NewSessionID(now time.Time) string {
	return now.UTC().Format("20060102_150405") + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Task returns the result for stage, creating a pending one if missing.
func (p *PipelineState) Task(stage Stage) *TaskResult {
	if p.Tasks == nil {
		p.Tasks = make(map[Stage]*TaskResult)
	}
	t, ok := p.Tasks[stage]
	if !ok {
		t = newTask(stage)
		p.Tasks[stage] = t
	}
	return t
}

// peek returns the result for stage without modifying the state; a missing
// task reads as pending.
func (p *PipelineState) peek(stage Stage) *TaskResult {
	if t, ok := p.Tasks[stage]; ok {
		return t
	}
	return newTask(stage)
}

// Completed reports whether stage finished successfully.
func (p *PipelineState) Completed(stage Stage) bool {
	t, ok := p.Tasks[stage]
	return ok && t.Status == StatusCompleted
}

// NextStage returns the first stage not yet completed.
func (p *PipelineState) NextStage() (Stage, bool) {
	for _, s := range stageOrder {
		if !p.Completed(s) {
			return s, true
		}
	}
	return "", false
}

// Touch updates the modification time.
func (p *PipelineState) Touch(now time.Time) {
	p.UpdatedAt = now
}

// SetMeta records a metadata entry.
func (p *PipelineState) SetMeta(key, value string) {
	if p.Metadata == nil {
		p.Metadata = make(map[string]string)
	}
	p.Metadata[key] = value
}

// RunState is the node of the run's state machine derived from its tasks.
type RunState string

const (
	RunPending   RunState = "pending"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
	RunDone      RunState = "compose_done"
)

// RunState derives the current node: pending, <stage>_running,
// <stage>_done, failed or cancelled.
func (p *PipelineState) RunState() RunState {
	last := RunPending
	for _, s := range stageOrder {
		t := p.peek(s)
		switch t.Status {
		case StatusFailed:
			return RunFailed
		case StatusCancelled:
			return RunCancelled
		case StatusInProgress:
			return RunState(string(s) + "_running")
		case StatusCompleted:
			last = RunState(string(s) + "_done")
		case StatusPending:
			return last
		}
	}
	return last
}

// PrepareResume resets stages that did not complete so a resumed run can
// retry them. Completed stages are untouched.
func (p *PipelineState) PrepareResume(now time.Time) {
	for _, s := range stageOrder {
		t := p.Task(s)
		if t.Status == StatusCompleted || t.Status == StatusPending {
			continue
		}
		if t.Error != nil {
			p.SetMeta("previous_error."+string(s), t.Error.Kind+": "+t.Error.Message)
		}
		p.Tasks[s] = newTask(s)
	}
	p.Touch(now)
}

// Progress summarises how far the run has got.
type Progress struct {
	CompletedStages   int     `json:"completed_stages"`
	TotalStages       int     `json:"total_stages"`
	Percent           float64 `json:"percent"`
	Units             int     `json:"units"`
	Blocks            int     `json:"blocks"`
	BlocksNeedReview  int     `json:"blocks_need_review"`
	ArtifactsRendered int     `json:"artifacts_rendered"`
}

// Progress derives progress counters from the state.
func (p *PipelineState) Progress() Progress {
	pr := Progress{TotalStages: len(stageOrder)}
	for _, s := range stageOrder {
		if p.Completed(s) {
			pr.CompletedStages++
		}
	}
	pr.Percent = float64(pr.CompletedStages) / float64(pr.TotalStages) * 100
	if p.Units != nil {
		pr.Units = len(p.Units.Units)
	}
	if p.Classified != nil {
		pr.Blocks = p.Classified.TotalBlocks()
		pr.BlocksNeedReview = p.Classified.TotalNeedingReview()
	}
	pr.ArtifactsRendered = len(p.Artifacts)
	return pr
}

// TotalDuration sums the durations of finished stages.
func (p *PipelineState) TotalDuration() time.Duration {
	var d time.Duration
	for _, t := range p.Tasks {
		d += t.Duration()
	}
	return d
}

// Summary renders a multi-line human-readable report.
func (p *PipelineState) Summary() string {
	var sb strings.Builder
	pr := p.Progress()
	fmt.Fprintf(&sb, "Session:  %s\n", p.SessionID)
	fmt.Fprintf(&sb, "Document: %s (%s)\n", p.DocumentRef, p.Kind)
	fmt.Fprintf(&sb, "State:    %s (%.0f%%)\n", p.RunState(), pr.Percent)
	for _, s := range stageOrder {
		t := p.peek(s)
		fmt.Fprintf(&sb, "  %d. %-9s %-11s", s.Ordinal(), s, t.Status)
		if d := t.Duration(); d > 0 {
			fmt.Fprintf(&sb, " %s", d.Round(time.Millisecond))
		}
		if t.Strategy != "" {
			fmt.Fprintf(&sb, " via %s", t.Strategy)
		}
		if t.Error != nil {
			fmt.Fprintf(&sb, " [%s: %s]", t.Error.Kind, t.Error.Message)
		}
		sb.WriteString("\n")
	}
	if p.Units != nil {
		fmt.Fprintf(&sb, "Units:    %d over %d pages (%.0f%% coverage)\n",
			pr.Units, p.Units.TotalPages, p.Units.Coverage())
	}
	if p.Classified != nil {
		fmt.Fprintf(&sb, "Blocks:   %d (%d need review)\n", pr.Blocks, pr.BlocksNeedReview)
	}
	if pr.ArtifactsRendered > 0 {
		fmt.Fprintf(&sb, "Output:   %s (%d pages)\n", p.OutputDir, pr.ArtifactsRendered)
	}
	return sb.String()
}

// Clone returns a deep copy so a stage can work without touching the
// committed state.
func (p *PipelineState) Clone() *PipelineState {
	c := *p
	c.Tasks = make(map[Stage]*TaskResult, len(p.Tasks))
	for k, t := range p.Tasks {
		c.Tasks[k] = t.clone()
	}
	c.Units = p.Units.Clone()
	c.Classified = p.Classified.Clone()
	c.Artifacts = maps.Clone(p.Artifacts)
	c.Metadata = maps.Clone(p.Metadata)
	return &c
}
