package state

import (
	"github.com/cockroachdb/errors"

	"github.com/dgallion1/docsum/internal/doctree"
	"github.com/dgallion1/docsum/internal/faults"
)

// ValidateStage runs the validator for stage. Validators are pure: they
// read the state and never modify it.
func ValidateStage(p *PipelineState, stage Stage) error {
	switch stage {
	case StageStructure:
		return ValidateStructure(p)
	case StageClassify:
		return ValidateClassification(p)
	case StageCompose:
		return ValidateComposition(p)
	}
	return faults.Validation(string(stage), "stage", "unknown stage")
}

// ValidateStructure checks the stage-1 output: units exist, their locators
// are disjoint, and the document kind has been resolved.
func ValidateStructure(p *PipelineState) error {
	const stage = string(StageStructure)
	if p.Units == nil || len(p.Units.Units) == 0 {
		return faults.Validation(stage, "units_present", "no structural units")
	}
	if err := p.Units.Validate(); err != nil {
		return withStage(err, stage)
	}
	if !p.Kind.Resolved() {
		return faults.Validation(stage, "kind_resolved", "document kind %q not resolved", p.Kind)
	}
	return nil
}

// ValidateClassification checks the stage-2 output: one classified unit per
// structural unit in order, kinds from the closed set, actions consistent
// with their kind unless overridden, and forced review flags present.
func ValidateClassification(p *PipelineState) error {
	const stage = string(StageClassify)
	if p.Classified == nil {
		return faults.Validation(stage, "classified_present", "no classified document")
	}
	if p.Units == nil {
		return faults.Validation(stage, "units_present", "classification without structural units")
	}
	if len(p.Classified.Units) != len(p.Units.Units) {
		return faults.Validation(stage, "unit_coverage", "%d units classified, %d expected",
			len(p.Classified.Units), len(p.Units.Units))
	}
	for i, cu := range p.Classified.Units {
		if want := p.Units.Units[i].ID; cu.UnitID != want {
			return faults.Validation(stage, "unit_order", "position %d holds %s, expected %s", i, cu.UnitID, want)
		}
		for j, b := range cu.Blocks {
			if !b.Kind.Valid() {
				return faults.Validation(stage, "block_kind", "%s block %d has unknown kind %q", cu.UnitID, j, b.Kind)
			}
			if !b.Action.Valid() {
				return faults.Validation(stage, "block_action", "%s block %d has unknown action %q", cu.UnitID, j, b.Action)
			}
			if !b.ActionOverride && b.Action != doctree.ActionFor(b.Kind, p.Classified.ExerciseAction) {
				return faults.Validation(stage, "block_action", "%s block %d: %s is not the action for %s",
					cu.UnitID, j, b.Action, b.Kind)
			}
			if b.Confidence < 0 || b.Confidence > 1 {
				return faults.Validation(stage, "block_confidence", "%s block %d confidence %v out of range",
					cu.UnitID, j, b.Confidence)
			}
			if b.ForcedReview() && !b.NeedsReview {
				return faults.Validation(stage, "block_review", "%s block %d must be flagged for review", cu.UnitID, j)
			}
		}
	}
	return nil
}

// ValidateComposition checks the stage-3 output: every unit has an artifact.
func ValidateComposition(p *PipelineState) error {
	const stage = string(StageCompose)
	if p.Units == nil {
		return faults.Validation(stage, "units_present", "composition without structural units")
	}
	for _, u := range p.Units.Units {
		if p.Artifacts[u.ID] == "" {
			return faults.Validation(stage, "artifact_present", "unit %s has no artifact", u.ID)
		}
	}
	return nil
}

func withStage(err error, stage string) error {
	var ve *faults.ValidationError
	if errors.As(err, &ve) && ve.Stage == "" {
		c := *ve
		c.Stage = stage
		return &c
	}
	return err
}
