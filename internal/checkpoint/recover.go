package checkpoint

import (
	"context"
	stderrors "errors"
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/dgallion1/docsum/internal/faults"
	"github.com/dgallion1/docsum/internal/state"
)

// Recovered is the snapshot a resume starts from.
type Recovered struct {
	State *state.PipelineState
	// From is the stage tag of the snapshot, empty for the ad-hoc slot.
	From state.Stage
}

// Recover walks the session's snapshots from the last stage backwards and
// returns the first one that loads, has its stage completed and passes the
// validators of every stage it marks completed. The ad-hoc snapshot is the
// last resort. When nothing is usable the result is a *faults.RecoveryError
// carrying every reason a snapshot was skipped.
func Recover(ctx context.Context, store Store, sessionID string) (Recovered, error) {
	var skipped []error

	stages := state.Stages()
	slices.Reverse(stages)
	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return Recovered{}, err
		}
		st, err := store.Load(ctx, sessionID, stage)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			skipped = append(skipped, errors.Wrapf(err, "stage %s", stage))
			continue
		}
		if !st.Completed(stage) {
			skipped = append(skipped, errors.Newf("stage %s snapshot does not mark the stage completed", stage))
			continue
		}
		if err := validSnapshot(st); err != nil {
			skipped = append(skipped, errors.Wrapf(err, "stage %s", stage))
			continue
		}
		return Recovered{State: st, From: stage}, nil
	}

	st, err := store.Load(ctx, sessionID, AdHoc)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		skipped = append(skipped, errors.Wrap(err, "ad-hoc snapshot"))
	default:
		if err := validSnapshot(st); err != nil {
			skipped = append(skipped, errors.Wrap(err, "ad-hoc snapshot"))
		} else {
			return Recovered{State: st}, nil
		}
	}

	return Recovered{}, &faults.RecoveryError{SessionID: sessionID, Err: stderrors.Join(skipped...)}
}

func validSnapshot(st *state.PipelineState) error {
	for _, stage := range state.Stages() {
		if !st.Completed(stage) {
			continue
		}
		if err := state.ValidateStage(st, stage); err != nil {
			return err
		}
	}
	return nil
}
