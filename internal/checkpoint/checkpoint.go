// Package checkpoint persists PipelineState snapshots keyed by session and
// stage, and recovers the most advanced valid snapshot of a session.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/dgallion1/docsum/internal/state"
)

var (
	// ErrNotFound is returned when no snapshot matches.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrCorrupt is returned when a stored snapshot cannot be decoded.
	ErrCorrupt = errors.New("checkpoint corrupt")
	// ErrInUse is returned when a snapshot belongs to a session with a live run.
	ErrInUse = errors.New("checkpoint in use by a running session")
	// ErrInvalidSession is returned for session ids that cannot name a snapshot.
	ErrInvalidSession = errors.New("invalid session id")
)

// FormatVersion is written into every record.
const FormatVersion = 1

// adHocSlot stores snapshots saved without a stage tag.
const adHocSlot = "adhoc"

// AdHoc addresses the untagged snapshot explicitly in Load and Delete, where
// an empty stage means "newest" or "whole session".
const AdHoc state.Stage = adHocSlot

// DefaultLeaseTTL bounds how long a crashed run can keep its snapshots pinned.
const DefaultLeaseTTL = 24 * time.Hour

// Handle identifies a stored snapshot.
type Handle struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	Stage     state.Stage `json:"stage,omitempty"` // empty for ad-hoc snapshots
	SavedAt   time.Time   `json:"saved_at"`
	Version   int         `json:"version"`
	Location  string      `json:"location,omitempty"`
}

// Record is the self-describing unit of storage.
type Record struct {
	Checkpoint Handle               `json:"checkpoint"`
	State      *state.PipelineState `json:"state"`
}

// Store persists snapshots. Saving is append-only per stage: a save for one
// stage never touches another stage's snapshot. Concurrent saves for the
// same session and stage resolve last-write-wins by SavedAt.
type Store interface {
	// Save stores st under stage; an empty stage stores an ad-hoc snapshot.
	Save(ctx context.Context, st *state.PipelineState, stage state.Stage) (Handle, error)
	// Load returns the snapshot for stage, or the newest snapshot of the
	// session when stage is empty. AdHoc loads the untagged snapshot.
	Load(ctx context.Context, sessionID string, stage state.Stage) (*state.PipelineState, error)
	// List returns handles newest first; an empty sessionID lists every session.
	List(ctx context.Context, sessionID string) ([]Handle, error)
	// Delete removes one stage's snapshot, or the whole session when stage is
	// empty. Sessions with a live run return ErrInUse.
	Delete(ctx context.Context, sessionID string, stage state.Stage) error
	// Acquire marks the session as running until release is called.
	Acquire(ctx context.Context, sessionID string) (release func() error, err error)
	// Prune deletes snapshots saved before cutoff, skipping live sessions.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// Options configures a store.
type Options struct {
	LeaseTTL time.Duration
	Now      func() time.Time
}

func (o Options) withDefaults() Options {
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = DefaultLeaseTTL
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func slotFor(stage state.Stage) string {
	if stage == "" || stage == AdHoc {
		return adHocSlot
	}
	return string(stage)
}

func stageFor(slot string) state.Stage {
	if slot == adHocSlot {
		return ""
	}
	return state.Stage(slot)
}

func validSessionID(id string) error {
	if id == "" {
		return errors.Wrap(ErrInvalidSession, "empty")
	}
	for _, r := range id {
		if !(r == '_' || r == '-' || r == '.' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')) {
			return errors.Wrapf(ErrInvalidSession, "character %q in %q", r, id)
		}
	}
	if id == "." || id == ".." {
		return errors.Wrapf(ErrInvalidSession, "%q", id)
	}
	return nil
}

func checkStage(stage state.Stage) error {
	if stage != "" && stage != AdHoc && !stage.Valid() {
		return errors.Newf("unknown stage %q", stage)
	}
	return nil
}

func newRecord(st *state.PipelineState, stage state.Stage, now time.Time) Record {
	if stage == AdHoc {
		stage = ""
	}
	return Record{
		Checkpoint: Handle{
			ID:        uuid.Must(uuid.NewV7()).String(),
			SessionID: st.SessionID,
			Stage:     stage,
			SavedAt:   now.UTC(),
			Version:   FormatVersion,
		},
		State: st,
	}
}

func decodeRecord(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, errors.Mark(errors.Wrap(err, "decode checkpoint"), ErrCorrupt)
	}
	if rec.State == nil || rec.Checkpoint.SessionID == "" {
		return Record{}, errors.Mark(errors.New("checkpoint missing state or header"), ErrCorrupt)
	}
	if rec.Checkpoint.Version > FormatVersion {
		return Record{}, errors.Mark(
			errors.Newf("checkpoint version %d newer than supported %d", rec.Checkpoint.Version, FormatVersion),
			ErrCorrupt)
	}
	return rec, nil
}

// lease records a running session.
type lease struct {
	SessionID  string    `json:"session_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	Holder     string    `json:"holder"`
}

func (l lease) live(now time.Time, ttl time.Duration) bool {
	return now.Sub(l.AcquiredAt) < ttl
}

func holderID() string {
	return fmt.Sprintf("pid-%d-%s", os.Getpid(), uuid.NewString()[:8])
}
