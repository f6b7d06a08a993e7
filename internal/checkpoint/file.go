package checkpoint

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/dgallion1/docsum/internal/state"
)

const leaseFile = ".lease"

// FileStore keeps one JSON file per (session, stage) under
// <dir>/<session>/<stage>.json. Writes go through a temp file and rename so a
// crash never leaves a half-written record in place.
type FileStore struct {
	dir  string
	opts Options
	mu   sync.Mutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string, opts Options) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create checkpoint dir %s", dir)
	}
	return &FileStore{dir: dir, opts: opts.withDefaults()}, nil
}

func (s *FileStore) sessionDir(id string) string { return filepath.Join(s.dir, id) }

func (s *FileStore) recordPath(id, slot string) string {
	return filepath.Join(s.sessionDir(id), slot+".json")
}

// Save implements Store.
func (s *FileStore) Save(ctx context.Context, st *state.PipelineState, stage state.Stage) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	if err := validSessionID(st.SessionID); err != nil {
		return Handle{}, err
	}
	if err := checkStage(stage); err != nil {
		return Handle{}, err
	}
	rec := newRecord(st, stage, s.opts.Now())
	path := s.recordPath(st.SessionID, slotFor(stage))
	rec.Checkpoint.Location = path

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return Handle{}, errors.Wrap(err, "encode checkpoint")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := readRecord(path); err == nil && existing.Checkpoint.SavedAt.After(rec.Checkpoint.SavedAt) {
		// A newer write already landed; last write wins.
		return existing.Checkpoint, nil
	}
	if err := os.MkdirAll(s.sessionDir(st.SessionID), 0o755); err != nil {
		return Handle{}, errors.Wrap(err, "create session dir")
	}
	if err := writeAtomic(path, data); err != nil {
		return Handle{}, err
	}
	return rec.Checkpoint, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp checkpoint")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write checkpoint")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync checkpoint")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close checkpoint")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, "rename checkpoint")
	}
	return nil
}

func readRecord(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, errors.Wrapf(err, "read %s", path)
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return Record{}, errors.Wrapf(err, "%s", path)
	}
	rec.Checkpoint.Location = path
	return rec, nil
}

// Load implements Store.
func (s *FileStore) Load(ctx context.Context, sessionID string, stage state.Stage) (*state.PipelineState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validSessionID(sessionID); err != nil {
		return nil, err
	}
	if err := checkStage(stage); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if stage != "" {
		rec, err := readRecord(s.recordPath(sessionID, slotFor(stage)))
		if err != nil {
			return nil, err
		}
		return rec.State, nil
	}
	recs, err := s.sessionRecords(sessionID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0].State, nil
}

// sessionRecords returns every readable record of a session, newest first.
// Corrupt records are skipped.
func (s *FileStore) sessionRecords(sessionID string) ([]Record, error) {
	entries, err := os.ReadDir(s.sessionDir(sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read session dir")
	}
	var recs []Record
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		rec, err := readRecord(filepath.Join(s.sessionDir(sessionID), name))
		if err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	sortNewestFirst(recs)
	return recs, nil
}

func sortNewestFirst(recs []Record) {
	slices.SortStableFunc(recs, func(a, b Record) int {
		return b.Checkpoint.SavedAt.Compare(a.Checkpoint.SavedAt)
	})
}

func (s *FileStore) sessions() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(err, "read checkpoint dir")
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && validSessionID(e.Name()) == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// List implements Store.
func (s *FileStore) List(ctx context.Context, sessionID string) ([]Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := []string{sessionID}
	if sessionID == "" {
		var err error
		if ids, err = s.sessions(); err != nil {
			return nil, err
		}
	} else if err := validSessionID(sessionID); err != nil {
		return nil, err
	}
	var all []Record
	for _, id := range ids {
		recs, err := s.sessionRecords(id)
		if err != nil {
			return nil, err
		}
		all = append(all, recs...)
	}
	sortNewestFirst(all)
	handles := make([]Handle, len(all))
	for i, r := range all {
		handles[i] = r.Checkpoint
	}
	return handles, nil
}

// Delete implements Store.
func (s *FileStore) Delete(ctx context.Context, sessionID string, stage state.Stage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validSessionID(sessionID); err != nil {
		return err
	}
	if err := checkStage(stage); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.leased(sessionID) {
		return errors.Wrapf(ErrInUse, "session %s", sessionID)
	}
	if stage == "" {
		if _, err := os.Stat(s.sessionDir(sessionID)); errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return errors.Wrap(os.RemoveAll(s.sessionDir(sessionID)), "delete session")
	}
	err := os.Remove(s.recordPath(sessionID, slotFor(stage)))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return errors.Wrap(err, "delete checkpoint")
}

func (s *FileStore) leasePath(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), leaseFile)
}

func (s *FileStore) readLease(sessionID string) (lease, bool) {
	data, err := os.ReadFile(s.leasePath(sessionID))
	if err != nil {
		return lease{}, false
	}
	var l lease
	if err := json.Unmarshal(data, &l); err != nil {
		return lease{}, false
	}
	return l, true
}

func (s *FileStore) leased(sessionID string) bool {
	l, ok := s.readLease(sessionID)
	return ok && l.live(s.opts.Now(), s.opts.LeaseTTL)
}

// Acquire implements Store.
func (s *FileStore) Acquire(ctx context.Context, sessionID string) (func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validSessionID(sessionID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.leased(sessionID) {
		return nil, errors.Wrapf(ErrInUse, "session %s", sessionID)
	}
	l := lease{SessionID: sessionID, AcquiredAt: s.opts.Now().UTC(), Holder: holderID()}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.sessionDir(sessionID), 0o755); err != nil {
		return nil, errors.Wrap(err, "create session dir")
	}
	if err := writeAtomic(s.leasePath(sessionID), data); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if cur, ok := s.readLease(sessionID); ok && cur.Holder != l.Holder {
				return
			}
			if rmErr := os.Remove(s.leasePath(sessionID)); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				err = errors.Wrap(rmErr, "release lease")
			}
		})
		return err
	}, nil
}

// Prune implements Store.
func (s *FileStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.sessions()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if s.leased(id) {
			continue
		}
		recs, err := s.sessionRecords(id)
		if err != nil {
			return removed, err
		}
		for _, r := range recs {
			if !r.Checkpoint.SavedAt.Before(cutoff) {
				continue
			}
			if err := os.Remove(r.Checkpoint.Location); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return removed, errors.Wrap(err, "prune checkpoint")
			}
			removed++
		}
		if left, _ := s.sessionRecords(id); len(left) == 0 {
			_ = os.RemoveAll(s.sessionDir(id))
		}
	}
	return removed, nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }
