package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"github.com/dgallion1/docsum/internal/state"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	session_id TEXT NOT NULL,
	slot       TEXT NOT NULL,
	id         TEXT NOT NULL,
	saved_at   INTEGER NOT NULL,
	version    INTEGER NOT NULL,
	payload    BLOB NOT NULL,
	PRIMARY KEY (session_id, slot)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_saved_at ON checkpoints(saved_at);
CREATE TABLE IF NOT EXISTS leases (
	session_id  TEXT PRIMARY KEY,
	holder      TEXT NOT NULL,
	acquired_at INTEGER NOT NULL
);
`

// SQLiteStore keeps records in a single SQLite database. The payload column
// holds the same JSON record FileStore writes, so the two are interchangeable.
type SQLiteStore struct {
	db   *sql.DB
	opts Options
	path string
	mu   sync.RWMutex
}

// NewSQLiteStore opens (or creates) the database at path. Use ":memory:" in
// tests.
func NewSQLiteStore(path string, opts Options) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create checkpoint db dir")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database")
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	s := &SQLiteStore{db: db, opts: opts.withDefaults(), path: path}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "initialize schema")
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	_, err := s.db.Exec(sqliteSchema)
	return err
}

func (s *SQLiteStore) location(sessionID, slot string) string {
	return fmt.Sprintf("sqlite://%s#%s/%s", s.path, sessionID, slot)
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, st *state.PipelineState, stage state.Stage) (Handle, error) {
	if err := validSessionID(st.SessionID); err != nil {
		return Handle{}, err
	}
	if err := checkStage(stage); err != nil {
		return Handle{}, err
	}
	rec := newRecord(st, stage, s.opts.Now())
	slot := slotFor(stage)
	rec.Checkpoint.Location = s.location(st.SessionID, slot)
	payload, err := json.Marshal(rec)
	if err != nil {
		return Handle{}, errors.Wrap(err, "encode checkpoint")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The WHERE clause keeps an older write from replacing a newer record.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, slot, id, saved_at, version, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, slot) DO UPDATE SET
			id = excluded.id,
			saved_at = excluded.saved_at,
			version = excluded.version,
			payload = excluded.payload
		WHERE excluded.saved_at >= checkpoints.saved_at`,
		st.SessionID, slot, rec.Checkpoint.ID, rec.Checkpoint.SavedAt.UnixNano(), FormatVersion, payload)
	if err != nil {
		return Handle{}, errors.Wrap(err, "upsert checkpoint")
	}
	stored, err := s.loadRecord(ctx, st.SessionID, slot)
	if err != nil {
		return Handle{}, err
	}
	return stored.Checkpoint, nil
}

func (s *SQLiteStore) loadRecord(ctx context.Context, sessionID, slot string) (Record, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM checkpoints WHERE session_id = ? AND slot = ?",
		sessionID, slot).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, errors.Wrap(err, "query checkpoint")
	}
	rec, err := decodeRecord(payload)
	if err != nil {
		return Record{}, errors.Wrapf(err, "%s/%s", sessionID, slot)
	}
	rec.Checkpoint.Location = s.location(sessionID, slot)
	return rec, nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, sessionID string, stage state.Stage) (*state.PipelineState, error) {
	if err := validSessionID(sessionID); err != nil {
		return nil, err
	}
	if err := checkStage(stage); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	slot := slotFor(stage)
	if stage == "" {
		err := s.db.QueryRowContext(ctx,
			"SELECT slot FROM checkpoints WHERE session_id = ? ORDER BY saved_at DESC LIMIT 1",
			sessionID).Scan(&slot)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, errors.Wrap(err, "query newest checkpoint")
		}
	}
	rec, err := s.loadRecord(ctx, sessionID, slot)
	if err != nil {
		return nil, err
	}
	return rec.State, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, sessionID string) ([]Handle, error) {
	query := "SELECT session_id, slot, id, saved_at, version FROM checkpoints"
	var args []any
	if sessionID != "" {
		if err := validSessionID(sessionID); err != nil {
			return nil, err
		}
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY saved_at DESC, session_id, slot"

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query checkpoints")
	}
	defer rows.Close()

	var handles []Handle
	for rows.Next() {
		var (
			h     Handle
			slot  string
			nanos int64
		)
		if err := rows.Scan(&h.SessionID, &slot, &h.ID, &nanos, &h.Version); err != nil {
			return nil, errors.Wrap(err, "scan checkpoint")
		}
		h.Stage = stageFor(slot)
		h.SavedAt = time.Unix(0, nanos).UTC()
		h.Location = s.location(h.SessionID, slot)
		handles = append(handles, h)
	}
	return handles, rows.Err()
}

func (s *SQLiteStore) leased(ctx context.Context, sessionID string) (bool, error) {
	var acquired int64
	err := s.db.QueryRowContext(ctx,
		"SELECT acquired_at FROM leases WHERE session_id = ?", sessionID).Scan(&acquired)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "query lease")
	}
	l := lease{SessionID: sessionID, AcquiredAt: time.Unix(0, acquired)}
	return l.live(s.opts.Now(), s.opts.LeaseTTL), nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, sessionID string, stage state.Stage) error {
	if err := validSessionID(sessionID); err != nil {
		return err
	}
	if err := checkStage(stage); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	live, err := s.leased(ctx, sessionID)
	if err != nil {
		return err
	}
	if live {
		return errors.Wrapf(ErrInUse, "session %s", sessionID)
	}

	var res sql.Result
	if stage == "" {
		res, err = s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE session_id = ?", sessionID)
	} else {
		res, err = s.db.ExecContext(ctx,
			"DELETE FROM checkpoints WHERE session_id = ? AND slot = ?", sessionID, slotFor(stage))
	}
	if err != nil {
		return errors.Wrap(err, "delete checkpoint")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if stage == "" {
		_, _ = s.db.ExecContext(ctx, "DELETE FROM leases WHERE session_id = ?", sessionID)
	}
	return nil
}

// Acquire implements Store.
func (s *SQLiteStore) Acquire(ctx context.Context, sessionID string) (func() error, error) {
	if err := validSessionID(sessionID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	live, err := s.leased(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if live {
		return nil, errors.Wrapf(ErrInUse, "session %s", sessionID)
	}
	holder := holderID()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO leases (session_id, holder, acquired_at) VALUES (?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET holder = excluded.holder, acquired_at = excluded.acquired_at`,
		sessionID, holder, s.opts.Now().UnixNano())
	if err != nil {
		return nil, errors.Wrap(err, "insert lease")
	}
	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			_, execErr := s.db.Exec("DELETE FROM leases WHERE session_id = ? AND holder = ?", sessionID, holder)
			if execErr != nil {
				err = errors.Wrap(execErr, "release lease")
			}
		})
		return err
	}, nil
}

// Prune implements Store.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	liveAfter := s.opts.Now().Add(-s.opts.LeaseTTL).UnixNano()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE saved_at < ?
		  AND session_id NOT IN (SELECT session_id FROM leases WHERE acquired_at > ?)`,
		cutoff.UnixNano(), liveAfter)
	if err != nil {
		return 0, errors.Wrap(err, "prune checkpoints")
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM leases WHERE acquired_at <= ?", liveAfter); err != nil {
		return 0, errors.Wrap(err, "prune leases")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
