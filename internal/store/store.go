// Package store persists the queue state: every course's ordered entries,
// open/closed flags and a last-updated stamp, as a single JSON snapshot
// rewritten after each accepted mutation.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/stemsi/regbot/internal/model"
)

// Errors returned by Open and Load.
var (
	ErrCorruptData = errors.New("corrupt queue data")
	ErrLocked      = errors.New("data file held by another process")
)

// formatVersion marks the group-aware snapshot layout.
const formatVersion = "2.0"

// State is the in-memory image of the persisted snapshot. Keys are group
// chat id, then course id. It carries no lock of its own: the registration
// engine serializes all access.
type State struct {
	GroupQueues map[int64]map[string][]model.Entry `json:"group_queues"`
	GroupStatus map[int64]map[string]bool          `json:"group_registration_status"`
	LastUpdated time.Time                          `json:"last_updated"`
	Version     string                             `json:"format_version"`
}

// NewState returns an empty state.
func NewState() *State {
	return &State{
		GroupQueues: make(map[int64]map[string][]model.Entry),
		GroupStatus: make(map[int64]map[string]bool),
		Version:     formatVersion,
	}
}

// Queue returns the entries for one course. The returned slice aliases the
// state; callers that mutate must hold the engine lock.
func (st *State) Queue(groupID int64, courseID string) []model.Entry {
	return st.GroupQueues[groupID][courseID]
}

// SetQueue replaces one course's entries. A nil slice removes the key.
func (st *State) SetQueue(groupID int64, courseID string, entries []model.Entry) {
	if entries == nil {
		delete(st.GroupQueues[groupID], courseID)
		return
	}
	if st.GroupQueues[groupID] == nil {
		st.GroupQueues[groupID] = make(map[string][]model.Entry)
	}
	st.GroupQueues[groupID][courseID] = entries
}

// Open reports a course's open/closed flag. Unknown courses are closed.
func (st *State) Open(groupID int64, courseID string) bool {
	return st.GroupStatus[groupID][courseID]
}

// SetOpen sets a course's open/closed flag.
func (st *State) SetOpen(groupID int64, courseID string, open bool) {
	if st.GroupStatus[groupID] == nil {
		st.GroupStatus[groupID] = make(map[string]bool)
	}
	st.GroupStatus[groupID][courseID] = open
}

// DropCourse removes all trace of a course from the state.
func (st *State) DropCourse(groupID int64, courseID string) {
	delete(st.GroupQueues[groupID], courseID)
	delete(st.GroupStatus[groupID], courseID)
}

// Store owns the snapshot file and the process-exclusivity lock.
type Store struct {
	path string
	lock *flock.Flock
	log  zerolog.Logger
}

// Open prepares the store and takes a non-blocking flock on a sidecar lock
// file, so a second bot process against the same data file fails fast
// instead of interleaving writes.
func Open(path string, log zerolog.Logger) (*Store, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", lock.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, lock.Path())
	}

	return &Store{
		path: path,
		lock: lock,
		log:  log.With().Str("component", "store").Logger(),
	}, nil
}

// Close releases the process lock.
func (s *Store) Close() error {
	return s.lock.Unlock()
}

// Load reads the snapshot. A missing file yields an empty state; a file
// that exists but does not parse yields ErrCorruptData so the operator can
// inspect it rather than have it silently overwritten.
func (s *Store) Load() (*State, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.log.Info().Str("path", s.path).Msg("No queue data file, starting empty")
		return NewState(), nil
	}
	if err != nil {
		return nil, err
	}

	st := NewState()
	if err := json.Unmarshal(raw, st); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptData, s.path, err)
	}
	if st.GroupQueues == nil {
		st.GroupQueues = make(map[int64]map[string][]model.Entry)
	}
	if st.GroupStatus == nil {
		st.GroupStatus = make(map[int64]map[string]bool)
	}

	s.log.Info().
		Str("path", s.path).
		Str("format", st.Version).
		Time("last_updated", st.LastUpdated).
		Msg("Loaded queue data")
	return st, nil
}

// Save writes the full snapshot atomically: temp file in the same
// directory, fsync, then rename over the original. A crash mid-write never
// leaves a half-written file behind.
func (s *Store) Save(st *State) error {
	st.LastUpdated = time.Now().UTC()
	st.Version = formatVersion

	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
