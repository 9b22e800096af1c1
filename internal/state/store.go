package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Store persists FleetState between runs
type Store interface {
	Load(ctx context.Context) (FleetState, error)
	Persist(ctx context.Context, s FleetState) error
	Close() error
}

// PersistenceError wraps a failed load or persist
type PersistenceError struct {
	Op  string // "load" or "persist"
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("state %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// ErrCorrupt is returned by Load when the stored state cannot be decoded
var ErrCorrupt = errors.New("stored state is corrupt")

const fileVersion = 1

// fileState is the on-disk form. Unknown fields are ignored when decoding.
type fileState struct {
	Version   int                    `json:"version"`
	Devices   map[string]DeviceState `json:"devices"`
	Plant     PeakRecord             `json:"plant"`
	Staleness Staleness              `json:"staleness"`

	// Written by earlier releases, which only tracked the plant peak
	LegacyPeak      *float64 `json:"peak_power_today,omitempty"`
	LegacyResetDate string   `json:"last_reset_date,omitempty"`
}

// FileStore keeps the state in one JSON file
type FileStore struct {
	path string
}

// NewFileStore creates a store at path. The file need not exist yet.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the state file location
func (f *FileStore) Path() string {
	return f.path
}

// Load reads the state file. A missing file yields an empty state.
func (f *FileStore) Load(ctx context.Context) (FleetState, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return New(), nil
	}
	if err != nil {
		return New(), &PersistenceError{Op: "load", Err: err}
	}

	var fsState fileState
	if err := json.Unmarshal(data, &fsState); err != nil {
		return New(), &PersistenceError{Op: "load", Err: fmt.Errorf("%w: %v", ErrCorrupt, err)}
	}

	s := New()
	for serial, ds := range fsState.Devices {
		s.Devices[serial] = ds
	}
	s.Plant = fsState.Plant
	s.Staleness = fsState.Staleness

	if fsState.Version == 0 && fsState.LegacyPeak != nil {
		s.Plant = PeakRecord{Power: *fsState.LegacyPeak, Day: fsState.LegacyResetDate}
	}
	return s, nil
}

// Persist replaces the state file atomically: the new content is written to
// a temporary file in the same directory, synced, then renamed over the old.
func (f *FileStore) Persist(ctx context.Context, s FleetState) error {
	if err := ctx.Err(); err != nil {
		return &PersistenceError{Op: "persist", Err: err}
	}

	data, err := json.MarshalIndent(fileState{
		Version:   fileVersion,
		Devices:   s.Devices,
		Plant:     s.Plant,
		Staleness: s.Staleness,
	}, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "persist", Err: err}
	}

	if err := writeFileAtomic(f.path, data); err != nil {
		return &PersistenceError{Op: "persist", Err: err}
	}
	return nil
}

// Close is a no-op for the file store
func (f *FileStore) Close() error {
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("setting file mode: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}

	// Make the rename itself durable
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// Age returns how long ago the portal last reported new data, or zero when
// nothing has been seen yet
func (s Staleness) Age(now time.Time) time.Duration {
	if s.LastSeenWallClock.IsZero() {
		return 0
	}
	return now.Sub(s.LastSeenWallClock)
}
