package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/wI2L/jsondiff"
)

const (
	defaultLockTimeout = 10 * time.Second
	lockRetryDelay     = 50 * time.Millisecond
)

var (
	// ErrLocked is returned when the advisory lock could not be taken in time.
	ErrLocked = errors.New("state file is locked")
	// ErrMalformed is returned when the file content is not a JSON object.
	ErrMalformed = errors.New("state file is malformed")
)

// Store persists a Document in a JSON file guarded by an advisory lock on a
// sidecar ".lock" file. Reads take the shared lock, writes the exclusive one.
//
// Within one process Update holds mu across its read, merge and write. No
// file lock spans that window, so writers in different processes can still
// lose updates.
type Store struct {
	mu sync.Mutex

	path        string
	schema      *Schema
	lockTimeout time.Duration
	log         *slog.Logger
}

// NewStore returns a store for the dispatcher state document at path.
func NewStore(path string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}

	return &Store{
		path:        path,
		schema:      DocumentSchema,
		lockTimeout: defaultLockTimeout,
		log:         log.With("component", "state.store"),
	}
}

// Path returns the location of the state file.
func (s *Store) Path() string {
	return s.path
}

// Read loads the document. A missing or empty file is initialized to {}.
// On error the returned document is empty, never nil.
func (s *Store) Read(ctx context.Context) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.read(ctx)
}

func (s *Store) read(ctx context.Context) (Document, error) {
	if err := s.ensure(ctx); err != nil {
		return Document{}, err
	}

	unlock, err := s.lock(ctx, false)
	if err != nil {
		return Document{}, err
	}
	data, err := os.ReadFile(s.path)
	unlock()
	if err != nil {
		return Document{}, fmt.Errorf("read state file: %w", err)
	}

	doc, err := Decode(data, s.schema)
	if err != nil {
		return Document{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	return doc, nil
}

// Update merges cs into the stored document and writes it back only when
// something changed. It reports whether a write happened.
//
// A failed read abandons the update instead of merging over an empty document.
func (s *Store) Update(ctx context.Context, cs ChangeSet) (bool, error) {
	if cs.Empty() {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read(ctx)
	if err != nil {
		return false, err
	}

	var before Document
	debug := s.log.Enabled(ctx, slog.LevelDebug)
	if debug {
		before = doc.Clone()
	}

	if !Merge(doc, s.schema, cs) {
		return false, nil
	}

	data, err := Encode(doc)
	if err != nil {
		return false, err
	}

	unlock, err := s.lock(ctx, true)
	if err != nil {
		return false, err
	}
	defer unlock()

	if err := s.write(data); err != nil {
		return false, err
	}

	if debug {
		s.logDiff(before, doc)
	}

	return true, nil
}

func (s *Store) ensure(ctx context.Context) error {
	info, err := os.Stat(s.path)
	if err == nil && info.Size() > 0 {
		return nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat state file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	unlock, err := s.lock(ctx, true)
	if err != nil {
		return err
	}
	defer unlock()

	// Another process may have initialized the file while we waited.
	if info, err := os.Stat(s.path); err == nil && info.Size() > 0 {
		return nil
	}

	s.log.Info("Initializing empty state file", "path", s.path)
	return s.write([]byte("{}\n"))
}

func (s *Store) lock(ctx context.Context, exclusive bool) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	fileLock := flock.New(s.path + ".lock")

	var locked bool
	var err error
	if exclusive {
		locked, err = fileLock.TryLockContext(lockCtx, lockRetryDelay)
	} else {
		locked, err = fileLock.TryRLockContext(lockCtx, lockRetryDelay)
	}
	if err != nil || !locked {
		_ = fileLock.Close()
		if err == nil || errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("%w: %w", ErrLocked, err)
	}

	return func() {
		if err := fileLock.Unlock(); err != nil {
			s.log.Warn("Failed to release state lock", "error", err)
		}
		_ = fileLock.Close()
	}, nil
}

// write replaces the file atomically through a temporary sibling.
func (s *Store) write(data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temporary state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}

	return nil
}

func (s *Store) logDiff(before, after Document) {
	patch, err := jsondiff.Compare(before, after)
	if err != nil {
		s.log.Debug("Failed to diff state", "error", err)
		return
	}

	s.log.Debug("State updated", "operations", len(patch), "patch", patch.String())
}
