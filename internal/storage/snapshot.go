package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"marketfeed/internal/domain"
	"marketfeed/internal/infra"
)

const (
	// SnapshotFile is the canonical snapshot name inside the data directory.
	SnapshotFile = "snapshot.json"

	snapshotTempPattern = ".snapshot-*.tmp"
)

// SnapshotStore writes snapshots with temp file, fsync, rename, dir fsync.
// A reader of SnapshotFile always sees a complete previous or new snapshot.
type SnapshotStore struct {
	dir    string
	path   string
	logger *slog.Logger

	mu         sync.Mutex
	generation uint64
}

// OpenSnapshotStore prepares dir, removes temp files left by a crash and
// continues the generation counter from the snapshot already on disk.
func OpenSnapshotStore(dir string, logger *slog.Logger) (*SnapshotStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &domain.DurabilityError{Op: "mkdir", Path: dir, Err: err}
	}

	s := &SnapshotStore{
		dir:    dir,
		path:   filepath.Join(dir, SnapshotFile),
		logger: infra.Component(logger, "snapshot"),
	}

	stale, _ := filepath.Glob(filepath.Join(dir, snapshotTempPattern))
	for _, p := range stale {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, &domain.DurabilityError{Op: "remove", Path: p, Err: err}
		}
		s.logger.Warn("removed incomplete snapshot", slog.String("path", p))
	}

	existing, err := ReadSnapshot(dir)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.generation = existing.Generation
	}
	return s, nil
}

// Path returns the canonical snapshot path.
func (s *SnapshotStore) Path() string { return s.path }

// Generation returns the generation of the last committed snapshot.
func (s *SnapshotStore) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Write commits snap as the next generation and stores that generation back
// into snap. Any failure is a *domain.DurabilityError.
func (s *SnapshotStore) Write(snap *domain.Snapshot) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *snap
	next.Generation = s.generation + 1

	tmp, err := s.writeTemp(&next)
	if err != nil {
		return 0, err
	}
	if err := s.commit(tmp); err != nil {
		os.Remove(tmp)
		return 0, err
	}

	s.generation = next.Generation
	snap.Generation = next.Generation
	return next.Generation, nil
}

// writeTemp serializes snap into a synced temp file next to the canonical path.
func (s *SnapshotStore) writeTemp(snap *domain.Snapshot) (string, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}

	f, err := os.CreateTemp(s.dir, snapshotTempPattern)
	if err != nil {
		return "", &domain.DurabilityError{Op: "create", Path: s.dir, Err: err}
	}
	name := f.Name()

	fail := func(op string, err error) (string, error) {
		f.Close()
		os.Remove(name)
		return "", &domain.DurabilityError{Op: op, Path: name, Err: err}
	}
	if _, err := f.Write(data); err != nil {
		return fail("write", err)
	}
	if err := f.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", &domain.DurabilityError{Op: "close", Path: name, Err: err}
	}
	return name, nil
}

// commit atomically replaces the canonical snapshot with tmp.
func (s *SnapshotStore) commit(tmp string) error {
	if err := os.Rename(tmp, s.path); err != nil {
		return &domain.DurabilityError{Op: "rename", Path: s.path, Err: err}
	}
	if err := syncDir(s.dir); err != nil {
		return &domain.DurabilityError{Op: "sync", Path: s.dir, Err: err}
	}
	return nil
}

// Read returns the committed snapshot, or nil when none exists.
func (s *SnapshotStore) Read() (*domain.Snapshot, error) {
	return ReadSnapshot(s.dir)
}

// ReadSnapshot reads the snapshot in dir without opening a store.
// It returns nil, nil when there is no snapshot yet.
func ReadSnapshot(dir string) (*domain.Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(dir, SnapshotFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
