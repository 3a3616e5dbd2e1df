package storage

import (
	"errors"
	"os"
	"path/filepath"

	"marketfeed/internal/domain"
)

// Recovery is the state rebuilt from a data directory.
type Recovery struct {
	State    *domain.FeedState
	Snapshot *domain.Snapshot // nil when no snapshot exists

	// ActiveOffset is where a tailer should continue in ActiveSegment, the
	// file that was the active segment when it was read (nil when absent).
	ActiveOffset  int64
	ActiveSegment os.FileInfo
	Replayed      int // records applied on top of the snapshot
}

// Recover loads the latest snapshot and replays every retained record newer
// than it: archives rotated at or after the snapshot, then the active segment.
// FeedState.Apply drops anything at or below the snapshot's per ticker
// sequence, so reading a segment from further back than needed is harmless.
func Recover(dir string, maxTrades int) (*Recovery, error) {
	snap, err := ReadSnapshot(dir)
	if err != nil {
		return nil, err
	}

	rec := &Recovery{Snapshot: snap}
	if snap != nil {
		rec.State = snap.State(maxTrades)
	} else {
		rec.State = domain.NewFeedState(maxTrades)
	}

	// Opened before listing archives: if the writer rotates meanwhile, the
	// handle still reads the segment ActiveOffset refers to.
	active, err := os.Open(filepath.Join(dir, ActiveLogFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if active != nil {
		defer active.Close()
	}

	archives, err := Archives(dir)
	if err != nil {
		return nil, err
	}

	var pending []ArchiveInfo
	for _, a := range archives {
		if snap == nil || !a.RotatedAt.Before(snap.WrittenAt) {
			pending = append(pending, a)
		}
	}

	apply := func(records []domain.LogRecord) {
		for _, r := range records {
			if rec.State.Apply(r) {
				rec.Replayed++
			}
		}
	}

	for i, a := range pending {
		start := int64(0)
		if i == 0 && snap != nil {
			// the snapshot was taken while this archive was the active segment
			start = snap.LogOffset
		}
		records, _, err := ReadSegment(a.Path, start)
		if errors.Is(err, ErrOffsetPastEnd) {
			records, _, err = ReadSegment(a.Path, 0)
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		apply(records)
	}

	if active == nil {
		return rec, nil
	}
	fi, err := active.Stat()
	if err != nil {
		return nil, err
	}
	start := int64(0)
	if snap != nil && len(pending) == 0 && snap.LogOffset <= fi.Size() {
		start = snap.LogOffset
	}
	records, end, err := readLines(active, start)
	if err != nil {
		return nil, err
	}
	apply(records)
	rec.ActiveOffset = end
	rec.ActiveSegment = fi

	return rec, nil
}
