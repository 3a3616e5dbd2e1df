package storage

import (
	"errors"
	"os"
	"path/filepath"

	"marketfeed/internal/domain"
)

// Tailer follows the active segment of a data directory from the reader
// side. When the writer rotates, the renamed file is drained through the
// still-open handle before the tailer moves to the new active segment.
type Tailer struct {
	path    string
	f       *os.File
	offset  int64
	segment os.FileInfo // file offset belongs to, until first opened

	rotations int
}

// NewTailer starts following dir's active segment at offset.
func NewTailer(dir string, offset int64) *Tailer {
	return &Tailer{path: filepath.Join(dir, ActiveLogFile), offset: offset}
}

// NewTailerAt continues at offset within segment, the file Recover read as
// the active segment. If the writer has rotated since, the tailer drains
// that file under its archive name before moving to the new active segment.
func NewTailerAt(dir string, offset int64, segment os.FileInfo) *Tailer {
	t := NewTailer(dir, offset)
	t.segment = segment
	return t
}

// Offset is the position just past the last record returned.
func (t *Tailer) Offset() int64 { return t.offset }

// Rotations counts segment switches observed so far.
func (t *Tailer) Rotations() int { return t.rotations }

// Poll returns records appended since the previous call. A missing active
// segment is not an error: there is simply nothing to read yet.
func (t *Tailer) Poll() ([]domain.LogRecord, error) {
	if t.f == nil {
		if err := t.open(); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, nil
			}
			return nil, err
		}
	}

	recs, err := t.drain()
	if err != nil {
		return recs, err
	}

	cur, err := os.Stat(t.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return recs, nil // mid-rotation
		}
		return recs, err
	}
	held, err := t.f.Stat()
	if err != nil {
		return recs, err
	}
	if os.SameFile(held, cur) {
		return recs, nil
	}

	// Rotated: finish the old file, then start the new one from zero.
	more, err := t.drain()
	recs = append(recs, more...)
	if err != nil {
		return recs, err
	}
	t.f.Close()
	t.f = nil
	t.offset = 0
	t.rotations++

	if err := t.open(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return recs, nil
		}
		return recs, err
	}
	more, err = t.drain()
	return append(recs, more...), err
}

func (t *Tailer) open() error {
	var f *os.File
	if t.segment != nil {
		seg, err := t.openSegment()
		if err != nil {
			return err
		}
		t.segment = nil
		if seg == nil {
			t.offset = 0 // pruned before it could be drained
		}
		f = seg
	}
	if f == nil {
		active, err := os.Open(t.path)
		if err != nil {
			return err
		}
		f = active
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if t.offset > fi.Size() {
		t.offset = 0
	}
	t.f = f
	return nil
}

// openSegment finds t.segment under the active name or an archive name.
// It returns nil when the file no longer exists.
func (t *Tailer) openSegment() (*os.File, error) {
	archives, err := Archives(filepath.Dir(t.path))
	if err != nil {
		return nil, err
	}
	candidates := []string{t.path}
	for i := len(archives) - 1; i >= 0; i-- {
		candidates = append(candidates, archives[i].Path)
	}

	for _, p := range candidates {
		f, err := os.Open(p)
		if err != nil {
			continue
		}
		fi, err := f.Stat()
		if err == nil && os.SameFile(fi, t.segment) {
			return f, nil
		}
		f.Close()
	}
	return nil, nil
}

func (t *Tailer) drain() ([]domain.LogRecord, error) {
	recs, next, err := readLines(t.f, t.offset)
	t.offset = next
	return recs, err
}

// Close releases the held file handle.
func (t *Tailer) Close() error {
	if t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	return err
}
