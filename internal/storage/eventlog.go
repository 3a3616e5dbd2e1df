package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"marketfeed/internal/domain"
	"marketfeed/internal/infra"
)

const (
	// ActiveLogFile is the segment currently being appended to.
	ActiveLogFile = "events.jsonl"

	archivePrefix     = "events-"
	archiveSuffix     = ".jsonl"
	archiveTimeLayout = "20060102T150405.000000000Z"
)

// ErrOffsetPastEnd means a read offset lies beyond the end of the segment,
// which happens when the file was replaced since the offset was taken.
var ErrOffsetPastEnd = errors.New("offset past end of segment")

// LogOptions configures rotation thresholds.
type LogOptions struct {
	RotateBytes int64
	RotateAge   time.Duration
	Now         func() time.Time
}

// ArchiveInfo describes one rotated, immutable segment.
type ArchiveInfo struct {
	Name      string
	Path      string
	Bytes     int64
	Records   int64
	RotatedAt time.Time
}

// EventLog is the append-only JSONL record of every trade and book_top.
// It is not safe for concurrent use; the writer goroutine owns it.
type EventLog struct {
	dir    string
	path   string
	opts   LogOptions
	logger *slog.Logger

	f        *os.File
	w        *bufio.Writer
	size     int64
	records  int64
	openedAt time.Time
}

// OpenEventLog opens or creates the active segment in dir. A partial last
// line left by a crash is cut off; complete lines are never touched.
func OpenEventLog(dir string, opts LogOptions, logger *slog.Logger) (*EventLog, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &domain.DurabilityError{Op: "mkdir", Path: dir, Err: err}
	}

	l := &EventLog{
		dir:    dir,
		path:   filepath.Join(dir, ActiveLogFile),
		opts:   opts,
		logger: infra.Component(logger, "eventlog"),
	}

	cut, err := truncateTornTail(l.path)
	if err != nil {
		return nil, &domain.DurabilityError{Op: "repair", Path: l.path, Err: err}
	}
	if cut > 0 {
		l.logger.Warn("truncated torn tail of active log", slog.Int64("bytes", cut))
	}

	if err := l.openActive(); err != nil {
		return nil, err
	}

	n, err := countLines(l.path)
	if err != nil {
		l.f.Close()
		return nil, &domain.DurabilityError{Op: "scan", Path: l.path, Err: err}
	}
	l.records = n

	l.logger.Info("event log opened",
		slog.String("path", l.path),
		slog.Int64("bytes", l.size),
		slog.Int64("records", l.records),
	)
	return l, nil
}

func (l *EventLog) openActive() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return &domain.DurabilityError{Op: "open", Path: l.path, Err: err}
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return &domain.DurabilityError{Op: "stat", Path: l.path, Err: err}
	}

	l.f = f
	l.w = bufio.NewWriterSize(f, 64*1024)
	l.size = fi.Size()
	l.records = 0
	l.openedAt = l.opts.Now()
	return nil
}

// Path returns the active segment path.
func (l *EventLog) Path() string { return l.path }

// Offset is the logical end of the active segment, buffered bytes included.
// After Sync it equals the size of the file on disk.
func (l *EventLog) Offset() int64 { return l.size }

// Records counts the lines in the active segment.
func (l *EventLog) Records() int64 { return l.records }

// Append buffers one record as a JSON line.
func (l *EventLog) Append(rec domain.LogRecord) error {
	if l.f == nil {
		return &domain.DurabilityError{Op: "append", Path: l.path, Err: os.ErrClosed}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s/%d: %w", rec.Ticker, rec.Seq, err)
	}
	data = append(data, '\n')

	n, err := l.w.Write(data)
	l.size += int64(n)
	if err != nil {
		return &domain.DurabilityError{Op: "append", Path: l.path, Err: err}
	}
	l.records++
	return nil
}

// Sync flushes buffered lines and fsyncs the active segment.
func (l *EventLog) Sync() error {
	if l.f == nil {
		return nil
	}
	if err := l.w.Flush(); err != nil {
		return &domain.DurabilityError{Op: "flush", Path: l.path, Err: err}
	}
	if err := l.f.Sync(); err != nil {
		return &domain.DurabilityError{Op: "sync", Path: l.path, Err: err}
	}
	return nil
}

// RotateIfNeeded rotates a non-empty segment that reached the size or age threshold.
func (l *EventLog) RotateIfNeeded() (ArchiveInfo, bool, error) {
	if l.size == 0 {
		return ArchiveInfo{}, false, nil
	}
	bySize := l.opts.RotateBytes > 0 && l.size >= l.opts.RotateBytes
	byAge := l.opts.RotateAge > 0 && l.opts.Now().Sub(l.openedAt) >= l.opts.RotateAge
	if !bySize && !byAge {
		return ArchiveInfo{}, false, nil
	}

	info, err := l.Rotate()
	if err != nil {
		return ArchiveInfo{}, false, err
	}
	return info, true, nil
}

// Rotate closes the active segment, renames it to a timestamped archive and
// opens a fresh active segment. A crash at any point leaves either the old
// or the new file complete.
func (l *EventLog) Rotate() (ArchiveInfo, error) {
	if err := l.Sync(); err != nil {
		return ArchiveInfo{}, err
	}
	if err := l.f.Close(); err != nil {
		return ArchiveInfo{}, &domain.DurabilityError{Op: "close", Path: l.path, Err: err}
	}
	l.f = nil

	rotatedAt := l.opts.Now().UTC()
	name := ArchiveName(rotatedAt)
	for {
		if _, err := os.Stat(filepath.Join(l.dir, name)); errors.Is(err, os.ErrNotExist) {
			break
		}
		rotatedAt = rotatedAt.Add(time.Nanosecond)
		name = ArchiveName(rotatedAt)
	}

	info := ArchiveInfo{
		Name:      name,
		Path:      filepath.Join(l.dir, name),
		Bytes:     l.size,
		Records:   l.records,
		RotatedAt: rotatedAt,
	}
	if err := os.Rename(l.path, info.Path); err != nil {
		return ArchiveInfo{}, &domain.DurabilityError{Op: "rename", Path: info.Path, Err: err}
	}
	if err := syncDir(l.dir); err != nil {
		return ArchiveInfo{}, &domain.DurabilityError{Op: "sync", Path: l.dir, Err: err}
	}
	if err := l.openActive(); err != nil {
		return ArchiveInfo{}, err
	}
	if err := syncDir(l.dir); err != nil {
		return ArchiveInfo{}, &domain.DurabilityError{Op: "sync", Path: l.dir, Err: err}
	}

	l.logger.Info("event log rotated",
		slog.String("archive", info.Name),
		slog.Int64("bytes", info.Bytes),
		slog.Int64("records", info.Records),
	)
	return info, nil
}

// TailFrom returns the complete records written to disk after offset in the
// active segment, and the offset just past the last one returned.
func (l *EventLog) TailFrom(offset int64) ([]domain.LogRecord, int64, error) {
	return ReadSegment(l.path, offset)
}

// Close syncs and closes the active segment.
func (l *EventLog) Close() error {
	if l.f == nil {
		return nil
	}
	if err := l.Sync(); err != nil {
		return err
	}
	err := l.f.Close()
	l.f = nil
	if err != nil {
		return &domain.DurabilityError{Op: "close", Path: l.path, Err: err}
	}
	return nil
}

// ReadSegment reads complete records of the segment at path starting at
// offset. A trailing partial line is left for the next call.
func ReadSegment(path string, offset int64) ([]domain.LogRecord, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, offset, err
	}
	if offset > fi.Size() {
		return nil, offset, ErrOffsetPastEnd
	}
	return readLines(f, offset)
}

// readLines decodes JSON lines from f starting at offset. Complete lines
// that do not decode are skipped; they cannot be repaired by re-reading.
func readLines(f *os.File, offset int64) ([]domain.LogRecord, int64, error) {
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, err
	}

	r := bufio.NewReaderSize(f, 64*1024)
	var out []domain.LogRecord
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, offset, nil // partial line (if any) stays unread
			}
			return out, offset, err
		}
		offset += int64(len(line))

		var rec domain.LogRecord
		if json.Unmarshal(line, &rec) != nil || rec.Validate() != nil {
			continue
		}
		out = append(out, rec)
	}
}

// truncateTornTail cuts the bytes after the last newline, returning how many were removed.
func truncateTornTail(path string) (int64, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := fi.Size()
	if size == 0 {
		return 0, nil
	}

	buf := make([]byte, 4096)
	end := size
	for end > 0 {
		start := end - int64(len(buf))
		if start < 0 {
			start = 0
		}
		chunk := buf[:end-start]
		if _, err := f.ReadAt(chunk, start); err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		for i := len(chunk) - 1; i >= 0; i-- {
			if chunk[i] == '\n' {
				keep := start + int64(i) + 1
				if keep == size {
					return 0, nil
				}
				return size - keep, truncateAndSync(f, keep)
			}
		}
		end = start
	}
	return size, truncateAndSync(f, 0)
}

func truncateAndSync(f *os.File, size int64) error {
	if err := f.Truncate(size); err != nil {
		return err
	}
	return f.Sync()
}

func countLines(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var n int64
	buf := make([]byte, 64*1024)
	for {
		c, err := f.Read(buf)
		for _, b := range buf[:c] {
			if b == '\n' {
				n++
			}
		}
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
	}
}

// ArchiveName returns the archive file name for a rotation at t.
func ArchiveName(t time.Time) string {
	return archivePrefix + t.UTC().Format(archiveTimeLayout) + archiveSuffix
}

// ParseArchiveName extracts the rotation time from an archive file name.
func ParseArchiveName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, archivePrefix) || !strings.HasSuffix(name, archiveSuffix) {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, archivePrefix), archiveSuffix)
	t, err := time.Parse(archiveTimeLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// Archives lists the archive segments in dir, oldest first.
func Archives(dir string) ([]ArchiveInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var out []ArchiveInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		at, ok := ParseArchiveName(e.Name())
		if !ok {
			continue
		}
		info := ArchiveInfo{Name: e.Name(), Path: filepath.Join(dir, e.Name()), RotatedAt: at}
		if fi, err := e.Info(); err == nil {
			info.Bytes = fi.Size()
		}
		out = append(out, info)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].RotatedAt.Before(out[j].RotatedAt)
	})
	return out, nil
}

// PruneArchives deletes the oldest archives so that at most keep remain.
// keep <= 0 keeps everything. The removed archives are returned.
func PruneArchives(dir string, keep int) ([]ArchiveInfo, error) {
	if keep <= 0 {
		return nil, nil
	}
	all, err := Archives(dir)
	if err != nil {
		return nil, err
	}
	if len(all) <= keep {
		return nil, nil
	}

	victims := all[:len(all)-keep]
	for i, a := range victims {
		if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return victims[:i], err
		}
	}
	return victims, nil
}
