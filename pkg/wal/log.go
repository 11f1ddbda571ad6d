package wal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/strata-systems/strata-core-sub002/pkg/kv"
)

// Position addresses a byte offset within a specific segment, the unit
// recovery and truncation reason about.
type Position struct {
	SegmentID uint64
	Offset    int64
}

func (p Position) Less(other Position) bool {
	if p.SegmentID != other.SegmentID {
		return p.SegmentID < other.SegmentID
	}
	return p.Offset < other.Offset
}

// DefaultMaxSegmentSize bounds how large a single segment file grows
// before the log rotates to a new one.
const DefaultMaxSegmentSize = 64 * 1024 * 1024

const segmentFilePattern = "segment-%020d.wal"
const watermarkFileName = "watermark"

type segmentFile struct {
	id   uint64
	file *os.File
	size int64
}

func segmentPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf(segmentFilePattern, id))
}

// Log is a segmented, append-only write-ahead log with single-writer
// discipline: the coordinator holds the per-run lock during a
// transaction's WAL writes; this log-level mutex serializes
// commit-ordering across runs at the file level. Tagged CRC frames
// across rotating segments, rather than one fixed-shape record in a
// single file.
type Log struct {
	dir            string
	mu             sync.Mutex
	segments       []*segmentFile // ascending by id; last is active
	maxSegmentSize int64
	durability     Durability

	pendingSinceFsync int
	closed            bool
	stopBatch         chan struct{}
	batchDone         chan struct{}
}

// Open opens or creates a segmented log in dir.
func Open(dir string, durability Durability) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, kv.IOError{Op: "mkdir", Path: dir, Err: err}
	}

	ids, err := listSegmentIDs(dir)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		ids = []uint64{0}
	}

	l := &Log{
		dir:            dir,
		maxSegmentSize: DefaultMaxSegmentSize,
		durability:     durability,
	}
	for i, id := range ids {
		flag := os.O_RDWR
		if i == len(ids)-1 {
			flag |= os.O_CREATE
		}
		f, err := os.OpenFile(segmentPath(dir, id), flag, 0o644)
		if err != nil {
			l.closeAllLocked()
			return nil, kv.IOError{Op: "open", Path: segmentPath(dir, id), Err: err}
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			l.closeAllLocked()
			return nil, kv.IOError{Op: "stat", Path: segmentPath(dir, id), Err: err}
		}
		if i < len(ids)-1 {
			f.Close()
			l.segments = append(l.segments, &segmentFile{id: id, size: info.Size()})
			continue
		}
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			l.closeAllLocked()
			return nil, kv.IOError{Op: "seek", Path: segmentPath(dir, id), Err: err}
		}
		l.segments = append(l.segments, &segmentFile{id: id, file: f, size: info.Size()})
	}

	if durability.Kind == DurabilityBatched {
		l.stopBatch = make(chan struct{})
		l.batchDone = make(chan struct{})
		go l.runBatchLoop()
	}
	return l, nil
}

func listSegmentIDs(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, kv.IOError{Op: "readdir", Path: dir, Err: err}
	}
	var ids []uint64
	for _, e := range entries {
		var id uint64
		if _, err := fmt.Sscanf(e.Name(), segmentFilePattern, &id); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (l *Log) active() *segmentFile {
	return l.segments[len(l.segments)-1]
}

// Append writes f to the active segment, returning its position.
// isCommitFrame marks a transaction's durability point for
// DurabilityStrict: an fsync is forced before Append returns.
func (l *Log) Append(f Frame, isCommitFrame bool) (Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return Position{}, kv.ShutdownError{}
	}

	encoded := Encode(f)
	if l.active().size > 0 && l.active().size+int64(len(encoded)) > l.maxSegmentSize {
		if err := l.rotateLocked(); err != nil {
			return Position{}, err
		}
	}

	seg := l.active()
	pos := Position{SegmentID: seg.id, Offset: seg.size}
	if _, err := seg.file.Write(encoded); err != nil {
		return Position{}, kv.IOError{Op: "write", Path: segmentPath(l.dir, seg.id), Err: err}
	}
	seg.size += int64(len(encoded))
	l.pendingSinceFsync++

	switch l.durability.Kind {
	case DurabilityNone:
		// no-op
	case DurabilityBatched:
		if l.pendingSinceFsync >= l.durability.maxPending() {
			if err := l.fsyncActiveLocked(); err != nil {
				return pos, err
			}
		}
	case DurabilityStrict:
		if isCommitFrame {
			if err := l.fsyncActiveLocked(); err != nil {
				return pos, err
			}
		}
	}

	return pos, nil
}

func (l *Log) rotateLocked() error {
	next := l.active().id + 1
	f, err := os.OpenFile(segmentPath(l.dir, next), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return kv.IOError{Op: "create", Path: segmentPath(l.dir, next), Err: err}
	}
	l.segments = append(l.segments, &segmentFile{id: next, file: f})
	return nil
}

func (l *Log) fsyncActiveLocked() error {
	seg := l.active()
	if seg.file == nil {
		return nil
	}
	if err := seg.file.Sync(); err != nil {
		return kv.IOError{Op: "fsync", Path: segmentPath(l.dir, seg.id), Err: err}
	}
	l.pendingSinceFsync = 0
	return nil
}

func (l *Log) runBatchLoop() {
	defer close(l.batchDone)
	ticker := time.NewTicker(l.durability.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			if l.pendingSinceFsync > 0 {
				l.fsyncActiveLocked()
			}
			l.mu.Unlock()
		case <-l.stopBatch:
			return
		}
	}
}

// Flush forces an fsync of the active segment regardless of durability
// mode, for callers that want an explicit durability point outside the
// commit path (the facade's Flush operation).
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return kv.ShutdownError{}
	}
	return l.fsyncActiveLocked()
}

// Close performs a final fsync and releases all segment file handles.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	err := l.fsyncActiveLocked()
	l.mu.Unlock()

	if l.stopBatch != nil {
		close(l.stopBatch)
		<-l.batchDone
	}

	l.mu.Lock()
	l.closeAllLocked()
	l.mu.Unlock()
	return err
}

func (l *Log) closeAllLocked() {
	for _, s := range l.segments {
		if s.file != nil {
			s.file.Close()
		}
	}
}

// watermarkPath returns the path to the durable watermark manifest.
func (l *Log) watermarkPath() string {
	return filepath.Join(l.dir, watermarkFileName)
}

// SetWatermark crash-safely persists the point below which segments may
// be deleted: write a temp file, fsync it, rename over the manifest,
// fsync the directory. Segments are not deleted here — see Truncate.
func (l *Log) SetWatermark(pos Position) error {
	tmp := l.watermarkPath() + ".tmp"
	data := []byte(strconv.FormatUint(pos.SegmentID, 10) + " " + strconv.FormatInt(pos.Offset, 10))

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return kv.IOError{Op: "write", Path: tmp, Err: err}
	}
	f, err := os.Open(tmp)
	if err != nil {
		return kv.IOError{Op: "open", Path: tmp, Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return kv.IOError{Op: "fsync", Path: tmp, Err: err}
	}
	f.Close()

	if err := os.Rename(tmp, l.watermarkPath()); err != nil {
		return kv.IOError{Op: "rename", Path: l.watermarkPath(), Err: err}
	}
	if dir, err := os.Open(l.dir); err == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}

// Watermark loads the durable watermark, or the zero Position if none
// has ever been set.
func (l *Log) Watermark() (Position, error) {
	data, err := os.ReadFile(l.watermarkPath())
	if os.IsNotExist(err) {
		return Position{}, nil
	}
	if err != nil {
		return Position{}, kv.IOError{Op: "read", Path: l.watermarkPath(), Err: err}
	}
	var segID uint64
	var offset int64
	if _, err := fmt.Sscanf(string(data), "%d %d", &segID, &offset); err != nil {
		return Position{}, kv.WALCorruptionError{Offset: 0}
	}
	return Position{SegmentID: segID, Offset: offset}, nil
}

// Truncate deletes whole segments strictly below watermark.SegmentID,
// never the active segment. The segment holding the watermark, and
// everything after it, is always retained, so the log kept behind the
// watermark is the first watermark.Offset bytes of that segment; when
// that offset is below MaxFrameSize, less than one maximum-size frame
// of log before the watermark survives.
func (l *Log) Truncate(watermark Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	activeID := l.active().id
	var kept []*segmentFile
	for _, s := range l.segments {
		if s.id < watermark.SegmentID && s.id != activeID {
			if s.file != nil {
				s.file.Close()
			}
			if err := os.Remove(segmentPath(l.dir, s.id)); err != nil && !os.IsNotExist(err) {
				return kv.IOError{Op: "remove", Path: segmentPath(l.dir, s.id), Err: err}
			}
			continue
		}
		kept = append(kept, s)
	}
	l.segments = kept
	return nil
}
