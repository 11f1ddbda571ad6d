package wal

import (
	"errors"
	"os"

	"github.com/strata-systems/strata-core-sub002/pkg/kv"
)

// ErrEndOfLog is returned by Scanner.Next once every segment has been
// fully consumed.
var ErrEndOfLog = errors.New("wal: end of log")

// DefaultResyncWindow is the minimum span searched for the next
// plausible frame header after a checksum or length failure; it must be
// at least as large as the largest frame the log can contain.
const DefaultResyncWindow = MaxFrameSize

// DefaultMaxToleratedCorruptions bounds how many corruption events one
// scan tolerates before aborting.
const DefaultMaxToleratedCorruptions = 10

// ScanEntry is one step of a Scanner: either a successfully decoded
// frame, or a report of a corrupted gap that scanning resynced past.
type ScanEntry struct {
	Frame     Frame
	Position  Position
	Corrupted bool
}

// Scanner yields frames in file order across segments starting at a
// given Position, validating CRC and bounds. On a checksum or length
// failure it searches forward for the next plausible frame header
// within a bounded resync window and reports a Corrupted entry for the
// gap; the scan aborts once the tolerated-corruption budget is spent.
type Scanner struct {
	dir                string
	segmentIDs         []uint64
	segIdx             int
	buf                []byte
	offset             int64 // within current segment
	resyncWindow       int
	maxCorruptions     int
	corruptionsSeen    int
}

// NewScanner opens a read-only scan over dir's segments starting at
// from. Segments with id < from.SegmentID are skipped entirely.
func NewScanner(dir string, from Position) (*Scanner, error) {
	ids, err := listSegmentIDs(dir)
	if err != nil {
		return nil, err
	}
	var filtered []uint64
	for _, id := range ids {
		if id >= from.SegmentID {
			filtered = append(filtered, id)
		}
	}
	s := &Scanner{
		dir:            dir,
		segmentIDs:     filtered,
		resyncWindow:   DefaultResyncWindow,
		maxCorruptions: DefaultMaxToleratedCorruptions,
	}
	if len(filtered) == 0 {
		return s, nil
	}
	if err := s.loadSegment(0); err != nil {
		return nil, err
	}
	if filtered[0] == from.SegmentID {
		s.offset = from.Offset
	}
	return s, nil
}

func (s *Scanner) loadSegment(idx int) error {
	path := segmentPath(s.dir, s.segmentIDs[idx])
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.buf = nil
			return nil
		}
		return kv.IOError{Op: "read", Path: path, Err: err}
	}
	s.segIdx = idx
	s.buf = data
	s.offset = 0
	return nil
}

// Next returns the next scan entry, ErrEndOfLog when exhausted, or a
// kv.WALCorruptionError if the tolerated-corruption budget is spent.
func (s *Scanner) Next() (ScanEntry, error) {
	for {
		if s.buf == nil || int(s.offset) >= len(s.buf) {
			if !s.advanceSegment() {
				return ScanEntry{}, ErrEndOfLog
			}
			continue
		}

		pos := Position{SegmentID: s.segmentIDs[s.segIdx], Offset: s.offset}
		frame, n, err := Decode(s.buf[s.offset:])
		if err == nil {
			s.offset += int64(n)
			return ScanEntry{Frame: frame, Position: pos}, nil
		}
		if IsShortBuffer(err) {
			// Incomplete trailing frame: treat the rest of this segment
			// as not-yet-written and move on (only the active segment
			// should ever end this way in a healthy log).
			if !s.advanceSegment() {
				return ScanEntry{}, ErrEndOfLog
			}
			continue
		}

		// Real corruption: resync forward within the window.
		s.corruptionsSeen++
		if s.corruptionsSeen > s.maxCorruptions {
			return ScanEntry{}, kv.WALCorruptionError{Offset: s.offset}
		}
		resynced := s.resync()
		if !resynced {
			if !s.advanceSegment() {
				return ScanEntry{}, ErrEndOfLog
			}
			return ScanEntry{Corrupted: true, Position: pos}, nil
		}
		return ScanEntry{Corrupted: true, Position: pos}, nil
	}
}

// resync scans forward byte-by-byte from s.offset+1, within
// resyncWindow bytes, for an offset where a frame decodes cleanly. On
// success it leaves s.offset there (the caller's next Next() call
// decodes it) and returns true.
func (s *Scanner) resync() bool {
	limit := int(s.offset) + s.resyncWindow
	if limit > len(s.buf) {
		limit = len(s.buf)
	}
	for try := int(s.offset) + 1; try < limit; try++ {
		if _, _, err := Decode(s.buf[try:]); err == nil {
			s.offset = int64(try)
			return true
		}
	}
	s.offset = int64(limit)
	return false
}

func (s *Scanner) advanceSegment() bool {
	next := s.segIdx + 1
	if next >= len(s.segmentIDs) {
		return false
	}
	if err := s.loadSegment(next); err != nil {
		return false
	}
	return true
}
