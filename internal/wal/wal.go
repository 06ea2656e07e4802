// Package wal implements the segmented append-only log that is the system
// of record for captured commands.
//
// A log is a directory of segment files named by a zero-padded index
// ("00000000000000000001.wal"). Each segment starts with an 8-byte header
// (magic "CLWW", format version, 3 reserved bytes) followed by frames:
//
//	[u32 little-endian payload length][u32 CRC-32C of payload][payload]
//
// Only the highest-numbered segment is written to; once it would grow past
// the configured size it is synced, sealed and a new segment is started.
// On Open the active segment is scanned and a torn final frame (left by a
// crash during a write) is truncated away. A damaged frame anywhere else is
// reported as a CorruptionError.
package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/entl/cliwrapped/internal/clock"
)

const (
	segmentMagic      = "CLWW"
	formatVersion     = 1
	segmentHeaderSize = 8
	frameHeaderSize   = 8
	segmentSuffix     = ".wal"

	// MaxRecordSize bounds a single payload. Command events are tiny;
	// anything larger is a damaged length field.
	MaxRecordSize = 1 << 20
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ErrClosed is returned by operations on a closed log.
var ErrClosed = errors.New("wal: log is closed")

// SyncPolicy selects when appended frames are fsynced.
type SyncPolicy int

const (
	// SyncEachWrite fsyncs before Append returns.
	SyncEachWrite SyncPolicy = iota
	// SyncBatched hands frames to the OS on Append and fsyncs on a
	// fixed interval. Appended frames survive a process crash; a power
	// loss can cost at most one interval.
	SyncBatched
)

// Position addresses a frame: the segment index and the byte offset of
// the frame header within it.
type Position struct {
	Segment uint64 `json:"segment"`
	Offset  int64  `json:"offset"`
}

// Less orders positions by segment then offset.
func (p Position) Less(other Position) bool {
	if p.Segment != other.Segment {
		return p.Segment < other.Segment
	}
	return p.Offset < other.Offset
}

// Next returns the position just past a frame at p carrying n payload
// bytes.
func (p Position) Next(n int) Position {
	return Position{Segment: p.Segment, Offset: p.Offset + frameHeaderSize + int64(n)}
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Segment, p.Offset)
}

// CorruptionError reports a damaged frame that cannot be explained by a
// crash during the last write.
type CorruptionError struct {
	Segment uint64
	Offset  int64
	Reason  string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupt frame in segment %d at offset %d: %s", e.Segment, e.Offset, e.Reason)
}

// Options configures a log.
type Options struct {
	Dir          string
	SegmentSize  int64
	Sync         SyncPolicy
	SyncInterval time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
}

// SegmentInfo describes one segment file.
type SegmentInfo struct {
	Index  uint64
	Path   string
	Size   int64
	Sealed bool
}

// Repair describes what Open removed from a torn active segment.
type Repair struct {
	Segment        uint64
	Offset         int64
	TruncatedBytes int64
}

// Log is a segmented write-ahead log. Appends are serialized internally;
// Replay may run concurrently with appends and sees a prefix of the log.
type Log struct {
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	segments    []uint64
	active      *os.File
	activeIndex uint64
	activeSize  int64
	dirty       bool
	syncErr     error
	closed      bool
	repair      *Repair

	stopSync chan struct{}
	syncDone chan struct{}
}

// Open opens or creates the log in opts.Dir and repairs a torn tail.
func Open(opts Options) (*Log, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("wal: Dir is required")
	}
	if opts.SegmentSize <= segmentHeaderSize+frameHeaderSize {
		return nil, fmt.Errorf("wal: segment size %d is too small", opts.SegmentSize)
	}
	if opts.Sync == SyncBatched && opts.SyncInterval <= 0 {
		return nil, fmt.Errorf("wal: batched sync needs a positive interval")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("wal: creating %s: %w", opts.Dir, err)
	}

	l := &Log{opts: opts, logger: logger}

	segments, err := listSegments(opts.Dir)
	if err != nil {
		return nil, err
	}
	l.segments = segments

	if len(l.segments) == 0 {
		if err := l.createSegment(1); err != nil {
			return nil, err
		}
	} else if err := l.openActive(l.segments[len(l.segments)-1]); err != nil {
		return nil, err
	}

	if opts.Sync == SyncBatched {
		l.stopSync = make(chan struct{})
		l.syncDone = make(chan struct{})
		go l.syncLoop()
	}

	return l, nil
}

func listSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("wal: listing %s: %w", dir, err)
	}
	var segments []uint64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		index, err := strconv.ParseUint(strings.TrimSuffix(name, segmentSuffix), 10, 64)
		if err != nil || index == 0 {
			continue
		}
		segments = append(segments, index)
	}
	slices.Sort(segments)
	return segments, nil
}

func (l *Log) segmentPath(index uint64) string {
	return filepath.Join(l.opts.Dir, fmt.Sprintf("%020d%s", index, segmentSuffix))
}

// SegmentPath returns the file path of a segment.
func (l *Log) SegmentPath(index uint64) string {
	return l.segmentPath(index)
}

func segmentHeader() []byte {
	header := make([]byte, segmentHeaderSize)
	copy(header, segmentMagic)
	header[4] = formatVersion
	return header
}

func (l *Log) createSegment(index uint64) error {
	path := l.segmentPath(index)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("wal: creating segment %d: %w", index, err)
	}
	if _, err := file.Write(segmentHeader()); err != nil {
		file.Close()
		return fmt.Errorf("wal: writing segment header: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("wal: syncing segment header: %w", err)
	}
	syncDir(l.opts.Dir)

	if !slices.Contains(l.segments, index) {
		l.segments = append(l.segments, index)
	}
	l.active = file
	l.activeIndex = index
	l.activeSize = segmentHeaderSize
	return nil
}

// openActive scans the highest segment, truncates a torn tail and opens
// it for appending.
func (l *Log) openActive(index uint64) error {
	path := l.segmentPath(index)
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("wal: stat segment %d: %w", index, err)
	}

	// A crash while creating the segment can leave a short header.
	if info.Size() < segmentHeaderSize {
		l.logger.Warn("rewriting incomplete segment header", "segment", index, "size", info.Size())
		return l.createSegment(index)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("wal: opening segment %d: %w", index, err)
	}
	result, err := scanFrames(file, index, 0, info.Size(), nil)
	file.Close()
	if err != nil {
		return err
	}

	if result.bad != nil {
		torn, err := isTornTail(path, result, info.Size())
		if err != nil {
			return err
		}
		if !torn {
			return result.bad
		}
		if err := os.Truncate(path, result.end); err != nil {
			return fmt.Errorf("wal: truncating torn tail of segment %d: %w", index, err)
		}
		l.repair = &Repair{Segment: index, Offset: result.end, TruncatedBytes: info.Size() - result.end}
		l.logger.Warn("discarded torn tail",
			"segment", index,
			"offset", result.end,
			"bytes", info.Size()-result.end,
			"reason", result.bad.Reason,
		)
	}

	active, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("wal: opening segment %d for append: %w", index, err)
	}
	l.active = active
	l.activeIndex = index
	l.activeSize = result.end
	return nil
}

// isTornTail decides whether a bad frame in the active segment is the
// remains of an interrupted write: its declared extent reaches EOF, or
// everything from it to EOF is zero fill.
func isTornTail(path string, result scanResult, size int64) (bool, error) {
	if result.frameEnd >= size {
		return true, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("wal: reopening segment: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(result.end, io.SeekStart); err != nil {
		return false, err
	}
	rest, err := io.ReadAll(file)
	if err != nil {
		return false, err
	}
	return len(bytes.Trim(rest, "\x00")) == 0, nil
}

// Repaired reports the torn tail removed by Open, if any.
func (l *Log) Repaired() *Repair {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.repair
}

// Append writes one payload and returns its position. Under
// SyncEachWrite the frame is on stable storage when Append returns.
func (l *Log) Append(payload []byte) (Position, error) {
	if len(payload) == 0 || len(payload) > MaxRecordSize {
		return Position{}, fmt.Errorf("wal: payload size %d out of range", len(payload))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return Position{}, ErrClosed
	}
	if l.syncErr != nil {
		return Position{}, fmt.Errorf("wal: previous sync failed: %w", l.syncErr)
	}

	frameSize := int64(frameHeaderSize + len(payload))
	if l.activeSize > segmentHeaderSize && l.activeSize+frameSize > l.opts.SegmentSize {
		if err := l.rotate(); err != nil {
			return Position{}, err
		}
	}

	frame := make([]byte, frameSize)
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.Checksum(payload, castagnoli))
	copy(frame[frameHeaderSize:], payload)

	position := Position{Segment: l.activeIndex, Offset: l.activeSize}
	if _, err := l.active.Write(frame); err != nil {
		l.undo(position.Offset)
		return Position{}, fmt.Errorf("wal: writing frame: %w", err)
	}
	if l.opts.Sync == SyncEachWrite {
		if err := l.active.Sync(); err != nil {
			l.undo(position.Offset)
			return Position{}, fmt.Errorf("wal: syncing frame: %w", err)
		}
	} else {
		l.dirty = true
	}

	l.activeSize += frameSize
	return position, nil
}

// undo cuts a partially written frame so the active segment never holds
// garbage in the middle of its life.
func (l *Log) undo(offset int64) {
	if err := l.active.Truncate(offset); err != nil {
		l.logger.Error("failed to cut back partial frame", "segment", l.activeIndex, "offset", offset, "error", err)
	}
}

func (l *Log) rotate() error {
	if err := l.active.Sync(); err != nil {
		return fmt.Errorf("wal: syncing segment %d before rotation: %w", l.activeIndex, err)
	}
	if err := l.active.Close(); err != nil {
		return fmt.Errorf("wal: closing segment %d: %w", l.activeIndex, err)
	}
	l.dirty = false
	next := l.activeIndex + 1
	l.logger.Debug("sealing segment", "segment", l.activeIndex, "size", l.activeSize, "next", next)
	return l.createSegment(next)
}

// Sync flushes appended frames to stable storage.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.syncLocked()
}

func (l *Log) syncLocked() error {
	if l.closed || !l.dirty {
		return nil
	}
	if err := l.active.Sync(); err != nil {
		l.syncErr = err
		return fmt.Errorf("wal: sync: %w", err)
	}
	l.dirty = false
	l.syncErr = nil
	return nil
}

func (l *Log) syncLoop() {
	defer close(l.syncDone)
	ticker := l.opts.Clock.NewTicker(l.opts.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopSync:
			return
		case <-ticker.C:
			if err := l.Sync(); err != nil {
				l.logger.Error("batched sync failed", "error", err)
			}
		}
	}
}

// End returns the position the next frame will be written at.
func (l *Log) End() Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Position{Segment: l.activeIndex, Offset: l.activeSize}
}

// Start returns the position of the first frame still in the log.
func (l *Log) Start() Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Position{Segment: l.segments[0], Offset: segmentHeaderSize}
}

// Segments describes every segment, oldest first.
func (l *Log) Segments() ([]SegmentInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	infos := make([]SegmentInfo, 0, len(l.segments))
	for _, index := range l.segments {
		info := SegmentInfo{Index: index, Path: l.segmentPath(index), Sealed: index != l.activeIndex}
		if index == l.activeIndex {
			info.Size = l.activeSize
		} else {
			stat, err := os.Stat(info.Path)
			if err != nil {
				return nil, fmt.Errorf("wal: stat segment %d: %w", index, err)
			}
			info.Size = stat.Size()
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Remove deletes a sealed segment. The active segment cannot be removed.
func (l *Log) Remove(index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index == l.activeIndex {
		return fmt.Errorf("wal: cannot remove active segment %d", index)
	}
	position := slices.Index(l.segments, index)
	if position < 0 {
		return nil
	}
	if err := os.Remove(l.segmentPath(index)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("wal: removing segment %d: %w", index, err)
	}
	l.segments = slices.Delete(l.segments, position, position+1)
	syncDir(l.opts.Dir)
	return nil
}

// Replay calls fn for every frame at or after from, in log order. Frames
// appended after Replay starts are not visited. A segment removed by
// compaction is skipped.
func (l *Log) Replay(from Position, fn func(Position, []byte) error) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	segments := slices.Clone(l.segments)
	end := Position{Segment: l.activeIndex, Offset: l.activeSize}
	l.mu.Unlock()

	for _, index := range segments {
		if index < from.Segment {
			continue
		}
		// Offset 0 makes scanFrames verify the segment header.
		start := int64(0)
		if index == from.Segment && from.Offset > segmentHeaderSize {
			start = from.Offset
		}

		file, err := os.Open(l.segmentPath(index))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("wal: opening segment %d: %w", index, err)
		}
		limit := int64(-1)
		if index == end.Segment {
			limit = end.Offset
		}
		result, err := scanFrames(file, index, start, limit, fn)
		file.Close()
		if err != nil {
			return err
		}
		if result.bad != nil {
			return result.bad
		}
	}
	return nil
}

// ScanSegment decodes the frames of a whole segment image, such as one
// restored from an archive.
func ScanSegment(index uint64, data []byte, fn func(Position, []byte) error) error {
	result, err := scanFrames(bytes.NewReader(data), index, 0, int64(len(data)), fn)
	if err != nil {
		return err
	}
	if result.bad != nil {
		return result.bad
	}
	return nil
}

// Close stops the batched syncer, syncs and closes the active segment.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	if l.stopSync != nil {
		close(l.stopSync)
		<-l.syncDone
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	syncErr := l.syncLocked()
	l.closed = true
	closeErr := l.active.Close()
	return errors.Join(syncErr, closeErr)
}

type scanResult struct {
	// end is the offset just past the last good frame.
	end int64
	// frameEnd is where the bad frame claims to end.
	frameEnd int64
	bad      *CorruptionError
}

// scanFrames reads frames from r. When start is 0 the segment header is
// verified first; otherwise r is positioned at start. limit < 0 means
// read to EOF. fn may be nil.
func scanFrames(r io.Reader, index uint64, start, limit int64, fn func(Position, []byte) error) (scanResult, error) {
	reader := bufio.NewReader(r)
	offset := int64(0)

	if start == 0 {
		header := make([]byte, segmentHeaderSize)
		if _, err := io.ReadFull(reader, header); err != nil {
			return scanResult{}, &CorruptionError{Segment: index, Offset: 0, Reason: "short segment header"}
		}
		if string(header[:4]) != segmentMagic {
			return scanResult{}, &CorruptionError{Segment: index, Offset: 0, Reason: "bad segment magic"}
		}
		if header[4] != formatVersion {
			return scanResult{}, &CorruptionError{Segment: index, Offset: 0,
				Reason: fmt.Sprintf("unsupported segment version %d", header[4])}
		}
		offset = segmentHeaderSize
	} else {
		if seeker, ok := r.(io.Seeker); ok {
			if _, err := seeker.Seek(start, io.SeekStart); err != nil {
				return scanResult{}, fmt.Errorf("wal: seeking segment %d: %w", index, err)
			}
			reader.Reset(r)
		} else if _, err := reader.Discard(int(start)); err != nil {
			return scanResult{}, fmt.Errorf("wal: skipping to offset %d: %w", start, err)
		}
		offset = start
	}

	frameHeader := make([]byte, frameHeaderSize)
	for limit < 0 || offset < limit {
		_, err := io.ReadFull(reader, frameHeader)
		if err == io.EOF {
			return scanResult{end: offset}, nil
		}
		if err != nil {
			return scanResult{end: offset, frameEnd: offset + frameHeaderSize,
				bad: &CorruptionError{Segment: index, Offset: offset, Reason: "incomplete frame header"}}, nil
		}

		length := binary.LittleEndian.Uint32(frameHeader[0:4])
		checksum := binary.LittleEndian.Uint32(frameHeader[4:8])
		frameEnd := offset + frameHeaderSize + int64(length)
		if length == 0 || length > MaxRecordSize {
			return scanResult{end: offset, frameEnd: frameEnd,
				bad: &CorruptionError{Segment: index, Offset: offset, Reason: fmt.Sprintf("invalid frame length %d", length)}}, nil
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return scanResult{end: offset, frameEnd: frameEnd,
				bad: &CorruptionError{Segment: index, Offset: offset, Reason: "incomplete frame payload"}}, nil
		}
		if crc32.Checksum(payload, castagnoli) != checksum {
			return scanResult{end: offset, frameEnd: frameEnd,
				bad: &CorruptionError{Segment: index, Offset: offset, Reason: "checksum mismatch"}}, nil
		}

		if fn != nil {
			if err := fn(Position{Segment: index, Offset: offset}, payload); err != nil {
				return scanResult{}, err
			}
		}
		offset = frameEnd
	}
	return scanResult{end: offset}, nil
}

func syncDir(dir string) {
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
}
