package storage

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"github.com/natefinch/atomic"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"

	"github.com/entl/cliwrapped/internal/codec"
	"github.com/entl/cliwrapped/internal/config"
	"github.com/entl/cliwrapped/internal/event"
	"github.com/entl/cliwrapped/internal/wal"
)

// RetentionOptions selects which sealed segments Compact retires and what
// happens to them. A zero MaxAge or MaxSize disables that threshold.
type RetentionOptions struct {
	MaxAge      time.Duration
	MaxSize     int64
	Mode        string
	Compression string
}

// Retirer receives the events of a segment before they leave the store.
// It must be idempotent per segment.
type Retirer interface {
	Retire(ctx context.Context, segment uint64, events []event.CommandEvent) error
}

// CompactionReport summarizes one Compact run.
type CompactionReport struct {
	Segments []uint64
	Events   int
	Bytes    int64
	Archived bool
}

// ArchiveEntry describes one archived segment in archive/manifest.json.
type ArchiveEntry struct {
	Segment     uint64    `json:"segment"`
	File        string    `json:"file"`
	Compression string    `json:"compression"`
	Size        int64     `json:"size"`
	Compressed  int64     `json:"compressed"`
	Records     int       `json:"records"`
	Digest      string    `json:"blake3"`
	ArchivedAt  time.Time `json:"archived_at"`
}

// Manifest lists archived segments.
type Manifest struct {
	Segments []ArchiveEntry `json:"segments"`
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("storage: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("storage: zstd decoder initialization failed: " + err.Error())
	}
}

func (s *Store) archiveDir() string {
	return filepath.Join(s.opts.Dir, "archive")
}

// Compact retires the sealed segments that fall outside the retention
// window. Segments are retired oldest first and only as a contiguous
// prefix of the log, so everything still indexed lies in segments newer
// than the last retired one.
func (s *Store) Compact(ctx context.Context, retirer Retirer) (CompactionReport, error) {
	retention := s.opts.Retention
	report := CompactionReport{Archived: retention.Mode == config.RetentionArchive}
	if retention.MaxAge <= 0 && retention.MaxSize <= 0 {
		return report, nil
	}

	candidates, err := s.compactionCandidates(ctx)
	if err != nil {
		return report, err
	}

	for _, segment := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		count, err := s.retireSegment(ctx, segment, retirer)
		if err != nil {
			return report, fmt.Errorf("storage: retiring segment %d: %w", segment.Index, err)
		}
		report.Segments = append(report.Segments, segment.Index)
		report.Events += count
		report.Bytes += segment.Size
	}

	if len(report.Segments) > 0 {
		s.logger.Info("compacted log",
			"segments", len(report.Segments),
			"events", report.Events,
			"freed", humanize.IBytes(uint64(report.Bytes)),
			"mode", retention.Mode,
		)
	}
	return report, nil
}

func (s *Store) compactionCandidates(ctx context.Context) ([]wal.SegmentInfo, error) {
	segments, err := s.log.Segments()
	if err != nil {
		return nil, err
	}

	var total int64
	for _, segment := range segments {
		total += segment.Size
	}

	retention := s.opts.Retention
	cutoff := s.clock.Now().Add(-retention.MaxAge)

	var candidates []wal.SegmentInfo
	for _, segment := range segments {
		if !segment.Sealed {
			break
		}

		overSize := retention.MaxSize > 0 && total > retention.MaxSize
		expired := false
		if retention.MaxAge > 0 {
			newest, err := s.segmentNewest(ctx, segment)
			if err != nil {
				return nil, err
			}
			expired = newest.Before(cutoff)
		}
		if !overSize && !expired {
			break
		}

		candidates = append(candidates, segment)
		total -= segment.Size
	}
	return candidates, nil
}

// segmentNewest returns the newest start time in a segment, falling back
// to the file's modification time when nothing of it is indexed.
func (s *Store) segmentNewest(ctx context.Context, segment wal.SegmentInfo) (time.Time, error) {
	newest, ok, err := s.db.newestInSegment(ctx, segment.Index)
	if err != nil {
		return time.Time{}, err
	}
	if ok {
		return time.UnixMilli(newest), nil
	}
	info, err := os.Stat(segment.Path)
	if err != nil {
		return time.Time{}, fmt.Errorf("storage: stat segment %d: %w", segment.Index, err)
	}
	return info.ModTime(), nil
}

// retireSegment hands a segment's events to the retirer, archives it if
// configured, drops its index rows and removes it from the log. Every
// step is safe to repeat after a crash.
func (s *Store) retireSegment(ctx context.Context, segment wal.SegmentInfo, retirer Retirer) (int, error) {
	data, err := os.ReadFile(segment.Path)
	if err != nil {
		return 0, err
	}
	// A frame whose index insert failed may sit next to its retried
	// copy. Only the indexed frame counts.
	indexed, err := s.db.segmentOffsets(ctx, segment.Index)
	if err != nil {
		return 0, err
	}
	events, err := decodeSegment(segment.Index, segment.Path, data, func(position wal.Position, _ event.CommandEvent) bool {
		_, ok := indexed[position.Offset]
		return ok
	})
	if err != nil {
		return 0, err
	}

	if retirer != nil {
		if err := retirer.Retire(ctx, segment.Index, events); err != nil {
			return 0, err
		}
	}

	if s.opts.Retention.Mode == config.RetentionArchive {
		if err := s.archiveSegment(segment.Index, data, len(events)); err != nil {
			return 0, err
		}
	}

	if _, err := s.db.deleteSegment(ctx, segment.Index); err != nil {
		return 0, err
	}
	if err := s.log.Remove(segment.Index); err != nil {
		return 0, err
	}
	return len(events), nil
}

// decodeSegment decodes the frames of a segment for which keep reports
// true.
func decodeSegment(index uint64, path string, data []byte, keep func(wal.Position, event.CommandEvent) bool) ([]event.CommandEvent, error) {
	var events []event.CommandEvent
	err := wal.ScanSegment(index, data, func(position wal.Position, payload []byte) error {
		var e event.CommandEvent
		if err := codec.Unmarshal(payload, &e); err != nil {
			return &CorruptionError{
				Path:   path,
				Reason: fmt.Sprintf("undecodable record at offset %d", position.Offset),
				Err:    err,
			}
		}
		if keep(position, e) {
			events = append(events, e)
		}
		return nil
	})
	return events, err
}

func (s *Store) archiveSegment(index uint64, data []byte, records int) error {
	compressed, compression, err := compress(data, s.opts.Retention.Compression)
	if err != nil {
		return err
	}

	dir := s.archiveDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating archive directory: %w", err)
	}

	name := fmt.Sprintf("%020d.wal.%s", index, compression)
	if err := atomic.WriteFile(filepath.Join(dir, name), bytes.NewReader(compressed)); err != nil {
		return fmt.Errorf("writing archive %s: %w", name, err)
	}

	digest := blake3.Sum256(data)
	entry := ArchiveEntry{
		Segment:     index,
		File:        name,
		Compression: compression,
		Size:        int64(len(data)),
		Compressed:  int64(len(compressed)),
		Records:     records,
		Digest:      hex.EncodeToString(digest[:]),
		ArchivedAt:  s.clock.Now().UTC(),
	}

	manifest, err := s.readManifest()
	if err != nil {
		return err
	}
	manifest.Segments = slices.DeleteFunc(manifest.Segments, func(existing ArchiveEntry) bool {
		return existing.Segment == index
	})
	manifest.Segments = append(manifest.Segments, entry)
	slices.SortFunc(manifest.Segments, func(a, b ArchiveEntry) int {
		switch {
		case a.Segment < b.Segment:
			return -1
		case a.Segment > b.Segment:
			return 1
		default:
			return 0
		}
	})
	return s.writeManifest(manifest)
}

func (s *Store) manifestPath() string {
	return filepath.Join(s.archiveDir(), "manifest.json")
}

func (s *Store) readManifest() (Manifest, error) {
	data, err := os.ReadFile(s.manifestPath())
	if os.IsNotExist(err) {
		return Manifest{}, nil
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("reading archive manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, &CorruptionError{Path: s.manifestPath(), Reason: "unreadable manifest", Err: err}
	}
	return manifest, nil
}

func (s *Store) writeManifest(manifest Manifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(s.manifestPath(), bytes.NewReader(append(data, '\n'))); err != nil {
		return fmt.Errorf("writing archive manifest: %w", err)
	}
	return nil
}

// Archives lists archived segments, oldest first.
func (s *Store) Archives() ([]ArchiveEntry, error) {
	manifest, err := s.readManifest()
	if err != nil {
		return nil, err
	}
	return manifest.Segments, nil
}

// ReadArchive decompresses an archived segment, verifies its digest and
// returns its events.
func (s *Store) ReadArchive(segment uint64) ([]event.CommandEvent, error) {
	manifest, err := s.readManifest()
	if err != nil {
		return nil, err
	}
	index := slices.IndexFunc(manifest.Segments, func(entry ArchiveEntry) bool {
		return entry.Segment == segment
	})
	if index < 0 {
		return nil, fmt.Errorf("storage: segment %d is not archived", segment)
	}
	entry := manifest.Segments[index]

	path := filepath.Join(s.archiveDir(), entry.File)
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("storage: reading archive: %w", err)
	}
	data, err := decompress(compressed, entry.Compression, int(entry.Size))
	if err != nil {
		return nil, &CorruptionError{Path: path, Reason: "cannot decompress archive", Err: err}
	}
	digest := blake3.Sum256(data)
	if hex.EncodeToString(digest[:]) != entry.Digest {
		return nil, &CorruptionError{Path: path, Reason: "archive digest mismatch"}
	}
	seen := make(map[event.Key]struct{})
	return decodeSegment(segment, path, data, func(_ wal.Position, e event.CommandEvent) bool {
		if _, dup := seen[e.Key()]; dup {
			return false
		}
		seen[e.Key()] = struct{}{}
		return true
	})
}

// compress returns the compressed bytes and the codec actually used. An
// incompressible lz4 block is stored raw as "none".
func compress(data []byte, compression string) ([]byte, string, error) {
	switch compression {
	case "zstd":
		return zstdEncoder.EncodeAll(data, nil), compression, nil
	case "lz4":
		destination := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, "", fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 {
			return data, "none", nil
		}
		return destination[:written], compression, nil
	default:
		return nil, "", fmt.Errorf("unsupported compression %q", compression)
	}
}

func decompress(compressed []byte, compression string, size int) ([]byte, error) {
	switch compression {
	case "none":
		if len(compressed) != size {
			return nil, fmt.Errorf("raw archive: size %d does not match expected %d", len(compressed), size)
		}
		return compressed, nil
	case "zstd":
		return zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
	case "lz4":
		destination := make([]byte, size)
		read, err := lz4.UncompressBlock(compressed, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return destination, nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", compression)
	}
}
