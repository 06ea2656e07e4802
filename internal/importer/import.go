package importer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/entl/cliwrapped/internal/clock"
	"github.com/entl/cliwrapped/internal/event"
	"github.com/entl/cliwrapped/internal/ingest"
	"github.com/entl/cliwrapped/internal/storage"
	"github.com/entl/cliwrapped/internal/validators"
)

// maxLineSize bounds one history line.
const maxLineSize = 1 << 20

// Options configures Import and the Tailer.
type Options struct {
	// Format of the file. Empty detects it from the file name.
	Format Format
	// Shell attributed to imported commands. Defaults to zsh, which is
	// what writes both formats.
	Shell event.ShellKind
	// Home replaces a leading "~" in imported directories.
	Home   string
	Clock  clock.Clock
	Logger *slog.Logger
}

func (o Options) withDefaults(path string) Options {
	if o.Format == "" {
		o.Format = DetectFormat(path)
	}
	if o.Shell == "" {
		o.Shell = event.ShellZsh
	}
	if o.Home == "" {
		o.Home, _ = os.UserHomeDir()
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

// Report counts what Import did with each line.
type Report struct {
	Lines      int `json:"lines"`
	Imported   int `json:"imported"`
	Duplicates int `json:"duplicates"`
	// Skipped lines had no timestamp or failed validation.
	Skipped int `json:"skipped"`
}

// SessionID is the synthetic session imported commands are filed under.
// With the line number as sequence, re-importing the same file is
// idempotent. The inode tells a rewritten file apart from the one it
// replaced.
func SessionID(path string, inode uint64) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return fmt.Sprintf("import:%s:%d", path, inode)
}

func fileSession(f *os.File, path string) (string, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	return SessionID(path, st.Ino), nil
}

// Import reads a history file and appends every timestamped command to
// sink.
func Import(ctx context.Context, path string, sink ingest.Sink, opts Options) (Report, error) {
	opts = opts.withDefaults(path)
	logger := opts.Logger.With("component", "importer", "file", path)

	f, err := os.Open(path)
	if err != nil {
		return Report{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	session, err := fileSession(f, path)
	if err != nil {
		return Report{}, err
	}
	var report Report
	err = scanEntries(f, 0, func(line uint64, text string, tooLong bool) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		report.Lines++
		if tooLong {
			logger.Warn("skipping oversized entry", "line", line, "max", maxLineSize)
			report.Skipped++
			return nil
		}

		raw, ok := opts.rawEvent(text, session, line)
		if !ok {
			report.Skipped++
			return nil
		}
		if err := validators.ValidateRawEvent(&raw); err != nil {
			logger.Debug("skipping line", "line", line, "error", err)
			report.Skipped++
			return nil
		}

		_, err := sink.Append(ctx, event.FromRaw(raw, opts.Clock.Now()))
		switch {
		case errors.Is(err, storage.ErrDuplicate):
			report.Duplicates++
		case err != nil:
			return fmt.Errorf("line %d: %w", line, err)
		default:
			report.Imported++
		}
		return nil
	})
	if err != nil {
		return report, err
	}

	logger.Info("import finished",
		"lines", report.Lines,
		"imported", report.Imported,
		"duplicates", report.Duplicates,
		"skipped", report.Skipped)
	return report, nil
}

// rawEvent turns one entry into a raw event. Entries without a timestamp
// cannot be placed in any period and are rejected.
func (o Options) rawEvent(text, session string, line uint64) (event.RawEvent, bool) {
	rec, ok := parseLine(o.Format, text)
	if !ok || rec.Start <= 0 {
		return event.RawEvent{}, false
	}

	dir := rec.Directory
	if o.Home != "" && (dir == "~" || strings.HasPrefix(dir, "~/")) {
		dir = o.Home + dir[1:]
	}
	return event.RawEvent{
		Command:    rec.Command,
		StartMs:    time.Unix(rec.Start, 0).UnixMilli(),
		DurationMs: rec.ElapsedS * 1000,
		Cwd:        dir,
		Shell:      o.Shell,
		SessionID:  session,
		Sequence:   line,
	}, true
}

// scanEntries calls fn for each entry in r with the 1-based number of
// its first line, counting from firstLine. zsh writes multi-line commands
// with a trailing backslash on every line but the last. An entry holding
// a line longer than maxLineSize is passed with tooLong set and no text.
func scanEntries(r io.Reader, firstLine uint64, fn func(line uint64, text string, tooLong bool) error) error {
	br := bufio.NewReaderSize(r, 64*1024)

	lineNo := firstLine
	var (
		entry      strings.Builder
		entryStart uint64
		oversized  bool
	)
	flush := func(text string) error {
		err := fn(entryStart, text, oversized)
		entry.Reset()
		oversized = false
		return err
	}
	for {
		raw, tooLong, cont, readErr := readLine(br, maxLineSize)
		if readErr != nil && readErr != io.EOF {
			return readErr
		}
		if readErr == io.EOF && len(raw) == 0 && !tooLong {
			break
		}

		lineNo++
		if entry.Len() == 0 && !oversized {
			entryStart = lineNo
		}
		switch {
		case tooLong:
			oversized = true
			entry.Reset()
		case oversized:
		default:
			text := string(unmetafy(raw))
			if cont {
				text = strings.TrimSuffix(text, `\`)
			}
			entry.WriteString(text)
			if cont {
				entry.WriteByte('\n')
			}
		}
		if !cont {
			if err := flush(entry.String()); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			break
		}
	}
	if entry.Len() > 0 || oversized {
		return flush(strings.TrimSuffix(entry.String(), "\n"))
	}
	return nil
}

// readLine reads one line without its terminator. A line longer than
// limit is consumed and returned empty with tooLong set. cont reports a
// trailing backslash.
func readLine(br *bufio.Reader, limit int) (line []byte, tooLong, cont bool, err error) {
	var last byte
	for {
		chunk, readErr := br.ReadSlice('\n')
		trimmed := chunk
		if readErr != bufio.ErrBufferFull {
			trimmed = bytes.TrimSuffix(bytes.TrimSuffix(chunk, []byte{'\n'}), []byte{'\r'})
		}
		if len(trimmed) > 0 {
			last = trimmed[len(trimmed)-1]
		}
		if !tooLong {
			if len(line)+len(trimmed) > limit {
				tooLong = true
				line = nil
			} else {
				line = append(line, trimmed...)
			}
		}
		if readErr == bufio.ErrBufferFull {
			continue
		}
		return line, tooLong, last == '\\', readErr
	}
}
