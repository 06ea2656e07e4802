package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"

	"github.com/entl/cliwrapped/internal/event"
	"github.com/entl/cliwrapped/internal/ingest"
	"github.com/entl/cliwrapped/internal/validators"
)

// Submitter accepts events the way a shell hook delivers them.
type Submitter interface {
	Submit(ctx context.Context, raw event.RawEvent) (ingest.Ack, error)
}

// tailState is the read position in one followed file.
type tailState struct {
	inode   uint64
	offset  int64
	line    uint64
	session string
	// generation counts in-place truncations of the same inode.
	generation int
}

// TailStats counts what the tailer has submitted.
type TailStats struct {
	Submitted  uint64
	Duplicates uint64
	Skipped    uint64
	Failed     uint64
}

// Tailer follows stats logs and submits lines as they are appended. On
// start it reads every file from the beginning; lines already stored are
// recognized by their key and acknowledged as duplicates.
type Tailer struct {
	files  []string
	sub    Submitter
	opts   Options
	logger *slog.Logger

	fsWatcher *fsnotify.Watcher

	mu     sync.Mutex
	states map[string]*tailState
	stats  TailStats
}

// NewTailer creates a tailer for files. Paths are made absolute.
func NewTailer(files []string, sub Submitter, opts Options) (*Tailer, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	abs := make([]string, 0, len(files))
	for _, f := range files {
		p, err := filepath.Abs(f)
		if err != nil {
			fsw.Close()
			return nil, err
		}
		abs = append(abs, p)
	}

	// An empty format is detected per file.
	format := opts.Format
	opts = opts.withDefaults("")
	opts.Format = format
	return &Tailer{
		files:     abs,
		sub:       sub,
		opts:      opts,
		logger:    opts.Logger.With("component", "tailer"),
		fsWatcher: fsw,
		states:    make(map[string]*tailState),
	}, nil
}

// Run catches up on every file and then follows them until ctx is done.
func (t *Tailer) Run(ctx context.Context) error {
	defer t.fsWatcher.Close()

	// Watch the parent directories so files that are replaced or created
	// later are picked up.
	watched := make(map[string]bool)
	for _, path := range t.files {
		dir := filepath.Dir(path)
		if watched[dir] {
			continue
		}
		if err := t.fsWatcher.Add(dir); err != nil {
			t.logger.Warn("cannot watch directory", "dir", dir, "error", err)
			continue
		}
		watched[dir] = true
	}

	for _, path := range t.files {
		t.readNew(ctx, path)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-t.fsWatcher.Events:
			if !ok {
				return nil
			}
			if !t.follows(ev.Name) {
				continue
			}
			switch {
			case ev.Op&(fsnotify.Write|fsnotify.Create) != 0:
				t.readNew(ctx, ev.Name)
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				t.forget(ev.Name)
			}

		case err, ok := <-t.fsWatcher.Errors:
			if !ok {
				return nil
			}
			t.logger.Warn("watch error", "error", err)
		}
	}
}

// Stats returns the tailer counters.
func (t *Tailer) Stats() TailStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

func (t *Tailer) follows(path string) bool {
	for _, f := range t.files {
		if f == path {
			return true
		}
	}
	return false
}

func (t *Tailer) forget(path string) {
	t.mu.Lock()
	delete(t.states, path)
	t.mu.Unlock()
}

// readNew submits the complete entries appended to path since the last
// read. A trailing partial line is left for the next read.
func (t *Tailer) readNew(ctx context.Context, path string) {
	if err := t.readFile(ctx, path); err != nil && !errors.Is(err, os.ErrNotExist) {
		t.logger.Warn("reading followed file", "file", path, "error", err)
	}
}

func (t *Tailer) readFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return fmt.Errorf("stat: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.states[path]
	switch {
	case state == nil || state.inode != st.Ino:
		state = &tailState{inode: st.Ino, session: SessionID(path, st.Ino)}
		t.states[path] = state
	case st.Size < state.offset:
		// Truncated in place: start over under a fresh session so the
		// reused line numbers do not collide with stored keys.
		state.generation++
		state.offset = 0
		state.line = 0
		state.session = fmt.Sprintf("%s#%d", SessionID(path, st.Ino), state.generation)
	}
	if st.Size == state.offset {
		return nil
	}

	if _, err := f.Seek(state.offset, io.SeekStart); err != nil {
		return err
	}
	data, err := io.ReadAll(io.LimitReader(f, st.Size-state.offset))
	if err != nil {
		return err
	}

	complete := completeEntries(data)
	if complete == 0 {
		return nil
	}
	chunk := data[:complete]

	format := t.opts.Format
	if format == "" {
		format = DetectFormat(path)
	}
	opts := t.opts
	opts.Format = format

	err = scanEntries(bytes.NewReader(chunk), state.line, func(line uint64, text string, tooLong bool) error {
		if tooLong {
			t.stats.Skipped++
			t.logger.Warn("skipping oversized entry", "file", path, "line", line)
			return nil
		}
		raw, ok := opts.rawEvent(text, state.session, line)
		if !ok {
			t.stats.Skipped++
			return nil
		}
		ack, err := t.sub.Submit(ctx, raw)
		var verr *validators.ValidationError
		switch {
		case errors.As(err, &verr):
			t.stats.Skipped++
		case errors.Is(err, ingest.ErrNotAccepting), errors.Is(err, context.Canceled):
			return err
		case err != nil:
			t.stats.Failed++
			t.logger.Warn("submit failed", "file", path, "line", line, "error", err)
		case ack.Status == ingest.Duplicate:
			t.stats.Duplicates++
		default:
			t.stats.Submitted++
		}
		return nil
	})
	if err != nil {
		return err
	}

	state.offset += int64(complete)
	state.line += uint64(bytes.Count(chunk, []byte{'\n'}))
	return nil
}

// completeEntries returns the length of the prefix of data that ends in
// a newline not preceded by a continuation backslash.
func completeEntries(data []byte) int {
	end := len(data)
	for end > 0 {
		i := bytes.LastIndexByte(data[:end], '\n')
		if i < 0 {
			return 0
		}
		if i == 0 || data[i-1] != '\\' {
			return i + 1
		}
		end = i
	}
	return 0
}
