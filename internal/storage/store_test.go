package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/entl/cliwrapped/internal/clock"
	"github.com/entl/cliwrapped/internal/codec"
	"github.com/entl/cliwrapped/internal/config"
	"github.com/entl/cliwrapped/internal/event"
	"github.com/entl/cliwrapped/internal/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

func testEvent(session string, seq uint64, command string, exit int, offset time.Duration) event.CommandEvent {
	return event.CommandEvent{
		Command:    command,
		StartMs:    base.Add(offset).UnixMilli(),
		DurationMs: 120,
		Cwd:        "/home/dev/project",
		ExitCode:   exit,
		Shell:      event.ShellZsh,
		SessionID:  session,
		Sequence:   seq,
		IngestedMs: base.Add(offset).UnixMilli() + 5,
	}
}

func openStore(t *testing.T, dir string, mutate ...func(*Options)) *Store {
	t.Helper()
	opts := Options{
		Dir:         dir,
		SegmentSize: 1 << 20,
		Sync:        wal.SyncEachWrite,
	}
	for _, m := range mutate {
		m(&opts)
	}
	s, err := Open(context.Background(), opts)
	require.NoError(t, err)
	return s
}

func appendAll(t *testing.T, s *Store, events ...event.CommandEvent) []Receipt {
	t.Helper()
	receipts := make([]Receipt, 0, len(events))
	for _, e := range events {
		receipt, err := s.Append(context.Background(), e)
		require.NoError(t, err)
		receipts = append(receipts, receipt)
	}
	return receipts
}

func TestOpenDefaultsSegmentSize(t *testing.T) {
	s, err := Open(context.Background(), Options{Dir: t.TempDir(), Sync: wal.SyncEachWrite})
	require.NoError(t, err)
	defer s.Close()

	appendAll(t, s, testEvent("s1", 1, "ls", 0, 0))
	count, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestAppendAndQuery(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())
	defer s.Close()

	appendAll(t, s,
		testEvent("s1", 1, "ls", 0, 0),
		testEvent("s1", 2, "ls", 0, time.Minute),
		testEvent("s1", 3, "git status", 1, 2*time.Minute),
	)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	top, err := s.TopCommands(ctx, 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "ls", top[0].Command)
	assert.Equal(t, int64(2), top[0].Count)
	assert.Equal(t, base.Add(time.Minute).UnixMilli(), top[0].LastUsed.UnixMilli())

	exact, err := s.ByCommand(ctx, "git status", false, 0)
	require.NoError(t, err)
	require.Len(t, exact, 1)
	assert.Equal(t, 1, exact[0].ExitCode)
	assert.Equal(t, event.ShellZsh, exact[0].Shell)

	prefixed, err := s.ByCommand(ctx, "gi", true, 0)
	require.NoError(t, err)
	assert.Len(t, prefixed, 1)

	window, err := s.Range(ctx, Window{From: base.Add(30 * time.Second), To: base.Add(2 * time.Minute)}, 0)
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, uint64(2), window[0].Sequence)
}

func TestDuplicateKeyStoredOnce(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())
	defer s.Close()

	e := testEvent("s1", 7, "make test", 0, 0)
	_, err := s.Append(ctx, e)
	require.NoError(t, err)

	for range 3 {
		_, err := s.Append(ctx, e)
		assert.ErrorIs(t, err, ErrDuplicate)
	}

	exists, err := s.Contains(ctx, e.Key())
	require.NoError(t, err)
	assert.True(t, exists)

	events, err := s.BySession(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, events, 1)

	top, err := s.TopCommands(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), top[0].Count)
}

func TestConcurrentDuplicatesStoredOnce(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	e := testEvent("s1", 1, "ls", 0, 0)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Append(context.Background(), e)
		}()
	}
	wg.Wait()

	count, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestBySessionOrdersBySequence(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	appendAll(t, s,
		testEvent("s1", 3, "c", 0, 3*time.Second),
		testEvent("s1", 1, "a", 0, time.Second),
		testEvent("s2", 1, "other", 0, 0),
		testEvent("s1", 2, "b", 0, 2*time.Second),
	)

	events, err := s.BySession(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Sequence)
	}
}

func TestListPagesNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())
	defer s.Close()

	for i := range 5 {
		appendAll(t, s, testEvent("s1", uint64(i+1), "echo", 0, time.Duration(i)*time.Minute))
	}

	first, err := s.List(ctx, ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first.Events, 2)
	assert.Equal(t, uint64(5), first.Events[0].Sequence)
	assert.Equal(t, uint64(4), first.Events[1].Sequence)
	require.NotEmpty(t, first.NextCursor)

	second, err := s.List(ctx, ListOptions{Limit: 2, Cursor: first.NextCursor})
	require.NoError(t, err)
	require.Len(t, second.Events, 2)
	assert.Equal(t, uint64(3), second.Events[0].Sequence)

	last, err := s.List(ctx, ListOptions{Limit: 2, Cursor: second.NextCursor})
	require.NoError(t, err)
	require.Len(t, last.Events, 1)
	assert.Empty(t, last.NextCursor)

	_, err = s.List(ctx, ListOptions{Cursor: "%%%"})
	assert.Error(t, err)
}

func TestListFilters(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())
	defer s.Close()

	other := testEvent("s2", 1, "git push", 0, time.Minute)
	other.Cwd = "/srv"
	appendAll(t, s,
		testEvent("s1", 1, "git status", 0, 0),
		other,
		testEvent("s1", 2, "ls", 0, 2*time.Minute),
	)

	bySession, err := s.List(ctx, ListOptions{SessionID: "s1"})
	require.NoError(t, err)
	assert.Len(t, bySession.Events, 2)

	byPrefix, err := s.List(ctx, ListOptions{CommandPrefix: "git"})
	require.NoError(t, err)
	assert.Len(t, byPrefix.Events, 2)

	byDir, err := s.List(ctx, ListOptions{Directory: "/srv"})
	require.NoError(t, err)
	require.Len(t, byDir.Events, 1)
	assert.Equal(t, "git push", byDir.Events[0].Command)

	byWindow, err := s.List(ctx, ListOptions{Window: Window{From: base.Add(time.Minute)}})
	require.NoError(t, err)
	assert.Len(t, byWindow.Events, 2)
}

func TestByDirectoryPrefix(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())
	defer s.Close()

	nested := testEvent("s1", 2, "go test", 0, time.Minute)
	nested.Cwd = "/home/dev/project/internal"
	sibling := testEvent("s1", 3, "ls", 0, 2*time.Minute)
	sibling.Cwd = "/home/dev/project2"
	appendAll(t, s, testEvent("s1", 1, "make", 0, 0), nested, sibling)

	below, err := s.ByDirectory(ctx, "/home/dev/project", true, 0)
	require.NoError(t, err)
	assert.Len(t, below, 2)

	exact, err := s.ByDirectory(ctx, "/home/dev/project", false, 0)
	require.NoError(t, err)
	assert.Len(t, exact, 1)
}

func TestPrefixLookupsAreCaseSensitive(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())
	defer s.Close()

	upper := testEvent("s1", 3, "LS", 0, 2*time.Minute)
	upper.Cwd = "/HOME/dev"
	appendAll(t, s,
		testEvent("s1", 1, "ls -la", 0, 0),
		testEvent("s1", 2, "git status", 0, time.Minute),
		upper,
	)

	byCommand, err := s.ByCommand(ctx, "LS", true, 0)
	require.NoError(t, err)
	require.Len(t, byCommand, 1)
	assert.Equal(t, "LS", byCommand[0].Command)

	page, err := s.List(ctx, ListOptions{CommandPrefix: "GIT"})
	require.NoError(t, err)
	assert.Empty(t, page.Events)

	counts, err := s.CommandsByPrefix(ctx, "Git", 10)
	require.NoError(t, err)
	assert.Empty(t, counts)

	below, err := s.ByDirectory(ctx, "/home", true, 0)
	require.NoError(t, err)
	assert.Len(t, below, 2)

	upperBelow, err := s.ByDirectory(ctx, "/HOME", true, 0)
	require.NoError(t, err)
	require.Len(t, upperBelow, 1)
	assert.Equal(t, "/HOME/dev", upperBelow[0].Cwd)
}

func TestPrefixMatchUpperBound(t *testing.T) {
	cond, args := prefixMatch("cmd_text", "ab")
	assert.Equal(t, "(cmd_text >= ? AND cmd_text < ?)", cond)
	assert.Equal(t, []any{"ab", "ac"}, args)

	cond, args = prefixMatch("cmd_text", "a\xff")
	assert.Equal(t, []any{"a\xff", "b"}, args)
	assert.Contains(t, cond, "<")

	cond, args = prefixMatch("cmd_text", "\xff")
	assert.Equal(t, "cmd_text >= ?", cond)
	assert.Equal(t, []any{"\xff"}, args)
}

func TestTopCommandsTiesAndPrefix(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())
	defer s.Close()

	appendAll(t, s,
		testEvent("s1", 1, "zip", 0, 0),
		testEvent("s1", 2, "apt", 0, time.Second),
		testEvent("s1", 3, "git_helper", 0, 2*time.Second),
		testEvent("s1", 4, "gitk", 0, 3*time.Second),
	)

	top, err := s.TopCommands(ctx, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "apt", top[0].Command)
	assert.Equal(t, "git_helper", top[1].Command)

	// "_" matches itself only.
	matches, err := s.CommandsByPrefix(ctx, "git_", 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "git_helper", matches[0].Command)

	none, err := s.TopCommands(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestEmptyStore(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())
	defer s.Close()

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	top, err := s.TopCommands(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, top)

	page, err := s.List(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, page.Events)
	assert.Empty(t, page.NextCursor)
}

func TestReopenKeepsIndexInStep(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	appendAll(t, s, testEvent("s1", 1, "ls", 0, 0), testEvent("s1", 2, "pwd", 0, time.Second))
	require.NoError(t, s.Close())

	s = openStore(t, dir)
	defer s.Close()
	assert.Zero(t, s.Recovery().Replayed)
	assert.False(t, s.Recovery().RebuiltIndex)

	count, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	_, err = s.Append(context.Background(), testEvent("s1", 2, "pwd", 0, time.Second))
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestMissingIndexIsRebuiltFromLog(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	appendAll(t, s,
		testEvent("s1", 1, "ls", 0, 0),
		testEvent("s1", 2, "ls", 0, time.Second),
		testEvent("s1", 3, "git status", 1, 2*time.Second),
	)
	require.NoError(t, s.Close())

	for _, suffix := range []string{"", "-wal", "-shm"} {
		os.Remove(filepath.Join(dir, "index.db") + suffix)
	}

	s = openStore(t, dir)
	defer s.Close()
	assert.True(t, s.Recovery().RebuiltIndex)
	assert.Equal(t, 3, s.Recovery().Replayed)

	top, err := s.TopCommands(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "ls", top[0].Command)
	assert.Equal(t, int64(2), top[0].Count)
}

func TestUnreadableIndexIsMovedAside(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	appendAll(t, s, testEvent("s1", 1, "ls", 0, 0))
	require.NoError(t, s.Close())

	for _, suffix := range []string{"-wal", "-shm"} {
		os.Remove(filepath.Join(dir, "index.db") + suffix)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.db"), []byte("definitely not sqlite, just some bytes padding it out"), 0o600))

	s = openStore(t, dir)
	defer s.Close()
	assert.True(t, s.Recovery().RebuiltIndex)

	count, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	matches, err := filepath.Glob(filepath.Join(dir, "index.db.broken-*"))
	require.NoError(t, err)
	assert.NotEmpty(t, matches)
}

func TestTornTailIsDiscardedOnRecovery(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	appendAll(t, s, testEvent("s1", 1, "ls", 0, 0), testEvent("s1", 2, "pwd", 0, time.Second))
	segment := s.log.SegmentPath(s.LogEnd().Segment)
	require.NoError(t, s.Close())

	// A crash mid-write leaves half a frame behind.
	file, err := os.OpenFile(segment, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = file.Write([]byte{0x80, 0, 0, 0, 9, 9, 9, 9, 0xa9})
	require.NoError(t, err)
	require.NoError(t, file.Close())

	s = openStore(t, dir)
	defer s.Close()
	require.NotNil(t, s.Recovery().TruncatedTail)

	events, err := s.BySession(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "pwd", events[1].Command)

	_, err = s.Append(context.Background(), testEvent("s1", 3, "whoami", 0, 2*time.Second))
	require.NoError(t, err)
}

func TestIndexAheadOfLogDropsLostRows(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	receipts := appendAll(t, s,
		testEvent("s1", 1, "ls", 0, 0),
		testEvent("s1", 2, "ls", 0, time.Second),
		testEvent("s1", 3, "vim", 0, 2*time.Second),
	)
	segment := s.log.SegmentPath(receipts[2].Position.Segment)
	require.NoError(t, s.Close())

	// The log loses its last record but the index already has it.
	require.NoError(t, os.Truncate(segment, receipts[2].Position.Offset))

	s = openStore(t, dir)
	defer s.Close()
	assert.Equal(t, int64(1), s.Recovery().DroppedIndexed)

	count, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	vim, err := s.CommandsByPrefix(context.Background(), "vim", 1)
	require.NoError(t, err)
	assert.Empty(t, vim)

	// The lost key can be written again.
	_, err = s.Append(context.Background(), testEvent("s1", 3, "vim", 0, 2*time.Second))
	require.NoError(t, err)
}

func TestNewerSchemaIsRefused(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "schema.json"), []byte(`{"format":"cliwrapped","version":99}`), 0o600))

	_, err := Open(context.Background(), Options{Dir: dir, SegmentSize: 1 << 20})
	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, 99, schemaErr.Found)
}

func TestScanSkipsRetiredSegments(t *testing.T) {
	s := openStore(t, t.TempDir(), func(o *Options) { o.SegmentSize = 256 })
	defer s.Close()

	receipts := appendAll(t, s,
		testEvent("s1", 1, "a", 0, 0),
		testEvent("s1", 2, "b", 0, time.Second),
		testEvent("s1", 3, "c", 0, 2*time.Second),
	)
	require.Equal(t, uint64(1), receipts[0].Position.Segment)
	require.Equal(t, uint64(3), receipts[2].Position.Segment)

	var seen []string
	require.NoError(t, s.Scan(context.Background(), 1, func(e event.CommandEvent) error {
		seen = append(seen, e.Command)
		return nil
	}))
	assert.ElementsMatch(t, []string{"b", "c"}, seen)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Scan(ctx, 0, func(event.CommandEvent) error { return nil }), context.Canceled)
}

type recordingRetirer struct {
	segments []uint64
	events   int
}

func (r *recordingRetirer) Retire(_ context.Context, segment uint64, events []event.CommandEvent) error {
	r.segments = append(r.segments, segment)
	r.events += len(events)
	return nil
}

func TestCompactArchivesExpiredSegments(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fake := clock.Fake(base.Add(90 * 24 * time.Hour))
	s := openStore(t, dir, func(o *Options) {
		o.SegmentSize = 256
		o.Clock = fake
		o.Retention = RetentionOptions{MaxAge: 30 * 24 * time.Hour, Mode: config.RetentionArchive, Compression: "zstd"}
	})
	defer s.Close()

	appendAll(t, s,
		testEvent("s1", 1, "ls", 0, 0),
		testEvent("s1", 2, "pwd", 0, time.Second),
		testEvent("s1", 3, "make", 0, 2*time.Second),
	)

	retirer := &recordingRetirer{}
	report, err := s.Compact(ctx, retirer)
	require.NoError(t, err)
	// The active segment is never compacted.
	assert.Equal(t, []uint64{1, 2}, report.Segments)
	assert.Equal(t, 2, report.Events)
	assert.Equal(t, []uint64{1, 2}, retirer.segments)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	archives, err := s.Archives()
	require.NoError(t, err)
	require.Len(t, archives, 2)
	assert.Equal(t, "zstd", archives[0].Compression)

	restored, err := s.ReadArchive(1)
	require.NoError(t, err)
	require.Len(t, restored, 1)
	assert.Equal(t, "ls", restored[0].Command)

	_, err = s.ReadArchive(3)
	assert.Error(t, err)

	// A second run finds nothing more to do.
	report, err = s.Compact(ctx, retirer)
	require.NoError(t, err)
	assert.Empty(t, report.Segments)
}

func TestCompactDetectsTamperedArchive(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openStore(t, dir, func(o *Options) {
		o.SegmentSize = 256
		o.Retention = RetentionOptions{MaxSize: 1, Mode: config.RetentionArchive, Compression: "lz4"}
	})
	defer s.Close()

	appendAll(t, s, testEvent("s1", 1, "ls", 0, 0), testEvent("s1", 2, "pwd", 0, time.Second))
	_, err := s.Compact(ctx, nil)
	require.NoError(t, err)

	archives, err := s.Archives()
	require.NoError(t, err)
	require.Len(t, archives, 1)

	restored, err := s.ReadArchive(1)
	require.NoError(t, err)
	require.Len(t, restored, 1)

	path := filepath.Join(dir, "archive", archives[0].File)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = s.ReadArchive(1)
	assert.True(t, IsCorruption(err))
}

func TestCompactDiscardMode(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openStore(t, dir, func(o *Options) {
		o.SegmentSize = 256
		o.Retention = RetentionOptions{MaxSize: 1, Mode: config.RetentionDiscard, Compression: "zstd"}
	})
	defer s.Close()

	appendAll(t, s, testEvent("s1", 1, "ls", 0, 0), testEvent("s1", 2, "ls", 0, time.Second))
	report, err := s.Compact(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, report.Segments)

	_, err = os.Stat(filepath.Join(dir, "archive"))
	assert.True(t, os.IsNotExist(err))

	top, err := s.TopCommands(ctx, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, int64(1), top[0].Count)
}

func TestCompactDisabledWithoutThresholds(t *testing.T) {
	s := openStore(t, t.TempDir(), func(o *Options) { o.SegmentSize = 256 })
	defer s.Close()
	appendAll(t, s, testEvent("s1", 1, "ls", 0, 0), testEvent("s1", 2, "ls", 0, time.Second))

	report, err := s.Compact(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, report.Segments)
}

type keyCountingRetirer struct {
	keys map[event.Key]int
}

func (r *keyCountingRetirer) Retire(_ context.Context, _ uint64, events []event.CommandEvent) error {
	for _, e := range events {
		r.keys[e.Key()]++
	}
	return nil
}

func TestCompactRetiresIndexedFramesOnly(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir(), func(o *Options) {
		o.SegmentSize = 256
		o.Retention = RetentionOptions{MaxSize: 1, Mode: config.RetentionArchive, Compression: "zstd"}
	})
	defer s.Close()

	// A frame that reached the log without its index row, as when the
	// insert failed and the writer retried.
	orphan := testEvent("s1", 1, "ls", 0, 0)
	payload, err := codec.Marshal(orphan)
	require.NoError(t, err)
	_, err = s.log.Append(payload)
	require.NoError(t, err)

	appendAll(t, s,
		orphan,
		testEvent("s1", 2, "pwd", 0, time.Second),
		testEvent("s1", 3, "make", 0, 2*time.Second),
		testEvent("s1", 4, "ls", 0, 3*time.Second),
	)

	retirer := &keyCountingRetirer{keys: make(map[event.Key]int)}
	report, err := s.Compact(ctx, retirer)
	require.NoError(t, err)
	require.NotEmpty(t, report.Segments)
	assert.Equal(t, uint64(1), report.Segments[0])

	for key, n := range retirer.keys {
		assert.Equal(t, 1, n, "key %v retired more than once", key)
	}
	assert.Equal(t, 1, retirer.keys[orphan.Key()])

	restored, err := s.ReadArchive(1)
	require.NoError(t, err)
	assert.Len(t, restored, 1, "archives keep every frame of the segment")
}
