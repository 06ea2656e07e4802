package importer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/entl/cliwrapped/internal/event"
	"github.com/entl/cliwrapped/internal/ingest"
	"github.com/entl/cliwrapped/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseZshHistoryLine(t *testing.T) {
	rec, ok := parseZshHistoryLine(": 1700000000:3;git status")
	require.True(t, ok)
	assert.Equal(t, record{Start: 1_700_000_000, ElapsedS: 3, Command: "git status"}, rec)

	rec, ok = parseZshHistoryLine("ls -la")
	require.True(t, ok)
	assert.Zero(t, rec.Start)
	assert.Equal(t, "ls -la", rec.Command)

	for _, bad := range []string{": nope;ls", ": 1700000000:0", ": 1700000000:0;   ", ""} {
		_, ok := parseZshHistoryLine(bad)
		assert.False(t, ok, bad)
	}
}

func TestParseStatsLine(t *testing.T) {
	cases := []struct {
		line string
		want record
	}{
		{"1700000000|cargo build|/home/u/app", record{Start: 1_700_000_000, Command: "cargo build", Directory: "/home/u/app"}},
		{"1700000000|open site|https://github.com/x", record{Start: 1_700_000_000, Command: "open site"}},
		{"1700000000:git commit -m fix: typo:/srv/repo", record{Start: 1_700_000_000, Command: "git commit -m fix: typo", Directory: "/srv/repo"}},
		{"1700000000:echo a:b", record{Start: 1_700_000_000, Command: "echo a:b"}},
		{"1700000000:curl http://example.com", record{Start: 1_700_000_000, Command: "curl http://example.com"}},
		{": 1700000000:4;make test:~/work", record{Start: 1_700_000_000, ElapsedS: 4, Command: "make test", Directory: "~/work"}},
		{"vim notes.md", record{Command: "vim notes.md"}},
	}
	for _, tc := range cases {
		got, ok := parseStatsLine(tc.line)
		require.True(t, ok, tc.line)
		assert.Equal(t, tc.want, got, tc.line)
	}

	_, ok := parseStatsLine("1700000000||/tmp")
	assert.False(t, ok)
}

func TestValidDirectory(t *testing.T) {
	assert.Equal(t, "/tmp", validDirectory(" /tmp "))
	assert.Equal(t, "~/src", validDirectory("~/src"))
	assert.Empty(t, validDirectory("relative/dir"))
	assert.Empty(t, validDirectory("//cdn.example.com"))
	assert.Empty(t, validDirectory("/redirect?u=https://x"))
}

func TestUnmetafy(t *testing.T) {
	in := []byte{'x', 0x83, 0x80 ^ 0x20, 'y'}
	assert.Equal(t, []byte{'x', 0x80, 'y'}, unmetafy(in))
	assert.Equal(t, []byte("plain"), unmetafy([]byte("plain")))
}

func TestCompleteEntries(t *testing.T) {
	assert.Equal(t, 0, completeEntries([]byte("partial")))
	assert.Equal(t, 4, completeEntries([]byte("one\ntwo")))
	assert.Equal(t, 4, completeEntries([]byte("one\ntwo \\\nmore")))
	assert.Equal(t, 0, completeEntries([]byte("cont\\\n")))
}

type memorySink struct {
	mu     sync.Mutex
	events []event.CommandEvent
	keys   map[event.Key]bool
}

func newMemorySink() *memorySink {
	return &memorySink{keys: make(map[event.Key]bool)}
}

func (s *memorySink) Append(_ context.Context, e event.CommandEvent) (storage.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys[e.Key()] {
		return storage.Receipt{}, storage.ErrDuplicate
	}
	s.keys[e.Key()] = true
	s.events = append(s.events, e)
	return storage.Receipt{}, nil
}

func (s *memorySink) Contains(_ context.Context, key event.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys[key], nil
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestImportZshHistory(t *testing.T) {
	path := writeFile(t, t.TempDir(), ".zsh_history", strings.Join([]string{
		": 1700000000:2;git status",
		`: 1700000005:0;echo one\`,
		"two",
		"not timestamped",
		": 1700000010:0;ls",
		"",
	}, "\n"))

	sink := newMemorySink()
	report, err := Import(context.Background(), path, sink, Options{})
	require.NoError(t, err)
	assert.Equal(t, Report{Lines: 4, Imported: 3, Skipped: 1}, report)

	require.Len(t, sink.events, 3)
	first := sink.events[0]
	assert.Equal(t, "git status", first.Command)
	assert.Equal(t, int64(1_700_000_000_000), first.StartMs)
	assert.Equal(t, int64(2000), first.DurationMs)
	assert.Equal(t, event.ShellZsh, first.Shell)
	assert.True(t, strings.HasPrefix(first.SessionID, "import:"+path+":"))
	assert.Equal(t, uint64(1), first.Sequence)

	assert.Equal(t, "echo one\ntwo", sink.events[1].Command)
	assert.Equal(t, uint64(2), sink.events[1].Sequence)
	assert.Equal(t, uint64(5), sink.events[2].Sequence)

	again, err := Import(context.Background(), path, sink, Options{})
	require.NoError(t, err)
	assert.Equal(t, Report{Lines: 4, Duplicates: 3, Skipped: 1}, again)
}

func TestImportSkipsOversizedEntry(t *testing.T) {
	path := writeFile(t, t.TempDir(), ".zsh_history", strings.Join([]string{
		": 1700000000:0;ls",
		": 1700000005:0;echo " + strings.Repeat("x", maxLineSize),
		": 1700000010:0;pwd",
	}, "\n"))

	sink := newMemorySink()
	report, err := Import(context.Background(), path, sink, Options{})
	require.NoError(t, err)
	assert.Equal(t, Report{Lines: 3, Imported: 2, Skipped: 1}, report)
	require.Len(t, sink.events, 2)
	assert.Equal(t, uint64(1), sink.events[0].Sequence)
	assert.Equal(t, "pwd", sink.events[1].Command)
	assert.Equal(t, uint64(3), sink.events[1].Sequence)
}

func TestScanEntriesContinuations(t *testing.T) {
	type entry struct {
		line    uint64
		text    string
		tooLong bool
	}
	var got []entry
	input := "a\\\r\n" + strings.Repeat("y", maxLineSize+1) + "\nb\nc\\"
	require.NoError(t, scanEntries(strings.NewReader(input), 10, func(line uint64, text string, tooLong bool) error {
		got = append(got, entry{line, text, tooLong})
		return nil
	}))
	assert.Equal(t, []entry{
		{line: 11, tooLong: true},
		{line: 13, text: "b"},
		{line: 14, text: "c"},
	}, got)
}

func TestImportStatsLogExpandsHome(t *testing.T) {
	path := writeFile(t, t.TempDir(), "commands.log",
		"1700000000|make|~/proj\n1700000060:go test ./...:/srv/api\n")

	sink := newMemorySink()
	report, err := Import(context.Background(), path, sink, Options{Home: "/home/u"})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Imported)
	assert.Equal(t, "/home/u/proj", sink.events[0].Cwd)
	assert.Equal(t, "/srv/api", sink.events[1].Cwd)
	assert.Equal(t, "go test ./...", sink.events[1].Command)
}

func TestImportMissingFile(t *testing.T) {
	_, err := Import(context.Background(), filepath.Join(t.TempDir(), "absent"), newMemorySink(), Options{})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

type recordingSubmitter struct {
	mu   sync.Mutex
	raws []event.RawEvent
	seen map[event.Key]bool
}

func newRecordingSubmitter() *recordingSubmitter {
	return &recordingSubmitter{seen: make(map[event.Key]bool)}
}

func (s *recordingSubmitter) Submit(_ context.Context, raw event.RawEvent) (ingest.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[raw.Key()] {
		return ingest.Ack{Status: ingest.Duplicate, Key: raw.Key()}, nil
	}
	s.seen[raw.Key()] = true
	s.raws = append(s.raws, raw)
	return ingest.Ack{Status: ingest.Accepted, Key: raw.Key()}, nil
}

func (s *recordingSubmitter) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.raws))
	for _, r := range s.raws {
		out = append(out, r.Command)
	}
	return out
}

func (s *recordingSubmitter) last() event.RawEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raws[len(s.raws)-1]
}

func appendTo(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func runTailer(t *testing.T, tailer *Tailer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tailer.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func TestTailerFollowsAppends(t *testing.T) {
	path := writeFile(t, t.TempDir(), "commands.log", "1700000000|ls|/tmp\n")
	sub := newRecordingSubmitter()

	tailer, err := NewTailer([]string{path}, sub, Options{})
	require.NoError(t, err)
	runTailer(t, tailer)

	require.Eventually(t, func() bool { return tailer.Stats().Submitted == 1 }, 5*time.Second, 10*time.Millisecond)

	appendTo(t, path, "1700000001|pwd|/tmp\n1700000002:git log:/srv\n1700000003|par")
	require.Eventually(t, func() bool { return tailer.Stats().Submitted == 3 }, 5*time.Second, 10*time.Millisecond)

	appendTo(t, path, "tial|/x\n")
	require.Eventually(t, func() bool { return tailer.Stats().Submitted == 4 }, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"ls", "pwd", "git log", "partial"}, sub.commands())
	last := sub.last()
	assert.Equal(t, uint64(4), last.Sequence)
	assert.Equal(t, "/x", last.Cwd)
}

func TestTailerTruncationStartsNewSession(t *testing.T) {
	path := writeFile(t, t.TempDir(), "commands.log", "1700000000|ls|/tmp\n1700000001|pwd|/tmp\n")
	sub := newRecordingSubmitter()

	tailer, err := NewTailer([]string{path}, sub, Options{})
	require.NoError(t, err)
	runTailer(t, tailer)
	require.Eventually(t, func() bool { return tailer.Stats().Submitted == 2 }, 5*time.Second, 10*time.Millisecond)
	firstSession := sub.last().SessionID

	require.NoError(t, os.WriteFile(path, []byte("1700000100|make|/w\n"), 0o600))
	require.Eventually(t, func() bool { return tailer.Stats().Submitted == 3 }, 5*time.Second, 10*time.Millisecond)

	last := sub.last()
	assert.Equal(t, "make", last.Command)
	assert.Equal(t, uint64(1), last.Sequence)
	assert.Equal(t, firstSession+"#1", last.SessionID)
}

func TestTailerRestartSeesDuplicates(t *testing.T) {
	path := writeFile(t, t.TempDir(), "commands.log", "1700000000|ls|/tmp\n1700000001|pwd|/tmp\nno timestamp\n")
	sub := newRecordingSubmitter()

	first, err := NewTailer([]string{path}, sub, Options{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- first.Run(ctx) }()
	require.Eventually(t, func() bool { return first.Stats().Submitted == 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, uint64(1), first.Stats().Skipped)

	second, err := NewTailer([]string{path}, sub, Options{})
	require.NoError(t, err)
	runTailer(t, second)
	require.Eventually(t, func() bool { return second.Stats().Duplicates == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, second.Stats().Submitted)
}
