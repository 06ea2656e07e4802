package suggest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/entl/cliwrapped/internal/api"
	"github.com/entl/cliwrapped/internal/rollup"
	"github.com/entl/cliwrapped/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIndex struct {
	commands []storage.CommandCount
	err      error
}

func (f *fakeIndex) CommandsByPrefix(_ context.Context, prefix string, n int) ([]storage.CommandCount, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []storage.CommandCount
	for _, c := range f.commands {
		if strings.HasPrefix(c.Command, prefix) && len(out) < n {
			out = append(out, c)
		}
	}
	return out, nil
}

type fakeDirectories []rollup.Entry

func (f fakeDirectories) TopDirectories(n int, _ rollup.Period) []rollup.Entry {
	return f[:min(n, len(f))]
}

func texts(suggestions []api.Suggestion) []string {
	out := make([]string, 0, len(suggestions))
	for _, s := range suggestions {
		out = append(out, s.Text)
	}
	return out
}

func TestExtractTokenAtCursor(t *testing.T) {
	assert.Equal(t, "st", extractTokenAtCursor("git st", 6))
	assert.Equal(t, "git", extractTokenAtCursor("git st", 2))
	assert.Equal(t, "", extractTokenAtCursor("git ", 4))
	assert.Equal(t, "", extractTokenAtCursor("", 0))
}

func TestHistoryProviderRanksByFrequency(t *testing.T) {
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	index := &fakeIndex{commands: []storage.CommandCount{
		{Command: "git status", Count: 40, LastUsed: now},
		{Command: "git commit", Count: 12, LastUsed: now.Add(-time.Hour)},
		{Command: "git", Count: 3, LastUsed: now},
		{Command: "go test ./...", Count: 30, LastUsed: now},
	}}
	p := NewHistoryProvider(index)

	got, err := p.Suggest(context.Background(), Query{Line: "git", Token: "git"})
	require.NoError(t, err)
	// The exact input is not suggested.
	assert.Equal(t, []string{"git status", "git commit"}, texts(got))
	for _, s := range got {
		assert.Equal(t, "history", s.Source)
		assert.LessOrEqual(t, s.Score, float32(1))
	}

	got, err = p.Suggest(context.Background(), Query{Line: "   "})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDirectoryProvider(t *testing.T) {
	dirs := fakeDirectories{
		{Key: "/srv/app", Count: 10},
		{Key: "/srv/api", Count: 5},
		{Key: "/tmp", Count: 2},
	}
	p := &DirectoryProvider{counter: dirs, home: "/home/dev"}

	got, err := p.Suggest(context.Background(), Query{Line: "ls /srv/a", Token: "/srv/a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/srv/app", "/srv/api"}, texts(got))

	got, err = p.Suggest(context.Background(), Query{Line: "cd ", Token: ""})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	// A plain word is not a path.
	got, err = p.Suggest(context.Background(), Query{Line: "make sr", Token: "sr"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDirectoryProviderAbbreviatesHome(t *testing.T) {
	p := &DirectoryProvider{
		counter: fakeDirectories{{Key: "/home/dev/src/cli", Count: 4}, {Key: "/etc", Count: 1}},
		home:    "/home/dev",
	}

	got, err := p.Suggest(context.Background(), Query{Line: "cd ~/s", Token: "~/s"})
	require.NoError(t, err)
	assert.Equal(t, []string{"~/src/cli"}, texts(got))
}

type failingProvider struct{}

func (failingProvider) Name() string { return "failing" }

func (failingProvider) Suggest(context.Context, Query) ([]api.Suggestion, error) {
	return nil, errors.New("boom")
}

func TestServiceMergesAndDeduplicates(t *testing.T) {
	index := &fakeIndex{commands: []storage.CommandCount{
		{Command: "cd /srv/app", Count: 9},
	}}
	dirs := fakeDirectories{{Key: "/srv/app", Count: 3}}
	svc := NewService(nil,
		NewHistoryProvider(index),
		&DirectoryProvider{counter: dirs},
		failingProvider{},
	)

	got := svc.Suggest(context.Background(), "cd /srv", 7, "s1", 0)
	assert.ElementsMatch(t, []string{"cd /srv/app", "/srv/app"}, texts(got))
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].Score, got[i].Score)
	}

	assert.Len(t, svc.Suggest(context.Background(), "cd /srv", 7, "s1", 1), 1)
}

func TestDeduplicateKeepsHighestScore(t *testing.T) {
	got := deduplicateSuggestions([]api.Suggestion{
		{Text: "ls", Source: "a", Score: 0.3},
		{Text: "ls", Source: "b", Score: 0.9},
		{Text: "cd", Source: "a", Score: 0.9},
	})
	assert.Equal(t, []api.Suggestion{
		{Text: "cd", Source: "a", Score: 0.9},
		{Text: "ls", Source: "b", Score: 0.9},
	}, got)
}
