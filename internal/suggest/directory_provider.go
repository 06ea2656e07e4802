package suggest

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/entl/cliwrapped/internal/api"
	"github.com/entl/cliwrapped/internal/rollup"
)

// DirectoryCounter ranks the directories commands ran in.
type DirectoryCounter interface {
	TopDirectories(n int, p rollup.Period) []rollup.Entry
}

// DirectoryProvider completes path tokens with directories the user has
// worked in, most used first.
type DirectoryProvider struct {
	counter DirectoryCounter
	home    string
}

// NewDirectoryProvider creates a new directory suggestion provider.
func NewDirectoryProvider(counter DirectoryCounter) *DirectoryProvider {
	return &DirectoryProvider{counter: counter, home: homeDir()}
}

// Name returns the provider name.
func (p *DirectoryProvider) Name() string {
	return "directory"
}

// Suggest returns known directories matching the token. It only answers
// for tokens that look like a path, or for any token after "cd".
func (p *DirectoryProvider) Suggest(_ context.Context, q Query) ([]api.Suggestion, error) {
	token := q.Token
	isCd := strings.HasPrefix(strings.TrimLeft(q.Line, " \t"), "cd ")
	if token == "" && !isCd {
		return nil, nil
	}
	if !isCd && !strings.HasPrefix(token, "/") && !strings.HasPrefix(token, "~") && !strings.HasPrefix(token, ".") {
		return nil, nil
	}

	entries := p.counter.TopDirectories(200, rollup.LifetimePeriod())

	var suggestions []api.Suggestion
	for rank, entry := range entries {
		text, ok := p.match(entry.Key, token)
		if !ok || text == token {
			continue
		}
		suggestions = append(suggestions, api.Suggestion{
			Text:   text,
			Source: p.Name(),
			Score:  calculateDirectoryScore(text, token, rank, len(entries)),
		})
	}

	sort.Slice(suggestions, func(i, j int) bool {
		if suggestions[i].Score != suggestions[j].Score {
			return suggestions[i].Score > suggestions[j].Score
		}
		return suggestions[i].Text < suggestions[j].Text
	})

	if len(suggestions) > 30 {
		suggestions = suggestions[:30]
	}

	return suggestions, nil
}

// match reports whether dir completes token, returning the completion in
// the token's own form: "~/..." stays abbreviated.
func (p *DirectoryProvider) match(dir, token string) (string, bool) {
	candidate := dir
	if strings.HasPrefix(token, "~") && p.home != "" {
		rel, err := filepath.Rel(p.home, dir)
		if err != nil || strings.HasPrefix(rel, "..") {
			return "", false
		}
		candidate = "~"
		if rel != "." {
			candidate = "~/" + rel
		}
	}
	if !strings.HasPrefix(strings.ToLower(candidate), strings.ToLower(token)) {
		return "", false
	}
	return candidate, true
}

// calculateDirectoryScore computes a relevance score for a directory.
func calculateDirectoryScore(text, token string, rank, total int) float32 {
	var score float32 = 0.5

	if total > 0 {
		score += float32(total-rank) / float32(total) * 0.2
	}

	if token != "" {
		score += float32(len(token)) / float32(len(text)) * 0.2
	}

	// Hidden directories only when explicitly typed.
	if strings.Contains(text, "/.") && !strings.Contains(token, "/.") {
		score -= 0.2
	}

	return score
}

// homeDir returns the user's home directory.
func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}
