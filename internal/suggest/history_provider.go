package suggest

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/entl/cliwrapped/internal/api"
	"github.com/entl/cliwrapped/internal/storage"
)

// CommandIndex looks up stored commands by prefix, most used first.
type CommandIndex interface {
	CommandsByPrefix(ctx context.Context, prefix string, n int) ([]storage.CommandCount, error)
}

// HistoryProvider completes the whole input line from command history,
// ranked by frequency and recency.
type HistoryProvider struct {
	index CommandIndex
}

// NewHistoryProvider creates a new history suggestion provider.
func NewHistoryProvider(index CommandIndex) *HistoryProvider {
	return &HistoryProvider{index: index}
}

// Name returns the provider name.
func (p *HistoryProvider) Name() string {
	return "history"
}

// Suggest returns history entries starting with the input line.
func (p *HistoryProvider) Suggest(ctx context.Context, q Query) ([]api.Suggestion, error) {
	line := strings.TrimLeft(q.Line, " \t")
	if line == "" {
		return nil, nil
	}

	commands, err := p.index.CommandsByPrefix(ctx, line, 50)
	if err != nil {
		return nil, err
	}

	var newest time.Time
	for _, c := range commands {
		if c.LastUsed.After(newest) {
			newest = c.LastUsed
		}
	}

	var suggestions []api.Suggestion
	for i, c := range commands {
		// Nothing to complete.
		if c.Command == line {
			continue
		}
		suggestions = append(suggestions, api.Suggestion{
			Text:   c.Command,
			Source: p.Name(),
			Score:  calculateHistoryScore(c, line, i, len(commands), newest),
		})
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].Score > suggestions[j].Score
	})

	if len(suggestions) > 20 {
		suggestions = suggestions[:20]
	}

	return suggestions, nil
}

// recencyHalfLife is how long it takes a command's recency boost to halve.
const recencyHalfLife = 7 * 24 * time.Hour

// calculateHistoryScore computes a relevance score in [0, 1] for a history
// entry at position rank of a frequency-ordered result.
func calculateHistoryScore(c storage.CommandCount, input string, rank, total int, newest time.Time) float32 {
	var score float32 = 0.6

	// Frequency: rank 0 is the most used.
	if total > 0 {
		score += float32(total-rank) / float32(total) * 0.2
	}

	// Recency relative to the newest match.
	if !c.LastUsed.IsZero() && !newest.IsZero() {
		age := newest.Sub(c.LastUsed)
		halves := float32(age) / float32(recencyHalfLife)
		score += 0.1 / (1 + halves)
	}

	// Shorter completions of the same prefix fit better.
	score += float32(len(input)) / float32(len(c.Command)) * 0.1

	return score
}
