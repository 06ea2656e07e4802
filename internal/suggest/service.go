package suggest

import (
	"context"
	"log/slog"
	"sort"

	"github.com/entl/cliwrapped/internal/api"
)

// MaxSuggestions caps the size of one response.
const MaxSuggestions = 50

// Query is what a provider completes.
type Query struct {
	// Line is the input up to the cursor.
	Line string
	// Token is the word under the cursor.
	Token     string
	SessionID string
}

// Provider is a suggestion source (history, directories, ...).
type Provider interface {
	Suggest(ctx context.Context, q Query) ([]api.Suggestion, error)
	Name() string
}

// Service merges suggestions from every registered provider.
type Service struct {
	providers []Provider
	logger    *slog.Logger
}

// NewService creates a suggestion service with the given providers, in
// priority order.
func NewService(logger *slog.Logger, providers ...Provider) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		providers: providers,
		logger:    logger.With("component", "suggest"),
	}
}

// Suggest returns deduplicated suggestions from all providers, best
// first. A failing provider is skipped.
func (s *Service) Suggest(ctx context.Context, input string, cursorPos int, sessionID string, limit int) []api.Suggestion {
	if cursorPos < 0 || cursorPos > len(input) {
		cursorPos = len(input)
	}
	q := Query{
		Line:      input[:cursorPos],
		Token:     extractTokenAtCursor(input, cursorPos),
		SessionID: sessionID,
	}

	var all []api.Suggestion
	for _, provider := range s.providers {
		suggestions, err := provider.Suggest(ctx, q)
		if err != nil {
			s.logger.Warn("provider failed", "provider", provider.Name(), "error", err)
			continue
		}
		all = append(all, suggestions...)
	}

	deduped := deduplicateSuggestions(all)

	if limit <= 0 || limit > MaxSuggestions {
		limit = MaxSuggestions
	}
	if len(deduped) > limit {
		deduped = deduped[:limit]
	}
	return deduped
}

// extractTokenAtCursor extracts the word the cursor is in or right after.
func extractTokenAtCursor(input string, cursorPos int) string {
	if input == "" || cursorPos <= 0 || cursorPos > len(input) {
		return ""
	}

	start := cursorPos - 1
	for start >= 0 && !isWhitespace(rune(input[start])) {
		start--
	}
	start++

	end := cursorPos
	for end < len(input) && !isWhitespace(rune(input[end])) {
		end++
	}

	return input[start:end]
}

func isWhitespace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

// deduplicateSuggestions keeps the highest scored suggestion per text and
// orders the result by score, then text.
func deduplicateSuggestions(suggestions []api.Suggestion) []api.Suggestion {
	seen := make(map[string]api.Suggestion)
	for _, s := range suggestions {
		if existing, ok := seen[s.Text]; !ok || s.Score > existing.Score {
			seen[s.Text] = s
		}
	}

	result := make([]api.Suggestion, 0, len(seen))
	for _, s := range seen {
		result = append(result, s)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Score != result[j].Score {
			return result[i].Score > result[j].Score
		}
		return result[i].Text < result[j].Text
	})

	return result
}
