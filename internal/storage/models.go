package storage

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/entl/cliwrapped/internal/event"
	"github.com/entl/cliwrapped/internal/wal"
)

// Receipt confirms a durable append.
type Receipt struct {
	Position wal.Position
}

// Window is a half-open time interval [From, To). A zero bound is open.
type Window struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if !w.From.IsZero() && t.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && !t.Before(w.To) {
		return false
	}
	return true
}

// ListOptions filters a newest-first history listing.
type ListOptions struct {
	SessionID     string
	CommandPrefix string
	Directory     string
	Window        Window
	Limit         int
	// Cursor continues a previous listing; empty starts from the newest.
	Cursor string
}

// ListResult is one page of history.
type ListResult struct {
	Events     []event.CommandEvent
	NextCursor string
}

// CommandCount is a running per-command counter from the index.
type CommandCount struct {
	Command  string
	Count    int64
	LastUsed time.Time
}

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}

// cursor marks the last row of a page in (ts DESC, id DESC) order.
type cursor struct {
	ts int64
	id int64
}

func (c cursor) encode() string {
	return base64.RawURLEncoding.EncodeToString(fmt.Appendf(nil, "%d.%d", c.ts, c.id))
}

func decodeCursor(s string) (cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var c cursor
	if _, err := fmt.Sscanf(string(raw), "%d.%d", &c.ts, &c.id); err != nil {
		return cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return c, nil
}

func unixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
