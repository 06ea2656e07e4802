// Package shell isolates everything that differs between shells: the hook
// script each one sources, and how each reports a finished command. An
// Adapter turns its shell's payload into the canonical RawEvent, so the
// rest of the daemon never branches on shell kind.
package shell

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/entl/cliwrapped/internal/event"
)

// Payload is what a hook script passes to the hook binary for one
// finished command, still in the shell's own formats.
type Payload struct {
	Command string
	// Start and End are timestamps as the shell produced them.
	Start string
	End   string
	// Duration is set by shells that measure it themselves.
	Duration  string
	ExitCode  int
	Cwd       string
	SessionID string
	Sequence  uint64
}

// Adapter is the per-shell integration.
type Adapter interface {
	Kind() event.ShellKind
	// HookScript returns the snippet to source from the shell's rc file.
	// hookBinary is the path of the hook executable it calls.
	HookScript(hookBinary string) string
	// Normalize converts a payload into a RawEvent.
	Normalize(p Payload) (event.RawEvent, error)
}

var adapters = map[event.ShellKind]Adapter{
	event.ShellZsh:  zshAdapter{},
	event.ShellBash: bashAdapter{},
	event.ShellFish: fishAdapter{},
}

// For returns the adapter of kind.
func For(kind event.ShellKind) (Adapter, error) {
	adapter, ok := adapters[kind]
	if !ok {
		return nil, fmt.Errorf("unsupported shell %q", kind)
	}
	return adapter, nil
}

// Detect maps a shell path or name such as "/usr/bin/zsh" or "-bash" to
// its kind.
func Detect(shellPath string) (event.ShellKind, error) {
	name := shellPath
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	kind := event.ShellKind(strings.TrimPrefix(name, "-"))
	if !kind.Valid() {
		return "", fmt.Errorf("unsupported shell %q", shellPath)
	}
	return kind, nil
}

func rawEvent(kind event.ShellKind, p Payload, command string, startMs, durationMs int64) event.RawEvent {
	return event.RawEvent{
		Command:    command,
		StartMs:    startMs,
		DurationMs: max(durationMs, 0),
		Cwd:        p.Cwd,
		ExitCode:   p.ExitCode,
		Shell:      kind,
		SessionID:  p.SessionID,
		Sequence:   p.Sequence,
	}
}

// parseEpochRealtime converts an EPOCHREALTIME value ("1700000000.123456",
// or with a "," separator under some locales) to Unix milliseconds.
func parseEpochRealtime(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty timestamp")
	}

	secPart, fracPart, _ := strings.Cut(strings.Replace(s, ",", ".", 1), ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}

	var ms int64
	if fracPart != "" {
		fracPart = (fracPart + "000")[:3]
		ms, err = strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
	}
	return sec*1000 + ms, nil
}

// quote single-quotes s for POSIX shells and fish.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
