// Package event defines the command event types shared by every stage of
// the capture pipeline: the raw record a shell hook emits, and the
// immutable CommandEvent the store persists.
package event

import (
	"fmt"
	"strings"
	"time"
)

// ShellKind identifies the shell dialect that produced an event.
type ShellKind string

const (
	ShellZsh  ShellKind = "zsh"
	ShellBash ShellKind = "bash"
	ShellFish ShellKind = "fish"
)

// Shells lists every supported shell kind.
var Shells = []ShellKind{ShellZsh, ShellBash, ShellFish}

// Valid reports whether k is a supported shell kind.
func (k ShellKind) Valid() bool {
	switch k {
	case ShellZsh, ShellBash, ShellFish:
		return true
	default:
		return false
	}
}

// MaxExitCode is the largest exit status a POSIX shell can report.
const MaxExitCode = 255

// RawEvent is the unvalidated record a shell hook sends for one completed
// command. It is the wire shape of the ingestion channel.
type RawEvent struct {
	Command    string    `json:"command"`
	StartMs    int64     `json:"start_ms"`
	DurationMs int64     `json:"duration_ms"`
	Cwd        string    `json:"cwd"`
	ExitCode   int       `json:"exit_code"`
	Shell      ShellKind `json:"shell"`
	SessionID  string    `json:"session_id"`
	Sequence   uint64    `json:"sequence"`
}

// Key is the idempotency key of an event. A retried raw event carries the
// same key and is persisted at most once.
type Key struct {
	SessionID string `json:"session_id"`
	Sequence  uint64 `json:"sequence"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s#%d", k.SessionID, k.Sequence)
}

// Key returns the idempotency key of the raw event.
func (r RawEvent) Key() Key {
	return Key{SessionID: r.SessionID, Sequence: r.Sequence}
}

// CommandEvent is one completed shell invocation. Once persisted it is
// never mutated.
type CommandEvent struct {
	Command    string    `json:"command"`
	StartMs    int64     `json:"start_ms"`
	DurationMs int64     `json:"duration_ms"`
	Cwd        string    `json:"cwd"`
	ExitCode   int       `json:"exit_code"`
	Shell      ShellKind `json:"shell"`
	SessionID  string    `json:"session_id"`
	Sequence   uint64    `json:"sequence"`
	IngestedMs int64     `json:"ingested_ms"`
}

// FromRaw builds a CommandEvent from an already validated raw event.
func FromRaw(raw RawEvent, ingestedAt time.Time) CommandEvent {
	return CommandEvent{
		Command:    strings.TrimSpace(raw.Command),
		StartMs:    raw.StartMs,
		DurationMs: raw.DurationMs,
		Cwd:        raw.Cwd,
		ExitCode:   raw.ExitCode,
		Shell:      raw.Shell,
		SessionID:  raw.SessionID,
		Sequence:   raw.Sequence,
		IngestedMs: ingestedAt.UnixMilli(),
	}
}

// Key returns the idempotency key of the event.
func (e *CommandEvent) Key() Key {
	return Key{SessionID: e.SessionID, Sequence: e.Sequence}
}

// Start returns the start timestamp.
func (e *CommandEvent) Start() time.Time {
	return time.UnixMilli(e.StartMs)
}

// Duration returns the command duration.
func (e *CommandEvent) Duration() time.Duration {
	return time.Duration(e.DurationMs) * time.Millisecond
}

// Succeeded reports whether the command exited with status 0.
func (e *CommandEvent) Succeeded() bool {
	return e.ExitCode == 0
}

// Category returns the first word of the command, e.g. "git" for
// "git status". Commands made only of whitespace fall into "other".
func (e *CommandEvent) Category() string {
	return CategoryOf(e.Command)
}

// CategoryOf returns the category of a command text.
func CategoryOf(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "other"
	}
	return fields[0]
}

// ExitClass groups exit statuses into coarse classes.
type ExitClass string

const (
	ExitSuccess  ExitClass = "success"
	ExitFailure  ExitClass = "failure"
	ExitNotFound ExitClass = "not_found"
	ExitSignal   ExitClass = "signal"
)

// ExitClass returns the class of the event's exit status.
func (e *CommandEvent) ExitClass() ExitClass {
	return ClassifyExit(e.ExitCode)
}

// ClassifyExit maps an exit status to its class. 126 and 127 are the
// shell's "not executable" and "not found"; statuses above 128 mean the
// command was killed by signal (status - 128).
func ClassifyExit(code int) ExitClass {
	switch {
	case code == 0:
		return ExitSuccess
	case code == 126 || code == 127:
		return ExitNotFound
	case code > 128:
		return ExitSignal
	default:
		return ExitFailure
	}
}
