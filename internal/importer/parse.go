// Package importer brings commands recorded outside the hooks into the
// store: a one-shot Import of zsh history and stats-log files, and a
// Tailer that follows stats logs as lines are appended.
package importer

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Format is the layout of an imported file.
type Format string

const (
	// FormatZshHistory is zsh's extended history: ": <ts>:<elapsed>;<command>".
	FormatZshHistory Format = "zsh_history"
	// FormatStatsLog is a stats log of "ts|command|dir" or "ts:command:dir"
	// lines; zsh history lines are accepted too.
	FormatStatsLog Format = "stats_log"
)

// ParseFormat maps a name to a Format.
func ParseFormat(name string) (Format, error) {
	switch f := Format(name); f {
	case FormatZshHistory, FormatStatsLog:
		return f, nil
	default:
		return "", fmt.Errorf("unknown import format %q", name)
	}
}

// DetectFormat guesses the format from the file name.
func DetectFormat(path string) Format {
	if strings.Contains(filepath.Base(path), "zsh_history") {
		return FormatZshHistory
	}
	return FormatStatsLog
}

// record is one parsed entry. A zero Start means the line carried no
// timestamp.
type record struct {
	Start     int64 // Unix seconds
	ElapsedS  int64
	Command   string
	Directory string
}

func parseLine(format Format, line string) (record, bool) {
	if format == FormatZshHistory {
		return parseZshHistoryLine(line)
	}
	return parseStatsLine(line)
}

// parseZshHistoryLine parses ": 1700000000:3;git status". A line without
// the extended prefix is a plain command.
func parseZshHistoryLine(line string) (record, bool) {
	if rest, ok := strings.CutPrefix(line, ": "); ok {
		meta, command, found := strings.Cut(rest, ";")
		if !found {
			return record{}, false
		}
		tsPart, elapsedPart, _ := strings.Cut(strings.TrimSpace(meta), ":")
		ts, err := strconv.ParseInt(tsPart, 10, 64)
		if err != nil {
			return record{}, false
		}
		elapsed, _ := strconv.ParseInt(elapsedPart, 10, 64)

		command = strings.TrimSpace(command)
		if command == "" {
			return record{}, false
		}
		return record{Start: ts, ElapsedS: elapsed, Command: command}, true
	}

	command := strings.TrimSpace(line)
	if command == "" {
		return record{}, false
	}
	return record{Command: command}, true
}

// parseStatsLine accepts, in order: "ts|command|dir", "ts:command:dir",
// a zsh history line optionally followed by ":dir", and a plain command.
func parseStatsLine(line string) (record, bool) {
	if parts := strings.Split(line, "|"); len(parts) == 3 {
		if ts, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64); err == nil {
			command := strings.TrimSpace(parts[1])
			if command == "" {
				return record{}, false
			}
			return record{Start: ts, Command: command, Directory: validDirectory(parts[2])}, true
		}
	}

	if !strings.HasPrefix(line, ": ") {
		if tsPart, rest, found := strings.Cut(line, ":"); found && isDigits(tsPart) {
			ts, err := strconv.ParseInt(tsPart, 10, 64)
			if err == nil {
				command, dir := splitTrailingDirectory(rest)
				if command == "" {
					return record{}, false
				}
				return record{Start: ts, Command: command, Directory: dir}, true
			}
		}
		command := strings.TrimSpace(line)
		if command == "" {
			return record{}, false
		}
		return record{Command: command}, true
	}

	rec, ok := parseZshHistoryLine(line)
	if !ok {
		return record{}, false
	}
	rec.Command, rec.Directory = splitTrailingDirectory(rec.Command)
	if rec.Command == "" {
		return record{}, false
	}
	return rec, true
}

// splitTrailingDirectory splits "command:dir" at the last colon when what
// follows is a directory. Otherwise all of s is the command.
func splitTrailingDirectory(s string) (command, dir string) {
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		if d := validDirectory(s[i+1:]); d != "" {
			return strings.TrimSpace(s[:i]), d
		}
	}
	return strings.TrimSpace(s), ""
}

// validDirectory returns s trimmed when it is an absolute or home-relative
// path that is not URL-like, and "" otherwise.
func validDirectory(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || (s[0] != '/' && s[0] != '~') {
		return ""
	}
	if strings.Contains(s, "://") || strings.HasPrefix(s, "//") {
		return ""
	}
	return s
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// unmetafy reverses zsh's history metafication: 0x83 marks a byte stored
// XORed with 0x20.
func unmetafy(line []byte) []byte {
	const meta = 0x83
	if !containsByte(line, meta) {
		return line
	}
	out := make([]byte, 0, len(line))
	for i := 0; i < len(line); i++ {
		if line[i] == meta && i+1 < len(line) {
			i++
			out = append(out, line[i]^0x20)
			continue
		}
		out = append(out, line[i])
	}
	return out
}

func containsByte(b []byte, c byte) bool {
	for _, x := range b {
		if x == c {
			return true
		}
	}
	return false
}
