package shell

import (
	"fmt"
	"strings"

	"github.com/entl/cliwrapped/internal/event"
)

type zshAdapter struct{}

func (zshAdapter) Kind() event.ShellKind { return event.ShellZsh }

const zshScript = `# cliwrapped shell integration for zsh
zmodload zsh/datetime 2>/dev/null
typeset -g __cliwrapped_session="$(@HOOK@ session)"
typeset -gi __cliwrapped_seq=0
typeset -g __cliwrapped_cmd=""
typeset -g __cliwrapped_start=""

__cliwrapped_preexec() {
  __cliwrapped_cmd="$1"
  __cliwrapped_start="$EPOCHREALTIME"
}

__cliwrapped_precmd() {
  local __cw_exit=$?
  local __cw_end="$EPOCHREALTIME"
  [[ -z "$__cliwrapped_start" ]] && return
  (( __cliwrapped_seq++ ))
  @HOOK@ record --shell zsh --session "$__cliwrapped_session" --seq "$__cliwrapped_seq" \
    --start "$__cliwrapped_start" --end "$__cw_end" --exit "$__cw_exit" --cwd "$PWD" \
    -- "$__cliwrapped_cmd" >/dev/null 2>&1 &!
  __cliwrapped_start=""
}

autoload -Uz add-zsh-hook
add-zsh-hook preexec __cliwrapped_preexec
add-zsh-hook precmd __cliwrapped_precmd
`

func (zshAdapter) HookScript(hookBinary string) string {
	return strings.ReplaceAll(zshScript, "@HOOK@", quote(hookBinary))
}

// Normalize reads zsh's EPOCHREALTIME start and end stamps.
func (zshAdapter) Normalize(p Payload) (event.RawEvent, error) {
	return normalizeRealtime(event.ShellZsh, p, p.Command)
}

func normalizeRealtime(kind event.ShellKind, p Payload, command string) (event.RawEvent, error) {
	start, err := parseEpochRealtime(p.Start)
	if err != nil {
		return event.RawEvent{}, fmt.Errorf("%s start: %w", kind, err)
	}

	var duration int64
	if p.End != "" {
		end, err := parseEpochRealtime(p.End)
		if err != nil {
			return event.RawEvent{}, fmt.Errorf("%s end: %w", kind, err)
		}
		duration = end - start
	}
	return rawEvent(kind, p, command, start, duration), nil
}
