package shell

import (
	"regexp"
	"strings"

	"github.com/entl/cliwrapped/internal/event"
)

type bashAdapter struct{}

func (bashAdapter) Kind() event.ShellKind { return event.ShellBash }

// Requires bash 5 for EPOCHREALTIME.
const bashScript = `# cliwrapped shell integration for bash
__cliwrapped_session="$(@HOOK@ session)"
__cliwrapped_seq=0
__cliwrapped_start=""
__cliwrapped_armed=0

__cliwrapped_debug() {
  [[ "$__cliwrapped_armed" == "1" ]] && return
  [[ "$BASH_COMMAND" == __cliwrapped_* ]] && return
  __cliwrapped_armed=1
  __cliwrapped_start="$EPOCHREALTIME"
}

__cliwrapped_prompt() {
  local __cw_exit=$?
  local __cw_end="$EPOCHREALTIME"
  if [[ "$__cliwrapped_armed" == "1" && -n "$__cliwrapped_start" ]]; then
    __cliwrapped_seq=$((__cliwrapped_seq + 1))
    local __cw_cmd
    __cw_cmd="$(HISTTIMEFORMAT= builtin history 1)"
    ( @HOOK@ record --shell bash --session "$__cliwrapped_session" --seq "$__cliwrapped_seq" \
        --start "$__cliwrapped_start" --end "$__cw_end" --exit "$__cw_exit" --cwd "$PWD" \
        -- "$__cw_cmd" >/dev/null 2>&1 & )
  fi
  __cliwrapped_armed=0
  __cliwrapped_start=""
}

trap '__cliwrapped_debug' DEBUG
PROMPT_COMMAND="__cliwrapped_prompt${PROMPT_COMMAND:+;$PROMPT_COMMAND}"
`

func (bashAdapter) HookScript(hookBinary string) string {
	return strings.ReplaceAll(bashScript, "@HOOK@", quote(hookBinary))
}

// historyNumber matches the "  42  " (or "  42* " for an edited entry)
// prefix of "history 1" output.
var historyNumber = regexp.MustCompile(`^\s*\d+\*?\s+`)

// Normalize strips the history numbering and reads EPOCHREALTIME stamps.
func (bashAdapter) Normalize(p Payload) (event.RawEvent, error) {
	command := historyNumber.ReplaceAllString(p.Command, "")
	return normalizeRealtime(event.ShellBash, p, command)
}
