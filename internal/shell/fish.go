package shell

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/entl/cliwrapped/internal/event"
)

type fishAdapter struct{}

func (fishAdapter) Kind() event.ShellKind { return event.ShellFish }

const fishScript = `# cliwrapped shell integration for fish
set -g __cliwrapped_session (@HOOK@ session)
set -g __cliwrapped_seq 0

function __cliwrapped_preexec --on-event fish_preexec
    set -g __cliwrapped_start (date +%s%3N)
end

function __cliwrapped_postexec --on-event fish_postexec
    set -l __cw_exit $status
    set -q __cliwrapped_start; or return
    set -g __cliwrapped_seq (math $__cliwrapped_seq + 1)
    @HOOK@ record --shell fish --session $__cliwrapped_session --seq $__cliwrapped_seq \
        --start $__cliwrapped_start --duration $CMD_DURATION --exit $__cw_exit --cwd $PWD \
        -- $argv[1] >/dev/null 2>&1 &
    disown 2>/dev/null
    set -e __cliwrapped_start
end
`

func (fishAdapter) HookScript(hookBinary string) string {
	return strings.ReplaceAll(fishScript, "@HOOK@", quote(hookBinary))
}

// Normalize reads fish's millisecond start stamp and CMD_DURATION.
func (fishAdapter) Normalize(p Payload) (event.RawEvent, error) {
	start, err := strconv.ParseInt(strings.TrimSpace(p.Start), 10, 64)
	if err != nil {
		return event.RawEvent{}, fmt.Errorf("fish start: %w", err)
	}

	var duration int64
	if d := strings.TrimSpace(p.Duration); d != "" {
		duration, err = strconv.ParseInt(d, 10, 64)
		if err != nil {
			return event.RawEvent{}, fmt.Errorf("fish duration: %w", err)
		}
	}
	return rawEvent(event.ShellFish, p, p.Command, start, duration), nil
}
