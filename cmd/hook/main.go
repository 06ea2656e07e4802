// Command hook is the small binary shell integrations call. It never
// makes the shell wait longer than the hook handoff timeout and always
// exits 0 from record, whatever happened to the event.
//
// Usage:
//
//	hook init [zsh|bash|fish]    print the integration script
//	hook session                 print a new session id
//	hook record --shell zsh --session ID --seq N --start T [--end T] [--duration MS] --exit CODE --cwd DIR -- COMMAND
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/entl/cliwrapped/internal/client"
	"github.com/entl/cliwrapped/internal/config"
	"github.com/entl/cliwrapped/internal/event"
	"github.com/entl/cliwrapped/internal/shell"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: hook init|session|record")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "init":
		err = initScript(os.Args[2:])
	case "session":
		fmt.Println(uuid.NewString())
	case "record":
		record(os.Args[2:])
	default:
		err = fmt.Errorf("unknown command %q", os.Args[1])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func initScript(args []string) error {
	var kind event.ShellKind
	if len(args) > 0 {
		kind = event.ShellKind(args[0])
	} else {
		detected, err := shell.Detect(os.Getenv("SHELL"))
		if err != nil {
			return err
		}
		kind = detected
	}

	adapter, err := shell.For(kind)
	if err != nil {
		return err
	}
	self, err := os.Executable()
	if err != nil {
		return err
	}
	if resolved, err := filepath.EvalSymlinks(self); err == nil {
		self = resolved
	}
	fmt.Print(adapter.HookScript(self))
	return nil
}

// record hands one finished command to the daemon. Failures are only
// reported with --verbose.
func record(args []string) {
	var (
		payload shell.Payload
		kind    string
		verbose bool
	)
	flagSet := pflag.NewFlagSet("record", pflag.ContinueOnError)
	flagSet.StringVar(&kind, "shell", "", "shell kind")
	flagSet.StringVar(&payload.SessionID, "session", "", "shell session id")
	flagSet.Uint64Var(&payload.Sequence, "seq", 0, "per-session sequence number")
	flagSet.StringVar(&payload.Start, "start", "", "start timestamp as the shell reports it")
	flagSet.StringVar(&payload.End, "end", "", "end timestamp as the shell reports it")
	flagSet.StringVar(&payload.Duration, "duration", "", "duration in ms, for shells that measure it")
	flagSet.IntVar(&payload.ExitCode, "exit", 0, "exit status")
	flagSet.StringVar(&payload.Cwd, "cwd", "", "working directory")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "report failures on stderr")
	flagSet.SetOutput(io.Discard)

	report := func(err error) {
		if verbose && err != nil {
			fmt.Fprintf(os.Stderr, "cliwrapped hook: %v\n", err)
		}
	}

	if err := flagSet.Parse(args); err != nil {
		report(err)
		return
	}
	payload.Command = strings.Join(flagSet.Args(), " ")

	adapter, err := shell.For(event.ShellKind(kind))
	if err != nil {
		report(err)
		return
	}
	raw, err := adapter.Normalize(payload)
	if err != nil {
		report(err)
		return
	}

	cfg, err := config.LoadFromDefaultPath()
	if err != nil {
		report(err)
		return
	}
	hook := client.NewHookClient(cfg.Ingest.SocketPath, cfg.Timeouts.HookHandoff)
	if _, err := hook.Send(context.Background(), raw); err != nil {
		report(err)
	}
}
