// Command server is the cliwrapped daemon. It records the commands shell
// hooks report and serves history, statistics and wrapped reports over a
// unix-socket gRPC API.
//
// Usage:
//
//	server [serve] [--config FILE]
//	server status [--config FILE]
//	server import [--config FILE] [--format zsh_history|stats_log] FILE...
//	server version
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/entl/cliwrapped/internal/client"
	"github.com/entl/cliwrapped/internal/config"
	"github.com/entl/cliwrapped/internal/importer"
	"github.com/entl/cliwrapped/internal/lifecycle"
	"github.com/entl/cliwrapped/internal/logging"
	"github.com/entl/cliwrapped/internal/supervisor"
)

// version and build are injected at link time:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.build=$(git rev-parse --short HEAD)"
var (
	version = "dev"
	build   = "unknown"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	command := "serve"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		command, args = args[0], args[1:]
	}

	flagSet := pflag.NewFlagSet(command, pflag.ContinueOnError)
	configPath := flagSet.StringP("config", "c", "", "config file (default: search the standard locations)")
	format := flagSet.String("format", "", "import format: zsh_history or stats_log (default: from the file name)")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	switch command {
	case "serve":
		return serve(cfg)
	case "status":
		return status(cfg)
	case "import":
		return importFiles(cfg, *format, flagSet.Args())
	case "version":
		fmt.Printf("cliwrapped %s (%s)\n", version, build)
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadFromDefaultPath()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func serve(cfg *config.Config) error {
	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()

	sup := supervisor.New(supervisor.Options{
		Config:  cfg,
		Version: version,
		Build:   build,
		Logger:  logger,
	})

	st, err := sup.Start(context.Background())
	if err != nil {
		return err
	}
	if st.State != lifecycle.Running {
		if st.Holder != nil {
			logger.Info("daemon already running", "pid", st.Holder.PID, "instance", st.Holder.InstanceID)
			fmt.Printf("cliwrapped is already running (pid %d)\n", st.Holder.PID)
		}
		return nil
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case <-sup.Done():
		// The daemon failed on its own.
	}

	// The drain timeout is applied by Stop; the outer bound covers
	// closing the store.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Drain+30*time.Second)
	defer cancel()
	report, stopErr := sup.Stop(ctx)
	if report.Warning != "" {
		logger.Warn("stop report", "warning", report.Warning, "lost", report.Lost)
	}
	if stopErr != nil {
		return stopErr
	}
	if final := sup.Status(); final.FailureReason != "" {
		return errors.New(final.FailureReason)
	}
	return nil
}

// status prints the running daemon's status, or the lock holder when the
// API socket cannot be reached.
func status(cfg *config.Config) error {
	var st lifecycle.Status

	conn, err := client.Dial(cfg.API.SocketPath)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		resp, callErr := conn.Status(ctx)
		cancel()
		conn.Close()
		if callErr == nil {
			st = resp.Status
		}
		err = callErr
	}
	if err != nil {
		st = supervisor.New(supervisor.Options{Config: cfg}).Status()
	}

	if st.State == lifecycle.Running {
		fmt.Fprintf(os.Stderr, "running for %s, %s events stored, queue %d/%d\n",
			st.Uptime.Round(time.Second),
			humanize.Comma(int64(st.Persisted)),
			st.QueueDepth, st.QueueCapacity)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

func importFiles(cfg *config.Config, format string, files []string) error {
	if len(files) == 0 {
		return errors.New("import: no files given")
	}
	opts := importer.Options{}
	if format != "" {
		f, err := importer.ParseFormat(format)
		if err != nil {
			return err
		}
		opts.Format = f
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	opts.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := supervisor.Offline(ctx, cfg, logger)
	var conflict *supervisor.LockConflictError
	if errors.As(err, &conflict) {
		return fmt.Errorf("stop the running daemon before importing: %w", err)
	}
	if err != nil {
		return err
	}
	defer closeStore()

	for _, path := range files {
		report, err := importer.Import(ctx, path, store, opts)
		if err != nil {
			return fmt.Errorf("importing %s: %w", path, err)
		}
		fmt.Printf("%s: %s imported, %s already present, %s skipped\n", path,
			humanize.Comma(int64(report.Imported)),
			humanize.Comma(int64(report.Duplicates)),
			humanize.Comma(int64(report.Skipped)))
	}
	return nil
}
