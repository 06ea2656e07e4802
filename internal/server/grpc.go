// Package server exposes the daemon over unix sockets: the gRPC query API
// and the CBOR event stream shell hooks write to.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/entl/cliwrapped/internal/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Services bundles the query API implementations.
type Services struct {
	History    api.HistoryServer
	Suggestion api.SuggestionServer
	System     api.SystemServer
}

// NewGRPCServer creates a gRPC server with every service registered.
func NewGRPCServer(services Services, logger *slog.Logger) *grpc.Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "api")

	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		recoverInterceptor(logger),
		logInterceptor(logger),
	))
	if services.History != nil {
		api.RegisterHistoryServer(srv, services.History)
	}
	if services.Suggestion != nil {
		api.RegisterSuggestionServer(srv, services.Suggestion)
	}
	if services.System != nil {
		api.RegisterSystemServer(srv, services.System)
	}
	return srv
}

func logInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		level := slog.LevelDebug
		if code == codes.Internal || code == codes.Unknown {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "rpc",
			"method", info.FullMethod,
			"code", code.String(),
			"elapsed", time.Since(start),
		)
		return resp, err
	}
}

func recoverInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("rpc panicked", "method", info.FullMethod, "panic", r)
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

// ListenUnix listens on a unix socket at path. A socket file left behind
// by a dead process is removed; one with a live listener is an error.
func ListenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		conn, dialErr := net.DialTimeout("unix", path, 100*time.Millisecond)
		if dialErr == nil {
			conn.Close()
			return nil, fmt.Errorf("socket %s is in use", path)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}

	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		lis.Close()
		return nil, fmt.Errorf("restrict socket permissions: %w", err)
	}
	return lis, nil
}
