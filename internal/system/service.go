// Package system implements the cliwrapped.SystemService gRPC service.
// It provides health-check (Ping), version introspection (GetVersion) and
// the daemon status snapshot (Status).
package system

import (
	"context"
	"log/slog"

	"github.com/entl/cliwrapped/internal/api"
	"github.com/entl/cliwrapped/internal/lifecycle"
)

// StatusFunc reports the current daemon status.
type StatusFunc func() lifecycle.Status

// Service implements api.SystemServer.
type Service struct {
	version string
	build   string
	status  StatusFunc
	logger  *slog.Logger
}

// New creates a SystemService.
// version and build are typically injected at link time via -ldflags.
func New(version, build string, status StatusFunc, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		version: version,
		build:   build,
		status:  status,
		logger:  logger.With("component", "system"),
	}
}

// Ping echoes the request message back to the caller.
// A missing message is treated as a plain liveness probe and echoes "pong".
func (s *Service) Ping(_ context.Context, req *api.PingRequest) (*api.PingResponse, error) {
	msg := req.Message
	if msg == "" {
		msg = "pong"
	}
	s.logger.Debug("ping", "message", msg)
	return &api.PingResponse{Message: msg}, nil
}

// GetVersion returns the compiled-in version and build strings.
func (s *Service) GetVersion(_ context.Context, _ *api.Empty) (*api.VersionResponse, error) {
	return &api.VersionResponse{
		Version: s.version,
		Build:   s.build,
	}, nil
}

// Status returns the daemon status snapshot.
func (s *Service) Status(_ context.Context, _ *api.Empty) (*api.StatusResponse, error) {
	if s.status == nil {
		return &api.StatusResponse{Status: lifecycle.Status{State: lifecycle.Stopped}}, nil
	}
	return &api.StatusResponse{Status: s.status()}, nil
}
