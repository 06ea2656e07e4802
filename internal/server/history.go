package server

import (
	"context"
	"errors"
	"time"

	"github.com/entl/cliwrapped/internal/api"
	"github.com/entl/cliwrapped/internal/history"
	"github.com/entl/cliwrapped/internal/rollup"
	"github.com/entl/cliwrapped/internal/storage"
	"github.com/entl/cliwrapped/internal/suggest"
	"github.com/entl/cliwrapped/internal/validators"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// HistoryServer implements api.HistoryServer.
type HistoryServer struct {
	svc *history.Service
}

// NewHistoryServer creates a HistoryServer backed by the given service.
func NewHistoryServer(svc *history.Service) *HistoryServer {
	return &HistoryServer{svc: svc}
}

// ListHistory returns one newest-first page of history.
func (h *HistoryServer) ListHistory(ctx context.Context, req *api.ListHistoryRequest) (*api.ListHistoryResponse, error) {
	if err := validators.ValidateListHistoryRequest(req); err != nil {
		return nil, err
	}

	result, err := h.svc.ListHistory(ctx, storage.ListOptions{
		SessionID:     req.SessionID,
		CommandPrefix: req.CommandPrefix,
		Directory:     req.Directory,
		Window:        storage.Window{From: fromMillis(req.FromMs), To: fromMillis(req.ToMs)},
		Limit:         req.Limit,
		Cursor:        req.Cursor,
	})
	if errors.Is(err, storage.ErrInvalidCursor) {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to list history: %v", err)
	}

	return &api.ListHistoryResponse{Events: result.Events, NextCursor: result.NextCursor}, nil
}

// Stats computes one metric over one period.
func (h *HistoryServer) Stats(_ context.Context, req *api.StatsRequest) (*api.StatsResponse, error) {
	if err := validators.ValidateStatsRequest(req); err != nil {
		return nil, err
	}

	g, _ := rollup.ParseGranularity(req.Granularity)
	resp, err := h.svc.Stats(history.StatsQuery{
		Metric:    req.Metric,
		Period:    h.svc.Period(g, fromMillis(req.AtMs)),
		N:         req.N,
		Command:   req.Command,
		Directory: req.Directory,
	})
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return &resp, nil
}

// Wrapped builds the summary report of a year or of an arbitrary period.
func (h *HistoryServer) Wrapped(_ context.Context, req *api.WrappedRequest) (*api.WrappedResponse, error) {
	if err := validators.ValidateWrappedRequest(req); err != nil {
		return nil, err
	}

	if req.Year != 0 {
		return &api.WrappedResponse{Report: h.svc.WrappedYear(req.Year)}, nil
	}
	g, _ := rollup.ParseGranularity(req.Granularity)
	return &api.WrappedResponse{Report: h.svc.Wrapped(h.svc.Period(g, fromMillis(req.AtMs)))}, nil
}

// SuggestionServer implements api.SuggestionServer.
type SuggestionServer struct {
	svc *suggest.Service
}

// NewSuggestionServer creates a SuggestionServer.
func NewSuggestionServer(svc *suggest.Service) *SuggestionServer {
	return &SuggestionServer{svc: svc}
}

// Suggest returns completions for the input at the cursor.
func (s *SuggestionServer) Suggest(ctx context.Context, req *api.SuggestRequest) (*api.SuggestResponse, error) {
	if err := validators.ValidateSuggestRequest(req); err != nil {
		return nil, err
	}
	suggestions := s.svc.Suggest(ctx, req.Input, req.CursorPos, req.SessionID, req.Limit)
	return &api.SuggestResponse{Suggestions: suggestions}, nil
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
