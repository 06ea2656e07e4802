package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/entl/cliwrapped/internal/api"
	"github.com/entl/cliwrapped/internal/codec"
	"github.com/entl/cliwrapped/internal/event"
	"github.com/entl/cliwrapped/internal/ingest"
	"github.com/entl/cliwrapped/internal/validators"
)

// connIdleTimeout closes ingestion connections that send nothing.
const connIdleTimeout = time.Minute

// Submitter accepts raw events.
type Submitter interface {
	Submit(ctx context.Context, raw event.RawEvent) (ingest.Ack, error)
}

// IngestServer reads a stream of CBOR RawEvent values from each
// connection and answers every one with an api.IngestResponse.
type IngestServer struct {
	submitter Submitter
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewIngestServer creates an IngestServer.
func NewIngestServer(submitter Submitter, logger *slog.Logger) *IngestServer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &IngestServer{
		submitter: submitter,
		logger:    logger.With("component", "ingest-socket"),
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections until Close. It returns nil after Close.
func (s *IngestServer) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		lis.Close()
		return nil
	}
	s.listener = lis
	s.mu.Unlock()

	s.logger.Info("ingestion socket listening", "addr", lis.Addr().String())
	for {
		conn, err := lis.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handle(conn)
	}
}

// Close stops accepting, closes open connections and waits for their
// handlers to return.
func (s *IngestServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (s *IngestServer) handle(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.wg.Done()
	}()

	dec := codec.NewDecoder(bufio.NewReader(conn))
	enc := codec.NewEncoder(conn)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(connIdleTimeout)); err != nil {
			return
		}

		var raw event.RawEvent
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return
			}
			// The stream cannot be resynchronized after a bad item.
			s.logger.Debug("malformed ingestion frame", "error", err)
			_ = enc.Encode(api.IngestResponse{Error: err.Error(), Code: api.IngestMalformed})
			return
		}

		resp := s.submit(raw)
		if err := enc.Encode(resp); err != nil {
			s.logger.Debug("write ingestion response", "error", err)
			return
		}
	}
}

func (s *IngestServer) submit(raw event.RawEvent) api.IngestResponse {
	ack, err := s.submitter.Submit(s.ctx, raw)
	if err == nil {
		return api.IngestResponse{OK: true, Status: string(ack.Status), Key: ack.Key}
	}

	resp := api.IngestResponse{Error: err.Error(), Key: raw.Key()}
	var verr *validators.ValidationError
	switch {
	case errors.As(err, &verr):
		resp.Code = api.IngestInvalid
	case errors.Is(err, ingest.ErrNotAccepting), errors.Is(err, context.Canceled):
		resp.Code = api.IngestUnavailable
	case errors.Is(err, ingest.ErrHandoffTimeout):
		resp.Code = api.IngestTimeout
	default:
		resp.Code = api.IngestInternal
		s.logger.Warn("submit failed", "key", raw.Key().String(), "error", err)
	}
	return resp
}
