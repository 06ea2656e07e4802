// Package client talks to a running daemon: HookClient hands one event to
// the ingestion socket within a hard deadline, and Dial connects to the
// gRPC query API.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/entl/cliwrapped/internal/api"
	"github.com/entl/cliwrapped/internal/codec"
	"github.com/entl/cliwrapped/internal/event"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	// ErrUnavailable means no daemon accepted the event: nothing listens
	// on the socket, or the daemon is draining.
	ErrUnavailable = errors.New("client: daemon unavailable")
	// ErrHandoffTimeout means the daemon did not acknowledge in time.
	ErrHandoffTimeout = errors.New("client: hook handoff timed out")
)

// RejectedError is an event the daemon refused, e.g. a validation failure.
type RejectedError struct {
	Code    api.IngestCode
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("event rejected (%s): %s", e.Code, e.Message)
}

// HookClient sends events to the ingestion socket.
type HookClient struct {
	socketPath string
	timeout    time.Duration
}

// NewHookClient creates a HookClient. Every Send completes within timeout.
func NewHookClient(socketPath string, timeout time.Duration) *HookClient {
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	return &HookClient{socketPath: socketPath, timeout: timeout}
}

// Send delivers raw and waits for the acknowledgement.
func (c *HookClient) Send(ctx context.Context, raw event.RawEvent) (api.IngestResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		if ctx.Err() != nil {
			return api.IngestResponse{}, ErrHandoffTimeout
		}
		return api.IngestResponse{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return api.IngestResponse{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := codec.NewEncoder(conn).Encode(raw); err != nil {
		return api.IngestResponse{}, classifyIOError(err)
	}

	var resp api.IngestResponse
	if err := codec.NewDecoder(conn).Decode(&resp); err != nil {
		return api.IngestResponse{}, classifyIOError(err)
	}

	if resp.OK {
		return resp, nil
	}
	switch resp.Code {
	case api.IngestTimeout:
		return resp, ErrHandoffTimeout
	case api.IngestUnavailable:
		return resp, ErrUnavailable
	default:
		return resp, &RejectedError{Code: resp.Code, Message: resp.Error}
	}
}

func classifyIOError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrHandoffTimeout
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Conn is a query API connection.
type Conn struct {
	*api.Client
	cc *grpc.ClientConn
}

// Dial connects to the query API socket. The connection is established
// lazily on the first call.
func Dial(socketPath string, opts ...grpc.DialOption) (*Conn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codec.GRPCName)),
	}, opts...)

	cc, err := grpc.NewClient("unix://"+socketPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial query api: %w", err)
	}
	return &Conn{Client: api.NewClient(cc), cc: cc}, nil
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.cc.Close()
}
