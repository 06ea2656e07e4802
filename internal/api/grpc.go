package api

import (
	"context"

	"github.com/entl/cliwrapped/internal/codec"
	"google.golang.org/grpc"
)

const (
	HistoryServiceName    = "cliwrapped.HistoryService"
	SuggestionServiceName = "cliwrapped.SuggestionService"
	SystemServiceName     = "cliwrapped.SystemService"
)

// HistoryServer serves history listings and statistics.
type HistoryServer interface {
	ListHistory(context.Context, *ListHistoryRequest) (*ListHistoryResponse, error)
	Stats(context.Context, *StatsRequest) (*StatsResponse, error)
	Wrapped(context.Context, *WrappedRequest) (*WrappedResponse, error)
}

// SuggestionServer serves prefix completions.
type SuggestionServer interface {
	Suggest(context.Context, *SuggestRequest) (*SuggestResponse, error)
}

// SystemServer serves liveness, version and daemon status.
type SystemServer interface {
	Ping(context.Context, *PingRequest) (*PingResponse, error)
	GetVersion(context.Context, *Empty) (*VersionResponse, error)
	Status(context.Context, *Empty) (*StatusResponse, error)
}

// unary builds the method descriptor of a unary call on server type S.
func unary[S any, Req any, Resp any](service, method string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var historyServiceDesc = grpc.ServiceDesc{
	ServiceName: HistoryServiceName,
	HandlerType: (*HistoryServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(HistoryServiceName, "ListHistory", HistoryServer.ListHistory),
		unary(HistoryServiceName, "Stats", HistoryServer.Stats),
		unary(HistoryServiceName, "Wrapped", HistoryServer.Wrapped),
	},
	Metadata: "cliwrapped/api",
}

var suggestionServiceDesc = grpc.ServiceDesc{
	ServiceName: SuggestionServiceName,
	HandlerType: (*SuggestionServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(SuggestionServiceName, "Suggest", SuggestionServer.Suggest),
	},
	Metadata: "cliwrapped/api",
}

var systemServiceDesc = grpc.ServiceDesc{
	ServiceName: SystemServiceName,
	HandlerType: (*SystemServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(SystemServiceName, "Ping", SystemServer.Ping),
		unary(SystemServiceName, "GetVersion", SystemServer.GetVersion),
		unary(SystemServiceName, "Status", SystemServer.Status),
	},
	Metadata: "cliwrapped/api",
}

func RegisterHistoryServer(s grpc.ServiceRegistrar, srv HistoryServer) {
	s.RegisterService(&historyServiceDesc, srv)
}

func RegisterSuggestionServer(s grpc.ServiceRegistrar, srv SuggestionServer) {
	s.RegisterService(&suggestionServiceDesc, srv)
}

func RegisterSystemServer(s grpc.ServiceRegistrar, srv SystemServer) {
	s.RegisterService(&systemServiceDesc, srv)
}

// Client calls every query API service over one connection. Calls use
// the CBOR content subtype.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, service, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codec.GRPCName)}, opts...)
	if err := cc.Invoke(ctx, "/"+service+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListHistory(ctx context.Context, in *ListHistoryRequest, opts ...grpc.CallOption) (*ListHistoryResponse, error) {
	return invoke[ListHistoryResponse](ctx, c.cc, HistoryServiceName, "ListHistory", in, opts)
}

func (c *Client) Stats(ctx context.Context, in *StatsRequest, opts ...grpc.CallOption) (*StatsResponse, error) {
	return invoke[StatsResponse](ctx, c.cc, HistoryServiceName, "Stats", in, opts)
}

func (c *Client) Wrapped(ctx context.Context, in *WrappedRequest, opts ...grpc.CallOption) (*WrappedResponse, error) {
	return invoke[WrappedResponse](ctx, c.cc, HistoryServiceName, "Wrapped", in, opts)
}

func (c *Client) Suggest(ctx context.Context, in *SuggestRequest, opts ...grpc.CallOption) (*SuggestResponse, error) {
	return invoke[SuggestResponse](ctx, c.cc, SuggestionServiceName, "Suggest", in, opts)
}

func (c *Client) Ping(ctx context.Context, in *PingRequest, opts ...grpc.CallOption) (*PingResponse, error) {
	return invoke[PingResponse](ctx, c.cc, SystemServiceName, "Ping", in, opts)
}

func (c *Client) GetVersion(ctx context.Context, opts ...grpc.CallOption) (*VersionResponse, error) {
	return invoke[VersionResponse](ctx, c.cc, SystemServiceName, "GetVersion", &Empty{}, opts)
}

func (c *Client) Status(ctx context.Context, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c.cc, SystemServiceName, "Status", &Empty{}, opts)
}
