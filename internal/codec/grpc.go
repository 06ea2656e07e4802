package codec

import (
	"google.golang.org/grpc/encoding"
)

// GRPCName is the content subtype under which the CBOR codec is
// registered with gRPC. Clients select it with
// grpc.CallContentSubtype(GRPCName).
const GRPCName = "cbor"

// grpcCodec adapts the CBOR modes to grpc's encoding.Codec, so the query
// API can use plain Go structs as messages without generated protobufs.
type grpcCodec struct{}

func (grpcCodec) Marshal(v any) ([]byte, error) { return Marshal(v) }

func (grpcCodec) Unmarshal(data []byte, v any) error { return Unmarshal(data, v) }

func (grpcCodec) Name() string { return GRPCName }

func init() {
	encoding.RegisterCodec(grpcCodec{})
}
