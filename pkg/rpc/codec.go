// Package rpc is the node-to-node and client-to-node transport: gRPC with a
// JSON codec, hand-written service descriptors for the shardex.Update and
// shardex.Cluster services, a pooled client and the mapping between domain
// errors and gRPC status codes.
package rpc

import (
	"bytes"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/proto"
)

// CodecName is the content-subtype of the JSON codec.
const CodecName = "json"

// Codec encodes messages as JSON. Protobuf messages, such as those of the
// standard health service, keep their binary encoding. Numbers decode as
// json.Number so document versions keep full precision.
type Codec struct{}

func (Codec) Name() string { return CodecName }

func (Codec) Marshal(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return proto.Marshal(m)
	}
	return json.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func init() {
	encoding.RegisterCodec(Codec{})
}

// ServerOption makes a server use the codec for every call.
func ServerOption() grpc.ServerOption { return grpc.ForceServerCodec(Codec{}) }

// DialOption makes a connection use the codec for every call.
func DialOption() grpc.DialOption {
	return grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec{}))
}
