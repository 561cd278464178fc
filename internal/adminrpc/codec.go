package adminrpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content-subtype this package's service registers
// under. Requests for it go through jsonCodec instead of the standard
// protobuf codec; every other registered service on the same *grpc.Server
// (health, reflection) is untouched since they keep using the default
// "proto" subtype.
const codecName = "admin-json"

// jsonCodec lets AdminServer exchange plain Go structs over gRPC without a
// .proto file or generated stubs: Marshal/Unmarshal just delegate to
// encoding/json. Client sets grpc.CallContentSubtype(codecName) on every
// call so outbound calls negotiate this codec instead of protobuf.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
