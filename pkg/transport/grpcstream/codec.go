// Package grpcstream carries protocol frames over a gRPC bidirectional
// stream using a JSON wire codec in place of generated protobuf stubs.
package grpcstream

import "encoding/json"

// CodecName is the codec's name: the server registers jsonCodec under it
// (encoding.RegisterCodec), and the client's grpc.ForceCodec makes calls
// carry "Content-Type: application/grpc+json", which selects it.
const CodecName = "json"

// jsonCodec implements encoding.Codec (Marshal/Unmarshal/Name) over
// encoding/json. gRPC calls Marshal/Unmarshal with whatever message value
// the stream's SendMsg/RecvMsg was given — here, always a *Frame.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return CodecName }

// Frame is the envelope this transport puts on the wire: Payload holds one
// raw client or server frame from pkg/protocol, transported as an opaque
// JSON blob so this package never needs to know the frame's concrete shape.
type Frame struct {
	Payload json.RawMessage `json:"payload"`
}
