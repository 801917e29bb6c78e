package grpcstream

import (
	"encoding/json"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/relaybus/relaybus/pkg/dispatcher"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// ServiceName and MethodName name the single bidi-streaming RPC this
// package exposes, in place of what protoc-gen-go-grpc would otherwise
// generate from a .proto file.
const (
	ServiceName = "relaybus.Bus"
	MethodName  = "Chat"
	FullMethod  = "/" + ServiceName + "/" + MethodName
)

// ServeChat adapts one incoming gRPC stream into a dispatcher.Conn and
// blocks running d.Serve on it until the stream ends.
func ServeChat(d *dispatcher.Dispatcher) func(srv any, stream grpc.ServerStream) error {
	return func(_ any, stream grpc.ServerStream) error {
		conn := &serverConn{stream: stream}
		return d.Serve(stream.Context(), conn)
	}
}

// NewServiceDesc builds the grpc.ServiceDesc a *grpc.Server registers,
// wiring d into the single Chat bidi-streaming method.
func NewServiceDesc(d *dispatcher.Dispatcher) *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*any)(nil),
		Methods:     []grpc.MethodDesc{},
		Streams: []grpc.StreamDesc{
			{
				StreamName:    MethodName,
				Handler:       ServeChat(d),
				ServerStreams: true,
				ClientStreams: true,
			},
		},
		Metadata: "relaybus.proto",
	}
}

// RegisterServer registers d's Chat method on server.
func RegisterServer(server *grpc.Server, d *dispatcher.Dispatcher) {
	server.RegisterService(NewServiceDesc(d), nil)
}

// serverConn adapts a grpc.ServerStream to dispatcher.Conn. WriteFrame is
// called both from the connection's Serve loop and from topic workers, and
// a gRPC stream forbids concurrent SendMsg calls, so writes take writeMu.
type serverConn struct {
	stream  grpc.ServerStream
	writeMu sync.Mutex
}

func (c *serverConn) ReadFrame() ([]byte, error) {
	var f Frame
	if err := c.stream.RecvMsg(&f); err != nil {
		return nil, err
	}
	return f.Payload, nil
}

func (c *serverConn) WriteFrame(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.stream.SendMsg(&Frame{Payload: raw})
}

func (c *serverConn) Close() error { return nil }
