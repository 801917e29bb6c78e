package grpcstream

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ClientConn is the send/recv/close handle Dial returns: a raw client frame
// out, a raw server frame back, in place of a generated stub's typed
// request/response methods.
type ClientConn interface {
	Send(raw []byte) error
	Recv() ([]byte, error)
	Close() error
}

// Dial opens a client-side Chat stream against a relaybus server at addr,
// returning a handle relayctl can drive directly.
func Dial(ctx context.Context, addr string) (ClientConn, error) {
	cc, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		return nil, err
	}

	stream, err := cc.NewStream(ctx, &grpc.StreamDesc{
		StreamName:    MethodName,
		ServerStreams: true,
		ClientStreams: true,
	}, FullMethod)
	if err != nil {
		cc.Close()
		return nil, err
	}

	return &clientConn{cc: cc, stream: stream}, nil
}

// clientConn adapts a grpc.ClientStream to the shape cmd/relayctl needs:
// send a raw client frame, receive a raw server frame.
type clientConn struct {
	cc     *grpc.ClientConn
	stream grpc.ClientStream
}

func (c *clientConn) Send(raw []byte) error {
	return c.stream.SendMsg(&Frame{Payload: raw})
}

func (c *clientConn) Recv() ([]byte, error) {
	var f Frame
	if err := c.stream.RecvMsg(&f); err != nil {
		return nil, err
	}
	return f.Payload, nil
}

func (c *clientConn) Close() error {
	if err := c.stream.CloseSend(); err != nil {
		c.cc.Close()
		return err
	}
	return c.cc.Close()
}
