package syncproto

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
)

// ServiceName is the fully-qualified gRPC service name, mirroring the
// naming convention protoc would generate for a "sync/v1" package.
const ServiceName = "familyos.sync.v1.SyncService"

// ExchangeMethod is the single RPC this service exposes: a stateless
// unary push-pull round (spec.md §4.I's HELLO/INV/GET/OPS all ride this one
// call, one Message in, one Message out).
const ExchangeMethod = "Exchange"

// ExchangeHandler processes one incoming Message and returns the response
// Message. Implemented by Replicator.
type ExchangeHandler func(ctx context.Context, req *Message) (*Message, error)

// server adapts an ExchangeHandler to a grpc.ServiceDesc handler.
type server struct {
	handler ExchangeHandler
}

func exchangeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(Message)
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*server)
	if interceptor == nil {
		return s.handler(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + ExchangeMethod}
	handlerFunc := func(ctx context.Context, req any) (any, error) {
		return s.handler(ctx, req.(*Message))
	}
	return interceptor(ctx, req, info, handlerFunc)
}

// ServiceDesc is the hand-built equivalent of what protoc-gen-go-grpc would
// generate for a one-method "SyncService" — there is no .proto in this
// repo, so this is written directly against grpc.ServiceDesc.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: ExchangeMethod, Handler: exchangeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "syncproto/service.go",
}

// RegisterSyncServiceServer registers handler as the Exchange implementation
// on grpcServer.
func RegisterSyncServiceServer(grpcServer *grpc.Server, handler ExchangeHandler) {
	grpcServer.RegisterService(&ServiceDesc, &server{handler: handler})
}

// Client calls Exchange over an established *grpc.ClientConn using the JSON
// codec negotiated via CodecName.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient wraps conn.
func NewClient(conn *grpc.ClientConn) *Client { return &Client{conn: conn} }

// Exchange sends req and returns the peer's response.
func (c *Client) Exchange(ctx context.Context, req *Message) (*Message, error) {
	resp := new(Message)
	fullMethod := fmt.Sprintf("/%s/%s", ServiceName, ExchangeMethod)
	if err := c.conn.Invoke(ctx, fullMethod, req, resp, grpc.CallContentSubtype(CodecName)); err != nil {
		return nil, err
	}
	return resp, nil
}
