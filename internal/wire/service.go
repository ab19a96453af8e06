// ABOUTME: Hand-written gRPC service descriptor for the worker channel protocol.
// ABOUTME: One bidirectional Channel stream plus unary GetState/SaveState RPCs.

package wire

import (
	"context"

	"google.golang.org/grpc"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "mesh.v1.WorkerGateway"

	channelMethod   = "/" + ServiceName + "/Channel"
	getStateMethod  = "/" + ServiceName + "/GetState"
	saveStateMethod = "/" + ServiceName + "/SaveState"
)

// WorkerGatewayServer is implemented by the gateway.
type WorkerGatewayServer interface {
	// Channel is the long-lived bidirectional message stream with a worker.
	Channel(WorkerGateway_ChannelServer) error
	// GetState reads an agent's persisted state blob.
	GetState(context.Context, *GetStateRequest) (*GetStateResponse, error)
	// SaveState writes an agent's state blob with optimistic concurrency.
	SaveState(context.Context, *SaveStateRequest) (*SaveStateResponse, error)
}

// WorkerGateway_ChannelServer is the server view of a channel stream.
type WorkerGateway_ChannelServer interface {
	Send(*Message) error
	Recv() (*Message, error)
	grpc.ServerStream
}

type channelServerStream struct {
	grpc.ServerStream
}

func (s *channelServerStream) Send(m *Message) error {
	return s.ServerStream.SendMsg(m)
}

func (s *channelServerStream) Recv() (*Message, error) {
	m := new(Message)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func channelHandler(srv any, stream grpc.ServerStream) error {
	return srv.(WorkerGatewayServer).Channel(&channelServerStream{stream})
}

func getStateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetStateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerGatewayServer).GetState(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getStateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WorkerGatewayServer).GetState(ctx, req.(*GetStateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func saveStateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SaveStateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerGatewayServer).SaveState(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: saveStateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WorkerGatewayServer).SaveState(ctx, req.(*SaveStateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// WorkerGateway_ServiceDesc describes the service for grpc.Server registration.
var WorkerGateway_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WorkerGatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetState",
			Handler:    getStateHandler,
		},
		{
			MethodName: "SaveState",
			Handler:    saveStateHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Channel",
			Handler:       channelHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "mesh/v1/worker_gateway",
}

// RegisterWorkerGatewayServer registers the service implementation.
func RegisterWorkerGatewayServer(s grpc.ServiceRegistrar, srv WorkerGatewayServer) {
	s.RegisterService(&WorkerGateway_ServiceDesc, srv)
}

// WorkerGatewayClient is the client API for the service.
type WorkerGatewayClient interface {
	Channel(ctx context.Context, opts ...grpc.CallOption) (WorkerGateway_ChannelClient, error)
	GetState(ctx context.Context, in *GetStateRequest, opts ...grpc.CallOption) (*GetStateResponse, error)
	SaveState(ctx context.Context, in *SaveStateRequest, opts ...grpc.CallOption) (*SaveStateResponse, error)
}

// WorkerGateway_ChannelClient is the client view of a channel stream.
type WorkerGateway_ChannelClient interface {
	Send(*Message) error
	Recv() (*Message, error)
	grpc.ClientStream
}

type channelClientStream struct {
	grpc.ClientStream
}

func (s *channelClientStream) Send(m *Message) error {
	return s.ClientStream.SendMsg(m)
}

func (s *channelClientStream) Recv() (*Message, error) {
	m := new(Message)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

type workerGatewayClient struct {
	cc grpc.ClientConnInterface
}

// NewWorkerGatewayClient returns a client speaking the mesh-json protocol.
// Callers do not need to set the content subtype themselves.
func NewWorkerGatewayClient(cc grpc.ClientConnInterface) WorkerGatewayClient {
	return &workerGatewayClient{cc: cc}
}

func (c *workerGatewayClient) callOpts(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (c *workerGatewayClient) Channel(ctx context.Context, opts ...grpc.CallOption) (WorkerGateway_ChannelClient, error) {
	stream, err := c.cc.NewStream(ctx, &WorkerGateway_ServiceDesc.Streams[0], channelMethod, c.callOpts(opts)...)
	if err != nil {
		return nil, err
	}
	return &channelClientStream{stream}, nil
}

func (c *workerGatewayClient) GetState(ctx context.Context, in *GetStateRequest, opts ...grpc.CallOption) (*GetStateResponse, error) {
	out := new(GetStateResponse)
	if err := c.cc.Invoke(ctx, getStateMethod, in, out, c.callOpts(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *workerGatewayClient) SaveState(ctx context.Context, in *SaveStateRequest, opts ...grpc.CallOption) (*SaveStateResponse, error) {
	out := new(SaveStateResponse)
	if err := c.cc.Invoke(ctx, saveStateMethod, in, out, c.callOpts(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}
