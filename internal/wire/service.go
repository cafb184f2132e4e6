package wire

import (
	"context"

	"google.golang.org/grpc"
)

const (
	ServiceName   = "draftsync.v1.DraftSync"
	PingMethod    = "/" + ServiceName + "/Ping"
	DrainMethod   = "/" + ServiceName + "/Drain"
	ChannelMethod = "/" + ServiceName + "/Channel"
)

// ChannelServerStream is the server side of the realtime channel.
type ChannelServerStream = grpc.BidiStreamingServer[Frame, Frame]

// ChannelClientStream is the client side of the realtime channel.
type ChannelClientStream = grpc.BidiStreamingClient[Frame, Frame]

// DraftSyncServer is implemented by the server's gRPC handler.
type DraftSyncServer interface {
	Ping(context.Context, *PingRequest) (*PingResponse, error)
	Drain(context.Context, *DrainRequest) (*DrainResponse, error)
	Channel(ChannelServerStream) error
}

// RegisterDraftSyncServer registers srv on s.
func RegisterDraftSyncServer(s grpc.ServiceRegistrar, srv DraftSyncServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func pingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PingRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DraftSyncServer).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PingMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DraftSyncServer).Ping(ctx, req.(*PingRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func drainHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DrainRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DraftSyncServer).Drain(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DrainMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DraftSyncServer).Drain(ctx, req.(*DrainRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func channelHandler(srv any, stream grpc.ServerStream) error {
	return srv.(DraftSyncServer).Channel(&grpc.GenericServerStream[Frame, Frame]{ServerStream: stream})
}

// ServiceDesc describes draftsync.v1.DraftSync for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DraftSyncServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: pingHandler},
		{MethodName: "Drain", Handler: drainHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Channel",
			Handler:       channelHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "draftsync/v1",
}

// DraftSyncClient calls the service over cc using the JSON codec.
type DraftSyncClient struct {
	cc grpc.ClientConnInterface
}

func NewDraftSyncClient(cc grpc.ClientConnInterface) *DraftSyncClient {
	return &DraftSyncClient{cc: cc}
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (c *DraftSyncClient) Ping(ctx context.Context, in *PingRequest, opts ...grpc.CallOption) (*PingResponse, error) {
	out := new(PingResponse)
	if err := c.cc.Invoke(ctx, PingMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *DraftSyncClient) Drain(ctx context.Context, in *DrainRequest, opts ...grpc.CallOption) (*DrainResponse, error) {
	out := new(DrainResponse)
	if err := c.cc.Invoke(ctx, DrainMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *DraftSyncClient) Channel(ctx context.Context, opts ...grpc.CallOption) (ChannelClientStream, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], ChannelMethod, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[Frame, Frame]{ClientStream: stream}, nil
}
