package client

import (
	"context"
	"errors"
	"testing"

	"github.com/dmitrijs2005/draftsync/internal/common"
	"github.com/dmitrijs2005/draftsync/internal/models"
	"github.com/dmitrijs2005/draftsync/internal/wire"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

/*************
 * Fake rpc client
 *************/

type fakeRPC struct {
	lastPingReq  *wire.PingRequest
	lastDrainReq *wire.DrainRequest

	pingResp *wire.PingResponse
	pingErr  error

	drainResp *wire.DrainResponse
	drainErr  error

	channelErr error
}

func (f *fakeRPC) Ping(ctx context.Context, in *wire.PingRequest, opts ...grpc.CallOption) (*wire.PingResponse, error) {
	f.lastPingReq = in
	return f.pingResp, f.pingErr
}

func (f *fakeRPC) Drain(ctx context.Context, in *wire.DrainRequest, opts ...grpc.CallOption) (*wire.DrainResponse, error) {
	f.lastDrainReq = in
	return f.drainResp, f.drainErr
}

func (f *fakeRPC) Channel(ctx context.Context, opts ...grpc.CallOption) (wire.ChannelClientStream, error) {
	return nil, f.channelErr
}

/*************
 * interceptor tests
 *************/

func TestInterceptor_AttachesBearerToken(t *testing.T) {
	c := &GRPCClient{accessToken: "T1"}

	invoker := func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		md, _ := metadata.FromOutgoingContext(ctx)
		toks := md.Get(common.AuthorizationHeaderName)
		require.Len(t, toks, 1)
		require.Equal(t, "Bearer T1", toks[0])
		return nil
	}

	ctx := metadata.AppendToOutgoingContext(context.Background(), common.AuthorizationHeaderName, "Bearer stale")
	require.NoError(t, c.accessTokenInterceptor(ctx, "/svc/Method", nil, nil, nil, invoker))
}

func TestInterceptor_NoTokenNoHeader(t *testing.T) {
	c := &GRPCClient{}
	invoker := func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		md, _ := metadata.FromOutgoingContext(ctx)
		require.Empty(t, md.Get(common.AuthorizationHeaderName))
		return nil
	}
	require.NoError(t, c.accessTokenInterceptor(context.Background(), "/svc/Method", nil, nil, nil, invoker))
}

func TestStreamInterceptor_UsesCurrentToken(t *testing.T) {
	c := &GRPCClient{accessToken: "old"}
	c.SetToken("new")

	var got string
	streamer := func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		md, _ := metadata.FromOutgoingContext(ctx)
		got = md.Get(common.AuthorizationHeaderName)[0]
		return nil, nil
	}
	_, err := c.accessTokenStreamInterceptor(context.Background(), &wire.ServiceDesc.Streams[0], nil, wire.ChannelMethod, streamer)
	require.NoError(t, err)
	require.Equal(t, "Bearer new", got)
}

func TestInterceptor_PassesErrorsThrough(t *testing.T) {
	c := &GRPCClient{accessToken: "X"}
	invoker := func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		return status.Error(codes.Internal, "boom")
	}
	err := c.accessTokenInterceptor(context.Background(), "/svc/Method", nil, nil, nil, invoker)
	require.Error(t, err)
}

/*************
 * mapError tests
 *************/

func TestMapError(t *testing.T) {
	c := &GRPCClient{}

	require.Equal(t, ErrUnauthorized, c.mapError(status.Error(codes.Unauthenticated, "x")))
	require.Equal(t, ErrUnauthorized, c.mapError(status.Error(codes.PermissionDenied, "x")))
	require.Equal(t, ErrUnavailable, c.mapError(status.Error(codes.Unavailable, "x")))
	require.Equal(t, ErrUnavailable, c.mapError(status.Error(codes.DeadlineExceeded, "x")))
	require.ErrorIs(t, c.mapError(status.Error(codes.InvalidArgument, "x")), common.ErrMalformedOp)
	require.ErrorIs(t, c.mapError(context.DeadlineExceeded), common.ErrTransientNetwork)
	require.NoError(t, c.mapError(nil))
	e := errors.New("plain")
	require.ErrorContains(t, c.mapError(e), "rpc error:")
}

func TestErrUnavailableIsTransient(t *testing.T) {
	require.ErrorIs(t, ErrUnavailable, common.ErrTransientNetwork)
}

/*************
 * Ping tests
 *************/

func TestPing_OK(t *testing.T) {
	f := &fakeRPC{pingResp: &wire.PingResponse{Status: wire.PingStatusOK}}
	c := &GRPCClient{client: f}
	require.NoError(t, c.Ping(context.Background()))
	require.NotNil(t, f.lastPingReq)
}

func TestPing_NotOK_ReturnsUnavailable(t *testing.T) {
	f := &fakeRPC{pingResp: &wire.PingResponse{Status: "NOT_OK"}}
	c := &GRPCClient{client: f}
	require.ErrorIs(t, c.Ping(context.Background()), ErrUnavailable)
}

func TestPing_MapsRPCError(t *testing.T) {
	f := &fakeRPC{pingErr: status.Error(codes.Unavailable, "down")}
	c := &GRPCClient{client: f}
	require.ErrorIs(t, c.Ping(context.Background()), ErrUnavailable)
}

/*************
 * Drain / Channel tests
 *************/

func TestDrain_PassesRequestAndResponse(t *testing.T) {
	resp := &wire.DrainResponse{Accepted: []string{"p:1"}, ServerVersionVector: models.VersionVector{"p": 1}}
	f := &fakeRPC{drainResp: resp}
	c := &GRPCClient{client: f}

	req := &wire.DrainRequest{DraftID: "d", Operations: []models.Operation{{OpID: "p:1"}}}
	got, err := c.Drain(context.Background(), req)
	require.NoError(t, err)
	require.Same(t, resp, got)
	require.Same(t, req, f.lastDrainReq)
}

func TestDrain_MapsError(t *testing.T) {
	f := &fakeRPC{drainErr: status.Error(codes.PermissionDenied, "x")}
	c := &GRPCClient{client: f}
	_, err := c.Drain(context.Background(), &wire.DrainRequest{})
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestOpenChannel_MapsError(t *testing.T) {
	f := &fakeRPC{channelErr: status.Error(codes.Unavailable, "x")}
	c := &GRPCClient{client: f}
	_, err := c.OpenChannel(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestClose_WithoutConnection(t *testing.T) {
	c := &GRPCClient{}
	require.NoError(t, c.Close())
}
