package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/draftsync/internal/common"
	"github.com/dmitrijs2005/draftsync/internal/wire"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// rpc is the subset of wire.DraftSyncClient the client calls.
type rpc interface {
	Ping(ctx context.Context, in *wire.PingRequest, opts ...grpc.CallOption) (*wire.PingResponse, error)
	Drain(ctx context.Context, in *wire.DrainRequest, opts ...grpc.CallOption) (*wire.DrainResponse, error)
	Channel(ctx context.Context, opts ...grpc.CallOption) (wire.ChannelClientStream, error)
}

type GRPCClient struct {
	endpointURL string
	conn        *grpc.ClientConn
	client      rpc
	dialOpts    []grpc.DialOption

	mu          sync.RWMutex
	accessToken string
}

func withAccessToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	md.Delete(common.AuthorizationHeaderName)
	md.Set(common.AuthorizationHeaderName, common.BearerPrefix+token)

	return metadata.NewOutgoingContext(ctx, md)
}

func (s *GRPCClient) token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessToken
}

// SetToken replaces the bearer token used for subsequent calls.
func (s *GRPCClient) SetToken(token string) {
	s.mu.Lock()
	s.accessToken = token
	s.mu.Unlock()
}

func (s *GRPCClient) accessTokenInterceptor(
	ctx context.Context,
	method string,
	req, reply interface{},
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {
	return invoker(withAccessToken(ctx, s.token()), method, req, reply, cc, opts...)
}

func (s *GRPCClient) accessTokenStreamInterceptor(
	ctx context.Context,
	desc *grpc.StreamDesc,
	cc *grpc.ClientConn,
	method string,
	streamer grpc.Streamer,
	opts ...grpc.CallOption,
) (grpc.ClientStream, error) {
	return streamer(withAccessToken(ctx, s.token()), desc, cc, method, opts...)
}

// NewDraftSyncClient connects to endpointURL and authenticates every call
// with token. Extra dial options are appended, e.g. a bufconn dialer in
// tests.
func NewDraftSyncClient(endpointURL, token string, opts ...grpc.DialOption) (*GRPCClient, error) {
	c := &GRPCClient{endpointURL: endpointURL, accessToken: token, dialOpts: opts}
	err := c.InitGRPCClient()
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *GRPCClient) InitGRPCClient() error {
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(s.accessTokenInterceptor),
		grpc.WithStreamInterceptor(s.accessTokenStreamInterceptor),
	}, s.dialOpts...)

	conn, err := grpc.NewClient(s.endpointURL, opts...)
	if err != nil {
		return err
	}
	s.conn = conn
	s.client = wire.NewDraftSyncClient(conn)
	return nil
}

func (s *GRPCClient) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *GRPCClient) Ping(ctx context.Context) error {
	resp, err := s.client.Ping(ctx, &wire.PingRequest{})
	if err != nil {
		return s.mapError(err)
	}

	if resp.Status != wire.PingStatusOK {
		return ErrUnavailable
	}

	return nil
}

func (s *GRPCClient) Drain(ctx context.Context, req *wire.DrainRequest) (*wire.DrainResponse, error) {
	resp, err := s.client.Drain(ctx, req)
	if err != nil {
		return nil, s.mapError(err)
	}
	return resp, nil
}

// OpenChannel starts the realtime stream. It ends when ctx is cancelled.
func (s *GRPCClient) OpenChannel(ctx context.Context) (wire.ChannelClientStream, error) {
	stream, err := s.client.Channel(ctx)
	if err != nil {
		return nil, s.mapError(err)
	}
	return stream, nil
}

func (s *GRPCClient) mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("rpc error: %w", err)
	}
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return ErrUnauthorized
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.ResourceExhausted, codes.Aborted:
		return ErrUnavailable
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", common.ErrMalformedOp, st.Message())
	default:
		return fmt.Errorf("rpc error: %w", err)
	}
}
