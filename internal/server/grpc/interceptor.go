package grpc

import (
	"context"
	"strings"

	"github.com/dmitrijs2005/draftsync/internal/common"
	"github.com/dmitrijs2005/draftsync/internal/server/auth"
	"github.com/dmitrijs2005/draftsync/internal/wire"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type ctxKey string

const participantIDKey ctxKey = "participantID"

func participantFrom(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(participantIDKey).(string)
	return p, ok && p != ""
}

// authenticate resolves the bearer token in ctx to a participant and stores
// it in the returned context.
func (s *GRPCServer) authenticate(ctx context.Context) (context.Context, error) {
	var header string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(common.AuthorizationHeaderName); len(values) > 0 {
			header = values[0]
		}
	}
	token, found := strings.CutPrefix(header, common.BearerPrefix)
	if !found || token == "" {
		return nil, status.Error(codes.Unauthenticated, "missing token")
	}

	participantID, err := auth.ParticipantFromToken(token, s.jwtSecret)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}

	return context.WithValue(ctx, participantIDKey, participantID), nil
}

// accessTokenInterceptor authenticates every unary call except Ping, which
// connectivity probes make before a token is known to be good.
func (s *GRPCServer) accessTokenInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if info.FullMethod == wire.PingMethod {
		return handler(ctx, req)
	}

	ctx, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (a *authedStream) Context() context.Context { return a.ctx }

func (s *GRPCServer) streamAccessTokenInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	ctx, err := s.authenticate(ss.Context())
	if err != nil {
		return err
	}
	return handler(srv, &authedStream{ServerStream: ss, ctx: ctx})
}
