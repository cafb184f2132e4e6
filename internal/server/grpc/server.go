// Package grpc exposes the draftsync service over gRPC: Ping for
// connectivity probes, Drain for queued operations and the realtime Channel.
package grpc

import (
	"context"
	"net"
	"time"

	"github.com/dmitrijs2005/draftsync/internal/logging"
	"github.com/dmitrijs2005/draftsync/internal/models"
	"github.com/dmitrijs2005/draftsync/internal/server/hub"
	"github.com/dmitrijs2005/draftsync/internal/server/services"
	"github.com/dmitrijs2005/draftsync/internal/wire"
	"google.golang.org/grpc"
)

// shutdownGrace bounds how long Run waits for open channels to end before
// cutting them.
const shutdownGrace = 5 * time.Second

// DraftService is what the handlers need from services.DraftService.
type DraftService interface {
	Apply(ctx context.Context, participantID, draftID string, ops []models.Operation) (*services.ApplyResult, error)
	Snapshot(ctx context.Context, draftID string) (*models.Draft, error)
	Missing(ctx context.Context, draftID string, vv models.VersionVector) ([]models.Operation, error)
}

type GRPCServer struct {
	address     string
	drafts      DraftService
	hub         *hub.Hub
	logger      logging.Logger
	jwtSecret   []byte
	replayLimit int
	now         func() time.Time
}

func NewGRPCServer(a string, l logging.Logger, drafts DraftService, h *hub.Hub, secretKey string, replayLimit int) *GRPCServer {
	return &GRPCServer{
		address:     a,
		logger:      l.With("module", "grpc_server"),
		drafts:      drafts,
		hub:         h,
		jwtSecret:   []byte(secretKey),
		replayLimit: replayLimit,
		now:         time.Now,
	}
}

// newServer builds a grpc.Server with authentication and the service
// registered.
func (s *GRPCServer) newServer() *grpc.Server {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.accessTokenInterceptor),
		grpc.ChainStreamInterceptor(s.streamAccessTokenInterceptor),
	)
	wire.RegisterDraftSyncServer(srv, s)
	return srv
}

func (s *GRPCServer) Run(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	srv := s.newServer()

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		stopped := make(chan struct{})
		go func() {
			srv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(shutdownGrace):
			srv.Stop()
		}
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", s.address)

	return srv.Serve(listen)
}
