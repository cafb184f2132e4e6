// Package server wires storage, the snapshot cache, the realtime hub and both
// network surfaces into one process.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/dmitrijs2005/draftsync/internal/logging"
	"github.com/dmitrijs2005/draftsync/internal/server/auth"
	"github.com/dmitrijs2005/draftsync/internal/server/config"
	"github.com/dmitrijs2005/draftsync/internal/server/httpapi"
	"github.com/dmitrijs2005/draftsync/internal/server/hub"
	"github.com/dmitrijs2005/draftsync/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/draftsync/internal/server/services"
	"github.com/dmitrijs2005/draftsync/internal/server/snapshotcache"
	"golang.org/x/sync/errgroup"

	gs "github.com/dmitrijs2005/draftsync/internal/server/grpc"
)

type App struct {
	config *config.Config
	logger logging.Logger
	db     *sql.DB
	cache  *snapshotcache.RedisCache

	grpcServer *gs.GRPCServer
	httpAPI    *httpapi.Handler
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger := logging.New(os.Stdout, "json", c.LogLevel).With("app", "draftsync-server")

	db, err := repomanager.OpenPostgres(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	opts := []services.DraftServiceOption{services.WithLogger(logger)}

	var cache *snapshotcache.RedisCache
	if c.RedisURL != "" {
		cache, err = snapshotcache.Connect(ctx, c.RedisURL, c.SnapshotTTL)
		if err != nil {
			logger.Warn(ctx, "snapshot cache disabled", "error", err)
		} else {
			opts = append(opts, services.WithSnapshotCache(cache))
		}
	}

	drafts := services.NewDraftService(db, rm, opts...)
	h := hub.New(hubBuffer(c.ReplayLimit))

	return &App{
		config:     c,
		logger:     logger,
		db:         db,
		cache:      cache,
		grpcServer: gs.NewGRPCServer(c.EndpointAddrGRPC, logger, drafts, h, c.SecretKey, c.ReplayLimit),
		httpAPI:    httpapi.NewHandler(services.NewAssetService(c), c.SecretKey, logger),
	}, nil
}

// Run serves gRPC and HTTP until ctx is cancelled or either server fails.
func (app *App) Run(ctx context.Context) error {
	app.logger.Info(ctx, "Starting app...")
	defer app.close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.grpcServer.Run(ctx)
	})
	g.Go(func() error {
		return httpapi.Run(ctx, app.config.EndpointAddrHTTP, app.httpAPI.Routes(), app.logger)
	})

	err := g.Wait()
	app.logger.Info(context.Background(), "App stopped")
	return err
}

func (app *App) close() {
	if app.cache != nil {
		_ = app.cache.Close()
	}
	_ = app.db.Close()
}

// hubBuffer sizes per-connection queues so a full replay still leaves room
// for live frames.
func hubBuffer(replayLimit int) int {
	return max(hub.DefaultBuffer, 2*replayLimit)
}

// IssueToken mints a bearer token for participantID using the configured
// secret and validity.
func IssueToken(c *config.Config, participantID string) (string, error) {
	if participantID == "" {
		return "", fmt.Errorf("participant id is required")
	}
	return auth.GenerateToken(participantID, []byte(c.SecretKey), c.TokenValidityDuration)
}
