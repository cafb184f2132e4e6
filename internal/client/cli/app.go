package cli

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/dmitrijs2005/draftsync/internal/client/cache"
	"github.com/dmitrijs2005/draftsync/internal/client/client"
	"github.com/dmitrijs2005/draftsync/internal/client/config"
	"github.com/dmitrijs2005/draftsync/internal/client/connectivity"
	"github.com/dmitrijs2005/draftsync/internal/client/realtime"
	"github.com/dmitrijs2005/draftsync/internal/client/services"
	"github.com/dmitrijs2005/draftsync/internal/client/store"
	"github.com/dmitrijs2005/draftsync/internal/client/syncqueue"
	"github.com/dmitrijs2005/draftsync/internal/logging"
	"github.com/dmitrijs2005/draftsync/internal/models"
	"github.com/dmitrijs2005/draftsync/internal/retry"
)

type App struct {
	config   *config.Config
	drafts   services.DraftService
	identity services.IdentityService
	db       *sql.DB
	schema   *models.Schema
	logger   logging.Logger
	reader   *bufio.Reader
	out      io.Writer
	prompt   bool

	mu      sync.Mutex
	current string
}

// NewApp opens the local database, connects to the server and wires the
// sync engine.
func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	var logger logging.Logger = logging.NewConsole(os.Stderr, c.LogLevel)

	db, err := client.InitDatabase(ctx, c.DatabasePath)
	if err != nil {
		logger.Error(ctx, "error initializing database", "error", err)
		return nil, err
	}

	apiClient, err := client.NewDraftSyncClient(c.ServerEndpointAddr, c.AccessToken)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	identity := services.NewIdentityService(apiClient, db)
	participantID, err := identity.Participant(ctx, c.ParticipantID)
	if err != nil {
		_ = apiClient.Close()
		_ = db.Close()
		return nil, err
	}
	logger = logger.With("participant_id", participantID)

	st := store.New(db, store.WithLogger(logger))
	monitor := connectivity.New(connectivity.PingerFunc(apiClient.Ping),
		connectivity.WithInterval(c.OnlineCheckInterval),
		connectivity.WithDegradedLatency(c.DegradedLatency),
		connectivity.WithLogger(logger),
	)

	policy := retry.DefaultPolicy()
	policy.Base, policy.Max = c.RetryBase, c.RetryMax

	queue := syncqueue.New(st, apiClient, monitor,
		syncqueue.WithPolicy(policy),
		syncqueue.WithMaxAttempts(c.MaxAttempts),
		syncqueue.WithFanOut(c.FanOut),
		syncqueue.WithVectorSource(func(draftID string) models.VersionVector {
			vv, err := st.Metadata().ServerVector(context.Background(), draftID)
			if err != nil {
				return nil
			}
			return vv
		}),
		syncqueue.WithLogger(logger),
	)

	mux := realtime.New(func(ctx context.Context) (realtime.Stream, error) {
		stream, err := apiClient.OpenChannel(ctx)
		if err != nil {
			return nil, err
		}
		return stream, nil
	}, realtime.WithPolicy(policy), realtime.WithLogger(logger))

	cacheOpts := []cache.Option{
		cache.WithFetcher(cache.NewHTTPFetcher(c.AssetsURL, nil)),
		cache.WithLogger(logger),
	}
	for tier, tc := range c.Tiers() {
		cacheOpts = append(cacheOpts, cache.WithTier(tier, tc))
	}

	drafts := services.NewDraftService(services.Deps{
		Store:         st,
		Queue:         queue,
		Mux:           mux,
		Monitor:       monitor,
		Cache:         cache.New(cacheOpts...),
		Uploader:      cache.NewHTTPUploader(c.AssetsURL, c.AccessToken, nil),
		ParticipantID: participantID,
		Logger:        logger,
	})

	return &App{
		config:   c,
		drafts:   drafts,
		identity: identity,
		db:       db,
		schema:   st.Schema(),
		logger:   logger,
		reader:   bufio.NewReader(os.Stdin),
		out:      os.Stdout,
		prompt:   Interactive(os.Stdin),
	}, nil
}

func (a *App) currentDraft() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *App) setCurrent(id string) {
	a.mu.Lock()
	a.current = id
	a.mu.Unlock()
}

func (a *App) getStatus() string {
	parts := []string{a.drafts.ParticipantID(), string(a.drafts.Connectivity())}
	if id := a.currentDraft(); id != "" {
		parts = append(parts, id)
	}
	return fmt.Sprintf("(%s)", strings.Join(parts, " "))
}

// Run starts background sync and blocks in the REPL until the user exits
// or ctx is done.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	var runErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := a.drafts.Run(ctx); err != nil {
			a.logger.Error(ctx, "sync engine stopped", "error", err)
			runErr = err
		}
	}()
	go func() {
		defer wg.Done()
		a.watchEvents(ctx)
	}()

	printlnFn("Welcome to draftsync CLI (type 'help' for commands)")
	runREPL(ctx, a, a.getStatus, a.reader, a.out, a.prompt)

	cancel()
	wg.Wait()
	if err := a.Close(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Close releases the engine, the server connection and the database.
func (a *App) Close(ctx context.Context) error {
	err := a.drafts.Close()
	if cerr := a.identity.Close(ctx); err == nil {
		err = cerr
	}
	if a.db != nil {
		if cerr := a.db.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
