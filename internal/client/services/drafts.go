package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/dmitrijs2005/draftsync/internal/client/cache"
	"github.com/dmitrijs2005/draftsync/internal/client/connectivity"
	"github.com/dmitrijs2005/draftsync/internal/client/realtime"
	"github.com/dmitrijs2005/draftsync/internal/client/store"
	"github.com/dmitrijs2005/draftsync/internal/client/syncqueue"
	"github.com/dmitrijs2005/draftsync/internal/common"
	"github.com/dmitrijs2005/draftsync/internal/logging"
	"github.com/dmitrijs2005/draftsync/internal/models"
	"github.com/dmitrijs2005/draftsync/internal/resolver"
	"golang.org/x/sync/errgroup"
)

// DraftService is what the editing surface talks to.
//
// Contract:
//   - Open: load (or create) a draft and join its realtime session.
//   - Edit: commit a field write locally and queue it for delivery. It
//     never waits on the network.
//   - Get: the current local state of a draft.
//   - Delete: drop the draft locally, cancel its deliveries and leave its
//     session.
//   - Retry / Discard: resolve a permanently failed delivery.
//   - Asset: read a template, image or user data payload through the cache.
//   - AttachImage: upload an image and point a field at it.
//   - Events: conflicts, sync failures and presence, for display.
type DraftService interface {
	Open(ctx context.Context, draftID string) (*models.Draft, error)
	Edit(ctx context.Context, draftID string, path models.FieldPath, v models.Value) (models.Operation, error)
	Get(ctx context.Context, draftID string) (*models.Draft, error)
	Delete(ctx context.Context, draftID string) error
	Retry(ctx context.Context, draftID string) error
	Discard(ctx context.Context, draftID string) (*models.Draft, error)
	Failed() []syncqueue.Entry
	Pending(draftID string) []syncqueue.Entry
	Asset(ctx context.Context, tier cache.Tier, key string) ([]byte, error)
	AttachImage(ctx context.Context, draftID string, path models.FieldPath, payload []byte) (models.Operation, error)
	Connectivity() connectivity.State
	ParticipantID() string
	Events() <-chan Event
	Run(ctx context.Context) error
	Close() error
}

type EventKind string

const (
	EventConflict          EventKind = "conflict"
	EventSyncFailure       EventKind = "sync_failure"
	EventSynced            EventKind = "synced"
	EventRemoteApplied     EventKind = "remote_applied"
	EventSnapshotApplied   EventKind = "snapshot_applied"
	EventParticipantJoined EventKind = "participant_joined"
	EventParticipantLeft   EventKind = "participant_left"
	EventDisconnected      EventKind = "disconnected"
	EventConnectivity      EventKind = "connectivity"
	EventCorrupt           EventKind = "corrupt"
)

// Event is a notification for the editing surface.
type Event struct {
	Kind          EventKind
	DraftID       string
	OpID          string
	ParticipantID string
	Conflict      *resolver.ConflictInfo
	State         connectivity.State
	Err           error
}

// Uploader stores an image payload and returns its asset key.
type Uploader interface {
	Upload(ctx context.Context, payload []byte) (string, error)
}

// ErrNoUploader is returned by AttachImage when no uploader is configured.
var ErrNoUploader = errors.New("image upload not configured")

// Deps are the components a DraftService wires together.
type Deps struct {
	Store         *store.Store
	Queue         *syncqueue.Queue
	Mux           *realtime.Mux
	Monitor       *connectivity.Monitor
	Cache         *cache.Manager
	Uploader      Uploader
	ParticipantID string
	Logger        logging.Logger
	// MaxHeld bounds out-of-order remote operations held per draft before
	// the draft is resynced from a snapshot.
	MaxHeld int
}

type draftService struct {
	store   *store.Store
	queue   *syncqueue.Queue
	mux     *realtime.Mux
	monitor *connectivity.Monitor
	cache   *cache.Manager
	upload  Uploader
	me      string
	logger  logging.Logger
	buffer  *resolver.CausalBuffer
	events  chan Event

	mu       sync.Mutex
	sessions map[string]*realtime.Session
	pumps    sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewDraftService(d Deps) DraftService {
	logger := d.Logger
	if logger == nil {
		logger = logging.Nop{}
	}
	maxHeld := d.MaxHeld
	if maxHeld == 0 {
		maxHeld = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &draftService{
		store:    d.Store,
		queue:    d.Queue,
		mux:      d.Mux,
		monitor:  d.Monitor,
		cache:    d.Cache,
		upload:   d.Uploader,
		me:       d.ParticipantID,
		logger:   logger.With("module", "drafts"),
		buffer:   resolver.NewCausalBuffer(maxHeld),
		events:   make(chan Event, 256),
		sessions: map[string]*realtime.Session{},
		ctx:      ctx,
		cancel:   cancel,
	}
}

func snapshotKey(draftID string) string { return "snapshot/" + draftID }

func (s *draftService) ParticipantID() string { return s.me }

func (s *draftService) Events() <-chan Event { return s.events }

func (s *draftService) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn(s.ctx, "event dropped", "kind", string(ev.Kind), "draft_id", ev.DraftID)
	}
}

func (s *draftService) Connectivity() connectivity.State {
	if s.monitor == nil {
		return connectivity.StateOffline
	}
	return s.monitor.State()
}

// Open loads the draft and joins its session. A draft whose log no longer
// replays is reset from the last cached server snapshot when there is one;
// otherwise the session asks the server for a fresh snapshot.
func (s *draftService) Open(ctx context.Context, draftID string) (*models.Draft, error) {
	d, err := s.store.Get(ctx, draftID)
	switch {
	case errors.Is(err, common.ErrNotFound):
		d, err = s.store.Create(ctx, draftID)
		if err != nil {
			return nil, err
		}
	case errors.Is(err, common.ErrCorruptState):
		s.logger.Warn(ctx, "draft is corrupt, recovering", "draft_id", draftID, "error", err)
		s.emit(Event{Kind: EventCorrupt, DraftID: draftID, Err: err})
		d, err = s.recoverFromCache(ctx, draftID)
		switch {
		case errors.Is(err, common.ErrStaleSnapshot):
			s.logger.Warn(ctx, "cached snapshot is stale", "draft_id", draftID, "error", err)
			d = nil
		case err != nil && !errors.Is(err, common.ErrNotFound):
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	if s.mux != nil {
		sess, err := s.mux.Open(ctx, draftID, s.me, s.vectorFor(draftID))
		switch {
		case errors.Is(err, realtime.ErrAlreadyOpen):
		case err != nil:
			return nil, err
		default:
			s.mu.Lock()
			s.sessions[draftID] = sess
			s.mu.Unlock()
			s.pumps.Add(1)
			go func() {
				defer s.pumps.Done()
				s.pump(s.ctx, sess)
			}()
		}
	}

	if d == nil {
		// Recovery is pending on the server snapshot.
		return models.NewDraft(draftID), nil
	}
	return d, nil
}

// recoverFromCache resets a corrupt draft from its cached snapshot.
func (s *draftService) recoverFromCache(ctx context.Context, draftID string) (*models.Draft, error) {
	if s.cache == nil {
		return nil, common.ErrNotFound
	}
	r := s.cache.Get(ctx, snapshotKey(draftID), cache.TierCritical)
	if !r.Hit {
		return nil, common.ErrNotFound
	}
	var snap models.Draft
	if err := sonic.Unmarshal(r.Payload, &snap); err != nil {
		return nil, fmt.Errorf("decoding cached snapshot: %w", err)
	}
	return s.store.ResetFromSnapshot(ctx, &snap)
}

// vectorFor announces the local vector on (re)join. A draft that cannot be
// read announces an empty vector to get a full snapshot.
func (s *draftService) vectorFor(draftID string) realtime.VectorFunc {
	return func(ctx context.Context) (models.VersionVector, error) {
		d, err := s.store.Get(ctx, draftID)
		if err != nil {
			return models.VersionVector{}, nil
		}
		return d.VersionVector, nil
	}
}

func (s *draftService) Edit(ctx context.Context, draftID string, path models.FieldPath, v models.Value) (models.Operation, error) {
	op, err := s.store.Edit(ctx, draftID, s.me, path, v)
	if err != nil {
		return models.Operation{}, err
	}
	if s.queue != nil {
		s.queue.Enqueue(op)
	}
	return op, nil
}

func (s *draftService) Get(ctx context.Context, draftID string) (*models.Draft, error) {
	return s.store.Get(ctx, draftID)
}

func (s *draftService) closeSession(draftID string) {
	s.mu.Lock()
	sess, ok := s.sessions[draftID]
	delete(s.sessions, draftID)
	s.mu.Unlock()
	if ok {
		_ = sess.Close()
	}
}

func (s *draftService) Delete(ctx context.Context, draftID string) error {
	s.closeSession(draftID)
	if s.queue != nil {
		s.queue.Cancel(draftID)
	}
	s.buffer.Drop(draftID)
	if s.cache != nil {
		s.cache.Invalidate(snapshotKey(draftID), cache.TierCritical)
	}
	if err := s.store.Delete(ctx, draftID); err != nil {
		return fmt.Errorf("error deleting draft: %w", err)
	}
	return nil
}

func (s *draftService) Retry(ctx context.Context, draftID string) error {
	return s.queue.Retry(ctx, draftID)
}

// Discard drops the failed delivery and every later local edit of the
// draft, and returns the draft without them.
func (s *draftService) Discard(ctx context.Context, draftID string) (*models.Draft, error) {
	opID, err := s.queue.Discard(draftID)
	if err != nil {
		return nil, err
	}
	d, err := s.store.DiscardFrom(ctx, draftID, opID)
	if err != nil {
		return nil, fmt.Errorf("discarding %s: %w", opID, err)
	}
	return d, nil
}

func (s *draftService) Failed() []syncqueue.Entry {
	return s.queue.Failed()
}

func (s *draftService) Pending(draftID string) []syncqueue.Entry {
	return s.queue.Snapshot(draftID)
}

func (s *draftService) Asset(ctx context.Context, tier cache.Tier, key string) ([]byte, error) {
	if s.cache == nil {
		return nil, cache.ErrNoFetcher
	}
	return s.cache.GetOrFetch(ctx, key, tier)
}

func (s *draftService) AttachImage(ctx context.Context, draftID string, path models.FieldPath, payload []byte) (models.Operation, error) {
	if s.upload == nil {
		return models.Operation{}, ErrNoUploader
	}
	key, err := s.upload.Upload(ctx, payload)
	if err != nil {
		return models.Operation{}, fmt.Errorf("uploading image: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Put(key, payload, cache.TierImage); err != nil {
			s.logger.Debug(ctx, "image not cached", "key", key, "error", err)
		}
	}
	return s.Edit(ctx, draftID, path, models.ImageRef{Key: key})
}

// pump applies a session's events until the session or the service ends.
func (s *draftService) pump(ctx context.Context, sess *realtime.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			return
		case ev := <-sess.Events():
			s.handle(ctx, sess, ev)
		}
	}
}

func (s *draftService) handle(ctx context.Context, sess *realtime.Session, ev realtime.Event) {
	switch ev.Kind {
	case realtime.EventOperation:
		s.applyRemote(ctx, sess, *ev.Op)
	case realtime.EventSnapshot:
		s.applySnapshot(ctx, ev.Snapshot)
	case realtime.EventAck:
		if err := s.queue.Ack(ctx, ev.DraftID, ev.OpID); err != nil {
			s.logger.Error(ctx, "failed to record ack", "op_id", ev.OpID, "error", err)
			return
		}
		s.compact(ctx, ev.DraftID)
	case realtime.EventConflict:
		s.emit(Event{Kind: EventConflict, DraftID: ev.DraftID, OpID: ev.OpID, Conflict: ev.Conflict})
	case realtime.EventParticipantJoined:
		s.emit(Event{Kind: EventParticipantJoined, DraftID: ev.DraftID, ParticipantID: ev.ParticipantID})
	case realtime.EventParticipantLeft:
		s.emit(Event{Kind: EventParticipantLeft, DraftID: ev.DraftID, ParticipantID: ev.ParticipantID})
	case realtime.EventDisconnected:
		s.emit(Event{Kind: EventDisconnected, DraftID: ev.DraftID, Err: ev.Err})
	}
}

// applyRemote merges op, holding it back if its author's earlier
// operations have not arrived yet.
func (s *draftService) applyRemote(ctx context.Context, sess *realtime.Session, op models.Operation) {
	d, conflict, err := s.store.ApplyRemote(ctx, op)
	switch {
	case errors.Is(err, common.ErrOutOfOrder):
		if !s.buffer.Hold(op) {
			s.logger.Warn(ctx, "hold-back buffer full, resyncing", "draft_id", op.DraftID)
			s.buffer.Drop(op.DraftID)
			_ = sess.Resync()
		}
		return
	case errors.Is(err, common.ErrCorruptState):
		s.logger.Warn(ctx, "draft is corrupt, resyncing", "draft_id", op.DraftID, "error", err)
		s.emit(Event{Kind: EventCorrupt, DraftID: op.DraftID, Err: err})
		_ = sess.Resync()
		return
	case err != nil:
		s.logger.Error(ctx, "failed to apply remote operation", "op_id", op.OpID, "error", err)
		return
	}

	if conflict != nil {
		s.emit(Event{Kind: EventConflict, DraftID: op.DraftID, OpID: conflict.OpID, Conflict: conflict})
	}
	s.emit(Event{Kind: EventRemoteApplied, DraftID: op.DraftID, OpID: op.OpID, ParticipantID: op.ParticipantID})

	for _, next := range s.buffer.Ready(op.DraftID, d.VersionVector) {
		s.applyRemote(ctx, sess, next)
	}
}

func (s *draftService) applySnapshot(ctx context.Context, snap *models.Draft) {
	d, err := s.store.ResetFromSnapshot(ctx, snap)
	if errors.Is(err, common.ErrStaleSnapshot) {
		s.logger.Warn(ctx, "stale snapshot ignored", "draft_id", snap.ID, "error", err)
		return
	}
	if err != nil {
		s.logger.Error(ctx, "failed to apply snapshot", "draft_id", snap.ID, "error", err)
		return
	}
	if s.cache != nil {
		if b, err := sonic.Marshal(snap); err == nil {
			if err := s.cache.Put(snapshotKey(snap.ID), b, cache.TierCritical); err != nil {
				s.logger.Warn(ctx, "snapshot not cached", "draft_id", snap.ID, "error", err)
			}
		}
	}
	s.emit(Event{Kind: EventSnapshotApplied, DraftID: snap.ID})

	for _, next := range s.buffer.Ready(snap.ID, d.VersionVector) {
		if sess, ok := s.session(snap.ID); ok {
			s.applyRemote(ctx, sess, next)
		}
	}
}

func (s *draftService) session(draftID string) (*realtime.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[draftID]
	return sess, ok
}

func (s *draftService) compact(ctx context.Context, draftID string) {
	if _, err := s.store.Compact(ctx, draftID); err != nil {
		s.logger.Warn(ctx, "compaction failed", "draft_id", draftID, "error", err)
	}
}

// watchQueue turns delivery outcomes into bookkeeping and user events.
func (s *draftService) watchQueue(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.queue.Events():
			switch ev.Kind {
			case syncqueue.EventAcked:
				if len(ev.ServerVector) > 0 {
					if err := s.store.Metadata().SetServerVector(ctx, ev.DraftID, ev.ServerVector); err != nil {
						s.logger.Warn(ctx, "failed to save server vector", "draft_id", ev.DraftID, "error", err)
					}
				}
				s.compact(ctx, ev.DraftID)
				s.emit(Event{Kind: EventSynced, DraftID: ev.DraftID, OpID: ev.OpID})
			case syncqueue.EventFailed:
				s.emit(Event{Kind: EventSyncFailure, DraftID: ev.DraftID, OpID: ev.OpID, Err: ev.Err})
			}
		}
	}
}

// watchConnectivity resumes delivery and revalidates templates whenever the
// server becomes reachable again.
func (s *draftService) watchConnectivity(ctx context.Context) error {
	transitions, unsubscribe := s.monitor.Subscribe(16)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-transitions:
			if !ok {
				return nil
			}
			s.emit(Event{Kind: EventConnectivity, State: t.To})
			if t.Regained() {
				s.queue.Resume()
				if s.cache != nil {
					s.cache.RevalidateStale(ctx)
				}
			}
		}
	}
}

// Run restores the outbox and runs every background loop until ctx is
// done.
func (s *draftService) Run(ctx context.Context) error {
	if err := s.queue.Load(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.queue.Run(ctx) })
	g.Go(func() error { return s.watchQueue(ctx) })
	if s.monitor != nil {
		g.Go(func() error {
			s.monitor.Run(ctx)
			return nil
		})
		g.Go(func() error { return s.watchConnectivity(ctx) })
	}
	if s.mux != nil {
		g.Go(func() error { return s.mux.Run(ctx) })
	}
	return g.Wait()
}

// Close leaves every session and stops the event pumps. Run is stopped
// through its context.
func (s *draftService) Close() error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.closeSession(id)
	}
	s.cancel()
	s.pumps.Wait()
	if s.cache != nil {
		return s.cache.Close()
	}
	return nil
}
