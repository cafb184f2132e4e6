// Package store is the client's durable Local Store: every draft is a base
// snapshot plus an ordered operation log kept in SQLite. A draft is read by
// replaying its log over the base; nothing is reported as written before
// the enclosing transaction has committed.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/draftsync/internal/client/repositories/drafts"
	"github.com/dmitrijs2005/draftsync/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/draftsync/internal/client/repositories/oplog"
	"github.com/dmitrijs2005/draftsync/internal/common"
	"github.com/dmitrijs2005/draftsync/internal/dbx"
	"github.com/dmitrijs2005/draftsync/internal/logging"
	"github.com/dmitrijs2005/draftsync/internal/models"
	"github.com/dmitrijs2005/draftsync/internal/resolver"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type Store struct {
	db     *sql.DB
	schema *models.Schema
	maxLog int
	logger logging.Logger
	locks  *keyedMutex

	mu    sync.Mutex
	cache map[string]*models.Draft
}

type Option func(*Store)

func WithSchema(s *models.Schema) Option { return func(st *Store) { st.schema = s } }

// WithMaxLogEntries bounds each draft's log; zero disables the bound.
func WithMaxLogEntries(n int) Option { return func(st *Store) { st.maxLog = n } }

func WithLogger(l logging.Logger) Option { return func(st *Store) { st.logger = l } }

// New wraps a migrated database.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		schema: models.DefaultSchema(),
		logger: logging.Nop{},
		locks:  newKeyedMutex(),
		cache:  map[string]*models.Draft{},
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("module", "local_store")
	return s
}

// Schema returns the field schema edits are validated against.
func (s *Store) Schema() *models.Schema { return s.schema }

// Metadata exposes the key/value table for identity and server vectors.
func (s *Store) Metadata() metadata.Repository { return metadata.NewSQLiteRepository(s.db) }

func (s *Store) remember(d *models.Draft) {
	s.mu.Lock()
	s.cache[d.ID] = d
	s.mu.Unlock()
}

func (s *Store) forget(draftID string) {
	s.mu.Lock()
	delete(s.cache, draftID)
	s.mu.Unlock()
}

func (s *Store) cached(draftID string) (*models.Draft, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.cache[draftID]
	return d, ok
}

func isStorageFull(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code()&0xff == sqlite3.SQLITE_FULL
}

// wrapErr turns device exhaustion into a StorageFullError.
func wrapErr(draftID string, err error) error {
	if err == nil {
		return nil
	}
	var full *common.StorageFullError
	if errors.As(err, &full) {
		return err
	}
	if isStorageFull(err) {
		return &common.StorageFullError{DraftID: draftID, Err: err}
	}
	return err
}

// materialize rebuilds the draft from base and log. It returns
// common.ErrNotFound when neither exists.
func (s *Store) materialize(ctx context.Context, q dbx.DBTX, draftID string) (*models.Draft, error) {
	base, _, err := drafts.NewSQLiteRepository(q).Get(ctx, draftID)
	missing := errors.Is(err, common.ErrNotFound)
	if err != nil && !missing {
		return nil, err
	}
	entries, err := oplog.NewSQLiteRepository(q).List(ctx, draftID)
	if err != nil {
		return nil, err
	}
	if missing {
		if len(entries) == 0 {
			return nil, common.ErrNotFound
		}
		base = models.NewDraft(draftID)
	}
	return resolver.Replay(base, entries, s.schema)
}

// load returns the current draft, from cache when possible.
func (s *Store) load(ctx context.Context, q dbx.DBTX, draftID string) (*models.Draft, error) {
	if d, ok := s.cached(draftID); ok {
		return d, nil
	}
	return s.materialize(ctx, q, draftID)
}

// loadOrCreate is load that creates an empty base for an unknown draft.
func (s *Store) loadOrCreate(ctx context.Context, q dbx.DBTX, draftID string) (*models.Draft, error) {
	d, err := s.load(ctx, q, draftID)
	if errors.Is(err, common.ErrNotFound) {
		d = models.NewDraft(draftID)
		if err := drafts.NewSQLiteRepository(q).Upsert(ctx, d, 0); err != nil {
			return nil, err
		}
		return d, nil
	}
	return d, err
}

func (s *Store) appendEntry(ctx context.Context, q dbx.DBTX, e *models.LogEntry) error {
	repo := oplog.NewSQLiteRepository(q)
	if s.maxLog > 0 {
		n, err := repo.Count(ctx, e.Op.DraftID)
		if err != nil {
			return err
		}
		if n >= s.maxLog {
			return &common.StorageFullError{
				DraftID: e.Op.DraftID,
				Err:     fmt.Errorf("log quota of %d entries exhausted", s.maxLog),
			}
		}
	}
	_, err := repo.Append(ctx, e)
	return err
}

// Create makes sure an (empty) draft exists and returns it.
func (s *Store) Create(ctx context.Context, draftID string) (*models.Draft, error) {
	unlock := s.locks.Lock(draftID)
	defer unlock()

	var d *models.Draft
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		d, err = s.loadOrCreate(ctx, tx, draftID)
		return err
	})
	if err != nil {
		s.forget(draftID)
		return nil, wrapErr(draftID, err)
	}
	s.remember(d)
	return d.Clone(), nil
}

// Get returns the draft as replayed from its base and log.
func (s *Store) Get(ctx context.Context, draftID string) (*models.Draft, error) {
	unlock := s.locks.Lock(draftID)
	defer unlock()

	d, err := s.load(ctx, s.db, draftID)
	if err != nil {
		return nil, err
	}
	s.remember(d)
	return d.Clone(), nil
}

// List returns the IDs of every stored draft.
func (s *Store) List(ctx context.Context) ([]string, error) {
	return drafts.NewSQLiteRepository(s.db).ListIDs(ctx)
}

// Edit stamps the next local write of participantID to path, commits it as
// a pending log entry and returns it.
func (s *Store) Edit(ctx context.Context, draftID, participantID string, path models.FieldPath, v models.Value) (models.Operation, error) {
	if err := s.schema.Validate(path, v); err != nil {
		return models.Operation{}, err
	}

	unlock := s.locks.Lock(draftID)
	defer unlock()

	var (
		op   models.Operation
		next *models.Draft
	)
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		d, err := s.loadOrCreate(ctx, tx, draftID)
		if err != nil {
			return err
		}
		op = d.NextOperation(participantID, path, v)
		next, _, err = resolver.Merge(d, op, nil)
		if err != nil {
			return err
		}
		return s.appendEntry(ctx, tx, &models.LogEntry{Op: op, Origin: models.OriginLocal, Status: models.StatusPending})
	})
	if err != nil {
		s.forget(draftID)
		return models.Operation{}, wrapErr(draftID, err)
	}
	s.remember(next)
	s.logger.Debug(ctx, "local edit committed", "draft_id", draftID, "op_id", op.OpID, "field", op.FieldPath)
	return op, nil
}

// Put appends an already stamped local operation. Its seq must directly
// follow the author's entry in the draft's version vector.
func (s *Store) Put(ctx context.Context, op models.Operation) (models.Operation, error) {
	if err := op.Validate(s.schema); err != nil {
		return models.Operation{}, err
	}

	unlock := s.locks.Lock(op.DraftID)
	defer unlock()

	var next *models.Draft
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		d, err := s.loadOrCreate(ctx, tx, op.DraftID)
		if err != nil {
			return err
		}
		if op.Seq != d.VersionVector.Get(op.ParticipantID)+1 {
			return fmt.Errorf("%w: %s after %s:%d", common.ErrOutOfOrder, op.OpID, op.ParticipantID, d.VersionVector.Get(op.ParticipantID))
		}
		next, _, err = resolver.Merge(d, op, nil)
		if err != nil {
			return err
		}
		return s.appendEntry(ctx, tx, &models.LogEntry{Op: op, Origin: models.OriginLocal, Status: models.StatusPending})
	})
	if err != nil {
		s.forget(op.DraftID)
		return models.Operation{}, wrapErr(op.DraftID, err)
	}
	s.remember(next)
	return op, nil
}

// ApplyRemote merges an operation received from the server. Unacknowledged
// local writes overridden by it are reported in the returned ConflictInfo.
// A duplicate leaves the draft unchanged; a gap returns common.ErrOutOfOrder.
func (s *Store) ApplyRemote(ctx context.Context, op models.Operation) (*models.Draft, *resolver.ConflictInfo, error) {
	if err := op.Validate(s.schema); err != nil {
		return nil, nil, err
	}

	unlock := s.locks.Lock(op.DraftID)
	defer unlock()

	var (
		next     *models.Draft
		conflict *resolver.ConflictInfo
		changed  bool
	)
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		d, err := s.loadOrCreate(ctx, tx, op.DraftID)
		if err != nil {
			return err
		}
		ids, err := oplog.NewSQLiteRepository(tx).UnackedOpIDs(ctx, op.DraftID)
		if err != nil {
			return err
		}
		pending := make(resolver.PendingSet, len(ids))
		for _, id := range ids {
			pending[id] = struct{}{}
		}

		next, conflict, err = resolver.Merge(d, op, pending)
		if err != nil {
			return err
		}
		if next == d {
			return nil
		}
		changed = true
		return s.appendEntry(ctx, tx, &models.LogEntry{Op: op, Origin: models.OriginRemote, Status: models.StatusApplied})
	})
	if err != nil {
		if !errors.Is(err, common.ErrOutOfOrder) {
			s.forget(op.DraftID)
		}
		return nil, nil, wrapErr(op.DraftID, err)
	}
	if changed {
		s.remember(next)
	}
	return next.Clone(), conflict, nil
}

// AppendLog appends a raw log entry. The draft is re-read from disk on the
// next access.
func (s *Store) AppendLog(ctx context.Context, e *models.LogEntry) (int64, error) {
	unlock := s.locks.Lock(e.Op.DraftID)
	defer unlock()
	defer s.forget(e.Op.DraftID)

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return s.appendEntry(ctx, tx, e)
	})
	if err != nil {
		return 0, wrapErr(e.Op.DraftID, err)
	}
	return e.Seq, nil
}

// ReadLog returns the draft's log entries in order.
func (s *Store) ReadLog(ctx context.Context, draftID string) ([]models.LogEntry, error) {
	return oplog.NewSQLiteRepository(s.db).List(ctx, draftID)
}

// Delete removes the draft, its log and its sync bookkeeping.
func (s *Store) Delete(ctx context.Context, draftID string) error {
	unlock := s.locks.Lock(draftID)
	defer unlock()
	defer s.forget(draftID)

	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := oplog.NewSQLiteRepository(tx).DeleteDraft(ctx, draftID); err != nil {
			return err
		}
		if err := drafts.NewSQLiteRepository(tx).Delete(ctx, draftID); err != nil {
			return err
		}
		return metadata.NewSQLiteRepository(tx).ForgetDraft(ctx, draftID)
	})
}

// ResetFromSnapshot replaces the draft's base with an authoritative
// snapshot. Settled log entries are dropped; unacknowledged local entries
// are kept and replayed on top of the snapshot. A snapshot must cover the
// stored base and every acknowledged local write; otherwise it is refused
// with common.ErrStaleSnapshot and the draft is left untouched. Settled
// remote entries it lacks are dropped and come back with the next catch-up.
func (s *Store) ResetFromSnapshot(ctx context.Context, snap *models.Draft) (*models.Draft, error) {
	draftID := snap.ID
	unlock := s.locks.Lock(draftID)
	defer unlock()
	s.forget(draftID)

	var d *models.Draft
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		draftsRepo := drafts.NewSQLiteRepository(tx)
		logRepo := oplog.NewSQLiteRepository(tx)

		var clock, baseSeq int64
		settled := models.VersionVector{}
		base, seq, err := draftsRepo.Get(ctx, draftID)
		switch {
		case err == nil:
			clock, baseSeq = base.Clock, seq
			settled.Merge(base.VersionVector)
		case errors.Is(err, common.ErrNotFound), errors.Is(err, common.ErrCorruptState):
		default:
			return err
		}

		entries, err := logRepo.List(ctx, draftID)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Seq > baseSeq {
				baseSeq = e.Seq
			}
			if e.Op.Timestamp > clock {
				clock = e.Op.Timestamp
			}
			if e.Origin == models.OriginLocal && e.Status.Settled() && e.Op.Seq > settled.Get(e.Op.ParticipantID) {
				settled[e.Op.ParticipantID] = e.Op.Seq
			}
		}
		if !snap.VersionVector.Dominates(settled) {
			return fmt.Errorf("%w: snapshot %s behind local %s", common.ErrStaleSnapshot, snap.VersionVector.String(), settled.String())
		}

		if err := logRepo.DeleteSettled(ctx, draftID); err != nil {
			return err
		}
		newBase := snap.Clone()
		if newBase.Clock < clock {
			newBase.Clock = clock
		}
		if err := draftsRepo.Upsert(ctx, newBase, baseSeq); err != nil {
			return err
		}

		kept, err := logRepo.List(ctx, draftID)
		if err != nil {
			return err
		}
		d, err = resolver.Replay(newBase, kept, s.schema)
		return err
	})
	if err != nil {
		return nil, wrapErr(draftID, err)
	}
	s.remember(d)
	s.logger.Info(ctx, "draft reset from snapshot", "draft_id", draftID, "vv", d.VersionVector.String())
	return d.Clone(), nil
}

// Compact folds the settled prefix of the log into the base snapshot and
// purges it. Entries behind the first unsettled one stay in the log.
func (s *Store) Compact(ctx context.Context, draftID string) (int, error) {
	unlock := s.locks.Lock(draftID)
	defer unlock()

	folded := 0
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		draftsRepo := drafts.NewSQLiteRepository(tx)
		logRepo := oplog.NewSQLiteRepository(tx)

		base, baseSeq, err := draftsRepo.Get(ctx, draftID)
		if errors.Is(err, common.ErrNotFound) {
			base = models.NewDraft(draftID)
		} else if err != nil {
			return err
		}
		entries, err := logRepo.List(ctx, draftID)
		if err != nil {
			return err
		}
		for folded < len(entries) && entries[folded].Status.Settled() {
			folded++
		}
		if folded == 0 {
			return nil
		}

		prefix := entries[:folded]
		next, err := resolver.Replay(base, prefix, s.schema)
		if err != nil {
			return err
		}
		last := prefix[len(prefix)-1].Seq
		if last > baseSeq {
			baseSeq = last
		}
		if err := draftsRepo.Upsert(ctx, next, baseSeq); err != nil {
			return err
		}
		return logRepo.DeleteThrough(ctx, draftID, last)
	})
	if err != nil {
		s.forget(draftID)
		return 0, wrapErr(draftID, err)
	}
	if folded > 0 {
		s.logger.Debug(ctx, "log compacted", "draft_id", draftID, "entries", folded)
	}
	return folded, nil
}

// Outbox returns every unacknowledged local entry, ordered per draft.
func (s *Store) Outbox(ctx context.Context) ([]models.LogEntry, error) {
	return oplog.NewSQLiteRepository(s.db).Outbox(ctx)
}

// ResetInFlight reverts entries left in flight by a previous process.
func (s *Store) ResetInFlight(ctx context.Context) (int64, error) {
	return oplog.NewSQLiteRepository(s.db).ResetInFlight(ctx)
}

func (s *Store) setDelivery(ctx context.Context, draftID, opID string, d oplog.Delivery) (bool, error) {
	unlock := s.locks.Lock(draftID)
	defer unlock()
	ok, err := oplog.NewSQLiteRepository(s.db).SetDelivery(ctx, draftID, opID, d)
	return ok, wrapErr(draftID, err)
}

func (s *Store) MarkInFlight(ctx context.Context, draftID, opID string, attempt int) error {
	_, err := s.setDelivery(ctx, draftID, opID, oplog.Delivery{Status: models.StatusInFlight, Attempt: attempt})
	return err
}

// MarkAcked records the server acknowledgement. Acking an entry that was
// already acked or compacted away reports false and no error.
func (s *Store) MarkAcked(ctx context.Context, draftID, opID string) (bool, error) {
	unlock := s.locks.Lock(draftID)
	defer unlock()

	repo := oplog.NewSQLiteRepository(s.db)
	e, err := repo.Get(ctx, draftID, opID)
	if errors.Is(err, common.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if e.Status == models.StatusAcked {
		return false, nil
	}
	_, err = repo.SetDelivery(ctx, draftID, opID, oplog.Delivery{Status: models.StatusAcked, Attempt: e.Attempt})
	return err == nil, wrapErr(draftID, err)
}

func (s *Store) MarkRetry(ctx context.Context, draftID, opID string, attempt int, next time.Time, lastErr string) error {
	_, err := s.setDelivery(ctx, draftID, opID, oplog.Delivery{
		Status: models.StatusPending, Attempt: attempt, NextRetryAt: next, LastError: lastErr,
	})
	return err
}

func (s *Store) MarkFailed(ctx context.Context, draftID, opID string, attempt int, reason string) error {
	_, err := s.setDelivery(ctx, draftID, opID, oplog.Delivery{
		Status: models.StatusFailed, Attempt: attempt, LastError: reason,
	})
	return err
}

// MarkPending puts a failed entry back in line with a fresh attempt count.
func (s *Store) MarkPending(ctx context.Context, draftID, opID string) error {
	ok, err := s.setDelivery(ctx, draftID, opID, oplog.Delivery{Status: models.StatusPending})
	if err != nil {
		return err
	}
	if !ok {
		return common.ErrNotFound
	}
	return nil
}

// DiscardFrom drops the local operation opID and every later local
// operation of the draft, then rebuilds the draft without them.
func (s *Store) DiscardFrom(ctx context.Context, draftID, opID string) (*models.Draft, error) {
	unlock := s.locks.Lock(draftID)
	defer unlock()
	s.forget(draftID)

	var d *models.Draft
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := oplog.NewSQLiteRepository(tx)
		e, err := repo.Get(ctx, draftID, opID)
		if err != nil {
			return err
		}
		if e.Origin != models.OriginLocal {
			return fmt.Errorf("%w: %s is not a local operation", common.ErrMalformedOp, opID)
		}
		if err := repo.DeleteLocalFrom(ctx, draftID, e.Seq); err != nil {
			return err
		}
		d, err = s.materialize(ctx, tx, draftID)
		if errors.Is(err, common.ErrNotFound) {
			d, err = models.NewDraft(draftID), nil
		}
		return err
	})
	if err != nil {
		return nil, wrapErr(draftID, err)
	}
	s.remember(d)
	return d.Clone(), nil
}
