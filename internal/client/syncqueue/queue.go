// Package syncqueue delivers locally committed operations to the server.
//
// Each draft has its own FIFO and at most one entry in flight; drafts are
// drained concurrently up to a fan-out limit. Failed deliveries back off
// exponentially and, once out of attempts or rejected by the server, block
// their draft until they are retried or discarded by hand. Delivery state is
// persisted so the queue survives restarts.
package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/draftsync/internal/common"
	"github.com/dmitrijs2005/draftsync/internal/logging"
	"github.com/dmitrijs2005/draftsync/internal/models"
	"github.com/dmitrijs2005/draftsync/internal/retry"
	"github.com/dmitrijs2005/draftsync/internal/wire"
	"golang.org/x/sync/semaphore"
)

// Persister records delivery state. *store.Store implements it.
type Persister interface {
	Outbox(ctx context.Context) ([]models.LogEntry, error)
	ResetInFlight(ctx context.Context) (int64, error)
	MarkInFlight(ctx context.Context, draftID, opID string, attempt int) error
	MarkAcked(ctx context.Context, draftID, opID string) (bool, error)
	MarkRetry(ctx context.Context, draftID, opID string, attempt int, next time.Time, lastErr string) error
	MarkFailed(ctx context.Context, draftID, opID string, attempt int, reason string) error
	MarkPending(ctx context.Context, draftID, opID string) error
}

// Sender calls the drain endpoint.
type Sender interface {
	Drain(ctx context.Context, req *wire.DrainRequest) (*wire.DrainResponse, error)
}

// Gate reports whether sending is worth trying.
type Gate interface {
	Online() bool
}

// Entry is one queued operation and its delivery state.
type Entry struct {
	Op          models.Operation
	Status      models.OpStatus
	Attempt     int
	NextRetryAt time.Time
	LastError   string
}

type EventKind int

const (
	EventAcked EventKind = iota
	EventRetryScheduled
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventAcked:
		return "acked"
	case EventRetryScheduled:
		return "retry_scheduled"
	case EventFailed:
		return "failed"
	}
	return "unknown"
}

// Event reports a delivery outcome. Failed events carry a
// *common.PermanentSyncFailure in Err.
type Event struct {
	Kind         EventKind
	DraftID      string
	OpID         string
	Attempt      int
	NextRetryAt  time.Time
	ServerVector models.VersionVector
	Err          error
}

type draftQueue struct {
	entries  []*Entry
	inFlight bool
}

type job struct {
	draftID string
	dq      *draftQueue
	entry   *Entry
	since   models.VersionVector
}

type Queue struct {
	store       Persister
	sender      Sender
	gate        Gate
	policy      retry.Policy
	maxAttempts int
	poll        time.Duration
	now         func() time.Time
	since       func(draftID string) models.VersionVector
	logger      logging.Logger
	sem         *semaphore.Weighted

	mu     sync.Mutex
	drafts map[string]*draftQueue
	wake   chan struct{}
	events chan Event
}

type Option func(*Queue)

func WithPolicy(p retry.Policy) Option { return func(q *Queue) { q.policy = p } }

func WithMaxAttempts(n int) Option { return func(q *Queue) { q.maxAttempts = n } }

// WithFanOut bounds how many drafts are drained concurrently.
func WithFanOut(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

// WithPollInterval sets how often Run re-checks the queue without a wake-up.
func WithPollInterval(d time.Duration) Option { return func(q *Queue) { q.poll = d } }

// WithVectorSource supplies the last server vector sent along with a drain.
func WithVectorSource(f func(draftID string) models.VersionVector) Option {
	return func(q *Queue) { q.since = f }
}

func WithLogger(l logging.Logger) Option { return func(q *Queue) { q.logger = l } }

// WithEventBuffer sizes the events channel.
func WithEventBuffer(n int) Option { return func(q *Queue) { q.events = make(chan Event, n) } }

func New(store Persister, sender Sender, gate Gate, opts ...Option) *Queue {
	q := &Queue{
		store:       store,
		sender:      sender,
		gate:        gate,
		policy:      retry.DefaultPolicy(),
		maxAttempts: 5,
		poll:        time.Second,
		now:         time.Now,
		since:       func(string) models.VersionVector { return nil },
		logger:      logging.Nop{},
		sem:         semaphore.NewWeighted(4),
		drafts:      map[string]*draftQueue{},
		wake:        make(chan struct{}, 1),
		events:      make(chan Event, 64),
	}
	for _, o := range opts {
		o(q)
	}
	q.logger = q.logger.With("module", "sync_queue")
	return q
}

// Events delivers delivery outcomes. Events are dropped when nobody reads.
func (q *Queue) Events() <-chan Event { return q.events }

func (q *Queue) emit(ctx context.Context, ev Event) {
	select {
	case q.events <- ev:
	default:
		q.logger.Warn(ctx, "event dropped", "kind", ev.Kind.String(), "op_id", ev.OpID)
	}
}

// Resume wakes the drain loop, e.g. after connectivity returns.
func (q *Queue) Resume() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Load rebuilds the queue from the store. Entries a previous process left
// in flight go back to pending.
func (q *Queue) Load(ctx context.Context) error {
	n, err := q.store.ResetInFlight(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset in-flight entries: %w", err)
	}
	rows, err := q.store.Outbox(ctx)
	if err != nil {
		return fmt.Errorf("failed to load outbox: %w", err)
	}

	q.mu.Lock()
	q.drafts = map[string]*draftQueue{}
	for _, r := range rows {
		dq := q.draftLocked(r.Op.DraftID)
		dq.entries = append(dq.entries, &Entry{
			Op:          r.Op,
			Status:      r.Status,
			Attempt:     r.Attempt,
			NextRetryAt: r.NextRetryAt,
			LastError:   r.LastError,
		})
	}
	q.mu.Unlock()

	q.logger.Info(ctx, "outbox loaded", "entries", len(rows), "reset_in_flight", n)
	q.Resume()
	return nil
}

func (q *Queue) draftLocked(draftID string) *draftQueue {
	dq, ok := q.drafts[draftID]
	if !ok {
		dq = &draftQueue{}
		q.drafts[draftID] = dq
	}
	return dq
}

// Enqueue appends a committed local operation to its draft's FIFO. It
// never blocks on the network.
func (q *Queue) Enqueue(op models.Operation) {
	q.mu.Lock()
	dq := q.draftLocked(op.DraftID)
	for _, e := range dq.entries {
		if e.Op.OpID == op.OpID {
			q.mu.Unlock()
			return
		}
	}
	dq.entries = append(dq.entries, &Entry{Op: op, Status: models.StatusPending})
	q.mu.Unlock()
	q.Resume()
}

// Cancel drops every entry of the draft. Responses still in flight for it
// are ignored.
func (q *Queue) Cancel(draftID string) {
	q.mu.Lock()
	delete(q.drafts, draftID)
	q.mu.Unlock()
}

// Ack records an acknowledgement that arrived outside a drain response.
// Acking an unknown or already acked operation is a no-op. A head still in
// flight stays queued, marked acked, until its send returns, so the draft
// never has two sends outstanding.
func (q *Queue) Ack(ctx context.Context, draftID, opID string) error {
	if _, err := q.store.MarkAcked(ctx, draftID, opID); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	dq, ok := q.drafts[draftID]
	if !ok {
		return nil
	}
	for i, e := range dq.entries {
		if e.Op.OpID != opID {
			continue
		}
		if i == 0 && dq.inFlight {
			e.Status = models.StatusAcked
			break
		}
		dq.entries = append(dq.entries[:i], dq.entries[i+1:]...)
		q.pruneLocked(draftID, dq)
		break
	}
	return nil
}

// Retry puts the draft's failed head back in line with a fresh attempt
// count.
func (q *Queue) Retry(ctx context.Context, draftID string) error {
	q.mu.Lock()
	dq, ok := q.drafts[draftID]
	if !ok || len(dq.entries) == 0 || dq.entries[0].Status != models.StatusFailed {
		q.mu.Unlock()
		return fmt.Errorf("%w: no failed operation for draft %s", common.ErrNotFound, draftID)
	}
	head := dq.entries[0]
	q.mu.Unlock()

	if err := q.store.MarkPending(ctx, draftID, head.Op.OpID); err != nil {
		return err
	}

	q.mu.Lock()
	head.Status = models.StatusPending
	head.Attempt = 0
	head.NextRetryAt = time.Time{}
	head.LastError = ""
	q.mu.Unlock()
	q.Resume()
	return nil
}

// Discard drops the draft's failed head and everything queued behind it,
// returning the head's op ID. The caller removes the same operations from
// the store.
func (q *Queue) Discard(draftID string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	dq, ok := q.drafts[draftID]
	if !ok || len(dq.entries) == 0 || dq.entries[0].Status != models.StatusFailed {
		return "", fmt.Errorf("%w: no failed operation for draft %s", common.ErrNotFound, draftID)
	}
	opID := dq.entries[0].Op.OpID
	delete(q.drafts, draftID)
	return opID, nil
}

// Snapshot returns a copy of the draft's queued entries in order.
func (q *Queue) Snapshot(draftID string) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	dq, ok := q.drafts[draftID]
	if !ok {
		return nil
	}
	out := make([]Entry, 0, len(dq.entries))
	for _, e := range dq.entries {
		out = append(out, *e)
	}
	return out
}

// Failed returns the failed head of every blocked draft.
func (q *Queue) Failed() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Entry
	for _, dq := range q.drafts {
		if len(dq.entries) > 0 && dq.entries[0].Status == models.StatusFailed {
			out = append(out, *dq.entries[0])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Op.DraftID < out[j].Op.DraftID })
	return out
}

// Len returns the number of queued entries across drafts.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, dq := range q.drafts {
		n += len(dq.entries)
	}
	return n
}

func (q *Queue) pruneLocked(draftID string, dq *draftQueue) {
	if len(dq.entries) == 0 && !dq.inFlight && q.drafts[draftID] == dq {
		delete(q.drafts, draftID)
	}
}

// ready claims the sendable head of every draft.
func (q *Queue) ready(now time.Time) []job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, 0, len(q.drafts))
	for id := range q.drafts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var jobs []job
	for _, id := range ids {
		dq := q.drafts[id]
		if dq.inFlight || len(dq.entries) == 0 {
			continue
		}
		head := dq.entries[0]
		if head.Status != models.StatusPending || head.NextRetryAt.After(now) {
			continue
		}
		dq.inFlight = true
		head.Status = models.StatusInFlight
		jobs = append(jobs, job{draftID: id, dq: dq, entry: head})
	}
	return jobs
}

// nextDue returns the earliest retry instant among blocked heads.
func (q *Queue) nextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due time.Time
	found := false
	for _, dq := range q.drafts {
		if dq.inFlight || len(dq.entries) == 0 {
			continue
		}
		head := dq.entries[0]
		if head.Status != models.StatusPending {
			continue
		}
		if !found || head.NextRetryAt.Before(due) {
			due, found = head.NextRetryAt, true
		}
	}
	return due, found
}

func (q *Queue) start(ctx context.Context, wg *sync.WaitGroup) int {
	if !q.gate.Online() {
		return 0
	}
	jobs := q.ready(q.now())
	for _, j := range jobs {
		j.since = q.since(j.draftID)
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			q.send(ctx, j)
		}(j)
	}
	return len(jobs)
}

// DrainOnce sends every ready head once and waits for the outcomes. It
// returns the number of operations sent.
func (q *Queue) DrainOnce(ctx context.Context) int {
	var wg sync.WaitGroup
	n := q.start(ctx, &wg)
	wg.Wait()
	return n
}

// Run drains the queue until ctx is done, then waits for sends in flight.
func (q *Queue) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		q.start(ctx, &wg)

		// Offline heads are due but cannot be sent; wait for a wake-up or
		// the next poll instead of re-arming an expired timer.
		if due, ok := q.nextDue(); ok && q.gate.Online() {
			wait := due.Sub(q.now())
			if wait < 0 {
				wait = 0
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		case <-ticker.C:
		case <-timer.C:
		}
	}
}

// current reports whether j still describes the draft's in-flight head.
func (q *Queue) current(j job) bool {
	dq, ok := q.drafts[j.draftID]
	return ok && dq == j.dq && len(dq.entries) > 0 && dq.entries[0] == j.entry
}

func (q *Queue) release(j job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j.dq.inFlight = false
	if q.current(j) {
		if j.entry.Status == models.StatusAcked {
			j.dq.entries = j.dq.entries[1:]
		} else {
			j.entry.Status = models.StatusPending
		}
	}
	q.pruneLocked(j.draftID, j.dq)
}

// ackedMeanwhile reports whether Ack settled j while it was being sent.
func (q *Queue) ackedMeanwhile(j job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return j.entry.Status == models.StatusAcked
}

func (q *Queue) send(ctx context.Context, j job) {
	if err := q.sem.Acquire(ctx, 1); err != nil {
		q.release(j)
		return
	}
	defer q.sem.Release(1)

	op := j.entry.Op
	if err := q.store.MarkInFlight(ctx, j.draftID, op.OpID, j.entry.Attempt); err != nil {
		q.logger.Error(ctx, "failed to mark in flight", "op_id", op.OpID, "error", err)
		q.release(j)
		return
	}

	resp, err := q.sender.Drain(ctx, &wire.DrainRequest{
		DraftID:            j.draftID,
		SinceVersionVector: j.since,
		Operations:         []models.Operation{op},
	})
	if ctx.Err() != nil {
		// Shutting down: leave the entry pending for the next process.
		if !q.ackedMeanwhile(j) {
			if err := q.store.MarkRetry(context.WithoutCancel(ctx), j.draftID, op.OpID, j.entry.Attempt, time.Time{}, ""); err != nil {
				q.logger.Error(ctx, "failed to persist pending entry on shutdown", "op_id", op.OpID, "error", err)
			}
		}
		q.release(j)
		return
	}
	q.complete(ctx, j, resp, err)
}

func rejection(resp *wire.DrainResponse, opID string) (string, bool) {
	for _, r := range resp.Rejected {
		if r.OpID == opID {
			return r.Reason, true
		}
	}
	return "", false
}

func accepted(resp *wire.DrainResponse, opID string) bool {
	for _, id := range resp.Accepted {
		if id == opID {
			return true
		}
	}
	return false
}

func (q *Queue) complete(ctx context.Context, j job, resp *wire.DrainResponse, sendErr error) {
	op := j.entry.Op

	switch {
	case q.ackedMeanwhile(j):
		var vv models.VersionVector
		if sendErr == nil && resp != nil {
			vv = resp.ServerVersionVector
		}
		q.acked(ctx, j, vv)
	case sendErr == nil && accepted(resp, op.OpID):
		q.acked(ctx, j, resp.ServerVersionVector)
	case sendErr == nil:
		if reason, ok := rejection(resp, op.OpID); ok {
			q.fail(ctx, j, j.entry.Attempt, reason, nil)
			return
		}
		q.retry(ctx, j, errors.New("operation not acknowledged"))
	case errors.Is(sendErr, common.ErrUnauthorized):
		q.fail(ctx, j, j.entry.Attempt, "unauthorized", sendErr)
	default:
		q.retry(ctx, j, sendErr)
	}
}

func (q *Queue) acked(ctx context.Context, j job, vv models.VersionVector) {
	op := j.entry.Op
	if _, err := q.store.MarkAcked(ctx, j.draftID, op.OpID); err != nil {
		q.logger.Error(ctx, "failed to persist ack", "op_id", op.OpID, "error", err)
		q.release(j)
		return
	}

	q.mu.Lock()
	j.dq.inFlight = false
	live := q.current(j)
	if live {
		j.dq.entries = j.dq.entries[1:]
	}
	q.pruneLocked(j.draftID, j.dq)
	q.mu.Unlock()

	if !live {
		// Cancelled while in flight; the draft is gone locally.
		q.logger.Debug(ctx, "late ack ignored", "draft_id", j.draftID, "op_id", op.OpID)
		return
	}
	q.logger.Debug(ctx, "operation acked", "draft_id", j.draftID, "op_id", op.OpID)
	q.emit(ctx, Event{Kind: EventAcked, DraftID: j.draftID, OpID: op.OpID, Attempt: j.entry.Attempt, ServerVector: vv})
	q.Resume()
}

func (q *Queue) retry(ctx context.Context, j job, cause error) {
	op := j.entry.Op
	attempt := j.entry.Attempt + 1
	if attempt > q.maxAttempts {
		q.fail(ctx, j, attempt, "max attempts exceeded", errors.Join(common.ErrTransientNetwork, cause))
		return
	}

	next := q.policy.Next(q.now(), attempt)
	if err := q.store.MarkRetry(ctx, j.draftID, op.OpID, attempt, next, cause.Error()); err != nil {
		q.logger.Error(ctx, "failed to persist retry", "op_id", op.OpID, "error", err)
	}

	q.mu.Lock()
	if j.entry.Status == models.StatusAcked {
		q.mu.Unlock()
		q.acked(ctx, j, nil)
		return
	}
	j.dq.inFlight = false
	if q.current(j) {
		j.entry.Status = models.StatusPending
		j.entry.Attempt = attempt
		j.entry.NextRetryAt = next
		j.entry.LastError = cause.Error()
	}
	q.pruneLocked(j.draftID, j.dq)
	q.mu.Unlock()

	q.logger.Debug(ctx, "delivery retry scheduled", "op_id", op.OpID, "attempt", attempt, "next", next)
	q.emit(ctx, Event{Kind: EventRetryScheduled, DraftID: j.draftID, OpID: op.OpID, Attempt: attempt, NextRetryAt: next, Err: cause})
}

func (q *Queue) fail(ctx context.Context, j job, attempt int, reason string, cause error) {
	op := j.entry.Op
	if err := q.store.MarkFailed(ctx, j.draftID, op.OpID, attempt, reason); err != nil {
		q.logger.Error(ctx, "failed to persist failure", "op_id", op.OpID, "error", err)
	}

	q.mu.Lock()
	if j.entry.Status == models.StatusAcked {
		q.mu.Unlock()
		q.acked(ctx, j, nil)
		return
	}
	j.dq.inFlight = false
	if q.current(j) {
		j.entry.Status = models.StatusFailed
		j.entry.Attempt = attempt
		j.entry.LastError = reason
	}
	q.pruneLocked(j.draftID, j.dq)
	q.mu.Unlock()

	failure := &common.PermanentSyncFailure{DraftID: j.draftID, OpID: op.OpID, Reason: reason, Err: cause}
	q.logger.Warn(ctx, "delivery failed permanently", "op_id", op.OpID, "reason", reason)
	q.emit(ctx, Event{Kind: EventFailed, DraftID: j.draftID, OpID: op.OpID, Attempt: attempt, Err: failure})
}
