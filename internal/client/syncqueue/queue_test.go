package syncqueue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/draftsync/internal/common"
	"github.com/dmitrijs2005/draftsync/internal/logging"
	"github.com/dmitrijs2005/draftsync/internal/models"
	"github.com/dmitrijs2005/draftsync/internal/retry"
	"github.com/dmitrijs2005/draftsync/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memPersister struct {
	mu      sync.Mutex
	entries map[string]*models.LogEntry
	order   []string
}

func newMemPersister() *memPersister {
	return &memPersister{entries: map[string]*models.LogEntry{}}
}

func (m *memPersister) add(op models.Operation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[op.OpID] = &models.LogEntry{Op: op, Origin: models.OriginLocal, Status: models.StatusPending}
	m.order = append(m.order, op.OpID)
}

func (m *memPersister) get(opID string) models.LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.entries[opID]
}

func (m *memPersister) Outbox(context.Context) ([]models.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LogEntry
	for _, id := range m.order {
		e := m.entries[id]
		if !e.Status.Settled() {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *memPersister) ResetInFlight(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.entries {
		if e.Status == models.StatusInFlight {
			e.Status = models.StatusPending
			n++
		}
	}
	return n, nil
}

func (m *memPersister) set(opID string, fn func(e *models.LogEntry)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[opID]
	if !ok {
		return common.ErrNotFound
	}
	fn(e)
	return nil
}

func (m *memPersister) MarkInFlight(_ context.Context, _, opID string, attempt int) error {
	return m.set(opID, func(e *models.LogEntry) { e.Status, e.Attempt = models.StatusInFlight, attempt })
}

func (m *memPersister) MarkAcked(_ context.Context, _, opID string) (bool, error) {
	changed := false
	err := m.set(opID, func(e *models.LogEntry) {
		changed = e.Status != models.StatusAcked
		e.Status = models.StatusAcked
	})
	if errors.Is(err, common.ErrNotFound) {
		return false, nil
	}
	return changed, err
}

func (m *memPersister) MarkRetry(_ context.Context, _, opID string, attempt int, next time.Time, lastErr string) error {
	return m.set(opID, func(e *models.LogEntry) {
		if e.Status == models.StatusAcked {
			return
		}
		e.Status, e.Attempt, e.NextRetryAt, e.LastError = models.StatusPending, attempt, next, lastErr
	})
}

func (m *memPersister) MarkFailed(_ context.Context, _, opID string, attempt int, reason string) error {
	return m.set(opID, func(e *models.LogEntry) {
		if e.Status == models.StatusAcked {
			return
		}
		e.Status, e.Attempt, e.LastError = models.StatusFailed, attempt, reason
	})
}

func (m *memPersister) MarkPending(_ context.Context, _, opID string) error {
	return m.set(opID, func(e *models.LogEntry) {
		e.Status, e.Attempt, e.NextRetryAt, e.LastError = models.StatusPending, 0, time.Time{}, ""
	})
}

type senderFunc func(ctx context.Context, req *wire.DrainRequest) (*wire.DrainResponse, error)

func (f senderFunc) Drain(ctx context.Context, req *wire.DrainRequest) (*wire.DrainResponse, error) {
	return f(ctx, req)
}

func acceptAll(_ context.Context, req *wire.DrainRequest) (*wire.DrainResponse, error) {
	resp := &wire.DrainResponse{ServerVersionVector: models.VersionVector{}}
	for _, op := range req.Operations {
		resp.Accepted = append(resp.Accepted, op.OpID)
		resp.ServerVersionVector[op.ParticipantID] = op.Seq
	}
	return resp, nil
}

type gate struct{ online atomic.Bool }

func onlineGate() *gate {
	g := &gate{}
	g.online.Store(true)
	return g
}

func (g *gate) Online() bool { return g.online.Load() }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func op(draftID, participant string, seq int64) models.Operation {
	return models.Operation{
		OpID:          models.NewOpID(participant, seq),
		DraftID:       draftID,
		FieldPath:     models.FieldMessage,
		Value:         models.Text(fmt.Sprintf("v%d", seq)),
		Timestamp:     seq,
		ParticipantID: participant,
		Seq:           seq,
	}
}

func enqueue(q *Queue, p *memPersister, ops ...models.Operation) {
	for _, o := range ops {
		p.add(o)
		q.Enqueue(o)
	}
}

var noJitter = retry.Policy{Base: time.Second, Max: 10 * time.Second}

func TestQueue_DeliversInOrderPerDraft(t *testing.T) {
	p := newMemPersister()
	var mu sync.Mutex
	var sent []string
	s := senderFunc(func(ctx context.Context, req *wire.DrainRequest) (*wire.DrainResponse, error) {
		require.Len(t, req.Operations, 1)
		mu.Lock()
		sent = append(sent, req.Operations[0].OpID)
		mu.Unlock()
		return acceptAll(ctx, req)
	})
	q := New(p, s, onlineGate())
	enqueue(q, p, op("d", "p", 1), op("d", "p", 2), op("d", "p", 3))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		assert.Equal(t, 1, q.DrainOnce(ctx))
	}
	assert.Equal(t, 0, q.DrainOnce(ctx))
	assert.Equal(t, []string{"p:1", "p:2", "p:3"}, sent)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, models.StatusAcked, p.get("p:3").Status)

	var acked []string
	for len(q.Events()) > 0 {
		ev := <-q.Events()
		assert.Equal(t, EventAcked, ev.Kind)
		acked = append(acked, ev.OpID)
	}
	assert.Equal(t, []string{"p:1", "p:2", "p:3"}, acked)
}

func TestQueue_DraftsDrainIndependently(t *testing.T) {
	p := newMemPersister()
	s := senderFunc(func(ctx context.Context, req *wire.DrainRequest) (*wire.DrainResponse, error) {
		if req.DraftID == "bad" {
			return nil, common.ErrTransientNetwork
		}
		return acceptAll(ctx, req)
	})
	q := New(p, s, onlineGate(), WithPolicy(noJitter))
	enqueue(q, p, op("bad", "p", 1), op("good", "p", 1), op("good", "p", 2))

	ctx := context.Background()
	assert.Equal(t, 2, q.DrainOnce(ctx))
	assert.Equal(t, 1, q.DrainOnce(ctx))
	assert.Empty(t, q.Snapshot("good"))
	require.Len(t, q.Snapshot("bad"), 1)
}

func TestQueue_BackoffThenFailure(t *testing.T) {
	p := newMemPersister()
	clock := &fakeClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	var calls atomic.Int32
	s := senderFunc(func(context.Context, *wire.DrainRequest) (*wire.DrainResponse, error) {
		calls.Add(1)
		return nil, fmt.Errorf("dial: %w", common.ErrTransientNetwork)
	})
	q := New(p, s, onlineGate(), WithPolicy(noJitter), WithMaxAttempts(2), WithClock(clock.Now))
	enqueue(q, p, op("d", "p", 1))
	ctx := context.Background()

	require.Equal(t, 1, q.DrainOnce(ctx))
	e := q.Snapshot("d")[0]
	assert.Equal(t, models.StatusPending, e.Status)
	assert.Equal(t, 1, e.Attempt)
	assert.Equal(t, clock.Now().Add(2*time.Second), e.NextRetryAt)
	assert.Equal(t, e.NextRetryAt, p.get("p:1").NextRetryAt)

	// Not due yet.
	assert.Equal(t, 0, q.DrainOnce(ctx))
	clock.Advance(2 * time.Second)
	require.Equal(t, 1, q.DrainOnce(ctx))
	assert.Equal(t, 2, q.Snapshot("d")[0].Attempt)
	assert.Equal(t, clock.Now().Add(4*time.Second), q.Snapshot("d")[0].NextRetryAt)

	clock.Advance(4 * time.Second)
	require.Equal(t, 1, q.DrainOnce(ctx))
	e = q.Snapshot("d")[0]
	assert.Equal(t, models.StatusFailed, e.Status)
	assert.Equal(t, models.StatusFailed, p.get("p:1").Status)
	assert.EqualValues(t, 3, calls.Load())

	// A failed head blocks the draft.
	clock.Advance(time.Hour)
	assert.Equal(t, 0, q.DrainOnce(ctx))

	var last Event
	for len(q.Events()) > 0 {
		last = <-q.Events()
	}
	assert.Equal(t, EventFailed, last.Kind)
	var pf *common.PermanentSyncFailure
	require.ErrorAs(t, last.Err, &pf)
	assert.Equal(t, "max attempts exceeded", pf.Reason)
	assert.ErrorIs(t, last.Err, common.ErrTransientNetwork)
	assert.ErrorIs(t, last.Err, common.ErrPermanentSyncFailure)

	failed := q.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "p:1", failed[0].Op.OpID)
}

func TestQueue_RejectionFailsImmediately(t *testing.T) {
	p := newMemPersister()
	s := senderFunc(func(_ context.Context, req *wire.DrainRequest) (*wire.DrainResponse, error) {
		return &wire.DrainResponse{Rejected: []wire.Rejection{{OpID: req.Operations[0].OpID, Reason: wire.ReasonMalformed}}}, nil
	})
	q := New(p, s, onlineGate())
	enqueue(q, p, op("d", "p", 1), op("d", "p", 2))

	require.Equal(t, 1, q.DrainOnce(context.Background()))
	snap := q.Snapshot("d")
	require.Len(t, snap, 2)
	assert.Equal(t, models.StatusFailed, snap[0].Status)
	assert.Equal(t, wire.ReasonMalformed, snap[0].LastError)
	assert.Equal(t, models.StatusPending, snap[1].Status)

	ev := <-q.Events()
	assert.Equal(t, EventFailed, ev.Kind)
	assert.ErrorIs(t, ev.Err, common.ErrPermanentSyncFailure)
}

func TestQueue_UnauthorizedIsPermanent(t *testing.T) {
	p := newMemPersister()
	s := senderFunc(func(context.Context, *wire.DrainRequest) (*wire.DrainResponse, error) {
		return nil, common.ErrUnauthorized
	})
	q := New(p, s, onlineGate())
	enqueue(q, p, op("d", "p", 1))

	q.DrainOnce(context.Background())
	assert.Equal(t, models.StatusFailed, q.Snapshot("d")[0].Status)
}

func TestQueue_RetryAndDiscard(t *testing.T) {
	p := newMemPersister()
	var reject atomic.Bool
	reject.Store(true)
	s := senderFunc(func(ctx context.Context, req *wire.DrainRequest) (*wire.DrainResponse, error) {
		if reject.Load() {
			return &wire.DrainResponse{Rejected: []wire.Rejection{{OpID: req.Operations[0].OpID, Reason: wire.ReasonPermissionDenied}}}, nil
		}
		return acceptAll(ctx, req)
	})
	q := New(p, s, onlineGate())
	enqueue(q, p, op("d", "p", 1), op("e", "p", 1), op("e", "p", 2))
	ctx := context.Background()

	require.Equal(t, 2, q.DrainOnce(ctx))
	_, err := q.Discard("none")
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.ErrorIs(t, q.Retry(ctx, "none"), common.ErrNotFound)

	reject.Store(false)
	require.NoError(t, q.Retry(ctx, "d"))
	assert.Equal(t, 0, q.Snapshot("d")[0].Attempt)
	assert.Equal(t, models.StatusPending, p.get("p:1").Status)
	require.Equal(t, 1, q.DrainOnce(ctx))
	assert.Empty(t, q.Snapshot("d"))

	head, err := q.Discard("e")
	require.NoError(t, err)
	assert.Equal(t, "p:1", head)
	assert.Empty(t, q.Snapshot("e"))
	assert.Equal(t, 0, q.Len())
}

func TestQueue_LoadRestoresOutbox(t *testing.T) {
	p := newMemPersister()
	p.add(op("d", "p", 1))
	p.add(op("d", "p", 2))
	require.NoError(t, p.MarkInFlight(context.Background(), "d", "p:1", 1))
	p.add(op("e", "p", 1))
	_, _ = p.MarkAcked(context.Background(), "e", "p:1")

	var sent []string
	s := senderFunc(func(ctx context.Context, req *wire.DrainRequest) (*wire.DrainResponse, error) {
		sent = append(sent, req.DraftID+"/"+req.Operations[0].OpID)
		return acceptAll(ctx, req)
	})
	q := New(p, s, onlineGate())
	require.NoError(t, q.Load(context.Background()))
	assert.Equal(t, 2, q.Len())

	snap := q.Snapshot("d")
	assert.Equal(t, models.StatusPending, snap[0].Status)
	assert.Equal(t, 1, snap[0].Attempt)

	q.DrainOnce(context.Background())
	q.DrainOnce(context.Background())
	assert.Equal(t, []string{"d/p:1", "d/p:2"}, sent)
}

func TestQueue_AckIsIdempotent(t *testing.T) {
	p := newMemPersister()
	q := New(p, senderFunc(acceptAll), onlineGate())
	enqueue(q, p, op("d", "p", 1), op("d", "p", 2))
	ctx := context.Background()

	require.NoError(t, q.Ack(ctx, "d", "p:1"))
	require.NoError(t, q.Ack(ctx, "d", "p:1"))
	require.NoError(t, q.Ack(ctx, "d", "zz:9"))
	require.NoError(t, q.Ack(ctx, "x", "p:1"))

	snap := q.Snapshot("d")
	require.Len(t, snap, 1)
	assert.Equal(t, "p:2", snap[0].Op.OpID)
	assert.Equal(t, models.StatusAcked, p.get("p:1").Status)
}

func TestQueue_EnqueueDeduplicates(t *testing.T) {
	p := newMemPersister()
	q := New(p, senderFunc(acceptAll), onlineGate())
	o := op("d", "p", 1)
	q.Enqueue(o)
	q.Enqueue(o)
	assert.Equal(t, 1, q.Len())
}

func TestQueue_CancelIgnoresLateResponse(t *testing.T) {
	p := newMemPersister()
	started := make(chan struct{})
	release := make(chan struct{})
	s := senderFunc(func(ctx context.Context, req *wire.DrainRequest) (*wire.DrainResponse, error) {
		close(started)
		<-release
		return acceptAll(ctx, req)
	})
	q := New(p, s, onlineGate())
	enqueue(q, p, op("d", "p", 1))

	done := make(chan int)
	go func() { done <- q.DrainOnce(context.Background()) }()
	<-started
	q.Cancel("d")
	close(release)
	<-done

	assert.Equal(t, 0, q.Len())
	assert.Empty(t, q.Snapshot("d"))

	// A draft reopened after cancel starts fresh.
	enqueue(q, p, op("d", "p", 2))
	assert.Equal(t, 1, q.DrainOnce(context.Background()))
}

func TestQueue_CancelledDraftEmitsNoAck(t *testing.T) {
	p := newMemPersister()
	started := make(chan struct{})
	release := make(chan struct{})
	s := senderFunc(func(ctx context.Context, req *wire.DrainRequest) (*wire.DrainResponse, error) {
		close(started)
		<-release
		return acceptAll(ctx, req)
	})
	q := New(p, s, onlineGate())
	enqueue(q, p, op("d", "p", 1))

	done := make(chan int)
	go func() { done <- q.DrainOnce(context.Background()) }()
	<-started
	q.Cancel("d")
	close(release)
	<-done

	select {
	case ev := <-q.Events():
		t.Fatalf("unexpected %s event for a cancelled draft", ev.Kind)
	default:
	}
}

func TestQueue_AckDuringSendKeepsOneInFlight(t *testing.T) {
	p := newMemPersister()
	started := make(chan string, 4)
	release := make(chan struct{})
	var cur, peak atomic.Int32
	s := senderFunc(func(ctx context.Context, req *wire.DrainRequest) (*wire.DrainResponse, error) {
		n := cur.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		started <- req.Operations[0].OpID
		<-release
		cur.Add(-1)
		return acceptAll(ctx, req)
	})
	q := New(p, s, onlineGate())
	enqueue(q, p, op("d", "p", 1), op("d", "p", 2))
	ctx := context.Background()

	done := make(chan int)
	go func() { done <- q.DrainOnce(ctx) }()
	assert.Equal(t, "p:1", <-started)

	require.NoError(t, q.Ack(ctx, "d", "p:1"))
	assert.Equal(t, 0, q.DrainOnce(ctx), "the head is still being sent")
	snap := q.Snapshot("d")
	require.Len(t, snap, 2)
	assert.Equal(t, models.StatusAcked, snap[0].Status)

	close(release)
	assert.Equal(t, 1, <-done)
	ev := <-q.Events()
	assert.Equal(t, EventAcked, ev.Kind)
	assert.Equal(t, "p:1", ev.OpID)

	assert.Equal(t, 1, q.DrainOnce(ctx))
	assert.Equal(t, "p:2", <-started)
	assert.EqualValues(t, 1, peak.Load())
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, models.StatusAcked, p.get("p:2").Status)
}

type retryFailingPersister struct{ *memPersister }

func (retryFailingPersister) MarkRetry(context.Context, string, string, int, time.Time, string) error {
	return errors.New("disk I/O error")
}

func TestQueue_ShutdownLogsUnpersistedEntry(t *testing.T) {
	p := newMemPersister()
	var buf bytes.Buffer
	started := make(chan struct{})
	s := senderFunc(func(ctx context.Context, req *wire.DrainRequest) (*wire.DrainResponse, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	q := New(retryFailingPersister{p}, s, onlineGate(), WithLogger(logging.New(&buf, "json", "debug")))
	enqueue(q, p, op("d", "p", 1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int)
	go func() { done <- q.DrainOnce(ctx) }()
	<-started
	cancel()
	<-done

	assert.Contains(t, buf.String(), "failed to persist pending entry on shutdown")
	assert.Contains(t, buf.String(), "disk I/O error")
	snap := q.Snapshot("d")
	require.Len(t, snap, 1)
	assert.Equal(t, models.StatusPending, snap[0].Status)
}

type countingGate struct{ calls atomic.Int32 }

func (g *countingGate) Online() bool {
	g.calls.Add(1)
	return false
}

func TestQueue_RunWaitsWhileOffline(t *testing.T) {
	p := newMemPersister()
	g := &countingGate{}
	q := New(p, senderFunc(acceptAll), g, WithPollInterval(time.Second))
	enqueue(q, p, op("d", "p", 1))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, q.Run(ctx))

	assert.Less(t, g.calls.Load(), int32(10))
	assert.Equal(t, 1, q.Len())
}

func TestQueue_FanOutIsBounded(t *testing.T) {
	p := newMemPersister()
	var cur, peak atomic.Int32
	s := senderFunc(func(ctx context.Context, req *wire.DrainRequest) (*wire.DrainResponse, error) {
		n := cur.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		cur.Add(-1)
		return acceptAll(ctx, req)
	})
	q := New(p, s, onlineGate(), WithFanOut(2))
	for i := 0; i < 6; i++ {
		enqueue(q, p, op(fmt.Sprintf("d%d", i), "p", 1))
	}

	assert.Equal(t, 6, q.DrainOnce(context.Background()))
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 0, q.Len())
}

func TestQueue_OfflineSendsNothing(t *testing.T) {
	p := newMemPersister()
	var calls atomic.Int32
	s := senderFunc(func(ctx context.Context, req *wire.DrainRequest) (*wire.DrainResponse, error) {
		calls.Add(1)
		return acceptAll(ctx, req)
	})
	g := &gate{}
	q := New(p, s, g)
	enqueue(q, p, op("d", "p", 1))

	assert.Equal(t, 0, q.DrainOnce(context.Background()))
	assert.EqualValues(t, 0, calls.Load())

	g.online.Store(true)
	assert.Equal(t, 1, q.DrainOnce(context.Background()))
}

func TestQueue_RunDrainsUntilCancelled(t *testing.T) {
	p := newMemPersister()
	q := New(p, senderFunc(acceptAll), onlineGate(), WithPollInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- q.Run(ctx) }()

	enqueue(q, p, op("d", "p", 1), op("d", "p", 2))
	require.Eventually(t, func() bool {
		return p.get("p:2").Status == models.StatusAcked
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestQueue_SendsSinceVector(t *testing.T) {
	p := newMemPersister()
	var got models.VersionVector
	s := senderFunc(func(ctx context.Context, req *wire.DrainRequest) (*wire.DrainResponse, error) {
		got = req.SinceVersionVector
		return acceptAll(ctx, req)
	})
	q := New(p, s, onlineGate(), WithVectorSource(func(string) models.VersionVector {
		return models.VersionVector{"q": 3}
	}))
	enqueue(q, p, op("d", "p", 1))
	q.DrainOnce(context.Background())
	assert.Equal(t, models.VersionVector{"q": 3}, got)
}
