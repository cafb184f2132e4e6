package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/draftsync/internal/models"
	"github.com/dmitrijs2005/draftsync/internal/resolver"
	"github.com/dmitrijs2005/draftsync/internal/retry"
	"github.com/dmitrijs2005/draftsync/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStream plays the server side of one connection.
type fakeStream struct {
	ctx  context.Context
	in   chan *wire.Frame
	out  chan *wire.Frame
	fail chan error

	once   sync.Once
	closed chan struct{}
}

func newFakeStream(ctx context.Context) *fakeStream {
	return &fakeStream{
		ctx:    ctx,
		in:     make(chan *wire.Frame, 16),
		out:    make(chan *wire.Frame, 64),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (s *fakeStream) Send(f *wire.Frame) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.out <- f:
		return nil
	}
}

func (s *fakeStream) Recv() (*wire.Frame, error) {
	select {
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	case err := <-s.fail:
		return nil, err
	case f := <-s.in:
		return f, nil
	}
}

func (s *fakeStream) CloseSend() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeServer struct {
	streams chan *fakeStream
	mu      sync.Mutex
	refuse  int
}

func newFakeServer() *fakeServer {
	return &fakeServer{streams: make(chan *fakeStream, 8)}
}

func (fs *fakeServer) dial(ctx context.Context) (Stream, error) {
	fs.mu.Lock()
	if fs.refuse > 0 {
		fs.refuse--
		fs.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	fs.mu.Unlock()
	s := newFakeStream(ctx)
	fs.streams <- s
	return s, nil
}

func (fs *fakeServer) next(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case s := <-fs.streams:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no connection")
		return nil
	}
}

func recvFrame(t *testing.T, s *fakeStream) *wire.Frame {
	t.Helper()
	select {
	case f := <-s.out:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame sent")
		return nil
	}
}

func nextEvent(t *testing.T, s *Session) Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return Event{}
	}
}

var fastPolicy = retry.Policy{Base: time.Millisecond, Max: 5 * time.Millisecond}

func startMux(t *testing.T, fs *fakeServer) (*Mux, context.CancelFunc) {
	t.Helper()
	m := New(fs.dial, WithPolicy(fastPolicy))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()
	return m, func() {
		cancel()
		<-done
	}
}

func fixedVector(vv models.VersionVector) VectorFunc {
	return func(context.Context) (models.VersionVector, error) { return vv, nil }
}

func TestMux_JoinAndSnapshot(t *testing.T) {
	fs := newFakeServer()
	m := New(fs.dial, WithPolicy(fastPolicy))
	s, err := m.Open(context.Background(), "d1", "alice", fixedVector(nil))
	require.NoError(t, err)
	assert.Equal(t, StateConnecting, s.State())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	st := fs.next(t)
	join := recvFrame(t, st)
	assert.Equal(t, wire.FrameJoin, join.Type)
	assert.Equal(t, "d1", join.DraftID)
	assert.Equal(t, "alice", join.ParticipantID)
	assert.Empty(t, join.VersionVector)

	snap := models.NewDraft("d1")
	snap.VersionVector["bob"] = 3
	st.in <- &wire.Frame{Type: wire.FrameStateSnapshot, DraftID: "d1", Snapshot: snap}

	ev := nextEvent(t, s)
	assert.Equal(t, EventSnapshot, ev.Kind)
	assert.Equal(t, snap, ev.Snapshot)
	assert.Equal(t, StateOpen, s.State())
	assert.Equal(t, models.VersionVector{"bob": 3}, s.LastKnownVersionVector())

	_, err = m.Open(context.Background(), "d1", "alice", nil)
	assert.ErrorIs(t, err, ErrAlreadyOpen)
}

func TestMux_DispatchesFrames(t *testing.T) {
	fs := newFakeServer()
	m, stop := startMux(t, fs)
	defer stop()

	st := fs.next(t)
	require.Eventually(t, m.Connected, time.Second, time.Millisecond)
	s, err := m.Open(context.Background(), "d1", "alice", fixedVector(models.VersionVector{"alice": 1}))
	require.NoError(t, err)
	join := recvFrame(t, st)
	assert.Equal(t, models.VersionVector{"alice": 1}, join.VersionVector)

	op := models.Operation{
		OpID: "bob:1", DraftID: "d1", FieldPath: models.FieldVenueName,
		Value: models.Text("Garden Hall"), Timestamp: 5, ParticipantID: "bob", Seq: 1,
	}
	notice, err := wire.NewConflictNotice(resolver.ConflictInfo{
		OpID: "alice:2", FieldPath: models.FieldVenueName,
		SupersededValue: models.Text("Beach Club"), WinningOpID: "bob:1",
	})
	require.NoError(t, err)

	st.in <- &wire.Frame{Type: wire.FrameJoined, DraftID: "d1", ParticipantID: "bob"}
	st.in <- &wire.Frame{Type: wire.FrameOp, DraftID: "d1", Op: &op}
	st.in <- &wire.Frame{Type: wire.FrameAck, DraftID: "d1", OpID: "alice:2"}
	st.in <- &wire.Frame{Type: wire.FrameConflict, DraftID: "d1", Conflict: notice}
	st.in <- &wire.Frame{Type: wire.FrameOp, DraftID: "other", Op: &op}
	st.in <- &wire.Frame{Type: wire.FrameLeave, DraftID: "d1", ParticipantID: "bob"}

	ev := nextEvent(t, s)
	assert.Equal(t, EventParticipantJoined, ev.Kind)
	assert.Equal(t, "bob", ev.ParticipantID)

	ev = nextEvent(t, s)
	assert.Equal(t, EventOperation, ev.Kind)
	assert.Equal(t, op, *ev.Op)

	ev = nextEvent(t, s)
	assert.Equal(t, EventAck, ev.Kind)
	assert.Equal(t, "alice:2", ev.OpID)

	ev = nextEvent(t, s)
	assert.Equal(t, EventConflict, ev.Kind)
	require.NotNil(t, ev.Conflict)
	assert.Equal(t, models.Text("Beach Club"), ev.Conflict.SupersededValue)

	ev = nextEvent(t, s)
	assert.Equal(t, EventParticipantLeft, ev.Kind)

	assert.Equal(t, models.VersionVector{"bob": 1}, s.LastKnownVersionVector())
}

func TestMux_ReconnectRejoins(t *testing.T) {
	fs := newFakeServer()
	fs.refuse = 2
	vv := models.VersionVector{}
	var mu sync.Mutex
	vector := func(context.Context) (models.VersionVector, error) {
		mu.Lock()
		defer mu.Unlock()
		return vv.Clone(), nil
	}

	m := New(fs.dial, WithPolicy(fastPolicy))
	s, err := m.Open(context.Background(), "d1", "alice", vector)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	// Refused dials are reported as disconnects.
	assert.Equal(t, EventDisconnected, nextEvent(t, s).Kind)
	assert.Equal(t, EventDisconnected, nextEvent(t, s).Kind)

	st := fs.next(t)
	assert.Equal(t, wire.FrameJoin, recvFrame(t, st).Type)

	mu.Lock()
	vv["alice"] = 4
	mu.Unlock()
	st.fail <- errors.New("stream reset")

	ev := nextEvent(t, s)
	assert.Equal(t, EventDisconnected, ev.Kind)
	assert.Error(t, ev.Err)

	st2 := fs.next(t)
	join := recvFrame(t, st2)
	assert.Equal(t, wire.FrameJoin, join.Type)
	assert.Equal(t, models.VersionVector{"alice": 4}, join.VersionVector)
}

func TestMux_SendAndClose(t *testing.T) {
	fs := newFakeServer()
	m, stop := startMux(t, fs)
	defer stop()

	st := fs.next(t)
	require.Eventually(t, m.Connected, time.Second, time.Millisecond)
	s, err := m.Open(context.Background(), "d1", "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, wire.FrameJoin, recvFrame(t, st).Type)

	op := models.Operation{OpID: "alice:1", DraftID: "d1", FieldPath: models.FieldMessage, Value: models.Text("hi"), Timestamp: 1, ParticipantID: "alice", Seq: 1}
	require.NoError(t, s.Send(op))
	f := recvFrame(t, st)
	assert.Equal(t, wire.FrameOp, f.Type)
	assert.Equal(t, "alice:1", f.Op.OpID)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	f = recvFrame(t, st)
	assert.Equal(t, wire.FrameLeave, f.Type)
	assert.Equal(t, StateClosed, s.State())
	assert.ErrorIs(t, s.Send(op), ErrSessionClosed)

	_, ok := m.Session("d1")
	assert.False(t, ok)

	// The draft can be reopened.
	_, err = m.Open(context.Background(), "d1", "alice", nil)
	require.NoError(t, err)
}

func TestOutbox_ControlFirstThenRoundRobin(t *testing.T) {
	o := newOutbox()
	data := func(d, id string) *wire.Frame {
		return &wire.Frame{Type: wire.FrameOp, DraftID: d, OpID: id}
	}
	o.push(data("busy", "b1"))
	o.push(data("busy", "b2"))
	o.push(data("busy", "b3"))
	o.push(data("quiet", "q1"))
	o.push(&wire.Frame{Type: wire.FrameJoin, DraftID: "new"})
	o.push(data("third", "t1"))
	assert.Equal(t, 6, o.len())

	var got []string
	for {
		f, ok := o.pop()
		if !ok {
			break
		}
		if f.Type == wire.FrameJoin {
			got = append(got, "JOIN")
			continue
		}
		got = append(got, f.OpID)
	}
	assert.Equal(t, []string{"JOIN", "b1", "q1", "t1", "b2", "b3"}, got)
}

func TestOutbox_DropDraft(t *testing.T) {
	o := newOutbox()
	o.push(&wire.Frame{Type: wire.FrameOp, DraftID: "a", OpID: "a1"})
	o.push(&wire.Frame{Type: wire.FrameOp, DraftID: "b", OpID: "b1"})
	o.dropDraft("a")
	o.push(&wire.Frame{Type: wire.FrameOp, DraftID: "a", OpID: "a2"})

	f, _ := o.pop()
	assert.Equal(t, "b1", f.OpID)
	f, _ = o.pop()
	assert.Equal(t, "a2", f.OpID)
	_, ok := o.pop()
	assert.False(t, ok)
}
