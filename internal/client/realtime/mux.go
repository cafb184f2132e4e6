// Package realtime multiplexes every open draft session over one
// bidirectional gRPC stream.
//
// The Mux owns the stream. It dials, re-JOINs every open session after a
// reconnect, interleaves outgoing frames fairly across drafts and routes
// incoming frames to the session of their draft.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dmitrijs2005/draftsync/internal/logging"
	"github.com/dmitrijs2005/draftsync/internal/models"
	"github.com/dmitrijs2005/draftsync/internal/retry"
	"github.com/dmitrijs2005/draftsync/internal/wire"
)

// Stream is the client side of the channel. wire.ChannelClientStream
// satisfies it.
type Stream interface {
	Send(*wire.Frame) error
	Recv() (*wire.Frame, error)
	CloseSend() error
}

// Dialer opens a new stream. The stream must end when ctx is cancelled.
type Dialer func(ctx context.Context) (Stream, error)

type Mux struct {
	dial      Dialer
	policy    retry.Policy
	logger    logging.Logger
	eventsBuf int

	mu        sync.Mutex
	sessions  map[string]*Session
	out       *outbox
	connected bool
	wake      chan struct{}
}

type Option func(*Mux)

func WithPolicy(p retry.Policy) Option { return func(m *Mux) { m.policy = p } }

func WithLogger(l logging.Logger) Option { return func(m *Mux) { m.logger = l } }

// WithEventBuffer sizes each session's event channel.
func WithEventBuffer(n int) Option { return func(m *Mux) { m.eventsBuf = n } }

func New(dial Dialer, opts ...Option) *Mux {
	m := &Mux{
		dial:      dial,
		policy:    retry.DefaultPolicy(),
		logger:    logging.Nop{},
		eventsBuf: 256,
		sessions:  map[string]*Session{},
		out:       newOutbox(),
		wake:      make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.With("module", "realtime")
	return m
}

func (m *Mux) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Connected reports whether the shared stream is up.
func (m *Mux) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Open binds draftID to the channel. The server answers the JOIN with a
// snapshot or with the operations missing from the announced vector.
func (m *Mux) Open(ctx context.Context, draftID, participantID string, vector VectorFunc) (*Session, error) {
	s := &Session{
		ParticipantID: participantID,
		DraftID:       draftID,
		mux:           m,
		vector:        vector,
		events:        make(chan Event, m.eventsBuf),
		done:          make(chan struct{}),
		state:         StateConnecting,
	}

	m.mu.Lock()
	if _, ok := m.sessions[draftID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyOpen, draftID)
	}
	m.sessions[draftID] = s
	connected := m.connected
	m.mu.Unlock()

	if connected {
		m.enqueue(m.joinFrame(ctx, s))
	}
	return s, nil
}

// Session returns the open session of a draft.
func (m *Mux) Session(draftID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[draftID]
	return s, ok
}

func (m *Mux) joinFrame(ctx context.Context, s *Session) *wire.Frame {
	return &wire.Frame{
		Type:          wire.FrameJoin,
		DraftID:       s.DraftID,
		ParticipantID: s.ParticipantID,
		VersionVector: s.joinVector(ctx),
	}
}

func (m *Mux) enqueue(f *wire.Frame) {
	m.mu.Lock()
	m.out.push(f)
	m.mu.Unlock()
	m.signal()
}

func (m *Mux) sendOp(s *Session, op models.Operation) error {
	m.mu.Lock()
	if m.sessions[s.DraftID] != s {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	m.out.push(&wire.Frame{Type: wire.FrameOp, DraftID: s.DraftID, ParticipantID: s.ParticipantID, Op: &op})
	m.mu.Unlock()
	m.signal()
	return nil
}

func (m *Mux) leave(s *Session) {
	m.mu.Lock()
	if m.sessions[s.DraftID] == s {
		delete(m.sessions, s.DraftID)
	}
	m.out.dropDraft(s.DraftID)
	if m.connected {
		m.out.push(&wire.Frame{Type: wire.FrameLeave, DraftID: s.DraftID, ParticipantID: s.ParticipantID})
	}
	m.mu.Unlock()
	m.signal()
}

// Run keeps the shared stream up until ctx is done, reconnecting with
// backoff. Every drop is reported to the open sessions as a Disconnected
// event.
func (m *Mux) Run(ctx context.Context) error {
	attempt := 0
	for {
		dialed, err := m.serve(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if dialed {
			attempt = 0
		}
		m.disconnected(ctx, err)

		attempt++
		wait := m.policy.Delay(attempt)
		m.logger.Debug(ctx, "channel reconnect scheduled", "attempt", attempt, "wait", wait, "error", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (m *Mux) disconnected(ctx context.Context, cause error) {
	m.mu.Lock()
	m.connected = false
	m.out.resetControl()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.setState(StateConnecting)
		s.deliver(ctx, Event{Kind: EventDisconnected, DraftID: s.DraftID, Err: cause})
	}
}

// serve runs one stream until it fails. It reports whether dialing
// succeeded.
func (m *Mux) serve(ctx context.Context) (bool, error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := m.dial(sctx)
	if err != nil {
		return false, err
	}
	m.logger.Info(ctx, "channel connected")

	m.mu.Lock()
	m.connected = true
	m.out.resetControl()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		m.enqueue(m.joinFrame(sctx, s))
	}
	m.signal()

	errc := make(chan error, 2)
	go func() { errc <- m.readLoop(sctx, stream) }()
	go func() { errc <- m.writeLoop(sctx, stream) }()

	err = <-errc
	cancel()
	_ = stream.CloseSend()
	<-errc
	return true, err
}

func (m *Mux) writeLoop(ctx context.Context, stream Stream) error {
	for {
		m.mu.Lock()
		f, ok := m.out.pop()
		m.mu.Unlock()

		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.wake:
			}
			continue
		}

		if err := stream.Send(f); err != nil {
			return fmt.Errorf("send %s: %w", f.Type, err)
		}
		if f.Type == wire.FrameJoin {
			if s, ok := m.Session(f.DraftID); ok {
				s.setState(StateOpen)
			}
		}
	}
}

func (m *Mux) readLoop(ctx context.Context, stream Stream) error {
	for {
		f, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		m.dispatch(ctx, f)
	}
}

func (m *Mux) dispatch(ctx context.Context, f *wire.Frame) {
	s, ok := m.Session(f.DraftID)
	if !ok {
		m.logger.Debug(ctx, "frame for closed draft dropped", "type", string(f.Type), "draft_id", f.DraftID)
		return
	}

	ev := Event{DraftID: f.DraftID, ParticipantID: f.ParticipantID, OpID: f.OpID}
	switch f.Type {
	case wire.FrameStateSnapshot:
		if f.Snapshot == nil {
			return
		}
		ev.Kind, ev.Snapshot = EventSnapshot, f.Snapshot
	case wire.FrameOp:
		if f.Op == nil {
			return
		}
		ev.Kind, ev.Op = EventOperation, f.Op
	case wire.FrameAck:
		ev.Kind = EventAck
	case wire.FrameConflict:
		if f.Conflict == nil {
			return
		}
		info, err := f.Conflict.Info()
		if err != nil {
			m.logger.Warn(ctx, "bad conflict notice", "draft_id", f.DraftID, "error", err)
			return
		}
		ev.Kind, ev.Conflict, ev.OpID = EventConflict, &info, info.OpID
	case wire.FrameJoined:
		ev.Kind = EventParticipantJoined
	case wire.FrameLeave:
		ev.Kind = EventParticipantLeft
	default:
		m.logger.Warn(ctx, "unexpected frame", "type", string(f.Type))
		return
	}
	s.setState(StateOpen)
	s.deliver(ctx, ev)
}

// Close ends every session. Run must be stopped through its context.
func (m *Mux) Close() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}
}
