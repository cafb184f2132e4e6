package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/dmitrijs2005/draftsync/internal/models"
	"github.com/dmitrijs2005/draftsync/internal/resolver"
	"github.com/dmitrijs2005/draftsync/internal/wire"
)

var (
	ErrSessionClosed = errors.New("realtime session closed")
	ErrAlreadyOpen   = errors.New("realtime session already open for draft")
)

type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClosed     ConnectionState = "closed"
)

type EventKind int

const (
	EventOperation EventKind = iota
	EventSnapshot
	EventParticipantJoined
	EventParticipantLeft
	EventDisconnected
	EventAck
	EventConflict
)

func (k EventKind) String() string {
	switch k {
	case EventOperation:
		return "operation"
	case EventSnapshot:
		return "snapshot"
	case EventParticipantJoined:
		return "participant_joined"
	case EventParticipantLeft:
		return "participant_left"
	case EventDisconnected:
		return "disconnected"
	case EventAck:
		return "ack"
	case EventConflict:
		return "conflict"
	}
	return "unknown"
}

// Event is something the server told a session, or a local disconnect.
type Event struct {
	Kind          EventKind
	DraftID       string
	Op            *models.Operation
	Snapshot      *models.Draft
	ParticipantID string
	OpID          string
	Conflict      *resolver.ConflictInfo
	Err           error
}

// VectorFunc returns the version vector to announce when (re)joining.
type VectorFunc func(ctx context.Context) (models.VersionVector, error)

// Session is one draft's binding to the shared channel.
type Session struct {
	ParticipantID string
	DraftID       string

	mux    *Mux
	vector VectorFunc
	events chan Event
	done   chan struct{}

	mu        sync.Mutex
	state     ConnectionState
	lastKnown models.VersionVector
	closeOnce sync.Once
}

// Events delivers server frames for the draft. The channel is never
// closed; select on Done as well.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st ConnectionState) {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = st
	}
	s.mu.Unlock()
}

// LastKnownVersionVector is what the session has seen from the server.
func (s *Session) LastKnownVersionVector() models.VersionVector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastKnown.Clone()
}

func (s *Session) observe(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case ev.Snapshot != nil:
		s.lastKnown = ev.Snapshot.VersionVector.Clone()
	case ev.Op != nil:
		if s.lastKnown == nil {
			s.lastKnown = models.VersionVector{}
		}
		if ev.Op.Seq > s.lastKnown[ev.Op.ParticipantID] {
			s.lastKnown[ev.Op.ParticipantID] = ev.Op.Seq
		}
	}
}

func (s *Session) joinVector(ctx context.Context) models.VersionVector {
	if s.vector != nil {
		if vv, err := s.vector(ctx); err == nil {
			return vv
		}
	}
	return s.LastKnownVersionVector()
}

// deliver hands ev to the consumer, waiting while its buffer is full.
func (s *Session) deliver(ctx context.Context, ev Event) {
	s.observe(ev)
	select {
	case s.events <- ev:
	case <-s.done:
	case <-ctx.Done():
	}
}

// Send publishes a local operation to the other participants.
func (s *Session) Send(op models.Operation) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	return s.mux.sendOp(s, op)
}

// Resync re-joins with an empty vector, asking the server for a full
// snapshot.
func (s *Session) Resync() error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	s.mux.enqueue(&wire.Frame{Type: wire.FrameJoin, DraftID: s.DraftID, ParticipantID: s.ParticipantID, VersionVector: models.VersionVector{}})
	return nil
}

// Close leaves the draft. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		close(s.done)
		s.mux.leave(s)
	})
	return nil
}
