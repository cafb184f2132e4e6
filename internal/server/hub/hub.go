// Package hub tracks which participants have a draft open over the realtime
// channel and fans frames out to them.
package hub

import (
	"sort"
	"sync"

	"github.com/dmitrijs2005/draftsync/internal/wire"
)

// DefaultBuffer is the number of frames a connection may have queued before
// it is dropped as too slow.
const DefaultBuffer = 256

// Conn is one client stream. Frames addressed to it are queued on Frames;
// Done is closed when the hub gives up on it.
type Conn struct {
	ParticipantID string

	frames    chan *wire.Frame
	done      chan struct{}
	closeOnce sync.Once
}

func (c *Conn) Frames() <-chan *wire.Frame { return c.frames }
func (c *Conn) Done() <-chan struct{}      { return c.done }

// Push queues f without blocking. A full queue closes the connection and
// reports false.
func (c *Conn) Push(f *wire.Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.frames <- f:
		return true
	default:
		c.close()
		return false
	}
}

// Free reports how many more frames can be queued before the connection
// is dropped.
func (c *Conn) Free() int {
	return cap(c.frames) - len(c.frames)
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

type room struct {
	conns map[*Conn]struct{}
}

// present counts the connections participantID has in the room.
func (r *room) present(participantID string) int {
	n := 0
	for c := range r.conns {
		if c.ParticipantID == participantID {
			n++
		}
	}
	return n
}

type Hub struct {
	mu     sync.Mutex
	rooms  map[string]*room
	joined map[*Conn]map[string]struct{}
	buffer int
}

func New(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		rooms:  make(map[string]*room),
		joined: make(map[*Conn]map[string]struct{}),
		buffer: buffer,
	}
}

// Connect registers a new stream for participantID.
func (h *Hub) Connect(participantID string) *Conn {
	c := &Conn{
		ParticipantID: participantID,
		frames:        make(chan *wire.Frame, h.buffer),
		done:          make(chan struct{}),
	}
	h.mu.Lock()
	h.joined[c] = make(map[string]struct{})
	h.mu.Unlock()
	return c
}

// Join adds c to draftID's room. The first connection of a participant is
// announced to the others with JOINED, and the joiner is told who is
// already there. Joining twice is a no-op.
func (h *Hub) Join(draftID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	drafts, ok := h.joined[c]
	if !ok {
		return
	}
	if _, ok := drafts[draftID]; ok {
		return
	}

	r, ok := h.rooms[draftID]
	if !ok {
		r = &room{conns: make(map[*Conn]struct{})}
		h.rooms[draftID] = r
	}

	first := r.present(c.ParticipantID) == 0
	seen := map[string]struct{}{c.ParticipantID: {}}
	for other := range r.conns {
		if first && other.ParticipantID != c.ParticipantID {
			other.Push(&wire.Frame{Type: wire.FrameJoined, DraftID: draftID, ParticipantID: c.ParticipantID})
		}
		if _, dup := seen[other.ParticipantID]; !dup {
			seen[other.ParticipantID] = struct{}{}
			c.Push(&wire.Frame{Type: wire.FrameJoined, DraftID: draftID, ParticipantID: other.ParticipantID})
		}
	}

	r.conns[c] = struct{}{}
	drafts[draftID] = struct{}{}
}

// Leave removes c from draftID's room, announcing LEAVE once the
// participant has no connection left there.
func (h *Hub) Leave(draftID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(draftID, c)
}

func (h *Hub) leaveLocked(draftID string, c *Conn) {
	r, ok := h.rooms[draftID]
	if !ok {
		return
	}
	if _, ok := r.conns[c]; !ok {
		return
	}
	delete(r.conns, c)
	delete(h.joined[c], draftID)

	if len(r.conns) == 0 {
		delete(h.rooms, draftID)
		return
	}
	if r.present(c.ParticipantID) > 0 {
		return
	}
	for other := range r.conns {
		other.Push(&wire.Frame{Type: wire.FrameLeave, DraftID: draftID, ParticipantID: c.ParticipantID})
	}
}

// Disconnect leaves every room c joined and closes it.
func (h *Hub) Disconnect(c *Conn) {
	h.mu.Lock()
	for draftID := range h.joined[c] {
		h.leaveLocked(draftID, c)
	}
	delete(h.joined, c)
	h.mu.Unlock()
	c.close()
}

// Broadcast queues f for every connection in draftID's room that does not
// belong to exceptParticipant.
func (h *Hub) Broadcast(draftID, exceptParticipant string, f *wire.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[draftID]; ok {
		for c := range r.conns {
			if c.ParticipantID != exceptParticipant {
				c.Push(f)
			}
		}
	}
}

// SendTo queues f for participantID's connections in draftID's room.
func (h *Hub) SendTo(draftID, participantID string, f *wire.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[draftID]; ok {
		for c := range r.conns {
			if c.ParticipantID == participantID {
				c.Push(f)
			}
		}
	}
}

// Present lists the participants with draftID open, sorted.
func (h *Hub) Present(draftID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[draftID]
	if !ok {
		return nil
	}
	set := map[string]struct{}{}
	for c := range r.conns {
		set[c.ParticipantID] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
