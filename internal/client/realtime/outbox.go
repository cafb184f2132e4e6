package realtime

import "github.com/dmitrijs2005/draftsync/internal/wire"

// outbox orders frames waiting for the shared stream. Control frames go
// first; data frames are taken one per draft in turn so a busy draft
// cannot starve the others.
type outbox struct {
	control []*wire.Frame
	data    map[string][]*wire.Frame
	turn    []string
}

func newOutbox() *outbox {
	return &outbox{data: map[string][]*wire.Frame{}}
}

func (o *outbox) push(f *wire.Frame) {
	if f.Type.IsControl() {
		o.control = append(o.control, f)
		return
	}
	if len(o.data[f.DraftID]) == 0 {
		o.turn = append(o.turn, f.DraftID)
	}
	o.data[f.DraftID] = append(o.data[f.DraftID], f)
}

func (o *outbox) pop() (*wire.Frame, bool) {
	if len(o.control) > 0 {
		f := o.control[0]
		o.control = o.control[1:]
		return f, true
	}
	for len(o.turn) > 0 {
		id := o.turn[0]
		o.turn = o.turn[1:]
		q := o.data[id]
		if len(q) == 0 {
			delete(o.data, id)
			continue
		}
		f := q[0]
		if len(q) > 1 {
			o.data[id] = q[1:]
			o.turn = append(o.turn, id)
		} else {
			delete(o.data, id)
		}
		return f, true
	}
	return nil, false
}

// dropDraft discards queued data frames of a draft.
func (o *outbox) dropDraft(draftID string) {
	delete(o.data, draftID)
	turn := o.turn[:0]
	for _, id := range o.turn {
		if id != draftID {
			turn = append(turn, id)
		}
	}
	o.turn = turn
}

func (o *outbox) resetControl() {
	o.control = nil
}

func (o *outbox) len() int {
	n := len(o.control)
	for _, q := range o.data {
		n += len(q)
	}
	return n
}
