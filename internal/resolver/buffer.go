package resolver

import (
	"sort"
	"sync"

	"github.com/dmitrijs2005/draftsync/internal/models"
)

// CausalBuffer holds back operations that arrived before their author's
// earlier operations, and releases them once the gap is filled.
type CausalBuffer struct {
	mu      sync.Mutex
	maxHeld int
	// draftID -> participantID -> seq -> op
	held map[string]map[string]map[int64]models.Operation
}

// NewCausalBuffer returns a buffer holding at most maxHeld operations per
// draft; zero means unbounded.
func NewCausalBuffer(maxHeld int) *CausalBuffer {
	return &CausalBuffer{
		maxHeld: maxHeld,
		held:    map[string]map[string]map[int64]models.Operation{},
	}
}

// Hold stores op until it becomes applicable. It returns false when the
// draft already holds maxHeld operations; the caller should then resync
// the draft from a snapshot.
func (b *CausalBuffer) Hold(op models.Operation) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	byP, ok := b.held[op.DraftID]
	if !ok {
		byP = map[string]map[int64]models.Operation{}
		b.held[op.DraftID] = byP
	}
	bySeq, ok := byP[op.ParticipantID]
	if !ok {
		bySeq = map[int64]models.Operation{}
		byP[op.ParticipantID] = bySeq
	}
	if _, dup := bySeq[op.Seq]; dup {
		return true
	}
	if b.maxHeld > 0 && b.countLocked(op.DraftID) >= b.maxHeld {
		return false
	}
	bySeq[op.Seq] = op
	return true
}

// Ready removes and returns the held operations of draftID that directly
// follow vv, in an order that applies cleanly. Operations already covered
// by vv are dropped.
func (b *CausalBuffer) Ready(draftID string, vv models.VersionVector) []models.Operation {
	b.mu.Lock()
	defer b.mu.Unlock()

	byP, ok := b.held[draftID]
	if !ok {
		return nil
	}

	participants := make([]string, 0, len(byP))
	for p := range byP {
		participants = append(participants, p)
	}
	sort.Strings(participants)

	var out []models.Operation
	for _, p := range participants {
		bySeq := byP[p]
		next := vv.Get(p) + 1
		for seq := range bySeq {
			if seq < next {
				delete(bySeq, seq)
			}
		}
		for {
			op, ok := bySeq[next]
			if !ok {
				break
			}
			out = append(out, op)
			delete(bySeq, next)
			next++
		}
		if len(bySeq) == 0 {
			delete(byP, p)
		}
	}
	if len(byP) == 0 {
		delete(b.held, draftID)
	}
	return out
}

// Len returns the number of operations held for draftID.
func (b *CausalBuffer) Len(draftID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.countLocked(draftID)
}

// Drop forgets everything held for draftID.
func (b *CausalBuffer) Drop(draftID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.held, draftID)
}

func (b *CausalBuffer) countLocked(draftID string) int {
	n := 0
	for _, bySeq := range b.held[draftID] {
		n += len(bySeq)
	}
	return n
}
