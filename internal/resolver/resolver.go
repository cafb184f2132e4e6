// Package resolver reconciles concurrent field writes.
//
// Each field keeps the write with the greatest (timestamp, participantID)
// key. Operations from one participant must be applied in seq order; the
// version vector records how far each participant has been applied.
package resolver

import (
	"fmt"

	"github.com/dmitrijs2005/draftsync/internal/common"
	"github.com/dmitrijs2005/draftsync/internal/models"
)

// PendingWrites tells the resolver which local writes have not been
// acknowledged by the server yet.
type PendingWrites interface {
	IsPending(opID string) bool
}

// PendingSet is a PendingWrites backed by a set of op IDs.
type PendingSet map[string]struct{}

func (s PendingSet) IsPending(opID string) bool {
	_, ok := s[opID]
	return ok
}

// ConflictInfo describes a pending local write overridden by a remote one.
type ConflictInfo struct {
	OpID            string
	FieldPath       models.FieldPath
	SupersededValue models.Value
	WinningOpID     string
}

// Compare orders two LWW keys.
func Compare(a, b models.WriterKey) int {
	return a.Compare(b)
}

// Merge applies op to local and returns the resulting draft. local is not
// modified.
//
// An operation already covered by the version vector is a no-op and local
// is returned as is. An operation that skips ahead of its author's vector
// entry returns common.ErrOutOfOrder. An accepted operation always advances
// the vector even when its write loses to the current field value.
func Merge(local *models.Draft, op models.Operation, pending PendingWrites) (*models.Draft, *ConflictInfo, error) {
	if op.DraftID != local.ID {
		return nil, nil, fmt.Errorf("%w: operation for draft %s applied to %s", common.ErrMalformedOp, op.DraftID, local.ID)
	}
	if op.ParticipantID == "" || op.Seq < 1 {
		return nil, nil, fmt.Errorf("%w: %s", common.ErrMalformedOp, op.OpID)
	}

	have := local.VersionVector.Get(op.ParticipantID)
	if op.Seq <= have {
		return local, nil, nil
	}
	if op.Seq > have+1 {
		return nil, nil, fmt.Errorf("%w: %s after %s:%d", common.ErrOutOfOrder, op.OpID, op.ParticipantID, have)
	}

	out := local.Clone()
	out.VersionVector[op.ParticipantID] = op.Seq
	out.LocalVersion++
	if op.Timestamp > out.Clock {
		out.Clock = op.Timestamp
	}

	cur, exists := out.Fields[op.FieldPath]
	if exists && op.Key().Compare(cur.Writer) <= 0 {
		return out, nil, nil
	}

	var conflict *ConflictInfo
	if exists && pending != nil && cur.OpID != op.OpID && pending.IsPending(cur.OpID) {
		conflict = &ConflictInfo{
			OpID:            cur.OpID,
			FieldPath:       op.FieldPath,
			SupersededValue: cur.Value,
			WinningOpID:     op.OpID,
		}
	}
	out.Fields[op.FieldPath] = models.FieldState{Value: op.Value, Writer: op.Key(), OpID: op.OpID}
	return out, conflict, nil
}

// Superseded reports whether op's write was discarded in d, i.e. the field
// holds a different write with a greater key.
func Superseded(d *models.Draft, op models.Operation) bool {
	cur, ok := d.Fields[op.FieldPath]
	if !ok {
		return false
	}
	return cur.OpID != op.OpID && cur.Writer.Compare(op.Key()) > 0
}

// Replay rebuilds a draft from a base snapshot and its ordered log. Every
// entry is validated against schema; the first invalid or out-of-order
// entry yields a *common.CorruptStateError naming its log seq.
func Replay(base *models.Draft, entries []models.LogEntry, schema *models.Schema) (*models.Draft, error) {
	d := base.Clone()
	for _, e := range entries {
		if err := e.Op.Validate(schema); err != nil {
			return nil, &common.CorruptStateError{DraftID: base.ID, Seq: e.Seq, Err: err}
		}
		next, _, err := Merge(d, e.Op, nil)
		if err != nil {
			return nil, &common.CorruptStateError{DraftID: base.ID, Seq: e.Seq, Err: err}
		}
		d = next
	}
	return d, nil
}
