package models

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/dmitrijs2005/draftsync/internal/common"
)

// WriterKey orders concurrent writes to the same field: the higher
// timestamp wins, ties go to the higher participant ID.
type WriterKey struct {
	Timestamp     int64
	ParticipantID string
}

// Compare returns -1, 0 or +1 as k sorts before, equal to or after o.
func (k WriterKey) Compare(o WriterKey) int {
	switch {
	case k.Timestamp < o.Timestamp:
		return -1
	case k.Timestamp > o.Timestamp:
		return 1
	}
	return strings.Compare(k.ParticipantID, o.ParticipantID)
}

// Operation is one immutable field write.
type Operation struct {
	OpID          string
	DraftID       string
	FieldPath     FieldPath
	Value         Value
	Timestamp     int64
	ParticipantID string
	Seq           int64
}

// NewOpID formats "<participantID>:<seq>".
func NewOpID(participantID string, seq int64) string {
	return participantID + ":" + strconv.FormatInt(seq, 10)
}

// ParseOpID splits an op ID into participant and seq. The participant part
// may itself contain colons; the seq is taken after the last one.
func ParseOpID(id string) (string, int64, error) {
	i := strings.LastIndexByte(id, ':')
	if i <= 0 || i == len(id)-1 {
		return "", 0, fmt.Errorf("%w: op id %q", common.ErrMalformedOp, id)
	}
	seq, err := strconv.ParseInt(id[i+1:], 10, 64)
	if err != nil || seq < 1 {
		return "", 0, fmt.Errorf("%w: op id %q", common.ErrMalformedOp, id)
	}
	return id[:i], seq, nil
}

// Key returns the LWW key of the write.
func (o Operation) Key() WriterKey {
	return WriterKey{Timestamp: o.Timestamp, ParticipantID: o.ParticipantID}
}

// Validate checks the operation's internal consistency and its value
// against schema.
func (o Operation) Validate(schema *Schema) error {
	if o.DraftID == "" || o.ParticipantID == "" {
		return fmt.Errorf("%w: missing draft or participant", common.ErrMalformedOp)
	}
	if o.Seq < 1 || o.Timestamp < 1 {
		return fmt.Errorf("%w: seq and timestamp must be positive", common.ErrMalformedOp)
	}
	if o.OpID != NewOpID(o.ParticipantID, o.Seq) {
		return fmt.Errorf("%w: op id %q does not match %s seq %d", common.ErrMalformedOp, o.OpID, o.ParticipantID, o.Seq)
	}
	if schema != nil {
		if err := schema.Validate(o.FieldPath, o.Value); err != nil {
			return err
		}
	}
	return nil
}

type operationJSON struct {
	OpID          string    `json:"opId"`
	DraftID       string    `json:"draftId"`
	FieldPath     FieldPath `json:"fieldPath"`
	Value         Envelope  `json:"value"`
	Timestamp     int64     `json:"timestamp"`
	ParticipantID string    `json:"participantId"`
	Seq           int64     `json:"seq"`
}

func (o Operation) MarshalJSON() ([]byte, error) {
	env, err := Wrap(o.Value)
	if err != nil {
		return nil, fmt.Errorf("operation %s: %w", o.OpID, err)
	}
	return sonic.Marshal(operationJSON{
		OpID:          o.OpID,
		DraftID:       o.DraftID,
		FieldPath:     o.FieldPath,
		Value:         env,
		Timestamp:     o.Timestamp,
		ParticipantID: o.ParticipantID,
		Seq:           o.Seq,
	})
}

func (o *Operation) UnmarshalJSON(b []byte) error {
	var dto operationJSON
	if err := sonic.Unmarshal(b, &dto); err != nil {
		return err
	}
	v, err := dto.Value.Unwrap()
	if err != nil {
		return fmt.Errorf("%w: operation %s: %v", common.ErrMalformedOp, dto.OpID, err)
	}
	*o = Operation{
		OpID:          dto.OpID,
		DraftID:       dto.DraftID,
		FieldPath:     dto.FieldPath,
		Value:         v,
		Timestamp:     dto.Timestamp,
		ParticipantID: dto.ParticipantID,
		Seq:           dto.Seq,
	}
	return nil
}
