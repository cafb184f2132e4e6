package models

import (
	"fmt"
	"sort"

	"github.com/bytedance/sonic"
)

// FieldState is the current value of a field plus the write that set it.
type FieldState struct {
	Value  Value
	Writer WriterKey
	OpID   string
}

// Draft is one replica of an invitation draft. It is mutated only by
// applying operations.
type Draft struct {
	ID            string
	Fields        map[FieldPath]FieldState
	VersionVector VersionVector
	// LocalVersion counts the operations this replica has applied.
	LocalVersion int64
	// Clock is the Lamport clock used to stamp new local operations.
	Clock int64
}

// NewDraft returns an empty draft.
func NewDraft(id string) *Draft {
	return &Draft{
		ID:            id,
		Fields:        map[FieldPath]FieldState{},
		VersionVector: VersionVector{},
	}
}

// Clone returns a deep copy. Values are immutable so they are shared.
func (d *Draft) Clone() *Draft {
	out := &Draft{
		ID:            d.ID,
		Fields:        make(map[FieldPath]FieldState, len(d.Fields)),
		VersionVector: d.VersionVector.Clone(),
		LocalVersion:  d.LocalVersion,
		Clock:         d.Clock,
	}
	for p, f := range d.Fields {
		out.Fields[p] = f
	}
	return out
}

// NextOperation stamps the next local write by participantID: seq follows
// the participant's vector entry and the timestamp ticks the clock.
func (d *Draft) NextOperation(participantID string, path FieldPath, v Value) Operation {
	seq := d.VersionVector.Get(participantID) + 1
	return Operation{
		OpID:          NewOpID(participantID, seq),
		DraftID:       d.ID,
		FieldPath:     path,
		Value:         v,
		Timestamp:     d.Clock + 1,
		ParticipantID: participantID,
		Seq:           seq,
	}
}

// Value returns the current value of path.
func (d *Draft) Value(path FieldPath) (Value, bool) {
	f, ok := d.Fields[path]
	if !ok {
		return nil, false
	}
	return f.Value, true
}

// Values returns a path → value view of the draft.
func (d *Draft) Values() map[FieldPath]Value {
	out := make(map[FieldPath]Value, len(d.Fields))
	for p, f := range d.Fields {
		out[p] = f.Value
	}
	return out
}

// Paths returns the set field paths in lexical order.
func (d *Draft) Paths() []FieldPath {
	out := make([]FieldPath, 0, len(d.Fields))
	for p := range d.Fields {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type fieldStateJSON struct {
	Value         Envelope `json:"value"`
	Timestamp     int64    `json:"timestamp"`
	ParticipantID string   `json:"participantId"`
	OpID          string   `json:"opId"`
}

type draftJSON struct {
	ID            string                       `json:"id"`
	Fields        map[FieldPath]fieldStateJSON `json:"fields"`
	VersionVector VersionVector                `json:"versionVector"`
	LocalVersion  int64                        `json:"localVersion"`
	Clock         int64                        `json:"clock"`
}

func (d Draft) MarshalJSON() ([]byte, error) {
	dto := draftJSON{
		ID:            d.ID,
		Fields:        make(map[FieldPath]fieldStateJSON, len(d.Fields)),
		VersionVector: d.VersionVector,
		LocalVersion:  d.LocalVersion,
		Clock:         d.Clock,
	}
	if dto.VersionVector == nil {
		dto.VersionVector = VersionVector{}
	}
	for p, f := range d.Fields {
		env, err := Wrap(f.Value)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", p, err)
		}
		dto.Fields[p] = fieldStateJSON{
			Value:         env,
			Timestamp:     f.Writer.Timestamp,
			ParticipantID: f.Writer.ParticipantID,
			OpID:          f.OpID,
		}
	}
	return sonic.Marshal(dto)
}

func (d *Draft) UnmarshalJSON(b []byte) error {
	var dto draftJSON
	if err := sonic.Unmarshal(b, &dto); err != nil {
		return err
	}
	out := Draft{
		ID:            dto.ID,
		Fields:        make(map[FieldPath]FieldState, len(dto.Fields)),
		VersionVector: dto.VersionVector,
		LocalVersion:  dto.LocalVersion,
		Clock:         dto.Clock,
	}
	if out.VersionVector == nil {
		out.VersionVector = VersionVector{}
	}
	for p, f := range dto.Fields {
		v, err := f.Value.Unwrap()
		if err != nil {
			return fmt.Errorf("field %s: %w", p, err)
		}
		out.Fields[p] = FieldState{
			Value:  v,
			Writer: WriterKey{Timestamp: f.Timestamp, ParticipantID: f.ParticipantID},
			OpID:   f.OpID,
		}
	}
	*d = out
	return nil
}
