package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/dmitrijs2005/draftsync/internal/common"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapUnwrap_AllKinds(t *testing.T) {
	values := []Value{
		Text("Garden Hall"),
		Color("#1a2b3c"),
		ImageRef{Key: "covers/abc.png", Alt: "flowers"},
		Date{Year: 2026, Month: time.June, Day: 14},
	}
	for _, v := range values {
		env, err := Wrap(v)
		require.NoError(t, err)
		require.Equal(t, v.Kind(), env.Kind)

		out, err := env.Unwrap()
		require.NoError(t, err)
		require.Equal(t, v, out)
	}
}

func TestUnwrap_UnknownKind(t *testing.T) {
	_, err := Envelope{Kind: "audio", Data: json.RawMessage(`"x"`)}.Unwrap()
	require.Error(t, err)
}

func TestParseValue(t *testing.T) {
	v, err := ParseValue(KindDate, "2026-02-28")
	require.NoError(t, err)
	require.Equal(t, Date{Year: 2026, Month: time.February, Day: 28}, v)

	_, err = ParseValue(KindDate, "2026-02-30")
	require.Error(t, err)

	_, err = ParseValue(KindColor, "red")
	require.Error(t, err)

	_, err = ParseValue(KindImageRef, " ")
	require.Error(t, err)
}

func TestDate_ValidateRejectsOverflow(t *testing.T) {
	require.Error(t, Date{Year: 2025, Month: time.February, Day: 29}.Validate())
	require.NoError(t, Date{Year: 2024, Month: time.February, Day: 29}.Validate())
}

func TestSchema_Validate(t *testing.T) {
	s := DefaultSchema()

	require.NoError(t, s.Validate(FieldVenueName, Text("Beach Club")))
	require.NoError(t, s.Validate("custom.dressCode", Text("black tie")))

	err := s.Validate("venue", Text("x"))
	require.ErrorIs(t, err, common.ErrUnknownField)

	err = s.Validate(FieldPrimaryColor, Text("#ffffff"))
	require.ErrorIs(t, err, common.ErrFieldKindInvalid)

	err = s.Validate(FieldPrimaryColor, Color("white"))
	require.ErrorIs(t, err, common.ErrFieldKindInvalid)

	_, ok := s.Kind(CustomPrefix)
	assert.False(t, ok)
}

func TestOpID_RoundTrip(t *testing.T) {
	id := NewOpID("host:a", 12)
	require.Equal(t, "host:a:12", id)

	p, seq, err := ParseOpID(id)
	require.NoError(t, err)
	require.Equal(t, "host:a", p)
	require.Equal(t, int64(12), seq)

	for _, bad := range []string{"", "a", ":3", "a:", "a:0", "a:x"} {
		_, _, err := ParseOpID(bad)
		require.ErrorIs(t, err, common.ErrMalformedOp, bad)
	}
}

func TestWriterKey_Compare(t *testing.T) {
	a := WriterKey{Timestamp: 5, ParticipantID: "alice"}
	b := WriterKey{Timestamp: 5, ParticipantID: "bob"}
	c := WriterKey{Timestamp: 6, ParticipantID: "alice"}

	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, -1, b.Compare(c))
	assert.Equal(t, 0, a.Compare(a))
}

func TestOperation_Validate(t *testing.T) {
	op := Operation{
		OpID: "p1:1", DraftID: "d", FieldPath: FieldVenueName,
		Value: Text("x"), Timestamp: 1, ParticipantID: "p1", Seq: 1,
	}
	require.NoError(t, op.Validate(DefaultSchema()))

	bad := op
	bad.OpID = "p1:2"
	require.ErrorIs(t, bad.Validate(nil), common.ErrMalformedOp)

	bad = op
	bad.FieldPath = "nope"
	require.ErrorIs(t, bad.Validate(DefaultSchema()), common.ErrUnknownField)
}

func TestOperation_JSON(t *testing.T) {
	op := Operation{
		OpID: "p1:3", DraftID: "d", FieldPath: FieldCoverImage,
		Value: ImageRef{Key: "img/1"}, Timestamp: 9, ParticipantID: "p1", Seq: 3,
	}
	b, err := json.Marshal(op)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"kind":"image"`)

	var out Operation
	require.NoError(t, json.Unmarshal(b, &out))
	if diff := cmp.Diff(op, out); diff != "" {
		t.Fatalf("operation mismatch (-want +got):\n%s", diff)
	}
}

func TestDraft_JSONAndClone(t *testing.T) {
	d := NewDraft("d1")
	d.Fields[FieldVenueName] = FieldState{Value: Text("Garden Hall"), Writer: WriterKey{3, "a"}, OpID: "a:2"}
	d.Fields[FieldEventDate] = FieldState{Value: Date{2026, time.May, 1}, Writer: WriterKey{1, "b"}, OpID: "b:1"}
	d.VersionVector = VersionVector{"a": 2, "b": 1}
	d.LocalVersion = 3
	d.Clock = 3

	b, err := json.Marshal(d)
	require.NoError(t, err)

	var out Draft
	require.NoError(t, json.Unmarshal(b, &out))
	if diff := cmp.Diff(*d, out); diff != "" {
		t.Fatalf("draft mismatch (-want +got):\n%s", diff)
	}

	c := d.Clone()
	c.VersionVector["a"] = 9
	c.Fields[FieldMessage] = FieldState{Value: Text("hi")}
	assert.Equal(t, int64(2), d.VersionVector["a"])
	_, ok := d.Fields[FieldMessage]
	assert.False(t, ok)
	assert.Equal(t, []FieldPath{FieldEventDate, FieldVenueName}, d.Paths())
}

func TestVersionVector(t *testing.T) {
	v := VersionVector{"a": 2}
	o := VersionVector{"a": 1, "b": 3}

	assert.True(t, v.Covers("a", 2))
	assert.False(t, v.Covers("b", 1))
	assert.False(t, v.Dominates(o))

	v.Merge(o)
	assert.Equal(t, VersionVector{"a": 2, "b": 3}, v)
	assert.True(t, v.Dominates(o))
	assert.Equal(t, int64(5), v.Sum())
	assert.Equal(t, "{a:2,b:3}", v.String())
	assert.True(t, VersionVector{"x": 0}.Equal(nil))
	assert.True(t, VersionVector{"x": 0}.IsEmpty())
}

func TestOpStatus_Settled(t *testing.T) {
	assert.True(t, StatusAcked.Settled())
	assert.True(t, StatusApplied.Settled())
	assert.False(t, StatusPending.Settled())
	assert.False(t, StatusFailed.Settled())
}
