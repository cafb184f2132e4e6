package models

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dmitrijs2005/draftsync/internal/common"
)

// FieldPath names one editable field of a draft, e.g. "venueName".
type FieldPath string

// CustomPrefix is the namespace for free-form text fields added by hosts.
const CustomPrefix = "custom."

// Known field paths of an invitation draft.
const (
	FieldVenueName    FieldPath = "venueName"
	FieldVenueAddress FieldPath = "venueAddress"
	FieldEventDate    FieldPath = "eventDate"
	FieldHostNames    FieldPath = "hostNames"
	FieldMessage      FieldPath = "message"
	FieldRSVPDeadline FieldPath = "rsvpDeadline"
	FieldPrimaryColor FieldPath = "primaryColor"
	FieldAccentColor  FieldPath = "accentColor"
	FieldCoverImage   FieldPath = "coverImage"
	FieldTemplateID   FieldPath = "templateId"
)

// Schema maps field paths to the kind of value they accept.
type Schema struct {
	fields map[FieldPath]ValueKind
}

// NewSchema builds a schema from explicit field kinds. Paths under
// CustomPrefix are always accepted as text.
func NewSchema(fields map[FieldPath]ValueKind) *Schema {
	m := make(map[FieldPath]ValueKind, len(fields))
	for p, k := range fields {
		m[p] = k
	}
	return &Schema{fields: m}
}

// DefaultSchema is the invitation draft schema.
func DefaultSchema() *Schema {
	return NewSchema(map[FieldPath]ValueKind{
		FieldVenueName:    KindText,
		FieldVenueAddress: KindText,
		FieldEventDate:    KindDate,
		FieldHostNames:    KindText,
		FieldMessage:      KindText,
		FieldRSVPDeadline: KindDate,
		FieldPrimaryColor: KindColor,
		FieldAccentColor:  KindColor,
		FieldCoverImage:   KindImageRef,
		FieldTemplateID:   KindText,
	})
}

// Kind returns the expected kind of path.
func (s *Schema) Kind(path FieldPath) (ValueKind, bool) {
	if k, ok := s.fields[path]; ok {
		return k, true
	}
	if strings.HasPrefix(string(path), CustomPrefix) && len(path) > len(CustomPrefix) {
		return KindText, true
	}
	return "", false
}

// Validate checks that v may be written to path.
func (s *Schema) Validate(path FieldPath, v Value) error {
	kind, ok := s.Kind(path)
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrUnknownField, path)
	}
	if v == nil {
		return fmt.Errorf("%w: nil value for %s", common.ErrFieldKindInvalid, path)
	}
	if v.Kind() != kind {
		return fmt.Errorf("%w: %s wants %s, got %s", common.ErrFieldKindInvalid, path, kind, v.Kind())
	}
	if err := v.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", common.ErrFieldKindInvalid, path, err)
	}
	return nil
}

// Paths lists the known (non-custom) paths in lexical order.
func (s *Schema) Paths() []FieldPath {
	out := make([]FieldPath, 0, len(s.fields))
	for p := range s.fields {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
