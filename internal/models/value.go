// Package models defines the draft, operation and field-value types shared by
// the client engine and the server.
package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// ValueKind classifies a field value.
type ValueKind string

const (
	KindText     ValueKind = "text"
	KindColor    ValueKind = "color"
	KindImageRef ValueKind = "image"
	KindDate     ValueKind = "date"
)

// Value is a closed sum type over the field kinds a draft can hold.
// Only the types in this package implement it.
type Value interface {
	Kind() ValueKind
	Validate() error
	String() string
	isValue()
}

// Text is free-form text (names, venue, message).
type Text string

func (Text) Kind() ValueKind  { return KindText }
func (Text) Validate() error  { return nil }
func (t Text) String() string { return string(t) }
func (Text) isValue()         {}

var colorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// Color is a "#rrggbb" hex color.
type Color string

func (Color) Kind() ValueKind { return KindColor }

func (c Color) Validate() error {
	if !colorPattern.MatchString(string(c)) {
		return fmt.Errorf("color %q is not #rrggbb", string(c))
	}
	return nil
}

func (c Color) String() string { return strings.ToLower(string(c)) }
func (Color) isValue()         {}

// ImageRef points at an uploaded asset; the bytes live behind the asset
// endpoint and the image cache tier.
type ImageRef struct {
	Key string `json:"key"`
	Alt string `json:"alt,omitempty"`
}

func (ImageRef) Kind() ValueKind { return KindImageRef }

func (r ImageRef) Validate() error {
	if strings.TrimSpace(r.Key) == "" {
		return fmt.Errorf("image reference without key")
	}
	return nil
}

func (r ImageRef) String() string { return r.Key }
func (ImageRef) isValue()         {}

// DateLayout is the wire and display layout for Date.
const DateLayout = "2006-01-02"

// Date is a calendar date without time of day.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate builds a Date from a time, discarding the clock part.
func NewDate(t time.Time) Date {
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

// ParseDate parses "2006-01-02".
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return NewDate(t), nil
}

func (Date) Kind() ValueKind { return KindDate }

func (d Date) Validate() error {
	if d.Month < time.January || d.Month > time.December || d.Day < 1 || d.Day > 31 {
		return fmt.Errorf("invalid date %04d-%02d-%02d", d.Year, d.Month, d.Day)
	}
	t := time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
	if t.Day() != d.Day {
		return fmt.Errorf("invalid date %04d-%02d-%02d", d.Year, d.Month, d.Day)
	}
	return nil
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (Date) isValue() {}

// Envelope is the encoded form of a Value: the kind tag plus the
// kind-specific payload.
type Envelope struct {
	Kind ValueKind       `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Wrap encodes v into an Envelope.
func Wrap(v Value) (Envelope, error) {
	if v == nil {
		return Envelope{}, fmt.Errorf("nil value")
	}
	var payload any
	switch x := v.(type) {
	case Text:
		payload = string(x)
	case Color:
		payload = string(x)
	case ImageRef:
		payload = x
	case Date:
		payload = x.String()
	default:
		return Envelope{}, fmt.Errorf("unsupported value type %T", v)
	}
	b, err := sonic.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: v.Kind(), Data: b}, nil
}

// Unwrap decodes the Envelope back into its Value.
func (e Envelope) Unwrap() (Value, error) {
	switch e.Kind {
	case KindText:
		var s string
		if err := sonic.Unmarshal(e.Data, &s); err != nil {
			return nil, err
		}
		return Text(s), nil
	case KindColor:
		var s string
		if err := sonic.Unmarshal(e.Data, &s); err != nil {
			return nil, err
		}
		return Color(s), nil
	case KindImageRef:
		var r ImageRef
		if err := sonic.Unmarshal(e.Data, &r); err != nil {
			return nil, err
		}
		return r, nil
	case KindDate:
		var s string
		if err := sonic.Unmarshal(e.Data, &s); err != nil {
			return nil, err
		}
		return ParseDate(s)
	default:
		return nil, fmt.Errorf("unknown value kind %q", e.Kind)
	}
}

// MarshalValue is Wrap followed by JSON encoding.
func MarshalValue(v Value) ([]byte, error) {
	env, err := Wrap(v)
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(env)
}

// UnmarshalValue decodes bytes produced by MarshalValue.
func UnmarshalValue(b []byte) (Value, error) {
	var env Envelope
	if err := sonic.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	return env.Unwrap()
}

// ParseValue builds a Value of the given kind from its textual form, as typed
// on a command line.
func ParseValue(kind ValueKind, s string) (Value, error) {
	var v Value
	switch kind {
	case KindText:
		v = Text(s)
	case KindColor:
		v = Color(s)
	case KindImageRef:
		v = ImageRef{Key: s}
	case KindDate:
		d, err := ParseDate(s)
		if err != nil {
			return nil, err
		}
		v = d
	default:
		return nil, fmt.Errorf("unknown value kind %q", kind)
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}
