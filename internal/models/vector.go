package models

import (
	"fmt"
	"sort"
	"strings"
)

// VersionVector maps participantID to the highest operation seq applied from
// that participant.
type VersionVector map[string]int64

// Get returns the entry for p, zero when absent.
func (v VersionVector) Get(p string) int64 {
	if v == nil {
		return 0
	}
	return v[p]
}

// Clone returns an independent copy; a nil vector clones to an empty one.
func (v VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(v))
	for k, n := range v {
		out[k] = n
	}
	return out
}

// Covers reports whether the operation p:seq is already reflected.
func (v VersionVector) Covers(p string, seq int64) bool {
	return seq <= v.Get(p)
}

// Dominates reports whether v has seen at least everything o has seen.
func (v VersionVector) Dominates(o VersionVector) bool {
	for p, n := range o {
		if v.Get(p) < n {
			return false
		}
	}
	return true
}

// Merge raises every entry of v to at least the corresponding entry of o.
func (v VersionVector) Merge(o VersionVector) {
	for p, n := range o {
		if n > v[p] {
			v[p] = n
		}
	}
}

// Sum is the total number of operations reflected.
func (v VersionVector) Sum() int64 {
	var s int64
	for _, n := range v {
		s += n
	}
	return s
}

// Equal compares two vectors treating missing entries as zero.
func (v VersionVector) Equal(o VersionVector) bool {
	return v.Dominates(o) && o.Dominates(v)
}

// IsEmpty reports whether nothing has been seen.
func (v VersionVector) IsEmpty() bool {
	for _, n := range v {
		if n > 0 {
			return false
		}
	}
	return true
}

// Participants returns the participant IDs in lexical order.
func (v VersionVector) Participants() []string {
	out := make([]string, 0, len(v))
	for p := range v {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (v VersionVector) String() string {
	parts := make([]string, 0, len(v))
	for _, p := range v.Participants() {
		parts = append(parts, fmt.Sprintf("%s:%d", p, v[p]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}
