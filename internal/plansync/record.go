package plansync

import (
	"sort"
	"time"
)

// Record is a plan document as held by the remote store.
type Record struct {
	ID         string           `json:"id"`
	Fields     map[string]Value `json:"fields"`
	LastEdited time.Time        `json:"lastEdited"`
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	out := Record{ID: r.ID, LastEdited: r.LastEdited, Fields: make(map[string]Value, len(r.Fields))}
	for key, value := range r.Fields {
		if value.kind == KindList {
			value = List(value.list...)
		}
		out.Fields[key] = value
	}
	return out
}

// Keys returns the field keys of r in sorted order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r.Fields))
	for key := range r.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// sameRecord reports whether a and b are structurally identical, including
// lastEdited.
func sameRecord(a, b Record, ordered func(string) bool) bool {
	if !a.LastEdited.Equal(b.LastEdited) {
		return false
	}
	if len(a.Fields) != len(b.Fields) {
		return false
	}
	for key, av := range a.Fields {
		bv, ok := b.Fields[key]
		if !ok || !av.Equal(bv, ordered(key)) {
			return false
		}
	}
	return true
}

// Event is one delivery on a subscription stream. Exactly one of Record or Err
// is meaningful.
type Event struct {
	Record Record
	Err    error
}
