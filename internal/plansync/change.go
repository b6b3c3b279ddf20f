package plansync

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Op tags a staged change.
type Op int

const (
	OpSet Op = iota
	OpDelete
)

func (o Op) String() string {
	if o == OpDelete {
		return "delete"
	}
	return "set"
}

// Change is a tagged variant: either Set(Value) or Delete.
type Change struct {
	Op    Op
	Value Value
}

func Set(v Value) Change { return Change{Op: OpSet, Value: v} }

func Delete() Change { return Change{Op: OpDelete} }

// ChangeSet maps field keys to the change written for them.
type ChangeSet map[string]Change

// Sets returns the keys being set and their values.
func (cs ChangeSet) Sets() map[string]Value {
	out := make(map[string]Value)
	for key, change := range cs {
		if change.Op == OpSet {
			out[key] = change.Value
		}
	}
	return out
}

// Deletes returns the keys marked for removal, sorted.
func (cs ChangeSet) Deletes() []string {
	var out []string
	for key, change := range cs {
		if change.Op == OpDelete {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// Keys returns every key in the set, sorted.
func (cs ChangeSet) Keys() []string {
	out := make([]string, 0, len(cs))
	for key := range cs {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// Apply returns a copy of fields with cs applied.
func (cs ChangeSet) Apply(fields map[string]Value) map[string]Value {
	out := make(map[string]Value, len(fields)+len(cs))
	for key, value := range fields {
		out[key] = value
	}
	for key, change := range cs {
		if change.Op == OpDelete {
			delete(out, key)
			continue
		}
		out[key] = change.Value
	}
	return out
}

// Diff drops every staged change that would leave remote unchanged. A nil
// ordered compares every list as a multiset.
func Diff(staged ChangeSet, remote map[string]Value, ordered func(string) bool) ChangeSet {
	if ordered == nil {
		ordered = func(string) bool { return false }
	}
	out := make(ChangeSet)
	for key, change := range staged {
		current, exists := remote[key]
		switch change.Op {
		case OpDelete:
			if exists {
				out[key] = change
			}
		default:
			if !exists || !current.Equal(change.Value, ordered(key)) {
				out[key] = change
			}
		}
	}
	return out
}

// Patch is the wire form of a ChangeSet.
type Patch struct {
	Set    map[string]Value `json:"set,omitempty"`
	Delete []string         `json:"delete,omitempty"`
}

func (cs ChangeSet) Patch() Patch {
	return Patch{Set: cs.Sets(), Delete: cs.Deletes()}
}

// ChangeSet converts p back into its tagged form. A key may not be both set
// and deleted.
func (p Patch) ChangeSet() (ChangeSet, error) {
	out := make(ChangeSet, len(p.Set)+len(p.Delete))
	for key, value := range p.Set {
		if key == "" {
			return nil, fmt.Errorf("empty field key")
		}
		out[key] = Set(value)
	}
	for _, key := range p.Delete {
		if key == "" {
			return nil, fmt.Errorf("empty field key")
		}
		if _, ok := out[key]; ok {
			return nil, fmt.Errorf("field %q is both set and deleted", key)
		}
		out[key] = Delete()
	}
	return out, nil
}

func (cs ChangeSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(cs.Patch())
}
