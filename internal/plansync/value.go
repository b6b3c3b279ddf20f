package plansync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies which variant a Value holds.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindList
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindBool:
		return "bool"
	default:
		return "unknown"
	}
}

// Value is a single plan field value. The zero Value is null and stands for
// an absent field.
type Value struct {
	kind Kind
	str  string
	list []string
	b    bool
}

func String(s string) Value { return Value{kind: KindString, str: s} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// List copies items so later mutation by the caller does not leak into staged
// or remote state.
func List(items ...string) Value {
	cp := make([]string, len(items))
	copy(cp, items)
	return Value{kind: KindList, list: cp}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Str() string { return v.str }

func (v Value) BoolVal() bool { return v.b }

func (v Value) Items() []string {
	cp := make([]string, len(v.list))
	copy(cp, v.list)
	return cp
}

// Equal reports structural equality. Lists are compared as multisets unless
// ordered is true.
func (v Value) Equal(other Value, ordered bool) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == other.str
	case KindBool:
		return v.b == other.b
	case KindList:
		if len(v.list) != len(other.list) {
			return false
		}
		if ordered {
			for i := range v.list {
				if v.list[i] != other.list[i] {
					return false
				}
			}
			return true
		}
		counts := make(map[string]int, len(v.list))
		for _, item := range v.list {
			counts[item]++
		}
		for _, item := range other.list {
			counts[item]--
			if counts[item] < 0 {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindList:
		return "[" + strings.Join(v.list, ", ") + "]"
	default:
		return "<null>"
	}
}

// Sorted returns a list value with its items in lexical order. Non-list values
// are returned unchanged.
func (v Value) Sorted() Value {
	if v.kind != KindList {
		return v
	}
	out := List(v.list...)
	sort.Strings(out.list)
	return out
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindBool:
		return json.Marshal(v.b)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*v = Value{}
		return nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("decode string value: %w", err)
		}
		*v = String(s)
	case '[':
		var items []string
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return fmt.Errorf("decode list value: %w", err)
		}
		*v = List(items...)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return fmt.Errorf("decode bool value: %w", err)
		}
		*v = Bool(b)
	default:
		return fmt.Errorf("unsupported field value %s", string(trimmed))
	}
	return nil
}
