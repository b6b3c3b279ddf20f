// Package blocks keeps undo/redo history for AI-generated content blocks.
package blocks

import (
	"strings"
	"sync"
)

// DefaultDepth is how many past versions a History keeps.
const DefaultDepth = 50

// History is a bounded undo/redo stack of block texts. The zero value is not
// usable; call NewHistory.
type History struct {
	depth   int
	past    []string
	current string
	has     bool
	future  []string
}

func NewHistory(depth int) *History {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &History{depth: depth}
}

// Push makes text the current version and clears the redo stack.
func (h *History) Push(text string) {
	if h.has {
		h.past = append(h.past, h.current)
		if len(h.past) > h.depth {
			h.past = h.past[len(h.past)-h.depth:]
		}
	}
	h.current = text
	h.has = true
	h.future = nil
}

// Undo steps back one version. ok is false when there is nothing to undo.
func (h *History) Undo() (text string, ok bool) {
	if len(h.past) == 0 {
		return h.current, false
	}
	h.future = append(h.future, h.current)
	h.current = h.past[len(h.past)-1]
	h.past = h.past[:len(h.past)-1]
	return h.current, true
}

func (h *History) Redo() (text string, ok bool) {
	if len(h.future) == 0 {
		return h.current, false
	}
	h.past = append(h.past, h.current)
	h.current = h.future[len(h.future)-1]
	h.future = h.future[:len(h.future)-1]
	return h.current, true
}

func (h *History) Current() (string, bool) { return h.current, h.has }

func (h *History) CanUndo() bool { return len(h.past) > 0 }

func (h *History) CanRedo() bool { return len(h.future) > 0 }

// Registry holds one History per plan field.
type Registry struct {
	mu      sync.Mutex
	depth   int
	history map[string]*History
}

func NewRegistry(depth int) *Registry {
	return &Registry{depth: depth, history: make(map[string]*History)}
}

// State describes a field's history after an operation.
type State struct {
	Text    string `json:"text"`
	CanUndo bool   `json:"canUndo"`
	CanRedo bool   `json:"canRedo"`
}

func (r *Registry) Push(planID, field, text string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.get(planID, field)
	h.Push(text)
	return state(h)
}

// Seed records text as the starting version of a field that has no history
// yet, so the first generated block can be undone back to it.
func (r *Registry) Seed(planID, field, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.get(planID, field)
	if _, ok := h.Current(); !ok {
		h.Push(text)
	}
}

func (r *Registry) Undo(planID, field string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.get(planID, field)
	_, ok := h.Undo()
	return state(h), ok
}

func (r *Registry) Redo(planID, field string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.get(planID, field)
	_, ok := h.Redo()
	return state(h), ok
}

// Forget drops every history of planID.
func (r *Registry) Forget(planID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := planID + "\x00"
	for key := range r.history {
		if strings.HasPrefix(key, prefix) {
			delete(r.history, key)
		}
	}
}

func (r *Registry) get(planID, field string) *History {
	key := planID + "\x00" + field
	h, ok := r.history[key]
	if !ok {
		h = NewHistory(r.depth)
		r.history[key] = h
	}
	return h
}

func state(h *History) State {
	text, _ := h.Current()
	return State{Text: text, CanUndo: h.CanUndo(), CanRedo: h.CanRedo()}
}
