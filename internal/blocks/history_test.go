package blocks

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryUndoRedo(t *testing.T) {
	h := NewHistory(0)
	_, ok := h.Current()
	assert.False(t, ok)

	h.Push("v1")
	h.Push("v2")
	h.Push("v3")

	text, ok := h.Undo()
	require.True(t, ok)
	assert.Equal(t, "v2", text)
	text, _ = h.Undo()
	assert.Equal(t, "v1", text)
	_, ok = h.Undo()
	assert.False(t, ok)
	assert.True(t, h.CanRedo())

	text, ok = h.Redo()
	require.True(t, ok)
	assert.Equal(t, "v2", text)
}

func TestHistoryPushClearsRedo(t *testing.T) {
	h := NewHistory(0)
	h.Push("v1")
	h.Push("v2")
	h.Undo()

	h.Push("v3")

	assert.False(t, h.CanRedo())
	text, _ := h.Undo()
	assert.Equal(t, "v1", text)
}

func TestHistoryIsBounded(t *testing.T) {
	h := NewHistory(3)
	for i := 1; i <= 10; i++ {
		h.Push(fmt.Sprintf("v%d", i))
	}

	var undone []string
	for h.CanUndo() {
		text, _ := h.Undo()
		undone = append(undone, text)
	}
	assert.Equal(t, []string{"v9", "v8", "v7"}, undone)
}

func TestRegistryKeepsFieldsApart(t *testing.T) {
	r := NewRegistry(0)
	r.Push("pln_1", "m1s1_intro", "a1")
	r.Push("pln_1", "m1s1_intro", "a2")
	r.Push("pln_1", "m1s2_intro", "b1")
	r.Push("pln_2", "m1s1_intro", "c1")

	st, ok := r.Undo("pln_1", "m1s1_intro")
	require.True(t, ok)
	assert.Equal(t, State{Text: "a1", CanUndo: false, CanRedo: true}, st)

	_, ok = r.Undo("pln_1", "m1s2_intro")
	assert.False(t, ok)

	r.Forget("pln_1")
	_, ok = r.Redo("pln_1", "m1s1_intro")
	assert.False(t, ok)
	st, _ = r.Redo("pln_2", "m1s1_intro")
	assert.Equal(t, "c1", st.Text)
}

func TestRegistrySeedOnlyOnce(t *testing.T) {
	r := NewRegistry(0)
	r.Seed("pln_1", "intro", "hand written")
	r.Push("pln_1", "intro", "generated")
	r.Seed("pln_1", "intro", "ignored")

	st, ok := r.Undo("pln_1", "intro")
	require.True(t, ok)
	assert.Equal(t, "hand written", st.Text)
	assert.False(t, st.CanUndo)
}
