package workflows

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateMachine(t *testing.T) {
	sm := NewStateMachine(map[string][]string{
		"open":   {"review", "closed"},
		"review": {"open", "closed"},
	})

	assert.True(t, sm.CanTransition("open", "review"))
	assert.True(t, sm.CanTransition("review", "open"))
	assert.False(t, sm.CanTransition("closed", "open"))
	assert.False(t, sm.CanTransition("unknown", "open"))

	assert.ElementsMatch(t, []string{"review", "closed"}, sm.GetAllowedTransitions("open"))
	assert.Empty(t, sm.GetAllowedTransitions("closed"))

	assert.True(t, sm.IsTerminal("closed"))
	assert.False(t, sm.IsTerminal("open"))
}

func TestStateMachineCopiesInput(t *testing.T) {
	graph := map[string][]string{"a": {"b"}}
	sm := NewStateMachine(graph)
	graph["a"][0] = "c"

	assert.True(t, sm.CanTransition("a", "b"))

	next := sm.GetAllowedTransitions("a")
	next[0] = "z"
	assert.True(t, sm.CanTransition("a", "b"))
}
