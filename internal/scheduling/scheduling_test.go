package scheduling

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAssignToSelf_PrefersSelfWhenLive(t *testing.T) {
	p := AssignToSelf{}
	owner, ok := p.Assign("task-1", []string{"n1", "n2", "n3"}, "n2")
	assert.True(t, ok)
	assert.Equal(t, "n2", owner)
}

func TestAssignToSelf_FallsBackToFirstLive(t *testing.T) {
	p := AssignToSelf{}
	owner, ok := p.Assign("task-1", []string{"n1", "n3"}, "n2")
	assert.True(t, ok)
	assert.Equal(t, "n1", owner)
}

func TestAssignToSelf_NoLiveNodes(t *testing.T) {
	p := AssignToSelf{}
	_, ok := p.Assign("task-1", nil, "n2")
	assert.False(t, ok)
}

func TestRoundRobinLive_DeterministicAcrossCallers(t *testing.T) {
	p := RoundRobinLive{}
	live := []string{"n3", "n1", "n2"}

	a, okA := p.Assign("task-42", live, "n1")
	b, okB := p.Assign("task-42", []string{"n2", "n3", "n1"}, "n2")

	assert.True(t, okA)
	assert.True(t, okB)
	assert.Equal(t, a, b, "every node computing the reassignment independently must agree on the same owner")
}

func TestRoundRobinLive_NoLiveNodes(t *testing.T) {
	p := RoundRobinLive{}
	_, ok := p.Assign("task-1", nil, "n1")
	assert.False(t, ok)
}
