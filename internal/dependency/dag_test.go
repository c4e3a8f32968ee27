package dependency

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGraph_DetectCycleNone(t *testing.T) {
	g := NewGraph()
	g.AddEdge("state", "avg_power")
	g.AddEdge("avg_power", "raw_power")
	assert.Nil(t, g.DetectCycle())
}

func TestGraph_DetectCycleFound(t *testing.T) {
	g := NewGraph()
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")
	g.AddEdge("c", "a")

	cycle := g.DetectCycle()
	assert.NotNil(t, cycle)
	assert.Contains(t, cycle, "a")
	assert.Contains(t, cycle, "b")
	assert.Contains(t, cycle, "c")
}

func TestGraph_SelfReferenceIsACycle(t *testing.T) {
	g := NewGraph()
	g.AddEdge("a", "a")
	assert.NotNil(t, g.DetectCycle())
}
