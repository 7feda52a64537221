package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop() (any, error) { return nil, nil }

func buildABC(t *testing.T) *DAG {
	t.Helper()
	d := New("abc")
	require.True(t, d.AddTask(NewTask("A", noop)))
	require.True(t, d.AddTask(NewTask("B", noop)))
	require.True(t, d.AddTask(NewTask("C", noop)))
	return d
}

func TestAddTaskDuplicateRejected(t *testing.T) {
	d := New("dup")
	require.True(t, d.AddTask(NewTask("A", noop)))
	assert.False(t, d.AddTask(NewTask("A", noop)))
	assert.False(t, d.AddTask(nil))
	assert.Equal(t, 1, d.TaskCount())
}

func TestAddDependencyBasics(t *testing.T) {
	d := buildABC(t)

	require.True(t, d.AddDependency("A", "B"))
	assert.False(t, d.AddDependency("A", "B"), "duplicate edge rejected")
	assert.False(t, d.AddDependency("A", "A"), "self edge rejected")
	assert.False(t, d.AddDependency("A", "missing"))
	assert.False(t, d.AddDependency("missing", "A"))

	b := d.GetTask("B")
	require.Len(t, b.Predecessors(), 1)
	assert.Equal(t, "A", b.Predecessors()[0].Name())
}

func TestCyclicEdgeRejectedAndRolledBack(t *testing.T) {
	d := buildABC(t)
	require.True(t, d.AddDependency("A", "B"))
	require.True(t, d.AddDependency("B", "C"))

	// Closing the loop must fail and leave the graph acyclic.
	assert.False(t, d.AddDependency("C", "A"))
	assert.False(t, d.HasCycle())

	a := d.GetTask("A")
	assert.Empty(t, a.Predecessors())
	c := d.GetTask("C")
	assert.Empty(t, c.Successors())
}

func TestRemoveDependency(t *testing.T) {
	d := buildABC(t)
	require.True(t, d.AddDependency("A", "B"))
	require.True(t, d.RemoveDependency("A", "B"))
	assert.False(t, d.RemoveDependency("A", "B"))
	assert.Empty(t, d.GetTask("B").Predecessors())
}

func TestRemoveTaskDetachesEdges(t *testing.T) {
	d := buildABC(t)
	require.True(t, d.AddDependency("A", "B"))
	require.True(t, d.AddDependency("B", "C"))

	require.True(t, d.RemoveTask("B"))
	assert.False(t, d.RemoveTask("B"))
	assert.Nil(t, d.GetTask("B"))
	assert.Empty(t, d.GetTask("A").Successors())
	assert.Empty(t, d.GetTask("C").Predecessors())
}

func TestEntryAndExitTasks(t *testing.T) {
	d := buildABC(t)
	require.True(t, d.AddDependency("A", "B"))
	require.True(t, d.AddDependency("B", "C"))

	entries := d.EntryTasks()
	require.Len(t, entries, 1)
	assert.Equal(t, "A", entries[0].Name())

	exits := d.ExitTasks()
	require.Len(t, exits, 1)
	assert.Equal(t, "C", exits[0].Name())
}

func TestTopologicalSort(t *testing.T) {
	d := New("topo")
	for _, n := range []string{"A", "B", "C", "D"} {
		require.True(t, d.AddTask(NewTask(n, noop)))
	}
	require.True(t, d.AddDependency("A", "C"))
	require.True(t, d.AddDependency("B", "C"))
	require.True(t, d.AddDependency("C", "D"))

	order := d.TopologicalSort()
	require.Len(t, order, 4)
	pos := map[string]int{}
	for i, task := range order {
		pos[task.Name()] = i
	}
	assert.Less(t, pos["A"], pos["C"])
	assert.Less(t, pos["B"], pos["C"])
	assert.Less(t, pos["C"], pos["D"])
}

func TestClear(t *testing.T) {
	d := buildABC(t)
	require.True(t, d.AddDependency("A", "B"))
	d.Clear()
	assert.True(t, d.IsEmpty())
	assert.Nil(t, d.GetTask("A"))
}

func TestBuilder(t *testing.T) {
	d := NewBuilder("pipeline").
		Task("extract", noop).
		Task("transform", noop).
		Task("load", noop).
		DependOn("extract", "transform").
		DependOn("transform", "load").
		Build()

	require.NotNil(t, d)
	assert.Equal(t, 3, d.TaskCount())
	assert.False(t, d.HasCycle())
}

func TestBuilderRejectsCycle(t *testing.T) {
	b := NewBuilder("loop").
		Task("x", noop).
		Task("y", noop).
		DependOn("x", "y").
		DependOn("y", "x") // dropped: would close a cycle

	// The invalid edge was never applied, so the build succeeds.
	assert.False(t, b.HasCycle())
	require.NotNil(t, b.Build())
}

func TestBuilderSkipsInvalidTasks(t *testing.T) {
	b := NewBuilder("partial").
		Task("", noop).
		Task("ok", nil).
		Task("real", noop).
		Task("real", noop)

	assert.Equal(t, 1, b.TaskCount())
}

func TestTaskRunRecordsResult(t *testing.T) {
	ok := NewTask("ok", func() (any, error) { return 42, nil })
	ok.run()
	assert.Equal(t, TaskFinished, ok.State())
	require.NotNil(t, ok.Result())
	assert.True(t, ok.Result().OK)
	assert.Equal(t, 42, ok.Result().Data)

	bad := NewTask("bad", func() (any, error) { panic("kaboom") })
	bad.run()
	assert.Equal(t, TaskFailed, bad.State())
	require.NotNil(t, bad.Result())
	assert.False(t, bad.Result().OK)
	assert.Contains(t, bad.Result().ErrMsg, "kaboom")
}
