package dag

// Builder assembles a graph with a chainable API. Invalid additions (empty
// names, nil bodies, duplicate tasks, cycle-closing edges) are dropped
// silently; Build returns nil if the accumulated graph is cyclic.
type Builder struct {
	dag *DAG
}

// NewBuilder creates a builder for a graph with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{dag: New(name)}
}

// Task adds a function task by name.
func (b *Builder) Task(name string, fn TaskFunc) *Builder {
	if name == "" || fn == nil {
		return b
	}
	if b.dag.GetTask(name) != nil {
		return b
	}
	b.dag.AddTask(NewTask(name, fn))
	return b
}

// Add inserts a prebuilt task.
func (b *Builder) Add(t *Task) *Builder {
	if t != nil {
		b.dag.AddTask(t)
	}
	return b
}

// DependOn records that successor waits for predecessor.
func (b *Builder) DependOn(predecessor, successor string) *Builder {
	if predecessor == "" || successor == "" {
		return b
	}
	b.dag.AddDependency(predecessor, successor)
	return b
}

// Build returns the assembled graph, nil if it contains a cycle.
func (b *Builder) Build() *DAG {
	if b.dag.HasCycle() {
		return nil
	}
	return b.dag
}

// Reset discards the accumulated graph, keeping the name.
func (b *Builder) Reset() *Builder {
	b.dag = New(b.dag.Name())
	return b
}

// HasCycle reports whether the graph built so far is cyclic.
func (b *Builder) HasCycle() bool { return b.dag.HasCycle() }

// TaskCount returns the number of tasks added so far.
func (b *Builder) TaskCount() int { return b.dag.TaskCount() }
