package dag

import "sync"

// DAG is a named set of tasks plus the dependency edges between them. The
// graph is mutated while building and treated as read-only during execution;
// the mutex only guards the build phase.
type DAG struct {
	name string

	mu      sync.Mutex
	tasks   []*Task
	taskMap map[string]*Task
}

// New creates an empty graph.
func New(name string) *DAG {
	return &DAG{name: name, taskMap: make(map[string]*Task)}
}

// Name returns the graph's name.
func (d *DAG) Name() string { return d.name }

// AddTask inserts a task; duplicate names and nil tasks are rejected.
func (d *DAG) AddTask(t *Task) bool {
	if t == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.taskMap[t.name]; exists {
		return false
	}
	d.taskMap[t.name] = t
	d.tasks = append(d.tasks, t)
	return true
}

// RemoveTask deletes a task and detaches every edge touching it.
func (d *DAG) RemoveTask(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.taskMap[name]
	if !ok {
		return false
	}
	for _, p := range t.preds {
		p.succs = removeTaskRef(p.succs, t)
	}
	for _, s := range t.succs {
		s.preds = removeTaskRef(s.preds, t)
	}
	delete(d.taskMap, name)
	d.tasks = removeTaskRef(d.tasks, t)
	return true
}

// GetTask returns the task with the given name, nil if absent.
func (d *DAG) GetTask(name string) *Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.taskMap[name]
}

// Tasks returns the tasks in insertion order.
func (d *DAG) Tasks() []*Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Task, len(d.tasks))
	copy(out, d.tasks)
	return out
}

// TaskCount returns the number of tasks.
func (d *DAG) TaskCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

// IsEmpty reports whether the graph has no tasks.
func (d *DAG) IsEmpty() bool { return d.TaskCount() == 0 }

// AddDependency adds the edge predecessor → successor. Self-edges, duplicate
// edges, unknown names, and edges that would close a cycle are rejected; a
// rejected cycle edge is rolled back so the graph stays acyclic.
func (d *DAG) AddDependency(predecessor, successor string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	pred, ok := d.taskMap[predecessor]
	if !ok {
		return false
	}
	succ, ok := d.taskMap[successor]
	if !ok {
		return false
	}
	if pred == succ {
		return false
	}
	for _, p := range succ.preds {
		if p == pred {
			return false
		}
	}

	succ.preds = append(succ.preds, pred)
	pred.succs = append(pred.succs, succ)

	if d.hasCycleLocked() {
		succ.preds = removeTaskRef(succ.preds, pred)
		pred.succs = removeTaskRef(pred.succs, succ)
		return false
	}
	return true
}

// RemoveDependency deletes the edge predecessor → successor if present.
func (d *DAG) RemoveDependency(predecessor, successor string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	pred, ok := d.taskMap[predecessor]
	if !ok {
		return false
	}
	succ, ok := d.taskMap[successor]
	if !ok {
		return false
	}

	found := false
	for _, p := range succ.preds {
		if p == pred {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	succ.preds = removeTaskRef(succ.preds, pred)
	pred.succs = removeTaskRef(pred.succs, succ)
	return true
}

// HasCycle reports whether the graph contains a directed cycle.
func (d *DAG) HasCycle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hasCycleLocked()
}

func (d *DAG) hasCycleLocked() bool {
	visited := make(map[string]bool, len(d.tasks))
	onStack := make(map[string]bool, len(d.tasks))

	var walk func(t *Task) bool
	walk = func(t *Task) bool {
		visited[t.name] = true
		onStack[t.name] = true
		for _, s := range t.succs {
			if !visited[s.name] {
				if walk(s) {
					return true
				}
			} else if onStack[s.name] {
				return true
			}
		}
		onStack[t.name] = false
		return false
	}

	for _, t := range d.tasks {
		if !visited[t.name] && walk(t) {
			return true
		}
	}
	return false
}

// EntryTasks returns the tasks with no predecessors.
func (d *DAG) EntryTasks() []*Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Task
	for _, t := range d.tasks {
		if len(t.preds) == 0 {
			out = append(out, t)
		}
	}
	return out
}

// ExitTasks returns the tasks with no successors.
func (d *DAG) ExitTasks() []*Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Task
	for _, t := range d.tasks {
		if len(t.succs) == 0 {
			out = append(out, t)
		}
	}
	return out
}

// Clear removes every task and edge.
func (d *DAG) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.tasks {
		t.preds = nil
		t.succs = nil
	}
	d.tasks = nil
	d.taskMap = make(map[string]*Task)
}

// TopologicalSort returns the tasks in dependency order: every task appears
// after all of its predecessors. The result is unspecified if the graph has
// a cycle.
func (d *DAG) TopologicalSort() []*Task {
	d.mu.Lock()
	defer d.mu.Unlock()

	visited := make(map[string]bool, len(d.tasks))
	var order []*Task

	var walk func(t *Task)
	walk = func(t *Task) {
		visited[t.name] = true
		for _, s := range t.succs {
			if !visited[s.name] {
				walk(s)
			}
		}
		order = append(order, t)
	}

	for _, t := range d.tasks {
		if !visited[t.name] {
			walk(t)
		}
	}

	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order
}
