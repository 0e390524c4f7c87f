// Package graph holds the declarative description of a workflow: the set
// of tasks, their dependencies, and their on_finish routing. The graph
// model never mutates once construction finishes; it is shared, read-only
// state handed to the scheduler (§4.1, §9 "Global mutable state").
package graph

import (
	"fmt"

	"github.com/rezkam/workflow-graph/internal/domain"
)

// Model is the declarative, immutable-after-construction task graph.
type Model struct {
	tasks map[string]domain.Task
	order []string
}

// New returns an empty Model. Populate it with AddTask before handing it to
// a scheduler.
func New() *Model {
	return &Model{tasks: make(map[string]domain.Task)}
}

// AddTask inserts task and transitively traverses its declared successors
// (programmatic tasks via Task.Successors, declarative tasks via
// Task.SuccessorIDs resolved against successorByID), adding every task
// reachable from it. A task id repeated anywhere in the closure is a
// configuration error (ErrDuplicateTask), matching the source's assertion
// that the same task object is never registered twice.
//
// successorByID resolves a declarative successor id to its Task
// definition; it is nil-safe; a declarative task whose successor id is not
// resolvable is simply not traversed here (it may be added independently,
// or supplied later — AddTask only need see each task once).
func (m *Model) AddTask(task domain.Task, successorByID func(id string) (domain.Task, bool)) error {
	return m.addTask(task, successorByID)
}

func (m *Model) addTask(task domain.Task, successorByID func(id string) (domain.Task, bool)) error {
	if _, exists := m.tasks[task.TaskID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateTask, task.TaskID)
	}
	m.tasks[task.TaskID] = task
	m.order = append(m.order, task.TaskID)

	if task.IsProgrammatic() {
		for _, next := range task.Successors() {
			if err := m.addTask(next, successorByID); err != nil {
				return err
			}
		}
		return nil
	}

	if successorByID == nil {
		return nil
	}
	for _, id := range task.SuccessorIDs() {
		if _, already := m.tasks[id]; already {
			continue
		}
		next, ok := successorByID(id)
		if !ok {
			continue
		}
		if err := m.addTask(next, successorByID); err != nil {
			return err
		}
	}
	return nil
}

// Task returns the declared task by id.
func (m *Model) Task(id string) (domain.Task, bool) {
	t, ok := m.tasks[id]
	return t, ok
}

// MustTask panics if id is not declared; used internally once a caller has
// already validated the id exists.
func (m *Model) MustTask(id string) domain.Task {
	t, ok := m.tasks[id]
	if !ok {
		panic("graph: unknown task " + id)
	}
	return t
}

// TaskIDs returns every declared task id, in insertion order.
func (m *Model) TaskIDs() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Len returns the number of declared tasks.
func (m *Model) Len() int {
	return len(m.order)
}

// Empty reports whether the graph has no declared tasks (ErrEmptyGraph).
func (m *Model) Empty() bool {
	return len(m.order) == 0
}
