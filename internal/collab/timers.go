package collab

import (
	"container/heap"
	"time"
)

// taskHeap is the session's scheduled-task facility: a min-heap of deadlines
// drained by the session's own loop. Because scheduling, cancellation and
// firing all happen on that single goroutine, no timer can race a mutation.
type taskHeap struct {
	items []*task
	byKey map[string]*task
}

type task struct {
	key   string
	at    time.Time
	run   func()
	index int
}

func newTaskHeap() *taskHeap {
	return &taskHeap{byKey: make(map[string]*task)}
}

// schedule arms (or re-arms) the task for key at the given time. An existing
// task under the same key is replaced.
func (h *taskHeap) schedule(key string, at time.Time, run func()) {
	if existing, ok := h.byKey[key]; ok {
		existing.at = at
		existing.run = run
		heap.Fix((*taskOrder)(h), existing.index)
		return
	}
	t := &task{key: key, at: at, run: run}
	h.byKey[key] = t
	heap.Push((*taskOrder)(h), t)
}

// cancel removes the task for key, if any.
func (h *taskHeap) cancel(key string) {
	t, ok := h.byKey[key]
	if !ok {
		return
	}
	heap.Remove((*taskOrder)(h), t.index)
	delete(h.byKey, key)
}

// next returns the earliest deadline, if any task is armed.
func (h *taskHeap) next() (time.Time, bool) {
	if len(h.items) == 0 {
		return time.Time{}, false
	}
	return h.items[0].at, true
}

// fireDue pops and runs every task whose deadline has passed.
func (h *taskHeap) fireDue(now time.Time) {
	for len(h.items) > 0 && !h.items[0].at.After(now) {
		t := heap.Pop((*taskOrder)(h)).(*task)
		delete(h.byKey, t.key)
		t.run()
	}
}

// taskOrder adapts taskHeap to container/heap.
type taskOrder taskHeap

func (h *taskOrder) Len() int           { return len(h.items) }
func (h *taskOrder) Less(i, j int) bool { return h.items[i].at.Before(h.items[j].at) }

func (h *taskOrder) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *taskOrder) Push(x any) {
	t := x.(*task)
	t.index = len(h.items)
	h.items = append(h.items, t)
}

func (h *taskOrder) Pop() any {
	old := h.items
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	h.items = old[:n-1]
	return t
}
