// Package broadcaster fans an event out to listeners grouped by priority.
// Lower priorities are served first; order inside a group is unspecified.
package broadcaster

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

type Broadcaster[T comparable] struct {
	lock      sync.Mutex
	listeners map[T]int
}

func New[T comparable]() *Broadcaster[T] {
	return &Broadcaster[T]{
		listeners: make(map[T]int),
	}
}

// Add registers a listener, moving it to the new priority if it is already known
func (b *Broadcaster[T]) Add(listener T, priority int) {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.listeners[listener] = priority
}

func (b *Broadcaster[T]) Remove(listener T) bool {
	b.lock.Lock()
	defer b.lock.Unlock()

	if _, ok := b.listeners[listener]; !ok {
		return false
	}
	delete(b.listeners, listener)
	return true
}

func (b *Broadcaster[T]) Len() int {
	b.lock.Lock()
	defer b.lock.Unlock()

	return len(b.listeners)
}

// Broadcast calls fn for every listener on a snapshot taken up front, so
// listeners may add or remove listeners while being notified. A failing or
// panicking listener does not stop the delivery to the others; their errors
// are joined.
func (b *Broadcaster[T]) Broadcast(fn func(T) error) error {
	var errs []error
	for _, group := range b.snapshot() {
		for _, listener := range group {
			if err := invoke(fn, listener); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (b *Broadcaster[T]) snapshot() [][]T {
	b.lock.Lock()
	defer b.lock.Unlock()

	groups := make(map[int][]T)
	for listener, priority := range b.listeners {
		groups[priority] = append(groups[priority], listener)
	}

	priorities := make([]int, 0, len(groups))
	for priority := range groups {
		priorities = append(priorities, priority)
	}
	sort.Ints(priorities)

	ordered := make([][]T, 0, len(priorities))
	for _, priority := range priorities {
		ordered = append(ordered, groups[priority])
	}
	return ordered
}

func invoke[T comparable](fn func(T) error, listener T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	return fn(listener)
}
