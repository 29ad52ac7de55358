package channel

import (
	"sync"

	"github.com/takenet/lime-go/envelope"
)

type MessageListener interface {
	OnMessage(msg *envelope.Message)
}

type MessageListenerFunc func(msg *envelope.Message)

func (f MessageListenerFunc) OnMessage(msg *envelope.Message) { f(msg) }

type NotificationListener interface {
	OnNotification(not *envelope.Notification)
}

type NotificationListenerFunc func(not *envelope.Notification)

func (f NotificationListenerFunc) OnNotification(not *envelope.Notification) { f(not) }

type CommandListener interface {
	OnCommand(cmd *envelope.Command)
}

type CommandListenerFunc func(cmd *envelope.Command)

func (f CommandListenerFunc) OnCommand(cmd *envelope.Command) { f(cmd) }

type SessionListener interface {
	OnSession(session *envelope.Session)
}

type SessionListenerFunc func(session *envelope.Session)

func (f SessionListenerFunc) OnSession(session *envelope.Session) { f(session) }

type listenerEntry[T any] struct {
	fn   func(T)
	once bool
}

// listenerSet keeps registration order. Single receive entries are removed
// when taken, before they are invoked, so they fire at most once.
type listenerSet[T any] struct {
	lock    sync.Mutex
	entries []*listenerEntry[T]
}

func (s *listenerSet[T]) add(fn func(T), once bool) (remove func()) {
	entry := &listenerEntry[T]{fn: fn, once: once}

	s.lock.Lock()
	s.entries = append(s.entries, entry)
	s.lock.Unlock()

	return func() {
		s.remove(entry)
	}
}

func (s *listenerSet[T]) remove(entry *listenerEntry[T]) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	for i, e := range s.entries {
		if e == entry {
			s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (s *listenerSet[T]) take() []func(T) {
	s.lock.Lock()
	defer s.lock.Unlock()

	fns := make([]func(T), 0, len(s.entries))
	kept := s.entries[:0:0]
	for _, e := range s.entries {
		fns = append(fns, e.fn)
		if !e.once {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	return fns
}

func (s *listenerSet[T]) len() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.entries)
}
