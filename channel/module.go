package channel

import (
	"sync"

	"github.com/takenet/lime-go/envelope"
)

// Module intercepts the envelopes of the kinds it is registered for.
// Returning nil from OnSending or OnReceiving stops the envelope there.
// Modules must be comparable, pointers are the usual choice.
type Module interface {
	OnStateChanged(state envelope.SessionState)
	OnSending(env envelope.Envelope) envelope.Envelope
	OnReceiving(env envelope.Envelope) envelope.Envelope
}

// BaseModule passes everything through and can be embedded to implement
// only what a module needs
type BaseModule struct{}

func (BaseModule) OnStateChanged(state envelope.SessionState) {}

func (BaseModule) OnSending(env envelope.Envelope) envelope.Envelope {
	return env
}

func (BaseModule) OnReceiving(env envelope.Envelope) envelope.Envelope {
	return env
}

// ModuleList is an ordered module registration. It may be changed while the
// channel is running a pipeline over it.
type ModuleList struct {
	lock    sync.RWMutex
	modules []Module
}

func (l *ModuleList) Add(module Module) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.modules = append(l.modules, module)
}

// Remove drops the first registration of module
func (l *ModuleList) Remove(module Module) bool {
	l.lock.Lock()
	defer l.lock.Unlock()

	for i, m := range l.modules {
		if m == module {
			l.modules = append(l.modules[:i:i], l.modules[i+1:]...)
			return true
		}
	}
	return false
}

func (l *ModuleList) Contains(module Module) bool {
	l.lock.RLock()
	defer l.lock.RUnlock()

	for _, m := range l.modules {
		if m == module {
			return true
		}
	}
	return false
}

func (l *ModuleList) Len() int {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return len(l.modules)
}

func (l *ModuleList) Snapshot() []Module {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return append([]Module(nil), l.modules...)
}

func sending(modules []Module, env envelope.Envelope) envelope.Envelope {
	for _, m := range modules {
		if env = m.OnSending(env); env == nil {
			return nil
		}
	}
	return env
}

func receiving(modules []Module, env envelope.Envelope) envelope.Envelope {
	for _, m := range modules {
		if env = m.OnReceiving(env); env == nil {
			return nil
		}
	}
	return env
}
