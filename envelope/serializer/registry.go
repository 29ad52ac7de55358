package serializer

import (
	"fmt"
	"sync"

	"github.com/takenet/lime-go/envelope"
)

// DocumentFactory returns a fresh, empty document ready to be unmarshalled into
type DocumentFactory func() envelope.Document

type RegistryOption func(*DocumentRegistry)

// Strict makes a second registration of the same media type an error instead
// of replacing the previous factory
func Strict() RegistryOption {
	return func(r *DocumentRegistry) {
		r.strict = true
	}
}

type DocumentRegistry struct {
	lock      sync.RWMutex
	factories map[string]DocumentFactory
	strict    bool
}

// NewDocumentRegistry returns a registry that already knows the ping document
func NewDocumentRegistry(opts ...RegistryOption) *DocumentRegistry {
	r := &DocumentRegistry{
		factories: make(map[string]DocumentFactory),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.factories[envelope.MediaTypePing.Base()] = func() envelope.Document { return &envelope.Ping{} }
	return r
}

func (r *DocumentRegistry) Register(mediaType envelope.MediaType, factory DocumentFactory) error {
	if factory == nil {
		return fmt.Errorf("nil factory for %s", mediaType)
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	key := mediaType.Base()
	if _, ok := r.factories[key]; ok && r.strict {
		return fmt.Errorf("%w: %s", ErrDuplicateMediaType, key)
	}
	r.factories[key] = factory
	return nil
}

func (r *DocumentRegistry) lookup(mediaType envelope.MediaType) (DocumentFactory, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	factory, ok := r.factories[mediaType.Base()]
	return factory, ok
}
