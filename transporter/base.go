package transporter

import (
	"sync"

	"github.com/takenet/lime-go/broadcaster"
	"github.com/takenet/lime-go/envelope"
	"github.com/takenet/lime-go/logger"
)

// Base holds what every transport implementation shares: the listener hub,
// once-only lifecycle notifications and the negotiated session options.
type Base struct {
	logger *logger.Logger
	states *broadcaster.Broadcaster[StateListener]

	// serializes deliveries so that envelopes queued before a listener was set
	// keep their order
	deliveryLock sync.Mutex
	listener     EnvelopeListener
	pending      []envelope.Envelope

	closingOnce sync.Once
	closedOnce  sync.Once

	optionsLock sync.RWMutex
	compression envelope.SessionCompression
	encryption  envelope.SessionEncryption
}

func NewBase(logger *logger.Logger) *Base {
	return &Base{
		logger:      logger,
		states:      broadcaster.New[StateListener](),
		compression: envelope.SessionCompressionNone,
		encryption:  envelope.SessionEncryptionNone,
	}
}

// SetEnvelopeListener replaces the listener and hands it anything received
// while no listener was set
func (b *Base) SetEnvelopeListener(listener EnvelopeListener) {
	b.deliveryLock.Lock()
	defer b.deliveryLock.Unlock()

	b.listener = listener
	if listener == nil {
		return
	}

	pending := b.pending
	b.pending = nil
	for _, env := range pending {
		listener.OnReceive(env)
	}
}

// Deliver is called by implementations for every decoded envelope
func (b *Base) Deliver(env envelope.Envelope) {
	b.deliveryLock.Lock()
	defer b.deliveryLock.Unlock()

	if b.listener == nil {
		b.pending = append(b.pending, env)
		return
	}
	b.listener.OnReceive(env)
}

func (b *Base) AddStateListener(listener StateListener, priority int) {
	b.states.Add(listener, priority)
}

func (b *Base) RemoveStateListener(listener StateListener) bool {
	return b.states.Remove(listener)
}

func (b *Base) RaiseClosing() {
	b.closingOnce.Do(func() {
		b.broadcast(func(l StateListener) error {
			l.OnClosing()
			return nil
		})
	})
}

func (b *Base) RaiseClosed() {
	b.closedOnce.Do(func() {
		b.broadcast(func(l StateListener) error {
			l.OnClosed()
			return nil
		})
	})
}

func (b *Base) RaiseException(err error) {
	b.broadcast(func(l StateListener) error {
		l.OnException(err)
		return nil
	})
}

func (b *Base) broadcast(fn func(StateListener) error) {
	if err := b.states.Broadcast(fn); err != nil {
		b.logger.Errorf("transport state listener failed: %s", err)
	}
}

func (b *Base) Compression() envelope.SessionCompression {
	b.optionsLock.RLock()
	defer b.optionsLock.RUnlock()
	return b.compression
}

func (b *Base) Encryption() envelope.SessionEncryption {
	b.optionsLock.RLock()
	defer b.optionsLock.RUnlock()
	return b.encryption
}

// UpdateCompression records an option the implementation has applied
func (b *Base) UpdateCompression(compression envelope.SessionCompression) {
	b.optionsLock.Lock()
	defer b.optionsLock.Unlock()
	b.compression = compression
}

func (b *Base) UpdateEncryption(encryption envelope.SessionEncryption) {
	b.optionsLock.Lock()
	defer b.optionsLock.Unlock()
	b.encryption = encryption
}
