/*
Package transporter defines how envelopes move between two nodes. A
Transporter owns one connection, delivers every inbound envelope to a single
EnvelopeListener and reports its lifecycle to any number of StateListeners.
Implementations live in the tcp and websocket subpackages.
*/
package transporter

import (
	"context"
	"errors"
	"net/url"

	"github.com/takenet/lime-go/envelope"
)

var (
	ErrNotConnected           = errors.New("transport is not connected")
	ErrAlreadyOpen            = errors.New("transport is already open")
	ErrInvalidUri             = errors.New("invalid transport uri")
	ErrUnsupportedCompression = errors.New("unsupported compression")
	ErrUnsupportedEncryption  = errors.New("unsupported encryption")
)

// Priorities used when registering state listeners; lower goes first
const (
	PriorityProtocol    = 0
	PriorityApplication = 100
)

type Transporter interface {
	Open(ctx context.Context, uri *url.URL) error
	Send(env envelope.Envelope) error
	Close(reason error)
	Done() <-chan struct{}
	Err() error
	IsConnected() bool

	SetEnvelopeListener(listener EnvelopeListener)
	AddStateListener(listener StateListener, priority int)
	RemoveStateListener(listener StateListener) bool

	SupportedCompression() []envelope.SessionCompression
	Compression() envelope.SessionCompression
	SetCompression(ctx context.Context, compression envelope.SessionCompression) error
	SupportedEncryption() []envelope.SessionEncryption
	Encryption() envelope.SessionEncryption
	SetEncryption(ctx context.Context, encryption envelope.SessionEncryption) error

	LocalEndpoint() string
	RemoteEndpoint() string
}

type EnvelopeListener interface {
	OnReceive(env envelope.Envelope)
}

type EnvelopeListenerFunc func(env envelope.Envelope)

func (f EnvelopeListenerFunc) OnReceive(env envelope.Envelope) {
	f(env)
}

// StateListener is told once that the transport is closing, once that it is
// closed and about every exception in between
type StateListener interface {
	OnClosing()
	OnClosed()
	OnException(err error)
}

// TransportListener accepts transports opened by remote nodes
type TransportListener interface {
	Start(ctx context.Context, uri *url.URL) error
	Accept(ctx context.Context) (Transporter, error)
	Stop()
}
