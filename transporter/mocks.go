package transporter

import (
	"context"
	"net/url"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/takenet/lime-go/envelope"
	"github.com/takenet/lime-go/logger"
)

// MockTransporter records what is sent and lets tests inject inbound traffic.
// Send, Open, SetCompression and SetEncryption go through testify so callers
// stub them with On; the lifecycle is real.
type MockTransporter struct {
	mock.Mock
	*Base

	lock      sync.Mutex
	sent      []envelope.Envelope
	connected bool
	closeErr  error
	done      chan struct{}
	closeOnce sync.Once
}

func NewMockTransporter(logger *logger.Logger) *MockTransporter {
	return &MockTransporter{
		Base:      NewBase(logger),
		connected: true,
		done:      make(chan struct{}),
	}
}

func (m *MockTransporter) Open(ctx context.Context, uri *url.URL) error {
	args := m.Called(ctx, uri)
	return args.Error(0)
}

func (m *MockTransporter) Send(env envelope.Envelope) error {
	m.lock.Lock()
	m.sent = append(m.sent, env)
	m.lock.Unlock()

	args := m.Called(env)
	return args.Error(0)
}

func (m *MockTransporter) Close(reason error) {
	m.closeOnce.Do(func() {
		m.lock.Lock()
		m.connected = false
		m.closeErr = reason
		m.lock.Unlock()

		m.RaiseClosing()
		m.RaiseClosed()
		close(m.done)
	})
}

func (m *MockTransporter) Done() <-chan struct{} {
	return m.done
}

func (m *MockTransporter) Err() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.closeErr
}

func (m *MockTransporter) IsConnected() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.connected
}

func (m *MockTransporter) SupportedCompression() []envelope.SessionCompression {
	return []envelope.SessionCompression{envelope.SessionCompressionNone}
}

func (m *MockTransporter) SetCompression(ctx context.Context, compression envelope.SessionCompression) error {
	args := m.Called(ctx, compression)
	if err := args.Error(0); err != nil {
		return err
	}
	m.UpdateCompression(compression)
	return nil
}

func (m *MockTransporter) SupportedEncryption() []envelope.SessionEncryption {
	return []envelope.SessionEncryption{envelope.SessionEncryptionNone, envelope.SessionEncryptionTLS}
}

func (m *MockTransporter) SetEncryption(ctx context.Context, encryption envelope.SessionEncryption) error {
	args := m.Called(ctx, encryption)
	if err := args.Error(0); err != nil {
		return err
	}
	m.UpdateEncryption(encryption)
	return nil
}

func (m *MockTransporter) LocalEndpoint() string {
	return "mock://local"
}

func (m *MockTransporter) RemoteEndpoint() string {
	return "mock://remote"
}

// Receive injects an inbound envelope as if it came off the wire
func (m *MockTransporter) Receive(env envelope.Envelope) {
	m.Deliver(env)
}

// Fail injects a transport exception
func (m *MockTransporter) Fail(err error) {
	m.RaiseException(err)
}

// Sent returns a copy of everything passed to Send, successful or not
func (m *MockTransporter) Sent() []envelope.Envelope {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]envelope.Envelope(nil), m.sent...)
}

func (m *MockTransporter) ClearSent() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.sent = nil
}

// MockStateListener counts lifecycle notifications
type MockStateListener struct {
	lock       sync.Mutex
	Closing    int
	Closed     int
	Exceptions []error
}

func (l *MockStateListener) OnClosing() {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.Closing++
}

func (l *MockStateListener) OnClosed() {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.Closed++
}

func (l *MockStateListener) OnException(err error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.Exceptions = append(l.Exceptions, err)
}

func (l *MockStateListener) Counts() (closing int, closed int, exceptions int) {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.Closing, l.Closed, len(l.Exceptions)
}
