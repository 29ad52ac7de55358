/*
Package tcp carries envelopes over a plain TCP connection, the net.tcp://
scheme. Envelopes are written back to back as JSON objects and recovered on
the other side with a jsonframe buffer. The connection can be upgraded to TLS
in place once the session negotiation agrees on it.
*/
package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/takenet/lime-go/envelope"
	"github.com/takenet/lime-go/envelope/serializer"
	"github.com/takenet/lime-go/logger"
	"github.com/takenet/lime-go/telemetry"
	"github.com/takenet/lime-go/transporter"
	"github.com/takenet/lime-go/transporter/jsonframe"
)

const (
	Scheme      = "net.tcp"
	DefaultPort = 55321
)

type Config struct {
	// Client side: verification settings for the server certificate.
	// Server side: must hold the certificate for TLS to be offered.
	TLSConfig *tls.Config

	BufferSize int
	Serializer serializer.Serializer
}

type Transport struct {
	*transporter.Base

	logger     *logger.Logger
	tmb        tomb.Tomb
	serializer serializer.Serializer
	tlsConfig  *tls.Config
	bufferSize int
	server     bool

	connLock sync.RWMutex
	conn     net.Conn

	// held by writers and for the whole of a TLS upgrade
	writeLock sync.Mutex

	upgrade atomic.Pointer[upgrade]

	opened    atomic.Bool
	connected atomic.Bool
	closeOnce sync.Once
	errLock   sync.Mutex
	closeErr  error
	done      chan struct{}
	stats     *telemetry.Stats
}

type upgrade struct {
	paused chan struct{}
	done   chan struct{}
}

// New returns a client transport, ready to be opened
func New(logger *logger.Logger, config Config) *Transport {
	t := newTransport(logger, config)
	return t
}

func newTransport(logger *logger.Logger, config Config) *Transport {
	if config.Serializer == nil {
		config.Serializer = serializer.NewJSONSerializer(nil)
	}
	if config.BufferSize <= 0 {
		config.BufferSize = jsonframe.DefaultBufferSize
	}

	done := make(chan struct{})
	return &Transport{
		Base:       transporter.NewBase(logger),
		logger:     logger,
		serializer: config.Serializer,
		tlsConfig:  config.TLSConfig,
		bufferSize: config.BufferSize,
		done:       done,
		stats:      telemetry.NewStats("bytes", done),
	}
}

// newServerTransport wraps an accepted connection and starts reading right away
func newServerTransport(logger *logger.Logger, conn net.Conn, config Config) *Transport {
	t := newTransport(logger.GetTransportLogger(conn.RemoteAddr().String()), config)
	t.server = true
	t.start(conn)
	return t
}

func (t *Transport) Open(ctx context.Context, uri *url.URL) error {
	if uri == nil || uri.Scheme != Scheme {
		return fmt.Errorf("%w: expected %s scheme, got %v", transporter.ErrInvalidUri, Scheme, uri)
	}
	if uri.Hostname() == "" {
		return fmt.Errorf("%w: missing host in %s", transporter.ErrInvalidUri, uri)
	}
	if t.opened.Load() {
		return transporter.ErrAlreadyOpen
	}

	address := uri.Host
	if uri.Port() == "" {
		address = net.JoinHostPort(uri.Hostname(), fmt.Sprint(DefaultPort))
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	if !t.opened.CompareAndSwap(false, true) {
		conn.Close()
		return transporter.ErrAlreadyOpen
	}

	t.logger = t.logger.GetTransportLogger(conn.RemoteAddr().String())
	t.start(conn)
	return nil
}

func (t *Transport) start(conn net.Conn) {
	t.opened.Store(true)
	t.setConn(conn)
	t.connected.Store(true)
	t.tmb.Go(t.receive)
}

func (t *Transport) setConn(conn net.Conn) {
	t.connLock.Lock()
	defer t.connLock.Unlock()
	t.conn = conn
}

func (t *Transport) currentConn() net.Conn {
	t.connLock.RLock()
	defer t.connLock.RUnlock()
	return t.conn
}

func (t *Transport) Send(env envelope.Envelope) error {
	if !t.IsConnected() {
		return transporter.ErrNotConnected
	}

	data, err := t.serializer.Serialize(env)
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %w", envelope.KindOf(env), err)
	}

	t.writeLock.Lock()
	defer t.writeLock.Unlock()

	t.logger.Tracef("sending %s", data)
	if _, err := t.currentConn().Write(data); err != nil {
		t.RaiseException(err)
		t.Close(err)
		return fmt.Errorf("failed to write to the connection: %w", err)
	}
	t.stats.CountOutbound(len(data))
	return nil
}

func (t *Transport) receive() error {
	defer t.logger.Debugf("TCP read loop stopped")
	t.logger.Debugf("TCP read loop started")

	buffer := jsonframe.NewBuffer(t.bufferSize)
	for {
		n, err := t.currentConn().Read(buffer.Free())
		if n > 0 {
			buffer.Advance(n)
			t.stats.CountInbound(n)
			if ferr := t.deliverFrames(buffer); ferr != nil {
				t.logger.Error(ferr)
				t.RaiseException(ferr)
				t.Close(ferr)
				return ferr
			}
		}

		if err == nil {
			continue
		}

		if !t.tmb.Alive() {
			return nil
		}

		if u := t.upgrade.Load(); u != nil && isTimeout(err) {
			close(u.paused)
			select {
			case <-u.done:
				continue
			case <-t.tmb.Dying():
				return nil
			}
		}

		if errors.Is(err, io.EOF) {
			t.logger.Infof("Connection closed by the remote node")
			t.Close(nil)
			return nil
		}

		t.logger.Error(err)
		t.RaiseException(err)
		t.Close(err)
		return err
	}
}

// deliverFrames hands every complete envelope to the listener. Only framing
// errors are returned, a frame that does not decode is reported and skipped.
func (t *Transport) deliverFrames(buffer *jsonframe.Buffer) error {
	for {
		frame, ok, err := buffer.Extract()
		if err != nil {
			return err
		} else if !ok {
			return nil
		}

		t.logger.Tracef("received %s", frame)
		env, err := t.serializer.Deserialize(frame)
		if err != nil {
			t.RaiseException(fmt.Errorf("failed to deserialize envelope: %w", err))
			continue
		}
		t.Deliver(env)
	}
}

// Close never waits for the read loop, so it is safe to call from listeners
// running on it
func (t *Transport) Close(reason error) {
	t.closeOnce.Do(func() {
		if reason != nil {
			t.logger.Infof("TCP transport closing because: %s", reason)
		} else {
			t.logger.Infof("TCP transport closing")
		}

		t.errLock.Lock()
		t.closeErr = reason
		t.errLock.Unlock()

		t.RaiseClosing()
		t.connected.Store(false)

		if !t.opened.Load() {
			t.RaiseClosed()
			close(t.done)
			return
		}

		t.tmb.Kill(reason)
		if conn := t.currentConn(); conn != nil {
			conn.Close()
		}

		go func() {
			t.tmb.Wait()
			t.RaiseClosed()
			close(t.done)
		}()
	})
}

func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Err is the reason given to Close
func (t *Transport) Err() error {
	t.errLock.Lock()
	defer t.errLock.Unlock()
	return t.closeErr
}

func (t *Transport) IsConnected() bool {
	return t.connected.Load()
}

func (t *Transport) SupportedCompression() []envelope.SessionCompression {
	return []envelope.SessionCompression{envelope.SessionCompressionNone}
}

func (t *Transport) SetCompression(ctx context.Context, compression envelope.SessionCompression) error {
	if compression != envelope.SessionCompressionNone {
		return fmt.Errorf("%w: %s", transporter.ErrUnsupportedCompression, compression)
	}
	t.UpdateCompression(compression)
	return nil
}

func (t *Transport) SupportedEncryption() []envelope.SessionEncryption {
	if t.server && (t.tlsConfig == nil || len(t.tlsConfig.Certificates) == 0 && t.tlsConfig.GetCertificate == nil) {
		return []envelope.SessionEncryption{envelope.SessionEncryptionNone}
	}
	return []envelope.SessionEncryption{envelope.SessionEncryptionNone, envelope.SessionEncryptionTLS}
}

func (t *Transport) SetEncryption(ctx context.Context, encryption envelope.SessionEncryption) error {
	switch encryption {
	case envelope.SessionEncryptionNone:
		if t.Encryption() != envelope.SessionEncryptionNone {
			return fmt.Errorf("%w: cannot downgrade from %s", transporter.ErrUnsupportedEncryption, t.Encryption())
		}
		return nil
	case envelope.SessionEncryptionTLS:
		if t.Encryption() == envelope.SessionEncryptionTLS {
			return nil
		}
		return t.upgradeToTLS(ctx)
	default:
		return fmt.Errorf("%w: %s", transporter.ErrUnsupportedEncryption, encryption)
	}
}

// upgradeToTLS pauses the read loop by expiring its read deadline, runs the
// handshake over the raw connection and resumes reading from the TLS one.
// It must not be called from the read loop.
func (t *Transport) upgradeToTLS(ctx context.Context) error {
	if !t.IsConnected() {
		return transporter.ErrNotConnected
	}

	config := t.tlsConfig
	if t.server && (config == nil || len(config.Certificates) == 0 && config.GetCertificate == nil) {
		return fmt.Errorf("%w: no server certificate configured", transporter.ErrUnsupportedEncryption)
	}
	if config == nil {
		config = &tls.Config{}
	}

	t.writeLock.Lock()
	defer t.writeLock.Unlock()

	raw := t.currentConn()
	u := &upgrade{paused: make(chan struct{}), done: make(chan struct{})}
	t.upgrade.Store(u)
	defer func() {
		t.upgrade.Store(nil)
		close(u.done)
	}()

	if err := raw.SetReadDeadline(time.Now()); err != nil {
		return fmt.Errorf("failed to interrupt the read loop: %w", err)
	}

	select {
	case <-u.paused:
	case <-ctx.Done():
		raw.SetReadDeadline(time.Time{})
		return fmt.Errorf("timed out waiting for the read loop: %w", ctx.Err())
	case <-t.tmb.Dying():
		return transporter.ErrNotConnected
	}

	if err := raw.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("failed to reset the read deadline: %w", err)
	}

	var tlsConn *tls.Conn
	if t.server {
		tlsConn = tls.Server(raw, config)
	} else {
		if config.ServerName == "" {
			config = config.Clone()
			if host, _, err := net.SplitHostPort(raw.RemoteAddr().String()); err == nil {
				config.ServerName = host
			}
		}
		tlsConn = tls.Client(raw, config)
	}

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		t.Close(err)
		return fmt.Errorf("TLS handshake failed: %w", err)
	}

	t.setConn(tlsConn)
	t.UpdateEncryption(envelope.SessionEncryptionTLS)
	t.logger.Infof("Connection upgraded to TLS")
	return nil
}

func (t *Transport) LocalEndpoint() string {
	if conn := t.currentConn(); conn != nil {
		return fmt.Sprintf("%s://%s", Scheme, conn.LocalAddr())
	}
	return ""
}

func (t *Transport) RemoteEndpoint() string {
	if conn := t.currentConn(); conn != nil {
		return fmt.Sprintf("%s://%s", Scheme, conn.RemoteAddr())
	}
	return ""
}

// Stats reports bytes in and out per second
func (t *Transport) Stats() telemetry.Digest {
	return t.stats.Digest()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
