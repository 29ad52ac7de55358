/*
The websocket package carries envelopes over a websocket connection, one
envelope per text frame. Client transports dial ws:// or wss:// URIs; server
transports are produced by a Listener, which is also an http.Handler so it can
be mounted on an existing server.
*/
package websocket

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	gorilla "github.com/gorilla/websocket"
	"gopkg.in/tomb.v2"

	"github.com/takenet/lime-go/envelope"
	"github.com/takenet/lime-go/envelope/serializer"
	"github.com/takenet/lime-go/logger"
	"github.com/takenet/lime-go/telemetry"
	"github.com/takenet/lime-go/transporter"
)

const (
	HttpsOnlyWebsocketScheme = "wss"
	HttpWebsocketScheme      = "ws"

	// lime subprotocol announced during the handshake
	Subprotocol = "lime"

	closeWriteTimeout = time.Second
)

type Config struct {
	TLSConfig  *tls.Config
	Headers    http.Header
	Serializer serializer.Serializer
}

type Websocket struct {
	*transporter.Base

	tmb        tomb.Tomb
	logger     *logger.Logger
	serializer serializer.Serializer
	config     Config

	client    *gorilla.Conn
	writeLock sync.Mutex

	opened    atomic.Bool
	connected atomic.Bool
	closeOnce sync.Once
	errLock   sync.Mutex
	closeErr  error
	done      chan struct{}
	stats     *telemetry.Stats
}

func New(logger *logger.Logger, config Config) *Websocket {
	if config.Serializer == nil {
		config.Serializer = serializer.NewJSONSerializer(nil)
	}

	done := make(chan struct{})
	return &Websocket{
		Base:       transporter.NewBase(logger),
		logger:     logger,
		serializer: config.Serializer,
		config:     config,
		done:       done,
		stats:      telemetry.NewStats("bytes", done),
	}
}

func newServerWebsocket(logger *logger.Logger, conn *gorilla.Conn, config Config, encryption envelope.SessionEncryption) *Websocket {
	w := New(logger.GetTransportLogger(conn.RemoteAddr().String()), config)
	w.UpdateEncryption(encryption)
	w.start(conn)
	return w
}

func (w *Websocket) Open(ctx context.Context, uri *url.URL) error {
	if uri == nil || (uri.Scheme != HttpWebsocketScheme && uri.Scheme != HttpsOnlyWebsocketScheme) {
		return fmt.Errorf("%w: expected ws or wss scheme, got %v", transporter.ErrInvalidUri, uri)
	}
	if uri.Hostname() == "" {
		return fmt.Errorf("%w: missing host in %s", transporter.ErrInvalidUri, uri)
	}
	if !w.opened.CompareAndSwap(false, true) {
		return transporter.ErrAlreadyOpen
	}

	dialer := *gorilla.DefaultDialer
	dialer.TLSClientConfig = w.config.TLSConfig
	dialer.Subprotocols = []string{Subprotocol}

	// Try to connect websocket once
	conn, _, err := dialer.DialContext(ctx, uri.String(), w.config.Headers)
	if err != nil {
		w.opened.Store(false)
		return fmt.Errorf("error dialing websocket: %w", err)
	}

	if uri.Scheme == HttpsOnlyWebsocketScheme {
		w.UpdateEncryption(envelope.SessionEncryptionTLS)
	}
	w.logger = w.logger.GetTransportLogger(conn.RemoteAddr().String())
	w.start(conn)
	return nil
}

func (w *Websocket) start(conn *gorilla.Conn) {
	w.opened.Store(true)
	w.client = conn
	w.connected.Store(true)
	w.tmb.Go(w.receive)
}

func (w *Websocket) Send(env envelope.Envelope) error {
	if !w.IsConnected() {
		return transporter.ErrNotConnected
	}

	data, err := w.serializer.Serialize(env)
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %w", envelope.KindOf(env), err)
	}

	w.writeLock.Lock()
	defer w.writeLock.Unlock()

	w.logger.Tracef("sending %s", data)
	if err := w.client.WriteMessage(gorilla.TextMessage, data); err != nil {
		w.RaiseException(err)
		w.Close(err)
		return fmt.Errorf("failed to write websocket message: %w", err)
	}
	w.stats.CountOutbound(len(data))
	return nil
}

func (w *Websocket) receive() error {
	defer w.logger.Infof("Websocket connection closed")
	w.logger.Infof("Websocket connection started")

	for {
		// Read incoming message
		if messageType, rawMessage, err := w.client.ReadMessage(); !w.tmb.Alive() {
			return nil
		} else if err != nil {
			// Check if it's a clean exit
			if gorilla.IsCloseError(err, gorilla.CloseNormalClosure, gorilla.CloseGoingAway) {
				w.logger.Info("Websocket connection closed normally")
				w.Close(nil)
				return nil
			}

			w.logger.Error(err)
			w.RaiseException(err)
			w.Close(err)
			return err
		} else if messageType != gorilla.TextMessage {
			w.logger.Debugf("Ignoring websocket message of type %d", messageType)
		} else {
			w.stats.CountInbound(len(rawMessage))
			w.logger.Tracef("received %s", rawMessage)

			env, err := w.serializer.Deserialize(rawMessage)
			if err != nil {
				w.RaiseException(fmt.Errorf("failed to deserialize envelope: %w", err))
				continue
			}
			w.Deliver(env)
		}
	}
}

// Close never waits for the read loop
func (w *Websocket) Close(reason error) {
	w.closeOnce.Do(func() {
		if reason != nil {
			w.logger.Infof("Websocket connection closing because: %s", reason)
		} else {
			w.logger.Infof("Websocket connection closing")
		}

		w.errLock.Lock()
		w.closeErr = reason
		w.errLock.Unlock()

		w.RaiseClosing()
		w.connected.Store(false)

		if !w.opened.Load() || w.client == nil {
			w.RaiseClosed()
			close(w.done)
			return
		}

		w.tmb.Kill(reason)

		message := gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, "")
		w.client.WriteControl(gorilla.CloseMessage, message, time.Now().Add(closeWriteTimeout))

		// close the websocket connection
		w.client.Close()

		go func() {
			w.tmb.Wait()
			w.RaiseClosed()
			close(w.done)
		}()
	})
}

func (w *Websocket) Done() <-chan struct{} {
	return w.done
}

func (w *Websocket) Err() error {
	w.errLock.Lock()
	defer w.errLock.Unlock()
	return w.closeErr
}

func (w *Websocket) IsConnected() bool {
	return w.connected.Load()
}

func (w *Websocket) SupportedCompression() []envelope.SessionCompression {
	return []envelope.SessionCompression{envelope.SessionCompressionNone}
}

func (w *Websocket) SetCompression(ctx context.Context, compression envelope.SessionCompression) error {
	if compression != envelope.SessionCompressionNone {
		return fmt.Errorf("%w: %s", transporter.ErrUnsupportedCompression, compression)
	}
	return nil
}

// SupportedEncryption is fixed by the scheme the connection was made with
func (w *Websocket) SupportedEncryption() []envelope.SessionEncryption {
	return []envelope.SessionEncryption{w.Encryption()}
}

func (w *Websocket) SetEncryption(ctx context.Context, encryption envelope.SessionEncryption) error {
	if encryption != w.Encryption() {
		return fmt.Errorf("%w: connection is fixed to %s", transporter.ErrUnsupportedEncryption, w.Encryption())
	}
	return nil
}

func (w *Websocket) LocalEndpoint() string {
	if w.client == nil {
		return ""
	}
	return w.client.LocalAddr().String()
}

func (w *Websocket) RemoteEndpoint() string {
	if w.client == nil {
		return ""
	}
	return w.client.RemoteAddr().String()
}

func (w *Websocket) Stats() telemetry.Digest {
	return w.stats.Digest()
}
