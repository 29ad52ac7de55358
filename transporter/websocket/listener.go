package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	gorilla "github.com/gorilla/websocket"
	"gopkg.in/tomb.v2"

	"github.com/takenet/lime-go/envelope"
	"github.com/takenet/lime-go/logger"
	"github.com/takenet/lime-go/transporter"
)

var ErrListenerStopped = errors.New("websocket listener is stopped")

type Listener struct {
	logger   *logger.Logger
	config   Config
	tmb      tomb.Tomb
	upgrader gorilla.Upgrader
	server   *http.Server
	listener net.Listener
	accepted chan *Websocket
}

func NewListener(logger *logger.Logger, config Config) *Listener {
	return &Listener{
		logger: logger,
		config: config,
		upgrader: gorilla.Upgrader{
			Subprotocols: []string{Subprotocol},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
		accepted: make(chan *Websocket),
	}
}

// Start serves the listener on the uri host; wss requires a TLS config
// holding the server certificate
func (l *Listener) Start(ctx context.Context, uri *url.URL) error {
	if uri == nil || (uri.Scheme != HttpWebsocketScheme && uri.Scheme != HttpsOnlyWebsocketScheme) {
		return fmt.Errorf("%w: expected ws or wss scheme, got %v", transporter.ErrInvalidUri, uri)
	}
	if l.server != nil {
		return transporter.ErrAlreadyOpen
	}

	var config net.ListenConfig
	listener, err := config.Listen(ctx, "tcp", uri.Host)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", uri.Host, err)
	}

	path := uri.Path
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.Handle(path, l)

	l.listener = listener
	l.server = &http.Server{Handler: mux, TLSConfig: l.config.TLSConfig}
	l.logger.Infof("Listening on %s://%s%s", uri.Scheme, listener.Addr(), path)

	l.tmb.Go(func() error {
		var err error
		if uri.Scheme == HttpsOnlyWebsocketScheme {
			err = l.server.ServeTLS(listener, "", "")
		} else {
			err = l.server.Serve(listener)
		}

		if !l.tmb.Alive() || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		l.logger.Error(err)
		return err
	})
	return nil
}

func (l *Listener) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Upgrade our raw HTTP connection to a websocket based one
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Errorf("Error during connection upgradation: %s", err)
		return
	}

	encryption := envelope.SessionEncryptionNone
	if r.TLS != nil {
		encryption = envelope.SessionEncryptionTLS
	}
	transport := newServerWebsocket(l.logger, conn, l.config, encryption)

	select {
	case l.accepted <- transport:
	case <-l.tmb.Dying():
		transport.Close(ErrListenerStopped)
	}
}

func (l *Listener) Accept(ctx context.Context) (transporter.Transporter, error) {
	select {
	case transport := <-l.accepted:
		return transport, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.tmb.Dead():
		return nil, ErrListenerStopped
	}
}

func (l *Listener) Stop() {
	if l.server == nil || !l.tmb.Alive() {
		return
	}

	l.logger.Infof("Stopping websocket listener on %s", l.listener.Addr())
	l.tmb.Kill(nil)
	l.server.Close()
	l.tmb.Wait()
}
