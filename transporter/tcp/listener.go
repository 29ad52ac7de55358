package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"gopkg.in/tomb.v2"

	"github.com/takenet/lime-go/logger"
	"github.com/takenet/lime-go/transporter"
)

var ErrListenerStopped = errors.New("tcp listener is stopped")

type Listener struct {
	logger   *logger.Logger
	config   Config
	tmb      tomb.Tomb
	listener net.Listener
	accepted chan *Transport
}

func NewListener(logger *logger.Logger, config Config) *Listener {
	return &Listener{
		logger:   logger,
		config:   config,
		accepted: make(chan *Transport),
	}
}

func (l *Listener) Start(ctx context.Context, uri *url.URL) error {
	if uri == nil || uri.Scheme != Scheme {
		return fmt.Errorf("%w: expected %s scheme, got %v", transporter.ErrInvalidUri, Scheme, uri)
	}
	if l.listener != nil {
		return transporter.ErrAlreadyOpen
	}

	address := uri.Host
	if uri.Port() == "" {
		address = net.JoinHostPort(uri.Hostname(), fmt.Sprint(DefaultPort))
	}

	var config net.ListenConfig
	listener, err := config.Listen(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	l.listener = listener
	l.logger.Infof("Listening on %s://%s", Scheme, listener.Addr())

	l.tmb.Go(l.acceptLoop)
	return nil
}

// Addr is the bound address, useful when listening on port 0
func (l *Listener) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

func (l *Listener) acceptLoop() error {
	for {
		conn, err := l.listener.Accept()
		if !l.tmb.Alive() {
			if conn != nil {
				conn.Close()
			}
			return nil
		} else if err != nil {
			l.logger.Error(err)
			return err
		}

		l.logger.Debugf("Accepted connection from %s", conn.RemoteAddr())
		transport := newServerTransport(l.logger, conn, l.config)

		select {
		case l.accepted <- transport:
		case <-l.tmb.Dying():
			transport.Close(ErrListenerStopped)
			return nil
		}
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
	if l.listener == nil || !l.tmb.Alive() {
		return
	}

	l.logger.Infof("Stopping listener on %s", l.listener.Addr())
	l.tmb.Kill(nil)
	l.listener.Close()
	l.tmb.Wait()
}
