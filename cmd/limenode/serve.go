package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"

	"gopkg.in/tomb.v2"

	"github.com/takenet/lime-go/channel"
	"github.com/takenet/lime-go/channel/serverchannel"
	"github.com/takenet/lime-go/config"
	"github.com/takenet/lime-go/envelope"
	"github.com/takenet/lime-go/logger"
	"github.com/takenet/lime-go/telemetry"
	"github.com/takenet/lime-go/transporter"
	"github.com/takenet/lime-go/transporter/tcp"
	"github.com/takenet/lime-go/transporter/websocket"
)

type listener interface {
	Start(ctx context.Context, uri *url.URL) error
	Accept(ctx context.Context) (transporter.Transporter, error)
	Stop()
}

type node struct {
	logger     *logger.Logger
	config     *config.Config
	serverNode *envelope.Node
	tmb        *tomb.Tomb
}

func runServe(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := flags.String("config", defaultConfigPath, "Path of the node config file")
	flags.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	rootLogger, err := newLogger(cfg.LogLevel, cfg.LogFile, os.Stdout)
	if err != nil {
		return fmt.Errorf("failed to start logger: %w", err)
	}

	serverNode, err := cfg.ServerNode()
	if err != nil {
		return err
	}
	rootLogger.AddNodeIdentity(serverNode.String())

	tmb, ctx := tomb.WithContext(ctx)
	n := &node{
		logger:     rootLogger,
		config:     cfg,
		serverNode: serverNode,
		tmb:        tmb,
	}

	listeners, err := n.startListeners(ctx)
	if err != nil {
		return err
	}
	defer func() {
		for _, l := range listeners {
			l.Stop()
		}
	}()

	for _, l := range listeners {
		l := l
		tmb.Go(func() error { return n.acceptLoop(ctx, l) })
	}

	watchLogger := rootLogger.GetComponentLogger("config")
	tmb.Go(func() error {
		return config.Watch(ctx, watchLogger, *configPath, func(updated *config.Config) {
			if updated.LogLevel != cfg.LogLevel {
				watchLogger.Infof("Changing log level to %s", updated.LogLevel)
			}
			rootLogger.SetLevel(logger.ToLogLevel(updated.LogLevel))
		})
	})

	<-tmb.Dying()
	rootLogger.Info("Shutting down")
	if err := tmb.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (n *node) startListeners(ctx context.Context) ([]listener, error) {
	uris, err := n.config.ListenURIs()
	if err != nil {
		return nil, err
	}
	tlsConfig, err := n.config.TLSConfig()
	if err != nil {
		return nil, err
	}

	listeners := make([]listener, 0, len(uris))
	for _, uri := range uris {
		listenerLogger := n.logger.GetComponentLogger(uri.Scheme + "-listener")

		var l listener
		switch uri.Scheme {
		case tcp.Scheme:
			l = tcp.NewListener(listenerLogger, tcp.Config{
				TLSConfig:  tlsConfig,
				BufferSize: n.config.Framing.BufferSize,
			})
		default:
			l = websocket.NewListener(listenerLogger, websocket.Config{TLSConfig: tlsConfig})
		}

		if err := l.Start(ctx, uri); err != nil {
			for _, started := range listeners {
				started.Stop()
			}
			return nil, err
		}
		listeners = append(listeners, l)
	}
	return listeners, nil
}

func (n *node) acceptLoop(ctx context.Context, l listener) error {
	for {
		transport, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		n.tmb.Go(func() error {
			n.serve(ctx, transport)
			return nil
		})
	}
}

// serve runs one session until either side ends it
func (n *node) serve(ctx context.Context, transport transporter.Transporter) {
	ch, err := serverchannel.New(n.logger.GetTransportLogger(transport.RemoteEndpoint()), transport, serverchannel.Config{
		ServerNode:     n.serverNode,
		CommandTimeout: n.config.Channel.CommandTimeout.Std(),
		Modules:        n.config.Modules(),
	})
	if err != nil {
		n.logger.Errorf("Refusing connection from %s: %s", transport.RemoteEndpoint(), err)
		transport.Close(err)
		return
	}
	chLogger := ch.Logger()

	// registered first so messages following the established session are not missed
	ch.AddMessageListener(channel.MessageListenerFunc(func(msg *envelope.Message) {
		if msg.From == nil {
			return
		}
		echo := envelope.NewMessage(msg.From.Copy(), msg.Content)
		if err := ch.SendMessage(echo); err != nil {
			chLogger.Errorf("Failed to echo message %s: %s", msg.ID, err)
		}
	}), false)

	established, err := ch.EstablishSession(ctx, serverchannel.ServerOptions{
		CompressionOptions: transport.SupportedCompression(),
		EncryptionOptions:  transport.SupportedEncryption(),
		SchemeOptions:      n.config.Authentication.Schemes,
		Authenticator:      n.authenticate,
	})
	if err != nil {
		chLogger.Infof("Session with %s was not established: %s", transport.RemoteEndpoint(), err)
		ch.Disconnect(ctx)
		return
	}
	chLogger.Infof("Session established for %s", established)

	select {
	case <-ch.Done():
		chLogger.Infof("Session with %s ended in the %s state", established, ch.State())
	case <-ctx.Done():
		if ch.State() == envelope.SessionStateEstablished {
			ch.SendFinishedSession()
		}
		ch.Disconnect(context.Background())
	}
	logStats(chLogger, transport)
}

type statsReporter interface {
	Stats() telemetry.Digest
}

func logStats(logger *logger.Logger, transport transporter.Transporter) {
	if reporter, ok := transport.(statsReporter); ok {
		digest := reporter.Stats()
		logger.Infof("Transport %s traffic: inbound %s outbound %s", transport.RemoteEndpoint(), digest.Inbound, digest.Outbound)
	}
}

func (n *node) authenticate(ctx context.Context, session *envelope.Session) (*envelope.Node, error) {
	switch auth := session.Authentication.(type) {
	case *envelope.PlainAuthentication:
		identity := session.From.ToIdentity()
		expected, ok := n.config.Authentication.Users[identity.String()]
		if !ok {
			return nil, fmt.Errorf("unknown user %s", identity)
		}
		password, err := auth.DecodedPassword()
		if err != nil {
			return nil, err
		}
		if subtle.ConstantTimeCompare([]byte(password), []byte(expected)) != 1 {
			return nil, errors.New("wrong password")
		}
		return nil, nil
	default:
		if session.Scheme != envelope.AuthenticationSchemeGuest {
			return nil, fmt.Errorf("unsupported scheme %s", session.Scheme)
		}
		return nil, nil
	}
}
