package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/takenet/lime-go/channel"
	"github.com/takenet/lime-go/channel/clientchannel"
	"github.com/takenet/lime-go/channel/module"
	"github.com/takenet/lime-go/channel/ondemand"
	"github.com/takenet/lime-go/envelope"
	"github.com/takenet/lime-go/logger"
	"github.com/takenet/lime-go/transporter"
	"github.com/takenet/lime-go/transporter/tcp"
	"github.com/takenet/lime-go/transporter/websocket"
)

type sendOptions struct {
	uri      string
	to       string
	text     string
	identity string
	instance string
	password string
	logLevel string
	wait     time.Duration
	timeout  time.Duration
}

func runSend(ctx context.Context, args []string) error {
	var options sendOptions
	flags := flag.NewFlagSet("send", flag.ExitOnError)
	flags.StringVar(&options.uri, "uri", fmt.Sprintf("%s://localhost:%d", tcp.Scheme, tcp.DefaultPort), "Server uri, net.tcp://, ws:// or wss://")
	flags.StringVar(&options.to, "to", "", "Destination node of the message")
	flags.StringVar(&options.text, "text", "", "Text of the message")
	flags.StringVar(&options.identity, "identity", "", "Identity to authenticate as, name@domain; guest when empty")
	flags.StringVar(&options.instance, "instance", "", "Instance of the identity")
	flags.StringVar(&options.password, "password", "", "Password for plain authentication")
	flags.StringVar(&options.logLevel, "logLevel", "info", "The log level to use -- must be one of 'disabled', 'trace', 'debug', 'info', 'warn', 'error'")
	flags.DurationVar(&options.wait, "wait", 2*time.Second, "How long to wait for a reply before finishing")
	flags.DurationVar(&options.timeout, "timeout", 30*time.Second, "Give up when the message cannot be sent within this time")
	flags.Parse(args)

	if options.to == "" || options.text == "" {
		flags.Usage()
		return errors.New("both -to and -text are required")
	}
	to, err := envelope.ParseNode(options.to)
	if err != nil {
		return fmt.Errorf("invalid destination: %w", err)
	}
	uri, err := url.Parse(options.uri)
	if err != nil {
		return fmt.Errorf("invalid uri: %w", err)
	}
	establishOptions, err := options.establishOptions()
	if err != nil {
		return err
	}

	rootLogger, err := newLogger(options.logLevel, "", os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to start logger: %w", err)
	}

	attempts := 0
	client := ondemand.New(rootLogger.GetComponentLogger("ondemand"), func(ctx context.Context) (*clientchannel.ClientChannel, error) {
		return connect(ctx, rootLogger, uri, establishOptions)
	}, ondemand.Options{
		MaxElapsedTime: options.timeout,
		Handlers: ondemand.Handlers{
			OnChannelCreationFailed: func(err error) bool {
				attempts++
				rootLogger.Infof("Failed to reach %s (attempt %d): %s", uri, attempts, err)
				return !errors.Is(err, channel.ErrSessionFailed)
			},
		},
	})

	replies := make(chan *envelope.Message, 1)
	client.AddMessageListener(channel.MessageListenerFunc(func(msg *envelope.Message) {
		select {
		case replies <- msg:
		default:
		}
	}))

	sendCtx, cancel := context.WithTimeout(ctx, options.timeout)
	defer cancel()
	if err := client.SendMessage(sendCtx, envelope.NewMessage(&to, envelope.PlainDocument(options.text))); err != nil {
		client.Finish(context.Background())
		return fmt.Errorf("failed to send message: %w", err)
	}

	select {
	case reply := <-replies:
		fmt.Printf("%s: %v\n", reply.From, reply.Content)
	case <-time.After(options.wait):
	case <-ctx.Done():
	}

	return client.Finish(context.Background())
}

func (o sendOptions) establishOptions() (clientchannel.EstablishOptions, error) {
	options := clientchannel.EstablishOptions{
		Compression:    envelope.SessionCompressionNone,
		Encryption:     envelope.SessionEncryptionTLS,
		Instance:       o.instance,
		Authentication: &envelope.GuestAuthentication{},
	}

	if o.identity == "" {
		options.Identity = &envelope.Node{Name: envelope.NewId()}
		return options, nil
	}

	identity, err := envelope.ParseNode(o.identity)
	if err != nil {
		return options, fmt.Errorf("invalid identity: %w", err)
	}
	options.Identity = &identity
	if o.password != "" {
		options.Authentication = envelope.NewPlainAuthentication(o.password)
	}
	return options, nil
}

// connect opens a transport for uri and establishes a session over it
func connect(ctx context.Context, logger *logger.Logger, uri *url.URL, options clientchannel.EstablishOptions) (*clientchannel.ClientChannel, error) {
	transportLogger := logger.GetTransportLogger(uri.Host)

	var transport transporter.Transporter
	switch uri.Scheme {
	case tcp.Scheme:
		transport = tcp.New(transportLogger, tcp.Config{})
	case websocket.HttpWebsocketScheme, websocket.HttpsOnlyWebsocketScheme:
		transport = websocket.New(transportLogger, websocket.Config{})
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %s", transporter.ErrInvalidUri, uri.Scheme)
	}
	if err := transport.Open(ctx, uri); err != nil {
		return nil, err
	}

	ch, err := clientchannel.New(logger, transport, clientchannel.Config{Modules: module.DefaultConfig()})
	if err != nil {
		transport.Close(err)
		return nil, err
	}
	if _, err := ch.EstablishSession(ctx, options); err != nil {
		transport.Close(err)
		return nil, err
	}
	return ch, nil
}
