/*
Package serverchannel drives the server side of a Lime session: it answers a
client's new session, offers and confirms the transport options, checks the
client's credentials and establishes, fails or finishes the session.
*/
package serverchannel

import (
	"context"
	"fmt"
	"time"

	"github.com/takenet/lime-go/channel"
	"github.com/takenet/lime-go/channel/module"
	"github.com/takenet/lime-go/envelope"
	"github.com/takenet/lime-go/logger"
	"github.com/takenet/lime-go/transporter"
)

const sessionQueueSize = 8

type Config struct {
	ServerNode     *envelope.Node
	CommandTimeout time.Duration
	Modules        module.Config
}

// Authenticator checks the credentials in the client's authenticating
// session and returns the node the session is established for
type Authenticator func(ctx context.Context, session *envelope.Session) (*envelope.Node, error)

type ServerOptions struct {
	CompressionOptions []envelope.SessionCompression
	EncryptionOptions  []envelope.SessionEncryption

	// Defaults to guest only
	SchemeOptions []envelope.AuthenticationScheme

	// nil accepts every client as the identity it claims
	Authenticator Authenticator
}

type ServerChannel struct {
	*channel.Channel

	logger     *logger.Logger
	serverNode *envelope.Node
	sessions   *channel.SessionQueue
	builtins   *module.Builtins
}

func New(logger *logger.Logger, transport transporter.Transporter, config Config) (*ServerChannel, error) {
	if config.ServerNode == nil || config.ServerNode.Domain == "" {
		return nil, fmt.Errorf("%w: the server node needs a domain", channel.ErrInvalidArgument)
	}

	sessionId := envelope.NewId()
	c := &ServerChannel{
		logger:     logger.GetChannelLogger(sessionId),
		serverNode: config.ServerNode.Copy(),
		sessions:   channel.NewSessionQueue(sessionQueueSize),
	}

	opts := []channel.Option{
		channel.WithSessionId(sessionId),
		channel.WithLocalNode(config.ServerNode),
		channel.WithSessionHandler(c.onSession),
	}
	if config.CommandTimeout > 0 {
		opts = append(opts, channel.WithCommandTimeout(config.CommandTimeout))
	}
	c.Channel = channel.New(c.logger, transport, channel.RoleServer, opts...)

	builtins, err := module.Register(c.logger, c.Channel, config.Modules, c)
	if err != nil {
		return nil, err
	}
	c.builtins = builtins
	return c, nil
}

func (c *ServerChannel) Builtins() *module.Builtins {
	return c.builtins
}

func (c *ServerChannel) ReceiveNewSession(ctx context.Context) (*envelope.Session, error) {
	const op = "receive new session"
	if err := c.require(op, envelope.SessionStateNew); err != nil {
		return nil, err
	}

	session, err := c.receive(ctx)
	if err != nil {
		return session, err
	}
	if session.State != envelope.SessionStateNew {
		return session, c.failUnexpected(op, session)
	}
	return session, nil
}

// NegotiateSession offers the options and returns the client's choice
func (c *ServerChannel) NegotiateSession(ctx context.Context, compressionOptions []envelope.SessionCompression, encryptionOptions []envelope.SessionEncryption) (*envelope.Session, error) {
	const op = "negotiate session"
	if err := c.require(op, envelope.SessionStateNew); err != nil {
		return nil, err
	}

	if err := c.SetState(envelope.SessionStateNegotiating); err != nil {
		return nil, err
	}
	err := c.send(op, &envelope.Session{
		State:              envelope.SessionStateNegotiating,
		CompressionOptions: compressionOptions,
		EncryptionOptions:  encryptionOptions,
	})
	if err != nil {
		return nil, err
	}

	session, err := c.receive(ctx)
	if err != nil {
		return session, err
	}
	if session.State != envelope.SessionStateNegotiating {
		return session, c.failUnexpected(op, session)
	}
	return session, nil
}

// SendNegotiatingConfirmation confirms the client's choice and applies it to
// the transport
func (c *ServerChannel) SendNegotiatingConfirmation(ctx context.Context, compression envelope.SessionCompression, encryption envelope.SessionEncryption) error {
	const op = "send negotiating confirmation"
	if err := c.require(op, envelope.SessionStateNegotiating); err != nil {
		return err
	}

	err := c.send(op, &envelope.Session{
		State:       envelope.SessionStateNegotiating,
		Compression: compression,
		Encryption:  encryption,
	})
	if err != nil {
		return err
	}

	transport := c.Transport()
	if compression != "" && compression != transport.Compression() {
		if err := transport.SetCompression(ctx, compression); err != nil {
			transport.Close(err)
			return fmt.Errorf("failed to apply the %s compression: %w", compression, err)
		}
	}
	if encryption != "" && encryption != transport.Encryption() {
		if err := transport.SetEncryption(ctx, encryption); err != nil {
			transport.Close(err)
			return fmt.Errorf("failed to apply the %s encryption: %w", encryption, err)
		}
	}
	return nil
}

// AuthenticateSession offers the schemes and returns the client's
// credentials
func (c *ServerChannel) AuthenticateSession(ctx context.Context, schemeOptions []envelope.AuthenticationScheme) (*envelope.Session, error) {
	const op = "authenticate session"
	if err := c.require(op, envelope.SessionStateNew, envelope.SessionStateNegotiating); err != nil {
		return nil, err
	}

	if err := c.SetState(envelope.SessionStateAuthenticating); err != nil {
		return nil, err
	}
	err := c.send(op, &envelope.Session{
		State:         envelope.SessionStateAuthenticating,
		SchemeOptions: schemeOptions,
	})
	if err != nil {
		return nil, err
	}

	session, err := c.receive(ctx)
	if err != nil {
		return session, err
	}
	if session.State != envelope.SessionStateAuthenticating {
		return session, c.failUnexpected(op, session)
	}
	return session, nil
}

func (c *ServerChannel) SendEstablishedSession(node *envelope.Node) error {
	const op = "send established session"
	if err := c.require(op, envelope.SessionStateNew, envelope.SessionStateNegotiating, envelope.SessionStateAuthenticating); err != nil {
		return err
	}
	if node == nil {
		return fmt.Errorf("%w: the established session needs a node", channel.ErrInvalidArgument)
	}

	// the client may send right after reading the answer
	c.SetRemoteNode(node)
	if err := c.SetState(envelope.SessionStateEstablished); err != nil {
		return err
	}
	err := c.send(op, &envelope.Session{
		Header: envelope.Header{To: node},
		State:  envelope.SessionStateEstablished,
	})
	if err != nil {
		return err
	}
	c.logger.Infof("Session %s established for %s", c.SessionId(), node)
	return nil
}

// SendFailedSession fails the session and closes the transport
func (c *ServerChannel) SendFailedSession(reason *envelope.Reason) error {
	const op = "send failed session"
	if state := c.State(); state.IsTerminal() {
		return &channel.StateError{Op: op, State: state}
	}

	err := c.send(op, &envelope.Session{
		State:  envelope.SessionStateFailed,
		Reason: reason,
	})
	c.finish(envelope.SessionStateFailed, &channel.SessionFailedError{Reason: reason})
	return err
}

// SendFinishedSession finishes the session and closes the transport
func (c *ServerChannel) SendFinishedSession() error {
	const op = "send finished session"
	if err := c.require(op, envelope.SessionStateEstablished, envelope.SessionStateFinishing); err != nil {
		return err
	}

	err := c.send(op, &envelope.Session{State: envelope.SessionStateFinished})
	c.finish(envelope.SessionStateFinished, nil)
	return err
}

// EstablishSession runs the whole server choreography and returns the node
// the session was established for
func (c *ServerChannel) EstablishSession(ctx context.Context, options ServerOptions) (*envelope.Node, error) {
	if _, err := c.ReceiveNewSession(ctx); err != nil {
		return nil, err
	}

	compressionOptions := orDefault(options.CompressionOptions, envelope.SessionCompressionNone)
	encryptionOptions := orDefault(options.EncryptionOptions, envelope.SessionEncryptionNone)
	if len(compressionOptions) > 1 || len(encryptionOptions) > 1 {
		if err := c.negotiate(ctx, compressionOptions, encryptionOptions); err != nil {
			return nil, err
		}
	}

	schemes := orDefault(options.SchemeOptions, envelope.AuthenticationSchemeGuest)
	session, err := c.AuthenticateSession(ctx, schemes)
	if err != nil {
		return nil, err
	}

	node, err := c.authenticate(ctx, options, schemes, session)
	if err != nil {
		return nil, err
	}
	if err := c.SendEstablishedSession(node); err != nil {
		return nil, err
	}
	return node, nil
}

// Disconnect closes the transport without a session envelope
func (c *ServerChannel) Disconnect(ctx context.Context) error {
	c.logger.Infof("Disconnecting session %s in the %s state", c.SessionId(), c.State())
	c.Close(nil)
	return nil
}

func (c *ServerChannel) negotiate(ctx context.Context, compressionOptions []envelope.SessionCompression, encryptionOptions []envelope.SessionEncryption) error {
	choice, err := c.NegotiateSession(ctx, compressionOptions, encryptionOptions)
	if err != nil {
		return err
	}

	compression := orFirst(choice.Compression, compressionOptions)
	if !contains(compressionOptions, compression) {
		return c.fail(envelope.SessionCompressionNotSupportedByPeer, fmt.Sprintf("compression %s is not supported", compression))
	}
	encryption := orFirst(choice.Encryption, encryptionOptions)
	if !contains(encryptionOptions, encryption) {
		return c.fail(envelope.SessionEncryptionNotSupportedByPeer, fmt.Sprintf("encryption %s is not supported", encryption))
	}

	return c.SendNegotiatingConfirmation(ctx, compression, encryption)
}

func (c *ServerChannel) authenticate(ctx context.Context, options ServerOptions, schemes []envelope.AuthenticationScheme, session *envelope.Session) (*envelope.Node, error) {
	if !contains(schemes, session.Scheme) {
		return nil, c.fail(envelope.AuthenticationSchemeNotSupportedByPeer, fmt.Sprintf("scheme %s is not supported", session.Scheme))
	}
	if session.From == nil || session.From.Name == "" {
		return nil, c.fail(envelope.SessionAuthenticationFailed, "the session has no identity")
	}

	node := session.From.Copy()
	if options.Authenticator != nil {
		authenticated, err := options.Authenticator(ctx, session)
		if err != nil {
			c.logger.Infof("Authentication of %s failed: %s", session.From, err)
			c.fail(envelope.SessionAuthenticationFailed, err.Error())
			return nil, fmt.Errorf("failed to authenticate %s: %w", session.From, err)
		}
		if authenticated != nil {
			node = authenticated.Copy()
		}
	}

	if node.Domain == "" {
		node.Domain = c.serverNode.Domain
	}
	if node.Instance == "" {
		node.Instance = envelope.NewId()
	}
	return node, nil
}

func (c *ServerChannel) require(op string, states ...envelope.SessionState) error {
	current := c.State()
	for _, state := range states {
		if current == state {
			return nil
		}
	}
	return &channel.StateError{Op: op, State: current}
}

func (c *ServerChannel) send(op string, session *envelope.Session) error {
	session.ID = c.SessionId()
	session.From = c.serverNode
	if err := c.SendSession(session); err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return nil
}

// receive returns the next client session; a client giving up is reported
// as a failed session
func (c *ServerChannel) receive(ctx context.Context) (*envelope.Session, error) {
	session, err := c.sessions.Next(ctx, c.Done())
	if err != nil {
		return nil, err
	}
	if session.State == envelope.SessionStateFailed {
		return session, &channel.SessionFailedError{Reason: session.Reason}
	}
	return session, nil
}

// fail sends a failed session with the reason and reports it as an error
func (c *ServerChannel) fail(code int, description string) error {
	reason := &envelope.Reason{Code: code, Description: description}
	if err := c.SendFailedSession(reason); err != nil {
		c.logger.Error(err)
	}
	return &channel.SessionFailedError{Reason: reason}
}

func (c *ServerChannel) failUnexpected(op string, session *envelope.Session) error {
	c.fail(envelope.SessionInvalidActionForState, fmt.Sprintf("invalid %s session in the %s state", session.State, c.State()))
	return &channel.UnexpectedSessionError{Op: op, State: session.State}
}

func (c *ServerChannel) finish(state envelope.SessionState, reason error) {
	if err := c.SetState(state); err != nil {
		c.logger.Error(err)
	}
	c.Close(reason)
}

// onSession runs on the read loop for every session envelope
func (c *ServerChannel) onSession(session *envelope.Session) {
	switch {
	case session.State == envelope.SessionStateFinishing && c.State() == envelope.SessionStateEstablished:
		c.logger.Infof("Client asked to finish session %s", c.SessionId())
		if err := c.SetState(envelope.SessionStateFinishing); err != nil {
			c.logger.Error(err)
		}
		if err := c.SendFinishedSession(); err != nil {
			c.logger.Error(err)
		}
		return

	case session.State == envelope.SessionStateFailed:
		c.finish(envelope.SessionStateFailed, &channel.SessionFailedError{Reason: session.Reason})
	}

	if !c.sessions.Push(session) {
		c.logger.Infof("Dropping session envelope nobody is reading: %s", session)
	}
}

func orDefault[T any](options []T, fallback T) []T {
	if len(options) == 0 {
		return []T{fallback}
	}
	return options
}

func orFirst[T comparable](choice T, options []T) T {
	var zero T
	if choice == zero && len(options) > 0 {
		return options[0]
	}
	return choice
}

func contains[T comparable](options []T, value T) bool {
	for _, option := range options {
		if option == value {
			return true
		}
	}
	return false
}
