/*
Package clientchannel drives the client side of a Lime session: it asks the
server for a session, agrees on compression and encryption, authenticates and
finally finishes the session.

Each step checks the local state before sending anything and then waits for
the server's answer. EstablishSession runs every step in order.
*/
package clientchannel

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

const (
	sessionQueueSize = 8
	finishTimeout    = 5 * time.Second
)

type Config struct {
	CommandTimeout time.Duration
	Modules        module.Config
}

type EstablishOptions struct {
	// Preferred when offered by the server, otherwise the first offered
	Compression envelope.SessionCompression
	Encryption  envelope.SessionEncryption

	Identity       *envelope.Node
	Instance       string
	Authentication envelope.Authentication
}

type ClientChannel struct {
	*channel.Channel

	logger   *logger.Logger
	sessions *channel.SessionQueue
	builtins *module.Builtins
}

func New(logger *logger.Logger, transport transporter.Transporter, config Config) (*ClientChannel, error) {
	c := &ClientChannel{
		sessions: channel.NewSessionQueue(sessionQueueSize),
	}

	opts := []channel.Option{channel.WithSessionHandler(c.onSession)}
	if config.CommandTimeout > 0 {
		opts = append(opts, channel.WithCommandTimeout(config.CommandTimeout))
	}
	c.Channel = channel.New(logger, transport, channel.RoleClient, opts...)
	c.logger = c.Channel.Logger()

	builtins, err := module.Register(logger, c.Channel, config.Modules, c)
	if err != nil {
		return nil, err
	}
	c.builtins = builtins
	return c, nil
}

func (c *ClientChannel) Builtins() *module.Builtins {
	return c.builtins
}

func (c *ClientChannel) StartNewSession(ctx context.Context) (*envelope.Session, error) {
	const op = "start new session"
	if err := c.require(op, envelope.SessionStateNew); err != nil {
		return nil, err
	}

	session, err := c.exchange(ctx, op, &envelope.Session{State: envelope.SessionStateNew})
	if err != nil {
		return session, err
	}

	c.SetSessionId(session.ID)
	if session.From != nil {
		c.SetRemoteNode(session.From)
	}

	switch session.State {
	case envelope.SessionStateNegotiating, envelope.SessionStateAuthenticating:
		return session, c.SetState(session.State)
	case envelope.SessionStateEstablished:
		return session, nil
	default:
		return session, &channel.UnexpectedSessionError{Op: op, State: session.State}
	}
}

// NegotiateSession sends the chosen options and, once the server confirms
// them, applies them to the transport
func (c *ClientChannel) NegotiateSession(ctx context.Context, compression envelope.SessionCompression, encryption envelope.SessionEncryption) (*envelope.Session, error) {
	const op = "negotiate session"
	if err := c.require(op, envelope.SessionStateNegotiating); err != nil {
		return nil, err
	}

	session, err := c.exchange(ctx, op, &envelope.Session{
		Header:      envelope.Header{ID: c.SessionId()},
		State:       envelope.SessionStateNegotiating,
		Compression: compression,
		Encryption:  encryption,
	})
	if err != nil {
		return session, err
	}
	if session.State != envelope.SessionStateNegotiating {
		return session, &channel.UnexpectedSessionError{Op: op, State: session.State}
	}

	transport := c.Transport()
	if session.Compression != "" && session.Compression != transport.Compression() {
		if err := transport.SetCompression(ctx, session.Compression); err != nil {
			transport.Close(err)
			return session, fmt.Errorf("failed to apply the %s compression: %w", session.Compression, err)
		}
	}
	if session.Encryption != "" && session.Encryption != transport.Encryption() {
		if err := transport.SetEncryption(ctx, session.Encryption); err != nil {
			transport.Close(err)
			return session, fmt.Errorf("failed to apply the %s encryption: %w", session.Encryption, err)
		}
	}
	return session, nil
}

func (c *ClientChannel) ReceiveAuthenticatingSession(ctx context.Context) (*envelope.Session, error) {
	const op = "receive authenticating session"
	if err := c.require(op, envelope.SessionStateNegotiating); err != nil {
		return nil, err
	}

	session, err := c.receive(ctx)
	if err != nil {
		return session, err
	}

	switch session.State {
	case envelope.SessionStateAuthenticating:
		return session, c.SetState(envelope.SessionStateAuthenticating)
	case envelope.SessionStateEstablished:
		return session, nil
	default:
		return session, &channel.UnexpectedSessionError{Op: op, State: session.State}
	}
}

// AuthenticateSession presents the credentials of identity. An
// authenticating answer is a challenge and leaves the state unchanged.
func (c *ClientChannel) AuthenticateSession(ctx context.Context, identity *envelope.Node, authentication envelope.Authentication, instance string) (*envelope.Session, error) {
	const op = "authenticate session"
	if err := c.require(op, envelope.SessionStateAuthenticating); err != nil {
		return nil, err
	}
	if identity == nil || authentication == nil {
		return nil, fmt.Errorf("%w: identity and authentication are required", channel.ErrInvalidArgument)
	}

	identityNode := identity.ToIdentity()
	from := &identityNode
	from.Instance = instance
	c.SetLocalNode(from)

	session, err := c.exchange(ctx, op, &envelope.Session{
		Header:         envelope.Header{ID: c.SessionId(), From: from},
		State:          envelope.SessionStateAuthenticating,
		Scheme:         authentication.GetScheme(),
		Authentication: authentication,
	})
	if err != nil {
		return session, err
	}

	switch session.State {
	case envelope.SessionStateEstablished, envelope.SessionStateAuthenticating:
		return session, nil
	default:
		return session, &channel.UnexpectedSessionError{Op: op, State: session.State}
	}
}

func (c *ClientChannel) SendFinishingSession() error {
	const op = "send finishing session"
	if err := c.require(op, envelope.SessionStateEstablished); err != nil {
		return err
	}

	// the finished answer may be applied before Send returns
	if err := c.SetState(envelope.SessionStateFinishing); err != nil {
		return err
	}
	if err := c.SendSession(&envelope.Session{
		Header: envelope.Header{ID: c.SessionId()},
		State:  envelope.SessionStateFinishing,
	}); err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return nil
}

func (c *ClientChannel) ReceiveFinishedSession(ctx context.Context) (*envelope.Session, error) {
	const op = "receive finished session"
	// the session handler applies the finished state as soon as it arrives
	if err := c.require(op, envelope.SessionStateFinishing, envelope.SessionStateFinished); err != nil {
		return nil, err
	}

	session, err := c.receive(ctx)
	if err != nil {
		return session, err
	}
	if session.State != envelope.SessionStateFinished {
		return session, &channel.UnexpectedSessionError{Op: op, State: session.State}
	}
	return session, nil
}

// EstablishSession runs the whole choreography up to the established state
func (c *ClientChannel) EstablishSession(ctx context.Context, options EstablishOptions) (*envelope.Session, error) {
	session, err := c.StartNewSession(ctx)
	if err != nil {
		return session, err
	}

	if session.State == envelope.SessionStateNegotiating {
		compression := choose(options.Compression, envelope.SessionCompressionNone, session.CompressionOptions)
		encryption := choose(options.Encryption, envelope.SessionEncryptionNone, session.EncryptionOptions)
		c.logger.Debugf("Negotiating %s compression and %s encryption", compression, encryption)

		if session, err = c.NegotiateSession(ctx, compression, encryption); err != nil {
			return session, err
		}
		if session, err = c.ReceiveAuthenticatingSession(ctx); err != nil {
			return session, err
		}
	}

	if session.State == envelope.SessionStateAuthenticating {
		if session, err = c.AuthenticateSession(ctx, options.Identity, options.Authentication, options.Instance); err != nil {
			return session, err
		}
	}

	if session.State != envelope.SessionStateEstablished {
		return session, &channel.UnexpectedSessionError{Op: "establish session", State: session.State}
	}
	c.logger.Infof("Session %s established as %s", c.SessionId(), c.LocalNode())
	return session, nil
}

// FinishSession asks the server to end the session and waits for it to agree
func (c *ClientChannel) FinishSession(ctx context.Context) error {
	if err := c.SendFinishingSession(); err != nil {
		return err
	}
	if _, err := c.ReceiveFinishedSession(ctx); err != nil {
		c.Close(err)
		return err
	}
	return nil
}

// Disconnect finishes an established session and closes the transport of
// any other
func (c *ClientChannel) Disconnect(ctx context.Context) error {
	if c.State() != envelope.SessionStateEstablished {
		c.Close(nil)
		return nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, finishTimeout)
		defer cancel()
	}
	return c.FinishSession(ctx)
}

func (c *ClientChannel) require(op string, states ...envelope.SessionState) error {
	current := c.State()
	for _, state := range states {
		if current == state {
			return nil
		}
	}
	return &channel.StateError{Op: op, State: current}
}

func (c *ClientChannel) exchange(ctx context.Context, op string, session *envelope.Session) (*envelope.Session, error) {
	if err := c.SendSession(session); err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	return c.receive(ctx)
}

// receive returns the next session of the server, with an error when the
// server failed the session
func (c *ClientChannel) receive(ctx context.Context) (*envelope.Session, error) {
	session, err := c.sessions.Next(ctx, c.Done())
	if err != nil {
		return nil, err
	}
	if session.State == envelope.SessionStateFailed {
		return session, &channel.SessionFailedError{Reason: session.Reason}
	}
	return session, nil
}

func (c *ClientChannel) establish(session *envelope.Session) {
	if session.To != nil {
		c.SetLocalNode(session.To)
	}
	if session.From != nil {
		c.SetRemoteNode(session.From)
	}
	if err := c.SetState(envelope.SessionStateEstablished); err != nil {
		c.logger.Infof("Ignoring established session: %s", err)
	}
}

// onSession runs on the read loop for every session envelope. Established
// and terminal states are applied right away so that the envelopes following
// them are judged against the new state.
func (c *ClientChannel) onSession(session *envelope.Session) {
	switch {
	case session.State == envelope.SessionStateEstablished:
		c.establish(session)
	case session.State.IsTerminal():
		c.terminate(session)
	}
	if !c.sessions.Push(session) {
		c.logger.Infof("Dropping session envelope nobody is reading: %s", session)
	}
}

func (c *ClientChannel) terminate(session *envelope.Session) {
	if err := c.SetState(session.State); err != nil {
		c.logger.Debugf("Ignoring %s session: %s", session.State, err)
		return
	}

	var reason error
	if session.State == envelope.SessionStateFailed {
		reason = &channel.SessionFailedError{Reason: session.Reason}
		c.logger.Infof("Session %s failed: %s", c.SessionId(), reason)
	} else {
		c.logger.Infof("Session %s finished", c.SessionId())
	}
	c.Close(reason)
}

func choose[T comparable](preferred, fallback T, offered []T) T {
	var zero T
	if preferred == zero {
		preferred = fallback
	}
	if len(offered) == 0 {
		return preferred
	}
	for _, option := range offered {
		if option == preferred {
			return option
		}
	}
	return offered[0]
}
