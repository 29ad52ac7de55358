/*
Package channel implements the Lime channel: the session state machine that
decides which envelopes may flow, the module pipelines every envelope goes
through and the dispatch of inbound envelopes to listeners.

A Channel owns one transport. Inbound envelopes are dispatched on the
transport read loop, in the order they were received; listeners should hand
long work to their own goroutines.
*/
package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/takenet/lime-go/envelope"
	"github.com/takenet/lime-go/logger"
	"github.com/takenet/lime-go/transporter"
)

const DefaultCommandTimeout = 60 * time.Second

type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// SessionHandler receives session envelopes nobody is waiting for
type SessionHandler func(session *envelope.Session)

type Option func(*Channel)

func WithLocalNode(node *envelope.Node) Option {
	return func(c *Channel) { c.localNode = node.Copy() }
}

func WithRemoteNode(node *envelope.Node) Option {
	return func(c *Channel) { c.remoteNode = node.Copy() }
}

func WithSessionId(id string) Option {
	return func(c *Channel) { c.sessionId = id }
}

func WithCommandTimeout(timeout time.Duration) Option {
	return func(c *Channel) { c.commandTimeout = timeout }
}

func WithSessionHandler(handler SessionHandler) Option {
	return func(c *Channel) { c.sessionHandler = handler }
}

type Channel struct {
	logger    *logger.Logger
	transport transporter.Transporter
	role      Role

	infoLock   sync.RWMutex
	sessionId  string
	localNode  *envelope.Node
	remoteNode *envelope.Node

	stateLock sync.RWMutex
	state     envelope.SessionState

	// serializes transitions and the module notifications they trigger
	transitionLock sync.Mutex

	messageModules      *ModuleList
	notificationModules *ModuleList
	commandModules      *ModuleList

	messageListeners      listenerSet[*envelope.Message]
	notificationListeners listenerSet[*envelope.Notification]
	commandListeners      listenerSet[*envelope.Command]
	sessionListeners      listenerSet[*envelope.Session]
	exceptionListeners    listenerSet[error]

	correlator     *CommandCorrelator
	commandTimeout time.Duration
	sessionHandler SessionHandler

	closedOnce sync.Once
}

func New(logger *logger.Logger, transport transporter.Transporter, role Role, opts ...Option) *Channel {
	c := &Channel{
		logger:              logger.GetComponentLogger(role.String() + "channel"),
		transport:           transport,
		role:                role,
		state:               envelope.SessionStateNew,
		messageModules:      &ModuleList{},
		notificationModules: &ModuleList{},
		commandModules:      &ModuleList{},
		correlator:          NewCommandCorrelator(),
		commandTimeout:      DefaultCommandTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	transport.AddStateListener(&transportObserver{channel: c}, transporter.PriorityProtocol)
	transport.SetEnvelopeListener(transporter.EnvelopeListenerFunc(c.receive))
	return c
}

func (c *Channel) Transport() transporter.Transporter {
	return c.transport
}

func (c *Channel) Role() Role {
	return c.role
}

func (c *Channel) Logger() *logger.Logger {
	return c.logger
}

func (c *Channel) SessionId() string {
	c.infoLock.RLock()
	defer c.infoLock.RUnlock()
	return c.sessionId
}

func (c *Channel) SetSessionId(id string) {
	c.infoLock.Lock()
	defer c.infoLock.Unlock()
	c.sessionId = id
}

func (c *Channel) LocalNode() *envelope.Node {
	c.infoLock.RLock()
	defer c.infoLock.RUnlock()
	return c.localNode.Copy()
}

func (c *Channel) SetLocalNode(node *envelope.Node) {
	c.infoLock.Lock()
	defer c.infoLock.Unlock()
	c.localNode = node.Copy()
}

func (c *Channel) RemoteNode() *envelope.Node {
	c.infoLock.RLock()
	defer c.infoLock.RUnlock()
	return c.remoteNode.Copy()
}

func (c *Channel) SetRemoteNode(node *envelope.Node) {
	c.infoLock.Lock()
	defer c.infoLock.Unlock()
	c.remoteNode = node.Copy()
}

func (c *Channel) MessageModules() *ModuleList {
	return c.messageModules
}

func (c *Channel) NotificationModules() *ModuleList {
	return c.notificationModules
}

func (c *Channel) CommandModules() *ModuleList {
	return c.commandModules
}

// Done is closed once the transport is closed
func (c *Channel) Done() <-chan struct{} {
	return c.transport.Done()
}

func (c *Channel) Close(reason error) {
	c.transport.Close(reason)
}

func (c *Channel) State() envelope.SessionState {
	c.stateLock.RLock()
	defer c.stateLock.RUnlock()
	return c.state
}

// SetState moves the session forward and tells every registered module,
// each once even when it is registered for several kinds. Setting the
// current state again does nothing.
func (c *Channel) SetState(state envelope.SessionState) error {
	c.transitionLock.Lock()
	defer c.transitionLock.Unlock()

	c.stateLock.Lock()
	current := c.state
	if current == state {
		c.stateLock.Unlock()
		return nil
	}
	if !current.CanTransitionTo(state) {
		c.stateLock.Unlock()
		return fmt.Errorf("%w: from %s to %s", ErrInvalidStateTransition, current, state)
	}
	c.state = state
	c.stateLock.Unlock()

	c.logger.Debugf("Session state changed from %s to %s", current, state)

	seen := make(map[Module]struct{})
	for _, list := range []*ModuleList{c.messageModules, c.notificationModules, c.commandModules} {
		for _, m := range list.Snapshot() {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			c.safely("module state change", func() { m.OnStateChanged(state) })
		}
	}
	return nil
}

func (c *Channel) requireEstablished(op string) error {
	if state := c.State(); state != envelope.SessionStateEstablished {
		return &StateError{Op: op, State: state}
	}
	return nil
}

func (c *Channel) SendMessage(msg *envelope.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidArgument)
	}
	if err := c.requireEstablished("send message"); err != nil {
		return err
	}
	return c.send(c.messageModules, msg)
}

func (c *Channel) SendNotification(not *envelope.Notification) error {
	if not == nil {
		return fmt.Errorf("%w: nil notification", ErrInvalidArgument)
	}
	if err := c.requireEstablished("send notification"); err != nil {
		return err
	}
	return c.send(c.notificationModules, not)
}

func (c *Channel) SendCommand(cmd *envelope.Command) error {
	if cmd == nil {
		return fmt.Errorf("%w: nil command", ErrInvalidArgument)
	}
	if err := c.requireEstablished("send command"); err != nil {
		return err
	}
	if err := cmd.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return c.send(c.commandModules, cmd)
}

// SendSession sends a session envelope; it does not change the local state
func (c *Channel) SendSession(session *envelope.Session) error {
	if session == nil {
		return fmt.Errorf("%w: nil session", ErrInvalidArgument)
	}
	if state := c.State(); state.IsTerminal() {
		return &StateError{Op: "send session", State: state}
	}
	return c.transport.Send(session)
}

func (c *Channel) send(modules *ModuleList, env envelope.Envelope) error {
	if env = sending(modules.Snapshot(), env); env == nil {
		return nil
	}
	return c.transport.Send(env)
}

// ProcessCommand sends a request and waits for its response. Without a
// deadline on ctx the channel command timeout applies.
func (c *Channel) ProcessCommand(ctx context.Context, cmd *envelope.Command) (*envelope.Command, error) {
	if err := c.requireEstablished("process command"); err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok && c.commandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.commandTimeout)
		defer cancel()
	}
	return c.correlator.Request(ctx, c, cmd)
}

func (c *Channel) Correlator() *CommandCorrelator {
	return c.correlator
}

func (c *Channel) AddMessageListener(listener MessageListener, removeAfterReceive bool) (remove func()) {
	return c.messageListeners.add(listener.OnMessage, removeAfterReceive)
}

func (c *Channel) AddNotificationListener(listener NotificationListener, removeAfterReceive bool) (remove func()) {
	return c.notificationListeners.add(listener.OnNotification, removeAfterReceive)
}

func (c *Channel) AddCommandListener(listener CommandListener, removeAfterReceive bool) (remove func()) {
	return c.commandListeners.add(listener.OnCommand, removeAfterReceive)
}

// AddSessionListener waits for the next session envelope only
func (c *Channel) AddSessionListener(listener SessionListener) (remove func()) {
	return c.sessionListeners.add(listener.OnSession, true)
}

// AddExceptionListener is told about transport exceptions and envelopes
// received in a state that does not allow them
func (c *Channel) AddExceptionListener(listener func(err error)) (remove func()) {
	return c.exceptionListeners.add(listener, false)
}

func (c *Channel) ReceiveMessage(ctx context.Context) (*envelope.Message, error) {
	return receiveOne(ctx, c, func(fn func(*envelope.Message)) func() {
		return c.AddMessageListener(MessageListenerFunc(fn), true)
	})
}

func (c *Channel) ReceiveNotification(ctx context.Context) (*envelope.Notification, error) {
	return receiveOne(ctx, c, func(fn func(*envelope.Notification)) func() {
		return c.AddNotificationListener(NotificationListenerFunc(fn), true)
	})
}

func (c *Channel) ReceiveCommand(ctx context.Context) (*envelope.Command, error) {
	return receiveOne(ctx, c, func(fn func(*envelope.Command)) func() {
		return c.AddCommandListener(CommandListenerFunc(fn), true)
	})
}

func (c *Channel) ReceiveSession(ctx context.Context) (*envelope.Session, error) {
	return c.ExpectSession().Wait(ctx)
}

// SessionWaiter is a session listener registered ahead of sending the
// envelope whose answer it waits for
type SessionWaiter struct {
	channel *Channel
	result  chan *envelope.Session
	remove  func()
}

func (c *Channel) ExpectSession() *SessionWaiter {
	w := &SessionWaiter{channel: c, result: make(chan *envelope.Session, 1)}
	w.remove = c.AddSessionListener(SessionListenerFunc(func(session *envelope.Session) {
		w.result <- session
	}))
	return w
}

func (w *SessionWaiter) Cancel() {
	w.remove()
}

func (w *SessionWaiter) Wait(ctx context.Context) (*envelope.Session, error) {
	select {
	case session := <-w.result:
		return session, nil
	case <-ctx.Done():
		w.remove()
		return nil, ContextError(ctx.Err())
	case <-w.channel.Done():
		w.remove()
		// a session may have raced the closure
		select {
		case session := <-w.result:
			return session, nil
		default:
			return nil, ErrChannelClosed
		}
	}
}

func receiveOne[T any](ctx context.Context, c *Channel, register func(func(T)) func()) (T, error) {
	result := make(chan T, 1)
	remove := register(func(env T) {
		result <- env
	})

	var zero T
	select {
	case env := <-result:
		return env, nil
	case <-ctx.Done():
		remove()
		return zero, ContextError(ctx.Err())
	case <-c.Done():
		remove()
		return zero, ErrChannelClosed
	}
}

// receive runs on the transport read loop
func (c *Channel) receive(env envelope.Envelope) {
	switch e := env.(type) {
	case *envelope.Session:
		c.receiveSession(e)

	case *envelope.Message:
		if err := c.requireEstablished("receive message"); err != nil {
			c.raiseException(err)
			return
		}
		if msg, ok := receiving(c.messageModules.Snapshot(), e).(*envelope.Message); ok {
			dispatch(c, "message", c.messageListeners.take(), msg)
		}

	case *envelope.Notification:
		if err := c.requireEstablished("receive notification"); err != nil {
			c.raiseException(err)
			return
		}
		if not, ok := receiving(c.notificationModules.Snapshot(), e).(*envelope.Notification); ok {
			dispatch(c, "notification", c.notificationListeners.take(), not)
		}

	case *envelope.Command:
		if err := c.requireEstablished("receive command"); err != nil {
			c.raiseException(err)
			return
		}
		cmd, ok := receiving(c.commandModules.Snapshot(), e).(*envelope.Command)
		if !ok {
			return
		}
		if cmd.IsResponse() && c.correlator.SubmitResponse(cmd) {
			return
		}
		dispatch(c, "command", c.commandListeners.take(), cmd)

	default:
		c.logger.Errorf("Dropping envelope of unknown type %T", env)
	}
}

func (c *Channel) receiveSession(session *envelope.Session) {
	if listeners := c.sessionListeners.take(); len(listeners) > 0 {
		dispatch(c, "session", listeners, session)
		return
	}

	if c.sessionHandler != nil {
		c.safely("session handler", func() { c.sessionHandler(session) })
		return
	}
	c.logger.Infof("Dropping unexpected session envelope in state %s: %s", c.State(), session)
}

func dispatch[T any](c *Channel, kind string, listeners []func(T), env T) {
	for _, listener := range listeners {
		c.safely(kind+" listener", func() { listener(env) })
	}
}

func (c *Channel) raiseException(err error) {
	c.logger.Error(err)
	for _, listener := range c.exceptionListeners.take() {
		c.safely("exception listener", func() { listener(err) })
	}
}

// safely logs a panic of fn instead of letting it unwind into the caller
func (c *Channel) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf("%s panicked: %v", what, r)
		}
	}()
	fn()
}

type transportObserver struct {
	channel *Channel
}

func (o *transportObserver) OnClosing() {}

func (o *transportObserver) OnClosed() {
	c := o.channel
	c.closedOnce.Do(func() {
		c.correlator.CancelAll()

		state := c.State()
		if state.IsTerminal() {
			return
		}

		c.logger.Infof("Transport closed in the %s state", state)
		c.raiseException(fmt.Errorf("%w: %v", ErrChannelClosed, c.transport.Err()))
		if err := c.SetState(envelope.SessionStateFailed); err != nil {
			c.logger.Error(err)
		}
	})
}

func (o *transportObserver) OnException(err error) {
	o.channel.raiseException(err)
}
