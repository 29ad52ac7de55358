/*
Package ondemand offers a logical client channel that establishes a physical
session the first time it is needed and replaces it whenever its transport
goes away, until it is explicitly finished.

Only one physical channel is built at a time. Listeners added to the logical
channel are attached to every physical channel it creates.
*/
package ondemand

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"gopkg.in/tomb.v2"

	"github.com/takenet/lime-go/channel"
	"github.com/takenet/lime-go/channel/clientchannel"
	"github.com/takenet/lime-go/envelope"
	"github.com/takenet/lime-go/logger"
)

var (
	ErrFinished            = errors.New("ondemand: channel finished")
	ErrEstablishmentFailed = errors.New("ondemand: could not establish a channel")
)

const (
	DefaultMaxInterval = time.Minute
	finishTimeout      = 5 * time.Second
)

// Builder opens a transport and establishes a session over it
type Builder func(ctx context.Context) (*clientchannel.ClientChannel, error)

type Handlers struct {
	OnChannelCreated   func(ch *clientchannel.ClientChannel)
	OnChannelDiscarded func(ch *clientchannel.ClientChannel)

	// Returning false stops retrying and hands err to the caller
	OnChannelCreationFailed func(err error) bool
}

type Options struct {
	Handlers

	InitialInterval time.Duration
	MaxInterval     time.Duration

	// Zero keeps retrying until the caller's context ends
	MaxElapsedTime time.Duration
}

type OnDemandChannel struct {
	logger  *logger.Logger
	builder Builder
	options Options
	tmb     tomb.Tomb

	// held by whoever is building a physical channel
	buildLock sync.Mutex

	lock     sync.Mutex
	current  *clientchannel.ClientChannel
	finished bool

	messageListeners      registry[channel.MessageListener]
	notificationListeners registry[channel.NotificationListener]
	commandListeners      registry[channel.CommandListener]
}

func New(logger *logger.Logger, builder Builder, options Options) *OnDemandChannel {
	if options.MaxInterval <= 0 {
		options.MaxInterval = DefaultMaxInterval
	}

	o := &OnDemandChannel{
		logger:  logger.GetComponentLogger("ondemand"),
		builder: builder,
		options: options,
	}

	// keeps the tomb alive until Finish so channel watchers can join later
	o.tmb.Go(func() error {
		<-o.tmb.Dying()
		return nil
	})
	return o
}

// Establish builds the physical channel now instead of on the first send
func (o *OnDemandChannel) Establish(ctx context.Context) error {
	_, err := o.getChannel(ctx)
	return err
}

func (o *OnDemandChannel) IsEstablished() bool {
	return o.healthy() != nil
}

func (o *OnDemandChannel) SendMessage(ctx context.Context, msg *envelope.Message) error {
	_, err := with(ctx, o, func(ch *clientchannel.ClientChannel) (struct{}, error) {
		return struct{}{}, ch.SendMessage(msg)
	})
	return err
}

func (o *OnDemandChannel) SendNotification(ctx context.Context, not *envelope.Notification) error {
	_, err := with(ctx, o, func(ch *clientchannel.ClientChannel) (struct{}, error) {
		return struct{}{}, ch.SendNotification(not)
	})
	return err
}

func (o *OnDemandChannel) SendCommand(ctx context.Context, cmd *envelope.Command) error {
	_, err := with(ctx, o, func(ch *clientchannel.ClientChannel) (struct{}, error) {
		return struct{}{}, ch.SendCommand(cmd)
	})
	return err
}

func (o *OnDemandChannel) ProcessCommand(ctx context.Context, cmd *envelope.Command) (*envelope.Command, error) {
	return with(ctx, o, func(ch *clientchannel.ClientChannel) (*envelope.Command, error) {
		return ch.ProcessCommand(ctx, cmd)
	})
}

func (o *OnDemandChannel) AddMessageListener(listener channel.MessageListener) (remove func()) {
	return o.messageListeners.add(listener)
}

func (o *OnDemandChannel) AddNotificationListener(listener channel.NotificationListener) (remove func()) {
	return o.notificationListeners.add(listener)
}

func (o *OnDemandChannel) AddCommandListener(listener channel.CommandListener) (remove func()) {
	return o.commandListeners.add(listener)
}

// Finish ends the current session, if any, and stops every reconnection
func (o *OnDemandChannel) Finish(ctx context.Context) error {
	o.lock.Lock()
	if o.finished {
		o.lock.Unlock()
		return nil
	}
	o.finished = true
	ch := o.current
	o.current = nil
	o.lock.Unlock()

	o.tmb.Kill(nil)

	var err error
	if ch != nil {
		if ch.State() == envelope.SessionStateEstablished {
			if _, ok := ctx.Deadline(); !ok {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, finishTimeout)
				defer cancel()
			}
			err = ch.FinishSession(ctx)
		}
		ch.Close(nil)
		o.discarded(ch)
	}

	o.tmb.Wait()
	return err
}

// with runs fn on a healthy channel, replacing the channel whenever it turns
// out to be gone
func with[T any](ctx context.Context, o *OnDemandChannel, fn func(ch *clientchannel.ClientChannel) (T, error)) (T, error) {
	for {
		ch, err := o.getChannel(ctx)
		if err != nil {
			var zero T
			return zero, err
		}

		result, err := fn(ch)
		if err == nil || o.isHealthy(ch) {
			return result, err
		}

		o.logger.Infof("Channel %s went away while in use, replacing it: %s", ch.SessionId(), err)
		o.discard(ch)
	}
}

func (o *OnDemandChannel) getChannel(ctx context.Context) (*clientchannel.ClientChannel, error) {
	if ch := o.healthy(); ch != nil {
		return ch, nil
	}

	o.buildLock.Lock()
	defer o.buildLock.Unlock()

	// someone else may have built it while we waited
	if ch := o.healthy(); ch != nil {
		return ch, nil
	}
	if o.isFinished() {
		return nil, ErrFinished
	}
	if stale := o.takeCurrent(); stale != nil {
		stale.Close(nil)
		o.discarded(stale)
	}
	return o.build(ctx)
}

func (o *OnDemandChannel) build(ctx context.Context) (*clientchannel.ClientChannel, error) {
	backoffParams := backoff.NewExponentialBackOff()
	if o.options.InitialInterval > 0 {
		backoffParams.InitialInterval = o.options.InitialInterval
	}
	backoffParams.MaxInterval = o.options.MaxInterval
	backoffParams.MaxElapsedTime = o.options.MaxElapsedTime

	ticker := backoff.NewTicker(backoffParams)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, channel.ContextError(ctx.Err())
		case <-o.tmb.Dying():
			return nil, ErrFinished
		case _, ok := <-ticker.C:
			if !ok {
				return nil, fmt.Errorf("%w after %s", ErrEstablishmentFailed, backoffParams.MaxElapsedTime)
			}

			ch, err := o.builder(ctx)
			if err == nil && ch.State() != envelope.SessionStateEstablished {
				ch.Close(nil)
				err = &channel.StateError{Op: "use a new channel", State: ch.State()}
			}
			if err != nil {
				o.logger.Infof("Failed to establish a channel: %s", err)
				if handler := o.options.OnChannelCreationFailed; handler != nil && !handler(err) {
					return nil, fmt.Errorf("%w: %w", ErrEstablishmentFailed, err)
				}
				continue
			}

			if !o.attach(ch) {
				ch.Close(nil)
				return nil, ErrFinished
			}
			return ch, nil
		}
	}
}

// attach makes ch the current channel, unless finished
func (o *OnDemandChannel) attach(ch *clientchannel.ClientChannel) bool {
	ch.AddMessageListener(channel.MessageListenerFunc(func(msg *envelope.Message) {
		for _, listener := range o.messageListeners.snapshot() {
			listener.OnMessage(msg)
		}
	}), false)
	ch.AddNotificationListener(channel.NotificationListenerFunc(func(not *envelope.Notification) {
		for _, listener := range o.notificationListeners.snapshot() {
			listener.OnNotification(not)
		}
	}), false)
	ch.AddCommandListener(channel.CommandListenerFunc(func(cmd *envelope.Command) {
		for _, listener := range o.commandListeners.snapshot() {
			listener.OnCommand(cmd)
		}
	}), false)

	o.lock.Lock()
	if o.finished {
		o.lock.Unlock()
		return false
	}
	o.current = ch
	o.tmb.Go(func() error {
		return o.watch(ch)
	})
	o.lock.Unlock()

	o.logger.Infof("Channel %s established", ch.SessionId())
	if handler := o.options.OnChannelCreated; handler != nil {
		handler(ch)
	}
	return true
}

// watch replaces ch once its transport closes
func (o *OnDemandChannel) watch(ch *clientchannel.ClientChannel) error {
	select {
	case <-o.tmb.Dying():
		return nil
	case <-ch.Done():
	}

	o.logger.Infof("Channel %s closed in the %s state", ch.SessionId(), ch.State())
	o.discard(ch)

	ctx := o.tmb.Context(nil)
	if _, err := o.getChannel(ctx); err != nil && !errors.Is(err, ErrFinished) && ctx.Err() == nil {
		o.logger.Errorf("Giving up on re-establishing the channel: %s", err)
	}
	return nil
}

// discard drops ch if it is still the current channel
func (o *OnDemandChannel) discard(ch *clientchannel.ClientChannel) {
	o.lock.Lock()
	if o.current != ch {
		o.lock.Unlock()
		return
	}
	o.current = nil
	o.lock.Unlock()

	ch.Close(nil)
	o.discarded(ch)
}

func (o *OnDemandChannel) discarded(ch *clientchannel.ClientChannel) {
	if handler := o.options.OnChannelDiscarded; handler != nil {
		handler(ch)
	}
}

func (o *OnDemandChannel) takeCurrent() *clientchannel.ClientChannel {
	o.lock.Lock()
	defer o.lock.Unlock()
	ch := o.current
	o.current = nil
	return ch
}

func (o *OnDemandChannel) healthy() *clientchannel.ClientChannel {
	o.lock.Lock()
	ch := o.current
	o.lock.Unlock()

	if ch != nil && o.isHealthy(ch) {
		return ch
	}
	return nil
}

func (o *OnDemandChannel) isHealthy(ch *clientchannel.ClientChannel) bool {
	return ch.State() == envelope.SessionStateEstablished && ch.Transport().IsConnected()
}

func (o *OnDemandChannel) isFinished() bool {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.finished
}

// registry holds the listeners of the logical channel
type registry[T any] struct {
	lock      sync.Mutex
	nextId    int
	listeners map[int]T
	order     []int
}

func (r *registry[T]) add(listener T) (remove func()) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.listeners == nil {
		r.listeners = make(map[int]T)
	}
	id := r.nextId
	r.nextId++
	r.listeners[id] = listener
	r.order = append(r.order, id)

	return func() {
		r.lock.Lock()
		defer r.lock.Unlock()
		delete(r.listeners, id)
		for i, existing := range r.order {
			if existing == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
}

func (r *registry[T]) snapshot() []T {
	r.lock.Lock()
	defer r.lock.Unlock()

	listeners := make([]T, 0, len(r.order))
	for _, id := range r.order {
		listeners = append(listeners, r.listeners[id])
	}
	return listeners
}
