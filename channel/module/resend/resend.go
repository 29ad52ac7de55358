/*
Package resend sends messages again until the destination acknowledges them.
A message with an id is tracked from its first send; a received or failed
notification for that id stops tracking, otherwise it goes out again every
interval until it has been sent RetryLimit times.
*/
package resend

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map"
	"gopkg.in/tomb.v2"

	"github.com/takenet/lime-go/channel"
	"github.com/takenet/lime-go/envelope"
	"github.com/takenet/lime-go/logger"
)

// MetadataKey carries how many times a resent message was sent before
const MetadataKey = "#resend"

const (
	DefaultRetryLimit = 3
	DefaultInterval   = 5 * time.Second
)

type Options struct {
	RetryLimit    int
	Interval      time.Duration
	UnbindOnClose bool
}

type Channel interface {
	SendMessage(msg *envelope.Message) error
	MessageModules() *channel.ModuleList
	NotificationModules() *channel.ModuleList
}

type sentMessage struct {
	message  *envelope.Message
	count    int
	lastSent time.Time
}

type Module struct {
	logger  *logger.Logger
	options Options

	// held for the whole of Bind and Unbind, the loop never takes it
	bindLock sync.Mutex

	lock  sync.Mutex
	bound Channel
	tmb   *tomb.Tomb
	wake  chan struct{}

	// Keyed by message id, oldest send first. Moving a record to the back on
	// every send keeps the front as the next one due.
	sent *orderedmap.OrderedMap
}

func New(logger *logger.Logger, options Options) *Module {
	if options.RetryLimit <= 0 {
		options.RetryLimit = DefaultRetryLimit
	}
	if options.Interval <= 0 {
		options.Interval = DefaultInterval
	}

	return &Module{
		logger:  logger.GetModuleLogger("resend"),
		options: options,
		sent:    orderedmap.New(),
	}
}

// CreateAndRegister builds a module and binds it to ch
func CreateAndRegister(logger *logger.Logger, ch Channel, options Options) (*Module, error) {
	m := New(logger, options)
	if err := m.Bind(ch); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Module) Bind(ch Channel) error {
	m.bindLock.Lock()
	defer m.bindLock.Unlock()

	m.lock.Lock()
	defer m.lock.Unlock()

	if m.bound != nil {
		return fmt.Errorf("resend module is already bound to a channel")
	}

	tmb, wake := &tomb.Tomb{}, make(chan struct{}, 1)
	m.bound, m.tmb, m.wake = ch, tmb, wake
	tmb.Go(func() error {
		return m.resendLoop(tmb, wake)
	})

	ch.MessageModules().Add(m)
	ch.NotificationModules().Add(m)
	return nil
}

// Unbind detaches the module and waits for its loop to stop. Messages still
// waiting for a receipt are abandoned after that.
func (m *Module) Unbind() {
	m.bindLock.Lock()
	defer m.bindLock.Unlock()

	m.lock.Lock()
	ch, tmb := m.bound, m.tmb
	m.lock.Unlock()

	if ch == nil {
		return
	}

	ch.MessageModules().Remove(m)
	ch.NotificationModules().Remove(m)

	tmb.Kill(nil)
	tmb.Wait()

	m.lock.Lock()
	defer m.lock.Unlock()

	if abandoned := m.sent.Len(); abandoned > 0 {
		m.logger.Infof("Unbound with %d message(s) still unacknowledged", abandoned)
	}
	m.sent = orderedmap.New()
	m.bound = nil
	m.tmb = nil
}

func (m *Module) IsBound() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.bound != nil
}

// Pending is the number of messages waiting for a receipt
func (m *Module) Pending() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.sent.Len()
}

func (m *Module) OnStateChanged(state envelope.SessionState) {
	if state.IsTerminal() && m.options.UnbindOnClose {
		// unbinding waits for the loop, which may be sending through the
		// channel notifying us
		go m.Unbind()
	}
}

func (m *Module) OnSending(env envelope.Envelope) envelope.Envelope {
	msg, ok := env.(*envelope.Message)
	if !ok || msg.ID == "" {
		return env
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if m.bound == nil {
		return env
	}

	record := &sentMessage{message: msg}
	if value, ok := m.sent.Delete(msg.ID); ok {
		record = value.(*sentMessage)
	}
	record.count++
	record.lastSent = time.Now()

	if record.count < m.options.RetryLimit {
		m.sent.Set(msg.ID, record)
		m.signal()
	} else if record.count > 1 {
		m.logger.Debugf("Giving up on message %s after %d sends", msg.ID, record.count)
	}
	return env
}

func (m *Module) OnReceiving(env envelope.Envelope) envelope.Envelope {
	not, ok := env.(*envelope.Notification)
	if !ok || not.ID == "" {
		return env
	}

	if not.Event == envelope.NotificationEventReceived || not.Event == envelope.NotificationEventFailed {
		m.lock.Lock()
		if _, ok := m.sent.Delete(not.ID); ok {
			m.logger.Tracef("Message %s was %s", not.ID, not.Event)
			m.signal()
		}
		m.lock.Unlock()
	}
	return env
}

// signal must be called with the lock held
func (m *Module) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// next returns the oldest record and how long until it is due
func (m *Module) next() (*sentMessage, time.Duration) {
	m.lock.Lock()
	defer m.lock.Unlock()

	pair := m.sent.Oldest()
	if pair == nil {
		return nil, 0
	}
	record := pair.Value.(*sentMessage)
	return record, time.Until(record.lastSent.Add(m.options.Interval))
}

func (m *Module) resendLoop(tmb *tomb.Tomb, wake <-chan struct{}) error {
	for {
		record, wait := m.next()

		if record == nil {
			select {
			case <-tmb.Dying():
				return nil
			case <-wake:
				continue
			}
		}

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-tmb.Dying():
				timer.Stop()
				return nil
			case <-wake:
				timer.Stop()
				continue
			case <-timer.C:
				continue
			}
		}

		m.resend(record)
	}
}

func (m *Module) resend(record *sentMessage) {
	m.lock.Lock()
	id := record.message.ID
	if current, ok := m.sent.Get(id); !ok || current != record {
		// acknowledged in the meantime
		m.lock.Unlock()
		return
	}
	msg := record.message.Copy()
	msg.SetMetadata(MetadataKey, strconv.Itoa(record.count))
	ch := m.bound
	m.lock.Unlock()

	m.logger.Debugf("Resending message %s, attempt %d", id, record.count+1)
	if err := ch.SendMessage(msg); err != nil {
		m.logger.Errorf("Failed to resend message %s: %s", id, err)

		m.lock.Lock()
		if current, ok := m.sent.Get(id); ok && current == record {
			m.sent.Delete(id)
		}
		m.lock.Unlock()
	}
}
