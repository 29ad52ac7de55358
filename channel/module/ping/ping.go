// Package ping keeps idle channels alive. The remote module probes a quiet
// peer with /ping commands and gives up on it after too long without
// traffic; the reply module answers the probes of the other side.
package ping

import (
	"context"
	"sync"
	"time"

	"github.com/takenet/lime-go/channel"
	"github.com/takenet/lime-go/envelope"
	"github.com/takenet/lime-go/logger"
	"github.com/takenet/lime-go/transporter"
)

const (
	DefaultInterval   = 30 * time.Second
	disconnectTimeout = 5 * time.Second
)

type Channel interface {
	State() envelope.SessionState
	Transport() transporter.Transporter
	LocalNode() *envelope.Node
	SendCommand(cmd *envelope.Command) error
	MessageModules() *channel.ModuleList
	NotificationModules() *channel.ModuleList
	CommandModules() *channel.ModuleList
}

// Disconnector ends a channel whose peer stopped answering
type Disconnector interface {
	Disconnect(ctx context.Context) error
}

type DisconnectorFunc func(ctx context.Context) error

func (f DisconnectorFunc) Disconnect(ctx context.Context) error {
	return f(ctx)
}

type Options struct {
	Interval time.Duration

	// Time without any inbound envelope after which the peer is considered
	// gone. Zero never disconnects.
	DisconnectionInterval time.Duration
}

type RemoteModule struct {
	channel.BaseModule

	logger       *logger.Logger
	ch           Channel
	disconnector Disconnector
	options      Options

	lock         sync.Mutex
	lastActivity time.Time
	timer        *time.Timer
	generation   uint64
	pings        map[string]struct{}
}

// CreateAndRegisterRemote attaches a probing module to every kind of ch
func CreateAndRegisterRemote(logger *logger.Logger, ch Channel, disconnector Disconnector, options Options) *RemoteModule {
	if options.Interval <= 0 {
		options.Interval = DefaultInterval
	}

	m := &RemoteModule{
		logger:       logger.GetModuleLogger("remoteping"),
		ch:           ch,
		disconnector: disconnector,
		options:      options,
		pings:        make(map[string]struct{}),
	}

	ch.MessageModules().Add(m)
	ch.NotificationModules().Add(m)
	ch.CommandModules().Add(m)

	if ch.State() == envelope.SessionStateEstablished {
		m.touch()
	}
	return m
}

func (m *RemoteModule) Unregister() {
	m.ch.MessageModules().Remove(m)
	m.ch.NotificationModules().Remove(m)
	m.ch.CommandModules().Remove(m)
	m.stop()
}

func (m *RemoteModule) OnStateChanged(state envelope.SessionState) {
	if state == envelope.SessionStateEstablished {
		m.touch()
	} else if state.IsTerminal() || state == envelope.SessionStateFinishing {
		m.stop()
	}
}

func (m *RemoteModule) OnReceiving(env envelope.Envelope) envelope.Envelope {
	m.touch()

	if cmd, ok := env.(*envelope.Command); ok && cmd.IsResponse() {
		m.lock.Lock()
		_, ours := m.pings[cmd.ID]
		delete(m.pings, cmd.ID)
		m.lock.Unlock()

		if ours {
			return nil
		}
	}
	return env
}

func (m *RemoteModule) LastActivity() time.Time {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.lastActivity
}

// touch records inbound activity and postpones the next ping
func (m *RemoteModule) touch() {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.lastActivity = time.Now()
	m.schedule()
}

// schedule replaces the pending ping, if any. Must be called with the lock held.
func (m *RemoteModule) schedule() {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.generation++
	generation := m.generation
	m.timer = time.AfterFunc(m.options.Interval, func() {
		m.fire(generation)
	})
}

func (m *RemoteModule) stop() {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.generation++
}

func (m *RemoteModule) fire(generation uint64) {
	m.lock.Lock()
	if generation != m.generation {
		m.lock.Unlock()
		return
	}

	if m.ch.State() != envelope.SessionStateEstablished || !m.ch.Transport().IsConnected() {
		m.timer = nil
		m.lock.Unlock()
		return
	}

	idle := time.Since(m.lastActivity)
	if m.options.DisconnectionInterval > 0 && idle >= m.options.DisconnectionInterval {
		m.timer = nil
		m.generation++
		m.pings = make(map[string]struct{})
		m.lock.Unlock()

		m.logger.Infof("No activity from the remote node for %s, disconnecting", idle.Round(time.Millisecond))
		ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		if err := m.disconnector.Disconnect(ctx); err != nil {
			m.logger.Errorf("Failed to disconnect the idle channel: %s", err)
		}
		return
	}

	cmd := envelope.NewPingRequest()
	m.pings[cmd.ID] = struct{}{}
	m.schedule()
	m.lock.Unlock()

	m.logger.Tracef("Pinging the remote node, idle for %s", idle.Round(time.Millisecond))
	if err := m.ch.SendCommand(cmd); err != nil {
		m.logger.Errorf("Failed to ping the remote node: %s", err)

		m.lock.Lock()
		delete(m.pings, cmd.ID)
		m.lock.Unlock()
	}
}
