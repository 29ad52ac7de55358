// Package throughput caps how many envelopes a channel sends per time unit.
package throughput

import (
	"context"
	"fmt"
	"time"

	"github.com/takenet/lime-go/channel"
	"github.com/takenet/lime-go/envelope"
	"github.com/takenet/lime-go/logger"
	"github.com/takenet/lime-go/ratelimit"
)

// Policy decides what happens to an envelope that waited WaitTimeout
// without being admitted
type Policy string

const (
	PolicyProceed Policy = "proceed"
	PolicyDrop    Policy = "drop"
	PolicyBlock   Policy = "block"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyProceed, PolicyDrop, PolicyBlock:
		return p, nil
	case "":
		return PolicyProceed, nil
	default:
		return "", fmt.Errorf("unknown throughput policy %q", s)
	}
}

type Options struct {
	Capacity    int
	Unit        time.Duration
	WaitTimeout time.Duration
	Policy      Policy
}

type Channel interface {
	MessageModules() *channel.ModuleList
	NotificationModules() *channel.ModuleList
	CommandModules() *channel.ModuleList
}

type Module struct {
	channel.BaseModule

	logger  *logger.Logger
	options Options
	gate    *ratelimit.RateGate
}

func New(logger *logger.Logger, options Options) (*Module, error) {
	if options.Unit <= 0 {
		options.Unit = time.Second
	}
	if options.WaitTimeout <= 0 {
		options.WaitTimeout = options.Unit
	}
	policy, err := ParsePolicy(string(options.Policy))
	if err != nil {
		return nil, err
	}
	options.Policy = policy

	gate, err := ratelimit.NewRateGate(options.Capacity, options.Unit)
	if err != nil {
		return nil, fmt.Errorf("invalid throughput options: %w", err)
	}

	return &Module{
		logger:  logger.GetModuleLogger("throughput"),
		options: options,
		gate:    gate,
	}, nil
}

// CreateAndRegister throttles every kind sent through ch with one shared gate
func CreateAndRegister(logger *logger.Logger, ch Channel, options Options) (*Module, error) {
	m, err := New(logger, options)
	if err != nil {
		return nil, err
	}

	ch.MessageModules().Add(m)
	ch.NotificationModules().Add(m)
	ch.CommandModules().Add(m)
	return m, nil
}

func (m *Module) OnSending(env envelope.Envelope) envelope.Envelope {
	if m.options.Policy == PolicyBlock {
		// the background context never ends, so neither does the wait
		m.gate.WaitToProceed(context.Background())
		return env
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.options.WaitTimeout)
	defer cancel()

	if err := m.gate.WaitToProceed(ctx); err != nil {
		if m.options.Policy == PolicyDrop {
			m.logger.Warnf("Dropping %s %s, throughput limit of %d per %s reached", envelope.KindOf(env), env.GetHeader().ID, m.options.Capacity, m.options.Unit)
			return nil
		}
		m.logger.Warnf("Sending %s %s over the throughput limit of %d per %s", envelope.KindOf(env), env.GetHeader().ID, m.options.Capacity, m.options.Unit)
	}
	return env
}
