// Package module attaches the built-in channel modules a node asks for in
// its configuration.
package module

import (
	"fmt"
	"time"

	"github.com/takenet/lime-go/channel"
	"github.com/takenet/lime-go/channel/module/ping"
	"github.com/takenet/lime-go/channel/module/recipients"
	"github.com/takenet/lime-go/channel/module/resend"
	"github.com/takenet/lime-go/channel/module/throughput"
	"github.com/takenet/lime-go/logger"
)

type Config struct {
	FillEnvelopeRecipients bool
	AutoReplyPings         bool

	// Zero disables the remote ping module
	RemotePingInterval time.Duration
	RemoteIdleTimeout  time.Duration

	// nil disables the module
	Resend     *resend.Options
	Throughput *throughput.Options
}

func DefaultConfig() Config {
	return Config{
		FillEnvelopeRecipients: true,
		AutoReplyPings:         true,
	}
}

// Builtins holds the modules Register attached, nil for the disabled ones
type Builtins struct {
	Recipients *recipients.Module
	RemotePing *ping.RemoteModule
	ReplyPing  *ping.ReplyModule
	Resend     *resend.Module
	Throughput *throughput.Module
}

// Register attaches the configured modules to ch. Recipients come first so
// later modules see complete addresses, and the remote ping module sits ahead
// of the reply module so answered pings still count as activity.
func Register(logger *logger.Logger, ch *channel.Channel, config Config, disconnector ping.Disconnector) (*Builtins, error) {
	b := &Builtins{}

	if config.FillEnvelopeRecipients {
		b.Recipients = recipients.CreateAndRegister(ch)
	}

	if config.RemotePingInterval > 0 {
		if disconnector == nil {
			return nil, fmt.Errorf("%w: remote ping needs a disconnector", channel.ErrInvalidArgument)
		}
		b.RemotePing = ping.CreateAndRegisterRemote(logger, ch, disconnector, ping.Options{
			Interval:              config.RemotePingInterval,
			DisconnectionInterval: config.RemoteIdleTimeout,
		})
	}

	if config.AutoReplyPings {
		b.ReplyPing = ping.CreateAndRegisterReply(logger, ch)
	}

	if config.Resend != nil {
		m, err := resend.CreateAndRegister(logger, ch, *config.Resend)
		if err != nil {
			return nil, fmt.Errorf("failed to register the resend module: %w", err)
		}
		b.Resend = m
	}

	if config.Throughput != nil {
		m, err := throughput.CreateAndRegister(logger, ch, *config.Throughput)
		if err != nil {
			return nil, fmt.Errorf("failed to register the throughput module: %w", err)
		}
		b.Throughput = m
	}

	return b, nil
}
