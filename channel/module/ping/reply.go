package ping

import (
	"github.com/takenet/lime-go/channel"
	"github.com/takenet/lime-go/envelope"
	"github.com/takenet/lime-go/logger"
)

// ReplyModule answers ping requests and keeps them from reaching listeners
type ReplyModule struct {
	channel.BaseModule

	logger *logger.Logger
	ch     Channel
}

func CreateAndRegisterReply(logger *logger.Logger, ch Channel) *ReplyModule {
	m := &ReplyModule{
		logger: logger.GetModuleLogger("replyping"),
		ch:     ch,
	}
	ch.CommandModules().Add(m)
	return m
}

func (m *ReplyModule) Unregister() {
	m.ch.CommandModules().Remove(m)
}

func (m *ReplyModule) OnReceiving(env envelope.Envelope) envelope.Envelope {
	cmd, ok := env.(*envelope.Command)
	if !ok || !cmd.IsPingRequest() || !m.addressedToUs(cmd) {
		return env
	}

	response := cmd.NewResponse(envelope.CommandStatusSuccess)
	response.Type = envelope.MediaTypePing
	response.Resource = &envelope.Ping{}

	if err := m.ch.SendCommand(response); err != nil {
		m.logger.Errorf("Failed to reply to ping %s: %s", cmd.ID, err)
	}
	return nil
}

// addressedToUs lets pings meant for other nodes through, so that a node
// relaying envelopes does not answer on behalf of others
func (m *ReplyModule) addressedToUs(cmd *envelope.Command) bool {
	if cmd.To == nil {
		return true
	}
	local := m.ch.LocalNode()
	if local == nil {
		return true
	}

	to, identity := cmd.To.ToIdentity(), local.ToIdentity()
	return to.Equal(&identity) || (to.Name == "" && to.Domain == identity.Domain)
}
