// Package recipients completes the routing nodes of inbound envelopes from
// what the session knows about both ends.
package recipients

import (
	"github.com/takenet/lime-go/channel"
	"github.com/takenet/lime-go/envelope"
)

type Channel interface {
	LocalNode() *envelope.Node
	RemoteNode() *envelope.Node
	MessageModules() *channel.ModuleList
	NotificationModules() *channel.ModuleList
	CommandModules() *channel.ModuleList
}

type Module struct {
	channel.BaseModule
	ch Channel
}

func CreateAndRegister(ch Channel) *Module {
	m := &Module{ch: ch}
	ch.MessageModules().Add(m)
	ch.NotificationModules().Add(m)
	ch.CommandModules().Add(m)
	return m
}

// OnReceiving fills a missing sender with the remote node, a sender without
// domain with the remote domain and a missing destination with the local node.
// The pp node is left alone.
func (m *Module) OnReceiving(env envelope.Envelope) envelope.Envelope {
	header := env.GetHeader()

	if remote := m.ch.RemoteNode(); remote != nil {
		if header.From == nil {
			header.From = remote
		} else if header.From.Domain == "" {
			header.From.Domain = remote.Domain
		}
	}

	if header.To == nil {
		header.To = m.ch.LocalNode()
	}
	return env
}
