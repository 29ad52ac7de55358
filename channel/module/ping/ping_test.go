package ping

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/mock"

	"github.com/takenet/lime-go/channel"
	"github.com/takenet/lime-go/envelope"
	"github.com/takenet/lime-go/logger"
	"github.com/takenet/lime-go/transporter"
)

func TestPing(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Ping Suite")
}

func pingsIn(transport *transporter.MockTransporter) func() []*envelope.Command {
	return func() []*envelope.Command {
		var pings []*envelope.Command
		for _, env := range transport.Sent() {
			if cmd, ok := env.(*envelope.Command); ok && cmd.IsPingRequest() {
				pings = append(pings, cmd)
			}
		}
		return pings
	}
}

var _ = Describe("Remote ping module", func() {
	const interval = 100 * time.Millisecond

	logger := logger.MockLogger(GinkgoWriter)

	var transport *transporter.MockTransporter
	var ch *channel.Channel
	var disconnects atomic.Int32
	var module *RemoteModule

	disconnector := DisconnectorFunc(func(ctx context.Context) error {
		disconnects.Add(1)
		return nil
	})

	BeforeEach(func() {
		disconnects.Store(0)
		transport = transporter.NewMockTransporter(logger)
		transport.On("Send", mock.Anything).Return(nil)
		ch = channel.New(logger, transport, channel.RoleClient)
	})

	AfterEach(func() {
		module.Unregister()
	})

	When("the peer goes quiet", func() {
		BeforeEach(func() {
			module = CreateAndRegisterRemote(logger, ch, disconnector, Options{Interval: interval, DisconnectionInterval: 4 * interval})
			Expect(ch.SetState(envelope.SessionStateEstablished)).To(Succeed())
		})

		It("pings once per interval and then disconnects", func() {
			Eventually(disconnects.Load, 8*interval).Should(BeEquivalentTo(1))
			Expect(pingsIn(transport)()).To(HaveLen(3))
			Consistently(disconnects.Load, 3*interval).Should(BeEquivalentTo(1))
			Expect(pingsIn(transport)()).To(HaveLen(3))
		})

		It("postpones the ping on every inbound envelope", func() {
			deadline := time.Now().Add(4 * interval)
			for time.Now().Before(deadline) {
				before := time.Now()
				transport.Receive(&envelope.Notification{Event: envelope.NotificationEventReceived})
				Expect(module.LastActivity()).To(BeTemporally(">=", before))
				time.Sleep(interval / 2)
			}

			Expect(pingsIn(transport)()).To(BeEmpty())
			Expect(disconnects.Load()).To(BeZero())
			Eventually(pingsIn(transport), 2*interval).Should(HaveLen(1))
		})

		It("swallows the responses to its own pings", func() {
			Eventually(pingsIn(transport), 2*interval).Should(HaveLen(1))

			dispatched := 0
			ch.AddCommandListener(channel.CommandListenerFunc(func(*envelope.Command) { dispatched++ }), false)

			ping := pingsIn(transport)()[0]
			transport.Receive(ping.NewResponse(envelope.CommandStatusSuccess))
			Expect(dispatched).To(BeZero())

			other := &envelope.Command{Header: envelope.Header{ID: "other"}, Method: envelope.CommandMethodGet, Status: envelope.CommandStatusSuccess}
			transport.Receive(other)
			Expect(dispatched).To(Equal(1))
		})

		It("stops when the session finishes", func() {
			Expect(ch.SetState(envelope.SessionStateFinished)).To(Succeed())
			Consistently(pingsIn(transport), 3*interval).Should(BeEmpty())
			Expect(disconnects.Load()).To(BeZero())
		})
	})

	It("never disconnects without a disconnection interval", func() {
		module = CreateAndRegisterRemote(logger, ch, disconnector, Options{Interval: interval / 2})
		Expect(ch.SetState(envelope.SessionStateEstablished)).To(Succeed())

		Eventually(func() int { return len(pingsIn(transport)()) }, 10*interval).Should(BeNumerically(">=", 6))
		Expect(disconnects.Load()).To(BeZero())
	})

	It("does not ping over a closed transport", func() {
		module = CreateAndRegisterRemote(logger, ch, disconnector, Options{Interval: interval, DisconnectionInterval: 2 * interval})
		Expect(ch.SetState(envelope.SessionStateEstablished)).To(Succeed())
		transport.Close(nil)

		Consistently(pingsIn(transport), 3*interval).Should(BeEmpty())
		Expect(disconnects.Load()).To(BeZero())
	})
})

var _ = Describe("Reply ping module", func() {
	logger := logger.MockLogger(GinkgoWriter)

	var transport *transporter.MockTransporter
	var ch *channel.Channel
	var dispatched int

	BeforeEach(func() {
		transport = transporter.NewMockTransporter(logger)
		transport.On("Send", mock.Anything).Return(nil)
		ch = channel.New(logger, transport, channel.RoleServer, channel.WithLocalNode(envelope.MustParseNode("server@limeprotocol.org/s1")))
		Expect(ch.SetState(envelope.SessionStateEstablished)).To(Succeed())
		CreateAndRegisterReply(logger, ch)

		dispatched = 0
		ch.AddCommandListener(channel.CommandListenerFunc(func(*envelope.Command) { dispatched++ }), false)
	})

	It("answers a ping without dispatching it", func() {
		ping := envelope.NewPingRequest()
		ping.From = envelope.MustParseNode("client@limeprotocol.org/home")
		transport.Receive(ping)

		Expect(dispatched).To(BeZero())
		Expect(transport.Sent()).To(HaveLen(1))

		response := transport.Sent()[0].(*envelope.Command)
		Expect(response.ID).To(Equal(ping.ID))
		Expect(response.Status).To(Equal(envelope.CommandStatusSuccess))
		Expect(response.Resource).To(Equal(&envelope.Ping{}))
		Expect(response.To.String()).To(Equal("client@limeprotocol.org/home"))
	})

	It("answers pings addressed to its identity", func() {
		ping := envelope.NewPingRequest()
		ping.To = envelope.MustParseNode("server@limeprotocol.org")
		transport.Receive(ping)

		Expect(dispatched).To(BeZero())
	})

	It("lets pings for other nodes through", func() {
		ping := envelope.NewPingRequest()
		ping.To = envelope.MustParseNode("someone@else.org")
		transport.Receive(ping)

		Expect(dispatched).To(Equal(1))
		Expect(transport.Sent()).To(BeEmpty())
	})

	It("lets other commands through", func() {
		transport.Receive(&envelope.Command{Header: envelope.Header{ID: "1"}, Method: envelope.CommandMethodGet, Uri: "/account"})
		Expect(dispatched).To(Equal(1))
	})
})
