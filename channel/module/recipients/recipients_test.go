package recipients

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/mock"

	"github.com/takenet/lime-go/channel"
	"github.com/takenet/lime-go/envelope"
	"github.com/takenet/lime-go/logger"
	"github.com/takenet/lime-go/transporter"
)

func TestRecipients(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Recipients Suite")
}

var _ = Describe("Fill recipients module", func() {
	logger := logger.MockLogger(GinkgoWriter)

	var transport *transporter.MockTransporter
	var received chan *envelope.Message

	local := envelope.MustParseNode("client@limeprotocol.org/home")
	remote := envelope.MustParseNode("postmaster@limeprotocol.org/server1")

	BeforeEach(func() {
		transport = transporter.NewMockTransporter(logger)
		transport.On("Send", mock.Anything).Return(nil)
		ch := channel.New(logger, transport, channel.RoleClient, channel.WithLocalNode(local), channel.WithRemoteNode(remote))
		Expect(ch.SetState(envelope.SessionStateEstablished)).To(Succeed())
		CreateAndRegister(ch)

		received = make(chan *envelope.Message, 1)
		ch.AddMessageListener(channel.MessageListenerFunc(func(msg *envelope.Message) { received <- msg }), false)
	})

	It("fills both ends when missing", func() {
		transport.Receive(&envelope.Message{Type: envelope.MediaTypeTextPlain, Content: envelope.PlainDocument("hi")})

		var msg *envelope.Message
		Expect(received).To(Receive(&msg))
		Expect(msg.From.String()).To(Equal(remote.String()))
		Expect(msg.To.String()).To(Equal(local.String()))
		Expect(msg.Pp).To(BeNil())
	})

	It("completes a sender without domain", func() {
		transport.Receive(&envelope.Message{Header: envelope.Header{From: &envelope.Node{Name: "friend", Instance: "phone"}}, Type: envelope.MediaTypeTextPlain, Content: envelope.PlainDocument("hi")})

		var msg *envelope.Message
		Expect(received).To(Receive(&msg))
		Expect(msg.From.String()).To(Equal("friend@limeprotocol.org/phone"))
	})

	It("keeps complete addresses", func() {
		from := envelope.MustParseNode("friend@other.org/phone")
		to := envelope.MustParseNode("client@limeprotocol.org/work")
		transport.Receive(&envelope.Message{Header: envelope.Header{From: from, To: to}, Type: envelope.MediaTypeTextPlain, Content: envelope.PlainDocument("hi")})

		var msg *envelope.Message
		Expect(received).To(Receive(&msg))
		Expect(msg.From.String()).To(Equal("friend@other.org/phone"))
		Expect(msg.To.String()).To(Equal("client@limeprotocol.org/work"))
	})
})
