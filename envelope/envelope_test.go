package envelope

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestEnvelope(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Envelope Suite")
}

var _ = Describe("Node", func() {
	DescribeTable("parsing",
		func(input string, expected Node) {
			node, err := ParseNode(input)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(node).To(Equal(expected))
			Expect(node.String()).To(Equal(input))
		},
		Entry("full address", "golang@limeprotocol.org/home", Node{Name: "golang", Domain: "limeprotocol.org", Instance: "home"}),
		Entry("identity", "golang@limeprotocol.org", Node{Name: "golang", Domain: "limeprotocol.org"}),
		Entry("domain only", "limeprotocol.org", Node{Domain: "limeprotocol.org"}),
		Entry("domain and instance", "limeprotocol.org/server1", Node{Domain: "limeprotocol.org", Instance: "server1"}),
	)

	It("rejects empty input", func() {
		_, err := ParseNode("  ")
		Expect(err).To(MatchError(ErrInvalidNode))
	})

	It("rejects more than one separator", func() {
		_, err := ParseNode("a@b@c")
		Expect(err).To(MatchError(ErrInvalidNode))
	})

	It("drops the instance for the identity", func() {
		node := MustParseNode("golang@limeprotocol.org/home")
		Expect(node.ToIdentity().String()).To(Equal("golang@limeprotocol.org"))
		Expect(node.IsComplete()).To(BeTrue())
		Expect(node.ToIdentity().IsComplete()).To(BeFalse())
	})

	It("compares name and domain ignoring case", func() {
		Expect(MustParseNode("Golang@LimeProtocol.org/a").Equal(MustParseNode("golang@limeprotocol.org/a"))).To(BeTrue())
		Expect(MustParseNode("golang@limeprotocol.org/a").Equal(MustParseNode("golang@limeprotocol.org/b"))).To(BeFalse())
		var empty *Node
		Expect(empty.Equal(nil)).To(BeTrue())
	})

	It("round trips through text marshalling", func() {
		text, err := MustParseNode("a@b/c").MarshalText()
		Expect(err).ShouldNot(HaveOccurred())

		var node Node
		Expect(node.UnmarshalText(text)).To(Succeed())
		Expect(node.String()).To(Equal("a@b/c"))
	})
})

var _ = Describe("SessionState", func() {
	It("only moves forward", func() {
		Expect(SessionStateNew.CanTransitionTo(SessionStateNegotiating)).To(BeTrue())
		Expect(SessionStateNew.CanTransitionTo(SessionStateEstablished)).To(BeTrue())
		Expect(SessionStateEstablished.CanTransitionTo(SessionStateFinishing)).To(BeTrue())
		Expect(SessionStateEstablished.CanTransitionTo(SessionStateNegotiating)).To(BeFalse())
		Expect(SessionStateEstablished.CanTransitionTo(SessionStateEstablished)).To(BeFalse())
	})

	It("never leaves a terminal state", func() {
		Expect(SessionStateFinished.IsTerminal()).To(BeTrue())
		Expect(SessionStateFailed.IsTerminal()).To(BeTrue())
		Expect(SessionStateFinished.CanTransitionTo(SessionStateFailed)).To(BeFalse())
		Expect(SessionStateFailed.CanTransitionTo(SessionStateFinished)).To(BeFalse())
	})

	It("rejects unknown states", func() {
		Expect(SessionState("bogus").IsValid()).To(BeFalse())
		Expect(SessionStateNew.CanTransitionTo("bogus")).To(BeFalse())
	})
})

var _ = Describe("Command", func() {
	It("recognises ping requests", func() {
		ping := NewPingRequest()
		Expect(ping.ID).NotTo(BeEmpty())
		Expect(ping.IsPingRequest()).To(BeTrue())

		response := ping.NewResponse(CommandStatusSuccess)
		Expect(response.IsPingRequest()).To(BeFalse())
		Expect(response.IsResponse()).To(BeTrue())
	})

	It("swaps the routing nodes in a response", func() {
		request := &Command{
			Header: Header{ID: "1", From: MustParseNode("a@b/c"), To: MustParseNode("server@b")},
			Method: CommandMethodGet,
			Uri:    "/account",
		}

		response := request.NewResponse(CommandStatusSuccess)
		Expect(response.ID).To(Equal("1"))
		Expect(response.To.String()).To(Equal("a@b/c"))
		Expect(response.From.String()).To(Equal("server@b"))
		Expect(response.Method).To(Equal(CommandMethodGet))
	})

	It("rejects observe commands with a status", func() {
		cmd := &Command{Method: CommandMethodObserve, Status: CommandStatusSuccess}
		Expect(cmd.Validate()).To(MatchError(ErrInvalidCommand))

		cmd.Status = ""
		Expect(cmd.Validate()).To(Succeed())
	})
})

var _ = Describe("Envelope", func() {
	It("identifies each kind", func() {
		Expect(KindOf(&Session{})).To(Equal(SessionKind))
		Expect(KindOf(&Message{})).To(Equal(MessageKind))
		Expect(KindOf(&Notification{})).To(Equal(NotificationKind))
		Expect(KindOf(&Command{})).To(Equal(CommandKind))
	})

	It("copies the header of a message", func() {
		original := NewMessage(MustParseNode("a@b"), PlainDocument("hello"))
		original.SetMetadata("key", "value")

		copied := original.Copy()
		copied.SetMetadata("key", "changed")
		copied.To.Name = "other"

		Expect(original.Metadata["key"]).To(Equal("value"))
		Expect(original.To.Name).To(Equal("a"))
		Expect(copied.Content).To(Equal(PlainDocument("hello")))
	})

	It("detects JSON media types", func() {
		Expect(MediaTypePing.IsJson()).To(BeTrue())
		Expect(MediaType("application/json; charset=utf-8").IsJson()).To(BeTrue())
		Expect(MediaTypeTextPlain.IsJson()).To(BeFalse())
	})

	It("encodes plain passwords", func() {
		auth := NewPlainAuthentication("secret")
		Expect(auth.Password).To(Equal("c2VjcmV0"))

		password, err := auth.DecodedPassword()
		Expect(err).ShouldNot(HaveOccurred())
		Expect(password).To(Equal("secret"))
	})
})
