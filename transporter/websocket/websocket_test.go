package websocket

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/takenet/lime-go/envelope"
	"github.com/takenet/lime-go/logger"
	"github.com/takenet/lime-go/telemetry"
	"github.com/takenet/lime-go/transporter"
)

func TestWebsocket(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Websocket Suite")
}

type collector struct {
	lock      sync.Mutex
	envelopes []envelope.Envelope
}

func (c *collector) OnReceive(env envelope.Envelope) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.envelopes = append(c.envelopes, env)
}

func (c *collector) Received() []envelope.Envelope {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]envelope.Envelope(nil), c.envelopes...)
}

var _ = Describe("Websocket", func() {
	logger := logger.MockLogger(GinkgoWriter)

	var ctx context.Context
	var cancel context.CancelFunc
	var websocket *Websocket

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		websocket = New(logger, Config{})
	})

	AfterEach(func() {
		websocket.Close(nil)
		cancel()
	})

	Context("Making connections", func() {
		It("rejects non websocket schemes", func() {
			uri, _ := url.Parse("net.tcp://localhost:1234")
			Expect(websocket.Open(ctx, uri)).To(MatchError(transporter.ErrInvalidUri))
		})

		It("fails on a port with no listener", func() {
			server := NewMockWebsocketServer(logger)
			uri, _ := url.Parse(server.Addr)
			server.Shutdown()

			Expect(websocket.Open(ctx, uri)).To(HaveOccurred())
			Expect(websocket.IsConnected()).To(BeFalse())
		})
	})

	Context("Talking to an echo server", func() {
		var server *MockWebsocketServer
		var received *collector

		BeforeEach(func() {
			server = NewMockWebsocketServer(logger)
			uri, _ := url.Parse(server.Addr)
			Expect(websocket.Open(ctx, uri)).To(Succeed())

			received = &collector{}
			websocket.SetEnvelopeListener(received)
		})

		AfterEach(func() {
			server.Shutdown()
		})

		It("sends one envelope per frame and decodes the echo", func() {
			msg := &envelope.Message{Header: envelope.Header{ID: "1"}, Type: envelope.MediaTypeTextPlain, Content: envelope.PlainDocument("hello")}
			Expect(websocket.Send(msg)).To(Succeed())

			var frame []byte
			Eventually(server.ReceivedBytes).Should(Receive(&frame))
			Expect(string(frame)).To(MatchJSON(`{"id":"1","type":"text/plain","content":"hello"}`))

			Eventually(received.Received).Should(HaveLen(1))
			Expect(received.Received()[0]).To(Equal(msg))

			var outbound, inbound telemetry.Window
			Eventually(func() int {
				Expect(json.Unmarshal(websocket.Stats().Outbound, &outbound)).To(Succeed())
				return outbound.Total
			}).Should(Equal(len(frame)))
			Expect(json.Unmarshal(websocket.Stats().Inbound, &inbound)).To(Succeed())
			Expect(inbound.Total).To(Equal(len(frame)))
		})

		It("reports no encryption for ws", func() {
			Expect(websocket.Encryption()).To(Equal(envelope.SessionEncryptionNone))
			Expect(websocket.SetEncryption(ctx, envelope.SessionEncryptionTLS)).To(MatchError(transporter.ErrUnsupportedEncryption))
		})

		It("notifies state listeners once on close", func() {
			listener := &transporter.MockStateListener{}
			websocket.AddStateListener(listener, transporter.PriorityApplication)

			websocket.Close(nil)
			websocket.Close(nil)
			Eventually(websocket.Done()).Should(BeClosed())

			closing, closed, _ := listener.Counts()
			Expect(closing).To(Equal(1))
			Expect(closed).To(Equal(1))
			Expect(websocket.Send(msg())).To(MatchError(transporter.ErrNotConnected))
		})
	})

	Context("Accepting connections", func() {
		var listener *Listener

		BeforeEach(func() {
			listener = NewListener(logger, Config{})
			uri, _ := url.Parse("ws://127.0.0.1:0/lime")
			Expect(listener.Start(ctx, uri)).To(Succeed())
		})

		AfterEach(func() {
			listener.Stop()
		})

		It("exchanges envelopes with an accepted transport", func() {
			uri, _ := url.Parse("ws://" + listener.Addr().String() + "/lime")

			opened := make(chan error, 1)
			go func() {
				opened <- websocket.Open(ctx, uri)
			}()

			server, err := listener.Accept(ctx)
			Expect(err).ShouldNot(HaveOccurred())
			defer server.Close(nil)
			Eventually(opened).Should(Receive(BeNil()))

			received := &collector{}
			server.SetEnvelopeListener(received)

			Expect(websocket.Send(msg())).To(Succeed())
			Eventually(received.Received).Should(HaveLen(1))

			server.Close(nil)
			Eventually(websocket.Done()).Should(BeClosed())
		})

		It("stops accepting once stopped", func() {
			listener.Stop()
			_, err := listener.Accept(ctx)
			Expect(err).To(MatchError(ErrListenerStopped))
		})
	})
})

func msg() *envelope.Message {
	return &envelope.Message{Header: envelope.Header{ID: envelope.NewId()}, Type: envelope.MediaTypeTextPlain, Content: envelope.PlainDocument("ping")}
}
