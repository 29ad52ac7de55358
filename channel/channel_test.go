package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/mock"

	"github.com/takenet/lime-go/envelope"
	"github.com/takenet/lime-go/logger"
	"github.com/takenet/lime-go/transporter"
)

func TestChannel(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Channel Suite")
}

type recordingModule struct {
	BaseModule
	lock     sync.Mutex
	name     string
	states   []envelope.SessionState
	trace    *[]string
	swallow  bool
	received []envelope.Envelope
}

func (m *recordingModule) OnStateChanged(state envelope.SessionState) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.states = append(m.states, state)
}

func (m *recordingModule) OnSending(env envelope.Envelope) envelope.Envelope {
	if m.trace != nil {
		*m.trace = append(*m.trace, m.name)
	}
	if m.swallow {
		return nil
	}
	return env
}

func (m *recordingModule) OnReceiving(env envelope.Envelope) envelope.Envelope {
	m.lock.Lock()
	m.received = append(m.received, env)
	m.lock.Unlock()
	if m.swallow {
		return nil
	}
	return env
}

func (m *recordingModule) States() []envelope.SessionState {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]envelope.SessionState(nil), m.states...)
}

var _ = Describe("Channel", func() {
	logger := logger.MockLogger(GinkgoWriter)

	var transport *transporter.MockTransporter
	var ch *Channel

	message := func(id string) *envelope.Message {
		return &envelope.Message{Header: envelope.Header{ID: id}, Type: envelope.MediaTypeTextPlain, Content: envelope.PlainDocument("hi")}
	}

	BeforeEach(func() {
		transport = transporter.NewMockTransporter(logger)
		transport.On("Send", mock.Anything).Return(nil)
		ch = New(logger, transport, RoleClient)
	})

	Context("Sending", func() {
		DescribeTable("refuses traffic outside of the established state",
			func(states ...envelope.SessionState) {
				for _, state := range states {
					Expect(ch.SetState(state)).To(Succeed())
				}

				var stateErr *StateError
				err := ch.SendMessage(message("1"))
				Expect(errors.As(err, &stateErr)).To(BeTrue())
				Expect(err).To(MatchError(ErrInvalidState))
				Expect(ch.SendNotification(&envelope.Notification{Event: envelope.NotificationEventReceived})).To(MatchError(ErrInvalidState))
				Expect(ch.SendCommand(&envelope.Command{Method: envelope.CommandMethodGet})).To(MatchError(ErrInvalidState))
				Expect(transport.Sent()).To(BeEmpty())
			},
			Entry("new"),
			Entry("negotiating", envelope.SessionStateNegotiating),
			Entry("authenticating", envelope.SessionStateAuthenticating),
			Entry("finishing", envelope.SessionStateEstablished, envelope.SessionStateFinishing),
			Entry("finished", envelope.SessionStateFinished),
			Entry("failed", envelope.SessionStateFailed),
		)

		It("sends every kind once established", func() {
			Expect(ch.SetState(envelope.SessionStateEstablished)).To(Succeed())

			Expect(ch.SendMessage(message("1"))).To(Succeed())
			Expect(ch.SendNotification(&envelope.Notification{Header: envelope.Header{ID: "1"}, Event: envelope.NotificationEventReceived})).To(Succeed())
			Expect(ch.SendCommand(&envelope.Command{Header: envelope.Header{ID: "2"}, Method: envelope.CommandMethodGet, Uri: "/presence"})).To(Succeed())
			Expect(transport.Sent()).To(HaveLen(3))
		})

		It("refuses sessions once the session is over", func() {
			Expect(ch.SendSession(&envelope.Session{State: envelope.SessionStateNew})).To(Succeed())

			Expect(ch.SetState(envelope.SessionStateFinished)).To(Succeed())
			Expect(ch.SendSession(&envelope.Session{State: envelope.SessionStateFinished})).To(MatchError(ErrInvalidState))
		})

		It("rejects invalid commands", func() {
			Expect(ch.SetState(envelope.SessionStateEstablished)).To(Succeed())
			err := ch.SendCommand(&envelope.Command{Method: envelope.CommandMethodObserve, Status: envelope.CommandStatusSuccess})
			Expect(err).To(MatchError(ErrInvalidArgument))
			Expect(err).To(MatchError(envelope.ErrInvalidCommand))
		})

		It("runs the sending pipeline in registration order", func() {
			var trace []string
			ch.MessageModules().Add(&recordingModule{name: "first", trace: &trace})
			ch.MessageModules().Add(&recordingModule{name: "second", trace: &trace})
			Expect(ch.SetState(envelope.SessionStateEstablished)).To(Succeed())

			Expect(ch.SendMessage(message("1"))).To(Succeed())
			Expect(trace).To(Equal([]string{"first", "second"}))
			Expect(transport.Sent()).To(HaveLen(1))
		})

		It("drops the envelope when a module returns nil", func() {
			var trace []string
			ch.MessageModules().Add(&recordingModule{name: "swallower", trace: &trace, swallow: true})
			ch.MessageModules().Add(&recordingModule{name: "never", trace: &trace})
			Expect(ch.SetState(envelope.SessionStateEstablished)).To(Succeed())

			Expect(ch.SendMessage(message("1"))).To(Succeed())
			Expect(trace).To(Equal([]string{"swallower"}))
			Expect(transport.Sent()).To(BeEmpty())
		})
	})

	Context("Changing state", func() {
		It("ignores setting the current state", func() {
			module := &recordingModule{}
			ch.MessageModules().Add(module)

			Expect(ch.SetState(envelope.SessionStateNegotiating)).To(Succeed())
			Expect(ch.SetState(envelope.SessionStateNegotiating)).To(Succeed())
			Expect(module.States()).To(Equal([]envelope.SessionState{envelope.SessionStateNegotiating}))
		})

		It("only moves forward", func() {
			Expect(ch.SetState(envelope.SessionStateEstablished)).To(Succeed())
			Expect(ch.SetState(envelope.SessionStateNegotiating)).To(MatchError(ErrInvalidStateTransition))

			Expect(ch.SetState(envelope.SessionStateFailed)).To(Succeed())
			Expect(ch.SetState(envelope.SessionStateFinished)).To(MatchError(ErrInvalidStateTransition))
			Expect(ch.State()).To(Equal(envelope.SessionStateFailed))
		})

		It("notifies a module registered for several kinds once", func() {
			module := &recordingModule{}
			ch.MessageModules().Add(module)
			ch.NotificationModules().Add(module)
			ch.CommandModules().Add(module)
			other := &recordingModule{}
			ch.CommandModules().Add(other)

			Expect(ch.SetState(envelope.SessionStateEstablished)).To(Succeed())
			Expect(module.States()).To(Equal([]envelope.SessionState{envelope.SessionStateEstablished}))
			Expect(other.States()).To(Equal([]envelope.SessionState{envelope.SessionStateEstablished}))
		})
	})

	Context("Receiving", func() {
		var exceptions chan error

		BeforeEach(func() {
			exceptions = make(chan error, 10)
			ch.AddExceptionListener(func(err error) { exceptions <- err })
		})

		It("reports traffic received before establishment", func() {
			received := 0
			ch.AddMessageListener(MessageListenerFunc(func(*envelope.Message) { received++ }), false)

			transport.Receive(message("1"))
			Expect(received).To(BeZero())

			var err error
			Expect(exceptions).To(Receive(&err))
			Expect(err).To(MatchError(ErrInvalidState))
		})

		When("established", func() {
			BeforeEach(func() {
				Expect(ch.SetState(envelope.SessionStateEstablished)).To(Succeed())
			})

			It("keeps persistent listeners and drops single receive ones", func() {
				persistent, once := 0, 0
				ch.AddMessageListener(MessageListenerFunc(func(*envelope.Message) { persistent++ }), false)
				ch.AddMessageListener(MessageListenerFunc(func(*envelope.Message) { once++ }), true)

				transport.Receive(message("1"))
				transport.Receive(message("2"))

				Expect(persistent).To(Equal(2))
				Expect(once).To(Equal(1))
			})

			It("stops calling removed listeners", func() {
				received := 0
				remove := ch.AddNotificationListener(NotificationListenerFunc(func(*envelope.Notification) { received++ }), false)
				transport.Receive(&envelope.Notification{Event: envelope.NotificationEventReceived})
				remove()
				transport.Receive(&envelope.Notification{Event: envelope.NotificationEventReceived})

				Expect(received).To(Equal(1))
			})

			It("keeps delivering after a listener panics", func() {
				delivered := false
				ch.AddMessageListener(MessageListenerFunc(func(*envelope.Message) { panic("boom") }), false)
				ch.AddMessageListener(MessageListenerFunc(func(*envelope.Message) { delivered = true }), false)

				transport.Receive(message("1"))
				Expect(delivered).To(BeTrue())
			})

			It("lets a module swallow inbound envelopes", func() {
				module := &recordingModule{swallow: true}
				ch.CommandModules().Add(module)

				received := 0
				ch.AddCommandListener(CommandListenerFunc(func(*envelope.Command) { received++ }), false)
				transport.Receive(envelope.NewPingRequest())

				Expect(received).To(BeZero())
				Expect(module.received).To(HaveLen(1))
			})

			It("allows module registration while dispatching", func() {
				late := &recordingModule{}
				ch.MessageModules().Add(&hookModule{onReceiving: func() { ch.MessageModules().Add(late) }})

				transport.Receive(message("1"))
				transport.Receive(message("2"))
				Expect(late.received).To(HaveLen(1))
			})

			It("receives the next message", func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()

				go func() {
					time.Sleep(20 * time.Millisecond)
					transport.Receive(message("next"))
				}()

				msg, err := ch.ReceiveMessage(ctx)
				Expect(err).ShouldNot(HaveOccurred())
				Expect(msg.ID).To(Equal("next"))
			})

			It("times out waiting for a message", func() {
				ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
				defer cancel()

				_, err := ch.ReceiveMessage(ctx)
				Expect(err).To(MatchError(ErrTimeout))
				Expect(ch.messageListeners.len()).To(BeZero())
			})

			It("forwards transport exceptions", func() {
				transport.Fail(errors.New("broken pipe"))

				var err error
				Expect(exceptions).To(Receive(&err))
				Expect(err).To(MatchError("broken pipe"))
			})
		})

		It("hands sessions to the waiting listener first", func() {
			handled := 0
			ch = New(logger, transporter.NewMockTransporter(logger), RoleServer, WithSessionHandler(func(*envelope.Session) { handled++ }))
			mockTransport := ch.Transport().(*transporter.MockTransporter)

			waiter := ch.ExpectSession()
			mockTransport.Receive(&envelope.Session{State: envelope.SessionStateNew})
			mockTransport.Receive(&envelope.Session{State: envelope.SessionStateFinishing})

			session, err := waiter.Wait(context.Background())
			Expect(err).ShouldNot(HaveOccurred())
			Expect(session.State).To(Equal(envelope.SessionStateNew))
			Expect(handled).To(Equal(1))
		})
	})

	Context("Processing commands", func() {
		var request *envelope.Command

		BeforeEach(func() {
			Expect(ch.SetState(envelope.SessionStateEstablished)).To(Succeed())
			request = &envelope.Command{Header: envelope.Header{ID: "cmd-1"}, Method: envelope.CommandMethodGet, Uri: "/account"}
		})

		It("returns the matching response without dispatching it", func() {
			dispatched := 0
			ch.AddCommandListener(CommandListenerFunc(func(*envelope.Command) { dispatched++ }), false)

			go func() {
				defer GinkgoRecover()
				Eventually(transport.Sent).Should(HaveLen(1))
				transport.Receive(request.NewResponse(envelope.CommandStatusSuccess))
			}()

			response, err := ch.ProcessCommand(context.Background(), request)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(response.Status).To(Equal(envelope.CommandStatusSuccess))
			Expect(dispatched).To(BeZero())

			transport.Receive(request.NewResponse(envelope.CommandStatusSuccess))
			Expect(dispatched).To(Equal(1))
		})

		It("times out with the command timeout", func() {
			ch = New(logger, transport, RoleClient, WithCommandTimeout(30*time.Millisecond))
			Expect(ch.SetState(envelope.SessionStateEstablished)).To(Succeed())

			_, err := ch.ProcessCommand(context.Background(), request)
			Expect(err).To(MatchError(ErrTimeout))
			Expect(ch.Correlator().Pending()).To(BeZero())
		})

		It("cancels pending requests when the transport closes", func() {
			result := make(chan error, 1)
			go func() {
				_, err := ch.ProcessCommand(context.Background(), request)
				result <- err
			}()

			Eventually(ch.Correlator().Pending).Should(Equal(1))
			transport.Close(errors.New("gone"))

			var err error
			Eventually(result).Should(Receive(&err))
			Expect(err).To(MatchError(ErrCancelled))
			Expect(err).NotTo(MatchError(ErrTimeout))
			Expect(ch.State()).To(Equal(envelope.SessionStateFailed))
		})

		It("is refused before establishment", func() {
			ch = New(logger, transport, RoleClient)
			_, err := ch.ProcessCommand(context.Background(), request)
			Expect(err).To(MatchError(ErrInvalidState))
		})
	})

	Context("Closing", func() {
		It("fails blocked receivers", func() {
			result := make(chan error, 1)
			go func() {
				_, err := ch.ReceiveSession(context.Background())
				result <- err
			}()

			Eventually(ch.sessionListeners.len).Should(Equal(1))
			ch.Close(nil)
			Eventually(result).Should(Receive(MatchError(ErrChannelClosed)))
		})

		It("does not fail a finished session", func() {
			Expect(ch.SetState(envelope.SessionStateFinished)).To(Succeed())
			ch.Close(nil)
			Expect(ch.State()).To(Equal(envelope.SessionStateFinished))
		})
	})
})

type hookModule struct {
	BaseModule
	onReceiving func()
}

func (m *hookModule) OnReceiving(env envelope.Envelope) envelope.Envelope {
	m.onReceiving()
	return env
}
