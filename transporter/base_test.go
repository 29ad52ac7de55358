package transporter

import (
	"errors"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/takenet/lime-go/envelope"
	"github.com/takenet/lime-go/logger"
)

func TestTransporter(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Transporter Suite")
}

type orderListener struct {
	name  string
	order *[]string
}

func (l *orderListener) OnClosing()            { *l.order = append(*l.order, l.name+":closing") }
func (l *orderListener) OnClosed()             { *l.order = append(*l.order, l.name+":closed") }
func (l *orderListener) OnException(err error) { *l.order = append(*l.order, l.name+":exception") }

var _ = Describe("Base", func() {
	var base *Base

	BeforeEach(func() {
		base = NewBase(logger.MockLogger(GinkgoWriter))
	})

	It("queues envelopes until a listener is set", func() {
		base.Deliver(&envelope.Message{Header: envelope.Header{ID: "1"}})
		base.Deliver(&envelope.Message{Header: envelope.Header{ID: "2"}})

		var ids []string
		base.SetEnvelopeListener(EnvelopeListenerFunc(func(env envelope.Envelope) {
			ids = append(ids, env.GetHeader().ID)
		}))
		base.Deliver(&envelope.Message{Header: envelope.Header{ID: "3"}})

		Expect(ids).To(Equal([]string{"1", "2", "3"}))
	})

	It("notifies closing and closed only once", func() {
		listener := &MockStateListener{}
		base.AddStateListener(listener, PriorityApplication)

		base.RaiseClosing()
		base.RaiseClosing()
		base.RaiseClosed()
		base.RaiseClosed()
		base.RaiseException(errors.New("one"))
		base.RaiseException(errors.New("two"))

		closing, closed, exceptions := listener.Counts()
		Expect(closing).To(Equal(1))
		Expect(closed).To(Equal(1))
		Expect(exceptions).To(Equal(2))
	})

	It("notifies protocol listeners before application listeners", func() {
		var order []string
		base.AddStateListener(&orderListener{name: "app", order: &order}, PriorityApplication)
		base.AddStateListener(&orderListener{name: "protocol", order: &order}, PriorityProtocol)

		base.RaiseClosing()
		Expect(order).To(Equal([]string{"protocol:closing", "app:closing"}))
	})

	It("stops notifying removed listeners", func() {
		listener := &MockStateListener{}
		base.AddStateListener(listener, PriorityApplication)
		Expect(base.RemoveStateListener(listener)).To(BeTrue())

		base.RaiseException(errors.New("ignored"))
		_, _, exceptions := listener.Counts()
		Expect(exceptions).To(BeZero())
	})

	It("starts without compression or encryption", func() {
		Expect(base.Compression()).To(Equal(envelope.SessionCompressionNone))
		Expect(base.Encryption()).To(Equal(envelope.SessionEncryptionNone))

		base.UpdateEncryption(envelope.SessionEncryptionTLS)
		Expect(base.Encryption()).To(Equal(envelope.SessionEncryptionTLS))
	})
})
