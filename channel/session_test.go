package channel

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/takenet/lime-go/envelope"
)

var _ = Describe("SessionQueue", func() {
	var queue *SessionQueue
	var done chan struct{}

	BeforeEach(func() {
		queue = NewSessionQueue(2)
		done = make(chan struct{})
	})

	It("returns sessions in arrival order", func() {
		Expect(queue.Push(&envelope.Session{State: envelope.SessionStateNegotiating})).To(BeTrue())
		Expect(queue.Push(&envelope.Session{State: envelope.SessionStateAuthenticating})).To(BeTrue())
		Expect(queue.Push(&envelope.Session{State: envelope.SessionStateEstablished})).To(BeFalse())
		Expect(queue.Len()).To(Equal(2))

		first, err := queue.Next(context.Background(), done)
		Expect(err).ToNot(HaveOccurred())
		Expect(first.State).To(Equal(envelope.SessionStateNegotiating))

		second, err := queue.Next(context.Background(), done)
		Expect(err).ToNot(HaveOccurred())
		Expect(second.State).To(Equal(envelope.SessionStateAuthenticating))
	})

	It("times out", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := queue.Next(ctx, done)
		Expect(err).To(MatchError(ErrTimeout))
		Expect(err).To(MatchError(context.DeadlineExceeded))
	})

	It("drains what arrived before the closure", func() {
		queue.Push(&envelope.Session{State: envelope.SessionStateFinished})
		close(done)

		session, err := queue.Next(context.Background(), done)
		Expect(err).ToNot(HaveOccurred())
		Expect(session.State).To(Equal(envelope.SessionStateFinished))

		_, err = queue.Next(context.Background(), done)
		Expect(err).To(MatchError(ErrChannelClosed))
	})
})
