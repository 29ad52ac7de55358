package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/takenet/lime-go/envelope"
)

type senderFunc func(cmd *envelope.Command) error

func (f senderFunc) SendCommand(cmd *envelope.Command) error { return f(cmd) }

var _ = Describe("CommandCorrelator", func() {
	var correlator *CommandCorrelator
	var sent chan *envelope.Command
	var sender CommandSender

	request := func(id string) *envelope.Command {
		return &envelope.Command{Header: envelope.Header{ID: id}, Method: envelope.CommandMethodGet, Uri: "/ping"}
	}

	BeforeEach(func() {
		correlator = NewCommandCorrelator()
		sent = make(chan *envelope.Command, 10)
		sender = senderFunc(func(cmd *envelope.Command) error {
			sent <- cmd
			return nil
		})
	})

	DescribeTable("rejects commands that cannot be correlated",
		func(cmd *envelope.Command) {
			_, err := correlator.Request(context.Background(), sender, cmd)
			Expect(err).To(MatchError(ErrInvalidArgument))
			Expect(sent).To(BeEmpty())
		},
		Entry("nil", (*envelope.Command)(nil)),
		Entry("with a status", &envelope.Command{Header: envelope.Header{ID: "1"}, Method: envelope.CommandMethodGet, Status: envelope.CommandStatusSuccess}),
		Entry("observe", &envelope.Command{Header: envelope.Header{ID: "1"}, Method: envelope.CommandMethodObserve}),
		Entry("without id", &envelope.Command{Method: envelope.CommandMethodGet}),
	)

	It("resolves a request with its response exactly once", func() {
		result := make(chan *envelope.Command, 1)
		go func() {
			defer GinkgoRecover()
			response, err := correlator.Request(context.Background(), sender, request("1"))
			Expect(err).ShouldNot(HaveOccurred())
			result <- response
		}()

		var cmd *envelope.Command
		Eventually(sent).Should(Receive(&cmd))

		response := cmd.NewResponse(envelope.CommandStatusSuccess)
		Expect(correlator.SubmitResponse(response)).To(BeTrue())
		Expect(correlator.SubmitResponse(cmd.NewResponse(envelope.CommandStatusFailure))).To(BeFalse())

		Eventually(result).Should(Receive(Equal(response)))
		Expect(correlator.Pending()).To(BeZero())
	})

	It("lets only one of concurrent duplicate responses through", func() {
		go correlator.Request(context.Background(), sender, request("dup"))
		Eventually(sent).Should(Receive())

		var wg sync.WaitGroup
		var lock sync.Mutex
		accepted := 0
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if correlator.SubmitResponse(request("dup").NewResponse(envelope.CommandStatusSuccess)) {
					lock.Lock()
					accepted++
					lock.Unlock()
				}
			}()
		}
		wg.Wait()
		Expect(accepted).To(Equal(1))
	})

	It("ignores what is not a response", func() {
		Expect(correlator.SubmitResponse(request("1"))).To(BeFalse())
		Expect(correlator.SubmitResponse(&envelope.Command{Method: envelope.CommandMethodGet, Status: envelope.CommandStatusSuccess})).To(BeFalse())
		Expect(correlator.SubmitResponse(&envelope.Command{Header: envelope.Header{ID: "1"}, Method: envelope.CommandMethodObserve, Status: envelope.CommandStatusSuccess})).To(BeFalse())
	})

	It("refuses a second pending request with the same id", func() {
		go correlator.Request(context.Background(), sender, request("same"))
		Eventually(correlator.Pending).Should(Equal(1))

		_, err := correlator.Request(context.Background(), sender, request("same"))
		Expect(err).To(MatchError(ErrDuplicateId))
		Expect(correlator.Pending()).To(Equal(1))
	})

	It("times out and drops late responses", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := correlator.Request(ctx, sender, request("slow"))
		Expect(err).To(MatchError(ErrTimeout))
		Expect(err).To(MatchError(context.DeadlineExceeded))
		Expect(correlator.Pending()).To(BeZero())

		Expect(correlator.SubmitResponse(request("slow").NewResponse(envelope.CommandStatusSuccess))).To(BeFalse())
	})

	It("reports a caller cancellation as cancelled", func() {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			defer GinkgoRecover()
			Eventually(sent).Should(Receive())
			cancel()
		}()

		_, err := correlator.Request(ctx, sender, request("c"))
		Expect(err).To(MatchError(ErrCancelled))
	})

	It("wakes every waiting request on CancelAll", func() {
		results := make(chan error, 3)
		for _, id := range []string{"a", "b", "c"} {
			go func(id string) {
				_, err := correlator.Request(context.Background(), sender, request(id))
				results <- err
			}(id)
		}
		Eventually(correlator.Pending).Should(Equal(3))

		correlator.CancelAll()
		for i := 0; i < 3; i++ {
			var err error
			Eventually(results).Should(Receive(&err))
			Expect(err).To(MatchError(ErrCancelled))
			Expect(errors.Is(err, ErrTimeout)).To(BeFalse())
		}
	})

	It("returns send failures and forgets the request", func() {
		failing := senderFunc(func(*envelope.Command) error { return errors.New("not connected") })
		_, err := correlator.Request(context.Background(), failing, request("x"))
		Expect(err).To(MatchError("not connected"))
		Expect(correlator.Pending()).To(BeZero())
	})
})
