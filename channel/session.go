package channel

import (
	"context"

	"github.com/takenet/lime-go/envelope"
)

// SessionQueue buffers the session envelopes of a choreography so that a
// step can read the answer even when it arrived while the previous step was
// still upgrading the transport. Push fits a SessionHandler.
type SessionQueue struct {
	sessions chan *envelope.Session
}

func NewSessionQueue(size int) *SessionQueue {
	return &SessionQueue{sessions: make(chan *envelope.Session, size)}
}

// Push never blocks; it reports false when the queue is full
func (q *SessionQueue) Push(session *envelope.Session) bool {
	select {
	case q.sessions <- session:
		return true
	default:
		return false
	}
}

func (q *SessionQueue) Len() int {
	return len(q.sessions)
}

// Next waits for the oldest queued session. Sessions queued before done is
// closed are still returned.
func (q *SessionQueue) Next(ctx context.Context, done <-chan struct{}) (*envelope.Session, error) {
	select {
	case session := <-q.sessions:
		return session, nil
	case <-ctx.Done():
		return nil, ContextError(ctx.Err())
	case <-done:
		select {
		case session := <-q.sessions:
			return session, nil
		default:
			return nil, ErrChannelClosed
		}
	}
}
