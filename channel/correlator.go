package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/takenet/lime-go/envelope"
)

type CommandSender interface {
	SendCommand(cmd *envelope.Command) error
}

type commandResult struct {
	response *envelope.Command
	err      error
}

type pendingCommand struct {
	result chan commandResult
}

// CommandCorrelator matches command responses to the requests waiting for
// them. Every pending request is resolved at most once, by a response, its
// context or CancelAll.
type CommandCorrelator struct {
	lock    sync.Mutex
	pending map[string]*pendingCommand
}

func NewCommandCorrelator() *CommandCorrelator {
	return &CommandCorrelator{
		pending: make(map[string]*pendingCommand),
	}
}

// Request sends cmd and waits for its response until ctx is done
func (c *CommandCorrelator) Request(ctx context.Context, sender CommandSender, cmd *envelope.Command) (*envelope.Command, error) {
	if cmd == nil {
		return nil, fmt.Errorf("%w: nil command", ErrInvalidArgument)
	} else if cmd.Status != "" {
		return nil, fmt.Errorf("%w: a request cannot have a status", ErrInvalidArgument)
	} else if cmd.Method == envelope.CommandMethodObserve {
		return nil, fmt.Errorf("%w: observe commands have no response", ErrInvalidArgument)
	} else if cmd.ID == "" {
		return nil, fmt.Errorf("%w: a request needs an id", ErrInvalidArgument)
	}

	pending := &pendingCommand{result: make(chan commandResult, 1)}

	c.lock.Lock()
	if _, ok := c.pending[cmd.ID]; ok {
		c.lock.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateId, cmd.ID)
	}
	c.pending[cmd.ID] = pending
	c.lock.Unlock()

	defer c.discard(cmd.ID, pending)

	if err := sender.SendCommand(cmd); err != nil {
		return nil, err
	}

	select {
	case result := <-pending.result:
		return result.response, result.err
	case <-ctx.Done():
		return nil, ContextError(ctx.Err())
	}
}

// SubmitResponse resolves the request with the same id. It reports false
// when cmd is not a response or nothing is waiting for it.
func (c *CommandCorrelator) SubmitResponse(cmd *envelope.Command) bool {
	if cmd == nil || cmd.ID == "" || cmd.Status == "" || cmd.Method == envelope.CommandMethodObserve {
		return false
	}

	c.lock.Lock()
	pending, ok := c.pending[cmd.ID]
	if ok {
		delete(c.pending, cmd.ID)
	}
	c.lock.Unlock()

	if !ok {
		return false
	}
	pending.result <- commandResult{response: cmd}
	return true
}

// CancelAll wakes every waiting request with ErrCancelled
func (c *CommandCorrelator) CancelAll() {
	c.lock.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingCommand)
	c.lock.Unlock()

	for id, p := range pending {
		p.result <- commandResult{err: fmt.Errorf("%w: request %s", ErrCancelled, id)}
	}
}

func (c *CommandCorrelator) Pending() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.pending)
}

// discard removes the entry only if it still belongs to this request
func (c *CommandCorrelator) discard(id string, pending *pendingCommand) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.pending[id] == pending {
		delete(c.pending, id)
	}
}
