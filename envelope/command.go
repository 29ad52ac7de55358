package envelope

import "fmt"

const PingUri = "/ping"

type CommandMethod string

const (
	CommandMethodGet         CommandMethod = "get"
	CommandMethodSet         CommandMethod = "set"
	CommandMethodDelete      CommandMethod = "delete"
	CommandMethodObserve     CommandMethod = "observe"
	CommandMethodSubscribe   CommandMethod = "subscribe"
	CommandMethodUnsubscribe CommandMethod = "unsubscribe"
	CommandMethodMerge       CommandMethod = "merge"
)

type CommandStatus string

const (
	CommandStatusPending CommandStatus = "pending"
	CommandStatusSuccess CommandStatus = "success"
	CommandStatusFailure CommandStatus = "failure"
)

type Command struct {
	Header
	Method   CommandMethod
	Uri      string
	Type     MediaType
	Resource Document
	Status   CommandStatus
	Reason   *Reason
}

func NewPingRequest() *Command {
	return &Command{
		Header: Header{ID: NewId()},
		Method: CommandMethodGet,
		Uri:    PingUri,
	}
}

func (c *Command) String() string {
	if c.Status != "" {
		return fmt.Sprintf("command id=%s method=%s uri=%s status=%s", c.ID, c.Method, c.Uri, c.Status)
	}
	return fmt.Sprintf("command id=%s method=%s uri=%s", c.ID, c.Method, c.Uri)
}

// IsResponse reports whether the command answers a previous request
func (c *Command) IsResponse() bool {
	return c.Status != ""
}

func (c *Command) IsPingRequest() bool {
	return c.Method == CommandMethodGet && c.Status == "" && c.Uri == PingUri
}

// Validate rejects status-bearing observe commands, which are one way
func (c *Command) Validate() error {
	if c.Method == "" {
		return fmt.Errorf("%w: method is required", ErrInvalidCommand)
	}
	if c.Status != "" && c.Method == CommandMethodObserve {
		return fmt.Errorf("%w: observe commands cannot carry a status", ErrInvalidCommand)
	}
	return nil
}

// NewResponse builds the reply for c. The id is kept and the routing nodes
// are swapped.
func (c *Command) NewResponse(status CommandStatus) *Command {
	return &Command{
		Header: Header{
			ID:   c.ID,
			From: c.To.Copy(),
			To:   c.From.Copy(),
		},
		Method: c.Method,
		Status: status,
	}
}

func (c *Command) NewFailureResponse(reason *Reason) *Command {
	response := c.NewResponse(CommandStatusFailure)
	response.Reason = reason
	return response
}

func (c *Command) Copy() *Command {
	cp := *c
	cp.Header = c.Header.copy()
	if c.Reason != nil {
		r := *c.Reason
		cp.Reason = &r
	}
	return &cp
}
