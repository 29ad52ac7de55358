/*
Package envelope defines the four units of transmission of the Lime protocol:
Session, Message, Notification and Command. They share a Header carrying the
correlation id, the routing nodes and free-form metadata.

The JSON encoding of envelopes lives in the serializer package; the types here
only carry the tags the encoding relies on.
*/
package envelope

import (
	"errors"

	"github.com/google/uuid"
)

var (
	ErrInvalidNode    = errors.New("envelope: invalid node")
	ErrInvalidCommand = errors.New("envelope: invalid command")
)

type Kind int

const (
	UnknownKind Kind = iota
	SessionKind
	MessageKind
	NotificationKind
	CommandKind
)

func (k Kind) String() string {
	switch k {
	case SessionKind:
		return "session"
	case MessageKind:
		return "message"
	case NotificationKind:
		return "notification"
	case CommandKind:
		return "command"
	default:
		return "unknown"
	}
}

// Envelope is implemented by *Session, *Message, *Notification and *Command
type Envelope interface {
	GetHeader() *Header
}

// Header holds the fields common to every envelope kind
type Header struct {
	ID       string            `json:"id,omitempty"`
	From     *Node             `json:"from,omitempty"`
	To       *Node             `json:"to,omitempty"`
	Pp       *Node             `json:"pp,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (h *Header) GetHeader() *Header {
	return h
}

// SetMetadata lazily allocates the metadata map
func (h *Header) SetMetadata(key string, value string) {
	if h.Metadata == nil {
		h.Metadata = make(map[string]string)
	}
	h.Metadata[key] = value
}

func (h Header) copy() Header {
	c := Header{
		ID:   h.ID,
		From: h.From.Copy(),
		To:   h.To.Copy(),
		Pp:   h.Pp.Copy(),
	}
	if h.Metadata != nil {
		c.Metadata = make(map[string]string, len(h.Metadata))
		for k, v := range h.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

func KindOf(env Envelope) Kind {
	switch env.(type) {
	case *Session:
		return SessionKind
	case *Message:
		return MessageKind
	case *Notification:
		return NotificationKind
	case *Command:
		return CommandKind
	default:
		return UnknownKind
	}
}

// NewId returns a fresh correlation id
func NewId() string {
	return uuid.New().String()
}
