package envelope

import "fmt"

// Message carries a document to a destination node
type Message struct {
	Header
	Type    MediaType
	Content Document
}

func NewMessage(to *Node, content Document) *Message {
	return &Message{
		Header:  Header{ID: NewId(), To: to},
		Type:    content.MediaType(),
		Content: content,
	}
}

func (m *Message) String() string {
	return fmt.Sprintf("message id=%s to=%s type=%s", m.ID, m.To, m.Type)
}

// Copy returns a message with its own header; the content is shared
func (m *Message) Copy() *Message {
	c := *m
	c.Header = m.Header.copy()
	return &c
}

// NewNotification builds a notification about the message addressed back to
// its sender
func (m *Message) NewNotification(event NotificationEvent) *Notification {
	return &Notification{
		Header: Header{ID: m.ID, To: m.From.Copy(), Pp: m.Pp.Copy()},
		Event:  event,
	}
}
