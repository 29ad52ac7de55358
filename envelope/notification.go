package envelope

import "fmt"

type NotificationEvent string

const (
	NotificationEventAccepted   NotificationEvent = "accepted"
	NotificationEventValidated  NotificationEvent = "validated"
	NotificationEventAuthorized NotificationEvent = "authorized"
	NotificationEventDispatched NotificationEvent = "dispatched"
	NotificationEventReceived   NotificationEvent = "received"
	NotificationEventConsumed   NotificationEvent = "consumed"
	NotificationEventFailed     NotificationEvent = "failed"
)

type Notification struct {
	Header
	Event  NotificationEvent
	Reason *Reason
}

func (n *Notification) String() string {
	return fmt.Sprintf("notification id=%s event=%s", n.ID, n.Event)
}

func (n *Notification) Copy() *Notification {
	c := *n
	c.Header = n.Header.copy()
	if n.Reason != nil {
		r := *n.Reason
		c.Reason = &r
	}
	return &c
}
