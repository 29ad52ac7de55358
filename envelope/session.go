package envelope

import "fmt"

type SessionState string

const (
	SessionStateNew            SessionState = "new"
	SessionStateNegotiating    SessionState = "negotiating"
	SessionStateAuthenticating SessionState = "authenticating"
	SessionStateEstablished    SessionState = "established"
	SessionStateFinishing      SessionState = "finishing"
	SessionStateFinished       SessionState = "finished"
	SessionStateFailed         SessionState = "failed"
)

var sessionStateOrder = map[SessionState]int{
	SessionStateNew:            0,
	SessionStateNegotiating:    1,
	SessionStateAuthenticating: 2,
	SessionStateEstablished:    3,
	SessionStateFinishing:      4,
	SessionStateFinished:       5,
	SessionStateFailed:         5,
}

func (s SessionState) IsValid() bool {
	_, ok := sessionStateOrder[s]
	return ok
}

// Step is the position of the state in the session lifecycle. Finished and
// failed share the last step.
func (s SessionState) Step() int {
	if step, ok := sessionStateOrder[s]; ok {
		return step
	}
	return -1
}

// IsTerminal reports whether no further session envelope may follow
func (s SessionState) IsTerminal() bool {
	return s == SessionStateFinished || s == SessionStateFailed
}

// CanTransitionTo reports whether moving from s to next goes forward
func (s SessionState) CanTransitionTo(next SessionState) bool {
	if !next.IsValid() || s.IsTerminal() {
		return false
	}
	return next.Step() > s.Step()
}

type SessionEncryption string

const (
	SessionEncryptionNone SessionEncryption = "none"
	SessionEncryptionTLS  SessionEncryption = "tls"
)

type SessionCompression string

const (
	SessionCompressionNone SessionCompression = "none"
	SessionCompressionGzip SessionCompression = "gzip"
)

type Session struct {
	Header
	State              SessionState
	EncryptionOptions  []SessionEncryption
	Encryption         SessionEncryption
	CompressionOptions []SessionCompression
	Compression        SessionCompression
	SchemeOptions      []AuthenticationScheme
	Scheme             AuthenticationScheme
	Authentication     Authentication
	Reason             *Reason
}

func (s *Session) String() string {
	if s.Reason != nil {
		return fmt.Sprintf("session %s id=%s state=%s reason=%s", s.From, s.ID, s.State, s.Reason)
	}
	return fmt.Sprintf("session %s id=%s state=%s", s.From, s.ID, s.State)
}

func (s *Session) Copy() *Session {
	c := *s
	c.Header = s.Header.copy()
	c.EncryptionOptions = append([]SessionEncryption(nil), s.EncryptionOptions...)
	c.CompressionOptions = append([]SessionCompression(nil), s.CompressionOptions...)
	c.SchemeOptions = append([]AuthenticationScheme(nil), s.SchemeOptions...)
	if s.Reason != nil {
		r := *s.Reason
		c.Reason = &r
	}
	return &c
}
