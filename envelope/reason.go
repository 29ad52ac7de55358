package envelope

import "fmt"

// Well-known reason codes, grouped by hundreds the same way the protocol does
const (
	GeneralError                            = 1
	SessionError                            = 11
	SessionRegistrationError                = 12
	SessionAuthenticationFailed             = 13
	SessionUnregisterFailed                 = 14
	SessionInvalidActionForState            = 15
	SessionNegotiationTimeout               = 16
	SessionNegotiationInvalidOptions        = 17
	SessionInvalidSessionMode               = 18
	ValidationError                         = 21
	ValidationEmptyDocument                 = 22
	ValidationInvalidResource               = 23
	AuthorizationError                      = 31
	RoutingError                            = 41
	RoutingDestinationNotFound              = 42
	DispatchError                           = 51
	CommandProcessingError                  = 61
	CommandResourceNotSupported             = 62
	CommandMethodNotSupported               = 63
	CommandInvalidArgument                  = 64
	CommandTimeout                          = 65
	MessageProcessingError                  = 71
	MessageUnsupportedMediaType             = 72
	ChannelPingTimeout                      = 81
	ChannelRemoteIdleTimeout                = ChannelPingTimeout
	AuthenticationSchemeNotSupportedByPeer  = 131
	SessionEncryptionNotSupportedByPeer     = 132
	SessionCompressionNotSupportedByPeer    = 133
)

type Reason struct {
	Code        int    `json:"code"`
	Description string `json:"description,omitempty"`
}

func (r Reason) String() string {
	if r.Description == "" {
		return fmt.Sprintf("reason %d", r.Code)
	}
	return fmt.Sprintf("%s (code %d)", r.Description, r.Code)
}

// Error lets a Reason travel the Go error chain
func (r *Reason) Error() string {
	return r.String()
}
