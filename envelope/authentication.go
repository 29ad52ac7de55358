package envelope

import "encoding/base64"

type AuthenticationScheme string

const (
	AuthenticationSchemeGuest     AuthenticationScheme = "guest"
	AuthenticationSchemePlain     AuthenticationScheme = "plain"
	AuthenticationSchemeKey       AuthenticationScheme = "key"
	AuthenticationSchemeTransport AuthenticationScheme = "transport"
	AuthenticationSchemeExternal  AuthenticationScheme = "external"
)

type Authentication interface {
	GetScheme() AuthenticationScheme
}

type GuestAuthentication struct{}

func (a *GuestAuthentication) GetScheme() AuthenticationScheme {
	return AuthenticationSchemeGuest
}

// PlainAuthentication carries the password base64 encoded, as it goes on the wire
type PlainAuthentication struct {
	Password string `json:"password"`
}

func NewPlainAuthentication(password string) *PlainAuthentication {
	return &PlainAuthentication{Password: base64.StdEncoding.EncodeToString([]byte(password))}
}

func (a *PlainAuthentication) GetScheme() AuthenticationScheme {
	return AuthenticationSchemePlain
}

func (a *PlainAuthentication) DecodedPassword() (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(a.Password)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

type KeyAuthentication struct {
	Key string `json:"key"`
}

func NewKeyAuthentication(key string) *KeyAuthentication {
	return &KeyAuthentication{Key: base64.StdEncoding.EncodeToString([]byte(key))}
}

func (a *KeyAuthentication) GetScheme() AuthenticationScheme {
	return AuthenticationSchemeKey
}

func (a *KeyAuthentication) DecodedKey() (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(a.Key)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

type TransportAuthentication struct{}

func (a *TransportAuthentication) GetScheme() AuthenticationScheme {
	return AuthenticationSchemeTransport
}

type ExternalAuthentication struct {
	Token  string `json:"token"`
	Issuer string `json:"issuer"`
}

func (a *ExternalAuthentication) GetScheme() AuthenticationScheme {
	return AuthenticationSchemeExternal
}
