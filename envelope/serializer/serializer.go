// Package serializer converts envelopes to and from their JSON wire form.
package serializer

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/takenet/lime-go/envelope"
)

var (
	ErrUnknownEnvelope    = errors.New("serializer: unknown envelope kind")
	ErrDuplicateMediaType = errors.New("serializer: media type already registered")
)

type Serializer interface {
	Serialize(env envelope.Envelope) ([]byte, error)
	Deserialize(data []byte) (envelope.Envelope, error)
}

type JSONSerializer struct {
	registry *DocumentRegistry
}

func NewJSONSerializer(registry *DocumentRegistry) *JSONSerializer {
	if registry == nil {
		registry = NewDocumentRegistry()
	}
	return &JSONSerializer{registry: registry}
}

type header struct {
	ID       string            `json:"id,omitempty"`
	From     *envelope.Node    `json:"from,omitempty"`
	To       *envelope.Node    `json:"to,omitempty"`
	Pp       *envelope.Node    `json:"pp,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type wireMessage struct {
	header
	Type    envelope.MediaType `json:"type"`
	Content json.RawMessage    `json:"content"`
}

type wireNotification struct {
	header
	Event  envelope.NotificationEvent `json:"event"`
	Reason *envelope.Reason           `json:"reason,omitempty"`
}

type wireCommand struct {
	header
	Method   envelope.CommandMethod `json:"method"`
	Uri      string                 `json:"uri,omitempty"`
	Type     envelope.MediaType     `json:"type,omitempty"`
	Resource json.RawMessage        `json:"resource,omitempty"`
	Status   envelope.CommandStatus `json:"status,omitempty"`
	Reason   *envelope.Reason       `json:"reason,omitempty"`
}

type wireSession struct {
	header
	State              envelope.SessionState           `json:"state"`
	EncryptionOptions  []envelope.SessionEncryption    `json:"encryptionOptions,omitempty"`
	Encryption         envelope.SessionEncryption      `json:"encryption,omitempty"`
	CompressionOptions []envelope.SessionCompression   `json:"compressionOptions,omitempty"`
	Compression        envelope.SessionCompression     `json:"compression,omitempty"`
	SchemeOptions      []envelope.AuthenticationScheme `json:"schemeOptions,omitempty"`
	Scheme             envelope.AuthenticationScheme   `json:"scheme,omitempty"`
	Authentication     json.RawMessage                 `json:"authentication,omitempty"`
	Reason             *envelope.Reason                `json:"reason,omitempty"`
}

func fromHeader(h *envelope.Header) header {
	return header{ID: h.ID, From: h.From, To: h.To, Pp: h.Pp, Metadata: h.Metadata}
}

func (h header) toHeader() envelope.Header {
	return envelope.Header{ID: h.ID, From: h.From, To: h.To, Pp: h.Pp, Metadata: h.Metadata}
}

func (s *JSONSerializer) Serialize(env envelope.Envelope) ([]byte, error) {
	switch e := env.(type) {
	case *envelope.Message:
		content, err := encodeDocument(e.Content)
		if err != nil {
			return nil, fmt.Errorf("failed to encode message content: %w", err)
		}
		mediaType := e.Type
		if mediaType == "" && e.Content != nil {
			mediaType = e.Content.MediaType()
		}
		return json.Marshal(wireMessage{header: fromHeader(&e.Header), Type: mediaType, Content: content})

	case *envelope.Notification:
		return json.Marshal(wireNotification{header: fromHeader(&e.Header), Event: e.Event, Reason: e.Reason})

	case *envelope.Command:
		w := wireCommand{
			header: fromHeader(&e.Header),
			Method: e.Method,
			Uri:    e.Uri,
			Type:   e.Type,
			Status: e.Status,
			Reason: e.Reason,
		}
		if e.Resource != nil {
			resource, err := encodeDocument(e.Resource)
			if err != nil {
				return nil, fmt.Errorf("failed to encode command resource: %w", err)
			}
			w.Resource = resource
			if w.Type == "" {
				w.Type = e.Resource.MediaType()
			}
		}
		return json.Marshal(w)

	case *envelope.Session:
		w := wireSession{
			header:             fromHeader(&e.Header),
			State:              e.State,
			EncryptionOptions:  e.EncryptionOptions,
			Encryption:         e.Encryption,
			CompressionOptions: e.CompressionOptions,
			Compression:        e.Compression,
			SchemeOptions:      e.SchemeOptions,
			Scheme:             e.Scheme,
			Reason:             e.Reason,
		}
		if e.Authentication != nil {
			auth, err := json.Marshal(e.Authentication)
			if err != nil {
				return nil, fmt.Errorf("failed to encode authentication: %w", err)
			}
			w.Authentication = auth
			if w.Scheme == "" {
				w.Scheme = e.Authentication.GetScheme()
			}
		}
		return json.Marshal(w)

	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEnvelope, env)
	}
}

func (s *JSONSerializer) Deserialize(data []byte) (envelope.Envelope, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}

	if _, ok := keys["content"]; ok {
		var w wireMessage
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("malformed message: %w", err)
		}
		content, err := s.decodeDocument(w.Type, w.Content)
		if err != nil {
			return nil, err
		}
		return &envelope.Message{Header: w.toHeader(), Type: w.Type, Content: content}, nil
	}

	if _, ok := keys["event"]; ok {
		var w wireNotification
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("malformed notification: %w", err)
		}
		return &envelope.Notification{Header: w.toHeader(), Event: w.Event, Reason: w.Reason}, nil
	}

	if _, ok := keys["method"]; ok {
		var w wireCommand
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("malformed command: %w", err)
		}
		cmd := &envelope.Command{
			Header: w.toHeader(),
			Method: w.Method,
			Uri:    w.Uri,
			Type:   w.Type,
			Status: w.Status,
			Reason: w.Reason,
		}
		if len(w.Resource) > 0 {
			resource, err := s.decodeDocument(w.Type, w.Resource)
			if err != nil {
				return nil, err
			}
			cmd.Resource = resource
		}
		return cmd, nil
	}

	if _, ok := keys["state"]; ok {
		var w wireSession
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("malformed session: %w", err)
		}
		session := &envelope.Session{
			Header:             w.toHeader(),
			State:              w.State,
			EncryptionOptions:  w.EncryptionOptions,
			Encryption:         w.Encryption,
			CompressionOptions: w.CompressionOptions,
			Compression:        w.Compression,
			SchemeOptions:      w.SchemeOptions,
			Scheme:             w.Scheme,
			Reason:             w.Reason,
		}
		if len(w.Authentication) > 0 {
			auth, err := decodeAuthentication(w.Scheme, w.Authentication)
			if err != nil {
				return nil, err
			}
			session.Authentication = auth
		}
		return session, nil
	}

	return nil, ErrUnknownEnvelope
}

func encodeDocument(doc envelope.Document) (json.RawMessage, error) {
	switch d := doc.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case envelope.PlainDocument:
		return json.Marshal(string(d))
	case *envelope.JsonDocument:
		if d.Value == nil {
			return json.RawMessage("{}"), nil
		}
		return json.Marshal(d.Value)
	case *envelope.RawDocument:
		return json.Marshal(d.Value)
	default:
		return json.Marshal(doc)
	}
}

func (s *JSONSerializer) decodeDocument(mediaType envelope.MediaType, raw json.RawMessage) (envelope.Document, error) {
	if mediaType.Base() == string(envelope.MediaTypeTextPlain) {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("malformed %s document: %w", mediaType, err)
		}
		return envelope.PlainDocument(text), nil
	}

	if factory, ok := s.registry.lookup(mediaType); ok {
		doc := factory()
		if err := json.Unmarshal(raw, doc); err != nil {
			return nil, fmt.Errorf("malformed %s document: %w", mediaType, err)
		}
		return doc, nil
	}

	if mediaType.IsJson() {
		doc := &envelope.JsonDocument{Type: mediaType}
		if err := json.Unmarshal(raw, &doc.Value); err != nil {
			return nil, fmt.Errorf("malformed %s document: %w", mediaType, err)
		}
		return doc, nil
	}

	doc := &envelope.RawDocument{Type: mediaType}
	if err := json.Unmarshal(raw, &doc.Value); err != nil {
		// not a JSON string, keep the literal
		doc.Value = string(raw)
	}
	return doc, nil
}

func decodeAuthentication(scheme envelope.AuthenticationScheme, raw json.RawMessage) (envelope.Authentication, error) {
	var auth envelope.Authentication
	switch scheme {
	case envelope.AuthenticationSchemeGuest:
		auth = &envelope.GuestAuthentication{}
	case envelope.AuthenticationSchemePlain:
		auth = &envelope.PlainAuthentication{}
	case envelope.AuthenticationSchemeKey:
		auth = &envelope.KeyAuthentication{}
	case envelope.AuthenticationSchemeTransport:
		auth = &envelope.TransportAuthentication{}
	case envelope.AuthenticationSchemeExternal:
		auth = &envelope.ExternalAuthentication{}
	default:
		return nil, fmt.Errorf("unsupported authentication scheme %q", scheme)
	}

	if err := json.Unmarshal(raw, auth); err != nil {
		return nil, fmt.Errorf("malformed %s authentication: %w", scheme, err)
	}
	return auth, nil
}
