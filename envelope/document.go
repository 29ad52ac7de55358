package envelope

import "strings"

type MediaType string

const (
	MediaTypeTextPlain MediaType = "text/plain"
	MediaTypeJson      MediaType = "application/json"
	MediaTypePing      MediaType = "application/vnd.lime.ping+json"
)

// IsJson reports whether documents of this type are encoded as JSON values
func (m MediaType) IsJson() bool {
	base := m.Base()
	return base == string(MediaTypeJson) || strings.HasSuffix(base, "+json")
}

// Base strips the parameters, e.g. "; charset=utf-8"
func (m MediaType) Base() string {
	s := string(m)
	if i := strings.Index(s, ";"); i >= 0 {
		s = s[:i]
	}
	return strings.ToLower(strings.TrimSpace(s))
}

type Document interface {
	MediaType() MediaType
}

type PlainDocument string

func (d PlainDocument) MediaType() MediaType {
	return MediaTypeTextPlain
}

// JsonDocument holds a JSON object whose media type has no registered
// document type
type JsonDocument struct {
	Type  MediaType
	Value map[string]any
}

func (d *JsonDocument) MediaType() MediaType {
	if d.Type == "" {
		return MediaTypeJson
	}
	return d.Type
}

// RawDocument keeps the textual payload of a non JSON media type
type RawDocument struct {
	Type  MediaType
	Value string
}

func (d *RawDocument) MediaType() MediaType {
	return d.Type
}

type Ping struct{}

func (p *Ping) MediaType() MediaType {
	return MediaTypePing
}
