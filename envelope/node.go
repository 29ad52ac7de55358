package envelope

import (
	"fmt"
	"strings"
)

// Node is a protocol address in the name@domain/instance form. Every part is
// optional on the wire, so the zero value is valid but empty.
type Node struct {
	Name     string
	Domain   string
	Instance string
}

func ParseNode(s string) (Node, error) {
	var node Node
	s = strings.TrimSpace(s)
	if s == "" {
		return node, fmt.Errorf("%w: empty node", ErrInvalidNode)
	}

	if i := strings.Index(s, "/"); i >= 0 {
		node.Instance = s[i+1:]
		s = s[:i]
	}

	if i := strings.Index(s, "@"); i >= 0 {
		node.Name = s[:i]
		node.Domain = s[i+1:]
	} else {
		node.Domain = s
	}

	if strings.ContainsAny(node.Name, "@/") || strings.ContainsAny(node.Domain, "@/") {
		return Node{}, fmt.Errorf("%w: %q", ErrInvalidNode, s)
	}
	return node, nil
}

// MustParseNode is ParseNode for literals known to be valid
func MustParseNode(s string) *Node {
	node, err := ParseNode(s)
	if err != nil {
		panic(err)
	}
	return &node
}

func (n Node) String() string {
	var b strings.Builder
	if n.Name != "" {
		b.WriteString(n.Name)
		b.WriteByte('@')
	}
	b.WriteString(n.Domain)
	if n.Instance != "" {
		b.WriteByte('/')
		b.WriteString(n.Instance)
	}
	return b.String()
}

// ToIdentity drops the instance
func (n Node) ToIdentity() Node {
	return Node{Name: n.Name, Domain: n.Domain}
}

func (n Node) IsComplete() bool {
	return n.Name != "" && n.Domain != "" && n.Instance != ""
}

func (n *Node) Copy() *Node {
	if n == nil {
		return nil
	}
	c := *n
	return &c
}

func (n *Node) Equal(other *Node) bool {
	if n == nil || other == nil {
		return n == other
	}
	return strings.EqualFold(n.Name, other.Name) &&
		strings.EqualFold(n.Domain, other.Domain) &&
		n.Instance == other.Instance
}

func (n Node) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

func (n *Node) UnmarshalText(text []byte) error {
	parsed, err := ParseNode(string(text))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}
