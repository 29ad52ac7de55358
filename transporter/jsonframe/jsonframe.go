// Package jsonframe recovers JSON object boundaries from a byte stream that
// has no length prefix or delimiter. Objects are found by counting braces
// outside of string literals.
package jsonframe

import (
	"errors"
	"fmt"
)

const DefaultBufferSize = 8192

var (
	ErrBufferOverflow = errors.New("jsonframe: buffer is full and holds no complete frame")
	ErrInvalidFrame   = errors.New("jsonframe: frame does not start with an object")
)

type Buffer struct {
	buf []byte
	n   int

	// scanner state for buf[:pos], kept between calls so partial frames are
	// not scanned twice
	pos      int
	depth    int
	inString bool
	escaped  bool
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &Buffer{buf: make([]byte, capacity)}
}

// Free is the unused tail of the buffer; read into it then call Advance
func (b *Buffer) Free() []byte {
	return b.buf[b.n:]
}

func (b *Buffer) Advance(n int) {
	if n < 0 || b.n+n > len(b.buf) {
		panic(fmt.Sprintf("jsonframe: advance of %d past the buffer", n))
	}
	b.n += n
}

func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) > len(b.buf)-b.n {
		return 0, ErrBufferOverflow
	}
	copy(b.buf[b.n:], p)
	b.n += len(p)
	return len(p), nil
}

// Buffered is the number of bytes waiting to be framed
func (b *Buffer) Buffered() int {
	return b.n
}

func (b *Buffer) Cap() int {
	return len(b.buf)
}

// Extract returns the next complete object, or false when more bytes are
// needed. The returned slice is a copy and remains valid after further calls.
func (b *Buffer) Extract() ([]byte, bool, error) {
	if b.pos == 0 {
		b.skipWhitespace()
		if b.n == 0 {
			return nil, false, nil
		}
		if b.buf[0] != '{' {
			return nil, false, fmt.Errorf("%w: unexpected %q", ErrInvalidFrame, b.buf[0])
		}
	}

	for ; b.pos < b.n; b.pos++ {
		c := b.buf[b.pos]

		if b.inString {
			switch {
			case b.escaped:
				b.escaped = false
			case c == '\\':
				b.escaped = true
			case c == '"':
				b.inString = false
			}
			continue
		}

		switch c {
		case '"':
			b.inString = true
		case '{':
			b.depth++
		case '}':
			b.depth--
			if b.depth == 0 {
				end := b.pos + 1
				frame := make([]byte, end)
				copy(frame, b.buf[:end])
				b.consume(end)
				return frame, true, nil
			}
		}
	}

	if b.n == len(b.buf) {
		return nil, false, ErrBufferOverflow
	}
	return nil, false, nil
}

func (b *Buffer) skipWhitespace() {
	i := 0
	for i < b.n {
		switch b.buf[i] {
		case ' ', '\t', '\r', '\n':
			i++
			continue
		}
		break
	}
	if i > 0 {
		b.consume(i)
	}
}

// consume drops the first n bytes, shifting the remainder to the front
func (b *Buffer) consume(n int) {
	copy(b.buf, b.buf[n:b.n])
	b.n -= n
	b.pos = 0
	b.depth = 0
	b.inString = false
	b.escaped = false
}
