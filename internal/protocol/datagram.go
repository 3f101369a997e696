// Package protocol implements the wire format shared by the seed coordinator,
// its client handlers and the simple motor interface.
//
// Every datagram starts with a single opcode byte followed by a fixed payload
// for that opcode. Multi-byte values are big-endian:
//
//	byte    1 byte
//	int     4 bytes, two's complement
//	float   4 bytes, IEEE-754 binary32
//	string  int length prefix followed by UTF-8 bytes
//
// The format is not self-describing; reader and writer must agree on the field
// order of each message.
package protocol

import (
	"encoding/binary"
	"math"
)

// MaxDatagramSize is the largest UDP payload the protocol accepts.
const MaxDatagramSize = 65507

// Datagram is a byte buffer with an append-only write side and a read cursor.
// Reads past the end yield zero values and mark the datagram short instead of
// failing, so callers check Short or MaxUnreadBytes before trusting counts.
type Datagram struct {
	buf   []byte
	pos   int
	short bool
}

// NewDatagram returns an empty datagram ready for writing.
func NewDatagram() *Datagram {
	return &Datagram{buf: make([]byte, 0, 64)}
}

// NewCommand returns a datagram whose first byte is the given opcode.
func NewCommand(code byte) *Datagram {
	d := NewDatagram()
	d.PutByte(code)
	return d
}

// Parse wraps a received payload for reading.
func Parse(data []byte) *Datagram {
	d := &Datagram{}
	d.SetData(data)
	return d
}

// Clear resets both the content and the read cursor.
func (d *Datagram) Clear() {
	d.buf = d.buf[:0]
	d.pos = 0
	d.short = false
}

// SetData replaces the content with a copy of data and rewinds the cursor.
func (d *Datagram) SetData(data []byte) {
	d.buf = append(d.buf[:0], data...)
	d.pos = 0
	d.short = false
}

// Bytes returns the encoded content. The slice aliases the datagram.
func (d *Datagram) Bytes() []byte {
	return d.buf
}

// Len returns the number of encoded bytes.
func (d *Datagram) Len() int {
	return len(d.buf)
}

// MaxUnreadBytes returns how many bytes are left behind the read cursor.
func (d *Datagram) MaxUnreadBytes() int {
	return len(d.buf) - d.pos
}

// Short reports whether any read ran past the end of the buffer.
func (d *Datagram) Short() bool {
	return d.short
}

// PutByte appends a single byte.
func (d *Datagram) PutByte(b byte) {
	d.buf = append(d.buf, b)
}

// PutInt appends a 32-bit signed integer.
func (d *Datagram) PutInt(v int32) {
	d.buf = binary.BigEndian.AppendUint32(d.buf, uint32(v))
}

// PutFloat appends a 32-bit float.
func (d *Datagram) PutFloat(v float32) {
	d.buf = binary.BigEndian.AppendUint32(d.buf, math.Float32bits(v))
}

// PutString appends a length-prefixed UTF-8 string.
func (d *Datagram) PutString(s string) {
	d.PutInt(int32(len(s)))
	d.buf = append(d.buf, s...)
}

// NextByte consumes one byte.
func (d *Datagram) NextByte() byte {
	if d.MaxUnreadBytes() < 1 {
		d.exhaust()
		return 0
	}
	b := d.buf[d.pos]
	d.pos++
	return b
}

// NextInt consumes a 32-bit signed integer.
func (d *Datagram) NextInt() int32 {
	if d.MaxUnreadBytes() < 4 {
		d.exhaust()
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return int32(v)
}

// NextFloat consumes a 32-bit float.
func (d *Datagram) NextFloat() float32 {
	if d.MaxUnreadBytes() < 4 {
		d.exhaust()
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return math.Float32frombits(v)
}

// NextString consumes a length-prefixed string. A negative or oversized length
// prefix yields "" and marks the datagram short.
func (d *Datagram) NextString() string {
	n := d.NextInt()
	if d.short {
		return ""
	}
	if n < 0 || int(n) > d.MaxUnreadBytes() {
		d.exhaust()
		return ""
	}
	s := string(d.buf[d.pos : d.pos+int(n)])
	d.pos += int(n)
	return s
}

// NextCount consumes an int used as an element count and validates it against
// the unread bytes, given the minimum encoded size of one element. Invalid
// counts return 0 and mark the datagram short.
func (d *Datagram) NextCount(minElemSize int) int {
	n := d.NextInt()
	if d.short {
		return 0
	}
	if n < 0 {
		d.exhaust()
		return 0
	}
	if minElemSize > 0 && int(n) > d.MaxUnreadBytes()/minElemSize {
		d.exhaust()
		return 0
	}
	return int(n)
}

func (d *Datagram) exhaust() {
	d.pos = len(d.buf)
	d.short = true
}
