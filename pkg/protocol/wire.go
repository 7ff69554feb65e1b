package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// ErrTrailingBytes is returned when a payload is longer than its type allows.
var ErrTrailingBytes = errors.New("protocol: trailing bytes after payload")

// Encoder appends big-endian fields to a growing frame buffer.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an Encoder sized for small input frames.
func NewEncoder() *Encoder { return NewEncoderWithCap(HeaderSize + 32) }

func NewEncoderWithCap(n int) *Encoder {
	return &Encoder{buf: make([]byte, 0, n)}
}

// Bytes returns the encoded frame. It aliases the Encoder's buffer.
func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) Len() int { return len(e.buf) }

func (e *Encoder) WriteByte(b byte) { e.buf = append(e.buf, b) }

func (e *Encoder) WriteBytes(b []byte) { e.buf = append(e.buf, b...) }

func (e *Encoder) WriteBool(v bool) {
	var b byte
	if v {
		b = 1
	}
	e.buf = append(e.buf, b)
}

func (e *Encoder) WriteUint16(v uint16) { e.buf = binary.BigEndian.AppendUint16(e.buf, v) }

func (e *Encoder) WriteUint32(v uint32) { e.buf = binary.BigEndian.AppendUint32(e.buf, v) }

func (e *Encoder) WriteInt16(v int16) { e.WriteUint16(uint16(v)) }

// WriteString writes a uint16 length prefix followed by the bytes of s,
// truncated to 65535 bytes.
func (e *Encoder) WriteString(s string) {
	if len(s) > 0xFFFF {
		s = s[:0xFFFF]
	}
	e.WriteUint16(uint16(len(s)))
	e.buf = append(e.buf, s...)
}

// PutUint16At back-patches a field already written, such as the header
// length once the payload is known.
func (e *Encoder) PutUint16At(offset int, v uint16) {
	binary.BigEndian.PutUint16(e.buf[offset:], v)
}

// Decoder reads big-endian fields from a frame. Every read that runs past
// the end of the buffer fails with io.ErrUnexpectedEOF and consumes nothing.
type Decoder struct {
	buf []byte
}

func NewDecoder(buf []byte) *Decoder { return &Decoder{buf: buf} }

func (d *Decoder) EOF() bool { return len(d.buf) == 0 }

func (d *Decoder) take(n int) ([]byte, error) {
	if n < 0 || n > len(d.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b, nil
}

func (d *Decoder) ReadByte() (byte, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadBytes returns the next n bytes without copying.
func (d *Decoder) ReadBytes(n int) ([]byte, error) { return d.take(n) }

// ReadRest returns a copy of everything left.
func (d *Decoder) ReadRest() []byte {
	rest := make([]byte, len(d.buf))
	copy(rest, d.buf)
	d.buf = d.buf[len(d.buf):]
	return rest
}

func (d *Decoder) ReadBool() (bool, error) {
	b, err := d.ReadByte()
	return b != 0, err
}

func (d *Decoder) ReadUint16() (uint16, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *Decoder) ReadUint32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *Decoder) ReadInt16() (int16, error) {
	v, err := d.ReadUint16()
	return int16(v), err
}

// ReadString reads a uint16 length-prefixed string.
func (d *Decoder) ReadString() (string, error) {
	n, err := d.ReadUint16()
	if err != nil {
		return "", err
	}
	b, err := d.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
