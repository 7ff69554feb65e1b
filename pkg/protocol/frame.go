package protocol

import (
	"fmt"
	"io"
)

// Frame constants.
const (
	// HeaderSize is the size of the frame header in bytes.
	HeaderSize = 11

	// Version is the protocol version written to and accepted from the wire.
	Version = 3

	// MaxFrameSize is the largest frame the 16-bit length field can describe,
	// header included.
	MaxFrameSize = 0xFFFF

	// MaxPayloadSize is the largest payload that fits in one frame.
	MaxPayloadSize = MaxFrameSize - HeaderSize
)

// FrameType identifies the type of frame.
type FrameType uint8

const (
	FrameConnectionRequest FrameType = 0x01 // Gateway → host
	FrameConnectionConfirm FrameType = 0x02 // Host → gateway
	FrameInput             FrameType = 0x03 // Gateway → host
	FrameVideo             FrameType = 0x04 // Host → gateway
	FrameClipboard         FrameType = 0x05 // Host → gateway
	FrameFileTransfer      FrameType = 0x06 // Host → gateway
	FrameDevice            FrameType = 0x07 // Host → gateway
	FrameClipboardSet      FrameType = 0x08 // Gateway → host
	FrameClipboardRequest  FrameType = 0x09 // Gateway → host
)

// String returns the string representation of the frame type.
func (ft FrameType) String() string {
	switch ft {
	case FrameConnectionRequest:
		return "ConnectionRequest"
	case FrameConnectionConfirm:
		return "ConnectionConfirm"
	case FrameInput:
		return "Input"
	case FrameVideo:
		return "Video"
	case FrameClipboard:
		return "Clipboard"
	case FrameFileTransfer:
		return "FileTransfer"
	case FrameDevice:
		return "Device"
	case FrameClipboardSet:
		return "ClipboardSet"
	case FrameClipboardRequest:
		return "ClipboardRequest"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(ft))
	}
}

// Flags are optional per-frame flags.
type Flags uint8

const (
	FlagCompressed Flags = 0x01 // Payload is compressed by the host
	FlagKeyFrame   Flags = 0x02 // Video payload is a full frame
	FlagFinal      Flags = 0x04 // Last frame of a multi-frame message
	FlagPriority   Flags = 0x08 // Deliver ahead of queued frames
)

// Has returns true if the flags contain the specified flag.
func (f Flags) Has(flag Flags) bool {
	return f&flag != 0
}

// Header is the fixed 11-byte frame header.
//
// Wire format:
//
//	┌─────────┬──────────┬────────────┬────────┬───────────┬───────────┬────────┬───────────┐
//	│ Version │ Reserved │ Length     │ Type   │ ConnID hi │ ConnID lo │ Flags  │ Reserved2 │
//	│ 1 byte  │ 1 byte   │ 2 bytes BE │ 1 byte │ 2 bytes   │ 2 bytes   │ 1 byte │ 1 byte    │
//	└─────────┴──────────┴────────────┴────────┴───────────┴───────────┴────────┴───────────┘
//
// Length counts the whole frame, header included. Both reserved bytes are
// written as zero and carried through on decode.
type Header struct {
	Version   uint8
	Reserved  uint8
	Length    uint16
	Type      FrameType
	ConnID    uint32
	Flags     Flags
	Reserved2 uint8
}

// ParseHeader decodes the header at the start of data.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, malformed("header", fmt.Errorf("%d bytes, need %d", len(data), HeaderSize))
	}
	return Header{
		Version:   data[0],
		Reserved:  data[1],
		Length:    uint16(data[2])<<8 | uint16(data[3]),
		Type:      FrameType(data[4]),
		ConnID:    uint32(data[5])<<24 | uint32(data[6])<<16 | uint32(data[7])<<8 | uint32(data[8]),
		Flags:     Flags(data[9]),
		Reserved2: data[10],
	}, nil
}

// AppendTo writes the header using the provided encoder.
func (h Header) AppendTo(e *Encoder) {
	e.WriteByte(h.Version)
	e.WriteByte(h.Reserved)
	e.WriteUint16(h.Length)
	e.WriteByte(byte(h.Type))
	e.WriteUint16(uint16(h.ConnID >> 16))
	e.WriteUint16(uint16(h.ConnID))
	e.WriteByte(byte(h.Flags))
	e.WriteByte(h.Reserved2)
}

// Decode translates one complete frame into a typed event.
//
// Frames shorter than the header, or whose length field is smaller than
// the header or larger than data, fail with ErrMalformedFrame. Bytes beyond
// the declared length are ignored. Frames with a foreign version or a type
// the gateway does not consume decode to *UnknownFrame rather than failing.
func Decode(data []byte) (Event, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	n := int(h.Length)
	if n < HeaderSize {
		return nil, malformed("decode", fmt.Errorf("length field %d below header size", n))
	}
	if n > len(data) {
		return nil, malformed("decode", fmt.Errorf("length field %d exceeds %d available bytes", n, len(data)))
	}
	frame := data[:n]

	if h.Version != Version {
		return &UnknownFrame{Raw: clone(frame)}, nil
	}

	payload := frame[HeaderSize:]
	switch h.Type {
	case FrameConnectionConfirm:
		return &ConnectionConfirm{ConnID: h.ConnID, Flags: h.Flags}, nil
	case FrameVideo:
		return &VideoFrame{ConnID: h.ConnID, Flags: h.Flags, Data: clone(payload)}, nil
	case FrameClipboard:
		return &ClipboardData{ConnID: h.ConnID, Flags: h.Flags, Data: clone(payload)}, nil
	case FrameFileTransfer:
		return &FileTransferChunk{ConnID: h.ConnID, Flags: h.Flags, Data: clone(payload)}, nil
	case FrameDevice:
		return &DeviceEvent{ConnID: h.ConnID, Flags: h.Flags, Data: clone(payload)}, nil
	default:
		return &UnknownFrame{Raw: clone(frame)}, nil
	}
}

// Encode serializes an inbound event back to its wire form. Unknown frames
// are returned byte-identical.
func Encode(ev Event) ([]byte, error) {
	switch v := ev.(type) {
	case *UnknownFrame:
		return clone(v.Raw), nil
	case *ConnectionConfirm:
		return buildFrame(FrameConnectionConfirm, v.ConnID, v.Flags, nil)
	case *VideoFrame:
		return buildFrame(FrameVideo, v.ConnID, v.Flags, v.Data)
	case *ClipboardData:
		return buildFrame(FrameClipboard, v.ConnID, v.Flags, v.Data)
	case *FileTransferChunk:
		return buildFrame(FrameFileTransfer, v.ConnID, v.Flags, v.Data)
	case *DeviceEvent:
		return buildFrame(FrameDevice, v.ConnID, v.Flags, v.Data)
	default:
		return nil, fmt.Errorf("protocol: cannot encode %T", ev)
	}
}

func buildFrame(ft FrameType, connID uint32, flags Flags, payload []byte) ([]byte, error) {
	return encodeFrame(ft, connID, flags, func(e *Encoder) error {
		e.WriteBytes(payload)
		return nil
	})
}

// encodeFrame writes a header, lets body append the payload, then patches
// the length field with the final size.
func encodeFrame(ft FrameType, connID uint32, flags Flags, body func(e *Encoder) error) ([]byte, error) {
	e := NewEncoderWithCap(HeaderSize + 32)
	Header{Version: Version, Type: ft, ConnID: connID, Flags: flags}.AppendTo(e)
	if body != nil {
		if err := body(e); err != nil {
			return nil, err
		}
	}
	if e.Len() > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, e.Len())
	}
	e.PutUint16At(2, uint16(e.Len()))
	return e.Bytes(), nil
}

// ReadFrame reads one complete frame from a byte stream and returns it
// with its header.
//
// A length field below the header size cannot be resynchronized on a
// stream, so it fails with ErrMalformedFrame and the caller should close
// the stream.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	length := int(header[2])<<8 | int(header[3])
	if length < HeaderSize {
		return nil, malformed("read", fmt.Errorf("length field %d below header size", length))
	}

	frame := make([]byte, length)
	copy(frame, header)
	if length > HeaderSize {
		if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
			return nil, err
		}
	}
	return frame, nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
