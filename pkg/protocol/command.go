package protocol

import "fmt"

// Command is a gateway → host frame body.
type Command interface {
	// FrameType returns the wire type the command is sent as.
	FrameType() FrameType

	encodePayload(e *Encoder) error
}

// EncodeCommand builds a complete frame for cmd. The header length field
// is computed from the encoded payload.
func EncodeCommand(connID uint32, flags Flags, cmd Command) ([]byte, error) {
	if cmd == nil {
		return nil, fmt.Errorf("%w: nil command", ErrInvalidInput)
	}
	return encodeFrame(cmd.FrameType(), connID, flags, cmd.encodePayload)
}

// DecodeCommand parses a gateway → host frame. It is the host-side mirror
// of EncodeCommand and is used by probes and test hosts.
func DecodeCommand(data []byte) (Header, Command, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return Header{}, nil, err
	}
	n := int(h.Length)
	if n < HeaderSize || n > len(data) {
		return h, nil, malformed("decode_command", fmt.Errorf("length field %d for %d bytes", n, len(data)))
	}
	if h.Version != Version {
		return h, nil, fmt.Errorf("%w: version %d", ErrUnknownCommand, h.Version)
	}

	d := NewDecoder(data[HeaderSize:n])
	var cmd Command
	switch h.Type {
	case FrameConnectionRequest:
		cmd, err = decodeConnectionRequest(d)
	case FrameInput:
		cmd, err = decodeInput(d)
	case FrameClipboardSet:
		var f byte
		if f, err = d.ReadByte(); err == nil {
			cmd = &ClipboardSet{Format: ClipboardFormat(f), Data: d.ReadRest()}
		}
	case FrameClipboardRequest:
		var f byte
		if f, err = d.ReadByte(); err == nil {
			cmd = &ClipboardRequest{Format: ClipboardFormat(f)}
		}
	default:
		return h, nil, fmt.Errorf("%w: %s", ErrUnknownCommand, h.Type)
	}
	if err != nil {
		return h, nil, malformed("decode_command", err)
	}
	if !d.EOF() {
		return h, nil, malformed("decode_command", ErrTrailingBytes)
	}
	return h, cmd, nil
}
