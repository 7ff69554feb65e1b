package protocol

// Event is a decoded host → gateway frame.
type Event interface {
	// FrameType returns the wire type the event was decoded from.
	FrameType() FrameType
}

// ConnectionConfirm acknowledges a ConnectionRequest. It carries no payload.
type ConnectionConfirm struct {
	ConnID uint32
	Flags  Flags
}

// VideoFrame carries one opaque video payload.
type VideoFrame struct {
	ConnID uint32
	Flags  Flags
	Data   []byte
}

// ClipboardData carries clipboard content pushed by the host.
// See ParseClipboard for the conventional payload layout.
type ClipboardData struct {
	ConnID uint32
	Flags  Flags
	Data   []byte
}

// FileTransferChunk carries one piece of a host → client file.
// See ParseChunk for the conventional payload layout.
type FileTransferChunk struct {
	ConnID uint32
	Flags  Flags
	Data   []byte
}

// DeviceEvent carries an opaque device-redirection notification.
type DeviceEvent struct {
	ConnID uint32
	Flags  Flags
	Data   []byte
}

// UnknownFrame is any well-formed frame the gateway does not consume.
// Raw holds the complete frame, header included.
type UnknownFrame struct {
	Raw []byte
}

func (*ConnectionConfirm) FrameType() FrameType { return FrameConnectionConfirm }
func (*VideoFrame) FrameType() FrameType        { return FrameVideo }
func (*ClipboardData) FrameType() FrameType     { return FrameClipboard }
func (*FileTransferChunk) FrameType() FrameType { return FrameFileTransfer }
func (*DeviceEvent) FrameType() FrameType       { return FrameDevice }

// FrameType returns the type byte of the raw frame, or 0 if Raw is too
// short to carry one.
func (u *UnknownFrame) FrameType() FrameType {
	if len(u.Raw) < 5 {
		return 0
	}
	return FrameType(u.Raw[4])
}
