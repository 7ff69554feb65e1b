package protocol

import "fmt"

// ClipboardFormat identifies clipboard content.
type ClipboardFormat uint8

const (
	ClipboardText ClipboardFormat = iota
	ClipboardHTML
	ClipboardImage
)

// String returns the string representation of the clipboard format.
func (f ClipboardFormat) String() string {
	switch f {
	case ClipboardText:
		return "text"
	case ClipboardHTML:
		return "html"
	case ClipboardImage:
		return "image"
	default:
		return fmt.Sprintf("format(%d)", uint8(f))
	}
}

// ParseClipboardFormat parses a format name. The empty string means text.
func ParseClipboardFormat(s string) (ClipboardFormat, error) {
	switch s {
	case "", "text":
		return ClipboardText, nil
	case "html":
		return ClipboardHTML, nil
	case "image":
		return ClipboardImage, nil
	}
	return 0, fmt.Errorf("protocol: unknown clipboard format %q", s)
}

// ClipboardSet pushes client clipboard content to the host.
//
// Payload: [format:8][data...]
type ClipboardSet struct {
	Format ClipboardFormat
	Data   []byte
}

// ClipboardRequest asks the host for its clipboard content. The host
// answers with a ClipboardData frame.
//
// Payload: [format:8]
type ClipboardRequest struct {
	Format ClipboardFormat
}

func (*ClipboardSet) FrameType() FrameType     { return FrameClipboardSet }
func (*ClipboardRequest) FrameType() FrameType { return FrameClipboardRequest }

func (c *ClipboardSet) encodePayload(e *Encoder) error {
	if c.Format > ClipboardImage {
		return fmt.Errorf("%w: clipboard format %d", ErrInvalidInput, c.Format)
	}
	if len(c.Data) > MaxPayloadSize-1 {
		return fmt.Errorf("%w: %d clipboard bytes", ErrFrameTooLarge, len(c.Data))
	}
	e.WriteByte(byte(c.Format))
	e.WriteBytes(c.Data)
	return nil
}

func (c *ClipboardRequest) encodePayload(e *Encoder) error {
	if c.Format > ClipboardImage {
		return fmt.Errorf("%w: clipboard format %d", ErrInvalidInput, c.Format)
	}
	e.WriteByte(byte(c.Format))
	return nil
}

// ParseClipboard splits a ClipboardData payload laid out as
// [format:8][data...].
func ParseClipboard(c *ClipboardData) (ClipboardFormat, []byte, error) {
	if len(c.Data) == 0 {
		return 0, nil, malformed("clipboard", fmt.Errorf("empty payload"))
	}
	return ClipboardFormat(c.Data[0]), c.Data[1:], nil
}
