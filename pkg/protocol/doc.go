// Package protocol implements the gateway ↔ host wire format.
//
// Every message is a frame: a fixed 11-byte header followed by a
// type-specific payload. All numeric fields are big-endian.
//
// # Wire Format
//
//	┌─────────┬──────────┬────────────┬────────┬───────────┬───────────┬────────┬───────────┐
//	│ Version │ Reserved │ Length     │ Type   │ ConnID hi │ ConnID lo │ Flags  │ Reserved2 │
//	│ 1 byte  │ 1 byte   │ 2 bytes BE │ 1 byte │ 2 bytes   │ 2 bytes   │ 1 byte │ 1 byte    │
//	└─────────┴──────────┴────────────┴────────┴───────────┴───────────┴────────┴───────────┘
//	│                                                                                         │
//	│  Payload (Length - 11 bytes)                                                            │
//	│                                                                                         │
//	└─────────────────────────────────────────────────────────────────────────────────────────┘
//
// Length is the size of the whole frame including the header. Encoders
// compute it after the payload is written; it is never a constant.
//
// # Frame Types
//
// Host → gateway (decoded by Decode into an Event):
//
//   - FrameConnectionConfirm (0x02): session accepted, no payload
//   - FrameVideo (0x04): opaque video payload
//   - FrameClipboard (0x05): host clipboard content
//   - FrameFileTransfer (0x06): file chunk, see ParseChunk
//   - FrameDevice (0x07): device-redirection notification
//
// Anything else, including any frame whose version is not 3, decodes to
// *UnknownFrame carrying the raw bytes.
//
// Gateway → host (built by EncodeCommand from a Command):
//
//   - FrameConnectionRequest (0x01): dimensions, quality, features, credentials
//   - FrameInput (0x03): mouse, keyboard, touch or wheel input
//   - FrameClipboardSet (0x08): client clipboard content
//   - FrameClipboardRequest (0x09): ask the host for its clipboard
//
// # Streams
//
// ReadFrame reads one frame at a time from a byte stream using the length
// field. The codec itself holds no state and is safe for concurrent use.
package protocol
