package server

import (
	"encoding/json"
	"errors"
	"fmt"

	gwerrors "github.com/deskgate/deskgate/internal/errors"
	"github.com/deskgate/deskgate/pkg/protocol"
	"github.com/deskgate/deskgate/pkg/redirect"
	"github.com/deskgate/deskgate/pkg/session"
)

// Client → gateway message types.
const (
	msgConnect           = "connect"
	msgDisconnect        = "disconnect"
	msgReconnect         = "reconnect"
	msgStatus            = "status"
	msgPing              = "ping"
	msgInputMouse        = "input.mouse"
	msgInputKeyboard     = "input.keyboard"
	msgInputTouch        = "input.touch"
	msgInputWheel        = "input.wheel"
	msgClipboardSet      = "clipboard.set"
	msgClipboardRequest  = "clipboard.request"
	msgDisplayQuality    = "display.quality"
	msgDisplayFullscreen = "display.fullscreen"
	msgDisplayMonitor    = "display.monitor"
	msgDeviceConnect     = "device.connect"
	msgDeviceDisconnect  = "device.disconnect"
	msgDeviceList        = "device.list"
	msgFileList          = "file.list"
	msgFileCancel        = "file.cancel"
)

// Gateway → client reply types. Session and registry events are sent
// under their event type names.
const (
	replyOK           = "ok"
	replyError        = "error"
	replyPong         = "pong"
	replyReconnecting = "reconnecting"
)

// inbound is a client message.
type inbound struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// outbound is a gateway message. ID echoes the request a reply answers.
type outbound struct {
	ID        string     `json:"id,omitempty"`
	Type      string     `json:"type"`
	SessionID string     `json:"session_id,omitempty"`
	Data      any        `json:"data,omitempty"`
	Error     *wireError `json:"error,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func toWireError(err error) *wireError {
	if err == nil {
		return nil
	}
	k := gwerrors.KindOf(err)
	if k == gwerrors.Unknown && errors.Is(err, redirect.ErrTooLarge) {
		k = gwerrors.LimitExceeded
	}
	return &wireError{Code: k.Code(), Kind: k.String(), Message: err.Error()}
}

func (m inbound) decode(v any) error {
	if len(m.Data) == 0 {
		return gwerrors.Newf(gwerrors.InvalidConfig, "server.decode", "%s: missing data", m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return gwerrors.E(gwerrors.InvalidConfig, "server.decode", m.Type, err)
	}
	return nil
}

type wireModifiers struct {
	Ctrl  bool `json:"ctrl,omitempty"`
	Alt   bool `json:"alt,omitempty"`
	Shift bool `json:"shift,omitempty"`
	Meta  bool `json:"meta,omitempty"`
}

func (w wireModifiers) mask() protocol.Modifiers {
	var m protocol.Modifiers
	if w.Ctrl {
		m |= protocol.ModCtrl
	}
	if w.Alt {
		m |= protocol.ModAlt
	}
	if w.Shift {
		m |= protocol.ModShift
	}
	if w.Meta {
		m |= protocol.ModMeta
	}
	return m
}

type mouseMessage struct {
	Action    string        `json:"action"`
	Button    string        `json:"button"`
	X         uint16        `json:"x"`
	Y         uint16        `json:"y"`
	Modifiers wireModifiers `json:"modifiers"`
}

type keyboardMessage struct {
	Action    string        `json:"action"`
	KeyCode   uint32        `json:"key_code"`
	Modifiers wireModifiers `json:"modifiers"`
	Repeat    bool          `json:"repeat,omitempty"`
}

type touchMessage struct {
	Action string `json:"action"`
	Points []struct {
		ID       uint8  `json:"id"`
		X        uint16 `json:"x"`
		Y        uint16 `json:"y"`
		Pressure uint8  `json:"pressure"`
	} `json:"points"`
}

type wheelMessage struct {
	DeltaX    int16         `json:"delta_x"`
	DeltaY    int16         `json:"delta_y"`
	X         uint16        `json:"x"`
	Y         uint16        `json:"y"`
	Modifiers wireModifiers `json:"modifiers"`
}

var (
	mouseActions = map[string]protocol.MouseAction{
		"move": protocol.MouseMove, "down": protocol.MouseDown, "up": protocol.MouseUp,
	}
	mouseButtons = map[string]protocol.MouseButton{
		"": protocol.ButtonLeft, "left": protocol.ButtonLeft, "middle": protocol.ButtonMiddle,
		"right": protocol.ButtonRight, "back": protocol.ButtonBack, "forward": protocol.ButtonForward,
	}
	keyActions = map[string]protocol.KeyAction{
		"down": protocol.KeyDown, "up": protocol.KeyUp,
	}
	touchActions = map[string]protocol.TouchAction{
		"start": protocol.TouchStart, "move": protocol.TouchMove,
		"end": protocol.TouchEnd, "cancel": protocol.TouchCancel,
	}
)

func lookup[V any](table map[string]V, field, value string) (V, error) {
	v, ok := table[value]
	if !ok {
		return v, gwerrors.Newf(gwerrors.InvalidConfig, "server.input", "unknown %s %q", field, value)
	}
	return v, nil
}

// parseInput converts an input.* message into a protocol input.
func parseInput(m inbound) (protocol.Input, error) {
	switch m.Type {
	case msgInputMouse:
		var w mouseMessage
		if err := m.decode(&w); err != nil {
			return nil, err
		}
		action, err := lookup(mouseActions, "mouse action", w.Action)
		if err != nil {
			return nil, err
		}
		button, err := lookup(mouseButtons, "mouse button", w.Button)
		if err != nil {
			return nil, err
		}
		return &protocol.MouseInput{Action: action, Button: button, X: w.X, Y: w.Y, Modifiers: w.Modifiers.mask()}, nil

	case msgInputKeyboard:
		var w keyboardMessage
		if err := m.decode(&w); err != nil {
			return nil, err
		}
		action, err := lookup(keyActions, "key action", w.Action)
		if err != nil {
			return nil, err
		}
		return &protocol.KeyboardInput{Action: action, KeyCode: w.KeyCode, Modifiers: w.Modifiers.mask(), Repeat: w.Repeat}, nil

	case msgInputTouch:
		var w touchMessage
		if err := m.decode(&w); err != nil {
			return nil, err
		}
		action, err := lookup(touchActions, "touch action", w.Action)
		if err != nil {
			return nil, err
		}
		if len(w.Points) > protocol.MaxTouchPoints {
			return nil, gwerrors.Newf(gwerrors.InvalidConfig, "server.input", "%d touch points, at most %d", len(w.Points), protocol.MaxTouchPoints)
		}
		in := &protocol.TouchInput{Action: action, Points: make([]protocol.TouchPoint, len(w.Points))}
		for i, p := range w.Points {
			in.Points[i] = protocol.TouchPoint{ID: p.ID, X: p.X, Y: p.Y, Pressure: p.Pressure}
		}
		return in, nil

	case msgInputWheel:
		var w wheelMessage
		if err := m.decode(&w); err != nil {
			return nil, err
		}
		return &protocol.WheelInput{DeltaX: w.DeltaX, DeltaY: w.DeltaY, X: w.X, Y: w.Y, Modifiers: w.Modifiers.mask()}, nil
	}
	return nil, gwerrors.Newf(gwerrors.InvalidConfig, "server.input", "unknown input type %q", m.Type)
}

type clipboardMessage struct {
	Format string `json:"format"`
	// Data is text for text and html, base64 for image.
	Data string `json:"data,omitempty"`
}

type clipboardEvent struct {
	Format string `json:"format"`
	Data   any    `json:"data"`
}

// clipboardPayload renders a host clipboard frame; text formats are sent
// as strings, images as base64 through []byte.
func clipboardPayload(c *protocol.ClipboardData) (clipboardEvent, error) {
	format, data, err := protocol.ParseClipboard(c)
	if err != nil {
		return clipboardEvent{}, err
	}
	if format == protocol.ClipboardImage {
		return clipboardEvent{Format: format.String(), Data: data}, nil
	}
	return clipboardEvent{Format: format.String(), Data: string(data)}, nil
}

// eventMessage renders a bus event for the wire. Video frames are not
// handled here; they go out as binary messages.
func eventMessage(ev session.Event) (outbound, error) {
	out := outbound{Type: string(ev.Type), SessionID: ev.SessionID, Error: toWireError(ev.Err)}
	switch p := ev.Payload.(type) {
	case *protocol.ClipboardData:
		data, err := clipboardPayload(p)
		if err != nil {
			return out, err
		}
		out.Data = data
	case *protocol.DeviceEvent:
		out.Data = map[string]any{"data": p.Data}
	case *protocol.FileTransferChunk:
		out.Data = map[string]any{"size": len(p.Data), "final": p.Flags.Has(protocol.FlagFinal)}
	case *protocol.UnknownFrame:
		out.Data = map[string]any{"frame_type": fmt.Sprintf("0x%02x", uint8(p.FrameType())), "size": len(p.Raw)}
	default:
		out.Data = p
	}
	return out, nil
}

// videoMessage is a binary message: [flags:8][payload...].
func videoMessage(f *protocol.VideoFrame) []byte {
	buf := make([]byte, 1+len(f.Data))
	buf[0] = byte(f.Flags)
	copy(buf[1:], f.Data)
	return buf
}
