package protocol

import "fmt"

// InputKind is the first payload byte of every Input frame.
type InputKind uint8

const (
	InputMouse    InputKind = 0x01
	InputKeyboard InputKind = 0x02
	InputTouch    InputKind = 0x03
	InputWheel    InputKind = 0x04
)

// String returns the string representation of the input kind.
func (k InputKind) String() string {
	switch k {
	case InputMouse:
		return "mouse"
	case InputKeyboard:
		return "keyboard"
	case InputTouch:
		return "touch"
	case InputWheel:
		return "wheel"
	default:
		return fmt.Sprintf("input(0x%02x)", uint8(k))
	}
}

// Input is a user input command forwarded to the host.
type Input interface {
	Command
	Kind() InputKind
}

// Modifiers is a bitmask of held modifier keys.
type Modifiers uint8

const (
	ModCtrl Modifiers = 1 << iota
	ModAlt
	ModShift
	ModMeta
)

// MouseAction is what happened to the pointer.
type MouseAction uint8

const (
	MouseMove MouseAction = iota
	MouseDown
	MouseUp
)

// MouseButton identifies a pointer button.
type MouseButton uint8

const (
	ButtonLeft MouseButton = iota
	ButtonMiddle
	ButtonRight
	ButtonBack
	ButtonForward
)

// KeyAction is a key transition.
type KeyAction uint8

const (
	KeyDown KeyAction = iota
	KeyUp
)

// TouchAction is a touch transition.
type TouchAction uint8

const (
	TouchStart TouchAction = iota
	TouchMove
	TouchEnd
	TouchCancel
)

// MaxTouchPoints bounds the number of points in one TouchInput.
const MaxTouchPoints = 10

// MouseInput is a pointer event.
//
// Payload: [kind:8][action:8][button:8][x:16][y:16][modifiers:8]
type MouseInput struct {
	Action    MouseAction
	Button    MouseButton
	X, Y      uint16
	Modifiers Modifiers
}

// KeyboardInput is a key event. KeyCode is the platform virtual key code.
//
// Payload: [kind:8][action:8][keyCode:32][modifiers:8][repeat:8]
type KeyboardInput struct {
	Action    KeyAction
	KeyCode   uint32
	Modifiers Modifiers
	Repeat    bool
}

// TouchPoint is one contact of a touch event. Pressure is scaled to 0-255.
type TouchPoint struct {
	ID       uint8
	X, Y     uint16
	Pressure uint8
}

// TouchInput is a multi-touch event.
//
// Payload: [kind:8][action:8][count:8] then count × [id:8][x:16][y:16][pressure:8]
type TouchInput struct {
	Action TouchAction
	Points []TouchPoint
}

// WheelInput is a scroll event.
//
// Payload: [kind:8][deltaX:16][deltaY:16][x:16][y:16][modifiers:8]
type WheelInput struct {
	DeltaX, DeltaY int16
	X, Y           uint16
	Modifiers      Modifiers
}

func (*MouseInput) FrameType() FrameType    { return FrameInput }
func (*KeyboardInput) FrameType() FrameType { return FrameInput }
func (*TouchInput) FrameType() FrameType    { return FrameInput }
func (*WheelInput) FrameType() FrameType    { return FrameInput }

func (*MouseInput) Kind() InputKind    { return InputMouse }
func (*KeyboardInput) Kind() InputKind { return InputKeyboard }
func (*TouchInput) Kind() InputKind    { return InputTouch }
func (*WheelInput) Kind() InputKind    { return InputWheel }

func (m *MouseInput) encodePayload(e *Encoder) error {
	if m.Action > MouseUp || m.Button > ButtonForward {
		return fmt.Errorf("%w: mouse action %d button %d", ErrInvalidInput, m.Action, m.Button)
	}
	e.WriteByte(byte(InputMouse))
	e.WriteByte(byte(m.Action))
	e.WriteByte(byte(m.Button))
	e.WriteUint16(m.X)
	e.WriteUint16(m.Y)
	e.WriteByte(byte(m.Modifiers))
	return nil
}

func (k *KeyboardInput) encodePayload(e *Encoder) error {
	if k.Action > KeyUp {
		return fmt.Errorf("%w: key action %d", ErrInvalidInput, k.Action)
	}
	e.WriteByte(byte(InputKeyboard))
	e.WriteByte(byte(k.Action))
	e.WriteUint32(k.KeyCode)
	e.WriteByte(byte(k.Modifiers))
	e.WriteBool(k.Repeat)
	return nil
}

func (t *TouchInput) encodePayload(e *Encoder) error {
	if t.Action > TouchCancel {
		return fmt.Errorf("%w: touch action %d", ErrInvalidInput, t.Action)
	}
	if len(t.Points) == 0 || len(t.Points) > MaxTouchPoints {
		return fmt.Errorf("%w: %d touch points", ErrInvalidInput, len(t.Points))
	}
	e.WriteByte(byte(InputTouch))
	e.WriteByte(byte(t.Action))
	e.WriteByte(byte(len(t.Points)))
	for _, p := range t.Points {
		e.WriteByte(p.ID)
		e.WriteUint16(p.X)
		e.WriteUint16(p.Y)
		e.WriteByte(p.Pressure)
	}
	return nil
}

func (w *WheelInput) encodePayload(e *Encoder) error {
	e.WriteByte(byte(InputWheel))
	e.WriteInt16(w.DeltaX)
	e.WriteInt16(w.DeltaY)
	e.WriteUint16(w.X)
	e.WriteUint16(w.Y)
	e.WriteByte(byte(w.Modifiers))
	return nil
}

func decodeInput(d *Decoder) (Input, error) {
	kind, err := d.ReadByte()
	if err != nil {
		return nil, err
	}

	switch InputKind(kind) {
	case InputMouse:
		b, err := d.ReadBytes(7)
		if err != nil {
			return nil, err
		}
		return &MouseInput{
			Action:    MouseAction(b[0]),
			Button:    MouseButton(b[1]),
			X:         uint16(b[2])<<8 | uint16(b[3]),
			Y:         uint16(b[4])<<8 | uint16(b[5]),
			Modifiers: Modifiers(b[6]),
		}, nil

	case InputKeyboard:
		action, err := d.ReadByte()
		if err != nil {
			return nil, err
		}
		code, err := d.ReadUint32()
		if err != nil {
			return nil, err
		}
		mods, err := d.ReadByte()
		if err != nil {
			return nil, err
		}
		repeat, err := d.ReadBool()
		if err != nil {
			return nil, err
		}
		return &KeyboardInput{Action: KeyAction(action), KeyCode: code, Modifiers: Modifiers(mods), Repeat: repeat}, nil

	case InputTouch:
		head, err := d.ReadBytes(2)
		if err != nil {
			return nil, err
		}
		count := int(head[1])
		if count > MaxTouchPoints {
			return nil, fmt.Errorf("%w: %d touch points", ErrInvalidInput, count)
		}
		t := &TouchInput{Action: TouchAction(head[0]), Points: make([]TouchPoint, count)}
		for i := range t.Points {
			b, err := d.ReadBytes(6)
			if err != nil {
				return nil, err
			}
			t.Points[i] = TouchPoint{
				ID:       b[0],
				X:        uint16(b[1])<<8 | uint16(b[2]),
				Y:        uint16(b[3])<<8 | uint16(b[4]),
				Pressure: b[5],
			}
		}
		return t, nil

	case InputWheel:
		w := &WheelInput{}
		if w.DeltaX, err = d.ReadInt16(); err != nil {
			return nil, err
		}
		if w.DeltaY, err = d.ReadInt16(); err != nil {
			return nil, err
		}
		if w.X, err = d.ReadUint16(); err != nil {
			return nil, err
		}
		if w.Y, err = d.ReadUint16(); err != nil {
			return nil, err
		}
		mods, err := d.ReadByte()
		if err != nil {
			return nil, err
		}
		w.Modifiers = Modifiers(mods)
		return w, nil
	}

	return nil, fmt.Errorf("%w: input kind 0x%02x", ErrUnknownCommand, kind)
}
