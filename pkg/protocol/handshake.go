package protocol

import (
	"fmt"
	"strings"
)

// Quality is the requested stream quality.
type Quality uint8

const (
	QualityLow Quality = iota
	QualityMedium
	QualityHigh
	QualityUltra
)

// String returns the string representation of the quality level.
func (q Quality) String() string {
	switch q {
	case QualityLow:
		return "low"
	case QualityMedium:
		return "medium"
	case QualityHigh:
		return "high"
	case QualityUltra:
		return "ultra"
	default:
		return fmt.Sprintf("quality(%d)", uint8(q))
	}
}

// Valid reports whether q is one of the defined levels.
func (q Quality) Valid() bool {
	return q <= QualityUltra
}

// ParseQuality parses a quality name, case-insensitively.
func ParseQuality(s string) (Quality, error) {
	switch strings.ToLower(s) {
	case "low":
		return QualityLow, nil
	case "medium":
		return QualityMedium, nil
	case "high":
		return QualityHigh, nil
	case "ultra":
		return QualityUltra, nil
	}
	return 0, fmt.Errorf("protocol: unknown quality %q", s)
}

// MarshalText encodes the quality by name.
func (q Quality) MarshalText() ([]byte, error) {
	if !q.Valid() {
		return nil, fmt.Errorf("protocol: invalid quality %d", uint8(q))
	}
	return []byte(q.String()), nil
}

// UnmarshalText decodes a quality name.
func (q *Quality) UnmarshalText(b []byte) error {
	v, err := ParseQuality(string(b))
	if err != nil {
		return err
	}
	*q = v
	return nil
}

// Features is the set of optional channels requested for a session.
type Features uint32

const (
	FeatureClipboard Features = 1 << iota
	FeatureFileTransfer
	FeatureAudio
	FeaturePrinter
	FeatureUSB
	FeatureMultiMonitor
)

// Has returns true if f contains every bit of feature.
func (f Features) Has(feature Features) bool {
	return f&feature == feature
}

// ConnectionRequest opens a session on the host.
//
// Payload:
//
//	[width:16][height:16][colorDepth:8][quality:8][features:32]
//	[username:str16][password:str16][domain:str16]
//
// str16 is a uint16 length followed by that many bytes.
type ConnectionRequest struct {
	Width      uint16
	Height     uint16
	ColorDepth uint8
	Quality    Quality
	Features   Features
	Username   string
	Password   string
	Domain     string
}

// FrameType implements Command.
func (*ConnectionRequest) FrameType() FrameType { return FrameConnectionRequest }

func (r *ConnectionRequest) encodePayload(e *Encoder) error {
	for _, s := range []string{r.Username, r.Password, r.Domain} {
		if len(s) > 0xFFFF {
			return fmt.Errorf("%w: credential field too long", ErrInvalidInput)
		}
	}
	e.WriteUint16(r.Width)
	e.WriteUint16(r.Height)
	e.WriteByte(r.ColorDepth)
	e.WriteByte(byte(r.Quality))
	e.WriteUint32(uint32(r.Features))
	e.WriteString(r.Username)
	e.WriteString(r.Password)
	e.WriteString(r.Domain)
	return nil
}

func decodeConnectionRequest(d *Decoder) (*ConnectionRequest, error) {
	var (
		r   ConnectionRequest
		err error
		b   byte
		u32 uint32
	)
	if r.Width, err = d.ReadUint16(); err != nil {
		return nil, err
	}
	if r.Height, err = d.ReadUint16(); err != nil {
		return nil, err
	}
	if r.ColorDepth, err = d.ReadByte(); err != nil {
		return nil, err
	}
	if b, err = d.ReadByte(); err != nil {
		return nil, err
	}
	r.Quality = Quality(b)
	if u32, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	r.Features = Features(u32)
	if r.Username, err = d.ReadString(); err != nil {
		return nil, err
	}
	if r.Password, err = d.ReadString(); err != nil {
		return nil, err
	}
	if r.Domain, err = d.ReadString(); err != nil {
		return nil, err
	}
	return &r, nil
}
