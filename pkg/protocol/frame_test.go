package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeShortBufferIsMalformed(t *testing.T) {
	for _, n := range []int{0, 1, 9, 10} {
		_, err := Decode(make([]byte, n))
		require.Error(t, err, "len %d", n)
		assert.True(t, errors.Is(err, ErrMalformedFrame), "len %d: %v", n, err)
	}
}

func TestDecodeConnectionConfirm(t *testing.T) {
	data := []byte{0x03, 0x00, 0x00, 0x0B, 0x02, 0x00, 0x01, 0x00, 0x02, 0x00, 0x00}

	ev, err := Decode(data)
	require.NoError(t, err)

	confirm, ok := ev.(*ConnectionConfirm)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, uint32(0x00010002), confirm.ConnID)
	assert.Equal(t, FrameConnectionConfirm, ev.FrameType())
}

func TestDecodeConfirmIgnoresBytesPastLength(t *testing.T) {
	data := []byte{0x03, 0x00, 0x00, 0x0B, 0x02, 0, 0, 0, 0, 0, 0, 0xAA, 0xBB}

	ev, err := Decode(data)
	require.NoError(t, err)
	assert.IsType(t, &ConnectionConfirm{}, ev)
}

func TestDecodeInconsistentLength(t *testing.T) {
	tests := []struct {
		name   string
		length uint16
		size   int
	}{
		{"below header", 4, HeaderSize},
		{"beyond buffer", 40, HeaderSize + 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := make([]byte, tt.size)
			data[0] = Version
			data[2] = byte(tt.length >> 8)
			data[3] = byte(tt.length)
			data[4] = byte(FrameVideo)

			_, err := Decode(data)
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestDecodeTypedPayloads(t *testing.T) {
	payload := []byte("payload")

	tests := []struct {
		ft   FrameType
		want Event
	}{
		{FrameVideo, &VideoFrame{ConnID: 7, Flags: FlagKeyFrame, Data: payload}},
		{FrameClipboard, &ClipboardData{ConnID: 7, Flags: FlagKeyFrame, Data: payload}},
		{FrameFileTransfer, &FileTransferChunk{ConnID: 7, Flags: FlagKeyFrame, Data: payload}},
		{FrameDevice, &DeviceEvent{ConnID: 7, Flags: FlagKeyFrame, Data: payload}},
	}

	for _, tt := range tests {
		t.Run(tt.ft.String(), func(t *testing.T) {
			data, err := buildFrame(tt.ft, 7, FlagKeyFrame, payload)
			require.NoError(t, err)

			ev, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev)
		})
	}
}

func TestDecodeUnknownFrames(t *testing.T) {
	foreignVersion, err := buildFrame(FrameVideo, 1, 0, []byte{1, 2, 3})
	require.NoError(t, err)
	foreignVersion[0] = 2

	unknownType, err := buildFrame(FrameType(0x42), 1, 0, []byte{9})
	require.NoError(t, err)

	// Command frames travel gateway → host and are not consumed on decode.
	input, err := EncodeCommand(1, 0, &MouseInput{X: 1, Y: 2})
	require.NoError(t, err)

	for name, data := range map[string][]byte{
		"foreign version": foreignVersion,
		"unknown type":    unknownType,
		"command type":    input,
	} {
		t.Run(name, func(t *testing.T) {
			ev, err := Decode(data)
			require.NoError(t, err)

			u, ok := ev.(*UnknownFrame)
			require.True(t, ok, "got %T", ev)
			assert.Equal(t, data, u.Raw)
			assert.Equal(t, FrameType(data[4]), u.FrameType())

			back, err := Encode(u)
			require.NoError(t, err)
			assert.Equal(t, data, back)
		})
	}
}

func TestEventRoundTrip(t *testing.T) {
	events := []Event{
		&ConnectionConfirm{ConnID: 0xDEADBEEF, Flags: FlagFinal},
		&VideoFrame{ConnID: 1, Flags: FlagKeyFrame | FlagCompressed, Data: bytes.Repeat([]byte{0x5A}, 1024)},
		&ClipboardData{ConnID: 2, Data: []byte{byte(ClipboardText), 'h', 'i'}},
		&FileTransferChunk{ConnID: 3, Data: []byte{1, 2, 3, 4}},
		&DeviceEvent{ConnID: 4, Flags: FlagPriority, Data: []byte("usb attached")},
	}

	for _, ev := range events {
		t.Run(ev.FrameType().String(), func(t *testing.T) {
			data, err := Encode(ev)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, ev, got)
		})
	}
}

func TestEncodeLengthFieldMatchesSize(t *testing.T) {
	for _, size := range []int{0, 1, 100, MaxPayloadSize} {
		data, err := Encode(&VideoFrame{Data: make([]byte, size)})
		require.NoError(t, err)

		h, err := ParseHeader(data)
		require.NoError(t, err)
		assert.Equal(t, len(data), int(h.Length))
		assert.Equal(t, HeaderSize+size, len(data))
	}
}

func TestEncodeTooLarge(t *testing.T) {
	_, err := Encode(&VideoFrame{Data: make([]byte, MaxPayloadSize+1)})
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestHeaderConnIDSplit(t *testing.T) {
	e := NewEncoder()
	Header{Version: Version, Length: HeaderSize, Type: FrameDevice, ConnID: 0x12345678, Flags: FlagFinal}.AppendTo(e)

	b := e.Bytes()
	require.Len(t, b, HeaderSize)
	assert.Equal(t, []byte{0x12, 0x34}, b[5:7])
	assert.Equal(t, []byte{0x56, 0x78}, b[7:9])
	assert.Equal(t, byte(FlagFinal), b[9])
}

func TestReadFrameStream(t *testing.T) {
	var stream bytes.Buffer
	var frames [][]byte
	for i, ev := range []Event{
		&ConnectionConfirm{ConnID: 1},
		&VideoFrame{ConnID: 1, Data: []byte("A")},
		&VideoFrame{ConnID: 1, Data: []byte("BB")},
	} {
		data, err := Encode(ev)
		require.NoError(t, err, "event %d", i)
		frames = append(frames, data)
		stream.Write(data)
	}

	for i, want := range frames {
		got, err := ReadFrame(&stream)
		require.NoError(t, err, "frame %d", i)
		assert.Equal(t, want, got)
	}

	_, err := ReadFrame(&stream)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameRejectsShortLength(t *testing.T) {
	data := []byte{0x03, 0x00, 0x00, 0x02, 0x04, 0, 0, 0, 0, 0, 0}
	_, err := ReadFrame(bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	data, err := Encode(&VideoFrame{Data: []byte("abcdef")})
	require.NoError(t, err)

	_, err = ReadFrame(bytes.NewReader(data[:len(data)-2]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
