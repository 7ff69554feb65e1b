package protocol

import (
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"
)

// chunkHeaderSize is the fixed prefix of a file-transfer chunk payload.
const chunkHeaderSize = 16 + 4 + 4 + 4

// Chunk is the conventional layout of a FileTransferChunk payload:
//
//	[transferID:16][index:32][total:32][crc32:32][data...]
type Chunk struct {
	TransferID uuid.UUID
	Index      uint32
	Total      uint32
	Checksum   uint32
	Data       []byte
}

// Valid reports whether the checksum matches the data.
func (c *Chunk) Valid() bool {
	return crc32.ChecksumIEEE(c.Data) == c.Checksum
}

// Last reports whether this is the final chunk of its transfer.
func (c *Chunk) Last() bool {
	return c.Total > 0 && c.Index == c.Total-1
}

// ParseChunk reads the chunk layout from a FileTransferChunk payload.
func ParseChunk(ft *FileTransferChunk) (*Chunk, error) {
	d := NewDecoder(ft.Data)
	id, err := d.ReadBytes(16)
	if err != nil {
		return nil, malformed("chunk", err)
	}
	c := &Chunk{}
	copy(c.TransferID[:], id)
	if c.Index, err = d.ReadUint32(); err != nil {
		return nil, malformed("chunk", err)
	}
	if c.Total, err = d.ReadUint32(); err != nil {
		return nil, malformed("chunk", err)
	}
	if c.Checksum, err = d.ReadUint32(); err != nil {
		return nil, malformed("chunk", err)
	}
	if c.Total == 0 || c.Index >= c.Total {
		return nil, malformed("chunk", fmt.Errorf("index %d of %d", c.Index, c.Total))
	}
	c.Data = d.ReadRest()
	return c, nil
}

// NewChunk builds a FileTransferChunk event with the checksum filled in.
func NewChunk(connID uint32, transferID uuid.UUID, index, total uint32, data []byte) (*FileTransferChunk, error) {
	if len(data) > MaxPayloadSize-chunkHeaderSize {
		return nil, fmt.Errorf("%w: %d chunk bytes", ErrFrameTooLarge, len(data))
	}
	e := NewEncoderWithCap(chunkHeaderSize + len(data))
	e.WriteBytes(transferID[:])
	e.WriteUint32(index)
	e.WriteUint32(total)
	e.WriteUint32(crc32.ChecksumIEEE(data))
	e.WriteBytes(data)

	flags := Flags(0)
	if total > 0 && index == total-1 {
		flags |= FlagFinal
	}
	return &FileTransferChunk{ConnID: connID, Flags: flags, Data: e.Bytes()}, nil
}
