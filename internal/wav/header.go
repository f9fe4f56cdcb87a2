// Package wav handles the canonical 44-byte RIFF/WAVE header used by the
// speech backend and stitches per-chunk containers into one.
package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the length of a canonical PCM WAV header.
const HeaderSize = 44

// riffSizeBias is the part of the RIFF chunk size not covered by sample data:
// the "WAVE" tag, the fmt chunk, and the data chunk preamble.
const riffSizeBias = HeaderSize - 8

var ErrShortContainer = errors.New("audio container shorter than wav header")

// Header mirrors the canonical 44-byte PCM WAV header field by field.
type Header struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	FmtChunkID    [4]byte
	FmtChunkSize  uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataChunkID   [4]byte
	DataSize      uint32
}

// NewHeader builds a PCM header for dataSize bytes of samples.
func NewHeader(sampleRate, channels, bitsPerSample int, dataSize uint32) Header {
	blockAlign := channels * bitsPerSample / 8
	return Header{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     riffSizeBias + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		FmtChunkID:    [4]byte{'f', 'm', 't', ' '},
		FmtChunkSize:  16,
		AudioFormat:   1,
		NumChannels:   uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * blockAlign),
		BlockAlign:    uint16(blockAlign),
		BitsPerSample: uint16(bitsPerSample),
		DataChunkID:   [4]byte{'d', 'a', 't', 'a'},
		DataSize:      dataSize,
	}
}

// ParseHeader decodes the first HeaderSize bytes of container.
func ParseHeader(container []byte) (Header, error) {
	var h Header
	if len(container) < HeaderSize {
		return h, fmt.Errorf("%w: %d bytes", ErrShortContainer, len(container))
	}
	if err := binary.Read(bytes.NewReader(container[:HeaderSize]), binary.LittleEndian, &h); err != nil {
		return h, fmt.Errorf("decode wav header: %w", err)
	}
	return h, nil
}

// MarshalBinary encodes the header in little-endian field order.
func (h Header) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(HeaderSize)
	if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WithDataSize returns a copy whose size fields describe n sample bytes.
func (h Header) WithDataSize(n uint32) Header {
	h.ChunkSize = riffSizeBias + n
	h.DataSize = n
	return h
}

// Samples returns the sample region of container.
func Samples(container []byte) ([]byte, error) {
	if len(container) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortContainer, len(container))
	}
	return container[HeaderSize:], nil
}
