// Package archive scans ZIP local file headers and surfaces text entries.
//
// Only the local headers are read; the central directory is never consulted,
// so scanning stops at the first position that does not carry a local file
// header signature.
package archive

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"

	"github.com/klauspost/compress/flate"
)

const (
	localFileHeaderSignature = 0x04034b50
	dataDescriptorSignature  = 0x08074b50

	localFileHeaderLen = 30
	dataDescriptorLen  = 12
	flagDataDescriptor = 0x0008
)

// Compression methods understood by the reader.
const (
	MethodStored   uint16 = 0
	MethodDeflated uint16 = 8
)

// DefaultExtensions lists the entry suffixes surfaced by a Reader.
var DefaultExtensions = []string{".md", ".txt", ".html"}

// localFileHeader mirrors the fixed 30-byte ZIP local file header.
type localFileHeader struct {
	Signature        uint32
	ReaderVersion    uint16
	Flags            uint16
	Method           uint16
	ModifiedTime     uint16
	ModifiedDate     uint16
	CRC32            uint32
	CompressedSize   uint32
	UncompressedSize uint32
	FilenameLength   uint16
	ExtraLength      uint16
}

// Entry is a decoded archive member.
type Entry struct {
	Name             string
	Method           uint16
	CompressedSize   uint32
	UncompressedSize uint32
	Payload          []byte
}

// Reader walks archive buffers. It holds no per-buffer state, so a single
// Reader may be shared.
type Reader struct {
	extensions []string
	logger     *slog.Logger
}

// NewReader builds a Reader surfacing entries whose names end in one of
// extensions. A nil or empty list selects DefaultExtensions.
func NewReader(logger *slog.Logger, extensions ...string) *Reader {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	return &Reader{extensions: extensions, logger: logger.With(slog.String("component", "archive-reader"))}
}

// Entries lazily yields the qualifying entries of data in archive order.
// Ranging over the sequence again rescans the buffer from the start.
func (r *Reader) Entries(data []byte) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		offset := 0
		for {
			hdr, ok := readLocalHeader(data, offset)
			if !ok {
				return
			}
			nameStart := offset + localFileHeaderLen
			nameEnd := nameStart + int(hdr.FilenameLength)
			payloadStart := nameEnd + int(hdr.ExtraLength)
			if payloadStart > len(data) {
				r.logger.Debug("truncated entry header", slog.Int("offset", offset))
				return
			}
			name := string(data[nameStart:nameEnd])

			size := int(hdr.CompressedSize)
			if size == 0 {
				size = int(hdr.UncompressedSize)
			}
			payloadEnd := payloadStart + size
			if payloadEnd > len(data) || payloadEnd < payloadStart {
				r.logger.Debug("truncated entry payload", slog.String("name", name), slog.Int("offset", offset))
				return
			}

			if r.wanted(name) {
				entry, err := decode(hdr, name, data[payloadStart:payloadEnd])
				if err != nil {
					r.logger.Warn("skipping unreadable entry", slog.String("name", name), slog.String("error", err.Error()))
				} else if !yield(entry) {
					return
				}
			}

			offset = payloadEnd
			if hdr.Flags&flagDataDescriptor != 0 {
				offset += descriptorLen(data, offset)
			}
		}
	}
}

// ReadAll collects Entries into a slice.
func (r *Reader) ReadAll(data []byte) []Entry {
	var entries []Entry
	for e := range r.Entries(data) {
		entries = append(entries, e)
	}
	return entries
}

func (r *Reader) wanted(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range r.extensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func readLocalHeader(data []byte, offset int) (localFileHeader, bool) {
	var hdr localFileHeader
	if offset < 0 || len(data)-offset < localFileHeaderLen {
		return hdr, false
	}
	if err := binary.Read(bytes.NewReader(data[offset:offset+localFileHeaderLen]), binary.LittleEndian, &hdr); err != nil {
		return hdr, false
	}
	return hdr, hdr.Signature == localFileHeaderSignature
}

// descriptorLen returns how many bytes the trailing data descriptor occupies.
// The descriptor signature is optional; when present it adds four bytes.
func descriptorLen(data []byte, offset int) int {
	if len(data)-offset >= 4 && binary.LittleEndian.Uint32(data[offset:]) == dataDescriptorSignature {
		return dataDescriptorLen + 4
	}
	return dataDescriptorLen
}

func decode(hdr localFileHeader, name string, raw []byte) (Entry, error) {
	entry := Entry{
		Name:             name,
		Method:           hdr.Method,
		CompressedSize:   hdr.CompressedSize,
		UncompressedSize: hdr.UncompressedSize,
	}
	switch hdr.Method {
	case MethodStored:
		n := int(hdr.UncompressedSize)
		if n > len(raw) {
			n = len(raw)
		}
		entry.Payload = append([]byte(nil), raw[:n]...)
	case MethodDeflated:
		payload, err := inflate(raw, hdr.UncompressedSize)
		if err != nil {
			return Entry{}, fmt.Errorf("inflate %s: %w", name, err)
		}
		entry.Payload = payload
	default:
		return Entry{}, fmt.Errorf("unsupported compression method %d", hdr.Method)
	}
	return entry, nil
}

func inflate(raw []byte, sizeHint uint32) ([]byte, error) {
	fr := flate.NewReader(bytes.NewReader(raw))
	defer fr.Close()
	var buf bytes.Buffer
	if sizeHint > 0 && sizeHint < 64<<20 {
		buf.Grow(int(sizeHint))
	}
	if _, err := io.Copy(&buf, fr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
