package wav

import (
	"errors"
	"fmt"
	"math"
)

var ErrNoSegments = errors.New("no audio segments to stitch")

// Stitch joins containers into a single container. One segment is returned
// unchanged. With several, the first header is kept as a template, every
// header is dropped from the sample stream, and the RIFF and data size fields
// are rewritten for the concatenated samples.
func Stitch(segments [][]byte) ([]byte, error) {
	switch len(segments) {
	case 0:
		return nil, ErrNoSegments
	case 1:
		return segments[0], nil
	}

	template, err := ParseHeader(segments[0])
	if err != nil {
		return nil, fmt.Errorf("segment 1: %w", err)
	}
	total := 0
	for i, seg := range segments {
		if len(seg) < HeaderSize {
			return nil, fmt.Errorf("segment %d: %w: %d bytes", i+1, ErrShortContainer, len(seg))
		}
		total += len(seg) - HeaderSize
	}
	if total > math.MaxUint32-riffSizeBias {
		return nil, fmt.Errorf("stitched audio too large: %d bytes", total)
	}

	header, err := template.WithDataSize(uint32(total)).MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode wav header: %w", err)
	}
	out := make([]byte, 0, HeaderSize+total)
	out = append(out, header...)
	for _, seg := range segments {
		out = append(out, seg[HeaderSize:]...)
	}
	return out, nil
}
