package voice

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const wavHeaderSize = 44

// ErrBadWAV is returned for segments without a canonical RIFF/WAVE header.
var ErrBadWAV = errors.New("not a canonical WAV file")

// JoinWAV concatenates PCM WAV segments that share one format, inserting gap
// of silence between consecutive segments. The header of the first segment
// is kept with its sizes rewritten.
func JoinWAV(segments [][]byte, gap time.Duration) ([]byte, error) {
	if len(segments) == 0 {
		return nil, errors.New("no segments to join")
	}
	for i, s := range segments {
		if len(s) < wavHeaderSize || !bytes.Equal(s[0:4], []byte("RIFF")) || !bytes.Equal(s[8:12], []byte("WAVE")) {
			return nil, fmt.Errorf("segment %d: %w", i, ErrBadWAV)
		}
	}

	first := segments[0]
	silence := silenceFor(first[:wavHeaderSize], gap)

	var buf bytes.Buffer
	buf.Write(first)
	for _, s := range segments[1:] {
		buf.Write(silence)
		buf.Write(s[wavHeaderSize:])
	}

	out := buf.Bytes()
	dataSize := uint32(len(out) - wavHeaderSize)
	binary.LittleEndian.PutUint32(out[4:8], dataSize+36)
	binary.LittleEndian.PutUint32(out[40:44], dataSize)
	return out, nil
}

// silenceFor returns zeroed PCM data lasting d in the format of header.
func silenceFor(header []byte, d time.Duration) []byte {
	rate := binary.LittleEndian.Uint32(header[24:28])
	align := binary.LittleEndian.Uint16(header[32:34])
	if rate == 0 {
		rate = 24000
	}
	if align == 0 {
		align = 2
	}
	samples := int(int64(rate) * d.Milliseconds() / 1000)
	return make([]byte, samples*int(align))
}
