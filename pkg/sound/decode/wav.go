package decode

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/wav"

	"github.com/MrWong99/cadenza/pkg/sound"
)

// ErrInvalidWAV is returned for input that is not a RIFF/WAVE file.
var ErrInvalidWAV = errors.New("not a valid WAV file")

// WAV decodes PCM WAV files of 8 to 32 bits per sample.
type WAV struct{}

// Decode implements [Decoder].
func (WAV) Decode(name string, r io.Reader) (*sound.Clip, error) {
	rs, ok := r.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("wav: read: %w", err)
		}
		rs = bytes.NewReader(data)
	}

	dec := wav.NewDecoder(rs)
	if !dec.IsValidFile() {
		return nil, ErrInvalidWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("wav: pcm: %w", err)
	}
	if buf.Format == nil || buf.Format.NumChannels == 0 {
		return nil, fmt.Errorf("wav: %w: missing format", ErrInvalidWAV)
	}

	depth := buf.SourceBitDepth
	if depth == 0 {
		depth = int(dec.BitDepth)
	}
	scale := float32(fullScale(depth))
	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		if depth == 8 {
			// 8-bit WAV is unsigned.
			v -= 128
		}
		samples[i] = float32(v) / scale
	}
	return sound.NewClip(name, samples, buf.Format.SampleRate, buf.Format.NumChannels), nil
}

func fullScale(bitDepth int) int {
	switch bitDepth {
	case 8:
		return 1 << 7
	case 24:
		return 1 << 23
	case 32:
		return 1 << 31
	default:
		return 1 << 15
	}
}
