package ebiten

import (
	"encoding/binary"
	"io"
	"math"
	"sync/atomic"

	"github.com/MrWong99/cadenza/pkg/sound"
)

// bytesPerFrame is the size of one 16-bit stereo frame, the format ebiten
// players consume.
const bytesPerFrame = 4

// lowpassCutoff is the corner frequency of the music low-pass filter in Hz.
const lowpassCutoff = 800.0

// encodePCM converts the samples of c to interleaved 16-bit little-endian
// stereo at the clip's own sample rate. Mono is duplicated to both sides and
// channels beyond the second are dropped. Released clips encode to nothing.
func encodePCM(c *sound.Clip) []byte {
	samples := c.Samples()
	chans := max(c.Channels(), 1)
	frames := len(samples) / chans
	out := make([]byte, frames*bytesPerFrame)
	for i := range frames {
		l := samples[i*chans]
		r := l
		if chans > 1 {
			r = samples[i*chans+1]
		}
		binary.LittleEndian.PutUint16(out[i*bytesPerFrame:], uint16(toInt16(l)))
		binary.LittleEndian.PutUint16(out[i*bytesPerFrame+2:], uint16(toInt16(r)))
	}
	return out
}

func toInt16(v float32) int16 {
	switch {
	case v >= 1:
		return math.MaxInt16
	case v <= -1:
		return -math.MaxInt16
	default:
		return int16(v * math.MaxInt16)
	}
}

// resampledSize is the byte length of a stream of size bytes after
// conversion from one sample rate to another, rounded down to whole frames.
func resampledSize(size int64, from, to int) int64 {
	n := size * int64(to) / int64(from)
	return n - n%bytesPerFrame
}

// lowpassReader blends a one-pole low-pass filtered copy of a 16-bit stereo
// stream into it. The blend is read from weight on every Read, so it can
// ramp while the stream plays.
type lowpassReader struct {
	src    io.Reader
	weight *atomic.Uint64 // math.Float64bits of the blend in [0, 1]
	alpha  float64
	y      [2]float64
}

func newLowpassReader(src io.Reader, weight *atomic.Uint64, sampleRate int) *lowpassReader {
	return &lowpassReader{
		src:    src,
		weight: weight,
		alpha:  1 - math.Exp(-2*math.Pi*lowpassCutoff/float64(sampleRate)),
	}
}

func (l *lowpassReader) Read(p []byte) (int, error) {
	n, err := l.src.Read(p[:len(p)-len(p)%bytesPerFrame])
	if r := n % bytesPerFrame; r != 0 {
		m, ferr := io.ReadFull(l.src, p[n:n+bytesPerFrame-r])
		n += m
		if err == nil && ferr != nil {
			err = ferr
		}
	}
	l.filter(p[:n-n%bytesPerFrame])
	return n, err
}

func (l *lowpassReader) filter(buf []byte) {
	w := math.Float64frombits(l.weight.Load())
	for i := 0; i+1 < len(buf); i += 2 {
		side := (i / 2) % 2
		x := float64(int16(binary.LittleEndian.Uint16(buf[i:])))
		l.y[side] += l.alpha * (x - l.y[side])
		if w <= 0 {
			continue
		}
		out := x*(1-w) + l.y[side]*w
		out = max(min(out, math.MaxInt16), -math.MaxInt16)
		binary.LittleEndian.PutUint16(buf[i:], uint16(int16(out)))
	}
}
