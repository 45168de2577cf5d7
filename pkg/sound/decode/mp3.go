package decode

import (
	"fmt"
	"io"

	gomp3 "github.com/hajimehoshi/go-mp3"

	"github.com/MrWong99/cadenza/pkg/sound"
)

// MP3 decodes MPEG-1/2 Layer III files. go-mp3 always yields 16-bit stereo.
type MP3 struct{}

// Decode implements [Decoder].
func (MP3) Decode(name string, r io.Reader) (*sound.Clip, error) {
	dec, err := gomp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("mp3: %w", err)
	}
	data, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("mp3: read: %w", err)
	}
	return sound.NewClip(name, pcm16(data), dec.SampleRate(), 2), nil
}
