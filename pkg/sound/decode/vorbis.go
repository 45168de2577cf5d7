package decode

import (
	"fmt"
	"io"

	"github.com/jfreymuth/oggvorbis"

	"github.com/MrWong99/cadenza/pkg/sound"
)

// Vorbis decodes Ogg Vorbis files.
type Vorbis struct{}

// Decode implements [Decoder].
func (Vorbis) Decode(name string, r io.Reader) (*sound.Clip, error) {
	samples, format, err := oggvorbis.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("vorbis: %w", err)
	}
	return sound.NewClip(name, samples, format.SampleRate, format.Channels), nil
}
