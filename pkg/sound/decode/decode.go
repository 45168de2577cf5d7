// Package decode turns encoded audio files into [sound.Clip] values.
//
// Decoders are looked up by file extension in a [Registry]. [Default]
// returns a registry with WAV, MP3 and Ogg Vorbis support. Decoded clips hold
// interleaved float32 samples in [-1, 1].
package decode

import (
	"errors"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/cadenza/pkg/sound"
)

// ErrUnsupportedFormat is returned for extensions without a decoder.
var ErrUnsupportedFormat = errors.New("decode: unsupported format")

// Decoder decodes a complete audio file.
type Decoder interface {
	// Decode reads r to the end and returns a clip named name holding one
	// reference owned by the caller.
	Decode(name string, r io.Reader) (*sound.Clip, error)
}

// DecoderFunc adapts a function to [Decoder].
type DecoderFunc func(name string, r io.Reader) (*sound.Clip, error)

// Decode implements [Decoder].
func (f DecoderFunc) Decode(name string, r io.Reader) (*sound.Clip, error) { return f(name, r) }

// Registry maps file extensions to decoders. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	byExt map[string]Decoder
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byExt: make(map[string]Decoder)}
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the shared registry with the built-in decoders.
func Default() *Registry {
	defaultOnce.Do(func() {
		r := NewRegistry()
		r.Register(".wav", WAV{})
		r.Register(".mp3", MP3{})
		r.Register(".ogg", Vorbis{})
		r.Register(".oga", Vorbis{})
		defaultRegistry = r
	})
	return defaultRegistry
}

// Register adds d for ext. The extension is matched case-insensitively, with
// or without the leading dot.
func (r *Registry) Register(ext string, d Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byExt[normExt(ext)] = d
}

// Lookup returns the decoder for ext.
func (r *Registry) Lookup(ext string) (Decoder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byExt[normExt(ext)]
	return d, ok
}

// Extensions returns the registered extensions, sorted, with leading dots.
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exts := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		exts = append(exts, ext)
	}
	slices.Sort(exts)
	return exts
}

// Supports reports whether file has a registered extension.
func (r *Registry) Supports(file string) bool {
	_, ok := r.Lookup(path.Ext(file))
	return ok
}

// Decode picks the decoder by the extension of file and decodes r. The clip
// is named name.
func (r *Registry) Decode(name, file string, rd io.Reader) (*sound.Clip, error) {
	ext := path.Ext(file)
	d, ok := r.Lookup(ext)
	if !ok {
		return nil, fmt.Errorf("decode: %s: %w %q", file, ErrUnsupportedFormat, ext)
	}
	clip, err := d.Decode(name, rd)
	if err != nil {
		return nil, fmt.Errorf("decode: %s: %w", file, err)
	}
	return clip, nil
}

func normExt(ext string) string {
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// pcm16 converts little-endian signed 16-bit samples to float32.
func pcm16(b []byte) []float32 {
	out := make([]float32, len(b)/2)
	for i := range out {
		v := int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8)
		out[i] = float32(v) / 32768
	}
	return out
}
