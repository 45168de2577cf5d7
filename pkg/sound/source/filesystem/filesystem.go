// Package filesystem provides a [sound.Source] reading audio files from a
// directory tree.
//
// Paths are slash-separated and relative to the root. A path without a known
// extension is probed with every extension the decoder registry supports, so
// "music/theme" finds "music/theme.ogg". Missing assets are permanent
// failures; the error suggests similarly named assets.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/cadenza/pkg/sound"
	"github.com/MrWong99/cadenza/pkg/sound/decode"
)

// DefaultSuggestThreshold is the minimum Jaro-Winkler similarity for an
// asset to be suggested for a missing path.
const DefaultSuggestThreshold = 0.85

const maxSuggestions = 3

// Source is safe for concurrent use.
type Source struct {
	fsys      fs.FS
	decoders  *decode.Registry
	threshold float64
}

var (
	_ sound.Source = (*Source)(nil)
	_ sound.Pinger = (*Source)(nil)
)

// Option configures a [Source].
type Option func(*Source)

// WithDecoders sets the decoder registry. Default: [decode.Default].
func WithDecoders(r *decode.Registry) Option {
	return func(s *Source) { s.decoders = r }
}

// WithSuggestThreshold sets the similarity needed for "did you mean"
// suggestions. Values outside (0, 1] disable suggestions.
func WithSuggestThreshold(t float64) Option {
	return func(s *Source) { s.threshold = t }
}

// New creates a source over fsys.
func New(fsys fs.FS, opts ...Option) *Source {
	s := &Source{fsys: fsys, decoders: decode.Default(), threshold: DefaultSuggestThreshold}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewDir creates a source over the directory root.
func NewDir(root string, opts ...Option) (*Source, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("filesystem: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("filesystem: %s is not a directory", root)
	}
	return New(os.DirFS(root), opts...), nil
}

// Fetch implements [sound.Source]. The clip is named after p.
func (s *Source) Fetch(ctx context.Context, p string) (*sound.Clip, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, ok := clean(p)
	if !ok {
		return nil, fmt.Errorf("filesystem: invalid path %q: %w", p, sound.ErrNotFound)
	}

	file, ok := s.resolve(name)
	if !ok {
		err := fmt.Errorf("filesystem: %s: %w", p, sound.ErrNotFound)
		if hints := s.Suggest(ctx, name); len(hints) > 0 {
			err = fmt.Errorf("%w (did you mean %s?)", err, strings.Join(quote(hints), ", "))
		}
		return nil, err
	}

	f, err := s.fsys.Open(file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("filesystem: %s: %w", p, sound.ErrNotFound)
		}
		return nil, fmt.Errorf("filesystem: open %s: %w: %w", file, sound.ErrLoadFailed, err)
	}
	defer f.Close()

	clip, err := s.decoders.Decode(p, file, f)
	if err != nil {
		return nil, fmt.Errorf("filesystem: %w: %w", sound.ErrLoadFailed, err)
	}
	if err := ctx.Err(); err != nil {
		clip.Release()
		return nil, err
	}
	return clip, nil
}

// ShouldRetry implements [sound.Source]. Local files do not heal by waiting.
func (s *Source) ShouldRetry() bool { return false }

// Ping implements [sound.Pinger] by checking that the root is readable.
func (s *Source) Ping(context.Context) error {
	if _, err := fs.Stat(s.fsys, "."); err != nil {
		return fmt.Errorf("filesystem: %w", err)
	}
	return nil
}

// resolve maps an asset name to an existing file.
func (s *Source) resolve(name string) (string, bool) {
	if s.decoders.Supports(name) && s.exists(name) {
		return name, true
	}
	for _, ext := range s.decoders.Extensions() {
		if candidate := name + ext; s.exists(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func (s *Source) exists(file string) bool {
	info, err := fs.Stat(s.fsys, file)
	return err == nil && !info.IsDir()
}

// Suggest returns up to three asset names similar to name, best first.
// Names are returned without extension.
func (s *Source) Suggest(ctx context.Context, name string) []string {
	if s.threshold <= 0 || s.threshold > 1 {
		return nil
	}
	type scored struct {
		name  string
		score float64
	}
	want := strings.ToLower(name)
	var hits []scored
	seen := make(map[string]bool)
	_ = fs.WalkDir(s.fsys, ".", func(file string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return fs.SkipAll
		}
		if d.IsDir() || !s.decoders.Supports(file) {
			return nil
		}
		asset := strings.TrimSuffix(file, path.Ext(file))
		if seen[asset] {
			return nil
		}
		seen[asset] = true
		if score := matchr.JaroWinkler(want, strings.ToLower(asset), false); score >= s.threshold {
			hits = append(hits, scored{asset, score})
		}
		return nil
	})
	slices.SortFunc(hits, func(a, b scored) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		default:
			return strings.Compare(a.name, b.name)
		}
	})
	out := make([]string, 0, min(len(hits), maxSuggestions))
	for _, h := range hits[:min(len(hits), maxSuggestions)] {
		out = append(out, h.name)
	}
	return out
}

// clean turns a user path into an fs.FS name.
func clean(p string) (string, bool) {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "", false
	}
	p = path.Clean(p)
	return p, fs.ValidPath(p) && p != "."
}

func quote(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = fmt.Sprintf("%q", n)
	}
	return out
}
