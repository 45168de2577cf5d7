package ebiten

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/cadenza/pkg/sound"
	"github.com/MrWong99/cadenza/pkg/sound/mock"
)

type fakePlayer struct {
	mu      sync.Mutex
	playing bool
	closed  bool
	volume  float64
	plays   int
}

func (p *fakePlayer) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = true
	p.plays++
}

func (p *fakePlayer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = false
}

func (p *fakePlayer) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing && !p.closed
}

func (p *fakePlayer) SetVolume(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = v
}

func (p *fakePlayer) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

func (p *fakePlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.playing = false
	return nil
}

// finish simulates the end of the stream.
func (p *fakePlayer) finish() { p.Pause() }

type fakeFactory struct {
	mu      sync.Mutex
	players []*fakePlayer
	err     error
}

func (f *fakeFactory) new(io.Reader) (player, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePlayer{}
	f.players = append(f.players, p)
	return p, nil
}

func (f *fakeFactory) last() *fakePlayer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.players) == 0 {
		return nil
	}
	return f.players[len(f.players)-1]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.players)
}

func newTestBackend(t *testing.T) (*Backend, *fakeFactory, *mock.Clock) {
	t.Helper()
	f := &fakeFactory{}
	clock := mock.NewClock(time.Unix(1000, 0))
	b := newBackend(DefaultSampleRate, f.new, WithClock(clock))
	t.Cleanup(func() { _ = b.Close() })
	return b, f, clock
}

func testClip(name string) *sound.Clip {
	return sound.NewClip(name, []float32{0, 0.5, -0.5, 0}, DefaultSampleRate, 1)
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestMixer_Ramp(t *testing.T) {
	t.Parallel()
	m := newMixer()
	t0 := time.Unix(0, 0)
	m.transition(sound.SnapshotMusicBLowpass, t0, time.Second)

	tests := []struct {
		at   time.Duration
		want weights
	}{
		{at: 0, want: weights{a: 1}},
		{at: 500 * time.Millisecond, want: weights{a: 0.5, b: 0.5, lowpass: 0.5}},
		{at: time.Second, want: weights{b: 1, lowpass: 1}},
		{at: time.Hour, want: weights{b: 1, lowpass: 1}},
	}
	for _, tt := range tests {
		got := m.at(t0.Add(tt.at))
		if !approx(got.a, tt.want.a) || !approx(got.b, tt.want.b) || !approx(got.lowpass, tt.want.lowpass) {
			t.Errorf("at %v: weights = %+v, want %+v", tt.at, got, tt.want)
		}
	}

	// A transition interrupted halfway starts from the blended state.
	m.transition(sound.SnapshotMusicA, t0.Add(500*time.Millisecond), 0)
	if got := m.at(t0.Add(500 * time.Millisecond)); got != (weights{a: 1}) {
		t.Errorf("instant transition = %+v", got)
	}
}

func TestMixer_Gain(t *testing.T) {
	t.Parallel()
	m := newMixer()
	m.params[sound.ParamMusic] = sound.LinearToDB(0.5)
	w := weights{a: 1}

	tests := []struct {
		name      string
		id        sound.ChannelID
		duckMusic bool
		duckAll   bool
		want      float64
	}{
		{name: "music a", id: sound.MusicA, want: 0.5},
		{name: "music b silent", id: sound.MusicB, want: 0},
		{name: "music ducked", id: sound.MusicA, duckMusic: true, want: 0.5 * DefaultDuckLevel},
		{name: "sfx untouched by music duck", id: sound.SfxChannel, duckMusic: true, want: 1},
		{name: "sfx ducked by duck all", id: sound.SfxChannel, duckAll: true, want: DefaultDuckLevel},
		{name: "duck all never ducked", id: sound.DuckAllChannel, duckAll: true, want: 1},
	}
	for _, tt := range tests {
		if got := m.gain(tt.id, w, tt.duckMusic, tt.duckAll, DefaultDuckLevel); !approx(got, tt.want) {
			t.Errorf("%s: gain = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestEncodePCM(t *testing.T) {
	t.Parallel()
	mono := sound.NewClip("m", []float32{0, 1, -1, 2}, 8000, 1)
	stereo := sound.NewClip("s", []float32{0.5, -0.5}, 8000, 2)

	frames := func(b []byte) [][2]int16 {
		var out [][2]int16
		for i := 0; i+3 < len(b); i += 4 {
			out = append(out, [2]int16{
				int16(binary.LittleEndian.Uint16(b[i:])),
				int16(binary.LittleEndian.Uint16(b[i+2:])),
			})
		}
		return out
	}

	got := frames(encodePCM(mono))
	want := [][2]int16{{0, 0}, {32767, 32767}, {-32767, -32767}, {32767, 32767}}
	if len(got) != len(want) {
		t.Fatalf("mono frames = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("mono frame %d = %v, want %v", i, got[i], want[i])
		}
	}
	if got := frames(encodePCM(stereo)); len(got) != 1 || got[0] != [2]int16{16383, -16383} {
		t.Errorf("stereo frames = %v", got)
	}

	mono.Release()
	if n := len(encodePCM(mono)); n != 0 {
		t.Errorf("released clip encoded %d bytes", n)
	}
}

func TestResampledSize(t *testing.T) {
	t.Parallel()
	if got := resampledSize(400, 22050, 44100); got != 800 {
		t.Errorf("upsample = %d, want 800", got)
	}
	if got := resampledSize(12, 3, 2); got != 8 {
		t.Errorf("downsample = %d, want 8", got)
	}
}

func TestLowpassReader(t *testing.T) {
	t.Parallel()
	// Nyquist-rate square wave: the low-pass filter should all but remove it.
	samples := make([]float32, 2000)
	for i := range samples {
		if (i/2)%2 == 0 {
			samples[i] = 0.6
		} else {
			samples[i] = -0.6
		}
	}
	pcm := encodePCM(sound.NewClip("square", samples, DefaultSampleRate, 2))

	peak := func(weight float64) int16 {
		var w atomic.Uint64
		w.Store(math.Float64bits(weight))
		r := newLowpassReader(bytes.NewReader(pcm), &w, DefaultSampleRate)
		out, err := io.ReadAll(r)
		if err != nil {
			t.Fatal(err)
		}
		if len(out) != len(pcm) {
			t.Fatalf("read %d bytes, want %d", len(out), len(pcm))
		}
		var p int16
		// Skip the filter's settling time.
		for i := len(out) / 2; i+1 < len(out); i += 2 {
			v := int16(binary.LittleEndian.Uint16(out[i:]))
			p = max(p, v, -v)
		}
		return p
	}

	if got := peak(0); got != toInt16(0.6) {
		t.Errorf("dry peak = %d, want %d", got, toInt16(0.6))
	}
	if got := peak(1); got > toInt16(0.6)/4 {
		t.Errorf("filtered peak = %d, want well below %d", got, toInt16(0.6))
	}
}

func TestChannel_DuckingAttenuatesMusic(t *testing.T) {
	t.Parallel()
	b, f, clock := newTestBackend(t)
	music := b.Channel(sound.MusicA)
	music.SetClip(testClip("theme"))
	music.SetLoop(true)
	if err := music.Play(); err != nil {
		t.Fatal(err)
	}
	bgm := f.last()
	if !bgm.IsPlaying() || !approx(bgm.Volume(), 1) {
		t.Fatalf("music player playing=%v volume=%v", bgm.IsPlaying(), bgm.Volume())
	}

	duck := b.Channel(sound.DuckMusicChannel)
	if err := duck.PlayOneShot(testClip("shout")); err != nil {
		t.Fatal(err)
	}
	shout := f.last()
	b.Update(clock.Now())
	if !approx(bgm.Volume(), DefaultDuckLevel) {
		t.Errorf("ducked music volume = %v, want %v", bgm.Volume(), DefaultDuckLevel)
	}

	shout.finish()
	b.Update(clock.Now())
	if !shout.closed {
		t.Error("finished one-shot not disposed")
	}
	if duck.IsPlaying() {
		t.Error("duck channel still playing")
	}
	if !approx(bgm.Volume(), 1) {
		t.Errorf("music volume after duck = %v, want 1", bgm.Volume())
	}
}

func TestTransitionTo_RampsMusicChannels(t *testing.T) {
	t.Parallel()
	b, f, clock := newTestBackend(t)
	for _, id := range []sound.ChannelID{sound.MusicA, sound.MusicB} {
		ch := b.Channel(id)
		ch.SetClip(testClip(id.String()))
		if err := ch.Play(); err != nil {
			t.Fatal(err)
		}
	}
	a, bb := f.players[0], f.players[1]

	if err := b.TransitionTo(sound.SnapshotMusicB, time.Second); err != nil {
		t.Fatal(err)
	}
	clock.Advance(500 * time.Millisecond)
	b.Update(clock.Now())
	if !approx(a.Volume(), 0.5) || !approx(bb.Volume(), 0.5) {
		t.Errorf("halfway volumes a=%v b=%v", a.Volume(), bb.Volume())
	}
	clock.Advance(time.Second)
	b.Update(clock.Now())
	if !approx(a.Volume(), 0) || !approx(bb.Volume(), 1) {
		t.Errorf("final volumes a=%v b=%v", a.Volume(), bb.Volume())
	}

	if err := b.TransitionTo(sound.Snapshot(42), 0); !errors.Is(err, ErrUnknownSnapshot) {
		t.Errorf("err = %v, want ErrUnknownSnapshot", err)
	}
}

func TestPlayDelayed(t *testing.T) {
	t.Parallel()
	b, f, clock := newTestBackend(t)
	ch := b.Channel(sound.DuckMusicChannel)
	ch.SetClip(testClip("line"))

	if err := ch.PlayDelayed(2 * time.Second); err != nil {
		t.Fatal(err)
	}
	if f.count() != 0 || !ch.IsPlaying() {
		t.Fatalf("players=%d playing=%v before delay", f.count(), ch.IsPlaying())
	}
	clock.Advance(2 * time.Second)
	if f.count() != 1 || !f.last().IsPlaying() {
		t.Fatal("delayed clip did not start")
	}

	// Stop cancels a pending start.
	if err := ch.PlayDelayed(time.Second); err != nil {
		t.Fatal(err)
	}
	ch.Stop()
	clock.Advance(time.Second)
	if f.count() != 1 || ch.IsPlaying() {
		t.Errorf("players=%d playing=%v after stop", f.count(), ch.IsPlaying())
	}
}

func TestSetPaused_KeepsChannelsPlaying(t *testing.T) {
	t.Parallel()
	b, f, _ := newTestBackend(t)
	ch := b.Channel(sound.MusicA)
	ch.SetClip(testClip("theme"))
	if err := ch.Play(); err != nil {
		t.Fatal(err)
	}
	p := f.last()

	b.SetPaused(true)
	if p.IsPlaying() {
		t.Error("player still running while paused")
	}
	if !ch.IsPlaying() {
		t.Error("paused channel reported as finished")
	}
	if err := b.Channel(sound.SfxChannel).PlayOneShot(testClip("hit")); err != nil {
		t.Fatal(err)
	}
	if f.last().IsPlaying() {
		t.Error("one-shot started while paused")
	}

	b.SetPaused(false)
	if !p.IsPlaying() || !f.last().IsPlaying() {
		t.Error("players not resumed")
	}
}

func TestParams(t *testing.T) {
	t.Parallel()
	b, f, _ := newTestBackend(t)
	ch := b.Channel(sound.SfxChannel)
	if err := ch.PlayOneShot(testClip("a")); err != nil {
		t.Fatal(err)
	}

	if err := b.SetParam(sound.ParamSfx, sound.LinearToDB(0.5)); err != nil {
		t.Fatal(err)
	}
	if got, _ := b.Param(sound.ParamSfx); !approx(got, -30) {
		t.Errorf("Param = %v, want -30", got)
	}
	if !approx(f.last().Volume(), 0.5) {
		t.Errorf("one-shot volume = %v, want 0.5", f.last().Volume())
	}

	if err := b.SetParam("Reverb", 0); !errors.Is(err, ErrUnknownParam) {
		t.Errorf("SetParam unknown: err = %v", err)
	}
	if _, err := b.Param("Reverb"); !errors.Is(err, ErrUnknownParam) {
		t.Errorf("Param unknown: err = %v", err)
	}
}

func TestChannel_Errors(t *testing.T) {
	t.Parallel()
	b, f, _ := newTestBackend(t)
	ch := b.Channel(sound.MusicB)
	if err := ch.Play(); !errors.Is(err, errNoClip) {
		t.Errorf("Play without clip: err = %v", err)
	}
	f.err = errors.New("device lost")
	if err := ch.PlayOneShot(testClip("x")); err == nil {
		t.Error("factory error swallowed")
	}
	if b.Channel(sound.ChannelID(99)) != nil {
		t.Error("unknown channel returned")
	}
}
