package ratelimit

import (
	"math/rand/v2"
	"testing"
	"time"
)

func at(sec float64) time.Time {
	return time.Unix(0, 0).Add(time.Duration(sec * float64(time.Second)))
}

func TestAdmit_SlidingWindowScenario(t *testing.T) {
	t.Parallel()
	l := New(2)
	steps := []struct {
		t    float64
		want bool
	}{
		{0.0, true},
		{0.1, true},
		{0.2, false},
		{1.05, true},
	}
	for _, s := range steps {
		if got := l.Admit("hit", time.Second, at(s.t)); got != s.want {
			t.Errorf("Admit at %.2fs = %v, want %v", s.t, got, s.want)
		}
	}
}

func TestAdmit_IndependentPerName(t *testing.T) {
	t.Parallel()
	l := New(1)
	if !l.Admit("a", time.Second, at(0)) {
		t.Fatal("first a rejected")
	}
	if !l.Admit("b", time.Second, at(0)) {
		t.Error("b rejected because of a")
	}
	if l.Admit("a", time.Second, at(0.5)) {
		t.Error("second a admitted inside window")
	}
}

func TestAdmit_NonPositiveLengthAlwaysExpired(t *testing.T) {
	t.Parallel()
	for _, length := range []time.Duration{0, -time.Second} {
		l := New(1)
		for i := range 5 {
			if !l.Admit("zero", length, at(0)) {
				t.Errorf("length %v: admit %d rejected", length, i)
			}
		}
	}
}

// TestAdmit_WindowBound replays random traffic and checks that no window of
// one clip length ever contains more than maxSame admitted starts.
func TestAdmit_WindowBound(t *testing.T) {
	t.Parallel()
	const maxSame = 3
	length := 500 * time.Millisecond
	l := New(maxSame)
	rng := rand.New(rand.NewPCG(1, 2))

	var admitted []time.Time
	now := at(0)
	for range 2000 {
		now = now.Add(time.Duration(rng.IntN(120)) * time.Millisecond)
		if l.Admit("step", length, now) {
			admitted = append(admitted, now)
		}
	}
	for i, end := range admitted {
		n := 0
		for _, ts := range admitted[:i+1] {
			if end.Sub(ts) < length {
				n++
			}
		}
		if n > maxSame {
			t.Fatalf("window ending %v holds %d starts, max %d", end.Sub(at(0)), n, maxSame)
		}
	}
}

func TestSweep_DropsIdleWindows(t *testing.T) {
	t.Parallel()
	l := New(2, WithCleanupThreshold(10*time.Second))
	l.Admit("old", time.Second, at(0))
	l.Admit("fresh", time.Second, at(9))
	l.Admit("long", time.Minute, at(0))

	if got := l.Sweep(at(11)); got != 1 {
		t.Errorf("Sweep dropped %d, want 1", got)
	}
	if l.Len() != 2 {
		t.Errorf("Len = %d, want 2", l.Len())
	}
	if got := l.Sweep(at(61)); got != 2 {
		t.Errorf("second Sweep dropped %d, want 2", got)
	}
}

func TestSetMaxSame_Shrinks(t *testing.T) {
	t.Parallel()
	l := New(3)
	for i := range 3 {
		l.Admit("x", time.Second, at(float64(i)*0.1))
	}
	l.SetMaxSame(1)
	if l.Admit("x", time.Second, at(0.5)) {
		t.Error("admitted while newest start still playing")
	}
	if !l.Admit("x", time.Second, at(1.2)) {
		t.Error("rejected after newest start expired")
	}
}

func TestRevoke_ReturnsSlot(t *testing.T) {
	t.Parallel()
	l := New(2)
	l.Admit("x", time.Second, at(0))
	l.Admit("x", time.Second, at(0.2))
	if l.Admit("x", time.Second, at(0.3)) {
		t.Fatal("admitted over the cap")
	}

	l.Revoke("x", at(0.2))
	if !l.Admit("x", time.Second, at(0.4)) {
		t.Fatal("revoked start still occupies its slot")
	}
	if l.Admit("x", time.Second, at(0.5)) {
		t.Error("admitted over the cap after revoke")
	}

	// Unknown names and times are ignored.
	l.Revoke("y", at(0))
	l.Revoke("x", at(9))
	if l.Admit("x", time.Second, at(0.6)) {
		t.Error("revoke of an unrecorded start freed a slot")
	}
}

func TestReset(t *testing.T) {
	t.Parallel()
	l := New(1)
	l.Admit("x", time.Hour, at(0))
	l.Reset()
	if !l.Admit("x", time.Hour, at(0)) {
		t.Error("rejected after Reset")
	}
}
