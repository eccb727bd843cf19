package retry

import (
	"testing"
	"time"
)

func TestDelayMonotonicNoJitter(t *testing.T) {
	p := Profile{MaxAttempts: 8, BaseDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2}

	prev := time.Duration(0)
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		d := Delay(attempt, p)
		if d < prev {
			t.Fatalf("delay(%d) = %s < delay(%d) = %s", attempt, d, attempt-1, prev)
		}
		if d > p.MaxDelay {
			t.Fatalf("delay(%d) = %s exceeds max %s", attempt, d, p.MaxDelay)
		}
		prev = d
	}
}

func TestDelayExponentialCurve(t *testing.T) {
	p := Profile{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, Multiplier: 2}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	}
	for i, w := range want {
		if got := Delay(i+1, p); got != w {
			t.Fatalf("delay(%d) = %s, want %s", i+1, got, w)
		}
	}
}

func TestDelayJitterBounds(t *testing.T) {
	p := Profile{MaxAttempts: 3, BaseDelay: 1 * time.Second, MaxDelay: 10 * time.Second, Multiplier: 2, Jitter: true}

	for i := 0; i < 100; i++ {
		d := Delay(1, p)
		if d < 500*time.Millisecond || d > 1*time.Second {
			t.Fatalf("jittered delay %s outside [0.5s, 1s]", d)
		}
	}
}

func TestDelayCap(t *testing.T) {
	p := Profile{MaxAttempts: 20, BaseDelay: 1 * time.Second, MaxDelay: 4 * time.Second, Multiplier: 3}
	if got := Delay(15, p); got != p.MaxDelay {
		t.Fatalf("delay(15) = %s, want cap %s", got, p.MaxDelay)
	}
}

func TestHintDelay(t *testing.T) {
	p := Profile{MaxDelay: 10 * time.Second}

	if got := HintDelay(3*time.Second, p); got != 3*time.Second+hintBuffer {
		t.Fatalf("hint delay = %s, want %s", got, 3*time.Second+hintBuffer)
	}
	if got := HintDelay(-2*time.Second, p); got != hintBuffer {
		t.Fatalf("negative hint should clamp to buffer, got %s", got)
	}
	if got := HintDelay(time.Minute, p); got != p.MaxDelay {
		t.Fatalf("hint delay should cap at MaxDelay, got %s", got)
	}
}
