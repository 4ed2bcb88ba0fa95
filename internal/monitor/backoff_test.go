package monitor

import (
	"math"
	"testing"
	"time"
)

func TestBackoffSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		attempt uint32
		want    time.Duration
	}{
		{attempt: 0, want: 1 * time.Second},
		{attempt: 1, want: time.Duration(math.Exp(1) * float64(time.Second))},
		{attempt: 2, want: time.Duration(math.Exp(2) * float64(time.Second))},
		{attempt: 6, want: time.Duration(math.Exp(6) * float64(time.Second))},
		{attempt: 7, want: 600 * time.Second},
		{attempt: 100, want: 600 * time.Second},
		{attempt: math.MaxUint32, want: 600 * time.Second},
	}
	for _, tt := range tests {
		got := Backoff(tt.attempt)
		// Allow sub-millisecond float slop on the uncapped values.
		diff := got - tt.want
		if diff < 0 {
			diff = -diff
		}
		if diff > time.Millisecond {
			t.Fatalf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffMonotonic(t *testing.T) {
	t.Parallel()
	prev := time.Duration(0)
	for n := uint32(0); n < 20; n++ {
		d := Backoff(n)
		if d < prev {
			t.Fatalf("Backoff(%d) = %v < Backoff(%d) = %v", n, d, n-1, prev)
		}
		if d > 600*time.Second {
			t.Fatalf("Backoff(%d) = %v exceeds cap", n, d)
		}
		prev = d
	}
}
