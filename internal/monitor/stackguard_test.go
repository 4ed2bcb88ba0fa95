package monitor

import "testing"

func TestStackGuardPreempt(t *testing.T) {
	t.Parallel()

	const top = uintptr(1 << 30)
	cur := top
	g := newStackGuardWithSampler(8<<20, 0.75, func() uintptr { return cur })

	base := g.Enter()
	if g.ShouldPreempt() {
		t.Fatal("fresh guard should not preempt")
	}

	// Just below the 75% threshold.
	cur = top - uintptr(6<<20) + 1
	base = g.Mark(base)
	if g.ShouldPreempt() {
		used, budget := g.Sample()
		t.Fatalf("preempted below threshold: used=%d budget=%d", used, budget)
	}

	// At the threshold.
	cur = top - uintptr(6<<20)
	base = g.Mark(base)
	if !g.ShouldPreempt() {
		t.Fatal("expected preempt at 75% of budget")
	}

	// The mark is a high-water: unwinding does not clear it.
	cur = top - 64
	g.Mark(base)
	if !g.ShouldPreempt() {
		t.Fatal("peak reading must persist until Reset")
	}

	g.Reset()
	if g.ShouldPreempt() {
		t.Fatal("Reset must clear the peak")
	}
}

func TestStackGuardMovedStackReanchors(t *testing.T) {
	t.Parallel()

	const top = uintptr(1 << 20)
	cur := top
	g := newStackGuardWithSampler(8<<20, 0.75, func() uintptr { return cur })
	base := g.Enter()

	// A copied stack can land the pointer above the old baseline; the mark
	// must not record a wrapped-around delta and must re-anchor.
	cur = top + (64 << 20)
	base = g.Mark(base)
	if used, _ := g.Sample(); used != 0 {
		t.Fatalf("used = %d after move, want 0", used)
	}
	if uintptr(base) != cur {
		t.Fatalf("base = %#x, want re-anchor at %#x", base, cur)
	}

	// Depth below the new anchor is measured again.
	cur -= 4096
	g.Mark(base)
	if used, _ := g.Sample(); used != 4096 {
		t.Fatalf("used = %d after re-anchor, want 4096", used)
	}
}

func TestStackGuardRecordingSaturates(t *testing.T) {
	t.Parallel()

	const top = uintptr(1 << 40)
	cur := top
	g := newStackGuardWithSampler(8<<20, 0.75, func() uintptr { return cur })
	base := g.Enter()

	// A garbage delta (stale baseline in a far-away region) saturates at the
	// budget instead of poisoning the mark with an absurd value.
	cur = top - (512 << 20)
	g.Mark(base)
	used, budget := g.Sample()
	if used != budget {
		t.Fatalf("used = %d, want saturation at budget %d", used, budget)
	}
	g.Reset()
	if g.ShouldPreempt() {
		t.Fatal("one garbage reading must cost at most one preempt")
	}
}

func TestStackGuardDefaults(t *testing.T) {
	t.Parallel()
	g := NewStackGuard(0, 0)
	if _, budget := g.Sample(); budget != DefaultStackBudget {
		t.Fatalf("budget = %d, want %d", budget, DefaultStackBudget)
	}
	if g.ShouldPreempt() {
		t.Fatal("unmarked guard should not preempt")
	}
}

func TestStackGuardNilSafe(t *testing.T) {
	t.Parallel()
	var g *StackGuard
	if g.ShouldPreempt() {
		t.Fatal("nil guard must never preempt")
	}
	base := g.Enter()
	if got := g.Mark(base); got != base {
		t.Fatal("nil guard mark must be a no-op")
	}
	g.Reset()
}

// descend burns count stack frames of about 2 KiB each, marking the guard
// at every level the way a recursive decoder does.
//
//go:noinline
func descend(g *StackGuard, base StackBase, count int, sink *byte) StackBase {
	var pad [2048]byte
	// Index with a non-constant so the compiler cannot prove the array dead
	// and elide it from the frame.
	pad[count%len(pad)] = byte(count)
	*sink += pad[len(pad)-1] + pad[0]
	base = g.Mark(base)
	if count <= 1 {
		return base
	}
	return descend(g, base, count-1, sink)
}

func TestStackGuardRealSampler(t *testing.T) {
	t.Parallel()

	done := make(chan int, 1)
	go func() {
		var sink byte
		g := NewStackGuard(64<<10, 0.5)
		// Warm the stack past the depth the measured descent needs, so the
		// runtime does not move the stack between Enter and the marks.
		descend(g, g.Enter(), 48, &sink)
		g.Reset()

		base := g.Enter()
		descend(g, base, 24, &sink)
		used, _ := g.Sample()
		if !g.ShouldPreempt() {
			done <- used
			return
		}
		done <- -used
	}()

	used := <-done
	if used >= 0 {
		t.Fatalf("real sampler recorded only %d bytes over 24 2KiB frames; expected preempt", used)
	}
	if -used < 24*2048 {
		t.Fatalf("peak = %d bytes, want at least %d", -used, 24*2048)
	}
}
