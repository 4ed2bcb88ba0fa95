package monitor

import (
	"sync/atomic"
	"unsafe"
)

const (
	// DefaultStackBudget matches the 8 MiB worker stack the process is
	// provisioned with.
	DefaultStackBudget = 8 * 1024 * 1024

	// DefaultPreemptFraction is the share of the budget that may be
	// consumed before ShouldPreempt trips. The margin is deliberately
	// conservative: preempting early costs one reconnect, missing real
	// exhaustion kills the process.
	DefaultPreemptFraction = 0.75
)

// StackGuard tracks peak call-stack consumption against a byte budget so a
// monitor can abandon a session before decoding a deeply nested protocol
// message overflows the stack.
//
// Measurement and consultation happen on different goroutines. The
// goroutine that performs the deep work (the session's reader pump) calls
// Enter at its top to fix a baseline and Mark inside the recursive call
// chain; Mark records the distance between the baseline and the current
// stack pointer (stacks grow downward on all supported platforms) into a
// shared high-water mark. The connection state machine reads the mark via
// ShouldPreempt before each unit of work and calls Reset when it drops a
// session, so one noisy reading costs at most one reconnect.
//
// The runtime may grow a goroutine stack by copying it elsewhere, which
// invalidates the baseline address. Mark detects that (the new pointer
// compares above the old baseline) and returns a fresh baseline taken at
// the current depth; the mark then underestimates until the recursion
// unwinds, which errs on the side the guard can afford. Recorded values
// saturate at the budget so a garbage delta cannot exceed one preempt.
type StackGuard struct {
	budget  uintptr
	preempt uintptr
	high    atomic.Uintptr

	// sample is a test seam; production guards read the real stack pointer.
	sample func() uintptr
}

// StackBase is a goroutine-local baseline produced by Enter and threaded
// through the recursive call chain that Marks against it.
type StackBase uintptr

func NewStackGuard(budget int, fraction float64) *StackGuard {
	if budget <= 0 {
		budget = DefaultStackBudget
	}
	if fraction <= 0 || fraction >= 1 {
		fraction = DefaultPreemptFraction
	}
	g := &StackGuard{
		budget: uintptr(budget),
		sample: stackPointer,
	}
	g.preempt = uintptr(float64(budget) * fraction)
	return g
}

// newStackGuardWithSampler is used by tests to simulate arbitrary stack
// positions.
func newStackGuardWithSampler(budget int, fraction float64, sample func() uintptr) *StackGuard {
	g := NewStackGuard(budget, fraction)
	g.sample = sample
	return g
}

// Enter fixes the measurement baseline for the calling goroutine. Call it
// at the top of the goroutine that will run the deep work, before any deep
// call chains.
func (g *StackGuard) Enter() StackBase {
	if g == nil {
		return 0
	}
	return StackBase(g.sample())
}

// Mark records the current stack depth relative to base and returns the
// baseline to use for subsequent marks. Call it on the same goroutine that
// called Enter, once per recursion level of the hazardous call chain.
func (g *StackGuard) Mark(base StackBase) StackBase {
	if g == nil {
		return base
	}
	cur := g.sample()
	if cur >= uintptr(base) {
		// The stack was moved (or we unwound past the baseline); re-anchor
		// at the current depth.
		return StackBase(cur)
	}
	used := uintptr(base) - cur
	if used > g.budget {
		used = g.budget
	}
	for {
		prev := g.high.Load()
		if used <= prev || g.high.CompareAndSwap(prev, used) {
			return base
		}
	}
}

// Sample returns (peak bytes recorded since the last Reset, bytes budget).
func (g *StackGuard) Sample() (used, budget int) {
	if g == nil {
		return 0, 0
	}
	return int(g.high.Load()), int(g.budget)
}

// ShouldPreempt reports whether the session should be abandoned so its
// worker reconnects with a clean stack.
func (g *StackGuard) ShouldPreempt() bool {
	if g == nil {
		return false
	}
	return g.high.Load() >= g.preempt
}

// Reset clears the high-water mark. The connection state machine calls it
// when it drops a session; the next session starts unburdened.
func (g *StackGuard) Reset() {
	if g == nil {
		return
	}
	g.high.Store(0)
}

//go:noinline
func stackPointer() uintptr {
	var here byte
	return uintptr(unsafe.Pointer(&here))
}
