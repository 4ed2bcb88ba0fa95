package monitor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	logx "dmwatch/pkg/logx"
)

// Monitor is one unit of supervised work: mutate own state, never block
// forever, return. Conn is the production implementation; tests use fakes.
type Monitor interface {
	Name() string
	Advance(ctx context.Context) error
}

// MonitorStatus is a point-in-time view of one monitor, for status
// reporting.
type MonitorStatus struct {
	Name      string    `json:"name"`
	Attempt   uint32    `json:"attempt"`
	Connected bool      `json:"connected"`
	Advances  uint64    `json:"advances"`
	Failures  uint64    `json:"failures"`
	Panics    uint64    `json:"panics"`
	LastErr   string    `json:"last_err,omitempty"`
	LastErrAt time.Time `json:"last_err_at,omitzero"`
}

// Supervisor drives a fixed set of monitors concurrently and indefinitely.
//
// Each monitor has exactly one in-flight Advance at any time. Completions
// are funneled into a single channel; the main loop is "wait for any
// completion, react, resubmit". Failures (errors and contained panics) cost
// the failing monitor a backoff delay; the delay is waited out on a side
// goroutine so siblings keep running.
type Supervisor struct {
	monitors []Monitor
	log      logx.Logger
	clock    clock.Clock
	backoff  func(attempt uint32) time.Duration

	mu    sync.Mutex
	stats []monitorStats
}

type monitorStats struct {
	attempt   uint32
	advances  uint64
	failures  uint64
	panics    uint64
	lastErr   string
	lastErrAt time.Time
}

type SupervisorOption func(*Supervisor)

func WithLogger(log logx.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = log }
}

// WithSupervisorClock injects a fake clock so tests can step through backoff
// windows.
func WithSupervisorClock(c clock.Clock) SupervisorOption {
	return func(s *Supervisor) { s.clock = c }
}

// WithBackoff overrides the backoff schedule (default: Backoff).
func WithBackoff(fn func(attempt uint32) time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.backoff = fn }
}

func NewSupervisor(monitors []Monitor, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		monitors: monitors,
		log:      logx.Nop(),
		clock:    clock.New(),
		backoff:  Backoff,
		stats:    make([]monitorStats, len(monitors)),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// outcome is the result of one Advance unit of work.
type outcome struct {
	idx      int
	err      error
	panicked bool
	panicVal any
	stack    string
}

// Run drives all monitors until ctx is cancelled; it never returns under
// normal operation. A fault in this loop itself is not recovered in-process
// (external supervision restarts the whole process).
func (s *Supervisor) Run(ctx context.Context) error {
	results := make(chan outcome)

	for i := range s.monitors {
		s.launch(ctx, results, i)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case o := <-results:
			m := s.monitors[o.idx]
			switch {
			case o.panicked:
				attempt := s.noteFailure(o.idx, fmt.Sprintf("panic: %v", o.panicVal), true)
				delay := s.backoff(attempt)
				s.log.Error("monitor panicked",
					logx.String("monitor", m.Name()),
					logx.Any("panic", o.panicVal),
					logx.Uint64("attempt", uint64(attempt)+1),
					logx.Duration("backoff", delay),
					logx.Stack(o.stack))
				s.relaunch(ctx, results, o.idx, delay)

			case o.err != nil:
				attempt := s.noteFailure(o.idx, o.err.Error(), false)
				delay := s.backoff(attempt)
				s.log.Warn("monitor advance failed",
					logx.String("monitor", m.Name()),
					logx.Err(o.err),
					logx.Uint64("attempt", uint64(attempt)+1),
					logx.Duration("backoff", delay))
				s.relaunch(ctx, results, o.idx, delay)

			default:
				if prior := s.noteSuccess(o.idx); prior > 0 {
					s.log.Info("monitor recovered",
						logx.String("monitor", m.Name()),
						logx.Uint64("after_attempts", uint64(prior)))
				}
				s.launch(ctx, results, o.idx)
			}
		}
	}
}

// launch runs one Advance on its own goroutine with panic containment. The
// monitor's identity and accumulated retry count live in the supervisor, so
// they survive a crash of the unit of work.
func (s *Supervisor) launch(ctx context.Context, results chan<- outcome, idx int) {
	if ctx.Err() != nil {
		return
	}
	go func() {
		o := outcome{idx: idx}
		func() {
			defer func() {
				if r := recover(); r != nil {
					o.panicked = true
					o.panicVal = r
					o.stack = string(debug.Stack())
				}
			}()
			o.err = s.monitors[idx].Advance(ctx)
		}()
		if ctx.Err() != nil && !o.panicked {
			// Shutdown in progress; the result would only race Run's return.
			return
		}
		select {
		case results <- o:
		case <-ctx.Done():
		}
	}()
}

// relaunch resubmits a monitor's Advance after the backoff delay elapses,
// without blocking the main loop or sibling monitors.
func (s *Supervisor) relaunch(ctx context.Context, results chan<- outcome, idx int, delay time.Duration) {
	if delay <= 0 {
		s.launch(ctx, results, idx)
		return
	}
	t := s.clock.Timer(delay)
	go func() {
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
			s.launch(ctx, results, idx)
		}
	}()
}

// noteFailure increments the retry counter and returns the attempt number
// used for the backoff schedule (the pre-increment value, so the first
// failure waits e^0 seconds).
func (s *Supervisor) noteFailure(idx int, errStr string, panicked bool) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &s.stats[idx]
	attempt := st.attempt
	st.attempt++
	st.advances++
	st.failures++
	if panicked {
		st.panics++
	}
	st.lastErr = errStr
	st.lastErrAt = time.Now()
	return attempt
}

// noteSuccess resets the retry counter and returns its prior value.
func (s *Supervisor) noteSuccess(idx int) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &s.stats[idx]
	prior := st.attempt
	st.attempt = 0
	st.advances++
	return prior
}

// Attempt returns the current retry counter for the named monitor.
func (s *Supervisor) Attempt(name string) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.monitors {
		if m.Name() == name {
			return s.stats[i].attempt
		}
	}
	return 0
}

// Snapshot returns a point-in-time view of all monitors, for status
// reporting and health output.
func (s *Supervisor) Snapshot() []MonitorStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MonitorStatus, len(s.monitors))
	for i, m := range s.monitors {
		st := s.stats[i]
		out[i] = MonitorStatus{
			Name:      m.Name(),
			Attempt:   st.attempt,
			Advances:  st.advances,
			Failures:  st.failures,
			Panics:    st.panics,
			LastErr:   st.lastErr,
			LastErrAt: st.lastErrAt,
		}
		if c, ok := m.(interface{ Connected() bool }); ok {
			out[i].Connected = c.Connected()
		}
	}
	return out
}
