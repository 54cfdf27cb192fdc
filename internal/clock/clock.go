package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

// Virtual is a freezable substitute for wall time. While running it follows
// its source plus an accumulated offset; while frozen it reports a fixed
// instant, optionally ticking forward one nanosecond per read.
type Virtual struct {
	mu sync.Mutex

	src    Clock
	offset time.Duration

	frozen  bool
	at      time.Time
	ticking bool
}

// New returns a running clock that follows src. A nil src follows the OS.
func New(src Clock) *Virtual {
	if src == nil {
		src = ClockFunc(time.Now)
	}
	return &Virtual{src: src}
}

// NewManual returns a clock frozen at t. Tests drive it with Advance.
func NewManual(t time.Time) *Virtual {
	v := New(nil)
	v.Freeze(t)
	return v
}

// Follow returns a running child clock whose source is v. Freezing or
// shifting the child never affects v.
func (v *Virtual) Follow() *Virtual {
	return New(v)
}

func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.frozen {
		return v.src.Now().Add(v.offset)
	}
	t := v.at
	if v.ticking {
		v.at = v.at.Add(time.Nanosecond)
	}
	return t
}

func (v *Virtual) Freeze(t time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.frozen = true
	v.ticking = false
	v.at = t
}

// RestoreTick lets a frozen clock creep forward at sub-microsecond steps.
// It is a no-op on a running clock.
func (v *Virtual) RestoreTick() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.frozen {
		v.ticking = true
	}
}

func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.frozen {
		v.at = v.at.Add(d)
		return
	}
	v.offset += d
}

func (v *Virtual) Rewind(d time.Duration) {
	v.Advance(-d)
}

// Unfreeze resumes following the source. The offset accumulated before the
// freeze is kept; time spent frozen is not.
func (v *Virtual) Unfreeze() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.frozen = false
	v.ticking = false
}

func (v *Virtual) Frozen() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.frozen
}

// State captures enough to put the clock back after a temporary freeze.
type State struct {
	frozen  bool
	at      time.Time
	ticking bool
}

func (v *Virtual) Save() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return State{frozen: v.frozen, at: v.at, ticking: v.ticking}
}

func (v *Virtual) Restore(s State) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.frozen = s.frozen
	v.at = s.at
	v.ticking = s.ticking
}

// Micros projects t onto integer microseconds since the unix epoch.
func Micros(t time.Time) int64 {
	return t.UnixMicro()
}

func FromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

// Seconds is the integer number of whole seconds from origin to t, rounded
// toward negative infinity.
func Seconds(origin, t time.Time) int64 {
	d := t.Sub(origin)
	s := int64(d / time.Second)
	if d < 0 && d%time.Second != 0 {
		s--
	}
	return s
}
