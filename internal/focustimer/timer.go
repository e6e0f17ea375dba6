package focustimer

import (
	"fmt"
	"sync"
)

const (
	// QuarterSeconds is the length of one focus quarter.
	QuarterSeconds = 1500
	// QuarterCount caps how far the quarter counter advances.
	QuarterCount = 4
)

// State is a snapshot of the countdown.
type State struct {
	Remaining int
	Quarter   int
	Streak    int
	Running   bool
}

// Display formats the remaining time as zero-padded minutes and seconds.
func (s State) Display() string {
	return fmt.Sprintf("%02d:%02d", s.Remaining/60, s.Remaining%60)
}

// Timer is the focus countdown state machine. It is tick-driven: the
// caller advances it once per second while it runs. Finishing a quarter
// stops the countdown, advances the quarter counter up to the cap, and
// credits one streak day; the next quarter waits for an explicit Start.
type Timer struct {
	mu        sync.Mutex
	remaining int
	quarter   int
	streak    int
	running   bool
}

// NewTimer constructs a timer at the top of the first quarter.
func NewTimer() *Timer {
	return &Timer{remaining: QuarterSeconds, quarter: 1}
}

// Start begins the countdown. Starting a running timer is a no-op.
func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = true
}

// Reset stops the countdown and restores the full quarter. The quarter
// counter and streak are kept.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	t.remaining = QuarterSeconds
}

// Tick advances the countdown by one second. Ticks while stopped are
// ignored. It reports whether this tick finished a quarter.
func (t *Timer) Tick() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return false
	}

	t.remaining--
	if t.remaining > 0 {
		return false
	}

	t.running = false
	t.remaining = QuarterSeconds
	if t.quarter < QuarterCount {
		t.quarter++
	}
	t.streak++
	return true
}

// Snapshot returns the current state.
func (t *Timer) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return State{
		Remaining: t.remaining,
		Quarter:   t.quarter,
		Streak:    t.streak,
		Running:   t.running,
	}
}
