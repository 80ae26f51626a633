// Package timer provides the deadline-driven keep-alive timer: a repeating
// or one-shot countdown with start/pause/resume/reset/stop and event
// callbacks, scanned by a single background goroutine.
package timer

import (
	"errors"
	"sync"
	"time"
)

// ErrDisposed is returned by every public call after Dispose.
var ErrDisposed = errors.New("timer: disposed")

// ErrNoInterval is returned by Start when no interval has been configured.
var ErrNoInterval = errors.New("timer: interval not set")

// State is the timer lifecycle state.
type State int

const (
	Stopped State = iota
	Running
	Paused
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Paused:
		return "paused"
	default:
		return "stopped"
	}
}

// scanInterval is the cadence at which the background task inspects state.
const scanInterval = 100 * time.Millisecond

// Callbacks receive timer events. All callbacks are optional and are invoked
// outside the timer lock, from the background goroutine.
type Callbacks struct {
	OnStarted   func()
	OnTicked    func(elapsed time.Duration)
	OnCompleted func()
	OnPaused    func()
	OnStopped   func()
	OnError     func(err error)
}

// Timer is a pause/resume/reset-capable periodic countdown.
type Timer struct {
	mu        sync.Mutex
	state     State
	interval  time.Duration
	repeat    bool
	startedAt time.Time     // wall clock of the current running span
	elapsed   time.Duration // accumulated across pauses
	disposed  bool
	quit      chan struct{} // closes to end the scan loop; nil when no loop
	cb        Callbacks
}

// New creates a stopped timer with the given callbacks.
func New(cb Callbacks) *Timer {
	return &Timer{cb: cb}
}

// SetInterval configures the countdown duration and whether the timer
// restarts itself on completion. Takes effect on the next Start.
func (t *Timer) SetInterval(d time.Duration, repeat bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return ErrDisposed
	}
	t.interval = d
	t.repeat = repeat
	return nil
}

// Start begins the countdown. From stopped it starts at zero elapsed; from
// paused it resumes, preserving accumulated elapsed time.
func (t *Timer) Start() error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return ErrDisposed
	}
	if t.interval <= 0 {
		t.mu.Unlock()
		return ErrNoInterval
	}

	switch t.state {
	case Running:
		t.mu.Unlock()
		return nil
	case Stopped:
		t.elapsed = 0
	case Paused:
		// keep t.elapsed
	}
	t.startedAt = time.Now()
	t.state = Running
	if t.quit == nil {
		t.quit = make(chan struct{})
		go t.scan(t.quit)
	}
	started := t.cb.OnStarted
	t.mu.Unlock()

	if started != nil {
		started()
	}
	return nil
}

// Resume restarts a paused timer. Equivalent to Start.
func (t *Timer) Resume() error {
	return t.Start()
}

// Pause suspends the countdown, keeping accumulated elapsed time.
func (t *Timer) Pause() error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return ErrDisposed
	}
	if t.state != Running {
		t.mu.Unlock()
		return nil
	}
	t.elapsed += time.Since(t.startedAt)
	t.state = Paused
	paused := t.cb.OnPaused
	t.mu.Unlock()

	if paused != nil {
		paused()
	}
	return nil
}

// Reset zeroes the elapsed time. While running the countdown restarts from
// now and keeps running. While paused the timer transitions to stopped, so
// a pause does not silently survive a reset. While stopped it is a
// no-op.
func (t *Timer) Reset() error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return ErrDisposed
	}
	var stopped func()
	switch t.state {
	case Running:
		t.elapsed = 0
		t.startedAt = time.Now()
	case Paused:
		t.elapsed = 0
		t.state = Stopped
		t.stopLoopLocked()
		stopped = t.cb.OnStopped
	case Stopped:
		t.elapsed = 0
	}
	t.mu.Unlock()

	if stopped != nil {
		stopped()
	}
	return nil
}

// Stop halts the timer. Idempotent, and safe to call after Dispose.
func (t *Timer) Stop() error {
	t.mu.Lock()
	if t.state == Stopped {
		t.mu.Unlock()
		return nil
	}
	t.state = Stopped
	t.elapsed = 0
	t.stopLoopLocked()
	stopped := t.cb.OnStopped
	t.mu.Unlock()

	if stopped != nil {
		stopped()
	}
	return nil
}

// Remaining returns the time left until completion; zero when not running
// or paused past the interval.
func (t *Timer) Remaining() (time.Duration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return 0, ErrDisposed
	}
	el := t.elapsed
	if t.state == Running {
		el += time.Since(t.startedAt)
	}
	if t.state == Stopped || el >= t.interval {
		return 0, nil
	}
	return t.interval - el, nil
}

// State returns the current lifecycle state.
func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Dispose stops the timer and rejects all further public calls.
func (t *Timer) Dispose() {
	t.mu.Lock()
	t.state = Stopped
	t.disposed = true
	t.stopLoopLocked()
	t.mu.Unlock()
}

func (t *Timer) stopLoopLocked() {
	if t.quit != nil {
		close(t.quit)
		t.quit = nil
	}
}

// scan is the single background task. It inspects state at a fixed cadence
// and fires callbacks outside the lock.
func (t *Timer) scan(quit chan struct{}) {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
		}

		t.mu.Lock()
		if t.disposed || t.state != Running {
			t.mu.Unlock()
			continue
		}
		el := t.elapsed + time.Since(t.startedAt)

		var completed, stopped func()
		var ticked func(time.Duration)
		if el >= t.interval {
			completed = t.cb.OnCompleted
			if t.repeat {
				t.elapsed = 0
				t.startedAt = time.Now()
			} else {
				t.state = Stopped
				t.elapsed = 0
				t.stopLoopLocked()
				stopped = t.cb.OnStopped
			}
		} else {
			ticked = t.cb.OnTicked
		}
		t.mu.Unlock()

		if ticked != nil {
			ticked(el)
		}
		if completed != nil {
			completed()
		}
		if stopped != nil {
			stopped()
			return
		}
	}
}
