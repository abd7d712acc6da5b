// Package event implements the timer/input primitive the MAC state machine
// schedules against. It holds a fixed set of timer slots and a bitset of
// latched inputs, and is the only piece of the core that may be touched
// from interrupt context.
package event

import "sync"

// TimerSlot identifies one of the fixed timer slots the MAC arms.
type TimerSlot int

const (
	WaitA TimerSlot = iota
	WaitB
	Time
	// Band0..Band4 hold one off-time timer per region band, and
	// BandAggregate the combined duty-cycle timer. Five band slots cover
	// the largest band count across supported regions (EU_863_870 has 5).
	Band0
	Band1
	Band2
	Band3
	Band4
	BandAggregate
	numSlots
)

// InputKind identifies one of the latched, ISR-signalled inputs.
type InputKind int

const (
	TxComplete InputKind = iota
	RxReady
	RxTimeout
	numInputs
)

const maxDelta = 1<<31 - 1 // INT32_MAX

type timer struct {
	armed   bool
	timeout uint32
}

type input struct {
	armed     bool
	signalled bool
	time      uint32
}

// Event holds timers and inputs. The zero value is ready to use.
type Event struct {
	mu     sync.Mutex
	timers [numSlots]timer
	inputs [numInputs]input
}

// New returns a ready-to-use Event primitive.
func New() *Event {
	return &Event{}
}

// SetTimer arms slot to fire ticks ticks from now.
func (e *Event) SetTimer(slot TimerSlot, now uint32, ticks uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timers[slot] = timer{armed: true, timeout: now + ticks}
}

// ClearTimer disarms slot.
func (e *Event) ClearTimer(slot TimerSlot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timers[slot] = timer{}
}

// SetInput arms expectation of kind; a subsequent Signal will latch it.
func (e *Event) SetInput(kind InputKind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inputs[kind] = input{armed: true}
}

// ClearInput disarms all latched/armed state for kind.
func (e *Event) ClearInput(kind InputKind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inputs[kind] = input{}
}

// Signal is called from interrupt context: it atomically latches kind at
// time if (and only if) it is currently armed.
func (e *Event) Signal(kind InputKind, now uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	in := &e.inputs[kind]
	if in.armed {
		in.signalled = true
		in.time = now
	}
}

// delta computes the 32-bit circular difference used to decide whether a
// deadline is in the past relative to now.
func delta(timeout, now uint32) uint32 {
	if timeout <= now {
		return now - timeout
	}
	return ^uint32(0) - timeout + now
}

// CheckTimer reports, at most once per arming, how late (in ticks) now
// observed the deadline. ok is false if the slot isn't armed or hasn't
// fired yet.
func (e *Event) CheckTimer(slot TimerSlot, now uint32) (errTicks uint32, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := &e.timers[slot]
	if !t.armed {
		return 0, false
	}
	d := delta(t.timeout, now)
	if d > maxDelta {
		return 0, false
	}
	t.armed = false
	return d, true
}

// CheckInput reports, at most once per armed-then-signalled cycle, how
// late now observed the signal.
func (e *Event) CheckInput(kind InputKind, now uint32) (errTicks uint32, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	in := &e.inputs[kind]
	if !in.armed || !in.signalled {
		return 0, false
	}
	in.armed = false
	in.signalled = false
	return delta(in.time, now), true
}

// TicksUntilSlot peeks at slot without consuming it: 0 if unarmed or
// already due, otherwise the remaining ticks.
func (e *Event) TicksUntilSlot(slot TimerSlot, now uint32) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := &e.timers[slot]
	if !t.armed {
		return 0
	}
	if delta(t.timeout, now) <= maxDelta {
		return 0
	}
	return t.timeout - now
}

// TicksUntilNext returns 0 if an armed input is already signalled,
// otherwise the minimum remaining timer interval, or math.MaxUint32 if
// nothing is armed.
func (e *Event) TicksUntilNext(now uint32) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.inputs {
		if e.inputs[i].armed && e.inputs[i].signalled {
			return 0
		}
	}

	min := ^uint32(0)
	for i := range e.timers {
		t := &e.timers[i]
		if !t.armed {
			continue
		}
		d := delta(t.timeout, now)
		var remaining uint32
		if d <= maxDelta {
			remaining = 0
		} else {
			remaining = t.timeout - now
		}
		if remaining < min {
			min = remaining
		}
	}
	return min
}
