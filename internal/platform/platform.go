// Package platform defines the host services the MAC core consumes: a
// monotonic tick source, a random source, a critical-section primitive,
// and session-persistence callbacks. Production implementations are
// external collaborators; Mock is provided for tests.
package platform

import (
	"math/rand"
	"sync"
)

// Platform is the host-service interface the MAC core consumes.
type Platform interface {
	Ticks() uint32
	Rand() uint32
	// Enter/Leave bracket a critical section; on hosted targets a mutex
	// is an adequate stand-in for disabling ISR preemption.
	Enter()
	Leave()
	// RestoreContext loads a previously persisted session blob. ok is
	// false when there is nothing cached (cold start).
	RestoreContext() (blob []byte, ok bool)
	// SaveContext is fire-and-forget; failures are not reported to the
	// core (see the core's error-handling design).
	SaveContext(blob []byte)
}

// Mock is an in-process Platform for tests: ticks are advanced
// explicitly by the test, Rand is a seeded PRNG, and context is held in
// memory.
type Mock struct {
	mu       sync.Mutex // protects the fields below
	csMu     sync.Mutex // the critical-section lock proper
	now      uint32
	rng      *rand.Rand
	saved    []byte
	hasSaved bool
}

// NewMock returns a Mock platform with ticks starting at 0 and the given
// deterministic random seed.
func NewMock(seed int64) *Mock {
	return &Mock{rng: rand.New(rand.NewSource(seed))}
}

// Advance moves the mock clock forward by ticks.
func (m *Mock) Advance(ticks uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now += ticks
}

func (m *Mock) Ticks() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Mock) Rand() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Uint32()
}

func (m *Mock) Enter() { m.csMu.Lock() }
func (m *Mock) Leave() { m.csMu.Unlock() }

func (m *Mock) RestoreContext() ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasSaved {
		return nil, false
	}
	return append([]byte{}, m.saved...), true
}

func (m *Mock) SaveContext(blob []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append([]byte{}, blob...)
	m.hasSaved = true
}
