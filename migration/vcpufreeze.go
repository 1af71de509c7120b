package migration

import "sync"

// CPUState is a vCPU's position in the freeze/thaw state machine.
type CPUState int

const (
	CPURunning CPUState = iota
	CPURecalled
	CPUParked
)

// FreezeCoordinator recalls, parks, and resumes a fixed set of vCPUs
// so the driver can read a consistent register snapshot during
// stop-and-copy. It replaces the ad-hoc semaphore pair of the
// original implementation with a generation-counted resume channel:
// a single rendezvous point for "wait for N producers, then release
// N consumers" with no raw semaphore exposed to callers.
type FreezeCoordinator struct {
	n int

	mu          sync.Mutex
	shouldBlock bool
	states      []CPUState
	parkedCount int
	allParked   chan struct{}
	resumeGen   chan struct{}
}

// NewFreezeCoordinator constructs a coordinator for n vCPUs, all
// initially RUNNING.
func NewFreezeCoordinator(n int) *FreezeCoordinator {
	return &FreezeCoordinator{
		n:         n,
		states:    make([]CPUState, n),
		resumeGen: make(chan struct{}),
	}
}

// FreezeAll sets should_block, invokes recall (expected to send a
// RESUME recall event to every vCPU), and blocks until every vCPU has
// reached PARKED. After FreezeAll returns, no vCPU executes guest code
// until ThawAll is called. Not cancellable mid-call.
func (f *FreezeCoordinator) FreezeAll(recall func()) {
	f.mu.Lock()
	f.shouldBlock = true
	f.parkedCount = 0
	f.allParked = make(chan struct{})

	for i := range f.states {
		f.states[i] = CPURecalled
	}

	f.mu.Unlock()

	recall()

	<-f.allParked
}

// SaveGuestRegs is called on vCPU cpu's own thread at its next exit
// after a recall. If freeze is not in effect it is a no-op. Otherwise
// it invokes capture to copy the register sub-range into the driver's
// holding buffer, marks cpu PARKED, signals the coordinator once every
// vCPU has done so, then blocks until ThawAll releases this
// generation.
func (f *FreezeCoordinator) SaveGuestRegs(cpu int, capture func()) {
	f.mu.Lock()

	if !f.shouldBlock {
		f.mu.Unlock()

		return
	}

	gen := f.resumeGen
	f.mu.Unlock()

	capture()

	f.mu.Lock()
	f.states[cpu] = CPUParked
	f.parkedCount++

	if f.parkedCount == f.n {
		close(f.allParked)
	}

	f.mu.Unlock()

	<-gen
}

// ThawAll clears should_block and releases every vCPU parked in the
// current generation. Called on all success and error paths once a
// migration attempt concludes, even on failure.
func (f *FreezeCoordinator) ThawAll() {
	f.mu.Lock()
	f.shouldBlock = false

	for i := range f.states {
		f.states[i] = CPURunning
	}

	old := f.resumeGen
	f.resumeGen = make(chan struct{})
	f.mu.Unlock()

	close(old)
}

// State reports cpu's current position in the freeze state machine.
func (f *FreezeCoordinator) State(cpu int) CPUState {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.states[cpu]
}

// AllParked reports whether every vCPU has reached PARKED.
func (f *FreezeCoordinator) AllParked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.parkedCount == f.n
}
