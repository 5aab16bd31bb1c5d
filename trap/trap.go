// Package trap provides page-granularity access traps over guest memory.
//
// A trap covers a guest range and carries three callbacks: a coherency
// callback invoked before any trapped access proceeds, and read/write fault
// callbacks that report whether the fault was handled. Fault callbacks run
// on whatever thread delivers the guest access and must never block; they
// return Retry when a lock could not be taken so the fault mechanism can
// deliver the access again.
//
// Fault delivery follows the emulator memory-dispatch model: the emulated
// CPU's load/store path calls HandleAccess before touching a trapped page.
// The host-side mappings are kept honest with mprotect so that any native
// access bypassing the dispatch faults loudly instead of corrupting state.
package trap

import "github.com/gogpu/emubuf/guest"

// Result is the outcome of a fault callback.
type Result int

const (
	// Handled means the access may proceed; protection has been adjusted.
	Handled Result = iota

	// Retry means the callback hit lock contention and did nothing; the
	// fault mechanism must deliver the access again.
	Retry

	// Fatal means the trap fired in a state that indicates a logic defect;
	// the dispatcher should abort rather than retry.
	Fatal
)

// String returns the string representation of a Result.
func (r Result) String() string {
	switch r {
	case Handled:
		return "Handled"
	case Retry:
		return "Retry"
	case Fatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Handle identifies an installed trap. The zero Handle is invalid.
type Handle uint64

// Manager installs and adjusts traps over guest memory regions.
//
// TrapRegions re-arms protection for the trap's pages: write-only when
// writeOnly is true (reads proceed untrapped), read and write otherwise.
// PageOutRegions releases the physical backing of the trap's pages; it is
// only safe once the guest copy is non-authoritative. Callbacks may fire
// on arbitrary threads until DeleteTrap returns.
type Manager interface {
	CreateTrap(r guest.Range, coherent func(), read func() Result, write func() Result) (Handle, error)
	TrapRegions(h Handle, writeOnly bool) error
	PageOutRegions(h Handle) error
	DeleteTrap(h Handle)
}
