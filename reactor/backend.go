// File: reactor/backend.go
// Author: momentics <momentics@gmail.com>
//
// Closed backend variant shared by all multiplexing strategies.

package reactor

// Backend selects the multiplexing strategy at reactor construction time.
type Backend int

const (
	// KernelQueue uses a persistent kernel-side registration/retrieval
	// object: kqueue on the BSDs and Darwin, epoll on Linux. Registration
	// and retrieval are separate calls; timers, process monitors and signal
	// monitors are native kernel events.
	KernelQueue Backend = iota
	// PollSet rebuilds a watched-descriptor set from the armed one-shot
	// flags on every wait call and emulates timers in software. Process and
	// signal monitors are unavailable.
	PollSet
)

// backend is the multiplexer each variant implements. All methods run on the
// reactor's single dispatch thread; implementations carry no locking.
type backend interface {
	// addListener registers a persistent read watch for a listening socket.
	addListener(s *Source) error
	// addConnection makes a connected descriptor known to the backend.
	// Interests are armed separately.
	addConnection(s *Source) error
	// addProcess registers a one-shot exit notification for s.ident (a pid).
	addProcess(s *Source) error
	// addSignal registers a one-shot delivery notification for s.ident (a
	// signal number).
	addSignal(s *Source) error

	// armRead and armWrite register one-shot readiness interests.
	armRead(s *Source) error
	armWrite(s *Source) error

	// enableTimer arms s to fire once after ms milliseconds; disableTimer
	// cancels it, tolerating already-fired or never-enabled as success.
	enableTimer(s *Source, ms uint32) error
	disableTimer(s *Source) error

	// remove deregisters every remaining registration of s, ignoring
	// already-gone entries. Called during release only.
	remove(s *Source)

	// wait blocks for up to timeoutMs milliseconds (negative blocks
	// indefinitely) and fills b with ready entries. A timeout with a due
	// software timer produces a single timer entry.
	wait(b *Batch, timeoutMs int) error

	// waitHandle returns a descriptor that signals readability whenever
	// wait(0) would produce entries, for host-run-loop integration.
	// Backends without a persistent kernel object return ErrNotSupported.
	waitHandle() (int, error)

	close() error
}
