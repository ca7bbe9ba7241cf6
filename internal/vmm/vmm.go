// Package vmm exposes the virtual-memory primitives used by the private
// loader. Two implementations exist: the raw OS backend, usable before the
// runtime heap is initialized, and the tracked backend, which additionally
// maintains the runtime's own address-space bookkeeping. Callers pick per
// call through an Adapter and must never mix the two for the same region.
package vmm

// Prot is a memory protection bitmask.
type Prot uint

const (
	ProtNone  Prot = 0
	ProtRead  Prot = 1 << 0
	ProtWrite Prot = 1 << 1
	ProtExec  Prot = 1 << 2
)

// PageSize is the assumed page granularity of all mappings.
const PageSize uintptr = 4096

// InvalidFD marks a failed or absent file handle.
const InvalidFD = -1

// Primitives is the uniform open/map/unmap/protect surface over a backend.
type Primitives interface {
	Open(path string) (int, error)
	Close(fd int)
	GetSize(fd int) (uint64, error)

	// Map establishes a mapping of size bytes. fd is InvalidFD for an
	// anonymous mapping. hint is the preferred address (0 for none); with
	// fixed set the mapping must land exactly there. cow requests private
	// copy-on-write semantics; image marks the mapping as part of a module
	// image for bookkeeping purposes.
	Map(fd int, size uintptr, offs int64, hint uintptr, prot Prot, cow, image, fixed bool) (uintptr, error)

	Unmap(addr, size uintptr) error
	Protect(addr, size uintptr, prot Prot) error
}

// AlignDown rounds v down to the previous multiple of align.
func AlignDown(v, align uintptr) uintptr {
	return v &^ (align - 1)
}

// AlignUp rounds v up to the next multiple of align.
func AlignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// Adapter selects between the raw and tracked backends on each call.
// Before the runtime heap is ready only the raw OS primitives are usable.
type Adapter struct {
	OS        Primitives
	Tracked   Primitives
	HeapReady func() bool
}

// Pick returns the backend appropriate for the current heap state.
func (a *Adapter) Pick() Primitives {
	if a.HeapReady != nil && a.HeapReady() && a.Tracked != nil {
		return a.Tracked
	}
	return a.OS
}
