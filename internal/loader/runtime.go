package loader

// Reason selects which library entry points CallEntry invokes.
type Reason int

const (
	// ProcessInit runs DT_INIT then DT_INIT_ARRAY.
	ProcessInit Reason = iota
	// ProcessExit runs DT_FINI then DT_FINI_ARRAY.
	ProcessExit
)

// Runtime is the opaque handle to the instrumentation runtime. The
// loader consumes native facilities it cannot provide itself: the
// runtime's own image bounds, the private TLS segment register, a
// persistent heap for per-thread TLS blocks, and thunks for calling
// into foreign library code.
type Runtime interface {
	// ImageInfo describes the runtime's own image, inserted into the
	// registry as the externally-loaded pseudo-module.
	ImageInfo() (base, size uintptr, name, path string)

	// TLSSegmentBase returns the base of the private TLS segment for the
	// current thread, or 0 before TLS is installed.
	TLSSegmentBase() uintptr

	// HeapMmap allocates size bytes of page-aligned persistent memory.
	// Returns 0 on exhaustion.
	HeapMmap(size uintptr) uintptr
	// HeapMunmap releases a HeapMmap allocation.
	HeapMunmap(addr, size uintptr)

	// CallLibFunc invokes a library init/fini entry at fn with the
	// conventional (argc, argv, envp) triple: a one-element dummy argv
	// and the real environment. Foreign code; may block indefinitely.
	CallLibFunc(fn uintptr)

	// CallIFunc invokes an IRELATIVE resolver at fn and returns its
	// result.
	CallIFunc(fn uintptr) uintptr

	// Redirects supplies replacement addresses for intercepted imports:
	// the allocator quartet bound to the runtime heap, and
	// __tls_get_addr bound to a thunk forwarding to Loader.TLSGetAddr.
	Redirects() map[string]uintptr

	// Dlsym resolves a name in an externally-loaded image through the
	// platform loader.
	Dlsym(base uintptr, name string) uintptr
}
