// Package loader implements the private shared-library loader: a
// self-contained ELF loader that parallels the platform one while
// keeping its modules, symbols, and thread-local storage invisible to
// the instrumented application.
package loader

import (
	"debug/elf"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/modulexcite/drk/internal/config"
	"github.com/modulexcite/drk/internal/elffile"
	"github.com/modulexcite/drk/internal/log"
	"github.com/modulexcite/drk/internal/vmm"
)

// symCacheSize bounds the relocation engine's name-resolution cache.
const symCacheSize = 512

// Loader owns the module registry, the redirection table, and the
// private TLS layout. All structural state is guarded by mu; recursive
// dependency loading happens in already-locked helpers.
type Loader struct {
	mu sync.Mutex

	rt      Runtime
	cfg     *config.Config
	adapter *vmm.Adapter
	areas   *vmm.Areas
	logger  *log.Logger

	modules []*PrivateModule

	redirects map[string]uintptr
	symCache  *lru.Cache[string, resolved]

	searchPaths   []string // client lib dirs, searched first
	ldLibraryPath string
	pathsReady    bool
	probe         func(path string) bool

	tls              tlsInfo
	maxClientTLSSize uintptr
	tcbSize          uintptr

	// initialized flips once the first thread has run the deferred
	// process-init entries.
	initialized bool

	runtimeMod *PrivateModule

	// Addresses of the private libc's stdio stream pointers, captured
	// after relocating a libc module. The runtime flushes them at exit.
	stdinSlot  uintptr
	stdoutSlot uintptr
	stderrSlot uintptr
}

// New creates a loader bound to the runtime handle. areas may be nil
// when the tracked backend keeps no bookkeeping.
func New(rt Runtime, cfg *config.Config, adapter *vmm.Adapter, areas *vmm.Areas, logger *log.Logger) *Loader {
	if logger == nil {
		logger = log.NewNop()
	}
	cache, _ := lru.New[string, resolved](symCacheSize)
	l := &Loader{
		rt:               rt,
		cfg:              cfg,
		adapter:          adapter,
		areas:            areas,
		logger:           logger,
		redirects:        make(map[string]uintptr),
		symCache:         cache,
		maxClientTLSSize: uintptr(cfg.ClientTLSPages) * vmm.PageSize,
	}
	for name, addr := range rt.Redirects() {
		l.redirects[name] = addr
	}
	// Backends holding their own file namespace also answer the
	// shared-object probe; otherwise candidates are checked on disk.
	if p, ok := adapter.OS.(interface{ ProbeSharedObject(string) bool }); ok {
		l.probe = p.ProbeSharedObject
	} else {
		l.probe = elffile.ProbeSharedObject
	}
	return l
}

// InitPrologue builds the search paths and inserts the runtime's own
// image as an externally-loaded pseudo-module.
func (l *Loader) InitPrologue() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.initSearchPathsLocked()

	base, size, name, path := l.rt.ImageInfo()
	m := &PrivateModule{
		Name:             name,
		Path:             path,
		Base:             base,
		Size:             size,
		ExternallyLoaded: true,
	}
	if err := l.buildOSDataLocked(m); err != nil {
		return err
	}
	l.insertLocked(m)
	l.runtimeMod = m
	l.logger.Debug("inserted runtime image", log.Lib(name), log.Base(base), log.Size(size))
	return nil
}

// InitEpilogue lays out static TLS once the initial module set is
// loaded.
func (l *Loader) InitEpilogue() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setTLSOffsetsLocked()
}

// Exit runs the process-exit entries in reverse registry order
// (dependents before their dependencies) and releases the runtime
// image's parsed state.
func (l *Loader) Exit() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callModulesEntryLocked(ProcessExit)
	if l.runtimeMod != nil {
		l.runtimeMod.os = nil
		l.runtimeMod = nil
	}
}

// ThreadInitPrologue runs deferred process-init entries on the first
// thread that arrives after TLS is installed. Initializers run in
// dependency order, deepest first.
func (l *Loader) ThreadInitPrologue() {
	if l.rt.TLSSegmentBase() == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.initialized {
		return
	}
	l.callModulesEntryLocked(ProcessInit)
	l.initialized = true
}

// ThreadInitEpilogue is a no-op; TLS blocks are built during TLS
// install.
func (l *Loader) ThreadInitEpilogue() {}

// ThreadExit is a no-op; the TLS block is released through TLSExit.
func (l *Loader) ThreadExit() {}

// buildOSDataLocked parses a mapped module image into its osData. The
// module is not visible in the registry until this succeeds.
func (l *Loader) buildOSDataLocked(m *PrivateModule) error {
	hdrBytes := vmm.CopyFrom(m.Base, 64)
	hdr, err := elffile.ParseHeader(hdrBytes)
	if err != nil {
		return errKind(NotElf, m.Name, err)
	}
	phBytes := vmm.Bytes(m.Base, hdr.PhOff+uintptr(hdr.PhNum*hdr.PhEntSize))
	phs, err := elffile.ParseProgHeaders(phBytes, hdr)
	if err != nil {
		return errKind(NotElf, m.Name, err)
	}
	lo, _, ok := elffile.VaddrBounds(phs)
	if !ok {
		return errKindf(NotElf, m.Name, "no PT_LOAD segments")
	}
	delta := m.Base - lo
	img := elffile.MemImage{Delta: delta}
	dyn, err := elffile.ParseDynamic(img, phs)
	if err != nil {
		return errKind(NotElf, m.Name, err)
	}
	m.LoadDelta = delta
	m.os = &osData{
		image:    img,
		phs:      phs,
		dyn:      dyn,
		syms:     elffile.NewSymbolTable(img, dyn),
		tls:      elffile.TLSFromProgHeaders(phs),
		tlsModID: -1,
	}
	for _, ph := range phs {
		if ph.Type == elf.PT_LOAD {
			m.os.segs = append(m.os.segs, segment{
				start: vmm.AlignDown(ph.Vaddr, vmm.PageSize) + delta,
				end:   vmm.AlignUp(ph.Vaddr+ph.Memsz, vmm.PageSize) + delta,
				prot:  elffile.SegmentProt(ph.Flags),
			})
		}
	}
	return nil
}

// PrivateLibraryAddress resolves name inside the module whose image is
// at base. Externally loaded images fall back to the platform dlsym.
func (l *Loader) PrivateLibraryAddress(base uintptr, name string) uintptr {
	l.mu.Lock()
	m := l.lookupByBaseLocked(base)
	if m == nil || m.ExternallyLoaded {
		l.mu.Unlock()
		return l.rt.Dlsym(base, name)
	}
	defer l.mu.Unlock()
	if m.os == nil {
		return 0
	}
	if sym, ok := m.os.syms.Lookup(name); ok && sym.IsDefined() {
		return sym.Value + m.LoadDelta
	}
	return 0
}

// PrivateLibraryBounds reports the image range of the module at base.
func (l *Loader) PrivateLibraryBounds(base uintptr) (start, end uintptr, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.lookupByBaseLocked(base)
	if m == nil {
		return 0, 0, false
	}
	return m.Base, m.Base + m.Size, true
}

// RedirectSetup is a hook point before a module's first use; the
// actual redirection happens during relocation.
func (l *Loader) RedirectSetup(m *PrivateModule) {}

// RedirectSym consults the redirection table for an intercepted import.
func (l *Loader) RedirectSym(name string) (uintptr, bool) {
	addr, ok := l.redirects[name]
	return addr, ok
}

// StdioSlots returns the captured addresses of the private libc's
// stdin, stdout, and stderr stream pointers (0 when no private libc is
// loaded).
func (l *Loader) StdioSlots() (stdin, stdout, stderr uintptr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stdinSlot, l.stdoutSlot, l.stderrSlot
}

// UnloadImports would release a module's dependencies; dependent
// library unloading is not implemented.
func (l *Loader) UnloadImports(m *PrivateModule) bool {
	return true
}

// AddAreas registers the module's mapped segments with the runtime's
// address-space bookkeeping.
func (l *Loader) AddAreas(m *PrivateModule) {
	if l.areas == nil || m.os == nil {
		return
	}
	for _, s := range m.os.segs {
		l.areas.Add(s.start, s.end, m.Name)
	}
}

// RemoveAreas drops the module's segments from the bookkeeping.
func (l *Loader) RemoveAreas(m *PrivateModule) {
	if l.areas == nil || m.os == nil {
		return
	}
	for _, s := range m.os.segs {
		l.areas.Remove(s.start, s.end)
	}
}
