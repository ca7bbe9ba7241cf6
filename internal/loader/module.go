package loader

import (
	"path/filepath"

	"github.com/modulexcite/drk/internal/elffile"
	"github.com/modulexcite/drk/internal/vmm"
)

// segment is one mapped PT_LOAD range, page aligned, at its runtime
// address.
type segment struct {
	start uintptr
	end   uintptr
	prot  vmm.Prot
}

// osData is the parsed ELF view of a loaded module.
type osData struct {
	image    elffile.Image
	phs      []elffile.ProgHeader
	dyn      *elffile.Dynamic
	syms     *elffile.SymbolTable
	segs     []segment
	tls      elffile.TLSTemplate
	tlsModID int
}

// PrivateModule is one library loaded by the private loader.
type PrivateModule struct {
	Name string // canonical base filename
	Path string // full path used at load

	Base      uintptr
	Size      uintptr
	LoadDelta uintptr // actual base - preferred base

	// ExternallyLoaded marks the runtime's own image: already mapped by
	// the platform loader, never remapped or relocated, but present in
	// the registry for symbol resolution and dependency satisfaction.
	ExternallyLoaded bool

	os *osData
}

// Contains reports whether addr falls inside the module's image.
func (m *PrivateModule) Contains(addr uintptr) bool {
	return addr >= m.Base && addr < m.Base+m.Size
}

// lookupLocked finds a module by canonical basename.
func (l *Loader) lookupLocked(name string) *PrivateModule {
	base := filepath.Base(name)
	for _, m := range l.modules {
		if m.Name == base {
			return m
		}
	}
	return nil
}

// lookupByBaseLocked finds the module whose image contains addr.
func (l *Loader) lookupByBaseLocked(addr uintptr) *PrivateModule {
	for _, m := range l.modules {
		if m.Contains(addr) {
			return m
		}
	}
	return nil
}

// insertLocked appends a module to the registry. Dependencies are
// inserted before their dependents, so registry order is load order.
func (l *Loader) insertLocked(m *PrivateModule) {
	l.modules = append(l.modules, m)
}

// removeLocked drops a module from the registry (load-failure unwind).
func (l *Loader) removeLocked(m *PrivateModule) {
	for i, cur := range l.modules {
		if cur == m {
			l.modules = append(l.modules[:i], l.modules[i+1:]...)
			// Resolutions may have seen the departing module.
			l.symCache.Purge()
			return
		}
	}
}

// Modules returns a snapshot of the registry in load order.
func (l *Loader) Modules() []*PrivateModule {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*PrivateModule, len(l.modules))
	copy(out, l.modules)
	return out
}
