// Package vmmtest provides an in-memory implementation of the vmm
// primitives for loader tests. Mappings are backed by page-aligned Go
// allocations inside the test process, so the loader's pointer
// arithmetic and relocation writes operate on real memory without
// touching the kernel.
package vmmtest

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/modulexcite/drk/internal/elffile"
	"github.com/modulexcite/drk/internal/vmm"
)

// ProtEvent records one Protect call.
type ProtEvent struct {
	Addr uintptr
	Size uintptr
	Prot vmm.Prot
}

// UnmapEvent records one Unmap call.
type UnmapEvent struct {
	Addr uintptr
	Size uintptr
}

type file struct {
	path string
	data []byte
}

type region struct {
	base    uintptr
	size    uintptr
	backing []byte // keeps the aligned allocation alive
}

// Mock implements vmm.Primitives over in-process memory.
type Mock struct {
	mu      sync.Mutex
	files   map[string][]byte
	fds     map[int]*file
	nextFD  int
	regions []*region

	// Protects and Unmaps record every call for assertions.
	Protects []ProtEvent
	Unmaps   []UnmapEvent

	// FailMaps forces the next n Map calls to fail.
	FailMaps int
}

// New returns an empty mock backend.
func New() *Mock {
	return &Mock{
		files:  make(map[string][]byte),
		fds:    make(map[int]*file),
		nextFD: 100,
	}
}

// AddFile registers an in-memory file visible to Open.
func (m *Mock) AddFile(path string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = data
}

func (m *Mock) Open(path string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	if !ok {
		return vmm.InvalidFD, fmt.Errorf("open %s: no such file", path)
	}
	fd := m.nextFD
	m.nextFD++
	m.fds[fd] = &file{path: path, data: data}
	return fd, nil
}

func (m *Mock) Close(fd int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.fds, fd)
}

func (m *Mock) GetSize(fd int) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.fds[fd]
	if !ok {
		return 0, errors.New("bad fd")
	}
	return uint64(len(f.data)), nil
}

func (m *Mock) Map(fd int, size uintptr, offs int64, hint uintptr, prot vmm.Prot, cow, image, fixed bool) (uintptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailMaps > 0 {
		m.FailMaps--
		return 0, errors.New("mock map failure")
	}

	if fixed {
		// Overlay inside an existing region: copy the file window there.
		r := m.findLocked(hint)
		if r == nil {
			return 0, fmt.Errorf("fixed map outside any region: %#x", hint)
		}
		if hint+size > r.base+r.size {
			return 0, fmt.Errorf("fixed map escapes region: %#x+%#x", hint, size)
		}
		if fd != vmm.InvalidFD {
			f, ok := m.fds[fd]
			if !ok {
				return 0, errors.New("bad fd")
			}
			dst := r.backing[hint-r.base:]
			if offs < int64(len(f.data)) {
				copy(dst[:min(size, uintptr(len(dst)))], f.data[offs:])
			}
		}
		return hint, nil
	}

	r := &region{size: size}
	r.backing = make([]byte, size+vmm.PageSize)
	base := uintptr(0)
	for i := range r.backing {
		p := addrOf(&r.backing[i])
		if p%vmm.PageSize == 0 {
			base = p
			r.backing = r.backing[i:]
			break
		}
	}
	r.base = base
	if fd != vmm.InvalidFD {
		f, ok := m.fds[fd]
		if !ok {
			return 0, errors.New("bad fd")
		}
		if offs < int64(len(f.data)) {
			copy(r.backing, f.data[offs:])
		}
	}
	m.regions = append(m.regions, r)
	return r.base, nil
}

func (m *Mock) Unmap(addr, size uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Unmaps = append(m.Unmaps, UnmapEvent{Addr: addr, Size: size})
	for i, r := range m.regions {
		if r.base == addr && r.size == size {
			m.regions = append(m.regions[:i], m.regions[i+1:]...)
			return nil
		}
	}
	// Partial unmap inside a region (the mapper's unmap-then-remap step);
	// the backing stays so the follow-up fixed map can land.
	if r := m.findLocked(addr); r != nil {
		return nil
	}
	return fmt.Errorf("unmap of unknown range %#x+%#x", addr, size)
}

func (m *Mock) Protect(addr, size uintptr, prot vmm.Prot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Protects = append(m.Protects, ProtEvent{Addr: addr, Size: size, Prot: prot})
	return nil
}

// RegionCount returns the number of live regions.
func (m *Mock) RegionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.regions)
}

func (m *Mock) findLocked(addr uintptr) *region {
	for _, r := range m.regions {
		if addr >= r.base && addr < r.base+r.size {
			return r
		}
	}
	return nil
}

// ProbeSharedObject answers the loader's search-path probe from the
// mock's file namespace.
func (m *Mock) ProbeSharedObject(path string) bool {
	m.mu.Lock()
	data, ok := m.files[path]
	m.mu.Unlock()
	return ok && elffile.IsSharedObject(data)
}

func addrOf(p *byte) uintptr {
	return uintptr(unsafe.Pointer(p))
}
