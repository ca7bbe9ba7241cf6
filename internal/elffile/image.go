package elffile

import (
	"debug/elf"
	"fmt"

	"github.com/modulexcite/drk/internal/vmm"
)

// Image gives vaddr-keyed access to a module's contents. Dynamic-section
// pointers are link-time virtual addresses; an Image turns them into
// readable bytes regardless of whether the module is a raw file view or
// an already-mapped image.
type Image interface {
	// Bytes returns a view of n bytes at the given link-time vaddr.
	Bytes(vaddr, n uintptr) ([]byte, error)
	// Addr returns the runtime address of vaddr, or 0 when the image is
	// not mapped.
	Addr(vaddr uintptr) uintptr
}

// MemImage is a loaded module: link-time vaddrs live at vaddr+Delta.
type MemImage struct {
	Delta uintptr
}

func (m MemImage) Bytes(vaddr, n uintptr) ([]byte, error) {
	if vaddr == 0 {
		return nil, fmt.Errorf("nil vaddr")
	}
	return vmm.Bytes(vaddr+m.Delta, n), nil
}

func (m MemImage) Addr(vaddr uintptr) uintptr {
	if vaddr == 0 {
		return 0
	}
	return vaddr + m.Delta
}

// FileImage is an unmapped file view; vaddrs translate to file offsets
// through the PT_LOAD headers.
type FileImage struct {
	Data []byte
	Phs  []ProgHeader
}

func (f FileImage) Bytes(vaddr, n uintptr) ([]byte, error) {
	for _, ph := range f.Phs {
		if ph.Type != elf.PT_LOAD {
			continue
		}
		if vaddr >= ph.Vaddr && vaddr+n <= ph.Vaddr+ph.Filesz {
			off := ph.Off + (vaddr - ph.Vaddr)
			if off+n > uintptr(len(f.Data)) {
				return nil, fmt.Errorf("vaddr %#x beyond file", vaddr)
			}
			return f.Data[off : off+n], nil
		}
	}
	return nil, fmt.Errorf("vaddr %#x not in any PT_LOAD", vaddr)
}

func (f FileImage) Addr(uintptr) uintptr { return 0 }
