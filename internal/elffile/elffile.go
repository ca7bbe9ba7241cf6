// Package elffile parses ELF shared objects for the private loader: the
// header, program headers, dynamic section, symbol and string tables, and
// both hash table flavors. It reads either from a raw file view (before
// mapping) or from the loaded image itself (after mapping), so the same
// walkers serve the mapper, the relocation engine, and the CLI.
package elffile

import (
	"debug/elf"
	"errors"
	"fmt"

	"github.com/modulexcite/drk/internal/vmm"
)

// ErrNotELF reports that a file is not an ELF shared object of the
// architecture this loader was built for.
var ErrNotELF = errors.New("not an ELF shared object")

// DT_GNU_HASH is not guaranteed to be in debug/elf on older toolchains.
const dtGNUHash = 0x6ffffef5

// Header is the validated ELF header view.
type Header struct {
	Type      elf.Type
	Machine   elf.Machine
	Entry     uintptr
	PhOff     uintptr
	PhEntSize int
	PhNum     int
}

// ParseHeader validates the magic, class, byte order, and machine, and
// locates the program headers.
func ParseHeader(b []byte) (*Header, error) {
	if len(b) < 64 {
		return nil, ErrNotELF
	}
	if b[0] != 0x7f || b[1] != 'E' || b[2] != 'L' || b[3] != 'F' {
		return nil, ErrNotELF
	}
	if elf.Class(b[elf.EI_CLASS]) != expectedClass {
		return nil, ErrNotELF
	}
	if elf.Data(b[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return nil, ErrNotELF
	}
	h := parseHeader(b)
	if h.Machine != expectedMachine {
		return nil, fmt.Errorf("%w: machine %v", ErrNotELF, h.Machine)
	}
	if h.Type != elf.ET_DYN && h.Type != elf.ET_EXEC {
		return nil, fmt.Errorf("%w: type %v", ErrNotELF, h.Type)
	}
	if h.PhOff == 0 || h.PhNum == 0 {
		return nil, fmt.Errorf("%w: no program headers", ErrNotELF)
	}
	return h, nil
}

// IsSharedObject reports whether b begins with a valid shared-object
// header for this architecture. Used by the search-path resolver to
// probe candidate files.
func IsSharedObject(b []byte) bool {
	h, err := ParseHeader(b)
	return err == nil && h.Type == elf.ET_DYN
}

// ProgHeader is one program header entry.
type ProgHeader struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Off    uintptr
	Vaddr  uintptr
	Filesz uintptr
	Memsz  uintptr
	Align  uintptr
}

// ParseProgHeaders reads the program header table from the raw file view.
func ParseProgHeaders(b []byte, h *Header) ([]ProgHeader, error) {
	end := h.PhOff + uintptr(h.PhNum*h.PhEntSize)
	if end > uintptr(len(b)) {
		return nil, fmt.Errorf("%w: truncated program headers", ErrNotELF)
	}
	phs := make([]ProgHeader, h.PhNum)
	for i := 0; i < h.PhNum; i++ {
		off := h.PhOff + uintptr(i*h.PhEntSize)
		phs[i] = parseProgHeader(b[off : off+uintptr(h.PhEntSize)])
	}
	return phs, nil
}

// VaddrBounds computes the preferred address range across PT_LOAD
// headers: the minimum page-aligned vaddr to the maximum page-aligned
// vaddr+memsz.
func VaddrBounds(phs []ProgHeader) (lo, hi uintptr, ok bool) {
	lo = ^uintptr(0)
	for _, ph := range phs {
		if ph.Type != elf.PT_LOAD {
			continue
		}
		ok = true
		if s := vmm.AlignDown(ph.Vaddr, vmm.PageSize); s < lo {
			lo = s
		}
		if e := vmm.AlignUp(ph.Vaddr+ph.Memsz, vmm.PageSize); e > hi {
			hi = e
		}
	}
	if !ok {
		return 0, 0, false
	}
	return lo, hi, true
}

// SegmentProt translates p_flags into a vmm protection.
func SegmentProt(flags elf.ProgFlag) vmm.Prot {
	var p vmm.Prot
	if flags&elf.PF_R != 0 {
		p |= vmm.ProtRead
	}
	if flags&elf.PF_W != 0 {
		p |= vmm.ProtWrite
	}
	if flags&elf.PF_X != 0 {
		p |= vmm.ProtExec
	}
	return p
}

// TLSTemplate is the module's PT_TLS view.
type TLSTemplate struct {
	Image     uintptr // vaddr of the initialization image
	ImageSize uintptr // bytes present in the file
	BlockSize uintptr // bytes in memory (rest is zero filled)
	Align     uintptr
	FirstByte uintptr // misalignment of the image's first byte
	Present   bool
}

// TLSFromProgHeaders extracts the TLS parameters from PT_TLS, if any.
func TLSFromProgHeaders(phs []ProgHeader) TLSTemplate {
	for _, ph := range phs {
		if ph.Type != elf.PT_TLS {
			continue
		}
		align := ph.Align
		if align == 0 {
			align = 1
		}
		return TLSTemplate{
			Image:     ph.Vaddr,
			ImageSize: ph.Filesz,
			BlockSize: ph.Memsz,
			Align:     align,
			FirstByte: ph.Vaddr & (align - 1),
			Present:   true,
		}
	}
	return TLSTemplate{}
}
