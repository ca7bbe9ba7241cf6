//go:build amd64

package elffile

import (
	"debug/elf"
	"encoding/binary"
)

// 64-bit ELF layout, x86-64 relocation dialect.

const (
	expectedClass   = elf.ELFCLASS64
	expectedMachine = elf.EM_X86_64

	// WordSize is the hash-table bloom word width.
	WordSize = 8

	SymEntSize  = 24
	RelEntSize  = 16
	RelaEntSize = 24
	dynEntSize  = 16
)

func parseHeader(b []byte) *Header {
	return &Header{
		Type:      elf.Type(binary.LittleEndian.Uint16(b[16:])),
		Machine:   elf.Machine(binary.LittleEndian.Uint16(b[18:])),
		Entry:     uintptr(binary.LittleEndian.Uint64(b[24:])),
		PhOff:     uintptr(binary.LittleEndian.Uint64(b[32:])),
		PhEntSize: int(binary.LittleEndian.Uint16(b[54:])),
		PhNum:     int(binary.LittleEndian.Uint16(b[56:])),
	}
}

func parseProgHeader(b []byte) ProgHeader {
	return ProgHeader{
		Type:   elf.ProgType(binary.LittleEndian.Uint32(b[0:])),
		Flags:  elf.ProgFlag(binary.LittleEndian.Uint32(b[4:])),
		Off:    uintptr(binary.LittleEndian.Uint64(b[8:])),
		Vaddr:  uintptr(binary.LittleEndian.Uint64(b[16:])),
		Filesz: uintptr(binary.LittleEndian.Uint64(b[32:])),
		Memsz:  uintptr(binary.LittleEndian.Uint64(b[40:])),
		Align:  uintptr(binary.LittleEndian.Uint64(b[48:])),
	}
}

func parseDyn(b []byte) (tag int64, val uint64) {
	return int64(binary.LittleEndian.Uint64(b[0:])), binary.LittleEndian.Uint64(b[8:])
}

func parseSym(b []byte) Sym {
	return Sym{
		NameOff: binary.LittleEndian.Uint32(b[0:]),
		Info:    b[4],
		Other:   b[5],
		Shndx:   binary.LittleEndian.Uint16(b[6:]),
		Value:   uintptr(binary.LittleEndian.Uint64(b[8:])),
		Size:    uintptr(binary.LittleEndian.Uint64(b[16:])),
	}
}

// ParseRel decodes one Elf64_Rel entry.
func ParseRel(b []byte) (off uintptr, info uint64, addend int64) {
	return uintptr(binary.LittleEndian.Uint64(b[0:])), binary.LittleEndian.Uint64(b[8:]), 0
}

// ParseRela decodes one Elf64_Rela entry.
func ParseRela(b []byte) (off uintptr, info uint64, addend int64) {
	return uintptr(binary.LittleEndian.Uint64(b[0:])),
		binary.LittleEndian.Uint64(b[8:]),
		int64(binary.LittleEndian.Uint64(b[16:]))
}

// RelSymIndex extracts the symbol index from r_info.
func RelSymIndex(info uint64) uint32 { return uint32(info >> 32) }

// RelType extracts the relocation type from r_info.
func RelType(info uint64) uint32 { return uint32(info) }

// RelocKind classifies a machine relocation type for the engine.
type RelocKind int

const (
	RelocNone RelocKind = iota
	RelocAbs
	RelocRelative
	RelocGlobDat
	RelocJumpSlot
	RelocCopy
	RelocDTPMod
	RelocDTPOff
	RelocTPOff
	RelocIRelative
	RelocUnknown
)

// KindOf maps an x86-64 relocation type to its abstract kind.
func KindOf(rtype uint32) RelocKind {
	switch elf.R_X86_64(rtype) {
	case elf.R_X86_64_NONE:
		return RelocNone
	case elf.R_X86_64_64:
		return RelocAbs
	case elf.R_X86_64_RELATIVE:
		return RelocRelative
	case elf.R_X86_64_GLOB_DAT:
		return RelocGlobDat
	case elf.R_X86_64_JMP_SLOT:
		return RelocJumpSlot
	case elf.R_X86_64_COPY:
		return RelocCopy
	case elf.R_X86_64_DTPMOD64:
		return RelocDTPMod
	case elf.R_X86_64_DTPOFF64:
		return RelocDTPOff
	case elf.R_X86_64_TPOFF64:
		return RelocTPOff
	case elf.R_X86_64_IRELATIVE:
		return RelocIRelative
	}
	return RelocUnknown
}
