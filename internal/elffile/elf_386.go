//go:build 386

package elffile

import (
	"debug/elf"
	"encoding/binary"
)

// 32-bit ELF layout, i386 relocation dialect.

const (
	expectedClass   = elf.ELFCLASS32
	expectedMachine = elf.EM_386

	// WordSize is the hash-table bloom word width.
	WordSize = 4

	SymEntSize  = 16
	RelEntSize  = 8
	RelaEntSize = 12
	dynEntSize  = 8
)

func parseHeader(b []byte) *Header {
	return &Header{
		Type:      elf.Type(binary.LittleEndian.Uint16(b[16:])),
		Machine:   elf.Machine(binary.LittleEndian.Uint16(b[18:])),
		Entry:     uintptr(binary.LittleEndian.Uint32(b[24:])),
		PhOff:     uintptr(binary.LittleEndian.Uint32(b[28:])),
		PhEntSize: int(binary.LittleEndian.Uint16(b[42:])),
		PhNum:     int(binary.LittleEndian.Uint16(b[44:])),
	}
}

func parseProgHeader(b []byte) ProgHeader {
	return ProgHeader{
		Type:   elf.ProgType(binary.LittleEndian.Uint32(b[0:])),
		Off:    uintptr(binary.LittleEndian.Uint32(b[4:])),
		Vaddr:  uintptr(binary.LittleEndian.Uint32(b[8:])),
		Filesz: uintptr(binary.LittleEndian.Uint32(b[16:])),
		Memsz:  uintptr(binary.LittleEndian.Uint32(b[20:])),
		Flags:  elf.ProgFlag(binary.LittleEndian.Uint32(b[24:])),
		Align:  uintptr(binary.LittleEndian.Uint32(b[28:])),
	}
}

func parseDyn(b []byte) (tag int64, val uint64) {
	return int64(int32(binary.LittleEndian.Uint32(b[0:]))), uint64(binary.LittleEndian.Uint32(b[4:]))
}

func parseSym(b []byte) Sym {
	return Sym{
		NameOff: binary.LittleEndian.Uint32(b[0:]),
		Value:   uintptr(binary.LittleEndian.Uint32(b[4:])),
		Size:    uintptr(binary.LittleEndian.Uint32(b[8:])),
		Info:    b[12],
		Other:   b[13],
		Shndx:   binary.LittleEndian.Uint16(b[14:]),
	}
}

// ParseRel decodes one Elf32_Rel entry.
func ParseRel(b []byte) (off uintptr, info uint64, addend int64) {
	return uintptr(binary.LittleEndian.Uint32(b[0:])), uint64(binary.LittleEndian.Uint32(b[4:])), 0
}

// ParseRela decodes one Elf32_Rela entry.
func ParseRela(b []byte) (off uintptr, info uint64, addend int64) {
	return uintptr(binary.LittleEndian.Uint32(b[0:])),
		uint64(binary.LittleEndian.Uint32(b[4:])),
		int64(int32(binary.LittleEndian.Uint32(b[8:])))
}

// RelSymIndex extracts the symbol index from r_info.
func RelSymIndex(info uint64) uint32 { return uint32(info >> 8) }

// RelType extracts the relocation type from r_info.
func RelType(info uint64) uint32 { return uint32(info & 0xff) }

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

// KindOf maps an i386 relocation type to its abstract kind.
func KindOf(rtype uint32) RelocKind {
	switch elf.R_386(rtype) {
	case elf.R_386_NONE:
		return RelocNone
	case elf.R_386_32:
		return RelocAbs
	case elf.R_386_RELATIVE:
		return RelocRelative
	case elf.R_386_GLOB_DAT:
		return RelocGlobDat
	case elf.R_386_JMP_SLOT:
		return RelocJumpSlot
	case elf.R_386_COPY:
		return RelocCopy
	case elf.R_386_TLS_DTPMOD32:
		return RelocDTPMod
	case elf.R_386_TLS_DTPOFF32:
		return RelocDTPOff
	case elf.R_386_TLS_TPOFF:
		return RelocTPOff
	case elf.R_386_IRELATIVE:
		return RelocIRelative
	}
	return RelocUnknown
}
