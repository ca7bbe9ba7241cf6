package elffile

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// Sym is one dynamic symbol table entry.
type Sym struct {
	NameOff uint32
	Info    byte
	Other   byte
	Shndx   uint16
	Value   uintptr
	Size    uintptr
}

// Bind returns the symbol binding.
func (s Sym) Bind() elf.SymBind { return elf.SymBind(s.Info >> 4) }

// Type returns the symbol type.
func (s Sym) Type() elf.SymType { return elf.SymType(s.Info & 0xf) }

// IsDefined reports whether the symbol has a definition in this module.
func (s Sym) IsDefined() bool { return s.Shndx != uint16(elf.SHN_UNDEF) }

// SymbolTable reads a module's dynamic symbols through its Image, using
// the GNU hash table when present and falling back to the SysV one.
type SymbolTable struct {
	img Image
	dyn *Dynamic
}

// NewSymbolTable binds a Dynamic view to its Image.
func NewSymbolTable(img Image, dyn *Dynamic) *SymbolTable {
	return &SymbolTable{img: img, dyn: dyn}
}

// Sym reads the symbol at index idx.
func (t *SymbolTable) Sym(idx uint32) (Sym, error) {
	b, err := t.img.Bytes(t.dyn.SymTab+uintptr(idx)*SymEntSize, SymEntSize)
	if err != nil {
		return Sym{}, fmt.Errorf("symbol %d: %w", idx, err)
	}
	return parseSym(b), nil
}

// Name resolves a symbol's name from the dynamic string table.
func (t *SymbolTable) Name(s Sym) (string, error) {
	return t.dyn.str(t.img, uintptr(s.NameOff))
}

// Lookup finds a symbol by name. Only this module's tables are
// consulted; cross-module resolution order is the engine's concern.
func (t *SymbolTable) Lookup(name string) (Sym, bool) {
	if t.dyn.GNUHash != 0 {
		return t.lookupGNU(name)
	}
	if t.dyn.Hash != 0 {
		return t.lookupSysV(name)
	}
	return Sym{}, false
}

func gnuHash(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = h*33 + uint32(name[i])
	}
	return h
}

func (t *SymbolTable) lookupGNU(name string) (Sym, bool) {
	hdr, err := t.img.Bytes(t.dyn.GNUHash, 16)
	if err != nil {
		return Sym{}, false
	}
	nbuckets := binary.LittleEndian.Uint32(hdr[0:])
	symOffset := binary.LittleEndian.Uint32(hdr[4:])
	bloomSize := binary.LittleEndian.Uint32(hdr[8:])
	bloomShift := binary.LittleEndian.Uint32(hdr[12:])
	if nbuckets == 0 || bloomSize == 0 {
		return Sym{}, false
	}

	h := gnuHash(name)

	bloomBase := t.dyn.GNUHash + 16
	word := readWordAt(t.img, bloomBase+uintptr((h/(WordSize*8))%bloomSize)*WordSize)
	mask := (uint64(1) << (h % (WordSize * 8))) |
		(uint64(1) << ((h >> bloomShift) % (WordSize * 8)))
	if word&mask != mask {
		return Sym{}, false
	}

	bucketBase := bloomBase + uintptr(bloomSize)*WordSize
	chainBase := bucketBase + uintptr(nbuckets)*4

	idx := readU32At(t.img, bucketBase+uintptr(h%nbuckets)*4)
	if idx < symOffset {
		return Sym{}, false
	}
	for steps := 0; steps < maxChainWalk; steps++ {
		ch := readU32At(t.img, chainBase+uintptr(idx-symOffset)*4)
		if ch&^uint32(1) == h&^uint32(1) {
			sym, err := t.Sym(idx)
			if err == nil {
				if n, err := t.Name(sym); err == nil && n == name {
					return sym, true
				}
			}
		}
		if ch&1 != 0 {
			return Sym{}, false
		}
		idx++
	}
	return Sym{}, false
}

// maxChainWalk bounds hash-chain walks against malformed tables.
const maxChainWalk = 1 << 20

func sysvHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = h<<4 + uint32(name[i])
		if g := h & 0xf0000000; g != 0 {
			h ^= g >> 24
			h &^= g
		}
	}
	return h
}

func (t *SymbolTable) lookupSysV(name string) (Sym, bool) {
	hdr, err := t.img.Bytes(t.dyn.Hash, 8)
	if err != nil {
		return Sym{}, false
	}
	nbucket := binary.LittleEndian.Uint32(hdr[0:])
	nchain := binary.LittleEndian.Uint32(hdr[4:])
	if nbucket == 0 {
		return Sym{}, false
	}
	bucketBase := t.dyn.Hash + 8
	chainBase := bucketBase + uintptr(nbucket)*4

	idx := readU32At(t.img, bucketBase+uintptr(sysvHash(name)%nbucket)*4)
	for steps := 0; idx != 0 && idx < nchain && steps < maxChainWalk; steps++ {
		sym, err := t.Sym(idx)
		if err != nil {
			return Sym{}, false
		}
		if n, err := t.Name(sym); err == nil && n == name {
			return sym, true
		}
		idx = readU32At(t.img, chainBase+uintptr(idx)*4)
	}
	return Sym{}, false
}

func readU32At(img Image, vaddr uintptr) uint32 {
	b, err := img.Bytes(vaddr, 4)
	if err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func readWordAt(img Image, vaddr uintptr) uint64 {
	b, err := img.Bytes(vaddr, WordSize)
	if err != nil {
		return 0
	}
	if WordSize == 4 {
		return uint64(binary.LittleEndian.Uint32(b))
	}
	return binary.LittleEndian.Uint64(b)
}
