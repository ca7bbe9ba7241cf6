// Package elftest synthesizes minimal 64-bit ELF shared objects for
// loader tests: two PT_LOAD segments, a dynamic section, a SysV hash
// table, and whatever symbols, relocations, and TLS template a test
// asks for. Virtual addresses equal file offsets, so the fixtures stay
// easy to reason about.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

const (
	ehdrSize = 64
	phdrSize = 56
	symSize  = 24
	relaSize = 24
	dynSize  = 16

	pageSize = 0x1000
)

// Slot is a reserved location in the read-write data segment. Its
// virtual address becomes known when Build lays the image out.
type Slot struct {
	off   uintptr // offset within the data segment
	vaddr uintptr
}

// Vaddr returns the slot's link-time virtual address. Valid after Build.
func (s *Slot) Vaddr() uintptr { return s.vaddr }

type symSpec struct {
	name  string
	slot  *Slot
	value uintptr
	size  uintptr
	info  byte
	shndx uint16
}

type relaSpec struct {
	slot   *Slot
	rtype  uint32
	sym    string
	addend int64
	plt    bool
}

// Builder accumulates the pieces of a synthetic shared object.
type Builder struct {
	needed  []string
	soname  string
	syms    []symSpec
	symIdx  map[string]int
	relas   []relaSpec
	data    []byte
	slots   []*Slot
	bssSize uintptr

	initOff   uintptr
	finiOff   uintptr
	hasInit   bool
	hasFini   bool
	initArray []*Slot
	finiArray []*Slot

	tlsImage []byte
	tlsMem   uintptr
	tlsAlign uintptr
	hasTLS   bool

	// TextOff is the text pad's vaddr, filled in by Build; DT_INIT and
	// DT_FINI offsets are relative to it.
	TextOff uintptr
}

// New returns an empty builder.
func New() *Builder {
	return &Builder{symIdx: make(map[string]int)}
}

// Needed appends DT_NEEDED entries.
func (b *Builder) Needed(names ...string) *Builder {
	b.needed = append(b.needed, names...)
	return b
}

// Soname sets DT_SONAME.
func (b *Builder) Soname(name string) *Builder {
	b.soname = name
	return b
}

// Data reserves initialized bytes in the read-write segment.
func (b *Builder) Data(content []byte) *Slot {
	s := &Slot{off: uintptr(len(b.data))}
	b.data = append(b.data, content...)
	// Keep slots word aligned.
	for len(b.data)%8 != 0 {
		b.data = append(b.data, 0)
	}
	b.slots = append(b.slots, s)
	return s
}

// Word reserves one zero word in the data segment.
func (b *Builder) Word() *Slot {
	return b.Data(make([]byte, 8))
}

// Bss grows the segment's zero-filled tail.
func (b *Builder) Bss(size uintptr) *Builder {
	b.bssSize += size
	return b
}

// Symbol defines a global symbol whose value is a data slot.
func (b *Builder) Symbol(name string, slot *Slot, size uintptr) *Builder {
	b.addSym(symSpec{
		name: name, slot: slot, size: size,
		info:  byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_OBJECT),
		shndx: 1,
	})
	return b
}

// FuncSymbol defines a global function symbol whose value is the raw
// link-time vaddr given (not relative to TextOff).
func (b *Builder) FuncSymbol(name string, value uintptr) *Builder {
	b.addSym(symSpec{
		name: name, value: value,
		info:  byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_FUNC),
		shndx: 1,
	})
	return b
}

// TLSSymbol defines a symbol inside the module's TLS block.
func (b *Builder) TLSSymbol(name string, off uintptr) *Builder {
	b.addSym(symSpec{
		name: name, value: off,
		info:  byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_TLS),
		shndx: 1,
	})
	return b
}

// Import declares an undefined symbol reference.
func (b *Builder) Import(name string) *Builder {
	b.addSym(symSpec{
		name: name,
		info: byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_FUNC),
	})
	return b
}

// WeakImport declares an undefined weak reference.
func (b *Builder) WeakImport(name string) *Builder {
	b.addSym(symSpec{
		name: name,
		info: byte(elf.STB_WEAK)<<4 | byte(elf.STT_FUNC),
	})
	return b
}

func (b *Builder) addSym(s symSpec) {
	b.symIdx[s.name] = len(b.syms) + 1 // index 0 is the null symbol
	b.syms = append(b.syms, s)
}

// Rela adds a relocation against a data slot. sym may be empty for
// symbol-less entries such as R_*_RELATIVE.
func (b *Builder) Rela(slot *Slot, rtype uint32, sym string, addend int64) *Builder {
	b.relas = append(b.relas, relaSpec{slot: slot, rtype: rtype, sym: sym, addend: addend})
	return b
}

// PltRela adds a relocation to the DT_JMPREL table.
func (b *Builder) PltRela(slot *Slot, rtype uint32, sym string, addend int64) *Builder {
	b.relas = append(b.relas, relaSpec{slot: slot, rtype: rtype, sym: sym, addend: addend, plt: true})
	return b
}

// Init sets DT_INIT to a raw text offset.
func (b *Builder) Init(off uintptr) *Builder {
	b.initOff, b.hasInit = off, true
	return b
}

// Fini sets DT_FINI to a raw text offset.
func (b *Builder) Fini(off uintptr) *Builder {
	b.finiOff, b.hasFini = off, true
	return b
}

// InitArray points DT_INIT_ARRAY at the given slots, which must have
// been reserved consecutively. Entry contents are whatever the slots
// hold after relocation.
func (b *Builder) InitArray(entries ...*Slot) *Builder {
	b.initArray = append(b.initArray, entries...)
	return b
}

// FiniArray points DT_FINI_ARRAY at the given consecutive slots.
func (b *Builder) FiniArray(entries ...*Slot) *Builder {
	b.finiArray = append(b.finiArray, entries...)
	return b
}

// TLS attaches a PT_TLS template.
func (b *Builder) TLS(image []byte, memSize, align uintptr) *Builder {
	b.tlsImage = append([]byte(nil), image...)
	b.tlsMem = memSize
	b.tlsAlign = align
	b.hasTLS = true
	return b
}

// Build lays out and serializes the shared object.
func (b *Builder) Build() []byte {
	// String table.
	strtab := []byte{0}
	strOff := func(s string) uint32 {
		if s == "" {
			return 0
		}
		off := uint32(len(strtab))
		strtab = append(strtab, []byte(s)...)
		strtab = append(strtab, 0)
		return off
	}
	symNameOffs := make([]uint32, len(b.syms))
	for i, s := range b.syms {
		symNameOffs[i] = strOff(s.name)
	}
	neededOffs := make([]uint32, len(b.needed))
	for i, n := range b.needed {
		neededOffs[i] = strOff(n)
	}
	var sonameOff uint32
	if b.soname != "" {
		sonameOff = strOff(b.soname)
	}

	phnum := 3 // two loads + dynamic
	if b.hasTLS {
		phnum++
	}

	// First segment layout: ehdr, phdrs, dynstr, dynsym, hash, rela,
	// jmprel, then a small text pad.
	pos := uintptr(ehdrSize + phnum*phdrSize)
	strtabOff := pos
	pos += uintptr(len(strtab))
	pos = align(pos, 8)
	symtabOff := pos
	nsyms := len(b.syms) + 1
	pos += uintptr(nsyms * symSize)

	hashOff := pos
	nbucket := uintptr(4)
	pos += (2 + nbucket + uintptr(nsyms)) * 4
	pos = align(pos, 8)

	var ordinary, plt []relaSpec
	for _, r := range b.relas {
		if r.plt {
			plt = append(plt, r)
		} else {
			ordinary = append(ordinary, r)
		}
	}
	relaOff := pos
	pos += uintptr(len(ordinary) * relaSize)
	jmprelOff := pos
	pos += uintptr(len(plt) * relaSize)

	textOff := pos
	b.TextOff = textOff
	pos += 0x80 // placeholder text bytes

	// Second (read-write) segment, page aligned: dynamic, TLS image,
	// data slots (init/fini arrays point into these), then bss.
	dataSegOff := align(pos, pageSize)

	ndyn := len(b.needed) + 24 // generous upper bound incl. DT_NULL
	dynOff := dataSegOff
	dynEnd := dynOff + uintptr(ndyn*dynSize)

	tlsOff := align(dynEnd, 16)
	if b.tlsAlign > 16 {
		tlsOff = align(tlsOff, b.tlsAlign)
	}
	dataOff := align(tlsOff+uintptr(len(b.tlsImage)), 8)
	fileEnd := dataOff + uintptr(len(b.data))

	for _, s := range b.slots {
		s.vaddr = dataOff + s.off
	}
	symValue := func(s symSpec) uintptr {
		if s.slot != nil {
			return s.slot.vaddr
		}
		return s.value
	}

	img := make([]byte, fileEnd)
	le := binary.LittleEndian

	// ELF header.
	copy(img, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	le.PutUint16(img[16:], uint16(elf.ET_DYN))
	le.PutUint16(img[18:], uint16(elf.EM_X86_64))
	le.PutUint32(img[20:], 1)
	le.PutUint64(img[32:], ehdrSize) // e_phoff
	le.PutUint16(img[52:], ehdrSize) // e_ehsize
	le.PutUint16(img[54:], phdrSize)
	le.PutUint16(img[56:], uint16(phnum))

	// Program headers.
	ph := img[ehdrSize:]
	putPhdr := func(typ elf.ProgType, flags elf.ProgFlag, off, filesz, memsz, alignv uintptr) {
		le.PutUint32(ph[0:], uint32(typ))
		le.PutUint32(ph[4:], uint32(flags))
		le.PutUint64(ph[8:], uint64(off))
		le.PutUint64(ph[16:], uint64(off)) // vaddr == offset
		le.PutUint64(ph[24:], uint64(off)) // paddr
		le.PutUint64(ph[32:], uint64(filesz))
		le.PutUint64(ph[40:], uint64(memsz))
		le.PutUint64(ph[48:], uint64(alignv))
		ph = ph[phdrSize:]
	}
	putPhdr(elf.PT_LOAD, elf.PF_R|elf.PF_X, 0, dataSegOff, dataSegOff, pageSize)
	putPhdr(elf.PT_LOAD, elf.PF_R|elf.PF_W, dataSegOff, fileEnd-dataSegOff,
		fileEnd-dataSegOff+b.bssSize, pageSize)
	putPhdr(elf.PT_DYNAMIC, elf.PF_R|elf.PF_W, dynOff, uintptr(ndyn*dynSize), uintptr(ndyn*dynSize), 8)
	if b.hasTLS {
		tlsAlign := b.tlsAlign
		if tlsAlign == 0 {
			tlsAlign = 1
		}
		putPhdr(elf.PT_TLS, elf.PF_R, tlsOff, uintptr(len(b.tlsImage)), b.tlsMem, tlsAlign)
	}

	// String and symbol tables.
	copy(img[strtabOff:], strtab)
	for i, s := range b.syms {
		sb := img[symtabOff+uintptr((i+1)*symSize):]
		le.PutUint32(sb[0:], symNameOffs[i])
		sb[4] = s.info
		le.PutUint16(sb[6:], s.shndx)
		le.PutUint64(sb[8:], uint64(symValue(s)))
		le.PutUint64(sb[16:], uint64(s.size))
	}

	// SysV hash table.
	hb := img[hashOff:]
	le.PutUint32(hb[0:], uint32(nbucket))
	le.PutUint32(hb[4:], uint32(nsyms))
	buckets := hb[8 : 8+nbucket*4]
	chains := hb[8+nbucket*4:]
	for i, s := range b.syms {
		idx := uint32(i + 1)
		h := sysvHash(s.name) % uint32(nbucket)
		prev := le.Uint32(buckets[h*4:])
		if prev == 0 {
			le.PutUint32(buckets[h*4:], idx)
		} else {
			for {
				next := le.Uint32(chains[prev*4:])
				if next == 0 {
					break
				}
				prev = next
			}
			le.PutUint32(chains[prev*4:], idx)
		}
	}

	// Relocation tables.
	putRelas := func(off uintptr, specs []relaSpec) {
		for i, r := range specs {
			rb := img[off+uintptr(i*relaSize):]
			le.PutUint64(rb[0:], uint64(r.slot.vaddr))
			var symIdx uint64
			if r.sym != "" {
				symIdx = uint64(b.symIdx[r.sym])
			}
			le.PutUint64(rb[8:], symIdx<<32|uint64(r.rtype))
			le.PutUint64(rb[16:], uint64(r.addend))
		}
	}
	putRelas(relaOff, ordinary)
	putRelas(jmprelOff, plt)

	// TLS image and data.
	copy(img[tlsOff:], b.tlsImage)
	copy(img[dataOff:], b.data)

	// Dynamic section.
	var dyn bytes.Buffer
	putDyn := func(tag elf.DynTag, val uintptr) {
		var e [dynSize]byte
		le.PutUint64(e[0:], uint64(tag))
		le.PutUint64(e[8:], uint64(val))
		dyn.Write(e[:])
	}
	for _, off := range neededOffs {
		putDyn(elf.DT_NEEDED, uintptr(off))
	}
	if b.soname != "" {
		putDyn(elf.DT_SONAME, uintptr(sonameOff))
	}
	putDyn(elf.DT_STRTAB, strtabOff)
	putDyn(elf.DT_STRSZ, uintptr(len(strtab)))
	putDyn(elf.DT_SYMTAB, symtabOff)
	putDyn(elf.DT_SYMENT, symSize)
	putDyn(elf.DT_HASH, hashOff)
	if len(ordinary) > 0 {
		putDyn(elf.DT_RELA, relaOff)
		putDyn(elf.DT_RELASZ, uintptr(len(ordinary)*relaSize))
		putDyn(elf.DT_RELAENT, relaSize)
	}
	if len(plt) > 0 {
		putDyn(elf.DT_JMPREL, jmprelOff)
		putDyn(elf.DT_PLTRELSZ, uintptr(len(plt)*relaSize))
		putDyn(elf.DT_PLTREL, uintptr(elf.DT_RELA))
	}
	if b.hasInit {
		putDyn(elf.DT_INIT, textOff+b.initOff)
	}
	if b.hasFini {
		putDyn(elf.DT_FINI, textOff+b.finiOff)
	}
	if len(b.initArray) > 0 {
		putDyn(elf.DT_INIT_ARRAY, b.initArray[0].vaddr)
		putDyn(elf.DT_INIT_ARRAYSZ, uintptr(len(b.initArray))*8)
	}
	if len(b.finiArray) > 0 {
		putDyn(elf.DT_FINI_ARRAY, b.finiArray[0].vaddr)
		putDyn(elf.DT_FINI_ARRAYSZ, uintptr(len(b.finiArray))*8)
	}
	putDyn(elf.DT_NULL, 0)
	copy(img[dynOff:], dyn.Bytes())

	return img
}

func align(v, a uintptr) uintptr {
	return (v + a - 1) &^ (a - 1)
}

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
