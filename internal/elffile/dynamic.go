package elffile

import (
	"debug/elf"
	"fmt"
)

// Dynamic is the parsed PT_DYNAMIC view. Pointer-valued entries are kept
// as link-time vaddrs; resolve them through the module's Image.
type Dynamic struct {
	StrTab uintptr
	StrSz  uintptr
	SymTab uintptr

	Hash    uintptr
	GNUHash uintptr

	Rel      uintptr
	RelSz    uintptr
	RelEnt   uintptr
	Rela     uintptr
	RelaSz   uintptr
	RelaEnt  uintptr
	JmpRel   uintptr
	PltRelSz uintptr
	// PltRel discriminates whether JmpRel holds REL or RELA entries.
	PltRel int64

	Init        uintptr
	Fini        uintptr
	InitArray   uintptr
	InitArraySz uintptr
	FiniArray   uintptr
	FiniArraySz uintptr

	Soname string
	Needed []string
}

const maxDynEntries = 4096

// ParseDynamic locates PT_DYNAMIC and walks its entries.
func ParseDynamic(img Image, phs []ProgHeader) (*Dynamic, error) {
	var dynPh *ProgHeader
	for i := range phs {
		if phs[i].Type == elf.PT_DYNAMIC {
			dynPh = &phs[i]
			break
		}
	}
	if dynPh == nil {
		return nil, fmt.Errorf("no PT_DYNAMIC segment")
	}

	d := &Dynamic{RelEnt: RelEntSize, RelaEnt: RelaEntSize}
	var neededOffs []uintptr
	var sonameOff uintptr
	hasSoname := false

	count := int(dynPh.Filesz / dynEntSize)
	if count > maxDynEntries {
		count = maxDynEntries
	}
	for i := 0; i < count; i++ {
		b, err := img.Bytes(dynPh.Vaddr+uintptr(i)*dynEntSize, dynEntSize)
		if err != nil {
			return nil, fmt.Errorf("dynamic entry %d: %w", i, err)
		}
		tag, val := parseDyn(b)
		if elf.DynTag(tag) == elf.DT_NULL {
			break
		}
		switch elf.DynTag(tag) {
		case elf.DT_NEEDED:
			neededOffs = append(neededOffs, uintptr(val))
		case elf.DT_STRTAB:
			d.StrTab = uintptr(val)
		case elf.DT_STRSZ:
			d.StrSz = uintptr(val)
		case elf.DT_SYMTAB:
			d.SymTab = uintptr(val)
		case elf.DT_HASH:
			d.Hash = uintptr(val)
		case dtGNUHash:
			d.GNUHash = uintptr(val)
		case elf.DT_REL:
			d.Rel = uintptr(val)
		case elf.DT_RELSZ:
			d.RelSz = uintptr(val)
		case elf.DT_RELENT:
			d.RelEnt = uintptr(val)
		case elf.DT_RELA:
			d.Rela = uintptr(val)
		case elf.DT_RELASZ:
			d.RelaSz = uintptr(val)
		case elf.DT_RELAENT:
			d.RelaEnt = uintptr(val)
		case elf.DT_JMPREL:
			d.JmpRel = uintptr(val)
		case elf.DT_PLTRELSZ:
			d.PltRelSz = uintptr(val)
		case elf.DT_PLTREL:
			d.PltRel = int64(val)
		case elf.DT_INIT:
			d.Init = uintptr(val)
		case elf.DT_FINI:
			d.Fini = uintptr(val)
		case elf.DT_INIT_ARRAY:
			d.InitArray = uintptr(val)
		case elf.DT_INIT_ARRAYSZ:
			d.InitArraySz = uintptr(val)
		case elf.DT_FINI_ARRAY:
			d.FiniArray = uintptr(val)
		case elf.DT_FINI_ARRAYSZ:
			d.FiniArraySz = uintptr(val)
		case elf.DT_SONAME:
			sonameOff = uintptr(val)
			hasSoname = true
		}
	}

	if d.StrTab == 0 || d.SymTab == 0 {
		return nil, fmt.Errorf("dynamic section lacks string or symbol table")
	}
	var err error
	if hasSoname {
		if d.Soname, err = d.str(img, sonameOff); err != nil {
			return nil, err
		}
	}
	for _, off := range neededOffs {
		name, err := d.str(img, off)
		if err != nil {
			return nil, err
		}
		d.Needed = append(d.Needed, name)
	}
	return d, nil
}

const maxNameLen = 4096

// str reads a NUL-terminated name out of the dynamic string table.
func (d *Dynamic) str(img Image, off uintptr) (string, error) {
	max := uintptr(maxNameLen)
	if d.StrSz != 0 && off < d.StrSz && d.StrSz-off < max {
		max = d.StrSz - off
	}
	b, err := img.Bytes(d.StrTab+off, max)
	if err != nil {
		return "", fmt.Errorf("strtab offset %#x: %w", off, err)
	}
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), nil
		}
	}
	return string(b), nil
}
