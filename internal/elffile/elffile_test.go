//go:build amd64

package elffile

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/modulexcite/drk/internal/elffile/elftest"
)

// sliceImage serves test fixtures where vaddr equals slice offset.
type sliceImage []byte

func (s sliceImage) Bytes(vaddr, n uintptr) ([]byte, error) {
	if vaddr+n > uintptr(len(s)) {
		return nil, fmt.Errorf("out of range")
	}
	return s[vaddr : vaddr+n], nil
}

func (s sliceImage) Addr(vaddr uintptr) uintptr { return 0 }

func TestParseHeaderRejectsGarbage(t *testing.T) {
	cases := [][]byte{
		nil,
		make([]byte, 16),
		[]byte("MZ this is not an ELF file, not even close; padding padding padding"),
	}
	for i, data := range cases {
		if _, err := ParseHeader(data); !errors.Is(err, ErrNotELF) {
			t.Errorf("case %d: expected ErrNotELF, got %v", i, err)
		}
	}
}

func TestParseHeaderRejectsWrongClass(t *testing.T) {
	img := elftest.New().Build()
	img[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	if _, err := ParseHeader(img); !errors.Is(err, ErrNotELF) {
		t.Errorf("expected ErrNotELF for wrong class, got %v", err)
	}
}

func TestIsSharedObject(t *testing.T) {
	img := elftest.New().Build()
	if !IsSharedObject(img) {
		t.Error("builder output not recognized as shared object")
	}
	img[16] = byte(elf.ET_REL) // e_type
	img[17] = 0
	if IsSharedObject(img) {
		t.Error("ET_REL accepted as shared object")
	}
}

func TestVaddrBounds(t *testing.T) {
	phs := []ProgHeader{
		{Type: elf.PT_LOAD, Vaddr: 0x1234, Memsz: 0x100},
		{Type: elf.PT_LOAD, Vaddr: 0x5000, Memsz: 0x2345},
		{Type: elf.PT_DYNAMIC, Vaddr: 0x100000, Memsz: 0x100},
	}
	lo, hi, ok := VaddrBounds(phs)
	if !ok {
		t.Fatal("no bounds found")
	}
	if lo != 0x1000 {
		t.Errorf("lo = %#x, want 0x1000", lo)
	}
	if hi != 0x8000 {
		t.Errorf("hi = %#x, want 0x8000", hi)
	}
	if _, _, ok := VaddrBounds([]ProgHeader{{Type: elf.PT_NOTE}}); ok {
		t.Error("bounds reported with no PT_LOAD")
	}
}

func TestParseDynamic(t *testing.T) {
	b := elftest.New().
		Soname("libtest.so.1").
		Needed("libdep.so", "libother.so").
		Init(0x10).
		Fini(0x20)
	data := b.Data([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	b.Symbol("my_global", data, 8)
	b.Rela(data, uint32(elf.R_X86_64_RELATIVE), "", 0x42)
	img := b.Build()

	hdr, err := ParseHeader(img)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	phs, err := ParseProgHeaders(img, hdr)
	if err != nil {
		t.Fatalf("ParseProgHeaders: %v", err)
	}
	dyn, err := ParseDynamic(FileImage{Data: img, Phs: phs}, phs)
	if err != nil {
		t.Fatalf("ParseDynamic: %v", err)
	}

	if dyn.Soname != "libtest.so.1" {
		t.Errorf("soname = %q", dyn.Soname)
	}
	if len(dyn.Needed) != 2 || dyn.Needed[0] != "libdep.so" || dyn.Needed[1] != "libother.so" {
		t.Errorf("needed = %v", dyn.Needed)
	}
	if dyn.Init == 0 || dyn.Fini == 0 {
		t.Errorf("init/fini not parsed: %#x %#x", dyn.Init, dyn.Fini)
	}
	if dyn.Fini != dyn.Init+0x10 {
		t.Errorf("fini should trail init by 0x10: init=%#x fini=%#x", dyn.Init, dyn.Fini)
	}
	if dyn.Rela == 0 || dyn.RelaSz != RelaEntSize {
		t.Errorf("rela table: addr=%#x size=%d", dyn.Rela, dyn.RelaSz)
	}
	if dyn.PltRel != 0 {
		t.Errorf("unexpected DT_PLTREL %d", dyn.PltRel)
	}
}

func TestSysVSymbolLookup(t *testing.T) {
	b := elftest.New()
	s1 := b.Data(make([]byte, 16))
	s2 := b.Data(make([]byte, 8))
	b.Symbol("first_sym", s1, 16)
	b.Symbol("second_sym", s2, 8)
	b.Import("imported_sym")
	img := b.Build()

	hdr, _ := ParseHeader(img)
	phs, _ := ParseProgHeaders(img, hdr)
	dyn, err := ParseDynamic(FileImage{Data: img, Phs: phs}, phs)
	if err != nil {
		t.Fatalf("ParseDynamic: %v", err)
	}
	syms := NewSymbolTable(FileImage{Data: img, Phs: phs}, dyn)

	sym, ok := syms.Lookup("first_sym")
	if !ok {
		t.Fatal("first_sym not found")
	}
	if sym.Value != s1.Vaddr() {
		t.Errorf("first_sym value = %#x, want %#x", sym.Value, s1.Vaddr())
	}
	if !sym.IsDefined() {
		t.Error("first_sym should be defined")
	}

	sym, ok = syms.Lookup("second_sym")
	if !ok || sym.Value != s2.Vaddr() {
		t.Errorf("second_sym: ok=%v value=%#x", ok, sym.Value)
	}

	sym, ok = syms.Lookup("imported_sym")
	if !ok {
		t.Fatal("imported_sym not found")
	}
	if sym.IsDefined() {
		t.Error("imported_sym should be undefined")
	}

	if _, ok := syms.Lookup("no_such_symbol"); ok {
		t.Error("lookup of absent name succeeded")
	}
}

func TestGNUHashLookup(t *testing.T) {
	// Hand-build an image with only a GNU hash table: strtab at 0,
	// symtab at 0x100, hash at 0x200.
	img := make(sliceImage, 0x400)
	copy(img[1:], "alpha\x00")

	le := binary.LittleEndian
	sym := img[0x100+SymEntSize:]
	le.PutUint32(sym[0:], 1) // name offset
	sym[4] = byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_FUNC)
	le.PutUint16(sym[6:], 1) // defined
	le.PutUint64(sym[8:], 0x1234)

	h := gnuHash("alpha")
	gh := img[0x200:]
	le.PutUint32(gh[0:], 1)  // nbuckets
	le.PutUint32(gh[4:], 1)  // symoffset
	le.PutUint32(gh[8:], 1)  // bloom size
	le.PutUint32(gh[12:], 6) // bloom shift
	bloom := uint64(1)<<(h%64) | uint64(1)<<((h>>6)%64)
	le.PutUint64(gh[16:], bloom)
	le.PutUint32(gh[24:], 1)   // bucket[0] -> first sym
	le.PutUint32(gh[28:], h|1) // chain: hash with stop bit

	dyn := &Dynamic{StrTab: 0, StrSz: 8, SymTab: 0x100, GNUHash: 0x200}
	syms := NewSymbolTable(img, dyn)

	got, ok := syms.Lookup("alpha")
	if !ok {
		t.Fatal("alpha not found via GNU hash")
	}
	if got.Value != 0x1234 {
		t.Errorf("alpha value = %#x", got.Value)
	}
	if _, ok := syms.Lookup("beta"); ok {
		t.Error("beta should miss")
	}
}

func TestTLSTemplate(t *testing.T) {
	b := elftest.New().TLS([]byte{0xAA, 0xBB, 0xCC, 0xDD}, 0x40, 16)
	img := b.Build()

	hdr, _ := ParseHeader(img)
	phs, _ := ParseProgHeaders(img, hdr)
	tls := TLSFromProgHeaders(phs)
	if !tls.Present {
		t.Fatal("TLS template not found")
	}
	if tls.ImageSize != 4 || tls.BlockSize != 0x40 || tls.Align != 16 {
		t.Errorf("tls = %+v", tls)
	}
	if tls.FirstByte != tls.Image&(tls.Align-1) {
		t.Errorf("first byte = %#x", tls.FirstByte)
	}

	if got := TLSFromProgHeaders(nil); got.Present {
		t.Error("TLS reported for empty headers")
	}
}

func TestSegmentProt(t *testing.T) {
	cases := []struct {
		flags elf.ProgFlag
		want  string
	}{
		{elf.PF_R, "r"},
		{elf.PF_R | elf.PF_X, "rx"},
		{elf.PF_R | elf.PF_W, "rw"},
	}
	for _, c := range cases {
		p := SegmentProt(c.flags)
		got := ""
		if p&1 != 0 {
			got += "r"
		}
		if p&2 != 0 {
			got += "w"
		}
		if p&4 != 0 {
			got += "x"
		}
		if got != c.want {
			t.Errorf("flags %v -> %q, want %q", c.flags, got, c.want)
		}
	}
}
