//go:build amd64

package loader

import (
	"bytes"
	"errors"
	"testing"

	"github.com/modulexcite/drk/internal/elffile"
	"github.com/modulexcite/drk/internal/elffile/elftest"
	"github.com/modulexcite/drk/internal/vmm"
)

// tlsModule fabricates a registry entry carrying only TLS parameters,
// for exercising the layout arithmetic directly.
func tlsModule(name string, blockSize, align, firstByte uintptr) *PrivateModule {
	return &PrivateModule{
		Name: name,
		os: &osData{
			tls: elffile.TLSTemplate{
				BlockSize: blockSize,
				Align:     align,
				FirstByte: firstByte,
				Present:   true,
			},
			tlsModID: -1,
		},
	}
}

func layoutLoader(t *testing.T, mods ...*PrivateModule) *Loader {
	t.Helper()
	rt := newFakeRuntime(t)
	l, _ := newTestLoader(t, rt)
	for _, m := range mods {
		if err := l.modTLSInitLocked(m); err != nil {
			t.Fatalf("modTLSInit(%s): %v", m.Name, err)
		}
	}
	l.setTLSOffsetsLocked()
	return l
}

func TestTLSLayoutDeterministic(t *testing.T) {
	build := func() *Loader {
		return layoutLoader(t,
			tlsModule("a", 0x30, 16, 0),
			tlsModule("b", 0x101, 32, 8),
			tlsModule("c", 0x8, 8, 0),
		)
	}
	l1, l2 := build(), build()
	for i := 0; i < 3; i++ {
		if l1.tls.offs[i] != l2.tls.offs[i] {
			t.Errorf("offset %d differs across runs: %#x vs %#x", i, l1.tls.offs[i], l2.tls.offs[i])
		}
	}
	if l1.tls.offset != l2.tls.offset {
		t.Error("total footprint differs across runs")
	}
}

func TestTLSLayoutNoOverlap(t *testing.T) {
	mods := []*PrivateModule{
		tlsModule("a", 0x28, 16, 4),
		tlsModule("b", 0x100, 64, 0),
		tlsModule("c", 0x7, 8, 1),
		tlsModule("d", 0x40, 32, 16),
	}
	l := layoutLoader(t, mods...)

	type rng struct{ lo, hi uintptr }
	var ranges []rng
	for i, m := range mods {
		off := l.tls.offs[i]
		if off < m.os.tls.BlockSize {
			t.Fatalf("module %d offset %#x smaller than its block", i, off)
		}
		// Blocks live at [tp-off, tp-off+block); compare as distances
		// below the thread pointer.
		ranges = append(ranges, rng{off - m.os.tls.BlockSize, off})
	}
	for i := range ranges {
		for j := i + 1; j < len(ranges); j++ {
			a, b := ranges[i], ranges[j]
			if a.lo < b.hi && b.lo < a.hi {
				t.Errorf("TLS blocks %d and %d overlap: %+v %+v", i, j, a, b)
			}
		}
	}

	// offset = first_byte + ALIGN_UP(...), so stripping the first-byte
	// padding must leave an aligned distance from the thread pointer.
	for i, m := range mods {
		fb := (-m.os.tls.FirstByte) & (m.os.tls.Align - 1)
		if (l.tls.offs[i]-fb)%m.os.tls.Align != 0 {
			t.Errorf("module %d misaligned: off=%#x firstByte=%#x align=%d",
				i, l.tls.offs[i], m.os.tls.FirstByte, m.os.tls.Align)
		}
	}
}

func TestTooManyTLSModules(t *testing.T) {
	rt := newFakeRuntime(t)
	l, _ := newTestLoader(t, rt)
	for i := 0; i < maxTLSMods; i++ {
		if err := l.modTLSInitLocked(tlsModule("m", 8, 8, 0)); err != nil {
			t.Fatalf("module %d rejected early: %v", i, err)
		}
	}
	err := l.modTLSInitLocked(tlsModule("overflow", 8, 8, 0))
	if !errors.Is(err, &Error{Kind: TooManyTLSMods}) {
		t.Errorf("error = %v, want TooManyTLSMods", err)
	}
}

func TestTLSInstallAndGetAddr(t *testing.T) {
	rt := newFakeRuntime(t)
	l, mock := newTestLoader(t, rt)

	image := []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}
	b := elftest.New().Soname("libtls.so").TLS(image, 0x40, 16)
	mock.AddFile("/fake/libtls.so", b.Build())

	m, err := l.Load("/fake/libtls.so")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.os.tlsModID != 0 {
		t.Fatalf("tls module id = %d", m.os.tlsModID)
	}
	l.InitEpilogue()

	// Fake application thread pointer: TCB in the last 0x700 bytes of a
	// page-aligned block, with a recognizable byte pattern.
	appBlock, _ := rt.pin(make([]byte, 2*vmm.PageSize))
	appTP := appBlock + 2*vmm.PageSize - 0x700
	vmm.Memset(vmm.AlignDown(appTP, vmm.PageSize), 0xA5, vmm.PageSize)

	tp := l.TLSInit(appTP)
	if tp == 0 {
		t.Fatal("TLSInit returned nil thread pointer")
	}

	// The synthesized TCB self-pointers reference the new block.
	if vmm.ReadWord(tp) != tp {
		t.Errorf("tcb pointer = %#x, want %#x", vmm.ReadWord(tp), tp)
	}
	if vmm.ReadWord(tp+2*ptrSize) != tp {
		t.Errorf("self pointer = %#x, want %#x", vmm.ReadWord(tp+2*ptrSize), tp)
	}
	// Bytes outside the rewritten head were copied from the app page.
	if got := vmm.CopyFrom(tp+3*ptrSize, 8); !bytes.Equal(got, bytes.Repeat([]byte{0xA5}, 8)) {
		t.Errorf("TCB tail not copied from the app page: % x", got)
	}

	// The module's TLS block carries the image then zero fill.
	dest := tp - l.tls.offs[0]
	if got := vmm.CopyFrom(dest, uintptr(len(image))); !bytes.Equal(got, image) {
		t.Errorf("TLS image = % x", got)
	}
	tail := vmm.CopyFrom(dest+uintptr(len(image)), 0x40-uintptr(len(image)))
	for i, v := range tail {
		if v != 0 {
			t.Fatalf("TLS bss byte %d = %#x", i, v)
		}
	}

	// __tls_get_addr linearity against the installed segment base.
	rt.segBase = tp
	base := l.TLSGetAddr(0, 0)
	for _, off := range []uintptr{1, 8, 0x3f} {
		if l.TLSGetAddr(0, off) != base+off {
			t.Errorf("TLSGetAddr(0, %#x) not linear", off)
		}
	}
	if l.TLSGetAddr(99, 0) != 0 {
		t.Error("out-of-range module id accepted")
	}
}

func TestTLSPerThreadIsolation(t *testing.T) {
	rt := newFakeRuntime(t)
	l, mock := newTestLoader(t, rt)

	b := elftest.New().Soname("libtls.so").TLS([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 0x20, 16)
	mock.AddFile("/fake/libtls.so", b.Build())
	if _, err := l.Load("/fake/libtls.so"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	l.InitEpilogue()

	appBlock, _ := rt.pin(make([]byte, 2*vmm.PageSize))
	appTP := appBlock + 2*vmm.PageSize - 0x400

	tp1 := l.TLSInit(appTP)
	tp2 := l.TLSInit(appTP)
	if tp1 == 0 || tp2 == 0 || tp1 == tp2 {
		t.Fatalf("thread pointers: %#x %#x", tp1, tp2)
	}

	// Writes through one thread's block stay invisible to the other.
	vmm.WriteWord(tp1-l.tls.offs[0], 0x1111)
	vmm.WriteWord(tp2-l.tls.offs[0], 0x2222)
	if vmm.ReadWord(tp1-l.tls.offs[0]) != 0x1111 || vmm.ReadWord(tp2-l.tls.offs[0]) != 0x2222 {
		t.Error("per-thread TLS values interfere")
	}

	// Each synthesized TCB points at its own block.
	if vmm.ReadWord(tp1+2*ptrSize) != tp1 || vmm.ReadWord(tp2+2*ptrSize) != tp2 {
		t.Error("self pointers do not match their blocks")
	}

	heapsBefore := len(rt.heaps)
	l.TLSExit(tp1)
	l.TLSExit(tp2)
	l.TLSExit(0) // nil thread pointer is a no-op
	if len(rt.heaps) != heapsBefore-2 {
		t.Errorf("heap blocks remaining: %d, want %d", len(rt.heaps), heapsBefore-2)
	}
}
