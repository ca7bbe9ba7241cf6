package loader

import (
	"github.com/modulexcite/drk/internal/log"
	"github.com/modulexcite/drk/internal/vmm"
)

// maxTLSMods bounds the number of modules carrying a TLS segment. Any
// library with a __thread variable claims a slot, so the cap is well
// above what a client stack loads.
const maxTLSMods = 64

// appLibcTLSSize is the reserved prefix for the application libc's own
// TLS, so libc accesses through the same segment register keep working
// against the copied state.
const appLibcTLSSize = 0x100

// tlsInfo is the process-wide static TLS layout. Module i's block
// lives at [tp - offs[i], tp - offs[i] + block_size_i).
type tlsInfo struct {
	numMods  int
	offset   uintptr // cumulative static footprint
	maxAlign uintptr
	offs     [maxTLSMods]uintptr
	mods     [maxTLSMods]*PrivateModule
}

// modTLSInitLocked registers a TLS-bearing module and assigns its
// module id. Offsets are laid out later, once every module is loaded.
func (l *Loader) modTLSInitLocked(m *PrivateModule) error {
	if l.tls.numMods >= maxTLSMods {
		return errKindf(TooManyTLSMods, m.Name, "limit %d", maxTLSMods)
	}
	l.tls.mods[l.tls.numMods] = m
	m.os.tlsModID = l.tls.numMods
	l.tls.numMods++
	if m.os.tls.Align > l.tls.maxAlign {
		l.tls.maxAlign = m.os.tls.Align
	}
	return nil
}

// setTLSOffsetsLocked assigns each TLS module its negative offset from
// the thread pointer. The blocks sit below the thread pointer, so the
// offset grows as modules are appended; first_byte padding keeps the
// image's leading byte at its required alignment.
func (l *Loader) setTLSOffsetsLocked() {
	offset := uintptr(appLibcTLSSize)
	for i := 0; i < l.tls.numMods; i++ {
		tls := &l.tls.mods[i].os.tls
		firstByte := (-tls.FirstByte) & (tls.Align - 1)
		offset = firstByte + vmm.AlignUp(offset+tls.BlockSize+firstByte, tls.Align)
		l.tls.offs[i] = offset
	}
	l.tls.offset = offset
	if offset > l.maxClientTLSSize-l.tcbSize {
		l.logger.Error("static TLS footprint exceeds the per-thread reservation",
			log.Size(offset), log.Size(l.maxClientTLSSize))
	}
}

// TLSInit builds the calling thread's private TLS block. The thread
// pointer is positioned tcb_size bytes from the block end; the last
// page is copied verbatim from the application's TCB page, with the
// TCB's tcb and self pointers rewritten to the new block. Each TLS
// module's image is then copied to tp - offs[i] and its bss zeroed.
// Returns the private thread pointer to install, or 0.
func (l *Loader) TLSInit(appTP uintptr) uintptr {
	if appTP == 0 {
		l.logger.Debug("TLSInit: nil app thread pointer")
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	block := l.rt.HeapMmap(l.maxClientTLSSize)
	if block == 0 {
		l.logger.Error("TLSInit: heap exhausted", log.Size(l.maxClientTLSSize))
		return 0
	}

	// The libc TCB never crosses a page boundary: it is placed at the
	// end of the last page of its allocation, so its size is the
	// distance from the thread pointer to the page end.
	l.tcbSize = vmm.AlignUp(appTP, vmm.PageSize) - appTP
	tp := block + l.maxClientTLSSize - l.tcbSize
	l.logger.Debug("TLSInit", log.Addr(tp), log.Size(l.maxClientTLSSize))

	// Inherit the libc TCB fields wholesale, then point the TCB at its
	// new home.
	vmm.CopyTo(vmm.AlignDown(tp, vmm.PageSize),
		vmm.CopyFrom(vmm.AlignDown(appTP, vmm.PageSize), vmm.PageSize))
	vmm.WriteWord(tp, tp)           // tcb
	vmm.WriteWord(tp+2*ptrSize, tp) // self

	for i := 0; i < l.tls.numMods; i++ {
		od := l.tls.mods[i].os
		dest := tp - l.tls.offs[i]
		if od.tls.ImageSize > 0 {
			img, err := od.image.Bytes(od.tls.Image, od.tls.ImageSize)
			if err == nil {
				vmm.CopyTo(dest, img)
			}
		}
		vmm.Memset(dest+od.tls.ImageSize, 0, od.tls.BlockSize-od.tls.ImageSize)
	}
	return tp
}

// TLSExit releases a thread's private TLS block.
func (l *Loader) TLSExit(tp uintptr) {
	if tp == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	block := vmm.AlignUp(tp, vmm.PageSize) - l.maxClientTLSSize
	l.rt.HeapMunmap(block, l.maxClientTLSSize)
}

// TLSGetAddr is the private __tls_get_addr: the redirection thunk hands
// it the (module, offset) pair from the tls_index descriptor. Dynamic
// TLS does not exist here, so the answer is always a static offset from
// the segment base.
func (l *Loader) TLSGetAddr(module, offset uintptr) uintptr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if int(module) >= l.tls.numMods {
		l.logger.Error("TLSGetAddr: module id out of range",
			log.Size(module), log.Size(uintptr(l.tls.numMods)))
		return 0
	}
	return l.rt.TLSSegmentBase() - l.tls.offs[module] + offset
}
