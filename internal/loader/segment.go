package loader

import (
	"debug/elf"

	"github.com/modulexcite/drk/internal/elffile"
	"github.com/modulexcite/drk/internal/log"
	"github.com/modulexcite/drk/internal/vmm"
)

// MapAndRelocate maps a library's segments into the process. The name
// is historical: relocation itself happens in ProcessImports, once the
// dependency closure is present. Returns the image base and size.
func (l *Loader) MapAndRelocate(filename string) (uintptr, uintptr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	base, size, _, err := l.mapLibraryLocked(filename)
	return base, size, err
}

// mapLibraryLocked implements the segment-mapping algorithm:
//
//  1. Map the whole file read-only for parsing.
//  2. Compute the preferred range across PT_LOAD headers.
//  3. Reserve that range non-fixed; record the load delta.
//  4. Per PT_LOAD: protect any hole, unmap the reserved pages, re-map
//     the file region write-enabled, zero the bss tail, then apply the
//     segment's final protection.
//  5. Unmap the temporary file map.
//
// The unmap-then-remap in step 4 is racy against an unrelated allocator
// in the same address space; the race is known and accepted.
func (l *Loader) mapLibraryLocked(filename string) (uintptr, uintptr, []elffile.ProgHeader, error) {
	prim := l.adapter.Pick()

	fd, err := prim.Open(filename)
	if err != nil {
		return 0, 0, nil, errKind(MapFailed, filename, err)
	}
	fileSize64, err := prim.GetSize(fd)
	if err != nil {
		prim.Close(fd)
		return 0, 0, nil, errKind(MapFailed, filename, err)
	}
	fileSize := uintptr(fileSize64)

	fileMap, err := prim.Map(fd, fileSize, 0, 0, vmm.ProtRead, true, false, false)
	if err != nil {
		prim.Close(fd)
		return 0, 0, nil, errKind(MapFailed, filename, err)
	}
	unwindFileMap := func() {
		prim.Unmap(fileMap, fileSize)
		prim.Close(fd)
	}

	fileBytes := vmm.Bytes(fileMap, fileSize)
	hdr, err := elffile.ParseHeader(fileBytes)
	if err != nil {
		unwindFileMap()
		return 0, 0, nil, errKind(NotElf, filename, err)
	}
	phs, err := elffile.ParseProgHeaders(fileBytes, hdr)
	if err != nil {
		unwindFileMap()
		return 0, 0, nil, errKind(NotElf, filename, err)
	}
	mapBase, mapEnd, ok := elffile.VaddrBounds(phs)
	if !ok {
		unwindFileMap()
		return 0, 0, nil, errKindf(NotElf, filename, "no PT_LOAD segments")
	}
	mapSize := mapEnd - mapBase

	// Reserve the whole range; copy-on-write, image, not fixed.
	libBase, err := prim.Map(vmm.InvalidFD, mapSize, 0, mapBase, vmm.ProtRead|vmm.ProtWrite, true, true, false)
	if err != nil {
		unwindFileMap()
		return 0, 0, nil, errKind(MapFailed, filename, err)
	}
	libEnd := libBase + mapSize
	if mapBase != 0 && mapBase != libBase {
		l.logger.Debug("module not loaded at preferred address",
			log.Path(filename), log.Base(libBase))
	}
	delta := libBase - mapBase

	lastEnd := libBase
	for _, ph := range phs {
		if ph.Type != elf.PT_LOAD {
			continue
		}
		segBase := vmm.AlignDown(ph.Vaddr, vmm.PageSize) + delta
		segEnd := vmm.AlignUp(ph.Vaddr+ph.Filesz, vmm.PageSize) + delta
		segSize := segEnd - segBase
		if segBase != lastEnd {
			// A hole: keep the reservation but make it inaccessible.
			prim.Protect(lastEnd, segBase-lastEnd, vmm.ProtNone)
		}
		segProt := elffile.SegmentProt(ph.Flags)
		pgOffs := vmm.AlignDown(ph.Off, vmm.PageSize)

		// The backend cannot overlay an existing mapping, so the
		// reserved pages are unmapped first. Racy against a concurrent
		// allocator grabbing the window.
		prim.Unmap(segBase, segSize)
		if _, err := prim.Map(fd, segSize, int64(pgOffs), segBase,
			segProt|vmm.ProtWrite, true, true, true); err != nil {
			unwindFileMap()
			prim.Unmap(libBase, mapSize)
			return 0, 0, nil, errKind(MapFailed, filename, err)
		}

		// Zero from the end of file-backed bytes to the end of memsz;
		// the trailing reservation pages are already anonymous zero.
		fileEnd := ph.Vaddr + ph.Filesz + delta
		segEnd = vmm.AlignUp(ph.Vaddr+ph.Memsz, vmm.PageSize) + delta
		segSize = segEnd - segBase
		if segEnd > fileEnd {
			vmm.Memset(fileEnd, 0, segEnd-fileEnd)
		}
		prim.Protect(segBase, segSize, segProt)
		lastEnd = segEnd
	}

	unwindFileMap()

	// For the debugger: where to add symbol information.
	l.logger.Debug("for debugger: add-symbol-file",
		log.Path(filename), log.Delta(delta))

	return libBase, libEnd - libBase, phs, nil
}

// UnmapFile releases a module's mapped segments and parsed state.
func (l *Loader) UnmapFile(m *PrivateModule) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unmapFileLocked(m)
}

func (l *Loader) unmapFileLocked(m *PrivateModule) {
	if m.os == nil {
		return
	}
	// The image range is one reservation with segments overlaid in
	// place and holes kept protected, so a single unmap covers it.
	l.adapter.Pick().Unmap(m.Base, m.Size)
	m.os = nil
}
