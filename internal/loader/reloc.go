package loader

import (
	"debug/elf"
	"strings"

	"github.com/modulexcite/drk/internal/elffile"
	"github.com/modulexcite/drk/internal/log"
	"github.com/modulexcite/drk/internal/vmm"
)

// resolved is one symbol-resolution result, cached by name.
type resolved struct {
	addr uintptr
	mod  *PrivateModule
	sym  elffile.Sym
}

// relocateModuleLocked applies a module's REL, RELA, and PLT relocation
// tables. All DT_NEEDED dependencies are already in the registry.
func (l *Loader) relocateModuleLocked(m *PrivateModule) error {
	od := m.os

	// A module with a TLS block claims its module id before its TLS
	// relocations are seen.
	if od.tls.Present && od.tls.BlockSize != 0 {
		if err := l.modTLSInitLocked(m); err != nil {
			return err
		}
	}

	if od.dyn.Rel != 0 {
		if err := l.relocateRangeLocked(m, od.dyn.Rel, od.dyn.RelSz, od.dyn.RelEnt, false); err != nil {
			return err
		}
	}
	if od.dyn.Rela != 0 {
		if err := l.relocateRangeLocked(m, od.dyn.Rela, od.dyn.RelaSz, od.dyn.RelaEnt, true); err != nil {
			return err
		}
	}
	if od.dyn.JmpRel != 0 {
		rela := elf.DynTag(od.dyn.PltRel) == elf.DT_RELA
		ent := od.dyn.RelEnt
		if rela {
			ent = od.dyn.RelaEnt
		}
		if err := l.relocateRangeLocked(m, od.dyn.JmpRel, od.dyn.PltRelSz, ent, rela); err != nil {
			return err
		}
	}

	// A private libc's stream pointers are captured so the exit path
	// can flush them against the right descriptors.
	if strings.HasPrefix(m.Name, "libc.so") {
		l.stdinSlot = l.moduleSymAddrLocked(m, "stdin")
		l.stdoutSlot = l.moduleSymAddrLocked(m, "stdout")
		l.stderrSlot = l.moduleSymAddrLocked(m, "stderr")
	}
	return nil
}

func (l *Loader) moduleSymAddrLocked(m *PrivateModule, name string) uintptr {
	if sym, ok := m.os.syms.Lookup(name); ok && sym.IsDefined() {
		return sym.Value + m.LoadDelta
	}
	return 0
}

func (l *Loader) relocateRangeLocked(m *PrivateModule, table, size, ent uintptr, isRela bool) error {
	if ent == 0 {
		return nil
	}
	od := m.os
	for off := uintptr(0); off+ent <= size; off += ent {
		b, err := od.image.Bytes(table+off, ent)
		if err != nil {
			return errKindf(MapFailed, m.Name, "relocation table: %v", err)
		}
		var rOff uintptr
		var info uint64
		var addend int64
		if isRela {
			rOff, info, addend = elffile.ParseRela(b)
		} else {
			rOff, info, addend = elffile.ParseRel(b)
		}
		if err := l.applyRelocLocked(m, rOff, info, addend, isRela); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) applyRelocLocked(m *PrivateModule, rOff uintptr, info uint64, addend int64, isRela bool) error {
	kind := elffile.KindOf(elffile.RelType(info))
	if kind == elffile.RelocNone {
		return nil
	}

	target := m.LoadDelta + rOff
	if !isRela {
		// REL entries keep the addend in the relocated word.
		addend = int64(vmm.ReadWord(target))
	}

	symIdx := elffile.RelSymIndex(info)
	var sym elffile.Sym
	var symName string
	if symIdx != 0 {
		var err error
		sym, err = m.os.syms.Sym(symIdx)
		if err != nil {
			return errKindf(UnresolvedSymbol, m.Name, "symbol index %d: %v", symIdx, err)
		}
		if symName, err = m.os.syms.Name(sym); err != nil {
			return errKindf(UnresolvedSymbol, m.Name, "symbol index %d name: %v", symIdx, err)
		}
	}

	switch kind {
	case elffile.RelocRelative:
		vmm.WriteWord(target, m.LoadDelta+uintptr(addend))

	case elffile.RelocAbs, elffile.RelocGlobDat, elffile.RelocJumpSlot:
		res, err := l.resolveSymLocked(m, symName, sym)
		if err != nil {
			return err
		}
		vmm.WriteWord(target, res.addr+uintptr(addend))

	case elffile.RelocCopy:
		res, err := l.resolveSymLocked(m, symName, sym)
		if err != nil {
			return err
		}
		if res.addr != 0 {
			size := sym.Size
			if size == 0 {
				size = res.sym.Size
			}
			vmm.CopyTo(target, vmm.Bytes(res.addr, size))
		}

	case elffile.RelocDTPMod:
		def := m
		if symName != "" {
			res, err := l.resolveSymLocked(m, symName, sym)
			if err != nil {
				return err
			}
			if res.mod != nil {
				def = res.mod
			}
		}
		if def.os == nil || def.os.tlsModID < 0 {
			return errKindf(UnresolvedSymbol, m.Name, "TLS module for %q has no module id", symName)
		}
		vmm.WriteWord(target, uintptr(def.os.tlsModID))

	case elffile.RelocDTPOff:
		off := uintptr(addend)
		if symName != "" {
			res, err := l.resolveSymLocked(m, symName, sym)
			if err != nil {
				return err
			}
			off += res.sym.Value
		} else {
			off += sym.Value
		}
		vmm.WriteWord(target, off)

	case elffile.RelocIRelative:
		resolver := m.LoadDelta + uintptr(addend)
		vmm.WriteWord(target, l.rt.CallIFunc(resolver))

	default:
		return errKindf(UnsupportedReloc, m.Name, "relocation type %d", elffile.RelType(info))
	}
	return nil
}

// resolveSymLocked binds an import: the redirection table first, then a
// scan of every registry module's hash table, then zero for weak
// symbols.
func (l *Loader) resolveSymLocked(m *PrivateModule, name string, ref elffile.Sym) (resolved, error) {
	if name == "" {
		// Local reference: bind within this module.
		return resolved{addr: ref.Value + m.LoadDelta, mod: m, sym: ref}, nil
	}

	if addr, ok := l.redirects[name]; ok {
		l.logger.Debug("redirect", log.Sym(name), log.Addr(addr))
		return resolved{addr: addr, mod: nil, sym: ref}, nil
	}

	if res, ok := l.symCache.Get(name); ok {
		return res, nil
	}

	for _, mod := range l.modules {
		if mod.os == nil {
			continue
		}
		if sym, ok := mod.os.syms.Lookup(name); ok && sym.IsDefined() {
			res := resolved{addr: sym.Value + mod.LoadDelta, mod: mod, sym: sym}
			l.symCache.Add(name, res)
			return res, nil
		}
	}

	if ref.Bind() == elf.STB_WEAK {
		return resolved{}, nil
	}
	return resolved{}, errKindf(UnresolvedSymbol, m.Name, "symbol %q", name)
}
