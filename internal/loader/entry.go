package loader

import (
	"unsafe"

	"github.com/modulexcite/drk/internal/log"
	"github.com/modulexcite/drk/internal/vmm"
)

const ptrSize = unsafe.Sizeof(uintptr(0))

// CallEntry invokes a module's init or fini entry points. Returns true
// when the call was made or benignly deferred: before TLS is installed
// library code cannot run, so the actual invocation is postponed to the
// first thread-init prologue.
func (l *Loader) CallEntry(m *PrivateModule, reason Reason) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.callEntryLocked(m, reason)
}

func (l *Loader) callEntryLocked(m *PrivateModule, reason Reason) bool {
	if l.rt.TLSSegmentBase() == 0 {
		// TLS is not up yet, so library code cannot run. Report success
		// and let the first thread-init prologue make the call.
		return true
	}
	if m.ExternallyLoaded || m.os == nil {
		return true
	}
	od := m.os
	switch reason {
	case ProcessInit:
		if od.dyn.Init != 0 {
			l.callLibFunc(m, od.dyn.Init+m.LoadDelta)
		}
		if od.dyn.InitArray != 0 {
			l.callFuncArray(m, od.dyn.InitArray+m.LoadDelta, od.dyn.InitArraySz)
		}
		return true
	case ProcessExit:
		if od.dyn.Fini != 0 {
			l.callLibFunc(m, od.dyn.Fini+m.LoadDelta)
		}
		if od.dyn.FiniArray != 0 {
			l.callFuncArray(m, od.dyn.FiniArray+m.LoadDelta, od.dyn.FiniArraySz)
		}
		return true
	}
	return false
}

// callFuncArray walks an init/fini array of function pointers in order.
func (l *Loader) callFuncArray(m *PrivateModule, array, size uintptr) {
	for i := uintptr(0); i < size/ptrSize; i++ {
		fn := vmm.ReadWord(array + i*ptrSize)
		if fn != 0 {
			l.callLibFunc(m, fn)
		}
	}
}

// callLibFunc hands one entry point to the runtime's native thunk,
// which supplies the conventional (argc, argv, envp) triple.
func (l *Loader) callLibFunc(m *PrivateModule, fn uintptr) {
	l.logger.Debug("calling entry", log.Lib(m.Name), log.Addr(fn))
	l.rt.CallLibFunc(fn)
}

// callModulesEntryLocked invokes entry points across the registry. The
// registry keeps load order with dependencies ahead of dependents, so
// initializers run deepest dependency first by walking forward, and
// finalizers run dependents first by walking in reverse.
func (l *Loader) callModulesEntryLocked(reason Reason) {
	if reason == ProcessInit {
		for _, m := range l.modules {
			l.callEntryLocked(m, reason)
		}
		return
	}
	for i := len(l.modules) - 1; i >= 0; i-- {
		l.callEntryLocked(l.modules[i], reason)
	}
}
