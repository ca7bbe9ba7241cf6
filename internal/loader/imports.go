package loader

import (
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/modulexcite/drk/internal/log"
)

// Load resolves, maps, and relocates a library and its dependency
// closure. nameOrPath may be a bare soname (searched) or a path
// (used as is).
func (l *Loader) Load(nameOrPath string) (*PrivateModule, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	loadID := uuid.NewString()
	l.logger.Debug("load", log.Lib(nameOrPath), zap.String("load_id", loadID))

	m, err := l.loadLocked(nameOrPath)
	if err != nil {
		l.logger.Warn("load failed", log.Lib(nameOrPath), zap.String("load_id", loadID))
		return nil, err
	}
	l.logger.Debug("loaded", log.Lib(m.Name), log.Base(m.Base), log.Size(m.Size))
	return m, nil
}

// loadLocked performs one load, recursively loading DT_NEEDED entries.
// The module enters the registry only after its segments are mapped,
// its parsed state is populated, and its dependencies are present, so
// registry order is load order with dependencies first.
func (l *Loader) loadLocked(nameOrPath string) (*PrivateModule, error) {
	if m := l.lookupLocked(nameOrPath); m != nil {
		return m, nil
	}

	path := nameOrPath
	if !strings.ContainsRune(nameOrPath, filepath.Separator) {
		var err error
		if path, err = l.locateLocked(nameOrPath); err != nil {
			return nil, err
		}
	}

	base, size, _, err := l.mapLibraryLocked(path)
	if err != nil {
		return nil, err
	}
	m := &PrivateModule{
		Name: filepath.Base(path),
		Path: path,
		Base: base,
		Size: size,
	}
	if err := l.buildOSDataLocked(m); err != nil {
		l.teardownLocked(m, base, size)
		return nil, err
	}

	if err := l.loadDependenciesLocked(m); err != nil {
		l.teardownLocked(m, base, size)
		return nil, err
	}

	l.insertLocked(m)
	if err := l.relocateModuleLocked(m); err != nil {
		l.removeLocked(m)
		l.teardownLocked(m, base, size)
		return nil, err
	}
	l.AddAreas(m)
	return m, nil
}

// ProcessImports loads a module's DT_NEEDED closure and, for privately
// mapped modules, applies relocations afterwards.
func (l *Loader) ProcessImports(m *PrivateModule) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.loadDependenciesLocked(m); err != nil {
		return err
	}
	if !m.ExternallyLoaded {
		return l.relocateModuleLocked(m)
	}
	return nil
}

// loadDependenciesLocked depth-first loads every DT_NEEDED entry not
// already present. Duplicates are deduplicated by basename.
func (l *Loader) loadDependenciesLocked(m *PrivateModule) error {
	for _, dep := range m.os.dyn.Needed {
		if l.lookupLocked(dep) != nil {
			continue
		}
		if _, err := l.loadLocked(dep); err != nil {
			return err
		}
	}
	return nil
}

// teardownLocked unwinds a partially created load: segments unmapped,
// parsed state freed. Already-initialized dependencies stay.
func (l *Loader) teardownLocked(m *PrivateModule, base, size uintptr) {
	l.RemoveAreas(m)
	if m.os != nil {
		l.unmapFileLocked(m)
	} else {
		l.adapter.Pick().Unmap(base, size)
	}
}
