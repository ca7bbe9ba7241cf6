package loader

import (
	"path/filepath"
	"strings"

	"github.com/modulexcite/drk/internal/config"
	"github.com/modulexcite/drk/internal/log"
)

// Hard-coded system library directories, consulted last. The dynamic
// linker cache is intentionally not read.
var systemLibPaths = append([]string{
	"/lib/tls/i686/cmov",
	"/usr/lib",
	"/lib",
}, archLibPaths...)

// initSearchPathsLocked captures the client directories and the
// LD_LIBRARY_PATH value at loader init.
func (l *Loader) initSearchPathsLocked() {
	if l.pathsReady {
		return
	}
	l.searchPaths = append(l.searchPaths, l.cfg.ClientLibDirs...)
	l.ldLibraryPath = config.LibraryPath()
	l.pathsReady = true
}

// AddSearchDir registers a client library directory ahead of the
// standard search order.
func (l *Loader) AddSearchDir(dir string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.searchPaths = append(l.searchPaths, dir)
}

// locateLocked resolves a library name to a fully qualified filename.
// Search order, first hit wins: client lib dirs, the current working
// directory, LD_LIBRARY_PATH, then the system directories. A candidate
// must exist as a regular file and carry a valid shared-object header.
// DT_RPATH and DT_RUNPATH are not honored.
func (l *Loader) locateLocked(name string) (string, error) {
	l.initSearchPathsLocked()
	for _, dir := range l.searchPaths {
		candidate := filepath.Join(dir, name)
		l.logger.Debug("looking for", log.Path(candidate))
		if l.probe(candidate) {
			return candidate, nil
		}
	}

	candidate := "./" + name
	l.logger.Debug("looking for", log.Path(candidate))
	if l.probe(candidate) {
		return candidate, nil
	}

	for _, dir := range strings.Split(l.ldLibraryPath, ":") {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		l.logger.Debug("looking for", log.Path(candidate))
		if l.probe(candidate) {
			return candidate, nil
		}
	}

	for _, dir := range systemLibPaths {
		candidate := filepath.Join(dir, name)
		l.logger.Debug("looking for", log.Path(candidate))
		if l.probe(candidate) {
			return candidate, nil
		}
	}
	return "", errKind(NotFound, name, nil)
}

// Locate resolves a library name through the search paths.
func (l *Loader) Locate(name string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locateLocked(name)
}
