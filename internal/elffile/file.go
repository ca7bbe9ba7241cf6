package elffile

import (
	"fmt"
	"os"

	mmap "github.com/edsrzf/mmap-go"
)

// File is a parsed, unmapped shared object backed by a read-only memory
// map of the file.
type File struct {
	Path    string
	Header  *Header
	Phs     []ProgHeader
	Dynamic *Dynamic
	TLS     TLSTemplate

	data mmap.MMap
	f    *os.File
}

// Open memory-maps and parses a shared object from disk. The returned
// File must be closed.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	file := &File{Path: path, data: data, f: f}
	if file.Header, err = ParseHeader(data); err != nil {
		file.Close()
		return nil, err
	}
	if file.Phs, err = ParseProgHeaders(data, file.Header); err != nil {
		file.Close()
		return nil, err
	}
	file.TLS = TLSFromProgHeaders(file.Phs)
	if file.Dynamic, err = ParseDynamic(file.Image(), file.Phs); err != nil {
		file.Close()
		return nil, fmt.Errorf("parse dynamic of %s: %w", path, err)
	}
	return file, nil
}

// Image returns the vaddr-keyed view over the file contents.
func (f *File) Image() Image {
	return FileImage{Data: f.data, Phs: f.Phs}
}

// Symbols returns the file's dynamic symbol table.
func (f *File) Symbols() *SymbolTable {
	return NewSymbolTable(f.Image(), f.Dynamic)
}

// Close releases the file map.
func (f *File) Close() error {
	if f.data != nil {
		f.data.Unmap()
		f.data = nil
	}
	if f.f != nil {
		err := f.f.Close()
		f.f = nil
		return err
	}
	return nil
}

// ProbeSharedObject reports whether the file at path exists, is regular,
// and carries a valid shared-object header for this architecture.
func ProbeSharedObject(path string) bool {
	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	buf := make([]byte, 64)
	n, err := f.Read(buf)
	if err != nil || n < 64 {
		return false
	}
	return IsSharedObject(buf)
}
