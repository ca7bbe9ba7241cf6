package vmm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// osPrimitives issues raw mmap/munmap/mprotect syscalls with no
// bookkeeping. This is the only backend usable before the runtime heap
// exists.
type osPrimitives struct{}

// NewOS returns the raw OS-level backend.
func NewOS() Primitives {
	return osPrimitives{}
}

func (osPrimitives) Open(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return InvalidFD, fmt.Errorf("open %s: %w", path, err)
	}
	return fd, nil
}

func (osPrimitives) Close(fd int) {
	if fd != InvalidFD {
		unix.Close(fd)
	}
}

func (osPrimitives) GetSize(fd int) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, fmt.Errorf("fstat: %w", err)
	}
	return uint64(st.Size), nil
}

func (osPrimitives) Map(fd int, size uintptr, offs int64, hint uintptr, prot Prot, cow, image, fixed bool) (uintptr, error) {
	flags := unix.MAP_PRIVATE
	if !cow {
		flags = unix.MAP_SHARED
	}
	if fd == InvalidFD {
		flags |= unix.MAP_ANON
	}
	if fixed {
		flags |= unix.MAP_FIXED
	}
	p, err := unix.MmapPtr(fd, offs, unsafe.Pointer(hint), size, osProt(prot), flags)
	if err != nil {
		return 0, fmt.Errorf("mmap: %w", err)
	}
	return uintptr(p), nil
}

func (osPrimitives) Unmap(addr, size uintptr) error {
	return unix.MunmapPtr(unsafe.Pointer(addr), size)
}

func (osPrimitives) Protect(addr, size uintptr, prot Prot) error {
	return unix.Mprotect(Bytes(addr, size), osProt(prot))
}

func osProt(prot Prot) int {
	p := unix.PROT_NONE
	if prot&ProtRead != 0 {
		p |= unix.PROT_READ
	}
	if prot&ProtWrite != 0 {
		p |= unix.PROT_WRITE
	}
	if prot&ProtExec != 0 {
		p |= unix.PROT_EXEC
	}
	return p
}
