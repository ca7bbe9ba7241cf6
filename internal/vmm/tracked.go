package vmm

// Tracked wraps another backend and mirrors every mapping into the
// runtime's address-space bookkeeping. It becomes usable once the
// runtime heap is initialized.
type Tracked struct {
	inner Primitives
	areas *Areas
}

// NewTracked returns a tracked backend over inner, recording into areas.
func NewTracked(inner Primitives, areas *Areas) *Tracked {
	return &Tracked{inner: inner, areas: areas}
}

// Areas exposes the bookkeeping table shared with the loader.
func (t *Tracked) Areas() *Areas {
	return t.areas
}

func (t *Tracked) Open(path string) (int, error) { return t.inner.Open(path) }
func (t *Tracked) Close(fd int)                  { t.inner.Close(fd) }
func (t *Tracked) GetSize(fd int) (uint64, error) {
	return t.inner.GetSize(fd)
}

func (t *Tracked) Map(fd int, size uintptr, offs int64, hint uintptr, prot Prot, cow, image, fixed bool) (uintptr, error) {
	addr, err := t.inner.Map(fd, size, offs, hint, prot, cow, image, fixed)
	if err != nil {
		return 0, err
	}
	tag := "file"
	if fd == InvalidFD {
		tag = "anon"
	}
	if image {
		tag = "image"
	}
	// A fixed map may overlay part of an existing tracked range.
	t.areas.Remove(addr, addr+size)
	t.areas.Add(addr, addr+size, tag)
	return addr, nil
}

func (t *Tracked) Unmap(addr, size uintptr) error {
	if err := t.inner.Unmap(addr, size); err != nil {
		return err
	}
	t.areas.Remove(addr, addr+size)
	return nil
}

func (t *Tracked) Protect(addr, size uintptr, prot Prot) error {
	return t.inner.Protect(addr, size, prot)
}
