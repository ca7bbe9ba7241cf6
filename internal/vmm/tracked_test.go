package vmm_test

import (
	"testing"

	"github.com/modulexcite/drk/internal/vmm"
	"github.com/modulexcite/drk/internal/vmm/vmmtest"
)

func TestTrackedMapUpdatesAreas(t *testing.T) {
	mock := vmmtest.New()
	areas := vmm.NewAreas()
	tracked := vmm.NewTracked(mock, areas)

	addr, err := tracked.Map(vmm.InvalidFD, 2*vmm.PageSize, 0, 0, vmm.ProtRead|vmm.ProtWrite, true, true, false)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	ar, ok := areas.Find(addr + vmm.PageSize)
	if !ok || ar.Tag != "image" {
		t.Errorf("mapped range not tracked: %+v %v", ar, ok)
	}

	if err := tracked.Unmap(addr, 2*vmm.PageSize); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if _, ok := areas.Find(addr); ok {
		t.Error("unmapped range still tracked")
	}
}

func TestAdapterPicksBackendPerCall(t *testing.T) {
	mock := vmmtest.New()
	areas := vmm.NewAreas()
	ready := false
	adapter := &vmm.Adapter{
		OS:        mock,
		Tracked:   vmm.NewTracked(mock, areas),
		HeapReady: func() bool { return ready },
	}

	if adapter.Pick() != vmm.Primitives(mock) {
		t.Error("raw backend expected before heap init")
	}
	ready = true
	if _, ok := adapter.Pick().(*vmm.Tracked); !ok {
		t.Error("tracked backend expected after heap init")
	}
}
