package memhook

import (
	"fmt"
	"testing"
	"time"
)

// fakeHandle and fakeFacade let the allocation manager and hook
// composer be exercised without a real OS process.
type fakeHandle struct{ pid int }

func (h *fakeHandle) PID() int     { return h.pid }
func (h *fakeHandle) Close() error { return nil }

type fakeFacade struct {
	mem      map[uint64][]byte
	nextBase uint64
}

func newFakeFacade() *fakeFacade {
	return &fakeFacade{mem: map[uint64][]byte{}, nextBase: 0x500000}
}

func (f *fakeFacade) Attach(pid int) (ProcessHandle, Bitness, []ModuleInfo, error) {
	return &fakeHandle{pid: pid}, Bitness64, nil, nil
}
func (f *fakeFacade) AttachByName(name string) (ProcessHandle, Bitness, []ModuleInfo, error) {
	return &fakeHandle{pid: 1}, Bitness64, []ModuleInfo{{Name: name, Base: 0x400000, Size: 0x1000}}, nil
}
func (f *fakeFacade) ListModules(h ProcessHandle) ([]ModuleInfo, error) { return nil, nil }

func (f *fakeFacade) ReadMemory(h ProcessHandle, addr uint64, length int) ([]byte, error) {
	out := make([]byte, length)
	for i := 0; i < length; i++ {
		if b, ok := f.mem[addr+uint64(i)]; ok && len(b) > 0 {
			out[i] = b[0]
		}
	}
	return out, nil
}

func (f *fakeFacade) WriteMemory(h ProcessHandle, addr uint64, data []byte) error {
	for i, b := range data {
		f.mem[addr+uint64(i)] = []byte{b}
	}
	return nil
}

func (f *fakeFacade) SetProtection(h ProcessHandle, addr uint64, length int, prot Protection) (Protection, error) {
	return ProtRead | ProtWrite | ProtExecute, nil
}

func (f *fakeFacade) Allocate(h ProcessHandle, nearAddr uint64, size int, exec bool) (uint64, error) {
	base := f.nextBase
	f.nextBase += uint64(size) + pageSize
	return base, nil
}

func (f *fakeFacade) Free(h ProcessHandle, base uint64) error { return nil }

func (f *fakeFacade) CreateRemoteThread(h ProcessHandle, entry uint64, arg uint64) (ThreadHandle, error) {
	return nil, fmt.Errorf("not supported by fakeFacade")
}
func (f *fakeFacade) WaitThread(t ThreadHandle, timeout time.Duration) (WaitResult, error) {
	return WaitTimeout, nil
}

func TestAllocationManagerDisjointSubReservations(t *testing.T) {
	mgr := newAllocationManager(newFakeFacade(), &fakeHandle{pid: 1}, Bitness64)

	a, err := mgr.Reserve(64, true, nil, 0)
	if err != nil {
		t.Fatalf("Reserve a: %v", err)
	}
	b, err := mgr.Reserve(64, true, nil, 0)
	if err != nil {
		t.Fatalf("Reserve b: %v", err)
	}
	if a.Range().Overlaps(b.Range()) {
		t.Fatalf("sub-reservations overlap: %s vs %s", a.Range(), b.Range())
	}
	if a.Base%8 != 0 {
		t.Errorf("sub-reservation base %#x is not word-aligned", a.Base)
	}
}

func TestAllocationManagerPreferredRange(t *testing.T) {
	mgr := newAllocationManager(newFakeFacade(), &fakeHandle{pid: 1}, Bitness64)
	rng := NewMemRange(0x500000, 0x5FFFFF)
	sub, err := mgr.Reserve(32, true, &rng, 0x500000)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if !rng.ContainsRange(sub.Range()) {
		t.Fatalf("reservation %s not inside preferred range %s", sub.Range(), rng)
	}
}

func TestAllocationManagerShrinkAndDispose(t *testing.T) {
	mgr := newAllocationManager(newFakeFacade(), &fakeHandle{pid: 1}, Bitness64)
	sub, err := mgr.Reserve(128, true, nil, 0)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := mgr.Shrink(sub, 64); err != nil {
		t.Fatalf("Shrink: %v", err)
	}
	if sub.Size != 64 {
		t.Errorf("Size after shrink = %d, want 64", sub.Size)
	}
	if err := mgr.Dispose(sub, true); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	// The parent was released with its last sub-reservation, so a
	// fresh reservation of the same size must still succeed (the
	// manager allocates a new parent for it).
	if _, err := mgr.Reserve(64, true, nil, 0); err != nil {
		t.Fatalf("Reserve after dispose: %v", err)
	}
}

func TestAllocationManagerRejectsNonPositiveSize(t *testing.T) {
	mgr := newAllocationManager(newFakeFacade(), &fakeHandle{pid: 1}, Bitness64)
	if _, err := mgr.Reserve(0, true, nil, 0); err == nil {
		t.Errorf("expected an error reserving zero bytes")
	}
}
