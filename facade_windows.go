//go:build windows

package memhook

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// windowsHandle wraps the HANDLE returned by OpenProcess. The process
// handle must be closed exactly once; Close does that here instead of
// leaving it to a finalizer.
type windowsHandle struct {
	pid    int
	handle windows.Handle
}

func (h *windowsHandle) PID() int { return h.pid }
func (h *windowsHandle) Close() error {
	return windows.CloseHandle(h.handle)
}

type windowsThreadHandle struct {
	handle windows.Handle
}

func (t *windowsThreadHandle) Native() any { return t.handle }

type windowsFacade struct{}

func newOSFacade() osFacade { return &windowsFacade{} }

const processAllAccess = windows.PROCESS_CREATE_THREAD | windows.PROCESS_QUERY_INFORMATION |
	windows.PROCESS_VM_OPERATION | windows.PROCESS_VM_READ | windows.PROCESS_VM_WRITE

func (f *windowsFacade) Attach(pid int) (ProcessHandle, Bitness, []ModuleInfo, error) {
	h, err := windows.OpenProcess(processAllAccess, false, uint32(pid))
	if err != nil {
		if err == windows.ERROR_INVALID_PARAMETER {
			return nil, 0, nil, ErrProcessNotFound
		}
		return nil, 0, nil, fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}
	wh := &windowsHandle{pid: pid, handle: h}
	bitness, err := detectWindowsBitness(h)
	if err != nil {
		windows.CloseHandle(h)
		return nil, 0, nil, err
	}
	mods, err := f.ListModules(wh)
	if err != nil {
		windows.CloseHandle(h)
		return nil, 0, nil, err
	}
	return wh, bitness, mods, nil
}

func (f *windowsFacade) AttachByName(name string) (ProcessHandle, Bitness, []ModuleInfo, error) {
	pid, err := findWindowsPIDByName(name)
	if err != nil {
		return nil, 0, nil, err
	}
	return f.Attach(pid)
}

// detectWindowsBitness uses IsWow64Process2; if that call fails (as on
// older systems), it reports Bitness64.
func detectWindowsBitness(h windows.Handle) (Bitness, error) {
	var processMachine, nativeMachine uint16
	if err := windows.IsWow64Process2(h, &processMachine, &nativeMachine); err != nil {
		return Bitness64, nil
	}
	if processMachine == 0 {
		// Not running under WOW64: native bitness of the host.
		if nativeMachine == windows.IMAGE_FILE_MACHINE_AMD64 || nativeMachine == windows.IMAGE_FILE_MACHINE_ARM64 {
			return Bitness64, nil
		}
		return Bitness32, nil
	}
	return Bitness32, nil
}

func findWindowsPIDByName(name string) (int, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return 0, err
	}
	defer windows.CloseHandle(snap)

	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	if err := windows.Process32First(snap, &entry); err != nil {
		return 0, err
	}
	for {
		exe := windows.UTF16ToString(entry.ExeFile[:])
		if exe == name {
			return int(entry.ProcessID), nil
		}
		if err := windows.Process32Next(snap, &entry); err != nil {
			break
		}
	}
	return 0, ErrProcessNotFound
}

// ListModules enumerates loaded modules via CreateToolhelp32Snapshot
// and refines each one's size from its own PE header (modules_windows.go).
func (f *windowsFacade) ListModules(h ProcessHandle) ([]ModuleInfo, error) {
	wh := h.(*windowsHandle)
	snap, err := windows.CreateToolhelp32Snapshot(
		windows.TH32CS_SNAPMODULE|windows.TH32CS_SNAPMODULE32, uint32(wh.pid))
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(snap)

	var entry windows.ModuleEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	var mods []ModuleInfo
	if err := windows.Module32First(snap, &entry); err != nil {
		return mods, nil
	}
	for {
		name := windows.UTF16ToString(entry.Module[:])
		base := uint64(entry.ModBaseAddr)
		size := uint64(entry.ModBaseSize)
		if peSize, perr := peImageSize(f, h, base); perr == nil && peSize > 0 {
			size = peSize
		}
		mods = append(mods, ModuleInfo{Name: name, Base: base, Size: size})
		if err := windows.Module32Next(snap, &entry); err != nil {
			break
		}
	}
	return mods, nil
}

func (f *windowsFacade) ReadMemory(h ProcessHandle, addr uint64, length int) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	wh := h.(*windowsHandle)
	buf := make([]byte, length)
	var nRead uintptr
	err := windows.ReadProcessMemory(wh.handle, uintptr(addr), &buf[0], uintptr(length), &nRead)
	if err != nil || int(nRead) != length {
		return nil, &ReadError{Addr: addr, Len: length, OSReason: err}
	}
	return buf, nil
}

func (f *windowsFacade) WriteMemory(h ProcessHandle, addr uint64, data []byte) error {
	wh := h.(*windowsHandle)
	if len(data) == 0 {
		return nil
	}
	var nWritten uintptr
	err := windows.WriteProcessMemory(wh.handle, uintptr(addr), &data[0], uintptr(len(data)), &nWritten)
	if err != nil || int(nWritten) != len(data) {
		return &WriteError{Addr: addr, Len: len(data), OSReason: err}
	}
	return nil
}

func (f *windowsFacade) SetProtection(h ProcessHandle, addr uint64, length int, prot Protection) (Protection, error) {
	wh := h.(*windowsHandle)
	var old uint32
	err := windows.VirtualProtectEx(wh.handle, uintptr(addr), uintptr(length), protectionToWin32(prot), &old)
	if err != nil {
		return 0, &AllocationError{OSReason: err}
	}
	return win32ToProtection(old), nil
}

func protectionToWin32(p Protection) uint32 {
	exec := p&ProtExecute != 0
	read := p&ProtRead != 0
	write := p&ProtWrite != 0
	switch {
	case exec && write:
		return windows.PAGE_EXECUTE_READWRITE
	case exec && read:
		return windows.PAGE_EXECUTE_READ
	case exec:
		return windows.PAGE_EXECUTE
	case write:
		return windows.PAGE_READWRITE
	case read:
		return windows.PAGE_READONLY
	default:
		return windows.PAGE_NOACCESS
	}
}

func win32ToProtection(v uint32) Protection {
	switch v {
	case windows.PAGE_EXECUTE_READWRITE:
		return ProtRead | ProtWrite | ProtExecute
	case windows.PAGE_EXECUTE_READ:
		return ProtRead | ProtExecute
	case windows.PAGE_EXECUTE:
		return ProtExecute
	case windows.PAGE_READWRITE:
		return ProtRead | ProtWrite
	case windows.PAGE_READONLY:
		return ProtRead
	default:
		return ProtNone
	}
}

func (f *windowsFacade) Allocate(h ProcessHandle, nearAddr uint64, size int, exec bool) (uint64, error) {
	wh := h.(*windowsHandle)
	prot := uint32(windows.PAGE_READWRITE)
	if exec {
		prot = windows.PAGE_EXECUTE_READWRITE
	}
	addr, err := windows.VirtualAllocEx(wh.handle, uintptr(nearAddr), uintptr(size),
		windows.MEM_COMMIT|windows.MEM_RESERVE, prot)
	if err != nil || addr == 0 {
		return 0, &AllocationError{OSReason: err}
	}
	return uint64(addr), nil
}

func (f *windowsFacade) Free(h ProcessHandle, base uint64) error {
	wh := h.(*windowsHandle)
	return windows.VirtualFreeEx(wh.handle, uintptr(base), 0, windows.MEM_RELEASE)
}

var (
	modKernel32            = windows.NewLazySystemDLL("kernel32.dll")
	procCreateRemoteThread = modKernel32.NewProc("CreateRemoteThread")
)

// CreateRemoteThread has no direct wrapper in golang.org/x/sys/windows,
// so it's invoked through a lazily-bound kernel32 proc.
func (f *windowsFacade) CreateRemoteThread(h ProcessHandle, entry uint64, arg uint64) (ThreadHandle, error) {
	wh := h.(*windowsHandle)
	handle, _, err := procCreateRemoteThread.Call(
		uintptr(wh.handle), 0, 0, uintptr(entry), uintptr(arg), 0, 0)
	if handle == 0 {
		return nil, fmt.Errorf("CreateRemoteThread: %v", err)
	}
	return &windowsThreadHandle{handle: windows.Handle(handle)}, nil
}

func (f *windowsFacade) WaitThread(t ThreadHandle, timeout time.Duration) (WaitResult, error) {
	th := t.(*windowsThreadHandle)
	ms := uint32(timeout.Milliseconds())
	ev, err := windows.WaitForSingleObject(th.handle, ms)
	if err != nil {
		return WaitTimeout, err
	}
	if ev == uint32(windows.WAIT_TIMEOUT) {
		return WaitTimeout, nil
	}
	return WaitSignaled, nil
}
