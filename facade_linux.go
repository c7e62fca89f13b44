//go:build linux

package memhook

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// linuxHandle is the ProcessHandle returned by the Linux osFacade. It
// carries no open file descriptors of its own: reads go through
// process_vm_readv (falling back to /proc/<pid>/mem), and writes are
// wrapped in a short-lived ptrace attach/detach. The ptrace session is
// scoped to each write, not held for the handle's lifetime, so
// unrelated debuggers can still attach between calls.
type linuxHandle struct {
	pid int
}

func (h *linuxHandle) PID() int     { return h.pid }
func (h *linuxHandle) Close() error { return nil }

type linuxThreadHandle struct {
	tid    int
	result uint64
	done   bool
}

func (t *linuxThreadHandle) Native() any { return t.tid }

// linuxFacade tracks the size of each OS-level region it hands back
// from Allocate, keyed by base address, since munmap (unlike Windows'
// VirtualFree) needs a length and Free only takes a base address.
type linuxFacade struct {
	mu         sync.Mutex
	allocSizes map[uint64]int
}

func newOSFacade() osFacade {
	return &linuxFacade{allocSizes: make(map[uint64]int)}
}

func (f *linuxFacade) Attach(pid int) (ProcessHandle, Bitness, []ModuleInfo, error) {
	if _, err := os.Stat(fmt.Sprintf("/proc/%d", pid)); err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil, ErrProcessNotFound
		}
		return nil, 0, nil, err
	}
	h := &linuxHandle{pid: pid}
	bitness, err := detectLinuxBitness(pid)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}
	mods, err := f.ListModules(h)
	if err != nil {
		return nil, 0, nil, err
	}
	return h, bitness, mods, nil
}

func (f *linuxFacade) AttachByName(name string) (ProcessHandle, Bitness, []ModuleInfo, error) {
	pid, err := findLinuxPIDByName(name)
	if err != nil {
		return nil, 0, nil, err
	}
	return f.Attach(pid)
}

// detectLinuxBitness inspects the ELF identification bytes of the
// process's own executable: EI_CLASS (byte 4) is 1 for ELFCLASS32, 2
// for ELFCLASS64.
func detectLinuxBitness(pid int) (Bitness, error) {
	exe, err := os.Open(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return 0, err
	}
	defer exe.Close()
	var ident [5]byte
	if _, err := exe.Read(ident[:]); err != nil {
		return 0, err
	}
	if !bytes.Equal(ident[:4], []byte{0x7f, 'E', 'L', 'F'}) {
		return 0, fmt.Errorf("not an ELF executable")
	}
	switch ident[4] {
	case 1:
		return Bitness32, nil
	case 2:
		return Bitness64, nil
	default:
		return 0, fmt.Errorf("unrecognized ELF class %d", ident[4])
	}
}

func findLinuxPIDByName(name string) (int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(comm)) == name {
			return pid, nil
		}
	}
	return 0, ErrProcessNotFound
}

// ListModules walks /proc/<pid>/maps, grouping mapped regions by
// backing file and taking the lowest start address as each module's
// base. Size is refined by parsing the module's own ELF header out of
// its mapped memory (see modules_linux.go); if that fails, the span from
// the file's lowest mapping start to its highest mapping end is used
// instead.
func (f *linuxFacade) ListModules(h ProcessHandle) ([]ModuleInfo, error) {
	pid := h.PID()
	file, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	type span struct {
		start, end uint64
	}
	order := []string{}
	spans := map[string]*span{}

	sc := bufio.NewScanner(file)
	for sc.Scan() {
		line := sc.Text()
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		path := fields[5]
		if path == "" || strings.HasPrefix(path, "[") {
			continue
		}
		addrs := strings.SplitN(fields[0], "-", 2)
		if len(addrs) != 2 {
			continue
		}
		start, err1 := strconv.ParseUint(addrs[0], 16, 64)
		end, err2 := strconv.ParseUint(addrs[1], 16, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		sp, ok := spans[path]
		if !ok {
			order = append(order, path)
			spans[path] = &span{start: start, end: end}
			continue
		}
		if start < sp.start {
			sp.start = start
		}
		if end > sp.end {
			sp.end = end
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	mods := make([]ModuleInfo, 0, len(order))
	for _, path := range order {
		sp := spans[path]
		size := sp.end - sp.start
		if elfSize, err := elfImageSize(f, h, sp.start); err == nil && elfSize > 0 {
			size = elfSize
		}
		mods = append(mods, ModuleInfo{
			Name: filepath.Base(path),
			Base: sp.start,
			Size: size,
		})
	}
	return mods, nil
}

func (f *linuxFacade) ReadMemory(h ProcessHandle, addr uint64, length int) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	pid := h.PID()
	buf := make([]byte, length)
	local := []unix.Iovec{{Base: &buf[0], Len: uint64(length)}}
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: length}}
	n, err := unix.ProcessVMReadv(pid, local, remote, 0)
	if err == nil && n == length {
		return buf, nil
	}
	// Fall back to /proc/<pid>/mem, readable without ptrace for
	// same-owner processes.
	f2, ferr := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDONLY, 0)
	if ferr != nil {
		return nil, &ReadError{Addr: addr, Len: length, OSReason: ferr}
	}
	defer f2.Close()
	n2, rerr := f2.ReadAt(buf, int64(addr))
	if rerr != nil && n2 != length {
		return nil, &ReadError{Addr: addr, Len: length, OSReason: rerr}
	}
	return buf, nil
}

func (f *linuxFacade) WriteMemory(h ProcessHandle, addr uint64, data []byte) error {
	pid := h.PID()
	return withPtraceAttached(pid, func() error {
		memFile, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDWR, 0)
		if err != nil {
			return &WriteError{Addr: addr, Len: len(data), OSReason: err}
		}
		defer memFile.Close()
		if _, err := memFile.WriteAt(data, int64(addr)); err != nil {
			return &WriteError{Addr: addr, Len: len(data), OSReason: err}
		}
		return nil
	})
}

// withPtraceAttached scopes a ptrace session around fn: attach, wait for
// the stop, run fn, detach. This is what authorizes /proc/<pid>/mem
// writes to pages the calling process doesn't itself own (the kernel's
// FOLL_FORCE path for an active tracer).
func withPtraceAttached(pid int, fn func() error) error {
	if err := unix.PtraceAttach(pid); err != nil {
		return err
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		unix.PtraceDetach(pid)
		return err
	}
	defer unix.PtraceDetach(pid)
	return fn()
}

func (f *linuxFacade) SetProtection(h ProcessHandle, addr uint64, length int, prot Protection) (Protection, error) {
	pid := h.PID()
	old, err := currentLinuxProtection(pid, addr)
	if err != nil {
		return 0, err
	}
	err = withPtraceAttached(pid, func() error {
		_, rerr := remoteMprotect(pid, addr, length, prot)
		return rerr
	})
	if err != nil {
		return old, &AllocationError{OSReason: err}
	}
	return old, nil
}

func currentLinuxProtection(pid int, addr uint64) (Protection, error) {
	file, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return 0, err
	}
	defer file.Close()
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		addrs := strings.SplitN(fields[0], "-", 2)
		if len(addrs) != 2 {
			continue
		}
		start, e1 := strconv.ParseUint(addrs[0], 16, 64)
		end, e2 := strconv.ParseUint(addrs[1], 16, 64)
		if e1 != nil || e2 != nil || addr < start || addr >= end {
			continue
		}
		perms := fields[1]
		var p Protection
		if strings.Contains(perms, "r") {
			p |= ProtRead
		}
		if strings.Contains(perms, "w") {
			p |= ProtWrite
		}
		if strings.Contains(perms, "x") {
			p |= ProtExecute
		}
		return p, nil
	}
	return 0, ErrInvalidRange
}

func (f *linuxFacade) Allocate(h ProcessHandle, nearAddr uint64, size int, exec bool) (uint64, error) {
	pid := h.PID()
	var base uint64
	err := withPtraceAttached(pid, func() error {
		prot := unix.PROT_READ | unix.PROT_WRITE
		if exec {
			prot |= unix.PROT_EXEC
		}
		ret, rerr := remoteMmap(pid, nearAddr, size, prot)
		if rerr != nil {
			return rerr
		}
		base = ret
		return nil
	})
	if err != nil {
		return 0, &AllocationError{OSReason: err}
	}
	f.mu.Lock()
	f.allocSizes[base] = size
	f.mu.Unlock()
	return base, nil
}

func (f *linuxFacade) Free(h ProcessHandle, base uint64) error {
	pid := h.PID()
	f.mu.Lock()
	size, ok := f.allocSizes[base]
	delete(f.allocSizes, base)
	f.mu.Unlock()
	if !ok {
		return ErrInvalidBase
	}
	return withPtraceAttached(pid, func() error {
		return remoteMunmap(pid, base, size)
	})
}

// CreateRemoteThread hijacks the target's stopped thread to run
// entry(arg) to completion before returning (see remoteCall's doc
// comment for why this isn't a literal new OS thread). WaitThread on
// the handle it returns is therefore always already satisfied.
func (f *linuxFacade) CreateRemoteThread(h ProcessHandle, entry uint64, arg uint64) (ThreadHandle, error) {
	pid := h.PID()
	var result uint64
	err := withPtraceAttached(pid, func() error {
		r, rerr := remoteCall(pid, entry, arg)
		result = r
		return rerr
	})
	if err != nil {
		return nil, err
	}
	return &linuxThreadHandle{tid: pid, result: result, done: true}, nil
}

func (f *linuxFacade) WaitThread(t ThreadHandle, timeout time.Duration) (WaitResult, error) {
	th, ok := t.(*linuxThreadHandle)
	if !ok || !th.done {
		return WaitTimeout, nil
	}
	return WaitSignaled, nil
}
