package memhook

import (
	"errors"
	"time"
)

// Protection mirrors the coarse page-protection flags every supported
// OS facade can represent.
type Protection int

const (
	ProtNone    Protection = 0
	ProtRead    Protection = 1 << 0
	ProtWrite   Protection = 1 << 1
	ProtExecute Protection = 1 << 2
)

// ModuleInfo describes one loaded module in the target process.
type ModuleInfo struct {
	Name string
	Base uint64
	Size uint64
}

// ThreadHandle is an opaque OS thread handle returned by
// CreateRemoteThread, consumed only by WaitThread.
type ThreadHandle interface {
	// Native exposes the underlying OS-specific value for diagnostics;
	// callers should not depend on its concrete type.
	Native() any
}

// WaitResult is the outcome of WaitThread.
type WaitResult int

const (
	WaitSignaled WaitResult = iota
	WaitTimeout
)

// ProcessHandle is the opaque, OS-specific handle an osFacade hands back
// from Attach. It is never interpreted by the core.
type ProcessHandle interface {
	PID() int
	// Close releases OS resources (e.g. closes the Windows HANDLE, or
	// detaches a ptrace session). Called exactly once per attach; the
	// handle is owned by the Attachment.
	Close() error
}

// osFacade is the raw OS-primitive surface the rest of the library is
// built on. Implementations are thin, OS-specific adapters kept out of
// the core's correctness properties.
type osFacade interface {
	Attach(pid int) (ProcessHandle, Bitness, []ModuleInfo, error)
	AttachByName(name string) (ProcessHandle, Bitness, []ModuleInfo, error)
	ListModules(h ProcessHandle) ([]ModuleInfo, error)

	ReadMemory(h ProcessHandle, addr uint64, length int) ([]byte, error)
	WriteMemory(h ProcessHandle, addr uint64, data []byte) error

	SetProtection(h ProcessHandle, addr uint64, length int, prot Protection) (Protection, error)

	// Allocate reserves size bytes of OS-level memory, executable iff
	// exec, at or near nearAddr when nearAddr != 0, returning the base
	// address of the new region.
	Allocate(h ProcessHandle, nearAddr uint64, size int, exec bool) (uint64, error)
	Free(h ProcessHandle, base uint64) error

	CreateRemoteThread(h ProcessHandle, entry uint64, arg uint64) (ThreadHandle, error)
	WaitThread(t ThreadHandle, timeout time.Duration) (WaitResult, error)
}

// ErrProcessNotFound and ErrAccessDenied are the two failure axes the
// OS facade's attach operation distinguishes.
var (
	ErrProcessNotFound = errors.New("memhook: process not found")
	ErrAccessDenied    = errors.New("memhook: access denied")
	ErrInvalidRange    = errors.New("memhook: invalid address range")
	ErrInvalidBase     = errors.New("memhook: invalid allocation base")
	ErrOutOfMemory     = errors.New("memhook: out of memory")
)
