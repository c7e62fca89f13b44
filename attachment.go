package memhook

import "sync"

// Attachment is the owner of every resource derived from a live
// process attach: the OS handle, the allocation manager subdividing
// its executable pages, and the hook composer built on top of both.
// There is no package-level state; dropping an Attachment drops
// everything it owns.
type Attachment struct {
	facade  osFacade
	handle  ProcessHandle
	bitness Bitness

	mu       sync.Mutex
	modules  []ModuleInfo
	detached bool

	allocMgr *AllocationManager
	composer *hookComposer
}

func newAttachment(facade osFacade, handle ProcessHandle, bitness Bitness, modules []ModuleInfo) *Attachment {
	allocMgr := newAllocationManager(facade, handle, bitness)
	return &Attachment{
		facade:   facade,
		handle:   handle,
		bitness:  bitness,
		modules:  modules,
		allocMgr: allocMgr,
		composer: &hookComposer{facade: facade, handle: handle, bitness: bitness, allocMgr: allocMgr},
	}
}

// AttachByPID opens the process with the given PID using the host's
// native OS facade.
func AttachByPID(pid int) (*Attachment, error) {
	facade := newOSFacade()
	handle, bitness, modules, err := facade.Attach(pid)
	if err != nil {
		return nil, err
	}
	return newAttachment(facade, handle, bitness, modules), nil
}

// AttachByName locates and opens a running process by its executable
// name.
func AttachByName(name string) (*Attachment, error) {
	facade := newOSFacade()
	handle, bitness, modules, err := facade.AttachByName(name)
	if err != nil {
		return nil, err
	}
	return newAttachment(facade, handle, bitness, modules), nil
}

// Attach adopts an already-opened ProcessHandle, useful for tests and
// callers that have their own process-discovery logic but still want
// this package's facade
// wiring. modules is the module list as reported by facade at the time
// of the call.
func Attach(facade osFacade, handle ProcessHandle, bitness Bitness, modules []ModuleInfo) *Attachment {
	return newAttachment(facade, handle, bitness, modules)
}

// Bitness reports whether the attached process is 32- or 64-bit.
func (a *Attachment) Bitness() Bitness { return a.bitness }

// PID reports the attached process's process ID.
func (a *Attachment) PID() int { return a.handle.PID() }

// Modules returns the module list captured at attach time. Call
// RefreshModules to re-enumerate (e.g. after the target loads a new
// library).
func (a *Attachment) Modules() []ModuleInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ModuleInfo, len(a.modules))
	copy(out, a.modules)
	return out
}

// RefreshModules re-enumerates the target's loaded modules.
func (a *Attachment) RefreshModules() ([]ModuleInfo, error) {
	if a.detached {
		return nil, ErrDetachedProcess
	}
	modules, err := a.facade.ListModules(a.handle)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.modules = modules
	a.mu.Unlock()
	return modules, nil
}

func (a *Attachment) moduleBase(name string) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range a.modules {
		if m.Name == name {
			return m.Base, true
		}
	}
	return 0, false
}

// Detach invalidates the attachment; every subsequent read, write,
// path evaluation, reservation, module refresh or hook call made
// through it fails with ErrDetachedProcess (the Bitness, PID and
// Modules accessors still answer). Idempotent. Closes the underlying
// process handle exactly once.
func (a *Attachment) Detach() error {
	a.mu.Lock()
	if a.detached {
		a.mu.Unlock()
		return nil
	}
	a.detached = true
	a.mu.Unlock()
	return a.handle.Close()
}

// Evaluate resolves a pointer-path string against this attachment's
// live memory layout.
func (a *Attachment) Evaluate(path string) (uint64, error) {
	p, err := ParsePointerPath(path)
	if err != nil {
		return 0, &PathEvaluationError{Details: "parse", Cause: err}
	}
	return a.Resolve(p)
}

// Resolve evaluates an already-parsed PointerPath:
// locate the base module (or take the absolute initial address),
// reject a 64-bit-only value on a 32-bit process, then chase each
// remaining offset by reading a pointer-sized value at the current
// address and adding the next offset to it.
func (a *Attachment) Resolve(p *PointerPath) (uint64, error) {
	if a.detached {
		return 0, ErrDetachedProcess
	}

	var addr uint64
	if p.HasModule() {
		base, ok := a.moduleBase(p.ModuleName)
		if !ok {
			return 0, &PathEvaluationError{Details: "module " + p.ModuleName + " not found"}
		}
		sum, ok := p.ModuleOffset.ApplyToAddress(base)
		if !ok {
			return 0, &PathEvaluationError{Details: "module offset overflow"}
		}
		addr = sum
	} else {
		if !a.bitness.Is64() && p.InitialAddress.Is64BitOnly() {
			return 0, &IncompatibleBitnessError{Addr: p.InitialAddress.Magnitude()}
		}
		addr = p.InitialAddress.Magnitude()
	}

	for _, off := range p.Offsets {
		ptr, err := a.ReadPointer(addr)
		if err != nil {
			return 0, &PathEvaluationError{Details: "unresolved path: read pointer", Cause: err}
		}
		if ptr == 0 {
			return 0, &PathEvaluationError{Details: "unresolved path: null pointer read"}
		}
		if !a.bitness.Is64() && off.Is64BitOnly() {
			return 0, &IncompatibleBitnessError{Addr: off.Magnitude()}
		}
		next, ok := off.ApplyToAddress(ptr)
		if !ok {
			return 0, &PathEvaluationError{Details: "unresolved path: offset overflow"}
		}
		addr = next
	}
	return addr, nil
}

// resolveTarget accepts either a raw address or a pointer-path string,
// the addr-or-path parameter shared by every hook/read/write entry
// point.
func (a *Attachment) resolveTarget(addrOrPath any) (uint64, error) {
	switch v := addrOrPath.(type) {
	case uint64:
		return v, nil
	case int:
		return uint64(v), nil
	case string:
		return a.Evaluate(v)
	case *PointerPath:
		return a.Resolve(v)
	default:
		return 0, &InvalidArgumentError{Reason: "addr_or_path must be a uint64 address, a pointer-path string, or a *PointerPath"}
	}
}

// Reserve hands out a sub-reservation of executable (or plain) memory,
// optionally constrained to a preferred range and biased toward a near
// address.
func (a *Attachment) Reserve(size int, executable bool, preferredRange *MemRange, near uint64) (*SubReservation, error) {
	if a.detached {
		return nil, ErrDetachedProcess
	}
	return a.allocMgr.Reserve(size, executable, preferredRange, near)
}

// Hook installs a full trampoline hook at addrOrPath per opts.
func (a *Attachment) Hook(addrOrPath any, code Code, opts HookOptions) (*CodeHook, error) {
	if a.detached {
		return nil, ErrDetachedProcess
	}
	site, err := a.resolveTarget(addrOrPath)
	if err != nil {
		return nil, err
	}
	return a.composer.Hook(site, code, opts)
}

// InsertCodeAt is the shortcut for Hook with InjectedFirst.
func (a *Attachment) InsertCodeAt(addrOrPath any, code Code, preserve RegisterPreserveSet) (*CodeHook, error) {
	if a.detached {
		return nil, ErrDetachedProcess
	}
	site, err := a.resolveTarget(addrOrPath)
	if err != nil {
		return nil, err
	}
	return a.composer.InsertCodeAt(site, code, preserve)
}

// ReplaceCodeAt performs a direct overwrite when code fits within
// nInstructions' byte span, otherwise a full ReplaceOriginal hook.
func (a *Attachment) ReplaceCodeAt(addrOrPath any, nInstructions int, code Code, preserve RegisterPreserveSet) (*ReplaceResult, error) {
	if a.detached {
		return nil, ErrDetachedProcess
	}
	site, err := a.resolveTarget(addrOrPath)
	if err != nil {
		return nil, err
	}
	opts := DefaultHookOptions()
	opts.RegistersToPreserve = preserve
	return a.composer.ReplaceCodeAt(site, nInstructions, code, opts)
}
