package memhook

import "fmt"

// changeState tracks a CodeChange / CodeHook through its
// unhooked, hooked, reverted lifecycle. The zero value is unhooked.
type changeState int

const (
	stateUnhooked changeState = iota
	stateHooked
	stateReverted
)

// CodeChange is a process handle, an address, and the bytes that lived
// there before the change was made. Revert is idempotent and writes
// the original bytes back byte-for-byte.
type CodeChange struct {
	facade        osFacade
	handle        ProcessHandle
	addr          uint64
	originalBytes []byte
	protoStrategy ProtectionStrategy
	state         changeState
}

// newCodeChange writes newBytes at addr, remembering origBytes so a
// later revert() can restore them. The caller has already decided the
// write is safe to perform (bounds, decode, etc. are the composer's
// job); this type only owns the before/after bytes and the revert
// mechanics.
func newCodeChange(facade osFacade, handle ProcessHandle, addr uint64, origBytes, newBytes []byte, strategy ProtectionStrategy) (*CodeChange, error) {
	c := &CodeChange{
		facade:        facade,
		handle:        handle,
		addr:          addr,
		originalBytes: append([]byte{}, origBytes...),
		protoStrategy: strategy,
		state:         stateHooked,
	}
	if err := writeProtected(facade, handle, addr, newBytes, strategy); err != nil {
		return nil, err
	}
	return c, nil
}

// Revert restores the original bytes at addr. It is idempotent: a
// second call performs the identical write again rather than erroring,
// since the current state lives in the process memory itself and there
// is nothing else to roll back.
func (c *CodeChange) Revert() error {
	if c.state == stateUnhooked {
		return fmt.Errorf("memhook: revert of a change that was never committed")
	}
	if err := writeProtected(c.facade, c.handle, c.addr, c.originalBytes, c.protoStrategy); err != nil {
		return err
	}
	c.state = stateReverted
	return nil
}

// writeProtected performs a single memory write honoring the caller's
// ProtectionStrategy: Ignore writes without
// touching protection, Remove leaves the page writable afterward, and
// RemoveAndRestore (the default) puts the previous protection back.
func writeProtected(facade osFacade, handle ProcessHandle, addr uint64, data []byte, strategy ProtectionStrategy) error {
	if strategy == ProtectionIgnore {
		if err := facade.WriteMemory(handle, addr, data); err != nil {
			return &WriteError{Addr: addr, Len: len(data), OSReason: err}
		}
		return nil
	}

	old, err := facade.SetProtection(handle, addr, len(data), ProtRead|ProtWrite|ProtExecute)
	if err != nil {
		return &WriteError{Addr: addr, Len: len(data), OSReason: err}
	}
	writeErr := facade.WriteMemory(handle, addr, data)
	if strategy == ProtectionRemoveAndRestore {
		if _, restoreErr := facade.SetProtection(handle, addr, len(data), old); restoreErr != nil && writeErr == nil {
			writeErr = restoreErr
		}
	}
	if writeErr != nil {
		return &WriteError{Addr: addr, Len: len(data), OSReason: writeErr}
	}
	return nil
}
