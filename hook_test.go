package memhook

import (
	"bytes"
	"testing"
)

// movSite is a literal 7-byte instruction,
// `mov dword ptr [rcx+0x38], 0x000F1113`: a write a game might perform
// on a field a trainer wants to intercept.
var movSite = []byte{0xC7, 0x41, 0x38, 0x13, 0x11, 0x0F, 0x00}

func newTestAttachment(t *testing.T, siteAddr uint64, siteBytes []byte) (*Attachment, *fakeFacade) {
	t.Helper()
	facade := newFakeFacade()
	handle, bitness, modules, err := facade.Attach(1234)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	facade.WriteMemory(handle, siteAddr, siteBytes)
	return newAttachment(facade, handle, bitness, modules), facade
}

func TestHookReplaceOriginalAndRevert(t *testing.T) {
	const site = uint64(0x401000)
	a, facade := newTestAttachment(t, site, movSite)

	opts := DefaultHookOptions()
	opts.ExecutionMode = ReplaceOriginal
	// A trivial 2-byte `xor eax, eax` stands in for injected user code;
	// its exact semantics don't matter here, only that the pipeline
	// treats it as an opaque byte string.
	hook, err := a.Hook(site, RawCode([]byte{0x31, 0xC0}), opts)
	if err != nil {
		t.Fatalf("Hook: %v", err)
	}

	siteAfter, err := facade.ReadMemory(a.handle, site, hook.SiteLength)
	if err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	if siteAfter[0] != 0xE9 && !(siteAfter[0] == 0xFF && siteAfter[1] == 0x25) {
		t.Fatalf("site does not begin with a near or far jump opcode: % x", siteAfter)
	}
	if len(siteAfter) != hook.SiteLength {
		t.Fatalf("patched region length = %d, want %d", len(siteAfter), hook.SiteLength)
	}

	// No instruction boundary may be split: the patched length must
	// equal the exact length of the 7-byte mov, the only instruction at
	// the site.
	if hook.SiteLength != len(movSite) {
		t.Fatalf("SiteLength = %d, want %d (the single overwritten instruction)", hook.SiteLength, len(movSite))
	}

	if err := hook.Revert(); err != nil {
		t.Fatalf("Revert: %v", err)
	}
	reverted, err := facade.ReadMemory(a.handle, site, len(movSite))
	if err != nil {
		t.Fatalf("ReadMemory after revert: %v", err)
	}
	if !bytes.Equal(reverted, movSite) {
		t.Fatalf("post-revert bytes = % x, want % x (revert restores byte-for-byte)", reverted, movSite)
	}

	// Revert is idempotent.
	if err := hook.Revert(); err != nil {
		t.Fatalf("second Revert: %v", err)
	}
}

func TestHookEmptyCodeRejected(t *testing.T) {
	const site = uint64(0x402000)
	a, _ := newTestAttachment(t, site, movSite)

	_, err := a.Hook(site, RawCode(nil), DefaultHookOptions())
	if err == nil {
		t.Fatalf("expected an error hooking with empty code")
	}
	if _, ok := err.(*InvalidArgumentError); !ok {
		t.Fatalf("error type = %T, want *InvalidArgumentError", err)
	}
}

func TestHookZeroSiteRejected(t *testing.T) {
	a, _ := newTestAttachment(t, 0x403000, movSite)
	if _, err := a.Hook(uint64(0), RawCode([]byte{0x90}), DefaultHookOptions()); err != ErrZeroPointer {
		t.Fatalf("err = %v, want ErrZeroPointer", err)
	}
}

func TestHookDetachedProcessRejected(t *testing.T) {
	a, _ := newTestAttachment(t, 0x404000, movSite)
	a.Detach()
	if _, err := a.Hook(uint64(0x404000), RawCode([]byte{0x90}), DefaultHookOptions()); err != ErrDetachedProcess {
		t.Fatalf("err = %v, want ErrDetachedProcess", err)
	}
}

// allocateAtFacade forces every Allocate call to a fixed address far
// outside any near-jump window, so NearOnly reservations are
// guaranteed to fail the range containment check.
type allocateAtFacade struct {
	*fakeFacade
	fixedBase uint64
}

func (f *allocateAtFacade) Allocate(h ProcessHandle, nearAddr uint64, size int, exec bool) (uint64, error) {
	return f.fixedBase, nil
}

func TestHookNearOnlyFailureLeavesSiteUntouched(t *testing.T) {
	const site = uint64(0x405000)
	inner := newFakeFacade()
	inner.WriteMemory(&fakeHandle{pid: 1}, site, movSite)
	facade := &allocateAtFacade{fakeFacade: inner, fixedBase: 0xFFFFFFFF00000000}

	handle := &fakeHandle{pid: 1}
	a := newAttachment(facade, handle, Bitness64, nil)

	opts := DefaultHookOptions()
	opts.JumpMode = NearOnly
	before, _ := facade.ReadMemory(handle, site, len(movSite))

	_, err := a.Hook(site, RawCode([]byte{0x90}), opts)
	if err == nil {
		t.Fatalf("expected AllocationError with NearOnly and an out-of-range parent")
	}
	if _, ok := err.(*AllocationError); !ok {
		t.Fatalf("error type = %T, want *AllocationError", err)
	}

	after, _ := facade.ReadMemory(handle, site, len(movSite))
	if !bytes.Equal(before, after) {
		t.Fatalf("site bytes changed despite hook failure: before=% x after=% x", before, after)
	}
}

func TestReplaceCodeAtFitsDirectly(t *testing.T) {
	const site = uint64(0x406000)
	a, facade := newTestAttachment(t, site, movSite)

	// `xor eax, eax` (2 bytes) fits well within the 7-byte mov it
	// replaces, so ReplaceCodeAt must take the direct-overwrite path
	// and return a plain Change, not a Hook.
	result, err := a.ReplaceCodeAt(site, 1, RawCode([]byte{0x31, 0xC0}), RegisterPreserveSet{})
	if err != nil {
		t.Fatalf("ReplaceCodeAt: %v", err)
	}
	if result.Hook != nil || result.Change == nil {
		t.Fatalf("expected a direct Change, got Hook=%v Change=%v", result.Hook, result.Change)
	}

	patched, err := facade.ReadMemory(a.handle, site, len(movSite))
	if err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	if patched[0] != 0x31 || patched[1] != 0xC0 {
		t.Fatalf("patched bytes = % x, want to start with 31 c0", patched)
	}
	for _, b := range patched[2:] {
		if b != 0x90 {
			t.Fatalf("expected NOP padding after replacement, got % x", patched)
		}
	}

	if err := result.Change.Revert(); err != nil {
		t.Fatalf("Revert: %v", err)
	}
	reverted, _ := facade.ReadMemory(a.handle, site, len(movSite))
	if !bytes.Equal(reverted, movSite) {
		t.Fatalf("post-revert bytes = % x, want % x", reverted, movSite)
	}
}

// TestHookInjectedFirstPreservesRegister hooks with InjectedFirst and
// a body that clobbers RCX, preserving RCX. The
// trampoline must save RCX before the injected code, restore it
// after, and only then run the relocated original instruction
// (`mov dword ptr [rcx+0x38], ...`) — so the downstream write still
// addresses the caller's original RCX rather than the zero the
// injected code set it to.
func TestHookInjectedFirstPreservesRegister(t *testing.T) {
	const site = uint64(0x407000)
	a, facade := newTestAttachment(t, site, movSite)

	opts := DefaultHookOptions()
	opts.ExecutionMode = InjectedFirst
	opts.RegistersToPreserve = RegisterPreserveSet{}.WithRegisters(RCX)

	// `mov rcx, 0` (REX.W C7 /0 imm32): clobbers RCX, the register the
	// relocated mov dword ptr [rcx+0x38] downstream depends on.
	movRCXZero := []byte{0x48, 0xC7, 0xC1, 0x00, 0x00, 0x00, 0x00}
	hook, err := a.Hook(site, RawCode(movRCXZero), opts)
	if err != nil {
		t.Fatalf("Hook: %v", err)
	}

	var want []byte
	want = append(want, EmitPushReg(RCX)...)
	want = append(want, movRCXZero...)
	want = append(want, EmitPopReg(RCX)...)
	want = append(want, movSite...)

	tramp, err := facade.ReadMemory(a.handle, hook.Trampoline.Base, len(want))
	if err != nil {
		t.Fatalf("ReadMemory trampoline: %v", err)
	}
	if !bytes.Equal(tramp, want) {
		t.Fatalf("trampoline = % x, want push-RCX/mov-rcx,0/pop-RCX/original-mov = % x", tramp, want)
	}

	if err := hook.Revert(); err != nil {
		t.Fatalf("Revert: %v", err)
	}
	reverted, err := facade.ReadMemory(a.handle, site, len(movSite))
	if err != nil {
		t.Fatalf("ReadMemory after revert: %v", err)
	}
	if !bytes.Equal(reverted, movSite) {
		t.Fatalf("post-revert bytes = % x, want % x (original mov, RCX-dependent semantics restored)", reverted, movSite)
	}
}
