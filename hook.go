package memhook

import (
	"math"
)

// MaxInsnLen is the worst-case length of a single x86/x64 instruction
// (the Intel SDM's documented upper bound), the slack term in the
// trampoline reservation size and the amount the site decode can
// overshoot its chosen jump length by.
const MaxInsnLen = 15

// LNear and LFar are the two jump encodings the composer chooses
// between: a 5-byte relative-32 near jump, and the FarJumpLength
// indirect far jump whose concrete encoding is documented in
// x86encode.go's EmitFarJump.
const (
	LNear = 5
	LFar  = FarJumpLength
)

// CodeKind distinguishes the two Code variants.
type CodeKind int

const (
	CodeKindBytes CodeKind = iota
	CodeKindProgram
)

// Program is the structured-assembler variant of Code: user code that
// must be (re-)assembled once its final trampoline address is known,
// rather than handed over as a fixed byte string.
type Program interface {
	Assemble(base uint64) ([]byte, error)
}

// Code is the composer's single polymorphic input type for injected
// user code. Kind is consulted only inside Code's own methods (empty
// and assemble); the composer itself never switches on it.
type Code struct {
	Kind    CodeKind
	bytes   []byte
	program Program
}

// RawCode wraps a fixed byte string as injected code.
func RawCode(b []byte) Code {
	return Code{Kind: CodeKindBytes, bytes: append([]byte{}, b...)}
}

// ProgramCode wraps a structured assembler program as injected code.
func ProgramCode(p Program) Code {
	return Code{Kind: CodeKindProgram, program: p}
}

func (c Code) empty() bool {
	return c.Kind == CodeKindBytes && len(c.bytes) == 0
}

func (c Code) assemble(base uint64) ([]byte, error) {
	if c.Kind == CodeKindBytes {
		return c.bytes, nil
	}
	return c.program.Assemble(base)
}

// CodeHook is a CodeChange at the call site plus the SubReservation
// holding the trampoline it diverts into. Reverting restores the
// call-site bytes and leaves the trampoline live until the caller
// explicitly releases it.
type CodeHook struct {
	change     *CodeChange
	allocMgr   *AllocationManager
	Trampoline *SubReservation
	Site       uint64
	SiteLength int
}

// Revert restores the original call-site bytes. Idempotent.
func (h *CodeHook) Revert() error { return h.change.Revert() }

// ReleaseTrampoline returns the trampoline's Sub-Reservation to its
// parent; the caller is responsible for knowing no thread is still
// executing inside it, since the composer cannot prove that.
func (h *CodeHook) ReleaseTrampoline(releaseParentIfEmpty bool) error {
	return h.allocMgr.Dispose(h.Trampoline, releaseParentIfEmpty)
}

// hookComposer owns the collaborators needed to build and commit a
// hook. An Attachment constructs one per attached process; every
// hook/insert/replace call goes through it.
type hookComposer struct {
	facade   osFacade
	handle   ProcessHandle
	bitness  Bitness
	allocMgr *AllocationManager
}

// Hook runs the full pipeline: validate, decide the jump encoding and
// reserve a trampoline near the site, decode the overwritten
// instructions, assemble the trampoline, and commit the trampoline
// write before the site jump so a mid-pipeline failure never touches
// the call site.
func (hc *hookComposer) Hook(site uint64, code Code, opts HookOptions) (*CodeHook, error) {
	if site == 0 {
		return nil, ErrZeroPointer
	}
	if !hc.bitness.Is64() && site > math.MaxUint32 {
		return nil, &IncompatibleBitnessError{Addr: site}
	}
	if code.empty() {
		return nil, &InvalidArgumentError{Reason: "hook code must not be empty"}
	}

	preserve := opts.RegistersToPreserve.forBitness(hc.bitness)
	preBlock, _ := buildIsolationPrologue(preserve)
	postBlock, _ := buildIsolationEpilogue(preserve)

	userEstimate, err := code.assemble(0)
	if err != nil {
		return nil, &CodeAssemblyError{Source: AssemblySourceInjectedCode, Details: err.Error()}
	}

	fpuScratchLen := 0
	if preserve.FPUStack {
		fpuScratchLen = FPUSaveAreaSize + 16
	}
	reserveSize := len(preBlock) + len(postBlock) + len(userEstimate) + LFar + MaxInsnLen + fpuScratchLen

	sub, jumpLen, err := hc.reserveTrampoline(site, reserveSize, opts.JumpMode)
	if err != nil {
		return nil, err
	}

	readLen := jumpLen + 2*MaxInsnLen
	siteCode, err := hc.facade.ReadMemory(hc.handle, site, readLen)
	if err != nil {
		hc.allocMgr.Dispose(sub, true)
		return nil, &ReadError{Addr: site, Len: readLen, OSReason: err}
	}
	insns, err := decodeUntil(siteCode, site, jumpLen, hc.bitness)
	if err != nil {
		hc.allocMgr.Dispose(sub, true)
		return nil, err
	}
	origBytes := make([]byte, 0, jumpLen)
	for _, in := range insns {
		origBytes = append(origBytes, in.Bytes...)
	}
	siteLen := len(origBytes)
	returnAddr := site + uint64(siteLen)

	trampolineBytes, err := hc.assembleTrampoline(sub.Base, preserve, insns, code, opts, returnAddr)
	if err != nil {
		hc.allocMgr.Dispose(sub, true)
		return nil, err
	}
	sanityCheckTrampoline(trampolineBytes, sub.Base, hc.bitness)
	if uint64(len(trampolineBytes)) < sub.Size {
		if err := hc.allocMgr.Shrink(sub, sub.Size-uint64(len(trampolineBytes))); err != nil {
			hc.allocMgr.Dispose(sub, true)
			return nil, err
		}
	}

	if err := hc.facade.WriteMemory(hc.handle, sub.Base, trampolineBytes); err != nil {
		hc.allocMgr.Dispose(sub, true)
		return nil, &WriteError{Addr: sub.Base, Len: len(trampolineBytes), OSReason: err}
	}

	siteJump := encodeSiteJump(site, jumpLen, sub.Base)
	siteNew := append(append([]byte{}, siteJump...), EmitNop(siteLen-len(siteJump))...)

	change, err := newCodeChange(hc.facade, hc.handle, site, origBytes, siteNew, opts.ProtectionStrategy)
	if err != nil {
		hc.allocMgr.Dispose(sub, true)
		return nil, err
	}

	return &CodeHook{change: change, allocMgr: hc.allocMgr, Trampoline: sub, Site: site, SiteLength: siteLen}, nil
}

// reserveTrampoline picks the jump encoding: on a 64-bit process,
// attempt a reservation inside the signed-32
// relative-displacement window around the call site first; fall back
// to an unconstrained reservation (forcing a far jump) only when that
// fails and opts allows it.
func (hc *hookComposer) reserveTrampoline(site uint64, size int, jumpMode JumpMode) (*SubReservation, int, error) {
	if !hc.bitness.Is64() {
		sub, err := hc.allocMgr.Reserve(size, true, nil, site)
		if err != nil {
			return nil, 0, err
		}
		return sub, LNear, nil
	}

	next := site + LNear
	window := signedWindow(next)
	sub, err := hc.allocMgr.Reserve(size, true, &window, site)
	if err == nil {
		return sub, LNear, nil
	}
	if jumpMode == NearOnly {
		return nil, 0, &AllocationError{OSReason: err}
	}
	sub, err = hc.allocMgr.Reserve(size, true, nil, site)
	if err != nil {
		return nil, 0, err
	}
	return sub, LFar, nil
}

// signedWindow returns [next-2^31, next+2^31-1], clamped to the
// representable address space: the window a rel32 displacement
// relative to next can reach.
func signedWindow(next uint64) MemRange {
	const span = uint64(1) << 31
	start := uint64(0)
	if span < next {
		start = next - span
	}
	end := ^uint64(0)
	if span-1 <= end-next {
		end = next + span - 1
	}
	return NewMemRange(start, end)
}

// assembleTrampoline lays out the trampoline in its fixed order
// (optional original-first copy, saves, user code, restores, optional
// injected-first copy, remaining originals, jump back) and returns its
// final bytes. base is the trampoline's final
// address (the reservation has already succeeded), so every chunk is
// assembled against its real target address in a single pass; only the
// FPU scratch-area displacement needs a second, in-place patch once the
// scratch area's address is known.
func (hc *hookComposer) assembleTrampoline(base uint64, preserve RegisterPreserveSet, insns []Instruction, code Code, opts HookOptions, returnAddr uint64) ([]byte, error) {
	var out []byte
	fxsaveOff, fxrstorOff := -1, -1
	emit := func(b []byte) { out = append(out, b...) }

	first := insns[0]
	rest := insns[1:]

	if opts.ExecutionMode == OriginalFirst {
		reloc, err := relocate(first, base+uint64(len(out)))
		if err != nil {
			return nil, err
		}
		emit(reloc)
	}

	preBytes, preFXSaveOff := buildIsolationPrologue(preserve)
	if preFXSaveOff >= 0 {
		fxsaveOff = len(out) + preFXSaveOff
	}
	emit(preBytes)

	userBytes, err := code.assemble(base + uint64(len(out)))
	if err != nil {
		return nil, &CodeAssemblyError{Source: AssemblySourceInjectedCode, Details: err.Error()}
	}
	emit(userBytes)

	postBytes, postFXRstorOff := buildIsolationEpilogue(preserve)
	if postFXRstorOff >= 0 {
		fxrstorOff = len(out) + postFXRstorOff
	}
	emit(postBytes)

	if opts.ExecutionMode == InjectedFirst {
		reloc, err := relocate(first, base+uint64(len(out)))
		if err != nil {
			return nil, err
		}
		emit(reloc)
	}

	for _, in := range rest {
		reloc, err := relocate(in, base+uint64(len(out)))
		if err != nil {
			return nil, err
		}
		emit(reloc)
	}

	jumpBackAddr := base + uint64(len(out))
	if rel, ok := fitsRel32(jumpBackAddr+LNear, returnAddr); ok {
		emit(EmitNearJump(rel))
	} else {
		emit(EmitFarJump(returnAddr))
	}

	if preserve.FPUStack {
		codeEnd := base + uint64(len(out))
		scratchAddr := alignUp(codeEnd, 16)
		out = append(out, make([]byte, int(scratchAddr-codeEnd)+FPUSaveAreaSize)...)

		// FXSAVE/FXRSTOR are `0F AE /r` + ModRM (1 byte) + disp32 (4
		// bytes): 7 bytes total, displacement at offset 3.
		patchDisp(out, fxsaveOff+3, int32(int64(scratchAddr)-int64(base+uint64(fxsaveOff)+7)))
		patchDisp(out, fxrstorOff+3, int32(int64(scratchAddr)-int64(base+uint64(fxrstorOff)+7)))
	}

	return out, nil
}

// encodeSiteJump emits the jump bytes for the call site: a 5-byte
// relative jump when jumpLen==LNear and the displacement still fits,
// otherwise the far-jump encoding.
func encodeSiteJump(site uint64, jumpLen int, target uint64) []byte {
	if jumpLen == LNear {
		if rel, ok := fitsRel32(site+LNear, target); ok {
			return EmitNearJump(rel)
		}
	}
	return EmitFarJump(target)
}

func fitsRel32(instrEndAddr, target uint64) (int32, bool) {
	diff := int64(target) - int64(instrEndAddr)
	if diff < math.MinInt32 || diff > math.MaxInt32 {
		return 0, false
	}
	return int32(diff), true
}
