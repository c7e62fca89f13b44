package memhook

// buildIsolationPrologue assembles the pre-isolation save block:
// flags (if requested), then each preserved register in
// declaration order, then the FPU stack last. The FXSAVE instruction,
// when emitted, always carries a zero placeholder displacement; the
// caller patches it in place once the trampoline's scratch-area
// address is known (its length does not depend on the displacement
// value). The returned int is the byte offset of that instruction
// within the block, or -1 if FPUStack isn't preserved.
func buildIsolationPrologue(preserve RegisterPreserveSet) ([]byte, int) {
	var out []byte
	if preserve.Flags {
		out = append(out, EmitPushFlags()...)
	}
	for _, r := range preserve.Regs {
		switch r.Class {
		case RegClassGP:
			out = append(out, EmitPushReg(r)...)
		case RegClassXMM:
			out = append(out, EmitPushXMM(r)...)
		case RegClassMM:
			out = append(out, EmitPushMM(r)...)
		}
	}
	fxsaveOff := -1
	if preserve.FPUStack {
		fxsaveOff = len(out)
		out = append(out, EmitSaveFPUStack(0)...)
	}
	return out, fxsaveOff
}

// buildIsolationEpilogue assembles the mirrored post-isolation restore
// block: FPU stack first, then registers in reverse declaration order,
// then flags last, so stack balance matches the prologue's push order
// exactly in reverse.
func buildIsolationEpilogue(preserve RegisterPreserveSet) ([]byte, int) {
	var out []byte
	fxrstorOff := -1
	if preserve.FPUStack {
		fxrstorOff = len(out)
		out = append(out, EmitRestoreFPUStack(0)...)
	}
	for i := len(preserve.Regs) - 1; i >= 0; i-- {
		r := preserve.Regs[i]
		switch r.Class {
		case RegClassGP:
			out = append(out, EmitPopReg(r)...)
		case RegClassXMM:
			out = append(out, EmitPopXMM(r)...)
		case RegClassMM:
			out = append(out, EmitPopMM(r)...)
		}
	}
	if preserve.Flags {
		out = append(out, EmitPopFlags()...)
	}
	return out, fxrstorOff
}

// patchDisp overwrites the 4-byte little-endian displacement field at
// buf[offset:offset+4] in place, used to resolve the FXSAVE/FXRSTOR
// RIP-relative operands once the trampoline's scratch-area address is
// known.
func patchDisp(buf []byte, offset int, v int32) {
	u := uint32(v)
	buf[offset] = byte(u)
	buf[offset+1] = byte(u >> 8)
	buf[offset+2] = byte(u >> 16)
	buf[offset+3] = byte(u >> 24)
}
