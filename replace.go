package memhook

// ReplaceResult is the outcome of ReplaceCodeAt: exactly one
// of Change or Hook is set, depending on whether the replacement fit
// directly or required falling back to a full trampoline hook.
type ReplaceResult struct {
	Change *CodeChange
	Hook   *CodeHook
}

// decodeN decodes exactly n instructions starting at addr to determine
// the total byte span a replacement may overwrite.
func decodeN(code []byte, addr uint64, n int, bitness Bitness) ([]Instruction, error) {
	var insns []Instruction
	total := 0
	for i := 0; i < n; i++ {
		if total >= len(code) {
			return nil, &CodeDecodingError{Details: "ran out of bytes decoding n_instructions"}
		}
		in, err := decodeOne(code[total:], addr+uint64(total), bitness)
		if err != nil {
			return nil, err
		}
		insns = append(insns, in)
		total += in.Len()
	}
	return insns, nil
}

// ReplaceCodeAt writes code directly over the first nInstructions at
// site, NOP-padded, when the assembled code fits within their byte
// span; otherwise it falls back to a full hook in ReplaceOriginal
// mode.
func (hc *hookComposer) ReplaceCodeAt(site uint64, nInstructions int, code Code, opts HookOptions) (*ReplaceResult, error) {
	if site == 0 {
		return nil, ErrZeroPointer
	}
	if nInstructions < 1 {
		return nil, &InvalidArgumentError{Reason: "n_instructions must be >= 1"}
	}
	if code.empty() {
		return nil, &InvalidArgumentError{Reason: "replacement code must not be empty"}
	}

	siteCode, err := hc.facade.ReadMemory(hc.handle, site, nInstructions*MaxInsnLen)
	if err != nil {
		return nil, &ReadError{Addr: site, Len: nInstructions * MaxInsnLen, OSReason: err}
	}
	insns, err := decodeN(siteCode, site, nInstructions, hc.bitness)
	if err != nil {
		return nil, err
	}
	bn := 0
	for _, in := range insns {
		bn += in.Len()
	}

	// Length-conservative: assemble once, at the real site address, and
	// decide from that single length rather than re-assembling at two
	// different bases.
	assembled, err := code.assemble(site)
	if err != nil {
		return nil, &CodeAssemblyError{Source: AssemblySourceInjectedCode, Details: err.Error()}
	}

	if len(assembled) <= bn {
		newBytes := append(append([]byte{}, assembled...), EmitNop(bn-len(assembled))...)
		origBytes := make([]byte, bn)
		copy(origBytes, siteCode[:bn])
		change, err := newCodeChange(hc.facade, hc.handle, site, origBytes, newBytes, opts.ProtectionStrategy)
		if err != nil {
			return nil, err
		}
		return &ReplaceResult{Change: change}, nil
	}

	replaceOpts := opts
	replaceOpts.ExecutionMode = ReplaceOriginal
	hook, err := hc.Hook(site, code, replaceOpts)
	if err != nil {
		return nil, err
	}
	return &ReplaceResult{Hook: hook}, nil
}

// InsertCodeAt is the shortcut for Hook with InjectedFirst: run
// code ahead of the original instructions, preserving the given
// registers.
func (hc *hookComposer) InsertCodeAt(site uint64, code Code, preserve RegisterPreserveSet) (*CodeHook, error) {
	opts := DefaultHookOptions()
	opts.ExecutionMode = InjectedFirst
	opts.RegistersToPreserve = preserve
	return hc.Hook(site, code, opts)
}
