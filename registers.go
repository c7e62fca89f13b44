package memhook

// RegisterClass groups registers that are saved/restored the same way.
type RegisterClass int

const (
	RegClassGP RegisterClass = iota
	RegClassXMM
	RegClassMM
)

// Register is a single named, individually preservable register,
// narrowed to what the isolation prologue/epilogue actually needs to
// save and restore.
type Register struct {
	Name       string
	Class      RegisterClass
	Encoding   uint8 // ModRM/opcode-extension encoding, 0-15
	Requires64 bool  // only exists in 64-bit mode (R8-R15, XMM8-XMM15)
}

var (
	RAX = Register{Name: "rax", Class: RegClassGP, Encoding: 0}
	RCX = Register{Name: "rcx", Class: RegClassGP, Encoding: 1}
	RDX = Register{Name: "rdx", Class: RegClassGP, Encoding: 2}
	RBX = Register{Name: "rbx", Class: RegClassGP, Encoding: 3}
	RSP = Register{Name: "rsp", Class: RegClassGP, Encoding: 4}
	RBP = Register{Name: "rbp", Class: RegClassGP, Encoding: 5}
	RSI = Register{Name: "rsi", Class: RegClassGP, Encoding: 6}
	RDI = Register{Name: "rdi", Class: RegClassGP, Encoding: 7}
	R8  = Register{Name: "r8", Class: RegClassGP, Encoding: 8, Requires64: true}
	R9  = Register{Name: "r9", Class: RegClassGP, Encoding: 9, Requires64: true}
	R10 = Register{Name: "r10", Class: RegClassGP, Encoding: 10, Requires64: true}
	R11 = Register{Name: "r11", Class: RegClassGP, Encoding: 11, Requires64: true}
	R12 = Register{Name: "r12", Class: RegClassGP, Encoding: 12, Requires64: true}
	R13 = Register{Name: "r13", Class: RegClassGP, Encoding: 13, Requires64: true}
	R14 = Register{Name: "r14", Class: RegClassGP, Encoding: 14, Requires64: true}
	R15 = Register{Name: "r15", Class: RegClassGP, Encoding: 15, Requires64: true}

	XMM0  = Register{Name: "xmm0", Class: RegClassXMM, Encoding: 0}
	XMM1  = Register{Name: "xmm1", Class: RegClassXMM, Encoding: 1}
	XMM2  = Register{Name: "xmm2", Class: RegClassXMM, Encoding: 2}
	XMM3  = Register{Name: "xmm3", Class: RegClassXMM, Encoding: 3}
	XMM4  = Register{Name: "xmm4", Class: RegClassXMM, Encoding: 4}
	XMM5  = Register{Name: "xmm5", Class: RegClassXMM, Encoding: 5}
	XMM6  = Register{Name: "xmm6", Class: RegClassXMM, Encoding: 6}
	XMM7  = Register{Name: "xmm7", Class: RegClassXMM, Encoding: 7}
	XMM8  = Register{Name: "xmm8", Class: RegClassXMM, Encoding: 8, Requires64: true}
	XMM9  = Register{Name: "xmm9", Class: RegClassXMM, Encoding: 9, Requires64: true}
	XMM10 = Register{Name: "xmm10", Class: RegClassXMM, Encoding: 10, Requires64: true}
	XMM11 = Register{Name: "xmm11", Class: RegClassXMM, Encoding: 11, Requires64: true}
	XMM12 = Register{Name: "xmm12", Class: RegClassXMM, Encoding: 12, Requires64: true}
	XMM13 = Register{Name: "xmm13", Class: RegClassXMM, Encoding: 13, Requires64: true}
	XMM14 = Register{Name: "xmm14", Class: RegClassXMM, Encoding: 14, Requires64: true}
	XMM15 = Register{Name: "xmm15", Class: RegClassXMM, Encoding: 15, Requires64: true}

	MM0 = Register{Name: "mm0", Class: RegClassMM, Encoding: 0}
	MM1 = Register{Name: "mm1", Class: RegClassMM, Encoding: 1}
	MM2 = Register{Name: "mm2", Class: RegClassMM, Encoding: 2}
	MM3 = Register{Name: "mm3", Class: RegClassMM, Encoding: 3}
	MM4 = Register{Name: "mm4", Class: RegClassMM, Encoding: 4}
	MM5 = Register{Name: "mm5", Class: RegClassMM, Encoding: 5}
	MM6 = Register{Name: "mm6", Class: RegClassMM, Encoding: 6}
	MM7 = Register{Name: "mm7", Class: RegClassMM, Encoding: 7}
)

// AllGPRegisters returns every general-purpose register valid for the
// given bitness, in declaration order (RAX..RDI, then R8..R15 on
// 64-bit only).
func AllGPRegisters(bitness Bitness) []Register {
	regs := []Register{RAX, RCX, RDX, RBX, RSP, RBP, RSI, RDI}
	if bitness == Bitness64 {
		regs = append(regs, R8, R9, R10, R11, R12, R13, R14, R15)
	}
	return regs
}

// AllXMMRegisters returns every XMM register valid for the given
// bitness.
func AllXMMRegisters(bitness Bitness) []Register {
	regs := []Register{XMM0, XMM1, XMM2, XMM3, XMM4, XMM5, XMM6, XMM7}
	if bitness == Bitness64 {
		regs = append(regs, XMM8, XMM9, XMM10, XMM11, XMM12, XMM13, XMM14, XMM15)
	}
	return regs
}

// AllMMRegisters returns the eight MMX registers (bitness-independent).
func AllMMRegisters() []Register {
	return []Register{MM0, MM1, MM2, MM3, MM4, MM5, MM6, MM7}
}

// filterForBitness silently drops any register that Requires64 when
// bitness is 32-bit.
func filterForBitness(regs []Register, bitness Bitness) []Register {
	if bitness == Bitness64 {
		return regs
	}
	out := make([]Register, 0, len(regs))
	for _, r := range regs {
		if !r.Requires64 {
			out = append(out, r)
		}
	}
	return out
}
