package memhook

// ExecutionMode controls how the original, overwritten instructions
// relate to the injected user code inside the trampoline.
type ExecutionMode int

const (
	// InjectedFirst runs the injected code, then the original
	// (relocated) overwritten instructions.
	InjectedFirst ExecutionMode = iota
	// OriginalFirst runs the first overwritten instruction (relocated)
	// before the injected code; any further overwritten instructions
	// run after it.
	OriginalFirst
	// ReplaceOriginal drops the first overwritten instruction and runs
	// the injected code in its place; any further overwritten
	// instructions are still re-emitted after it.
	ReplaceOriginal
)

func (m ExecutionMode) String() string {
	switch m {
	case InjectedFirst:
		return "InjectedFirst"
	case OriginalFirst:
		return "OriginalFirst"
	case ReplaceOriginal:
		return "ReplaceOriginal"
	default:
		return "unknown"
	}
}

// JumpMode constrains how the composer may reach the trampoline from
// the hook site.
type JumpMode int

const (
	// NearOnly requires a 5-byte relative jump; AllocationFailure is
	// returned rather than ever falling back to a far jump.
	NearOnly JumpMode = iota
	// NearWithFarFallback prefers a near jump but falls back to an
	// up-to-15-byte far jump when no near-reachable reservation exists.
	NearWithFarFallback
)

func (m JumpMode) String() string {
	switch m {
	case NearOnly:
		return "NearOnly"
	case NearWithFarFallback:
		return "NearWithFarFallback"
	default:
		return "unknown"
	}
}

// ProtectionStrategy controls how the composer restores page
// protection after a write.
type ProtectionStrategy int

const (
	// ProtectionRemoveAndRestore removes protection just long enough to
	// write, then restores the page's previous protection. Default.
	ProtectionRemoveAndRestore ProtectionStrategy = iota
	// ProtectionRemove removes protection and leaves the page writable.
	ProtectionRemove
	// ProtectionIgnore performs the write without touching protection
	// at all (the caller asserts the page is already writable).
	ProtectionIgnore
)

// RegisterPreserveSet names the CPU state the hook composer must save
// before injected code runs and restore afterward. Flags and FPU stack
// are coarse, all-or-nothing toggles; GP/XMM/MM registers are named
// individually and saved in declaration order.
type RegisterPreserveSet struct {
	Flags    bool
	FPUStack bool
	Regs     []Register
}

// WithRegisters returns a copy of the set with the given registers
// appended, in the order given (declaration order is preserved — this
// is what the pre-isolation save block and its mirrored restore block
// iterate over).
func (s RegisterPreserveSet) WithRegisters(regs ...Register) RegisterPreserveSet {
	s.Regs = append(append([]Register{}, s.Regs...), regs...)
	return s
}

// forBitness filters out registers that don't exist at this bitness.
func (s RegisterPreserveSet) forBitness(bitness Bitness) RegisterPreserveSet {
	return RegisterPreserveSet{
		Flags:    s.Flags,
		FPUStack: s.FPUStack,
		Regs:     filterForBitness(s.Regs, bitness),
	}
}

// HookOptions configures a single Hook call.
type HookOptions struct {
	ExecutionMode       ExecutionMode
	JumpMode            JumpMode
	RegistersToPreserve RegisterPreserveSet
	ProtectionStrategy  ProtectionStrategy
}

// DefaultHookOptions returns InjectedFirst (the common case for
// trainers that want to observe original behavior), NearWithFarFallback
// jump mode, RemoveAndRestore protection strategy, and no registers
// preserved.
func DefaultHookOptions() HookOptions {
	return HookOptions{
		ExecutionMode:      InjectedFirst,
		JumpMode:           NearWithFarFallback,
		ProtectionStrategy: ProtectionRemoveAndRestore,
	}
}
