package memhook

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Instruction is one decoded x86/x64 instruction, the unit the site
// decoder and the trampoline's relocation pass operate on.
type Instruction struct {
	Addr  uint64
	Bytes []byte
	inst  x86asm.Inst
}

func (in Instruction) Len() int { return len(in.Bytes) }

// IsPCRelative reports whether the instruction encodes a
// relative-to-the-next-instruction displacement (short/near jumps,
// calls, loop instructions), the case the relocator must adjust rather
// than copy verbatim.
func (in Instruction) IsPCRelative() bool { return in.inst.PCRel != 0 }

// decodeOne decodes a single instruction at addr out of code.
// Decoding is delegated to golang.org/x/arch/x86/x86asm rather than
// hand-rolled.
func decodeOne(code []byte, addr uint64, bitness Bitness) (Instruction, error) {
	mode := 32
	if bitness == Bitness64 {
		mode = 64
	}
	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		return Instruction{}, &CodeDecodingError{
			Details: fmt.Sprintf("at 0x%x", addr),
			Cause:   err,
		}
	}
	if inst.Len == 0 || inst.Len > len(code) {
		return Instruction{}, &CodeDecodingError{
			Details: fmt.Sprintf("at 0x%x", addr),
			Cause:   fmt.Errorf("decoder reported implausible instruction length %d", inst.Len),
		}
	}
	return Instruction{Addr: addr, Bytes: append([]byte{}, code[:inst.Len]...), inst: inst}, nil
}

// decodeUntil decodes instructions starting at addr until the
// cumulative byte count reaches at least minBytes, so a jump of
// minBytes overwrites only whole instructions. code must contain at
// least MaxInsnLen extra bytes
// past minBytes so the final instruction can be decoded even if it
// starts just before the boundary.
func decodeUntil(code []byte, addr uint64, minBytes int, bitness Bitness) ([]Instruction, error) {
	var insns []Instruction
	total := 0
	for total < minBytes {
		if total >= len(code) {
			return nil, &CodeDecodingError{
				Details: fmt.Sprintf("at 0x%x", addr+uint64(total)),
				Cause:   fmt.Errorf("ran out of bytes before reaching %d", minBytes),
			}
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

// relocate re-emits instruction in at newAddr, adjusting its
// PC-relative displacement (if any) so it still targets the same
// absolute address it targeted at its original location. The
// instruction's byte length never changes: the existing displacement
// field is patched in place using x86asm's PCRelOff/PCRel fields, no
// re-assembly from an operand model.
func relocate(in Instruction, newAddr uint64) ([]byte, error) {
	out := append([]byte{}, in.Bytes...)
	if in.inst.PCRel == 0 {
		return out, nil
	}
	width := in.inst.PCRel
	off := in.inst.PCRelOff
	if off < 0 || off+width > len(out) {
		return nil, &CodeAssemblyError{
			Source:  AssemblySourceAppendedCode,
			Details: fmt.Sprintf("PC-relative field at offset %d/%d exceeds instruction length %d", off, width, len(out)),
		}
	}

	oldDisp := readSignedLE(in.Bytes[off : off+width])
	target := int64(in.Addr) + int64(len(in.Bytes)) + oldDisp
	newDisp := target - int64(newAddr) - int64(len(in.Bytes))

	if !fitsSigned(newDisp, width) {
		return nil, &CodeAssemblyError{
			Source:  AssemblySourceAppendedCode,
			Details: fmt.Sprintf("relocated displacement %d does not fit in %d-byte field", newDisp, width),
		}
	}
	writeSignedLE(out[off:off+width], newDisp, width)
	return out, nil
}

func readSignedLE(b []byte) int64 {
	var u uint64
	for i := len(b) - 1; i >= 0; i-- {
		u = (u << 8) | uint64(b[i])
	}
	shift := 64 - 8*uint(len(b))
	return int64(u<<shift) >> shift
}

func writeSignedLE(dst []byte, v int64, width int) {
	u := uint64(v)
	for i := 0; i < width; i++ {
		dst[i] = byte(u)
		u >>= 8
	}
}

func fitsSigned(v int64, width int) bool {
	switch width {
	case 1:
		return v >= -128 && v <= 127
	case 2:
		return v >= -32768 && v <= 32767
	case 4:
		return v >= -2147483648 && v <= 2147483647
	default:
		return true
	}
}
