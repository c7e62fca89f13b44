//go:build windows

package memhook

import (
	"encoding/binary"
	"fmt"
)

// peImageSize reads a loaded module's SizeOfImage out of its own
// in-memory PE optional header, issuing ReadMemory calls at the
// DOS/COFF/OptionalHeader structure offsets against the module's
// mapped base.
func peImageSize(f *windowsFacade, h ProcessHandle, base uint64) (uint64, error) {
	dos, err := f.ReadMemory(h, base, 0x40)
	if err != nil || len(dos) < 0x40 {
		return 0, fmt.Errorf("short DOS header at %#x", base)
	}
	if dos[0] != 'M' || dos[1] != 'Z' {
		return 0, fmt.Errorf("not a PE image at %#x", base)
	}
	peOffset := uint64(binary.LittleEndian.Uint32(dos[0x3C:0x40]))

	peHdr, err := f.ReadMemory(h, base+peOffset, 4+20+2)
	if err != nil || len(peHdr) < 26 {
		return 0, fmt.Errorf("short PE header at %#x", base)
	}
	if peHdr[0] != 'P' || peHdr[1] != 'E' || peHdr[2] != 0 || peHdr[3] != 0 {
		return 0, fmt.Errorf("bad PE signature at %#x", base)
	}
	sizeOfOptionalHeader := binary.LittleEndian.Uint16(peHdr[20:22])
	if sizeOfOptionalHeader == 0 {
		return 0, fmt.Errorf("no optional header at %#x", base)
	}

	// SizeOfImage sits at the same relative offset (56) in both PE32 and
	// PE32+ optional headers, since the widened fields (ImageBase,
	// stack/heap reserve/commit) all come after it.
	optHdrAddr := base + peOffset + 4 + 20
	sizeField, err := f.ReadMemory(h, optHdrAddr+56, 4)
	if err != nil || len(sizeField) < 4 {
		return 0, fmt.Errorf("short SizeOfImage field at %#x", base)
	}
	return uint64(binary.LittleEndian.Uint32(sizeField)), nil
}
