package memhook

import (
	"fmt"
	"os"
)

// badPatterns are literal byte sequences that almost never belong in
// legitimately assembled code: the classic placeholder/sentinel
// constants an emitter accidentally leaves unpatched.
var badPatterns = []struct {
	pattern []byte
	name    string
}{
	{[]byte{0xef, 0xbe, 0xad, 0xde}, "0xdeadbeef"},
	{[]byte{0x78, 0x56, 0x34, 0x12}, "0x12345678"},
}

// sanityCheckTrampoline scans freshly assembled trampoline bytes for
// two classes of defect the composer would otherwise commit silently:
// leftover sentinel constants, and relocated instructions that fail to
// decode back at their new address (a relocation bug would otherwise
// only surface when the target process actually executes the
// trampoline). It never aborts the hook; findings are reported under
// VerboseMode only.
func sanityCheckTrampoline(data []byte, base uint64, bitness Bitness) []string {
	var warnings []string

	for _, bp := range badPatterns {
		for i := 0; i+len(bp.pattern) <= len(data); i++ {
			if bytesEqual(data[i:i+len(bp.pattern)], bp.pattern) {
				warnings = append(warnings, fmt.Sprintf("%s at trampoline offset 0x%x", bp.name, i))
			}
		}
	}

	offset := 0
	for offset < len(data) {
		in, err := decodeOne(data[offset:], base+uint64(offset), bitness)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("undecodable bytes at trampoline offset 0x%x: %v", offset, err))
			break
		}
		offset += in.Len()
	}

	if len(warnings) > 0 && VerboseMode {
		fmt.Fprintf(os.Stderr, "\nWARNING: trampoline sanity check found issues:\n")
		for _, w := range warnings {
			fmt.Fprintf(os.Stderr, "  %s\n", w)
		}
	}
	return warnings
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
