//go:build linux

package memhook

import (
	"encoding/binary"
	"fmt"
)

// elfImageSize computes a module's total mapped image size by reading
// its ELF header and program headers directly out of the target's
// memory at base. The image size is the span from the lowest PT_LOAD
// p_vaddr (rounded down to a page) to the highest p_vaddr + p_memsz,
// which holds whether p_vaddr is load-relative (ET_DYN) or absolute
// (ET_EXEC).
func elfImageSize(f *linuxFacade, h ProcessHandle, base uint64) (uint64, error) {
	ident, err := f.ReadMemory(h, base, 20)
	if err != nil {
		return 0, err
	}
	if len(ident) < 20 || ident[0] != 0x7f || ident[1] != 'E' || ident[2] != 'L' || ident[3] != 'F' {
		return 0, fmt.Errorf("not an ELF header at %#x", base)
	}

	switch ident[4] {
	case 2: // ELFCLASS64
		hdr, err := f.ReadMemory(h, base, 64)
		if err != nil || len(hdr) < 64 {
			return 0, fmt.Errorf("short ELF64 header at %#x", base)
		}
		phoff := binary.LittleEndian.Uint64(hdr[32:40])
		phentsize := uint64(binary.LittleEndian.Uint16(hdr[54:56]))
		phnum := uint64(binary.LittleEndian.Uint16(hdr[56:58]))
		return elfLoadSpan(f, h, base, base+phoff, phentsize, phnum, true)
	case 1: // ELFCLASS32
		hdr, err := f.ReadMemory(h, base, 52)
		if err != nil || len(hdr) < 52 {
			return 0, fmt.Errorf("short ELF32 header at %#x", base)
		}
		phoff := uint64(binary.LittleEndian.Uint32(hdr[28:32]))
		phentsize := uint64(binary.LittleEndian.Uint16(hdr[42:44]))
		phnum := uint64(binary.LittleEndian.Uint16(hdr[44:46]))
		return elfLoadSpan(f, h, base, base+phoff, phentsize, phnum, false)
	default:
		return 0, fmt.Errorf("unrecognized ELF class %d", ident[4])
	}
}

const (
	ptLoad = 1
)

func elfLoadSpan(f *linuxFacade, h ProcessHandle, base, phdrAddr, phentsize, phnum uint64, is64 bool) (uint64, error) {
	var maxEnd uint64
	minVaddr := ^uint64(0)
	for i := uint64(0); i < phnum; i++ {
		entry, err := f.ReadMemory(h, phdrAddr+i*phentsize, int(phentsize))
		if err != nil || uint64(len(entry)) < phentsize {
			continue
		}
		pType := binary.LittleEndian.Uint32(entry[0:4])
		if pType != ptLoad {
			continue
		}
		var vaddr, memsz uint64
		if is64 {
			if phentsize < 56 {
				continue
			}
			vaddr = binary.LittleEndian.Uint64(entry[16:24])
			memsz = binary.LittleEndian.Uint64(entry[40:48])
		} else {
			if phentsize < 32 {
				continue
			}
			vaddr = uint64(binary.LittleEndian.Uint32(entry[8:12]))
			memsz = uint64(binary.LittleEndian.Uint32(entry[20:24]))
		}
		if vaddr < minVaddr {
			minVaddr = vaddr
		}
		if end := vaddr + memsz; end > maxEnd {
			maxEnd = end
		}
	}
	if maxEnd == 0 {
		return 0, fmt.Errorf("no PT_LOAD segments found at %#x", base)
	}
	return maxEnd - (minVaddr &^ 0xFFF), nil
}
