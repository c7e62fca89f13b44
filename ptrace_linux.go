//go:build linux

package memhook

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

func addrToBytePtr(addr uint64) *byte {
	return (*byte)(unsafe.Pointer(uintptr(addr)))
}

// findSyscallGadget locates an existing `syscall` instruction (opcode
// bytes 0F 05) inside one of the target's executable mappings. Reusing
// an already-mapped instruction lets remoteSyscall perform the very
// first allocation in a process without needing memory to already
// exist for it to live in.
func findSyscallGadget(pid int) (uint64, error) {
	file, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return 0, err
	}
	defer file.Close()

	memFile, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDONLY, 0)
	if err != nil {
		return 0, err
	}
	defer memFile.Close()

	sc := bufio.NewScanner(file)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || !strings.Contains(fields[1], "x") {
			continue
		}
		addrs := strings.SplitN(fields[0], "-", 2)
		if len(addrs) != 2 {
			continue
		}
		start, e1 := strconv.ParseUint(addrs[0], 16, 64)
		end, e2 := strconv.ParseUint(addrs[1], 16, 64)
		if e1 != nil || e2 != nil {
			continue
		}
		// Scan only the first page: a `syscall` opcode is common
		// enough near any libc/vDSO entry point.
		span := end - start
		if span > 4096 {
			span = 4096
		}
		buf := make([]byte, span)
		if _, err := memFile.ReadAt(buf, int64(start)); err != nil {
			continue
		}
		for i := 0; i+1 < len(buf); i++ {
			if buf[i] == 0x0F && buf[i+1] == 0x05 {
				return start + uint64(i), nil
			}
		}
	}
	return 0, fmt.Errorf("no syscall gadget found in target process")
}

// remoteSyscall executes one syscall in the target process by
// temporarily redirecting its instruction pointer to an existing
// `syscall` opcode, planting a breakpoint (0xCC) right after it, and
// resuming until that breakpoint fires. This assumes the target's
// current thread is not itself blocked inside a syscall that must
// complete first; the caller already serializes access to a single
// attachment.
func remoteSyscall(pid int, nr uint64, a1, a2, a3, a4, a5, a6 uint64) (uint64, error) {
	gadget, err := findSyscallGadget(pid)
	if err != nil {
		return 0, err
	}

	var orig unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &orig); err != nil {
		return 0, err
	}

	trapAddr := gadget + 2
	origWord := make([]byte, 8)
	if _, err := unix.PtracePeekData(pid, uintptr(trapAddr), origWord); err != nil {
		return 0, err
	}
	trapWord := append([]byte{}, origWord...)
	trapWord[0] = 0xCC
	if _, err := unix.PtracePokeData(pid, uintptr(trapAddr), trapWord); err != nil {
		return 0, err
	}
	defer unix.PtracePokeData(pid, uintptr(trapAddr), origWord)

	regs := orig
	regs.Rip = gadget
	regs.Rax = nr
	regs.Rdi = a1
	regs.Rsi = a2
	regs.Rdx = a3
	regs.R10 = a4
	regs.R8 = a5
	regs.R9 = a6
	if err := unix.PtraceSetRegs(pid, &regs); err != nil {
		return 0, err
	}
	defer unix.PtraceSetRegs(pid, &orig)

	if err := unix.PtraceCont(pid, 0); err != nil {
		return 0, err
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return 0, err
	}
	if !ws.Stopped() {
		return 0, fmt.Errorf("remote syscall: target did not stop cleanly (status %v)", ws)
	}

	var after unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &after); err != nil {
		return 0, err
	}
	return after.Rax, nil
}

func remoteMmap(pid int, nearAddr uint64, size int, prot int) (uint64, error) {
	const sysMmap = 9
	flags := uint64(unix.MAP_PRIVATE | unix.MAP_ANONYMOUS)
	fd := ^uint64(0) // -1
	ret, err := remoteSyscall(pid, sysMmap, nearAddr, uint64(size), uint64(prot), flags, fd, 0)
	if err != nil {
		return 0, err
	}
	signed := int64(ret)
	if signed < 0 && signed > -4096 {
		return 0, fmt.Errorf("remote mmap failed: errno %d", -signed)
	}
	return ret, nil
}

func remoteMunmap(pid int, addr uint64, size int) error {
	const sysMunmap = 11
	_, err := remoteSyscall(pid, sysMunmap, addr, uint64(size), 0, 0, 0, 0)
	return err
}

func remoteMprotect(pid int, addr uint64, length int, prot Protection) (uint64, error) {
	const sysMprotect = 10
	var nativeProt uint64
	if prot&ProtRead != 0 {
		nativeProt |= unix.PROT_READ
	}
	if prot&ProtWrite != 0 {
		nativeProt |= unix.PROT_WRITE
	}
	if prot&ProtExecute != 0 {
		nativeProt |= unix.PROT_EXEC
	}
	pageStart := addr &^ 0xFFF
	pageLen := uint64(length) + (addr - pageStart)
	return remoteSyscall(pid, sysMprotect, pageStart, pageLen, nativeProt, 0, 0, 0)
}

// remoteCall hijacks the target's (already ptrace-stopped) thread to
// invoke entry(arg) synchronously: it pushes a return address pointing
// at the same breakpoint trick remoteSyscall uses, runs until that trap
// fires, and reports RAX as the call's result. This approximates a
// remote thread creation without relying on raw `clone` bookkeeping
// (TLS, signal stack, ...).
func remoteCall(pid int, entry uint64, arg uint64) (uint64, error) {
	gadget, err := findSyscallGadget(pid)
	if err != nil {
		return 0, err
	}
	trapAddr := gadget + 2

	var orig unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &orig); err != nil {
		return 0, err
	}

	origWord := make([]byte, 8)
	if _, err := unix.PtracePeekData(pid, uintptr(trapAddr), origWord); err != nil {
		return 0, err
	}
	trapWord := append([]byte{}, origWord...)
	trapWord[0] = 0xCC
	if _, err := unix.PtracePokeData(pid, uintptr(trapAddr), trapWord); err != nil {
		return 0, err
	}
	defer unix.PtracePokeData(pid, uintptr(trapAddr), origWord)

	regs := orig
	newSP := (regs.Rsp - 512) &^ 0xF // red zone + alignment headroom
	newSP -= 8
	retAddrBytes := make([]byte, 8)
	for i := 0; i < 8; i++ {
		retAddrBytes[i] = byte(trapAddr >> (8 * i))
	}
	if _, err := unix.PtracePokeData(pid, uintptr(newSP), retAddrBytes); err != nil {
		return 0, err
	}

	regs.Rsp = newSP
	regs.Rip = entry
	regs.Rdi = arg
	if err := unix.PtraceSetRegs(pid, &regs); err != nil {
		return 0, err
	}
	defer unix.PtraceSetRegs(pid, &orig)

	if err := unix.PtraceCont(pid, 0); err != nil {
		return 0, err
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return 0, err
	}

	var after unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &after); err != nil {
		return 0, err
	}
	return after.Rax, nil
}
