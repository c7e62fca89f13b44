package memhook

import (
	"bytes"
	"testing"
)

func TestEmitNearJump(t *testing.T) {
	got := EmitNearJump(0x10)
	want := []byte{0xE9, 0x10, 0x00, 0x00, 0x00}
	if !bytes.Equal(got, want) {
		t.Errorf("EmitNearJump(0x10) = % x, want % x", got, want)
	}
	if len(EmitNearJump(-1)) != LNear {
		t.Errorf("EmitNearJump must always be %d bytes", LNear)
	}
}

func TestEmitFarJump(t *testing.T) {
	target := uint64(0x1122334455667788)
	got := EmitFarJump(target)
	if len(got) != FarJumpLength {
		t.Fatalf("EmitFarJump length = %d, want %d", len(got), FarJumpLength)
	}
	if got[0] != 0xFF || got[1] != 0x25 {
		t.Fatalf("EmitFarJump opcode = % x, want FF 25 ...", got[:2])
	}
	want := []byte{0xFF, 0x25, 0x00, 0x00, 0x00, 0x00, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}
	if !bytes.Equal(got, want) {
		t.Errorf("EmitFarJump(%#x) = % x, want % x", target, got, want)
	}
}

func TestEmitNop(t *testing.T) {
	n := EmitNop(7)
	if len(n) != 7 {
		t.Fatalf("len = %d, want 7", len(n))
	}
	for i, b := range n {
		if b != 0x90 {
			t.Errorf("byte %d = %#x, want 0x90", i, b)
		}
	}
}

func TestEmitPushPopRegEncoding(t *testing.T) {
	if got := EmitPushReg(RAX); !bytes.Equal(got, []byte{0x50}) {
		t.Errorf("push rax = % x, want 50", got)
	}
	if got := EmitPushReg(R8); !bytes.Equal(got, []byte{0x41, 0x50}) {
		t.Errorf("push r8 = % x, want 41 50", got)
	}
	if got := EmitPopReg(RCX); !bytes.Equal(got, []byte{0x59}) {
		t.Errorf("pop rcx = % x, want 59", got)
	}
	if got := EmitPopReg(R15); !bytes.Equal(got, []byte{0x41, 0x5F}) {
		t.Errorf("pop r15 = % x, want 41 5f", got)
	}
}

func TestEmitPushFlagsPopFlags(t *testing.T) {
	if !bytes.Equal(EmitPushFlags(), []byte{0x9C}) {
		t.Errorf("pushfq wrong encoding")
	}
	if !bytes.Equal(EmitPopFlags(), []byte{0x9D}) {
		t.Errorf("popfq wrong encoding")
	}
}

func TestJumpPlusNopFillsExactLength(t *testing.T) {
	jumpLen := LNear
	overwritten := 7
	jump := EmitNearJump(0)
	nops := EmitNop(overwritten - jumpLen)
	patched := append(append([]byte{}, jump...), nops...)
	if len(patched) != overwritten {
		t.Fatalf("jump_length(%d) + nop_count(%d) = %d, want %d", len(jump), len(nops), len(patched), overwritten)
	}
}
