package memhook

import "testing"

func TestMemRangeContainsOverlaps(t *testing.T) {
	r := NewMemRange(0x1000, 0x1FFF)
	if !r.Contains(0x1000) || !r.Contains(0x1FFF) || r.Contains(0x2000) {
		t.Fatalf("Contains boundary check failed for %s", r)
	}
	other := NewMemRange(0x1F00, 0x3000)
	if !r.Overlaps(other) {
		t.Fatalf("expected overlap between %s and %s", r, other)
	}
	disjoint := NewMemRange(0x3000, 0x4000)
	if r.Overlaps(disjoint) {
		t.Fatalf("did not expect overlap between %s and %s", r, disjoint)
	}
}

func TestMemRangeExcludeUnionIsComplement(t *testing.T) {
	r := NewMemRange(0, 99)
	cases := []MemRange{
		NewMemRange(0, 9),     // flush with start
		NewMemRange(90, 99),   // flush with end
		NewMemRange(40, 60),   // interior, splits into two
		NewMemRange(0, 99),    // total removal
		NewMemRange(200, 300), // fully outside
	}
	for _, cut := range cases {
		rem := r.Exclude(cut)
		for i := 0; i < len(rem); i++ {
			for j := i + 1; j < len(rem); j++ {
				if rem[i].Overlaps(rem[j]) {
					t.Fatalf("Exclude(%s,%s) produced overlapping remainders %s %s", r, cut, rem[i], rem[j])
				}
			}
		}
		for addr := r.Start; addr <= r.End; addr++ {
			inCut := cut.Contains(addr)
			inRem := false
			for _, rr := range rem {
				if rr.Contains(addr) {
					inRem = true
					break
				}
			}
			if inCut == inRem {
				t.Fatalf("Exclude(%s,%s): address %#x membership wrong (inCut=%v inRem=%v)", r, cut, addr, inCut, inRem)
			}
		}
	}
}

func TestMemRangeAligned(t *testing.T) {
	r := NewMemRange(0x1001, 0x1010)
	aligned, ok := r.Aligned(16)
	if !ok || aligned.Start != 0x1010 {
		t.Fatalf("got (%s, %v), want start 0x1010", aligned, ok)
	}
	r2 := NewMemRange(0x1001, 0x100F)
	if _, ok := r2.Aligned(16); ok {
		t.Fatalf("expected no 16-aligned address within %s", r2)
	}
}

func TestAroundAddressClampsAtSpaceBoundaries(t *testing.T) {
	r := AroundAddress(10, 100)
	if r.Start != 0 {
		t.Errorf("expected clamp to 0, got %#x", r.Start)
	}
	r2 := AroundAddress(^uint64(0)-5, 100)
	if r2.End != ^uint64(0) {
		t.Errorf("expected clamp to max uint64, got %#x", r2.End)
	}
}

func TestMemRangeSize(t *testing.T) {
	if got := NewMemRange(10, 19).Size(); got != 10 {
		t.Errorf("Size() = %d, want 10", got)
	}
}
