package memhook

import "testing"

// TestParsePointerPathModuleScenario checks module-relative parsing
// with a signed module-offset chain and two further offsets.
func TestParsePointerPathModuleScenario(t *testing.T) {
	p, err := ParsePointerPath(`"game.dll"+1F4684-4,18+4,C`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if p.ModuleName != "game.dll" {
		t.Errorf("ModuleName = %q, want game.dll", p.ModuleName)
	}
	if p.ModuleOffset.Negative() || p.ModuleOffset.Magnitude() != 0x1F4680 {
		t.Errorf("ModuleOffset = %s, want 0x1f4680", p.ModuleOffset)
	}
	if len(p.Offsets) != 2 {
		t.Fatalf("len(Offsets) = %d, want 2", len(p.Offsets))
	}
	if p.Offsets[0].Magnitude() != 0x1C || p.Offsets[0].Negative() {
		t.Errorf("Offsets[0] = %s, want 0x1c", p.Offsets[0])
	}
	if p.Offsets[1].Magnitude() != 0xC || p.Offsets[1].Negative() {
		t.Errorf("Offsets[1] = %s, want 0xc", p.Offsets[1])
	}
}

// TestParsePointerPathAbsoluteScenario checks a bare absolute address
// with no module, flagged strictly 64-bit.
func TestParsePointerPathAbsoluteScenario(t *testing.T) {
	p, err := ParsePointerPath("182F3593120")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if p.HasModule() {
		t.Errorf("expected no module, got %q", p.ModuleName)
	}
	if len(p.Offsets) != 0 {
		t.Errorf("expected no further offsets, got %d", len(p.Offsets))
	}
	if p.InitialAddress.Magnitude() != 0x182F3593120 {
		t.Errorf("InitialAddress = %s, want 0x182f3593120", p.InitialAddress)
	}
	if !p.InitialAddress.Is64BitOnly() {
		t.Errorf("expected InitialAddress to be flagged strictly 64-bit")
	}
}

// TestParsePointerPathRoundTrip: for any valid pointer-path string,
// re-emitting and re-parsing yields an equivalent path.
func TestParsePointerPathRoundTrip(t *testing.T) {
	cases := []string{
		`"game.dll"+1F4684-4,18+4,C`,
		"182F3593120",
		"kernel32.dll+100,8,-10",
		"0x1000",
	}
	for _, s := range cases {
		p, err := ParsePointerPath(s)
		if err != nil {
			t.Fatalf("parse(%q) failed: %v", s, err)
		}
		again, err := ParsePointerPath(p.String())
		if err != nil {
			t.Fatalf("re-parse of %q (from %q) failed: %v", p.String(), s, err)
		}
		if again.ModuleName != p.ModuleName ||
			again.ModuleOffset.Magnitude() != p.ModuleOffset.Magnitude() ||
			again.ModuleOffset.Negative() != p.ModuleOffset.Negative() ||
			again.InitialAddress.Magnitude() != p.InitialAddress.Magnitude() ||
			len(again.Offsets) != len(p.Offsets) {
			t.Fatalf("round trip mismatch for %q: %+v vs %+v", s, p, again)
		}
		for i := range p.Offsets {
			if p.Offsets[i].Magnitude() != again.Offsets[i].Magnitude() || p.Offsets[i].Negative() != again.Offsets[i].Negative() {
				t.Fatalf("round trip offset %d mismatch for %q", i, s)
			}
		}
	}
}

func TestParsePointerPathInvalid(t *testing.T) {
	cases := []string{
		"",
		"game.dll+",
		"game.dll+1,",
		`"unterminated`,
	}
	for _, s := range cases {
		if _, err := ParsePointerPath(s); err == nil {
			t.Errorf("ParsePointerPath(%q) succeeded, expected an error", s)
		}
	}
}
