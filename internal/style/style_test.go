package style

import "testing"

func TestPackParseRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   *Style
	}{
		{"stroke only", &Style{StrokeColor: 0xFFFF0000, StrokeWidth: 2}},
		{"fill only", &Style{FillColor: 0x8000FF00}},
		{"label only", &Style{Label: "Checkpoint Alpha"}},
		{"everything", &Style{
			StrokeColor: 0xFF00FF00,
			StrokeWidth: 1.5,
			FillColor:   0x40FF0000,
			Label:       "zone",
		}},
		{"label with separators", &Style{Label: `a;b,c "quoted"`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packed := Pack(tt.in)
			got, err := Parse(packed)
			if err != nil {
				t.Fatalf("parse of %q failed: %v", packed, err)
			}
			if got == nil || *got != *tt.in {
				t.Errorf("round trip of %q: want %+v, got %+v", packed, tt.in, got)
			}
		})
	}
}

func TestPackNil(t *testing.T) {
	if got := Pack(nil); got != "" {
		t.Errorf("Pack(nil) = %q", got)
	}
}

func TestParseEmpty(t *testing.T) {
	got, err := Parse("")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got != nil {
		t.Errorf("Parse(\"\") = %+v, want nil", got)
	}
}

func TestParseUnknownToolSkipped(t *testing.T) {
	got, err := Parse(`PEN(c:#FF0000FF);SYMBOL(id:42)`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got.StrokeColor != 0xFF0000FF {
		t.Errorf("stroke color = %08X", got.StrokeColor)
	}
}

func TestParseMalformed(t *testing.T) {
	for _, packed := range []string{"PEN", "PEN(c:#XYZ)", `LABEL(t:"unterminated)`} {
		if _, err := Parse(packed); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", packed)
		}
	}
}
