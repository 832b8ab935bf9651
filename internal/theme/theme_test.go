package theme

import (
	"strings"
	"testing"
)

// TestCatppuccinMocha_ColorPalette verifies the catppuccin_mocha color values
func TestCatppuccinMocha_ColorPalette(t *testing.T) {
	t.Parallel()

	th := Current()
	if th.Name != "catppuccin-mocha" {
		t.Fatalf("expected catppuccin-mocha theme, got %s", th.Name)
	}

	// Reference: https://github.com/catppuccin/catppuccin
	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"Primary (Mauve)", th.Primary, "#cba6f7"},
		{"Secondary (Blue)", th.Secondary, "#89b4fa"},
		{"FgMuted (Subtext0)", th.FgMuted, "#a6adc8"},
		{"FgBase (Text)", th.FgBase, "#cdd6f4"},
		{"Success (Green)", th.Success, "#a6e3a1"},
		{"Warning (Yellow)", th.Warning, "#f9e2af"},
		{"Error (Red)", th.Error, "#f38ba8"},
	}
	for _, tt := range tests {
		if tt.got != tt.expected {
			t.Errorf("%s: expected %s, got %s", tt.name, tt.expected, tt.got)
		}
	}
}

func TestStylesAreCached(t *testing.T) {
	th := NewCatppuccinMocha()
	if th.S() != th.S() {
		t.Error("S() should return the same styles on every call")
	}
	if got := th.S().Label.GetWidth(); got != 16 {
		t.Errorf("Label width = %d, want 16", got)
	}
}

func TestInterpolateColor(t *testing.T) {
	tests := []struct {
		pos  float64
		want string
	}{
		{0, "#000000"},
		{1, "#ffffff"},
		{0.5, "#7f7f7f"},
	}
	for _, tt := range tests {
		if got := InterpolateColor("#000000", "#ffffff", tt.pos); got != tt.want {
			t.Errorf("InterpolateColor(%v) = %s, want %s", tt.pos, got, tt.want)
		}
	}
}

func TestParseHexColor(t *testing.T) {
	r, g, b := ParseHexColor("#cba6f7")
	if r != 0xcb || g != 0xa6 || b != 0xf7 {
		t.Errorf("ParseHexColor = %x %x %x", r, g, b)
	}
	r, g, b = ParseHexColor("bad")
	if r != 0 || g != 0 || b != 0 {
		t.Errorf("invalid input should parse as black, got %x %x %x", r, g, b)
	}
}

func TestApplyGradient_KeepsText(t *testing.T) {
	if ApplyGradient("", "#000000", "#ffffff") != "" {
		t.Error("empty text should stay empty")
	}
	out := ApplyGradient("a b", "#000000", "#ffffff")
	if !strings.Contains(out, "a") || !strings.Contains(out, "b") {
		t.Errorf("gradient output lost characters: %q", out)
	}
}
