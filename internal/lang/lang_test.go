package lang_test

import (
	"testing"

	"github.com/exalang/exastream/internal/lang"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"en", "en"},
		{"EN", "en"},
		{" es ", "es"},
		{"en-US", "en"},
		{"pt-BR", "pt"},
		{"cmn-CN", "zh"},
		{"yue-HK", "zh"},
		{"zh", "zh"},
		{"xx", "xx"},
	}
	for _, tt := range tests {
		if got := lang.Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLocale(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"zh", "cmn-CN"},
		{"en", "en-US"},
		{"pt", "pt-BR"},
		{"EN-gb", "en-US"},
		{"xx-YY", "xx-YY"}, // unknown passes through
	}
	for _, tt := range tests {
		if got := lang.Locale(tt.in); got != tt.want {
			t.Errorf("Locale(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSame(t *testing.T) {
	t.Parallel()

	if !lang.Same("en", "en-US") {
		t.Error(`Same("en", "en-US") = false, want true`)
	}
	if !lang.Same("zh", "cmn-CN") {
		t.Error(`Same("zh", "cmn-CN") = false, want true`)
	}
	if lang.Same("en", "es") {
		t.Error(`Same("en", "es") = true, want false`)
	}
}
