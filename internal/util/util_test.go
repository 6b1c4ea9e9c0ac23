package util

import (
	"testing"
)

func TestGenerateDigitCode(t *testing.T) {
	code, err := GenerateDigitCode(4)
	if err != nil {
		t.Fatalf("GenerateDigitCode: %v", err)
	}
	if len(code) != 4 {
		t.Errorf("code length = %d, want 4", len(code))
	}
	if !IsDigits(code) {
		t.Errorf("code %q contains non-digits", code)
	}

	if _, err := GenerateDigitCode(0); err == nil {
		t.Error("zero-length code must error")
	}
}

func TestIsDigits(t *testing.T) {
	cases := map[string]bool{
		"1234": true,
		"0000": true,
		"":     false,
		"12a4": false,
		" 123": false,
		"12.3": false,
	}
	for in, want := range cases {
		if got := IsDigits(in); got != want {
			t.Errorf("IsDigits(%q) = %v, want %v", in, got, want)
		}
	}
}
