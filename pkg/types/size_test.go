package types

import (
	"errors"
	"testing"
)

func TestParseSizeMB(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
	}{
		{"100MB", 100},
		{"100mb", 100},
		{"2GB", 2048},
		{"1TB", 1024 * 1024},
		{"1PB", 1024 * 1024 * 1024},
		{" 512MB ", 512},
	}

	for _, tt := range tests {
		got, err := ParseSizeMB(tt.in)
		if err != nil {
			t.Fatalf("ParseSizeMB(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseSizeMB(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseSizeMB_Invalid(t *testing.T) {
	for _, in := range []string{"", "MB", "100", "100KB", "abcMB", "-1GB", "1.5GB"} {
		_, err := ParseSizeMB(in)
		if err == nil {
			t.Errorf("ParseSizeMB(%q) expected error", in)
			continue
		}
		if !errors.Is(err, ErrValidation) {
			t.Errorf("ParseSizeMB(%q) error = %v, want ErrValidation", in, err)
		}
	}
}

func TestVolumeSizeMB_Default(t *testing.T) {
	got, err := VolumeSizeMB(nil)
	if err != nil {
		t.Fatalf("VolumeSizeMB(nil) error = %v", err)
	}
	if got != 100 {
		t.Errorf("VolumeSizeMB(nil) = %d, want default 100", got)
	}
}
