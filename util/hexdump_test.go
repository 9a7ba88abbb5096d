package util

import (
	"strings"
	"testing"
)

func TestDiffOffsets(t *testing.T) {
	tests := []struct {
		name string
		a, b []byte
		want []int
	}{
		{"identical", []byte{1, 2, 3}, []byte{1, 2, 3}, nil},
		{"one byte", []byte{1, 2, 3}, []byte{1, 9, 3}, []int{1}},
		{"length mismatch", []byte{1, 2}, []byte{1, 2, 3}, []int{2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DiffOffsets(tt.a, tt.b)
			if len(got) != len(tt.want) {
				t.Fatalf("DiffOffsets = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("DiffOffsets = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestDumpDiffMarksChangedByte(t *testing.T) {
	a := make([]byte, 32)
	b := make([]byte, 32)
	b[17] = 0xFF
	out := DumpDiff(a, b)
	if out == "" {
		t.Fatalf("DumpDiff returned empty for differing inputs")
	}
	if !strings.Contains(out, ">ff") {
		t.Fatalf("DumpDiff did not mark the changed byte:\n%s", out)
	}
	if strings.Contains(out, "00000000:") {
		t.Fatalf("DumpDiff included a row with no differences:\n%s", out)
	}
	if got := DumpDiff(a, a); got != "" {
		t.Fatalf("DumpDiff of identical slices = %q, want empty", got)
	}
}

func TestDumpASCIIColumn(t *testing.T) {
	out := Dump([]byte("hello, ext2 dump"))
	if !strings.Contains(out, "hello, ext2 dump") {
		t.Fatalf("Dump missing ASCII column:\n%s", out)
	}
}
