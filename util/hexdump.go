// Package util holds the hex-dump helpers the fsck CLI and the
// persistence tests use to show raw on-disk bytes when something does
// not match.
package util

import (
	"fmt"
	"strings"
)

const bytesPerRow = 16

// Dump renders b as an xxd-style hex+ASCII dump: a hex offset column,
// sixteen hex bytes per row with a mid-row gap, and the printable
// ASCII of the row at the end.
func Dump(b []byte) string {
	var sb strings.Builder
	for row := 0; row < len(b); row += bytesPerRow {
		dumpRow(&sb, b, row, nil)
	}
	return sb.String()
}

func dumpRow(sb *strings.Builder, b []byte, row int, hot map[int]bool) {
	fmt.Fprintf(sb, "%08x:", row)
	for j := row; j < row+bytesPerRow; j++ {
		if (j-row)%8 == 0 {
			sb.WriteByte(' ')
		}
		if j >= len(b) {
			sb.WriteString("   ")
			continue
		}
		if hot != nil && hot[j] {
			fmt.Fprintf(sb, ">%02x", b[j])
		} else {
			fmt.Fprintf(sb, " %02x", b[j])
		}
	}
	sb.WriteString("  ")
	for j := row; j < row+bytesPerRow && j < len(b); j++ {
		if b[j] < 32 || b[j] > 126 {
			sb.WriteByte('.')
		} else {
			sb.WriteByte(b[j])
		}
	}
	sb.WriteByte('\n')
}

// DiffOffsets returns every byte position at which a and b differ,
// treating positions past the shorter slice's end as differing.
func DiffOffsets(a, b []byte) []int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	var diffs []int
	for i := 0; i < n; i++ {
		switch {
		case i >= len(a) || i >= len(b):
			diffs = append(diffs, i)
		case a[i] != b[i]:
			diffs = append(diffs, i)
		}
	}
	return diffs
}

// DumpDiff renders just the rows of a and b that contain differing
// bytes, with each differing byte marked by a leading '>'. It returns
// the empty string when the slices are identical.
func DumpDiff(a, b []byte) string {
	diffs := DiffOffsets(a, b)
	if len(diffs) == 0 {
		return ""
	}
	hot := make(map[int]bool, len(diffs))
	rows := make(map[int]bool)
	for _, d := range diffs {
		hot[d] = true
		rows[d-d%bytesPerRow] = true
	}
	var sb strings.Builder
	for _, side := range [][]byte{a, b} {
		for row := 0; row < len(side); row += bytesPerRow {
			if rows[row] {
				dumpRow(&sb, side, row, hot)
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
