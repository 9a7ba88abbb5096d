package ext2

import (
	"strings"
	"testing"
)

func TestSplitPath(t *testing.T) {
	tests := []struct {
		path    string
		want    []string
		wantErr bool
	}{
		{"/", nil, false},
		{"/a", []string{"a"}, false},
		{"/a/b/c", []string{"a", "b", "c"}, false},
		{"/a/", []string{"a"}, false}, // trailing slash tolerated
		{"", nil, true},
		{"a/b", nil, true},   // missing leading slash
		{"//etc", nil, true}, // empty component
		{"/a//b", nil, true},
		{"/" + strings.Repeat("n", maxNameLen+1), nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := splitPath(tt.path)
			if tt.wantErr {
				if !Is(err, KindInvalid) {
					t.Fatalf("splitPath(%q) err = %v, want KindInvalid", tt.path, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("splitPath(%q): %v", tt.path, err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("splitPath(%q) = %v, want %v", tt.path, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("splitPath(%q) = %v, want %v", tt.path, got, tt.want)
				}
			}
		})
	}
}
