package ext2

import "strings"

// splitPath breaks an absolute path into its non-empty components.
// The leading slash is mandatory; an empty component anywhere else
// (a doubled slash, e.g. "//etc") is rejected rather than silently
// collapsed.
func splitPath(path string) ([]string, error) {
	if len(path) == 0 || path[0] != '/' {
		return nil, newErr(KindInvalid, "splitPath", path, nil)
	}
	if path == "/" {
		return nil, nil
	}
	parts := strings.Split(path[1:], "/")
	out := make([]string, 0, len(parts))
	for i, p := range parts {
		if p == "" {
			if i == len(parts)-1 {
				continue // trailing slash
			}
			return nil, newErr(KindInvalid, "splitPath", path, nil)
		}
		if len(p) > maxNameLen {
			return nil, newErr(KindInvalid, "splitPath", path, nil)
		}
		out = append(out, p)
	}
	return out, nil
}
