// Package pathutil provides helpers for remote FTP paths. Remote paths are
// slash-separated regardless of the server's host OS; the local filesystem
// is never touched here.
package pathutil

import "strings"

// MaxNameLen caps a single remote name component. Servers differ, 255 is
// the common denominator.
const MaxNameLen = 255

// Join appends a name component to a remote directory path.
// Returns false when the component is empty or the result would be
// syntactically unusable.
func Join(dir, name string) (string, bool) {
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	if dir == "" {
		return name, true
	}
	if strings.HasSuffix(dir, "/") {
		return dir + name, true
	}
	return dir + "/" + name, true
}

// IsValidNameComponent reports whether a name can be created on the server
// at all. Slashes and NULs never survive the wire; "." and ".." collide
// with the directory structure; overlong names are rejected up front rather
// than letting the server truncate them.
func IsValidNameComponent(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if len(name) > MaxNameLen {
		return false
	}
	if strings.ContainsAny(name, "/\x00") {
		return false
	}
	// Leading or trailing whitespace is silently stripped by several servers,
	// which would desynchronize the listing cache.
	if strings.TrimSpace(name) != name {
		return false
	}
	return true
}

// SplitExt splits a file name into stem and extension. A leading dot is not
// an extension separator (".profile" has no extension), matching how the
// autorename generator numbers candidates.
func SplitExt(name string) (stem, ext string) {
	idx := strings.LastIndex(name, ".")
	if idx <= 0 {
		return name, ""
	}
	return name[:idx], name[idx:]
}

// SanitizeNameComponent rewrites a name so it passes IsValidNameComponent,
// replacing offending characters with '_'. Used by the second autorename
// phase for servers that reject the original spelling.
func SanitizeNameComponent(name string) string {
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == 0:
			b.WriteByte('_')
		case r < 0x20:
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "_"
	}
	if len(out) > MaxNameLen {
		out = out[:MaxNameLen]
	}
	return out
}
