package ftp

import (
	"strconv"
	"strings"
)

// ListEntryType classifies one parsed listing line.
type ListEntryType int

const (
	ListFile ListEntryType = iota
	ListDir
	ListLink
)

// ListEntry is one parsed line of a LIST reply.
type ListEntry struct {
	Name string
	Type ListEntryType
	// Size is the byte count, or -1 when the line carried none.
	Size int64
}

// ParseUnixListing parses the common unix-style LIST output
// ("-rw-r--r-- 1 owner group 1234 Jan  1 12:00 name"). Lines that do not
// match the shape (totals line, VMS or DOS formats) are skipped; callers
// that need those formats should request them only from servers known to
// speak this one. Names keep embedded spaces; symlinks drop the
// " -> target" suffix.
func ParseUnixListing(data []byte) []ListEntry {
	var out []ListEntry
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "total ") {
			continue
		}
		e, ok := parseUnixLine(line)
		if !ok {
			continue
		}
		out = append(out, e)
	}
	return out
}

func parseUnixLine(line string) (ListEntry, bool) {
	var typ ListEntryType
	switch line[0] {
	case '-':
		typ = ListFile
	case 'd':
		typ = ListDir
	case 'l':
		typ = ListLink
	default:
		return ListEntry{}, false
	}

	// mode, links, owner, group, size, month, day, year-or-time, name...
	fields := strings.Fields(line)
	if len(fields) < 9 {
		return ListEntry{}, false
	}

	size := int64(-1)
	if typ == ListFile {
		if n, err := strconv.ParseInt(fields[4], 10, 64); err == nil {
			size = n
		}
	}

	// The name starts after the 8th field; rediscover its offset in the
	// raw line so embedded spaces survive.
	idx := 0
	for i := 0; i < 8; i++ {
		for idx < len(line) && line[idx] == ' ' {
			idx++
		}
		for idx < len(line) && line[idx] != ' ' {
			idx++
		}
	}
	for idx < len(line) && line[idx] == ' ' {
		idx++
	}
	name := line[idx:]
	if name == "" {
		return ListEntry{}, false
	}
	if typ == ListLink {
		if i := strings.Index(name, " -> "); i >= 0 {
			name = name[:i]
		}
	}
	if name == "." || name == ".." {
		return ListEntry{}, false
	}
	return ListEntry{Name: name, Type: typ, Size: size}, true
}
