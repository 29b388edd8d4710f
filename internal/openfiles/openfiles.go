// Package openfiles tracks which remote files this process currently has
// open for writing. Workers must claim a (server, path, name) before
// creating or resuming a file, so two workers never race to write the same
// remote path.
package openfiles

import (
	"fmt"
	"strings"
	"sync"
)

// AccessType distinguishes read and write claims. Multiple readers may
// share a file; a writer excludes everyone.
type AccessType int

const (
	AccessRead AccessType = iota
	AccessWrite
)

type entry struct {
	uid    int
	access AccessType
}

// Registry is a process-wide test-and-set table of open remote files.
// Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	open    map[string][]entry
	nextUID int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{open: make(map[string][]entry)}
}

func key(user, host string, port int, path, name string) string {
	// Host names and remote names are case-sensitive on enough servers
	// that only the host is folded.
	return fmt.Sprintf("%s@%s:%d|%s|%s", user, strings.ToLower(host), port, path, name)
}

// Open claims the file for the given access. Returns the claim UID and
// true on success; zero and false when the file is already open in a
// conflicting mode. The claim is an atomic test-and-set; a failed claim
// surfaces to the queue item as a terminal in-use failure, not a retry.
func (r *Registry) Open(user, host string, port int, path, name string, access AccessType) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(user, host, port, path, name)
	for _, e := range r.open[k] {
		if e.access == AccessWrite || access == AccessWrite {
			return 0, false
		}
	}

	r.nextUID++
	uid := r.nextUID
	r.open[k] = append(r.open[k], entry{uid: uid, access: access})
	return uid, true
}

// Close releases a claim by UID. Closing an unknown UID is a no-op, so
// release paths can run unconditionally.
func (r *Registry) Close(uid int) {
	if uid == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, entries := range r.open {
		for i, e := range entries {
			if e.uid == uid {
				entries = append(entries[:i], entries[i+1:]...)
				if len(entries) == 0 {
					delete(r.open, k)
				} else {
					r.open[k] = entries
				}
				return
			}
		}
	}
}

// IsOpen reports whether any claim exists for the file.
func (r *Registry) IsOpen(user, host string, port int, path, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open[key(user, host, port, path, name)]) > 0
}
