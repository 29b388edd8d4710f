// Package listcache caches directory listings of upload target paths,
// shared by all workers of an operation. It answers the one question the
// upload state machine keeps asking - "does this target name collide with
// anything?" - without re-listing the path for every item, and it keeps the
// cached listing honest by replaying the expected effect of every mutating
// FTP command on it.
//
// At most one worker ever fetches a given path: the first asker becomes the
// designated owner, later askers are told to wait and are woken through the
// event bus when the listing lands.
package listcache

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ftpferry/ftpferry/internal/events"
)

// EntryType classifies one listing entry.
type EntryType int

const (
	EntryFile EntryType = iota
	EntryDir
	EntryLink // link to a file or directory, target kind unknown until probed
)

// Size sentinels for Entry.Size.
const (
	// SizeUnknown means the listing carried no byte size for the entry.
	SizeUnknown int64 = -1
	// SizeNeedUpdate means the size is stale until the path is re-listed
	// (set while an upload to the entry is in flight, and after ASCII-mode
	// uploads whose server-side size depends on EOL translation).
	SizeNeedUpdate int64 = -2
)

// Entry is one file/directory/link in a cached listing.
type Entry struct {
	Name string
	Type EntryType
	Size int64 // only meaningful for files; see the Size sentinels
}

type listingState int

const (
	stateInProgress listingState = iota
	stateReady
	stateNotAccessible
)

type changeKind int

const (
	changeDelete changeKind = iota
	changeStoreFile
	changeFileUploaded
	changeInvalidate
)

// change records a mutation reported while the listing was still being
// fetched; committed in order once the listing lands.
type change struct {
	kind changeKind
	name string
	size int64
}

type pathListing struct {
	state     listingState
	owner     int // worker designated to fetch; only meaningful in stateInProgress
	entries   map[string]*Entry
	pending   []change
	obsoleted bool // invalidated while fetching; discard the result on arrival
}

// GetResult is the answer to one GetListing call.
type GetResult struct {
	// InProgress: the listing is being fetched. When OwnerShouldFetch is
	// also set, the caller is the designated fetcher; otherwise it must
	// wait for a listing_finished event and ask again.
	InProgress       bool
	OwnerShouldFetch bool

	// NotAccessible: terminal negative result, the path cannot be listed.
	NotAccessible bool

	// Entry is a copy of the colliding entry for the queried name, nil
	// when the name is free. NameExists mirrors Entry != nil.
	Entry      *Entry
	NameExists bool
}

// Cache is the process-wide target-listing cache. Safe for concurrent use
// by multiple worker goroutines.
type Cache struct {
	mu       sync.Mutex
	listings map[string]*pathListing
	bus      *events.Bus
}

// New creates an empty cache publishing listing events to the given bus.
func New(bus *events.Bus) *Cache {
	return &Cache{
		listings: make(map[string]*pathListing),
		bus:      bus,
	}
}

func pathKey(user, host string, port int, path string) string {
	return fmt.Sprintf("%s@%s:%d|%s", user, strings.ToLower(host), port, path)
}

// GetListing looks up the listing for a target path and checks the given
// name against it. For an unknown path the caller becomes the listing
// owner and must fetch it, then call ListingFinished or ListingFailed.
// A second asker for an in-flight path is always told to wait, never to
// fetch.
func (c *Cache) GetListing(user, host string, port int, path string, workerID int, name string) GetResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := pathKey(user, host, port, path)
	l, ok := c.listings[k]
	if !ok {
		c.listings[k] = &pathListing{
			state:   stateInProgress,
			owner:   workerID,
			entries: make(map[string]*Entry),
		}
		return GetResult{InProgress: true, OwnerShouldFetch: true}
	}

	switch l.state {
	case stateInProgress:
		// Re-asking by the owner is answered consistently; everyone else
		// waits for the owner to finish.
		return GetResult{InProgress: true, OwnerShouldFetch: l.owner == workerID}
	case stateNotAccessible:
		return GetResult{NotAccessible: true}
	default: // stateReady
		if e, exists := l.entries[name]; exists {
			cp := *e
			return GetResult{Entry: &cp, NameExists: true}
		}
		return GetResult{}
	}
}

// ListingFinished installs the fetched entries for the path, commits any
// mutations reported while the fetch was in flight, and wakes the waiting
// workers. If the path was invalidated mid-fetch the result is discarded
// and the waiters re-drive a fresh fetch.
func (c *Cache) ListingFinished(user, host string, port int, path string, entries []Entry) {
	c.mu.Lock()
	k := pathKey(user, host, port, path)
	l, ok := c.listings[k]
	if ok && l.obsoleted {
		delete(c.listings, k)
	} else if ok {
		l.state = stateReady
		l.entries = make(map[string]*Entry, len(entries))
		for i := range entries {
			e := entries[i]
			l.entries[e.Name] = &e
		}
		for _, ch := range l.pending {
			c.commitChangeLocked(k, l, ch)
		}
		l.pending = nil
	}
	c.mu.Unlock()

	c.publishListingEvent(user, host, port, path, false)
}

// ListingFailed records that the owner could not fetch the listing.
// notAccessible marks the path terminally unlistable (server said no);
// otherwise the entry is dropped so the next asker retries the fetch.
func (c *Cache) ListingFailed(user, host string, port int, path string, notAccessible bool) {
	c.mu.Lock()
	k := pathKey(user, host, port, path)
	if l, ok := c.listings[k]; ok {
		if notAccessible && !l.obsoleted {
			l.state = stateNotAccessible
			l.entries = nil
			l.pending = nil
		} else {
			delete(c.listings, k)
		}
	}
	c.mu.Unlock()

	c.publishListingEvent(user, host, port, path, true)
}

// InvalidatePathListing forces the path back to "needs a fresh listing".
// Called when a mutating command's outcome is unknown (connection lost
// mid-command) or when the cached picture is otherwise untrustworthy.
func (c *Cache) InvalidatePathListing(user, host string, port int, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := pathKey(user, host, port, path)
	l, ok := c.listings[k]
	if !ok {
		return
	}
	if l.state == stateInProgress {
		l.obsoleted = true
		return
	}
	delete(c.listings, k)
}

// ReportDelete informs the cache that name was deleted from path.
// unknownResult means the DELE outcome is unknown and the listing must be
// invalidated instead of edited.
func (c *Cache) ReportDelete(user, host string, port int, path, name string, unknownResult bool) {
	c.report(user, host, port, path, change{kind: kindFor(unknownResult, changeDelete), name: name})
}

// ReportStoreFile informs the cache that an upload to name just started:
// the entry exists from now on but its size is unknown until re-listed.
func (c *Cache) ReportStoreFile(user, host string, port int, path, name string) {
	c.report(user, host, port, path, change{kind: changeStoreFile, name: name, size: SizeNeedUpdate})
}

// ReportFileUploaded informs the cache of a finished upload. size may be a
// real byte count or SizeNeedUpdate (ASCII/or resumed uploads, where the
// stored size is only knowable from a fresh listing). unknownResult means
// the transfer's outcome is unknown and the listing must be invalidated.
func (c *Cache) ReportFileUploaded(user, host string, port int, path, name string, size int64, unknownResult bool) {
	c.report(user, host, port, path, change{kind: kindFor(unknownResult, changeFileUploaded), name: name, size: size})
}

func kindFor(unknownResult bool, kind changeKind) changeKind {
	if unknownResult {
		return changeInvalidate
	}
	return kind
}

func (c *Cache) report(user, host string, port int, path string, ch change) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := pathKey(user, host, port, path)
	l, ok := c.listings[k]
	if !ok {
		return // nothing cached, nothing to keep honest
	}
	switch l.state {
	case stateInProgress:
		if ch.kind == changeInvalidate {
			l.obsoleted = true
		} else {
			l.pending = append(l.pending, ch)
		}
	case stateReady:
		c.commitChangeLocked(k, l, ch)
	}
	// stateNotAccessible: terminal, mutations are irrelevant
}

func (c *Cache) commitChangeLocked(k string, l *pathListing, ch change) {
	switch ch.kind {
	case changeDelete:
		delete(l.entries, ch.name)
	case changeStoreFile, changeFileUploaded:
		if e, ok := l.entries[ch.name]; ok && e.Type != EntryFile {
			// Uploading over a name the listing knows as a directory or
			// link means the picture is wrong; refetch.
			delete(c.listings, k)
			return
		}
		l.entries[ch.name] = &Entry{Name: ch.name, Type: EntryFile, Size: ch.size}
	case changeInvalidate:
		delete(c.listings, k)
	}
}

// Snapshot returns a sorted copy of the ready listing for a path, or nil
// when none is cached. Used by the autorename generator's tests and by
// diagnostics.
func (c *Cache) Snapshot(user, host string, port int, path string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.listings[pathKey(user, host, port, path)]
	if !ok || l.state != stateReady {
		return nil
	}
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Cache) publishListingEvent(user, host string, port int, path string, failed bool) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(&events.ListingEvent{
		BaseEvent: events.BaseEvent{EventType: events.EventListingFinished, Time: time.Now()},
		User:      user,
		Host:      host,
		Port:      port,
		Path:      path,
		Failed:    failed,
	})
}
