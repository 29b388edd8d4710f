package listcache

import (
	"sync"
	"testing"
	"time"

	"github.com/ftpferry/ftpferry/internal/events"
)

const (
	tUser = "joe"
	tHost = "ftp.example.com"
	tPort = 21
	tPath = "/pub/incoming"
)

func finished(c *Cache, entries ...Entry) {
	c.ListingFinished(tUser, tHost, tPort, tPath, entries)
}

func get(c *Cache, workerID int, name string) GetResult {
	return c.GetListing(tUser, tHost, tPort, tPath, workerID, name)
}

func TestFirstAskerBecomesOwner(t *testing.T) {
	c := New(nil)

	res := get(c, 1, "file.dat")
	if !res.InProgress || !res.OwnerShouldFetch {
		t.Fatalf("first asker should fetch, got %+v", res)
	}

	// Everyone else waits, including on repeat asks.
	for i := 0; i < 3; i++ {
		res = get(c, 2, "file.dat")
		if !res.InProgress || res.OwnerShouldFetch {
			t.Fatalf("second asker should wait, got %+v", res)
		}
	}

	// The owner re-asking is still the fetcher.
	res = get(c, 1, "file.dat")
	if !res.InProgress || !res.OwnerShouldFetch {
		t.Fatalf("owner re-ask should still fetch, got %+v", res)
	}
}

func TestListingAnswersCollisions(t *testing.T) {
	c := New(nil)
	get(c, 1, "file.dat")
	finished(c,
		Entry{Name: "file.dat", Type: EntryFile, Size: 1024},
		Entry{Name: "sub", Type: EntryDir, Size: SizeUnknown},
	)

	res := get(c, 2, "file.dat")
	if !res.NameExists || res.Entry == nil {
		t.Fatalf("expected collision for file.dat, got %+v", res)
	}
	if res.Entry.Type != EntryFile || res.Entry.Size != 1024 {
		t.Errorf("wrong entry %+v", res.Entry)
	}

	res = get(c, 2, "sub")
	if !res.NameExists || res.Entry.Type != EntryDir {
		t.Errorf("expected dir collision, got %+v", res)
	}

	res = get(c, 2, "free.dat")
	if res.NameExists || res.Entry != nil || res.InProgress {
		t.Errorf("expected free name, got %+v", res)
	}
}

func TestReturnedEntryIsACopy(t *testing.T) {
	c := New(nil)
	get(c, 1, "file.dat")
	finished(c, Entry{Name: "file.dat", Type: EntryFile, Size: 10})

	res := get(c, 2, "file.dat")
	res.Entry.Size = 99999

	res2 := get(c, 2, "file.dat")
	if res2.Entry.Size != 10 {
		t.Error("caller mutation leaked into the cache")
	}
}

func TestNotAccessible(t *testing.T) {
	c := New(nil)
	get(c, 1, "x")
	c.ListingFailed(tUser, tHost, tPort, tPath, true)

	res := get(c, 2, "x")
	if !res.NotAccessible {
		t.Fatalf("expected not accessible, got %+v", res)
	}
}

func TestRetryableFailureDropsListing(t *testing.T) {
	c := New(nil)
	get(c, 1, "x")
	c.ListingFailed(tUser, tHost, tPort, tPath, false)

	// The next asker starts a fresh fetch.
	res := get(c, 2, "x")
	if !res.OwnerShouldFetch {
		t.Fatalf("expected fetch retry after transient failure, got %+v", res)
	}
}

func TestPendingChangesCommittedInOrder(t *testing.T) {
	c := New(nil)
	get(c, 1, "a.dat")

	// Mutations from other workers while worker 1 is still fetching.
	c.ReportStoreFile(tUser, tHost, tPort, tPath, "b.dat")
	c.ReportFileUploaded(tUser, tHost, tPort, tPath, "b.dat", 2048, false)
	c.ReportDelete(tUser, tHost, tPort, tPath, "old.dat", false)

	finished(c,
		Entry{Name: "a.dat", Type: EntryFile, Size: 1},
		Entry{Name: "old.dat", Type: EntryFile, Size: 2},
	)

	res := get(c, 2, "b.dat")
	if !res.NameExists || res.Entry.Size != 2048 {
		t.Errorf("pending upload not applied, got %+v", res)
	}
	res = get(c, 2, "old.dat")
	if res.NameExists {
		t.Error("pending delete not applied")
	}
}

func TestInvalidateDuringFetchObsoletesResult(t *testing.T) {
	c := New(nil)
	get(c, 1, "x")
	c.InvalidatePathListing(tUser, tHost, tPort, tPath)

	finished(c, Entry{Name: "x", Type: EntryFile, Size: 5})

	// The obsoleted result was discarded; the next asker refetches.
	res := get(c, 2, "x")
	if !res.OwnerShouldFetch {
		t.Fatalf("obsoleted listing should be discarded, got %+v", res)
	}
}

func TestUnknownResultInvalidates(t *testing.T) {
	c := New(nil)
	get(c, 1, "x")
	finished(c, Entry{Name: "x", Type: EntryFile, Size: 5})

	c.ReportFileUploaded(tUser, tHost, tPort, tPath, "x", 0, true)

	res := get(c, 2, "x")
	if !res.OwnerShouldFetch {
		t.Fatalf("unknown upload result should invalidate the listing, got %+v", res)
	}
}

func TestStoreOverDirectoryInvalidates(t *testing.T) {
	c := New(nil)
	get(c, 1, "x")
	finished(c, Entry{Name: "sub", Type: EntryDir, Size: SizeUnknown})

	// An upload claiming to have created a file where the listing shows a
	// directory means the cached picture is wrong.
	c.ReportStoreFile(tUser, tHost, tPort, tPath, "sub")

	res := get(c, 2, "sub")
	if !res.OwnerShouldFetch {
		t.Fatalf("conflicting store should invalidate the listing, got %+v", res)
	}
}

func TestReportOnUncachedPathIsIgnored(t *testing.T) {
	c := New(nil)
	c.ReportDelete(tUser, tHost, tPort, tPath, "x", false)
	c.ReportStoreFile(tUser, tHost, tPort, tPath, "x")

	if got := c.Snapshot(tUser, tHost, tPort, tPath); got != nil {
		t.Errorf("reports created a listing out of nothing: %+v", got)
	}
}

func TestHostCaseInsensitive(t *testing.T) {
	c := New(nil)
	c.GetListing(tUser, "FTP.Example.COM", tPort, tPath, 1, "x")
	c.ListingFinished(tUser, "ftp.example.com", tPort, tPath, []Entry{
		{Name: "x", Type: EntryFile, Size: 7},
	})

	res := get(c, 2, "x")
	if !res.NameExists {
		t.Error("host spelling should not split the cache")
	}
}

func TestListingEventPublished(t *testing.T) {
	bus := events.NewBus(8)
	defer bus.Close()
	ch := bus.Subscribe(events.EventListingFinished)

	c := New(bus)
	get(c, 1, "x")
	finished(c, Entry{Name: "x", Type: EntryFile, Size: 1})

	select {
	case e := <-ch:
		le, ok := e.(*events.ListingEvent)
		if !ok {
			t.Fatalf("unexpected event type %T", e)
		}
		if le.Path != tPath || le.Failed {
			t.Errorf("unexpected event %+v", le)
		}
	case <-time.After(time.Second):
		t.Fatal("no listing event published")
	}
}

func TestSnapshotSorted(t *testing.T) {
	c := New(nil)
	get(c, 1, "x")
	finished(c,
		Entry{Name: "zeta", Type: EntryFile, Size: 1},
		Entry{Name: "alpha", Type: EntryFile, Size: 2},
	)

	snap := c.Snapshot(tUser, tHost, tPort, tPath)
	if len(snap) != 2 || snap[0].Name != "alpha" || snap[1].Name != "zeta" {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestConcurrentAskersSingleOwner(t *testing.T) {
	c := New(nil)

	var wg sync.WaitGroup
	owners := make(chan int, 16)
	for i := 1; i <= 16; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if get(c, id, "x").OwnerShouldFetch {
				owners <- id
			}
		}(i)
	}
	wg.Wait()
	close(owners)

	n := 0
	for range owners {
		n++
	}
	if n != 1 {
		t.Errorf("expected exactly one designated fetcher, got %d", n)
	}
}
