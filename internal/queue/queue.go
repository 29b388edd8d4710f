package queue

import (
	"sync"
	"time"

	"github.com/ftpferry/ftpferry/internal/events"
)

// Stats holds per-state item counts.
type Stats struct {
	Waiting         int
	Processing      int
	UserInputNeeded int
	Skipped         int
	Failed          int
	Done            int
}

// Total returns the total number of items in the queue.
func (s Stats) Total() int {
	return s.Waiting + s.Processing + s.UserInputNeeded + s.Skipped + s.Failed + s.Done
}

// Queue is the shared collection of upload items. It is safe for concurrent
// use by multiple worker goroutines; every exported mutation is one atomic
// update of one item under the queue lock.
type Queue struct {
	items     []*Item
	itemsByID map[int]*Item
	mu        sync.RWMutex

	bus *events.Bus
}

// New creates an empty queue publishing item events to the given bus.
// A nil bus disables event publishing.
func New(bus *events.Bus) *Queue {
	return &Queue{
		items:     make([]*Item, 0),
		itemsByID: make(map[int]*Item),
		bus:       bus,
	}
}

// Add appends an item in creation order and publishes a queued event.
func (q *Queue) Add(item *Item) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.itemsByID[item.UID] = item
	q.mu.Unlock()

	q.publishItemEvent(events.EventItemQueued, item, 0)
}

// ClaimNextWaiting transitions the first waiting item to processing and
// hands it to the caller. Returns nil when nothing is waiting. At most one
// worker ever owns an item: the waiting→processing transition happens under
// the queue lock.
func (q *Queue) ClaimNextWaiting(workerID int) *Item {
	q.mu.Lock()
	var claimed *Item
	for _, it := range q.items {
		if it.State == StateWaiting {
			it.State = StateProcessing
			claimed = it
			break
		}
	}
	q.mu.Unlock()

	if claimed != nil {
		q.publishItemEvent(events.EventItemClaimed, claimed, workerID)
	}
	return claimed
}

// UpdateItemState records the outcome of a processing pass: the new state,
// the problem classification, the underlying error and optional free-text
// detail (typically the server's reply line).
func (q *Queue) UpdateItemState(item *Item, state State, problem Problem, errCode error, detail string, workerID int) {
	q.mu.Lock()
	item.State = state
	item.Problem = problem
	item.ErrCode = errCode
	item.ErrDetail = detail
	if state.Terminal() {
		item.CompletedAt = time.Now()
	}
	q.mu.Unlock()

	q.publishItemEvent(stateEventType(state), item, workerID)
}

func stateEventType(state State) events.EventType {
	switch state {
	case StateWaiting:
		return events.EventItemWaiting
	case StateDone:
		return events.EventItemDone
	case StateSkipped:
		return events.EventItemSkipped
	case StateFailed:
		return events.EventItemFailed
	case StateUserInputNeeded:
		return events.EventItemNeedsUser
	default:
		return events.EventItemClaimed
	}
}

// UpdateForceAction replaces the item's one-shot forced action.
func (q *Queue) UpdateForceAction(item *Item, action ForceAction) {
	q.mu.Lock()
	item.ForceAction = action
	q.mu.Unlock()
}

// UpdateRenamedName commits an autorename candidate.
func (q *Queue) UpdateRenamedName(item *Item, name string) {
	q.mu.Lock()
	item.RenamedName = name
	q.mu.Unlock()
}

// UpdateTgtFileState records the remote file's lifecycle transition.
func (q *Queue) UpdateTgtFileState(item *Item, state TgtFileState) {
	q.mu.Lock()
	item.TgtFileState = state
	q.mu.Unlock()
}

// UpdateFileSize corrects the item's byte size after the data connection
// reported how much actually went over the wire.
func (q *Queue) UpdateFileSize(item *Item, size int64) {
	q.mu.Lock()
	item.Size = size
	q.mu.Unlock()
}

// UpdateAutorenamePhase stores the generator phase to resume from on the
// next autorename pass.
func (q *Queue) UpdateAutorenamePhase(item *Item, phase int) {
	q.mu.Lock()
	item.AutorenamePhase = phase
	q.mu.Unlock()
}

// UpdateAsciiTransferMode flips the item's transfer mode (used when the
// ascii-for-binary policy says "retry in binary mode").
func (q *Queue) UpdateAsciiTransferMode(item *Item, ascii bool) {
	q.mu.Lock()
	item.AsciiTransferMode = ascii
	q.mu.Unlock()
}

// UpdateIgnoreAsciiForBin records the operator's decision to upload a file
// that looks binary in ASCII mode anyway, so the content sniff is not
// repeated on the next attempt.
func (q *Queue) UpdateIgnoreAsciiForBin(item *Item, ignore bool) {
	q.mu.Lock()
	item.IgnoreAsciiForBin = ignore
	q.mu.Unlock()
}

// ChangeTgtNameToRenamedName makes the committed autorename candidate the
// item's real target name. Even when STOR later failed, the file was being
// stored under the new name, so the rename sticks.
func (q *Queue) ChangeTgtNameToRenamedName(item *Item) {
	q.mu.Lock()
	if item.RenamedName != "" {
		item.TgtName = item.RenamedName
		item.RenamedName = ""
	}
	q.mu.Unlock()
}

// UpdateTextFileSizes records the CRLF-size and EOL count measured while
// streaming an ASCII upload, so a later test-if-finished pass can compare
// the server's SIZE against either EOL convention.
func (q *Queue) UpdateTextFileSizes(item *Item, sizeWithCRLF, numberOfEOLs int64) {
	q.mu.Lock()
	item.SizeWithCRLF = sizeWithCRLF
	item.NumberOfEOLs = numberOfEOLs
	q.mu.Unlock()
}

// GetStats returns current per-state counts.
func (q *Queue) GetStats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := Stats{}
	for _, it := range q.items {
		switch it.State {
		case StateWaiting:
			stats.Waiting++
		case StateProcessing:
			stats.Processing++
		case StateUserInputNeeded:
			stats.UserInputNeeded++
		case StateSkipped:
			stats.Skipped++
		case StateFailed:
			stats.Failed++
		case StateDone:
			stats.Done++
		}
	}
	return stats
}

// AllSettled reports whether no item can make further progress without
// operator action: nothing waiting, nothing being processed.
func (q *Queue) AllSettled() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, it := range q.items {
		if it.State == StateWaiting || it.State == StateProcessing {
			return false
		}
	}
	return true
}

// Items returns a snapshot copy of all items for display.
func (q *Queue) Items() []Item {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]Item, len(q.items))
	for i, it := range q.items {
		out[i] = *it
	}
	return out
}

func (q *Queue) publishItemEvent(eventType events.EventType, item *Item, workerID int) {
	if q.bus == nil {
		return
	}
	q.mu.RLock()
	ev := &events.ItemEvent{
		BaseEvent: events.BaseEvent{EventType: eventType, Time: time.Now()},
		ItemUID:   item.UID,
		Name:      item.Name,
		TgtName:   item.EffectiveTgtName(),
		Problem:   item.Problem.String(),
		Detail:    item.ErrDetail,
		WorkerID:  workerID,
	}
	q.mu.RUnlock()
	q.bus.Publish(ev)
}
