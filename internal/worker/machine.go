package worker

import (
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ftpferry/ftpferry/internal/config"
	"github.com/ftpferry/ftpferry/internal/dataconn"
	"github.com/ftpferry/ftpferry/internal/ftp"
	"github.com/ftpferry/ftpferry/internal/listcache"
	"github.com/ftpferry/ftpferry/internal/openfiles"
	"github.com/ftpferry/ftpferry/internal/queue"
)

// Operation holds capability flags shared by all workers of one upload
// operation. A worker that discovers the server rejects SIZE, APPE or PASV
// flips the flag here so the other workers stop trying too.
type Operation struct {
	mu               sync.Mutex
	sizeCmdSupported bool
	resumeSupported  bool
	usePassiveMode   bool
}

// NewOperation starts optimistic: SIZE and APPE assumed supported until a
// server reply proves otherwise.
func NewOperation(passiveMode bool) *Operation {
	return &Operation{
		sizeCmdSupported: true,
		resumeSupported:  true,
		usePassiveMode:   passiveMode,
	}
}

func (o *Operation) SizeCmdSupported() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sizeCmdSupported
}

func (o *Operation) SetSizeCmdSupported(v bool) {
	o.mu.Lock()
	o.sizeCmdSupported = v
	o.mu.Unlock()
}

func (o *Operation) ResumeSupported() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resumeSupported
}

func (o *Operation) SetResumeSupported(v bool) {
	o.mu.Lock()
	o.resumeSupported = v
	o.mu.Unlock()
}

func (o *Operation) UsePassiveMode() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.usePassiveMode
}

func (o *Operation) SetUsePassiveMode(v bool) {
	o.mu.Lock()
	o.usePassiveMode = v
	o.mu.Unlock()
}

// dataConnInfo is the slice of the upload data connection the machine
// inspects when reconciling a finished transfer. Satisfied by
// *dataconn.UploadConn; stubbed in tests.
type dataConnInfo interface {
	TotalWritten() int64
	AllDataTransferred() bool
	Error() (error, dataconn.SSLErrorClass)
}

// Machine is the per-worker upload state machine. It is driven from a
// single goroutine; the shared queue, listing cache and open files
// registry provide their own locking.
type Machine struct {
	cfg   *config.Config
	op    *Operation
	q     *queue.Queue
	cache *listcache.Cache
	open  *openfiles.Registry
	log   zerolog.Logger

	workerID int

	item *queue.Item

	state   SubState
	upload  uploadType
	purpose dcPurpose

	// Connection-scoped caches, reset on reconnect, not per item.
	curWorkingPath string
	curMode        transferMode

	// Latched for the rest of the worker's lifetime once a server is
	// seen refusing an in-place rewrite; seeded from the config.
	useDeleteForOverwrite bool

	// Per-item transient state, reset by StartItem.
	srcFile          *os.File
	srcSize          int64
	resumingOnServer bool
	resumeOffset     int64
	fileOffset       int64
	eolsWritten      int64
	bytesConverted   int64
	lockedFileUID    int
	existing         *listcache.Entry
	gen              *nameGenerator

	prepareErr   prepareError
	prepareOSErr error
	diskInFlight bool

	dc            dataConnInfo
	dataConn      dataConnState
	dataActivated bool
	storSent      bool
	abort         prepareError
	abortOSErr    error

	storReply     *ftp.Reply
	storReplySeen bool
	dataClosed    bool

	listReply     *ftp.Reply
	listData      []byte
	listComplete  bool
	listDataSeen  bool

	replyTimedOut   bool
	listingReturn   SubState
	resumeAfterType SubState
	hasResumeAfter  bool

	finished bool // item reached an end state with this worker
}

// NewMachine creates a machine for one worker connection.
func NewMachine(cfg *config.Config, op *Operation, q *queue.Queue, cache *listcache.Cache,
	open *openfiles.Registry, workerID int, log zerolog.Logger) *Machine {
	return &Machine{
		cfg:                   cfg,
		op:                    op,
		q:                     q,
		cache:                 cache,
		open:                  open,
		workerID:              workerID,
		log:                   log,
		useDeleteForOverwrite: cfg.UseDeleteForOverwrite,
	}
}

// StartItem binds a freshly claimed item and resets all per-item state.
// The caller already opened the source file (nil for test-if-finished
// passes that may not need it; the machine opens no files itself).
func (m *Machine) StartItem(item *queue.Item, src *os.File, srcSize int64) {
	m.item = item
	m.srcFile = src
	m.srcSize = srcSize

	m.state = stateStartWork
	m.upload = uploadNewFile
	m.purpose = purposeUpload
	m.resumingOnServer = false
	m.resumeOffset = 0
	m.fileOffset = 0
	m.eolsWritten = 0
	m.bytesConverted = 0
	m.lockedFileUID = 0
	m.existing = nil
	m.gen = nil
	m.prepareErr = pderNone
	m.prepareOSErr = nil
	m.diskInFlight = false
	m.dc = nil
	m.dataConn = dcNone
	m.dataActivated = false
	m.storSent = false
	m.abort = pderNone
	m.abortOSErr = nil
	m.storReply = nil
	m.storReplySeen = false
	m.dataClosed = false
	m.listReply = nil
	m.listData = nil
	m.listComplete = false
	m.listDataSeen = false
	m.replyTimedOut = false
	m.listingReturn = stateStartWork
	m.hasResumeAfter = false
	m.finished = false
}

// Item returns the bound item, nil between items.
func (m *Machine) Item() *queue.Item { return m.item }

// State returns the current sub-state; tests and the worker status display
// use it.
func (m *Machine) State() SubState { return m.state }

// SetDataConn hands the machine the view of the allocated upload data
// connection. Called by the driver right after executing AllocDataCon.
func (m *Machine) SetDataConn(dc dataConnInfo) { m.dc = dc }

// LockedFileUID returns the open files registry claim for cleanup, 0 when
// none is held.
func (m *Machine) LockedFileUID() int { return m.lockedFileUID }

// NoteReplyTimeout records that the reply timer expired before this
// worker closed the control connection. Checked when the resulting
// connection-closed event is processed.
func (m *Machine) NoteReplyTimeout() { m.replyTimedOut = true }

// ResetConnection clears the connection-scoped caches after a reconnect.
func (m *Machine) ResetConnection() {
	m.curWorkingPath = ""
	m.curMode = modeUnknown
	m.replyTimedOut = false
}

// Step feeds one event into the machine and returns the side effects to
// execute. The driver re-enters with EvActivate while Outcome.NextLoop is
// set.
func (m *Machine) Step(ev Event) Outcome {
	switch ev.Kind {
	case EvShouldStop:
		return m.handleShouldStop()
	case EvConnClosed:
		return m.handleConnClosed()
	case EvInfoReceived:
		return m.handleInfo(ev)
	case EvDataConConnected:
		m.dataConn = dcConnected
		return Outcome{}
	case EvDataConPrepareData:
		return m.handlePrepareData()
	case EvDiskWorkFinished:
		if m.state == stateDelFileWaitForDisk {
			break // handled by the state switch
		}
		return m.handleDiskRead(ev)
	case EvDataConClosed:
		if m.state != stateWaitForLISTRes && m.state != stateWaitForSTORRes &&
			m.state != stateActivateDataCon && m.state != stateWaitForListen {
			// Early close (before the transfer command concluded) is
			// remembered; the waiting state reconciles it.
			m.dataClosed = true
			m.dataConn = dcNone
			return Outcome{}
		}
	}
	return m.transition(ev)
}

// handleShouldStop winds the item down: an unfinished item goes back to
// waiting so another worker (or a later run) picks it up.
func (m *Machine) handleShouldStop() Outcome {
	out := Outcome{
		CancelDisk:          true,
		CloseDataCon:        true,
		CancelListenTimeout: true,
		SendQuit:            true,
		Stop:                true,
	}
	m.abandonInFlight()
	if m.item != nil && !m.finished {
		m.q.UpdateItemState(m.item, queue.StateWaiting, queue.ProblemNone, nil, "", m.workerID)
	}
	return out
}

// handleConnClosed deals with losing the control connection in any state.
// Mutating commands whose outcome is now unknown invalidate the listing
// cache; the item is requeued for a fresh attempt after reconnecting.
func (m *Machine) handleConnClosed() Outcome {
	it := m.item
	if it == nil {
		m.curWorkingPath = ""
		m.curMode = modeUnknown
		return Outcome{RetryItem: true}
	}
	tgt := it.EffectiveTgtName()

	switch m.state {
	case stateWaitForDELERes:
		m.cache.ReportDelete(m.cfg.User, m.cfg.Host, m.cfg.Port, it.TgtPath, tgt, true)

	case stateWaitForAsciiAbortDELERes:
		m.cache.ReportDelete(m.cfg.User, m.cfg.Host, m.cfg.Port, it.TgtPath, tgt, true)

	case stateActivateDataCon, stateWaitForSTORRes:
		m.cache.ReportFileUploaded(m.cfg.User, m.cfg.Host, m.cfg.Port, it.TgtPath, tgt, 0, true)
		// The command reached the server, so any forced decision is spent.
		m.q.UpdateForceAction(it, queue.ForceNone)
		if m.dc != nil && m.dc.AllDataTransferred() && m.replyTimedOut {
			// Everything was sent and only the final reply is missing:
			// the upload probably succeeded. Verify by size next time
			// instead of re-sending the whole file. The converted sizes
			// must be recorded now or the ASCII size check cannot match.
			if it.AsciiTransferMode {
				m.q.UpdateTextFileSizes(it, m.bytesConverted, m.eolsWritten)
			}
			m.q.UpdateForceAction(it, queue.ForceTestIfFinished)
		}

	case stateSendLISTCmd, stateWaitForLISTRes:
		m.cache.ListingFailed(m.cfg.User, m.cfg.Host, m.cfg.Port, it.TgtPath, false)

	default:
		if m.purpose == purposeListing {
			m.cache.ListingFailed(m.cfg.User, m.cfg.Host, m.cfg.Port, it.TgtPath, false)
		}
	}

	m.curWorkingPath = ""
	m.curMode = modeUnknown

	m.finished = true
	m.q.UpdateItemState(it, queue.StateWaiting, queue.ProblemNone, nil, "", m.workerID)
	return Outcome{
		CloseDataCon:        true,
		CancelDisk:          true,
		CancelListenTimeout: true,
		RetryItem:           true,
	}
}

// handleInfo processes a preliminary 1xx reply. With data encryption the
// TLS handshake on the data connection must wait for the server's
// preliminary reply to the transfer command; plaintext connections were
// already activated when the command was sent. The ordering matters to
// servers that reject a handshake arriving before they accepted the
// transfer, so it is kept exactly as stated even though it looks
// asymmetric.
func (m *Machine) handleInfo(ev Event) Outcome {
	if m.state == stateWaitForSTORRes && m.cfg.EncryptData && !m.dataActivated {
		m.dataActivated = true
		return Outcome{ActivateDataCon: true}
	}
	m.log.Debug().Str("reply", ev.Reply.Text).Msg("Preliminary reply")
	return Outcome{}
}

// handlePrepareData answers the data connection's request for the next
// block by submitting a disk read.
func (m *Machine) handlePrepareData() Outcome {
	if m.diskInFlight || m.srcFile == nil {
		return Outcome{}
	}
	m.diskInFlight = true
	kind := diskJobRead
	if m.item.AsciiTransferMode {
		kind = diskJobReadASCII
	}
	return Outcome{DiskJob: kind, DiskOffset: m.fileOffset}
}

// handleDiskRead consumes a finished source read: either the block is
// handed to the data connection, or a fault is staged in the single-slot
// prepare error and drained immediately.
func (m *Machine) handleDiskRead(ev Event) Outcome {
	m.diskInFlight = false
	res := ev.Disk

	if res.Err != nil {
		m.prepareErr = pderReadError
		m.prepareOSErr = res.Err
		out, _ := m.HandlePrepareDataError()
		return out
	}
	if res.BinaryContent && m.item.AsciiTransferMode && !m.item.IgnoreAsciiForBin {
		m.prepareErr = pderASCIIForBinary
		out, _ := m.HandlePrepareDataError()
		return out
	}

	m.fileOffset = res.NewOffset
	m.eolsWritten += res.EOLCount
	m.bytesConverted += int64(res.ValidBytes)
	return Outcome{FeedData: &feed{buf: res.Buffer, n: res.ValidBytes, eof: res.EOF}}
}

// HandlePrepareDataError drains the pending prepare fault. With no fault
// staged it reports handled=false and does nothing; redundant calls are
// safe. A fault raised after the transfer command reached the server is
// latched and resolved together with the command's final reply, so the
// server's verdict is never lost; before that point the item is resolved
// immediately.
func (m *Machine) HandlePrepareDataError() (Outcome, bool) {
	if m.prepareErr == pderNone {
		return Outcome{}, false
	}
	pe, osErr := m.prepareErr, m.prepareOSErr
	m.prepareErr = pderNone
	m.prepareOSErr = nil

	if m.storSent {
		m.abort = pe
		m.abortOSErr = osErr
		out := Outcome{CloseDataCon: true}
		if m.storReplySeen && m.dataClosed {
			out = m.reconcileTransfer()
			out.CloseDataCon = true
		}
		return out, true
	}

	switch pe {
	case pderASCIIForBinary:
		// No remote file exists yet, resolve the policy directly.
		out := m.resolveAsciiForBinary()
		out.CloseDataCon = true
		return out, true
	case pderLowMemory:
		return m.failItem(queue.ProblemLowMemory, osErr, ""), true
	default:
		return m.failItem(queue.ProblemReadError, osErr, ""), true
	}
}

// abandonInFlight marks in-flight collaborator work as no longer awaited.
func (m *Machine) abandonInFlight() {
	m.diskInFlight = false
	m.dataConn = dcNone
}

// failItem ends the item in the failed state.
func (m *Machine) failItem(p queue.Problem, errCode error, detail string) Outcome {
	m.finished = true
	m.q.UpdateItemState(m.item, queue.StateFailed, p, errCode, detail, m.workerID)
	return Outcome{CloseDataCon: true, CancelDisk: true, CancelListenTimeout: true, LookForNewWork: true}
}

// skipItem ends the item in the skipped state.
func (m *Machine) skipItem(p queue.Problem, detail string) Outcome {
	m.finished = true
	m.q.UpdateItemState(m.item, queue.StateSkipped, p, nil, detail, m.workerID)
	return Outcome{CloseDataCon: true, CancelDisk: true, LookForNewWork: true}
}

// parkItem parks the item for an operator decision.
func (m *Machine) parkItem(p queue.Problem, detail string) Outcome {
	m.finished = true
	m.q.UpdateItemState(m.item, queue.StateUserInputNeeded, p, nil, detail, m.workerID)
	return Outcome{CloseDataCon: true, CancelDisk: true, LookForNewWork: true}
}

// requeueItem returns the item to the waiting pool for another pass.
func (m *Machine) requeueItem() Outcome {
	m.finished = true
	m.q.UpdateItemState(m.item, queue.StateWaiting, queue.ProblemNone, nil, "", m.workerID)
	return Outcome{CloseDataCon: true, CancelDisk: true, LookForNewWork: true}
}
